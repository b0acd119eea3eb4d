package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"bazaarchat/pkg/config"
)

var testCfg = config.JWTConfig{Secret: "test-secret", TTL: time.Hour}

func TestGenerateAndParseToken(t *testing.T) {
	tok, err := GenerateToken(testCfg, "u1")
	require.NoError(t, err)

	uid, err := ParseToken(testCfg, tok)
	require.NoError(t, err)
	require.Equal(t, "u1", uid)
}

func TestParseToken_Rejects(t *testing.T) {
	tok, err := GenerateToken(testCfg, "u1")
	require.NoError(t, err)

	_, err = ParseToken(config.JWTConfig{Secret: "other"}, tok)
	require.Error(t, err)

	_, err = ParseToken(testCfg, "")
	require.ErrorIs(t, err, ErrMissingToken)

	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "u1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}}
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testCfg.Secret))
	require.NoError(t, err)
	_, err = ParseToken(testCfg, expired)
	require.ErrorIs(t, err, jwt.ErrTokenExpired)

	_, err = GenerateToken(testCfg, "")
	require.Error(t, err)
}

func TestTokenFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws/chat?token=q", nil)
	require.Equal(t, "q", TokenFromRequest(req))

	req.Header.Set("Authorization", "Bearer h")
	require.Equal(t, "h", TokenFromRequest(req))
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/me", Middleware(testCfg), func(c *gin.Context) {
		c.String(http.StatusOK, UserID(c))
	})

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/me", nil))
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	tok, err := GenerateToken(testCfg, "u9")
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "u9", rr.Body.String())
}
