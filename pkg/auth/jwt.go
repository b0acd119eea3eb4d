package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"bazaarchat/pkg/config"
	"bazaarchat/pkg/response"
)

// ContextUserID is the gin context key holding the authenticated user id.
const ContextUserID = "user_id"

var ErrMissingToken = errors.New("missing bearer token")

type Claims struct {
	jwt.RegisteredClaims
}

// GenerateToken signs an HS256 token whose subject is userID.
func GenerateToken(cfg config.JWTConfig, userID string) (string, error) {
	if userID == "" {
		return "", errors.New("user id is required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.Secret))
}

// ParseToken verifies tokenStr and returns the user id it was issued for.
func ParseToken(cfg config.JWTConfig, tokenStr string) (string, error) {
	if tokenStr == "" {
		return "", ErrMissingToken
	}
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected alg: %v", t.Header["alg"])
		}
		return []byte(cfg.Secret), nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return "", jwt.ErrTokenInvalidClaims
	}
	return claims.Subject, nil
}

// TokenFromRequest reads the bearer token from the Authorization header or,
// for WebSocket upgrades, the token query parameter.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if after, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(after)
		}
	}
	return r.URL.Query().Get("token")
}

// Middleware rejects requests without a valid token and stores the user id under ContextUserID.
func Middleware(cfg config.JWTConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := ParseToken(cfg, TokenFromRequest(c.Request))
		if err != nil {
			response.Abort(c, http.StatusUnauthorized, "unauthorized")
			return
		}
		c.Set(ContextUserID, userID)
		c.Next()
	}
}

// UserID returns the id set by Middleware.
func UserID(c *gin.Context) string {
	return c.GetString(ContextUserID)
}
