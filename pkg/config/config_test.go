package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFromViper_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/chat")
	t.Setenv("JWT_SECRET", "secret")

	cfg, err := FromViper(NewViper())
	require.NoError(t, err)

	require.Equal(t, "development", cfg.Env)
	require.Equal(t, "8080", cfg.Port)
	require.Equal(t, int32(10), cfg.DB.MaxConns)
	require.Equal(t, int32(2), cfg.DB.MinConns)
	require.Equal(t, 5*time.Minute, cfg.DB.MaxConnIdleTime)
	require.True(t, cfg.DB.ApplySchemaOnStart)
	require.Equal(t, 24*time.Hour, cfg.JWT.TTL)
	require.Equal(t, []string{"*"}, cfg.CORS.AllowedOrigins)
	require.Equal(t, "bazaarchat.messages", cfg.NATS.Subject)
	require.False(t, cfg.TLS.Enable)
}

func TestFromViper_Overrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/chat")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("CORS_ALLOWED_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("DB_MAX_CONNS", "20")
	t.Setenv("APPLY_SCHEMA_ON_START", "false")
	t.Setenv("ENABLE_TLS", "true")

	cfg, err := FromViper(NewViper())
	require.NoError(t, err)

	require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORS.AllowedOrigins)
	require.Equal(t, int32(20), cfg.DB.MaxConns)
	require.False(t, cfg.DB.ApplySchemaOnStart)
	require.Equal(t, "8443", cfg.Port)
}

func TestFromViper_MissingDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("JWT_SECRET", "secret")

	_, err := FromViper(NewViper())
	require.EqualError(t, err, "DATABASE_URL environment variable not set")
}

func TestFromViper_ProductionRequiresCertificates(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/chat")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("APP_ENV", "production")
	t.Setenv("TLS_CERT_PATH", "")
	t.Setenv("TLS_KEY_PATH", "")

	_, err := FromViper(NewViper())
	require.Error(t, err)
}
