package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// DBConfig configures the Postgres pool.
type DBConfig struct {
	URL                string
	MaxConns           int32
	MinConns           int32
	MaxConnIdleTime    time.Duration
	ApplySchemaOnStart bool
	SchemaPath         string
}

// RedisConfig configures the presence store. Empty Addr keeps presence in memory.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NATSConfig configures cross-instance delivery. Empty URL delivers in process only.
type NATSConfig struct {
	URL     string
	Subject string
}

// JWTConfig configures bearer token verification.
type JWTConfig struct {
	Secret string
	TTL    time.Duration
}

// CORSConfig mirrors the gin-contrib/cors options read from the environment.
type CORSConfig struct {
	AllowedOrigins   []string
	AllowCredentials bool
}

// EmailConfig configures the SendGrid notifier. Empty APIKey disables email.
type EmailConfig struct {
	APIKey      string
	SenderEmail string
	SenderName  string
}

// TLSConfig holds environment-driven TLS configuration.
type TLSConfig struct {
	Enable          bool
	CertPath        string
	KeyPath         string
	AllowSelfSigned bool
}

// Config is the server configuration.
type Config struct {
	Env      string
	Port     string
	LogLevel string
	DB       DBConfig
	Redis    RedisConfig
	NATS     NATSConfig
	JWT      JWTConfig
	CORS     CORSConfig
	Email    EmailConfig
	TLS      TLSConfig
}

// Production reports whether the server runs with APP_ENV=production.
func (c Config) Production() bool {
	return c.Env == "production"
}

// Load reads an optional .env file and then the environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromViper(NewViper())
}

// NewViper returns a viper instance bound to the environment with every default set.
func NewViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("APP_ENV", "development")
	v.SetDefault("SERVER_PORT", "")
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DB_MAX_CONN_IDLE_TIME", "5m")
	v.SetDefault("APPLY_SCHEMA_ON_START", true)
	v.SetDefault("SCHEMA_PATH", "pkg/db/schema.sql")

	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("NATS_URL", "")
	v.SetDefault("NATS_SUBJECT", "bazaarchat.messages")

	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("JWT_TTL", "24h")

	v.SetDefault("CORS_ALLOWED_ORIGINS", "")
	v.SetDefault("CORS_ALLOW_CREDENTIALS", false)

	v.SetDefault("SENDGRID_API_KEY", "")
	v.SetDefault("SENDGRID_SENDER_EMAIL", "")
	v.SetDefault("SENDGRID_SENDER_NAME", "Marketplace")

	v.SetDefault("ENABLE_TLS", false)
	v.SetDefault("TLS_CERT_PATH", "")
	v.SetDefault("TLS_KEY_PATH", "")
	v.SetDefault("TLS_SELF_SIGNED", true)
	return v
}

// FromViper builds and validates a Config from v.
func FromViper(v *viper.Viper) (Config, error) {
	env := strings.ToLower(strings.TrimSpace(v.GetString("APP_ENV")))
	if env == "" {
		env = "development"
	}

	cfg := Config{
		Env:      env,
		Port:     v.GetString("SERVER_PORT"),
		LogLevel: v.GetString("LOG_LEVEL"),
		DB: DBConfig{
			URL:                v.GetString("DATABASE_URL"),
			MaxConns:           v.GetInt32("DB_MAX_CONNS"),
			MinConns:           v.GetInt32("DB_MIN_CONNS"),
			MaxConnIdleTime:    v.GetDuration("DB_MAX_CONN_IDLE_TIME"),
			ApplySchemaOnStart: v.GetBool("APPLY_SCHEMA_ON_START"),
			SchemaPath:         v.GetString("SCHEMA_PATH"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		NATS: NATSConfig{
			URL:     v.GetString("NATS_URL"),
			Subject: v.GetString("NATS_SUBJECT"),
		},
		JWT: JWTConfig{
			Secret: v.GetString("JWT_SECRET"),
			TTL:    v.GetDuration("JWT_TTL"),
		},
		CORS: CORSConfig{
			AllowedOrigins:   splitOrigins(v.GetString("CORS_ALLOWED_ORIGINS")),
			AllowCredentials: v.GetBool("CORS_ALLOW_CREDENTIALS"),
		},
		Email: EmailConfig{
			APIKey:      v.GetString("SENDGRID_API_KEY"),
			SenderEmail: v.GetString("SENDGRID_SENDER_EMAIL"),
			SenderName:  v.GetString("SENDGRID_SENDER_NAME"),
		},
		TLS: TLSConfig{
			Enable:          v.GetBool("ENABLE_TLS"),
			CertPath:        v.GetString("TLS_CERT_PATH"),
			KeyPath:         v.GetString("TLS_KEY_PATH"),
			AllowSelfSigned: v.GetBool("TLS_SELF_SIGNED"),
		},
	}

	// Enforce TLS in production
	if cfg.Production() {
		cfg.TLS.Enable = true
	}
	if cfg.Port == "" {
		if cfg.TLS.Enable {
			cfg.Port = "8443"
		} else {
			cfg.Port = "8080"
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations that are unsafe or cannot start.
func (c Config) Validate() error {
	if c.DB.URL == "" {
		return fmt.Errorf("DATABASE_URL environment variable not set")
	}
	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET environment variable not set")
	}
	if c.DB.MinConns > c.DB.MaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DB.MinConns, c.DB.MaxConns)
	}
	if c.Production() {
		if c.TLS.CertPath == "" || c.TLS.KeyPath == "" {
			return fmt.Errorf("TLS_CERT_PATH and TLS_KEY_PATH are required in production")
		}
	}
	return nil
}

func splitOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		o := strings.TrimSpace(p)
		if o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
