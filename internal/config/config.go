// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage drivers accepted by STORAGE_DRIVER.
const (
	StoragePostgres = "postgres"
	StorageSQLite   = "sqlite"
	StorageMongo    = "mongo"
	StorageMemory   = "memory"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP API listens on.
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// GRPCAddr is the address of the gRPC health endpoint; empty disables it.
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
	// LogLevel is a zerolog level name.
	LogLevel string `mapstructure:"LOG_LEVEL"`

	// StorageDriver selects the session store; see Driver for the default.
	StorageDriver string `mapstructure:"STORAGE_DRIVER"`
	// DatabaseURL is the Postgres DSN.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// SQLitePath is the SQLite database file.
	SQLitePath string `mapstructure:"SQLITE_PATH"`
	// MongoURI and MongoDatabase locate the MongoDB store. Transactions need a replica set.
	MongoURI      string `mapstructure:"MONGO_URI"`
	MongoDatabase string `mapstructure:"MONGO_DATABASE"`

	// MaxSessions is how many devices one user may have logged in at once.
	MaxSessions int `mapstructure:"MAX_SESSIONS"`
	// SessionLockTimeout bounds how long a login waits for another login of the same user.
	SessionLockTimeout time.Duration `mapstructure:"SESSION_LOCK_TIMEOUT"`

	// Auth0Domain (e.g. tenant.us.auth0.com) derives the issuer and JWKS URL.
	Auth0Domain string `mapstructure:"AUTH0_DOMAIN"`
	// Auth0Audience is the API identifier expected in the aud claim.
	Auth0Audience string `mapstructure:"AUTH0_API_AUDIENCE"`
	// JWKSURL overrides the JWKS location derived from Auth0Domain.
	JWKSURL string `mapstructure:"JWKS_URL"`
	// JWKSRefreshTTL is how long fetched signing keys are trusted before a refresh.
	JWKSRefreshTTL time.Duration `mapstructure:"JWKS_REFRESH_TTL"`
	// JWTPublicKey is a PEM public key or path to one; verifies tokens without a JWKS.
	JWTPublicKey string `mapstructure:"JWT_PUBLIC_KEY"`
	// JWTIssuer and JWTAudience override the expected iss and aud claims.
	JWTIssuer   string `mapstructure:"JWT_ISSUER"`
	JWTAudience string `mapstructure:"JWT_AUDIENCE"`
	// PhoneNumberClaim is the namespaced custom claim carrying the user's phone number.
	PhoneNumberClaim string `mapstructure:"PHONE_NUMBER_CLAIM"`

	// CORSAllowedOrigins is a comma-separated list of browser origins allowed to call the API.
	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`

	// OTLPEndpoint enables OTLP export of traces, metrics and logs when set.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure bool   `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	ServiceName  string `mapstructure:"OTEL_SERVICE_NAME"`

	// KafkaBrokers is a comma-separated list of brokers; when set, session events go to SessionEventsTopic.
	KafkaBrokers       string `mapstructure:"KAFKA_BROKERS"`
	SessionEventsTopic string `mapstructure:"SESSION_EVENTS_KAFKA_TOPIC"`
	// LokiURL, when set, also pushes session events to Grafana Loki.
	LokiURL string `mapstructure:"LOKI_URL"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env.
func Load() (*Config, error) {
	cfg, err := Read()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read builds Config the same way as Load but skips Validate. cmd/migrate uses it because it
// only needs DATABASE_URL.
func Read() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8000")
	v.SetDefault("GRPC_ADDR", ":9090")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORAGE_DRIVER", "")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("SQLITE_PATH", "sessions.db")
	v.SetDefault("MONGO_URI", "")
	v.SetDefault("MONGO_DATABASE", "ndevice")
	v.SetDefault("MAX_SESSIONS", 3)
	v.SetDefault("SESSION_LOCK_TIMEOUT", "5s")
	v.SetDefault("AUTH0_DOMAIN", "")
	v.SetDefault("AUTH0_API_AUDIENCE", "")
	v.SetDefault("JWKS_URL", "")
	v.SetDefault("JWKS_REFRESH_TTL", "10m")
	v.SetDefault("JWT_PUBLIC_KEY", "")
	v.SetDefault("JWT_ISSUER", "")
	v.SetDefault("JWT_AUDIENCE", "")
	v.SetDefault("PHONE_NUMBER_CLAIM", "https://3device-app.com/phone_number")
	v.SetDefault("CORS_ALLOWED_ORIGINS", "http://localhost:3000,https://3device-app.vercel.app")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("OTEL_SERVICE_NAME", "ndevice-sessions")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("SESSION_EVENTS_KAFKA_TOPIC", "ndevice-session-events")
	v.SetDefault("LOKI_URL", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required fields and cross-field rules.
func (c *Config) Validate() error {
	if c.HTTPAddr == "" {
		return errors.New("config: HTTP_ADDR must be set")
	}
	if c.MaxSessions < 1 {
		return errors.New("config: MAX_SESSIONS must be a positive integer")
	}
	if c.SessionLockTimeout < 0 {
		return errors.New("config: SESSION_LOCK_TIMEOUT must not be negative")
	}
	if c.Auth0Domain == "" && c.JWKSURL == "" && c.JWTPublicKey == "" {
		return errors.New("config: one of AUTH0_DOMAIN, JWKS_URL or JWT_PUBLIC_KEY must be set")
	}

	switch c.Driver() {
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: DATABASE_URL must be set for STORAGE_DRIVER=postgres")
		}
	case StorageSQLite:
		if c.SQLitePath == "" {
			return errors.New("config: SQLITE_PATH must be set for STORAGE_DRIVER=sqlite")
		}
	case StorageMongo:
		if c.MongoURI == "" || c.MongoDatabase == "" {
			return errors.New("config: MONGO_URI and MONGO_DATABASE must be set for STORAGE_DRIVER=mongo")
		}
	case StorageMemory:
		if c.IsProduction() {
			return errors.New("config: STORAGE_DRIVER=memory is not allowed when APP_ENV=production")
		}
	default:
		return fmt.Errorf("config: unknown STORAGE_DRIVER %q", c.StorageDriver)
	}
	return nil
}

// Driver returns the storage driver: STORAGE_DRIVER when set, otherwise postgres when
// DATABASE_URL is set and memory when it is not.
func (c *Config) Driver() string {
	d := strings.ToLower(strings.TrimSpace(c.StorageDriver))
	if d != "" {
		return d
	}
	if c.DatabaseURL != "" {
		return StoragePostgres
	}
	return StorageMemory
}

// IsProduction reports whether APP_ENV is production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// Issuer returns the expected iss claim: JWT_ISSUER, or https://<AUTH0_DOMAIN>/.
func (c *Config) Issuer() string {
	if c.JWTIssuer != "" {
		return c.JWTIssuer
	}
	if c.Auth0Domain != "" {
		return "https://" + trimDomain(c.Auth0Domain) + "/"
	}
	return ""
}

// Audience returns the expected aud claim: JWT_AUDIENCE, or AUTH0_API_AUDIENCE.
func (c *Config) Audience() string {
	if c.JWTAudience != "" {
		return c.JWTAudience
	}
	return c.Auth0Audience
}

// JWKSEndpoint returns JWKS_URL, or the Auth0 tenant's well-known JWKS URL. Empty when neither is set.
func (c *Config) JWKSEndpoint() string {
	if c.JWKSURL != "" {
		return c.JWKSURL
	}
	if c.Auth0Domain != "" {
		return "https://" + trimDomain(c.Auth0Domain) + "/.well-known/jwks.json"
	}
	return ""
}

// KafkaBrokersList returns Kafka broker addresses from the comma-separated config.
func (c *Config) KafkaBrokersList() []string {
	if c == nil {
		return nil
	}
	return splitList(c.KafkaBrokers)
}

// AllowedOrigins returns the CORS origins from the comma-separated config.
func (c *Config) AllowedOrigins() []string {
	if c == nil {
		return nil
	}
	return splitList(c.CORSAllowedOrigins)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func trimDomain(d string) string {
	d = strings.TrimSpace(d)
	d = strings.TrimPrefix(d, "https://")
	d = strings.TrimPrefix(d, "http://")
	return strings.TrimSuffix(d, "/")
}
