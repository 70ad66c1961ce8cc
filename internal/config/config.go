package config

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	ACME       ACMEConfig
	Encryption EncryptionConfig
	Webhook    WebhookConfig
	Renewal    RenewalConfig
	Issuance   IssuanceConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string `env:"SERVER_HOST" envDefault:"0.0.0.0"`
	Port string `env:"SERVER_PORT" envDefault:"8080"`
}

// Addr returns the listen address
func (s *ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host     string `env:"DB_HOST" envDefault:"localhost"`
	Port     string `env:"DB_PORT" envDefault:"5432"`
	User     string `env:"DB_USER" envDefault:"postgres"`
	Password string `env:"DB_PASSWORD"`
	DBName   string `env:"DB_NAME" envDefault:"pagemill_certd"`
	SSLMode  string `env:"DB_SSLMODE" envDefault:"disable"`
}

// DSN returns the PostgreSQL connection string
func (d *DatabaseConfig) DSN() string {
	return "host=" + d.Host +
		" port=" + d.Port +
		" user=" + d.User +
		" password=" + d.Password +
		" dbname=" + d.DBName +
		" sslmode=" + d.SSLMode
}

// ACMEConfig holds certificate authority configuration. Sandbox mode points
// issuance at the staging directory and skips revocation calls upstream.
type ACMEConfig struct {
	DirectoryURL string `env:"ACME_DIRECTORY_URL"`
	Email        string `env:"ACME_ACCOUNT_EMAIL"`
	Sandbox      bool   `env:"ACME_SANDBOX" envDefault:"true"`
}

// EncryptionConfig holds the envelope-encryption key for private keys at rest
type EncryptionConfig struct {
	// KeyHex is a 64-char hex string decoding to a 32-byte AES-256 key
	KeyHex string `env:"ENCRYPTION_KEY"`
}

// Key decodes the hex-encoded encryption key
func (e *EncryptionConfig) Key() ([]byte, error) {
	key, err := hex.DecodeString(e.KeyHex)
	if err != nil {
		return nil, fmt.Errorf("ENCRYPTION_KEY is not valid hex: %w", err)
	}
	return key, nil
}

// WebhookConfig holds the proxy-fleet notification endpoint. An empty URL
// disables delivery.
type WebhookConfig struct {
	URL    string `env:"WEBHOOK_URL"`
	Secret string `env:"WEBHOOK_SECRET"`
}

// RenewalConfig holds the background sweeper knobs
type RenewalConfig struct {
	CheckInterval         time.Duration `env:"RENEWAL_CHECK_INTERVAL" envDefault:"24h"`
	Window                time.Duration `env:"RENEWAL_WINDOW" envDefault:"720h"`
	MaxConcurrentRenewals int           `env:"RENEWAL_MAX_CONCURRENT" envDefault:"5"`
	MaxAttempts           int           `env:"RENEWAL_MAX_ATTEMPTS" envDefault:"5"`
}

// IssuanceConfig holds the per-domain issuance rate limit
type IssuanceConfig struct {
	IssuesPerDay float64 `env:"ISSUANCE_PER_DAY" envDefault:"10"`
	Burst        int     `env:"ISSUANCE_BURST" envDefault:"3"`
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	return cfg, nil
}
