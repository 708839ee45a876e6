package config

import (
	"fmt"
	"os"
	"strings"
)

// validSSLModes are the PostgreSQL sslmode values accepted by pgx.
var validSSLModes = map[string]bool{
	"disable":     true,
	"allow":       true,
	"prefer":      true,
	"require":     true,
	"verify-ca":   true,
	"verify-full": true,
}

// minAuthSecretLen is the minimum length of the token-signing secret.
// HMAC-SHA256 keys shorter than the block size weaken the construction.
const minAuthSecretLen = 32

// Validate performs fail-fast validation of the loaded configuration.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ModelName) == "" {
		return fmt.Errorf("%w: model_name must not be empty", ErrInvalidModelName)
	}

	if strings.TrimSpace(c.PostgresHost) == "" {
		return fmt.Errorf("%w: postgres_host must not be empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: postgres_port must be 1-65535, got %d", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if strings.TrimSpace(c.PostgresDBName) == "" {
		return fmt.Errorf("%w: postgres_db_name must not be empty", ErrInvalidPostgresDBName)
	}
	if !validSSLModes[c.PostgresSSLMode] {
		return fmt.Errorf("%w: %q", ErrInvalidPostgresSSLMode, c.PostgresSSLMode)
	}

	if c.FlushIntervalSeconds < 0 || c.FlushIntervalSeconds > 300 {
		return fmt.Errorf("%w: flush_interval_seconds must be 0-300, got %d",
			ErrInvalidFlushInterval, c.FlushIntervalSeconds)
	}

	return nil
}

// ValidateServe performs additional checks required for serve mode:
// the token-signing secret and the Gemini API key must be present.
func (c *Config) ValidateServe() error {
	if c.AuthSecret == "" {
		return fmt.Errorf("%w: set QUILL_AUTH_SECRET", ErrMissingAuthSecret)
	}
	if len(c.AuthSecret) < minAuthSecretLen {
		return fmt.Errorf("%w: must be at least %d bytes", ErrInvalidAuthSecret, minAuthSecretLen)
	}
	if os.Getenv("GEMINI_API_KEY") == "" {
		return fmt.Errorf("%w: set GEMINI_API_KEY", ErrMissingAPIKey)
	}
	return nil
}
