package cmd

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Settings is the CLI configuration. Environment variables seed the flag
// defaults; flags override them.
type Settings struct {
	// Memory runs against the in-process identity platform and redis.
	Memory  bool   `env:"AUTHFLOW_MEMORY"`
	Profile string `env:"AUTHFLOW_PROFILE" envDefault:"default"`

	APIKey       string `env:"AUTHFLOW_API_KEY"`
	EmulatorHost string `env:"AUTHFLOW_EMULATOR_HOST"`

	RedisAddr     string `env:"AUTHFLOW_REDIS_ADDR"     envDefault:"localhost:6379"`
	RedisPassword string `env:"AUTHFLOW_REDIS_PASSWORD"`
	RedisDB       int    `env:"AUTHFLOW_REDIS_DB"`

	RecordsURL string `env:"AUTHFLOW_RECORDS_URL"`

	GoogleClientID       string `env:"AUTHFLOW_GOOGLE_CLIENT_ID"`
	GoogleClientSecret   string `env:"AUTHFLOW_GOOGLE_CLIENT_SECRET"`
	FacebookClientID     string `env:"AUTHFLOW_FACEBOOK_CLIENT_ID"`
	FacebookClientSecret string `env:"AUTHFLOW_FACEBOOK_CLIENT_SECRET"`

	// ChallengeToken is handed to the platform as the phone sign-in
	// challenge response. The emulator accepts any value.
	ChallengeToken string        `env:"AUTHFLOW_CHALLENGE_TOKEN"`
	CountryCode    string        `env:"AUTHFLOW_COUNTRY_CODE"    envDefault:"+88"`
	CredentialTTL  time.Duration `env:"AUTHFLOW_CREDENTIAL_TTL"  envDefault:"720h"`

	Audit bool `env:"AUTHFLOW_AUDIT"`
	// AuditFile appends audit events as JSON lines instead of logging them.
	AuditFile   string `env:"AUTHFLOW_AUDIT_FILE"`
	LogLevel    string `env:"AUTHFLOW_LOG_LEVEL"    envDefault:"warn"`
	MetricsAddr string `env:"AUTHFLOW_METRICS_ADDR"`
}

// LoadSettings reads Settings from the environment.
func LoadSettings() (Settings, error) {
	var s Settings
	if err := env.Parse(&s); err != nil {
		return s, fmt.Errorf("parse env: %w", err)
	}
	return s, nil
}

// Validate reports the first unusable setting.
func (s *Settings) Validate() error {
	if strings.TrimSpace(s.Profile) == "" {
		return errors.New("profile must not be empty")
	}
	if !strings.HasPrefix(s.CountryCode, "+") {
		return fmt.Errorf("country code %q must start with '+'", s.CountryCode)
	}
	if s.Memory {
		return nil
	}
	if s.APIKey == "" && s.EmulatorHost == "" {
		return errors.New("an API key is required (AUTHFLOW_API_KEY or --api-key) unless --memory or an emulator host is set")
	}
	if s.RedisAddr == "" {
		return errors.New("redis address is required")
	}
	return nil
}

// apiKey returns the configured key; the emulator accepts any non-empty one.
func (s *Settings) apiKey() string {
	if s.APIKey == "" && s.EmulatorHost != "" {
		return "emulator"
	}
	return s.APIKey
}
