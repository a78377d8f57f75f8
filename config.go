package authflow

import (
	"errors"
	"strings"
	"time"
)

// Config is the engine configuration. Start from DefaultConfig and adjust.
type Config struct {
	Flow      FlowConfig
	Challenge ChallengeConfig
	Observer  ObserverConfig
	Throttle  ThrottleConfig
	Audit     AuditConfig
	Metrics   MetricsConfig
}

// FlowConfig tunes the credential flow controller.
type FlowConfig struct {
	// DefaultCountryCode is prepended to phone numbers without a leading '+'.
	DefaultCountryCode string
	// DefaultFederatedProvider is used when Form.Provider is empty.
	DefaultFederatedProvider string
	// PendingTTL bounds how long a sent one-time code can be confirmed.
	PendingTTL time.Duration
	// RemediationWait bounds the single challenge re-initialisation that
	// phoneSignIn performs when no widget is ready.
	RemediationWait time.Duration
	// MaxOTPAttempts is the number of rejected codes a pending confirmation
	// absorbs before it is discarded.
	MaxOTPAttempts int
	// AllowPasswordLinking enables attaching a password to a federated-only
	// account during password reset. When false the reset email is sent
	// directly.
	AllowPasswordLinking bool
	// RedisPrefix namespaces pending confirmations.
	RedisPrefix string
}

// ChallengeConfig tunes the challenge widget manager.
type ChallengeConfig struct {
	SettleDelay time.Duration
	Size        string
}

// ObserverConfig is the session observer policy.
type ObserverConfig struct {
	// SignOutAnonymous signs anonymous sessions out so the visitor can sign
	// in properly.
	SignOutAnonymous bool
	// RequireIdentity makes the observer sign in anonymously when there is
	// no user, and keeps identified users on the page.
	RequireIdentity bool
	// RedirectDelay precedes the redirect of an identified user.
	RedirectDelay time.Duration
	LandingRoute  string
	// AuthRoute is the route of the sign-in page, used for deep links.
	AuthRoute string
}

// ThrottleConfig limits verification, reset, and code dispatches per
// recipient in a fixed window.
type ThrottleConfig struct {
	Enabled      bool
	MaxPerWindow int
	Window       time.Duration
	RedisPrefix  string
}

// AuditConfig controls the buffered audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig controls the in-process counters.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// DefaultConfig returns the configuration of the sign-in page.
func DefaultConfig() Config {
	return Config{
		Flow: FlowConfig{
			DefaultCountryCode:       "+88",
			DefaultFederatedProvider: "google.com",
			PendingTTL:               5 * time.Minute,
			RemediationWait:          2 * time.Second,
			MaxOTPAttempts:           5,
			AllowPasswordLinking:     true,
			RedisPrefix:              "afp",
		},
		Challenge: ChallengeConfig{
			SettleDelay: 500 * time.Millisecond,
			Size:        "invisible",
		},
		Observer: ObserverConfig{
			SignOutAnonymous: true,
			RequireIdentity:  false,
			RedirectDelay:    10 * time.Millisecond,
			LandingRoute:     "/",
			AuthRoute:        "auth",
		},
		Throttle: ThrottleConfig{
			Enabled:      false,
			MaxPerWindow: 3,
			Window:       time.Minute,
			RedisPrefix:  "afr",
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 false,
			EnableLatencyHistograms: false,
		},
	}
}

// ProfilePageConfig returns the policy of the identity-requiring pages:
// anonymous fallback and no sign-out.
func ProfilePageConfig() Config {
	cfg := DefaultConfig()
	cfg.Observer.SignOutAnonymous = false
	cfg.Observer.RequireIdentity = true
	return cfg
}

func cloneConfig(cfg Config) Config {
	return cfg
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	// Flow
	if cc := c.Flow.DefaultCountryCode; cc != "" && !strings.HasPrefix(cc, "+") {
		return errors.New("Flow DefaultCountryCode must start with '+'")
	}
	if strings.TrimSpace(c.Flow.DefaultFederatedProvider) == "" {
		return errors.New("Flow DefaultFederatedProvider must be set")
	}
	if c.Flow.PendingTTL <= 0 {
		return errors.New("Flow PendingTTL must be > 0")
	}
	if c.Flow.RemediationWait <= 0 {
		return errors.New("Flow RemediationWait must be > 0")
	}
	if c.Flow.RemediationWait > time.Minute {
		return errors.New("Flow RemediationWait must be <= 1m")
	}
	if c.Flow.MaxOTPAttempts <= 0 {
		return errors.New("Flow MaxOTPAttempts must be > 0")
	}
	if c.Flow.MaxOTPAttempts > 65535 {
		return errors.New("Flow MaxOTPAttempts must be <= 65535")
	}
	if strings.TrimSpace(c.Flow.RedisPrefix) == "" {
		return errors.New("Flow RedisPrefix must be set")
	}

	// Challenge
	if c.Challenge.SettleDelay <= 0 {
		return errors.New("Challenge SettleDelay must be > 0")
	}

	// Observer
	if c.Observer.SignOutAnonymous && c.Observer.RequireIdentity {
		return errors.New("Observer SignOutAnonymous and RequireIdentity are mutually exclusive")
	}
	if c.Observer.RedirectDelay < 0 {
		return errors.New("Observer RedirectDelay must be >= 0")
	}
	if c.Observer.RedirectDelay > time.Second {
		return errors.New("Observer RedirectDelay must be <= 1s")
	}
	if strings.TrimSpace(c.Observer.LandingRoute) == "" {
		return errors.New("Observer LandingRoute must be set")
	}
	if strings.TrimSpace(c.Observer.AuthRoute) == "" {
		return errors.New("Observer AuthRoute must be set")
	}

	// Throttle
	if c.Throttle.Enabled {
		if c.Throttle.MaxPerWindow <= 0 {
			return errors.New("Throttle MaxPerWindow must be > 0")
		}
		if c.Throttle.Window <= 0 {
			return errors.New("Throttle Window must be > 0")
		}
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0")
	}

	// Metrics
	if c.Metrics.EnableLatencyHistograms && !c.Metrics.Enabled {
		return errors.New("Metrics EnableLatencyHistograms requires Metrics Enabled")
	}

	return nil
}
