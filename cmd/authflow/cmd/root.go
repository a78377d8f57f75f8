package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	authflow "github.com/nub-live/authflow"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const appName = "authflow"

// memoryOnly marks commands that always run against the in-process platform.
const memoryOnly = "memory-only"

var (
	settings    Settings
	settingsErr error
	logger      = zerolog.Nop()
)

var rootCmd = &cobra.Command{
	Use:           appName,
	Short:         "authflow runs the nub live sign-in flows from a terminal",
	Long:          `A command-line client for the nub live account flows: password, phone and federated sign-in, email verification, password reset and the viewing history.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if settingsErr != nil {
			return settingsErr
		}
		if cmd.Annotations[memoryOnly] == "true" {
			settings.Memory = true
		}
		level, err := zerolog.ParseLevel(settings.LogLevel)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", settings.LogLevel, err)
		}
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
			Level(level).With().Timestamp().Str("profile", settings.Profile).Logger()
		return settings.Validate()
	},
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, describe(err))
		os.Exit(1)
	}
}

// describe returns the text shown for err: the user-visible message for
// flow failures, the error itself otherwise.
func describe(err error) string {
	var perr *authflow.ProviderError
	if errors.As(err, &perr) || authflow.IsPrecondition(err) {
		return authflow.Message(err)
	}
	return err.Error()
}

func init() {
	settings, settingsErr = LoadSettings()

	f := rootCmd.PersistentFlags()
	f.BoolVar(&settings.Memory, "memory", settings.Memory, "use the in-process identity platform and redis")
	f.StringVar(&settings.Profile, "profile", settings.Profile, "name the stored session is kept under")
	f.StringVar(&settings.APIKey, "api-key", settings.APIKey, "identity platform web API key")
	f.StringVar(&settings.EmulatorHost, "emulator", settings.EmulatorHost, "auth emulator host, e.g. localhost:9099")
	f.StringVar(&settings.RedisAddr, "redis", settings.RedisAddr, "redis address for sessions and pending codes")
	f.StringVar(&settings.RecordsURL, "records-url", settings.RecordsURL, "real-time database base URL")
	f.StringVar(&settings.ChallengeToken, "challenge-token", settings.ChallengeToken, "challenge response used for phone sign-in")
	f.StringVar(&settings.CountryCode, "country-code", settings.CountryCode, "prefix for phone numbers without '+'")
	f.BoolVar(&settings.Audit, "audit", settings.Audit, "log audit events")
	f.StringVar(&settings.AuditFile, "audit-file", settings.AuditFile, "append audit events to this file as JSON lines")
	f.StringVar(&settings.LogLevel, "log-level", settings.LogLevel, "log level")
}
