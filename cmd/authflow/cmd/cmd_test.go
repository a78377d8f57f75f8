package cmd

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	authflow "github.com/nub-live/authflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSettingsFromEnv(t *testing.T) {
	t.Setenv("AUTHFLOW_API_KEY", "key-1")
	t.Setenv("AUTHFLOW_PROFILE", "work")
	t.Setenv("AUTHFLOW_REDIS_DB", "3")
	t.Setenv("AUTHFLOW_CREDENTIAL_TTL", "2h")

	s, err := LoadSettings()
	require.NoError(t, err)
	assert.Equal(t, "key-1", s.APIKey)
	assert.Equal(t, "work", s.Profile)
	assert.Equal(t, 3, s.RedisDB)
	assert.Equal(t, 2*time.Hour, s.CredentialTTL)
	assert.Equal(t, "+88", s.CountryCode)
	assert.Equal(t, "localhost:6379", s.RedisAddr)
	require.NoError(t, s.Validate())
}

func TestLoadSettingsRejectsBadDuration(t *testing.T) {
	t.Setenv("AUTHFLOW_CREDENTIAL_TTL", "soon")
	_, err := LoadSettings()
	assert.Error(t, err)
}

func TestSettingsValidate(t *testing.T) {
	base := Settings{Profile: "default", CountryCode: "+88", RedisAddr: "localhost:6379"}

	s := base
	assert.Error(t, s.Validate(), "toolkit mode needs an API key")

	s = base
	s.Memory = true
	assert.NoError(t, s.Validate())

	s = base
	s.EmulatorHost = "localhost:9099"
	require.NoError(t, s.Validate())
	assert.Equal(t, "emulator", s.apiKey())

	s = base
	s.Memory = true
	s.CountryCode = "88"
	assert.Error(t, s.Validate())

	s = base
	s.Memory = true
	s.Profile = " "
	assert.Error(t, s.Validate())
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "The email address is already in use by another account.",
		describe(&authflow.ProviderError{Code: "auth/email-already-in-use", Message: "The email address is already in use by another account."}))
	assert.Equal(t, authflow.Message(authflow.ErrMissingEmail), describe(authflow.ErrMissingEmail))
	assert.Equal(t, "redis down", describe(errors.New("redis down")))
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append(args, "--log-level", "error"))
	err := rootCmd.Execute()
	return out.String(), err
}

func TestDemoWalksEveryFlow(t *testing.T) {
	out, err := execute(t, "demo")
	require.NoError(t, err, out)

	assert.Contains(t, out, authflow.MessageSignUpVerify)
	assert.Contains(t, out, "Signed in as "+demoEmail)
	assert.Contains(t, out, authflow.MessageCodeSent)
	assert.Contains(t, out, "[outbox] sms to +8801712345678")
	assert.Contains(t, out, authflow.FederatedGuidance("google.com"))
	assert.Contains(t, out, authflow.MessageLinkContinue)
	assert.Contains(t, out, authflow.MessageLinkedAndResetSent)
	assert.Contains(t, out, "Signed in as "+demoGoogleUser)
	assert.Contains(t, out, "authflow_sign_up_success_total")
}

func TestDemoWritesAuditFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	t.Cleanup(func() { settings.AuditFile = "" })

	out, err := execute(t, "demo", "--audit-file", path)
	require.NoError(t, err, out)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"event_type":"sign_up"`)
	assert.Contains(t, string(data), `"event_type":"password_link"`)
}

func TestWhoamiFallsBackToGuest(t *testing.T) {
	out, err := execute(t, "--memory", "whoami")
	require.NoError(t, err, out)
	assert.Contains(t, out, "[U] a guest")
	assert.Contains(t, out, anonymousNotice)
}
