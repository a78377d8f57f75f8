package flows

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// Metrics maps flow outcomes to the engine's metric ids.
type Metrics struct {
	SignUpSuccess       int
	SignUpFailure       int
	SignInSuccess       int
	SignInFailure       int
	FederatedSuccess    int
	FederatedFailure    int
	PhoneCodeSent       int
	PhoneCodeFailure    int
	ChallengeRemediated int
	ChallengeFailed     int
	OTPConfirmSuccess   int
	OTPConfirmFailure   int
	VerificationSent    int
	VerificationFailure int
	ResetSent           int
	ResetFailure        int
	PasswordLinked      int
	FederatedGuidance   int
	RateLimited         int
}

// Events maps flow outcomes to audit event types.
type Events struct {
	SignUp       string
	SignIn       string
	Federated    string
	PhoneCode    string
	OTPConfirm   string
	Verification string
	Reset        string
	Link         string
}

// Errors carries the engine's sentinel errors for precondition failures.
type Errors struct {
	MissingCredentials    error
	MissingPhone          error
	MissingCode           error
	MissingEmail          error
	NoPendingConfirmation error
	ChallengeUnavailable  error
	ResendNeedsSession    error
	TransientSignIn       error
	OTPAttemptsExceeded   error
	RateLimited           error
}

// Hooks are the observability callbacks and sentinel sets shared by every
// flow.
type Hooks struct {
	MetricInc func(int)
	EmitAudit func(ctx context.Context, event string, success bool, userID string, err error, metadata func() map[string]string)
	Log       zerolog.Logger

	Metrics Metrics
	Events  Events
	Errors  Errors
}

func normalizeHooks(h *Hooks) {
	if h.MetricInc == nil {
		h.MetricInc = func(int) {}
	}
	if h.EmitAudit == nil {
		h.EmitAudit = func(context.Context, string, bool, string, error, func() map[string]string) {}
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
