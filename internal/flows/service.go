package flows

import (
	"context"

	"github.com/nub-live/authflow/session"
)

// Deps groups flow dependency sets. The root engine builds this once and
// delegates each action to the matching flow.
type Deps struct {
	Password  PasswordDeps
	Federated FederatedDeps
	Phone     PhoneDeps
	OTP       OTPDeps
	Resend    ResendDeps
	Reset     ResetDeps
}

// Service is the centralized flow runner built once by the root engine.
type Service struct {
	deps Deps
}

// New returns a flow service with immutable dependency wiring.
func New(deps Deps) Service {
	return Service{deps: deps}
}

// Initialized reports whether the service has been wired with flow deps.
func (s Service) Initialized() bool {
	return s.deps.Password.SignIn != nil && s.deps.Phone.SendCode != nil
}

func (s Service) PasswordSignUp(ctx context.Context, email, password string) (SignUpResult, error) {
	return RunPasswordSignUp(ctx, email, password, s.deps.Password)
}

func (s Service) PasswordSignIn(ctx context.Context, email, password string) (*session.User, error) {
	return RunPasswordSignIn(ctx, email, password, s.deps.Password)
}

func (s Service) FederatedSignIn(ctx context.Context, providerID string) (*session.User, error) {
	return RunFederatedSignIn(ctx, providerID, s.deps.Federated)
}

func (s Service) PhoneSignIn(ctx context.Context, phone string) (PhoneResult, error) {
	return RunPhoneSignIn(ctx, phone, s.deps.Phone)
}

func (s Service) ConfirmOTP(ctx context.Context, code string) (*session.User, error) {
	return RunConfirmOTP(ctx, code, s.deps.OTP)
}

func (s Service) ResendVerification(ctx context.Context, email, password string) (ResendResult, error) {
	return RunResendVerification(ctx, email, password, s.deps.Resend)
}

func (s Service) PasswordReset(ctx context.Context, email string) (ResetResult, error) {
	return RunPasswordReset(ctx, email, s.deps.Reset)
}
