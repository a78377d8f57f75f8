package flows

import (
	"context"
	"strings"

	"github.com/nub-live/authflow/session"
)

type PasswordDeps struct {
	CreateUser        func(ctx context.Context, email, password string) (*session.User, error)
	SignIn            func(ctx context.Context, email, password string) (*session.User, error)
	SendVerification  func(ctx context.Context, user *session.User) error
	AllowVerification func(ctx context.Context, email string) error

	Hooks
}

type SignUpResult struct {
	User             *session.User
	VerificationSent bool
}

// RunPasswordSignUp creates the account and dispatches the verification
// email. When the account is created but the dispatch fails, the result
// still carries the user together with the dispatch error.
func RunPasswordSignUp(ctx context.Context, email, password string, deps PasswordDeps) (SignUpResult, error) {
	normalizeHooks(&deps.Hooks)

	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return SignUpResult{}, deps.Errors.MissingCredentials
	}

	user, err := deps.CreateUser(ctx, email, password)
	if err != nil {
		deps.MetricInc(deps.Metrics.SignUpFailure)
		deps.EmitAudit(ctx, deps.Events.SignUp, false, "", err, func() map[string]string {
			return map[string]string{"email": email}
		})
		return SignUpResult{}, err
	}
	deps.MetricInc(deps.Metrics.SignUpSuccess)
	deps.EmitAudit(ctx, deps.Events.SignUp, true, user.UID, nil, nil)

	if err := sendVerification(ctx, user, deps); err != nil {
		return SignUpResult{User: user}, err
	}
	return SignUpResult{User: user, VerificationSent: true}, nil
}

func RunPasswordSignIn(ctx context.Context, email, password string, deps PasswordDeps) (*session.User, error) {
	normalizeHooks(&deps.Hooks)

	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return nil, deps.Errors.MissingCredentials
	}

	user, err := deps.SignIn(ctx, email, password)
	if err != nil {
		deps.MetricInc(deps.Metrics.SignInFailure)
		deps.EmitAudit(ctx, deps.Events.SignIn, false, "", err, func() map[string]string {
			return map[string]string{"email": email}
		})
		return nil, err
	}

	deps.MetricInc(deps.Metrics.SignInSuccess)
	deps.EmitAudit(ctx, deps.Events.SignIn, true, user.UID, nil, func() map[string]string {
		return map[string]string{"email_verified": boolString(user.EmailVerified)}
	})
	return user, nil
}

func sendVerification(ctx context.Context, user *session.User, deps PasswordDeps) error {
	if deps.AllowVerification != nil {
		if err := deps.AllowVerification(ctx, user.Email); err != nil {
			deps.MetricInc(deps.Metrics.RateLimited)
			deps.EmitAudit(ctx, deps.Events.Verification, false, user.UID, err, nil)
			return err
		}
	}

	if err := deps.SendVerification(ctx, user); err != nil {
		deps.MetricInc(deps.Metrics.VerificationFailure)
		deps.EmitAudit(ctx, deps.Events.Verification, false, user.UID, err, nil)
		return err
	}
	deps.MetricInc(deps.Metrics.VerificationSent)
	deps.EmitAudit(ctx, deps.Events.Verification, true, user.UID, nil, nil)
	return nil
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
