package flows

import (
	"context"
	"strings"

	"github.com/nub-live/authflow/session"
)

type ResendDeps struct {
	CurrentUser       func() *session.User
	SignIn            func(ctx context.Context, email, password string) (*session.User, error)
	SignOut           func(ctx context.Context) error
	SendVerification  func(ctx context.Context, user *session.User) error
	AllowVerification func(ctx context.Context, email string) error

	Hooks
}

type ResendResult struct {
	// Transient is set when a temporary session was opened (and closed) to
	// send the message.
	Transient bool
	Email     string
}

// RunResendVerification sends the verification email for the live session.
// Without one it opens a transient session from the captured email and
// password, sends, and always closes it again. With neither it fails
// without creating any session.
func RunResendVerification(ctx context.Context, email, password string, deps ResendDeps) (ResendResult, error) {
	normalizeHooks(&deps.Hooks)

	pdeps := PasswordDeps{
		SendVerification:  deps.SendVerification,
		AllowVerification: deps.AllowVerification,
		Hooks:             deps.Hooks,
	}

	if user := deps.CurrentUser(); user != nil && !user.IsAnonymous {
		return ResendResult{Email: user.Email}, sendVerification(ctx, user, pdeps)
	}

	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return ResendResult{}, deps.Errors.ResendNeedsSession
	}

	user, err := deps.SignIn(ctx, email, password)
	if err != nil {
		deps.EmitAudit(ctx, deps.Events.Verification, false, "", err, func() map[string]string {
			return map[string]string{"email": email, "reason": "transient_sign_in"}
		})
		deps.Log.Debug().Err(err).Str("email", email).Msg("transient sign-in for resend failed")
		return ResendResult{}, deps.Errors.TransientSignIn
	}
	defer func() {
		if err := deps.SignOut(context.WithoutCancel(ctx)); err != nil {
			deps.Log.Warn().Err(err).Str("uid", user.UID).Msg("transient session sign-out failed")
		}
	}()

	if err := sendVerification(ctx, user, pdeps); err != nil {
		return ResendResult{Transient: true, Email: email}, err
	}
	return ResendResult{Transient: true, Email: email}, nil
}
