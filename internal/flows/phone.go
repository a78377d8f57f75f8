package flows

import (
	"context"
	"errors"
	"time"

	"github.com/nub-live/authflow/session"
)

// TokenSource is a Ready challenge widget.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// PendingRecord is the pending one-time-code confirmation.
type PendingRecord struct {
	VerificationID string
	PhoneNumber    string
	CreatedAt      int64
	ExpiresAt      int64
}

type PhoneDeps struct {
	PendingTTL      time.Duration
	RemediationWait time.Duration
	Now             func() time.Time

	// ChallengeActive reports whether the page shows the widget. The flow
	// never turns it on.
	ChallengeActive func() bool
	ChallengeReady  func() (TokenSource, bool)
	// RemediateChallenge requests one widget reset unless a cycle is
	// already under way.
	RemediateChallenge func()
	WaitChallenge      func(ctx context.Context) (TokenSource, error)
	ResetChallenge     func()
	ReportProgress     func(msg string)
	ProgressMessage    string

	AllowDispatch func(ctx context.Context, phone string) error
	SendCode      func(ctx context.Context, phone, challengeToken string) (string, error)
	SavePending   func(ctx context.Context, record PendingRecord, ttl time.Duration) error

	Hooks
}

type PhoneResult struct {
	VerificationID string
	Remediated     bool
}

// RunPhoneSignIn dispatches a one-time code to phone. The code is only sent
// through a Ready challenge widget. When none is ready the flow drives the
// widget through one bounded reset-and-wait cycle before giving up. With the
// widget switched off nothing can become ready, so the flow fails at once.
func RunPhoneSignIn(ctx context.Context, phone string, deps PhoneDeps) (PhoneResult, error) {
	normalizeHooks(&deps.Hooks)
	if deps.Now == nil {
		deps.Now = time.Now
	}

	if phone == "" {
		return PhoneResult{}, deps.Errors.MissingPhone
	}

	if deps.ChallengeActive != nil && !deps.ChallengeActive() {
		deps.MetricInc(deps.Metrics.ChallengeFailed)
		deps.EmitAudit(ctx, deps.Events.PhoneCode, false, "", deps.Errors.ChallengeUnavailable, func() map[string]string {
			return map[string]string{"phone": phone, "reason": "challenge_inactive"}
		})
		return PhoneResult{}, deps.Errors.ChallengeUnavailable
	}

	var result PhoneResult
	widget, ok := deps.ChallengeReady()
	if !ok {
		result.Remediated = true
		deps.MetricInc(deps.Metrics.ChallengeRemediated)
		if deps.ReportProgress != nil {
			deps.ReportProgress(deps.ProgressMessage)
		}
		deps.RemediateChallenge()

		waitCtx, cancel := context.WithTimeout(ctx, deps.RemediationWait)
		w, err := deps.WaitChallenge(waitCtx)
		cancel()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return result, ctxErr
			}
			deps.MetricInc(deps.Metrics.ChallengeFailed)
			deps.EmitAudit(ctx, deps.Events.PhoneCode, false, "", deps.Errors.ChallengeUnavailable, func() map[string]string {
				return map[string]string{"phone": phone, "reason": "challenge_not_ready"}
			})
			return result, deps.Errors.ChallengeUnavailable
		}
		widget = w
	}

	if deps.AllowDispatch != nil {
		if err := deps.AllowDispatch(ctx, phone); err != nil {
			deps.MetricInc(deps.Metrics.RateLimited)
			deps.EmitAudit(ctx, deps.Events.PhoneCode, false, "", err, func() map[string]string {
				return map[string]string{"phone": phone}
			})
			return result, err
		}
	}

	token, err := widget.Token(ctx)
	if err != nil {
		return result, phoneFailure(ctx, phone, err, deps)
	}

	verificationID, err := deps.SendCode(ctx, phone, token)
	if err != nil {
		return result, phoneFailure(ctx, phone, err, deps)
	}

	now := deps.Now()
	record := PendingRecord{
		VerificationID: verificationID,
		PhoneNumber:    phone,
		CreatedAt:      now.Unix(),
		ExpiresAt:      now.Add(deps.PendingTTL).Unix(),
	}
	if err := deps.SavePending(ctx, record, deps.PendingTTL); err != nil {
		return result, phoneFailure(ctx, phone, err, deps)
	}

	result.VerificationID = verificationID
	deps.MetricInc(deps.Metrics.PhoneCodeSent)
	deps.EmitAudit(ctx, deps.Events.PhoneCode, true, "", nil, func() map[string]string {
		return map[string]string{"phone": phone}
	})
	return result, nil
}

// phoneFailure resets the widget so the next attempt gets a fresh challenge.
func phoneFailure(ctx context.Context, phone string, err error, deps PhoneDeps) error {
	deps.ResetChallenge()
	if !isContextErr(err) {
		deps.MetricInc(deps.Metrics.PhoneCodeFailure)
	}
	deps.EmitAudit(ctx, deps.Events.PhoneCode, false, "", err, func() map[string]string {
		return map[string]string{"phone": phone}
	})
	return err
}

type OTPDeps struct {
	MaxAttempts int

	PeekPending    func(ctx context.Context) (PendingRecord, error)
	ConsumePending func(ctx context.Context, verificationID string) error
	RecordFailure  func(ctx context.Context, maxAttempts int) error
	IsNotFound     func(error) bool
	Confirm        func(ctx context.Context, verificationID, code string) (*session.User, error)
	ResetChallenge func()

	Hooks
}

// RunConfirmOTP confirms code against the pending confirmation. Without a
// pending confirmation it fails before contacting the provider. A rejected
// code keeps the pending confirmation for another try; an accepted one
// consumes it. The widget is reset either way.
func RunConfirmOTP(ctx context.Context, code string, deps OTPDeps) (*session.User, error) {
	normalizeHooks(&deps.Hooks)

	record, err := deps.PeekPending(ctx)
	if err != nil {
		if deps.IsNotFound(err) {
			return nil, deps.Errors.NoPendingConfirmation
		}
		return nil, err
	}
	if code == "" {
		return nil, deps.Errors.MissingCode
	}

	user, err := deps.Confirm(ctx, record.VerificationID, code)
	if err != nil {
		deps.ResetChallenge()
		if !isContextErr(err) {
			deps.MetricInc(deps.Metrics.OTPConfirmFailure)
		}
		deps.EmitAudit(ctx, deps.Events.OTPConfirm, false, "", err, func() map[string]string {
			return map[string]string{"phone": record.PhoneNumber}
		})
		if ferr := deps.RecordFailure(ctx, deps.MaxAttempts); ferr != nil {
			if errors.Is(ferr, deps.Errors.OTPAttemptsExceeded) {
				return nil, ferr
			}
			deps.Log.Warn().Err(ferr).Msg("pending confirmation failure not recorded")
		}
		return nil, err
	}

	if err := deps.ConsumePending(ctx, record.VerificationID); err != nil {
		deps.Log.Warn().Err(err).Msg("pending confirmation not consumed")
	}
	deps.ResetChallenge()

	deps.MetricInc(deps.Metrics.OTPConfirmSuccess)
	deps.EmitAudit(ctx, deps.Events.OTPConfirm, true, user.UID, nil, func() map[string]string {
		return map[string]string{"phone": record.PhoneNumber}
	})
	return user, nil
}
