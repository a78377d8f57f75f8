package authflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nub-live/authflow/internal"
	internalflows "github.com/nub-live/authflow/internal/flows"
	"github.com/nub-live/authflow/internal/rate"
	"github.com/nub-live/authflow/internal/stores"
)

func (e *Engine) flowDeps() internalflows.Deps {
	hooks := e.flowHooks()
	cfg := e.config.Flow

	return internalflows.Deps{
		Password: internalflows.PasswordDeps{
			CreateUser:        e.platform.CreateUserWithPassword,
			SignIn:            e.platform.SignInWithPassword,
			SendVerification:  e.platform.SendEmailVerification,
			AllowVerification: e.allowFunc(rate.KindVerification),
			Hooks:             hooks,
		},
		Federated: internalflows.FederatedDeps{
			DefaultProvider: cfg.DefaultFederatedProvider,
			SignInWithPopup: e.platform.SignInWithPopup,
			Hooks:           hooks,
		},
		Phone: internalflows.PhoneDeps{
			PendingTTL:      cfg.PendingTTL,
			RemediationWait: cfg.RemediationWait,
			Now:             e.now,

			ChallengeActive:    e.challenge.Active,
			ChallengeReady:     e.challengeReady,
			RemediateChallenge: func() { e.challenge.ResetIfStale() },
			WaitChallenge:      e.waitChallenge,
			ResetChallenge:     e.challenge.RequestReset,
			ReportProgress:     e.setProgress,
			ProgressMessage:    MessageChallengeProgress,

			AllowDispatch: e.allowFunc(rate.KindPhoneCode),
			SendCode:      e.platform.SendPhoneCode,
			SavePending:   e.savePending,
			Hooks:         hooks,
		},
		OTP: internalflows.OTPDeps{
			MaxAttempts:    cfg.MaxOTPAttempts,
			PeekPending:    e.peekPending,
			ConsumePending: e.consumePending,
			RecordFailure:  e.recordPendingFailure,
			IsNotFound: func(err error) bool {
				return errors.Is(err, stores.ErrPendingNotFound)
			},
			Confirm:        e.platform.ConfirmPhoneCode,
			ResetChallenge: e.challenge.RequestReset,
			Hooks:          hooks,
		},
		Resend: internalflows.ResendDeps{
			CurrentUser:       e.platform.CurrentUser,
			SignIn:            e.platform.SignInWithPassword,
			SignOut:           e.platform.SignOut,
			SendVerification:  e.platform.SendEmailVerification,
			AllowVerification: e.allowFunc(rate.KindVerification),
			Hooks:             hooks,
		},
		Reset: internalflows.ResetDeps{
			AllowPasswordLinking: cfg.AllowPasswordLinking,
			FetchSignInMethods:   e.platform.FetchSignInMethods,
			CurrentUser:          e.platform.CurrentUser,
			NewLinkCredential:    internal.NewLinkCredential,
			LinkPassword:         e.platform.LinkPassword,
			SendPasswordReset:    e.platform.SendPasswordReset,
			AllowDispatch:        e.allowFunc(rate.KindReset),
			IsAccountNotFound: func(err error) bool {
				return errors.Is(err, ErrAccountNotFound)
			},
			Hooks: hooks,
		},
	}
}

func (e *Engine) flowHooks() internalflows.Hooks {
	return internalflows.Hooks{
		MetricInc: func(id int) {
			e.metricInc(MetricID(id))
		},
		EmitAudit: e.emitAudit,
		Log:       e.log,
		Metrics: internalflows.Metrics{
			SignUpSuccess:       int(MetricSignUpSuccess),
			SignUpFailure:       int(MetricSignUpFailure),
			SignInSuccess:       int(MetricSignInSuccess),
			SignInFailure:       int(MetricSignInFailure),
			FederatedSuccess:    int(MetricFederatedSuccess),
			FederatedFailure:    int(MetricFederatedFailure),
			PhoneCodeSent:       int(MetricPhoneCodeSent),
			PhoneCodeFailure:    int(MetricPhoneCodeFailure),
			ChallengeRemediated: int(MetricChallengeRemediated),
			ChallengeFailed:     int(MetricChallengeFailed),
			OTPConfirmSuccess:   int(MetricOTPConfirmSuccess),
			OTPConfirmFailure:   int(MetricOTPConfirmFailure),
			VerificationSent:    int(MetricVerificationSent),
			VerificationFailure: int(MetricVerificationFailure),
			ResetSent:           int(MetricResetSent),
			ResetFailure:        int(MetricResetFailure),
			PasswordLinked:      int(MetricPasswordLinked),
			FederatedGuidance:   int(MetricFederatedGuidance),
			RateLimited:         int(MetricRateLimited),
		},
		Events: internalflows.Events{
			SignUp:       auditEventSignUp,
			SignIn:       auditEventSignIn,
			Federated:    auditEventFederated,
			PhoneCode:    auditEventPhoneCode,
			OTPConfirm:   auditEventOTPConfirm,
			Verification: auditEventVerification,
			Reset:        auditEventReset,
			Link:         auditEventLink,
		},
		Errors: internalflows.Errors{
			MissingCredentials:    ErrMissingCredentials,
			MissingPhone:          ErrMissingPhone,
			MissingCode:           ErrMissingCode,
			MissingEmail:          ErrMissingEmail,
			NoPendingConfirmation: ErrNoPendingConfirmation,
			ChallengeUnavailable:  ErrChallengeUnavailable,
			ResendNeedsSession:    ErrResendNeedsSession,
			TransientSignIn:       ErrTransientSignIn,
			OTPAttemptsExceeded:   ErrOTPAttemptsExceeded,
			RateLimited:           ErrRateLimited,
		},
	}
}

func (e *Engine) challengeReady() (internalflows.TokenSource, bool) {
	h, ok := e.challenge.Ready()
	if !ok {
		return nil, false
	}
	return h, true
}

func (e *Engine) waitChallenge(ctx context.Context) (internalflows.TokenSource, error) {
	h, err := e.challenge.WaitReady(ctx)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (e *Engine) allowFunc(kind rate.Kind) func(ctx context.Context, recipient string) error {
	return func(ctx context.Context, recipient string) error {
		err := e.limiter.Allow(ctx, kind, recipient)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, rate.ErrRateLimited):
			return ErrRateLimited
		default:
			return fmt.Errorf("%w: %v", ErrFlowStoreUnavailable, err)
		}
	}
}

func (e *Engine) savePending(ctx context.Context, record internalflows.PendingRecord, ttl time.Duration) error {
	err := e.pending.Save(ctx, e.flowKeyFor(ctx), &stores.PendingOTPRecord{
		VerificationID: record.VerificationID,
		PhoneNumber:    record.PhoneNumber,
		CreatedAt:      record.CreatedAt,
		ExpiresAt:      record.ExpiresAt,
	}, ttl)
	return pendingStoreError(err)
}

func (e *Engine) peekPending(ctx context.Context) (internalflows.PendingRecord, error) {
	rec, err := e.pending.Peek(ctx, e.flowKeyFor(ctx))
	if err != nil {
		return internalflows.PendingRecord{}, pendingStoreError(err)
	}
	return internalflows.PendingRecord{
		VerificationID: rec.VerificationID,
		PhoneNumber:    rec.PhoneNumber,
		CreatedAt:      rec.CreatedAt,
		ExpiresAt:      rec.ExpiresAt,
	}, nil
}

func (e *Engine) consumePending(ctx context.Context, verificationID string) error {
	_, err := e.pending.Consume(ctx, e.flowKeyFor(ctx), verificationID)
	return pendingStoreError(err)
}

func (e *Engine) recordPendingFailure(ctx context.Context, maxAttempts int) error {
	_, err := e.pending.RecordFailure(ctx, e.flowKeyFor(ctx), maxAttempts)
	if errors.Is(err, stores.ErrPendingAttemptsExceeded) {
		return ErrOTPAttemptsExceeded
	}
	return pendingStoreError(err)
}

// pendingStoreError keeps not-found and mismatch errors recognisable and
// folds transport failures into ErrFlowStoreUnavailable.
func pendingStoreError(err error) error {
	if err == nil || !errors.Is(err, stores.ErrPendingRedisUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrFlowStoreUnavailable, err)
}
