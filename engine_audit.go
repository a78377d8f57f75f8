package authflow

import (
	"context"
	"errors"
	"time"
)

const (
	auditEventSignUp                  = "sign_up"
	auditEventSignIn                  = "sign_in"
	auditEventFederated               = "federated_sign_in"
	auditEventPhoneCode               = "phone_code"
	auditEventOTPConfirm              = "otp_confirm"
	auditEventVerification            = "verification_email"
	auditEventReset                   = "password_reset"
	auditEventLink                    = "password_link"
	auditEventSignOut                 = "sign_out"
	auditEventChallengeError          = "challenge_error"
	auditEventObserverRedirect        = "observer_redirect"
	auditEventObserverSignOut         = "observer_sign_out"
	auditEventObserverAnonymousSignIn = "observer_anonymous_sign_in"
)

// AuditErrorCode is the stable error classification recorded in AuditEvent.Error.
type AuditErrorCode string

const (
	auditErrPrecondition       AuditErrorCode = "precondition"
	auditErrInvalidCredentials AuditErrorCode = "invalid_credentials"
	auditErrInvalidCode        AuditErrorCode = "invalid_code"
	auditErrCodeExpired        AuditErrorCode = "code_expired"
	auditErrAttemptsExceeded   AuditErrorCode = "attempts_exceeded"
	auditErrAccountNotFound    AuditErrorCode = "account_not_found"
	auditErrEmailInUse         AuditErrorCode = "email_in_use"
	auditErrPopupClosed        AuditErrorCode = "popup_closed"
	auditErrNoSession          AuditErrorCode = "no_session"
	auditErrRateLimited        AuditErrorCode = "rate_limited"
	auditErrChallenge          AuditErrorCode = "challenge_unavailable"
	auditErrTransientSignIn    AuditErrorCode = "transient_sign_in"
	auditErrUnavailable        AuditErrorCode = "backend_unavailable"
	auditErrCanceled           AuditErrorCode = "canceled"
	auditErrInternal           AuditErrorCode = "internal_error"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	userID string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	e.mu.Lock()
	action := e.state.ActiveAction
	e.mu.Unlock()

	event := AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Action:    string(action),
		UserID:    userID,
		FlowKey:   e.flowKeyFor(ctx),
		Success:   success,
		Metadata:  metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	e.audit.Emit(ctx, event)
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case IsPrecondition(err):
		return auditErrPrecondition
	case errors.Is(err, ErrInvalidCredentials):
		return auditErrInvalidCredentials
	case errors.Is(err, ErrInvalidCode):
		return auditErrInvalidCode
	case errors.Is(err, ErrCodeExpired):
		return auditErrCodeExpired
	case errors.Is(err, ErrOTPAttemptsExceeded):
		return auditErrAttemptsExceeded
	case errors.Is(err, ErrAccountNotFound):
		return auditErrAccountNotFound
	case errors.Is(err, ErrEmailInUse):
		return auditErrEmailInUse
	case errors.Is(err, ErrPopupClosed):
		return auditErrPopupClosed
	case errors.Is(err, ErrNoSession):
		return auditErrNoSession
	case errors.Is(err, ErrRateLimited):
		return auditErrRateLimited
	case errors.Is(err, ErrChallengeUnavailable):
		return auditErrChallenge
	case errors.Is(err, ErrTransientSignIn):
		return auditErrTransientSignIn
	case errors.Is(err, ErrFlowStoreUnavailable):
		return auditErrUnavailable
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return auditErrCanceled
	}

	var perr *ProviderError
	if errors.As(err, &perr) && perr.Code != "" {
		return AuditErrorCode("provider:" + perr.Code)
	}
	return auditErrInternal
}
