package authflow

import (
	"errors"
	"fmt"
)

var (
	// ErrEngineNotReady is returned when the engine was not produced by Build.
	ErrEngineNotReady = errors.New("engine not initialized")
	// ErrFlowBusy is returned when an action is started while another is pending.
	ErrFlowBusy = errors.New("another action is in progress")
	// ErrUnknownAction is returned for an ActionTag the engine does not run.
	ErrUnknownAction = errors.New("unknown action")

	// ErrMissingCredentials is a precondition error: email or password empty.
	ErrMissingCredentials = errors.New("email and password required")
	// ErrMissingPhone is a precondition error: phone number empty.
	ErrMissingPhone = errors.New("phone number required")
	// ErrMissingCode is a precondition error: one-time code empty.
	ErrMissingCode = errors.New("verification code required")
	// ErrMissingEmail is a precondition error: email empty.
	ErrMissingEmail = errors.New("email required")
	// ErrNoPendingConfirmation is returned by confirmOtp when no code was sent.
	ErrNoPendingConfirmation = errors.New("no pending confirmation")
	// ErrChallengeUnavailable is returned when the challenge widget is still
	// not ready after the remediation cycle.
	ErrChallengeUnavailable = errors.New("challenge widget unavailable")
	// ErrResendNeedsSession is returned by resendVerification with neither a
	// live session nor captured credentials.
	ErrResendNeedsSession = errors.New("resend requires session or credentials")
	// ErrTransientSignIn is returned when the transient sign-in for a resend fails.
	ErrTransientSignIn = errors.New("transient sign-in failed")
	// ErrOTPAttemptsExceeded is returned once the pending confirmation has
	// absorbed its maximum number of rejected codes.
	ErrOTPAttemptsExceeded = errors.New("verification code attempts exceeded")
	// ErrRateLimited is returned when a dispatch exceeds the throttle window.
	ErrRateLimited = errors.New("too many requests")
	// ErrFlowStoreUnavailable wraps redis failures of the flow state stores.
	ErrFlowStoreUnavailable = errors.New("flow state store unavailable")

	// ErrAccountNotFound is wrapped by platforms when an email has no account.
	ErrAccountNotFound = errors.New("account not found")
	// ErrEmailInUse is wrapped by platforms when sign-up hits an existing account.
	ErrEmailInUse = errors.New("email already in use")
	// ErrInvalidCredentials is wrapped by platforms on a rejected password.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidCode is wrapped by platforms on a rejected one-time code.
	ErrInvalidCode = errors.New("invalid verification code")
	// ErrCodeExpired is wrapped by platforms when the verification session lapsed.
	ErrCodeExpired = errors.New("verification code expired")
	// ErrPopupClosed is wrapped by platforms when the consent flow was abandoned.
	ErrPopupClosed = errors.New("consent flow closed")
	// ErrNoSession is wrapped by platforms when an operation needs a signed-in user.
	ErrNoSession = errors.New("no signed-in user")
)

// GenericErrorMessage is shown when an error carries no user-visible text.
const GenericErrorMessage = "An unknown error occurred."

// User-visible texts.
const (
	MessageSignUpVerify       = "Please check your email to verify your account before signing in."
	MessageVerificationSent   = "Verification email sent! Please check your inbox and spam folder."
	MessageCodeSent           = "Verification code sent. Please enter it below."
	MessageResetSent          = "Password reset email sent! Please check your inbox."
	MessageLinkedAndResetSent = "A password sign-in was added to your account. Password reset email sent! Please check your inbox."
	MessageAccountNotFound    = "No account found with this email. Please sign up first."
	MessageLinkContinue       = "Signed in. Send the password reset again to finish adding a password."
	MessageChallengeProgress  = "Initializing verification challenge, please wait..."
)

var preconditionMessages = map[error]string{
	ErrMissingCredentials:    "Please enter your email and password.",
	ErrMissingPhone:          "Please enter your phone number.",
	ErrMissingCode:           "Please enter the verification code.",
	ErrMissingEmail:          "Please enter your email address.",
	ErrNoPendingConfirmation: "Please request an OTP first.",
	ErrChallengeUnavailable:  "Verification challenge could not be initialized. Please refresh the page and try again.",
	ErrResendNeedsSession:    "Please enter your email and password to resend the verification email.",
	ErrTransientSignIn:       "Please check your password and try again.",
	ErrOTPAttemptsExceeded:   "Too many incorrect codes. Please request a new OTP.",
	ErrRateLimited:           "Too many requests. Please try again later.",
}

// ProviderError is an identity platform failure. Message is shown to the
// user verbatim when non-empty.
type ProviderError struct {
	Code    string
	Message string
	Err     error
}

func (e *ProviderError) Error() string {
	switch {
	case e.Message != "" && e.Code != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Code
	}
}

func (e *ProviderError) Unwrap() error { return e.Err }

// FederatedGuidance is the text shown when a password reset needs a
// federated sign-in first.
func FederatedGuidance(provider string) string {
	return fmt.Sprintf("This account uses %s sign-in. Please sign in with %s first, then request the password reset again.",
		ProviderLabel(provider), ProviderLabel(provider))
}

// ProviderLabel returns a display name for a provider id.
func ProviderLabel(provider string) string {
	switch provider {
	case "google.com":
		return "Google"
	case "facebook.com":
		return "Facebook"
	case "":
		return "your provider"
	default:
		return provider
	}
}

// Message returns the user-visible text for err: the provider's message
// when present, precondition text for engine sentinels, otherwise
// GenericErrorMessage.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var perr *ProviderError
	if errors.As(err, &perr) && perr.Message != "" {
		return perr.Message
	}
	for sentinel, text := range preconditionMessages {
		if errors.Is(err, sentinel) {
			return text
		}
	}
	return GenericErrorMessage
}

// IsPrecondition reports whether err was raised before any provider call.
func IsPrecondition(err error) bool {
	switch {
	case errors.Is(err, ErrMissingCredentials),
		errors.Is(err, ErrMissingPhone),
		errors.Is(err, ErrMissingCode),
		errors.Is(err, ErrMissingEmail),
		errors.Is(err, ErrNoPendingConfirmation),
		errors.Is(err, ErrResendNeedsSession):
		return true
	default:
		return false
	}
}
