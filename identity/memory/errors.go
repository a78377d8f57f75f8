package memory

import (
	authflow "github.com/nub-live/authflow"
)

// Error codes reported in authflow.ProviderError.Code.
const (
	CodeEmailInUse          = "auth/email-already-in-use"
	CodeInvalidEmail        = "auth/invalid-email"
	CodeWeakPassword        = "auth/weak-password"
	CodeInvalidCredential   = "auth/invalid-credential"
	CodeUserNotFound        = "auth/user-not-found"
	CodePopupClosed         = "auth/popup-closed-by-user"
	CodeAccountExists       = "auth/account-exists-with-different-credential"
	CodeOperationNotAllowed = "auth/operation-not-allowed"
	CodeMissingAppCred      = "auth/missing-app-credential"
	CodeInvalidPhone        = "auth/invalid-phone-number"
	CodeInvalidCode         = "auth/invalid-verification-code"
	CodeCodeExpired         = "auth/code-expired"
	CodeRequiresLogin       = "auth/requires-recent-login"
	CodeProviderLinked      = "auth/provider-already-linked"
	CodeInvalidActionCode   = "auth/invalid-action-code"
)

var providerMessages = map[string]string{
	CodeEmailInUse:          "The email address is already in use by another account.",
	CodeInvalidEmail:        "The email address is badly formatted.",
	CodeWeakPassword:        "Password should be at least 6 characters.",
	CodeInvalidCredential:   "The supplied auth credential is incorrect, malformed or has expired.",
	CodeUserNotFound:        "There is no user record corresponding to this identifier. The user may have been deleted.",
	CodePopupClosed:         "The popup has been closed by the user before finalizing the operation.",
	CodeAccountExists:       "An account already exists with the same email address but different sign-in credentials.",
	CodeOperationNotAllowed: "The given sign-in provider is disabled for this project.",
	CodeMissingAppCred:      "The phone verification request is missing an application verifier assertion.",
	CodeInvalidPhone:        "Invalid format.",
	CodeInvalidCode:         "The SMS verification code used to create the phone auth credential is invalid.",
	CodeCodeExpired:         "The SMS code has expired. Please re-send the verification code to try again.",
	CodeRequiresLogin:       "This operation is sensitive and requires recent authentication.",
	CodeProviderLinked:      "User can only be linked to one identity for the given provider.",
	CodeInvalidActionCode:   "The action code is invalid. This can happen if the code is malformed, expired, or has already been used.",
}

var providerSentinels = map[string]error{
	CodeEmailInUse:        authflow.ErrEmailInUse,
	CodeInvalidCredential: authflow.ErrInvalidCredentials,
	CodeUserNotFound:      authflow.ErrAccountNotFound,
	CodePopupClosed:       authflow.ErrPopupClosed,
	CodeInvalidCode:       authflow.ErrInvalidCode,
	CodeCodeExpired:       authflow.ErrCodeExpired,
	CodeRequiresLogin:     authflow.ErrNoSession,
}

func providerError(code string) error {
	return &authflow.ProviderError{
		Code:    code,
		Message: providerMessages[code],
		Err:     providerSentinels[code],
	}
}
