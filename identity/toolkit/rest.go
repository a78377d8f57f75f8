package toolkit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	authflow "github.com/nub-live/authflow"
	"github.com/nub-live/authflow/session"
)

const maxResponseBytes = 1 << 20

type tokenResponse struct {
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    string `json:"expiresIn"`
	LocalID      string `json:"localId"`
	// NeedConfirmation is set by signInWithIdp when the email belongs to an
	// account with other credentials.
	NeedConfirmation bool `json:"needConfirmation,omitempty"`
}

func (t tokenResponse) expiresIn() time.Duration {
	secs, err := strconv.Atoi(t.ExpiresIn)
	if err != nil || secs <= 0 {
		return time.Hour
	}
	return time.Duration(secs) * time.Second
}

type providerUserInfo struct {
	ProviderID string `json:"providerId"`
	RawID      string `json:"rawId"`
	Email      string `json:"email"`
}

type lookupUser struct {
	LocalID          string             `json:"localId"`
	Email            string             `json:"email"`
	EmailVerified    bool               `json:"emailVerified"`
	DisplayName      string             `json:"displayName"`
	PhotoURL         string             `json:"photoUrl"`
	PhoneNumber      string             `json:"phoneNumber"`
	ProviderUserInfo []providerUserInfo `json:"providerUserInfo"`
	CreatedAt        string             `json:"createdAt"`
	LastLoginAt      string             `json:"lastLoginAt"`
}

func millis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func (u lookupUser) toUser() *session.User {
	out := &session.User{
		UID:           u.LocalID,
		Email:         u.Email,
		EmailVerified: u.EmailVerified,
		DisplayName:   u.DisplayName,
		PhotoURL:      u.PhotoURL,
		PhoneNumber:   u.PhoneNumber,
		Metadata: session.Metadata{
			CreationTime:   millis(u.CreatedAt),
			LastSignInTime: millis(u.LastLoginAt),
		},
	}
	for _, p := range u.ProviderUserInfo {
		out.ProviderData = append(out.ProviderData, session.ProviderEntry{
			ProviderID: p.ProviderID,
			UID:        p.RawID,
			Email:      p.Email,
		})
	}
	return out
}

type errorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type errorMapping struct {
	code     string
	message  string
	sentinel error
}

// errorMappings translates the REST error message to the codes and texts
// the hosted client SDK reports.
var errorMappings = map[string]errorMapping{
	"EMAIL_EXISTS":                     {"auth/email-already-in-use", "The email address is already in use by another account.", authflow.ErrEmailInUse},
	"EMAIL_NOT_FOUND":                  {"auth/user-not-found", "There is no user record corresponding to this identifier. The user may have been deleted.", authflow.ErrAccountNotFound},
	"INVALID_PASSWORD":                 {"auth/wrong-password", "The password is invalid or the user does not have a password.", authflow.ErrInvalidCredentials},
	"INVALID_LOGIN_CREDENTIALS":        {"auth/invalid-credential", "The supplied auth credential is incorrect, malformed or has expired.", authflow.ErrInvalidCredentials},
	"USER_DISABLED":                    {"auth/user-disabled", "The user account has been disabled by an administrator.", nil},
	"INVALID_EMAIL":                    {"auth/invalid-email", "The email address is badly formatted.", nil},
	"WEAK_PASSWORD":                    {"auth/weak-password", "Password should be at least 6 characters.", nil},
	"TOO_MANY_ATTEMPTS_TRY_LATER":      {"auth/too-many-requests", "Access to this account has been temporarily disabled due to many failed login attempts.", nil},
	"OPERATION_NOT_ALLOWED":            {"auth/operation-not-allowed", "The given sign-in provider is disabled for this project.", nil},
	"INVALID_CODE":                     {"auth/invalid-verification-code", "The SMS verification code used to create the phone auth credential is invalid.", authflow.ErrInvalidCode},
	"SESSION_EXPIRED":                  {"auth/code-expired", "The SMS code has expired. Please re-send the verification code to try again.", authflow.ErrCodeExpired},
	"CODE_EXPIRED":                     {"auth/code-expired", "The SMS code has expired. Please re-send the verification code to try again.", authflow.ErrCodeExpired},
	"INVALID_SESSION_INFO":             {"auth/invalid-verification-id", "The verification ID used to create the phone auth credential is invalid.", authflow.ErrCodeExpired},
	"INVALID_PHONE_NUMBER":             {"auth/invalid-phone-number", "Invalid format.", nil},
	"MISSING_PHONE_NUMBER":             {"auth/missing-phone-number", "To send verification codes, provide a phone number for the recipient.", nil},
	"CAPTCHA_CHECK_FAILED":             {"auth/captcha-check-failed", "The reCAPTCHA response token provided is either invalid, expired, already used or the domain associated with it does not match the list of whitelisted domains.", nil},
	"INVALID_ID_TOKEN":                 {"auth/invalid-user-token", "This user's credential isn't valid for this project.", authflow.ErrNoSession},
	"TOKEN_EXPIRED":                    {"auth/user-token-expired", "The user's credential is no longer valid. The user must sign in again.", authflow.ErrNoSession},
	"CREDENTIAL_TOO_OLD_LOGIN_AGAIN":   {"auth/requires-recent-login", "This operation is sensitive and requires recent authentication.", authflow.ErrNoSession},
	"FEDERATED_USER_ID_ALREADY_LINKED": {"auth/credential-already-in-use", "This credential is already associated with a different user account.", nil},
	"QUOTA_EXCEEDED":                   {"auth/quota-exceeded", "The project's quota for this operation has been exceeded.", nil},
}

func mapRESTError(status int, body []byte) error {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil || eb.Error.Message == "" {
		return &authflow.ProviderError{
			Code:    "auth/internal-error",
			Message: fmt.Sprintf("identity toolkit returned status %d", status),
		}
	}

	// messages look like "WEAK_PASSWORD : Password should be at least 6 characters"
	reason, detail, _ := strings.Cut(eb.Error.Message, " : ")
	reason = strings.TrimSpace(reason)
	if m, ok := errorMappings[reason]; ok {
		message := m.message
		if detail != "" && m.sentinel == nil {
			message = strings.TrimSpace(detail)
		}
		return &authflow.ProviderError{Code: m.code, Message: message, Err: m.sentinel}
	}

	code := "auth/" + strings.ReplaceAll(strings.ToLower(reason), "_", "-")
	return &authflow.ProviderError{Code: code, Message: strings.TrimSpace(detail)}
}

func networkError(err error) error {
	return &authflow.ProviderError{
		Code:    "auth/network-request-failed",
		Message: "A network error (such as timeout, interrupted connection or unreachable host) has occurred.",
		Err:     err,
	}
}

// post sends one accounts API request and decodes the response into out.
func (c *Client) post(ctx context.Context, method string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("toolkit: encode %s: %w", method, err)
	}

	endpoint := c.baseURL + "/v1/accounts:" + method + "?key=" + c.cfg.APIKey
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("toolkit: %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return networkError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return networkError(err)
	}
	if resp.StatusCode != http.StatusOK {
		mapped := mapRESTError(resp.StatusCode, data)
		c.log.Debug().Str("method", method).Int("status", resp.StatusCode).Err(mapped).Msg("identity toolkit error")
		return mapped
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("toolkit: decode %s: %w", method, err)
	}
	return nil
}
