package toolkit

import (
	"context"
	"errors"
	"net/url"

	authflow "github.com/nub-live/authflow"
	"github.com/nub-live/authflow/session"
)

func (c *Client) CreateUserWithPassword(ctx context.Context, email, password string) (*session.User, error) {
	var resp tokenResponse
	err := c.post(ctx, "signUp", map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return c.establish(ctx, resp, session.ProviderPassword)
}

func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*session.User, error) {
	var resp tokenResponse
	err := c.post(ctx, "signInWithPassword", map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return c.establish(ctx, resp, session.ProviderPassword)
}

func (c *Client) SignInAnonymously(ctx context.Context) (*session.User, error) {
	var resp tokenResponse
	if err := c.post(ctx, "signUp", map[string]any{"returnSecureToken": true}, &resp); err != nil {
		return nil, err
	}
	return c.establish(ctx, resp, session.ProviderAnonymous)
}

func (c *Client) SignInWithPopup(ctx context.Context, providerID string) (*session.User, error) {
	oc, ok := c.oauth[providerID]
	if !ok {
		return nil, &authflow.ProviderError{
			Code:    "auth/operation-not-allowed",
			Message: "The given sign-in provider is disabled for this project.",
		}
	}
	if c.consent == nil {
		return nil, popupClosed(nil)
	}

	tok, err := c.consent.Authorize(ctx, providerID, oc)
	if err != nil {
		if errors.Is(err, authflow.ErrPopupClosed) || errors.Is(err, context.Canceled) {
			return nil, popupClosed(err)
		}
		return nil, err
	}

	postBody := url.Values{"providerId": {providerID}}
	if idToken, _ := tok.Extra("id_token").(string); idToken != "" {
		postBody.Set("id_token", idToken)
	} else {
		postBody.Set("access_token", tok.AccessToken)
	}

	var resp tokenResponse
	err = c.post(ctx, "signInWithIdp", map[string]any{
		"postBody":            postBody.Encode(),
		"requestUri":          c.cfg.ContinueURL,
		"returnSecureToken":   true,
		"returnIdpCredential": true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.NeedConfirmation {
		return nil, &authflow.ProviderError{
			Code:    "auth/account-exists-with-different-credential",
			Message: "An account already exists with the same email address but different sign-in credentials.",
		}
	}
	return c.establish(ctx, resp, providerID)
}

func popupClosed(err error) error {
	if err == nil {
		err = authflow.ErrPopupClosed
	}
	return &authflow.ProviderError{
		Code:    "auth/popup-closed-by-user",
		Message: "The popup has been closed by the user before finalizing the operation.",
		Err:     errors.Join(authflow.ErrPopupClosed, err),
	}
}

func (c *Client) SendPhoneCode(ctx context.Context, phoneNumber, challengeToken string) (string, error) {
	var resp struct {
		SessionInfo string `json:"sessionInfo"`
	}
	err := c.post(ctx, "sendVerificationCode", map[string]any{
		"phoneNumber":    phoneNumber,
		"recaptchaToken": challengeToken,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.SessionInfo, nil
}

func (c *Client) ConfirmPhoneCode(ctx context.Context, verificationID, code string) (*session.User, error) {
	var resp tokenResponse
	err := c.post(ctx, "signInWithPhoneNumber", map[string]any{
		"sessionInfo": verificationID,
		"code":        code,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return c.establish(ctx, resp, session.ProviderPhone)
}

func (c *Client) SendEmailVerification(ctx context.Context, user *session.User) error {
	idToken, err := c.idToken(user)
	if err != nil {
		return err
	}
	return c.post(ctx, "sendOobCode", map[string]any{
		"requestType": "VERIFY_EMAIL",
		"idToken":     idToken,
	}, nil)
}

func (c *Client) SendPasswordReset(ctx context.Context, email string) error {
	return c.post(ctx, "sendOobCode", map[string]any{
		"requestType": "PASSWORD_RESET",
		"email":       email,
	}, nil)
}

func (c *Client) FetchSignInMethods(ctx context.Context, email string) ([]string, error) {
	var resp struct {
		SigninMethods []string `json:"signinMethods"`
		Registered    bool     `json:"registered"`
	}
	err := c.post(ctx, "createAuthUri", map[string]any{
		"identifier":  email,
		"continueUri": c.cfg.ContinueURL,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.SigninMethods, nil
}

// LinkPassword attaches email/password to user through accounts:update.
// The refreshed tokens replace the current credential without an auth
// state notification, matching the hosted SDK.
func (c *Client) LinkPassword(ctx context.Context, user *session.User, email, password string) error {
	idToken, err := c.idToken(user)
	if err != nil {
		return err
	}

	var resp tokenResponse
	err = c.post(ctx, "update", map[string]any{
		"idToken":           idToken,
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	}, &resp)
	if err != nil {
		return err
	}

	refreshed, err := c.lookup(ctx, resp.IDToken)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.credential != nil && c.credential.UID == user.UID {
		c.credential.IDToken = resp.IDToken
		if resp.RefreshToken != "" {
			c.credential.RefreshToken = resp.RefreshToken
		}
		c.credential.ExpiresAt = c.now().Add(resp.expiresIn()).Unix()
		refreshed.IsAnonymous = c.current.IsAnonymous
		c.current = refreshed
	}
	return nil
}

// SignOut ends the local session. The refresh token stays valid at the
// provider until it is revoked there.
func (c *Client) SignOut(ctx context.Context) error {
	c.mu.Lock()
	wasSignedIn := c.credential != nil
	c.current = nil
	c.credential = nil
	c.mu.Unlock()

	if wasSignedIn {
		c.notify(nil)
	}
	return nil
}
