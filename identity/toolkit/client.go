package toolkit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	authflow "github.com/nub-live/authflow"
	"github.com/nub-live/authflow/jwt"
	"github.com/nub-live/authflow/session"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

const (
	DefaultBaseURL  = "https://identitytoolkit.googleapis.com"
	DefaultTokenURL = "https://securetoken.googleapis.com"

	// refreshSkew renews a stored credential this long before it expires.
	refreshSkew = 30 * time.Second
)

// FederatedConfig is the OAuth client registered with one provider.
type FederatedConfig struct {
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// Config configures a Client.
type Config struct {
	APIKey string
	// BaseURL and TokenURL default to the hosted endpoints.
	BaseURL  string
	TokenURL string
	// EmulatorHost ("localhost:9099") routes every call to a local
	// emulator and overrides BaseURL and TokenURL.
	EmulatorHost string
	// ContinueURL is the requestUri and continueUri sent with federated
	// sign-in and sign-in method lookups.
	ContinueURL string
	Timeout     time.Duration
	// Federated holds OAuth clients keyed by provider id.
	Federated map[string]FederatedConfig
}

// Consent obtains a provider token for a federated sign-in. cfg is a copy
// the implementation may modify.
type Consent interface {
	Authorize(ctx context.Context, providerID string, cfg oauth2.Config) (*oauth2.Token, error)
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithTokenVerifier verifies ID token signatures. Without it claims are
// decoded unverified, as the hosted client SDK does.
func WithTokenVerifier(m *jwt.Manager) Option {
	return func(c *Client) { c.verifier = m }
}

func WithConsent(consent Consent) Option {
	return func(c *Client) { c.consent = consent }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// Client talks to the Identity Toolkit REST API. It is safe for concurrent use.
type Client struct {
	cfg      Config
	baseURL  string
	tokenURL string
	http     *http.Client
	log      zerolog.Logger
	verifier *jwt.Manager
	consent  Consent
	oauth    map[string]oauth2.Config
	now      func() time.Time

	mu         sync.Mutex
	current    *session.User
	credential *session.Credential
	listeners  map[int]func(*session.User)
	nextSub    int
}

var _ authflow.IdentityPlatform = (*Client)(nil)

// New creates a Client.
func New(cfg Config, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("toolkit: API key is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.ContinueURL == "" {
		cfg.ContinueURL = "http://localhost"
	}

	c := &Client{
		cfg:       cfg,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		tokenURL:  strings.TrimRight(cfg.TokenURL, "/"),
		log:       zerolog.Nop(),
		oauth:     make(map[string]oauth2.Config, len(cfg.Federated)),
		now:       time.Now,
		listeners: make(map[int]func(*session.User)),
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.tokenURL == "" {
		c.tokenURL = DefaultTokenURL
	}
	if cfg.EmulatorHost != "" {
		c.baseURL = "http://" + cfg.EmulatorHost + "/identitytoolkit.googleapis.com"
		c.tokenURL = "http://" + cfg.EmulatorHost + "/securetoken.googleapis.com"
	}
	for providerID, fc := range cfg.Federated {
		oc, err := oauthConfig(providerID, fc)
		if err != nil {
			return nil, err
		}
		c.oauth[providerID] = oc
	}

	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: cfg.Timeout}
	}
	if c.verifier == nil {
		m, err := jwt.NewManager(jwt.Config{SigningMethod: jwt.MethodUnverified})
		if err != nil {
			return nil, fmt.Errorf("toolkit: %w", err)
		}
		c.verifier = m
	}
	return c, nil
}

func (c *Client) CurrentUser() *session.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.Clone()
}

func (c *Client) OnAuthStateChanged(fn func(*session.User)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.listeners[id] = fn
	current := c.current.Clone()
	c.mu.Unlock()

	fn(current)
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Client) notify(u *session.User) {
	c.mu.Lock()
	fns := make([]func(*session.User), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(u.Clone())
	}
}

// Credential returns the current tokens, or nil when signed out.
func (c *Client) Credential() *session.Credential {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.credential == nil {
		return nil
	}
	cred := *c.credential
	return &cred
}

// idToken returns the ID token of user when user is the signed-in user.
func (c *Client) idToken(user *session.User) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.credential == nil || user == nil || c.credential.UID != user.UID {
		return "", &authflow.ProviderError{
			Code:    "auth/requires-recent-login",
			Message: "This operation is sensitive and requires recent authentication.",
			Err:     authflow.ErrNoSession,
		}
	}
	return c.credential.IDToken, nil
}

// establish completes a sign-in response: it looks the user up, records
// the credential and notifies listeners.
func (c *Client) establish(ctx context.Context, tokens tokenResponse, fallbackProvider string) (*session.User, error) {
	claims, err := c.verifier.Parse(tokens.IDToken)
	if err != nil {
		return nil, &authflow.ProviderError{
			Code:    "auth/invalid-user-token",
			Message: "This user's credential isn't valid for this project.",
			Err:     err,
		}
	}

	user, err := c.lookup(ctx, tokens.IDToken)
	if err != nil {
		return nil, err
	}
	user.IsAnonymous = claims.Anonymous()

	provider := claims.Firebase.SignInProvider
	if provider == "" {
		provider = fallbackProvider
	}
	cred := &session.Credential{
		UID:          user.UID,
		ProviderID:   provider,
		IDToken:      tokens.IDToken,
		RefreshToken: tokens.RefreshToken,
		ExpiresAt:    c.now().Add(tokens.expiresIn()).Unix(),
		Anonymous:    user.IsAnonymous,
	}

	c.mu.Lock()
	c.current = user.Clone()
	c.credential = cred
	c.mu.Unlock()

	c.log.Debug().Str("uid", user.UID).Str("provider", provider).Msg("signed in")
	c.notify(user)
	return user, nil
}

func (c *Client) lookup(ctx context.Context, idToken string) (*session.User, error) {
	var resp struct {
		Users []lookupUser `json:"users"`
	}
	if err := c.post(ctx, "lookup", map[string]any{"idToken": idToken}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Users) == 0 {
		return nil, &authflow.ProviderError{
			Code:    "auth/user-not-found",
			Message: "There is no user record corresponding to this identifier. The user may have been deleted.",
			Err:     authflow.ErrAccountNotFound,
		}
	}
	return resp.Users[0].toUser(), nil
}

// Restore resumes a stored credential. An expired ID token is renewed with
// the refresh token first.
func (c *Client) Restore(ctx context.Context, cred *session.Credential) (*session.User, error) {
	if cred == nil || cred.RefreshToken == "" {
		return nil, authflow.ErrNoSession
	}

	tokens := tokenResponse{
		IDToken:      cred.IDToken,
		RefreshToken: cred.RefreshToken,
		ExpiresIn:    fmt.Sprint(cred.ExpiresAt - c.now().Unix()),
	}
	if time.Unix(cred.ExpiresAt, 0).Before(c.now().Add(refreshSkew)) || cred.IDToken == "" {
		refreshed, err := c.refresh(ctx, cred.RefreshToken)
		if err != nil {
			return nil, err
		}
		tokens = refreshed
	}
	return c.establish(ctx, tokens, cred.ProviderID)
}

// refresh exchanges a refresh token at the secure token endpoint.
func (c *Client) refresh(ctx context.Context, refreshToken string) (tokenResponse, error) {
	oc := oauth2.Config{
		Endpoint: oauth2.Endpoint{
			TokenURL:  c.tokenURL + "/v1/token?key=" + c.cfg.APIKey,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)
	tok, err := oc.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && rerr.Response != nil {
			return tokenResponse{}, mapRESTError(rerr.Response.StatusCode, rerr.Body)
		}
		return tokenResponse{}, networkError(err)
	}

	idToken, _ := tok.Extra("id_token").(string)
	if idToken == "" {
		idToken = tok.AccessToken
	}
	out := tokenResponse{
		IDToken:      idToken,
		RefreshToken: tok.RefreshToken,
		ExpiresIn:    "3600",
	}
	if !tok.Expiry.IsZero() {
		out.ExpiresIn = fmt.Sprint(int(time.Until(tok.Expiry).Seconds()))
	}
	if out.RefreshToken == "" {
		out.RefreshToken = refreshToken
	}
	return out, nil
}
