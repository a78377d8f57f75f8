package toolkit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	authflow "github.com/nub-live/authflow"
	"github.com/nub-live/authflow/internal"
	"github.com/nub-live/authflow/session"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/facebook"
	"golang.org/x/oauth2/google"
)

var defaultScopes = map[string][]string{
	session.ProviderGoogle:   {"openid", "email", "profile"},
	session.ProviderFacebook: {"email", "public_profile"},
}

func oauthConfig(providerID string, fc FederatedConfig) (oauth2.Config, error) {
	if fc.ClientID == "" {
		return oauth2.Config{}, fmt.Errorf("toolkit: %s client id is required", providerID)
	}

	oc := oauth2.Config{
		ClientID:     fc.ClientID,
		ClientSecret: fc.ClientSecret,
		Scopes:       fc.Scopes,
	}
	switch providerID {
	case session.ProviderGoogle:
		oc.Endpoint = google.Endpoint
	case session.ProviderFacebook:
		oc.Endpoint = facebook.Endpoint
	default:
		return oauth2.Config{}, fmt.Errorf("toolkit: unsupported federated provider %q", providerID)
	}
	if len(oc.Scopes) == 0 {
		oc.Scopes = defaultScopes[providerID]
	}
	return oc, nil
}

// LoopbackConsent runs the authorization code flow with PKCE and a
// redirect to a short-lived listener on the loopback interface.
type LoopbackConsent struct {
	// Open presents the consent URL, typically by printing it or starting
	// a browser. Required.
	Open func(consentURL string) error
	// Addr is the listen address. Empty picks a free port on 127.0.0.1.
	Addr string
	// Timeout bounds the wait for the redirect. Zero means two minutes.
	Timeout time.Duration
}

type callbackResult struct {
	code string
	err  error
}

func (l LoopbackConsent) Authorize(ctx context.Context, providerID string, cfg oauth2.Config) (*oauth2.Token, error) {
	if l.Open == nil {
		return nil, errors.New("toolkit: loopback consent needs an Open func")
	}
	addr := l.Addr
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	timeout := l.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("toolkit: consent listener: %w", err)
	}
	cfg.RedirectURL = "http://" + ln.Addr().String() + "/callback"

	stateID, err := internal.NewFlowID()
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("toolkit: consent state: %w", err)
	}
	state := stateID.String()
	verifier := oauth2.GenerateVerifier()

	results := make(chan callbackResult, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != state {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			return
		}
		var res callbackResult
		if reason := q.Get("error"); reason != "" {
			res.err = fmt.Errorf("%w: %s", authflow.ErrPopupClosed, reason)
			_, _ = fmt.Fprintln(w, "Sign-in was cancelled. You can close this window.")
		} else {
			res.code = q.Get("code")
			_, _ = fmt.Fprintln(w, "Signed in. You can close this window.")
		}
		select {
		case results <- res:
		default:
		}
	})

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = srv.Serve(ln) }()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	consentURL := cfg.AuthCodeURL(state, oauth2.AccessTypeOnline, oauth2.S256ChallengeOption(verifier))
	if err := l.Open(consentURL); err != nil {
		return nil, fmt.Errorf("toolkit: open consent: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var res callbackResult
	select {
	case res = <-results:
	case <-waitCtx.Done():
		return nil, fmt.Errorf("%w: %v", authflow.ErrPopupClosed, waitCtx.Err())
	}
	if res.err != nil {
		return nil, res.err
	}
	return cfg.Exchange(ctx, res.code, oauth2.VerifierOption(verifier))
}
