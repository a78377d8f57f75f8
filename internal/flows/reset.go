package flows

import (
	"context"
	"strings"

	"github.com/nub-live/authflow/session"
)

// ResetOutcome tells the engine which reset branch was taken.
type ResetOutcome int

const (
	ResetSent ResetOutcome = iota
	ResetLinkedAndSent
	ResetFederatedSignInRequired
	ResetAccountNotFound
)

type ResetDeps struct {
	AllowPasswordLinking bool

	FetchSignInMethods func(ctx context.Context, email string) ([]string, error)
	CurrentUser        func() *session.User
	NewLinkCredential  func() (string, error)
	LinkPassword       func(ctx context.Context, user *session.User, email, password string) error
	SendPasswordReset  func(ctx context.Context, email string) error
	AllowDispatch      func(ctx context.Context, email string) error
	IsAccountNotFound  func(error) bool

	Hooks
}

type ResetResult struct {
	Outcome ResetOutcome
	// Provider is the federated provider the account must sign in with
	// first, for ResetFederatedSignInRequired.
	Provider string
}

// RunPasswordReset sends a password reset email for email.
//
// For an account whose only sign-in methods are federated, the password
// method is first attached to the account when the current session belongs
// to that same account; otherwise the caller is told to sign in with the
// federated provider first. No linking is ever attempted against a session
// for a different account.
func RunPasswordReset(ctx context.Context, email string, deps ResetDeps) (ResetResult, error) {
	normalizeHooks(&deps.Hooks)

	email = strings.TrimSpace(email)
	if email == "" {
		return ResetResult{}, deps.Errors.MissingEmail
	}

	if deps.AllowDispatch != nil {
		if err := deps.AllowDispatch(ctx, email); err != nil {
			deps.MetricInc(deps.Metrics.RateLimited)
			deps.EmitAudit(ctx, deps.Events.Reset, false, "", err, func() map[string]string {
				return map[string]string{"email": email}
			})
			return ResetResult{}, err
		}
	}

	methods, err := deps.FetchSignInMethods(ctx, email)
	if err != nil {
		if deps.IsAccountNotFound(err) {
			return accountNotFound(ctx, email, deps), nil
		}
		deps.MetricInc(deps.Metrics.ResetFailure)
		deps.EmitAudit(ctx, deps.Events.Reset, false, "", err, func() map[string]string {
			return map[string]string{"email": email, "stage": "lookup"}
		})
		return ResetResult{}, err
	}

	provider, federatedOnly := federatedOnlyProvider(methods)
	if !federatedOnly || !deps.AllowPasswordLinking {
		return sendReset(ctx, email, ResetSent, deps)
	}

	user := deps.CurrentUser()
	if user == nil || user.IsAnonymous || !strings.EqualFold(user.Email, email) {
		deps.MetricInc(deps.Metrics.FederatedGuidance)
		deps.EmitAudit(ctx, deps.Events.Reset, false, "", nil, func() map[string]string {
			return map[string]string{"email": email, "provider": provider, "reason": "federated_sign_in_required"}
		})
		return ResetResult{Outcome: ResetFederatedSignInRequired, Provider: provider}, nil
	}

	credential, err := deps.NewLinkCredential()
	if err != nil {
		return ResetResult{}, err
	}
	if err := deps.LinkPassword(ctx, user, email, credential); err != nil {
		deps.EmitAudit(ctx, deps.Events.Link, false, user.UID, err, func() map[string]string {
			return map[string]string{"provider": provider}
		})
		return ResetResult{}, err
	}
	deps.MetricInc(deps.Metrics.PasswordLinked)
	deps.EmitAudit(ctx, deps.Events.Link, true, user.UID, nil, func() map[string]string {
		return map[string]string{"provider": provider}
	})

	return sendReset(ctx, email, ResetLinkedAndSent, deps)
}

func sendReset(ctx context.Context, email string, outcome ResetOutcome, deps ResetDeps) (ResetResult, error) {
	if err := deps.SendPasswordReset(ctx, email); err != nil {
		if deps.IsAccountNotFound(err) {
			return accountNotFound(ctx, email, deps), nil
		}
		deps.MetricInc(deps.Metrics.ResetFailure)
		deps.EmitAudit(ctx, deps.Events.Reset, false, "", err, func() map[string]string {
			return map[string]string{"email": email}
		})
		return ResetResult{}, err
	}

	deps.MetricInc(deps.Metrics.ResetSent)
	deps.EmitAudit(ctx, deps.Events.Reset, true, "", nil, func() map[string]string {
		return map[string]string{"email": email}
	})
	return ResetResult{Outcome: outcome}, nil
}

func accountNotFound(ctx context.Context, email string, deps ResetDeps) ResetResult {
	deps.EmitAudit(ctx, deps.Events.Reset, false, "", nil, func() map[string]string {
		return map[string]string{"email": email, "reason": "account_not_found"}
	})
	return ResetResult{Outcome: ResetAccountNotFound}
}

// federatedOnlyProvider returns the first federated provider when methods
// holds no password method. An empty list is ambiguous (lookup protection)
// and is not treated as federated-only.
func federatedOnlyProvider(methods []string) (string, bool) {
	provider := ""
	for _, m := range methods {
		switch m {
		case session.ProviderPassword, "emailLink":
			return "", false
		case session.ProviderPhone, session.ProviderAnonymous:
		default:
			if provider == "" {
				provider = m
			}
		}
	}
	return provider, provider != ""
}
