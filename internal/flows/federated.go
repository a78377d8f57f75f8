package flows

import (
	"context"

	"github.com/nub-live/authflow/session"
)

type FederatedDeps struct {
	DefaultProvider string
	SignInWithPopup func(ctx context.Context, providerID string) (*session.User, error)

	Hooks
}

// RunFederatedSignIn runs the provider consent flow for providerID, or the
// default provider when empty.
func RunFederatedSignIn(ctx context.Context, providerID string, deps FederatedDeps) (*session.User, error) {
	normalizeHooks(&deps.Hooks)

	if providerID == "" {
		providerID = deps.DefaultProvider
	}

	user, err := deps.SignInWithPopup(ctx, providerID)
	if err != nil {
		deps.MetricInc(deps.Metrics.FederatedFailure)
		deps.EmitAudit(ctx, deps.Events.Federated, false, "", err, func() map[string]string {
			return map[string]string{"provider": providerID}
		})
		return nil, err
	}

	deps.MetricInc(deps.Metrics.FederatedSuccess)
	deps.EmitAudit(ctx, deps.Events.Federated, true, user.UID, nil, func() map[string]string {
		return map[string]string{"provider": providerID}
	})
	return user, nil
}
