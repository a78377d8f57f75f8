package authflow

import (
	"context"
	"net/url"
	"strings"

	"github.com/nub-live/authflow/challenge"
)

const verifyEmailParam = "verifyEmail"

// ApplyRoute reads the verifyEmail deep-link parameter from the route the
// page was loaded with. Only the first call has any effect. It reports
// whether the parameter was present and applied.
func (e *Engine) ApplyRoute(route string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deepLinkRead {
		return false
	}
	e.deepLinkRead = true

	_, rawQuery, ok := strings.Cut(route, "?")
	if !ok {
		return false
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		e.log.Debug().Err(err).Str("route", route).Msg("deep link query ignored")
		return false
	}
	email := strings.TrimSpace(values.Get(verifyEmailParam))
	if email == "" {
		return false
	}

	e.state.Email = email
	e.state.VerificationSent = true
	e.state.Error = ""
	e.state.Success = MessageSignUpVerify
	return true
}

func verifyEmailRoute(authRoute, email string) string {
	if email == "" {
		return authRoute
	}
	return authRoute + "?" + url.Values{verifyEmailParam: {email}}.Encode()
}

// ContinueAsGuest leaves the auth page without signing in.
func (e *Engine) ContinueAsGuest() {
	if e.route != nil {
		e.route.Navigate(e.config.Observer.LandingRoute)
	}
}

// SignOut ends the platform session and publishes the signed-out state.
func (e *Engine) SignOut(ctx context.Context) error {
	if e == nil || e.platform == nil {
		return ErrEngineNotReady
	}

	var uid string
	if u := e.platform.CurrentUser(); u != nil {
		uid = u.UID
	}

	err := e.platform.SignOut(ctx)
	e.publishSession()
	e.emitAudit(ctx, auditEventSignOut, err == nil, uid, err, nil)
	if err != nil {
		e.log.Warn().Err(err).Msg("sign-out failed")
		return err
	}

	e.update(func(s *FlowState) {
		s.AwaitingOTP = false
		s.PhoneNumber = ""
		s.LinkTarget = ""
		s.LinkProvider = ""
	})
	return nil
}

// ResetPhone abandons the pending code confirmation so another number can
// be entered or a new code requested. The challenge widget is re-created.
func (e *Engine) ResetPhone(ctx context.Context) error {
	if e == nil || e.pending == nil {
		return ErrEngineNotReady
	}

	e.mu.Lock()
	if e.state.ActiveAction != "" {
		e.mu.Unlock()
		return ErrFlowBusy
	}
	e.state.AwaitingOTP = false
	e.state.PhoneNumber = ""
	e.state.Error = ""
	e.mu.Unlock()

	e.challenge.RequestReset()

	if err := e.pending.Discard(ctx, e.flowKeyFor(ctx)); err != nil {
		return pendingStoreError(err)
	}
	return nil
}

// SetChallengeActive follows the phone tab: the widget exists only while
// the tab is shown.
func (e *Engine) SetChallengeActive(active bool) {
	if active {
		e.challenge.Activate()
		return
	}
	e.challenge.Deactivate()
}

func (e *Engine) ChallengeState() challenge.State {
	return e.challenge.State()
}
