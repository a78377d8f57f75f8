package authflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/nub-live/authflow/challenge"
	internalflows "github.com/nub-live/authflow/internal/flows"
	"github.com/nub-live/authflow/internal/rate"
	"github.com/nub-live/authflow/internal/stores"
	"github.com/nub-live/authflow/session"
	"github.com/rs/zerolog"
)

// Engine is the credential flow controller for one page visit. It runs
// one action at a time, owns the challenge widget manager, and keeps the
// user-visible FlowState.
type Engine struct {
	config    Config
	platform  IdentityPlatform
	route     RouteSignal
	session   *session.Context
	challenge *challenge.Manager
	pending   *stores.PendingOTPStore
	limiter   *rate.Limiter
	audit     *auditDispatcher
	metrics   *Metrics
	observer  *Observer
	log       zerolog.Logger
	flows     internalflows.Service
	flowKey   string
	now       func() time.Time

	mu           sync.Mutex
	state        FlowState
	deepLinkRead bool

	unsubscribe func()
	closeOnce   sync.Once
}

// Close stops the observer and the challenge manager, detaches from the
// platform, and drains the audit queue.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.closeOnce.Do(func() {
		if e.observer != nil {
			e.observer.Stop()
		}
		if e.challenge != nil {
			e.challenge.Close()
		}
		if e.unsubscribe != nil {
			e.unsubscribe()
		}
		if e.audit != nil {
			e.audit.Close()
		}
	})
}

func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

// Session returns the shared session context the engine publishes to.
func (e *Engine) Session() *session.Context { return e.session }

// Observer returns the session observer bound to this engine.
func (e *Engine) Observer() *Observer { return e.observer }

// Challenge returns the challenge widget manager.
func (e *Engine) Challenge() *challenge.Manager { return e.challenge }

// FlowKey returns the key generated for this page visit.
func (e *Engine) FlowKey() string { return e.flowKey }

// Run executes action with the entered form fields. Only one action runs at
// a time: a call made while another is pending returns ErrFlowBusy and
// leaves FlowState untouched. Starting an action clears the previous error
// and success text; finishing it sets exactly one of them.
func (e *Engine) Run(ctx context.Context, action ActionTag, form Form) (*Result, error) {
	if e == nil || !e.flows.Initialized() {
		return nil, ErrEngineNotReady
	}
	if !e.begin(action) {
		e.metricInc(MetricBusyRejected)
		return nil, ErrFlowBusy
	}

	start := time.Now()
	hadLink := e.linkPending()

	result, err := e.dispatch(ctx, action, form)
	if e.metrics.LatencyEnabled() {
		e.metrics.Observe(MetricFlowLatency, time.Since(start))
	}
	if result != nil {
		result.Action = action
	}
	e.finish(result, err)

	if err != nil && !IsPrecondition(err) {
		e.log.Debug().Err(err).Str("action", string(action)).Msg("flow action failed")
	}
	if hadLink && !e.linkPending() && e.observer != nil {
		e.observer.Reevaluate()
	}
	return result, err
}

func (e *Engine) dispatch(ctx context.Context, action ActionTag, form Form) (*Result, error) {
	switch action {
	case ActionPasswordSignUp:
		return e.runPasswordSignUp(ctx, form)
	case ActionPasswordSignIn:
		return e.runPasswordSignIn(ctx, form)
	case ActionFederatedSignIn:
		return e.runFederatedSignIn(ctx, form)
	case ActionPhoneSignIn:
		return e.runPhoneSignIn(ctx, form)
	case ActionConfirmOTP:
		return e.runConfirmOTP(ctx, form)
	case ActionResendVerification:
		return e.runResendVerification(ctx, form)
	case ActionPasswordReset:
		return e.runPasswordReset(ctx, form)
	default:
		return nil, ErrUnknownAction
	}
}

func (e *Engine) runPasswordSignUp(ctx context.Context, form Form) (*Result, error) {
	res, err := e.flows.PasswordSignUp(ctx, form.Email, form.Password)
	if res.User != nil {
		e.publishSession()
	}
	if err != nil {
		if res.User != nil {
			// account exists; only the verification dispatch failed
			return &Result{Outcome: OutcomeSignedUp, User: res.User}, err
		}
		return nil, err
	}

	e.update(func(s *FlowState) {
		s.VerificationSent = true
		s.Email = res.User.Email
	})
	return &Result{Outcome: OutcomeSignedUp, Message: MessageSignUpVerify, User: res.User}, nil
}

func (e *Engine) runPasswordSignIn(ctx context.Context, form Form) (*Result, error) {
	user, err := e.flows.PasswordSignIn(ctx, form.Email, form.Password)
	if err != nil {
		return nil, err
	}
	e.publishSession()
	return &Result{Outcome: OutcomeSignedIn, User: user}, nil
}

func (e *Engine) runFederatedSignIn(ctx context.Context, form Form) (*Result, error) {
	user, err := e.flows.FederatedSignIn(ctx, form.Provider)
	if err != nil {
		return nil, err
	}
	e.publishSession()

	var target string
	e.update(func(s *FlowState) {
		target = s.LinkTarget
		if target != "" {
			s.Email = target
		}
	})
	if target != "" {
		return &Result{
			Outcome: OutcomeLinkContinue,
			Message: MessageLinkContinue,
			Next:    ActionPasswordReset,
			User:    user,
		}, nil
	}
	return &Result{Outcome: OutcomeSignedIn, User: user}, nil
}

func (e *Engine) runPhoneSignIn(ctx context.Context, form Form) (*Result, error) {
	phone := e.normalizePhone(form.PhoneNumber)
	if _, err := e.flows.PhoneSignIn(ctx, phone); err != nil {
		return nil, err
	}

	e.update(func(s *FlowState) {
		s.AwaitingOTP = true
		s.PhoneNumber = phone
	})
	return &Result{Outcome: OutcomeCodeSent, Message: MessageCodeSent, Next: ActionConfirmOTP}, nil
}

func (e *Engine) runConfirmOTP(ctx context.Context, form Form) (*Result, error) {
	user, err := e.flows.ConfirmOTP(ctx, strings.TrimSpace(form.OTP))
	if err != nil {
		if errors.Is(err, ErrOTPAttemptsExceeded) || errors.Is(err, ErrNoPendingConfirmation) {
			e.update(func(s *FlowState) {
				s.AwaitingOTP = false
			})
		}
		return nil, err
	}

	e.update(func(s *FlowState) {
		s.AwaitingOTP = false
		s.PhoneNumber = ""
	})
	e.publishSession()
	return &Result{Outcome: OutcomeSignedIn, User: user}, nil
}

func (e *Engine) runResendVerification(ctx context.Context, form Form) (*Result, error) {
	res, err := e.flows.ResendVerification(ctx, form.Email, form.Password)
	if res.Transient {
		// the transient session has been closed again
		e.publishSession()
	}
	if err != nil {
		return nil, err
	}

	e.update(func(s *FlowState) {
		s.VerificationSent = true
		if res.Email != "" {
			s.Email = res.Email
		}
	})
	if res.Transient && e.route != nil {
		e.route.Navigate(verifyEmailRoute(e.config.Observer.AuthRoute, res.Email))
	}
	return &Result{Outcome: OutcomeVerificationSent, Message: MessageVerificationSent}, nil
}

func (e *Engine) runPasswordReset(ctx context.Context, form Form) (*Result, error) {
	email := strings.TrimSpace(form.Email)
	if email == "" {
		e.mu.Lock()
		email = e.state.LinkTarget
		e.mu.Unlock()
	}

	res, err := e.flows.PasswordReset(ctx, email)
	if err != nil {
		return nil, err
	}

	switch res.Outcome {
	case internalflows.ResetLinkedAndSent:
		e.update(func(s *FlowState) {
			s.ResetSent = true
			s.LinkTarget = ""
			s.LinkProvider = ""
		})
		return &Result{Outcome: OutcomeLinkedAndResetSent, Message: MessageLinkedAndResetSent}, nil
	case internalflows.ResetFederatedSignInRequired:
		e.update(func(s *FlowState) {
			s.LinkTarget = email
			s.LinkProvider = res.Provider
		})
		return &Result{
			Outcome:  OutcomeFederatedSignInRequired,
			Message:  FederatedGuidance(res.Provider),
			Provider: res.Provider,
			Next:     ActionFederatedSignIn,
		}, nil
	case internalflows.ResetAccountNotFound:
		e.update(func(s *FlowState) {
			s.LinkTarget = ""
			s.LinkProvider = ""
		})
		return &Result{Outcome: OutcomeAccountNotFound, Message: MessageAccountNotFound, Next: ActionPasswordSignUp}, nil
	default:
		e.update(func(s *FlowState) {
			s.ResetSent = true
			s.LinkTarget = ""
			s.LinkProvider = ""
		})
		return &Result{Outcome: OutcomeResetSent, Message: MessageResetSent}, nil
	}
}

// FlowState returns a copy of the user-visible state.
func (e *Engine) FlowState() FlowState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Busy reports whether action is the pending action.
func (e *Engine) Busy(action ActionTag) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.ActiveAction == action
}

func (e *Engine) begin(action ActionTag) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.ActiveAction != "" {
		return false
	}
	e.state.ActiveAction = action
	e.state.Error = ""
	e.state.Success = ""
	return true
}

func (e *Engine) finish(result *Result, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.ActiveAction = ""
	switch {
	case err != nil:
		e.state.Error = Message(err)
		e.state.Success = ""
	case result != nil && result.notice():
		e.state.Error = result.Message
		e.state.Success = ""
	case result != nil:
		e.state.Error = ""
		e.state.Success = result.Message
	}
}

// notice outcomes are not failures but tell the user they cannot proceed
// as asked; they are shown in the error slot.
func (r *Result) notice() bool {
	return r.Outcome == OutcomeFederatedSignInRequired || r.Outcome == OutcomeAccountNotFound
}

func (e *Engine) update(fn func(*FlowState)) {
	e.mu.Lock()
	fn(&e.state)
	e.mu.Unlock()
}

func (e *Engine) setProgress(msg string) {
	e.update(func(s *FlowState) {
		s.Error = ""
		s.Success = msg
	})
}

func (e *Engine) reportChallengeError(msg string) {
	if msg == challenge.MessageExpired {
		e.metricInc(MetricChallengeExpired)
	}
	e.update(func(s *FlowState) {
		s.Error = msg
		s.Success = ""
	})
	e.emitAudit(context.Background(), auditEventChallengeError, false, "", nil, func() map[string]string {
		return map[string]string{"message": msg}
	})
}

func (e *Engine) linkPending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.LinkTarget != ""
}

// publishSession pushes the platform's current user into the session
// context. Platforms notify on their own as well; duplicate snapshots are
// harmless because the observer acts once per distinct state.
func (e *Engine) publishSession() {
	if e.platform == nil || e.session == nil {
		return
	}
	e.session.Update(e.platform.CurrentUser())
}

func (e *Engine) normalizePhone(raw string) string {
	phone := strings.Join(strings.Fields(raw), "")
	if phone == "" || strings.HasPrefix(phone, "+") {
		return phone
	}
	return e.config.Flow.DefaultCountryCode + phone
}

func (e *Engine) flowKeyFor(ctx context.Context) string {
	if key, ok := flowKeyFromContext(ctx); ok {
		return key
	}
	return e.flowKey
}
