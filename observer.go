package authflow

import (
	"context"
	"sync"
	"time"

	"github.com/nub-live/authflow/session"
	"github.com/rs/zerolog"
)

// Decision is what the observer does for one session snapshot.
type Decision int

const (
	DecisionNone Decision = iota
	// DecisionWait is returned while the session is still loading.
	DecisionWait
	DecisionRedirect
	DecisionSignOut
	DecisionAnonymousSignIn
)

func (d Decision) String() string {
	switch d {
	case DecisionNone:
		return "none"
	case DecisionWait:
		return "wait"
	case DecisionRedirect:
		return "redirect"
	case DecisionSignOut:
		return "sign_out"
	case DecisionAnonymousSignIn:
		return "anonymous_sign_in"
	default:
		return "unknown"
	}
}

// View tells the page whether to render its content.
type View int

const (
	// ViewHidden renders nothing: the session is loading or a redirect is
	// about to happen.
	ViewHidden View = iota
	// ViewPending shows a placeholder while a fallback session is set up
	// or an anonymous session is discarded.
	ViewPending
	ViewReady
)

func (v View) String() string {
	switch v {
	case ViewHidden:
		return "hidden"
	case ViewPending:
		return "pending"
	case ViewReady:
		return "ready"
	default:
		return "unknown"
	}
}

// ObserverOption configures an Observer.
type ObserverOption func(*Observer)

func WithObserverLogger(l zerolog.Logger) ObserverOption {
	return func(o *Observer) { o.log = l }
}

// WithRedirectSuppressor holds back redirects while fn reports true.
// Reevaluate re-runs a held-back redirect.
func WithRedirectSuppressor(fn func() bool) ObserverOption {
	return func(o *Observer) { o.suppress = fn }
}

// Observer watches the session context and acts once per distinct
// session snapshot: it redirects verified users away from the auth page,
// discards anonymous sessions, or sets up an anonymous fallback session,
// depending on ObserverConfig.
type Observer struct {
	cfg      ObserverConfig
	session  *session.Context
	platform IdentityPlatform
	route    RouteSignal
	log      zerolog.Logger
	suppress func() bool

	metricInc func(MetricID)
	emitAudit func(ctx context.Context, event string, success bool, userID string, err error, metadata func() map[string]string)

	kick chan struct{}

	mu             sync.Mutex
	started        bool
	stopped        bool
	lastKey        string
	lastSuppressed bool
	gen            uint64
	timer          *time.Timer
	cancel         context.CancelFunc
	unsubscribe    func()
	done           chan struct{}
}

// NewObserver returns an observer over sess. Call Start to begin watching.
func NewObserver(cfg ObserverConfig, sess *session.Context, platform IdentityPlatform, route RouteSignal, opts ...ObserverOption) *Observer {
	o := &Observer{
		cfg:      cfg,
		session:  sess,
		platform: platform,
		route:    route,
		log:      zerolog.Nop(),
		kick:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Evaluate returns the decision for s under the observer's policy. It has
// no side effects.
func (o *Observer) Evaluate(s session.State) Decision {
	switch {
	case s.AuthLoading:
		return DecisionWait
	case s.User == nil:
		if o.cfg.RequireIdentity {
			return DecisionAnonymousSignIn
		}
		return DecisionNone
	case s.IsAnonymous:
		if o.cfg.SignOutAnonymous {
			return DecisionSignOut
		}
		return DecisionNone
	case o.cfg.RequireIdentity:
		return DecisionNone
	case s.EmailVerified || s.User.PrimaryProvider() != session.ProviderPassword:
		return DecisionRedirect
	default:
		return DecisionNone
	}
}

// View returns what the page should render for the current snapshot.
func (o *Observer) View() View {
	switch o.Evaluate(o.session.Snapshot()) {
	case DecisionWait:
		return ViewHidden
	case DecisionRedirect:
		if o.suppressed() {
			return ViewReady
		}
		return ViewHidden
	case DecisionSignOut, DecisionAnonymousSignIn:
		return ViewPending
	default:
		return ViewReady
	}
}

// Start subscribes to the session context. It returns immediately; side
// effects run on the observer's goroutine until Stop or ctx is done.
func (o *Observer) Start(ctx context.Context) {
	o.mu.Lock()
	if o.started || o.stopped {
		o.mu.Unlock()
		return
	}
	o.started = true

	ctx, cancel := context.WithCancel(ctx)
	ch, unsubscribe := o.session.Subscribe()
	o.cancel = cancel
	o.unsubscribe = unsubscribe
	o.done = make(chan struct{})
	done := o.done
	o.mu.Unlock()

	go o.run(ctx, ch, done)
}

// Stop unsubscribes, cancels a scheduled redirect and waits for the
// observer goroutine to exit.
func (o *Observer) Stop() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	o.gen++
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
	if !o.started {
		o.mu.Unlock()
		return
	}
	cancel, unsubscribe, done := o.cancel, o.unsubscribe, o.done
	o.mu.Unlock()

	cancel()
	unsubscribe()
	<-done
}

// Reevaluate re-runs the current snapshot if its redirect was held back.
func (o *Observer) Reevaluate() {
	select {
	case o.kick <- struct{}{}:
	default:
	}
}

func (o *Observer) run(ctx context.Context, ch <-chan session.State, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-ch:
			if !ok {
				return
			}
			o.handle(ctx, s, false)
		case <-o.kick:
			o.handle(ctx, o.session.Snapshot(), true)
		}
	}
}

func (o *Observer) handle(ctx context.Context, s session.State, retry bool) {
	key := s.Key()
	decision := o.Evaluate(s)
	held := decision == DecisionRedirect && o.suppressed()

	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	if decision == DecisionWait {
		// loading keeps the last settled key; a redirect still pending is
		// dropped and scheduled again once the same state settles
		if o.timer != nil {
			o.timer.Stop()
			o.timer = nil
			o.gen++
			o.lastKey = ""
		}
		o.mu.Unlock()
		return
	}
	if retry {
		if key != o.lastKey || !o.lastSuppressed {
			o.mu.Unlock()
			return
		}
	} else if key == o.lastKey {
		o.mu.Unlock()
		return
	}
	o.lastKey = key
	o.lastSuppressed = held
	o.gen++
	gen := o.gen
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
	if decision == DecisionRedirect && !held {
		uid := s.User.UID
		o.timer = time.AfterFunc(o.cfg.RedirectDelay, func() {
			o.redirect(ctx, gen, uid)
		})
	}
	o.mu.Unlock()

	o.log.Debug().Str("session", key).Str("decision", decision.String()).Bool("held", held).Msg("session observed")

	switch decision {
	case DecisionSignOut:
		o.signOut(ctx, s.User.UID)
	case DecisionAnonymousSignIn:
		o.anonymousSignIn(ctx)
	}
}

func (o *Observer) redirect(ctx context.Context, gen uint64, uid string) {
	o.mu.Lock()
	if gen != o.gen || o.stopped {
		o.mu.Unlock()
		return
	}
	o.timer = nil
	o.mu.Unlock()

	if o.route != nil {
		o.route.Navigate(o.cfg.LandingRoute)
	}
	o.inc(MetricObserverRedirect)
	o.audit(ctx, auditEventObserverRedirect, true, uid, nil)
}

func (o *Observer) signOut(ctx context.Context, uid string) {
	err := o.platform.SignOut(ctx)
	if err != nil {
		o.log.Warn().Err(err).Msg("anonymous session sign-out failed")
	} else {
		o.inc(MetricObserverSignOut)
	}
	o.audit(ctx, auditEventObserverSignOut, err == nil, uid, err)
}

func (o *Observer) anonymousSignIn(ctx context.Context) {
	user, err := o.platform.SignInAnonymously(ctx)
	if err != nil {
		o.log.Warn().Err(err).Msg("anonymous sign-in failed")
		o.audit(ctx, auditEventObserverAnonymousSignIn, false, "", err)
		return
	}
	o.inc(MetricObserverAnonymousSignIn)
	var uid string
	if user != nil {
		uid = user.UID
	}
	o.audit(ctx, auditEventObserverAnonymousSignIn, true, uid, nil)
}

func (o *Observer) suppressed() bool {
	return o.suppress != nil && o.suppress()
}

func (o *Observer) inc(id MetricID) {
	if o.metricInc != nil {
		o.metricInc(id)
	}
}

func (o *Observer) audit(ctx context.Context, event string, success bool, uid string, err error) {
	if o.emitAudit != nil {
		o.emitAudit(ctx, event, success, uid, err, nil)
	}
}
