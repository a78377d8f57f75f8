package challenge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrClosed is returned by WaitReady once the manager has been closed.
var ErrClosed = errors.New("challenge manager closed")

// User-visible messages reported through the error sink.
const (
	MessageExpired      = "Challenge verification expired. Please try again."
	MessageCreateFailed = "Failed to initialize challenge. Please refresh the page and try again."
	MessageRenderFailed = "Failed to render challenge. Please refresh the page and try again."
)

const defaultSettleDelay = 500 * time.Millisecond

// Config tunes the manager.
type Config struct {
	// SettleDelay precedes widget creation after activation or reset.
	// Zero means 500ms.
	SettleDelay time.Duration
	// Size is passed to the provider ("invisible", "normal", ...).
	Size string
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger sets the logger used for swallowed teardown failures.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithErrorSink receives user-visible error text.
func WithErrorSink(fn func(msg string)) Option {
	return func(m *Manager) { m.onError = fn }
}

// WithTransitionHook observes every state transition. The hook is called
// outside the manager's lock, in transition order per goroutine.
func WithTransitionHook(fn func(from, to State)) Option {
	return func(m *Manager) { m.onTransition = fn }
}

type transition struct{ from, to State }

type renderResult struct {
	generation uint64
	handle     Handle
	widgetID   string
	err        error
}

// Manager owns the challenge widget bound to one mount.
type Manager struct {
	provider     Provider
	mount        Mount
	cfg          Config
	log          zerolog.Logger
	onError      func(string)
	onTransition func(from, to State)

	mu            sync.Mutex
	state         State
	active        bool
	requested     uint64
	applied       uint64
	appliedActive bool
	generation    uint64
	handle        Handle
	widgetID      string
	changed       chan struct{}
	notes         []transition

	// loop goroutine only
	settle       *time.Timer
	renderCancel context.CancelFunc

	wake      chan struct{}
	rendered  chan renderResult
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewManager starts the manager loop. The widget is not created until
// Activate is called.
func NewManager(provider Provider, mount Mount, cfg Config, opts ...Option) *Manager {
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = defaultSettleDelay
	}
	if cfg.Size == "" {
		cfg.Size = "invisible"
	}

	m := &Manager{
		provider: provider,
		mount:    mount,
		cfg:      cfg,
		log:      zerolog.Nop(),
		state:    StateUnmounted,
		changed:  make(chan struct{}),
		wake:     make(chan struct{}, 1),
		rendered: make(chan renderResult),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	go m.run()
	return m
}

// Activate marks the controlling tab active and schedules widget creation.
func (m *Manager) Activate() {
	m.mu.Lock()
	m.active = true
	m.mu.Unlock()
	m.signal()
}

// Deactivate tears the widget down and cancels any pending creation.
func (m *Manager) Deactivate() {
	m.mu.Lock()
	m.active = false
	m.mu.Unlock()
	m.signal()
}

// Active reports whether the tab is active.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// RequestReset increments the reset counter. Each increment yields exactly
// one teardown-then-recreate cycle on the loop. It never blocks and is safe
// to call from provider callbacks.
func (m *Manager) RequestReset() {
	m.mu.Lock()
	m.requested++
	m.mu.Unlock()
	m.signal()
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Ready returns the live handle when the widget is Ready.
func (m *Manager) Ready() (Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readyLocked() {
		return m.handle, true
	}
	return nil, false
}

// ResetIfStale requests a reset unless the widget is Ready, already
// initializing, or a reset is queued. It reports whether a reset was
// requested.
func (m *Manager) ResetIfStale() bool {
	m.mu.Lock()
	if m.readyLocked() || m.state == StateInitializing || m.requested > m.applied || m.active != m.appliedActive {
		m.mu.Unlock()
		return false
	}
	m.requested++
	m.mu.Unlock()
	m.signal()
	return true
}

func (m *Manager) readyLocked() bool {
	return m.state == StateReady && m.handle != nil && m.requested == m.applied
}

// WaitReady blocks until the widget is Ready or ctx is done.
func (m *Manager) WaitReady(ctx context.Context) (Handle, error) {
	for {
		m.mu.Lock()
		if m.readyLocked() {
			h := m.handle
			m.mu.Unlock()
			return h, nil
		}
		changed := m.changed
		m.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.done:
			return nil, ErrClosed
		}
	}
}

// Close tears the widget down and stops the loop. It is idempotent.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.stop)
	})
	<-m.done
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) run() {
	defer close(m.done)

	for {
		var settleC <-chan time.Time
		if m.settle != nil {
			settleC = m.settle.C
		}

		select {
		case <-m.stop:
			m.teardown()
			return
		case <-m.wake:
			m.reconcile()
		case <-settleC:
			m.settle = nil
			m.create()
		case res := <-m.rendered:
			m.finishRender(res)
		}
	}
}

// reconcile applies an activation change, or at most one pending reset.
// While a cycle is in flight further resets wait for it to settle so that
// no two initializations overlap.
func (m *Manager) reconcile() {
	cycling := m.settle != nil || m.renderCancel != nil

	m.mu.Lock()
	active := m.active
	toggled := active != m.appliedActive
	m.appliedActive = active
	reset := !toggled && m.requested > m.applied && !(active && cycling)
	m.mu.Unlock()

	if toggled || reset {
		m.teardown()
		m.schedule(active, reset)
	}
	m.continuePending()
}

// continuePending re-wakes the loop when resets are queued and no cycle is
// in flight.
func (m *Manager) continuePending() {
	if m.settle != nil || m.renderCancel != nil {
		return
	}
	m.mu.Lock()
	more := m.requested > m.applied
	m.mu.Unlock()
	if more {
		m.signal()
	}
}

// schedule marks a consumed reset as applied and, when active, starts the
// settle timer. Both happen under one lock so observers never see an
// applied reset without the cycle that follows it.
func (m *Manager) schedule(active, consumed bool) {
	m.mu.Lock()
	if consumed {
		m.applied++
	}
	if !active {
		m.mu.Unlock()
		return
	}
	m.generation++
	m.transitionLocked(StateInitializing)
	m.unlock()

	m.settle = time.NewTimer(m.cfg.SettleDelay)
}

func (m *Manager) create() {
	m.mu.Lock()
	// a deactivation whose wake has not been handled yet still wins
	if !m.active || (m.handle != nil && m.state != StateDestroyed) {
		m.mu.Unlock()
		return
	}
	gen := m.generation
	m.mu.Unlock()

	h, err := m.provider.Create(m.mount, Options{
		Size: m.cfg.Size,
		OnSuccess: func() {
			m.log.Debug().Uint64("generation", gen).Msg("challenge solved")
		},
		OnExpired: func() { m.expired(gen) },
	})
	if err != nil {
		m.log.Error().Err(err).Str("mount", m.mount.ID()).Msg("challenge create failed")
		m.fail(MessageCreateFailed)
		m.continuePending()
		return
	}

	m.mu.Lock()
	m.handle = h
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	m.renderCancel = cancel
	go func() {
		id, err := h.Render(ctx)
		select {
		case m.rendered <- renderResult{generation: gen, handle: h, widgetID: id, err: err}:
		case <-m.stop:
		}
	}()
}

func (m *Manager) finishRender(res renderResult) {
	m.mu.Lock()
	if res.generation != m.generation || m.handle != res.handle {
		// superseded: teardown already released this handle
		m.mu.Unlock()
		return
	}
	if res.err != nil {
		m.handle = nil
		m.mu.Unlock()
		m.endRender()

		m.log.Error().Err(res.err).Str("mount", m.mount.ID()).Msg("challenge render failed")
		m.bestEffort("release handle", res.handle.Clear)
		m.fail(MessageRenderFailed)
		m.continuePending()
		return
	}
	m.widgetID = res.widgetID
	m.transitionLocked(StateReady)
	m.unlock()
	m.endRender()
	m.continuePending()
}

func (m *Manager) endRender() {
	if m.renderCancel != nil {
		m.renderCancel()
		m.renderCancel = nil
	}
}

func (m *Manager) fail(msg string) {
	m.mu.Lock()
	m.transitionLocked(StateDestroyed)
	m.unlock()
	m.report(msg)
}

// expired runs on the provider's callback goroutine. It only queues a reset.
func (m *Manager) expired(gen uint64) {
	m.mu.Lock()
	if gen != m.generation || m.state != StateReady {
		m.mu.Unlock()
		return
	}
	m.transitionLocked(StateExpired)
	m.unlock()

	m.report(MessageExpired)
	m.RequestReset()
}

// teardown invalidates the provider-side widget, releases the handle and
// clears the mount, in that order. Each step is best effort.
func (m *Manager) teardown() {
	if m.settle != nil {
		m.settle.Stop()
		m.settle = nil
	}
	m.endRender()

	m.mu.Lock()
	h, widgetID := m.handle, m.widgetID
	m.handle, m.widgetID = nil, ""
	live := m.state != StateUnmounted && m.state != StateDestroyed
	if live {
		m.transitionLocked(StateDestroyed)
	}
	m.unlock()

	if !live && h == nil {
		return
	}
	if widgetID != "" {
		m.bestEffort("reset widget", func() error { return m.provider.Reset(widgetID) })
	}
	if h != nil {
		m.bestEffort("release handle", h.Clear)
	}
	m.bestEffort("clear mount", m.mount.Clear)
}

func (m *Manager) bestEffort(step string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Warn().Str("step", step).Str("panic", fmt.Sprint(r)).Msg("challenge teardown step panicked")
		}
	}()
	if err := fn(); err != nil {
		m.log.Warn().Err(err).Str("step", step).Msg("challenge teardown step failed")
	}
}

func (m *Manager) report(msg string) {
	if m.onError != nil {
		m.onError(msg)
	}
}

func (m *Manager) transitionLocked(to State) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	close(m.changed)
	m.changed = make(chan struct{})
	m.notes = append(m.notes, transition{from: from, to: to})
}

// unlock releases mu and delivers queued transition notifications.
func (m *Manager) unlock() {
	notes := m.notes
	m.notes = nil
	m.mu.Unlock()

	if m.onTransition == nil {
		return
	}
	for _, n := range notes {
		m.onTransition(n.from, n.to)
	}
}
