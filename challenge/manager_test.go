package challenge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeProvider struct {
	mu        sync.Mutex
	log       []string
	created   int
	opts      []Options
	createErr error
	resetErr  error
	clearErr  error
	renderErr error
}

func (p *fakeProvider) record(entry string) {
	p.mu.Lock()
	p.log = append(p.log, entry)
	p.mu.Unlock()
}

func (p *fakeProvider) Create(mount Mount, opts Options) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return nil, p.createErr
	}
	p.created++
	p.opts = append(p.opts, opts)
	id := fmt.Sprintf("w%d", p.created)
	p.log = append(p.log, "create:"+id)
	return &fakeHandle{p: p, id: id}, nil
}

func (p *fakeProvider) Reset(widgetID string) error {
	p.record("reset:" + widgetID)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resetErr
}

func (p *fakeProvider) snapshot() (int, []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created, append([]string(nil), p.log...)
}

func (p *fakeProvider) lastOptions() Options {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opts[len(p.opts)-1]
}

type fakeHandle struct {
	p  *fakeProvider
	id string
}

func (h *fakeHandle) Render(ctx context.Context) (string, error) {
	h.p.mu.Lock()
	err := h.p.renderErr
	h.p.mu.Unlock()
	if err != nil {
		return "", err
	}
	return h.id, nil
}

func (h *fakeHandle) Token(context.Context) (string, error) { return "token-" + h.id, nil }

func (h *fakeHandle) Clear() error {
	h.p.record("clear:" + h.id)
	h.p.mu.Lock()
	defer h.p.mu.Unlock()
	return h.p.clearErr
}

type fakeMount struct{ p *fakeProvider }

func (m fakeMount) ID() string { return "recaptcha-container" }

func (m fakeMount) Clear() error {
	m.p.record("mount-clear")
	return errors.New("mount gone")
}

type transitionLog struct {
	mu    sync.Mutex
	steps []string
}

func (l *transitionLog) hook(from, to State) {
	l.mu.Lock()
	l.steps = append(l.steps, from.String()+">"+to.String())
	l.mu.Unlock()
}

func (l *transitionLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.steps...)
}

type errorSink struct {
	mu   sync.Mutex
	msgs []string
}

func (s *errorSink) report(msg string) {
	s.mu.Lock()
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()
}

func (s *errorSink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.msgs...)
}

func newTestManager(t *testing.T, p *fakeProvider, opts ...Option) *Manager {
	t.Helper()
	m := NewManager(p, fakeMount{p: p}, Config{SettleDelay: time.Millisecond}, opts...)
	t.Cleanup(m.Close)
	return m
}

func waitReady(t *testing.T, m *Manager) Handle {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	h, err := m.WaitReady(ctx)
	if err != nil {
		t.Fatalf("widget never became ready: %v (state %s)", err, m.State())
	}
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestManagerActivateRendersWidget(t *testing.T) {
	p := &fakeProvider{}
	var tl transitionLog
	m := newTestManager(t, p, WithTransitionHook(tl.hook))

	if m.State() != StateUnmounted {
		t.Fatalf("expected unmounted, got %s", m.State())
	}
	if _, ok := m.Ready(); ok {
		t.Fatalf("inactive manager must not be ready")
	}

	m.Activate()
	h := waitReady(t, m)

	tok, err := h.Token(context.Background())
	if err != nil || tok != "token-w1" {
		t.Fatalf("unexpected token %q, err %v", tok, err)
	}
	got := tl.snapshot()
	want := []string{"unmounted>initializing", "initializing>ready"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
}

func TestManagerResetRunsOneCyclePerRequest(t *testing.T) {
	p := &fakeProvider{}
	var tl transitionLog
	m := newTestManager(t, p, WithTransitionHook(tl.hook))

	m.Activate()
	waitReady(t, m)

	m.RequestReset()
	m.RequestReset()
	m.RequestReset()
	waitReady(t, m)

	created, log := p.snapshot()
	if created != 4 {
		t.Fatalf("expected 4 widgets for 3 resets, got %d (%v)", created, log)
	}

	want := []string{"unmounted>initializing", "initializing>ready"}
	for i := 0; i < 3; i++ {
		want = append(want, "ready>destroyed", "destroyed>initializing", "initializing>ready")
	}
	if got := tl.snapshot(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
}

func TestManagerTeardownOrderSwallowsFailures(t *testing.T) {
	p := &fakeProvider{resetErr: errors.New("no such widget"), clearErr: errors.New("already cleared")}
	m := newTestManager(t, p)

	m.Activate()
	waitReady(t, m)
	m.Deactivate()
	waitFor(t, "destroyed", func() bool { return m.State() == StateDestroyed })

	_, log := p.snapshot()
	want := []string{"create:w1", "reset:w1", "clear:w1", "mount-clear"}
	if fmt.Sprint(log) != fmt.Sprint(want) {
		t.Fatalf("teardown log = %v, want %v", log, want)
	}

	m.Activate()
	waitReady(t, m)
}

func TestManagerExpiryReportsAndQueuesReset(t *testing.T) {
	p := &fakeProvider{}
	sink := &errorSink{}
	m := newTestManager(t, p, WithErrorSink(sink.report))

	m.Activate()
	waitReady(t, m)

	p.lastOptions().OnExpired()
	if _, ok := m.Ready(); ok {
		t.Fatalf("expired widget must not be ready")
	}
	h := waitReady(t, m)

	if h.(*fakeHandle).id != "w2" {
		t.Fatalf("expected recreated widget w2, got %s", h.(*fakeHandle).id)
	}
	if msgs := sink.snapshot(); len(msgs) != 1 || msgs[0] != MessageExpired {
		t.Fatalf("unexpected error messages %v", msgs)
	}

	// a late callback from the released widget is ignored
	p.mu.Lock()
	first := p.opts[0]
	p.mu.Unlock()
	first.OnExpired()
	time.Sleep(10 * time.Millisecond)
	if created, _ := p.snapshot(); created != 2 {
		t.Fatalf("stale expiry must not reset, created=%d", created)
	}
}

func TestManagerDeactivateCancelsPendingCreation(t *testing.T) {
	p := &fakeProvider{}
	m := NewManager(p, fakeMount{p: p}, Config{SettleDelay: 50 * time.Millisecond})
	defer m.Close()

	m.Activate()
	waitFor(t, "initializing", func() bool { return m.State() == StateInitializing })
	m.Deactivate()
	waitFor(t, "destroyed", func() bool { return m.State() == StateDestroyed })

	time.Sleep(100 * time.Millisecond)
	if created, _ := p.snapshot(); created != 0 {
		t.Fatalf("settle timer must be cancelled, created=%d", created)
	}
}

func TestManagerSettleAfterUnhandledDeactivateSkipsCreate(t *testing.T) {
	p := &fakeProvider{}
	m := NewManager(p, fakeMount{p: p}, Config{SettleDelay: 20 * time.Millisecond})
	defer m.Close()

	m.Activate()
	waitFor(t, "initializing", func() bool { return m.State() == StateInitializing })

	// deactivated, but the loop has not been woken yet: the settle timer
	// fires first
	m.mu.Lock()
	m.active = false
	m.mu.Unlock()

	time.Sleep(60 * time.Millisecond)
	if created, _ := p.snapshot(); created != 0 {
		t.Fatalf("inactive manager must not create a widget, created=%d", created)
	}

	m.signal()
	waitFor(t, "destroyed", func() bool { return m.State() == StateDestroyed })
	if created, _ := p.snapshot(); created != 0 {
		t.Fatalf("unexpected widget after deactivation, created=%d", created)
	}
}

func TestManagerCreateFailureReportsError(t *testing.T) {
	p := &fakeProvider{createErr: errors.New("script not loaded")}
	sink := &errorSink{}
	m := newTestManager(t, p, WithErrorSink(sink.report))

	m.Activate()
	waitFor(t, "destroyed", func() bool { return m.State() == StateDestroyed })
	if msgs := sink.snapshot(); len(msgs) != 1 || msgs[0] != MessageCreateFailed {
		t.Fatalf("unexpected error messages %v", msgs)
	}

	p.mu.Lock()
	p.createErr = nil
	p.mu.Unlock()

	if !m.ResetIfStale() {
		t.Fatalf("destroyed widget must accept a reset")
	}
	if m.ResetIfStale() {
		t.Fatalf("second reset must be suppressed while one is queued")
	}
	waitReady(t, m)
	if m.ResetIfStale() {
		t.Fatalf("ready widget must not be reset")
	}
}

func TestManagerRenderFailureReleasesHandle(t *testing.T) {
	p := &fakeProvider{renderErr: errors.New("render failed")}
	sink := &errorSink{}
	m := newTestManager(t, p, WithErrorSink(sink.report))

	m.Activate()
	waitFor(t, "destroyed", func() bool { return m.State() == StateDestroyed })

	_, log := p.snapshot()
	if fmt.Sprint(log) != fmt.Sprint([]string{"create:w1", "clear:w1"}) {
		t.Fatalf("unexpected log %v", log)
	}
	if msgs := sink.snapshot(); len(msgs) != 1 || msgs[0] != MessageRenderFailed {
		t.Fatalf("unexpected error messages %v", msgs)
	}
}

func TestManagerCloseUnblocksWaitReady(t *testing.T) {
	p := &fakeProvider{}
	m := NewManager(p, fakeMount{p: p}, Config{})

	errCh := make(chan error, 1)
	go func() {
		_, err := m.WaitReady(context.Background())
		errCh <- err
	}()

	m.Close()
	m.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("WaitReady did not return after Close")
	}
}

func TestBufferMount(t *testing.T) {
	m := NewBufferMount("c1")
	_, _ = m.Write([]byte("widget"))
	if m.ID() != "c1" || m.Contents() != "widget" {
		t.Fatalf("unexpected mount %q %q", m.ID(), m.Contents())
	}
	_ = m.Clear()
	if m.Contents() != "" {
		t.Fatalf("mount not cleared")
	}
}
