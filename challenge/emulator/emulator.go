// Package emulator provides a challenge provider for the Identity Toolkit
// emulator and for tests. Widgets render immediately, always yield the same
// token and expire after a configurable TTL.
package emulator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nub-live/authflow/challenge"
)

// DefaultToken is accepted by the Identity Toolkit emulator in place of a
// real verification token.
const DefaultToken = "emulator-challenge-token"

var (
	ErrNotRendered = errors.New("challenge widget not rendered")
	ErrExpired     = errors.New("challenge widget expired")
	ErrCleared     = errors.New("challenge widget cleared")
	ErrUnknown     = errors.New("unknown challenge widget")
)

// Provider is an in-process challenge provider.
type Provider struct {
	token string
	ttl   time.Duration

	mu     sync.Mutex
	live   map[string]*Handle
	resets []string
}

// New returns a provider issuing token. A zero ttl never expires.
func New(token string, ttl time.Duration) *Provider {
	if token == "" {
		token = DefaultToken
	}
	return &Provider{token: token, ttl: ttl, live: make(map[string]*Handle)}
}

// Create implements challenge.Provider.
func (p *Provider) Create(mount challenge.Mount, opts challenge.Options) (challenge.Handle, error) {
	if mount == nil {
		return nil, errors.New("mount is required")
	}
	return &Handle{p: p, mount: mount, opts: opts}, nil
}

// Reset implements challenge.Provider.
func (p *Provider) Reset(widgetID string) error {
	p.mu.Lock()
	h, ok := p.live[widgetID]
	delete(p.live, widgetID)
	p.resets = append(p.resets, widgetID)
	p.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknown, widgetID)
	}
	h.invalidate()
	return nil
}

// Resets returns the widget ids passed to Reset, in order.
func (p *Provider) Resets() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.resets...)
}

// Expire fires the expiry callback of every live widget immediately.
func (p *Provider) Expire() {
	p.mu.Lock()
	handles := make([]*Handle, 0, len(p.live))
	for _, h := range p.live {
		handles = append(handles, h)
	}
	p.mu.Unlock()

	for _, h := range handles {
		h.expire()
	}
}

// Handle is one emulated widget.
type Handle struct {
	p     *Provider
	mount challenge.Mount
	opts  challenge.Options

	mu      sync.Mutex
	id      string
	timer   *time.Timer
	expired bool
	cleared bool
}

// Render implements challenge.Handle.
func (h *Handle) Render(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	h.mu.Lock()
	if h.cleared {
		h.mu.Unlock()
		return "", ErrCleared
	}
	if h.id == "" {
		h.id = "emu-" + uuid.NewString()
		if h.p.ttl > 0 {
			h.timer = time.AfterFunc(h.p.ttl, h.expire)
		}
	}
	id := h.id
	h.mu.Unlock()

	h.p.mu.Lock()
	h.p.live[id] = h
	h.p.mu.Unlock()

	if w, ok := h.mount.(io.Writer); ok {
		_, _ = fmt.Fprintf(w, "challenge %s size=%s\n", id, h.opts.Size)
	}
	return id, nil
}

// Token implements challenge.Handle.
func (h *Handle) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	h.mu.Lock()
	switch {
	case h.cleared:
		h.mu.Unlock()
		return "", ErrCleared
	case h.id == "":
		h.mu.Unlock()
		return "", ErrNotRendered
	case h.expired:
		h.mu.Unlock()
		return "", ErrExpired
	}
	h.mu.Unlock()

	if h.opts.OnSuccess != nil {
		h.opts.OnSuccess()
	}
	return h.p.token, nil
}

// Clear implements challenge.Handle.
func (h *Handle) Clear() error {
	h.mu.Lock()
	if h.cleared {
		h.mu.Unlock()
		return ErrCleared
	}
	h.cleared = true
	if h.timer != nil {
		h.timer.Stop()
	}
	id := h.id
	h.mu.Unlock()

	if id != "" {
		h.p.mu.Lock()
		delete(h.p.live, id)
		h.p.mu.Unlock()
	}
	return nil
}

func (h *Handle) invalidate() {
	h.mu.Lock()
	h.expired = true
	if h.timer != nil {
		h.timer.Stop()
	}
	h.mu.Unlock()
}

func (h *Handle) expire() {
	h.mu.Lock()
	if h.expired || h.cleared {
		h.mu.Unlock()
		return
	}
	h.expired = true
	h.mu.Unlock()

	if h.opts.OnExpired != nil {
		h.opts.OnExpired()
	}
}
