package challenge

import (
	"bytes"
	"context"
	"sync"
)

// State is the widget lifecycle state.
type State int

const (
	StateUnmounted State = iota
	StateInitializing
	StateReady
	StateExpired
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateUnmounted:
		return "unmounted"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateExpired:
		return "expired"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Options are passed to the provider when a widget is created.
type Options struct {
	Size string
	// OnSuccess is invoked when the widget has produced a token.
	OnSuccess func()
	// OnExpired is invoked when the widget's token lapses.
	OnExpired func()
}

// Provider creates widgets and resets them by the id returned from render.
type Provider interface {
	Create(mount Mount, opts Options) (Handle, error)
	Reset(widgetID string) error
}

// Handle is one created widget instance.
type Handle interface {
	// Render draws the widget into its mount and returns the widget id.
	Render(ctx context.Context) (string, error)
	// Token returns the proof-of-humanity token for a rendered widget.
	Token(ctx context.Context) (string, error)
	// Clear releases the widget.
	Clear() error
}

// Mount is the location a widget renders into.
type Mount interface {
	ID() string
	Clear() error
}

// BufferMount is an in-memory mount. Providers that render text write into
// it through its io.Writer implementation.
type BufferMount struct {
	id string

	mu  sync.Mutex
	buf bytes.Buffer
}

// NewBufferMount returns an empty mount with the given id.
func NewBufferMount(id string) *BufferMount {
	return &BufferMount{id: id}
}

func (m *BufferMount) ID() string { return m.id }

func (m *BufferMount) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buf.Write(p)
}

// Clear empties the mount.
func (m *BufferMount) Clear() error {
	m.mu.Lock()
	m.buf.Reset()
	m.mu.Unlock()
	return nil
}

// Contents returns what has been rendered since the last Clear.
func (m *BufferMount) Contents() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buf.String()
}
