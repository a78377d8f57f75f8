package session

import "sync"

// Context is the shared session context. It is safe for concurrent use.
type Context struct {
	mu        sync.RWMutex
	state     State
	nextSubID uint64
	subs      map[uint64]chan State
}

// NewContext returns a context in the loading state.
func NewContext() *Context {
	return &Context{
		state: State{AuthLoading: true},
		subs:  make(map[uint64]chan State),
	}
}

// Snapshot returns the latest state.
func (c *Context) Snapshot() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Update publishes the platform's current user and clears the loading flag.
func (c *Context) Update(u *User) {
	c.publish(StateFor(u))
}

// SetLoading puts the context back into the loading state, e.g. while a
// credential is being restored.
func (c *Context) SetLoading() {
	c.publish(State{AuthLoading: true})
}

func (c *Context) publish(s State) {
	c.mu.Lock()
	c.state = s
	for _, ch := range c.subs {
		// latest wins: drop a stale undelivered snapshot
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
	c.mu.Unlock()
}

// Subscribe returns a channel that receives the current snapshot and every
// later one. Slow readers only see the most recent snapshot. The returned
// func unsubscribes and closes the channel.
func (c *Context) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)

	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subs[id] = ch
	ch <- c.state
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			close(ch)
			c.mu.Unlock()
		})
	}
}
