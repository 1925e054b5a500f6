package agent

import (
	"context"
	"sync"
	"sync/atomic"
)

// AbortToken is a monotonic, cooperative cancellation signal shared by every
// component touched during one Agent run (StreamProcessor, ToolExecutor,
// provider HTTP clients via Context()). Tripping it is idempotent and safe
// from any goroutine.
type AbortToken struct {
	tripped atomic.Bool
	once    sync.Once
	done    chan struct{}
}

// NewAbortToken returns a token in the untripped state.
func NewAbortToken() *AbortToken {
	return &AbortToken{done: make(chan struct{})}
}

// Trip marks the token as tripped. Safe to call more than once or
// concurrently; only the first call has an effect.
func (t *AbortToken) Trip() {
	t.once.Do(func() {
		t.tripped.Store(true)
		close(t.done)
	})
}

// IsTripped reports whether Trip has been called.
func (t *AbortToken) IsTripped() bool {
	return t.tripped.Load()
}

// Done returns a channel closed when the token trips, for use in select
// statements alongside other cancellation sources.
func (t *AbortToken) Done() <-chan struct{} {
	return t.done
}

// LinkChild returns a new token that trips whenever the parent trips. The
// reverse is not true: tripping the child never trips the parent.
func (t *AbortToken) LinkChild() *AbortToken {
	child := NewAbortToken()
	go func() {
		select {
		case <-t.done:
			child.Trip()
		case <-child.done:
		}
	}()
	return child
}

// Context derives a context.Context from parent that is cancelled the moment
// the token trips, letting ctx-based code (providers, tools, HTTP clients)
// observe the same signal without depending on AbortToken directly.
func (t *AbortToken) Context(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-t.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx
}
