package orchestrator

import (
	"context"
	"sync"
)

// CancelToken is a one-shot cancellation flag for a single turn.
// Once cancelled it stays cancelled; a new turn gets a new token.
type CancelToken struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func newCancelToken(parent context.Context) *CancelToken {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &CancelToken{ctx: ctx, cancel: cancel}
}

// Cancel marks the token cancelled. Safe to call more than once.
func (t *CancelToken) Cancel() {
	if t == nil {
		return
	}
	t.cancel()
}

// Cancelled reports whether the token (or its parent context) was cancelled.
func (t *CancelToken) Cancelled() bool {
	if t == nil {
		return false
	}
	return t.ctx.Err() != nil
}

// Done returns a channel closed on cancellation. A nil token never fires.
func (t *CancelToken) Done() <-chan struct{} {
	if t == nil {
		return nil
	}
	return t.ctx.Done()
}

// Context returns a context bound to the token, for handing to engines
// that abort their own network calls.
func (t *CancelToken) Context() context.Context {
	if t == nil {
		return context.Background()
	}
	return t.ctx
}

// Err returns ErrCancelled once the token is cancelled, nil otherwise.
func (t *CancelToken) Err() error {
	if t.Cancelled() {
		return ErrCancelled
	}
	return nil
}

// InterruptController owns the single live CancelToken.
type InterruptController struct {
	mu      sync.Mutex
	current *CancelToken
}

func NewInterruptController() *InterruptController {
	return &InterruptController{}
}

// NewToken cancels the outstanding token, if any, and returns a fresh one
// derived from parent.
func (c *InterruptController) NewToken(parent context.Context) *CancelToken {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		c.current.Cancel()
	}
	c.current = newCancelToken(parent)
	return c.current
}

// Cancel cancels the live token. No-op when there is none.
func (c *InterruptController) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		c.current.Cancel()
	}
}

// Current returns the live token, which may be nil or already cancelled.
func (c *InterruptController) Current() *CancelToken {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}
