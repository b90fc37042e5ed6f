package loader

import (
	"context"
	"sync"
)

// Completion is the promise-like handle the spec's components hand back
// to callers: resolved exactly once, with Then hooks fired at resolution
// (design notes §9, "listener callbacks on completions" reframed as
// explicit continuations instead of attach-to-mutable-future).
type Completion struct {
	mu        sync.Mutex
	done      chan struct{}
	err       error
	resolved  bool
	listeners []func(error)
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// Resolve settles the completion. Only the first call has any effect.
func (c *Completion) Resolve(err error) {
	c.mu.Lock()
	if c.resolved {
		c.mu.Unlock()
		return
	}
	c.resolved = true
	c.err = err
	listeners := c.listeners
	c.listeners = nil
	close(c.done)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(err)
	}
}

// Then registers fn to run with the resolution error. If the completion
// is already resolved, fn runs synchronously and immediately. fn must be
// side-effect free with respect to this Completion's own lock (it must
// not call Resolve/Then on c reentrantly while c.mu is held — both of
// those entry points only take the lock briefly and release it before
// invoking listeners, so this holds in practice).
func (c *Completion) Then(fn func(error)) {
	c.mu.Lock()
	if c.resolved {
		err := c.err
		c.mu.Unlock()
		fn(err)
		return
	}
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// Wait blocks until the completion resolves or ctx is done.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// joinCompletions returns a Completion that resolves once every part has
// resolved. It resolves with the first non-nil error observed, or nil if
// all parts succeeded — the "compound completion" from spec §4.2 step 4.
func joinCompletions(parts []*Completion) *Completion {
	compound := newCompletion()
	if len(parts) == 0 {
		compound.Resolve(nil)
		return compound
	}

	var mu sync.Mutex
	remaining := len(parts)
	var firstErr error

	for _, p := range parts {
		p.Then(func(err error) {
			mu.Lock()
			if err != nil && firstErr == nil {
				firstErr = err
			}
			remaining--
			done := remaining == 0
			e := firstErr
			mu.Unlock()
			if done {
				compound.Resolve(e)
			}
		})
	}
	return compound
}
