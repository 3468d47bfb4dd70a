// Package cancel provides the one-shot cancellation primitive used by the
// agent engine and the run controller.
//
// A Source is a thread-safe boolean flag with callback fan-out. Long-running
// operations in the core take a *Source and call Err at every suspension
// point (before and after LLM calls, tool dispatch, result merges). The
// Source also exposes a context.Context so code built around ctx-first APIs
// cancels through the same signal.
package cancel

import (
	"context"
	"sync"
	"time"

	"github.com/cookareq/cookareq/pkg/errs"
)

// ErrCancelled is returned by Err once the source has been cancelled.
var ErrCancelled = errs.New(errs.CodeCancelled, "operation cancelled")

// Source is a one-shot cancellation flag with callback registration.
// The zero value is not usable; create with NewSource.
type Source struct {
	mu        sync.Mutex
	cancelled bool
	done      chan struct{}
	ctx       context.Context
	ctxCancel context.CancelFunc

	nextID    int
	callbacks map[int]func()
}

// Registration detaches a callback registered on a Source.
type Registration struct {
	src *Source
	id  int
}

// NewSource creates an un-cancelled source.
func NewSource() *Source {
	ctx, ctxCancel := context.WithCancel(context.Background())
	return &Source{
		done:      make(chan struct{}),
		ctx:       ctx,
		ctxCancel: ctxCancel,
		callbacks: make(map[int]func()),
	}
}

// Cancel sets the flag. Idempotent: the first call invokes every registered
// callback exactly once, on the caller's goroutine; later calls are no-ops.
func (s *Source) Cancel() {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	cbs := make([]func(), 0, len(s.callbacks))
	for _, cb := range s.callbacks {
		cbs = append(cbs, cb)
	}
	s.callbacks = nil
	close(s.done)
	s.mu.Unlock()

	s.ctxCancel()
	for _, cb := range cbs {
		cb()
	}
}

// Cancelled reports whether the source has been cancelled.
func (s *Source) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// Register attaches a callback to run on cancellation. If the source is
// already cancelled the callback runs immediately on the caller.
// The returned registration detaches the callback; Dispose is a no-op after
// cancellation.
func (s *Source) Register(cb func()) *Registration {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		cb()
		return &Registration{}
	}
	s.nextID++
	id := s.nextID
	s.callbacks[id] = cb
	s.mu.Unlock()
	return &Registration{src: s, id: id}
}

// Dispose detaches the registration's callback.
func (r *Registration) Dispose() {
	if r.src == nil {
		return
	}
	r.src.mu.Lock()
	if r.src.callbacks != nil {
		delete(r.src.callbacks, r.id)
	}
	r.src.mu.Unlock()
	r.src = nil
}

// Wait blocks until cancellation or timeout. Returns true if cancelled.
// A non-positive timeout checks the flag without blocking.
func (s *Source) Wait(timeout time.Duration) bool {
	if timeout <= 0 {
		return s.Cancelled()
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-s.done:
		return true
	case <-t.C:
		return false
	}
}

// Done returns a channel closed on cancellation.
func (s *Source) Done() <-chan struct{} {
	return s.done
}

// Context returns a context cancelled together with the source.
func (s *Source) Context() context.Context {
	return s.ctx
}

// Err returns ErrCancelled once the source is cancelled, nil otherwise.
// This is the suspension-point check used throughout the engine.
func (s *Source) Err() error {
	if s.Cancelled() {
		return ErrCancelled
	}
	return nil
}

// None returns a source that is never cancelled. Useful as a default for
// callers that do not need cancellation.
func None() *Source {
	return NewSource()
}
