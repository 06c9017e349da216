// Package taskset manages a group of background goroutines that share
// a single shutdown signal, so a connection can start its receive and
// send loops without hand-rolling the bookkeeping at every call site
// (spec.md §5, "a connection's lifetime is governed by a handful of
// always-running tasks that must all stop together").
package taskset

import (
	"sync"

	"golang.org/x/net/context"
)

// A Set runs goroutines that all stop when the first of them calls
// Shutdown, and exposes the error passed to that call through Err.
// A panicking task is not recovered.
type Set struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	err     error
	done    bool
	wg      sync.WaitGroup
	finish  chan struct{}
	once    sync.Once
}

// New returns a Set whose Context is derived from parent.
func New(parent context.Context) *Set {
	s := &Set{finish: make(chan struct{})}
	s.ctx, s.cancel = context.WithCancel(parent)
	return s
}

// Context returns a Context that is canceled when the set shuts down.
func (s *Set) Context() context.Context {
	return s.ctx
}

// Do starts fn as a background task. fn should return (possibly
// by observing ctx.Done()) once the set is shutting down.
func (s *Set) Do(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Shutdown records err (if the set hasn't already shut down with a
// different error) and cancels the set's Context. It reports whether
// this call was the one that initiated shutdown.
func (s *Set) Shutdown(err error) bool {
	s.mu.Lock()
	first := !s.done
	if first {
		s.done = true
		s.err = err
	}
	s.mu.Unlock()
	if first {
		s.cancel()
		s.once.Do(func() { close(s.finish) })
	}
	return first
}

// Finish is closed once Shutdown has been called.
func (s *Set) Finish() <-chan struct{} {
	return s.finish
}

// Wait blocks until every task started with Do has returned.
func (s *Set) Wait() {
	s.wg.Wait()
}

// Err returns the error passed to Shutdown, or nil if the set has not
// shut down.
func (s *Set) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
