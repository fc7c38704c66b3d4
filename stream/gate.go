package stream

import (
	"context"
	"sync"
	"time"
)

// Gate holds the one waiter for socket readiness. Each connect attempt
// installs itself with its attempt id; signals carrying any other id are
// ignored, so a late callback from an abandoned socket cannot wake the
// current waiter.
type Gate struct {
	mu      sync.Mutex
	ch      chan error
	attempt uint64
}

// Install registers a waiter for attempt. A previous waiter still pending is
// released with ErrSuperseded.
func (g *Gate) Install(attempt uint64) <-chan error {
	ch := make(chan error, 1)
	g.mu.Lock()
	if g.ch != nil {
		g.ch <- ErrSuperseded
	}
	g.ch = ch
	g.attempt = attempt
	g.mu.Unlock()
	return ch
}

func (g *Gate) ResumeSuccess(attempt uint64) {
	g.resume(nil, attempt, true)
}

func (g *Gate) ResumeFailure(err error, attempt uint64) {
	g.resume(err, attempt, true)
}

// CancelIfPending fails whichever waiter is installed.
func (g *Gate) CancelIfPending(err error) {
	g.resume(err, 0, false)
}

func (g *Gate) resume(err error, attempt uint64, match bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ch == nil || (match && g.attempt != attempt) {
		return
	}
	g.ch <- err
	g.ch = nil
}

// Pending reports whether a waiter is installed.
func (g *Gate) Pending() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ch != nil
}

// Wait blocks on a channel returned by Install.
func Wait(ctx context.Context, ch <-chan error, timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case err := <-ch:
		return err
	case <-t.C:
		return ErrReadinessTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
