// SPDX-License-Identifier: GPL-3.0-or-later

package blez

import (
	"sync"
	"time"
)

// BlockFunc is the optional runtime-integration capability: block the
// calling context until done is closed or a value arrives on expired
// (which may be nil when there is no deadline), and report whether the
// wait timed out. Consumers embedding blez into an async runtime can
// install one via Options; otherwise a plain select is used.
type BlockFunc func(done <-chan struct{}, expired <-chan time.Time) (timedOut bool)

const (
	pendingWaiting = iota
	pendingCompleted
	pendingCancelled
)

// pending is a single in-flight asynchronous bus operation. Exactly
// one of complete/cancel wins; the loser's outcome is discarded, so a
// late reply after a timeout never reaches a waiter.
type pending struct {
	mu    sync.Mutex
	state int
	body  []interface{}
	err   error
	done  chan struct{}
}

func newPending() *pending {
	return &pending{done: make(chan struct{})}
}

// complete delivers a result. Reports false if the operation was
// already completed or cancelled.
func (p *pending) complete(body []interface{}, err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != pendingWaiting {
		return false
	}
	p.state = pendingCompleted
	p.body = body
	p.err = err
	close(p.done)
	return true
}

// cancel marks the operation so an eventual late completion is
// dropped. Reports false if a result was already delivered.
func (p *pending) cancel(err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != pendingWaiting {
		return false
	}
	p.state = pendingCancelled
	p.err = err
	close(p.done)
	return true
}

func (p *pending) result() ([]interface{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.body, p.err
}

// wait parks the calling goroutine until done is closed or the
// timeout elapses. timeout <= 0 means no deadline. Both call replies
// and event arrival suspend through here, so an installed BlockFunc
// covers them uniformly.
func (s *Session) wait(done <-chan struct{}, timeout time.Duration) (timedOut bool) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := s.clock.Timer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	if s.blockFn != nil {
		return s.blockFn(done, expired)
	}
	select {
	case <-done:
		return false
	case <-expired:
		return true
	}
}

// block resolves a pending operation. Guarantees exactly one of
// value, error or timeout.
func (s *Session) block(p *pending, timeout time.Duration) ([]interface{}, error) {
	if timedOut := s.wait(p.done, timeout); timedOut {
		if p.cancel(ErrCallTimeout) {
			return nil, ErrCallTimeout
		}
		// Completion raced the timer and won; deliver it.
	}
	return p.result()
}
