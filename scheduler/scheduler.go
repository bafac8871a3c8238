// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package scheduler provides a single-slot delayed callback, used to arm the
// proactive token refresh of a session.
package scheduler

import (
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jonboulle/clockwork"
)

// Scheduler owns at most one pending timer. Every Schedule cancels the
// pending timer before arming a new one, so callbacks never pile up.
type Scheduler struct {
	clock    clockwork.Clock
	logger   hclog.Logger
	disabled bool

	mu    sync.Mutex
	timer clockwork.Timer
	seq   uint64
}

// New creates a Scheduler.
// Supported options:
//
//	WithClock
//	WithLogger
//	WithDisabled
func New(opt ...Option) *Scheduler {
	opts := getSchedulerOpts(opt...)
	return &Scheduler{
		clock:    opts.withClock,
		logger:   opts.withLogger,
		disabled: opts.withDisabled,
	}
}

// Schedule arms fn to run once after delay, cancelling any pending callback
// first. A negative delay is treated as already due. It returns false, and
// does nothing, when the scheduler is disabled.
func (s *Scheduler) Schedule(delay time.Duration, fn func()) bool {
	if fn == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disabled {
		s.logger.Trace("scheduling disabled, ignoring", "delay", delay)
		return false
	}
	s.cancelLocked()
	if delay < 0 {
		delay = 0
	}

	s.seq++
	seq := s.seq
	// the callback runs on its own goroutine since a clock may fire a due
	// timer from inside AfterFunc while s.mu is held
	s.timer = s.clock.AfterFunc(delay, func() { go s.fire(seq, fn) })
	s.logger.Debug("callback scheduled", "delay", delay)
	return true
}

func (s *Scheduler) fire(seq uint64, fn func()) {
	s.mu.Lock()
	// a timer replaced or cancelled after it fired must not run its callback
	if s.seq != seq || s.timer == nil {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.mu.Unlock()
	fn()
}

// Cancel stops the pending callback, if any. It's safe to call when idle.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
}

func (s *Scheduler) cancelLocked() {
	if s.timer == nil {
		return
	}
	s.timer.Stop()
	s.timer = nil
	s.seq++
	s.logger.Trace("pending callback cancelled")
}

// Pending returns true when a callback is armed.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

// SetDisabled turns scheduling off or on. Disabling cancels a pending
// callback.
func (s *Scheduler) SetDisabled(disabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disabled = disabled
	if disabled {
		s.cancelLocked()
	}
}

// Disabled returns true when scheduling is off.
func (s *Scheduler) Disabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disabled
}
