// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package connectivity provides the observable online/offline signal a
// session follows.
package connectivity

import "sync"

// Gate reports whether the network is reachable and notifies subscribers when
// that changes.
type Gate interface {
	// Online reports the current reachability. An undetermined gate reports
	// false.
	Online() bool

	// Subscribe registers fn to be called with the new value every time the
	// gate changes. The returned func removes the subscription.
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// Signal is a manually driven Gate. The zero value is offline and ready to
// use.
type Signal struct {
	mu     sync.Mutex
	online bool
	nextID int
	subs   []subscriber
}

type subscriber struct {
	id int
	fn func(bool)
}

var _ Gate = (*Signal)(nil)

// NewSignal returns a Signal with an initial value.
func NewSignal(online bool) *Signal {
	return &Signal{online: online}
}

// Online implements Gate.
func (s *Signal) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Set updates the signal. Subscribers are only called when the value
// changes, in subscription order.
func (s *Signal) Set(online bool) {
	s.mu.Lock()
	if s.online == online {
		s.mu.Unlock()
		return
	}
	s.online = online
	subs := make([]subscriber, len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.fn(online)
	}
}

// Subscribe implements Gate.
func (s *Signal) Subscribe(fn func(online bool)) func() {
	if fn == nil {
		return func() {}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.subs = append(s.subs, subscriber{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, sub := range s.subs {
				if sub.id == id {
					s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
					return
				}
			}
		})
	}
}
