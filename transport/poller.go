// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package transport

import (
	"slices"
	"sync"
	"time"
)

// Events is a bit set of socket readiness conditions.
type Events byte

const (
	PollIn  Events = 1 << iota // a message may be received
	PollOut                    // a message may be sent
)

func (e Events) String() string {
	switch e {
	case 0:
		return "none"
	case PollIn:
		return "in"
	case PollOut:
		return "out"
	case PollIn | PollOut:
		return "in|out"
	default:
		return "invalid"
	}
}

// Watchers is a set of notification channels for a socket. A socket calls
// Notify whenever its readiness may have changed.
type Watchers struct {
	μ  sync.Mutex
	ws []chan<- struct{}
}

// Add adds ch to the watch set.
func (w *Watchers) Add(ch chan<- struct{}) {
	w.μ.Lock()
	defer w.μ.Unlock()
	if !slices.Contains(w.ws, ch) {
		w.ws = append(w.ws, ch)
	}
}

// Remove removes ch from the watch set.
func (w *Watchers) Remove(ch chan<- struct{}) {
	w.μ.Lock()
	defer w.μ.Unlock()
	w.ws = slices.DeleteFunc(w.ws, func(c chan<- struct{}) bool { return c == ch })
}

// Notify wakes up every watcher without blocking.
func (w *Watchers) Notify() {
	w.μ.Lock()
	defer w.μ.Unlock()
	for _, ch := range w.ws {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// A Ready records a socket and the conditions that are satisfied for it.
type Ready struct {
	Socket Socket
	Events Events
}

// A Poller waits for readiness conditions on a set of sockets.
// A Poller is not safe for concurrent use by multiple goroutines.
type Poller struct {
	socks  []Socket
	events []Events
	wake   chan struct{}
}

// NewPoller constructs an empty poller.
func NewPoller() *Poller { return &Poller{wake: make(chan struct{}, 1)} }

// Add registers s with p to watch for the specified events. If s is already
// registered, its events are replaced.
func (p *Poller) Add(s Socket, events Events) {
	if i := slices.Index(p.socks, s); i >= 0 {
		p.events[i] = events
		return
	}
	p.socks = append(p.socks, s)
	p.events = append(p.events, events)
	s.Watchers().Add(p.wake)
}

// Remove removes s from p. It is a no-op if s is not registered.
func (p *Poller) Remove(s Socket) {
	i := slices.Index(p.socks, s)
	if i < 0 {
		return
	}
	p.socks = slices.Delete(p.socks, i, i+1)
	p.events = slices.Delete(p.events, i, i+1)
	s.Watchers().Remove(p.wake)
}

// Len reports the number of sockets registered with p.
func (p *Poller) Len() int { return len(p.socks) }

// Poll waits up to timeout for at least one registered socket to become
// ready, and returns the ready sockets in registration order. A zero timeout
// checks without waiting, and a negative timeout waits indefinitely.
func (p *Poller) Poll(timeout time.Duration) []Ready {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	for {
		if rs := p.check(); len(rs) != 0 || timeout == 0 {
			return rs
		}
		select {
		case <-p.wake:
		case <-expired:
			return p.check()
		}
	}
}

func (p *Poller) check() []Ready {
	var out []Ready
	for i, s := range p.socks {
		var ev Events
		if p.events[i]&PollIn != 0 && s.Readable() {
			ev |= PollIn
		}
		if p.events[i]&PollOut != 0 && s.Writable() {
			ev |= PollOut
		}
		if ev != 0 {
			out = append(out, Ready{Socket: s, Events: ev})
		}
	}
	return out
}
