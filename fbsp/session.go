// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package fbsp

import (
	"maps"
	"slices"

	"github.com/creachadair/butler"
	"github.com/creachadair/butler/dataframe"
	"github.com/google/uuid"
)

// Session is an FBSP session.
type Session = butler.Session[PeerState]

// PeerState is the protocol state of an FBSP session. The zero value is ready
// for use.
type PeerState struct {
	// Greeting is the HELLO or WELCOME received from the peer, or nil.
	Greeting *Message

	requests map[Token]*Message
	handles  map[int]*Message
}

// NoteRequest records msg so that it can later be found by its token.
func (p *PeerState) NoteRequest(msg *Message) {
	if p.requests == nil {
		p.requests = make(map[Token]*Message)
	}
	p.requests[msg.Token] = msg
}

// RequestDone forgets the request with the given token, and its handle if it
// was assigned one. It reports whether the request was known.
func (p *PeerState) RequestDone(token Token) bool {
	msg, ok := p.requests[token]
	if !ok {
		return false
	}
	if msg.handle != 0 {
		delete(p.handles, msg.handle)
		msg.handle = 0
	}
	delete(p.requests, token)
	return true
}

// Request returns the noted request with the given token, or nil.
func (p *PeerState) Request(token Token) *Message { return p.requests[token] }

// RequestByHandle returns the noted request with handle h, or nil.
func (p *PeerState) RequestByHandle(h int) *Message { return p.handles[h] }

// Handle returns the handle of the noted request with the token of msg,
// assigning one if necessary. The handle is the smallest positive integer not
// in use, and is stable until the request is done. It panics if the request
// was not noted.
func (p *PeerState) Handle(msg *Message) int {
	req, ok := p.requests[msg.Token]
	if !ok {
		panic("fbsp: handle for request that was not noted")
	}
	if req.handle == 0 {
		if p.handles == nil {
			p.handles = make(map[int]*Message)
		}
		h := 1
		for p.handles[h] != nil {
			h++
		}
		p.handles[h] = req
		req.handle = h
	}
	return req.handle
}

// IsHandleValid reports whether h is the handle of a noted request.
func (p *PeerState) IsHandleValid(h int) bool {
	_, ok := p.handles[h]
	return ok
}

// Requests returns the noted requests in token order.
func (p *PeerState) Requests() []*Message {
	keys := slices.SortedFunc(maps.Keys(p.requests), func(a, b Token) int {
		return slices.Compare(a[:], b[:])
	})
	out := make([]*Message, len(keys))
	for i, k := range keys {
		out[i] = p.requests[k]
	}
	return out
}

func (p *PeerState) peer() (dataframe.PeerIdentification, dataframe.AgentIdentification) {
	switch {
	case p.Greeting == nil:
	case p.Greeting.Hello != nil:
		return p.Greeting.Hello.Instance, p.Greeting.Hello.Client
	case p.Greeting.Welcome != nil:
		return p.Greeting.Welcome.Instance, p.Greeting.Welcome.Service
	}
	return dataframe.PeerIdentification{}, dataframe.AgentIdentification{}
}

// PeerID reports the instance uid of the peer, or uuid.Nil if it is unknown.
func (p *PeerState) PeerID() uuid.UUID {
	inst, _ := p.peer()
	id, err := uuid.FromBytes(inst.UID)
	if err != nil {
		return uuid.Nil
	}
	return id
}

// Host reports the host name of the peer.
func (p *PeerState) Host() string {
	inst, _ := p.peer()
	return inst.Host
}

// PID reports the process id of the peer.
func (p *PeerState) PID() uint32 {
	inst, _ := p.peer()
	return inst.PID
}

// AgentID reports the uid of the peer agent.
func (p *PeerState) AgentID() string {
	_, agent := p.peer()
	return agent.UID
}

// AgentName reports the name of the peer agent.
func (p *PeerState) AgentName() string {
	_, agent := p.peer()
	return agent.Name
}
