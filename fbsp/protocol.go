// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package fbsp

import (
	"slices"

	"github.com/creachadair/butler"
	"github.com/creachadair/butler/dataframe"
)

// Protocol implements the [butler.Protocol] interface for FBSP.
// The zero value is ready for use.
type Protocol struct{}

// Default is the shared Protocol value.
var Default Protocol

var (
	serviceMessages = []MsgType{Error, Welcome, Noop, Reply, Data, State, Close}
	clientMessages  = []MsgType{Hello, Noop, Request, Cancel, Data, Close}

	// Messages either side may send as an acknowledgement.
	validAck = []MsgType{Noop, Request, Reply, Data, State, Cancel}

	// Message types an ERROR may relate to.
	errorRelates = []MsgType{Hello, Noop, Request, Data, Cancel, Close}
)

// CanRelateTo reports whether an ERROR may reply to a message of type t.
func CanRelateTo(t MsgType) bool { return slices.Contains(errorRelates, t) }

// HasGreeting implements a method of [butler.Protocol].
// FBSP peers must open with HELLO or WELCOME.
func (Protocol) HasGreeting() bool { return true }

// Validate implements a method of [butler.Protocol].
func (p Protocol) Validate(frames [][]byte, origin butler.Origin, greeting bool) error {
	msg, err := p.Parse(frames)
	if err != nil {
		return err
	}
	return checkOrigin(msg, origin, greeting)
}

func checkOrigin(msg *Message, origin butler.Origin, greeting bool) error {
	if greeting {
		switch {
		case msg.Type == Hello && origin == butler.OriginClient:
		case msg.Type == Welcome && origin == butler.OriginService:
		default:
			return butler.InvalidMessage("%v from %v is not a valid greeting", msg.Type, origin)
		}
	}
	var allowed []MsgType
	switch origin {
	case butler.OriginService:
		allowed = serviceMessages
	case butler.OriginClient:
		allowed = clientMessages
	default:
		return nil
	}
	if !slices.Contains(allowed, msg.Type) {
		if !msg.HasFlag(AckReply) {
			return butler.InvalidMessage("%v not allowed from %v", msg.Type, origin)
		} else if !slices.Contains(validAck, msg.Type) {
			return butler.InvalidMessage("%v is not a valid acknowledgement", msg.Type)
		}
	}
	return nil
}

type validator interface {
	UnmarshalBinary([]byte) error
	Validate() error
}

func decodeFrame[T any, P interface {
	*T
	validator
}](what string, frame []byte) (*T, error) {
	v := P(new(T))
	if err := v.UnmarshalBinary(frame); err != nil {
		return nil, butler.InvalidMessage("invalid %s data frame: %w", what, err)
	} else if err := v.Validate(); err != nil {
		return nil, butler.InvalidMessage("invalid %s data frame: %w", what, err)
	}
	return (*T)(v), nil
}

// Parse implements a method of [butler.Protocol]. It reports an error of
// concrete type *butler.InvalidMessageError if frames are not a well-formed
// FBSP message.
func (Protocol) Parse(frames [][]byte) (*Message, error) {
	if len(frames) == 0 {
		return nil, butler.InvalidMessage("empty message")
	}
	hdr, err := ParseHeader(frames[0])
	if err != nil {
		return nil, err
	}
	msg := &Message{Header: hdr}
	data := frames[1:]

	needFrames := func(n int) error {
		if len(data) != n {
			return butler.InvalidMessage("%v has %d data frames, want %d", hdr.Type, len(data), n)
		}
		return nil
	}
	switch hdr.Type {
	case Hello:
		if err := needFrames(1); err != nil {
			return nil, err
		}
		msg.Hello, err = decodeFrame[dataframe.Hello]("HELLO", data[0])
		data = nil
	case Welcome:
		if err := needFrames(1); err != nil {
			return nil, err
		}
		msg.Welcome, err = decodeFrame[dataframe.Welcome]("WELCOME", data[0])
		data = nil
	case Noop:
		if len(data) != 0 {
			return nil, butler.InvalidMessage("NOOP must not have data frames")
		}
	case Request:
		if hdr.TypeData == 0 {
			return nil, butler.InvalidMessage("REQUEST has no request code")
		}
	case Cancel:
		if err := needFrames(1); err != nil {
			return nil, err
		}
		msg.Cancel, err = decodeFrame[dataframe.CancelRequests]("CANCEL", data[0])
		data = nil
	case State:
		if hdr.TypeData == 0 {
			return nil, butler.InvalidMessage("STATE has no request code")
		} else if err := needFrames(1); err != nil {
			return nil, err
		}
		var st dataframe.StateInformation
		if err := st.UnmarshalBinary(data[0]); err != nil {
			return nil, butler.InvalidMessage("invalid STATE data frame: %w", err)
		}
		msg.State, data = &st, nil
	case Error:
		if msg.ErrorCode() == 0 {
			return nil, butler.InvalidMessage("ERROR has no error code")
		} else if !CanRelateTo(msg.RelatesTo()) {
			return nil, butler.InvalidMessage("ERROR cannot relate to %v", msg.RelatesTo())
		}
		for i, frame := range data {
			e, err := decodeFrame[dataframe.ErrorDescription]("ERROR", frame)
			if err != nil {
				return nil, err
			} else if e.Code == 0 {
				return nil, butler.InvalidMessage("ERROR description %d has no code", i+1)
			}
			msg.Errors = append(msg.Errors, *e)
		}
		data = nil
	}
	if err != nil {
		return nil, err
	}
	msg.Data = data
	return msg, nil
}

// AckFor returns an acknowledgement of msg: a message of the same type,
// token and type data, with ACK_REQ cleared and ACK_REPLY set.
func AckFor(msg *Message) *Message {
	reply := NewMessage(msg.Type, msg.Token, msg.TypeData, msg.Flags)
	reply.ClearFlag(AckReq)
	reply.SetFlag(AckReply)
	return reply
}

// WelcomeReply returns a WELCOME in reply to hello, announcing w.
func WelcomeReply(hello *Message, w dataframe.Welcome) *Message {
	msg := NewMessage(Welcome, hello.Token, 0, 0)
	msg.Welcome = &w
	return msg
}

// ErrorFor returns an ERROR with the given code in reply to msg.
func ErrorFor(msg *Message, code ErrorCode) *Message {
	err := NewMessage(Error, msg.Token, 0, 0)
	err.SetError(code, msg.Type)
	return err
}

// ReplyFor returns a REPLY to a REQUEST.
func ReplyFor(req *Message) *Message { return NewMessage(Reply, req.Token, req.TypeData, 0) }

// StateFor returns a STATE report relating to a REQUEST.
func StateFor(req *Message, state dataframe.State) *Message {
	msg := NewMessage(State, req.Token, req.TypeData, 0)
	msg.State = &dataframe.StateInformation{State: state}
	return msg
}

// DataFor returns a DATA message relating to a REQUEST.
func DataFor(req *Message) *Message { return NewMessage(Data, req.Token, 0, 0) }

// RequestFor returns a REQUEST for the given interface number and API code.
func RequestFor(iface, api byte, token Token) *Message {
	return NewMessage(Request, token, RequestCode(iface, api), 0)
}
