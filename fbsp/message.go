// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package fbsp

import (
	"fmt"
	"strings"

	"github.com/creachadair/butler/dataframe"
)

// A Message is a parsed FBSP message. The data frames that carry a typed
// payload for the message type are decoded into the corresponding field; the
// remaining frames are kept in Data.
type Message struct {
	Header

	Hello   *dataframe.Hello            // HELLO
	Welcome *dataframe.Welcome          // WELCOME
	Cancel  *dataframe.CancelRequests   // CANCEL
	State   *dataframe.StateInformation // STATE
	Errors  []dataframe.ErrorDescription // ERROR

	// Data are the data frames not decoded into a typed field.
	Data [][]byte

	handle int // request handle, assigned by PeerState.Handle
}

// NewMessage constructs a message with the given header fields and no data.
func NewMessage(t MsgType, token Token, typeData uint16, flags Flag) *Message {
	return &Message{Header: Header{Type: t, Flags: flags, TypeData: typeData, Token: token}}
}

// Encode encodes m as a sequence of frames.
func (m *Message) Encode() [][]byte {
	frames := [][]byte{m.Header.Encode()}
	switch {
	case m.Hello != nil:
		frames = append(frames, m.Hello.Encode())
	case m.Welcome != nil:
		frames = append(frames, m.Welcome.Encode())
	case m.Cancel != nil:
		frames = append(frames, m.Cancel.Encode())
	case m.State != nil:
		frames = append(frames, m.State.Encode())
	}
	for _, e := range m.Errors {
		frames = append(frames, e.Encode())
	}
	return append(frames, m.Data...)
}

// HasFlag reports whether all the flags in f are set on m.
func (m *Message) HasFlag(f Flag) bool { return m.Flags&f == f }

// SetFlag sets the flags in f on m.
func (m *Message) SetFlag(f Flag) { m.Flags |= f }

// ClearFlag clears the flags in f on m.
func (m *Message) ClearFlag(f Flag) { m.Flags &^= f }

// InterfaceID reports the interface number of a REQUEST or REPLY.
func (m *Message) InterfaceID() byte { return byte(m.TypeData >> 8) }

// APICode reports the API code of a REQUEST or REPLY.
func (m *Message) APICode() byte { return byte(m.TypeData) }

// ErrorCode reports the error code of an ERROR.
func (m *Message) ErrorCode() ErrorCode { return ErrorCode(m.TypeData >> 5) }

// RelatesTo reports the type of the message an ERROR replies to.
func (m *Message) RelatesTo() MsgType { return MsgType(m.TypeData & errorTypeMask) }

// SetError sets the error code and related message type of an ERROR.
func (m *Message) SetError(code ErrorCode, relatesTo MsgType) {
	m.TypeData = ErrorTypeData(code, relatesTo)
}

// AddError appends an error description to m.
func (m *Message) AddError(code uint64, description string) {
	m.Errors = append(m.Errors, dataframe.ErrorDescription{Code: code, Description: description})
}

// Handle reports the request handle assigned to m, or 0.
func (m *Message) Handle() int { return m.handle }

func (m *Message) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%v[token=%v, flags=%v", m.Type, m.Token, m.Flags)
	switch m.Type {
	case Request, Reply:
		fmt.Fprintf(&sb, ", iface=%d, api=%d", m.InterfaceID(), m.APICode())
	case Error:
		fmt.Fprintf(&sb, ", code=%v, relates=%v", m.ErrorCode(), m.RelatesTo())
	default:
		if m.TypeData != 0 {
			fmt.Fprintf(&sb, ", data=%d", m.TypeData)
		}
	}
	switch {
	case m.Hello != nil:
		fmt.Fprintf(&sb, ", %v", m.Hello)
	case m.Welcome != nil:
		fmt.Fprintf(&sb, ", %v", m.Welcome)
	case m.Cancel != nil:
		fmt.Fprintf(&sb, ", cancel=%x", m.Cancel.Token)
	case m.State != nil:
		fmt.Fprintf(&sb, ", state=%v", m.State.State)
	}
	for _, e := range m.Errors {
		fmt.Fprintf(&sb, ", %v", e)
	}
	if len(m.Data) != 0 {
		fmt.Fprintf(&sb, ", %d data frames", len(m.Data))
	}
	sb.WriteString("]")
	return sb.String()
}
