// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package fbdp implements the Firebird Butler Data Pipe Protocol, which
// transfers a stream of DATA messages between a pipe server and a client in
// batches negotiated with READY messages.
package fbdp

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/creachadair/butler"
	"github.com/creachadair/butler/dataframe"
)

const (
	// FourCC is the protocol identifier at the start of every header.
	FourCC = "FBDP"

	// Revision is the protocol revision implemented by this package.
	Revision = 1

	// HeaderLen is the length in bytes of a message header.
	HeaderLen = 8

	versionMask = 7
)

// MsgType is the type of an FBDP message.
type MsgType byte

const (
	Unknown MsgType = iota
	Open            // initial message from the client
	Ready           // transfer negotiation
	Noop            // keep-alive
	Data            // user data
	Close           // the sender is closing the pipe
)

func (t MsgType) String() string {
	switch t {
	case Unknown:
		return "UNKNOWN"
	case Open:
		return "OPEN"
	case Ready:
		return "READY"
	case Noop:
		return "NOOP"
	case Data:
		return "DATA"
	case Close:
		return "CLOSE"
	default:
		return fmt.Sprintf("TYPE:%d", byte(t))
	}
}

// Flag is a bit set of message flags.
type Flag byte

const (
	AckReq   Flag = 1 << iota // the sender asks for an acknowledgement
	AckReply                  // the message is an acknowledgement

	validFlags = AckReq | AckReply
)

func (f Flag) String() string {
	switch f {
	case 0:
		return "-"
	case AckReq:
		return "ACK_REQ"
	case AckReply:
		return "ACK_REPLY"
	case AckReq | AckReply:
		return "ACK_REQ|ACK_REPLY"
	}
	return fmt.Sprintf("0x%02x", byte(f))
}

// ErrorCode is the reason for closing a pipe, carried in the type data of a
// CLOSE message. ErrorCode values satisfy the error interface, so a callback
// may return one to close the pipe with that code.
type ErrorCode uint16

const (
	OK                      ErrorCode = 0
	InvalidMessage          ErrorCode = 1
	ProtocolViolation       ErrorCode = 2
	GenericError            ErrorCode = 3
	InternalError           ErrorCode = 4
	InvalidData             ErrorCode = 5
	Timeout                 ErrorCode = 6
	PipeEndpointUnavailable ErrorCode = 100
	FBDPVersionNotSupported ErrorCode = 101
	NotImplemented          ErrorCode = 102
	DataFormatNotSupported  ErrorCode = 103
)

var errorCodeNames = map[ErrorCode]string{
	OK:                      "OK",
	InvalidMessage:          "INVALID_MESSAGE",
	ProtocolViolation:       "PROTOCOL_VIOLATION",
	GenericError:            "ERROR",
	InternalError:           "INTERNAL_ERROR",
	InvalidData:             "INVALID_DATA",
	Timeout:                 "TIMEOUT",
	PipeEndpointUnavailable: "PIPE_ENDPOINT_UNAVAILABLE",
	FBDPVersionNotSupported: "FBDP_VERSION_NOT_SUPPORTED",
	NotImplemented:          "NOT_IMPLEMENTED",
	DataFormatNotSupported:  "DATA_FORMAT_NOT_SUPPORTED",
}

func (c ErrorCode) String() string {
	if s, ok := errorCodeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("CODE:%d", uint16(c))
}

// Error implements the error interface.
func (c ErrorCode) Error() string { return c.String() }

// Code reports c as a protocol error code.
func (c ErrorCode) Code() uint32 { return uint32(c) }

// A Header is the fixed-size first frame of every FBDP message.
type Header struct {
	Type     MsgType
	Flags    Flag
	TypeData uint16
}

// Encode encodes h in binary format.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderLen)
	copy(buf, FourCC)
	buf[4] = byte(h.Type)<<3 | Revision
	buf[5] = byte(h.Flags)
	binary.BigEndian.PutUint16(buf[6:], h.TypeData)
	return buf
}

// ParseHeader decodes and checks a message header.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) != HeaderLen {
		return Header{}, butler.InvalidMessage("header length %d, want %d", len(buf), HeaderLen)
	} else if string(buf[:4]) != FourCC {
		return Header{}, butler.InvalidMessage("invalid FourCC %q", buf[:4])
	} else if v := buf[4] & versionMask; v != Revision {
		return Header{}, butler.InvalidMessage("unsupported protocol revision %d", v)
	} else if f := Flag(buf[5]); f&^validFlags != 0 {
		return Header{}, butler.InvalidMessage("invalid flags 0x%02x", byte(f))
	}
	h := Header{
		Type:     MsgType(buf[4] >> 3),
		Flags:    Flag(buf[5]),
		TypeData: binary.BigEndian.Uint16(buf[6:]),
	}
	if h.Type < Open || h.Type > Close {
		return Header{}, butler.InvalidMessage("illegal message type %d", byte(h.Type))
	}
	return h, nil
}

// A Message is a parsed FBDP message.
type Message struct {
	Header

	Open   *dataframe.Open              // OPEN
	Data   []byte                       // DATA payload, or nil
	Errors []dataframe.ErrorDescription // CLOSE
}

// NewMessage constructs a message with the given header fields.
func NewMessage(t MsgType, typeData uint16, flags Flag) *Message {
	return &Message{Header: Header{Type: t, Flags: flags, TypeData: typeData}}
}

// AckFor returns an acknowledgement of msg, with the same type and type
// data but no payload.
func AckFor(msg *Message) *Message {
	return NewMessage(msg.Type, msg.TypeData, msg.Flags&^AckReq|AckReply)
}

// Encode encodes m as a sequence of frames.
func (m *Message) Encode() [][]byte {
	frames := [][]byte{m.Header.Encode()}
	if m.Open != nil {
		frames = append(frames, m.Open.Encode())
	}
	if m.Data != nil {
		frames = append(frames, m.Data)
	}
	for _, e := range m.Errors {
		frames = append(frames, e.Encode())
	}
	return frames
}

// HasFlag reports whether all the flags in f are set on m.
func (m *Message) HasFlag(f Flag) bool { return m.Flags&f == f }

// SetFlag sets the flags in f on m.
func (m *Message) SetFlag(f Flag) { m.Flags |= f }

// ClearFlag clears the flags in f on m.
func (m *Message) ClearFlag(f Flag) { m.Flags &^= f }

// ErrorCode reports the error code of a CLOSE message.
func (m *Message) ErrorCode() ErrorCode { return ErrorCode(m.TypeData) }

// NoteError adds a description of err to a CLOSE message. The code of the
// description is the protocol code carried by err, if any. An error without
// text is described by the name of its code, or else of the code of m.
func (m *Message) NoteError(err error) {
	code, ok := butler.ErrorCode(err)
	text := err.Error()
	if text == "" {
		switch {
		case !ok:
			text = m.ErrorCode().String()
		case code <= math.MaxUint16:
			text = ErrorCode(code).String()
		default:
			text = fmt.Sprintf("CODE:%d", code)
		}
	}
	m.Errors = append(m.Errors, dataframe.ErrorDescription{Code: uint64(code), Description: text})
}

func (m *Message) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%v[flags=%v", m.Type, m.Flags)
	switch m.Type {
	case Ready:
		fmt.Fprintf(&sb, ", ready=%d", m.TypeData)
	case Close:
		fmt.Fprintf(&sb, ", code=%v", m.ErrorCode())
	default:
		if m.TypeData != 0 {
			fmt.Fprintf(&sb, ", data=%d", m.TypeData)
		}
	}
	if m.Open != nil {
		fmt.Fprintf(&sb, ", %v", m.Open)
	}
	if m.Data != nil {
		fmt.Fprintf(&sb, ", %d bytes", len(m.Data))
	}
	for _, e := range m.Errors {
		fmt.Fprintf(&sb, ", %v", e)
	}
	sb.WriteString("]")
	return sb.String()
}

// Protocol implements the [butler.Protocol] interface for FBDP.
// The zero value is ready for use.
type Protocol struct{}

// Default is the shared Protocol value.
var Default Protocol

// HasGreeting implements a method of [butler.Protocol].
func (Protocol) HasGreeting() bool { return true }

// Validate implements a method of [butler.Protocol]. A pipe client must open
// with OPEN, and a server with READY or CLOSE. Apart from the greeting, the
// origin of a message does not restrict its type.
func (p Protocol) Validate(frames [][]byte, origin butler.Origin, greeting bool) error {
	msg, err := p.Parse(frames)
	if err != nil {
		return err
	}
	if greeting {
		switch {
		case msg.Type == Open && origin == butler.OriginClient:
		case (msg.Type == Ready || msg.Type == Close) && origin == butler.OriginService:
		default:
			return butler.InvalidMessage("invalid greeting %v from %v", msg.Type, origin)
		}
	}
	return nil
}

// Parse implements a method of [butler.Protocol]. It reports an error of
// concrete type *butler.InvalidMessageError if frames are not a well-formed
// FBDP message.
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
	switch hdr.Type {
	case Open:
		if len(data) != 1 {
			return nil, butler.InvalidMessage("OPEN must have one data frame, got %d", len(data))
		}
		var o dataframe.Open
		if err := o.UnmarshalBinary(data[0]); err != nil {
			return nil, butler.InvalidMessage("invalid OPEN data frame: %w", err)
		} else if err := o.Validate(); err != nil {
			return nil, butler.InvalidMessage("invalid OPEN data frame: %w", err)
		}
		msg.Open = &o
	case Data:
		if len(data) > 1 {
			return nil, butler.InvalidMessage("DATA may have only one data frame, got %d", len(data))
		} else if len(data) == 1 {
			msg.Data = data[0]
			if msg.Data == nil {
				msg.Data = []byte{}
			}
		}
	case Close:
		for i, frame := range data {
			var e dataframe.ErrorDescription
			if err := e.UnmarshalBinary(frame); err != nil {
				return nil, butler.InvalidMessage("invalid CLOSE data frame %d: %w", i+1, err)
			} else if err := e.Validate(); err != nil {
				return nil, butler.InvalidMessage("invalid CLOSE data frame %d: %w", i+1, err)
			}
			msg.Errors = append(msg.Errors, e)
		}
	case Ready, Noop:
		if len(data) != 0 {
			return nil, butler.InvalidMessage("%v must not have data frames", hdr.Type)
		}
	}
	return msg, nil
}
