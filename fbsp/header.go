// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package fbsp

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/creachadair/butler"
)

const (
	// FourCC is the protocol identifier at the start of every header.
	FourCC = "FBSP"

	// Revision is the protocol revision implemented by this package.
	Revision = 1

	// HeaderLen is the length in bytes of a message header.
	HeaderLen = 16

	versionMask   = 7
	errorTypeMask = 31
)

// MsgType is the type of an FBSP message.
type MsgType byte

const (
	Unknown MsgType = 0
	Hello   MsgType = 1
	Welcome MsgType = 2
	Noop    MsgType = 3
	Request MsgType = 4
	Reply   MsgType = 5
	Data    MsgType = 6
	Cancel  MsgType = 7
	State   MsgType = 8
	Close   MsgType = 9
	Error   MsgType = 31
)

func (t MsgType) String() string {
	switch t {
	case Unknown:
		return "UNKNOWN"
	case Hello:
		return "HELLO"
	case Welcome:
		return "WELCOME"
	case Noop:
		return "NOOP"
	case Request:
		return "REQUEST"
	case Reply:
		return "REPLY"
	case Data:
		return "DATA"
	case Cancel:
		return "CANCEL"
	case State:
		return "STATE"
	case Close:
		return "CLOSE"
	case Error:
		return "ERROR"
	default:
		return fmt.Sprintf("TYPE:%d", byte(t))
	}
}

// IsValid reports whether t is a known message type other than Unknown.
func (t MsgType) IsValid() bool { return (t >= Hello && t <= Close) || t == Error }

// Flag is a bit set of message flags.
type Flag byte

const (
	AckReq   Flag = 1 << iota // the sender asks for an acknowledgement
	AckReply                  // the message is an acknowledgement
	More                      // more messages of a multi-part reply follow

	validFlags = AckReq | AckReply | More
)

func (f Flag) String() string {
	if f == 0 {
		return "-"
	}
	var s string
	for _, v := range []struct {
		f    Flag
		name string
	}{{AckReq, "ACK_REQ"}, {AckReply, "ACK_REPLY"}, {More, "MORE"}} {
		if f&v.f != 0 {
			if s != "" {
				s += "|"
			}
			s += v.name
		}
	}
	if rest := f &^ validFlags; rest != 0 {
		s += fmt.Sprintf("|0x%02x", byte(rest))
	}
	return s
}

// ErrorCode is an FBSP error code. ErrorCode values satisfy the error
// interface, so a message handler may return one to reply with that code.
type ErrorCode uint16

const (
	InvalidMessage          ErrorCode = 1
	ProtocolViolation       ErrorCode = 2
	BadRequest              ErrorCode = 3
	NotImplemented          ErrorCode = 4
	GenericError            ErrorCode = 5
	InternalServiceError    ErrorCode = 6
	RequestTimeout          ErrorCode = 7
	TooManyRequests         ErrorCode = 8
	FailedDependency        ErrorCode = 9
	Forbidden               ErrorCode = 10
	Unauthorized            ErrorCode = 11
	NotFound                ErrorCode = 12
	Gone                    ErrorCode = 13
	Conflict                ErrorCode = 14
	PayloadTooLarge         ErrorCode = 15
	InsufficientStorage     ErrorCode = 16
	ServiceUnavailable      ErrorCode = 2000
	FBSPVersionNotSupported ErrorCode = 2001

	// MaxErrorCode is the largest code that fits the type data of an ERROR.
	MaxErrorCode ErrorCode = 1<<11 - 1
)

var errorCodeNames = map[ErrorCode]string{
	InvalidMessage:          "INVALID_MESSAGE",
	ProtocolViolation:       "PROTOCOL_VIOLATION",
	BadRequest:              "BAD_REQUEST",
	NotImplemented:          "NOT_IMPLEMENTED",
	GenericError:            "ERROR",
	InternalServiceError:    "INTERNAL_SERVICE_ERROR",
	RequestTimeout:          "REQUEST_TIMEOUT",
	TooManyRequests:         "TOO_MANY_REQUESTS",
	FailedDependency:        "FAILED_DEPENDENCY",
	Forbidden:               "FORBIDDEN",
	Unauthorized:            "UNAUTHORIZED",
	NotFound:                "NOT_FOUND",
	Gone:                    "GONE",
	Conflict:                "CONFLICT",
	PayloadTooLarge:         "PAYLOAD_TOO_LARGE",
	InsufficientStorage:     "INSUFFICIENT_STORAGE",
	ServiceUnavailable:      "SERVICE_UNAVAILABLE",
	FBSPVersionNotSupported: "FBSP_VERSION_NOT_SUPPORTED",
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

// IsFatal reports whether c indicates that the connection should end.
func (c ErrorCode) IsFatal() bool { return c >= ServiceUnavailable }

// A Token is the 8-byte correlation value of a message.
type Token [8]byte

// IsZero reports whether t is all zeroes.
func (t Token) IsZero() bool { return t == Token{} }

func (t Token) String() string { return hex.EncodeToString(t[:]) }

// TokenFrom returns a token with the bytes of b. Bytes beyond the length of a
// token are ignored; a shorter b is padded with zeroes.
func TokenFrom(b []byte) Token {
	var t Token
	copy(t[:], b)
	return t
}

// A Header is the fixed-size first frame of every FBSP message.
type Header struct {
	Type     MsgType
	Flags    Flag
	TypeData uint16
	Token    Token
}

// Encode encodes h in binary format.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderLen)
	copy(buf, FourCC)
	buf[4] = byte(h.Type)<<3 | Revision
	buf[5] = byte(h.Flags)
	binary.BigEndian.PutUint16(buf[6:], h.TypeData)
	copy(buf[8:], h.Token[:])
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
		Token:    TokenFrom(buf[8:]),
	}
	if !h.Type.IsValid() {
		return Header{}, butler.InvalidMessage("illegal message type %d", byte(h.Type))
	}
	return h, nil
}

// RequestCode returns the type data of a REQUEST for the given interface
// number and API code.
func RequestCode(iface, api byte) uint16 { return uint16(iface)<<8 | uint16(api) }

// ErrorTypeData returns the type data of an ERROR with the given code, in
// reply to a message of the given type. The code must not exceed
// MaxErrorCode.
func ErrorTypeData(code ErrorCode, relatesTo MsgType) uint16 {
	return uint16(code)<<5 | uint16(relatesTo)&errorTypeMask
}
