// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package butler

import (
	"errors"
	"fmt"
)

// ErrNoSession is reported when a message for a routed channel has no
// session to supply its routing id.
var ErrNoSession = errors.New("no session for routed message")

// A ChannelError reports misuse of a channel endpoint, such as binding a
// connected channel or closing an endpoint that is not open.
type ChannelError struct {
	Op       string // the operation attempted
	Endpoint string // the endpoint involved, if any
	Message  string // a description of the problem
}

func (c *ChannelError) Error() string {
	if c.Endpoint == "" {
		return fmt.Sprintf("%s: %s", c.Op, c.Message)
	}
	return fmt.Sprintf("%s %q: %s", c.Op, c.Endpoint, c.Message)
}

// An InvalidMessageError reports a message that does not conform to the wire
// format or the rules of its protocol.
type InvalidMessageError struct {
	Err error
}

// InvalidMessage returns an *InvalidMessageError with a formatted message.
func InvalidMessage(msg string, args ...any) error {
	return &InvalidMessageError{Err: fmt.Errorf(msg, args...)}
}

func (e *InvalidMessageError) Error() string { return "invalid message: " + e.Err.Error() }

// Unwrap supports error wrapping.
func (e *InvalidMessageError) Unwrap() error { return e.Err }

// A StopError is reported by an application callback to end an exchange with
// a specific protocol error code.
type StopError struct {
	Message string
	Value   uint32 // the protocol error code; 0 means the protocol default
	Err     error  // an underlying cause, or nil
}

// Stop returns a *StopError with the given code and message.
func Stop(code uint32, msg string) *StopError { return &StopError{Message: msg, Value: code} }

func (s *StopError) Error() string {
	if s.Err != nil {
		return s.Message + ": " + s.Err.Error()
	}
	return s.Message
}

// Code reports the protocol error code carried by s.
func (s *StopError) Code() uint32 { return s.Value }

// Unwrap supports error wrapping.
func (s *StopError) Unwrap() error { return s.Err }

// ErrorCode reports the protocol error code carried by err or any error it
// wraps, and whether one was found. An error carries a code if it has a
// method
//
//	Code() uint32
//
// that returns a nonzero value.
func ErrorCode(err error) (uint32, bool) {
	for e := err; e != nil; e = errors.Unwrap(e) {
		if c, ok := e.(interface{ Code() uint32 }); ok && c.Code() != 0 {
			return c.Code(), true
		}
	}
	return 0, false
}
