// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package handler provides adapters from functions with other signatures to
// the fbsp.HandlerFunc type, for use with fbsp.Service.HandleRequest.
//
// The parameter of an adapted function is decoded from the first data frame
// of the REQUEST; a request without data frames decodes from empty input.
// The result is encoded as the single data frame of a REPLY.
//
// A parameter type is []byte, string, or a type whose pointer implements
// encoding.BinaryUnmarshaler or encoding.TextUnmarshaler. A result type is
// []byte, string, or implements the matching marshaler interface.
//
// An error returned by the function is reported to the client as an ERROR.
// To choose the error code, return an error with a Code method, such as an
// fbsp.ErrorCode or a *butler.StopError.
package handler

import (
	"bytes"
	"context"
	"encoding"
	"fmt"

	"github.com/creachadair/butler/fbsp"
	"github.com/creachadair/mds/value"
)

// A Sender sends a message to the peer of a session. *fbsp.Service
// implements this interface.
type Sender interface {
	Send(msg *fbsp.Message, s *fbsp.Session) (bool, error)
}

type reqContextKey struct{}

type reqInfo struct {
	req *fbsp.Message
	s   *fbsp.Session
}

// ContextRequest returns the REQUEST being handled in ctx, or nil. Functions
// adapted by this package receive such a context.
func ContextRequest(ctx context.Context) *fbsp.Message {
	if v, ok := ctx.Value(reqContextKey{}).(reqInfo); ok {
		return v.req
	}
	return nil
}

// ContextSession returns the session of the client that sent the request, or
// nil if ctx has no associated request.
func ContextSession(ctx context.Context) *fbsp.Session {
	if v, ok := ctx.Value(reqContextKey{}).(reqInfo); ok {
		return v.s
	}
	return nil
}

func requestContext(s *fbsp.Session, req *fbsp.Message) context.Context {
	return context.WithValue(context.Background(), reqContextKey{}, reqInfo{req: req, s: s})
}

// WithContext adapts f to an fbsp.HandlerFunc. The context passed to f
// carries the request and session.
func WithContext(f func(context.Context, *fbsp.Session, *fbsp.Message) error) fbsp.HandlerFunc {
	return func(s *fbsp.Session, req *fbsp.Message) error {
		return f(requestContext(s, req), s, req)
	}
}

func param(req *fbsp.Message) []byte {
	if len(req.Data) == 0 {
		return nil
	}
	return req.Data[0]
}

// reply sends a REPLY to req carrying the encoding of r.
func reply(svc Sender, s *fbsp.Session, req *fbsp.Message, r any) error {
	data, err := marshal(r)
	if err != nil {
		return err
	}
	msg := fbsp.ReplyFor(req)
	if data != nil {
		msg.Data = [][]byte{data}
	}
	_, err = svc.Send(msg, s)
	return err
}

// ParamResultError returns a handler that decodes a P from the request, calls
// f, and replies through svc with the encoded result.
func ParamResultError[P, R any](svc Sender, f func(context.Context, P) (R, error)) fbsp.HandlerFunc {
	return func(s *fbsp.Session, req *fbsp.Message) error {
		var p P
		if err := unmarshal(param(req), &p); err != nil {
			return err
		}
		r, err := f(requestContext(s, req), p)
		if err != nil {
			return err
		}
		return reply(svc, s, req, r)
	}
}

// ParamResult is like ParamResultError for a function that cannot fail.
func ParamResult[P, R any](svc Sender, f func(context.Context, P) R) fbsp.HandlerFunc {
	return func(s *fbsp.Session, req *fbsp.Message) error {
		var p P
		if err := unmarshal(param(req), &p); err != nil {
			return err
		}
		return reply(svc, s, req, f(requestContext(s, req), p))
	}
}

// ParamError returns a handler for a function with a parameter and no result.
// On success the REPLY has no data frames.
func ParamError[P any](svc Sender, f func(context.Context, P) error) fbsp.HandlerFunc {
	return func(s *fbsp.Session, req *fbsp.Message) error {
		var p P
		if err := unmarshal(param(req), &p); err != nil {
			return err
		}
		if err := f(requestContext(s, req), p); err != nil {
			return err
		}
		return reply(svc, s, req, []byte(nil))
	}
}

// ResultError returns a handler for a function that ignores the request data.
func ResultError[R any](svc Sender, f func(context.Context) (R, error)) fbsp.HandlerFunc {
	return func(s *fbsp.Session, req *fbsp.Message) error {
		r, err := f(requestContext(s, req))
		if err != nil {
			return err
		}
		return reply(svc, s, req, r)
	}
}

// ResultOnly is like ResultError for a function that cannot fail.
func ResultOnly[R any](svc Sender, f func(context.Context) R) fbsp.HandlerFunc {
	return func(s *fbsp.Session, req *fbsp.Message) error {
		return reply(svc, s, req, f(requestContext(s, req)))
	}
}

// unmarshal decodes a request parameter frame into v, which must point to a
// []byte or string or implement one of the standard unmarshaler interfaces.
// The binary form wins when both are present.
func unmarshal(data []byte, v any) error {
	if bu, ok := v.(encoding.BinaryUnmarshaler); ok {
		return bu.UnmarshalBinary(data)
	} else if tu, ok := v.(encoding.TextUnmarshaler); ok {
		return tu.UnmarshalText(data)
	}
	switch p := v.(type) {
	case *[]byte:
		*p = bytes.Clone(data)
	case *string:
		*p = string(data)
	default:
		return fmt.Errorf("handler: unsupported parameter type %T", v)
	}
	return nil
}

// marshal encodes a result value as a reply frame. Nil pointers to []byte or
// string encode as no frame.
func marshal(v any) ([]byte, error) {
	switch r := v.(type) {
	case []byte:
		return r, nil
	case string:
		return []byte(r), nil
	case *[]byte:
		return value.At(r), nil
	case *string:
		if r == nil {
			return nil, nil
		}
		return []byte(*r), nil
	case encoding.BinaryMarshaler:
		return r.MarshalBinary()
	case encoding.TextMarshaler:
		return r.MarshalText()
	}
	return nil, fmt.Errorf("handler: unsupported result type %T", v)
}
