// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package fbsp

import (
	"errors"
	"fmt"
	"strings"

	"github.com/creachadair/butler"
	"github.com/creachadair/butler/dataframe"
)

// ErrServiceClosed is reported by a client whose service closed the session.
var ErrServiceClosed = errors.New("service closed the connection")

// ServiceError is the error reported to a client when its service replies
// with an ERROR message.
type ServiceError struct {
	Code      ErrorCode
	RelatesTo MsgType
	Errors    []dataframe.ErrorDescription
}

// ServiceErrorFor returns a *ServiceError describing the ERROR message msg.
func ServiceErrorFor(msg *Message) *ServiceError {
	return &ServiceError{Code: msg.ErrorCode(), RelatesTo: msg.RelatesTo(), Errors: msg.Errors}
}

func (e *ServiceError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%v, relates to %v", e.Code, e.RelatesTo)
	for _, d := range e.Errors {
		fmt.Fprintf(&sb, "\n#%d : %s", d.Code, d.Description)
	}
	return sb.String()
}

// Unwrap permits the error code of e to be matched with errors.Is.
func (e *ServiceError) Unwrap() error { return e.Code }

// ClientError is reported when a client cannot complete an exchange with its
// service for reasons other than an ERROR reply.
type ClientError struct {
	Message string
	Err     error
}

func (e *ClientError) Error() string {
	if e.Err == nil {
		return "client: " + e.Message
	}
	return fmt.Sprintf("client: %s: %v", e.Message, e.Err)
}

func (e *ClientError) Unwrap() error { return e.Err }

// CodeFor returns the ERROR code to report for err: the code it carries, or
// InternalServiceError if it has none or its code does not fit an ERROR.
func CodeFor(err error) ErrorCode {
	if c, ok := butler.ErrorCode(err); ok && c <= uint32(MaxErrorCode) {
		return ErrorCode(c)
	}
	return InternalServiceError
}

// NoteError adds descriptions of err and each error it wraps to the ERROR
// message errMsg. The code of each description is the error code carried by
// that error if it has one, otherwise the error code of errMsg. An error
// without text is described by the name of its code.
func NoteError(errMsg *Message, err error) {
	for e := err; e != nil; e = errors.Unwrap(e) {
		code, ok := butler.ErrorCode(e)
		if !ok {
			code = uint32(errMsg.ErrorCode())
		}
		text := errorText(e)
		if text == "" {
			text = codeName(code)
		}
		errMsg.AddError(uint64(code), text)
	}
}

func codeName(code uint32) string {
	if code <= uint32(MaxErrorCode) {
		return ErrorCode(code).String()
	}
	return fmt.Sprintf("CODE:%d", code)
}

// errorText returns the text of e without the text of the error it wraps, if
// that is a suffix of its own.
func errorText(e error) string {
	text := e.Error()
	if next := errors.Unwrap(e); next != nil {
		if rest, ok := strings.CutSuffix(text, next.Error()); ok {
			if t := strings.TrimRight(rest, ": "); t != "" {
				return t
			}
		}
	}
	return text
}
