// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package stream provides helpers for FBSP requests whose reply is a stream
// of payloads rather than a single message.
//
// The service answers the request with a REPLY carrying the MORE flag, then
// sends each payload in a DATA message with the MORE flag, and ends the
// stream with a DATA message without the flag and without payload. If the
// stream fails, the service sends an ERROR for the request instead.
package stream

import (
	"context"
	"iter"
	"time"

	"github.com/creachadair/butler/fbsp"
	"github.com/creachadair/butler/handler"
)

// HandlerFunc yields a stream of reply payloads for a request. The returned
// iterator is expected to only yield a non-nil error as its final element,
// following zero or more error-free tuples.
type HandlerFunc func(ctx context.Context, req *fbsp.Message) iter.Seq2[[]byte, error]

// Handle registers fn on svc to handle a REQUEST for the given interface
// number and API code with a streamed reply.
func Handle(svc *fbsp.Service, iface, api byte, fn HandlerFunc) {
	svc.HandleRequest(iface, api, Adapt(svc, fn))
}

// Adapt adapts fn into an fbsp.HandlerFunc that sends the stream via svc.
// The context passed to fn carries the request and session, as with the
// adapters of package handler.
func Adapt(svc handler.Sender, fn HandlerFunc) fbsp.HandlerFunc {
	return handler.WithContext(func(ctx context.Context, s *fbsp.Session, req *fbsp.Message) error {
		head := fbsp.ReplyFor(req)
		head.SetFlag(fbsp.More)
		if _, err := svc.Send(head, s); err != nil {
			return err
		}
		for payload, err := range fn(ctx, req) {
			if err != nil {
				return err
			}
			msg := fbsp.DataFor(req)
			msg.SetFlag(fbsp.More)
			msg.Data = [][]byte{payload}
			if _, err := svc.Send(msg, s); err != nil {
				return err
			}
			if s.Discarded {
				return nil
			}
		}
		_, err := svc.Send(fbsp.DataFor(req), s)
		return err
	})
}

// Call sends a REQUEST via cli and yields the payloads of the streamed reply.
// Each message of the stream must arrive within timeout of the previous one.
//
// The returned iterator yields zero or more (bs, nil) values. If the call
// ends unsuccessfully, the iterator ends the stream with a final (nil, err)
// tuple; an ERROR from the service is reported as a *fbsp.ServiceError.
//
// While the iterator runs, Call replaces the handlers of cli for the REPLY
// to the request and for DATA messages, and removes them when it is done.
func Call(cli *fbsp.Client, iface, api byte, timeout time.Duration, data ...[]byte) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		var tok fbsp.Token
		var pending [][]byte
		done := false
		cli.HandleReply(iface, api, func(_ *fbsp.Session, msg *fbsp.Message) error {
			if msg.Token == tok {
				pending = append(pending, msg.Data...)
				done = !msg.HasFlag(fbsp.More)
			}
			return nil
		})
		cli.Handle(fbsp.Data, func(_ *fbsp.Session, msg *fbsp.Message) error {
			if msg.Token == tok {
				pending = append(pending, msg.Data...)
				done = !msg.HasFlag(fbsp.More)
			}
			return nil
		})
		defer func() {
			cli.HandleReply(iface, api, nil)
			cli.Handle(fbsp.Data, nil)
		}()

		var err error
		tok, err = cli.Request(iface, api, data...)
		if err != nil {
			yield(nil, err)
			return
		}
		for {
			ok, err := cli.GetResponse(tok, timeout)
			if err != nil {
				yield(nil, err)
				return
			}
			for len(pending) != 0 {
				next := pending[0]
				pending = pending[1:]
				if !yield(next, nil) {
					return
				}
			}
			if done {
				return
			} else if !ok {
				yield(nil, context.DeadlineExceeded)
				return
			}
		}
	}
}
