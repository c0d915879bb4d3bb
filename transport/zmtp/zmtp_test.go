// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package zmtp_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/creachadair/butler/transport"
	"github.com/creachadair/butler/transport/zmtp"
	"github.com/google/go-cmp/cmp"
)

const loopback = "tcp://127.0.0.1:*"

func mustSocket(t *testing.T, ctx *zmtp.Context, kind transport.Kind, opts transport.Options) transport.Socket {
	t.Helper()
	s, err := ctx.NewSocket(kind, opts)
	if err != nil {
		t.Fatalf("NewSocket %v: %v", kind, err)
	}
	t.Cleanup(func() { s.Close(0) })
	return s
}

func mustBind(t *testing.T, s transport.Socket) string {
	t.Helper()
	addr, err := s.Bind(loopback)
	if err != nil {
		t.Fatalf("Bind %q: %v", loopback, err)
	}
	if strings.Contains(addr, "*") || !strings.HasPrefix(addr, "tcp://127.0.0.1:") {
		t.Fatalf("Bind %q: got %q, want a concrete address", loopback, addr)
	}
	return addr
}

func mustConnect(t *testing.T, s transport.Socket, addr string) {
	t.Helper()
	if err := s.Connect(addr, nil); err != nil {
		t.Fatalf("Connect %q: %v", addr, err)
	}
}

func frames(ss ...string) [][]byte {
	out := make([][]byte, len(ss))
	for i, s := range ss {
		out[i] = []byte(s)
	}
	return out
}

// send retries a message for as long as the socket reports it would block.
func send(t *testing.T, s transport.Socket, msg [][]byte) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		err := s.Send(msg, 0)
		if err == nil {
			return
		} else if !errors.Is(err, transport.ErrWouldBlock) || time.Now().After(deadline) {
			t.Fatalf("Send %q: %v", msg, err)
		}
	}
}

func checkRecv(t *testing.T, s transport.Socket, want ...string) {
	t.Helper()
	got, err := s.Recv(5 * time.Second)
	if err != nil {
		t.Fatalf("Recv: unexpected error: %v", err)
	}
	if diff := cmp.Diff(frames(want...), got); diff != "" {
		t.Errorf("Recv (-want, +got):\n%s", diff)
	}
}

func TestPushPull(t *testing.T) {
	ctx := zmtp.New(t.Context())
	pull := mustSocket(t, ctx, transport.Pull, transport.Options{})
	push := mustSocket(t, ctx, transport.Push, transport.Options{})

	addr := mustBind(t, pull)
	mustConnect(t, push, addr)

	send(t, push, frames("alpha", "beta"))
	checkRecv(t, pull, "alpha", "beta")

	if _, err := pull.Recv(0); !errors.Is(err, transport.ErrWouldBlock) {
		t.Errorf("Recv on empty queue: got %v, want %v", err, transport.ErrWouldBlock)
	}
	if err := pull.Send(frames("nope"), 0); err == nil {
		t.Error("Send on PULL socket: got nil, want error")
	}
}

func TestSendRetryOrder(t *testing.T) {
	ctx := zmtp.New(t.Context())
	pull := mustSocket(t, ctx, transport.Pull, transport.Options{})
	push := mustSocket(t, ctx, transport.Push, transport.Options{})

	addr := mustBind(t, pull)
	mustConnect(t, push, addr)

	// Zero-timeout sends that report ErrWouldBlock are retried. Each message
	// must arrive exactly once, in order.
	const n = 200
	for i := range n {
		send(t, push, frames(fmt.Sprintf("msg %d", i)))
	}
	for i := range n {
		checkRecv(t, pull, fmt.Sprintf("msg %d", i))
	}
	if got, err := pull.Recv(100 * time.Millisecond); !errors.Is(err, transport.ErrWouldBlock) {
		t.Errorf("Recv after last message: got (%q, %v), want %v", got, err, transport.ErrWouldBlock)
	}
}

func TestRouterDealer(t *testing.T) {
	ctx := zmtp.New(t.Context())
	r := mustSocket(t, ctx, transport.Router, transport.Options{Identity: []byte("router")})
	d := mustSocket(t, ctx, transport.Dealer, transport.Options{Identity: []byte("d1")})

	addr := mustBind(t, r)
	mustConnect(t, d, addr)

	send(t, d, frames("hello"))
	checkRecv(t, r, "d1", "hello")

	send(t, r, frames("d1", "world", "again"))
	checkRecv(t, d, "world", "again")
}

func TestClosed(t *testing.T) {
	ctx := zmtp.New(t.Context())
	push, err := ctx.NewSocket(transport.Push, transport.Options{})
	if err != nil {
		t.Fatalf("NewSocket: %v", err)
	}
	if err := push.Close(0); err != nil {
		t.Errorf("Close: unexpected error: %v", err)
	}
	if err := push.Send(frames("late"), time.Second); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Send after close: got %v, want %v", err, transport.ErrClosed)
	}
	if err := push.Close(0); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Close again: got %v, want %v", err, transport.ErrClosed)
	}
}
