// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package butler_test

import (
	"testing"
	"time"

	"github.com/creachadair/butler"
	"github.com/creachadair/butler/dataframe"
	"github.com/creachadair/butler/fbsp"
	"github.com/creachadair/butler/peers"
	"github.com/creachadair/butler/transport"
	"github.com/creachadair/butler/transport/inproc"
	"github.com/google/uuid"
)

func benchService(b *testing.B) *fbsp.Service {
	b.Helper()
	id := uuid.New()
	svc := fbsp.NewService(peers.NewWelcome("bench", dataframe.InterfaceSpec{Number: 1, UID: id[:]}))
	svc.HandleRequest(1, 1, func(s *fbsp.Session, req *fbsp.Message) error {
		_, err := svc.Send(fbsp.ReplyFor(req), s)
		return err
	})
	svc.HandleRequest(1, 2, func(s *fbsp.Session, req *fbsp.Message) error {
		reply := fbsp.ReplyFor(req)
		reply.Data = req.Data
		_, err := svc.Send(reply, s)
		return err
	})
	return svc
}

func BenchmarkCall(b *testing.B) {
	var payload = []byte("fuzzy wuzzy was a bear\nfuzzy wuzzy had no hair\nfuzzy wuzzy wasn't fuzzy was he?")

	loc, err := peers.NewLocal(benchService(b), nil)
	if err != nil {
		b.Fatalf("NewLocal: %v", err)
	}
	b.Cleanup(func() { loc.Stop() })

	b.Run("noop", func(b *testing.B) { runBench(b, loc, 1) })
	b.Run("echo", func(b *testing.B) { runBench(b, loc, 2, payload) })
}

func runBench(b *testing.B, loc *peers.Local, api byte, data ...[]byte) {
	b.Helper()
	for b.Loop() {
		if _, err := loc.Call(1, api, time.Second, data...); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkChannel(b *testing.B) {
	mgr := butler.NewManager(inproc.New())
	b.Cleanup(func() { mgr.Shutdown(0) })

	srv := butler.NewChannel(transport.Router, []byte("srv"), butler.WithoutPoll())
	cli := butler.NewChannel(transport.Dealer, []byte("cli"), butler.WithoutPoll())
	for _, ch := range []*butler.Channel{srv, cli} {
		if err := mgr.Add(ch); err != nil {
			b.Fatalf("Add: %v", err)
		}
	}
	addr, err := srv.Bind("inproc://*")
	if err != nil {
		b.Fatalf("Bind: %v", err)
	}
	if err := cli.Connect(addr, ""); err != nil {
		b.Fatalf("Connect: %v", err)
	}

	msg := [][]byte{[]byte("header"), []byte("body")}
	for b.Loop() {
		if err := cli.Send(msg); err != nil {
			b.Fatal(err)
		}
		in, err := srv.ReceiveTimeout(time.Second)
		if err != nil {
			b.Fatal(err)
		}
		if err := srv.Send(in); err != nil {
			b.Fatal(err)
		}
		if _, err := cli.ReceiveTimeout(time.Second); err != nil {
			b.Fatal(err)
		}
	}
}
