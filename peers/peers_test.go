// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package peers_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/creachadair/butler/dataframe"
	"github.com/creachadair/butler/fbdp"
	"github.com/creachadair/butler/fbsp"
	"github.com/creachadair/butler/peers"
	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"
)

func testService() *fbsp.Service {
	id := uuid.New()
	svc := fbsp.NewService(peers.NewWelcome("echo", dataframe.InterfaceSpec{Number: 1, UID: id[:]}))
	svc.HandleRequest(1, 1, func(s *fbsp.Session, req *fbsp.Message) error {
		reply := fbsp.ReplyFor(req)
		reply.Data = req.Data
		_, err := svc.Send(reply, s)
		return err
	})
	return svc
}

func TestLocal(t *testing.T) {
	defer leaktest.Check(t)()

	loc, err := peers.NewLocal(testService(), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	if got := loc.Client.Session().State.AgentName(); got != "echo" {
		t.Errorf("Service name: got %q, want echo", got)
	}

	for i := range 5 {
		want := fmt.Sprintf("message %d", i+1)
		rsp, err := loc.Call(1, 1, time.Second, []byte(want))
		if err != nil {
			t.Fatalf("Call %d: %v", i+1, err)
		}
		if diff := cmp.Diff([][]byte{[]byte(want)}, rsp.Data); diff != "" {
			t.Errorf("Reply %d (-want, +got):\n%s", i+1, diff)
		}
	}

	t.Run("Unhandled", func(t *testing.T) {
		_, err := loc.Call(1, 9, time.Second)
		var serr *fbsp.ServiceError
		if !errors.As(err, &serr) || serr.Code != fbsp.BadRequest {
			t.Errorf("Call 1/9: got %v, want BAD_REQUEST", err)
		}
	})

	if err := loc.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func TestLocalConcurrent(t *testing.T) {
	defer leaktest.Check(t)()

	g := taskgroup.New(nil)
	for i := range 4 {
		g.Go(func() error {
			loc, err := peers.NewLocal(testService(), nil)
			if err != nil {
				return err
			}
			defer loc.Stop()
			for j := range 10 {
				msg := fmt.Sprintf("%d/%d", i, j)
				rsp, err := loc.Call(1, 1, time.Second, []byte(msg))
				if err != nil {
					return err
				} else if got := string(rsp.Data[0]); got != msg {
					return fmt.Errorf("reply: got %q, want %q", got, msg)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Errorf("Clients: %v", err)
	}
}

func TestPipe(t *testing.T) {
	srv := fbdp.NewServer()
	srv.BatchSize = 3
	srv.OnAcceptClient = func(*fbdp.Session, *dataframe.Open) (int, error) { return 3, nil }
	var got []string
	srv.OnAcceptData = func(_ *fbdp.Session, data []byte) error {
		got = append(got, string(data))
		return nil
	}
	var srvClose *fbdp.Message
	srv.OnPipeClosed = func(_ *fbdp.Session, msg *fbdp.Message) { srvClose = msg }

	cli := fbdp.NewClient()
	var want []string
	for i := range 8 {
		want = append(want, fmt.Sprintf("row %d", i))
	}
	next := 0
	cli.OnProduceData = func(*fbdp.Session) ([]byte, error) {
		if next == len(want) {
			return nil, fbdp.ErrEndOfData
		}
		next++
		return []byte(want[next-1]), nil
	}

	p, err := peers.NewPipe(srv, cli, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewPipe: %v", err)
	}
	defer p.Stop()

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	msg, err := p.Transfer(ctx, dataframe.Open{DataPipe: "rows", PipeStream: dataframe.StreamInput, DataFormat: "text/plain"})
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if msg.ErrorCode() != fbdp.OK {
		t.Errorf("Transfer: closed with %v, want OK", msg.ErrorCode())
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Rows (-want, +got):\n%s", diff)
	}

	// The last batch and the client's CLOSE reach the server before Transfer
	// returns.
	if srvClose == nil {
		t.Error("Server did not see the pipe close")
	} else if srvClose.ErrorCode() != fbdp.OK {
		t.Errorf("Server close: got %v, want OK", srvClose.ErrorCode())
	}
}
