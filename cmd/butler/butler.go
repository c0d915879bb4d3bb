// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Program butler is a command-line utility for inspecting FBSP and FBDP
// messages and probing FBSP services.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/creachadair/butler"
	"github.com/creachadair/butler/fbdp"
	"github.com/creachadair/butler/fbsp"
	"github.com/creachadair/butler/packet"
	"github.com/creachadair/butler/peers"
	"github.com/creachadair/butler/transport"
	"github.com/creachadair/butler/transport/zmtp"
	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var decodeFlags struct {
	Proto string `flag:"proto,default=fbsp,Protocol of the message (fbsp or fbdp)"`
}

var pingFlags struct {
	Timeout time.Duration `flag:"timeout,default=5s,Time to wait for each reply"`
	Verbose bool          `flag:"v,Enable debug logging"`
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Utilities for inspecting FBSP and FBDP messages and services.",
		Commands: []*command.C{
			{
				Name:  "decode",
				Usage: "<hex-frame>...",
				Help: `Decode a message from hex-encoded frames.

Each argument is one frame of the message, beginning with the header.
The message is parsed and checked, and its contents are printed.`,
				SetFlags: command.Flags(flax.MustBind, &decodeFlags),
				Run:      runDecode,
			},
			{
				Name:  "header",
				Usage: "fbsp <type> [type-data [flags [token]]]\nfbdp <type> [type-data [flags]]",
				Help: `Encode a message header and print it in hex.

The type is a message type name such as HELLO or DATA, or its number.
Type data and flags are numbers, in any base accepted by Go literals.
An FBSP token is given in hex.`,
				Run: runHeader,
			},
			{
				Name:  "ping",
				Usage: "<endpoint>",
				Help: `Check that an FBSP service answers at the given endpoint.

Ping connects to the service, exchanges HELLO and WELCOME, then sends a
NOOP that requests an acknowledgement, and reports the round-trip times.`,
				SetFlags: command.Flags(flax.MustBind, &pingFlags),
				Run:      runPing,
			},
			{
				Name:  "pack",
				Usage: "<pattern> <argument>...",
				Help: `Pack arguments into a binary frame and print it in hex.

The pattern specifies the sequence of values to concatenate into the frame.
Whitespace in the pattern is ignored; otherwise the pattern specifies how the
corresponding argument is processed:

  q  : a quoted literal string (Go style) without framing
  r  : a raw literal string encoded without framing
  s  : a string encoded with a uint16 length prefix
  x  : hex-encoded bytes without framing
  %  : a Boolean constant (true or false)
  1  : a uint8 value (1 byte)
  2  : a uint16 value (2 bytes)
  4  : a uint32 value (4 bytes)
  8  : a uint64 value (8 bytes)

Integer values are packed in big-endian order.

In addition, a "(" begins a subpattern, which goes until a matching ")".
Each subpattern is encoded according to its contents, with a uint16 length
prefix prepended. Subpatterns may be nested.

The output of pack can be passed to decode as one frame.`,
				Run: runPack,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func runPack(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("missing pattern argument")
	}
	var b packet.Builder
	rest, err := formatData(&b, env.Args[0], env.Args[1:])
	if err != nil {
		return err
	} else if len(rest) != 0 {
		return fmt.Errorf("extra arguments: %q", rest)
	}
	fmt.Println(hex.EncodeToString(b.Bytes()))
	return nil
}

func formatData(b *packet.Builder, pat string, args []string) ([]string, error) {
	for i := 0; i < len(pat); i++ {
		c := pat[i]
		switch c {
		case 'q', 'r', 's', 'x', '%', '1', '2', '4', '8':
			// OK, these need an argument (see below)
		case ' ', '\t', '\n':
			continue
		case '(':
			sub, ok := cutParen(pat[i+1:], '(', ')')
			if !ok {
				return nil, errors.New("missing close parenthesis")
			}
			var sb packet.Builder
			sa, err := formatData(&sb, sub, args)
			if err != nil {
				return nil, fmt.Errorf("invalid subpattern: %w", err)
			} else if sb.Len() > 0xffff {
				return nil, fmt.Errorf("subpattern length %d too long", sb.Len())
			}
			b.Uint16(uint16(sb.Len()))
			b.Put(sb.Bytes()...)
			args = sa
			i += len(sub) + 1
			continue
		default:
			return nil, fmt.Errorf("invalid pattern word %c", c)
		}

		if len(args) == 0 {
			return nil, fmt.Errorf("missing argument for %c", c)
		}
		switch c {
		case 'q':
			dec, err := strconv.Unquote(`"` + args[0] + `"`)
			if err != nil {
				return nil, fmt.Errorf("invalid string: %w", err)
			}
			b.PutString(dec)
		case 'r':
			b.PutString(args[0])
		case 's':
			if len(args[0]) > 0xffff {
				return nil, fmt.Errorf("length %d too long for s", len(args[0]))
			}
			b.String16(args[0])
		case 'x':
			dec, err := hex.DecodeString(args[0])
			if err != nil {
				return nil, fmt.Errorf("invalid hex: %w", err)
			}
			b.Put(dec...)
		case '%':
			v, err := strconv.ParseBool(args[0])
			if err != nil {
				return nil, fmt.Errorf("invalid bool: %w", err)
			}
			b.Bool(v)
		case '1':
			v, err := strconv.ParseUint(args[0], 0, 8)
			if err != nil {
				return nil, fmt.Errorf("invalid byte: %w", err)
			}
			b.Put(byte(v))
		case '2':
			v, err := strconv.ParseUint(args[0], 0, 16)
			if err != nil {
				return nil, fmt.Errorf("invalid uint16: %w", err)
			}
			b.Uint16(uint16(v))
		case '4':
			v, err := strconv.ParseUint(args[0], 0, 32)
			if err != nil {
				return nil, fmt.Errorf("invalid uint32: %w", err)
			}
			b.Uint32(uint32(v))
		case '8':
			v, err := strconv.ParseUint(args[0], 0, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid uint64: %w", err)
			}
			b.Uint64(v)
		}
		args = args[1:]
	}
	return args, nil
}

func cutParen(s string, l, r rune) (string, bool) {
	d := 1
	for i, c := range s {
		if c == l {
			d++
		} else if c == r {
			d--
			if d == 0 {
				return s[:i], true
			}
		}
	}
	return s, false
}

func runDecode(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("missing message frames")
	}
	frames := make([][]byte, len(env.Args))
	for i, arg := range env.Args {
		frame, err := hex.DecodeString(arg)
		if err != nil {
			return fmt.Errorf("frame %d: %w", i+1, err)
		}
		frames[i] = frame
	}
	switch strings.ToLower(decodeFlags.Proto) {
	case "fbsp":
		msg, err := fbsp.Default.Parse(frames)
		if err != nil {
			return err
		}
		fmt.Println(msg)
		for _, e := range msg.Errors {
			fmt.Printf("  error %d: %s\n", e.Code, e.Description)
		}
		for i, d := range msg.Data {
			fmt.Printf("  data %d: %q\n", i+1, d)
		}
	case "fbdp":
		msg, err := fbdp.Default.Parse(frames)
		if err != nil {
			return err
		}
		fmt.Println(msg)
		if msg.Open != nil {
			fmt.Printf("  pipe %q stream %v format %q\n", msg.Open.DataPipe, msg.Open.PipeStream, msg.Open.DataFormat)
		}
		for _, e := range msg.Errors {
			fmt.Printf("  error %d: %s\n", e.Code, e.Description)
		}
		if msg.Data != nil {
			fmt.Printf("  data: %q\n", msg.Data)
		}
	default:
		return env.Usagef("unknown protocol %q", decodeFlags.Proto)
	}
	return nil
}

func runHeader(env *command.Env) error {
	if len(env.Args) < 2 {
		return env.Usagef("missing protocol and message type")
	}
	nums := make([]uint64, 2)
	for i, arg := range env.Args[2:min(len(env.Args), 4)] {
		v, err := strconv.ParseUint(arg, 0, 16)
		if err != nil {
			return fmt.Errorf("invalid number %q: %w", arg, err)
		}
		nums[i] = v
	}
	switch proto := strings.ToLower(env.Args[0]); proto {
	case "fbsp":
		if len(env.Args) > 5 {
			return env.Usagef("extra arguments after token")
		}
		t, err := parseType(env.Args[1], func(v byte) string { return fbsp.MsgType(v).String() })
		if err != nil {
			return err
		}
		h := fbsp.Header{Type: fbsp.MsgType(t), TypeData: uint16(nums[0]), Flags: fbsp.Flag(nums[1])}
		if len(env.Args) == 5 {
			tok, err := hex.DecodeString(env.Args[4])
			if err != nil || len(tok) > len(h.Token) {
				return fmt.Errorf("invalid token %q", env.Args[4])
			}
			copy(h.Token[:], tok)
		}
		fmt.Println(hex.EncodeToString(h.Encode()))
	case "fbdp":
		if len(env.Args) > 4 {
			return env.Usagef("extra arguments after flags")
		}
		t, err := parseType(env.Args[1], func(v byte) string { return fbdp.MsgType(v).String() })
		if err != nil {
			return err
		}
		h := fbdp.Header{Type: fbdp.MsgType(t), TypeData: uint16(nums[0]), Flags: fbdp.Flag(nums[1])}
		fmt.Println(hex.EncodeToString(h.Encode()))
	default:
		return env.Usagef("unknown protocol %q", proto)
	}
	return nil
}

// parseType parses s as a message type name or number. The message types
// occupy the upper five bits of the control byte.
func parseType(s string, name func(byte) string) (byte, error) {
	if v, err := strconv.ParseUint(s, 0, 5); err == nil {
		return byte(v), nil
	}
	for v := range byte(32) {
		if strings.EqualFold(name(v), s) {
			return v, nil
		}
	}
	return 0, fmt.Errorf("unknown message type %q", s)
}

func runPing(env *command.Env) error {
	if len(env.Args) != 1 {
		return env.Usagef("expected one endpoint")
	}
	log := zap.NewNop()
	if pingFlags.Verbose {
		var err error
		log, err = zap.NewDevelopment()
		if err != nil {
			return err
		}
		defer log.Sync()
	}

	ctx, cancel := context.WithCancel(env.Context())
	defer cancel()
	mgr := butler.NewManager(zmtp.New(ctx))
	mgr.Logger = log
	defer mgr.Shutdown(0)

	ch := butler.NewChannel(transport.Dealer, []byte("butler-ping-"+uuid.NewString()), butler.WithoutPoll())
	if err := mgr.Add(ch); err != nil {
		return err
	}
	cli := fbsp.NewClient()
	cli.Logger = log
	ch.SetHandler(cli)
	defer cli.Close()

	start := time.Now()
	tok, err := cli.Open(env.Args[0], peers.NewHello("butler-ping"))
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	if err := waitFor(cli, tok); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	welcome := cli.Session().State.Greeting.Welcome
	fmt.Printf("WELCOME from %s %s (%s) in %v\n",
		welcome.Service.Name, welcome.Service.Version, welcome.Instance.Host, time.Since(start).Round(time.Microsecond))
	for _, api := range welcome.API {
		if uid, err := uuid.FromBytes(api.UID); err == nil {
			fmt.Printf("  interface %d: %v\n", api.Number, uid)
		}
	}

	start = time.Now()
	noop := fbsp.NewMessage(fbsp.Noop, cli.NewToken(), 0, fbsp.AckReq)
	if _, err := cli.Send(noop, cli.Session()); err != nil {
		return fmt.Errorf("send NOOP: %w", err)
	}
	if err := waitFor(cli, noop.Token); err != nil {
		return fmt.Errorf("NOOP: %w", err)
	}
	fmt.Printf("NOOP acknowledged in %v\n", time.Since(start).Round(time.Microsecond))
	return nil
}

func waitFor(cli *fbsp.Client, tok fbsp.Token) error {
	ok, err := cli.GetResponse(tok, pingFlags.Timeout)
	if err != nil {
		return err
	} else if !ok {
		return errors.New("no reply before timeout")
	}
	return nil
}
