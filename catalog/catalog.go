// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package catalog defines a mapping from mnemonic API names to the interface
// numbers and API codes of FBSP requests.
//
// A service interface is identified by a UID. Its API codes are fixed by the
// interface definition, but the interface number used on the wire is chosen
// by each service and announced to clients in its WELCOME message. A Catalog
// records both, so that requests can be made and handled by name.
//
// # Usage
//
// Construct a catalog and add interfaces to it:
//
//	cat := catalog.New().Add(catalog.Interface{
//	   UID:  echoUID,
//	   APIs: []string{"echo", "reverse"},
//	})
//
// Add assigns the next unused interface number to the interface, and API codes
// 1, 2, ... to its names in order. To recover the control word of a request,
// use Lookup:
//
//	code := cat.Lookup("reverse") // interface 1, API code 2
//
// A service announces the interfaces of its catalog in its WELCOME:
//
//	svc := fbsp.NewService(&dataframe.Welcome{..., API: cat.API()})
//	cat.Handle(svc, "echo", handleEcho)
//
// A client resolves the interface numbers announced by its service, then
// makes requests by name:
//
//	cat.Resolve(cli.Session().State.Greeting.Welcome.API)
//	tok, err := cat.Request(cli, "echo", data)
//
// A catalog can also be served to clients that do not know it in advance; see
// Handler and Decode.
package catalog

import (
	"cmp"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/creachadair/butler/dataframe"
	"github.com/creachadair/butler/fbsp"
	"github.com/creachadair/butler/packet"
	"github.com/creachadair/mds/mapset"
	"github.com/google/uuid"
)

// An Interface describes a service interface: its UID and the names of its
// API calls, whose codes are 1, 2, ... in order.
type Interface struct {
	UID  uuid.UUID
	APIs []string
}

type method struct {
	uid uuid.UUID
	api byte
}

// A Catalog maps API names to requests. It is safe to copy the value; all
// copies share the same mappings.
type Catalog struct {
	numbers map[uuid.UUID]byte
	methods map[string]method
}

// New creates a new empty catalog.
func New() Catalog {
	return Catalog{numbers: make(map[uuid.UUID]byte), methods: make(map[string]method)}
}

// Add adds iface to c with a fresh interface number, and returns c to allow
// chaining. If the interface is already known, its number is kept. An API
// name already mapped in c is replaced. Add panics if TryAdd would fail.
func (c Catalog) Add(iface Interface) Catalog {
	if err := c.TryAdd(iface); err != nil {
		panic(err)
	}
	return c
}

// TryAdd is like Add, but reports an error instead of panicking when iface
// is new and all 255 interface numbers are taken, or iface has more than 255
// API names. On error c is not changed.
func (c Catalog) TryAdd(iface Interface) error {
	if len(iface.APIs) > 255 {
		return fmt.Errorf("interface %v has %d APIs, at most 255 allowed", iface.UID, len(iface.APIs))
	}
	if _, ok := c.numbers[iface.UID]; !ok {
		n, err := c.pickUnusedNumber()
		if err != nil {
			return fmt.Errorf("add interface %v: %w", iface.UID, err)
		}
		c.numbers[iface.UID] = n
	}
	for i, name := range iface.APIs {
		c.methods[name] = method{uid: iface.UID, api: byte(i + 1)}
	}
	return nil
}

// Set sets the interface number of the interface with the given UID, and
// returns c to allow chaining.
func (c Catalog) Set(uid uuid.UUID, number byte) Catalog {
	c.numbers[uid] = number
	return c
}

// pickUnusedNumber returns one more than the largest number in use, or if
// that is 255, the smallest unused number.
func (c Catalog) pickUnusedNumber() (byte, error) {
	var top byte
	for _, n := range c.numbers {
		top = max(top, n)
	}
	if top < 255 {
		return top + 1, nil
	}
	used := mapset.New(slices.Collect(maps.Values(c.numbers))...)
	for n := 1; n <= 255; n++ {
		if !used.Has(byte(n)) {
			return byte(n), nil
		}
	}
	return 0, errors.New("no unused interface numbers")
}

// Number returns the interface number assigned to uid, or 0.
func (c Catalog) Number(uid uuid.UUID) byte { return c.numbers[uid] }

// Lookup returns the request control word for name, or 0 if name is not
// known or its interface has no number.
func (c Catalog) Lookup(name string) uint16 {
	m, ok := c.methods[name]
	if !ok || c.numbers[m.uid] == 0 {
		return 0
	}
	return fbsp.RequestCode(c.numbers[m.uid], m.api)
}

// API returns the interface specifications of c, ordered by number, for
// announcement in a WELCOME.
func (c Catalog) API() []dataframe.InterfaceSpec {
	var out []dataframe.InterfaceSpec
	for uid, n := range c.numbers {
		out = append(out, dataframe.InterfaceSpec{Number: uint32(n), UID: uid[:]})
	}
	slices.SortFunc(out, func(a, b dataframe.InterfaceSpec) int { return cmp.Compare(a.Number, b.Number) })
	return out
}

// Resolve updates the interface numbers of c from the specifications
// announced by a service. It reports an error if an interface of c is not
// announced; the numbers of the other interfaces are updated regardless.
func (c Catalog) Resolve(api []dataframe.InterfaceSpec) error {
	seen := make(map[uuid.UUID]bool)
	for _, spec := range api {
		uid, err := uuid.FromBytes(spec.UID)
		if err != nil || spec.Number == 0 || spec.Number > 255 {
			return fmt.Errorf("invalid interface spec %v", spec)
		}
		if _, ok := c.numbers[uid]; ok {
			c.numbers[uid] = byte(spec.Number)
			seen[uid] = true
		}
	}
	for _, uid := range slices.SortedFunc(maps.Keys(c.numbers), func(a, b uuid.UUID) int {
		return cmp.Compare(a.String(), b.String())
	}) {
		if !seen[uid] {
			return fmt.Errorf("interface %v not provided by the service", uid)
		}
	}
	return nil
}

// Handle registers fn on svc to handle requests for the named API, and
// returns c to permit chaining. Handle will panic if name is not known by the
// catalog.
func (c Catalog) Handle(svc *fbsp.Service, name string, fn fbsp.HandlerFunc) Catalog {
	code := c.Lookup(name)
	if code == 0 {
		panic(fmt.Sprintf("method %q not known", name))
	}
	svc.HandleCode(fbsp.Request, code, fn)
	return c
}

// Request sends a request for the named API via cli, with the given data
// frames, and returns its token.
func (c Catalog) Request(cli *fbsp.Client, name string, data ...[]byte) (fbsp.Token, error) {
	code := c.Lookup(name)
	if code == 0 {
		return fbsp.Token{}, fmt.Errorf("method %q not known", name)
	}
	return cli.Request(byte(code>>8), byte(code), data...)
}

// Encode encodes the name mapping of c in binary format.
//
// The wire format of the catalog comprises the names of all defined methods in
// lexicographic order, followed by the corresponding control words in the
// reverse order of the names.
//
// Each name is encoded as a big-endian uint16 length followed by that many
// bytes of the name. Each control word is encoded as a big-endian uint16.
// Names whose interface has no number are omitted.
func (c Catalog) Encode() []byte {
	var names []string
	for name := range c.methods {
		if c.Lookup(name) != 0 {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil
	}
	slices.Sort(names)

	var b packet.Builder
	for _, name := range names {
		b.String16(name)
	}
	for _, name := range slices.Backward(names) {
		b.Uint16(c.Lookup(name))
	}
	return b.Bytes()
}

// Decode decodes data as an encoded catalog, and returns the control word of
// each name.
func Decode(data []byte) (map[string]uint16, error) {
	s := packet.NewScanner(data)
	var names []string
	for s.Len() > 2*len(names) {
		name, err := packet.String16[string](s)
		if err != nil {
			return nil, fmt.Errorf("invalid name: %w", err)
		}
		names = append(names, name)
	}
	if s.Len() != 2*len(names) {
		return nil, fmt.Errorf("truncated catalog at offset %d", s.Offset())
	}
	out := make(map[string]uint16, len(names))
	for _, name := range slices.Backward(names) {
		code, _ := s.Uint16()
		out[name] = code
	}
	return out, nil
}

// Handler returns a request handler that replies with the encoding of c.
func (c Catalog) Handler(svc *fbsp.Service) fbsp.HandlerFunc {
	return func(s *fbsp.Session, req *fbsp.Message) error {
		reply := fbsp.ReplyFor(req)
		if enc := c.Encode(); enc != nil {
			reply.Data = [][]byte{enc}
		}
		_, err := svc.Send(reply, s)
		return err
	}
}
