// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package dataframe implements the protobuf payloads carried in the data
// frames of butler protocol messages.
//
// Each type has an Encode method that returns its wire encoding, an
// UnmarshalBinary method that decodes it, and a Validate method that checks
// that the fields required by the protocols are present. Decoding ignores
// unknown fields, including the "supplement" extension fields.
package dataframe

import (
	"errors"
	"fmt"
	"strings"
)

// State is the operating state of a service, reported in STATE messages.
type State uint32

const (
	StateUnknown State = iota
	StateReady
	StateRunning
	StateWaiting
	StateSuspended
	StateFinished
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "UNKNOWN_STATE"
	case StateReady:
		return "READY"
	case StateRunning:
		return "RUNNING"
	case StateWaiting:
		return "WAITING"
	case StateSuspended:
		return "SUSPENDED"
	case StateFinished:
		return "FINISHED"
	case StateAborted:
		return "ABORTED"
	default:
		return fmt.Sprintf("STATE:%d", uint32(s))
	}
}

// PipeStream identifies which end of a data pipe a client attaches to.
type PipeStream uint32

const (
	StreamUnknown PipeStream = iota
	StreamInput              // the client sends data to the server
	StreamOutput             // the server sends data to the client
	StreamMonitor
)

func (p PipeStream) String() string {
	switch p {
	case StreamUnknown:
		return "UNKNOWN_PIPE_STREAM"
	case StreamInput:
		return "INPUT"
	case StreamOutput:
		return "OUTPUT"
	case StreamMonitor:
		return "MONITOR"
	default:
		return fmt.Sprintf("STREAM:%d", uint32(p))
	}
}

func missing(what string) error { return fmt.Errorf("missing %s", what) }

func checkAll(what string, errs ...error) error {
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return nil
}

func require(ok bool, what string) error {
	if ok {
		return nil
	}
	return missing(what)
}

// ErrorDescription describes one error in an FBSP ERROR or FBDP CLOSE message.
type ErrorDescription struct {
	Code        uint64 // 1
	Description string // 2
}

// Encode encodes e in binary format.
func (e ErrorDescription) Encode() []byte {
	var b builder
	b.Varint(1, e.Code)
	b.String(2, e.Description)
	return b.buf
}

// UnmarshalBinary decodes data into e.
func (e *ErrorDescription) UnmarshalBinary(data []byte) (err error) {
	*e = ErrorDescription{}
	return scanFields(data, func(f *field) error {
		switch f.num {
		case 1:
			e.Code, err = f.Varint()
		case 2:
			e.Description, err = f.String()
		}
		return err
	})
}

// Validate reports an error if e has no description.
func (e ErrorDescription) Validate() error {
	return checkAll("error description", require(e.Description != "", "description"))
}

func (e ErrorDescription) String() string {
	return fmt.Sprintf("Error(code=%d, %q)", e.Code, e.Description)
}

// PeerIdentification identifies a running peer instance.
type PeerIdentification struct {
	UID  []byte // 1
	PID  uint32 // 2
	Host string // 3
}

// Encode encodes p in binary format.
func (p PeerIdentification) Encode() []byte {
	var b builder
	b.Bytes(1, p.UID)
	b.Varint(2, uint64(p.PID))
	b.String(3, p.Host)
	return b.buf
}

// UnmarshalBinary decodes data into p.
func (p *PeerIdentification) UnmarshalBinary(data []byte) error {
	*p = PeerIdentification{}
	return scanFields(data, func(f *field) (err error) {
		switch f.num {
		case 1:
			p.UID, err = f.Bytes()
		case 2:
			var v uint64
			v, err = f.Varint()
			p.PID = uint32(v)
		case 3:
			p.Host, err = f.String()
		}
		return err
	})
}

// Validate reports an error if any field of p is unset.
func (p PeerIdentification) Validate() error {
	return checkAll("peer identification",
		require(len(p.UID) != 0, "uid"),
		require(p.PID != 0, "pid"),
		require(p.Host != "", "host"),
	)
}

func (p PeerIdentification) String() string {
	return fmt.Sprintf("Peer(uid=%x, pid=%d, host=%q)", p.UID, p.PID, p.Host)
}

// VendorID identifies the vendor of an agent.
type VendorID struct {
	UID string // 1
}

// Encode encodes v in binary format.
func (v VendorID) Encode() []byte {
	var b builder
	b.String(1, v.UID)
	return b.buf
}

// UnmarshalBinary decodes data into v.
func (v *VendorID) UnmarshalBinary(data []byte) error {
	*v = VendorID{}
	return scanFields(data, func(f *field) (err error) {
		if f.num == 1 {
			v.UID, err = f.String()
		}
		return err
	})
}

// PlatformID identifies the platform an agent is built for.
type PlatformID struct {
	UID     string // 1
	Version string // 2
}

// Encode encodes p in binary format.
func (p PlatformID) Encode() []byte {
	var b builder
	b.String(1, p.UID)
	b.String(2, p.Version)
	return b.buf
}

// UnmarshalBinary decodes data into p.
func (p *PlatformID) UnmarshalBinary(data []byte) error {
	*p = PlatformID{}
	return scanFields(data, func(f *field) (err error) {
		switch f.num {
		case 1:
			p.UID, err = f.String()
		case 2:
			p.Version, err = f.String()
		}
		return err
	})
}

// AgentIdentification identifies a client or service implementation.
type AgentIdentification struct {
	UID            string     // 1
	Name           string     // 2
	Version        string     // 3
	Vendor         VendorID   // 4
	Platform       PlatformID // 5
	Classification string     // 6
}

// Encode encodes a in binary format.
func (a AgentIdentification) Encode() []byte {
	var b builder
	b.String(1, a.UID)
	b.String(2, a.Name)
	b.String(3, a.Version)
	b.Message(4, a.Vendor.Encode())
	b.Message(5, a.Platform.Encode())
	b.String(6, a.Classification)
	return b.buf
}

// UnmarshalBinary decodes data into a.
func (a *AgentIdentification) UnmarshalBinary(data []byte) error {
	*a = AgentIdentification{}
	return scanFields(data, func(f *field) (err error) {
		switch f.num {
		case 1:
			a.UID, err = f.String()
		case 2:
			a.Name, err = f.String()
		case 3:
			a.Version, err = f.String()
		case 4:
			err = f.Message(&a.Vendor)
		case 5:
			err = f.Message(&a.Platform)
		case 6:
			a.Classification, err = f.String()
		}
		return err
	})
}

// Validate reports an error if a required field of a is unset.
// The classification is optional.
func (a AgentIdentification) Validate() error {
	return checkAll("agent identification",
		require(a.UID != "", "uid"),
		require(a.Name != "", "name"),
		require(a.Version != "", "version"),
		require(a.Vendor.UID != "", "vendor uid"),
		require(a.Platform.UID != "", "platform uid"),
		require(a.Platform.Version != "", "platform version"),
	)
}

func (a AgentIdentification) String() string {
	return fmt.Sprintf("Agent(%s %s, uid=%s)", a.Name, a.Version, a.UID)
}

// InterfaceSpec announces one interface supported by a service, and the
// number by which clients address it in requests.
type InterfaceSpec struct {
	Number uint32 // 1
	UID    []byte // 2
}

// Encode encodes s in binary format.
func (s InterfaceSpec) Encode() []byte {
	var b builder
	b.Varint(1, uint64(s.Number))
	b.Bytes(2, s.UID)
	return b.buf
}

// UnmarshalBinary decodes data into s.
func (s *InterfaceSpec) UnmarshalBinary(data []byte) error {
	*s = InterfaceSpec{}
	return scanFields(data, func(f *field) (err error) {
		switch f.num {
		case 1:
			var v uint64
			v, err = f.Varint()
			s.Number = uint32(v)
		case 2:
			s.UID, err = f.Bytes()
		}
		return err
	})
}

// Validate reports an error if either field of s is unset.
func (s InterfaceSpec) Validate() error {
	return checkAll("interface spec",
		require(s.Number != 0, "number"),
		require(len(s.UID) != 0, "uid"),
	)
}

// Hello is the data frame of an FBSP HELLO message.
type Hello struct {
	Instance PeerIdentification  // 1
	Client   AgentIdentification // 2
}

// Encode encodes h in binary format.
func (h Hello) Encode() []byte {
	var b builder
	b.Message(1, h.Instance.Encode())
	b.Message(2, h.Client.Encode())
	return b.buf
}

// UnmarshalBinary decodes data into h.
func (h *Hello) UnmarshalBinary(data []byte) error {
	*h = Hello{}
	return scanFields(data, func(f *field) error {
		switch f.num {
		case 1:
			return f.Message(&h.Instance)
		case 2:
			return f.Message(&h.Client)
		}
		return nil
	})
}

// Validate reports an error if h is not a complete greeting.
func (h Hello) Validate() error {
	return checkAll("hello", h.Instance.Validate(), h.Client.Validate())
}

func (h Hello) String() string { return fmt.Sprintf("Hello(%v, %v)", h.Instance, h.Client) }

// Welcome is the data frame of an FBSP WELCOME message.
type Welcome struct {
	Instance PeerIdentification  // 1
	Service  AgentIdentification // 2
	API      []InterfaceSpec     // 3
}

// Encode encodes w in binary format.
func (w Welcome) Encode() []byte {
	var b builder
	b.Message(1, w.Instance.Encode())
	b.Message(2, w.Service.Encode())
	for _, api := range w.API {
		b.Message(3, api.Encode())
	}
	return b.buf
}

// UnmarshalBinary decodes data into w.
func (w *Welcome) UnmarshalBinary(data []byte) error {
	*w = Welcome{}
	return scanFields(data, func(f *field) error {
		switch f.num {
		case 1:
			return f.Message(&w.Instance)
		case 2:
			return f.Message(&w.Service)
		case 3:
			var api InterfaceSpec
			if err := f.Message(&api); err != nil {
				return err
			}
			w.API = append(w.API, api)
		}
		return nil
	})
}

// Validate reports an error if w is not a complete greeting. A service must
// announce at least one interface.
func (w Welcome) Validate() error {
	errs := []error{w.Instance.Validate(), w.Service.Validate(), require(len(w.API) != 0, "api")}
	for _, api := range w.API {
		errs = append(errs, api.Validate())
	}
	return checkAll("welcome", errs...)
}

func (w Welcome) String() string {
	nums := make([]string, len(w.API))
	for i, api := range w.API {
		nums[i] = fmt.Sprint(api.Number)
	}
	return fmt.Sprintf("Welcome(%v, %v, api=[%s])", w.Instance, w.Service, strings.Join(nums, " "))
}

// CancelRequests is the data frame of an FBSP CANCEL message.
type CancelRequests struct {
	Token []byte // 1
}

// Encode encodes c in binary format.
func (c CancelRequests) Encode() []byte {
	var b builder
	b.Bytes(1, c.Token)
	return b.buf
}

// UnmarshalBinary decodes data into c.
func (c *CancelRequests) UnmarshalBinary(data []byte) error {
	*c = CancelRequests{}
	return scanFields(data, func(f *field) (err error) {
		if f.num == 1 {
			c.Token, err = f.Bytes()
		}
		return err
	})
}

// Validate reports an error if c has no token.
func (c CancelRequests) Validate() error {
	return checkAll("cancel requests", require(len(c.Token) != 0, "token"))
}

// StateInformation is the data frame of an FBSP STATE message.
type StateInformation struct {
	State State // 1
}

// Encode encodes s in binary format.
func (s StateInformation) Encode() []byte {
	var b builder
	b.Varint(1, uint64(s.State))
	return b.buf
}

// UnmarshalBinary decodes data into s.
func (s *StateInformation) UnmarshalBinary(data []byte) error {
	*s = StateInformation{}
	return scanFields(data, func(f *field) error {
		if f.num == 1 {
			v, err := f.Varint()
			s.State = State(v)
			return err
		}
		return nil
	})
}

// Open is the data frame of an FBDP OPEN message.
type Open struct {
	DataPipe   string     // 1
	PipeStream PipeStream // 2
	DataFormat string     // 3
}

// Encode encodes o in binary format.
func (o Open) Encode() []byte {
	var b builder
	b.String(1, o.DataPipe)
	b.Varint(2, uint64(o.PipeStream))
	b.String(3, o.DataFormat)
	return b.buf
}

// UnmarshalBinary decodes data into o.
func (o *Open) UnmarshalBinary(data []byte) error {
	*o = Open{}
	return scanFields(data, func(f *field) (err error) {
		switch f.num {
		case 1:
			o.DataPipe, err = f.String()
		case 2:
			var v uint64
			v, err = f.Varint()
			o.PipeStream = PipeStream(v)
		case 3:
			o.DataFormat, err = f.String()
		}
		return err
	})
}

// Validate reports an error if o does not name a pipe, a valid stream, and a
// data format.
func (o Open) Validate() error {
	return checkAll("open",
		require(o.DataPipe != "", "data pipe"),
		require(o.PipeStream >= StreamInput && o.PipeStream <= StreamMonitor, "pipe stream"),
		require(o.DataFormat != "", "data format"),
	)
}

func (o Open) String() string {
	return fmt.Sprintf("Open(pipe=%q, stream=%v, format=%q)", o.DataPipe, o.PipeStream, o.DataFormat)
}
