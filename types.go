// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package butler

import "fmt"

// Origin is the role of a peer in a protocol exchange.
type Origin byte

const (
	OriginAny     Origin = iota // no particular role; disables origin checks
	OriginService               // the peer provides a service or the server end of a pipe
	OriginClient                // the peer uses a service or the client end of a pipe
)

func (o Origin) String() string {
	switch o {
	case OriginAny:
		return "ANY"
	case OriginService:
		return "SERVICE"
	case OriginClient:
		return "CLIENT"
	default:
		return fmt.Sprintf("ORIGIN:%d", byte(o))
	}
}

// Peer returns the role of the remote peer when the local peer has role o.
func (o Origin) Peer() Origin {
	switch o {
	case OriginService:
		return OriginClient
	case OriginClient:
		return OriginService
	default:
		return OriginAny
	}
}

// A RoutingID identifies a remote peer on a channel. On a routed channel it is
// the identity frame the transport attaches to each inbound message.
type RoutingID string

// InternalRoute is the routing id of the single session of an unrouted channel.
const InternalRoute RoutingID = "INTERNAL"

// Direction is the set of message directions a channel permits.
type Direction byte

const (
	DirIn   Direction = 1 << iota // the channel may receive
	DirOut                        // the channel may send

	DirBoth = DirIn | DirOut
)

func (d Direction) String() string {
	switch d {
	case DirIn:
		return "IN"
	case DirOut:
		return "OUT"
	case DirBoth:
		return "BOTH"
	default:
		return fmt.Sprintf("DIRECTION:%d", byte(d))
	}
}

// Mode reports whether a channel binds or connects its endpoints.
type Mode byte

const (
	ModeUnknown Mode = iota // no endpoints are open
	ModeBind
	ModeConnect
)

func (m Mode) String() string {
	switch m {
	case ModeUnknown:
		return "UNKNOWN"
	case ModeBind:
		return "BIND"
	case ModeConnect:
		return "CONNECT"
	default:
		return fmt.Sprintf("MODE:%d", byte(m))
	}
}
