// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package fbdp

import (
	"time"

	"github.com/creachadair/butler"
	"github.com/creachadair/butler/dataframe"
)

// Session is an FBDP session.
type Session = butler.Session[PipeState]

// PipeState is the protocol state of an FBDP session.
type PipeState struct {
	// BatchSize is the number of DATA messages the local end offers to
	// transfer in one batch.
	BatchSize int

	// Ready is the size of the current batch, as negotiated by READY.
	Ready int

	// Transmit is the number of DATA messages left in the current batch.
	Transmit int

	// Pipe, Stream and Format are the parameters of the open pipe.
	Pipe   string
	Stream dataframe.PipeStream
	Format string

	// ProbeCountdown is the number of READY probes the server may still send
	// while the client reports it is not ready.
	ProbeCountdown int

	// ZeroReadyAt is when the client last reported it was not ready, or zero.
	ZeroReadyAt time.Time
}

// IsOpen reports whether a pipe has been opened on the session.
func (p *PipeState) IsOpen() bool { return p.Pipe != "" }
