// SPDX-FileCopyrightText: 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package manager

import (
	"fmt"
	"time"

	"github.com/dtn7/tunnelstream/pkg/envelope"
)

// Stream is a substream driven by a Manager.
type Stream interface {
	// ID is the stream identifier, unique within a Manager.
	ID() int32

	// Dispatch sends queued messages. An error wrapping bufpool.ErrNoBuffers requests a retry with the next Tick;
	// every other error is unrecoverable and closes the Stream.
	Dispatch(now time.Time) error

	// ProcessTimer lets the Stream act on its elapsed timeout.
	ProcessTimer(now time.Time) error

	// NextTimeout is the instant this Stream wants its ProcessTimer to be called, false for none.
	NextTimeout() (time.Time, bool)

	// Read an inbound envelope addressed to this Stream.
	Read(b []byte) error

	// Closed reports if the Stream closed itself, e.g., on the peer's request.
	Closed() bool

	// Close sends a Close message to the peer and releases all resources.
	Close() error
}

// Status is a connection-level notification about a Stream.
type Status struct {
	StreamID int32
	State    envelope.State
}

func (s Status) String() string {
	return fmt.Sprintf("Status(stream=%d, %v)", s.StreamID, s.State)
}

// entry is the Manager's state for one Stream.
type entry struct {
	stream Stream

	inDispatch  bool
	inTimeout   bool
	nextTimeout time.Time
}
