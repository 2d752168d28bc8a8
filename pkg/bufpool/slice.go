// SPDX-FileCopyrightText: 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bufpool

import "fmt"

// Mode flags of a Slice.
type Mode uint8

const (
	// ModeWrite Slices are being filled.
	ModeWrite Mode = 1 << iota

	// ModeRead Slices hold a complete message.
	ModeRead

	// ModeFullEnvelope Slices expose the whole encoded envelope.
	ModeFullEnvelope

	// ModeInner Slices expose only the application's payload region.
	ModeInner
)

// Buffer is implemented by both *Slice and *BigBuffer.
type Buffer interface {
	// Bytes returns the buffer's current content.
	Bytes() []byte

	// Len is the current length.
	Len() int

	// SetLength shortens the buffer to n bytes.
	SetLength(n int) error

	// Release hands the buffer back to its pool.
	Release()
}

// Slice is a view into a backing block of a Pool.
type Slice struct {
	pool  *Pool
	block int

	offset   int
	length   int
	capacity int

	innerOffset int
	user        bool
	mode        Mode
	released    bool
}

func (s *Slice) String() string {
	return fmt.Sprintf("Slice(block=%d, offset=%d, len=%d, cap=%d)", s.block, s.offset, s.length, s.capacity)
}

// Bytes of this Slice. In ModeInner only the payload region is returned.
func (s *Slice) Bytes() []byte {
	if s.released {
		return nil
	}

	buf := s.pool.blocks[s.block].buf[s.offset : s.offset+s.length : s.offset+s.capacity]
	if s.mode&ModeInner != 0 {
		return buf[s.innerOffset:]
	}
	return buf
}

// Envelope returns the whole encoded envelope, regardless of the mode.
func (s *Slice) Envelope() []byte {
	if s.released {
		return nil
	}
	return s.pool.blocks[s.block].buf[s.offset : s.offset+s.length : s.offset+s.capacity]
}

// Len is the length of the whole envelope.
func (s *Slice) Len() int {
	return s.length
}

// Cap is the number of reserved bytes.
func (s *Slice) Cap() int {
	return s.capacity
}

// SetLength sets the envelope's length. Shrinking the most recently cut Slice of a block returns the unused
// bytes to that block.
func (s *Slice) SetLength(n int) error {
	if n < 0 || n > s.capacity {
		return fmt.Errorf("bufpool: length %d exceeds capacity %d", n, s.capacity)
	} else if n < s.innerOffset {
		return fmt.Errorf("bufpool: length %d is smaller than the inner offset %d", n, s.innerOffset)
	}

	s.length = n
	s.pool.shrink(s, n)
	return nil
}

// SetInner marks where the payload starts within the envelope.
func (s *Slice) SetInner(offset int) error {
	if offset < 0 || offset > s.length {
		return fmt.Errorf("bufpool: inner offset %d is out of bounds", offset)
	}
	s.innerOffset = offset
	return nil
}

// Mode of this Slice.
func (s *Slice) Mode() Mode {
	return s.mode
}

// SetMode replaces the mode flags.
func (s *Slice) SetMode(m Mode) {
	s.mode = m
}

// IsUser is true for Slices counting against the user slice limit.
func (s *Slice) IsUser() bool {
	return s.user
}

// Release hands this Slice back to its Pool.
func (s *Slice) Release() {
	s.pool.ReleaseSlice(s)
}
