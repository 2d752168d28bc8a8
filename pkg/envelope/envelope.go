// SPDX-FileCopyrightText: 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package envelope

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dtn7/tunnelstream/pkg/wire"
)

const (
	// FixedHeaderLen is the length of the always present part of an envelope.
	FixedHeaderLen = 9

	offsetStreamID = 2
	offsetFlags    = 7
	offsetSeqNum   = FixedHeaderLen

	// MaxNameLen is the longest key name an envelope can carry.
	MaxNameLen = 0xFF
	// MaxExtHeaderLen is the longest extended header an envelope can carry.
	MaxExtHeaderLen = 0xFF
	// MaxTextLen is the longest state text an envelope can carry.
	MaxTextLen = 0xFFFF
)

// ErrNoSeqNum is returned when accessing the sequence number of an envelope without one.
var ErrNoSeqNum = errors.New("envelope: no sequence number present")

// Msg is a decoded envelope. Slices of a decoded Msg alias the decoded buffer.
type Msg struct {
	Class         Class
	DomainType    uint8
	StreamID      int32
	ContainerType ContainerType
	Flags         Flags

	SeqNum          uint32
	SecondarySeqNum uint32
	State           State
	Name            []byte
	ExtHeader       []byte

	Payload []byte
}

func (m Msg) String() string {
	return fmt.Sprintf("envelope(class=%v, stream=%d, domain=%d, flags=%#04x, len(payload)=%d)",
		m.Class, m.StreamID, m.DomainType, uint16(m.Flags), len(m.Payload))
}

// EncodedLen returns the number of bytes Encode produces for this Msg.
func (m Msg) EncodedLen() int {
	n := FixedHeaderLen
	if m.Flags.Has(HasSeqNum) {
		n += 4
	}
	if m.Flags.Has(HasSecondarySeqNum) {
		n += 4
	}
	if m.Flags.Has(HasState) {
		n += 5 + len(m.State.Text)
	}
	if m.Flags.Has(HasKey) {
		n += 1 + len(m.Name)
	}
	if m.Flags.Has(HasExtHeader) {
		n += 1 + len(m.ExtHeader)
	}
	return n + len(m.Payload)
}

func (m Msg) check() error {
	if !m.Class.IsValid() {
		return fmt.Errorf("envelope: invalid class %d", m.Class)
	}
	if m.Flags.Has(HasKey) && len(m.Name) > MaxNameLen {
		return fmt.Errorf("envelope: name of %d bytes exceeds %d", len(m.Name), MaxNameLen)
	}
	if m.Flags.Has(HasExtHeader) && len(m.ExtHeader) > MaxExtHeaderLen {
		return fmt.Errorf("envelope: extended header of %d bytes exceeds %d", len(m.ExtHeader), MaxExtHeaderLen)
	}
	if m.Flags.Has(HasState) && len(m.State.Text) > MaxTextLen {
		return fmt.Errorf("envelope: state text of %d bytes exceeds %d", len(m.State.Text), MaxTextLen)
	}
	return nil
}

// Encode this Msg into a new byte slice.
func (m Msg) Encode() ([]byte, error) {
	b := make([]byte, m.EncodedLen())
	if _, err := m.EncodeInto(b); err != nil {
		return nil, err
	}
	return b, nil
}

// EncodeInto writes this Msg to the start of b and returns the number of written bytes.
func (m Msg) EncodeInto(b []byte) (n int, err error) {
	if err = m.check(); err != nil {
		return
	}
	if l := m.EncodedLen(); len(b) < l {
		err = fmt.Errorf("envelope: buffer of %d bytes is too small for %d bytes", len(b), l)
		return
	}

	b[0] = byte(m.Class)
	b[1] = m.DomainType
	binary.BigEndian.PutUint32(b[offsetStreamID:], uint32(m.StreamID))
	b[6] = byte(m.ContainerType)
	binary.BigEndian.PutUint16(b[offsetFlags:], uint16(m.Flags))
	n = FixedHeaderLen

	if m.Flags.Has(HasSeqNum) {
		binary.BigEndian.PutUint32(b[n:], m.SeqNum)
		n += 4
	}
	if m.Flags.Has(HasSecondarySeqNum) {
		binary.BigEndian.PutUint32(b[n:], m.SecondarySeqNum)
		n += 4
	}
	if m.Flags.Has(HasState) {
		b[n] = byte(m.State.StreamState)
		b[n+1] = byte(m.State.DataState)
		b[n+2] = m.State.Code
		binary.BigEndian.PutUint16(b[n+3:], uint16(len(m.State.Text)))
		n += 5
		n += copy(b[n:], m.State.Text)
	}
	if m.Flags.Has(HasKey) {
		b[n] = byte(len(m.Name))
		n++
		n += copy(b[n:], m.Name)
	}
	if m.Flags.Has(HasExtHeader) {
		b[n] = byte(len(m.ExtHeader))
		n++
		n += copy(b[n:], m.ExtHeader)
	}
	n += copy(b[n:], m.Payload)
	return
}

// Decode an envelope. The returned Msg aliases b.
func Decode(b []byte) (m Msg, err error) {
	c := wire.NewCursor(b)
	if err = decodeHeader(c, &m); err != nil {
		return
	}

	m.Payload = nilIfEmpty(c.Rest())
	return
}

func nilIfEmpty(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

// decodeHeader reads everything up to the payload.
func decodeHeader(c *wire.Cursor, m *Msg) error {
	if c.Len() < FixedHeaderLen {
		return fmt.Errorf("envelope: %d bytes are too short for a header", c.Len())
	}

	class, _ := c.U8()
	m.Class = Class(class)
	if !m.Class.IsValid() {
		return fmt.Errorf("envelope: invalid class %d", class)
	}

	m.DomainType, _ = c.U8()
	streamID, _ := c.U32()
	m.StreamID = int32(streamID)
	container, _ := c.U8()
	m.ContainerType = ContainerType(container)
	flags, _ := c.U16()
	m.Flags = Flags(flags)

	var err error
	if m.Flags.Has(HasSeqNum) {
		if m.SeqNum, err = c.U32(); err != nil {
			return fmt.Errorf("envelope: sequence number: %w", err)
		}
	}
	if m.Flags.Has(HasSecondarySeqNum) {
		if m.SecondarySeqNum, err = c.U32(); err != nil {
			return fmt.Errorf("envelope: secondary sequence number: %w", err)
		}
	}
	if m.Flags.Has(HasState) {
		if err = decodeState(c, &m.State); err != nil {
			return fmt.Errorf("envelope: state: %w", err)
		}
	}
	if m.Flags.Has(HasKey) {
		if m.Name, err = c.LenBytes(); err != nil {
			return fmt.Errorf("envelope: name: %w", err)
		}
		m.Name = nilIfEmpty(m.Name)
	}
	if m.Flags.Has(HasExtHeader) {
		if m.ExtHeader, err = c.LenBytes(); err != nil {
			return fmt.Errorf("envelope: extended header: %w", err)
		}
		m.ExtHeader = nilIfEmpty(m.ExtHeader)
	}
	return nil
}

func decodeState(c *wire.Cursor, s *State) error {
	streamState, err := c.U8()
	if err != nil {
		return err
	}
	dataState, err := c.U8()
	if err != nil {
		return err
	}
	code, err := c.U8()
	if err != nil {
		return err
	}
	textLen, err := c.U16()
	if err != nil {
		return err
	}
	text, err := c.Bytes(int(textLen))
	if err != nil {
		return err
	}

	s.StreamState = StreamState(streamState)
	s.DataState = DataState(dataState)
	s.Code = code
	s.Text = nilIfEmpty(text)
	return nil
}

// ExtHeaderOffset locates the extended header inside an encoded envelope. It returns its offset, which points to
// the first byte after the length octet, and its length.
func ExtHeaderOffset(b []byte) (offset, length int, err error) {
	var m Msg
	c := wire.NewCursor(b)
	if err = decodeHeader(c, &m); err != nil {
		return
	}
	if !m.Flags.Has(HasExtHeader) {
		err = fmt.Errorf("envelope: no extended header present")
		return
	}

	length = len(m.ExtHeader)
	offset = c.Pos() - length
	return
}

// PeekStreamID reads the stream id of an encoded envelope.
func PeekStreamID(b []byte) (int32, error) {
	if len(b) < FixedHeaderLen {
		return 0, wire.ErrShortBuffer
	}
	return int32(binary.BigEndian.Uint32(b[offsetStreamID:])), nil
}

// PeekClass reads the class of an encoded envelope.
func PeekClass(b []byte) (Class, error) {
	if len(b) < FixedHeaderLen {
		return 0, wire.ErrShortBuffer
	}
	return Class(b[0]), nil
}

// PeekSeqNum reads the sequence number of an encoded envelope.
func PeekSeqNum(b []byte) (uint32, error) {
	if len(b) < FixedHeaderLen+4 {
		return 0, wire.ErrShortBuffer
	} else if !Flags(binary.BigEndian.Uint16(b[offsetFlags:])).Has(HasSeqNum) {
		return 0, ErrNoSeqNum
	}
	return binary.BigEndian.Uint32(b[offsetSeqNum:]), nil
}

// ReplaceSeqNum overwrites the sequence number of an encoded envelope in place.
func ReplaceSeqNum(b []byte, seqNum uint32) error {
	if len(b) < FixedHeaderLen+4 {
		return wire.ErrShortBuffer
	} else if !Flags(binary.BigEndian.Uint16(b[offsetFlags:])).Has(HasSeqNum) {
		return ErrNoSeqNum
	}
	binary.BigEndian.PutUint32(b[offsetSeqNum:], seqNum)
	return nil
}

// ReplaceStreamID overwrites the stream id of an encoded envelope in place.
func ReplaceStreamID(b []byte, streamID int32) error {
	if len(b) < FixedHeaderLen {
		return wire.ErrShortBuffer
	}
	binary.BigEndian.PutUint32(b[offsetStreamID:], uint32(streamID))
	return nil
}
