// SPDX-FileCopyrightText: 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package queuemsg

import (
	"encoding/binary"
	"fmt"

	"github.com/dtn7/tunnelstream/pkg/envelope"
	"github.com/dtn7/tunnelstream/pkg/wire"
)

// Encode a Msg into a new envelope.
func Encode(m Msg) ([]byte, error) {
	e, err := m.toEnvelope()
	if err != nil {
		return nil, err
	}
	return e.Encode()
}

// EncodeInto writes the envelope of a Msg to the start of b and returns the number of written bytes.
func EncodeInto(b []byte, m Msg) (int, error) {
	e, err := m.toEnvelope()
	if err != nil {
		return 0, err
	}
	return e.EncodeInto(b)
}

// EncodedLen returns the length of a Msg's envelope.
func EncodedLen(m Msg) (int, error) {
	e, err := m.toEnvelope()
	if err != nil {
		return 0, err
	}
	return e.EncodedLen(), nil
}

func checkName(kind Kind, field string, name []byte) error {
	if len(name) > MaxNameLen {
		return fmt.Errorf("queuemsg: %v's %s of %d bytes exceeds %d bytes", kind, field, len(name), MaxNameLen)
	}
	return nil
}

func appendU16(b []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendU32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendName(b []byte, name []byte) []byte {
	b = append(b, byte(len(name)))
	return append(b, name...)
}

func (r *Request) toEnvelope() (e envelope.Msg, err error) {
	if err = checkName(KindRequest, "source", r.Source); err != nil {
		return
	}

	ext := make([]byte, 0, 9)
	ext = append(ext, byte(OpcodeData))
	ext = appendU32(ext, r.LastOutSeqNum)
	ext = appendU32(ext, r.LastInSeqNum)

	e = envelope.Msg{
		Class:         envelope.ClassRequest,
		DomainType:    r.DomainType,
		StreamID:      r.StreamID,
		ContainerType: envelope.ContainerNoData,
		Flags:         envelope.Streaming | envelope.HasKey | envelope.HasExtHeader,
		Name:          r.Source,
		ExtHeader:     ext,
	}
	return
}

func (r *Refresh) toEnvelope() (e envelope.Msg, err error) {
	if err = checkName(KindRefresh, "source", r.Source); err != nil {
		return
	}

	ext := make([]byte, 0, 11)
	ext = append(ext, byte(OpcodeRefresh))
	ext = appendU32(ext, r.LastOutSeqNum)
	ext = appendU32(ext, r.LastInSeqNum)
	ext = appendU16(ext, r.QueueDepth)

	e = envelope.Msg{
		Class:         envelope.ClassRefresh,
		DomainType:    r.DomainType,
		StreamID:      r.StreamID,
		ContainerType: envelope.ContainerNoData,
		Flags:         envelope.HasState | envelope.HasKey | envelope.HasExtHeader | envelope.RefreshComplete,
		State:         r.State,
		Name:          r.Source,
		ExtHeader:     ext,
	}
	return
}

func (s *Status) toEnvelope() (e envelope.Msg, err error) {
	e = envelope.Msg{
		Class:         envelope.ClassStatus,
		DomainType:    s.DomainType,
		StreamID:      s.StreamID,
		ContainerType: envelope.ContainerNoData,
		Flags:         envelope.HasExtHeader,
		ExtHeader:     []byte{byte(OpcodeStatus)},
	}
	if s.HasState {
		e.Flags |= envelope.HasState
		e.State = s.State
	}
	return
}

func (c *Close) toEnvelope() (e envelope.Msg, err error) {
	e = envelope.Msg{
		Class:         envelope.ClassClose,
		DomainType:    c.DomainType,
		StreamID:      c.StreamID,
		ContainerType: envelope.ContainerNoData,
		Flags:         envelope.HasExtHeader,
		ExtHeader:     []byte{byte(OpcodeClose)},
	}
	return
}

func (d *Data) toEnvelope() (e envelope.Msg, err error) {
	if err = checkName(KindData, "destination", d.Destination); err != nil {
		return
	} else if err = checkName(KindData, "source", d.Source); err != nil {
		return
	} else if !d.Timeout.IsValid() {
		err = fmt.Errorf("queuemsg: Data's timeout %d is invalid", d.Timeout)
		return
	}

	ext := make([]byte, 0, 2*wire.MaxVarIntSize+len(d.Source)+8)
	ext = append(ext, byte(OpcodeData))
	if ext, err = wire.AppendPacked15(ext, uint16(d.Flags)); err != nil {
		return
	}
	ext = appendName(ext, d.Source)
	ext = wire.AppendVarInt(ext, int64(d.Timeout))
	ext = wire.AppendVarInt(ext, d.Identifier)
	ext = appendU16(ext, d.QueueDepth)

	e = envelope.Msg{
		Class:         envelope.ClassGeneric,
		DomainType:    d.DomainType,
		StreamID:      d.StreamID,
		ContainerType: d.ContainerType,
		Flags:         envelope.HasSeqNum | envelope.HasKey | envelope.HasExtHeader,
		SeqNum:        d.SeqNum,
		Name:          d.Destination,
		ExtHeader:     ext,
		Payload:       d.Payload,
	}
	return
}

func (a *Ack) toEnvelope() (e envelope.Msg, err error) {
	if err = checkName(KindAck, "destination", a.Destination); err != nil {
		return
	} else if err = checkName(KindAck, "source", a.Source); err != nil {
		return
	}

	ext := make([]byte, 0, wire.MaxVarIntSize+len(a.Source)+3)
	ext = append(ext, byte(OpcodeAck))
	ext = appendName(ext, a.Source)
	ext = wire.AppendVarInt(ext, a.Identifier)

	e = envelope.Msg{
		Class:           envelope.ClassGeneric,
		DomainType:      a.DomainType,
		StreamID:        a.StreamID,
		ContainerType:   envelope.ContainerNoData,
		Flags:           envelope.HasSeqNum | envelope.HasSecondarySeqNum | envelope.HasKey | envelope.HasExtHeader,
		SeqNum:          a.SeqNum,
		SecondarySeqNum: a.AckedSeqNum,
		Name:            a.Destination,
		ExtHeader:       ext,
	}
	return
}

func (de *DataExpired) toEnvelope() (e envelope.Msg, err error) {
	if err = checkName(KindDataExpired, "destination", de.Destination); err != nil {
		return
	} else if err = checkName(KindDataExpired, "source", de.Source); err != nil {
		return
	} else if !de.Code.IsValid() {
		err = fmt.Errorf("queuemsg: DataExpired's undeliverable code %d is invalid", de.Code)
		return
	}

	ext := make([]byte, 0, wire.MaxVarIntSize+len(de.Source)+8)
	ext = append(ext, byte(OpcodeDataExpired))
	if ext, err = wire.AppendPacked15(ext, uint16(de.Flags)); err != nil {
		return
	}
	ext = appendName(ext, de.Source)
	ext = wire.AppendVarInt(ext, de.Identifier)
	ext = append(ext, byte(de.Code))
	ext = appendU16(ext, de.QueueDepth)

	e = envelope.Msg{
		Class:         envelope.ClassGeneric,
		DomainType:    de.DomainType,
		StreamID:      de.StreamID,
		ContainerType: de.ContainerType,
		Flags:         envelope.HasKey | envelope.HasExtHeader,
		Name:          de.Destination,
		ExtHeader:     ext,
		Payload:       de.Payload,
	}
	if de.SeqNum != 0 {
		e.Flags |= envelope.HasSeqNum
		e.SeqNum = de.SeqNum
	}
	return
}
