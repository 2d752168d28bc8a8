// SPDX-FileCopyrightText: 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package queuemsg

import (
	"github.com/dtn7/tunnelstream/pkg/envelope"
	"github.com/dtn7/tunnelstream/pkg/wire"
)

// Decode an envelope into its Msg. Names are copied, the payload of Data and DataExpired aliases b.
//
// Malformed input never panics but results in a *DecodeError.
func Decode(b []byte) (Msg, error) {
	e, err := envelope.Decode(b)
	if err != nil {
		return nil, wrapDecodeError(0, "envelope", err)
	}

	switch e.Class {
	case envelope.ClassRequest:
		return decodeRequest(e)
	case envelope.ClassRefresh:
		return decodeRefresh(e)
	case envelope.ClassStatus:
		return decodeStatus(e)
	case envelope.ClassClose:
		if _, err := extCursor(KindClose, e, OpcodeClose); err != nil {
			return nil, err
		}
		return &Close{Header: headerOf(e)}, nil
	case envelope.ClassGeneric:
		if !e.Flags.Has(envelope.HasExtHeader) || len(e.ExtHeader) < 1 {
			return nil, newDecodeError(0, "extended header", "missing for a Generic envelope")
		}

		switch op := Opcode(e.ExtHeader[0]); op {
		case OpcodeData:
			return decodeData(e)
		case OpcodeAck:
			return decodeAck(e)
		case OpcodeDataExpired:
			return decodeDataExpired(e)
		default:
			return nil, newDecodeError(0, "opcode", "unexpected opcode "+op.String())
		}
	default:
		return nil, newDecodeError(0, "class", "unexpected class "+e.Class.String())
	}
}

func headerOf(e envelope.Msg) Header {
	return Header{StreamID: e.StreamID, DomainType: e.DomainType}
}

func require(kind Kind, e envelope.Msg, flag envelope.Flags, field string) error {
	if !e.Flags.Has(flag) {
		return newDecodeError(kind, field, "not present")
	}
	return nil
}

// copyName copies a name out of the envelope and enforces its maximum length.
func copyName(kind Kind, field string, name []byte) ([]byte, error) {
	if len(name) > MaxNameLen {
		return nil, newDecodeError(kind, field, "longer than the maximum name length")
	} else if len(name) == 0 {
		return nil, nil
	}
	return append([]byte(nil), name...), nil
}

// extCursor returns a Cursor positioned after the opcode of e's extended header.
func extCursor(kind Kind, e envelope.Msg, op Opcode) (*wire.Cursor, error) {
	if err := require(kind, e, envelope.HasExtHeader, "extended header"); err != nil {
		return nil, err
	}

	c := wire.NewCursor(e.ExtHeader)
	if got, err := c.U8(); err != nil {
		return nil, wrapDecodeError(kind, "opcode", err)
	} else if Opcode(got) != op {
		return nil, newDecodeError(kind, "opcode", Opcode(got).String()+" instead of "+op.String())
	}
	return c, nil
}

func decodeRequest(e envelope.Msg) (Msg, error) {
	if err := require(KindRequest, e, envelope.HasKey, "source"); err != nil {
		return nil, err
	}
	c, err := extCursor(KindRequest, e, OpcodeData)
	if err != nil {
		return nil, err
	}

	r := &Request{Header: headerOf(e)}
	if r.Source, err = copyName(KindRequest, "source", e.Name); err != nil {
		return nil, err
	}
	if r.LastOutSeqNum, err = c.U32(); err != nil {
		return nil, wrapDecodeError(KindRequest, "last out sequence number", err)
	}
	if r.LastInSeqNum, err = c.U32(); err != nil {
		return nil, wrapDecodeError(KindRequest, "last in sequence number", err)
	}
	return r, nil
}

func decodeRefresh(e envelope.Msg) (Msg, error) {
	if err := require(KindRefresh, e, envelope.HasState, "state"); err != nil {
		return nil, err
	}
	if err := require(KindRefresh, e, envelope.HasKey, "source"); err != nil {
		return nil, err
	}
	c, err := extCursor(KindRefresh, e, OpcodeRefresh)
	if err != nil {
		return nil, err
	}

	r := &Refresh{Header: headerOf(e), State: e.State}
	if r.Source, err = copyName(KindRefresh, "source", e.Name); err != nil {
		return nil, err
	}
	if r.LastOutSeqNum, err = c.U32(); err != nil {
		return nil, wrapDecodeError(KindRefresh, "last out sequence number", err)
	}
	if r.LastInSeqNum, err = c.U32(); err != nil {
		return nil, wrapDecodeError(KindRefresh, "last in sequence number", err)
	}

	// Older peers do not send a queue depth.
	if c.Len() >= 2 {
		r.QueueDepth, _ = c.U16()
	}
	if len(r.State.Text) > 0 {
		r.State.Text = append([]byte(nil), r.State.Text...)
	}
	return r, nil
}

func decodeStatus(e envelope.Msg) (Msg, error) {
	if _, err := extCursor(KindStatus, e, OpcodeStatus); err != nil {
		return nil, err
	}

	s := &Status{Header: headerOf(e)}
	if e.Flags.Has(envelope.HasState) {
		s.HasState = true
		s.State = e.State
		if len(s.State.Text) > 0 {
			s.State.Text = append([]byte(nil), s.State.Text...)
		}
	}
	return s, nil
}

func decodeData(e envelope.Msg) (Msg, error) {
	if err := require(KindData, e, envelope.HasSeqNum, "sequence number"); err != nil {
		return nil, err
	}
	if err := require(KindData, e, envelope.HasKey, "destination"); err != nil {
		return nil, err
	}
	c, err := extCursor(KindData, e, OpcodeData)
	if err != nil {
		return nil, err
	}

	d := &Data{
		Header:        headerOf(e),
		SeqNum:        e.SeqNum,
		ContainerType: e.ContainerType,
		Payload:       e.Payload,
	}
	if d.Destination, err = copyName(KindData, "destination", e.Name); err != nil {
		return nil, err
	}

	flags, err := c.Packed15()
	if err != nil {
		return nil, wrapDecodeError(KindData, "flags", err)
	}
	d.Flags = DataFlags(flags)

	source, err := c.LenBytes()
	if err != nil {
		return nil, wrapDecodeError(KindData, "source", err)
	}
	if d.Source, err = copyName(KindData, "source", source); err != nil {
		return nil, err
	}

	timeout, err := c.VarInt()
	if err != nil {
		return nil, wrapDecodeError(KindData, "timeout", err)
	}
	if d.Timeout = Timeout(timeout); !d.Timeout.IsValid() {
		return nil, newDecodeError(KindData, "timeout", "negative value other than infinite")
	}

	if d.Identifier, err = c.VarInt(); err != nil {
		return nil, wrapDecodeError(KindData, "identifier", err)
	}
	if d.QueueDepth, err = c.U16(); err != nil {
		return nil, wrapDecodeError(KindData, "queue depth", err)
	}
	return d, nil
}

func decodeAck(e envelope.Msg) (Msg, error) {
	if err := require(KindAck, e, envelope.HasSecondarySeqNum, "acknowledged sequence number"); err != nil {
		return nil, err
	}
	if err := require(KindAck, e, envelope.HasKey, "destination"); err != nil {
		return nil, err
	}
	c, err := extCursor(KindAck, e, OpcodeAck)
	if err != nil {
		return nil, err
	}

	a := &Ack{
		Header:      headerOf(e),
		SeqNum:      e.SeqNum,
		AckedSeqNum: e.SecondarySeqNum,
	}
	if a.Destination, err = copyName(KindAck, "destination", e.Name); err != nil {
		return nil, err
	}

	source, err := c.LenBytes()
	if err != nil {
		return nil, wrapDecodeError(KindAck, "source", err)
	}
	if a.Source, err = copyName(KindAck, "source", source); err != nil {
		return nil, err
	}
	if a.Identifier, err = c.VarInt(); err != nil {
		return nil, wrapDecodeError(KindAck, "identifier", err)
	}
	return a, nil
}

func decodeDataExpired(e envelope.Msg) (Msg, error) {
	if err := require(KindDataExpired, e, envelope.HasKey, "destination"); err != nil {
		return nil, err
	}
	c, err := extCursor(KindDataExpired, e, OpcodeDataExpired)
	if err != nil {
		return nil, err
	}

	de := &DataExpired{
		Header:        headerOf(e),
		SeqNum:        e.SeqNum,
		ContainerType: e.ContainerType,
		Payload:       e.Payload,
	}
	if de.Destination, err = copyName(KindDataExpired, "destination", e.Name); err != nil {
		return nil, err
	}

	flags, err := c.Packed15()
	if err != nil {
		return nil, wrapDecodeError(KindDataExpired, "flags", err)
	}
	de.Flags = DataFlags(flags)

	source, err := c.LenBytes()
	if err != nil {
		return nil, wrapDecodeError(KindDataExpired, "source", err)
	}
	if de.Source, err = copyName(KindDataExpired, "source", source); err != nil {
		return nil, err
	}
	if de.Identifier, err = c.VarInt(); err != nil {
		return nil, wrapDecodeError(KindDataExpired, "identifier", err)
	}

	code, err := c.U8()
	if err != nil {
		return nil, wrapDecodeError(KindDataExpired, "undeliverable code", err)
	}
	if de.Code = UndeliverableCode(code); !de.Code.IsValid() {
		return nil, newDecodeError(KindDataExpired, "undeliverable code", "unknown code")
	}

	if de.QueueDepth, err = c.U16(); err != nil {
		return nil, wrapDecodeError(KindDataExpired, "queue depth", err)
	}
	return de, nil
}
