// SPDX-FileCopyrightText: 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package persist

import (
	"fmt"
	"io"

	"github.com/dtn7/cboring"
	"github.com/hashicorp/go-multierror"
	"github.com/howeyc/crc16"
)

var crc16table = crc16.MakeTable(crc16.CCITT)

// SnapshotRecord describes one saved Record within a Snapshot.
type SnapshotRecord struct {
	Handle      SlotHandle
	Length      uint64
	SeqNum      uint32
	Transmitted bool
	TimeQueued  int64
	TTL         int64
	CRC         uint16
}

// MarshalCbor writes this SnapshotRecord as a CBOR array.
func (sr *SnapshotRecord) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(7, w); err != nil {
		return err
	}

	fields := []uint64{uint64(sr.Handle), sr.Length, uint64(sr.SeqNum)}
	for _, f := range fields {
		if err := cboring.WriteUInt(f, w); err != nil {
			return err
		}
	}
	if err := cboring.WriteBoolean(sr.Transmitted, w); err != nil {
		return err
	}

	fields = []uint64{uint64(sr.TimeQueued), uint64(sr.TTL), uint64(sr.CRC)}
	for _, f := range fields {
		if err := cboring.WriteUInt(f, w); err != nil {
			return err
		}
	}
	return nil
}

// UnmarshalCbor reads a SnapshotRecord from a CBOR array.
func (sr *SnapshotRecord) UnmarshalCbor(r io.Reader) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != 7 {
		return fmt.Errorf("SnapshotRecord: expected array of 7 elements, got %d", l)
	}

	var fields [6]uint64
	for i := 0; i < 3; i++ {
		f, err := cboring.ReadUInt(r)
		if err != nil {
			return err
		}
		fields[i] = f
	}

	transmitted, err := cboring.ReadBoolean(r)
	if err != nil {
		return err
	}

	for i := 3; i < 6; i++ {
		f, err := cboring.ReadUInt(r)
		if err != nil {
			return err
		}
		fields[i] = f
	}

	sr.Handle = SlotHandle(fields[0])
	sr.Length = fields[1]
	sr.SeqNum = uint32(fields[2])
	sr.Transmitted = transmitted
	sr.TimeQueued = int64(fields[3])
	sr.TTL = int64(fields[4])
	sr.CRC = uint16(fields[5])
	return nil
}

// Snapshot is a self-contained description of a persistence file's state.
type Snapshot struct {
	Path       string
	MaxSlots   uint32
	MaxMsgLen  uint32
	LastOutSeq uint32
	LastInSeq  uint32
	FreeSlots  uint32
	Records    []SnapshotRecord
}

// MarshalCbor writes this Snapshot as a CBOR array.
func (s *Snapshot) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(7, w); err != nil {
		return err
	}
	if err := cboring.WriteByteString([]byte(s.Path), w); err != nil {
		return err
	}

	for _, f := range []uint32{s.MaxSlots, s.MaxMsgLen, s.LastOutSeq, s.LastInSeq, s.FreeSlots} {
		if err := cboring.WriteUInt(uint64(f), w); err != nil {
			return err
		}
	}

	if err := cboring.WriteArrayLength(uint64(len(s.Records)), w); err != nil {
		return err
	}
	for i := range s.Records {
		if err := cboring.Marshal(&s.Records[i], w); err != nil {
			return fmt.Errorf("marshalling record %d failed: %w", i, err)
		}
	}
	return nil
}

// UnmarshalCbor reads a Snapshot from a CBOR array.
func (s *Snapshot) UnmarshalCbor(r io.Reader) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != 7 {
		return fmt.Errorf("Snapshot: expected array of 7 elements, got %d", l)
	}

	path, err := cboring.ReadByteString(r)
	if err != nil {
		return err
	}
	s.Path = string(path)

	for _, f := range []*uint32{&s.MaxSlots, &s.MaxMsgLen, &s.LastOutSeq, &s.LastInSeq, &s.FreeSlots} {
		v, err := cboring.ReadUInt(r)
		if err != nil {
			return err
		}
		*f = uint32(v)
	}

	n, err := cboring.ReadArrayLength(r)
	if err != nil {
		return err
	}
	s.Records = make([]SnapshotRecord, n)
	for i := range s.Records {
		if err := cboring.Unmarshal(&s.Records[i], r); err != nil {
			return fmt.Errorf("unmarshalling record %d failed: %w", i, err)
		}
	}
	return nil
}

// Snapshot of this Log, including a CRC-16 of every saved message.
func (l *Log) Snapshot() (*Snapshot, error) {
	if l.closed {
		return nil, ErrClosed
	}

	s := &Snapshot{
		Path:       l.path,
		MaxSlots:   l.geo.maxSlots,
		MaxMsgLen:  l.geo.maxMsgLen,
		LastOutSeq: l.LastOutSeq(),
		LastInSeq:  l.LastInSeq(),
		FreeSlots:  uint32(len(l.free)),
		Records:    make([]SnapshotRecord, 0, l.count),
	}

	for rec := l.head; rec != nil; rec = rec.next {
		msg, err := l.Message(rec)
		if err != nil {
			return nil, err
		}

		s.Records = append(s.Records, SnapshotRecord{
			Handle:      rec.handle,
			Length:      uint64(rec.length),
			SeqNum:      rec.seqNum,
			Transmitted: rec.transmitted,
			TimeQueued:  rec.timeQueued.UnixMilli(),
			TTL:         int64(rec.ttl),
			CRC:         crc16.Checksum(msg, crc16table),
		})
	}
	return s, nil
}

// Verify compares this Log's saved messages against a Snapshot.
func (l *Log) Verify(s *Snapshot) error {
	current, err := l.Snapshot()
	if err != nil {
		return err
	}

	var result error
	if len(current.Records) != len(s.Records) {
		result = multierror.Append(result,
			fmt.Errorf("snapshot has %d records, file has %d", len(s.Records), len(current.Records)))
	}

	for i := 0; i < len(current.Records) && i < len(s.Records); i++ {
		cur, old := current.Records[i], s.Records[i]
		// Transmitting writes the sequence number into the message and changes its CRC.
		sameCRC := cur.CRC == old.CRC || cur.Transmitted != old.Transmitted
		if cur.Handle != old.Handle || cur.Length != old.Length || !sameCRC {
			result = multierror.Append(result, fmt.Errorf("record %d at slot %d differs", i, old.Handle))
		} else if old.Transmitted && (!cur.Transmitted || cur.SeqNum != old.SeqNum) {
			result = multierror.Append(result, fmt.Errorf("record %d lost its sequence number %d", i, old.SeqNum))
		}
	}
	return result
}
