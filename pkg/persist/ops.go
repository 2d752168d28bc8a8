// SPDX-FileCopyrightText: 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package persist

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/tunnelstream/pkg/envelope"
	"github.com/dtn7/tunnelstream/pkg/queuemsg"
	"github.com/dtn7/tunnelstream/pkg/wire"
)

func (l *Log) writable() error {
	if l.closed {
		return ErrClosed
	} else if l.readOnly {
		return ErrReadOnly
	}
	return nil
}

// appendRecord links rec as the new tail of the in-memory saved list.
func (l *Log) appendRecord(rec *Record) {
	rec.prev, rec.next = l.tail, nil
	if l.tail != nil {
		l.tail.next = rec
	} else {
		l.head = rec
	}
	l.tail = rec
	l.count++
}

// SaveMessage stores an encoded envelope in a free slot and appends it to the saved list. The ttl is counted
// from now; queuemsg.TimeoutInfinite never expires.
func (l *Log) SaveMessage(msg []byte, ttl queuemsg.Timeout) (*Record, error) {
	if err := l.writable(); err != nil {
		return nil, err
	} else if len(msg) > l.geo.dataCap() {
		return nil, ErrMsgTooLarge
	} else if len(l.free) == 0 {
		return nil, ErrPersistenceFull
	}

	h := l.free[len(l.free)-1]
	s, err := slotAt(l.mem, l.geo, h)
	if err != nil {
		return nil, &CorruptError{Path: l.path, Offset: int64(h), Reason: err.Error()}
	}

	l.free = l.free[:len(l.free)-1]
	l.setFreeHead()

	now := l.now()
	s.reset(uint32(len(msg)), now.UnixMilli(), int64(ttl))
	copy(s.data(), msg)

	rec := &Record{
		handle:     h,
		length:     len(msg),
		timeQueued: time.UnixMilli(now.UnixMilli()),
		ttl:        ttl,
		log:        l,
	}

	if l.tail != nil {
		if err := l.setNextOf(l.tail, h); err != nil {
			return nil, err
		}
	}
	l.appendRecord(rec)
	l.setSavedHead()
	l.setCount()

	if err := l.flush(int(h), int(l.geo.slotSize())); err != nil {
		return rec, err
	}
	return rec, l.flush(0, headerLen)
}

// setNextOf rewrites the file pointer of rec's slot.
func (l *Log) setNextOf(rec *Record, h SlotHandle) error {
	s, err := slotAt(l.mem, l.geo, rec.handle)
	if err != nil {
		return &CorruptError{Path: l.path, Offset: int64(rec.handle), Reason: err.Error()}
	}
	s.setNext(h)
	return nil
}

// MarkTransmitted assigns the next outgoing sequence number to rec and writes it into the stored envelope. Later
// calls return the already assigned number.
func (l *Log) MarkTransmitted(rec *Record) (uint32, error) {
	if err := l.writable(); err != nil {
		return 0, err
	} else if rec.log != l {
		return 0, ErrUnknownRecord
	} else if rec.transmitted {
		return rec.seqNum, nil
	}

	s, err := slotAt(l.mem, l.geo, rec.handle)
	if err != nil {
		return 0, &CorruptError{Path: l.path, Offset: int64(rec.handle), Reason: err.Error()}
	}

	seq := wire.NextSeq(l.LastOutSeq())
	if err := envelope.ReplaceSeqNum(s.data()[:rec.length], seq); err != nil {
		return 0, fmt.Errorf("persist: assigning sequence number to %v: %w", rec, err)
	}

	s.setFlags(s.flags() | slotTransmitted)
	le.PutUint32(l.mem[hdrLastOutSeq:], seq)
	rec.seqNum, rec.transmitted = seq, true

	if err := l.flush(int(rec.handle), int(l.geo.slotSize())); err != nil {
		return seq, err
	}
	return seq, l.flush(0, headerLen)
}

// unlink removes rec from the saved list and pushes its slot onto the free list.
func (l *Log) unlink(rec *Record) error {
	var nextHandle SlotHandle
	if rec.next != nil {
		nextHandle = rec.next.handle
	}

	if rec.prev != nil {
		if err := l.setNextOf(rec.prev, nextHandle); err != nil {
			return err
		}
		rec.prev.next = rec.next
	} else {
		l.head = rec.next
	}
	if rec.next != nil {
		rec.next.prev = rec.prev
	} else {
		l.tail = rec.prev
	}
	l.count--
	l.setSavedHead()

	if err := l.setNextOf(rec, l.freeHead()); err != nil {
		return err
	}
	l.free = append(l.free, rec.handle)
	l.setFreeHead()
	l.setCount()

	rec.prev, rec.next, rec.log = nil, nil, nil
	return nil
}

// ReleaseUpTo frees all transmitted Records from the head of the saved list up to and including seqNum. It
// returns the number of released Records.
func (l *Log) ReleaseUpTo(seqNum uint32) (n int, err error) {
	if err = l.writable(); err != nil {
		return
	}

	for l.head != nil && l.head.transmitted && wire.CompareSeq(l.head.seqNum, seqNum) <= 0 {
		if err = l.unlink(l.head); err != nil {
			return
		}
		n++
	}

	if n > 0 {
		log.WithFields(log.Fields{
			"file":     l.path,
			"seq":      seqNum,
			"released": n,
		}).Debug("Released acknowledged messages")

		err = l.flush(0, len(l.mem))
	}
	return
}

// Free removes a single Record from anywhere in the saved list, e.g., after it expired.
func (l *Log) Free(rec *Record) error {
	if err := l.writable(); err != nil {
		return err
	} else if rec.log != l {
		return ErrUnknownRecord
	}

	handle := rec.handle
	if err := l.unlink(rec); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"file": l.path,
		"slot": handle,
	}).Debug("Freed message")

	return l.flush(0, len(l.mem))
}

// SaveLastInSeq persists the sequence number of the latest received message.
func (l *Log) SaveLastInSeq(seqNum uint32) error {
	if err := l.writable(); err != nil {
		return err
	}

	le.PutUint32(l.mem[hdrLastInSeq:], seqNum)
	return l.flush(0, headerLen)
}

// Message returns the stored envelope of rec. The result aliases the mapped file and is only valid as long as
// rec is saved.
func (l *Log) Message(rec *Record) ([]byte, error) {
	if l.closed {
		return nil, ErrClosed
	} else if rec.log != l {
		return nil, ErrUnknownRecord
	}

	s, err := slotAt(l.mem, l.geo, rec.handle)
	if err != nil {
		return nil, &CorruptError{Path: l.path, Offset: int64(rec.handle), Reason: err.Error()}
	}
	return s.data()[:rec.length], nil
}

// ReadMessage copies the stored envelope of rec into dst and returns the number of copied bytes.
func (l *Log) ReadMessage(rec *Record, dst []byte) (int, error) {
	msg, err := l.Message(rec)
	if err != nil {
		return 0, err
	} else if len(dst) < len(msg) {
		return 0, fmt.Errorf("persist: buffer of %d bytes is too small for %d bytes", len(dst), len(msg))
	}
	return copy(dst, msg), nil
}
