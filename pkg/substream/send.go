// SPDX-FileCopyrightText: 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package substream

import (
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/tunnelstream/pkg/bufpool"
	"github.com/dtn7/tunnelstream/pkg/envelope"
	"github.com/dtn7/tunnelstream/pkg/queuemsg"
	"github.com/dtn7/tunnelstream/pkg/wire"
)

// acquire a buffer of n bytes, escalating to a big buffer if a Slice cannot hold it.
func (s *Substream) acquire(n int, forUser bool) (bufpool.Buffer, error) {
	sl, err := s.opts.Pool.AcquireSlice(n, forUser)
	if err == nil {
		return sl, nil
	} else if !errors.Is(err, bufpool.ErrTooLarge) || s.opts.BigPool == nil {
		return nil, err
	}

	bb, err := s.opts.BigPool.AcquireBigBuffer(n)
	if errors.Is(err, bufpool.ErrBigBufferLimit) {
		return nil, fmt.Errorf("%v: %w", err, bufpool.ErrNoBuffers)
	} else if err != nil {
		return nil, err
	}
	return bb, nil
}

// encode m into a fresh buffer.
func (s *Substream) encode(m queuemsg.Msg, forUser bool) (bufpool.Buffer, error) {
	n, err := queuemsg.EncodedLen(m)
	if err != nil {
		return nil, err
	}

	buf, err := s.acquire(n, forUser)
	if err != nil {
		return nil, err
	}
	if _, err := queuemsg.EncodeInto(buf.Bytes(), m); err != nil {
		buf.Release()
		return nil, err
	}
	return buf, nil
}

// queueCtrl queues a control message for the next dispatch.
func (s *Substream) queueCtrl(m queuemsg.Msg) error {
	buf, err := s.encode(m, false)
	if err != nil {
		return err
	}

	s.ctrl = append(s.ctrl, buf)
	s.scheduler.AddToDispatchList(s.opts.StreamID)
	return nil
}

// sendNow submits a control message right away.
func (s *Substream) sendNow(m queuemsg.Msg) error {
	buf, err := s.encode(m, false)
	if err != nil {
		return err
	}
	defer buf.Release()

	return s.transport.Submit(buf.Bytes())
}

// Submit queues a Data message. Its stream identifier, domain type and sequence number are set by the Substream,
// an empty Source defaults to the Substream's name. A persistent Substream saves the message first; a
// persist.ErrPersistenceFull or a bufpool.ErrNoBuffers error asks the caller to retry after an acknowledgement.
func (s *Substream) Submit(d *queuemsg.Data) error {
	if s.state == stateClosed {
		return ErrClosed
	}

	d.Header = s.header()
	d.SeqNum = 0
	if len(d.Source) == 0 {
		d.Source = s.opts.Name
	}

	n, err := queuemsg.EncodedLen(d)
	if err != nil {
		return err
	} else if s.opts.MaxMsgLen > 0 && n > s.opts.MaxMsgLen {
		return ErrMsgTooLarge
	}

	buf, err := s.encode(d, true)
	if err != nil {
		return err
	}

	om := &outMsg{buf: buf}
	if s.opts.Log != nil {
		if om.rec, err = s.opts.Log.SaveMessage(buf.Bytes(), d.Timeout); err != nil {
			buf.Release()
			return err
		}
	}
	if d.Timeout > 0 {
		om.expires = s.opts.Now().Add(time.Duration(d.Timeout) * time.Millisecond)
		om.hasExpiry = true
	}

	s.queue = append(s.queue, om)
	if s.state == stateOpen {
		s.scheduler.AddToDispatchList(s.opts.StreamID)
	}
	s.updateTimeout()
	return nil
}

// load reads a replayed record into a buffer, addressed to the current stream identifier.
func (s *Substream) load(om *outMsg) error {
	if om.buf != nil {
		return nil
	}

	buf, err := s.acquire(om.rec.Len(), false)
	if err != nil {
		return err
	}
	if _, err := s.opts.Log.ReadMessage(om.rec, buf.Bytes()); err != nil {
		buf.Release()
		return err
	}
	if err := envelope.ReplaceStreamID(buf.Bytes(), s.opts.StreamID); err != nil {
		buf.Release()
		return err
	}
	if om.duplicate {
		if _, err := queuemsg.PatchDuplicateFlag(buf.Bytes(), queuemsg.PossibleDuplicate); err != nil {
			buf.Release()
			return err
		}
	}

	om.buf = buf
	return nil
}

// assignSeq returns the sequence number of om, assigning the next one on its first transmission.
func (s *Substream) assignSeq(om *outMsg) (uint32, error) {
	if om.rec != nil {
		return s.opts.Log.MarkTransmitted(om.rec)
	}

	if !om.hasSeq {
		om.seq = wire.NextSeq(s.lastOut)
		om.hasSeq = true
		s.lastOut = om.seq
	}
	return om.seq, nil
}

// Dispatch sends the queued control messages and, once open, the queued Data messages in order.
func (s *Substream) Dispatch(now time.Time) error {
	if s.state == stateClosed {
		return ErrClosed
	}

	for len(s.ctrl) > 0 {
		if err := s.transport.Submit(s.ctrl[0].Bytes()); err != nil {
			return err
		}
		s.ctrl[0].Release()
		s.ctrl = s.ctrl[1:]
	}

	if s.state != stateOpen {
		return nil
	}
	defer s.updateTimeout()

	for len(s.queue) > 0 {
		om := s.queue[0]
		if om.hasExpiry && !now.Before(om.expires) {
			s.queue = s.queue[1:]
			if err := s.expire(om, queuemsg.UndeliverableExpired); err != nil {
				return err
			}
			continue
		}

		if err := s.load(om); err != nil {
			return err
		}
		b := om.buf.Bytes()

		seq, err := s.assignSeq(om)
		if err != nil {
			return err
		}
		if err := envelope.ReplaceSeqNum(b, seq); err != nil {
			return err
		}

		if om.hasExpiry {
			remaining := om.expires.Sub(now) / time.Millisecond
			if remaining < 1 {
				remaining = 1
			}
			if _, err := queuemsg.PatchTimeout(b, queuemsg.Timeout(remaining)); err != nil {
				return err
			}
		}

		if err := s.transport.Submit(b); err != nil {
			return err
		}

		log.WithFields(log.Fields{
			"stream":    s.opts.StreamID,
			"seq":       seq,
			"duplicate": om.duplicate,
		}).Debug("Substream transmitted message")

		om.release()
		s.queue = s.queue[1:]
	}
	return nil
}

// NextTimeout is the soonest expiry of a queued message.
func (s *Substream) NextTimeout() (at time.Time, ok bool) {
	for _, om := range s.queue {
		if om.hasExpiry && (!ok || om.expires.Before(at)) {
			at, ok = om.expires, true
		}
	}
	return
}

func (s *Substream) updateTimeout() {
	if s.state == stateClosed {
		return
	}

	if at, ok := s.NextTimeout(); ok {
		s.scheduler.AddToTimeoutList(s.opts.StreamID, at)
	} else {
		s.scheduler.RemoveFromTimeoutList(s.opts.StreamID)
	}
}

// ProcessTimer expires all queued messages whose timeout passed by now.
func (s *Substream) ProcessTimer(now time.Time) error {
	if s.state == stateClosed {
		return ErrClosed
	}
	defer s.updateTimeout()

	kept := s.queue[:0]
	var expired []*outMsg
	for _, om := range s.queue {
		if om.hasExpiry && !now.Before(om.expires) {
			expired = append(expired, om)
		} else {
			kept = append(kept, om)
		}
	}
	s.queue = kept

	for _, om := range expired {
		if err := s.expire(om, queuemsg.UndeliverableExpired); err != nil {
			return err
		}
	}
	return nil
}

// expire hands a local DataExpired for a queued message to the Handler and frees its record.
func (s *Substream) expire(om *outMsg, code queuemsg.UndeliverableCode) error {
	defer om.release()

	var b []byte
	if om.buf != nil {
		b = om.buf.Bytes()
	} else {
		msg, err := s.opts.Log.Message(om.rec)
		if err != nil {
			return err
		}
		b = msg
	}

	de, err := s.expiredFor(b, code)
	if err != nil {
		return err
	}

	s.logger().WithFields(log.Fields{
		"id":   de.Identifier,
		"code": code,
	}).Info("Substream expired message")

	if om.rec != nil {
		if err := s.opts.Log.Free(om.rec); err != nil {
			return err
		}
	}
	s.handler.HandleMsg(de)
	return nil
}

// decodeSaved decodes one of the own Data messages. Its errors do not match queuemsg.ErrMalformed, which is
// reserved for inbound messages.
func decodeSaved(b []byte) (*queuemsg.Data, error) {
	m, err := queuemsg.Decode(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSavedMessage, err)
	}
	d, ok := m.(*queuemsg.Data)
	if !ok {
		return nil, fmt.Errorf("%w: found %v instead of Data", ErrSavedMessage, m.Kind())
	}
	return d, nil
}

// expiredFor builds the local DataExpired returning an encoded Data message to its sender.
func (s *Substream) expiredFor(b []byte, code queuemsg.UndeliverableCode) (*queuemsg.DataExpired, error) {
	d, err := decodeSaved(b)
	if err != nil {
		return nil, err
	}

	return &queuemsg.DataExpired{
		Header:        s.header(),
		Destination:   d.Source,
		Source:        d.Destination,
		Identifier:    d.Identifier,
		Code:          code,
		Flags:         d.Flags,
		ContainerType: d.ContainerType,
		Payload:       append([]byte(nil), d.Payload...),
	}, nil
}

// ackFor builds the local Ack for an encoded Data message the peer already received.
func (s *Substream) ackFor(b []byte, seq uint32) (*queuemsg.Ack, error) {
	d, err := decodeSaved(b)
	if err != nil {
		return nil, err
	}

	return &queuemsg.Ack{
		Header:      s.header(),
		AckedSeqNum: seq,
		Destination: d.Source,
		Source:      d.Destination,
		Identifier:  d.Identifier,
	}, nil
}
