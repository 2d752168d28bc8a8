// SPDX-FileCopyrightText: 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package substream

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/tunnelstream/pkg/envelope"
	"github.com/dtn7/tunnelstream/pkg/persist"
	"github.com/dtn7/tunnelstream/pkg/queuemsg"
	"github.com/dtn7/tunnelstream/pkg/wire"
)

// Read an inbound envelope. Malformed envelopes result in an error matching queuemsg.ErrMalformed and leave the
// Substream unchanged.
func (s *Substream) Read(b []byte) error {
	if s.state == stateClosed {
		return ErrClosed
	}

	m, err := queuemsg.Decode(b)
	if err != nil {
		return err
	}

	switch msg := m.(type) {
	case *queuemsg.Refresh:
		return s.onRefresh(msg)

	case *queuemsg.Status:
		s.handler.HandleMsg(msg)
		if msg.HasState && msg.State.StreamState.IsClosed() {
			return s.closeByPeer()
		}
		return nil

	case *queuemsg.Close:
		s.handler.HandleMsg(msg)
		return s.closeByPeer()

	case *queuemsg.Ack:
		if err := s.OnAcknowledged(msg.AckedSeqNum); err != nil {
			return err
		}
		s.handler.HandleMsg(msg)
		return nil

	case *queuemsg.Data:
		return s.onData(msg, msg.SeqNum, msg.Flags, msg.Source, msg.Destination, msg.Identifier)

	case *queuemsg.DataExpired:
		return s.onData(msg, msg.SeqNum, msg.Flags, msg.Source, msg.Destination, msg.Identifier)

	default:
		return fmt.Errorf("substream: unexpected inbound %v", m.Kind())
	}
}

// onRefresh takes over the peer's last sent sequence number. A Refresh for a Substream which is not open yet
// opens it and replays everything the peer has not received.
func (s *Substream) onRefresh(r *queuemsg.Refresh) error {
	if r.State.StreamState.IsClosed() {
		s.handler.HandleMsg(r)
		return s.closeByPeer()
	}

	opens := s.state != stateOpen &&
		r.State.StreamState == envelope.StreamOpen && r.State.DataState == envelope.DataOk

	s.logger().WithFields(log.Fields{
		"peer last out": r.LastOutSeqNum,
		"peer last in":  r.LastInSeqNum,
		"opens":         opens,
	}).Info("Substream received refresh")

	if err := s.setLastInSeq(r.LastOutSeqNum); err != nil {
		return err
	}
	if !opens {
		s.handler.HandleMsg(r)
		return nil
	}

	s.state = stateOpen
	s.handler.HandleMsg(r)

	if s.opts.Log == nil {
		s.lastOut = r.LastInSeqNum
	}
	return s.OnReconnected(r.LastInSeqNum)
}

// onData delivers inbound Data or DataExpired and acknowledges it. A possible duplicate at or before the last
// received sequence number is only acknowledged again.
func (s *Substream) onData(m queuemsg.Msg, seq uint32, flags queuemsg.DataFlags, from, to []byte, id int64) error {
	if seq == 0 {
		s.handler.HandleMsg(m)
		return nil
	}

	lastIn := s.lastInSeq()
	if flags&queuemsg.PossibleDuplicate != 0 && lastIn != 0 && wire.CompareSeq(seq, lastIn) <= 0 {
		s.logger().WithFields(log.Fields{
			"seq":     seq,
			"last in": lastIn,
		}).Debug("Substream dropped duplicate")
	} else {
		s.handler.HandleMsg(m)
		if err := s.setLastInSeq(seq); err != nil {
			return err
		}
	}

	return s.queueCtrl(&queuemsg.Ack{
		Header:      s.header(),
		SeqNum:      s.lastOutSeq(),
		AckedSeqNum: seq,
		Destination: from,
		Source:      to,
		Identifier:  id,
	})
}

// OnAcknowledged releases every saved message up to and including seq.
func (s *Substream) OnAcknowledged(seq uint32) error {
	if s.opts.Log == nil {
		return nil
	}

	_, err := s.opts.Log.ReleaseUpTo(seq)
	return err
}

// OnReconnected replays the saved messages after the peer reported lastAcked as its latest received sequence
// number. Messages the peer has are acknowledged locally, those which cannot be sent anymore expire locally and
// the rest is queued again, flagged as possible duplicates if they were sent before.
//
// If replaying fails, the queue is left as it was and the Substream should be closed.
func (s *Substream) OnReconnected(lastAcked uint32) error {
	if s.state == stateClosed {
		return ErrClosed
	} else if s.state != stateOpen {
		return ErrNotOpen
	}
	defer s.updateTimeout()

	if s.opts.Log == nil {
		if len(s.queue) > 0 {
			s.scheduler.AddToDispatchList(s.opts.StreamID)
		}
		return nil
	}

	queued := make(map[*persist.Record]*outMsg, len(s.queue))
	for _, om := range s.queue {
		queued[om.rec] = om
	}

	actions := s.opts.Log.Retransmit(lastAcked, s.opts.MaxMsgLen, s.opts.Now())
	replay := make([]*outMsg, 0, len(actions))

	for _, a := range actions {
		s.logger().WithField("action", a).Debug("Substream replays record")

		om, ok := queued[a.Record]
		if !ok {
			om = &outMsg{rec: a.Record}
			om.expires, om.hasExpiry = a.Record.Expires()
		}

		switch a.Kind {
		case persist.ActionLocalAck:
			msg, err := s.opts.Log.Message(a.Record)
			if err != nil {
				return err
			}
			ack, err := s.ackFor(msg, a.Record.SeqNum())
			if err != nil {
				return err
			}

			om.release()
			if err := s.opts.Log.Free(a.Record); err != nil {
				return err
			}
			s.handler.HandleMsg(ack)

		case persist.ActionExpire:
			if err := s.expire(om, a.Reason); err != nil {
				return err
			}

		case persist.ActionResend:
			if a.PossibleDuplicate && !om.duplicate {
				om.duplicate = true
				if om.buf != nil {
					if _, err := queuemsg.PatchDuplicateFlag(om.buf.Bytes(), queuemsg.PossibleDuplicate); err != nil {
						return err
					}
				}
			}
			replay = append(replay, om)
		}
	}
	s.queue = replay

	s.logger().WithFields(log.Fields{
		"last acked":    lastAcked,
		"resend":        len(s.queue),
		"unconditional": lastAcked == 0,
	}).Info("Substream replayed saved messages")

	if len(s.queue) > 0 {
		s.scheduler.AddToDispatchList(s.opts.StreamID)
	}
	return nil
}
