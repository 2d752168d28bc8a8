// SPDX-FileCopyrightText: 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package persist

import (
	"fmt"
	"time"

	"github.com/dtn7/tunnelstream/pkg/queuemsg"
	"github.com/dtn7/tunnelstream/pkg/wire"
)

// ActionKind tells how a saved Record is handled after a reconnect.
type ActionKind uint8

const (
	// ActionLocalAck Records were already received by the peer. They are acknowledged locally and freed.
	ActionLocalAck ActionKind = iota

	// ActionExpire Records cannot be sent anymore. A local DataExpired is generated and the Record freed.
	ActionExpire

	// ActionResend Records are sent again.
	ActionResend
)

func (ak ActionKind) String() string {
	switch ak {
	case ActionLocalAck:
		return "LocalAck"
	case ActionExpire:
		return "Expire"
	case ActionResend:
		return "Resend"
	default:
		return "INVALID"
	}
}

// Action for one saved Record.
type Action struct {
	Kind   ActionKind
	Record *Record

	// Reason is set for ActionExpire.
	Reason queuemsg.UndeliverableCode

	// PossibleDuplicate is set for resent Records which were transmitted before.
	PossibleDuplicate bool

	// Unconditional is set for every ActionResend if the peer acknowledged nothing, e.g., lost its own state.
	Unconditional bool
}

func (a Action) String() string {
	switch a.Kind {
	case ActionExpire:
		return fmt.Sprintf("%v(%v, %v)", a.Kind, a.Record, a.Reason)
	case ActionResend:
		return fmt.Sprintf("%v(%v, duplicate=%t, unconditional=%t)", a.Kind, a.Record, a.PossibleDuplicate, a.Unconditional)
	default:
		return fmt.Sprintf("%v(%v)", a.Kind, a.Record)
	}
}

// Retransmit plans the replay of all saved Records in order after a reconnect. The peer reported lastAckedSeq as
// its latest received sequence number, zero if it has none. Records longer than maxLiveLen, if positive, no
// longer fit into a message buffer and expire, as do Records whose TTL ran out by now.
//
// Retransmit does not change the Log; the caller frees LocalAck and Expire Records after acting on them.
func (l *Log) Retransmit(lastAckedSeq uint32, maxLiveLen int, now time.Time) []Action {
	actions := make([]Action, 0, l.count)

	for rec := l.head; rec != nil; rec = rec.next {
		switch {
		case lastAckedSeq != 0 && rec.transmitted && wire.CompareSeq(rec.seqNum, lastAckedSeq) <= 0:
			actions = append(actions, Action{Kind: ActionLocalAck, Record: rec})

		case maxLiveLen > 0 && rec.length > maxLiveLen:
			actions = append(actions, Action{Kind: ActionExpire, Record: rec, Reason: queuemsg.UndeliverableMaxMsgSize})

		case rec.ttl == queuemsg.TimeoutImmediate:
			actions = append(actions, Action{Kind: ActionExpire, Record: rec, Reason: queuemsg.UndeliverableExpired})

		case rec.expiredAt(now):
			actions = append(actions, Action{Kind: ActionExpire, Record: rec, Reason: queuemsg.UndeliverableExpired})

		default:
			actions = append(actions, Action{
				Kind:              ActionResend,
				Record:            rec,
				PossibleDuplicate: rec.transmitted,
				Unconditional:     lastAckedSeq == 0,
			})
		}
	}
	return actions
}

// expiredAt is true if rec's finite TTL ran out at now.
func (r *Record) expiredAt(now time.Time) bool {
	expires, ok := r.Expires()
	return ok && !now.Before(expires)
}
