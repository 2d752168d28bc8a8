// SPDX-FileCopyrightText: 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package queuemsg

import (
	"fmt"

	"github.com/dtn7/tunnelstream/pkg/envelope"
)

// MaxNameLen is the longest source or destination name.
const MaxNameLen = 200

// Kind of a Msg.
type Kind uint8

const (
	KindRequest Kind = iota + 1
	KindRefresh
	KindStatus
	KindClose
	KindData
	KindAck
	KindDataExpired
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "Request"
	case KindRefresh:
		return "Refresh"
	case KindStatus:
		return "Status"
	case KindClose:
		return "Close"
	case KindData:
		return "Data"
	case KindAck:
		return "Ack"
	case KindDataExpired:
		return "DataExpired"
	default:
		return "INVALID"
	}
}

// Msg is one of the substream messages: *Request, *Refresh, *Status, *Close, *Data, *Ack or *DataExpired.
type Msg interface {
	fmt.Stringer

	// Kind of this message.
	Kind() Kind

	// Opcode of this message's extended header.
	Opcode() Opcode

	// Head returns the fields every message has in common.
	Head() *Header

	// toEnvelope builds the generic envelope for this message.
	toEnvelope() (envelope.Msg, error)
}

// Header holds the fields shared by all messages.
type Header struct {
	StreamID   int32
	DomainType uint8
}

// Head returns this Header itself and makes every embedding message a Msg.
func (h *Header) Head() *Header {
	return h
}

// Request opens a substream. Its sequence numbers are those persisted from the last session.
type Request struct {
	Header

	Source        []byte
	LastOutSeqNum uint32
	LastInSeqNum  uint32
}

func (*Request) Kind() Kind { return KindRequest }
func (*Request) Opcode() Opcode { return OpcodeData }
func (r *Request) String() string {
	return fmt.Sprintf("Request(stream=%d, source=%s, lastOut=%d, lastIn=%d)",
		r.StreamID, r.Source, r.LastOutSeqNum, r.LastInSeqNum)
}

// Refresh answers a Request and reports the peer's sequence numbers.
type Refresh struct {
	Header

	Source        []byte
	LastOutSeqNum uint32
	LastInSeqNum  uint32
	QueueDepth    uint16
	State         envelope.State
}

func (*Refresh) Kind() Kind { return KindRefresh }
func (*Refresh) Opcode() Opcode { return OpcodeRefresh }
func (r *Refresh) String() string {
	return fmt.Sprintf("Refresh(stream=%d, source=%s, lastOut=%d, lastIn=%d, depth=%d, state=%v)",
		r.StreamID, r.Source, r.LastOutSeqNum, r.LastInSeqNum, r.QueueDepth, r.State)
}

// Status reports a state change of a substream.
type Status struct {
	Header

	HasState bool
	State    envelope.State
}

func (*Status) Kind() Kind { return KindStatus }
func (*Status) Opcode() Opcode { return OpcodeStatus }
func (s *Status) String() string {
	if !s.HasState {
		return fmt.Sprintf("Status(stream=%d)", s.StreamID)
	}
	return fmt.Sprintf("Status(stream=%d, state=%v)", s.StreamID, s.State)
}

// Close ends a substream.
type Close struct {
	Header
}

func (*Close) Kind() Kind { return KindClose }
func (*Close) Opcode() Opcode { return OpcodeClose }
func (c *Close) String() string { return fmt.Sprintf("Close(stream=%d)", c.StreamID) }

// Data carries an application payload from Source to Destination.
type Data struct {
	Header

	SeqNum        uint32
	Destination   []byte
	Source        []byte
	Identifier    int64
	Timeout       Timeout
	Flags         DataFlags
	QueueDepth    uint16
	ContainerType envelope.ContainerType
	Payload       []byte
}

func (*Data) Kind() Kind { return KindData }
func (*Data) Opcode() Opcode { return OpcodeData }
func (d *Data) String() string {
	return fmt.Sprintf("Data(stream=%d, seq=%d, %s -> %s, id=%d, timeout=%v, flags=%v, len(payload)=%d)",
		d.StreamID, d.SeqNum, d.Source, d.Destination, d.Identifier, d.Timeout, d.Flags, len(d.Payload))
}

// Ack acknowledges the Data message with sequence number AckedSeqNum.
type Ack struct {
	Header

	SeqNum      uint32
	AckedSeqNum uint32
	Destination []byte
	Source      []byte
	Identifier  int64
}

func (*Ack) Kind() Kind { return KindAck }
func (*Ack) Opcode() Opcode { return OpcodeAck }
func (a *Ack) String() string {
	return fmt.Sprintf("Ack(stream=%d, acked=%d, %s -> %s, id=%d)",
		a.StreamID, a.AckedSeqNum, a.Source, a.Destination, a.Identifier)
}

// DataExpired returns an undeliverable Data message to its sender. A locally generated DataExpired has no
// sequence number, which is represented by zero.
type DataExpired struct {
	Header

	SeqNum        uint32
	Destination   []byte
	Source        []byte
	Identifier    int64
	Code          UndeliverableCode
	Flags         DataFlags
	QueueDepth    uint16
	ContainerType envelope.ContainerType
	Payload       []byte
}

func (*DataExpired) Kind() Kind { return KindDataExpired }
func (*DataExpired) Opcode() Opcode { return OpcodeDataExpired }
func (de *DataExpired) String() string {
	return fmt.Sprintf("DataExpired(stream=%d, seq=%d, %s -> %s, id=%d, code=%v, len(payload)=%d)",
		de.StreamID, de.SeqNum, de.Source, de.Destination, de.Identifier, de.Code, len(de.Payload))
}
