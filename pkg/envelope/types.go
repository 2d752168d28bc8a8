// SPDX-FileCopyrightText: 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package envelope

import "fmt"

// Class is the one-octet message class of an envelope.
type Class uint8

const (
	ClassRequest Class = 1
	ClassRefresh Class = 2
	ClassStatus  Class = 3
	ClassUpdate  Class = 4
	ClassClose   Class = 5
	ClassAck     Class = 6
	ClassGeneric Class = 7
)

func (c Class) String() string {
	switch c {
	case ClassRequest:
		return "Request"
	case ClassRefresh:
		return "Refresh"
	case ClassStatus:
		return "Status"
	case ClassUpdate:
		return "Update"
	case ClassClose:
		return "Close"
	case ClassAck:
		return "Ack"
	case ClassGeneric:
		return "Generic"
	default:
		return "INVALID"
	}
}

// IsValid checks if this Class represents a valid value.
func (c Class) IsValid() bool {
	return c.String() != "INVALID"
}

// ContainerType describes the payload of an envelope.
type ContainerType uint8

const (
	ContainerNoData     ContainerType = 128
	ContainerOpaque     ContainerType = 130
	ContainerFilterList ContainerType = 132
	ContainerMsg        ContainerType = 141
)

func (ct ContainerType) String() string {
	switch ct {
	case ContainerNoData:
		return "NoData"
	case ContainerOpaque:
		return "Opaque"
	case ContainerFilterList:
		return "FilterList"
	case ContainerMsg:
		return "Msg"
	default:
		return fmt.Sprintf("ContainerType(%d)", uint8(ct))
	}
}

// Flags of an envelope. The Has* flags announce optional fields.
type Flags uint16

const (
	HasExtHeader       Flags = 0x0001
	HasSeqNum          Flags = 0x0002
	HasSecondarySeqNum Flags = 0x0004
	HasState           Flags = 0x0008
	HasKey             Flags = 0x0010
	Streaming          Flags = 0x0020
	RefreshComplete    Flags = 0x0040
	PrivateStream      Flags = 0x0080
)

// Has checks if all of the given flags are set.
func (f Flags) Has(flags Flags) bool {
	return f&flags == flags
}

// StreamState is the state of a stream reported by a Refresh or Status message.
type StreamState uint8

const (
	StreamUnspecified   StreamState = 0
	StreamOpen          StreamState = 1
	StreamNonStreaming  StreamState = 2
	StreamClosedRecover StreamState = 3
	StreamClosed        StreamState = 4
	StreamRedirected    StreamState = 5
)

func (ss StreamState) String() string {
	switch ss {
	case StreamUnspecified:
		return "Unspecified"
	case StreamOpen:
		return "Open"
	case StreamNonStreaming:
		return "NonStreaming"
	case StreamClosedRecover:
		return "ClosedRecover"
	case StreamClosed:
		return "Closed"
	case StreamRedirected:
		return "Redirected"
	default:
		return "INVALID"
	}
}

// IsClosed is true for both closed states.
func (ss StreamState) IsClosed() bool {
	return ss == StreamClosed || ss == StreamClosedRecover
}

// DataState describes the health of the data on a stream.
type DataState uint8

const (
	DataNoChange DataState = 0
	DataOk       DataState = 1
	DataSuspect  DataState = 2
)

func (ds DataState) String() string {
	switch ds {
	case DataNoChange:
		return "NoChange"
	case DataOk:
		return "Ok"
	case DataSuspect:
		return "Suspect"
	default:
		return "INVALID"
	}
}

// State of a stream as carried inside an envelope.
type State struct {
	StreamState StreamState
	DataState   DataState
	Code        uint8
	Text        []byte
}

func (s State) String() string {
	if len(s.Text) == 0 {
		return fmt.Sprintf("%v/%v", s.StreamState, s.DataState)
	}
	return fmt.Sprintf("%v/%v (%s)", s.StreamState, s.DataState, s.Text)
}
