// SPDX-FileCopyrightText: 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package queuemsg

import (
	"fmt"
	"strconv"
)

// Opcode is the first octet of every extended header and tells the kind of a Generic envelope apart.
type Opcode uint8

const (
	OpcodeData        Opcode = 0x01
	OpcodeAck         Opcode = 0x02
	OpcodeRefresh     Opcode = 0x03
	OpcodeDataExpired Opcode = 0x04
	OpcodeStatus      Opcode = 0x05
	OpcodeClose       Opcode = 0x06
)

func (op Opcode) String() string {
	switch op {
	case OpcodeData:
		return "DATA"
	case OpcodeAck:
		return "ACK"
	case OpcodeRefresh:
		return "REFRESH"
	case OpcodeDataExpired:
		return "DATA_EXPIRED"
	case OpcodeStatus:
		return "STATUS"
	case OpcodeClose:
		return "CLOSE"
	default:
		return "INVALID"
	}
}

// Timeout of a Data message in milliseconds. The two negative-or-zero values are special.
type Timeout int64

const (
	// TimeoutInfinite messages never expire.
	TimeoutInfinite Timeout = -1

	// TimeoutImmediate messages expire unless they can be delivered right away.
	TimeoutImmediate Timeout = 0
)

func (to Timeout) String() string {
	switch {
	case to == TimeoutInfinite:
		return "Infinite"
	case to == TimeoutImmediate:
		return "Immediate"
	case to < 0:
		return "INVALID"
	default:
		return strconv.FormatInt(int64(to), 10) + "ms"
	}
}

// IsValid checks if this Timeout represents a valid value.
func (to Timeout) IsValid() bool {
	return to >= TimeoutInfinite
}

// UndeliverableCode is the one-octet reason why a message was not delivered.
type UndeliverableCode uint8

const (
	// UndeliverableUnspecified indicates an unknown or not specified reason.
	UndeliverableUnspecified UndeliverableCode = 0x00

	// UndeliverableExpired indicates that the message's timeout elapsed.
	UndeliverableExpired UndeliverableCode = 0x01

	// UndeliverableNoPermission indicates that the sender may not send to the destination.
	UndeliverableNoPermission UndeliverableCode = 0x02

	// UndeliverableInvalidTargetQueue indicates that the destination is unknown.
	UndeliverableInvalidTargetQueue UndeliverableCode = 0x03

	// UndeliverableQueueFull indicates that the destination has no room left.
	UndeliverableQueueFull UndeliverableCode = 0x04

	// UndeliverableQueueDisabled indicates that the destination does not accept messages.
	UndeliverableQueueDisabled UndeliverableCode = 0x05

	// UndeliverableMaxMsgSize indicates that the message is too large to be sent.
	UndeliverableMaxMsgSize UndeliverableCode = 0x06

	// UndeliverableInvalidSender indicates that the source is unknown.
	UndeliverableInvalidSender UndeliverableCode = 0x07

	// UndeliverableTargetDeleted indicates that the destination was deleted.
	UndeliverableTargetDeleted UndeliverableCode = 0x08
)

func (uc UndeliverableCode) String() string {
	switch uc {
	case UndeliverableUnspecified:
		return "Unspecified"
	case UndeliverableExpired:
		return "Expired"
	case UndeliverableNoPermission:
		return "No Permission"
	case UndeliverableInvalidTargetQueue:
		return "Invalid Target Queue"
	case UndeliverableQueueFull:
		return "Queue Full"
	case UndeliverableQueueDisabled:
		return "Queue Disabled"
	case UndeliverableMaxMsgSize:
		return "Max Message Size"
	case UndeliverableInvalidSender:
		return "Invalid Sender"
	case UndeliverableTargetDeleted:
		return "Target Deleted"
	default:
		return "INVALID"
	}
}

// IsValid checks if this UndeliverableCode represents a valid value.
func (uc UndeliverableCode) IsValid() bool {
	return uc.String() != "INVALID"
}

// DataFlags is the 15-bit flag word of Data and DataExpired messages.
type DataFlags uint16

const (
	// PossibleDuplicate marks a retransmission; the receiver may have seen this message before.
	PossibleDuplicate DataFlags = 0x0001
)

func (df DataFlags) String() string {
	if df == 0 {
		return "NONE"
	} else if df == PossibleDuplicate {
		return "POSSIBLE_DUPLICATE"
	}
	return fmt.Sprintf("%#04x", uint16(df))
}
