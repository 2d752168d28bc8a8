// SPDX-FileCopyrightText: 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package envelope implements the generic outer message all substream messages are wrapped in.
//
// An envelope is encoded big-endian as a fixed header followed by optional fields, each one only present if its
// flag is set, and finally the payload, which spans the rest of the buffer:
//
//	class(1) domain(1) streamId(4) container(1) flags(2)
//	[seqNum(4)] [secondarySeqNum(4)]
//	[streamState(1) dataState(1) code(1) textLen(2) text]
//	[nameLen(1) name]
//	[extHdrLen(1) extHdr]
//	payload
//
// Because the fixed header and the sequence numbers sit at fixed offsets, they can be rewritten in place right
// before a transmission without encoding the envelope again.
package envelope
