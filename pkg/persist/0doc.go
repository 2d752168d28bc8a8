// SPDX-FileCopyrightText: 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package persist records unacknowledged messages of a substream in a memory mapped file.
//
// The file has a fixed capacity, chosen at creation. All integers are little-endian.
//
//	header (36 bytes):
//	  version(4) maxSlots(4) maxMsgLen(4) currentCount(4)
//	  lastOutSeq(4) lastInSeq(4) freeListHead(4) savedListHead(4) flags(4)
//	slot (32 bytes + maxMsgLen + HeaderAllowance):
//	  next(4) flags(4) msgLength(4) timeQueued(8) timeToLive(8) reserved(4) data
//
// Each slot is either on the free list or on the saved list. Both lists are linked through the slots' next
// fields, starting at the header's list heads; a zero pointer ends a list. The file holds no other index, so
// reopening it means following these pointers.
//
// The saved list is kept in sequence number order. A slot's sequence number is assigned when the message is
// transmitted and written into the stored envelope itself.
package persist
