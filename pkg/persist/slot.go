// SPDX-FileCopyrightText: 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package persist

import (
	"encoding/binary"
	"fmt"
)

const (
	// FileVersion is written into new files; other versions are rejected.
	FileVersion uint32 = 1

	// HeaderAllowance is the number of bytes a slot holds in addition to maxMsgLen for the envelope.
	HeaderAllowance = 128

	headerLen = 36

	hdrVersion      = 0
	hdrMaxSlots     = 4
	hdrMaxMsgLen    = 8
	hdrCurrentCount = 12
	hdrLastOutSeq   = 16
	hdrLastInSeq    = 20
	hdrFreeHead     = 24
	hdrSavedHead    = 28
	hdrFlags        = 32

	slotHeaderLen = 32

	slotNext       = 0
	slotFlags      = 4
	slotMsgLength  = 8
	slotTimeQueued = 12
	slotTTL        = 20
	slotReserved   = 28

	// slotTransmitted is set in a slot's flags once its message was sent.
	slotTransmitted uint32 = 0x01

	// maxFileSize keeps every offset within the 32-bit pointers.
	maxFileSize = 1<<32 - 1
)

var le = binary.LittleEndian

// SlotHandle is the file offset of a slot. The zero value is the nil pointer ending a list.
type SlotHandle uint32

// geometry of a persistence file, which is everything needed to validate a SlotHandle.
type geometry struct {
	maxSlots  uint32
	maxMsgLen uint32
}

func (g geometry) slotSize() int64 {
	return slotHeaderLen + int64(g.maxMsgLen) + HeaderAllowance
}

func (g geometry) fileSize() int64 {
	return headerLen + int64(g.maxSlots)*g.slotSize()
}

func (g geometry) dataCap() int {
	return int(g.maxMsgLen) + HeaderAllowance
}

// handle returns the SlotHandle of the i-th slot.
func (g geometry) handle(i uint32) SlotHandle {
	return SlotHandle(headerLen + int64(i)*g.slotSize())
}

// index validates h and returns its slot number.
func (g geometry) index(h SlotHandle) (uint32, error) {
	off := int64(h)
	if off < headerLen {
		return 0, fmt.Errorf("slot pointer %d points into the header", off)
	} else if (off-headerLen)%g.slotSize() != 0 {
		return 0, fmt.Errorf("slot pointer %d is not aligned to a slot", off)
	}

	idx := (off - headerLen) / g.slotSize()
	if idx >= int64(g.maxSlots) {
		return 0, fmt.Errorf("slot pointer %d is beyond the last slot", off)
	}
	return uint32(idx), nil
}

// slot is a validated view onto one slot of the mapped file.
type slot []byte

// slotAt validates h against the geometry and the mapping before slicing into it.
func slotAt(mem []byte, g geometry, h SlotHandle) (slot, error) {
	if _, err := g.index(h); err != nil {
		return nil, err
	}

	end := int64(h) + g.slotSize()
	if end > int64(len(mem)) {
		return nil, fmt.Errorf("slot %d ends beyond the mapping of %d bytes", h, len(mem))
	}
	return slot(mem[h:end:end]), nil
}

func (s slot) next() SlotHandle     { return SlotHandle(le.Uint32(s[slotNext:])) }
func (s slot) setNext(h SlotHandle) { le.PutUint32(s[slotNext:], uint32(h)) }
func (s slot) flags() uint32        { return le.Uint32(s[slotFlags:]) }
func (s slot) setFlags(f uint32)    { le.PutUint32(s[slotFlags:], f) }
func (s slot) msgLength() uint32    { return le.Uint32(s[slotMsgLength:]) }
func (s slot) timeQueued() int64    { return int64(le.Uint64(s[slotTimeQueued:])) }
func (s slot) ttl() int64           { return int64(le.Uint64(s[slotTTL:])) }
func (s slot) data() []byte         { return s[slotHeaderLen:] }

// reset writes a fresh slot header for a message of length bytes.
func (s slot) reset(length uint32, timeQueued, ttl int64) {
	le.PutUint32(s[slotNext:], 0)
	le.PutUint32(s[slotFlags:], 0)
	le.PutUint32(s[slotMsgLength:], length)
	le.PutUint64(s[slotTimeQueued:], uint64(timeQueued))
	le.PutUint64(s[slotTTL:], uint64(ttl))
	le.PutUint32(s[slotReserved:], 0)
}
