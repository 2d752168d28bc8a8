// SPDX-FileCopyrightText: 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wire

import (
	"errors"
	"fmt"
)

// ErrShortBuffer is returned when a field runs past the end of its buffer.
var ErrShortBuffer = errors.New("wire: short buffer")

// MaxVarIntSize is the largest number of value bytes of a VarInt, excluding its length byte.
const MaxVarIntSize = 8

// VarIntSize returns the number of value bytes, between one and eight, needed to represent v as a
// sign-extended big-endian integer.
func VarIntSize(v int64) int {
	var ck uint64
	if v >= 0 {
		ck = uint64(v) << 1
	} else {
		ck = uint64(^v) << 1
	}

	for n := 1; n < MaxVarIntSize; n++ {
		if ck>>(8*uint(n)) == 0 {
			return n
		}
	}
	return MaxVarIntSize
}

// AppendVarInt appends v as a length byte followed by VarIntSize(v) big-endian value bytes.
func AppendVarInt(b []byte, v int64) []byte {
	n := VarIntSize(v)
	b = append(b, byte(n))
	for i := n - 1; i >= 0; i-- {
		b = append(b, byte(v>>(8*uint(i))))
	}
	return b
}

// GetVarInt decodes a VarInt from the start of b. It returns the value and the number of bytes consumed,
// including the length byte. A zero length byte decodes to zero.
func GetVarInt(b []byte) (v int64, n int, err error) {
	if len(b) < 1 {
		err = ErrShortBuffer
		return
	}

	size := int(b[0])
	if size > MaxVarIntSize {
		err = fmt.Errorf("wire: VarInt length %d exceeds %d", size, MaxVarIntSize)
		return
	} else if len(b) < 1+size {
		err = ErrShortBuffer
		return
	}

	v = signExtend(b[1:1+size], size)
	n = 1 + size
	return
}

// signExtend reads size big-endian bytes and restores the sign from the topmost bit of the first byte.
func signExtend(b []byte, size int) int64 {
	if size == 0 {
		return 0
	}

	var u uint64
	for i := 0; i < size; i++ {
		u = u<<8 | uint64(b[i])
	}

	shift := uint(64 - 8*size)
	return int64(u<<shift) >> shift
}

// ReplaceVarInt overwrites the VarInt at the start of b with v, keeping the already encoded size. If v does not
// fit into that size, b stays untouched and false is returned. High-order bytes made unused by a smaller value
// are filled with the sign, zero for every non-negative value.
func ReplaceVarInt(b []byte, v int64) (ok bool, err error) {
	if len(b) < 1 {
		err = ErrShortBuffer
		return
	}

	size := int(b[0])
	if size > MaxVarIntSize {
		err = fmt.Errorf("wire: VarInt length %d exceeds %d", size, MaxVarIntSize)
		return
	} else if len(b) < 1+size {
		err = ErrShortBuffer
		return
	}

	if size == 0 {
		ok = v == 0
		return
	} else if VarIntSize(v) > size {
		return
	}

	for i := 0; i < size; i++ {
		b[1+i] = byte(v >> (8 * uint(size-1-i)))
	}
	ok = true
	return
}
