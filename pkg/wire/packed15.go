// SPDX-FileCopyrightText: 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wire

import "fmt"

const (
	// MaxPacked15 is the largest value of a Packed15 field.
	MaxPacked15 = 0x7FFF

	packed15Marker = 0x80
)

// Packed15Size returns the number of bytes of v's Packed15 encoding, one for values up to 0x7F, two otherwise.
func Packed15Size(v uint16) int {
	if v < packed15Marker {
		return 1
	}
	return 2
}

// AppendPacked15 appends v. A two byte encoding has the highest bit of its first byte set.
func AppendPacked15(b []byte, v uint16) ([]byte, error) {
	if v > MaxPacked15 {
		return b, fmt.Errorf("wire: %d exceeds the Packed15 range", v)
	}

	if v < packed15Marker {
		return append(b, byte(v)), nil
	}
	return append(b, byte(v>>8)|packed15Marker, byte(v)), nil
}

// GetPacked15 decodes a Packed15 value from the start of b and returns the number of consumed bytes.
func GetPacked15(b []byte) (v uint16, n int, err error) {
	if len(b) < 1 {
		err = ErrShortBuffer
		return
	}

	if b[0]&packed15Marker == 0 {
		v, n = uint16(b[0]), 1
		return
	}

	if len(b) < 2 {
		err = ErrShortBuffer
		return
	}
	v, n = (uint16(b[0])<<8|uint16(b[1]))&MaxPacked15, 2
	return
}

// ReplacePacked15 overwrites the Packed15 value at the start of b with v if it has the same encoded size.
func ReplacePacked15(b []byte, v uint16) (ok bool, err error) {
	_, n, err := GetPacked15(b)
	if err != nil {
		return
	} else if v > MaxPacked15 || Packed15Size(v) != n {
		return
	}

	if n == 1 {
		b[0] = byte(v)
	} else {
		b[0] = byte(v>>8) | packed15Marker
		b[1] = byte(v)
	}
	ok = true
	return
}
