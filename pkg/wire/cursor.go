// SPDX-FileCopyrightText: 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wire

import "encoding/binary"

// Cursor walks over a byte slice. Every read is bounds checked and returns ErrShortBuffer instead of panicking,
// which makes it usable on untrusted input and for locating fields inside already encoded messages.
type Cursor struct {
	buf []byte
	pos int
}

// NewCursor starts a Cursor at the beginning of b.
func NewCursor(b []byte) *Cursor {
	return &Cursor{buf: b}
}

// Pos is the current offset into the underlying slice.
func (c *Cursor) Pos() int {
	return c.pos
}

// Len returns the number of unread bytes.
func (c *Cursor) Len() int {
	return len(c.buf) - c.pos
}

// Rest returns the unread bytes without consuming them. The result aliases the underlying slice.
func (c *Cursor) Rest() []byte {
	return c.buf[c.pos:]
}

func (c *Cursor) need(n int) error {
	if n < 0 || c.Len() < n {
		return ErrShortBuffer
	}
	return nil
}

// Skip advances by n bytes.
func (c *Cursor) Skip(n int) error {
	if err := c.need(n); err != nil {
		return err
	}
	c.pos += n
	return nil
}

// U8 reads one byte.
func (c *Cursor) U8() (v uint8, err error) {
	if err = c.need(1); err != nil {
		return
	}
	v = c.buf[c.pos]
	c.pos++
	return
}

// U16 reads a big-endian uint16.
func (c *Cursor) U16() (v uint16, err error) {
	if err = c.need(2); err != nil {
		return
	}
	v = binary.BigEndian.Uint16(c.buf[c.pos:])
	c.pos += 2
	return
}

// U32 reads a big-endian uint32.
func (c *Cursor) U32() (v uint32, err error) {
	if err = c.need(4); err != nil {
		return
	}
	v = binary.BigEndian.Uint32(c.buf[c.pos:])
	c.pos += 4
	return
}

// Bytes reads n bytes. The result aliases the underlying slice.
func (c *Cursor) Bytes(n int) (b []byte, err error) {
	if err = c.need(n); err != nil {
		return
	}
	b = c.buf[c.pos : c.pos+n : c.pos+n]
	c.pos += n
	return
}

// LenBytes reads a one byte length followed by that many bytes.
func (c *Cursor) LenBytes() (b []byte, err error) {
	n, err := c.U8()
	if err != nil {
		return
	}
	return c.Bytes(int(n))
}

// VarInt reads a VarInt.
func (c *Cursor) VarInt() (v int64, err error) {
	v, n, err := GetVarInt(c.Rest())
	if err != nil {
		return
	}
	c.pos += n
	return
}

// Packed15 reads a Packed15 value.
func (c *Cursor) Packed15() (v uint16, err error) {
	v, n, err := GetPacked15(c.Rest())
	if err != nil {
		return
	}
	c.pos += n
	return
}
