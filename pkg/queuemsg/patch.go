// SPDX-FileCopyrightText: 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package queuemsg

import (
	"fmt"

	"github.com/dtn7/tunnelstream/pkg/envelope"
	"github.com/dtn7/tunnelstream/pkg/wire"
)

// dataExtHeader locates the extended header of an encoded Data or DataExpired envelope and returns it as a
// mutable slice of b, positioned on the flags after checking the opcode.
func dataExtHeader(b []byte, allowed ...Opcode) (ext []byte, op Opcode, err error) {
	off, n, err := envelope.ExtHeaderOffset(b)
	if err != nil {
		return
	} else if n < 1 {
		err = fmt.Errorf("queuemsg: empty extended header")
		return
	}

	ext = b[off : off+n]
	op = Opcode(ext[0])
	for _, a := range allowed {
		if op == a {
			return
		}
	}

	err = fmt.Errorf("queuemsg: cannot patch a message with opcode %v", op)
	return
}

// PatchTimeout lowers the timeout of an encoded Data envelope in place. Nothing is changed and false is returned
// if newTimeout is not below the encoded timeout or if it needs more bytes than the encoded one occupies.
func PatchTimeout(b []byte, newTimeout Timeout) (patched bool, err error) {
	ext, _, err := dataExtHeader(b, OpcodeData)
	if err != nil {
		return
	}

	c := wire.NewCursor(ext)
	if err = c.Skip(1); err != nil {
		return
	}
	if _, err = c.Packed15(); err != nil {
		return
	}
	if _, err = c.LenBytes(); err != nil {
		return
	}

	pos := c.Pos()
	old, err := c.VarInt()
	if err != nil {
		return
	} else if int64(newTimeout) >= old {
		return
	}

	return wire.ReplaceVarInt(ext[pos:], int64(newTimeout))
}

// PatchDuplicateFlag ORs flags into the flag word of an encoded Data or DataExpired envelope in place. Nothing is
// changed and false is returned if the new flag word would need another byte.
func PatchDuplicateFlag(b []byte, flags DataFlags) (patched bool, err error) {
	ext, _, err := dataExtHeader(b, OpcodeData, OpcodeDataExpired)
	if err != nil {
		return
	}

	old, _, err := wire.GetPacked15(ext[1:])
	if err != nil {
		return
	}

	return wire.ReplacePacked15(ext[1:], old|uint16(flags))
}
