// SPDX-FileCopyrightText: 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wire

// CompareSeq orders two 32-bit sequence numbers under wraparound. The result is negative if a comes before b,
// zero if both are equal, and positive if a comes after b. It is based on the sign of the signed difference,
// which makes 0x7FFFFFFF come before 0x80000000.
func CompareSeq(a, b uint32) int {
	switch d := int32(a - b); {
	case d < 0:
		return -1
	case d > 0:
		return 1
	default:
		return 0
	}
}

// SeqBefore is true if a comes strictly before b.
func SeqBefore(a, b uint32) bool {
	return CompareSeq(a, b) < 0
}

// NextSeq returns the sequence number following seq. Zero is skipped on wraparound, as it marks the absence of
// a sequence number.
func NextSeq(seq uint32) uint32 {
	if seq++; seq == 0 {
		seq = 1
	}
	return seq
}
