// SPDX-FileCopyrightText: 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package persist

import (
	"errors"
	"fmt"
)

var (
	// ErrPersistenceFull is returned by SaveMessage if no free slot is left. Retry after an acknowledgement.
	ErrPersistenceFull = errors.New("persist: no free slot left")

	// ErrMsgTooLarge is returned by SaveMessage for messages exceeding a slot.
	ErrMsgTooLarge = errors.New("persist: message exceeds slot size")

	// ErrLocked is returned by Open if another owner holds the file.
	ErrLocked = errors.New("persist: file is locked by another owner")

	// ErrClosed is returned for operations on a closed Log.
	ErrClosed = errors.New("persist: log is closed")

	// ErrReadOnly is returned for modifications of a read-only Log.
	ErrReadOnly = errors.New("persist: log is read-only")

	// ErrUnknownRecord is returned for Records not on this Log's saved list.
	ErrUnknownRecord = errors.New("persist: record is not saved in this log")
)

// CorruptError describes a persistence file failing validation.
type CorruptError struct {
	Path   string
	Offset int64
	Reason string
}

func (ce *CorruptError) Error() string {
	return fmt.Sprintf("persist: %s is corrupt at offset %d: %s", ce.Path, ce.Offset, ce.Reason)
}
