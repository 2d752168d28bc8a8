// SPDX-FileCopyrightText: 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package queuemsg

import (
	"errors"
	"fmt"
)

// ErrMalformed matches every DecodeError via errors.Is.
var ErrMalformed = errors.New("queuemsg: malformed message")

// DecodeError describes why an envelope could not be decoded into a Msg. Kind is zero if the failure precedes
// knowing the kind, e.g., for a broken envelope.
type DecodeError struct {
	Kind   Kind
	Field  string
	Reason string
	Err    error
}

func newDecodeError(kind Kind, field, reason string) *DecodeError {
	return &DecodeError{Kind: kind, Field: field, Reason: reason}
}

func wrapDecodeError(kind Kind, field string, err error) *DecodeError {
	return &DecodeError{Kind: kind, Field: field, Reason: err.Error(), Err: err}
}

func (de *DecodeError) Error() string {
	if de.Kind == 0 {
		return fmt.Sprintf("queuemsg: %s is malformed: %s", de.Field, de.Reason)
	}
	return fmt.Sprintf("queuemsg: %v's %s is malformed: %s", de.Kind, de.Field, de.Reason)
}

func (de *DecodeError) Unwrap() error {
	return de.Err
}

// Is makes every DecodeError match ErrMalformed.
func (de *DecodeError) Is(target error) bool {
	return target == ErrMalformed
}
