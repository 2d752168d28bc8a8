// SPDX-FileCopyrightText: 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package catalog

import (
	"time"

	"github.com/dtn7/tunnelstream/pkg/persist"
)

// Entry is the catalog's view of one persistence file. The Catalog operates on Entries, not on the files.
type Entry struct {
	Name string `badgerhold:"key"`
	Path string

	MaxSlots  int
	MaxMsgLen int

	LastOutSeq uint32
	LastInSeq  uint32

	// Saved is the number of records waiting for an acknowledgement; Pending is set if there are any.
	Saved   int
	Pending bool `badgerholdIndex:"Pending"`

	Created    time.Time
	LastOpened time.Time
}

// refresh copies the Log's current state into this Entry.
func (e *Entry) refresh(l *persist.Log) {
	e.Path = l.Path()
	e.MaxSlots = l.Capacity()
	e.MaxMsgLen = l.MaxMsgLen()
	e.LastOutSeq = l.LastOutSeq()
	e.LastInSeq = l.LastInSeq()
	e.Saved = l.Count()
	e.Pending = e.Saved > 0
}
