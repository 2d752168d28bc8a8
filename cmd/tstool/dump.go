// SPDX-FileCopyrightText: 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/dtn7/tunnelstream/pkg/persist"
	"github.com/dtn7/tunnelstream/pkg/queuemsg"
)

// dumpFile for the "dump" CLI option.
func dumpFile(args []string) {
	if len(args) != 1 {
		printUsage()
	}

	l := openReadOnly(args[0])
	if err := dump(os.Stdout, l, time.Now()); err != nil {
		printFatal(err, "Dumping persistence file errored")
	}
	if err := l.Close(); err != nil {
		printFatal(err, "Closing persistence file errored")
	}
}

// dump writes a human-readable description of the Log to w.
func dump(w io.Writer, l *persist.Log, now time.Time) error {
	slotSize := uint64(l.SlotDataCap())
	_, _ = fmt.Fprintf(w, "File:        %s\n", l.Path())
	_, _ = fmt.Fprintf(w, "Slots:       %d of %d in use, %s each\n",
		l.Count(), l.Capacity(), humanize.IBytes(slotSize))
	_, _ = fmt.Fprintf(w, "Max message: %s\n", humanize.IBytes(uint64(l.MaxMsgLen())))
	_, _ = fmt.Fprintf(w, "Last out:    %d\n", l.LastOutSeq())
	_, _ = fmt.Fprintf(w, "Last in:     %d\n", l.LastInSeq())

	for i, rec := range l.Records() {
		msg, err := l.Message(rec)
		if err != nil {
			return err
		}

		seq := "-"
		if rec.Transmitted() {
			seq = fmt.Sprintf("%d", rec.SeqNum())
		}

		expiry := "never"
		if at, ok := rec.Expires(); ok {
			expiry = humanize.RelTime(at, now, "ago", "from now")
		}

		_, _ = fmt.Fprintf(w, "\n#%d slot %d\n", i, rec.Handle())
		_, _ = fmt.Fprintf(w, "  Length:  %s\n", humanize.IBytes(uint64(rec.Len())))
		_, _ = fmt.Fprintf(w, "  Seq:     %s\n", seq)
		_, _ = fmt.Fprintf(w, "  Queued:  %s\n", humanize.RelTime(rec.TimeQueued(), now, "ago", "from now"))
		_, _ = fmt.Fprintf(w, "  Expires: %s\n", expiry)
		_, _ = fmt.Fprintf(w, "  Message: %s\n", describeMsg(msg))
	}
	return nil
}

// describeMsg decodes an envelope into a one-line summary.
func describeMsg(msg []byte) string {
	m, err := queuemsg.Decode(msg)
	if err != nil {
		return fmt.Sprintf("undecodable, %v", err)
	}

	switch m := m.(type) {
	case *queuemsg.Data:
		return fmt.Sprintf("%v on stream %d, %s payload, %v",
			m.Kind(), m.StreamID, humanize.IBytes(uint64(len(m.Payload))), m.Flags)
	default:
		return fmt.Sprintf("%v on stream %d", m.Kind(), m.Head().StreamID)
	}
}
