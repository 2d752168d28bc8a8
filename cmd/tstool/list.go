// SPDX-FileCopyrightText: 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/dtn7/tunnelstream/pkg/catalog"
)

// listCatalog for the "list" CLI option.
func listCatalog(args []string) {
	if len(args) != 1 {
		printUsage()
	}

	c, err := catalog.Open(args[0])
	if err != nil {
		printFatal(err, "Opening catalog errored")
	}

	es, err := c.List()
	if err != nil {
		printFatal(err, "Listing catalog errored")
	}
	if err = c.Close(); err != nil {
		printFatal(err, "Closing catalog errored")
	}

	listEntries(os.Stdout, es, time.Now())
}

// listEntries writes one row per catalog Entry as an aligned table.
func listEntries(w io.Writer, es []catalog.Entry, now time.Time) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tSAVED\tSLOTS\tMAX MSG\tLAST OUT\tLAST IN\tOPENED")
	for _, e := range es {
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%d\t%d\t%s\n",
			e.Name, e.Saved, e.MaxSlots, humanize.IBytes(uint64(e.MaxMsgLen)),
			e.LastOutSeq, e.LastInSeq, humanize.RelTime(e.LastOpened, now, "ago", "from now"))
	}
	_ = tw.Flush()
}
