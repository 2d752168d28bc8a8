// SPDX-FileCopyrightText: 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"io"
	"os"

	"github.com/dtn7/cboring"

	"github.com/dtn7/tunnelstream/pkg/persist"
)

// exportFile for the "export" CLI option.
func exportFile(args []string) {
	if len(args) != 2 {
		printUsage()
	}

	var (
		input  = args[0]
		output = args[1]

		err error
		f   io.WriteCloser
	)

	l := openReadOnly(input)
	s, err := l.Snapshot()
	if err != nil {
		printFatal(err, "Creating snapshot errored")
	}
	if err = l.Close(); err != nil {
		printFatal(err, "Closing persistence file errored")
	}

	if output == "-" {
		f = os.Stdout
	} else if f, err = os.Create(output); err != nil {
		printFatal(err, "Creating snapshot file errored")
	}

	if err = cboring.Marshal(s, f); err != nil {
		printFatal(err, "Writing snapshot errored")
	}
	if err = f.Close(); err != nil {
		printFatal(err, "Closing snapshot file errored")
	}
}

// readSnapshot from a CBOR file, or stdin for -.
func readSnapshot(input string) (s *persist.Snapshot, err error) {
	var f io.ReadCloser
	if input == "-" {
		f = os.Stdin
	} else if f, err = os.Open(input); err != nil {
		return
	}

	s = new(persist.Snapshot)
	if err = cboring.Unmarshal(s, f); err != nil {
		_ = f.Close()
		return nil, err
	}
	err = f.Close()
	return
}
