// SPDX-FileCopyrightText: 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"
)

// verifyFile for the "verify" CLI option.
func verifyFile(args []string) {
	if len(args) != 2 {
		printUsage()
	}

	s, err := readSnapshot(args[1])
	if err != nil {
		printFatal(err, "Reading snapshot errored")
	}

	l := openReadOnly(args[0])
	verifyErr := l.Verify(s)
	if err = l.Close(); err != nil {
		printFatal(err, "Closing persistence file errored")
	}

	if verifyErr != nil {
		printFatal(verifyErr, "Persistence file does not match the snapshot")
	}
	fmt.Printf("%s matches the snapshot, %d records\n", args[0], len(s.Records))
}
