// SPDX-FileCopyrightText: 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// tstool inspects the persistence files and the catalog of reliable tunnel streams.
package main

import (
	"fmt"
	"os"

	"github.com/dtn7/tunnelstream/pkg/persist"
)

// printUsage of tstool and exit with an error code afterwards.
func printUsage() {
	_, _ = fmt.Fprintf(os.Stderr, "Usage of %s dump|export|verify|list|serve:\n\n", os.Args[0])

	_, _ = fmt.Fprintf(os.Stderr, "%s dump filename\n", os.Args[0])
	_, _ = fmt.Fprintf(os.Stderr, "  Prints the header and all saved messages of a persistence file.\n\n")

	_, _ = fmt.Fprintf(os.Stderr, "%s export filename snapshot\n", os.Args[0])
	_, _ = fmt.Fprintf(os.Stderr, "  Writes a CBOR snapshot of the persistence file, including a CRC-16 of every\n")
	_, _ = fmt.Fprintf(os.Stderr, "  saved message. Use - as snapshot for stdout.\n\n")

	_, _ = fmt.Fprintf(os.Stderr, "%s verify filename snapshot\n", os.Args[0])
	_, _ = fmt.Fprintf(os.Stderr, "  Compares the persistence file against a previously exported snapshot.\n\n")

	_, _ = fmt.Fprintf(os.Stderr, "%s list directory\n", os.Args[0])
	_, _ = fmt.Fprintf(os.Stderr, "  Lists all persistence files known to the catalog within the directory.\n\n")

	_, _ = fmt.Fprintf(os.Stderr, "%s serve address directory\n", os.Args[0])
	_, _ = fmt.Fprintf(os.Stderr, "  Serves a read-only JSON view of the catalog and its persistence files.\n\n")

	os.Exit(1)
}

// printFatal of an error with a short context description and exits afterwards.
func printFatal(err error, msg string) {
	_, _ = fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}

// openReadOnly maps an existing persistence file without taking its lock.
func openReadOnly(filename string) *persist.Log {
	l, err := persist.Open(persist.Options{Path: filename, ReadOnly: true})
	if err != nil {
		printFatal(err, "Opening persistence file errored")
	}
	return l
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
	}

	switch os.Args[1] {
	case "dump":
		dumpFile(os.Args[2:])

	case "export":
		exportFile(os.Args[2:])

	case "verify":
		verifyFile(os.Args[2:])

	case "list":
		listCatalog(os.Args[2:])

	case "serve":
		serveCatalog(os.Args[2:])

	default:
		printUsage()
	}
}
