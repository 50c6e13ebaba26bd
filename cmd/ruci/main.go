//
// SPDX-License-Identifier: GPL-3.0-or-later
//

// Command ruci is the thin CLI glue around the chain engine: one
// subcommand runs chain mode given a declarative config path, signals
// trigger graceful shutdown, and an optional admin HTTP endpoint exposes
// the running engine's connection count and a remote stop trigger.
//
// This binary is intentionally minimal — config parsing, flag handling,
// and the admin server are collaborators around the core engine, not
// part of it.
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "chain":
		err = runChain(os.Args[2:])
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "ruci: unknown subcommand %q\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "ruci: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: ruci chain -config <path> [-admin-addr <host:port>]")
}
