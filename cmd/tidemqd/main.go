// Package main is the entry point for the tidemqd broker daemon.
//
// Usage:
//
//	tidemqd [flags] <command>
//
// Commands:
//
//	run        - Run the broker core on a persistent data directory
//	version    - Show version information
package main

import (
	"fmt"
	"os"

	"github.com/tidemq/tidemq/cmd/tidemqd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
