// Package main is the entry point for the HLS ingest daemon.
package main

import (
	"os"

	"github.com/jmylchreest/tvarr-hlsingest/cmd/hlsingestd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
