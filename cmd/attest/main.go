// Package main is the entry point for the attest CLI.
package main

import (
	"os"

	"github.com/abdul-hamid-achik/attest/cmd/attest/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
