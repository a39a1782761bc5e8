// Package main provides the entry point for the nexus daemon CLI.
package main

import (
	"fmt"
	"os"

	"github.com/opencode-ai/nexus/cmd/nexus/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
