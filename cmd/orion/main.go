// Package main provides the entry point for the orion server CLI.
package main

import (
	"fmt"
	"os"

	"github.com/orionchat/orion-core/cmd/orion/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
