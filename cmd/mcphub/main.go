// Package main is the entry point for the mcphub CLI.
package main

import (
	"os"

	"github.com/MegaGrindStone/go-mcp-hub/cmd/mcphub/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
