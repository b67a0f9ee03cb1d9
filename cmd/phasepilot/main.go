package main

// ============================================================================
// Responsibilities:
// 1. Entry point of the phasepilot binary
// 2. Build and execute the CLI command tree
// 3. Report top-level errors and set the exit code
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/phase-pilot/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(2)
		}
	}()

	if err := cli.BuildCLI().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
