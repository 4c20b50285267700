package main

// ============================================================================
// gpuq entry point: build the command tree and run it. All logic lives in
// internal/cli.
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=$(git rev-parse HEAD)" ./cmd/gpuq
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/gpuq/internal/cli"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(2)
		}
	}()

	cli.Version = fmt.Sprintf("%s (commit: %s)", version, commit)
	rootCmd := cli.BuildCLI()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
