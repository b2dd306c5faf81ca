package main

import (
	"github.com/fulmenhq/gofulmen/foundry"

	"github.com/bulwarkhq/bulwark/internal/cmd"
	"github.com/bulwarkhq/bulwark/internal/server/handlers"
)

// Version information set via ldflags during build, e.g.
// go build -ldflags="-X main.version=1.0.0 -X main.commit=abc123 -X main.buildDate=2026-10-18"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)
	handlers.SetVersionInfo(version, commit, buildDate)

	if err := cmd.Execute(); err != nil {
		cmd.ExitWithCodeStderr(foundry.ExitFailure, "Command execution failed", err)
	}
}
