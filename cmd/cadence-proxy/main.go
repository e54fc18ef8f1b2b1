package main

import (
	"github.com/berrythewa/cadence-proxy/internal/cli"
)

// Overridden at build time with -ldflags "-X main.version=..."
var (
	version   = "dev"
	buildTime = "unknown"
	commit    = "none"
)

func main() {
	cli.SetVersionInfo(version, buildTime, commit)
	cli.Execute()
}
