// Package main is the entry point for the hoa workflow configuration
// service and its offline tooling.
package main

import (
	"context"
	"fmt"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/pitabwire/hoa/internal/observability"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	observability.Version = version
	observability.Commit = commit

	if err := newRootCommand().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "hoa: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cli.Command {
	return &cli.Command{
		Name:                  "hoa",
		Usage:                 "Workflow configuration overrides for HOA management",
		Version:               version,
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			newServeCommand(),
			newResolveCommand(),
			newValidateCommand(),
			newMatchCommand(),
			newRemoteCommand(),
		},
	}
}
