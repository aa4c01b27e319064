// Command durable-worker hosts the order-processing workflow on a durable
// backend and offers a few client commands against the same backend.
package main

import (
	"context"
	"fmt"
	"os"

	cli "github.com/urfave/cli/v3"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cmd := &cli.Command{
		Name:                  "durable-worker",
		Usage:                 "Run and inspect durable workflows",
		Version:               version,
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML config file",
				Sources: cli.EnvVars("DURABLE_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "backend-url",
				Usage:   "Backend URL (memory://, sqlite://, postgres://, redis://, mongodb://)",
				Sources: cli.EnvVars("DURABLE_BACKEND_URL"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format (text, json)",
				Sources: cli.EnvVars("LOG_FORMAT"),
			},
		},
		Commands: []*cli.Command{
			runCommand(),
			startCommand(),
			describeCommand(),
			historyCommand(),
			queryCommand(),
			signalCommand(),
			cancelCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
