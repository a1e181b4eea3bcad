package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"bulkbot/cmd/bulkbot/commands"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:    "bulkbot",
		Usage:   "queue and send bulk personalized messages",
		Version: version,
		Flags:   rootFlags(),
		Action:  commands.ServeAction,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP API and the job runner",
				Action: commands.ServeAction,
			},
			{
				Name:  "jobs",
				Usage: "inspect the job record without starting the server",
				Commands: []*cli.Command{
					{
						Name:   "list",
						Usage:  "list jobs with per-status result counts",
								Action: commands.JobsListAction,
					},
					{
						Name:      "show",
						Usage:     "print one job as JSON",
						ArgsUsage: "<job-id>",
						Action:    commands.JobsShowAction,
					},
				},
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

// rootFlags are persistent, so subcommands accept them too.
func rootFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "path to config file (json or yaml)",
			Value:   "./config.json",
			Sources: cli.EnvVars("BULKBOT_CONFIG"),
		},
		&cli.StringFlag{
			Name:  "env",
			Usage: "dotenv file loaded before reading the environment",
			Value: ".env",
		},
	}
}
