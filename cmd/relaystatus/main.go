package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCommand().Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func rootCommand() *cli.Command {
	return &cli.Command{
		Name:  "relaystatus",
		Usage: "sync team activity and generate scheduled status updates",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Sources: cli.EnvVars("RELAYSTATUS_CONFIG"),
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "relaystatus.yaml",
				Usage:   "path to the YAML config file",
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			syncCommand(),
			teardownCommand(),
			dispatchCommand(),
			usageCommand(),
			workerCommand(),
		},
	}
}
