package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	internal "github.com/ZanzyTHEbar/filecache/fcache"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"
)

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to config file",
		Sources: cli.EnvVars("FCACHE_CONFIG_FILE"),
	}
}

func main() {

	cmd := &cli.Command{
		Name:   internal.DefaultAppName,
		Usage:  "Track directory changes and report them as transactions",
		Flags:  []cli.Flag{configFlag()},
		Action: run,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Monitor the configured directories until interrupted",
				Flags:  []cli.Flag{configFlag()},
				Action: run,
			},
			{
				Name:   "destroy",
				Usage:  "Delete the persisted caches of the configured directories",
				Flags:  []cli.Flag{configFlag()},
				Action: destroy,
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		logger := internal.GetLogger()
		logger.Error().Err(err).Msg("application error")
		stop()
		os.Exit(1)
	}
}
