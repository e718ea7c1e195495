package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"transit-planner/internal/config"
)

func main() {
	if os.Getenv("LOG_FORMAT") != "JSON" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	log.Logger = log.Logger.Level(zerolog.InfoLevel)

	app := &cli.App{
		Name:        "planner",
		Usage:       "multi-modal transit planner over imported GTFS feeds",
		Description: "Plans journeys across rail and bus feeds, caches routes and tracks realtime vehicles",

		Commands: []*cli.Command{
			serveCommand(),
			planCommand(),
			nearbyCommand(),
			routeCommand(),
			adviseCommand(),
			compareCommand(),
			vehiclesCommand(),
			cacheCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Send()
	}
}

// loadConfig reads the environment and applies the configured log level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	log.Logger = log.Logger.Level(level)
	return cfg, nil
}
