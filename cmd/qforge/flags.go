package main

import (
	"github.com/urfave/cli/v3"
)

var (
	weightsPath string
	layersPath  string
	logLevel    string
	logFormat   string
	debug       bool

	// config is the parsed config file, set by the root Before hook.
	config Config
)

func sourceFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "weights",
			Aliases:     []string{"w", "model", "m"},
			Usage:       "safetensors weights file or URL (s3://, gs://, file://)",
			Destination: &weightsPath,
		},
		&cli.StringFlag{
			Name:        "layers",
			Aliases:     []string{"l"},
			Usage:       "YAML layer description (order, kinds, tensor names)",
			Destination: &layersPath,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (auto, pretty, json, text)",
			Value:       "auto",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}
