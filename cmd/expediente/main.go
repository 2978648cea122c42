// Package main is the entry point of the expediente service and its
// command-line client.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

const (
	flagConfig    = "config"
	flagURL       = "url"
	flagToken     = "token"
	flagProcessID = "process-id"
	flagVar       = "var"
	flagName      = "name"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	clientFlags := []cli.Flag{
		&cli.StringFlag{
			Name:    flagURL,
			Value:   "http://localhost:8080",
			Usage:   "base url of the expediente service",
			EnvVars: []string{"EXPEDIENTE_URL"},
		},
		&cli.StringFlag{
			Name:    flagToken,
			Usage:   "bearer token sent with the request",
			EnvVars: []string{"EXPEDIENTE_TOKEN"},
		},
	}

	return &cli.App{
		Name:    "expediente",
		Usage:   "start BPM processes for document reception",
		Version: fmt.Sprintf("%s (%s)", version, commit),
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the HTTP service and, when enabled, the job workers",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    flagConfig,
						Value:   "config.yaml",
						Usage:   "path to the configuration file",
						EnvVars: []string{"EXPEDIENTE_CONFIG"},
					},
				},
				Action: serve,
			},
			{
				Name:  "start",
				Usage: "start a process instance",
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:     flagProcessID,
						Usage:    "BPMN process id",
						Required: true,
					},
					&cli.StringSliceFlag{
						Name:  flagVar,
						Usage: "process variable as key=value; JSON scalars keep their type",
					},
				}, clientFlags...),
				Action: startProcess,
			},
			{
				Name:  "deploy",
				Usage: "deploy a BPMN resource known to the service",
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:     flagName,
						Usage:    "resource name, e.g. recepcion-documento.bpmn",
						Required: true,
					},
				}, clientFlags...),
				Action: deployProcess,
			},
		},
	}
}
