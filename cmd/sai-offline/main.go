package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/saiset-co/sai-offline/service"
	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

func main() {
	app := &cli.App{
		Name:  "sai-offline",
		Usage: "Offline-first caching proxy",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yml",
				Usage:   "path to the configuration file",
				EnvVars: []string{"SAI_OFFLINE_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "start",
				Usage: "Start the proxy",
				Action: func(c *cli.Context) error {
					s, err := service.NewService(c.Context, c.String("config"))
					if err != nil {
						return err
					}
					return s.Run()
				},
			},
			{
				Name:  "install",
				Usage: "Precache the configured version and print the lifecycle state",
				Flags: []cli.Flag{
					&cli.DurationFlag{Name: "timeout", Value: time.Minute},
				},
				Action: func(c *cli.Context) error {
					s, err := service.NewService(c.Context, c.String("config"))
					if err != nil {
						return err
					}
					defer s.Close()

					ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
					defer cancel()

					status, err := s.Install(ctx)
					if printErr := printJSON(status); printErr != nil {
						return printErr
					}
					return err
				},
			},
			{
				Name:      "classify",
				Usage:     "Show which caching strategy serves a URL",
				ArgsUsage: "<url>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "method", Value: "GET"},
					&cli.BoolFlag{Name: "navigate", Usage: "treat the request as a page navigation"},
				},
				Action: func(c *cli.Context) error {
					if c.Args().Len() != 1 {
						return fmt.Errorf("classify expects exactly one url, got %d", c.Args().Len())
					}

					s, err := service.NewService(c.Context, c.String("config"))
					if err != nil {
						return err
					}
					defer s.Close()

					req := types.NewRequest(c.String("method"), c.Args().First())
					if c.Bool("navigate") {
						req.Mode = types.ModeNavigate
					}

					return printJSON(s.Classify(req))
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func printJSON(v interface{}) error {
	data, err := utils.Marshal(v)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}
