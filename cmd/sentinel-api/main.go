// Package main defines the sentinel management API server: signal CRUD,
// notification history and simulation over HTTP.
package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/sentinelwatch/sentinel/cmd/flags"
	"github.com/sentinelwatch/sentinel/node"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var log = logrus.WithField("prefix", "main")

var appFlags = []cli.Flag{
	flags.VerbosityFlag,
	flags.ChainConfigFileFlag,
	flags.RPCEndpointFlag,
	flags.IndexEndpointFlag,
	flags.DatabaseURLFlag,
	flags.APIHostFlag,
	flags.APIPortFlag,
	flags.MonitoringHostFlag,
	flags.MonitoringPortFlag,
}

func startAPI(cliCtx *cli.Context) error {
	apiNode, err := node.NewAPI(cliCtx)
	if err != nil {
		return err
	}
	apiNode.Start()
	return nil
}

func main() {
	app := cli.App{
		Name:   "sentinel-api",
		Usage:  "serves the sentinel signal management and simulation API",
		Flags:  appFlags,
		Action: startAPI,
		Before: func(cliCtx *cli.Context) error {
			if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
				log.WithError(err).Warn("Could not load .env file")
			}
			level, err := logrus.ParseLevel(cliCtx.String(flags.VerbosityFlag.Name))
			if err != nil {
				return err
			}
			logrus.SetLevel(level)
			return nil
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}
