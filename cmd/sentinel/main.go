// Package main defines the sentinel evaluation node. It schedules the
// active signals, evaluates them against on-chain and indexed state, and
// delivers webhook notifications when they trigger.
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
	flags.RedisAddrFlag,
	flags.WebhookSecretFlag,
	flags.EvaluationIntervalFlag,
	flags.WorkerConcurrencyFlag,
	flags.MonitoringHostFlag,
	flags.MonitoringPortFlag,
}

func startNode(cliCtx *cli.Context) error {
	sentinel, err := node.New(cliCtx)
	if err != nil {
		return err
	}
	sentinel.Start()
	return nil
}

func main() {
	app := cli.App{
		Name:   "sentinel",
		Usage:  "monitors on-chain lending positions and fires webhooks when user-defined signals trigger",
		Flags:  appFlags,
		Action: startNode,
		Before: func(cliCtx *cli.Context) error {
			// Secrets may come from a local .env instead of flags.
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
