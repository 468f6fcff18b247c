// Package flags holds the command-line flags shared by the sentinel
// binaries.
package flags

import (
	"time"

	"github.com/urfave/cli/v2"
)

var (
	// VerbosityFlag sets the logging level.
	VerbosityFlag = &cli.StringFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity (trace, debug, info, warn, error, fatal, panic)",
		Value: "info",
	}
	// ChainConfigFileFlag points at a YAML file overriding the built-in
	// per-chain parameters.
	ChainConfigFileFlag = &cli.StringFlag{
		Name:  "chain-config-file",
		Usage: "Path to a YAML file with per-chain overrides (endpoints, block time, contract address)",
	}
	// RPCEndpointFlag adds an execution RPC endpoint for a chain. Repeat
	// the flag to configure several chains or several endpoints per chain.
	RPCEndpointFlag = &cli.StringSliceFlag{
		Name:  "rpc",
		Usage: "Execution RPC endpoint in the form <chainID>=<url>, repeatable",
	}
	// IndexEndpointFlag is the GraphQL endpoint of the event index.
	IndexEndpointFlag = &cli.StringFlag{
		Name:    "index-endpoint",
		Usage:   "GraphQL endpoint of the event index",
		EnvVars: []string{"INDEX_ENDPOINT"},
		Value:   "http://localhost:8080/v1/graphql",
	}
	// DatabaseURLFlag is the Postgres connection string.
	DatabaseURLFlag = &cli.StringFlag{
		Name:    "database-url",
		Usage:   "Postgres connection string",
		EnvVars: []string{"DATABASE_URL"},
	}
	// RedisAddrFlag is the Redis address backing the job queues.
	RedisAddrFlag = &cli.StringFlag{
		Name:    "redis-addr",
		Usage:   "Redis host:port backing the evaluation queues",
		EnvVars: []string{"REDIS_ADDR"},
		Value:   "localhost:6379",
	}
	// WebhookSecretFlag enables HMAC signing of webhook deliveries.
	WebhookSecretFlag = &cli.StringFlag{
		Name:    "webhook-secret",
		Usage:   "Shared secret for signing webhook payloads, empty disables signing",
		EnvVars: []string{"WEBHOOK_SECRET"},
	}
	// EvaluationIntervalFlag controls how often active signals are
	// scheduled for evaluation.
	EvaluationIntervalFlag = &cli.DurationFlag{
		Name:  "evaluation-interval",
		Usage: "Interval between evaluation rounds of the active signals",
		Value: 30 * time.Second,
	}
	// WorkerConcurrencyFlag sizes the evaluation worker pool.
	WorkerConcurrencyFlag = &cli.IntFlag{
		Name:  "worker-concurrency",
		Usage: "Number of evaluation jobs processed concurrently",
		Value: 4,
	}
	// MonitoringHostFlag is the interface the metrics server listens on.
	MonitoringHostFlag = &cli.StringFlag{
		Name:  "monitoring-host",
		Usage: "Host used for the prometheus metrics and healthz endpoints",
		Value: "127.0.0.1",
	}
	// MonitoringPortFlag is the port of the metrics server.
	MonitoringPortFlag = &cli.IntFlag{
		Name:  "monitoring-port",
		Usage: "Port used for the prometheus metrics and healthz endpoints",
		Value: 8081,
	}
	// APIHostFlag is the interface the HTTP API listens on.
	APIHostFlag = &cli.StringFlag{
		Name:  "api-host",
		Usage: "Host used for the signal management API",
		Value: "0.0.0.0",
	}
	// APIPortFlag is the port of the HTTP API.
	APIPortFlag = &cli.IntFlag{
		Name:  "api-port",
		Usage: "Port used for the signal management API",
		Value: 8080,
	}
)
