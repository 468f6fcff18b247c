package node

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sentinelwatch/sentinel/api"
	"github.com/sentinelwatch/sentinel/cmd/flags"
	"github.com/sentinelwatch/sentinel/monitoring/prometheus"
	"github.com/sentinelwatch/sentinel/runtime"
	"github.com/sentinelwatch/sentinel/simulate"
	"github.com/sentinelwatch/sentinel/store"
	"github.com/urfave/cli/v2"
)

// APINode runs the management side of sentinel: the signal CRUD and
// simulation API plus its metrics endpoint. It shares the store schema
// and the chain read path with the evaluation node but owns no queues.
type APINode struct {
	cliCtx   *cli.Context
	lock     sync.RWMutex
	services *runtime.ServiceRegistry
	stop     chan struct{}
	db       *store.Postgres
}

// NewAPI creates the API node and registers its services.
func NewAPI(cliCtx *cli.Context) (*APINode, error) {
	attachLogrusCollector()
	registry := runtime.NewServiceRegistry()
	n := &APINode{
		cliCtx:   cliCtx,
		services: registry,
		stop:     make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	dsn := cliCtx.String(flags.DatabaseURLFlag.Name)
	if dsn == "" {
		return nil, errors.New("--database-url is required")
	}
	db, err := store.NewPostgres(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "could not connect to postgres")
	}
	if err := db.Migrate(ctx); err != nil {
		return nil, errors.Wrap(err, "could not apply schema")
	}
	n.db = db

	stack, err := buildChainStack(cliCtx)
	if err != nil {
		return nil, err
	}

	apiAddr := fmt.Sprintf("%s:%d",
		cliCtx.String(flags.APIHostFlag.Name),
		cliCtx.Int(flags.APIPortFlag.Name))
	if err := registry.RegisterService(api.NewService(&api.Config{
		Addr:      apiAddr,
		Store:     db,
		Simulator: simulate.New(stack.fetcher, simulate.WithResolver(stack.resolver)),
	})); err != nil {
		return nil, err
	}

	monitoringAddr := fmt.Sprintf("%s:%d",
		cliCtx.String(flags.MonitoringHostFlag.Name),
		cliCtx.Int(flags.MonitoringPortFlag.Name))
	if err := registry.RegisterService(prometheus.NewService(monitoringAddr, registry)); err != nil {
		return nil, err
	}

	return n, nil
}

// Start launches the API services and blocks until shutdown.
func (n *APINode) Start() {
	n.lock.Lock()
	n.services.StartAll()
	n.lock.Unlock()

	stop := n.stop
	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigc)
		<-sigc
		log.Info("Got interrupt, shutting down...")
		go n.Close()
		for i := 10; i > 0; i-- {
			<-sigc
			if i > 1 {
				log.WithField("times", i-1).Info("Already shutting down, interrupt more to panic")
			}
		}
		panic("Panic closing the sentinel API node")
	}()

	<-stop
}

// Close stops the API services and the store connection.
func (n *APINode) Close() {
	n.lock.Lock()
	defer n.lock.Unlock()

	log.Info("Stopping sentinel API node")
	n.services.StopAll()
	if err := n.db.Close(); err != nil {
		log.WithError(err).Error("Could not close database")
	}
	close(n.stop)
}
