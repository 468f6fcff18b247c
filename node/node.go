// Package node assembles the sentinel services: it wires the chain read
// path, the store, the queues and the evaluation pipeline into a service
// registry and owns the process lifecycle around them.
package node

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sentinelwatch/sentinel/cmd/flags"
	"github.com/sentinelwatch/sentinel/dispatch"
	"github.com/sentinelwatch/sentinel/monitoring/prometheus"
	"github.com/sentinelwatch/sentinel/queue"
	"github.com/sentinelwatch/sentinel/runtime"
	"github.com/sentinelwatch/sentinel/scheduler"
	"github.com/sentinelwatch/sentinel/store"
	"github.com/sentinelwatch/sentinel/worker"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var log = logrus.WithField("prefix", "node")

const startupTimeout = 30 * time.Second

// logHookOnce guards against double registration when several nodes are
// assembled in one process, as tests do.
var logHookOnce sync.Once

// attachLogrusCollector feeds log volume per level and package into the
// metrics endpoint.
func attachLogrusCollector() {
	logHookOnce.Do(func() {
		logrus.AddHook(prometheus.NewLogrusCollector())
	})
}

// SentinelNode runs the evaluation side of sentinel: the scheduler, the
// worker pool and the metrics endpoint. It handles the lifecycle of the
// entire system and registers services to a service registry.
type SentinelNode struct {
	cliCtx   *cli.Context
	lock     sync.RWMutex
	services *runtime.ServiceRegistry
	stop     chan struct{} // Channel to wait for termination notifications.
	db       *store.Postgres
	redis    *redis.Client
}

// New creates a node instance, sets up configuration options, and
// registers every required service.
func New(cliCtx *cli.Context) (*SentinelNode, error) {
	attachLogrusCollector()
	registry := runtime.NewServiceRegistry()
	n := &SentinelNode{
		cliCtx:   cliCtx,
		services: registry,
		stop:     make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	if err := n.startDB(ctx); err != nil {
		return nil, err
	}
	if err := n.startRedis(ctx); err != nil {
		return nil, err
	}

	stack, err := buildChainStack(cliCtx)
	if err != nil {
		return nil, err
	}

	evaluationQueue := queue.New(n.redis, queue.EvaluationQueue)
	schedulerQueue := queue.New(n.redis, queue.SchedulerQueue)

	if err := registry.RegisterService(scheduler.New(&scheduler.Config{
		Interval:   cliCtx.Duration(flags.EvaluationIntervalFlag.Name),
		Store:      n.db,
		Evaluation: evaluationQueue,
		Scheduler:  schedulerQueue,
	})); err != nil {
		return nil, err
	}

	opts := []dispatch.Option{}
	if secret := cliCtx.String(flags.WebhookSecretFlag.Name); secret != "" {
		opts = append(opts, dispatch.WithSecret(secret))
	}
	if err := registry.RegisterService(worker.New(&worker.Config{
		Store:       n.db,
		Evaluator:   stack.evaluator(),
		Dispatcher:  dispatch.New(opts...),
		Queue:       evaluationQueue,
		Concurrency: cliCtx.Int(flags.WorkerConcurrencyFlag.Name),
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

func (n *SentinelNode) startDB(ctx context.Context) error {
	dsn := n.cliCtx.String(flags.DatabaseURLFlag.Name)
	if dsn == "" {
		return errors.New("--database-url is required")
	}
	db, err := store.NewPostgres(ctx, dsn)
	if err != nil {
		return errors.Wrap(err, "could not connect to postgres")
	}
	if err := db.Migrate(ctx); err != nil {
		return errors.Wrap(err, "could not apply schema")
	}
	n.db = db
	return nil
}

func (n *SentinelNode) startRedis(ctx context.Context) error {
	rdb := redis.NewClient(&redis.Options{
		Addr: n.cliCtx.String(flags.RedisAddrFlag.Name),
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, "could not connect to redis")
	}
	n.redis = rdb
	return nil
}

// Start launches every registered service and blocks until the node is
// told to shut down.
func (n *SentinelNode) Start() {
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
		panic("Panic closing the sentinel node")
	}()

	// Wait for stop channel to be closed.
	<-stop
}

// Close handles graceful shutdown of the system: services stop in reverse
// registration order, draining in-flight evaluations before the store and
// queue connections close.
func (n *SentinelNode) Close() {
	n.lock.Lock()
	defer n.lock.Unlock()

	log.Info("Stopping sentinel node")
	n.services.StopAll()
	if err := n.db.Close(); err != nil {
		log.WithError(err).Error("Could not close database")
	}
	if err := n.redis.Close(); err != nil {
		log.WithError(err).Error("Could not close redis")
	}
	close(n.stop)
}
