// Package scheduler drives periodic evaluation. A single repeatable tick
// job lives in the scheduler queue; each firing enumerates the active
// signals and enqueues one evaluation job per signal. Running several
// schedulers produces duplicate jobs but never wrong results, since
// notification is cooldown-gated downstream.
package scheduler

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sentinelwatch/sentinel/queue"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "scheduler")

var (
	scheduledCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_jobs_scheduled_total",
		Help: "The number of evaluation jobs enqueued by the scheduler.",
	})
	tickCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_ticks_total",
		Help: "The number of scheduler ticks processed.",
	})
)

const defaultInterval = 30 * time.Second

// ActiveLister supplies the ids of signals due for evaluation.
type ActiveLister interface {
	ListActiveSignalIDs(ctx context.Context) ([]string, error)
}

// Enqueuer is the slice of the evaluation queue the scheduler writes to.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *queue.Job) error
}

// Config wires the scheduler service.
type Config struct {
	Interval   time.Duration
	Store      ActiveLister
	Evaluation Enqueuer
	Scheduler  *queue.Queue
}

// Service owns the repeatable tick registration and the worker that
// processes tick jobs.
type Service struct {
	cfg       *Config
	worker    *queue.Worker
	lastError error
}

// New builds the scheduler service.
func New(cfg *Config) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	s := &Service{cfg: cfg}
	s.worker = queue.NewWorker(cfg.Scheduler, s.handleTick, 1)
	return s
}

// Start registers the repeatable tick, replacing any registration a
// previous run left behind, and begins consuming tick jobs.
func (s *Service) Start() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.cfg.Scheduler.RegisterRepeatable(ctx, queue.JobTick, s.cfg.Interval); err != nil {
		log.WithError(err).Error("Could not register evaluation tick")
		s.lastError = err
		return
	}
	log.WithField("interval", s.cfg.Interval).Info("Starting scheduler")
	s.worker.Start()
}

// Stop drains the tick worker.
func (s *Service) Stop() error {
	log.Info("Stopping scheduler")
	return s.worker.Stop()
}

// Status reports a failed tick registration.
func (s *Service) Status() error {
	return s.lastError
}

func (s *Service) handleTick(ctx context.Context, _ *queue.Job) error {
	tickCount.Inc()
	ids, err := s.cfg.Store.ListActiveSignalIDs(ctx)
	if err != nil {
		return errors.Wrap(err, "could not list active signals")
	}
	enqueued := 0
	for _, id := range ids {
		job, err := queue.NewJob(queue.JobEvaluate, &queue.EvaluatePayload{SignalID: id})
		if err != nil {
			return errors.Wrap(err, "could not build evaluation job")
		}
		if err := s.cfg.Evaluation.Enqueue(ctx, job); err != nil {
			return errors.Wrapf(err, "could not enqueue evaluation of %s", id)
		}
		enqueued++
		scheduledCount.Inc()
	}
	log.WithField("signals", enqueued).Debug("Scheduled evaluation jobs")
	return nil
}
