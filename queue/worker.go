package queue

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sentinelwatch/sentinel/async"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_jobs_total",
		Help: "The number of processed jobs by queue and outcome.",
	}, []string{"queue", "outcome"})
	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "queue_job_seconds",
		Help:    "Job handler duration.",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue"})
)

const (
	takeTimeout  = 5 * time.Second
	moverBackoff = time.Second
)

// Handler processes one job. A returned error sends the job through the
// retry-then-fail path.
type Handler func(ctx context.Context, job *Job) error

// Worker consumes one queue with bounded parallelism. One of its
// goroutines doubles as the mover promoting delayed and repeatable jobs.
type Worker struct {
	queue       *Queue
	handler     Handler
	concurrency int
	moverEvery  time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
	startMu sync.Mutex
	started bool
}

// NewWorker builds a worker over the queue. Concurrency below one is
// raised to one.
func NewWorker(q *Queue, handler Handler, concurrency int) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	return &Worker{
		queue:       q,
		handler:     handler,
		concurrency: concurrency,
		moverEvery:  moverBackoff,
		ctx:         gctx,
		cancel:      cancel,
		group:       g,
	}
}

// Start launches the consumer goroutines and the mover.
func (w *Worker) Start() {
	w.startMu.Lock()
	defer w.startMu.Unlock()
	if w.started {
		return
	}
	w.started = true
	log.WithFields(logrus.Fields{
		"queue":       w.queue.Name(),
		"concurrency": w.concurrency,
	}).Info("Starting queue worker")
	for i := 0; i < w.concurrency; i++ {
		w.group.Go(func() error {
			w.consume()
			return nil
		})
	}
	async.RunEvery(w.ctx, w.moverEvery, w.promote)
}

// Stop cancels the worker and blocks until in-flight jobs drain.
func (w *Worker) Stop() error {
	w.cancel()
	return w.group.Wait()
}

// Status reports readiness; a worker has no failure state of its own.
func (w *Worker) Status() error {
	return nil
}

func (w *Worker) consume() {
	for {
		if w.ctx.Err() != nil {
			return
		}
		job, raw, err := w.queue.take(w.ctx, takeTimeout)
		if err != nil {
			if w.ctx.Err() != nil {
				return
			}
			log.WithError(err).WithField("queue", w.queue.Name()).Warn("Could not take job")
			select {
			case <-time.After(time.Second):
			case <-w.ctx.Done():
				return
			}
			continue
		}
		if job == nil {
			continue
		}
		w.run(job, raw)
	}
}

// run executes one job to completion. The handler gets a context detached
// from worker shutdown so an in-flight job drains instead of aborting.
func (w *Worker) run(job *Job, raw string) {
	started := time.Now()
	err := w.handler(context.Background(), job)
	jobDuration.WithLabelValues(w.queue.Name()).Observe(time.Since(started).Seconds())
	if err != nil {
		log.WithError(err).WithFields(logrus.Fields{
			"queue":   w.queue.Name(),
			"job":     job.ID,
			"name":    job.Name,
			"attempt": job.Attempts + 1,
		}).Error("Job failed")
		jobsProcessed.WithLabelValues(w.queue.Name(), "failed").Inc()
		w.queue.retryOrFail(context.Background(), job, raw, err)
		return
	}
	jobsProcessed.WithLabelValues(w.queue.Name(), "completed").Inc()
	w.queue.complete(context.Background(), raw)
}

// promote moves due delayed and repeatable jobs into the wait list.
func (w *Worker) promote() {
	w.queue.promoteDue(w.ctx, time.Now())
}
