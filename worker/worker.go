// Package worker consumes evaluation jobs: it loads the signal, runs the
// evaluator, gates notification on the cooldown, dispatches the webhook
// and records the audit trail. Inconclusive evaluations are treated
// exactly like quiet ones: no notification, no trigger stamp.
package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sentinelwatch/sentinel/dispatch"
	"github.com/sentinelwatch/sentinel/eval"
	"github.com/sentinelwatch/sentinel/queue"
	"github.com/sentinelwatch/sentinel/signal"
	"github.com/sentinelwatch/sentinel/store"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "worker")

var (
	evaluationCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_evaluations_total",
		Help: "The number of signal evaluations by outcome.",
	}, []string{"outcome"})
	triggerCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "worker_triggers_total",
		Help: "The number of evaluations that triggered a notification attempt.",
	})
	cooldownHoldCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "worker_cooldown_holds_total",
		Help: "The number of triggers suppressed by an active cooldown.",
	})
)

// Evaluator runs a stored definition at an instant.
type Evaluator interface {
	Evaluate(ctx context.Context, signalID string, stored *signal.StoredDefinition, now time.Time) *eval.Result
}

// Sender delivers a webhook payload.
type Sender interface {
	Send(ctx context.Context, url string, payload *dispatch.Payload) *dispatch.Result
}

// Config wires the worker service.
type Config struct {
	Store       store.Store
	Evaluator   Evaluator
	Dispatcher  Sender
	Queue       *queue.Queue
	Concurrency int

	// now is swappable in tests.
	now func() time.Time
}

// Service consumes the evaluation queue.
type Service struct {
	cfg    *Config
	worker *queue.Worker
}

// New builds the worker service.
func New(cfg *Config) *Service {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 4
	}
	if cfg.now == nil {
		cfg.now = func() time.Time { return time.Now().UTC() }
	}
	s := &Service{cfg: cfg}
	s.worker = queue.NewWorker(cfg.Queue, s.handleEvaluate, cfg.Concurrency)
	return s
}

// Start begins consuming evaluation jobs.
func (s *Service) Start() {
	log.WithField("concurrency", s.cfg.Concurrency).Info("Starting evaluation worker")
	s.worker.Start()
}

// Stop drains in-flight evaluations before returning.
func (s *Service) Stop() error {
	log.Info("Stopping evaluation worker")
	return s.worker.Stop()
}

// Status reports readiness.
func (s *Service) Status() error {
	return s.worker.Status()
}

// handleEvaluate is the per-job state machine. Errors it returns send the
// job through the queue's retry path; a deleted or deactivated signal is
// not an error.
func (s *Service) handleEvaluate(ctx context.Context, job *queue.Job) error {
	var payload queue.EvaluatePayload
	if err := json.Unmarshal(job.Data, &payload); err != nil {
		return errors.Wrap(err, "could not decode evaluation job")
	}
	sig, err := s.cfg.Store.GetSignal(ctx, payload.SignalID)
	if errors.Is(err, store.ErrNotFound) {
		log.WithField("signal", payload.SignalID).Debug("Signal vanished before evaluation")
		return nil
	}
	if err != nil {
		return err
	}
	if !sig.IsActive {
		return nil
	}

	now := s.cfg.now()
	stored, err := signal.NormalizeStored(sig.Definition)
	if err != nil {
		// A definition that no longer compiles cannot improve on retry,
		// but the failure must stay visible in the queue's failed list.
		s.stampEvaluated(ctx, sig.ID, now)
		return errors.Wrapf(err, "stored definition of %s is unusable", sig.ID)
	}

	started := time.Now()
	res := s.cfg.Evaluator.Evaluate(ctx, sig.ID, stored, now)
	evalDuration := time.Since(started)

	switch {
	case !res.Conclusive:
		evaluationCount.WithLabelValues("inconclusive").Inc()
		log.WithFields(logrus.Fields{
			"signal": sig.ID,
			"error":  res.Err,
		}).Warn("Evaluation inconclusive, not notifying")
	case res.Triggered:
		evaluationCount.WithLabelValues("triggered").Inc()
	default:
		evaluationCount.WithLabelValues("quiet").Inc()
	}

	if res.Triggered && res.Conclusive {
		s.notify(ctx, sig, stored, res, now)
	}

	s.insertRunLog(ctx, sig.ID, res, now, evalDuration)
	s.stampEvaluated(ctx, sig.ID, now)
	return nil
}

// cooldownSatisfied reports whether enough time has passed since the last
// successful trigger.
func cooldownSatisfied(sig *store.Signal, now time.Time) bool {
	if sig.LastTriggeredAt == nil || sig.CooldownMinutes <= 0 {
		return true
	}
	return now.Sub(*sig.LastTriggeredAt) >= time.Duration(sig.CooldownMinutes)*time.Minute
}

// notify dispatches the webhook and writes the notification audit row.
// The trigger stamp only advances on successful delivery, and only if no
// other worker advanced it first.
func (s *Service) notify(ctx context.Context, sig *store.Signal, stored *signal.StoredDefinition, res *eval.Result, now time.Time) {
	if !cooldownSatisfied(sig, now) {
		cooldownHoldCount.Inc()
		log.WithField("signal", sig.ID).Debug("Trigger suppressed by cooldown")
		return
	}
	triggerCount.Inc()

	payload := dispatch.BuildPayload(sig, stored, res)
	result := s.cfg.Dispatcher.Send(ctx, sig.WebhookURL, payload)

	if result.Success {
		stamped, err := s.cfg.Store.StampTriggered(ctx, sig.ID, sig.LastTriggeredAt, now)
		if err != nil {
			log.WithError(err).WithField("signal", sig.ID).Error("Could not stamp trigger")
		} else if !stamped {
			log.WithField("signal", sig.ID).Debug("Another worker stamped this trigger first")
		}
	} else {
		log.WithFields(logrus.Fields{
			"signal": sig.ID,
			"status": result.Status,
			"error":  result.Error,
		}).Warn("Webhook delivery failed")
	}

	status := store.NotificationDelivered
	if !result.Success {
		status = store.NotificationFailed
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		log.WithError(err).WithField("signal", sig.ID).Error("Could not encode notification payload")
	}
	row := &store.Notification{
		ID:          uuid.NewString(),
		SignalID:    sig.ID,
		TriggeredAt: now,
		Status:      status,
		Error:       result.Error,
		Attempts:    result.Attempts,
		DurationMs:  result.Duration.Milliseconds(),
		Payload:     encoded,
		CreatedAt:   now,
	}
	if result.Status != 0 {
		statusCode := result.Status
		row.WebhookStatus = &statusCode
	}
	if err := s.cfg.Store.InsertNotification(ctx, row); err != nil {
		log.WithError(err).WithField("signal", sig.ID).Error("Could not record notification")
	}
}

func (s *Service) insertRunLog(ctx context.Context, signalID string, res *eval.Result, now time.Time, d time.Duration) {
	row := &store.RunLog{
		ID:          uuid.NewString(),
		SignalID:    signalID,
		EvaluatedAt: now,
		Triggered:   res.Triggered,
		Conclusive:  res.Conclusive,
		Error:       res.Err,
		DurationMs:  d.Milliseconds(),
	}
	if err := s.cfg.Store.InsertRunLog(ctx, row); err != nil {
		log.WithError(err).WithField("signal", signalID).Error("Could not record evaluation")
	}
}

func (s *Service) stampEvaluated(ctx context.Context, signalID string, now time.Time) {
	if err := s.cfg.Store.StampEvaluated(ctx, signalID, now); err != nil {
		log.WithError(err).WithField("signal", signalID).Error("Could not stamp evaluation")
	}
}
