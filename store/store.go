// Package store persists signals and their evaluation audit trail. The
// production implementation is Postgres; an in-memory implementation
// backs tests and local development.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Signal is one monitored definition together with its delivery settings
// and evaluation bookkeeping.
type Signal struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	Name            string          `json:"name"`
	Description     string          `json:"description,omitempty"`
	Definition      json.RawMessage `json:"definition"`
	WebhookURL      string          `json:"webhook_url"`
	CooldownMinutes int             `json:"cooldown_minutes"`
	IsActive        bool            `json:"is_active"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	LastEvaluatedAt *time.Time      `json:"last_evaluated_at,omitempty"`
	LastTriggeredAt *time.Time      `json:"last_triggered_at,omitempty"`
}

// Notification statuses recorded in the audit trail.
const (
	NotificationDelivered = "delivered"
	NotificationFailed    = "failed"
)

// Notification is the audit row written for every triggered evaluation,
// whether or not the webhook delivery succeeded.
type Notification struct {
	ID            string          `json:"id"`
	SignalID      string          `json:"signal_id"`
	TriggeredAt   time.Time       `json:"triggered_at"`
	Status        string          `json:"status"`
	WebhookStatus *int            `json:"webhook_status,omitempty"`
	Error         string          `json:"error,omitempty"`
	Attempts      int             `json:"attempts"`
	DurationMs    int64           `json:"duration_ms"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// RunLog records one evaluation pass of one signal.
type RunLog struct {
	ID          string    `json:"id"`
	SignalID    string    `json:"signal_id"`
	EvaluatedAt time.Time `json:"evaluated_at"`
	Triggered   bool      `json:"triggered"`
	Conclusive  bool      `json:"conclusive"`
	Error       string    `json:"error,omitempty"`
	DurationMs  int64     `json:"duration_ms"`
}

// Store is the persistence surface the scheduler, worker and API consume.
type Store interface {
	CreateSignal(ctx context.Context, s *Signal) error
	GetSignal(ctx context.Context, id string) (*Signal, error)
	ListSignals(ctx context.Context, userID string) ([]*Signal, error)
	ListActiveSignalIDs(ctx context.Context) ([]string, error)
	UpdateSignal(ctx context.Context, s *Signal) error
	DeleteSignal(ctx context.Context, id string) error

	// StampEvaluated records that an evaluation pass finished at the
	// given instant.
	StampEvaluated(ctx context.Context, id string, at time.Time) error
	// StampTriggered conditionally advances last_triggered_at from prev
	// to at. It reports false when another worker got there first, which
	// narrows the cooldown race without fully closing it.
	StampTriggered(ctx context.Context, id string, prev *time.Time, at time.Time) (bool, error)

	InsertNotification(ctx context.Context, n *Notification) error
	ListNotifications(ctx context.Context, signalID string, limit int) ([]*Notification, error)
	InsertRunLog(ctx context.Context, r *RunLog) error
}
