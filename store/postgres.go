package store

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "store")

const schema = `
CREATE TABLE IF NOT EXISTS signals (
    id                TEXT PRIMARY KEY,
    user_id           TEXT NOT NULL,
    name              TEXT NOT NULL,
    description       TEXT NOT NULL DEFAULT '',
    definition        JSONB NOT NULL,
    webhook_url       TEXT NOT NULL,
    cooldown_minutes  INTEGER NOT NULL DEFAULT 0,
    is_active         BOOLEAN NOT NULL DEFAULT TRUE,
    created_at        TIMESTAMPTZ NOT NULL,
    updated_at        TIMESTAMPTZ NOT NULL,
    last_evaluated_at TIMESTAMPTZ,
    last_triggered_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS signals_user_idx ON signals (user_id);
CREATE INDEX IF NOT EXISTS signals_active_idx ON signals (is_active) WHERE is_active;

CREATE TABLE IF NOT EXISTS notifications (
    id             TEXT PRIMARY KEY,
    signal_id      TEXT NOT NULL REFERENCES signals (id) ON DELETE CASCADE,
    triggered_at   TIMESTAMPTZ NOT NULL,
    status         TEXT NOT NULL,
    webhook_status INTEGER,
    error          TEXT NOT NULL DEFAULT '',
    attempts       INTEGER NOT NULL DEFAULT 0,
    duration_ms    BIGINT NOT NULL DEFAULT 0,
    payload        JSONB,
    created_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS notifications_signal_idx ON notifications (signal_id, created_at DESC);

CREATE TABLE IF NOT EXISTS run_logs (
    id           TEXT PRIMARY KEY,
    signal_id    TEXT NOT NULL REFERENCES signals (id) ON DELETE CASCADE,
    evaluated_at TIMESTAMPTZ NOT NULL,
    triggered    BOOLEAN NOT NULL,
    conclusive   BOOLEAN NOT NULL,
    error        TEXT NOT NULL DEFAULT '',
    duration_ms  BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS run_logs_signal_idx ON run_logs (signal_id, evaluated_at DESC);
`

// Postgres implements Store on database/sql with the pq driver.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens a connection pool against the given DSN and verifies
// connectivity.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "could not open database")
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, errors.Wrap(err, "could not reach database")
	}
	return &Postgres{db: db}, nil
}

// NewPostgresFromDB wraps an existing pool, mainly for tests.
func NewPostgresFromDB(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Migrate applies the schema. Statements are idempotent so migration runs
// on every startup.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "could not apply schema")
	}
	return nil
}

// Close releases the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

const signalColumns = `id, user_id, name, description, definition, webhook_url,
cooldown_minutes, is_active, created_at, updated_at, last_evaluated_at, last_triggered_at`

func scanSignal(row interface{ Scan(...interface{}) error }) (*Signal, error) {
	var s Signal
	var lastEval, lastTrig sql.NullTime
	err := row.Scan(&s.ID, &s.UserID, &s.Name, &s.Description, &s.Definition, &s.WebhookURL,
		&s.CooldownMinutes, &s.IsActive, &s.CreatedAt, &s.UpdatedAt, &lastEval, &lastTrig)
	if err != nil {
		return nil, err
	}
	if lastEval.Valid {
		s.LastEvaluatedAt = &lastEval.Time
	}
	if lastTrig.Valid {
		s.LastTriggeredAt = &lastTrig.Time
	}
	return &s, nil
}

// CreateSignal inserts a new signal row.
func (p *Postgres) CreateSignal(ctx context.Context, s *Signal) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO signals (`+signalColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		s.ID, s.UserID, s.Name, s.Description, []byte(s.Definition), s.WebhookURL,
		s.CooldownMinutes, s.IsActive, s.CreatedAt, s.UpdatedAt,
		nullTime(s.LastEvaluatedAt), nullTime(s.LastTriggeredAt))
	return errors.Wrap(err, "could not insert signal")
}

// GetSignal loads one signal by id.
func (p *Postgres) GetSignal(ctx context.Context, id string) (*Signal, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+signalColumns+` FROM signals WHERE id = $1`, id)
	s, err := scanSignal(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not load signal")
	}
	return s, nil
}

// ListSignals returns every signal owned by a user, newest first.
func (p *Postgres) ListSignals(ctx context.Context, userID string) ([]*Signal, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+signalColumns+` FROM signals WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, errors.Wrap(err, "could not list signals")
	}
	defer closeRows(rows)
	var out []*Signal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, errors.Wrap(err, "could not scan signal")
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListActiveSignalIDs returns the ids of every active signal, for the
// scheduler tick.
func (p *Postgres) ListActiveSignalIDs(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id FROM signals WHERE is_active ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "could not list active signals")
	}
	defer closeRows(rows)
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "could not scan signal id")
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// UpdateSignal rewrites the user-editable fields of a signal.
func (p *Postgres) UpdateSignal(ctx context.Context, s *Signal) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE signals
		SET name = $2, description = $3, definition = $4, webhook_url = $5,
		    cooldown_minutes = $6, is_active = $7, updated_at = $8
		WHERE id = $1`,
		s.ID, s.Name, s.Description, []byte(s.Definition), s.WebhookURL,
		s.CooldownMinutes, s.IsActive, s.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, "could not update signal")
	}
	return requireRow(res)
}

// DeleteSignal removes a signal; the audit rows cascade.
func (p *Postgres) DeleteSignal(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM signals WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, "could not delete signal")
	}
	return requireRow(res)
}

// StampEvaluated records the completion of one evaluation pass.
func (p *Postgres) StampEvaluated(ctx context.Context, id string, at time.Time) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE signals SET last_evaluated_at = $2 WHERE id = $1`, id, at)
	return errors.Wrap(err, "could not stamp evaluation")
}

// StampTriggered advances last_triggered_at only if it still holds the
// value the worker read before dispatching.
func (p *Postgres) StampTriggered(ctx context.Context, id string, prev *time.Time, at time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE signals SET last_triggered_at = $3
		WHERE id = $1 AND last_triggered_at IS NOT DISTINCT FROM $2`,
		id, nullTime(prev), at)
	if err != nil {
		return false, errors.Wrap(err, "could not stamp trigger")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "could not read affected rows")
	}
	return n == 1, nil
}

// InsertNotification appends one delivery attempt to the audit trail.
func (p *Postgres) InsertNotification(ctx context.Context, n *Notification) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO notifications (id, signal_id, triggered_at, status, webhook_status,
		    error, attempts, duration_ms, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		n.ID, n.SignalID, n.TriggeredAt, n.Status, nullInt(n.WebhookStatus),
		n.Error, n.Attempts, n.DurationMs, []byte(n.Payload), n.CreatedAt)
	return errors.Wrap(err, "could not insert notification")
}

// ListNotifications returns the newest notifications of a signal.
func (p *Postgres) ListNotifications(ctx context.Context, signalID string, limit int) ([]*Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, signal_id, triggered_at, status, webhook_status, error,
		       attempts, duration_ms, payload, created_at
		FROM notifications WHERE signal_id = $1
		ORDER BY created_at DESC LIMIT $2`, signalID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "could not list notifications")
	}
	defer closeRows(rows)
	var out []*Notification
	for rows.Next() {
		var n Notification
		var status sql.NullInt64
		var payload []byte
		if err := rows.Scan(&n.ID, &n.SignalID, &n.TriggeredAt, &n.Status, &status,
			&n.Error, &n.Attempts, &n.DurationMs, &payload, &n.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "could not scan notification")
		}
		if status.Valid {
			v := int(status.Int64)
			n.WebhookStatus = &v
		}
		n.Payload = payload
		out = append(out, &n)
	}
	return out, rows.Err()
}

// InsertRunLog appends one evaluation record.
func (p *Postgres) InsertRunLog(ctx context.Context, r *RunLog) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO run_logs (id, signal_id, evaluated_at, triggered, conclusive, error, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.SignalID, r.EvaluatedAt, r.Triggered, r.Conclusive, r.Error, r.DurationMs)
	return errors.Wrap(err, "could not insert run log")
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "could not read affected rows")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		log.WithError(err).Debug("Could not close result rows")
	}
}
