package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store for tests and local development. All
// methods are safe for concurrent use.
type Memory struct {
	mu            sync.Mutex
	signals       map[string]*Signal
	notifications map[string][]*Notification
	runLogs       map[string][]*RunLog
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		signals:       make(map[string]*Signal),
		notifications: make(map[string][]*Notification),
		runLogs:       make(map[string][]*RunLog),
	}
}

func copySignal(s *Signal) *Signal {
	out := *s
	if s.LastEvaluatedAt != nil {
		t := *s.LastEvaluatedAt
		out.LastEvaluatedAt = &t
	}
	if s.LastTriggeredAt != nil {
		t := *s.LastTriggeredAt
		out.LastTriggeredAt = &t
	}
	out.Definition = append([]byte(nil), s.Definition...)
	return &out
}

// CreateSignal stores a copy of the signal.
func (m *Memory) CreateSignal(_ context.Context, s *Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signals[s.ID] = copySignal(s)
	return nil
}

// GetSignal returns a copy of the signal or ErrNotFound.
func (m *Memory) GetSignal(_ context.Context, id string) (*Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.signals[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copySignal(s), nil
}

// ListSignals returns the user's signals, newest first.
func (m *Memory) ListSignals(_ context.Context, userID string) ([]*Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Signal
	for _, s := range m.signals {
		if s.UserID == userID {
			out = append(out, copySignal(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ListActiveSignalIDs returns active signal ids in id order.
func (m *Memory) ListActiveSignalIDs(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, s := range m.signals {
		if s.IsActive {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

// UpdateSignal rewrites the user-editable fields.
func (m *Memory) UpdateSignal(_ context.Context, s *Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.signals[s.ID]
	if !ok {
		return ErrNotFound
	}
	updated := copySignal(s)
	updated.CreatedAt = existing.CreatedAt
	updated.LastEvaluatedAt = existing.LastEvaluatedAt
	updated.LastTriggeredAt = existing.LastTriggeredAt
	m.signals[s.ID] = updated
	return nil
}

// DeleteSignal removes the signal and its audit rows.
func (m *Memory) DeleteSignal(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.signals[id]; !ok {
		return ErrNotFound
	}
	delete(m.signals, id)
	delete(m.notifications, id)
	delete(m.runLogs, id)
	return nil
}

// StampEvaluated records the evaluation instant.
func (m *Memory) StampEvaluated(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.signals[id]
	if !ok {
		return ErrNotFound
	}
	t := at
	s.LastEvaluatedAt = &t
	return nil
}

// StampTriggered advances last_triggered_at only from the expected prior
// value, mirroring the conditional update of the Postgres store.
func (m *Memory) StampTriggered(_ context.Context, id string, prev *time.Time, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.signals[id]
	if !ok {
		return false, ErrNotFound
	}
	if (s.LastTriggeredAt == nil) != (prev == nil) {
		return false, nil
	}
	if s.LastTriggeredAt != nil && !s.LastTriggeredAt.Equal(*prev) {
		return false, nil
	}
	t := at
	s.LastTriggeredAt = &t
	return true, nil
}

// InsertNotification appends a notification row.
func (m *Memory) InsertNotification(_ context.Context, n *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := *n
	m.notifications[n.SignalID] = append(m.notifications[n.SignalID], &row)
	return nil
}

// ListNotifications returns the newest notification rows of a signal.
func (m *Memory) ListNotifications(_ context.Context, signalID string, limit int) ([]*Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.notifications[signalID]
	out := make([]*Notification, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		row := *rows[i]
		out = append(out, &row)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// InsertRunLog appends a run log row.
func (m *Memory) InsertRunLog(_ context.Context, r *RunLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := *r
	m.runLogs[r.SignalID] = append(m.runLogs[r.SignalID], &row)
	return nil
}

// RunLogs returns every run log row of a signal, oldest first.
func (m *Memory) RunLogs(signalID string) []*RunLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.runLogs[signalID]
	out := make([]*RunLog, 0, len(rows))
	for _, r := range rows {
		row := *r
		out = append(out, &row)
	}
	return out
}
