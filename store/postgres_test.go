package store_test

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/sentinelwatch/sentinel/store"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*store.Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, mock.ExpectationsWereMet())
		mock.ExpectClose()
		require.NoError(t, db.Close())
	})
	return store.NewPostgresFromDB(db), mock
}

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestPostgres_GetSignal(t *testing.T) {
	p, mock := newMockStore(t)

	cols := []string{
		"id", "user_id", "name", "description", "definition", "webhook_url",
		"cooldown_minutes", "is_active", "created_at", "updated_at",
		"last_evaluated_at", "last_triggered_at",
	}
	mock.ExpectQuery(`SELECT .+ FROM signals WHERE id = \$1`).
		WithArgs("sig-1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"sig-1", "user-1", "borrow watch", "", []byte(`{"version":1}`),
			"https://example.com/hook", 30, true, testNow, testNow, nil, nil,
		))

	s, err := p.GetSignal(context.Background(), "sig-1")
	require.NoError(t, err)
	require.Equal(t, "borrow watch", s.Name)
	require.Equal(t, 30, s.CooldownMinutes)
	require.Nil(t, s.LastTriggeredAt)
}

func TestPostgres_GetSignal_NotFound(t *testing.T) {
	p, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .+ FROM signals WHERE id = \$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := p.GetSignal(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestPostgres_ListActiveSignalIDs(t *testing.T) {
	p, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT id FROM signals WHERE is_active`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("a").AddRow("b"))

	ids, err := p.ListActiveSignalIDs(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, ids)
}

func TestPostgres_StampTriggered_Conditional(t *testing.T) {
	p, mock := newMockStore(t)

	prev := testNow.Add(-time.Hour)
	mock.ExpectExec(`UPDATE signals SET last_triggered_at = \$3`).
		WithArgs("sig-1", sqlmock.AnyArg(), testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := p.StampTriggered(context.Background(), "sig-1", &prev, testNow)
	require.NoError(t, err)
	require.True(t, ok)

	// A second worker racing on the same prior value loses the update.
	mock.ExpectExec(`UPDATE signals SET last_triggered_at = \$3`).
		WithArgs("sig-1", sqlmock.AnyArg(), testNow).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err = p.StampTriggered(context.Background(), "sig-1", &prev, testNow)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPostgres_DeleteSignal_NotFound(t *testing.T) {
	p, mock := newMockStore(t)

	mock.ExpectExec(`DELETE FROM signals WHERE id = \$1`).
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := p.DeleteSignal(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestPostgres_InsertNotification(t *testing.T) {
	p, mock := newMockStore(t)

	status := 200
	mock.ExpectExec(`INSERT INTO notifications`).
		WithArgs("n-1", "sig-1", testNow, store.NotificationDelivered, sqlmock.AnyArg(),
			"", 1, int64(120), []byte(`{}`), testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := p.InsertNotification(context.Background(), &store.Notification{
		ID:            "n-1",
		SignalID:      "sig-1",
		TriggeredAt:   testNow,
		Status:        store.NotificationDelivered,
		WebhookStatus: &status,
		Attempts:      1,
		DurationMs:    120,
		Payload:       []byte(`{}`),
		CreatedAt:     testNow,
	})
	require.NoError(t, err)
}
