package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/sentinelwatch/sentinel/store"
	"github.com/stretchr/testify/require"
)

func newSignal(id string, active bool) *store.Signal {
	return &store.Signal{
		ID:         id,
		UserID:     "user-1",
		Name:       "signal " + id,
		Definition: []byte(`{"version":1}`),
		WebhookURL: "https://example.com/hook",
		IsActive:   active,
		CreatedAt:  testNow,
		UpdatedAt:  testNow,
	}
}

func TestMemory_SignalLifecycle(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	require.NoError(t, m.CreateSignal(ctx, newSignal("a", true)))
	require.NoError(t, m.CreateSignal(ctx, newSignal("b", false)))

	got, err := m.GetSignal(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "signal a", got.Name)

	ids, err := m.ListActiveSignalIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, ids)

	got.Name = "renamed"
	require.NoError(t, m.UpdateSignal(ctx, got))
	got, err = m.GetSignal(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "renamed", got.Name)

	require.NoError(t, m.DeleteSignal(ctx, "a"))
	_, err = m.GetSignal(ctx, "a")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestMemory_StampTriggered_RaceLoses(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.CreateSignal(ctx, newSignal("a", true)))

	// First stamp from a nil prior value wins.
	ok, err := m.StampTriggered(ctx, "a", nil, testNow)
	require.NoError(t, err)
	require.True(t, ok)

	// A second stamp still claiming a nil prior value loses.
	ok, err = m.StampTriggered(ctx, "a", nil, testNow.Add(time.Minute))
	require.NoError(t, err)
	require.False(t, ok)

	// Stamping from the current value wins again.
	ok, err = m.StampTriggered(ctx, "a", &testNow, testNow.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMemory_Notifications_NewestFirst(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.CreateSignal(ctx, newSignal("a", true)))

	for i := 0; i < 3; i++ {
		require.NoError(t, m.InsertNotification(ctx, &store.Notification{
			ID:        string(rune('x' + i)),
			SignalID:  "a",
			CreatedAt: testNow.Add(time.Duration(i) * time.Minute),
		}))
	}

	rows, err := m.ListNotifications(ctx, "a", 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "z", rows[0].ID)
	require.Equal(t, "y", rows[1].ID)
}
