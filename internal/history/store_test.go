package history

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open()
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func entry(id, trigger, service, status string, completed time.Time) *Entry {
	return &Entry{
		ID:          id,
		Trigger:     trigger,
		Service:     service,
		Status:      status,
		HTTPStatus:  200,
		StartedAt:   completed.Add(-50 * time.Millisecond),
		CompletedAt: completed,
		DurationMs:  50,
	}
}

func TestStore_RecordAndList(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.Record(ctx, entry("a", "echo", "https", "ok", now.Add(-2*time.Second))))
	require.NoError(t, store.Record(ctx, entry("b", "onWrite", "firestore", "ok", now.Add(-1*time.Second))))
	require.NoError(t, store.Record(ctx, entry("c", "echo", "https", "ipc_error", now)))

	all, err := store.List(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	// Newest first.
	require.Equal(t, "c", all[0].ID)
	require.Equal(t, "a", all[2].ID)

	echoes, err := store.List(ctx, ListOptions{Trigger: "echo"})
	require.NoError(t, err)
	require.Len(t, echoes, 2)

	failed, err := store.List(ctx, ListOptions{Status: "ipc_error"})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, "c", failed[0].ID)

	firestore, err := store.List(ctx, ListOptions{Service: "firestore"})
	require.NoError(t, err)
	require.Len(t, firestore, 1)
	require.Equal(t, "onWrite", firestore[0].Trigger)
}

func TestStore_DeleteOlderThan(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.Record(ctx, entry("old", "echo", "https", "ok", now.Add(-2*time.Hour))))
	require.NoError(t, store.Record(ctx, entry("new", "echo", "https", "ok", now)))

	deleted, err := store.DeleteOlderThan(ctx, time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(1), deleted)

	remaining, err := store.List(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.Equal(t, "new", remaining[0].ID)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}
