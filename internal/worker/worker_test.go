package worker

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"taskpilot/internal/metrics"
	"taskpilot/internal/queue"
	"taskpilot/internal/storage"
)

func newStream(t *testing.T) (*queue.EventStream, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	s := queue.NewEventStream(rdb, "taskpilot:events", "audit", "test", 10*time.Millisecond)
	require.NoError(t, s.EnsureGroup(context.Background()))
	return s, rdb
}

func TestWorkerRecordsTaskEvents(t *testing.T) {
	ctx := context.Background()
	stream, _ := newStream(t)

	store, err := storage.Open(ctx, "sqlite", "file:"+filepath.Join(t.TempDir(), "w.db"), true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	_, err = stream.Publish(ctx, queue.TaskEvent{Type: queue.EventTaskCreated, TaskID: "t1", ProjectID: "p1", UserID: "u1", Title: "Fix bug"})
	require.NoError(t, err)

	w := New(Config{Store: store, Stream: stream, MaxRetries: 2, Logger: zerolog.Nop(), Metrics: metrics.Global()})
	msgs, err := stream.Read(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	w.Handle(ctx, msgs[0])

	entries, err := store.ListAuditEntries(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, queue.EventTaskCreated, entries[0].Action)
	require.Contains(t, entries[0].MetaJSON, `"taskId":"t1"`)
}

type failingStore struct{ calls int }

func (f *failingStore) LogAction(context.Context, storage.AuditEntry) error {
	f.calls++
	return errors.New("db down")
}

func TestWorkerRetriesThenDrops(t *testing.T) {
	ctx := context.Background()
	stream, rdb := newStream(t)
	store := &failingStore{}
	w := New(Config{Store: store, Stream: stream, MaxRetries: 1, Logger: zerolog.Nop(), Metrics: metrics.Global()})

	_, err := stream.Publish(ctx, queue.TaskEvent{Type: queue.EventTaskCreated, TaskID: "t1", UserID: "u1"})
	require.NoError(t, err)

	msgs, err := stream.Read(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	w.Handle(ctx, msgs[0])

	retry, err := stream.Read(ctx, 10)
	require.NoError(t, err)
	require.Len(t, retry, 1)
	require.Equal(t, 1, retry[0].Event.Attempts)
	require.Equal(t, msgs[0].Event.EventID, retry[0].Event.EventID)
	w.Handle(ctx, retry[0])

	n, err := rdb.XLen(ctx, "taskpilot:events").Result()
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, 2, store.calls)
}

func TestWorkerStartStopsOnCancel(t *testing.T) {
	stream, _ := newStream(t)
	w := New(Config{Store: &failingStore{}, Stream: stream, Logger: zerolog.Nop(), Metrics: metrics.Global()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx, 2) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
