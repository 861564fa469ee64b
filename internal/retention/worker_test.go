package retention

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/NullIsNot0/synapse/internal/lock"
	"github.com/NullIsNot0/synapse/internal/metrics"
	"github.com/NullIsNot0/synapse/internal/purge"
	"github.com/NullIsNot0/synapse/internal/storage"
	"github.com/NullIsNot0/synapse/internal/types"
)

func int64Ptr(v int64) *int64 { return &v }

type fixedClock struct {
	t time.Time
}

func (c fixedClock) Now() time.Time { return c.t }

func TestIncludeNullPolicies(t *testing.T) {
	cases := []struct {
		name      string
		defaultMs *int64
		minMs     *int64
		maxMs     *int64
		want      bool
	}{
		{"no default configured", nil, int64Ptr(500), int64Ptr(2000), false},
		{"default inside window", int64Ptr(1000), int64Ptr(500), int64Ptr(2000), true},
		{"default equal to min excluded", int64Ptr(1000), int64Ptr(1000), int64Ptr(2000), false},
		{"default above max excluded", int64Ptr(1000), int64Ptr(0), int64Ptr(500), false},
		{"default equal to max included", int64Ptr(1000), nil, int64Ptr(1000), true},
		{"unbounded window", int64Ptr(1000), nil, nil, true},
		{"open lower bound", int64Ptr(1000), nil, int64Ptr(2000), true},
		{"open upper bound", int64Ptr(1000), int64Ptr(999), nil, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := includeNullPolicies(tc.defaultMs, tc.minMs, tc.maxMs)
			if got != tc.want {
				t.Errorf("includeNullPolicies = %v, want %v", got, tc.want)
			}
		})
	}
}

func newTestWorker(t *testing.T, store storage.Store, opts Options) (*Worker, *purge.Purger, *metrics.RetentionMetrics) {
	t.Helper()
	purger := purge.NewPurger(store, lock.NewRoomLocker(), zap.NewNop(), nil, purge.Options{ServerName: "test"})
	t.Cleanup(purger.Close)
	m := metrics.NewRetentionMetricsWithRegistry(prometheus.NewRegistry())
	return NewWorker(store, purger, zap.NewNop(), m, opts), purger, m
}

func TestWorker_ScanOncePurgesDefaultPolicyRoom(t *testing.T) {
	m := storage.NewMemoryStore()
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	day := int64(24 * time.Hour / time.Millisecond)

	// Room with no room-specific policy whose events span ten days.
	for i := int64(0); i < 10; i++ {
		m.Append("!roomA:test", storage.Event{
			Sender:         "@alice:test",
			Type:           "m.room.message",
			Content:        json.RawMessage(`{"body":"hi"}`),
			OriginServerTS: now.UnixMilli() - 10*day + i*day,
		})
	}

	worker, _, wm := newTestWorker(t, m, Options{
		DefaultMaxLifetimeMs: int64Ptr(3 * day),
	})
	worker.SetClock(fixedClock{t: now})

	job := Job{Interval: time.Minute, LongestMaxLifetimeMs: int64Ptr(7 * day)}
	require.NoError(t, worker.ScanOnce(context.Background(), job))

	// Events older than three days are purged; the three newest survive.
	assert.Eventually(t, func() bool {
		return m.EventCount("!roomA:test") == 3
	}, time.Second, 5*time.Millisecond, "retention purge never completed")

	assert.Equal(t, float64(1), testutil.ToFloat64(wm.RoomsPurged))
	assert.Equal(t, float64(1), testutil.ToFloat64(wm.JobRuns))
}

func TestWorker_ScanOnceSkipsRoomWithNoEventAfterCutoff(t *testing.T) {
	m := storage.NewMemoryStore()
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	day := int64(24 * time.Hour / time.Millisecond)

	// Every event is older than the cutoff; the room must be skipped, not
	// emptied.
	m.CreateRoom("!stale:test", "1")
	m.SetRetentionPolicy("!stale:test", int64Ptr(1*day))
	for i := int64(0); i < 3; i++ {
		m.Append("!stale:test", storage.Event{
			Sender:         "@alice:test",
			Type:           "m.room.message",
			OriginServerTS: now.UnixMilli() - 30*day + i*day,
		})
	}

	worker, _, wm := newTestWorker(t, m, Options{})
	worker.SetClock(fixedClock{t: now})

	job := Job{Interval: time.Minute, LongestMaxLifetimeMs: int64Ptr(7 * day)}
	require.NoError(t, worker.ScanOnce(context.Background(), job))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, m.EventCount("!stale:test"), "room with no event after cutoff must not be purged")
	assert.Equal(t, float64(1), testutil.ToFloat64(wm.RoomsSkipped))
	assert.Equal(t, float64(0), testutil.ToFloat64(wm.RoomsPurged))
}

func TestWorker_ScanOnceSkipsNullPolicyRoomsWithoutDefault(t *testing.T) {
	m := storage.NewMemoryStore()
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	day := int64(24 * time.Hour / time.Millisecond)

	m.Append("!null:test", storage.Event{
		Sender:         "@alice:test",
		Type:           "m.room.message",
		OriginServerTS: now.UnixMilli(),
	})

	worker, _, wm := newTestWorker(t, m, Options{})
	worker.SetClock(fixedClock{t: now})

	job := Job{Interval: time.Minute, LongestMaxLifetimeMs: int64Ptr(7 * day)}
	require.NoError(t, worker.ScanOnce(context.Background(), job))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, m.EventCount("!null:test"))
	assert.Equal(t, float64(0), testutil.ToFloat64(wm.RoomsPurged))
}

// blockingPurgeStore holds PurgeHistory until released, so a purge can be
// observed mid-flight.
type blockingPurgeStore struct {
	*storage.MemoryStore
	enterOnce sync.Once
	entered   chan struct{}
	release   chan struct{}
}

func (b *blockingPurgeStore) PurgeHistory(ctx context.Context, roomID string, token types.RoomStreamToken, deleteLocalEvents bool) error {
	b.enterOnce.Do(func() { close(b.entered) })
	<-b.release
	return b.MemoryStore.PurgeHistory(ctx, roomID, token, deleteLocalEvents)
}

func TestWorker_ScanOnceSkipsRoomMidPurge(t *testing.T) {
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	day := int64(24 * time.Hour / time.Millisecond)

	blocked := &blockingPurgeStore{
		MemoryStore: storage.NewMemoryStore(),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	blocked.SetRetentionPolicy("!busy:test", int64Ptr(1*day))
	for i := int64(0); i < 4; i++ {
		blocked.Append("!busy:test", storage.Event{
			Sender:         "@alice:test",
			Type:           "m.room.message",
			OriginServerTS: now.UnixMilli() - 2*day + i*day,
		})
	}

	purger := purge.NewPurger(blocked, lock.NewRoomLocker(), zap.NewNop(), nil, purge.Options{ServerName: "test"})
	defer purger.Close()
	wm := metrics.NewRetentionMetricsWithRegistry(prometheus.NewRegistry())
	worker := NewWorker(blocked, purger, zap.NewNop(), wm, Options{})
	worker.SetClock(fixedClock{t: now})

	// Start a purge manually and hold it in flight while the sweep runs.
	_, err := purger.StartPurge("!busy:test", types.StreamToken(1), false)
	require.NoError(t, err)
	<-blocked.entered

	job := Job{Interval: time.Minute, LongestMaxLifetimeMs: int64Ptr(7 * day)}
	require.NoError(t, worker.ScanOnce(context.Background(), job))
	assert.Equal(t, float64(1), testutil.ToFloat64(wm.RoomsSkipped))
	assert.Equal(t, float64(0), testutil.ToFloat64(wm.RoomsPurged))

	close(blocked.release)
	assert.Eventually(t, func() bool {
		return !purger.PurgeInProgress("!busy:test")
	}, time.Second, 5*time.Millisecond)
}

func TestWorker_StartStop(t *testing.T) {
	m := storage.NewMemoryStore()
	worker, _, _ := newTestWorker(t, m, Options{})
	worker.jobs = []Job{{Interval: 10 * time.Millisecond}}

	worker.Start()
	// Idempotent start.
	worker.Start()
	time.Sleep(30 * time.Millisecond)
	worker.Stop()
	worker.Stop()
}
