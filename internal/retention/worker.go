// Package retention implements retention-policy enforcement: a background
// worker that periodically finds rooms whose retention lifetime falls in a
// configured window and schedules a history purge for each.
package retention

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/NullIsNot0/synapse/internal/metrics"
	"github.com/NullIsNot0/synapse/internal/purge"
	"github.com/NullIsNot0/synapse/internal/storage"
	"github.com/NullIsNot0/synapse/internal/types"
)

// Clock provides time functions for testing.
type Clock interface {
	Now() time.Time
}

// realClock implements Clock using real time.
type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Job describes one configured retention sweep. The window
// (ShortestMaxLifetimeMs, LongestMaxLifetimeMs] selects rooms by their
// effective retention lifetime; a nil bound leaves that side open.
type Job struct {
	Interval              time.Duration
	ShortestMaxLifetimeMs *int64
	LongestMaxLifetimeMs  *int64
}

// Options configures a Worker.
type Options struct {
	// Jobs are the retention sweeps to run.
	Jobs []Job

	// DefaultMaxLifetimeMs is the server-wide default retention lifetime
	// applied to rooms with no room-specific policy. Nil means no default
	// is configured and null-policy rooms are never swept.
	DefaultMaxLifetimeMs *int64
}

// Worker runs the configured retention jobs in the background. Each job
// ticks on its own interval; a tick is a best-effort sweep, not a
// guaranteed-delivery queue. Rooms already mid-purge are skipped with a
// warning and purge failures are absorbed by the purge status table.
type Worker struct {
	store   storage.Store
	purger  *purge.Purger
	log     *zap.Logger
	metrics *metrics.RetentionMetrics

	jobs      []Job
	defaultMs *int64
	clock     Clock

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewWorker creates a retention worker.
func NewWorker(store storage.Store, purger *purge.Purger, log *zap.Logger, m *metrics.RetentionMetrics, opts Options) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewRetentionMetricsWithRegistry(prometheus.NewRegistry())
	}
	return &Worker{
		store:     store,
		purger:    purger,
		log:       log,
		metrics:   m,
		jobs:      opts.Jobs,
		defaultMs: opts.DefaultMaxLifetimeMs,
		clock:     realClock{},
	}
}

// SetClock sets the clock for testing.
func (w *Worker) SetClock(c Clock) {
	w.clock = c
}

// Start begins the background sweep loops, one per job.
func (w *Worker) Start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.mu.Unlock()

	for _, job := range w.jobs {
		w.wg.Add(1)
		go w.run(job)
	}
}

// Stop stops the worker and waits for in-flight sweeps to return.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	close(w.stopCh)
	w.mu.Unlock()

	w.wg.Wait()

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
}

func (w *Worker) run(job Job) {
	defer w.wg.Done()

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	ctx := context.Background()
	w.sweep(ctx, job)

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.sweep(ctx, job)
		}
	}
}

func (w *Worker) sweep(ctx context.Context, job Job) {
	if err := w.ScanOnce(ctx, job); err != nil {
		w.log.Error("retention sweep failed", zap.Error(err))
	}
}

// ScanOnce performs a single sweep for the job synchronously: it resolves
// the rooms in the job's window and schedules a purge for each, deleting
// events older than the room's effective lifetime.
func (w *Worker) ScanOnce(ctx context.Context, job Job) error {
	includeNull := includeNullPolicies(w.defaultMs, job.ShortestMaxLifetimeMs, job.LongestMaxLifetimeMs)

	rooms, err := w.store.GetRoomsForRetentionPeriodInRange(ctx, job.ShortestMaxLifetimeMs, job.LongestMaxLifetimeMs, includeNull)
	if err != nil {
		return err
	}

	for roomID, policy := range rooms {
		if w.purger.PurgeInProgress(roomID) {
			w.log.Warn("not purging room, a purge is already running for it",
				zap.String("room_id", roomID))
			w.metrics.RoomsSkipped.Inc()
			continue
		}

		lifetime := policy.MaxLifetimeMs
		if lifetime == nil {
			// Null policy implies includeNull was true, so a default is
			// configured.
			lifetime = w.defaultMs
		}
		if lifetime == nil {
			w.log.Warn("room has no effective retention lifetime, skipping",
				zap.String("room_id", roomID))
			w.metrics.RoomsSkipped.Inc()
			continue
		}

		cutoff := w.clock.Now().UnixMilli() - *lifetime

		streamPos, err := w.store.FindFirstStreamPositionAfter(ctx, cutoff)
		if err != nil {
			w.log.Error("could not resolve stream position for cutoff",
				zap.String("room_id", roomID),
				zap.Int64("cutoff_ts", cutoff),
				zap.Error(err))
			w.metrics.RoomsSkipped.Inc()
			continue
		}

		r, err := w.store.GetFirstRoomEventAfter(ctx, roomID, streamPos)
		if err != nil {
			w.log.Error("could not resolve first room event after cutoff",
				zap.String("room_id", roomID),
				zap.Error(err))
			w.metrics.RoomsSkipped.Inc()
			continue
		}
		if r == nil {
			// Nothing in the room is newer than the cutoff. Purging here
			// would delete the whole room, so skip it.
			w.log.Warn("purging events not possible, no event found after cutoff",
				zap.String("room_id", roomID),
				zap.Int64("cutoff_ts", cutoff),
				zap.Int64("stream_position", streamPos))
			w.metrics.RoomsSkipped.Inc()
			continue
		}

		token := types.TopologicalToken(r.Topological, r.Stream)

		purgeID, err := w.purger.StartPurge(roomID, token, true)
		if errors.Is(err, purge.ErrPurgeInProgress) {
			w.log.Warn("not purging room, a purge is already running for it",
				zap.String("room_id", roomID))
			w.metrics.RoomsSkipped.Inc()
			continue
		}
		if err != nil {
			w.log.Error("could not start retention purge",
				zap.String("room_id", roomID),
				zap.Error(err))
			w.metrics.RoomsSkipped.Inc()
			continue
		}

		w.log.Info("scheduled retention purge",
			zap.String("room_id", roomID),
			zap.String("purge_id", purgeID),
			zap.String("token", token.String()))
		w.metrics.RoomsPurged.Inc()
	}

	w.metrics.JobRuns.Inc()
	return nil
}

// includeNullPolicies decides whether rooms with no room-specific retention
// policy fall into a job's window: only when a server default is configured
// and the window could plausibly contain it. The lower bound is exclusive
// and the upper bound inclusive, matching the window query itself.
func includeNullPolicies(defaultMs, minMs, maxMs *int64) bool {
	if defaultMs == nil {
		return false
	}
	if minMs != nil && *minMs >= *defaultMs {
		return false
	}
	if maxMs != nil && *maxMs < *defaultMs {
		return false
	}
	return true
}
