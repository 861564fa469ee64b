package purge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/NullIsNot0/synapse/internal/lock"
	"github.com/NullIsNot0/synapse/internal/metrics"
	"github.com/NullIsNot0/synapse/internal/storage"
	"github.com/NullIsNot0/synapse/internal/types"
)

// Purger errors.
var (
	// ErrPurgeInProgress is returned when a history purge is already
	// running for the room.
	ErrPurgeInProgress = errors.New("purge: history purge already in progress for room")

	// ErrUsersStillJoined is returned by PurgeRoom when local users are
	// still joined to the room.
	ErrUsersStillJoined = errors.New("purge: local users are still joined to room")
)

// DefaultStatusRetention is how long a purge's status entry outlives its
// terminal transition.
const DefaultStatusRetention = 24 * time.Hour

// Options configures a Purger.
type Options struct {
	// ServerName is this server's name, used to check for locally joined
	// users before a whole-room purge.
	ServerName string

	// StatusRetention overrides how long terminal status entries are kept.
	// Default: 24 hours.
	StatusRetention time.Duration
}

// Purger issues and supervises history purges. At most one purge runs per
// room at a time; a purge runs in the background, decoupled from the
// lifetime of the request that started it, and holds the room's write lock
// while the storage mutation is in flight.
type Purger struct {
	store    storage.Store
	locker   *lock.RoomLocker
	statuses *StatusTable
	log      *zap.Logger
	metrics  *metrics.PurgeMetrics

	serverName      string
	statusRetention time.Duration

	mu         sync.Mutex
	inProgress map[string]struct{}
}

// NewPurger creates a Purger.
func NewPurger(store storage.Store, locker *lock.RoomLocker, log *zap.Logger, m *metrics.PurgeMetrics, opts Options) *Purger {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewPurgeMetricsWithRegistry(prometheus.NewRegistry())
	}
	retention := opts.StatusRetention
	if retention <= 0 {
		retention = DefaultStatusRetention
	}
	return &Purger{
		store:           store,
		locker:          locker,
		statuses:        NewStatusTable(),
		log:             log,
		metrics:         m,
		serverName:      opts.ServerName,
		statusRetention: retention,
		inProgress:      make(map[string]struct{}),
	}
}

// StartPurge starts a history purge on the room, deleting events strictly
// before the token. It returns the purge's ID immediately; the purge itself
// runs in the background and its outcome is reported only through the
// status table. A room with a purge already in flight is rejected with
// ErrPurgeInProgress and no state is mutated.
func (p *Purger) StartPurge(roomID string, token types.RoomStreamToken, deleteLocalEvents bool) (string, error) {
	p.mu.Lock()
	if _, busy := p.inProgress[roomID]; busy {
		p.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrPurgeInProgress, roomID)
	}
	p.inProgress[roomID] = struct{}{}
	p.mu.Unlock()

	purgeID := uuid.NewString()
	p.statuses.Create(purgeID)
	p.metrics.Started.Inc()
	p.metrics.InProgress.Inc()

	p.log.Info("starting history purge",
		zap.String("purge_id", purgeID),
		zap.String("room_id", roomID),
		zap.String("token", token.String()),
		zap.Bool("delete_local_events", deleteLocalEvents))

	go p.runPurge(purgeID, roomID, token.Copy(), deleteLocalEvents)
	return purgeID, nil
}

// runPurge carries out a single purge. It runs on a background context so
// that a disconnecting caller cannot cancel or corrupt it.
func (p *Purger) runPurge(purgeID, roomID string, token types.RoomStreamToken, deleteLocalEvents bool) {
	ctx := context.Background()

	defer func() {
		p.mu.Lock()
		delete(p.inProgress, roomID)
		p.mu.Unlock()
		p.metrics.InProgress.Dec()
		p.statuses.ScheduleRemoval(purgeID, p.statusRetention)
	}()

	handle, err := p.locker.AcquireWrite(ctx, roomID)
	if err != nil {
		// Unreachable with a background context, but recorded all the same.
		p.fail(purgeID, roomID, err)
		return
	}
	err = p.store.PurgeHistory(ctx, roomID, token, deleteLocalEvents)
	handle.Release()

	if err != nil {
		p.fail(purgeID, roomID, err)
		return
	}

	p.log.Info("history purge complete",
		zap.String("purge_id", purgeID),
		zap.String("room_id", roomID))
	if err := p.statuses.SetStatus(purgeID, StatusComplete); err != nil {
		p.log.Warn("could not record purge completion", zap.String("purge_id", purgeID), zap.Error(err))
	}
	p.metrics.Completed.Inc()
}

func (p *Purger) fail(purgeID, roomID string, cause error) {
	p.log.Error("history purge failed",
		zap.String("purge_id", purgeID),
		zap.String("room_id", roomID),
		zap.Error(cause))
	if err := p.statuses.SetStatus(purgeID, StatusFailed); err != nil {
		p.log.Warn("could not record purge failure", zap.String("purge_id", purgeID), zap.Error(err))
	}
	p.metrics.Failed.Inc()
}

// PurgeRoom deletes all data for the room outright. Unlike history purges
// it is synchronous: it fails the whole call if the room is unknown or any
// local user is still joined, and it does not go through the status table.
func (p *Purger) PurgeRoom(ctx context.Context, roomID string) error {
	handle, err := p.locker.AcquireWrite(ctx, roomID)
	if err != nil {
		return err
	}
	defer handle.Release()

	if _, err := p.store.GetRoomVersion(ctx, roomID); err != nil {
		return err
	}

	joined, err := p.store.IsHostJoined(ctx, roomID, p.serverName)
	if err != nil {
		return err
	}
	if joined {
		return fmt.Errorf("%w: %s", ErrUsersStillJoined, roomID)
	}

	if err := p.store.PurgeRoom(ctx, roomID); err != nil {
		return err
	}
	p.log.Info("room purged", zap.String("room_id", roomID))
	return nil
}

// GetStatus returns the status of a purge. The second return value is false
// when the purge is unknown or its status entry has expired.
func (p *Purger) GetStatus(purgeID string) (Status, bool) {
	return p.statuses.Get(purgeID)
}

// PurgeInProgress reports whether a history purge is currently running for
// the room.
func (p *Purger) PurgeInProgress(roomID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, busy := p.inProgress[roomID]
	return busy
}

// Close cancels pending status-table cleanup timers.
func (p *Purger) Close() {
	p.statuses.Close()
}
