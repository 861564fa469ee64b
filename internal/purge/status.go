// Package purge implements history purges: the purge status table, the
// in-progress bookkeeping that keeps purges one-per-room, and the
// orchestrator that runs them under the room's write lock.
package purge

import (
	"errors"
	"sync"
	"time"
)

// Status tracks the lifecycle of a purge request.
type Status int

const (
	// StatusActive means the purge is still running.
	StatusActive Status = iota

	// StatusComplete means the purge finished successfully.
	StatusComplete

	// StatusFailed means the purge ended in a storage failure.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusComplete:
		return "complete"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Status table errors.
var (
	// ErrUnknownPurge is returned when a purge ID is not in the table.
	// Callers treat this as "unknown or expired", not as a failure.
	ErrUnknownPurge = errors.New("purge: unknown purge id")

	// ErrAlreadyTerminal is returned when a status transition is attempted
	// on a purge that already reached a terminal state.
	ErrAlreadyTerminal = errors.New("purge: status already terminal")
)

// StatusTable maps purge IDs to their lifecycle state. A purge's status
// transitions exactly once, from Active to a terminal state, and the entry
// is removed a fixed delay after that transition.
type StatusTable struct {
	mu       sync.Mutex
	statuses map[string]Status
	timers   map[string]*time.Timer
}

// NewStatusTable creates an empty StatusTable.
func NewStatusTable() *StatusTable {
	return &StatusTable{
		statuses: make(map[string]Status),
		timers:   make(map[string]*time.Timer),
	}
}

// Create inserts the purge with StatusActive.
func (t *StatusTable) Create(purgeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.statuses[purgeID] = StatusActive
}

// SetStatus moves the purge to a terminal state. It enforces the single
// Active-to-terminal transition.
func (t *StatusTable) SetStatus(purgeID string, status Status) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	current, ok := t.statuses[purgeID]
	if !ok {
		return ErrUnknownPurge
	}
	if current != StatusActive || status == StatusActive {
		return ErrAlreadyTerminal
	}
	t.statuses[purgeID] = status
	return nil
}

// Get returns the purge's status. The second return value is false when the
// purge is unknown or its entry has expired.
func (t *StatusTable) Get(purgeID string) (Status, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	status, ok := t.statuses[purgeID]
	return status, ok
}

// ScheduleRemoval removes the entry after the given delay without blocking
// the caller.
func (t *StatusTable) ScheduleRemoval(purgeID string, after time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.statuses[purgeID]; !ok {
		return
	}
	if timer, ok := t.timers[purgeID]; ok {
		timer.Stop()
	}
	t.timers[purgeID] = time.AfterFunc(after, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.statuses, purgeID)
		delete(t.timers, purgeID)
	})
}

// Close cancels all pending removals. Entries are left in place; Close is
// for shutdown, not cleanup.
func (t *StatusTable) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
}
