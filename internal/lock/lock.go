// Package lock implements per-room reader/writer locking for coordinating
// pagination reads against destructive history purges.
//
// Any number of readers may hold a room's lock at once; a writer excludes
// readers and other writers. A waiting writer blocks the admission of new
// readers, so a continuous stream of reads cannot starve a purge. Locks for
// distinct rooms never contend with each other.
package lock

import (
	"context"
	"sync"
)

// RoomLocker is a registry of per-room reader/writer locks. Lock state for
// a room is created lazily on first acquisition; a room with no holders and
// no waiters is simply unlocked.
type RoomLocker struct {
	mu    sync.Mutex
	rooms map[string]*roomLock
}

// NewRoomLocker creates an empty RoomLocker.
func NewRoomLocker() *RoomLocker {
	return &RoomLocker{rooms: make(map[string]*roomLock)}
}

// roomLock is the lock state for a single room. changed is closed and
// replaced every time the state moves, waking all waiters to re-check.
type roomLock struct {
	mu             sync.Mutex
	readers        int
	writerActive   bool
	writersWaiting int
	changed        chan struct{}
}

// Handle represents a held lock. Release is idempotent and must be called
// on every exit path; callers typically defer it immediately after a
// successful acquisition.
type Handle struct {
	release func()
	once    sync.Once
}

// Release releases the lock.
func (h *Handle) Release() {
	h.once.Do(h.release)
}

func (rl *RoomLocker) get(roomID string) *roomLock {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	l, ok := rl.rooms[roomID]
	if !ok {
		l = &roomLock{changed: make(chan struct{})}
		rl.rooms[roomID] = l
	}
	return l
}

// AcquireRead acquires the room's lock for reading. It blocks while a
// writer holds the lock or is waiting for it, and returns early with the
// context's error if ctx is cancelled.
func (rl *RoomLocker) AcquireRead(ctx context.Context, roomID string) (*Handle, error) {
	l := rl.get(roomID)

	for {
		l.mu.Lock()
		if !l.writerActive && l.writersWaiting == 0 {
			l.readers++
			l.mu.Unlock()
			return &Handle{release: func() { l.releaseRead() }}, nil
		}
		wait := l.changed
		l.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// AcquireWrite acquires the room's lock for writing. It blocks until all
// current readers release, and returns early with the context's error if
// ctx is cancelled.
func (rl *RoomLocker) AcquireWrite(ctx context.Context, roomID string) (*Handle, error) {
	l := rl.get(roomID)

	waiting := false
	for {
		l.mu.Lock()
		if l.readers == 0 && !l.writerActive {
			if waiting {
				l.writersWaiting--
			}
			l.writerActive = true
			l.mu.Unlock()
			return &Handle{release: func() { l.releaseWrite() }}, nil
		}
		if !waiting {
			// Registering as a waiting writer closes the door to new
			// readers; existing readers drain out.
			waiting = true
			l.writersWaiting++
		}
		wait := l.changed
		l.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			l.mu.Lock()
			l.writersWaiting--
			l.broadcastLocked()
			l.mu.Unlock()
			return nil, ctx.Err()
		}
	}
}

func (l *roomLock) releaseRead() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.readers--
	l.broadcastLocked()
}

func (l *roomLock) releaseWrite() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writerActive = false
	l.broadcastLocked()
}

func (l *roomLock) broadcastLocked() {
	close(l.changed)
	l.changed = make(chan struct{})
}
