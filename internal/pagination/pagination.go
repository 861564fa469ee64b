// Package pagination serves pages of room timeline to requesters, holding
// the room's read lock so that pages never observe a partially purged room.
package pagination

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/NullIsNot0/synapse/internal/lock"
	"github.com/NullIsNot0/synapse/internal/metrics"
	"github.com/NullIsNot0/synapse/internal/storage"
	"github.com/NullIsNot0/synapse/internal/types"
)

// Clock provides time functions for testing.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Authorizer resolves whether a requester may view a room's history.
type Authorizer interface {
	// CheckInRoomOrWorldReadable returns the requester's membership and the
	// ID of their member event. Both are empty when the requester is not a
	// member but the room is world-readable (the requester is peeking).
	// An error means the requester may not view the room at all.
	CheckInRoomOrWorldReadable(ctx context.Context, roomID, userID string) (membership string, memberEventID string, err error)
}

// Backfiller gives federation the opportunity to fetch missing history
// from remote servers before a local read.
type Backfiller interface {
	// MaybeBackfill is best-effort and may be a no-op when local history
	// is already complete.
	MaybeBackfill(ctx context.Context, roomID string, maxTopological int64) error
}

// VisibilityFilter strips events the requester may not see.
type VisibilityFilter interface {
	FilterEventsForClient(ctx context.Context, userID string, events []storage.Event, isPeeking bool) ([]storage.Event, error)
}

// EventSerializer converts events to their client-facing representation.
type EventSerializer interface {
	SerializeEvents(ctx context.Context, events []storage.Event, nowMs int64, asClientEvent bool) ([]json.RawMessage, error)
}

// Request is a single pagination request.
type Request struct {
	// UserID is the requesting user.
	UserID string

	// RoomID is the room to read from.
	RoomID string

	// From is the cursor to read from. Nil means the current stream head.
	From *types.RoomStreamToken

	// To optionally bounds the page.
	To *types.RoomStreamToken

	// Direction selects which way to walk the stream.
	Direction types.Direction

	// Limit caps the page size. Zero means the handler's default.
	Limit int

	// AsClientEvent selects the client-server event format.
	AsClientEvent bool

	// Filter optionally restricts the returned events.
	Filter *storage.EventFilter
}

// Page is the result of a pagination request.
type Page struct {
	Chunk []json.RawMessage `json:"chunk"`
	Start string            `json:"start"`
	End   string            `json:"end"`
	State []json.RawMessage `json:"state,omitempty"`
}

// Options configures a Handler.
type Options struct {
	// DefaultLimit applies when a request carries no limit. Default: 10.
	DefaultLimit int

	// MaxLimit caps requested limits. Default: 1000.
	MaxLimit int
}

// Handler serves room timeline pages.
type Handler struct {
	store      storage.Store
	locker     *lock.RoomLocker
	auth       Authorizer
	backfill   Backfiller
	visibility VisibilityFilter
	serializer EventSerializer
	clock      Clock
	log        *zap.Logger
	metrics    *metrics.PaginationMetrics

	defaultLimit int
	maxLimit     int
}

// NewHandler creates a pagination handler.
func NewHandler(
	store storage.Store,
	locker *lock.RoomLocker,
	auth Authorizer,
	backfill Backfiller,
	visibility VisibilityFilter,
	serializer EventSerializer,
	log *zap.Logger,
	m *metrics.PaginationMetrics,
	opts Options,
) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewPaginationMetricsWithRegistry(prometheus.NewRegistry())
	}
	defaultLimit := opts.DefaultLimit
	if defaultLimit <= 0 {
		defaultLimit = 10
	}
	maxLimit := opts.MaxLimit
	if maxLimit <= 0 {
		maxLimit = 1000
	}
	return &Handler{
		store:        store,
		locker:       locker,
		auth:         auth,
		backfill:     backfill,
		visibility:   visibility,
		serializer:   serializer,
		clock:        realClock{},
		log:          log,
		metrics:      m,
		defaultLimit: defaultLimit,
		maxLimit:     maxLimit,
	}
}

// SetClock sets the clock for testing.
func (h *Handler) SetClock(c Clock) {
	h.clock = c
}

// GetMessages returns one page of the room's timeline for the requester.
// The read holds the room's read lock, shared with other reads and excluded
// by an in-flight purge. An empty page is a valid result, never an error.
func (h *Handler) GetMessages(ctx context.Context, req Request) (*Page, error) {
	if !req.Direction.Valid() {
		return nil, fmt.Errorf("pagination: invalid direction %q", req.Direction)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = h.defaultLimit
	}
	if limit > h.maxLimit {
		limit = h.maxLimit
	}

	h.metrics.Requests.Inc()

	var from types.RoomStreamToken
	if req.From != nil {
		from = req.From.Copy()
	} else {
		cur, err := h.store.CurrentStreamToken(ctx)
		if err != nil {
			return nil, err
		}
		from = cur
	}

	handle, err := h.locker.AcquireRead(ctx, req.RoomID)
	if err != nil {
		return nil, err
	}
	defer handle.Release()

	membership, memberEventID, err := h.auth.CheckInRoomOrWorldReadable(ctx, req.RoomID, req.UserID)
	if err != nil {
		return nil, err
	}

	readFrom := from
	if req.Direction == types.DirectionBackwards {
		// Backfill needs a topological bound; resolve one if the token
		// does not already carry it.
		var maxTopo int64
		if from.Topological != nil {
			maxTopo = *from.Topological
		} else {
			maxTopo, err = h.store.GetMaxTopologicalToken(ctx, req.RoomID, from.Stream)
			if err != nil {
				return nil, err
			}
		}

		if membership == storage.MembershipLeave {
			// The requester left the room; clamp the read to before their
			// departure rather than loading history they may not see.
			leaveToken, err := h.store.GetTopologicalTokenForEvent(ctx, memberEventID)
			if err != nil {
				return nil, err
			}
			if leaveToken.Topological != nil && *leaveToken.Topological < maxTopo {
				readFrom = leaveToken
			}
		}

		h.metrics.Backfills.Inc()
		if err := h.backfill.MaybeBackfill(ctx, req.RoomID, maxTopo); err != nil {
			// Backfill is best-effort; serve what is locally known.
			h.log.Warn("backfill failed",
				zap.String("room_id", req.RoomID),
				zap.Int64("max_topological", maxTopo),
				zap.Error(err))
		}
	}

	events, nextKey, err := h.store.PaginateRoomEvents(ctx, req.RoomID, readFrom, req.To, req.Direction, limit, req.Filter)
	if err != nil {
		return nil, err
	}

	// The page is read; filtering and serialization happen outside the
	// lock's scope.
	handle.Release()

	if len(events) > 0 {
		if req.Filter != nil {
			events = req.Filter.Apply(events)
		}
		events, err = h.visibility.FilterEventsForClient(ctx, req.UserID, events, memberEventID == "")
		if err != nil {
			return nil, err
		}
	}

	h.metrics.PageSize.Observe(float64(len(events)))

	if len(events) == 0 {
		return &Page{
			Chunk: []json.RawMessage{},
			Start: from.String(),
			End:   nextKey.String(),
		}, nil
	}

	var state []storage.Event
	if req.Filter != nil && req.Filter.LazyLoadMembers {
		state, err = h.lazyMemberState(ctx, events)
		if err != nil {
			return nil, err
		}
	}

	nowMs := h.clock.Now().UnixMilli()

	chunk, err := h.serializer.SerializeEvents(ctx, events, nowMs, req.AsClientEvent)
	if err != nil {
		return nil, err
	}
	page := &Page{
		Chunk: chunk,
		Start: from.String(),
		End:   nextKey.String(),
	}

	if len(state) > 0 {
		page.State, err = h.serializer.SerializeEvents(ctx, state, nowMs, req.AsClientEvent)
		if err != nil {
			return nil, err
		}
	}
	return page, nil
}

// lazyMemberState resolves the membership state for the senders of the
// page, as the room state stood at the page's first event.
func (h *Handler) lazyMemberState(ctx context.Context, events []storage.Event) ([]storage.Event, error) {
	seen := make(map[string]bool)
	var senders []string
	for _, ev := range events {
		if !seen[ev.Sender] {
			seen[ev.Sender] = true
			senders = append(senders, ev.Sender)
		}
	}

	stateIDs, err := h.store.GetStateIDsForEvent(ctx, events[0].ID, storage.MemberStateFilter(senders))
	if err != nil {
		return nil, err
	}
	if len(stateIDs) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(stateIDs))
	for _, id := range stateIDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return h.store.GetEvents(ctx, ids)
}
