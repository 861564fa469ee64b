// Package storage defines the Store interface and related types for the
// event storage engine the pagination and purge core sits on top of.
//
// The engine itself (append-only event log, state resolution, topological
// ordering) is an external collaborator; this package specifies its contract
// and ships MemoryStore, an in-memory implementation used by tests and by
// the daemon's dev mode.
package storage

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/NullIsNot0/synapse/internal/types"
)

// Common errors returned by Store operations.
var (
	// ErrRoomNotFound is returned when a room is not known to this server.
	ErrRoomNotFound = errors.New("storage: room not found")

	// ErrEventNotFound is returned when an event ID cannot be resolved.
	ErrEventNotFound = errors.New("storage: event not found")

	// ErrNotAllowed is returned when a user may not view a room's history.
	ErrNotAllowed = errors.New("storage: not allowed to view room")
)

// Membership values for m.room.member state, as they appear in event
// content.
const (
	MembershipJoin   = "join"
	MembershipLeave  = "leave"
	MembershipInvite = "invite"
	MembershipBan    = "ban"
)

// EventTypeMember is the state event type carrying room membership.
const EventTypeMember = "m.room.member"

// Event is a single room event as stored by the engine.
type Event struct {
	// ID is the event identifier, unique across all rooms.
	ID string

	// RoomID is the room the event belongs to.
	RoomID string

	// Sender is the user ID that sent the event.
	Sender string

	// Type is the event type, e.g. "m.room.message".
	Type string

	// StateKey is non-nil for state events.
	StateKey *string

	// Content is the raw event content.
	Content json.RawMessage

	// OriginServerTS is the origin server timestamp in unix milliseconds.
	OriginServerTS int64

	// StreamOrdering is the arrival ordering assigned by this server.
	// It increases monotonically across all rooms.
	StreamOrdering int64

	// Topological is the depth-based causal ordering within the room.
	Topological int64

	// Local is true if this server originated the event.
	Local bool
}

// EventPosition locates an event in both orderings.
type EventPosition struct {
	Topological int64
	Stream      int64
	EventID     string
}

// RetentionPolicy is a room's retention configuration. A nil MaxLifetimeMs
// means the room has no room-specific policy; whether a server-wide default
// applies to it is decided by the caller.
type RetentionPolicy struct {
	MaxLifetimeMs *int64
}

// StateKeyTuple identifies a piece of room state.
type StateKeyTuple struct {
	Type     string
	StateKey string
}

// StateFilter restricts a state query to particular (type, state key)
// pairs. Types maps an event type to the state keys of interest for that
// type.
type StateFilter struct {
	Types map[string][]string
}

// MemberStateFilter returns a filter selecting the m.room.member state for
// each of the given user IDs.
func MemberStateFilter(userIDs []string) StateFilter {
	return StateFilter{Types: map[string][]string{EventTypeMember: userIDs}}
}

// Matches reports whether the filter selects the given state tuple.
func (f StateFilter) Matches(tuple StateKeyTuple) bool {
	keys, ok := f.Types[tuple.Type]
	if !ok {
		return false
	}
	for _, k := range keys {
		if k == tuple.StateKey {
			return true
		}
	}
	return false
}

// Store is the contract the pagination and purge core requires of the
// event storage engine. All methods are safe for concurrent use.
type Store interface {
	// GetRoomsForRetentionPeriodInRange returns the rooms whose retention
	// max lifetime falls in (minMs, maxMs]. A nil bound means the range is
	// unbounded on that side. When includeNull is true, rooms with no
	// room-specific policy are included with a nil MaxLifetimeMs.
	GetRoomsForRetentionPeriodInRange(ctx context.Context, minMs, maxMs *int64, includeNull bool) (map[string]RetentionPolicy, error)

	// FindFirstStreamPositionAfter returns the earliest stream ordering
	// whose event timestamp is at or after ts (unix milliseconds). When no
	// such event exists the position one past the newest event is returned.
	FindFirstStreamPositionAfter(ctx context.Context, ts int64) (int64, error)

	// GetFirstRoomEventAfter returns the position of the first event in the
	// room at or after the given stream position, or nil if the room has no
	// such event.
	GetFirstRoomEventAfter(ctx context.Context, roomID string, streamPos int64) (*EventPosition, error)

	// PurgeHistory deletes events in the room strictly before the token.
	// Local-origin events are retained unless deleteLocalEvents is true.
	PurgeHistory(ctx context.Context, roomID string, token types.RoomStreamToken, deleteLocalEvents bool) error

	// PurgeRoom deletes all data for the room.
	PurgeRoom(ctx context.Context, roomID string) error

	// PaginateRoomEvents reads a page of events walking the stream in the
	// given direction from the from token, bounded by the optional to
	// token. It returns the page and the token to continue from.
	PaginateRoomEvents(ctx context.Context, roomID string, from types.RoomStreamToken, to *types.RoomStreamToken, dir types.Direction, limit int, filter *EventFilter) ([]Event, types.RoomStreamToken, error)

	// GetMaxTopologicalToken returns the largest topological ordering among
	// the room's events at or before the given stream position.
	GetMaxTopologicalToken(ctx context.Context, roomID string, streamPos int64) (int64, error)

	// GetTopologicalTokenForEvent returns the topological token locating
	// the given event.
	GetTopologicalTokenForEvent(ctx context.Context, eventID string) (types.RoomStreamToken, error)

	// IsHostJoined reports whether any user on the given server is joined
	// to the room.
	IsHostJoined(ctx context.Context, roomID, serverName string) (bool, error)

	// GetRoomVersion returns the room's version, or ErrRoomNotFound.
	GetRoomVersion(ctx context.Context, roomID string) (string, error)

	// CurrentStreamToken returns the token for the current head of the
	// event stream.
	CurrentStreamToken(ctx context.Context) (types.RoomStreamToken, error)

	// GetStateIDsForEvent returns the IDs of the state events matching the
	// filter, as the room state stood at the given event.
	GetStateIDsForEvent(ctx context.Context, eventID string, filter StateFilter) (map[StateKeyTuple]string, error)

	// GetEvents resolves event IDs to events. Unknown IDs are skipped.
	GetEvents(ctx context.Context, eventIDs []string) ([]Event, error)
}
