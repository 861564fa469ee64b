package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/NullIsNot0/synapse/internal/types"
)

// EventTypeHistoryVisibility is the state event type controlling whether a
// room's history may be read without membership.
const EventTypeHistoryVisibility = "m.room.history_visibility"

// HistoryVisibilityWorldReadable marks a room readable by non-members.
const HistoryVisibilityWorldReadable = "world_readable"

// MemoryStore implements Store in memory. It is exported so that tests in
// other packages can use it, and it backs the daemon's dev mode.
type MemoryStore struct {
	mu         sync.RWMutex
	nextStream int64
	rooms      map[string]*memoryRoom
	policies   map[string]*int64
	hosts      map[string]map[string]bool
}

type memoryRoom struct {
	version   string
	nextDepth int64
	events    []Event
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextStream: 1,
		rooms:      make(map[string]*memoryRoom),
		policies:   make(map[string]*int64),
		hosts:      make(map[string]map[string]bool),
	}
}

// CreateRoom registers a room with the given version.
func (m *MemoryStore) CreateRoom(roomID, version string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[roomID]; !ok {
		m.rooms[roomID] = &memoryRoom{version: version, nextDepth: 1}
	}
}

// Append stores an event in the room, assigning its stream and topological
// orderings. The room is created implicitly if unknown.
func (m *MemoryStore) Append(roomID string, ev Event) Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[roomID]
	if !ok {
		room = &memoryRoom{version: "1", nextDepth: 1}
		m.rooms[roomID] = room
	}

	ev.RoomID = roomID
	ev.StreamOrdering = m.nextStream
	ev.Topological = room.nextDepth
	if ev.ID == "" {
		ev.ID = fmt.Sprintf("$event-%d", m.nextStream)
	}
	m.nextStream++
	room.nextDepth++

	room.events = append(room.events, ev)
	return ev
}

// SetRetentionPolicy sets the room's retention policy. A nil value marks
// the room as having no room-specific policy.
func (m *MemoryStore) SetRetentionPolicy(roomID string, maxLifetimeMs *int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if maxLifetimeMs == nil {
		m.policies[roomID] = nil
		return
	}
	v := *maxLifetimeMs
	m.policies[roomID] = &v
}

// SetHostJoined records whether any user on the given server is joined to
// the room.
func (m *MemoryStore) SetHostJoined(roomID, serverName string, joined bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.hosts[roomID]
	if !ok {
		set = make(map[string]bool)
		m.hosts[roomID] = set
	}
	set[serverName] = joined
}

// EventCount returns the number of events stored for the room.
func (m *MemoryStore) EventCount(roomID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, ok := m.rooms[roomID]
	if !ok {
		return 0
	}
	return len(room.events)
}

// HasRoom reports whether the room is known.
func (m *MemoryStore) HasRoom(roomID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rooms[roomID]
	return ok
}

func (m *MemoryStore) GetRoomsForRetentionPeriodInRange(_ context.Context, minMs, maxMs *int64, includeNull bool) (map[string]RetentionPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]RetentionPolicy)
	for roomID := range m.rooms {
		lifetime := m.policies[roomID]
		if lifetime == nil {
			if includeNull {
				result[roomID] = RetentionPolicy{}
			}
			continue
		}
		if minMs != nil && *lifetime <= *minMs {
			continue
		}
		if maxMs != nil && *lifetime > *maxMs {
			continue
		}
		v := *lifetime
		result[roomID] = RetentionPolicy{MaxLifetimeMs: &v}
	}
	return result, nil
}

func (m *MemoryStore) FindFirstStreamPositionAfter(_ context.Context, ts int64) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	best := m.nextStream
	for _, room := range m.rooms {
		for _, ev := range room.events {
			if ev.OriginServerTS >= ts && ev.StreamOrdering < best {
				best = ev.StreamOrdering
			}
		}
	}
	return best, nil
}

func (m *MemoryStore) GetFirstRoomEventAfter(_ context.Context, roomID string, streamPos int64) (*EventPosition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return nil, nil
	}
	for _, ev := range room.events {
		if ev.StreamOrdering >= streamPos {
			return &EventPosition{Topological: ev.Topological, Stream: ev.StreamOrdering, EventID: ev.ID}, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) PurgeHistory(_ context.Context, roomID string, token types.RoomStreamToken, deleteLocalEvents bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}

	// Events strictly before the boundary's topological ordering are
	// removed; the boundary event itself survives.
	boundary := token.Stream
	if token.Topological != nil {
		boundary = *token.Topological
	}
	kept := room.events[:0]
	for _, ev := range room.events {
		ord := ev.StreamOrdering
		if token.Topological != nil {
			ord = ev.Topological
		}
		if ord < boundary && (deleteLocalEvents || !ev.Local) {
			continue
		}
		kept = append(kept, ev)
	}
	room.events = kept
	return nil
}

func (m *MemoryStore) PurgeRoom(_ context.Context, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rooms[roomID]; !ok {
		return fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	delete(m.rooms, roomID)
	delete(m.policies, roomID)
	delete(m.hosts, roomID)
	return nil
}

func (m *MemoryStore) PaginateRoomEvents(_ context.Context, roomID string, from types.RoomStreamToken, to *types.RoomStreamToken, dir types.Direction, limit int, filter *EventFilter) ([]Event, types.RoomStreamToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return nil, from, nil
	}

	var page []Event
	if dir == types.DirectionBackwards {
		for i := len(room.events) - 1; i >= 0; i-- {
			ev := room.events[i]
			if !atOrBeforeToken(ev, from) {
				continue
			}
			if to != nil && !afterToken(ev, *to) {
				break
			}
			if !filter.admitsOrNil(ev) {
				continue
			}
			page = append(page, ev)
			if limit > 0 && len(page) >= limit {
				break
			}
		}
	} else {
		for _, ev := range room.events {
			if !afterToken(ev, from) {
				continue
			}
			if to != nil && !atOrBeforeToken(ev, *to) {
				break
			}
			if !filter.admitsOrNil(ev) {
				continue
			}
			page = append(page, ev)
			if limit > 0 && len(page) >= limit {
				break
			}
		}
	}

	if len(page) == 0 {
		return nil, from, nil
	}
	last := page[len(page)-1]
	nextStream := last.StreamOrdering
	if dir == types.DirectionBackwards {
		// Tokens are positions between events. Step the stream part back so
		// the continuation token sits before the last returned event.
		nextStream--
	}
	return page, types.TopologicalToken(last.Topological, nextStream), nil
}

func (m *MemoryStore) GetMaxTopologicalToken(_ context.Context, roomID string, streamPos int64) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return 0, nil
	}
	var maxTopo int64
	for _, ev := range room.events {
		if ev.StreamOrdering <= streamPos && ev.Topological > maxTopo {
			maxTopo = ev.Topological
		}
	}
	return maxTopo, nil
}

func (m *MemoryStore) GetTopologicalTokenForEvent(_ context.Context, eventID string) (types.RoomStreamToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, room := range m.rooms {
		for _, ev := range room.events {
			if ev.ID == eventID {
				return types.TopologicalToken(ev.Topological, ev.StreamOrdering), nil
			}
		}
	}
	return types.RoomStreamToken{}, fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
}

func (m *MemoryStore) IsHostJoined(_ context.Context, roomID, serverName string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hosts[roomID][serverName], nil
}

func (m *MemoryStore) GetRoomVersion(_ context.Context, roomID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	return room.version, nil
}

func (m *MemoryStore) CurrentStreamToken(_ context.Context) (types.RoomStreamToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return types.StreamToken(m.nextStream - 1), nil
}

func (m *MemoryStore) GetStateIDsForEvent(_ context.Context, eventID string, filter StateFilter) (map[StateKeyTuple]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var room *memoryRoom
	var atStream int64
	for _, r := range m.rooms {
		for _, ev := range r.events {
			if ev.ID == eventID {
				room = r
				atStream = ev.StreamOrdering
				break
			}
		}
		if room != nil {
			break
		}
	}
	if room == nil {
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
	}

	// Later state events replace earlier ones for the same tuple.
	state := make(map[StateKeyTuple]string)
	for _, ev := range room.events {
		if ev.StreamOrdering > atStream || ev.StateKey == nil {
			continue
		}
		tuple := StateKeyTuple{Type: ev.Type, StateKey: *ev.StateKey}
		if filter.Matches(tuple) {
			state[tuple] = ev.ID
		}
	}
	return state, nil
}

func (m *MemoryStore) GetEvents(_ context.Context, eventIDs []string) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byID := make(map[string]Event)
	for _, room := range m.rooms {
		for _, ev := range room.events {
			byID[ev.ID] = ev
		}
	}

	events := make([]Event, 0, len(eventIDs))
	for _, id := range eventIDs {
		if ev, ok := byID[id]; ok {
			events = append(events, ev)
		}
	}
	return events, nil
}

// CheckInRoomOrWorldReadable resolves the requester's membership from the
// room's member state. A non-member may still read a world-readable room,
// in which case both return values are empty (the requester is peeking).
func (m *MemoryStore) CheckInRoomOrWorldReadable(_ context.Context, roomID, userID string) (string, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}

	var membership, memberEventID string
	worldReadable := false
	for _, ev := range room.events {
		if ev.StateKey == nil {
			continue
		}
		switch ev.Type {
		case EventTypeMember:
			if *ev.StateKey != userID {
				continue
			}
			var content struct {
				Membership string `json:"membership"`
			}
			if err := json.Unmarshal(ev.Content, &content); err != nil {
				continue
			}
			membership = content.Membership
			memberEventID = ev.ID
		case EventTypeHistoryVisibility:
			var content struct {
				HistoryVisibility string `json:"history_visibility"`
			}
			if err := json.Unmarshal(ev.Content, &content); err != nil {
				continue
			}
			worldReadable = content.HistoryVisibility == HistoryVisibilityWorldReadable
		}
	}

	switch membership {
	case MembershipJoin, MembershipLeave:
		return membership, memberEventID, nil
	}
	if worldReadable {
		return "", "", nil
	}
	return "", "", fmt.Errorf("%w: user %s in room %s", ErrNotAllowed, userID, roomID)
}

// atOrBeforeToken reports whether the event sits at or before the token's
// position. Topological tokens compare as (topological, stream) tuples.
func atOrBeforeToken(ev Event, tok types.RoomStreamToken) bool {
	if tok.Topological != nil {
		if ev.Topological != *tok.Topological {
			return ev.Topological < *tok.Topological
		}
		return ev.StreamOrdering <= tok.Stream
	}
	return ev.StreamOrdering <= tok.Stream
}

// afterToken reports whether the event is strictly after the token.
func afterToken(ev Event, tok types.RoomStreamToken) bool {
	if tok.Topological != nil {
		if ev.Topological != *tok.Topological {
			return ev.Topological > *tok.Topological
		}
		return ev.StreamOrdering > tok.Stream
	}
	return ev.StreamOrdering > tok.Stream
}

func (f *EventFilter) admitsOrNil(ev Event) bool {
	if f == nil {
		return true
	}
	return f.admits(ev)
}
