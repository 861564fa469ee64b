package pagination

import (
	"context"
	"encoding/json"

	"github.com/NullIsNot0/synapse/internal/storage"
)

// NoopBackfiller is a Backfiller for deployments without federation; local
// history is all the history there is.
type NoopBackfiller struct{}

func (NoopBackfiller) MaybeBackfill(ctx context.Context, roomID string, maxTopological int64) error {
	return nil
}

// AllowAllVisibility is a VisibilityFilter that lets every event through.
// Suitable when history visibility is enforced upstream.
type AllowAllVisibility struct{}

func (AllowAllVisibility) FilterEventsForClient(ctx context.Context, userID string, events []storage.Event, isPeeking bool) ([]storage.Event, error) {
	return events, nil
}

// JSONSerializer renders events in the client-server wire format.
type JSONSerializer struct{}

type clientEvent struct {
	EventID        string          `json:"event_id"`
	RoomID         string          `json:"room_id,omitempty"`
	Sender         string          `json:"sender"`
	Type           string          `json:"type"`
	StateKey       *string         `json:"state_key,omitempty"`
	Content        json.RawMessage `json:"content"`
	OriginServerTS int64           `json:"origin_server_ts"`
	Unsigned       *unsignedData   `json:"unsigned,omitempty"`
}

type unsignedData struct {
	Age int64 `json:"age"`
}

// SerializeEvents renders events. The client format carries the event's age
// relative to nowMs and omits the room ID.
func (JSONSerializer) SerializeEvents(ctx context.Context, events []storage.Event, nowMs int64, asClientEvent bool) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(events))
	for _, ev := range events {
		ce := clientEvent{
			EventID:        ev.ID,
			Sender:         ev.Sender,
			Type:           ev.Type,
			StateKey:       ev.StateKey,
			Content:        ev.Content,
			OriginServerTS: ev.OriginServerTS,
		}
		if asClientEvent {
			ce.Unsigned = &unsignedData{Age: nowMs - ev.OriginServerTS}
		} else {
			ce.RoomID = ev.RoomID
		}
		raw, err := json.Marshal(ce)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}
