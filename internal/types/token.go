// Package types defines the cursor types used to address positions in a
// room's event stream.
package types

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidToken is returned when a token string cannot be parsed.
var ErrInvalidToken = errors.New("types: invalid room stream token")

// Direction indicates which way a pagination request walks the stream.
type Direction string

const (
	// DirectionForwards pages from older to newer events.
	DirectionForwards Direction = "f"

	// DirectionBackwards pages from newer to older events.
	DirectionBackwards Direction = "b"
)

// Valid reports whether d is one of the recognised directions.
func (d Direction) Valid() bool {
	return d == DirectionForwards || d == DirectionBackwards
}

// RoomStreamToken addresses a position in a room's event stream.
//
// Stream is the monotonically increasing arrival ordering assigned by the
// local server. Topological, when present, is the depth-based causal
// ordering; a token carrying it is precise enough to act as a backfill or
// purge boundary, whereas a stream-only token first has to be resolved
// against storage.
//
// The wire forms are "s<stream>" for stream-only tokens and
// "t<topological>-<stream>" for topological tokens.
type RoomStreamToken struct {
	Topological *int64
	Stream      int64
}

// StreamToken returns a token carrying only a stream ordering.
func StreamToken(stream int64) RoomStreamToken {
	return RoomStreamToken{Stream: stream}
}

// TopologicalToken returns a token carrying both orderings.
func TopologicalToken(topological, stream int64) RoomStreamToken {
	return RoomStreamToken{Topological: &topological, Stream: stream}
}

// ParseRoomStreamToken parses the wire form of a token.
func ParseRoomStreamToken(s string) (RoomStreamToken, error) {
	if len(s) < 2 {
		return RoomStreamToken{}, fmt.Errorf("%w: %q", ErrInvalidToken, s)
	}

	switch s[0] {
	case 's':
		stream, err := strconv.ParseInt(s[1:], 10, 64)
		if err != nil {
			return RoomStreamToken{}, fmt.Errorf("%w: %q", ErrInvalidToken, s)
		}
		return StreamToken(stream), nil

	case 't':
		topoPart, streamPart, ok := strings.Cut(s[1:], "-")
		if !ok {
			return RoomStreamToken{}, fmt.Errorf("%w: %q", ErrInvalidToken, s)
		}
		topo, err := strconv.ParseInt(topoPart, 10, 64)
		if err != nil {
			return RoomStreamToken{}, fmt.Errorf("%w: %q", ErrInvalidToken, s)
		}
		stream, err := strconv.ParseInt(streamPart, 10, 64)
		if err != nil {
			return RoomStreamToken{}, fmt.Errorf("%w: %q", ErrInvalidToken, s)
		}
		return TopologicalToken(topo, stream), nil
	}

	return RoomStreamToken{}, fmt.Errorf("%w: %q", ErrInvalidToken, s)
}

// String returns the wire form of the token.
func (t RoomStreamToken) String() string {
	if t.Topological != nil {
		return fmt.Sprintf("t%d-%d", *t.Topological, t.Stream)
	}
	return fmt.Sprintf("s%d", t.Stream)
}

// HasTopological reports whether the token carries a topological ordering.
func (t RoomStreamToken) HasTopological() bool {
	return t.Topological != nil
}

// Copy returns a token with its own copy of the topological pointer, so the
// result can be retained independently of the receiver.
func (t RoomStreamToken) Copy() RoomStreamToken {
	if t.Topological == nil {
		return t
	}
	topo := *t.Topological
	return RoomStreamToken{Topological: &topo, Stream: t.Stream}
}
