// Package feed keeps a client's projection current as other clients mutate
// shared cards, delivering row-level change events from a per-board channel
// and degrading to manual refresh when the transport is unavailable.
package feed

import (
	"strings"

	"github.com/driftboardhq/driftboard/internal/board"
)

// TableCards is the table change events are observed on.
const TableCards = "cards"

// EventType classifies a row-level mutation.
type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// AllEventTypes lists every mutation type a card subscription observes.
func AllEventTypes() []EventType {
	return []EventType{EventInsert, EventUpdate, EventDelete}
}

// Event is one row-level mutation notification. Before carries the row as
// it stood prior to the mutation (nil for insert) and After as it stands
// now (nil for delete).
type Event struct {
	Type   EventType   `json:"type"`
	Table  string      `json:"table"`
	Before *board.Card `json:"before,omitempty"`
	After  *board.Card `json:"after,omitempty"`
}

// BoardID returns the scope-defining field of the event: the board the
// mutated row belongs to, taken from the after-image when present and the
// before-image otherwise.
func (e Event) BoardID() string {
	if e.After != nil {
		return e.After.BoardID
	}
	if e.Before != nil {
		return e.Before.BoardID
	}
	return ""
}

// Relevant reports whether the event affects the given viewing scope. It is
// a pure function of the event and the scope, so filtering decisions are
// testable in isolation.
func Relevant(event Event, scope board.BoardID) bool {
	if event.Table != TableCards {
		return false
	}
	return event.BoardID() == scope.String()
}

var channelSeparators = strings.NewReplacer(":", "-", ".", "-")

// ChannelName derives the stable channel identifier for a board scope,
// substituting separator characters the transport cannot carry in a
// channel name.
func ChannelName(scope board.BoardID) string {
	return "cards-" + channelSeparators.Replace(scope.String())
}
