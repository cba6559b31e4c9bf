package board

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNewBoardIDAcceptsChannelSafeValues(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "plain", input: "board-7", want: "board-7"},
		{name: "trimmed", input: "  sprint_42  ", want: "sprint_42"},
		{name: "dotted", input: "team.alpha:retro", want: "team.alpha:retro"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := NewBoardID(tt.input)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if id.String() != tt.want {
				t.Fatalf("unexpected board id %q", id.String())
			}
		})
	}
}

func TestNewBoardIDRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "empty", input: ""},
		{name: "whitespace-only", input: "   "},
		{name: "embedded-space", input: "board 7"},
		{name: "slash", input: "boards/7"},
		{name: "hash", input: "board#7"},
		{name: "too-long", input: strings.Repeat("b", maxIdentifierLength+1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewBoardID(tt.input); !errors.Is(err, ErrInvalidBoardID) {
				t.Fatalf("expected ErrInvalidBoardID, got %v", err)
			}
		})
	}
}

func TestNewCardIDValidatesBounds(t *testing.T) {
	id, err := NewCardID(" card-1 ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.String() != "card-1" {
		t.Fatalf("expected trimmed id, got %q", id.String())
	}
	if _, err := NewCardID(""); !errors.Is(err, ErrInvalidCardID) {
		t.Fatalf("expected ErrInvalidCardID for empty input, got %v", err)
	}
	if _, err := NewCardID(strings.Repeat("c", maxIdentifierLength+1)); !errors.Is(err, ErrInvalidCardID) {
		t.Fatalf("expected ErrInvalidCardID for oversized input, got %v", err)
	}
}

func TestNewClientIDValidatesBounds(t *testing.T) {
	id, err := NewClientID("client-abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.String() != "client-abc" {
		t.Fatalf("unexpected client id %q", id.String())
	}
	if _, err := NewClientID("  "); !errors.Is(err, ErrInvalidClientID) {
		t.Fatalf("expected ErrInvalidClientID for blank input, got %v", err)
	}
}

func TestCardLockHelpers(t *testing.T) {
	base := Card{CardID: "card-1", BoardID: "board-1", Title: "idea"}
	if base.Locked() {
		t.Fatalf("fresh card should not report locked")
	}
	if base.LockHolder() != "" {
		t.Fatalf("unlocked card should report empty holder")
	}

	acquiredAt := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	locked := base.WithLock("client-9", acquiredAt)
	if !locked.Locked() {
		t.Fatalf("card should report locked after WithLock")
	}
	if locked.LockHolder() != "client-9" {
		t.Fatalf("unexpected holder %q", locked.LockHolder())
	}
	if locked.EditingAt == nil || !locked.EditingAt.Equal(acquiredAt) {
		t.Fatalf("unexpected editing_at: %v", locked.EditingAt)
	}
	if base.Locked() {
		t.Fatalf("WithLock must not mutate the receiver")
	}

	cleared := locked.ClearLock()
	if cleared.Locked() {
		t.Fatalf("card should be unlocked after ClearLock")
	}
	if cleared.EditingBy != nil || cleared.EditingAt != nil {
		t.Fatalf("ClearLock must null both columns, got %v %v", cleared.EditingBy, cleared.EditingAt)
	}
	if !locked.Locked() {
		t.Fatalf("ClearLock must not mutate the receiver")
	}
}

func TestNewTentativeCardIDCarriesPrefixAndOrder(t *testing.T) {
	first := NewTentativeCardID(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	second := NewTentativeCardID(time.Date(2024, 3, 1, 10, 0, 1, 0, time.UTC))

	if !IsTentativeID(first) || !IsTentativeID(second) {
		t.Fatalf("tentative ids should carry the reserved prefix: %q %q", first, second)
	}
	if !strings.HasPrefix(first.String(), TentativeIDPrefix) {
		t.Fatalf("unexpected prefix on %q", first)
	}
	if first == second {
		t.Fatalf("distinct mint calls should produce distinct ids")
	}
	if first.String() >= second.String() {
		t.Fatalf("later instant should sort after earlier one: %q vs %q", first, second)
	}
	if IsTentativeID(CardID("card-1")) {
		t.Fatalf("canonical ids must not be classified as tentative")
	}
}
