// Package projection maintains the client-local view of a board: the set of
// cards the user currently sees. The optimistic engine and the change-feed
// subscriber both write here, so every mutation is keyed by card identifier
// and idempotent. Redundant or out-of-order writes converge instead of
// corrupting the view.
package projection

import (
	"sort"
	"sync"

	"github.com/driftboardhq/driftboard/internal/board"
)

// Store holds the cards for one viewing scope. It is safe for concurrent
// use by multiple goroutines.
type Store struct {
	mu    sync.RWMutex
	cards map[board.CardID]board.Card
}

// NewStore constructs an empty projection.
func NewStore() *Store {
	return &Store{cards: make(map[board.CardID]board.Card)}
}

// Upsert inserts or replaces the card stored under its identifier. Writing
// the same card twice leaves the projection unchanged after the first write.
func (s *Store) Upsert(card board.Card) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cards[board.CardID(card.CardID)] = card
}

// Remove deletes the card stored under id. Removing an absent card is a no-op.
func (s *Store) Remove(id board.CardID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cards, id)
}

// Get returns the card stored under id and whether it was present.
func (s *Store) Get(id board.CardID) (board.Card, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	card, ok := s.cards[id]
	return card, ok
}

// Rekey moves the card stored under oldID to newID, rewriting the embedded
// identifier to match. It reports false without mutating anything when no
// card is stored under oldID. An existing entry under newID is overwritten,
// which keeps the operation convergent when a feed event already delivered
// the row under its canonical identifier.
func (s *Store) Rekey(oldID, newID board.CardID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	card, ok := s.cards[oldID]
	if !ok {
		return false
	}
	delete(s.cards, oldID)
	card.CardID = newID.String()
	s.cards[newID] = card
	return true
}

// Replace swaps the entire projection contents for the given cards. Used by
// the initial scope load so the view starts consistent before incremental
// events arrive.
func (s *Store) Replace(cards []board.Card) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cards = make(map[board.CardID]board.Card, len(cards))
	for _, card := range cards {
		s.cards[board.CardID(card.CardID)] = card
	}
}

// Snapshot returns the stored cards ordered by identifier. The slice is a
// copy; callers may retain it across later mutations.
func (s *Store) Snapshot() []board.Card {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]board.Card, 0, len(s.cards))
	for _, card := range s.cards {
		out = append(out, card)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CardID < out[j].CardID })
	return out
}

// Len reports how many cards the projection currently holds.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cards)
}
