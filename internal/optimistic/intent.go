package optimistic

import (
	"time"

	"github.com/driftboardhq/driftboard/internal/board"
)

// Kind identifies the mutation an intent performs.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindMove   Kind = "move"
	KindDelete Kind = "delete"
)

// State tracks how an intent resolved.
type State string

const (
	StatePending   State = "pending"
	StateConfirmed State = "confirmed"
	StateReverted  State = "reverted"
)

// Intent records one pending local mutation. Snapshot holds the card as it
// stood before the mutation (nil for create, where nothing existed), and
// Applied holds the card as the mutation left it (nil for delete, where the
// card is gone). Revert writes Snapshot back, so it is always the exact
// inverse of apply regardless of what touched the projection in between.
type Intent struct {
	ID        string
	Kind      Kind
	CardID    board.CardID
	Snapshot  *board.Card
	Applied   *board.Card
	CreatedAt time.Time
	State     State
}
