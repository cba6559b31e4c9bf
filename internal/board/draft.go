package board

import "time"

// CardDraft carries the client-supplied fields for a card that does not
// exist yet. The backend assigns the canonical identifier and timestamps.
type CardDraft struct {
	BoardID   string  `json:"board_id"`
	Title     string  `json:"title"`
	Body      string  `json:"body"`
	Category  string  `json:"category"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	CreatedBy string  `json:"created_by"`
}

// CardPatch carries a partial update. Nil fields keep their stored value,
// so a move is a patch that sets only X and Y.
type CardPatch struct {
	Title    *string  `json:"title,omitempty"`
	Body     *string  `json:"body,omitempty"`
	Category *string  `json:"category,omitempty"`
	X        *float64 `json:"x,omitempty"`
	Y        *float64 `json:"y,omitempty"`
}

// IsZero reports whether the patch changes nothing.
func (p CardPatch) IsZero() bool {
	return p.Title == nil && p.Body == nil && p.Category == nil && p.X == nil && p.Y == nil
}

// ApplyPatch returns a copy of the card with the patch's non-nil fields
// applied. Timestamps are left for the caller to manage.
func (c Card) ApplyPatch(patch CardPatch) Card {
	patched := c
	if patch.Title != nil {
		patched.Title = *patch.Title
	}
	if patch.Body != nil {
		patched.Body = *patch.Body
	}
	if patch.Category != nil {
		patched.Category = *patch.Category
	}
	if patch.X != nil {
		patched.X = *patch.X
	}
	if patch.Y != nil {
		patched.Y = *patch.Y
	}
	return patched
}

// NewCardFromDraft materializes a draft into a card under the given
// identifier, stamping both audit timestamps with now. Used for tentative
// local cards ahead of the authoritative create.
func NewCardFromDraft(draft CardDraft, id CardID, now time.Time) Card {
	instant := now.UTC()
	return Card{
		CardID:    id.String(),
		BoardID:   draft.BoardID,
		Title:     draft.Title,
		Body:      draft.Body,
		Category:  draft.Category,
		X:         draft.X,
		Y:         draft.Y,
		CreatedBy: draft.CreatedBy,
		CreatedAt: instant,
		UpdatedAt: instant,
	}
}
