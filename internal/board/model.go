package board

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

// LockTTL is how long an editing lock stays authoritative after its last
// stamp. A lock older than this is reclaimable by anyone; both the client
// coordinator and the server sweep derive staleness from it.
const LockTTL = 5 * time.Minute

var (
	// ErrInvalidBoardID indicates that a board identifier is empty, too long, or carries unsupported characters.
	ErrInvalidBoardID = errors.New("board: invalid board id")
	// ErrInvalidCardID indicates that a card identifier is empty or exceeds storage bounds.
	ErrInvalidCardID = errors.New("board: invalid card id")
	// ErrInvalidClientID indicates that a client identifier is empty or exceeds storage bounds.
	ErrInvalidClientID = errors.New("board: invalid client id")
	// ErrCardNotFound indicates that no card exists under the requested
	// identifier. Every persistence implementation maps its own missing-row
	// condition onto this sentinel.
	ErrCardNotFound = errors.New("board: card not found")
)

// BoardID represents a validated board identifier. Boards are the scope unit
// for listing cards and for change-feed channels, so the accepted character
// set is restricted to what a channel name can carry.
type BoardID string

// NewBoardID validates raw input and returns a BoardID.
func NewBoardID(rawInput string) (BoardID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidBoardID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidBoardID, maxIdentifierLength)
	}
	for _, char := range trimmed {
		if !isBoardIDChar(char) {
			return "", fmt.Errorf("%w: unsupported character %q", ErrInvalidBoardID, char)
		}
	}
	return BoardID(trimmed), nil
}

func isBoardIDChar(char rune) bool {
	switch {
	case char >= 'a' && char <= 'z':
		return true
	case char >= 'A' && char <= 'Z':
		return true
	case char >= '0' && char <= '9':
		return true
	case char == '-' || char == '_' || char == '.' || char == ':':
		return true
	default:
		return false
	}
}

// String returns the underlying string identifier.
func (id BoardID) String() string {
	return string(id)
}

// CardID represents a validated card identifier. Both server-issued canonical
// identifiers and client-issued tentative identifiers pass through here.
type CardID string

// NewCardID validates raw input and returns a CardID.
func NewCardID(rawInput string) (CardID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidCardID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidCardID, maxIdentifierLength)
	}
	return CardID(trimmed), nil
}

// String returns the underlying string identifier.
func (id CardID) String() string {
	return string(id)
}

// ClientID represents a validated client (editing session) identifier.
type ClientID string

// NewClientID validates raw input and returns a ClientID.
func NewClientID(rawInput string) (ClientID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidClientID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidClientID, maxIdentifierLength)
	}
	return ClientID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ClientID) String() string {
	return string(id)
}

// Card models the shared mutable unit placed on a board: position, text,
// category, creator, the advisory lock columns, and audit timestamps.
// EditingBy and EditingAt are either both null or both set.
type Card struct {
	CardID    string     `gorm:"column:card_id;primaryKey;size:190;not null" json:"card_id"`
	BoardID   string     `gorm:"column:board_id;size:190;not null;index:idx_cards_board_updated,priority:1" json:"board_id"`
	Title     string     `gorm:"column:title;size:512;not null" json:"title"`
	Body      string     `gorm:"column:body;type:text;not null;default:''" json:"body"`
	Category  string     `gorm:"column:category;size:64;not null;default:''" json:"category"`
	X         float64    `gorm:"column:pos_x;not null;default:0" json:"x"`
	Y         float64    `gorm:"column:pos_y;not null;default:0" json:"y"`
	CreatedBy string     `gorm:"column:created_by;size:190;not null" json:"created_by"`
	EditingBy *string    `gorm:"column:editing_by;size:190" json:"editing_by,omitempty"`
	EditingAt *time.Time `gorm:"column:editing_at" json:"editing_at,omitempty"`
	CreatedAt time.Time  `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt time.Time  `gorm:"column:updated_at;not null;index:idx_cards_board_updated,priority:2" json:"updated_at"`
}

// TableName provides the explicit table binding for GORM.
func (Card) TableName() string {
	return "cards"
}

// Locked reports whether both lock columns are populated.
func (c Card) Locked() bool {
	return c.EditingBy != nil && c.EditingAt != nil
}

// LockHolder returns the current holder identity, or the empty string when unlocked.
func (c Card) LockHolder() string {
	if c.EditingBy == nil {
		return ""
	}
	return *c.EditingBy
}

// ClearLock returns a copy of the card with both lock columns nulled.
func (c Card) ClearLock() Card {
	cleared := c
	cleared.EditingBy = nil
	cleared.EditingAt = nil
	return cleared
}

// WithLock returns a copy of the card locked by the given holder at the given instant.
func (c Card) WithLock(holder string, acquiredAt time.Time) Card {
	locked := c
	holderCopy := holder
	instant := acquiredAt.UTC()
	locked.EditingBy = &holderCopy
	locked.EditingAt = &instant
	return locked
}
