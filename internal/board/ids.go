package board

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// TentativeIDPrefix marks card identifiers minted locally before the backend
// has assigned a canonical one. Server-issued identifiers never start with it.
const TentativeIDPrefix = "tmp_"

// NewTentativeCardID mints a placeholder card identifier from the given
// instant plus a random suffix. Identifiers from the same process are
// monotonic within a millisecond, so rapid local creates stay ordered.
func NewTentativeCardID(now time.Time) CardID {
	value := ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy())
	return CardID(TentativeIDPrefix + value.String())
}

// IsTentativeID reports whether the identifier was minted locally and still
// awaits its canonical replacement.
func IsTentativeID(id CardID) bool {
	return strings.HasPrefix(string(id), TentativeIDPrefix)
}

// UUIDProvider issues UUIDv7 identifiers, used for canonical card ids and
// intent ids. Time-ordered, so fresh identifiers sort after older ones.
type UUIDProvider struct{}

// NewUUIDProvider constructs a UUIDProvider.
func NewUUIDProvider() *UUIDProvider {
	return &UUIDProvider{}
}

// NewID returns a fresh UUIDv7 string.
func (p *UUIDProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
