// Package joinsession mints and validates the short-lived tokens a device
// presents to join a board. A ticket binds a freshly minted client identity
// to exactly one board; it is not an account credential.
package joinsession

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/driftboardhq/driftboard/internal/board"
	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTicketTTL = 12 * time.Hour
	clientIDPrefix   = "client-"
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingIDProvider    = errors.New("id provider must be provided")
	errMissingClientSubject = errors.New("subject claim must carry the client id")
	errMissingBoardAudience = errors.New("audience claim must carry the board id")
)

// IDProvider mints the random portion of client identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// IssuerConfig configures the join ticket issuer.
type IssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	TicketTTL     time.Duration
	Clock         func() time.Time
	IDProvider    IDProvider
}

// Issuer signs and validates join tickets with a shared HS256 secret.
type Issuer struct {
	config IssuerConfig
	clock  func() time.Time
}

// Ticket is a signed grant for one client identity on one board.
type Ticket struct {
	Token     string         `json:"token"`
	ClientID  board.ClientID `json:"client_id"`
	BoardID   board.BoardID  `json:"board_id"`
	ExpiresIn int64          `json:"expires_in"`
}

// Session is the validated content of a presented ticket.
type Session struct {
	ClientID    board.ClientID
	BoardID     board.BoardID
	DisplayName string
}

type ticketClaims struct {
	DisplayName string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// NewIssuer constructs an Issuer with sane defaults.
func NewIssuer(cfg IssuerConfig) (*Issuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	ttl := cfg.TicketTTL
	if ttl <= 0 {
		ttl = defaultTicketTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Issuer{
		config: IssuerConfig{
			SigningSecret: cfg.SigningSecret,
			Issuer:        cfg.Issuer,
			TicketTTL:     ttl,
			Clock:         clock,
			IDProvider:    cfg.IDProvider,
		},
		clock: clock,
	}, nil
}

// Issue mints a client identity and returns a signed ticket for the board.
// The display name travels in the token so peers can label lock holders.
func (i *Issuer) Issue(_ context.Context, boardID board.BoardID, displayName string) (Ticket, error) {
	raw, err := i.config.IDProvider.NewID()
	if err != nil {
		return Ticket{}, fmt.Errorf("mint client id: %w", err)
	}
	clientID, err := board.NewClientID(clientIDPrefix + raw)
	if err != nil {
		return Ticket{}, fmt.Errorf("mint client id: %w", err)
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.config.TicketTTL).UTC()

	claims := ticketClaims{
		DisplayName: strings.TrimSpace(displayName),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientID.String(),
			Issuer:    i.config.Issuer,
			Audience:  []string{boardID.String()},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.config.SigningSecret)
	if err != nil {
		return Ticket{}, err
	}

	return Ticket{
		Token:     signed,
		ClientID:  clientID,
		BoardID:   boardID,
		ExpiresIn: int64(expiresAt.Sub(now).Seconds()),
	}, nil
}

// Validate ensures the ticket is well formed, unexpired, and signed by this
// issuer, and returns the session it grants.
func (i *Issuer) Validate(tokenString string) (Session, error) {
	claims := &ticketClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return i.config.SigningSecret, nil
		},
		jwt.WithIssuer(i.config.Issuer),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		return Session{}, err
	}

	clientID, err := board.NewClientID(claims.Subject)
	if err != nil {
		return Session{}, errMissingClientSubject
	}
	if len(claims.Audience) == 0 {
		return Session{}, errMissingBoardAudience
	}
	boardID, err := board.NewBoardID(claims.Audience[0])
	if err != nil {
		return Session{}, errMissingBoardAudience
	}

	return Session{
		ClientID:    clientID,
		BoardID:     boardID,
		DisplayName: claims.DisplayName,
	}, nil
}
