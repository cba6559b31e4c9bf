// Package editlock grants advisory, cooperative edit locks over cards. Lock
// state lives on the card row itself as the editing_by and editing_at
// columns, so no separate lock service is involved. Locks are advisory:
// nothing prevents a write that ignores them.
package editlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/driftboardhq/driftboard/internal/board"
	"github.com/driftboardhq/driftboard/internal/clock"
	"go.uber.org/zap"
)

const (
	// lockTimeout is how long a lock stays valid after acquisition. Expiry
	// is evaluated lazily on the next read; no timer revokes a lock.
	lockTimeout = board.LockTTL

	// debounceWindow collapses rapid repeated acquire calls for the same
	// card and client into one store roundtrip. Each suppressed call
	// restarts the window.
	debounceWindow = 2 * time.Second
)

var (
	errMissingStore = errors.New("lock store is required")
	noOpLogger      = zap.NewNop()
)

// CoordinatorError carries a stable machine-readable code alongside the cause.
type CoordinatorError struct {
	code string
	err  error
}

func (e *CoordinatorError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *CoordinatorError) Unwrap() error {
	return e.err
}

func (e *CoordinatorError) Code() string {
	return e.code
}

const (
	opCoordinatorNew = "editlock.coordinator.new"
	opAcquire        = "editlock.acquire"
	opRelease        = "editlock.release"
	opCanEdit        = "editlock.can_edit"
	opLockInfo       = "editlock.lock_info"
	opSweep          = "editlock.sweep"
)

func newCoordinatorError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &CoordinatorError{code: code, err: cause}
}

// LockStore is the persistence surface the coordinator drives. AcquireLock
// and ReleaseLock are conditional writes guarded on the current column
// values, so a slow caller can never clobber a newer legitimate holder.
type LockStore interface {
	// GetCard returns the card under id, or board.ErrCardNotFound.
	GetCard(ctx context.Context, id board.CardID) (board.Card, error)

	// AcquireLock sets editing_by and editing_at, but only when the lock
	// is unset, already held by clientID, or has editing_at at or before
	// staleBefore. It reports whether the write landed.
	AcquireLock(ctx context.Context, id board.CardID, clientID board.ClientID, acquiredAt, staleBefore time.Time) (bool, error)

	// ReleaseLock clears both lock columns, but only while editing_by
	// still matches clientID. It reports whether anything was cleared.
	ReleaseLock(ctx context.Context, id board.CardID, clientID board.ClientID) (bool, error)

	// ClearExpiredLocks clears both lock columns on every card whose
	// editing_at is at or before staleBefore, regardless of holder. It
	// returns how many rows were cleared.
	ClearExpiredLocks(ctx context.Context, staleBefore time.Time) (int64, error)
}

// LockInfo is the derived view of a card's lock columns. An expired lock
// reads as absent: Locked is false and the remaining fields are zero.
type LockInfo struct {
	Locked     bool
	Holder     string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// CoordinatorConfig wires the coordinator's collaborators.
type CoordinatorConfig struct {
	Store  LockStore
	Clock  clock.Clock
	Logger *zap.Logger
}

// Coordinator mediates lock acquisition, release, expiry, and renewal
// debouncing for one client.
type Coordinator struct {
	store  LockStore
	clock  clock.Clock
	logger *zap.Logger

	mu       sync.Mutex
	debounce map[debounceKey]*debounceEntry
}

type debounceKey struct {
	cardID   board.CardID
	clientID board.ClientID
}

type debounceEntry struct {
	granted bool
	timer   *clock.Timer
}

// NewCoordinator validates the configuration and constructs a Coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, newCoordinatorError(opCoordinatorNew, "missing_store", errMissingStore)
	}
	timeSource := cfg.Clock
	if timeSource == nil {
		timeSource = clock.NewSystemClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Coordinator{
		store:    cfg.Store,
		clock:    timeSource,
		logger:   logger,
		debounce: make(map[debounceKey]*debounceEntry),
	}, nil
}

// Acquire attempts to take or renew the edit lock on the card. It reports
// true when the caller may edit: the lock was unset, expired, or already
// held by the caller. Holding clients renewing within the lock window do
// not rewrite editing_at, so continuous editing produces exactly one write.
// A denied acquire is a normal outcome, not an error.
func (c *Coordinator) Acquire(ctx context.Context, cardID board.CardID, clientID board.ClientID) (bool, error) {
	key := debounceKey{cardID: cardID, clientID: clientID}
	if granted, ok := c.suppressedOutcome(key); ok {
		return granted, nil
	}

	card, err := c.store.GetCard(ctx, cardID)
	if err != nil {
		return false, newCoordinatorError(opAcquire, "card_read_failed", err)
	}

	now := c.clock.Now().UTC()
	staleBefore := now.Add(-lockTimeout)

	if card.Locked() && card.EditingAt.After(staleBefore) {
		if card.LockHolder() == clientID.String() {
			// Held by the caller and still fresh: renewal is a no-op.
			c.remember(key, true)
			return true, nil
		}
		c.remember(key, false)
		return false, nil
	}

	granted, err := c.store.AcquireLock(ctx, cardID, clientID, now, staleBefore)
	if err != nil {
		return false, newCoordinatorError(opAcquire, "lock_write_failed", err)
	}
	c.remember(key, granted)
	return granted, nil
}

// Release clears the lock if the caller still holds it. It reports whether
// anything was cleared; releasing a lock the caller lost is a no-op.
func (c *Coordinator) Release(ctx context.Context, cardID board.CardID, clientID board.ClientID) (bool, error) {
	c.forget(debounceKey{cardID: cardID, clientID: clientID})

	released, err := c.store.ReleaseLock(ctx, cardID, clientID)
	if err != nil {
		return false, newCoordinatorError(opRelease, "lock_write_failed", err)
	}
	return released, nil
}

// CanEdit reports whether the client may edit the card right now: true when
// the lock is unset, expired, or held by that client.
func (c *Coordinator) CanEdit(ctx context.Context, cardID board.CardID, clientID board.ClientID) (bool, error) {
	card, err := c.store.GetCard(ctx, cardID)
	if err != nil {
		return false, newCoordinatorError(opCanEdit, "card_read_failed", err)
	}
	if !card.Locked() {
		return true, nil
	}
	if !card.EditingAt.After(c.clock.Now().UTC().Add(-lockTimeout)) {
		return true, nil
	}
	return card.LockHolder() == clientID.String(), nil
}

// LockInfo derives the lock view for the card. Expired locks read as absent.
func (c *Coordinator) LockInfo(ctx context.Context, cardID board.CardID) (LockInfo, error) {
	card, err := c.store.GetCard(ctx, cardID)
	if err != nil {
		return LockInfo{}, newCoordinatorError(opLockInfo, "card_read_failed", err)
	}
	if !card.Locked() {
		return LockInfo{}, nil
	}
	acquiredAt := card.EditingAt.UTC()
	expiresAt := acquiredAt.Add(lockTimeout)
	if !expiresAt.After(c.clock.Now().UTC()) {
		return LockInfo{}, nil
	}
	return LockInfo{
		Locked:     true,
		Holder:     card.LockHolder(),
		AcquiredAt: acquiredAt,
		ExpiresAt:  expiresAt,
	}, nil
}

// SweepExpired clears every lock older than the lock window, regardless of
// holder. It bounds the damage of a client that crashed while editing.
func (c *Coordinator) SweepExpired(ctx context.Context) (int64, error) {
	staleBefore := c.clock.Now().UTC().Add(-lockTimeout)
	cleared, err := c.store.ClearExpiredLocks(ctx, staleBefore)
	if err != nil {
		return 0, newCoordinatorError(opSweep, "sweep_failed", err)
	}
	if cleared > 0 {
		c.logger.Info("cleared expired edit locks", zap.Int64("count", cleared))
	}
	return cleared, nil
}

// RunSweeper clears expired locks every interval until the context ends.
// Sweep failures are logged and do not stop the loop.
func (c *Coordinator) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.SweepExpired(ctx); err != nil {
				c.logger.Warn("edit lock sweep failed", zap.Error(err))
			}
		}
	}
}

// suppressedOutcome returns the cached outcome for a repeated acquire call
// inside the debounce window. Each hit restarts the window, replacing the
// pending eviction timer.
func (c *Coordinator) suppressedOutcome(key debounceKey) (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.debounce[key]
	if !ok {
		return false, false
	}
	entry.timer.Stop()
	entry.timer = c.clock.AfterFunc(debounceWindow, func() { c.forget(key) })
	return entry.granted, true
}

func (c *Coordinator) remember(key debounceKey, granted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prior, ok := c.debounce[key]; ok {
		prior.timer.Stop()
	}
	c.debounce[key] = &debounceEntry{
		granted: granted,
		timer:   c.clock.AfterFunc(debounceWindow, func() { c.forget(key) }),
	}
}

func (c *Coordinator) forget(key debounceKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.debounce[key]; ok {
		entry.timer.Stop()
		delete(c.debounce, key)
	}
}
