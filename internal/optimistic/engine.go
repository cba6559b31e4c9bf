// Package optimistic applies local card mutations to the projection before
// the authoritative write completes, tracks them as pending intents, and
// resolves each one by confirmation, revert, or a safety timeout.
package optimistic

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/driftboardhq/driftboard/internal/board"
	"github.com/driftboardhq/driftboard/internal/clock"
	"github.com/driftboardhq/driftboard/internal/projection"
	"go.uber.org/zap"
)

// resolveTimeout bounds how long an intent may stay pending with neither a
// confirmation nor a failure. It is the safety net against a gateway call
// that never resolves, and the only timeout in the engine.
const resolveTimeout = 10 * time.Second

var (
	errMissingProjection = errors.New("projection store is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingDraftTitle = errors.New("draft title is required")
	errCardNotFound      = errors.New("card is not in the projection")
	errEmptyPatch        = errors.New("patch changes nothing")
	noOpLogger           = zap.NewNop()
)

// EngineError carries a stable machine-readable code alongside the cause.
type EngineError struct {
	code string
	err  error
}

func (e *EngineError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *EngineError) Unwrap() error {
	return e.err
}

func (e *EngineError) Code() string {
	return e.code
}

const (
	opEngineNew = "optimistic.engine.new"
	opApply     = "optimistic.apply"
	opConfirm   = "optimistic.confirm"
	opFail      = "optimistic.fail"
)

func newEngineError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &EngineError{code: code, err: cause}
}

// IDProvider issues identifiers for new intents.
type IDProvider interface {
	NewID() (string, error)
}

// EngineConfig wires the engine's collaborators.
type EngineConfig struct {
	Projection *projection.Store
	Clock      clock.Clock
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Engine owns the pending-intent registry for one client. All operations
// are keyed by intent id, so resolving an intent that already resolved is
// a no-op rather than a race.
type Engine struct {
	mu         sync.Mutex
	pending    map[string]*pendingIntent
	projection *projection.Store
	clock      clock.Clock
	idProvider IDProvider
	logger     *zap.Logger
}

type pendingIntent struct {
	intent Intent
	timer  *clock.Timer
}

// NewEngine validates the configuration and constructs an Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Projection == nil {
		return nil, newEngineError(opEngineNew, "missing_projection", errMissingProjection)
	}
	if cfg.IDProvider == nil {
		return nil, newEngineError(opEngineNew, "missing_id_provider", errMissingIDProvider)
	}

	timeSource := cfg.Clock
	if timeSource == nil {
		timeSource = clock.NewSystemClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Engine{
		pending:    make(map[string]*pendingIntent),
		projection: cfg.Projection,
		clock:      timeSource,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// ApplyCreate places a tentative card built from the draft into the
// projection under a locally minted identifier and registers the pending
// intent. The tentative identifier carries a reserved prefix so it can
// never be mistaken for a canonical one.
func (e *Engine) ApplyCreate(draft board.CardDraft) (Intent, error) {
	if _, err := board.NewBoardID(draft.BoardID); err != nil {
		return Intent{}, newEngineError(opApply, "invalid_board_id", err)
	}
	if strings.TrimSpace(draft.Title) == "" {
		return Intent{}, newEngineError(opApply, "missing_title", errMissingDraftTitle)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now().UTC()
	cardID := board.NewTentativeCardID(now)
	applied := board.NewCardFromDraft(draft, cardID, now)

	intent, err := e.registerLocked(KindCreate, cardID, nil, &applied, now)
	if err != nil {
		return Intent{}, err
	}
	e.projection.Upsert(applied)
	return intent, nil
}

// ApplyUpdate patches the card in the projection and registers the pending
// intent, capturing the pre-mutation card for revert.
func (e *Engine) ApplyUpdate(id board.CardID, patch board.CardPatch) (Intent, error) {
	return e.applyPatch(KindUpdate, id, patch)
}

// ApplyMove repositions the card. It is an update restricted to the
// positional fields, tracked under its own kind.
func (e *Engine) ApplyMove(id board.CardID, x, y float64) (Intent, error) {
	return e.applyPatch(KindMove, id, board.CardPatch{X: &x, Y: &y})
}

func (e *Engine) applyPatch(kind Kind, id board.CardID, patch board.CardPatch) (Intent, error) {
	if patch.IsZero() {
		return Intent{}, newEngineError(opApply, "empty_patch", errEmptyPatch)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	existing, ok := e.projection.Get(id)
	if !ok {
		return Intent{}, newEngineError(opApply, "card_not_found", errCardNotFound)
	}

	now := e.clock.Now().UTC()
	snapshot := existing
	applied := existing.ApplyPatch(patch)
	applied.UpdatedAt = now

	intent, err := e.registerLocked(kind, id, &snapshot, &applied, now)
	if err != nil {
		return Intent{}, err
	}
	e.projection.Upsert(applied)
	return intent, nil
}

// ApplyDelete removes the card from the projection and registers the
// pending intent, capturing the removed card for revert.
func (e *Engine) ApplyDelete(id board.CardID) (Intent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	existing, ok := e.projection.Get(id)
	if !ok {
		return Intent{}, newEngineError(opApply, "card_not_found", errCardNotFound)
	}

	now := e.clock.Now().UTC()
	snapshot := existing

	intent, err := e.registerLocked(KindDelete, id, &snapshot, nil, now)
	if err != nil {
		return Intent{}, err
	}
	e.projection.Remove(id)
	return intent, nil
}

// registerLocked mints the intent id, stores the pending record, and arms
// the resolution timer. Callers hold e.mu.
func (e *Engine) registerLocked(kind Kind, cardID board.CardID, snapshot, applied *board.Card, now time.Time) (Intent, error) {
	intentID, err := e.idProvider.NewID()
	if err != nil {
		return Intent{}, newEngineError(opApply, "id_generation_failed", err)
	}

	intent := Intent{
		ID:        intentID,
		Kind:      kind,
		CardID:    cardID,
		Snapshot:  snapshot,
		Applied:   applied,
		CreatedAt: now,
		State:     StatePending,
	}
	entry := &pendingIntent{intent: intent}
	entry.timer = e.clock.AfterFunc(resolveTimeout, func() {
		e.autoRevert(intentID)
	})
	e.pending[intentID] = entry
	return intent, nil
}

// Confirm resolves a pending intent as accepted. When canonical data is
// supplied, it overwrites the optimistic entry; for a create this also
// substitutes the canonical identifier for the tentative one. Without
// canonical data the optimistic entry stands as final. Confirming an
// intent that already resolved is a no-op, and the timer cancellation is
// likewise unconditional.
func (e *Engine) Confirm(intentID string, canonical *board.Card) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.pending[intentID]
	if !ok {
		return nil
	}
	entry.timer.Stop()
	delete(e.pending, intentID)
	entry.intent.State = StateConfirmed

	if canonical == nil {
		return nil
	}
	if entry.intent.Kind == KindDelete {
		// The row is gone; canonical data cannot resurrect it.
		return nil
	}

	canonicalID, err := board.NewCardID(canonical.CardID)
	if err != nil {
		return newEngineError(opConfirm, "invalid_canonical_id", err)
	}
	if entry.intent.Kind == KindCreate && canonicalID != entry.intent.CardID {
		e.projection.Rekey(entry.intent.CardID, canonicalID)
	}
	e.projection.Upsert(*canonical)
	return nil
}

// Revert resolves a pending intent as rejected and restores the projection
// to the captured pre-mutation state: the snapshot is written back, or for
// a create the tentative entry is removed. Reverting an intent that
// already resolved is a no-op.
func (e *Engine) Revert(intentID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.revertLocked(intentID)
	return nil
}

func (e *Engine) revertLocked(intentID string) bool {
	entry, ok := e.pending[intentID]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(e.pending, intentID)
	entry.intent.State = StateReverted

	if entry.intent.Snapshot != nil {
		e.projection.Upsert(*entry.intent.Snapshot)
	} else {
		e.projection.Remove(entry.intent.CardID)
	}
	return true
}

// Fail reverts a pending intent after a gateway failure and hands the
// caller a typed error carrying the cause. A failure arriving after the
// intent already resolved returns nil.
func (e *Engine) Fail(intentID string, cause error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.pending[intentID]
	if !ok {
		return nil
	}
	kind := entry.intent.Kind
	cardID := entry.intent.CardID
	e.revertLocked(intentID)

	e.logger.Warn("optimistic intent failed",
		zap.String("intent_id", intentID),
		zap.String("card_id", cardID.String()),
		zap.String("kind", string(kind)),
		zap.Error(cause))
	return newEngineError(opFail, "gateway_failure", cause)
}

// autoRevert fires when the resolution timer elapses with the intent still
// pending. A timer firing after confirmation finds nothing to do.
func (e *Engine) autoRevert(intentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.pending[intentID]
	if !ok {
		return
	}
	kind := entry.intent.Kind
	cardID := entry.intent.CardID
	e.revertLocked(intentID)

	e.logger.Warn("optimistic intent timed out",
		zap.String("intent_id", intentID),
		zap.String("card_id", cardID.String()),
		zap.String("kind", string(kind)),
		zap.Duration("timeout", resolveTimeout))
}

// PendingState reports the projection contents alongside the number of
// unresolved intents.
type PendingState struct {
	Cards        []board.Card
	PendingCount int
}

// PendingState returns the current projection snapshot and pending count.
func (e *Engine) PendingState() PendingState {
	e.mu.Lock()
	count := len(e.pending)
	e.mu.Unlock()
	return PendingState{
		Cards:        e.projection.Snapshot(),
		PendingCount: count,
	}
}

// PendingIntent returns a copy of the pending intent under id, if any.
func (e *Engine) PendingIntent(intentID string) (Intent, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.pending[intentID]
	if !ok {
		return Intent{}, false
	}
	return entry.intent, true
}
