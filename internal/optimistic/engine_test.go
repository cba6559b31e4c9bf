package optimistic

import (
	"errors"
	"testing"
	"time"

	"github.com/driftboardhq/driftboard/internal/board"
	"github.com/driftboardhq/driftboard/internal/clock"
	"github.com/driftboardhq/driftboard/internal/projection"
)

type staticIDGenerator struct {
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

func newTestEngine(t *testing.T, ids ...string) (*Engine, *projection.Store, *clock.ManualClock) {
	t.Helper()
	store := projection.NewStore()
	manual := clock.NewManualClock(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	engine, err := NewEngine(EngineConfig{
		Projection: store,
		Clock:      manual,
		IDProvider: &staticIDGenerator{ids: ids},
	})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}
	return engine, store, manual
}

func seedCard(store *projection.Store) board.Card {
	card := board.Card{
		CardID:    "card-1",
		BoardID:   "board-1",
		Title:     "seed",
		Body:      "body",
		Category:  "now",
		X:         10,
		Y:         10,
		CreatedBy: "client-1",
		CreatedAt: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC),
	}
	store.Upsert(card)
	return card
}

func TestNewEngineRequiresProjectionAndIDProvider(t *testing.T) {
	if _, err := NewEngine(EngineConfig{IDProvider: &staticIDGenerator{}}); err == nil {
		t.Fatalf("expected error without projection store")
	}
	if _, err := NewEngine(EngineConfig{Projection: projection.NewStore()}); err == nil {
		t.Fatalf("expected error without id provider")
	}
}

func TestApplyCreatePlacesTentativeCard(t *testing.T) {
	engine, store, _ := newTestEngine(t, "intent-1")

	intent, err := engine.ApplyCreate(board.CardDraft{
		BoardID:   "board-1",
		Title:     "fresh idea",
		CreatedBy: "client-1",
		X:         3,
		Y:         4,
	})
	if err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}
	if intent.Kind != KindCreate || intent.State != StatePending {
		t.Fatalf("unexpected intent %#v", intent)
	}
	if !board.IsTentativeID(intent.CardID) {
		t.Fatalf("create should mint a tentative id, got %q", intent.CardID)
	}
	if intent.Snapshot != nil {
		t.Fatalf("create has no pre-mutation snapshot")
	}

	got, ok := store.Get(intent.CardID)
	if !ok {
		t.Fatalf("tentative card should be visible immediately")
	}
	if got.Title != "fresh idea" || got.X != 3 || got.Y != 4 {
		t.Fatalf("unexpected tentative card %#v", got)
	}

	state := engine.PendingState()
	if state.PendingCount != 1 {
		t.Fatalf("expected one pending intent, got %d", state.PendingCount)
	}
}

func TestApplyCreateValidatesDraft(t *testing.T) {
	engine, _, _ := newTestEngine(t, "intent-1")

	if _, err := engine.ApplyCreate(board.CardDraft{BoardID: "bad board", Title: "x"}); err == nil {
		t.Fatalf("expected error for invalid board id")
	}
	_, err := engine.ApplyCreate(board.CardDraft{BoardID: "board-1", Title: "   "})
	if err == nil {
		t.Fatalf("expected error for blank title")
	}
	var engineErr *EngineError
	if !errors.As(err, &engineErr) {
		t.Fatalf("expected typed engine error, got %T", err)
	}
	if engineErr.Code() != "optimistic.apply.missing_title" {
		t.Fatalf("unexpected error code %q", engineErr.Code())
	}
}

func TestApplyUpdateCapturesSnapshotForRevert(t *testing.T) {
	engine, store, _ := newTestEngine(t, "intent-1")
	original := seedCard(store)

	intent, err := engine.ApplyUpdate("card-1", board.CardPatch{Title: ptrString("renamed")})
	if err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}
	patched, _ := store.Get("card-1")
	if patched.Title != "renamed" {
		t.Fatalf("update should land immediately, got %q", patched.Title)
	}

	if err := engine.Revert(intent.ID); err != nil {
		t.Fatalf("unexpected revert error: %v", err)
	}
	restored, _ := store.Get("card-1")
	if restored != original {
		t.Fatalf("revert must restore the exact pre-mutation card: %#v", restored)
	}
	if engine.PendingState().PendingCount != 0 {
		t.Fatalf("revert should clear the pending set")
	}
}

func TestApplyMoveRevertRestoresPosition(t *testing.T) {
	engine, store, _ := newTestEngine(t, "intent-1")
	original := seedCard(store)

	intent, err := engine.ApplyMove("card-1", 50, 50)
	if err != nil {
		t.Fatalf("unexpected move error: %v", err)
	}
	moved, _ := store.Get("card-1")
	if moved.X != 50 || moved.Y != 50 {
		t.Fatalf("move should land immediately, got (%v, %v)", moved.X, moved.Y)
	}
	if moved.Title != original.Title {
		t.Fatalf("move must not touch text fields")
	}

	failure := engine.Fail(intent.ID, errors.New("connection reset"))
	if failure == nil {
		t.Fatalf("failure should surface an error to the caller")
	}
	restored, _ := store.Get("card-1")
	if restored != original {
		t.Fatalf("failed move must restore the original position: %#v", restored)
	}
	if engine.PendingState().PendingCount != 0 {
		t.Fatalf("failure should clear the pending set")
	}
}

func TestApplyDeleteRevertReinsertsCard(t *testing.T) {
	engine, store, _ := newTestEngine(t, "intent-1")
	original := seedCard(store)

	intent, err := engine.ApplyDelete("card-1")
	if err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	if _, ok := store.Get("card-1"); ok {
		t.Fatalf("delete should remove the card immediately")
	}

	if err := engine.Revert(intent.ID); err != nil {
		t.Fatalf("unexpected revert error: %v", err)
	}
	restored, ok := store.Get("card-1")
	if !ok {
		t.Fatalf("reverted delete must re-insert the card")
	}
	if restored != original {
		t.Fatalf("re-inserted card must match the snapshot exactly: %#v", restored)
	}
}

func TestApplyPatchRejectsMissingCardAndEmptyPatch(t *testing.T) {
	engine, _, _ := newTestEngine(t, "intent-1")

	if _, err := engine.ApplyUpdate("card-404", board.CardPatch{Title: ptrString("x")}); err == nil {
		t.Fatalf("expected error for unknown card")
	}
	if _, err := engine.ApplyUpdate("card-404", board.CardPatch{}); err == nil {
		t.Fatalf("expected error for empty patch")
	}
	if _, err := engine.ApplyDelete("card-404"); err == nil {
		t.Fatalf("expected error deleting unknown card")
	}
}

func TestConfirmCreateSubstitutesCanonicalID(t *testing.T) {
	engine, store, _ := newTestEngine(t, "intent-1")

	intent, err := engine.ApplyCreate(board.CardDraft{BoardID: "board-1", Title: "idea", CreatedBy: "client-1"})
	if err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}

	canonical := board.Card{
		CardID:    "srv-987",
		BoardID:   "board-1",
		Title:     "idea",
		CreatedBy: "client-1",
		CreatedAt: time.Date(2024, 3, 1, 10, 0, 1, 0, time.UTC),
		UpdatedAt: time.Date(2024, 3, 1, 10, 0, 1, 0, time.UTC),
	}
	if err := engine.Confirm(intent.ID, &canonical); err != nil {
		t.Fatalf("unexpected confirm error: %v", err)
	}

	if _, ok := store.Get(intent.CardID); ok {
		t.Fatalf("tentative id should be gone after confirmation")
	}
	got, ok := store.Get("srv-987")
	if !ok {
		t.Fatalf("canonical card should be present after confirmation")
	}
	if got != canonical {
		t.Fatalf("canonical data should overwrite the optimistic entry: %#v", got)
	}
	if engine.PendingState().PendingCount != 0 {
		t.Fatalf("confirmation should clear the pending set")
	}
}

func TestConfirmIsIdempotent(t *testing.T) {
	engine, store, _ := newTestEngine(t, "intent-1")
	seedCard(store)

	intent, err := engine.ApplyUpdate("card-1", board.CardPatch{Title: ptrString("renamed")})
	if err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}
	canonical, _ := store.Get("card-1")
	canonical.Title = "renamed-canonical"

	if err := engine.Confirm(intent.ID, &canonical); err != nil {
		t.Fatalf("unexpected confirm error: %v", err)
	}
	first, _ := store.Get("card-1")

	if err := engine.Confirm(intent.ID, &canonical); err != nil {
		t.Fatalf("second confirm must be a no-op, got %v", err)
	}
	second, _ := store.Get("card-1")
	if first != second {
		t.Fatalf("double confirmation changed the projection: %#v vs %#v", first, second)
	}
}

func TestConfirmWithoutCanonicalKeepsOptimisticData(t *testing.T) {
	engine, store, _ := newTestEngine(t, "intent-1")
	seedCard(store)

	intent, err := engine.ApplyUpdate("card-1", board.CardPatch{Body: ptrString("edited")})
	if err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}
	if err := engine.Confirm(intent.ID, nil); err != nil {
		t.Fatalf("unexpected confirm error: %v", err)
	}
	got, _ := store.Get("card-1")
	if got.Body != "edited" {
		t.Fatalf("optimistic data should stand without canonical data, got %q", got.Body)
	}
	if engine.PendingState().PendingCount != 0 {
		t.Fatalf("confirmation should clear the pending set")
	}
}

func TestConfirmDeleteIgnoresCanonicalData(t *testing.T) {
	engine, store, _ := newTestEngine(t, "intent-1")
	stale := seedCard(store)

	intent, err := engine.ApplyDelete("card-1")
	if err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	if err := engine.Confirm(intent.ID, &stale); err != nil {
		t.Fatalf("unexpected confirm error: %v", err)
	}
	if _, ok := store.Get("card-1"); ok {
		t.Fatalf("confirmed delete must not resurrect the card")
	}
}

func TestAutoRevertFiresAtTimeout(t *testing.T) {
	engine, store, manual := newTestEngine(t, "intent-1")
	original := seedCard(store)

	if _, err := engine.ApplyMove("card-1", 99, 99); err != nil {
		t.Fatalf("unexpected move error: %v", err)
	}

	manual.Advance(resolveTimeout - time.Millisecond)
	moved, _ := store.Get("card-1")
	if moved.X != 99 {
		t.Fatalf("intent must stay applied before the timeout")
	}
	if engine.PendingState().PendingCount != 1 {
		t.Fatalf("intent must stay pending before the timeout")
	}

	manual.Advance(time.Millisecond)
	restored, _ := store.Get("card-1")
	if restored != original {
		t.Fatalf("timed-out intent must revert to the snapshot: %#v", restored)
	}
	if engine.PendingState().PendingCount != 0 {
		t.Fatalf("timed-out intent must leave the pending set")
	}
}

func TestConfirmCancelsTimerBeforeItFires(t *testing.T) {
	engine, store, manual := newTestEngine(t, "intent-1")
	seedCard(store)

	intent, err := engine.ApplyUpdate("card-1", board.CardPatch{Title: ptrString("kept")})
	if err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}
	if err := engine.Confirm(intent.ID, nil); err != nil {
		t.Fatalf("unexpected confirm error: %v", err)
	}

	manual.Advance(resolveTimeout * 2)
	got, _ := store.Get("card-1")
	if got.Title != "kept" {
		t.Fatalf("cancelled timer must not revert a confirmed intent, got %q", got.Title)
	}
}

func TestFailAfterResolutionIsNoOp(t *testing.T) {
	engine, store, _ := newTestEngine(t, "intent-1")
	seedCard(store)

	intent, err := engine.ApplyUpdate("card-1", board.CardPatch{Title: ptrString("kept")})
	if err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}
	if err := engine.Confirm(intent.ID, nil); err != nil {
		t.Fatalf("unexpected confirm error: %v", err)
	}

	if err := engine.Fail(intent.ID, errors.New("late failure")); err != nil {
		t.Fatalf("late failure after confirmation should be a no-op, got %v", err)
	}
	got, _ := store.Get("card-1")
	if got.Title != "kept" {
		t.Fatalf("late failure must not disturb the confirmed entry")
	}
}

func TestRevertSurvivesInterleavedFeedMerge(t *testing.T) {
	engine, store, _ := newTestEngine(t, "intent-1")
	original := seedCard(store)

	intent, err := engine.ApplyMove("card-1", 70, 70)
	if err != nil {
		t.Fatalf("unexpected move error: %v", err)
	}

	// A feed merge lands between apply and revert.
	interleaved, _ := store.Get("card-1")
	interleaved.Body = "remote edit"
	store.Upsert(interleaved)

	if err := engine.Revert(intent.ID); err != nil {
		t.Fatalf("unexpected revert error: %v", err)
	}
	restored, _ := store.Get("card-1")
	if restored != original {
		t.Fatalf("revert must write the captured snapshot, not a re-derived state: %#v", restored)
	}
}

func TestPendingIntentExposesCopy(t *testing.T) {
	engine, store, _ := newTestEngine(t, "intent-1")
	seedCard(store)

	intent, err := engine.ApplyDelete("card-1")
	if err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	got, ok := engine.PendingIntent(intent.ID)
	if !ok {
		t.Fatalf("pending intent should be visible before resolution")
	}
	if got.Kind != KindDelete || got.CardID != "card-1" {
		t.Fatalf("unexpected pending intent %#v", got)
	}
	if _, ok := engine.PendingIntent("intent-404"); ok {
		t.Fatalf("unknown intent id should report absence")
	}
}

func ptrString(value string) *string { return &value }
