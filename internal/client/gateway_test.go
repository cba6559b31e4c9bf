package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/driftboardhq/driftboard/internal/board"
	"github.com/driftboardhq/driftboard/internal/joinsession"
	"github.com/driftboardhq/driftboard/internal/server"
	"github.com/driftboardhq/driftboard/internal/store"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time {
	return c.now
}

// backendFixture runs the full backend over a network listener so the
// client package is exercised against the real wire protocol.
type backendFixture struct {
	server *httptest.Server
	hub    *server.Hub
	db     *gorm.DB
	clock  *manualClock
}

func newBackendFixture(t *testing.T) *backendFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:driftboard_client_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&board.Card{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	serverClock := &manualClock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	hub := server.NewHub()

	issuer, err := joinsession.NewIssuer(joinsession.IssuerConfig{
		SigningSecret: []byte("test-join-secret"),
		Issuer:        "driftboard-api",
		TicketTTL:     time.Hour,
		Clock:         serverClock.Now,
		IDProvider:    board.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to build issuer: %v", err)
	}

	cardService, err := store.NewService(store.ServiceConfig{
		Database:   db,
		Clock:      serverClock.Now,
		IDProvider: board.NewUUIDProvider(),
		Publisher:  hub,
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build card service: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		CardService:  cardService,
		TicketIssuer: issuer,
		Hub:          hub,
		Clock:        serverClock.Now,
		Logger:       zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	backend := httptest.NewServer(handler)
	t.Cleanup(backend.Close)
	return &backendFixture{server: backend, hub: hub, db: db, clock: serverClock}
}

func (f *backendFixture) newGateway(t *testing.T) *Gateway {
	t.Helper()
	gateway, err := NewGateway(GatewayConfig{BaseURL: f.server.URL})
	if err != nil {
		t.Fatalf("failed to build gateway: %v", err)
	}
	return gateway
}

func (f *backendFixture) joinedGateway(t *testing.T, boardID, displayName string) (*Gateway, joinsession.Ticket) {
	t.Helper()
	gateway := f.newGateway(t)
	ticket, err := gateway.Join(context.Background(), mustBoardID(t, boardID), displayName)
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	return gateway, ticket
}

func mustBoardID(t *testing.T, raw string) board.BoardID {
	t.Helper()
	id, err := board.NewBoardID(raw)
	if err != nil {
		t.Fatalf("invalid board id %q: %v", raw, err)
	}
	return id
}

func assertClientCode(t *testing.T, err error, wantCode string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with code %s, got nil", wantCode)
	}
	var clientErr *ClientError
	if !errors.As(err, &clientErr) {
		t.Fatalf("expected ClientError, got %T: %v", err, err)
	}
	if clientErr.Code() != wantCode {
		t.Fatalf("unexpected error code: got %s want %s", clientErr.Code(), wantCode)
	}
}

func awaitCondition(t *testing.T, message string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		if condition() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", message)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNewGatewayValidation(t *testing.T) {
	_, err := NewGateway(GatewayConfig{})
	assertClientCode(t, err, "client.gateway.new.missing_base_url")

	_, err = NewGateway(GatewayConfig{BaseURL: "ftp://backend"})
	assertClientCode(t, err, "client.gateway.new.invalid_base_url")
}

func TestGatewayJoinHoldsTicket(t *testing.T) {
	fixture := newBackendFixture(t)
	gateway := fixture.newGateway(t)

	if _, held := gateway.Ticket(); held {
		t.Fatalf("a fresh gateway must not hold a ticket")
	}
	if gateway.AuthToken() != "" {
		t.Fatalf("a fresh gateway must not carry a token")
	}

	ticket, err := gateway.Join(context.Background(), mustBoardID(t, "project-42"), "Dana")
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if ticket.Token == "" || ticket.ClientID == "" {
		t.Fatalf("incomplete ticket %+v", ticket)
	}
	if ticket.BoardID.String() != "project-42" {
		t.Fatalf("unexpected ticket board %s", ticket.BoardID)
	}

	held, ok := gateway.Ticket()
	if !ok || held.Token != ticket.Token {
		t.Fatalf("gateway must hold the issued ticket")
	}
	if gateway.AuthToken() != ticket.Token {
		t.Fatalf("auth token must come from the held ticket")
	}
}

func TestGatewayRequiresTicketForProtectedCalls(t *testing.T) {
	fixture := newBackendFixture(t)
	gateway := fixture.newGateway(t)
	ctx := context.Background()

	_, err := gateway.ListCards(ctx, mustBoardID(t, "project-42"))
	assertClientCode(t, err, "client.gateway.list_cards.unauthorized")

	_, err = gateway.AcquireLock(ctx, "card-1", "client-x", time.Now(), time.Now())
	assertClientCode(t, err, "client.gateway.acquire_lock.no_ticket")

	_, err = gateway.ReleaseLock(ctx, "card-1", "client-x")
	assertClientCode(t, err, "client.gateway.release_lock.no_ticket")
}

func TestGatewayCardLifecycle(t *testing.T) {
	fixture := newBackendFixture(t)
	gateway, ticket := fixture.joinedGateway(t, "project-42", "Dana")
	ctx := context.Background()

	created, err := gateway.CreateCard(ctx, board.CardDraft{
		BoardID:  "project-42",
		Title:    "  Gateway card  ",
		Body:     "first cut",
		Category: "idea",
		X:        12.5,
		Y:        -3,
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if created.CardID == "" || board.IsTentativeID(board.CardID(created.CardID)) {
		t.Fatalf("expected a canonical card id, got %q", created.CardID)
	}
	if created.Title != "Gateway card" {
		t.Fatalf("expected the backend to trim the title, got %q", created.Title)
	}
	if created.CreatedBy != ticket.ClientID.String() {
		t.Fatalf("created_by must be the ticket client, got %s", created.CreatedBy)
	}
	if created.CreatedAt.IsZero() || created.UpdatedAt.IsZero() {
		t.Fatalf("expected backend timestamps, got %+v", created)
	}

	fetched, err := gateway.GetCard(ctx, board.CardID(created.CardID))
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if fetched.CardID != created.CardID || fetched.Title != created.Title {
		t.Fatalf("unexpected fetched card %+v", fetched)
	}

	listed, err := gateway.ListCards(ctx, mustBoardID(t, "project-42"))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(listed) != 1 || listed[0].CardID != created.CardID {
		t.Fatalf("unexpected listing %+v", listed)
	}

	title := "Revised plan"
	updated, err := gateway.UpdateCard(ctx, board.CardID(created.CardID), board.CardPatch{Title: &title})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.Title != "Revised plan" || updated.Body != "first cut" {
		t.Fatalf("patch must change only the patched fields, got %+v", updated)
	}

	if err := gateway.DeleteCard(ctx, board.CardID(created.CardID)); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	_, err = gateway.GetCard(ctx, board.CardID(created.CardID))
	if !errors.Is(err, board.ErrCardNotFound) {
		t.Fatalf("expected board.ErrCardNotFound, got %v", err)
	}
	assertClientCode(t, err, "client.gateway.get_card.not_found")

	_, err = gateway.UpdateCard(ctx, board.CardID(created.CardID), board.CardPatch{Title: &title})
	if !errors.Is(err, board.ErrCardNotFound) {
		t.Fatalf("expected board.ErrCardNotFound on update, got %v", err)
	}
	if err := gateway.DeleteCard(ctx, board.CardID(created.CardID)); !errors.Is(err, board.ErrCardNotFound) {
		t.Fatalf("expected board.ErrCardNotFound on repeat delete, got %v", err)
	}
}

func TestGatewayCarriesBackendValidationReasons(t *testing.T) {
	fixture := newBackendFixture(t)
	gateway, _ := fixture.joinedGateway(t, "project-42", "Dana")
	ctx := context.Background()

	_, err := gateway.CreateCard(ctx, board.CardDraft{BoardID: "project-42", Title: "   "})
	assertClientCode(t, err, "client.gateway.create_card.missing_title")

	_, err = gateway.CreateCard(ctx, board.CardDraft{BoardID: "project-42", Title: strings.Repeat("x", 600)})
	assertClientCode(t, err, "client.gateway.create_card.title_too_long")

	created, err := gateway.CreateCard(ctx, board.CardDraft{BoardID: "project-42", Title: "ok"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	_, err = gateway.UpdateCard(ctx, board.CardID(created.CardID), board.CardPatch{})
	assertClientCode(t, err, "client.gateway.update_card.empty_patch")
}

func TestGatewayLockProtocol(t *testing.T) {
	fixture := newBackendFixture(t)
	first, firstTicket := fixture.joinedGateway(t, "project-42", "Dana")
	second, secondTicket := fixture.joinedGateway(t, "project-42", "Noah")
	ctx := context.Background()

	created, err := first.CreateCard(ctx, board.CardDraft{BoardID: "project-42", Title: "contested"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	cardID := board.CardID(created.CardID)
	acquiredAt := fixture.clock.now
	staleBefore := acquiredAt.Add(-board.LockTTL)

	granted, err := first.AcquireLock(ctx, cardID, firstTicket.ClientID, acquiredAt, staleBefore)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if !granted {
		t.Fatalf("expected the first client to take the lock")
	}

	granted, err = second.AcquireLock(ctx, cardID, secondTicket.ClientID, acquiredAt, staleBefore)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if granted {
		t.Fatalf("a fresh lock must deny the second client")
	}

	_, err = first.AcquireLock(ctx, cardID, secondTicket.ClientID, acquiredAt, staleBefore)
	assertClientCode(t, err, "client.gateway.acquire_lock.identity_mismatch")
	_, err = first.ReleaseLock(ctx, cardID, secondTicket.ClientID)
	assertClientCode(t, err, "client.gateway.release_lock.identity_mismatch")

	released, err := second.ReleaseLock(ctx, cardID, secondTicket.ClientID)
	if err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if released {
		t.Fatalf("a non-holder must not release the lock")
	}

	released, err = first.ReleaseLock(ctx, cardID, firstTicket.ClientID)
	if err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if !released {
		t.Fatalf("expected the holder to release the lock")
	}
}

func TestGatewaySweepClearsExpiredLocks(t *testing.T) {
	fixture := newBackendFixture(t)
	gateway, ticket := fixture.joinedGateway(t, "project-42", "Dana")
	ctx := context.Background()

	created, err := gateway.CreateCard(ctx, board.CardDraft{BoardID: "project-42", Title: "stale lock"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	acquiredAt := fixture.clock.now
	granted, err := gateway.AcquireLock(ctx, board.CardID(created.CardID), ticket.ClientID, acquiredAt, acquiredAt.Add(-board.LockTTL))
	if err != nil || !granted {
		t.Fatalf("acquire failed: granted=%v err=%v", granted, err)
	}

	cleared, err := gateway.ClearExpiredLocks(ctx, time.Time{})
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if cleared != 0 {
		t.Fatalf("a fresh lock must survive the sweep, cleared %d", cleared)
	}

	fixture.clock.now = fixture.clock.now.Add(6 * time.Minute)

	cleared, err = gateway.ClearExpiredLocks(ctx, time.Time{})
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if cleared != 1 {
		t.Fatalf("expected 1 cleared lock, got %d", cleared)
	}

	fetched, err := gateway.GetCard(ctx, board.CardID(created.CardID))
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if fetched.Locked() {
		t.Fatalf("swept card must be unlocked")
	}
}

func TestGatewayMapsTransportAndPlainFailures(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/cards/", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			http.NotFound(w, r)
		default:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"error":"internal_error"}`)
		}
	})
	backend := httptest.NewServer(mux)
	gateway, err := NewGateway(GatewayConfig{BaseURL: backend.URL})
	if err != nil {
		t.Fatalf("failed to build gateway: %v", err)
	}
	ctx := context.Background()

	_, err = gateway.GetCard(ctx, "ghost")
	assertClientCode(t, err, "client.gateway.get_card.backend_rejected")
	if errors.Is(err, board.ErrCardNotFound) {
		t.Fatalf("a 404 without a card_not_found body must not read as a missing card")
	}

	title := "x"
	_, err = gateway.UpdateCard(ctx, "ghost", board.CardPatch{Title: &title})
	assertClientCode(t, err, "client.gateway.update_card.internal_error")

	backend.Close()
	_, err = gateway.GetCard(ctx, "ghost")
	assertClientCode(t, err, "client.gateway.get_card.request_failed")
}
