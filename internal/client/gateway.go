// Package client holds the pieces a device runs to work on a shared board:
// the HTTP gateway that performs authoritative reads and writes, the
// realtime opener that dials the change feed, and the session that binds
// both to the local projection and the optimistic engine.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/driftboardhq/driftboard/internal/board"
	"github.com/driftboardhq/driftboard/internal/joinsession"
)

const (
	defaultRequestTimeout = 30 * time.Second

	// maxErrorBodyBytes bounds how much of a failed response is read while
	// extracting the backend's error reason.
	maxErrorBodyBytes = 4096
)

var (
	errMissingBaseURL  = errors.New("base url is required")
	errMissingTicket   = errors.New("no join ticket is held")
	errForeignClientID = errors.New("client id does not match the held ticket")
	errBackendRejected = errors.New("backend rejected the request")
)

// ClientError carries a stable machine-readable code alongside the cause.
type ClientError struct {
	code string
	err  error
}

func (e *ClientError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ClientError) Unwrap() error {
	return e.err
}

// Code returns the stable error code.
func (e *ClientError) Code() string {
	return e.code
}

const (
	opGatewayNew  = "client.gateway.new"
	opJoin        = "client.gateway.join"
	opCreateCard  = "client.gateway.create_card"
	opGetCard     = "client.gateway.get_card"
	opListCards   = "client.gateway.list_cards"
	opUpdateCard  = "client.gateway.update_card"
	opDeleteCard  = "client.gateway.delete_card"
	opAcquireLock = "client.gateway.acquire_lock"
	opReleaseLock = "client.gateway.release_lock"
	opSweepLocks  = "client.gateway.sweep_locks"
)

func newClientError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ClientError{code: code, err: cause}
}

// GatewayConfig wires the gateway's collaborators. HTTPClient is optional
// and defaults to a client with a request timeout.
type GatewayConfig struct {
	BaseURL    string
	HTTPClient *http.Client
}

// Gateway is the HTTP client for the board backend. It joins a board to
// obtain a ticket, then presents that ticket on every card and lock call.
// All lock methods satisfy the edit-lock coordinator's store contract, and
// ListCards satisfies the feed's initial loader, so one gateway serves as
// the authoritative side of an entire device session.
type Gateway struct {
	baseURL    string
	httpClient *http.Client

	mu     sync.RWMutex
	ticket joinsession.Ticket
	joined bool
}

// NewGateway validates the configuration and constructs a Gateway.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, newClientError(opGatewayNew, "missing_base_url", errMissingBaseURL)
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return nil, newClientError(opGatewayNew, "invalid_base_url", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, newClientError(opGatewayNew, "invalid_base_url", fmt.Errorf("unsupported scheme %q", parsed.Scheme))
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	return &Gateway{baseURL: base, httpClient: httpClient}, nil
}

// Join obtains a ticket for the board and holds it for every later call.
// Joining again replaces the held ticket, which is how a session moves to
// another board or renews an expired grant.
func (g *Gateway) Join(ctx context.Context, boardID board.BoardID, displayName string) (joinsession.Ticket, error) {
	var payload any
	if trimmed := strings.TrimSpace(displayName); trimmed != "" {
		payload = map[string]string{"display_name": trimmed}
	}

	resp, err := g.doRequest(ctx, http.MethodPost, "/api/boards/"+url.PathEscape(boardID.String())+"/join", payload)
	if err != nil {
		return joinsession.Ticket{}, newClientError(opJoin, "request_failed", err)
	}
	var ticket joinsession.Ticket
	if err := g.decodeResponse(opJoin, resp, &ticket); err != nil {
		return joinsession.Ticket{}, err
	}

	g.mu.Lock()
	g.ticket = ticket
	g.joined = true
	g.mu.Unlock()
	return ticket, nil
}

// Ticket returns the held join ticket and whether one is held.
func (g *Gateway) Ticket() (joinsession.Ticket, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.ticket, g.joined
}

// AuthToken returns the held ticket's bearer token, or the empty string
// before a join. The realtime opener reads it when dialing the feed.
func (g *Gateway) AuthToken() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.ticket.Token
}

// CreateCard submits the draft for an authoritative create and returns the
// canonical card. The backend assigns the identifier and both timestamps
// and records the ticket's client as the creator, so the draft's CreatedBy
// is not transmitted.
func (g *Gateway) CreateCard(ctx context.Context, draft board.CardDraft) (board.Card, error) {
	boardID, err := board.NewBoardID(draft.BoardID)
	if err != nil {
		return board.Card{}, newClientError(opCreateCard, "invalid_board_id", err)
	}

	payload := map[string]any{
		"title":    draft.Title,
		"body":     draft.Body,
		"category": draft.Category,
		"x":        draft.X,
		"y":        draft.Y,
	}
	resp, err := g.doRequest(ctx, http.MethodPost, "/api/boards/"+url.PathEscape(boardID.String())+"/cards", payload)
	if err != nil {
		return board.Card{}, newClientError(opCreateCard, "request_failed", err)
	}
	var card board.Card
	if err := g.decodeResponse(opCreateCard, resp, &card); err != nil {
		return board.Card{}, err
	}
	return card, nil
}

// GetCard fetches one card. A missing card surfaces as board.ErrCardNotFound.
func (g *Gateway) GetCard(ctx context.Context, id board.CardID) (board.Card, error) {
	resp, err := g.doRequest(ctx, http.MethodGet, "/api/cards/"+url.PathEscape(id.String()), nil)
	if err != nil {
		return board.Card{}, newClientError(opGetCard, "request_failed", err)
	}
	var card board.Card
	if err := g.decodeResponse(opGetCard, resp, &card); err != nil {
		return board.Card{}, err
	}
	return card, nil
}

// ListCards fetches the full card set of a board, most recently updated
// first. This is the feed subscriber's initial load and the manual refresh
// path while the feed is degraded.
func (g *Gateway) ListCards(ctx context.Context, boardID board.BoardID) ([]board.Card, error) {
	resp, err := g.doRequest(ctx, http.MethodGet, "/api/boards/"+url.PathEscape(boardID.String())+"/cards", nil)
	if err != nil {
		return nil, newClientError(opListCards, "request_failed", err)
	}
	var result struct {
		Cards []board.Card `json:"cards"`
	}
	if err := g.decodeResponse(opListCards, resp, &result); err != nil {
		return nil, err
	}
	return result.Cards, nil
}

// UpdateCard submits the patch for an authoritative update and returns the
// card as stored. A missing card surfaces as board.ErrCardNotFound.
func (g *Gateway) UpdateCard(ctx context.Context, id board.CardID, patch board.CardPatch) (board.Card, error) {
	resp, err := g.doRequest(ctx, http.MethodPatch, "/api/cards/"+url.PathEscape(id.String()), patch)
	if err != nil {
		return board.Card{}, newClientError(opUpdateCard, "request_failed", err)
	}
	var card board.Card
	if err := g.decodeResponse(opUpdateCard, resp, &card); err != nil {
		return board.Card{}, err
	}
	return card, nil
}

// DeleteCard removes the card. A missing card surfaces as
// board.ErrCardNotFound.
func (g *Gateway) DeleteCard(ctx context.Context, id board.CardID) error {
	resp, err := g.doRequest(ctx, http.MethodDelete, "/api/cards/"+url.PathEscape(id.String()), nil)
	if err != nil {
		return newClientError(opDeleteCard, "request_failed", err)
	}
	return g.decodeResponse(opDeleteCard, resp, nil)
}

// AcquireLock attempts the conditional lock write through the backend. The
// backend stamps the lock with the ticket's client identity, so clientID
// must match the held ticket; any other value is rejected here rather than
// silently recorded under a different holder.
func (g *Gateway) AcquireLock(ctx context.Context, id board.CardID, clientID board.ClientID, acquiredAt, staleBefore time.Time) (bool, error) {
	if err := g.requireOwnClient(opAcquireLock, clientID); err != nil {
		return false, err
	}

	payload := map[string]any{
		"acquired_at":  acquiredAt.UTC(),
		"stale_before": staleBefore.UTC(),
	}
	resp, err := g.doRequest(ctx, http.MethodPost, "/api/cards/"+url.PathEscape(id.String())+"/lock", payload)
	if err != nil {
		return false, newClientError(opAcquireLock, "request_failed", err)
	}
	var result struct {
		Granted bool `json:"granted"`
	}
	if err := g.decodeResponse(opAcquireLock, resp, &result); err != nil {
		return false, err
	}
	return result.Granted, nil
}

// ReleaseLock clears the lock through the backend if the ticket's client
// still holds it. clientID must match the held ticket.
func (g *Gateway) ReleaseLock(ctx context.Context, id board.CardID, clientID board.ClientID) (bool, error) {
	if err := g.requireOwnClient(opReleaseLock, clientID); err != nil {
		return false, err
	}

	resp, err := g.doRequest(ctx, http.MethodDelete, "/api/cards/"+url.PathEscape(id.String())+"/lock", nil)
	if err != nil {
		return false, newClientError(opReleaseLock, "request_failed", err)
	}
	var result struct {
		Released bool `json:"released"`
	}
	if err := g.decodeResponse(opReleaseLock, resp, &result); err != nil {
		return false, err
	}
	return result.Released, nil
}

// ClearExpiredLocks asks the backend to clear every expired lock. The
// backend derives staleness from its own clock, so the staleBefore bound is
// not transmitted.
func (g *Gateway) ClearExpiredLocks(ctx context.Context, staleBefore time.Time) (int64, error) {
	resp, err := g.doRequest(ctx, http.MethodPost, "/api/locks/sweep", nil)
	if err != nil {
		return 0, newClientError(opSweepLocks, "request_failed", err)
	}
	var result struct {
		Cleared int64 `json:"cleared"`
	}
	if err := g.decodeResponse(opSweepLocks, resp, &result); err != nil {
		return 0, err
	}
	return result.Cleared, nil
}

func (g *Gateway) requireOwnClient(operation string, clientID board.ClientID) error {
	ticket, held := g.Ticket()
	if !held {
		return newClientError(operation, "no_ticket", errMissingTicket)
	}
	if clientID != ticket.ClientID {
		return newClientError(operation, "identity_mismatch", errForeignClientID)
	}
	return nil
}

func (g *Gateway) doRequest(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}

	request, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token := g.AuthToken(); token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	return g.httpClient.Do(request)
}

// decodeResponse drains and closes the response body. Non-2xx statuses are
// mapped onto typed errors carrying the backend's machine-readable reason;
// a 404 that names a missing card additionally wraps board.ErrCardNotFound
// so callers can branch with errors.Is.
func (g *Gateway) decodeResponse(operation string, resp *http.Response, target any) error {
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return backendError(operation, resp)
	}
	if target == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return newClientError(operation, "decode_failed", err)
	}
	return nil
}

func backendError(operation string, resp *http.Response) error {
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))

	var body struct {
		Error string `json:"error"`
	}
	reason := "backend_rejected"
	if json.Unmarshal(payload, &body) == nil && body.Error != "" {
		reason = body.Error
	}

	if resp.StatusCode == http.StatusNotFound && reason == "card_not_found" {
		return newClientError(operation, "not_found", board.ErrCardNotFound)
	}
	return newClientError(operation, reason, fmt.Errorf("%w: status %d", errBackendRejected, resp.StatusCode))
}
