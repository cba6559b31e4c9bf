package client

import (
	"context"
	"errors"
	"sync"

	"github.com/driftboardhq/driftboard/internal/board"
	"github.com/driftboardhq/driftboard/internal/clock"
	"github.com/driftboardhq/driftboard/internal/editlock"
	"github.com/driftboardhq/driftboard/internal/feed"
	"github.com/driftboardhq/driftboard/internal/optimistic"
	"github.com/driftboardhq/driftboard/internal/projection"
	"go.uber.org/zap"
)

var (
	errMissingGateway       = errors.New("gateway is required")
	errMissingFeedOpener    = errors.New("feed opener is required")
	errSessionNotStarted    = errors.New("session has not joined a board")
	errSessionAlreadyActive = errors.New("session already joined a board")
	noOpLogger              = zap.NewNop()
)

const (
	opSession        = "client.session"
	opSessionNew     = "client.session.new"
	opSessionStart   = "client.session.start"
	opSessionRefresh = "client.session.refresh"
)

// SessionConfig wires a device session's collaborators. Clock, IDProvider,
// and Logger are optional.
type SessionConfig struct {
	Gateway    *Gateway
	Opener     feed.Opener
	Clock      clock.Clock
	IDProvider optimistic.IDProvider
	Logger     *zap.Logger
}

// Session is one device's editing session on one board. It binds the local
// projection, the optimistic engine, the edit-lock coordinator, and the
// change-feed subscription to a single gateway, so every mutation follows
// the same path: apply locally, write through the gateway, then confirm or
// revert. Peer mutations arrive over the feed and merge into the same
// projection.
type Session struct {
	gateway    *Gateway
	projection *projection.Store
	engine     *optimistic.Engine
	locks      *editlock.Coordinator
	subscriber *feed.Subscriber
	logger     *zap.Logger

	mu       sync.Mutex
	started  bool
	clientID board.ClientID
	boardID  board.BoardID
	handle   *feed.Handle
}

// NewSession validates the configuration and constructs a Session.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Gateway == nil {
		return nil, newClientError(opSessionNew, "missing_gateway", errMissingGateway)
	}
	if cfg.Opener == nil {
		return nil, newClientError(opSessionNew, "missing_opener", errMissingFeedOpener)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = board.NewUUIDProvider()
	}

	view := projection.NewStore()
	engine, err := optimistic.NewEngine(optimistic.EngineConfig{
		Projection: view,
		Clock:      cfg.Clock,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return nil, newClientError(opSessionNew, "engine_init_failed", err)
	}
	locks, err := editlock.NewCoordinator(editlock.CoordinatorConfig{
		Store:  cfg.Gateway,
		Clock:  cfg.Clock,
		Logger: logger,
	})
	if err != nil {
		return nil, newClientError(opSessionNew, "locks_init_failed", err)
	}
	subscriber, err := feed.NewSubscriber(feed.SubscriberConfig{
		Opener: cfg.Opener,
		Loader: cfg.Gateway,
		Logger: logger,
	})
	if err != nil {
		return nil, newClientError(opSessionNew, "feed_init_failed", err)
	}

	return &Session{
		gateway:    cfg.Gateway,
		projection: view,
		engine:     engine,
		locks:      locks,
		subscriber: subscriber,
		logger:     logger,
	}, nil
}

// Start joins the board and opens the live subscription. The feed's initial
// load fills the projection, so the session starts from the board's current
// state even when the subscription itself comes up degraded. A session
// joins exactly once; construct a new one to work on another board.
func (s *Session) Start(ctx context.Context, boardID board.BoardID, displayName string) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return newClientError(opSessionStart, "already_started", errSessionAlreadyActive)
	}
	s.mu.Unlock()

	ticket, err := s.gateway.Join(ctx, boardID, displayName)
	if err != nil {
		return newClientError(opSessionStart, "join_failed", err)
	}
	clientID, err := board.NewClientID(ticket.ClientID.String())
	if err != nil {
		return newClientError(opSessionStart, "invalid_ticket", err)
	}
	scope, err := board.NewBoardID(ticket.BoardID.String())
	if err != nil {
		return newClientError(opSessionStart, "invalid_ticket", err)
	}

	handle, err := s.subscriber.Subscribe(ctx, feed.SubscribeRequest{
		Scope:         scope.String(),
		OnEvent:       s.applyFeedEvent,
		OnInitialLoad: s.projection.Replace,
	})
	if err != nil {
		return newClientError(opSessionStart, "subscribe_failed", err)
	}

	s.mu.Lock()
	s.started = true
	s.clientID = clientID
	s.boardID = scope
	s.handle = handle
	s.mu.Unlock()

	s.logger.Info("session joined board",
		zap.String("board_id", scope.String()),
		zap.String("client_id", clientID.String()),
		zap.Bool("degraded", handle.Degraded()))
	return nil
}

// Stop detaches the live subscription. The session keeps its identity and
// can continue mutating through the gateway on manual refresh.
func (s *Session) Stop() {
	s.mu.Lock()
	handle := s.handle
	s.handle = nil
	s.mu.Unlock()
	if handle != nil {
		handle.Unsubscribe()
	}
}

// applyFeedEvent merges one peer mutation into the projection. Writes are
// keyed by card identifier, so replays and out-of-order arrivals converge.
func (s *Session) applyFeedEvent(event feed.Event) {
	switch event.Type {
	case feed.EventInsert, feed.EventUpdate:
		if event.After != nil {
			s.projection.Upsert(*event.After)
		}
	case feed.EventDelete:
		if event.Before != nil {
			s.projection.Remove(board.CardID(event.Before.CardID))
		}
	}
}

// CreateCard places the card optimistically, performs the authoritative
// create, and resolves the intent with the canonical card. The draft's
// board and creator are filled from the session identity.
func (s *Session) CreateCard(ctx context.Context, draft board.CardDraft) (board.Card, error) {
	identity, err := s.identity()
	if err != nil {
		return board.Card{}, err
	}
	draft.BoardID = identity.boardID.String()
	draft.CreatedBy = identity.clientID.String()

	intent, err := s.engine.ApplyCreate(draft)
	if err != nil {
		return board.Card{}, err
	}
	canonical, err := s.gateway.CreateCard(ctx, draft)
	if err != nil {
		return board.Card{}, s.resolveFailure(intent.ID, err)
	}
	if err := s.engine.Confirm(intent.ID, &canonical); err != nil {
		return board.Card{}, err
	}
	return canonical, nil
}

// UpdateCard patches the card optimistically, performs the authoritative
// update, and resolves the intent with the card as stored.
func (s *Session) UpdateCard(ctx context.Context, id board.CardID, patch board.CardPatch) (board.Card, error) {
	if _, err := s.identity(); err != nil {
		return board.Card{}, err
	}

	intent, err := s.engine.ApplyUpdate(id, patch)
	if err != nil {
		return board.Card{}, err
	}
	canonical, err := s.gateway.UpdateCard(ctx, id, patch)
	if err != nil {
		return board.Card{}, s.resolveFailure(intent.ID, err)
	}
	if err := s.engine.Confirm(intent.ID, &canonical); err != nil {
		return board.Card{}, err
	}
	return canonical, nil
}

// MoveCard repositions the card. It is an update restricted to the
// positional fields, tracked under its own intent kind.
func (s *Session) MoveCard(ctx context.Context, id board.CardID, x, y float64) (board.Card, error) {
	if _, err := s.identity(); err != nil {
		return board.Card{}, err
	}

	intent, err := s.engine.ApplyMove(id, x, y)
	if err != nil {
		return board.Card{}, err
	}
	canonical, err := s.gateway.UpdateCard(ctx, id, board.CardPatch{X: &x, Y: &y})
	if err != nil {
		return board.Card{}, s.resolveFailure(intent.ID, err)
	}
	if err := s.engine.Confirm(intent.ID, &canonical); err != nil {
		return board.Card{}, err
	}
	return canonical, nil
}

// DeleteCard removes the card optimistically and performs the
// authoritative delete. A card that is already gone on the backend still
// confirms: the local removal is the intended end state either way.
func (s *Session) DeleteCard(ctx context.Context, id board.CardID) error {
	if _, err := s.identity(); err != nil {
		return err
	}

	intent, err := s.engine.ApplyDelete(id)
	if err != nil {
		return err
	}
	if err := s.gateway.DeleteCard(ctx, id); err != nil {
		if errors.Is(err, board.ErrCardNotFound) {
			return s.engine.Confirm(intent.ID, nil)
		}
		return s.resolveFailure(intent.ID, err)
	}
	return s.engine.Confirm(intent.ID, nil)
}

// resolveFailure reverts the intent and picks the error to surface: the
// engine's failure record while the intent was still pending, otherwise
// the gateway cause itself.
func (s *Session) resolveFailure(intentID string, cause error) error {
	if err := s.engine.Fail(intentID, cause); err != nil {
		return err
	}
	return cause
}

// AcquireEditLock attempts to take or renew the edit lock on the card for
// this session's client. A denied acquire is a normal outcome, not an error.
func (s *Session) AcquireEditLock(ctx context.Context, cardID board.CardID) (bool, error) {
	identity, err := s.identity()
	if err != nil {
		return false, err
	}
	return s.locks.Acquire(ctx, cardID, identity.clientID)
}

// ReleaseEditLock clears the lock if this session's client still holds it.
func (s *Session) ReleaseEditLock(ctx context.Context, cardID board.CardID) (bool, error) {
	identity, err := s.identity()
	if err != nil {
		return false, err
	}
	return s.locks.Release(ctx, cardID, identity.clientID)
}

// CanEdit reports whether this session's client may edit the card right now.
func (s *Session) CanEdit(ctx context.Context, cardID board.CardID) (bool, error) {
	identity, err := s.identity()
	if err != nil {
		return false, err
	}
	return s.locks.CanEdit(ctx, cardID, identity.clientID)
}

// CardLock derives the lock view for the card. Expired locks read as absent.
func (s *Session) CardLock(ctx context.Context, cardID board.CardID) (editlock.LockInfo, error) {
	if _, err := s.identity(); err != nil {
		return editlock.LockInfo{}, err
	}
	return s.locks.LockInfo(ctx, cardID)
}

// SweepExpiredLocks asks the backend to clear every expired lock on behalf
// of all clients.
func (s *Session) SweepExpiredLocks(ctx context.Context) (int64, error) {
	if _, err := s.identity(); err != nil {
		return 0, err
	}
	return s.locks.SweepExpired(ctx)
}

// Refresh reloads the full card set through the gateway and replaces the
// projection. This is the manual fallback while the feed is degraded.
// Pending optimistic entries are replaced along with everything else, so
// refresh between mutations, not during one.
func (s *Session) Refresh(ctx context.Context) error {
	identity, err := s.identity()
	if err != nil {
		return err
	}
	cards, err := s.gateway.ListCards(ctx, identity.boardID)
	if err != nil {
		return newClientError(opSessionRefresh, "load_failed", err)
	}
	s.projection.Replace(cards)
	return nil
}

// Cards returns the session's current view of the board, ordered by card
// identifier.
func (s *Session) Cards() []board.Card {
	return s.engine.PendingState().Cards
}

// PendingState returns the current view alongside the number of unresolved
// intents.
func (s *Session) PendingState() optimistic.PendingState {
	return s.engine.PendingState()
}

// Degraded reports whether the session runs without live updates.
func (s *Session) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle == nil || s.handle.Degraded()
}

// ClientID returns the session's client identity, zero before Start.
func (s *Session) ClientID() board.ClientID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientID
}

// BoardID returns the joined board, zero before Start.
func (s *Session) BoardID() board.BoardID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boardID
}

type sessionIdentity struct {
	clientID board.ClientID
	boardID  board.BoardID
}

func (s *Session) identity() (sessionIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return sessionIdentity{}, newClientError(opSession, "not_started", errSessionNotStarted)
	}
	return sessionIdentity{clientID: s.clientID, boardID: s.boardID}, nil
}
