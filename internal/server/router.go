package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/driftboardhq/driftboard/internal/board"
	"github.com/driftboardhq/driftboard/internal/joinsession"
	"github.com/driftboardhq/driftboard/internal/store"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const sessionContextKey = "driftboard_session"

var (
	errMissingCardService   = errors.New("card service dependency required")
	errMissingTicketIssuer  = errors.New("ticket issuer dependency required")
	errMissingHub           = errors.New("realtime hub dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TicketIssuer grants and validates board join tickets.
type TicketIssuer interface {
	Issue(ctx context.Context, boardID board.BoardID, displayName string) (joinsession.Ticket, error)
	Validate(token string) (joinsession.Session, error)
}

// Dependencies carries everything the HTTP surface needs.
type Dependencies struct {
	CardService  *store.Service
	TicketIssuer TicketIssuer
	Hub          *Hub
	Clock        func() time.Time
	Logger       *zap.Logger
}

// NewHTTPHandler assembles the REST and realtime routes.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.CardService == nil {
		return nil, errMissingCardService
	}
	if deps.TicketIssuer == nil {
		return nil, errMissingTicketIssuer
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		cards:   deps.CardService,
		tickets: deps.TicketIssuer,
		hub:     deps.Hub,
		clock:   clock,
		logger:  logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.POST("/api/boards/:board_id/join", handler.handleJoinBoard)
	router.GET("/realtime", handler.handleRealtime)

	protected := router.Group("/api")
	protected.Use(handler.authorizeRequest)
	protected.GET("/boards/:board_id/cards", handler.handleListCards)
	protected.POST("/boards/:board_id/cards", handler.handleCreateCard)
	protected.GET("/cards/:card_id", handler.handleGetCard)
	protected.PATCH("/cards/:card_id", handler.handleUpdateCard)
	protected.DELETE("/cards/:card_id", handler.handleDeleteCard)
	protected.POST("/cards/:card_id/lock", handler.handleAcquireLock)
	protected.DELETE("/cards/:card_id/lock", handler.handleReleaseLock)
	protected.POST("/locks/sweep", handler.handleSweepLocks)

	return router, nil
}

type httpHandler struct {
	cards   *store.Service
	tickets TicketIssuer
	hub     *Hub
	clock   func() time.Time
	logger  *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type joinRequestPayload struct {
	DisplayName string `json:"display_name"`
}

func (h *httpHandler) handleJoinBoard(c *gin.Context) {
	boardID, err := board.NewBoardID(c.Param("board_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_board_id"})
		return
	}

	var request joinRequestPayload
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}

	ticket, err := h.tickets.Issue(c.Request.Context(), boardID, request.DisplayName)
	if err != nil {
		h.logger.Error("failed to issue join ticket", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "join_failed"})
		return
	}
	c.JSON(http.StatusOK, ticket)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	session, err := h.tickets.Validate(token)
	if err != nil {
		// Expired tickets are routine churn for short-lived grants.
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("join ticket validation failed", zap.Error(err))
		} else {
			h.logger.Warn("join ticket validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(sessionContextKey, session)
	c.Next()
}

func sessionFromContext(c *gin.Context) (joinsession.Session, bool) {
	value, ok := c.Get(sessionContextKey)
	if !ok {
		return joinsession.Session{}, false
	}
	session, ok := value.(joinsession.Session)
	return session, ok
}

// scopedSession returns the authenticated session, additionally requiring
// it to grant the given board when one is named.
func (h *httpHandler) scopedSession(c *gin.Context, boardID board.BoardID) (joinsession.Session, bool) {
	session, ok := sessionFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return joinsession.Session{}, false
	}
	if boardID != "" && session.BoardID != boardID {
		c.JSON(http.StatusForbidden, gin.H{"error": "board_forbidden"})
		return joinsession.Session{}, false
	}
	return session, true
}

// loadScopedCard fetches the card and hides it when it lives outside the
// session's board.
func (h *httpHandler) loadScopedCard(c *gin.Context, session joinsession.Session, cardID board.CardID) (board.Card, bool) {
	card, err := h.cards.GetCard(c.Request.Context(), cardID)
	if err != nil {
		h.respondCardError(c, "get_card", err)
		return board.Card{}, false
	}
	if card.BoardID != session.BoardID.String() {
		c.JSON(http.StatusNotFound, gin.H{"error": "card_not_found"})
		return board.Card{}, false
	}
	return card, true
}

func (h *httpHandler) handleListCards(c *gin.Context) {
	boardID, err := board.NewBoardID(c.Param("board_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_board_id"})
		return
	}
	if _, ok := h.scopedSession(c, boardID); !ok {
		return
	}

	cards, err := h.cards.ListCards(c.Request.Context(), boardID)
	if err != nil {
		h.respondCardError(c, "list_cards", err)
		return
	}
	if cards == nil {
		cards = []board.Card{}
	}
	c.JSON(http.StatusOK, gin.H{"cards": cards})
}

type createCardPayload struct {
	Title    string  `json:"title"`
	Body     string  `json:"body"`
	Category string  `json:"category"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
}

func (h *httpHandler) handleCreateCard(c *gin.Context) {
	boardID, err := board.NewBoardID(c.Param("board_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_board_id"})
		return
	}
	session, ok := h.scopedSession(c, boardID)
	if !ok {
		return
	}

	var request createCardPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	card, err := h.cards.CreateCard(c.Request.Context(), board.CardDraft{
		BoardID:   boardID.String(),
		Title:     request.Title,
		Body:      request.Body,
		Category:  request.Category,
		X:         request.X,
		Y:         request.Y,
		CreatedBy: session.ClientID.String(),
	})
	if err != nil {
		h.respondCardError(c, "create_card", err)
		return
	}
	c.JSON(http.StatusCreated, card)
}

func (h *httpHandler) handleGetCard(c *gin.Context) {
	cardID, err := board.NewCardID(c.Param("card_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_card_id"})
		return
	}
	session, ok := h.scopedSession(c, "")
	if !ok {
		return
	}
	card, ok := h.loadScopedCard(c, session, cardID)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, card)
}

func (h *httpHandler) handleUpdateCard(c *gin.Context) {
	cardID, err := board.NewCardID(c.Param("card_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_card_id"})
		return
	}
	session, ok := h.scopedSession(c, "")
	if !ok {
		return
	}
	if _, ok := h.loadScopedCard(c, session, cardID); !ok {
		return
	}

	var patch board.CardPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	card, err := h.cards.UpdateCard(c.Request.Context(), cardID, patch)
	if err != nil {
		h.respondCardError(c, "update_card", err)
		return
	}
	c.JSON(http.StatusOK, card)
}

func (h *httpHandler) handleDeleteCard(c *gin.Context) {
	cardID, err := board.NewCardID(c.Param("card_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_card_id"})
		return
	}
	session, ok := h.scopedSession(c, "")
	if !ok {
		return
	}
	if _, ok := h.loadScopedCard(c, session, cardID); !ok {
		return
	}

	if err := h.cards.DeleteCard(c.Request.Context(), cardID); err != nil {
		h.respondCardError(c, "delete_card", err)
		return
	}
	c.Status(http.StatusNoContent)
}

type lockRequestPayload struct {
	AcquiredAt  time.Time `json:"acquired_at"`
	StaleBefore time.Time `json:"stale_before"`
}

func (h *httpHandler) handleAcquireLock(c *gin.Context) {
	cardID, err := board.NewCardID(c.Param("card_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_card_id"})
		return
	}
	session, ok := h.scopedSession(c, "")
	if !ok {
		return
	}
	if _, ok := h.loadScopedCard(c, session, cardID); !ok {
		return
	}

	var request lockRequestPayload
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}
	acquiredAt := request.AcquiredAt
	if acquiredAt.IsZero() {
		acquiredAt = h.clock().UTC()
	}
	staleBefore := request.StaleBefore
	if staleBefore.IsZero() {
		staleBefore = acquiredAt.Add(-board.LockTTL)
	}

	granted, err := h.cards.AcquireLock(c.Request.Context(), cardID, session.ClientID, acquiredAt, staleBefore)
	if err != nil {
		h.respondCardError(c, "acquire_lock", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"granted": granted})
}

func (h *httpHandler) handleReleaseLock(c *gin.Context) {
	cardID, err := board.NewCardID(c.Param("card_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_card_id"})
		return
	}
	session, ok := h.scopedSession(c, "")
	if !ok {
		return
	}
	if _, ok := h.loadScopedCard(c, session, cardID); !ok {
		return
	}

	released, err := h.cards.ReleaseLock(c.Request.Context(), cardID, session.ClientID)
	if err != nil {
		h.respondCardError(c, "release_lock", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"released": released})
}

func (h *httpHandler) handleSweepLocks(c *gin.Context) {
	if _, ok := h.scopedSession(c, ""); !ok {
		return
	}

	staleBefore := h.clock().UTC().Add(-board.LockTTL)
	cleared, err := h.cards.ClearExpiredLocks(c.Request.Context(), staleBefore)
	if err != nil {
		h.respondCardError(c, "sweep_locks", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": cleared})
}

var validationReasons = map[string]struct{}{
	"invalid_board_id": {},
	"missing_title":    {},
	"title_too_long":   {},
	"empty_patch":      {},
}

func (h *httpHandler) respondCardError(c *gin.Context, operation string, err error) {
	if errors.Is(err, board.ErrCardNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "card_not_found"})
		return
	}
	var svcErr *store.ServiceError
	if errors.As(err, &svcErr) {
		code := svcErr.Code()
		reason := code[strings.LastIndex(code, ".")+1:]
		if _, ok := validationReasons[reason]; ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": reason})
			return
		}
	}
	h.logger.Error("card operation failed", zap.String("operation", operation), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
}
