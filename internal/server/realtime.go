package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/driftboardhq/driftboard/internal/board"
	"github.com/driftboardhq/driftboard/internal/feed"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	realtimeWriteWait  = 10 * time.Second
	realtimePongWait   = 60 * time.Second
	realtimePingPeriod = 54 * time.Second
	realtimeReadLimit  = 512
)

// Hub fans committed card events out to the websocket subscribers of each
// board channel. Delivery is best effort: a subscriber that cannot keep up
// loses frames rather than stalling the publisher, and reconnecting clients
// recover through the initial load.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*hubSubscriber
	nextID      int64
	bufferSize  int
}

type hubSubscriber struct {
	id     int64
	stream chan feed.Event
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string]map[int64]*hubSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a listener on the channel and returns its stream plus
// a cleanup func. The stream is never closed by the hub; callers stop
// reading and run cleanup. Cleanup also runs when ctx ends.
func (h *Hub) Subscribe(ctx context.Context, channelID string) (<-chan feed.Event, func()) {
	if channelID == "" {
		stream := make(chan feed.Event)
		close(stream)
		return stream, func() {}
	}
	subscriber := &hubSubscriber{
		id:     h.nextSequence(),
		stream: make(chan feed.Event, h.bufferSize),
	}
	h.registerSubscriber(channelID, subscriber)
	cleanup := func() {
		h.unregisterSubscriber(channelID, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish routes the event to every subscriber of the board channel it
// belongs to. Events without a board scope are dropped.
func (h *Hub) Publish(event feed.Event) {
	boardID := event.BoardID()
	if boardID == "" {
		return
	}
	channelID := feed.ChannelName(board.BoardID(boardID))

	h.mu.RLock()
	subscribers := h.subscribers[channelID]
	if len(subscribers) == 0 {
		h.mu.RUnlock()
		return
	}
	copies := make([]*hubSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	h.mu.RUnlock()

	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

// SubscriberCount reports how many listeners the channel currently has.
func (h *Hub) SubscriberCount(channelID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[channelID])
}

func (h *Hub) nextSequence() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	return h.nextID
}

func (h *Hub) registerSubscriber(channelID string, subscriber *hubSubscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[channelID]; !ok {
		h.subscribers[channelID] = make(map[int64]*hubSubscriber)
	}
	h.subscribers[channelID][subscriber.id] = subscriber
}

func (h *Hub) unregisterSubscriber(channelID string, subscriberID int64) {
	h.mu.Lock()
	subscribers := h.subscribers[channelID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(h.subscribers, channelID)
		}
	}
	h.mu.Unlock()
}

var realtimeUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// handleRealtime upgrades the request to a websocket and streams the board
// channel's events as JSON frames. The ticket travels as a query parameter
// because browser websocket clients cannot set headers.
func (h *httpHandler) handleRealtime(c *gin.Context) {
	session, err := h.tickets.Validate(c.Query("token"))
	if err != nil {
		h.logger.Warn("realtime ticket validation failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	channelID := c.Query("channel")
	if channelID != feed.ChannelName(session.BoardID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "channel_forbidden"})
		return
	}

	conn, err := realtimeUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	stream, cleanup := h.hub.Subscribe(c.Request.Context(), channelID)
	defer cleanup()
	defer conn.Close()

	done := make(chan struct{})
	go readUntilClosed(conn, done)

	ticker := time.NewTicker(realtimePingPeriod)
	defer ticker.Stop()

	for {
		select {
		case event := <-stream:
			conn.SetWriteDeadline(time.Now().Add(realtimeWriteWait))
			if err := conn.WriteJSON(event); err != nil {
				h.logger.Debug("realtime write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(realtimeWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// readUntilClosed drains control frames until the peer goes away, then
// signals done. Subscribers never send data frames.
func readUntilClosed(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(realtimeReadLimit)
	conn.SetReadDeadline(time.Now().Add(realtimePongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(realtimePongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
