package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/driftboardhq/driftboard/internal/feed"
	"github.com/gorilla/websocket"
)

const (
	// feedIdleWait bounds how long the read pump waits without traffic. The
	// backend pings well inside this window, so an expiry means the
	// connection is dead, not idle.
	feedIdleWait = 90 * time.Second

	// feedControlWait bounds control frame writes.
	feedControlWait = 10 * time.Second
)

var (
	errMissingTokenProvider = errors.New("token provider is required")
	errChannelClosed        = errors.New("channel is closed")
	errAlreadySubscribed    = errors.New("channel already has an active subscription")
)

const (
	opRealtimeNew     = "client.realtime.new"
	opRealtimeOpen    = "client.realtime.open"
	opRealtimeChannel = "client.realtime.channel"
)

// TokenProvider supplies the bearer token presented when dialing the feed.
// The gateway satisfies it with the held join ticket's token.
type TokenProvider interface {
	AuthToken() string
}

// RealtimeOpenerConfig wires the opener's collaborators. Dialer is optional
// and defaults to the package default dialer.
type RealtimeOpenerConfig struct {
	BaseURL string
	Tokens  TokenProvider
	Dialer  *websocket.Dialer
}

// RealtimeOpener dials the backend's realtime endpoint and hands the feed
// subscriber a channel per board. The token is read at dial time, so an
// opener constructed before the join still authenticates correctly.
type RealtimeOpener struct {
	endpoint url.URL
	tokens   TokenProvider
	dialer   *websocket.Dialer
}

// NewRealtimeOpener validates the configuration and constructs a
// RealtimeOpener. BaseURL accepts http, https, ws, and wss schemes; the
// http forms are rewritten to their websocket equivalents.
func NewRealtimeOpener(cfg RealtimeOpenerConfig) (*RealtimeOpener, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, newClientError(opRealtimeNew, "missing_base_url", errMissingBaseURL)
	}
	if cfg.Tokens == nil {
		return nil, newClientError(opRealtimeNew, "missing_token_provider", errMissingTokenProvider)
	}

	parsed, err := url.Parse(base)
	if err != nil {
		return nil, newClientError(opRealtimeNew, "invalid_base_url", err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, newClientError(opRealtimeNew, "invalid_base_url", fmt.Errorf("unsupported scheme %q", parsed.Scheme))
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/") + "/realtime"

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &RealtimeOpener{endpoint: *parsed, tokens: cfg.Tokens, dialer: dialer}, nil
}

// Open dials the realtime endpoint for the named channel and returns the
// connected feed channel. The caller owns the channel and must close it.
func (o *RealtimeOpener) Open(ctx context.Context, channelID string) (feed.Channel, error) {
	if strings.TrimSpace(channelID) == "" {
		return nil, newClientError(opRealtimeOpen, "missing_channel", errors.New("channel id is required"))
	}

	endpoint := o.endpoint
	query := endpoint.Query()
	query.Set("channel", channelID)
	if token := o.tokens.AuthToken(); token != "" {
		query.Set("token", token)
	}
	endpoint.RawQuery = query.Encode()

	conn, resp, err := o.dialer.DialContext(ctx, endpoint.String(), nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			err = fmt.Errorf("%w: status %d", err, resp.StatusCode)
		}
		return nil, newClientError(opRealtimeOpen, "dial_failed", err)
	}
	return newRealtimeChannel(conn), nil
}

type eventBinding struct {
	table   string
	types   map[feed.EventType]struct{}
	handler func(feed.Event)
}

// realtimeChannel is one live websocket stream of change events. Handlers
// run on the read pump goroutine, in frame order.
type realtimeChannel struct {
	conn *websocket.Conn
	done chan struct{}

	mu         sync.Mutex
	bindings   map[int64]eventBinding
	nextID     int64
	subscribed bool
	closed     bool
	closeErr   error
}

func newRealtimeChannel(conn *websocket.Conn) *realtimeChannel {
	return &realtimeChannel{
		conn:     conn,
		done:     make(chan struct{}),
		bindings: make(map[int64]eventBinding),
	}
}

// OnEvent registers handler for mutations of the given table and types.
func (c *realtimeChannel) OnEvent(table string, types []feed.EventType, handler func(feed.Event)) error {
	if handler == nil {
		return newClientError(opRealtimeChannel, "missing_handler", errors.New("handler is required"))
	}

	typeSet := make(map[feed.EventType]struct{}, len(types))
	for _, eventType := range types {
		typeSet[eventType] = struct{}{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return newClientError(opRealtimeChannel, "channel_closed", errChannelClosed)
	}
	c.nextID++
	c.bindings[c.nextID] = eventBinding{table: table, types: typeSet, handler: handler}
	return nil
}

// Subscribe starts the read pump and reports status transitions through
// status. Only one active subscription per channel is supported.
func (c *realtimeChannel) Subscribe(status feed.StatusFunc) (feed.Subscription, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, newClientError(opRealtimeChannel, "channel_closed", errChannelClosed)
	}
	if c.subscribed {
		c.mu.Unlock()
		return nil, newClientError(opRealtimeChannel, "already_subscribed", errAlreadySubscribed)
	}
	c.subscribed = true
	c.mu.Unlock()

	go c.readPump(status)
	return &realtimeSubscription{channel: c}, nil
}

// Close tears the channel down. Safe to call more than once.
func (c *realtimeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return c.closeErr
	}
	c.closed = true
	close(c.done)

	deadline := time.Now().Add(feedControlWait)
	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, message, deadline)
	c.closeErr = c.conn.Close()
	return c.closeErr
}

func (c *realtimeChannel) readPump(status feed.StatusFunc) {
	defer c.Close()

	c.conn.SetReadDeadline(time.Now().Add(feedIdleWait))
	c.conn.SetPingHandler(func(payload string) error {
		c.conn.SetReadDeadline(time.Now().Add(feedIdleWait))
		return c.conn.WriteControl(websocket.PongMessage, []byte(payload), time.Now().Add(feedControlWait))
	})

	c.report(status, feed.StatusSubscribed, nil)
	for {
		var event feed.Event
		if err := c.conn.ReadJSON(&event); err != nil {
			state, cause := exitStatus(err, c.done)
			c.report(status, state, cause)
			return
		}
		c.dispatch(event)
	}
}

// exitStatus classifies the read error that ended the pump. A locally
// closed channel and an orderly remote close both count as closed.
func exitStatus(err error, done chan struct{}) (feed.Status, error) {
	select {
	case <-done:
		return feed.StatusClosed, nil
	default:
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return feed.StatusClosed, nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return feed.StatusTimedOut, nil
	}
	return feed.StatusError, err
}

func (c *realtimeChannel) report(status feed.StatusFunc, state feed.Status, err error) {
	if status != nil {
		status(state, err)
	}
}

func (c *realtimeChannel) dispatch(event feed.Event) {
	c.mu.Lock()
	bindings := make([]eventBinding, 0, len(c.bindings))
	for _, binding := range c.bindings {
		bindings = append(bindings, binding)
	}
	c.mu.Unlock()

	for _, binding := range bindings {
		if binding.table != event.Table {
			continue
		}
		if _, ok := binding.types[event.Type]; !ok {
			continue
		}
		binding.handler(event)
	}
}

// detach drops every binding. The pump keeps draining frames so control
// traffic continues until the channel is closed.
func (c *realtimeChannel) detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings = make(map[int64]eventBinding)
}

type realtimeSubscription struct {
	channel *realtimeChannel
}

// Unsubscribe stops event delivery without closing the connection.
func (s *realtimeSubscription) Unsubscribe() error {
	s.channel.detach()
	return nil
}
