package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/driftboardhq/driftboard/internal/board"
	"go.uber.org/zap"
)

// Status describes a subscription's transport state as reported by the
// channel's status callback.
type Status string

const (
	StatusSubscribed Status = "subscribed"
	StatusError      Status = "error"
	StatusClosed     Status = "closed"
	StatusTimedOut   Status = "timed_out"
)

// StatusFunc receives subscription status transitions. err is non-nil only
// alongside StatusError.
type StatusFunc func(status Status, err error)

// Opener opens a named channel on the feed transport.
type Opener interface {
	Open(ctx context.Context, channelID string) (Channel, error)
}

// Channel is one feed stream. Handlers registered through OnEvent run on
// the channel's delivery goroutine.
type Channel interface {
	// OnEvent registers handler for mutations of the given table and types.
	OnEvent(table string, types []EventType, handler func(Event)) error

	// Subscribe starts delivery and reports status transitions through
	// status. It returns a handle that detaches this subscription.
	Subscribe(status StatusFunc) (Subscription, error)

	// Close tears the channel down. Safe to call more than once.
	Close() error
}

// Subscription detaches one registered subscription from its channel.
type Subscription interface {
	Unsubscribe() error
}

// Loader fetches the full card set for a scope, used for the initial load
// that runs when a subscription opens.
type Loader interface {
	ListCards(ctx context.Context, boardID board.BoardID) ([]board.Card, error)
}

var (
	errMissingOpener = errors.New("channel opener is required")
	noOpLogger       = zap.NewNop()
)

// SubscriberError carries a stable machine-readable code alongside the cause.
type SubscriberError struct {
	code string
	err  error
}

func (e *SubscriberError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *SubscriberError) Unwrap() error {
	return e.err
}

func (e *SubscriberError) Code() string {
	return e.code
}

const (
	opSubscriberNew = "feed.subscriber.new"
	opSubscribe     = "feed.subscribe"
)

func newSubscriberError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &SubscriberError{code: code, err: cause}
}

// SubscriberConfig wires the subscriber's collaborators. Loader is
// optional; without it no initial load runs.
type SubscriberConfig struct {
	Opener Opener
	Loader Loader
	Logger *zap.Logger
}

// Subscriber opens scoped card subscriptions. Transport failures degrade a
// subscription instead of failing it: the returned handle is then inert and
// the application continues on manual refresh.
type Subscriber struct {
	opener Opener
	loader Loader
	logger *zap.Logger
}

// NewSubscriber validates the configuration and constructs a Subscriber.
func NewSubscriber(cfg SubscriberConfig) (*Subscriber, error) {
	if cfg.Opener == nil {
		return nil, newSubscriberError(opSubscriberNew, "missing_opener", errMissingOpener)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Subscriber{opener: cfg.Opener, loader: cfg.Loader, logger: logger}, nil
}

// SubscribeRequest describes one subscription. OnEvent receives every
// relevant mutation; OnInitialLoad, when set alongside a configured Loader,
// receives the scope's full card set once the subscription is established.
type SubscribeRequest struct {
	Scope         string
	OnEvent       func(Event)
	OnInitialLoad func([]board.Card)
}

// Subscribe validates the scope, opens its channel, and registers the
// event handler behind the relevance filter. The only error it returns is
// scope validation, raised before any channel is opened. Every transport
// failure afterwards is logged and converted into a degraded handle whose
// Unsubscribe is a no-op; a configured initial load still runs so the
// caller starts from a consistent view.
func (s *Subscriber) Subscribe(ctx context.Context, req SubscribeRequest) (*Handle, error) {
	scope, err := board.NewBoardID(req.Scope)
	if err != nil {
		return nil, newSubscriberError(opSubscribe, "invalid_scope", err)
	}

	handle := s.openSubscription(ctx, scope, req.OnEvent)
	s.initialLoad(ctx, scope, req.OnInitialLoad)
	return handle, nil
}

func (s *Subscriber) openSubscription(ctx context.Context, scope board.BoardID, onEvent func(Event)) *Handle {
	channelID := ChannelName(scope)

	channel, err := s.opener.Open(ctx, channelID)
	if err != nil {
		s.logger.Warn("feed channel open failed, continuing without live updates",
			zap.String("scope", scope.String()),
			zap.String("channel", channelID),
			zap.Error(err))
		return newDegradedHandle(scope)
	}

	handler := func(event Event) {
		if !Relevant(event, scope) {
			return
		}
		if onEvent != nil {
			onEvent(event)
		}
	}
	if err := channel.OnEvent(TableCards, AllEventTypes(), handler); err != nil {
		s.logger.Warn("feed handler registration failed, continuing without live updates",
			zap.String("scope", scope.String()),
			zap.String("channel", channelID),
			zap.Error(err))
		s.closeQuietly(channel, channelID)
		return newDegradedHandle(scope)
	}

	subscription, err := channel.Subscribe(s.statusFunc(scope, channelID))
	if err != nil {
		s.logger.Warn("feed subscription handshake failed, continuing without live updates",
			zap.String("scope", scope.String()),
			zap.String("channel", channelID),
			zap.Error(err))
		s.closeQuietly(channel, channelID)
		return newDegradedHandle(scope)
	}

	return &Handle{
		scope:        scope,
		channel:      channel,
		subscription: subscription,
		logger:       s.logger,
	}
}

func (s *Subscriber) statusFunc(scope board.BoardID, channelID string) StatusFunc {
	return func(status Status, err error) {
		switch status {
		case StatusSubscribed:
			s.logger.Info("feed subscription established",
				zap.String("scope", scope.String()),
				zap.String("channel", channelID))
		case StatusError:
			s.logger.Warn("feed subscription error, live updates may be stale",
				zap.String("scope", scope.String()),
				zap.String("channel", channelID),
				zap.Error(err))
		case StatusClosed, StatusTimedOut:
			s.logger.Info("feed channel disconnected, continuing without live updates",
				zap.String("scope", scope.String()),
				zap.String("channel", channelID),
				zap.String("status", string(status)))
		}
	}
}

func (s *Subscriber) initialLoad(ctx context.Context, scope board.BoardID, sink func([]board.Card)) {
	if s.loader == nil || sink == nil {
		return
	}
	cards, err := s.loader.ListCards(ctx, scope)
	if err != nil {
		s.logger.Warn("initial scope load failed",
			zap.String("scope", scope.String()),
			zap.Error(err))
		return
	}
	sink(cards)
}

func (s *Subscriber) closeQuietly(channel Channel, channelID string) {
	if err := channel.Close(); err != nil {
		s.logger.Debug("feed channel close failed", zap.String("channel", channelID), zap.Error(err))
	}
}

// Handle represents one active (or degraded) subscription.
type Handle struct {
	scope        board.BoardID
	channel      Channel
	subscription Subscription
	logger       *zap.Logger
	once         sync.Once
}

func newDegradedHandle(scope board.BoardID) *Handle {
	return &Handle{scope: scope, logger: noOpLogger}
}

// Scope returns the board this subscription watches.
func (h *Handle) Scope() board.BoardID {
	return h.scope
}

// Degraded reports whether the subscription runs without live updates.
func (h *Handle) Degraded() bool {
	return h.channel == nil
}

// Unsubscribe detaches the handler and closes the channel. It is
// idempotent, never fails, and performs no teardown on a degraded handle.
func (h *Handle) Unsubscribe() {
	h.once.Do(func() {
		if h.channel == nil {
			return
		}
		if err := h.subscription.Unsubscribe(); err != nil {
			h.logger.Debug("feed unsubscribe failed",
				zap.String("scope", h.scope.String()),
				zap.Error(err))
		}
		if err := h.channel.Close(); err != nil {
			h.logger.Debug("feed channel close failed",
				zap.String("scope", h.scope.String()),
				zap.Error(err))
		}
	})
}
