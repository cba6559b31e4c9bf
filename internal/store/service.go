// Package store is the authoritative persistence layer for cards. Every
// successful mutation, including lock transitions, is published to the
// change feed so other clients converge on the same state.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/driftboardhq/driftboard/internal/board"
	"github.com/driftboardhq/driftboard/internal/feed"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingTitle      = errors.New("card title is required")
	errTitleTooLong      = errors.New("card title exceeds 512 characters")
	errEmptyPatch        = errors.New("patch changes nothing")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable machine-readable code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew        = "store.service.new"
	opCreateCard        = "store.create_card"
	opGetCard           = "store.get_card"
	opListCards         = "store.list_cards"
	opUpdateCard        = "store.update_card"
	opDeleteCard        = "store.delete_card"
	opAcquireLock       = "store.acquire_lock"
	opReleaseLock       = "store.release_lock"
	opClearExpiredLocks = "store.clear_expired_locks"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues canonical card identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// EventPublisher receives one event per committed mutation. Publishing is
// fire-and-forget; the store never blocks on slow consumers.
type EventPublisher interface {
	Publish(event feed.Event)
}

// ServiceConfig wires the service's collaborators. Publisher is optional;
// without it mutations simply go unannounced.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Publisher  EventPublisher
	Logger     *zap.Logger
}

// Service implements card CRUD and the conditional lock writes.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	publisher  EventPublisher
	logger     *zap.Logger
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	timeSource := cfg.Clock
	if timeSource == nil {
		timeSource = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      timeSource,
		idProvider: cfg.IDProvider,
		publisher:  cfg.Publisher,
		logger:     logger,
	}, nil
}

// CreateCard validates the draft, assigns a canonical identifier, and
// inserts the card.
func (s *Service) CreateCard(ctx context.Context, draft board.CardDraft) (board.Card, error) {
	boardID, err := board.NewBoardID(draft.BoardID)
	if err != nil {
		return board.Card{}, newServiceError(opCreateCard, "invalid_board_id", err)
	}
	title := strings.TrimSpace(draft.Title)
	if title == "" {
		return board.Card{}, newServiceError(opCreateCard, "missing_title", errMissingTitle)
	}
	if len(title) > 512 {
		return board.Card{}, newServiceError(opCreateCard, "title_too_long", errTitleTooLong)
	}

	cardID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateCard, "id_generation_failed", err, zap.String("board_id", boardID.String()))
		return board.Card{}, newServiceError(opCreateCard, "id_generation_failed", err)
	}

	now := s.clock().UTC()
	card := board.Card{
		CardID:    cardID,
		BoardID:   boardID.String(),
		Title:     title,
		Body:      draft.Body,
		Category:  draft.Category,
		X:         draft.X,
		Y:         draft.Y,
		CreatedBy: draft.CreatedBy,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(&card).Error; err != nil {
		s.logError(opCreateCard, "insert_failed", err, zap.String("board_id", boardID.String()))
		return board.Card{}, newServiceError(opCreateCard, "insert_failed", err)
	}

	s.publish(feed.Event{Type: feed.EventInsert, Table: feed.TableCards, After: &card})
	return card, nil
}

// GetCard returns the card under id, or board.ErrCardNotFound.
func (s *Service) GetCard(ctx context.Context, id board.CardID) (board.Card, error) {
	var card board.Card
	err := s.db.WithContext(ctx).Where("card_id = ?", id.String()).Take(&card).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return board.Card{}, newServiceError(opGetCard, "not_found", board.ErrCardNotFound)
	}
	if err != nil {
		s.logError(opGetCard, "query_failed", err, zap.String("card_id", id.String()))
		return board.Card{}, newServiceError(opGetCard, "query_failed", err)
	}
	return card, nil
}

// ListCards returns every card on the board, most recently updated first.
func (s *Service) ListCards(ctx context.Context, boardID board.BoardID) ([]board.Card, error) {
	var cards []board.Card
	if err := s.db.WithContext(ctx).
		Where("board_id = ?", boardID.String()).
		Order("updated_at DESC").
		Find(&cards).Error; err != nil {
		s.logError(opListCards, "query_failed", err, zap.String("board_id", boardID.String()))
		return nil, newServiceError(opListCards, "query_failed", err)
	}
	return cards, nil
}

// UpdateCard applies the patch under a row lock and returns the stored
// result. The before and after images travel on the published event.
func (s *Service) UpdateCard(ctx context.Context, id board.CardID, patch board.CardPatch) (board.Card, error) {
	if patch.IsZero() {
		return board.Card{}, newServiceError(opUpdateCard, "empty_patch", errEmptyPatch)
	}
	if patch.Title != nil {
		trimmed := strings.TrimSpace(*patch.Title)
		if trimmed == "" {
			return board.Card{}, newServiceError(opUpdateCard, "missing_title", errMissingTitle)
		}
		if len(trimmed) > 512 {
			return board.Card{}, newServiceError(opUpdateCard, "title_too_long", errTitleTooLong)
		}
		patch.Title = &trimmed
	}

	var before, after board.Card
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("card_id = ?", id.String()).
			Take(&before).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opUpdateCard, "not_found", board.ErrCardNotFound)
		}
		if err != nil {
			s.logError(opUpdateCard, "select_failed", err, zap.String("card_id", id.String()))
			return newServiceError(opUpdateCard, "select_failed", err)
		}

		after = before.ApplyPatch(patch)
		after.UpdatedAt = s.clock().UTC()
		if err := tx.Save(&after).Error; err != nil {
			s.logError(opUpdateCard, "save_failed", err, zap.String("card_id", id.String()))
			return newServiceError(opUpdateCard, "save_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return board.Card{}, txErr
	}

	s.publish(feed.Event{Type: feed.EventUpdate, Table: feed.TableCards, Before: &before, After: &after})
	return after, nil
}

// DeleteCard removes the card, publishing its final image.
func (s *Service) DeleteCard(ctx context.Context, id board.CardID) error {
	var before board.Card
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("card_id = ?", id.String()).
			Take(&before).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opDeleteCard, "not_found", board.ErrCardNotFound)
		}
		if err != nil {
			s.logError(opDeleteCard, "select_failed", err, zap.String("card_id", id.String()))
			return newServiceError(opDeleteCard, "select_failed", err)
		}
		if err := tx.Where("card_id = ?", id.String()).Delete(&board.Card{}).Error; err != nil {
			s.logError(opDeleteCard, "delete_failed", err, zap.String("card_id", id.String()))
			return newServiceError(opDeleteCard, "delete_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return txErr
	}

	s.publish(feed.Event{Type: feed.EventDelete, Table: feed.TableCards, Before: &before})
	return nil
}

// AcquireLock writes the lock columns when the guard holds: unset, already
// held by clientID, or stale. The write and its guard are one conditional
// statement, so two racing acquirers cannot both win.
func (s *Service) AcquireLock(ctx context.Context, id board.CardID, clientID board.ClientID, acquiredAt, staleBefore time.Time) (bool, error) {
	var before, after board.Card
	granted := false

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("card_id = ?", id.String()).
			Take(&before).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opAcquireLock, "not_found", board.ErrCardNotFound)
		}
		if err != nil {
			s.logError(opAcquireLock, "select_failed", err, zap.String("card_id", id.String()))
			return newServiceError(opAcquireLock, "select_failed", err)
		}

		result := tx.Model(&board.Card{}).
			Where("card_id = ? AND (editing_by IS NULL OR editing_by = ? OR editing_at <= ?)",
				id.String(), clientID.String(), staleBefore.UTC()).
			Updates(map[string]any{
				"editing_by": clientID.String(),
				"editing_at": acquiredAt.UTC(),
			})
		if result.Error != nil {
			s.logError(opAcquireLock, "update_failed", result.Error, zap.String("card_id", id.String()))
			return newServiceError(opAcquireLock, "update_failed", result.Error)
		}
		granted = result.RowsAffected > 0
		if granted {
			after = before.WithLock(clientID.String(), acquiredAt)
		}
		return nil
	})
	if txErr != nil {
		return false, txErr
	}

	if granted {
		s.publish(feed.Event{Type: feed.EventUpdate, Table: feed.TableCards, Before: &before, After: &after})
	}
	return granted, nil
}

// ReleaseLock clears the lock columns while clientID still holds them.
func (s *Service) ReleaseLock(ctx context.Context, id board.CardID, clientID board.ClientID) (bool, error) {
	var before board.Card
	released := false

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("card_id = ?", id.String()).
			Take(&before).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opReleaseLock, "not_found", board.ErrCardNotFound)
		}
		if err != nil {
			s.logError(opReleaseLock, "select_failed", err, zap.String("card_id", id.String()))
			return newServiceError(opReleaseLock, "select_failed", err)
		}

		result := tx.Model(&board.Card{}).
			Where("card_id = ? AND editing_by = ?", id.String(), clientID.String()).
			Updates(map[string]any{"editing_by": nil, "editing_at": nil})
		if result.Error != nil {
			s.logError(opReleaseLock, "update_failed", result.Error, zap.String("card_id", id.String()))
			return newServiceError(opReleaseLock, "update_failed", result.Error)
		}
		released = result.RowsAffected > 0
		return nil
	})
	if txErr != nil {
		return false, txErr
	}

	if released {
		after := before.ClearLock()
		s.publish(feed.Event{Type: feed.EventUpdate, Table: feed.TableCards, Before: &before, After: &after})
	}
	return released, nil
}

// ClearExpiredLocks clears every lock whose editing_at is at or before
// staleBefore, regardless of holder, and returns how many were cleared.
func (s *Service) ClearExpiredLocks(ctx context.Context, staleBefore time.Time) (int64, error) {
	var stale []board.Card
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("editing_by IS NOT NULL AND editing_at <= ?", staleBefore.UTC()).
			Find(&stale).Error; err != nil {
			s.logError(opClearExpiredLocks, "select_failed", err)
			return newServiceError(opClearExpiredLocks, "select_failed", err)
		}
		if len(stale) == 0 {
			return nil
		}
		if err := tx.Model(&board.Card{}).
			Where("editing_by IS NOT NULL AND editing_at <= ?", staleBefore.UTC()).
			Updates(map[string]any{"editing_by": nil, "editing_at": nil}).Error; err != nil {
			s.logError(opClearExpiredLocks, "update_failed", err)
			return newServiceError(opClearExpiredLocks, "update_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return 0, txErr
	}

	for i := range stale {
		before := stale[i]
		after := before.ClearLock()
		s.publish(feed.Event{Type: feed.EventUpdate, Table: feed.TableCards, Before: &before, After: &after})
	}
	return int64(len(stale)), nil
}

func (s *Service) publish(event feed.Event) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(event)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("card store error", attrs...)
}
