package database

import (
	"context"
	"encoding/json"
	"fmt"

	"settlement-engine-go/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// enqueue writes an outbox row in the same transaction as the mutation it describes.
func (s *Service) enqueue(ctx context.Context, tx *sqlx.Tx, topic, aggregateId string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", topic, err)
	}
	if _, err := exec(ctx, tx, queryInsertOutboxEvent, uuid.New().String(), topic, aggregateId, string(body), now()); err != nil {
		return fmt.Errorf("failed to enqueue %s event: %w", topic, err)
	}
	return nil
}

func (s *Service) ListPendingEvents(ctx context.Context, limit int) ([]models.OutboxEvent, error) {
	var events []models.OutboxEvent
	if err := selectAll(ctx, s.db, &events, queryListPendingEvents, limit); err != nil {
		return nil, fmt.Errorf("failed to list outbox events: %w", err)
	}
	return events, nil
}

func (s *Service) MarkEventPublished(ctx context.Context, eventId string) error {
	if _, err := exec(ctx, s.db, queryMarkEventPublished, now(), eventId); err != nil {
		return fmt.Errorf("failed to mark event %s published: %w", eventId, err)
	}
	return nil
}

func (s *Service) MarkEventFailed(ctx context.Context, eventId, errMsg string) error {
	if _, err := exec(ctx, s.db, queryMarkEventFailed, errMsg, eventId); err != nil {
		zap.L().Warn("Failed to record outbox failure", zap.String("event_id", eventId), zap.Error(err))
		return fmt.Errorf("failed to mark event %s failed: %w", eventId, err)
	}
	return nil
}

func (s *Service) CountPendingEvents(ctx context.Context) (int, error) {
	var count int
	if err := get(ctx, s.db, &count, queryCountPendingEvents); err != nil {
		return 0, fmt.Errorf("failed to count outbox events: %w", err)
	}
	return count, nil
}
