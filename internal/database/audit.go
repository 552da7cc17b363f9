package database

import (
	"context"
	"fmt"

	"settlement-engine-go/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

func insertAuditEvent(ctx context.Context, tx *sqlx.Tx, event *models.AuditEvent) error {
	if event.Id == "" {
		event.Id = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now()
	}
	_, err := exec(ctx, tx, queryInsertAuditEvent,
		event.Id, event.Category, event.Action, event.UserId, event.EntityId,
		event.Decision, event.Rule, event.RiskScore, event.Details, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// RecordAuditEvent persists an immutable decision record. Risk decisions are
// also published on the outbox.
func (s *Service) RecordAuditEvent(ctx context.Context, event *models.AuditEvent) error {
	err := s.runTx(ctx, func(tx *sqlx.Tx) error {
		if err := insertAuditEvent(ctx, tx, event); err != nil {
			return err
		}
		if event.Category == models.AuditCategoryRisk {
			return s.enqueue(ctx, tx, models.TopicRiskDecision, event.UserId, event)
		}
		return nil
	})
	if err != nil {
		zap.L().Error("Failed to record audit event",
			zap.String("category", event.Category),
			zap.String("action", event.Action),
			zap.String("user_id", event.UserId),
			zap.Error(err))
		return err
	}
	return nil
}

func (s *Service) GetAuditEvents(ctx context.Context, userId string) ([]models.AuditEvent, error) {
	var events []models.AuditEvent
	if err := selectAll(ctx, s.db, &events, queryListAuditEvents, userId); err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	return events, nil
}
