package api

import (
	"context"
	"time"

	"settlement-engine-go/internal/bonus"
	"settlement-engine-go/internal/models"

	"github.com/shopspring/decimal"
)

type DailyBonusRequest struct {
	Profit decimal.Decimal `validate:"amount"`
	// Date defaults to today (UTC).
	Date time.Time
}

type ManualBonusRequest struct {
	UserId    string           `validate:"required"`
	Type      models.BonusType `validate:"required,oneof=special achievement promotional"`
	Amount    decimal.Decimal  `validate:"amount"`
	Reference string           `validate:"required"`
}

// CalculateDailyBonuses distributes the day's profit share. Partial
// failures still succeed; the failed recipients are listed in the result.
func (s *LedgerService) CalculateDailyBonuses(ctx context.Context, req DailyBonusRequest) (*models.BonusRunResult, error) {
	if err := s.check(req); err != nil {
		return &models.BonusRunResult{Result: failure(err)}, nil
	}
	if req.Date.IsZero() {
		req.Date = time.Now().UTC()
	}

	summary, err := s.bonuses.CalculateDailyBonuses(ctx, req.Profit, req.Date)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		result := &models.BonusRunResult{Result: failure(err)}
		if summary != nil {
			result.BatchId = summary.BatchId
		}
		return result, nil
	}

	return &models.BonusRunResult{
		Result:      success(),
		BatchId:     summary.BatchId,
		Pool:        summary.Pool,
		Distributed: summary.Distributed,
		Retained:    summary.Retained,
		Paid:        summary.Paid,
		Skipped:     summary.Skipped,
		Failed:      summary.Failed,
	}, nil
}

func (s *LedgerService) GrantBonus(ctx context.Context, req ManualBonusRequest) (*models.TransactionResult, error) {
	if err := s.check(req); err != nil {
		return &models.TransactionResult{Result: failure(err)}, nil
	}

	granted, err := s.bonuses.CreateManualBonus(ctx, bonus.ManualBonusRequest{
		UserId:    req.UserId,
		Type:      req.Type,
		Amount:    req.Amount,
		Reference: req.Reference,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return &models.TransactionResult{Result: failure(err)}, nil
	}

	txn, err := s.db.GetTransaction(ctx, granted.TransactionId)
	if err != nil {
		return &models.TransactionResult{Result: failure(err)}, nil
	}
	return &models.TransactionResult{Result: success(), Transaction: txn}, nil
}
