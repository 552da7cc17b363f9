package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"settlement-engine-go/internal/models"
	"settlement-engine-go/internal/store"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func loadBonus(ctx context.Context, q sqlx.ExtContext, bonusId string) (*models.Bonus, error) {
	var bonus models.Bonus
	if err := get(ctx, q, &bonus, queryGetBonus, bonusId); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.Reject(store.ErrNotFound, "bonus %s not found", bonusId)
		}
		return nil, fmt.Errorf("failed to load bonus: %w", err)
	}
	return &bonus, nil
}

func insertBonus(ctx context.Context, tx *sqlx.Tx, bonus *models.Bonus) error {
	if bonus.Id == "" {
		bonus.Id = uuid.New().String()
	}
	if bonus.CreatedAt.IsZero() {
		bonus.CreatedAt = now()
	}
	_, err := exec(ctx, tx, queryInsertBonus,
		bonus.Id, bonus.UserId, bonus.Type, bonus.Status, bonus.Amount.String(),
		bonus.DepositSnapshot.String(), bonus.PoolSnapshot.String(), bonus.Percentage.String(),
		bonus.ReferralSourceUserId, bonus.ReferralLevel, bonus.DepositId, bonus.BatchId,
		bonus.BonusDate, bonus.Reference, bonus.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.Wrap(store.ErrDuplicateTransaction, err, "%s bonus for user %s already exists", bonus.Type, bonus.UserId)
		}
		return fmt.Errorf("failed to insert bonus: %w", err)
	}
	return nil
}

// ListEligibleDailyUsers returns active, unlocked users with a positive deposit balance.
func (s *Service) ListEligibleDailyUsers(ctx context.Context) ([]models.EligibleUser, error) {
	var rows []models.EligibleUser
	if err := selectAll(ctx, s.db, &rows, queryListEligibleDailyUsers); err != nil {
		return nil, fmt.Errorf("failed to list eligible users: %w", err)
	}

	eligible := rows[:0]
	for _, row := range rows {
		if row.DepositBalance.IsPositive() {
			eligible = append(eligible, row)
		}
	}
	return eligible, nil
}

func (s *Service) GetBonusBatchByDate(ctx context.Context, bonusDate string) (*models.BonusBatch, error) {
	var batch models.BonusBatch
	if err := get(ctx, s.db, &batch, queryGetBatchByDate, bonusDate); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.Reject(store.ErrNotFound, "no bonus batch for %s", bonusDate)
		}
		return nil, fmt.Errorf("failed to load bonus batch: %w", err)
	}
	return &batch, nil
}

// CreateDailyBatch stores the batch header and every calculated bonus together.
func (s *Service) CreateDailyBatch(ctx context.Context, batch *models.BonusBatch, bonuses []models.Bonus) error {
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = now()
	}
	batch.Recipients = len(bonuses)

	err := s.runTx(ctx, func(tx *sqlx.Tx) error {
		_, err := exec(ctx, tx, queryInsertBatch,
			batch.Id, batch.BonusDate, batch.Profit.String(), batch.DistributionPercent.String(),
			batch.Pool.String(), batch.TotalEligible.String(), batch.Allocated.String(),
			batch.Recipients, batch.Status, batch.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return store.Wrap(store.ErrDuplicateTransaction, err, "bonus batch for %s already exists", batch.BonusDate)
			}
			return fmt.Errorf("failed to insert bonus batch: %w", err)
		}

		for i := range bonuses {
			bonuses[i].BatchId = batch.Id
			bonuses[i].BonusDate = batch.BonusDate
			if err := insertBonus(ctx, tx, &bonuses[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	zap.L().Info("Daily bonus batch created",
		zap.String("batch_id", batch.Id),
		zap.String("bonus_date", batch.BonusDate),
		zap.String("pool", batch.Pool.String()),
		zap.String("allocated", batch.Allocated.String()),
		zap.Int("recipients", batch.Recipients))
	return nil
}

func (s *Service) ListBatchBonuses(ctx context.Context, batchId string) ([]models.Bonus, error) {
	var bonuses []models.Bonus
	if err := selectAll(ctx, s.db, &bonuses, queryListBatchBonuses, batchId); err != nil {
		return nil, fmt.Errorf("failed to list batch bonuses: %w", err)
	}
	return bonuses, nil
}

// CreateBonus inserts a standalone bonus. For daily and referral bonuses an
// existing row for the same key is returned with created=false.
func (s *Service) CreateBonus(ctx context.Context, bonus *models.Bonus) (*models.Bonus, bool, error) {
	var existing *models.Bonus
	err := s.runTx(ctx, func(tx *sqlx.Tx) error {
		var found models.Bonus
		var err error
		switch bonus.Type {
		case models.BonusTypeReferral:
			err = get(ctx, tx, &found, queryGetReferralBonus, bonus.DepositId, bonus.ReferralLevel)
		case models.BonusTypeDaily:
			err = get(ctx, tx, &found, queryGetDailyBonus, bonus.UserId, bonus.BonusDate)
		default:
			err = sql.ErrNoRows
		}
		if err == nil {
			existing = &found
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to check existing bonus: %w", err)
		}
		return insertBonus(ctx, tx, bonus)
	})
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	zap.L().Info("Bonus created",
		zap.String("bonus_id", bonus.Id),
		zap.String("user_id", bonus.UserId),
		zap.String("type", string(bonus.Type)),
		zap.String("amount", bonus.Amount.String()))
	return bonus, true, nil
}

// PayBonus credits a calculated or failed bonus and marks it distributed.
// Paying an already distributed bonus returns it with its transaction.
func (s *Service) PayBonus(ctx context.Context, bonusId string) (*models.Bonus, *models.Transaction, error) {
	var paid *models.Bonus
	var txn *models.Transaction
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		bonus, err := loadBonus(ctx, tx, bonusId)
		if err != nil {
			return err
		}

		if bonus.Status == models.BonusDistributed {
			paid = bonus
			var existing models.Transaction
			if err := get(ctx, tx, &existing, queryGetTransaction, bonus.TransactionId); err != nil {
				return fmt.Errorf("failed to load bonus transaction: %w", err)
			}
			txn = &existing
			return nil
		}
		if !bonus.Status.CanTransitionTo(models.BonusDistributed) {
			return store.Reject(store.ErrInvalidTransition, "bonus %s is %s and cannot be distributed", bonusId, bonus.Status)
		}
		if !models.ValidAmount(bonus.Amount) {
			return store.Reject(store.ErrInvalidAmount, "bonus %s amount %s is not payable", bonusId, bonus.Amount.String())
		}

		txn, err = s.postEntry(ctx, tx, entry{
			EntryParams: store.EntryParams{
				UserId:    bonus.UserId,
				Bucket:    bonus.Bucket(),
				Type:      bonus.TransactionType(),
				Amount:    bonus.Amount,
				DepositId: bonus.DepositId,
				BonusId:   bonus.Id,
				Reference: fmt.Sprintf("%s bonus %s", bonus.Type, bonus.BonusDate),
			},
			delta:  bonus.Amount,
			status: models.TxStatusCompleted,
		})
		if err != nil {
			return err
		}

		n, err := exec(ctx, tx, queryDistributeBonus, txn.Id, now(), bonusId, bonus.Status)
		if err != nil {
			return fmt.Errorf("failed to mark bonus distributed: %w", err)
		}
		if n == 0 {
			return store.Reject(store.ErrConcurrentModification, "bonus %s changed during payment", bonusId)
		}

		paid, err = loadBonus(ctx, tx, bonusId)
		if err != nil {
			return err
		}
		return s.enqueue(ctx, tx, models.TopicBonusDistributed, bonusId, paid)
	})
	if err != nil {
		return nil, nil, err
	}
	return paid, txn, nil
}

func (s *Service) MarkBonusFailed(ctx context.Context, bonusId, reason string) error {
	return s.runTx(ctx, func(tx *sqlx.Tx) error {
		n, err := exec(ctx, tx, queryFailBonus, reason, bonusId)
		if err != nil {
			return fmt.Errorf("failed to mark bonus failed: %w", err)
		}
		if n == 0 {
			return store.Reject(store.ErrInvalidTransition, "bonus %s cannot be marked failed", bonusId)
		}
		return s.enqueue(ctx, tx, models.TopicBonusFailed, bonusId, map[string]string{
			"bonus_id": bonusId,
			"reason":   reason,
		})
	})
}

func (s *Service) ListFailedBonuses(ctx context.Context, limit int) ([]models.Bonus, error) {
	var bonuses []models.Bonus
	if err := selectAll(ctx, s.db, &bonuses, queryListFailedBonuses, limit); err != nil {
		return nil, fmt.Errorf("failed to list failed bonuses: %w", err)
	}
	return bonuses, nil
}

// FinalizeBonusBatch recomputes the batch totals from its bonuses.
// The batch is completed once every bonus is distributed, partial otherwise.
func (s *Service) FinalizeBonusBatch(ctx context.Context, batchId string) (*models.BonusBatch, error) {
	var batch models.BonusBatch
	err := s.runTx(ctx, func(tx *sqlx.Tx) error {
		if err := get(ctx, tx, &batch, queryGetBatch, batchId); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.Reject(store.ErrNotFound, "bonus batch %s not found", batchId)
			}
			return fmt.Errorf("failed to load bonus batch: %w", err)
		}

		var bonuses []models.Bonus
		if err := selectAll(ctx, tx, &bonuses, queryListBatchBonuses, batchId); err != nil {
			return fmt.Errorf("failed to list batch bonuses: %w", err)
		}

		distributed := decimal.Zero
		pending := 0
		failed := 0
		for _, bonus := range bonuses {
			switch bonus.Status {
			case models.BonusDistributed:
				distributed = distributed.Add(bonus.Amount)
			case models.BonusFailed:
				failed++
			default:
				pending++
			}
		}

		status := models.BatchCompleted
		var completedAt any
		if failed > 0 || pending > 0 {
			status = models.BatchPartial
		} else {
			completedAt = now()
		}

		if _, err := exec(ctx, tx, queryFinalizeBatch, distributed.String(), failed, status, completedAt, batchId); err != nil {
			return fmt.Errorf("failed to finalize bonus batch: %w", err)
		}
		if err := get(ctx, tx, &batch, queryGetBatch, batchId); err != nil {
			return fmt.Errorf("failed to reload bonus batch: %w", err)
		}
		if status == models.BatchCompleted {
			return s.enqueue(ctx, tx, models.TopicBonusBatchCompleted, batchId, batch)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("Bonus batch finalized",
		zap.String("batch_id", batchId),
		zap.String("status", batch.Status),
		zap.String("distributed", batch.Distributed.String()),
		zap.String("retained", batch.Retained().String()),
		zap.Int("failed", batch.FailedCount))
	return &batch, nil
}
