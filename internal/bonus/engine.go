/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package bonus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"settlement-engine-go/internal/cache"
	"settlement-engine-go/internal/metrics"
	"settlement-engine-go/internal/models"
	"settlement-engine-go/internal/store"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const defaultRunLockTTL = 30 * time.Minute

// Store is what the engine needs from the ledger store.
type Store interface {
	store.BonusStore
	GetUserById(ctx context.Context, userId string) (*models.User, error)
}

// Locker guards a daily run against a concurrent run for the same date.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// DailyRunSummary reports one daily profit-share run.
type DailyRunSummary struct {
	BatchId     string
	BonusDate   string
	Pool        decimal.Decimal
	Distributed decimal.Decimal
	Retained    decimal.Decimal
	Recipients  int
	Paid        int
	Skipped     int
	Failed      []models.FailedRecipient
}

// ManualBonusRequest is an admin grant of a special, achievement or
// promotional bonus.
type ManualBonusRequest struct {
	UserId    string
	Type      models.BonusType
	Amount    decimal.Decimal
	Reference string
}

type Engine struct {
	store  Store
	locker Locker
	cfg    models.BonusConfig
	now    func() time.Time
}

// NewEngine builds an engine. Without a locker, runs are serialised within
// this process only.
func NewEngine(s Store, locker Locker, cfg models.BonusConfig) *Engine {
	if locker == nil {
		locker = cache.NewMemoryLocker()
	}
	if cfg.RunLockTTL <= 0 {
		cfg.RunLockTTL = defaultRunLockTTL
	}
	return &Engine{
		store:  s,
		locker: locker,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CalculateDailyBonuses shares profit × distribution percent across eligible
// users pro rata to their deposit balances. Shares are floored to ledger
// scale and the remainder stays with the platform. All bonus rows for the
// date are created together; each payment then commits on its own, so a
// failed recipient never blocks the others. Running again for the same date
// resumes the stored batch and skips bonuses already distributed.
func (e *Engine) CalculateDailyBonuses(ctx context.Context, profit decimal.Decimal, date time.Time) (*DailyRunSummary, error) {
	if !models.ValidAmount(profit) {
		return nil, store.Reject(store.ErrInvalidAmount, "invalid profit %s", profit.String())
	}
	bonusDate := date.UTC().Format(models.BonusDateLayout)

	release, ok, err := e.locker.TryLock(ctx, "bonus:daily:"+bonusDate, e.cfg.RunLockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, store.Reject(store.ErrConcurrentModification, "daily bonus run for %s is already in progress", bonusDate)
	}
	defer release()

	batch, err := e.store.GetBonusBatchByDate(ctx, bonusDate)
	switch {
	case err == nil:
		if !batch.Profit.Equal(profit) {
			return nil, store.Reject(store.ErrDuplicateTransaction,
				"bonuses for %s were already calculated from profit %s", bonusDate, batch.Profit.String())
		}
		zap.L().Info("Resuming daily bonus batch",
			zap.String("batch_id", batch.Id),
			zap.String("bonus_date", bonusDate))
	case errors.Is(err, store.ErrNotFound):
		batch, err = e.calculate(ctx, profit, bonusDate)
		if err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	bonuses, err := e.store.ListBatchBonuses(ctx, batch.Id)
	if err != nil {
		return nil, err
	}

	summary := &DailyRunSummary{
		BatchId:    batch.Id,
		BonusDate:  bonusDate,
		Pool:       batch.Pool,
		Recipients: len(bonuses),
	}
	for i := range bonuses {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		bonus := &bonuses[i]
		if bonus.Status == models.BonusDistributed {
			summary.Skipped++
			continue
		}
		if err := e.pay(ctx, bonus); err != nil {
			summary.Failed = append(summary.Failed, models.FailedRecipient{
				UserId:  bonus.UserId,
				BonusId: bonus.Id,
				Amount:  bonus.Amount,
				Reason:  err.Error(),
			})
			continue
		}
		summary.Paid++
	}

	finalized, err := e.store.FinalizeBonusBatch(ctx, batch.Id)
	if err != nil {
		return summary, err
	}
	summary.Distributed = finalized.Distributed
	summary.Retained = finalized.Retained()

	zap.L().Info("Daily bonus run finished",
		zap.String("batch_id", summary.BatchId),
		zap.String("bonus_date", bonusDate),
		zap.String("pool", summary.Pool.String()),
		zap.String("distributed", summary.Distributed.String()),
		zap.String("retained", summary.Retained.String()),
		zap.Int("paid", summary.Paid),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", len(summary.Failed)))
	return summary, nil
}

func (e *Engine) calculate(ctx context.Context, profit decimal.Decimal, bonusDate string) (*models.BonusBatch, error) {
	eligible, err := e.store.ListEligibleDailyUsers(ctx)
	if err != nil {
		return nil, err
	}

	total := decimal.Zero
	for _, u := range eligible {
		total = total.Add(u.DepositBalance)
	}
	pool := models.Truncate(profit.Mul(e.cfg.DistributionPercent))

	bonuses := make([]models.Bonus, 0, len(eligible))
	allocated := decimal.Zero
	for _, u := range eligible {
		share, _ := pool.Mul(u.DepositBalance).QuoRem(total, models.Scale)
		if !share.IsPositive() {
			continue
		}
		allocated = allocated.Add(share)
		bonuses = append(bonuses, models.Bonus{
			UserId:          u.UserId,
			Type:            models.BonusTypeDaily,
			Status:          models.BonusCalculated,
			Amount:          share,
			DepositSnapshot: u.DepositBalance,
			PoolSnapshot:    pool,
			Percentage:      models.Truncate(u.DepositBalance.Div(total)),
		})
	}

	batch := &models.BonusBatch{
		Id:                  ulid.Make().String(),
		BonusDate:           bonusDate,
		Profit:              profit,
		DistributionPercent: e.cfg.DistributionPercent,
		Pool:                pool,
		TotalEligible:       total,
		Allocated:           allocated,
		Status:              models.BatchCalculated,
	}
	if err := e.store.CreateDailyBatch(ctx, batch, bonuses); err != nil {
		if errors.Is(err, store.ErrDuplicateTransaction) {
			// another instance stored the batch first
			return e.store.GetBonusBatchByDate(ctx, bonusDate)
		}
		return nil, err
	}
	return batch, nil
}

// pay credits one bonus, marking it failed on error.
func (e *Engine) pay(ctx context.Context, bonus *models.Bonus) error {
	paid, _, err := e.store.PayBonus(ctx, bonus.Id)
	if err == nil {
		*bonus = *paid
		metrics.BonusAmount.WithLabelValues(string(bonus.Type)).Add(metrics.Amount(bonus.Amount))
		return nil
	}

	metrics.BonusFailures.WithLabelValues(string(bonus.Type)).Inc()
	zap.L().Warn("Bonus payment failed",
		zap.String("bonus_id", bonus.Id),
		zap.String("user_id", bonus.UserId),
		zap.String("type", string(bonus.Type)),
		zap.String("amount", bonus.Amount.String()),
		zap.Error(err))

	if markErr := e.store.MarkBonusFailed(ctx, bonus.Id, err.Error()); markErr != nil {
		zap.L().Error("Failed to mark bonus failed",
			zap.String("bonus_id", bonus.Id),
			zap.Error(markErr))
	} else {
		bonus.Status = models.BonusFailed
		bonus.FailureReason = err.Error()
	}
	return err
}

// ProcessReferralBonuses pays the level 1 and level 2 referrers of the
// depositing user. A missing or short referrer chain yields fewer bonuses.
// Each (deposit, level) pays at most once; payment failures are left for
// RetryFailed.
func (e *Engine) ProcessReferralBonuses(ctx context.Context, deposit *models.Deposit) error {
	user, err := e.store.GetUserById(ctx, deposit.UserId)
	if err != nil {
		return err
	}

	levels := []decimal.Decimal{e.cfg.ReferralLevel1, e.cfg.ReferralLevel2}
	seen := map[string]bool{user.Id: true}
	referrerId := user.ReferrerId

	for i, percent := range levels {
		if referrerId == "" || seen[referrerId] {
			break
		}
		referrer, err := e.store.GetUserById(ctx, referrerId)
		if errors.Is(err, store.ErrNotFound) {
			zap.L().Warn("Referrer not found",
				zap.String("user_id", deposit.UserId),
				zap.String("referrer_id", referrerId))
			break
		}
		if err != nil {
			return err
		}
		seen[referrer.Id] = true

		if err := e.referralBonus(ctx, deposit, referrer.Id, i+1, percent); err != nil {
			return err
		}
		referrerId = referrer.ReferrerId
	}
	return nil
}

func (e *Engine) referralBonus(ctx context.Context, deposit *models.Deposit, referrerId string, level int, percent decimal.Decimal) error {
	amount := models.Truncate(deposit.Amount.Mul(percent))
	if !amount.IsPositive() {
		return nil
	}

	bonusDate := e.now()
	if deposit.ConfirmedAt != nil {
		bonusDate = deposit.ConfirmedAt.UTC()
	}
	bonus, created, err := e.store.CreateBonus(ctx, &models.Bonus{
		UserId:               referrerId,
		Type:                 models.BonusTypeReferral,
		Status:               models.BonusCalculated,
		Amount:               amount,
		DepositSnapshot:      deposit.Amount,
		Percentage:           percent,
		ReferralSourceUserId: deposit.UserId,
		ReferralLevel:        level,
		DepositId:            deposit.Id,
		BonusDate:            bonusDate.Format(models.BonusDateLayout),
		Reference:            fmt.Sprintf("level %d referral from %s", level, deposit.UserId),
	})
	if err != nil {
		return err
	}
	if !created && bonus.Status != models.BonusCalculated {
		return nil
	}

	if e.pay(ctx, bonus) == nil {
		zap.L().Info("Referral bonus paid",
			zap.String("bonus_id", bonus.Id),
			zap.String("referrer_id", referrerId),
			zap.Int("level", level),
			zap.String("amount", amount.String()))
	}
	return nil
}

// RetryFailed pays up to limit failed bonuses again and refreshes the totals
// of the daily batches they belong to.
func (e *Engine) RetryFailed(ctx context.Context, limit int) (int, int, error) {
	failedBonuses, err := e.store.ListFailedBonuses(ctx, limit)
	if err != nil {
		return 0, 0, err
	}

	var paid, failed int
	batches := make(map[string]bool)
	for i := range failedBonuses {
		if err := ctx.Err(); err != nil {
			return paid, failed, err
		}
		bonus := &failedBonuses[i]
		if bonus.BatchId != "" {
			batches[bonus.BatchId] = true
		}
		if e.pay(ctx, bonus) != nil {
			failed++
			continue
		}
		paid++
	}

	for batchId := range batches {
		if _, err := e.store.FinalizeBonusBatch(ctx, batchId); err != nil {
			zap.L().Warn("Failed to refresh bonus batch",
				zap.String("batch_id", batchId),
				zap.Error(err))
		}
	}

	if len(failedBonuses) > 0 {
		zap.L().Info("Failed bonus sweep finished",
			zap.Int("candidates", len(failedBonuses)),
			zap.Int("paid", paid),
			zap.Int("failed", failed))
	}
	return paid, failed, nil
}

// CreateManualBonus grants and pays an admin bonus. A payment failure
// returns the failed bonus with the error.
func (e *Engine) CreateManualBonus(ctx context.Context, req ManualBonusRequest) (*models.Bonus, error) {
	if !req.Type.Manual() {
		return nil, store.Reject(store.ErrInvalidAmount, "%s bonuses cannot be granted manually", req.Type)
	}
	if !models.ValidAmount(req.Amount) {
		return nil, store.Reject(store.ErrInvalidAmount, "invalid bonus amount %s", req.Amount.String())
	}
	if _, err := e.store.GetUserById(ctx, req.UserId); err != nil {
		return nil, err
	}

	bonus, _, err := e.store.CreateBonus(ctx, &models.Bonus{
		UserId:    req.UserId,
		Type:      req.Type,
		Status:    models.BonusCalculated,
		Amount:    req.Amount,
		BonusDate: e.now().Format(models.BonusDateLayout),
		Reference: req.Reference,
	})
	if err != nil {
		return nil, err
	}

	if err := e.pay(ctx, bonus); err != nil {
		return bonus, err
	}
	return bonus, nil
}
