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

package deposit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"settlement-engine-go/internal/metrics"
	"settlement-engine-go/internal/models"
	"settlement-engine-go/internal/risk"
	"settlement-engine-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Store is what the tracker needs from the ledger store.
type Store interface {
	store.DepositStore
	FindUserByAddress(ctx context.Context, address string) (*models.User, *models.Address, error)
	GetMonitoredAddresses(ctx context.Context) ([]models.MonitoredAddress, error)
}

type RiskGate interface {
	CheckDeposit(ctx context.Context, check risk.DepositCheck) (*risk.Decision, error)
}

// ReferralProcessor computes the referral bonuses owed for a first deposit.
// It must be idempotent per deposit.
type ReferralProcessor interface {
	ProcessReferralBonuses(ctx context.Context, deposit *models.Deposit) error
}

// CreateParams describes a newly observed inbound transfer.
type CreateParams struct {
	UserId                string
	Amount                decimal.Decimal
	Currency              string
	Network               string
	TxHash                string
	FromAddress           string
	ToAddress             string
	Confirmations         int
	RequiredConfirmations int
	BlockNumber           int64
	BlockTime             *time.Time
}

// Service drives deposits from first sighting to a single credit.
type Service struct {
	store     Store
	gate      RiskGate
	referrals ReferralProcessor
	cfg       models.DepositConfig
	now       func() time.Time
}

func NewService(s Store, gate RiskGate, referrals ReferralProcessor, cfg models.DepositConfig) *Service {
	return &Service{
		store:     s,
		gate:      gate,
		referrals: referrals,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreateDeposit records a first sighting. A hash already on file returns
// ErrDuplicateTransaction. Deposits below the minimum or vetoed by the risk
// gate are stored as failed so that replays of the same hash stay no-ops; the
// rejection is returned together with the failed deposit.
func (s *Service) CreateDeposit(ctx context.Context, p CreateParams) (*models.Deposit, error) {
	p.TxHash = strings.TrimSpace(p.TxHash)
	if p.TxHash == "" {
		return nil, store.Reject(store.ErrInvalidAmount, "deposit has no transaction hash")
	}
	if !models.ValidAmount(p.Amount) {
		return nil, store.Reject(store.ErrInvalidAmount, "invalid deposit amount %s", p.Amount.String())
	}

	if existing, err := s.store.GetDepositByHash(ctx, p.TxHash); err == nil {
		return existing, store.Reject(store.ErrDuplicateTransaction, "hash %s already recorded as deposit %s", p.TxHash, existing.Id)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	required := p.RequiredConfirmations
	if required <= 0 {
		required = s.cfg.RequiredConfirmations
	}
	deposit := &models.Deposit{
		UserId:                p.UserId,
		Amount:                p.Amount,
		Currency:              p.Currency,
		Network:               p.Network,
		TxHash:                p.TxHash,
		FromAddress:           p.FromAddress,
		ToAddress:             p.ToAddress,
		Status:                models.DepositPending,
		RequiredConfirmations: required,
		BlockNumber:           p.BlockNumber,
		BlockTime:             p.BlockTime,
		ExpiresAt:             s.now().Add(s.cfg.Expiry),
	}

	var rejection error
	if p.Amount.LessThan(s.cfg.MinAmount) {
		rejection = store.Reject(store.ErrInvalidAmount, "deposit %s is below the minimum %s", p.Amount.String(), s.cfg.MinAmount.String())
	} else if s.gate != nil {
		// Infrastructure errors leave no row behind so the next sighting retries the check.
		if _, err := s.gate.CheckDeposit(ctx, risk.DepositCheck{UserId: p.UserId, TxHash: p.TxHash, Amount: p.Amount}); err != nil {
			if !errors.Is(err, store.ErrFraudRejected) {
				return nil, fmt.Errorf("deposit risk check failed: %w", err)
			}
			rejection = err
		}
	}
	if rejection != nil {
		deposit.Status = models.DepositFailed
		deposit.FailureReason = rejection.Error()
	}

	if err := s.store.CreateDeposit(ctx, deposit); err != nil {
		if errors.Is(err, store.ErrDuplicateTransaction) {
			// lost a race with another sighting of the same hash
			if existing, getErr := s.store.GetDepositByHash(ctx, p.TxHash); getErr == nil {
				return existing, err
			}
		}
		return nil, err
	}
	metrics.Deposits.WithLabelValues(string(deposit.Status)).Inc()

	if rejection != nil {
		zap.L().Warn("Deposit rejected",
			zap.String("deposit_id", deposit.Id),
			zap.String("user_id", deposit.UserId),
			zap.String("tx_hash", deposit.TxHash),
			zap.String("amount", deposit.Amount.String()),
			zap.String("code", string(store.CodeOf(rejection))),
			zap.Error(rejection))
		return deposit, rejection
	}

	if p.Confirmations > 0 {
		return s.RecordConfirmations(ctx, deposit.Id, p.Confirmations, p.BlockNumber, p.BlockTime)
	}
	return deposit, nil
}

// RecordConfirmations stores a newer confirmation count and confirms the
// deposit once the required depth is reached. Counts never go backwards.
func (s *Service) RecordConfirmations(ctx context.Context, depositId string, confirmations int, blockNumber int64, blockTime *time.Time) (*models.Deposit, error) {
	before, err := s.store.GetDeposit(ctx, depositId)
	if err != nil {
		return nil, err
	}

	deposit, err := s.store.UpdateDepositConfirmations(ctx, depositId, confirmations, blockNumber, blockTime)
	if err != nil {
		return nil, err
	}
	if before.Status != deposit.Status {
		metrics.Deposits.WithLabelValues(string(deposit.Status)).Inc()
	}

	if deposit.Status != models.DepositConfirming || !deposit.ConfirmationReached() {
		return deposit, nil
	}

	result, err := s.ConfirmDeposit(ctx, depositId)
	if err != nil {
		return nil, err
	}
	return result.Deposit, nil
}

// ConfirmDeposit credits a deposit that reached its required depth. Repeated
// calls report AlreadyCredited and never credit twice. Post-processing
// failures are logged and left for the retry sweep.
func (s *Service) ConfirmDeposit(ctx context.Context, depositId string) (*models.DepositConfirmation, error) {
	result, err := s.store.ConfirmDepositCredit(ctx, depositId, s.cfg.LockPeriod)
	if err != nil {
		zap.L().Error("Deposit confirmation failed",
			zap.String("deposit_id", depositId),
			zap.Error(err))
		return nil, err
	}
	if !result.AlreadyCredited {
		metrics.Deposits.WithLabelValues(string(models.DepositConfirmed)).Inc()
	}

	if !result.Deposit.PostProcessed() {
		if err := s.CompletePostProcessing(ctx, result.Deposit); err != nil {
			zap.L().Warn("Deposit post-processing deferred",
				zap.String("deposit_id", depositId),
				zap.Error(err))
		}
	}
	return result, nil
}

// CompletePostProcessing runs the one-time referral computation for a first
// deposit and only then marks the deposit processed, so a crash in between
// is retried.
func (s *Service) CompletePostProcessing(ctx context.Context, deposit *models.Deposit) error {
	if deposit.PostProcessed() {
		return nil
	}
	if deposit.Status != models.DepositConfirmed {
		return store.Reject(store.ErrInvalidTransition, "deposit %s is %s, expected confirmed", deposit.Id, deposit.Status)
	}

	if s.referrals != nil {
		if err := s.referrals.ProcessReferralBonuses(ctx, deposit); err != nil {
			return fmt.Errorf("referral bonuses for deposit %s: %w", deposit.Id, err)
		}
	}

	if err := s.store.MarkDepositPostProcessed(ctx, deposit.Id); err != nil {
		return err
	}
	deposit.BonusProcessed, deposit.ReferralProcessed = true, true

	zap.L().Info("Deposit post-processing complete", zap.String("deposit_id", deposit.Id))
	return nil
}

// RetryPostProcessing sweeps confirmed deposits whose post-processing has
// not completed and returns how many finished.
func (s *Service) RetryPostProcessing(ctx context.Context, limit int) (int, error) {
	deposits, err := s.store.ListUnprocessedConfirmedDeposits(ctx, limit)
	if err != nil {
		return 0, err
	}

	done := 0
	for i := range deposits {
		if err := s.CompletePostProcessing(ctx, &deposits[i]); err != nil {
			zap.L().Warn("Post-processing retry failed",
				zap.String("deposit_id", deposits[i].Id),
				zap.Error(err))
			continue
		}
		done++
	}

	if len(deposits) > 0 {
		zap.L().Info("Post-processing sweep finished",
			zap.Int("candidates", len(deposits)),
			zap.Int("completed", done))
	}
	return done, nil
}

// ExpireStale moves pending deposits past their expiry to expired. Deposits
// that reached confirming are never expired.
func (s *Service) ExpireStale(ctx context.Context, at time.Time) (int, error) {
	deposits, err := s.store.ListExpiredDeposits(ctx, at)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, d := range deposits {
		_, err := s.store.TransitionDeposit(ctx, d.Id, models.DepositPending, models.DepositExpired, "no confirmation before "+d.ExpiresAt.Format(time.RFC3339))
		if errors.Is(err, store.ErrInvalidTransition) {
			// confirmed by a concurrent poll
			continue
		}
		if err != nil {
			return expired, err
		}
		metrics.Deposits.WithLabelValues(string(models.DepositExpired)).Inc()
		expired++
	}
	return expired, nil
}

// CancelDeposit withdraws a deposit that never started confirming.
func (s *Service) CancelDeposit(ctx context.Context, depositId, reason string) (*models.Deposit, error) {
	deposit, err := s.store.TransitionDeposit(ctx, depositId, models.DepositPending, models.DepositCancelled, reason)
	if err != nil {
		return nil, err
	}
	metrics.Deposits.WithLabelValues(string(models.DepositCancelled)).Inc()
	return deposit, nil
}

func (s *Service) GetDeposit(ctx context.Context, depositId string) (*models.Deposit, error) {
	return s.store.GetDeposit(ctx, depositId)
}
