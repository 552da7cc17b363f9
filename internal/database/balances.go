package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"settlement-engine-go/internal/models"
	"settlement-engine-go/internal/store"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// GetBalance returns current balance for user/bucket (O(1) lookup)
func (s *Service) GetBalance(ctx context.Context, userId string, bucket models.Bucket) (decimal.Decimal, error) {
	zap.L().Debug("Getting balance", zap.String("user_id", userId), zap.String("bucket", string(bucket)))

	var account models.AccountBalance
	err := get(ctx, s.db, &account, queryGetAccountBalance, userId, bucket)
	if errors.Is(err, sql.ErrNoRows) {
		// No balance record means zero balance
		return decimal.Zero, nil
	}
	if err != nil {
		zap.L().Error("Failed to get balance", zap.String("user_id", userId), zap.String("bucket", string(bucket)), zap.Error(err))
		return decimal.Zero, fmt.Errorf("failed to get balance: %w", err)
	}

	return account.Balance, nil
}

// GetBalances returns all three buckets for a user, zeros included
func (s *Service) GetBalances(ctx context.Context, userId string) (*models.Balances, error) {
	if _, err := s.GetUserById(ctx, userId); err != nil {
		return nil, err
	}

	var accounts []models.AccountBalance
	if err := selectAll(ctx, s.db, &accounts, queryGetUserBalances, userId); err != nil {
		zap.L().Error("Failed to get all balances", zap.String("user_id", userId), zap.Error(err))
		return nil, fmt.Errorf("failed to get all balances: %w", err)
	}

	balances := &models.Balances{UserId: userId}
	for _, account := range accounts {
		switch account.Bucket {
		case models.BucketDeposit:
			balances.Deposit = account.Balance
		case models.BucketBonus:
			balances.Bonus = account.Balance
		case models.BucketReferral:
			balances.Referral = account.Balance
		}
	}

	zap.L().Debug("Retrieved all balances", zap.String("user_id", userId), zap.String("total", balances.Total().String()))
	return balances, nil
}

// ReconcileBalance verifies that current balance matches sum of all transactions.
// A mismatch halts the user.
func (s *Service) ReconcileBalance(ctx context.Context, userId string, bucket models.Bucket) error {
	zap.L().Info("Reconciling balance", zap.String("user_id", userId), zap.String("bucket", string(bucket)))

	// Both reads must see one snapshot or a post committed between them
	// looks like a mismatch.
	var current decimal.Decimal
	err := s.withTxOptions(ctx, s.snapshotTxOptions(), func(tx *sqlx.Tx) error {
		var account models.AccountBalance
		err := get(ctx, tx, &account, queryGetAccountBalance, userId, bucket)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to get current balance: %w", err)
		}
		current = account.Balance
		if s.afterBalanceRead != nil {
			s.afterBalanceRead()
		}

		var amounts []decimal.Decimal
		if err := selectAll(ctx, tx, &amounts, queryReconcileAmounts, userId, bucket); err != nil {
			return fmt.Errorf("failed to calculate balance from transactions: %w", err)
		}
		calculated := sum(amounts)

		// Check if balances match (exact decimal comparison)
		if !current.Equal(calculated) {
			zap.L().Error("Balance reconciliation failed",
				zap.String("user_id", userId),
				zap.String("bucket", string(bucket)),
				zap.String("current_balance", current.String()),
				zap.String("calculated_balance", calculated.String()),
				zap.String("difference", current.Sub(calculated).String()))
			return newViolation(userId, bucket, current, calculated, "reconciliation mismatch")
		}
		return nil
	})
	if err != nil {
		return err
	}

	zap.L().Info("Balance reconciliation successful",
		zap.String("user_id", userId),
		zap.String("bucket", string(bucket)),
		zap.String("balance", current.String()))
	return nil
}

// ReconcileReport summarises a full reconciliation sweep
type ReconcileReport struct {
	Checked    int
	Mismatched []string
}

// ReconcileAll checks every balance row. Mismatches are reported, not returned
// as an error, so one bad account does not stop the sweep.
func (s *Service) ReconcileAll(ctx context.Context) (*ReconcileReport, error) {
	var accounts []struct {
		UserId string        `db:"user_id"`
		Bucket models.Bucket `db:"bucket"`
	}
	if err := selectAll(ctx, s.db, &accounts, queryListBalanceAccounts); err != nil {
		return nil, fmt.Errorf("failed to list balance accounts: %w", err)
	}

	report := &ReconcileReport{}
	for _, account := range accounts {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++
		err := s.ReconcileBalance(ctx, account.UserId, account.Bucket)
		if errors.Is(err, store.ErrInvariantViolation) {
			report.Mismatched = append(report.Mismatched, account.UserId+"/"+string(account.Bucket))
			continue
		}
		if err != nil {
			return report, err
		}
	}

	zap.L().Info("Reconciliation sweep finished",
		zap.Int("checked", report.Checked),
		zap.Int("mismatched", len(report.Mismatched)))
	return report, nil
}

// ResumeUser lifts a halt once every bucket reconciles again.
func (s *Service) ResumeUser(ctx context.Context, userId string) error {
	for _, bucket := range models.Buckets {
		if err := s.ReconcileBalance(ctx, userId, bucket); err != nil {
			return err
		}
	}

	n, err := exec(ctx, s.db, queryResumeUser, now(), userId)
	if err != nil {
		return fmt.Errorf("failed to resume user: %w", err)
	}
	if n == 0 {
		return store.Reject(store.ErrInvalidTransition, "user %s is not halted", userId)
	}

	zap.L().Info("User resumed", zap.String("user_id", userId))
	return nil
}
