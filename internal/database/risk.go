package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SumDepositsSince totals a user's live deposits created at or after since.
// excludeDepositId keeps the deposit under review out of its own window.
func (s *Service) SumDepositsSince(ctx context.Context, userId string, since time.Time, excludeDepositId string) (decimal.Decimal, error) {
	var amounts []decimal.Decimal
	if err := selectAll(ctx, s.db, &amounts, queryDepositAmountsSince, userId, since.UTC(), excludeDepositId); err != nil {
		zap.L().Error("Failed to sum deposits", zap.String("user_id", userId), zap.Error(err))
		return decimal.Zero, fmt.Errorf("failed to sum deposits: %w", err)
	}
	return sum(amounts), nil
}

// SumWithdrawalsSince returns the count and total of withdrawals that passed
// validation since the given time.
func (s *Service) SumWithdrawalsSince(ctx context.Context, userId string, since time.Time, excludeWithdrawalId string) (int, decimal.Decimal, error) {
	var amounts []decimal.Decimal
	if err := selectAll(ctx, s.db, &amounts, queryWithdrawalAmountsSince, userId, since.UTC(), excludeWithdrawalId); err != nil {
		zap.L().Error("Failed to sum withdrawals", zap.String("user_id", userId), zap.Error(err))
		return 0, decimal.Zero, fmt.Errorf("failed to sum withdrawals: %w", err)
	}
	return len(amounts), sum(amounts), nil
}

func (s *Service) CountOtherUsersForDestination(ctx context.Context, address, userId string) (int, error) {
	var n int
	if err := get(ctx, s.db, &n, queryCountOtherDestinationUsers, address, userId); err != nil {
		return 0, fmt.Errorf("failed to count destination users: %w", err)
	}
	return n, nil
}

// LastConfirmedDepositAt returns nil when the user never had a deposit confirmed.
func (s *Service) LastConfirmedDepositAt(ctx context.Context, userId string) (*time.Time, error) {
	var confirmedAt sql.NullTime
	err := get(ctx, s.db, &confirmedAt, queryLastConfirmedDeposit, userId)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last confirmed deposit: %w", err)
	}
	if !confirmedAt.Valid {
		return nil, nil
	}
	return &confirmedAt.Time, nil
}

// RecentWithdrawalTimes lists creation times of the user's latest withdrawals, newest first.
func (s *Service) RecentWithdrawalTimes(ctx context.Context, userId, excludeWithdrawalId string, limit int) ([]time.Time, error) {
	var times []time.Time
	if err := selectAll(ctx, s.db, &times, queryRecentWithdrawalTimes, userId, excludeWithdrawalId, limit); err != nil {
		return nil, fmt.Errorf("failed to list recent withdrawals: %w", err)
	}
	return times, nil
}

func sum(amounts []decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, amount := range amounts {
		total = total.Add(amount)
	}
	return total
}
