package risk

import (
	"context"
	"time"

	"settlement-engine-go/internal/store"

	"github.com/shopspring/decimal"
)

// VelocityTracker answers how much a user moved over a recent window.
// Record calls are made only for mutations the gate allowed.
type VelocityTracker interface {
	DepositTotalSince(ctx context.Context, userId string, since time.Time, excludeDepositId string) (decimal.Decimal, error)
	WithdrawalsSince(ctx context.Context, userId string, since time.Time, excludeWithdrawalId string) (int, decimal.Decimal, error)
	RecordDeposit(ctx context.Context, userId string, amount decimal.Decimal, at time.Time) error
	RecordWithdrawal(ctx context.Context, userId string, amount decimal.Decimal, at time.Time) error
}

// SQLVelocity derives velocity from the deposit and withdrawal tables.
// The rows themselves are the record, so Record calls are no-ops.
type SQLVelocity struct {
	store store.RiskStore
}

func NewSQLVelocity(s store.RiskStore) *SQLVelocity {
	return &SQLVelocity{store: s}
}

func (v *SQLVelocity) DepositTotalSince(ctx context.Context, userId string, since time.Time, excludeDepositId string) (decimal.Decimal, error) {
	return v.store.SumDepositsSince(ctx, userId, since, excludeDepositId)
}

func (v *SQLVelocity) WithdrawalsSince(ctx context.Context, userId string, since time.Time, excludeWithdrawalId string) (int, decimal.Decimal, error) {
	return v.store.SumWithdrawalsSince(ctx, userId, since, excludeWithdrawalId)
}

func (v *SQLVelocity) RecordDeposit(context.Context, string, decimal.Decimal, time.Time) error {
	return nil
}

func (v *SQLVelocity) RecordWithdrawal(context.Context, string, decimal.Decimal, time.Time) error {
	return nil
}
