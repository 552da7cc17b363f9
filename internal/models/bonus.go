package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// BonusDateLayout formats the distribution date a daily bonus belongs to.
const BonusDateLayout = "2006-01-02"

// Bonus is one distribution event for one recipient
type Bonus struct {
	Id                   string          `db:"id"`
	UserId               string          `db:"user_id"`
	Type                 BonusType       `db:"bonus_type"`
	Status               BonusStatus     `db:"status"`
	Amount               decimal.Decimal `db:"amount"`
	DepositSnapshot      decimal.Decimal `db:"deposit_snapshot"`
	PoolSnapshot         decimal.Decimal `db:"pool_snapshot"`
	Percentage           decimal.Decimal `db:"percentage"`
	ReferralSourceUserId string          `db:"referral_source_user_id"`
	ReferralLevel        int             `db:"referral_level"`
	DepositId            string          `db:"deposit_id"`
	BatchId              string          `db:"batch_id"`
	BonusDate            string          `db:"bonus_date"`
	TransactionId        string          `db:"transaction_id"`
	FailureReason        string          `db:"failure_reason"`
	Reference            string          `db:"reference"`
	CreatedAt            time.Time       `db:"created_at"`
	DistributedAt        *time.Time      `db:"distributed_at"`
}

// Bucket is the balance partition the bonus is paid into.
func (b *Bonus) Bucket() Bucket {
	if b.Type == BonusTypeReferral {
		return BucketReferral
	}
	return BucketBonus
}

// TransactionType is the ledger type of the paying transaction.
func (b *Bonus) TransactionType() TransactionType {
	if b.Type == BonusTypeReferral {
		return TxTypeReferralBonus
	}
	return TxTypeBonus
}

// BonusBatch groups one day's daily-bonus run
type BonusBatch struct {
	Id                  string          `db:"id"`
	BonusDate           string          `db:"bonus_date"`
	Profit              decimal.Decimal `db:"profit"`
	DistributionPercent decimal.Decimal `db:"distribution_percent"`
	Pool                decimal.Decimal `db:"pool"`
	TotalEligible       decimal.Decimal `db:"total_eligible"`
	Allocated           decimal.Decimal `db:"allocated"`
	Distributed         decimal.Decimal `db:"distributed"`
	Recipients          int             `db:"recipients"`
	FailedCount         int             `db:"failed_count"`
	Status              string          `db:"status"`
	CreatedAt           time.Time       `db:"created_at"`
	CompletedAt         *time.Time      `db:"completed_at"`
}

const (
	BatchCalculated = "calculated"
	BatchCompleted  = "completed"
	BatchPartial    = "partial"
)

// Retained is the part of the pool left undistributed by rounding.
func (b *BonusBatch) Retained() decimal.Decimal {
	return b.Pool.Sub(b.Allocated)
}

// EligibleUser is a daily-bonus recipient with its deposit snapshot
type EligibleUser struct {
	UserId         string          `db:"user_id"`
	DepositBalance decimal.Decimal `db:"balance"`
}
