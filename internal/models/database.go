package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// User represents a platform account holder
type User struct {
	Id              string     `db:"id"`
	Name            string     `db:"name"`
	Email           string     `db:"email"`
	ReferrerId      string     `db:"referrer_id"`
	Active          bool       `db:"active"`
	Flagged         bool       `db:"flagged"`
	FlagReason      string     `db:"flag_reason"`
	RiskScore       int        `db:"risk_score"`
	Halted          bool       `db:"halted"`
	HaltReason      string     `db:"halt_reason"`
	FirstDepositAt  *time.Time `db:"first_deposit_at"`
	DepositUnlockAt *time.Time `db:"deposit_unlock_at"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
}

// Address represents a user's deposit address on a monitored network
type Address struct {
	Id        string    `db:"id"`
	UserId    string    `db:"user_id"`
	Currency  string    `db:"currency"`
	Network   string    `db:"network"`
	Address   string    `db:"address"`
	CreatedAt time.Time `db:"created_at"`
}

// AccountBalance represents current balance state (hot data)
type AccountBalance struct {
	Id                string          `db:"id"`
	UserId            string          `db:"user_id"`
	Bucket            Bucket          `db:"bucket"`
	Balance           decimal.Decimal `db:"balance"`
	LastTransactionId string          `db:"last_transaction_id"`
	Version           int64           `db:"version"`
	UpdatedAt         time.Time       `db:"updated_at"`
}

// Balances is a user's position across all buckets
type Balances struct {
	UserId   string          `json:"user_id"`
	Deposit  decimal.Decimal `json:"deposit"`
	Bonus    decimal.Decimal `json:"bonus"`
	Referral decimal.Decimal `json:"referral"`
}

func (b Balances) Of(bucket Bucket) decimal.Decimal {
	switch bucket {
	case BucketDeposit:
		return b.Deposit
	case BucketBonus:
		return b.Bonus
	case BucketReferral:
		return b.Referral
	}
	return decimal.Zero
}

func (b Balances) Total() decimal.Decimal {
	return b.Deposit.Add(b.Bonus).Add(b.Referral)
}

// Transaction represents an immutable ledger entry (cold data).
// Amount, BalanceBefore and BalanceAfter never change after insert.
type Transaction struct {
	Id            string            `db:"id"`
	UserId        string            `db:"user_id"`
	Bucket        Bucket            `db:"bucket"`
	Type          TransactionType   `db:"transaction_type"`
	Amount        decimal.Decimal   `db:"amount"`
	BalanceBefore decimal.Decimal   `db:"balance_before"`
	BalanceAfter  decimal.Decimal   `db:"balance_after"`
	Status        TransactionStatus `db:"status"`
	DepositId     string            `db:"deposit_id"`
	WithdrawalId  string            `db:"withdrawal_id"`
	BonusId       string            `db:"bonus_id"`
	ReversalOf    string            `db:"reversal_of"`
	IsReversed    bool              `db:"is_reversed"`
	Reference     string            `db:"reference"`
	CreatedAt     time.Time         `db:"created_at"`
	CompletedAt   *time.Time        `db:"completed_at"`
}

// TransactionFilter narrows a history query. Zero values mean no filter.
type TransactionFilter struct {
	Bucket Bucket
	Type   TransactionType
	Status TransactionStatus
	Since  *time.Time
	Until  *time.Time
	Limit  int
	Offset int
}
