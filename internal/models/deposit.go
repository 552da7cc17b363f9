package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Deposit is one observed on-chain inflow
type Deposit struct {
	Id                    string          `db:"id"`
	UserId                string          `db:"user_id"`
	Amount                decimal.Decimal `db:"amount"`
	Currency              string          `db:"currency"`
	Network               string          `db:"network"`
	TxHash                string          `db:"tx_hash"`
	FromAddress           string          `db:"from_address"`
	ToAddress             string          `db:"to_address"`
	Status                DepositStatus   `db:"status"`
	Confirmations         int             `db:"confirmations"`
	RequiredConfirmations int             `db:"required_confirmations"`
	BlockNumber           int64           `db:"block_number"`
	BlockTime             *time.Time      `db:"block_time"`
	ExpiresAt             time.Time       `db:"expires_at"`
	ConfirmedAt           *time.Time      `db:"confirmed_at"`
	BonusProcessed        bool            `db:"bonus_processed"`
	ReferralProcessed     bool            `db:"referral_processed"`
	FailureReason         string          `db:"failure_reason"`
	CreatedAt             time.Time       `db:"created_at"`
	UpdatedAt             time.Time       `db:"updated_at"`
}

// ConfirmationReached reports whether the required depth has been observed.
func (d *Deposit) ConfirmationReached() bool {
	return d.Confirmations >= d.RequiredConfirmations
}

// PostProcessed reports whether the one-time bonus/referral step has run.
func (d *Deposit) PostProcessed() bool {
	return d.BonusProcessed && d.ReferralProcessed
}

// DepositConfirmation is the outcome of crediting a confirmed deposit
type DepositConfirmation struct {
	Deposit      *Deposit
	Transaction  *Transaction
	FirstDeposit bool
	// AlreadyCredited is set when a prior call performed the credit.
	AlreadyCredited bool
}
