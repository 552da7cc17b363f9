package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Withdrawal is one payout request
type Withdrawal struct {
	Id                 string           `db:"id"`
	UserId             string           `db:"user_id"`
	Amount             decimal.Decimal  `db:"amount"`
	Fee                decimal.Decimal  `db:"fee"`
	NetAmount          decimal.Decimal  `db:"net_amount"`
	DestinationAddress string           `db:"destination_address"`
	Source             WithdrawalSource `db:"source"`
	Status             WithdrawalStatus `db:"status"`
	RequiredApprovals  int              `db:"required_approvals"`
	TwoFactorVerified  bool             `db:"two_factor_verified"`
	TxHash             string           `db:"tx_hash"`
	FailureReason      string           `db:"failure_reason"`
	RejectionReason    string           `db:"rejection_reason"`
	RejectedBy         string           `db:"rejected_by"`
	Version            int64            `db:"version"`
	CreatedAt          time.Time        `db:"created_at"`
	UpdatedAt          time.Time        `db:"updated_at"`
	ProcessedAt        *time.Time       `db:"processed_at"`
	CompletedAt        *time.Time       `db:"completed_at"`

	Approvals []WithdrawalApproval `db:"-"`
}

// Net recomputes amount minus fee.
func (w *Withdrawal) Net() decimal.Decimal {
	return w.Amount.Sub(w.Fee)
}

// WithdrawalApproval is one admin's sign-off, append-only
type WithdrawalApproval struct {
	Id           string    `db:"id"`
	WithdrawalId string    `db:"withdrawal_id"`
	AdminId      string    `db:"admin_id"`
	AdminName    string    `db:"admin_name"`
	CreatedAt    time.Time `db:"created_at"`
}

// Admin identifies an approver. Only used for attribution.
type Admin struct {
	Id   string
	Name string
}

// ApprovalResult reports the state after an approval was recorded
type ApprovalResult struct {
	Withdrawal    *Withdrawal
	ApprovalCount int
	QuorumCrossed bool
}
