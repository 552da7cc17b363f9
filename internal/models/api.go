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

package models

import (
	"github.com/shopspring/decimal"
)

// Result carries the outcome shared by every exposed operation.
// Code is a stable machine-readable reason; Error is for humans.
type Result struct {
	Success bool   `json:"success"`
	Code    string `json:"code,omitempty"`
	Error   string `json:"error,omitempty"`
}

// DepositResult represents the result of a deposit operation
type DepositResult struct {
	Result
	Deposit     *Deposit        `json:"deposit,omitempty"`
	Transaction *Transaction    `json:"transaction,omitempty"`
	NewBalance  decimal.Decimal `json:"new_balance,omitempty"`
}

// WithdrawalResult represents the result of a withdrawal operation
type WithdrawalResult struct {
	Result
	Withdrawal    *Withdrawal `json:"withdrawal,omitempty"`
	ApprovalCount int         `json:"approval_count,omitempty"`
}

// BonusRunResult represents the result of a daily bonus run
type BonusRunResult struct {
	Result
	BatchId     string            `json:"batch_id,omitempty"`
	Pool        decimal.Decimal   `json:"pool"`
	Distributed decimal.Decimal   `json:"distributed"`
	Retained    decimal.Decimal   `json:"retained"`
	Paid        int               `json:"paid"`
	Skipped     int               `json:"skipped"`
	Failed      []FailedRecipient `json:"failed,omitempty"`
}

// FailedRecipient names a bonus that could not be paid in a run
type FailedRecipient struct {
	UserId  string          `json:"user_id"`
	BonusId string          `json:"bonus_id"`
	Amount  decimal.Decimal `json:"amount"`
	Reason  string          `json:"reason"`
}

// BalancesResult represents a balance query
type BalancesResult struct {
	Result
	Balances *Balances `json:"balances,omitempty"`
}

// HistoryResult represents a transaction history query
type HistoryResult struct {
	Result
	Transactions []Transaction `json:"transactions"`
}

// TransactionResult represents a single ledger mutation requested by an admin
type TransactionResult struct {
	Result
	Transaction *Transaction `json:"transaction,omitempty"`
}
