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

// Scale is the fixed number of fractional digits carried by every ledger amount.
const Scale int32 = 8

// Bucket is one of the three balance partitions held per user.
type Bucket string

const (
	BucketDeposit  Bucket = "deposit"
	BucketBonus    Bucket = "bonus"
	BucketReferral Bucket = "referral"
)

// Buckets lists every bucket in display order.
var Buckets = []Bucket{BucketDeposit, BucketBonus, BucketReferral}

func (b Bucket) Valid() bool {
	switch b {
	case BucketDeposit, BucketBonus, BucketReferral:
		return true
	}
	return false
}

// WithdrawalSource names the bucket(s) a withdrawal draws from.
// SourceMixed drains the bonus bucket first, then referral.
type WithdrawalSource string

const (
	SourceDeposit  WithdrawalSource = "deposit"
	SourceBonus    WithdrawalSource = "bonus"
	SourceReferral WithdrawalSource = "referral"
	SourceMixed    WithdrawalSource = "mixed"
)

func (s WithdrawalSource) Valid() bool {
	switch s {
	case SourceDeposit, SourceBonus, SourceReferral, SourceMixed:
		return true
	}
	return false
}

// Buckets returns the buckets drawn from, in draw order.
func (s WithdrawalSource) Buckets() []Bucket {
	switch s {
	case SourceDeposit:
		return []Bucket{BucketDeposit}
	case SourceBonus:
		return []Bucket{BucketBonus}
	case SourceReferral:
		return []Bucket{BucketReferral}
	case SourceMixed:
		return []Bucket{BucketBonus, BucketReferral}
	}
	return nil
}

type TransactionType string

const (
	TxTypeDeposit       TransactionType = "deposit"
	TxTypeWithdrawal    TransactionType = "withdrawal"
	TxTypeBonus         TransactionType = "bonus"
	TxTypeReferralBonus TransactionType = "referral_bonus"
	TxTypeFee           TransactionType = "fee"
	TxTypeAdjustment    TransactionType = "adjustment"
	TxTypeReversal      TransactionType = "reversal"
)

// Reversible reports whether Reverse may be applied to a transaction of this type.
func (t TransactionType) Reversible() bool {
	switch t {
	case TxTypeDeposit, TxTypeBonus, TxTypeReferralBonus, TxTypeAdjustment:
		return true
	}
	return false
}

type TransactionStatus string

const (
	TxStatusPending    TransactionStatus = "pending"
	TxStatusProcessing TransactionStatus = "processing"
	TxStatusCompleted  TransactionStatus = "completed"
	TxStatusFailed     TransactionStatus = "failed"
	TxStatusCancelled  TransactionStatus = "cancelled"
	TxStatusReversed   TransactionStatus = "reversed"
)

// ValidAmount reports whether d is a positive amount representable at ledger scale.
func ValidAmount(d decimal.Decimal) bool {
	return d.IsPositive() && d.Equal(d.Truncate(Scale))
}

// Truncate rounds d toward zero to ledger scale.
func Truncate(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(Scale)
}
