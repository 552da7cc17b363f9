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

type DepositStatus string

const (
	DepositPending    DepositStatus = "pending"
	DepositConfirming DepositStatus = "confirming"
	DepositConfirmed  DepositStatus = "confirmed"
	DepositFailed     DepositStatus = "failed"
	DepositCancelled  DepositStatus = "cancelled"
	DepositExpired    DepositStatus = "expired"
)

type WithdrawalStatus string

const (
	WithdrawalPending          WithdrawalStatus = "pending"
	WithdrawalAwaitingApproval WithdrawalStatus = "awaiting_approval"
	WithdrawalApproved         WithdrawalStatus = "approved"
	WithdrawalProcessing       WithdrawalStatus = "processing"
	WithdrawalCompleted        WithdrawalStatus = "completed"
	WithdrawalRejected         WithdrawalStatus = "rejected"
	WithdrawalFailed           WithdrawalStatus = "failed"
	WithdrawalCancelled        WithdrawalStatus = "cancelled"
)

type BonusStatus string

const (
	BonusPending     BonusStatus = "pending"
	BonusCalculated  BonusStatus = "calculated"
	BonusDistributed BonusStatus = "distributed"
	BonusFailed      BonusStatus = "failed"
	BonusCancelled   BonusStatus = "cancelled"
)

type BonusType string

const (
	BonusTypeDaily       BonusType = "daily"
	BonusTypeReferral    BonusType = "referral"
	BonusTypeSpecial     BonusType = "special"
	BonusTypeAchievement BonusType = "achievement"
	BonusTypePromotional BonusType = "promotional"
)

// Manual reports whether the type is granted by an admin rather than computed.
func (t BonusType) Manual() bool {
	switch t {
	case BonusTypeSpecial, BonusTypeAchievement, BonusTypePromotional:
		return true
	}
	return false
}

// The tables below are the only legal status changes. Every status write in the
// store is checked against them.

var depositTransitions = map[DepositStatus][]DepositStatus{
	DepositPending:    {DepositConfirming, DepositFailed, DepositCancelled, DepositExpired},
	DepositConfirming: {DepositConfirmed, DepositFailed},
}

var withdrawalTransitions = map[WithdrawalStatus][]WithdrawalStatus{
	WithdrawalPending:          {WithdrawalAwaitingApproval, WithdrawalApproved, WithdrawalRejected, WithdrawalCancelled},
	WithdrawalAwaitingApproval: {WithdrawalApproved, WithdrawalRejected, WithdrawalCancelled},
	WithdrawalApproved:         {WithdrawalProcessing, WithdrawalFailed},
	// processing -> approved releases the reservation after a transient dispatch failure
	WithdrawalProcessing: {WithdrawalCompleted, WithdrawalFailed, WithdrawalApproved},
}

var bonusTransitions = map[BonusStatus][]BonusStatus{
	BonusPending:    {BonusCalculated, BonusCancelled},
	BonusCalculated: {BonusDistributed, BonusFailed, BonusCancelled},
	BonusFailed:     {BonusDistributed, BonusCancelled},
}

var transactionTransitions = map[TransactionStatus][]TransactionStatus{
	TxStatusPending:    {TxStatusProcessing, TxStatusCompleted, TxStatusFailed, TxStatusCancelled},
	TxStatusProcessing: {TxStatusCompleted, TxStatusReversed, TxStatusFailed},
	TxStatusCompleted:  {TxStatusReversed},
}

func allowed[S comparable](table map[S][]S, from, to S) bool {
	for _, next := range table[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s DepositStatus) CanTransitionTo(next DepositStatus) bool {
	return allowed(depositTransitions, s, next)
}

func (s DepositStatus) Terminal() bool {
	return len(depositTransitions[s]) == 0
}

func (s WithdrawalStatus) CanTransitionTo(next WithdrawalStatus) bool {
	return allowed(withdrawalTransitions, s, next)
}

func (s WithdrawalStatus) Terminal() bool {
	return len(withdrawalTransitions[s]) == 0
}

// Outstanding reports whether a validated withdrawal still commits funds that
// have not left the ledger. Pending rows never passed validation.
func (s WithdrawalStatus) Outstanding() bool {
	switch s {
	case WithdrawalAwaitingApproval, WithdrawalApproved:
		return true
	}
	return false
}

func (s BonusStatus) CanTransitionTo(next BonusStatus) bool {
	return allowed(bonusTransitions, s, next)
}

func (s TransactionStatus) CanTransitionTo(next TransactionStatus) bool {
	return allowed(transactionTransitions, s, next)
}
