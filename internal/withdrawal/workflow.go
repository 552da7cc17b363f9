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

package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"settlement-engine-go/internal/chain"
	"settlement-engine-go/internal/metrics"
	"settlement-engine-go/internal/models"
	"settlement-engine-go/internal/risk"
	"settlement-engine-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Store is what the workflow needs from the ledger store.
type Store interface {
	store.WithdrawalStore
	GetUserById(ctx context.Context, userId string) (*models.User, error)
	GetBalances(ctx context.Context, userId string) (*models.Balances, error)
	RecordAuditEvent(ctx context.Context, event *models.AuditEvent) error
}

type RiskGate interface {
	CheckWithdrawal(ctx context.Context, check risk.WithdrawalCheck) (*risk.Decision, error)
}

// CreateRequest is a user's payout request.
type CreateRequest struct {
	UserId            string
	Amount            decimal.Decimal
	Destination       string
	Source            models.WithdrawalSource
	TwoFactorVerified bool
}

// Workflow runs withdrawals through validation, approval quorum and
// dispatch. Funds are only debited around a dispatch call and are restored
// by reversal when the dispatch fails before a transfer could have left.
type Workflow struct {
	store      Store
	gate       RiskGate
	dispatcher chain.Dispatcher
	cfg        models.WithdrawalConfig
	now        func() time.Time
}

func NewWorkflow(s Store, gate RiskGate, dispatcher chain.Dispatcher, cfg models.WithdrawalConfig) *Workflow {
	return &Workflow{
		store:      s,
		gate:       gate,
		dispatcher: dispatcher,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Fee returns the fee charged on amount, truncated to ledger scale.
func (w *Workflow) Fee(amount decimal.Decimal) decimal.Decimal {
	return models.Truncate(amount.Mul(w.cfg.FeePercent)).Add(w.cfg.FlatFee)
}

// Create validates a request and records it. Malformed requests are rejected
// before any row exists. Once recorded, a request that fails the lock,
// two-factor, balance or risk checks stays pending and the rejection is
// returned with it.
func (w *Workflow) Create(ctx context.Context, req CreateRequest) (*models.Withdrawal, error) {
	if !models.ValidAmount(req.Amount) {
		return nil, store.Reject(store.ErrInvalidAmount, "invalid withdrawal amount %s", req.Amount.String())
	}
	if req.Amount.LessThan(w.cfg.MinAmount) {
		return nil, store.Reject(store.ErrInvalidAmount, "withdrawal %s is below the minimum %s", req.Amount.String(), w.cfg.MinAmount.String())
	}
	if !req.Source.Valid() {
		return nil, store.Reject(store.ErrInvalidAmount, "unknown withdrawal source %q", req.Source)
	}
	req.Destination = strings.TrimSpace(req.Destination)
	if req.Destination == "" {
		return nil, store.Reject(store.ErrInvalidAmount, "withdrawal has no destination address")
	}

	fee := w.Fee(req.Amount)
	if !req.Amount.Sub(fee).IsPositive() {
		return nil, store.Reject(store.ErrInvalidAmount, "fee %s consumes the whole withdrawal %s", fee.String(), req.Amount.String())
	}

	user, err := w.store.GetUserById(ctx, req.UserId)
	if err != nil {
		return nil, err
	}

	withdrawal := &models.Withdrawal{
		UserId:             req.UserId,
		Amount:             req.Amount,
		Fee:                fee,
		DestinationAddress: req.Destination,
		Source:             req.Source,
		Status:             models.WithdrawalPending,
		RequiredApprovals:  w.cfg.RequiredApprovals,
		TwoFactorVerified:  req.TwoFactorVerified,
	}
	if err := w.store.CreateWithdrawal(ctx, withdrawal); err != nil {
		return nil, err
	}
	metrics.Withdrawals.WithLabelValues(string(models.WithdrawalPending)).Inc()

	if err := w.validate(ctx, user, withdrawal); err != nil {
		zap.L().Warn("Withdrawal request rejected",
			zap.String("withdrawal_id", withdrawal.Id),
			zap.String("user_id", withdrawal.UserId),
			zap.String("amount", withdrawal.Amount.String()),
			zap.String("code", string(store.CodeOf(err))),
			zap.Error(err))
		return withdrawal, err
	}

	next := models.WithdrawalAwaitingApproval
	if withdrawal.RequiredApprovals <= 0 {
		next = models.WithdrawalApproved
	}
	updated, err := w.store.TransitionWithdrawal(ctx, withdrawal.Id, models.WithdrawalPending, next, "")
	if err != nil {
		return withdrawal, err
	}
	metrics.Withdrawals.WithLabelValues(string(next)).Inc()

	zap.L().Info("Withdrawal request accepted",
		zap.String("withdrawal_id", updated.Id),
		zap.String("user_id", updated.UserId),
		zap.String("amount", updated.Amount.String()),
		zap.String("fee", updated.Fee.String()),
		zap.String("status", string(updated.Status)))
	return updated, nil
}

func (w *Workflow) validate(ctx context.Context, user *models.User, withdrawal *models.Withdrawal) error {
	if withdrawal.Source == models.SourceDeposit {
		if user.DepositUnlockAt == nil || w.now().Before(*user.DepositUnlockAt) {
			unlock := "no confirmed deposit"
			if user.DepositUnlockAt != nil {
				unlock = "until " + user.DepositUnlockAt.Format(time.RFC3339)
			}
			err := store.Reject(store.ErrFundsLocked, "deposit funds of user %s are locked (%s)", user.Id, unlock)
			w.audit(ctx, withdrawal, "rejected", err)
			return err
		}
	}

	if w.cfg.RequireTwoFactor && !withdrawal.TwoFactorVerified {
		err := store.Reject(store.ErrTwoFactorRequired, "withdrawal %s needs two-factor verification", withdrawal.Id)
		w.audit(ctx, withdrawal, "rejected", err)
		return err
	}

	available, err := w.Available(ctx, withdrawal.UserId, withdrawal.Source)
	if err != nil {
		return err
	}
	if withdrawal.Amount.GreaterThan(available) {
		err := store.Reject(store.ErrInsufficientFunds, "withdrawal %s exceeds available %s balance %s",
			withdrawal.Amount.String(), withdrawal.Source, available.String())
		w.audit(ctx, withdrawal, "rejected", err)
		return err
	}

	if w.gate != nil {
		_, err := w.gate.CheckWithdrawal(ctx, risk.WithdrawalCheck{
			UserId:       withdrawal.UserId,
			WithdrawalId: withdrawal.Id,
			Destination:  withdrawal.DestinationAddress,
			Amount:       withdrawal.Amount,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Available is the balance of the source buckets less every outstanding
// withdrawal drawing on any of them.
func (w *Workflow) Available(ctx context.Context, userId string, source models.WithdrawalSource) (decimal.Decimal, error) {
	balances, err := w.store.GetBalances(ctx, userId)
	if err != nil {
		return decimal.Zero, err
	}

	buckets := make(map[models.Bucket]bool)
	available := decimal.Zero
	for _, b := range source.Buckets() {
		buckets[b] = true
		available = available.Add(balances.Of(b))
	}

	outstanding, err := w.store.ListOutstandingWithdrawals(ctx, userId)
	if err != nil {
		return decimal.Zero, err
	}
	for _, o := range outstanding {
		for _, b := range o.Source.Buckets() {
			if buckets[b] {
				available = available.Sub(o.Amount)
				break
			}
		}
	}
	return available, nil
}

// Approve records one admin's approval. The quorum is crossed at most once
// however many admins approve concurrently.
func (w *Workflow) Approve(ctx context.Context, withdrawalId string, admin models.Admin) (*models.ApprovalResult, error) {
	result, err := w.store.AddWithdrawalApproval(ctx, withdrawalId, admin)
	if err != nil {
		zap.L().Warn("Withdrawal approval refused",
			zap.String("withdrawal_id", withdrawalId),
			zap.String("admin_id", admin.Id),
			zap.Error(err))
		return nil, err
	}
	if result.QuorumCrossed {
		metrics.Withdrawals.WithLabelValues(string(models.WithdrawalApproved)).Inc()
	}
	return result, nil
}

func (w *Workflow) Reject(ctx context.Context, withdrawalId string, admin models.Admin, reason string) (*models.Withdrawal, error) {
	withdrawal, err := w.store.RejectWithdrawal(ctx, withdrawalId, admin.Id, reason)
	if err != nil {
		return nil, err
	}
	metrics.Withdrawals.WithLabelValues(string(models.WithdrawalRejected)).Inc()
	return withdrawal, nil
}

// Cancel lets the owner withdraw a request before any funds are reserved.
func (w *Workflow) Cancel(ctx context.Context, withdrawalId, userId, reason string) (*models.Withdrawal, error) {
	current, err := w.store.GetWithdrawal(ctx, withdrawalId)
	if err != nil {
		return nil, err
	}
	if current.UserId != userId {
		return nil, store.Reject(store.ErrNotFound, "withdrawal %s not found", withdrawalId)
	}
	if current.Status != models.WithdrawalPending && current.Status != models.WithdrawalAwaitingApproval {
		return nil, store.Reject(store.ErrInvalidTransition, "withdrawal %s is %s and can no longer be cancelled", withdrawalId, current.Status)
	}

	cancelled, err := w.store.TransitionWithdrawal(ctx, withdrawalId, current.Status, models.WithdrawalCancelled, reason)
	if err != nil {
		return nil, err
	}
	metrics.Withdrawals.WithLabelValues(string(models.WithdrawalCancelled)).Inc()
	return cancelled, nil
}

// Process dispatches an approved withdrawal. The funds are reserved first,
// the dispatcher is called outside any store transaction, and the result
// either completes the debits or reverses them. A transient dispatch failure
// returns the withdrawal to approved for a later retry. A payout that may
// have left is held in processing for SettleProcessing. Any other failure
// fails it.
func (w *Workflow) Process(ctx context.Context, withdrawalId string) (*models.Withdrawal, error) {
	current, err := w.store.GetWithdrawal(ctx, withdrawalId)
	if err != nil {
		return nil, err
	}
	switch current.Status {
	case models.WithdrawalApproved:
	case models.WithdrawalPending, models.WithdrawalAwaitingApproval:
		return nil, store.Reject(store.ErrQuorumNotReached, "withdrawal %s has %d of %d approvals",
			withdrawalId, len(current.Approvals), current.RequiredApprovals)
	default:
		return nil, store.Reject(store.ErrInvalidTransition, "withdrawal %s is %s and cannot be processed", withdrawalId, current.Status)
	}
	if w.dispatcher == nil {
		return nil, store.Reject(store.ErrExternalDispatchFailed, "no payout dispatcher configured")
	}

	reserved, err := w.store.ReserveWithdrawal(ctx, withdrawalId)
	if err != nil {
		if errors.Is(err, store.ErrInsufficientFunds) {
			metrics.Withdrawals.WithLabelValues(string(models.WithdrawalFailed)).Inc()
		}
		return nil, err
	}
	metrics.Withdrawals.WithLabelValues(string(models.WithdrawalProcessing)).Inc()

	txHash, dispatchErr := w.dispatch(ctx, reserved)
	if dispatchErr == nil {
		completed, err := w.store.CompleteWithdrawal(ctx, withdrawalId, txHash)
		if err != nil {
			// The payout left; keep the hash so the settlement sweep can finish it.
			zap.L().Error("Dispatched withdrawal could not be completed",
				zap.String("withdrawal_id", withdrawalId),
				zap.String("tx_hash", txHash),
				zap.Error(err))
			if _, rErr := w.store.RecordWithdrawalBroadcast(ctx, withdrawalId, txHash, err.Error()); rErr != nil {
				zap.L().Error("Failed to record dispatched payout", zap.String("withdrawal_id", withdrawalId), zap.Error(rErr))
			}
			return nil, err
		}
		metrics.Withdrawals.WithLabelValues(string(models.WithdrawalCompleted)).Inc()
		return completed, nil
	}

	if chain.IsUnknownOutcome(dispatchErr) {
		return w.hold(ctx, reserved, dispatchErr)
	}

	retry := chain.IsTransient(dispatchErr)
	released, err := w.store.ReleaseWithdrawal(ctx, withdrawalId, dispatchErr.Error(), retry)
	if err != nil {
		zap.L().Error("Failed to release withdrawal reservation",
			zap.String("withdrawal_id", withdrawalId),
			zap.Error(err))
		return nil, fmt.Errorf("release after dispatch failure: %w", err)
	}
	metrics.Withdrawals.WithLabelValues(string(released.Status)).Inc()

	return released, store.Wrap(store.ErrExternalDispatchFailed, dispatchErr, "payout of withdrawal %s failed (retry=%t)", withdrawalId, retry)
}

func (w *Workflow) dispatch(ctx context.Context, withdrawal *models.Withdrawal) (string, error) {
	if w.cfg.DispatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.DispatchTimeout)
		defer cancel()
	}

	start := time.Now()
	txHash, err := w.dispatcher.Send(ctx, withdrawal.DestinationAddress, withdrawal.NetAmount)
	metrics.DispatchDuration.Observe(time.Since(start).Seconds())

	if err == nil && txHash == "" {
		err = errors.New("dispatcher returned no transaction hash")
	}
	if err != nil {
		// A dispatcher that ran out of time may still have sent the payout.
		if errors.Is(err, context.DeadlineExceeded) && !chain.IsTransient(err) && !chain.IsUnknownOutcome(err) {
			err = chain.UnknownOutcome("", err)
		}
		zap.L().Warn("Payout dispatch failed",
			zap.String("withdrawal_id", withdrawal.Id),
			zap.String("destination", withdrawal.DestinationAddress),
			zap.String("net_amount", withdrawal.NetAmount.String()),
			zap.Bool("transient", chain.IsTransient(err)),
			zap.Bool("unknown_outcome", chain.IsUnknownOutcome(err)),
			zap.Error(err))
		return "", err
	}

	zap.L().Info("Payout dispatched",
		zap.String("withdrawal_id", withdrawal.Id),
		zap.String("tx_hash", txHash),
		zap.String("net_amount", withdrawal.NetAmount.String()))
	return txHash, nil
}

// hold keeps a withdrawal whose payout may have left in processing, with its
// debits in place. Only SettleProcessing moves it on.
func (w *Workflow) hold(ctx context.Context, withdrawal *models.Withdrawal, dispatchErr error) (*models.Withdrawal, error) {
	txHash := chain.BroadcastHash(dispatchErr)
	held, err := w.store.RecordWithdrawalBroadcast(ctx, withdrawal.Id, txHash, dispatchErr.Error())
	if err != nil {
		zap.L().Error("Failed to record unsettled payout",
			zap.String("withdrawal_id", withdrawal.Id),
			zap.String("tx_hash", txHash),
			zap.Error(err))
		return nil, fmt.Errorf("record unsettled payout: %w", err)
	}

	w.record(ctx, held, "dispatch", "unsettled", string(store.CodeExternalDispatchFailed), fmt.Sprintf("tx_hash=%s: %v", txHash, dispatchErr))
	return held, store.Wrap(store.ErrExternalDispatchFailed, dispatchErr,
		"payout of withdrawal %s has an unknown outcome and awaits settlement", withdrawal.Id)
}

// SettleProcessing resolves held payouts by their transaction hash. Mined
// transfers complete, reverted ones fail with their debits restored. Anything
// else stays in processing. A held withdrawal is never sent again.
func (w *Workflow) SettleProcessing(ctx context.Context, limit int) (int, error) {
	tracker, ok := w.dispatcher.(chain.PayoutTracker)
	if !ok {
		return 0, nil
	}

	processing, err := w.store.ListWithdrawalsByStatus(ctx, models.WithdrawalProcessing, limit)
	if err != nil {
		return 0, err
	}

	var settled int
	for _, p := range processing {
		if p.TxHash == "" {
			zap.L().Warn("Processing withdrawal has no transaction hash, needs manual review",
				zap.String("withdrawal_id", p.Id))
			continue
		}

		status, err := tracker.TransactionStatus(ctx, p.TxHash)
		if err != nil {
			zap.L().Warn("Failed to check payout status",
				zap.String("withdrawal_id", p.Id),
				zap.String("tx_hash", p.TxHash),
				zap.Error(err))
			continue
		}

		switch status {
		case chain.TxSucceeded:
			completed, err := w.store.CompleteWithdrawal(ctx, p.Id, p.TxHash)
			if err != nil {
				zap.L().Error("Failed to complete settled withdrawal", zap.String("withdrawal_id", p.Id), zap.Error(err))
				continue
			}
			metrics.Withdrawals.WithLabelValues(string(models.WithdrawalCompleted)).Inc()
			w.record(ctx, completed, "settle", "completed", "", "tx_hash="+p.TxHash)
			settled++
		case chain.TxReverted:
			failed, err := w.store.ReleaseWithdrawal(ctx, p.Id, "payout "+p.TxHash+" reverted", false)
			if err != nil {
				zap.L().Error("Failed to release reverted withdrawal", zap.String("withdrawal_id", p.Id), zap.Error(err))
				continue
			}
			metrics.Withdrawals.WithLabelValues(string(models.WithdrawalFailed)).Inc()
			w.record(ctx, failed, "settle", "reverted", string(store.CodeExternalDispatchFailed), "tx_hash="+p.TxHash)
			settled++
		case chain.TxNotFound:
			zap.L().Warn("Held payout is unknown to the node",
				zap.String("withdrawal_id", p.Id),
				zap.String("tx_hash", p.TxHash))
		}
	}

	if len(processing) > 0 {
		zap.L().Info("Held payout sweep finished",
			zap.Int("candidates", len(processing)),
			zap.Int("settled", settled))
	}
	return settled, nil
}

// ProcessApproved dispatches up to limit approved withdrawals, oldest first.
func (w *Workflow) ProcessApproved(ctx context.Context, limit int) (int, int, error) {
	approved, err := w.store.ListWithdrawalsByStatus(ctx, models.WithdrawalApproved, limit)
	if err != nil {
		return 0, 0, err
	}

	var completed, failed int
	for _, a := range approved {
		if _, err := w.Process(ctx, a.Id); err != nil {
			failed++
			continue
		}
		completed++
	}

	if len(approved) > 0 {
		zap.L().Info("Approved withdrawal sweep finished",
			zap.Int("candidates", len(approved)),
			zap.Int("completed", completed),
			zap.Int("failed", failed))
	}
	return completed, failed, nil
}

func (w *Workflow) Get(ctx context.Context, withdrawalId string) (*models.Withdrawal, error) {
	return w.store.GetWithdrawal(ctx, withdrawalId)
}

func (w *Workflow) audit(ctx context.Context, withdrawal *models.Withdrawal, decision string, cause error) {
	w.record(ctx, withdrawal, "create", decision, string(store.CodeOf(cause)),
		fmt.Sprintf("amount=%s source=%s destination=%s: %v",
			withdrawal.Amount.String(), withdrawal.Source, withdrawal.DestinationAddress, cause))
}

func (w *Workflow) record(ctx context.Context, withdrawal *models.Withdrawal, action, decision, rule, details string) {
	event := &models.AuditEvent{
		Category: models.AuditCategoryWithdrawal,
		Action:   action,
		UserId:   withdrawal.UserId,
		EntityId: withdrawal.Id,
		Decision: decision,
		Rule:     rule,
		Details:  details,
	}
	if err := w.store.RecordAuditEvent(ctx, event); err != nil {
		zap.L().Error("Failed to audit withdrawal", zap.String("withdrawal_id", withdrawal.Id), zap.Error(err))
	}
}
