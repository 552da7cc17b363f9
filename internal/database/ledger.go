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

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"settlement-engine-go/internal/metrics"
	"settlement-engine-go/internal/models"
	"settlement-engine-go/internal/store"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const maxTxAttempts = 3

// entry is a ledger mutation with its signed delta already decided.
type entry struct {
	store.EntryParams
	delta      decimal.Decimal
	status     models.TransactionStatus
	reversalOf string
}

// violation is raised when a stored balance disagrees with its transaction log.
type violation struct {
	userId  string
	bucket  models.Bucket
	stored  decimal.Decimal
	derived decimal.Decimal
	err     error
}

func newViolation(userId string, bucket models.Bucket, stored, derived decimal.Decimal, source string) *violation {
	return &violation{
		userId:  userId,
		bucket:  bucket,
		stored:  stored,
		derived: derived,
		err: store.Reject(store.ErrInvariantViolation, "%s: user %s bucket %s stored=%s derived=%s",
			source, userId, bucket, stored.String(), derived.String()),
	}
}

func (v *violation) Error() string { return v.err.Error() }
func (v *violation) Unwrap() error { return v.err }

func get(ctx context.Context, q sqlx.ExtContext, dest any, query string, args ...any) error {
	return sqlx.GetContext(ctx, q, dest, q.Rebind(query), args...)
}

func selectAll(ctx context.Context, q sqlx.ExtContext, dest any, query string, args ...any) error {
	return sqlx.SelectContext(ctx, q, dest, q.Rebind(query), args...)
}

func exec(ctx context.Context, q sqlx.ExtContext, query string, args ...any) (int64, error) {
	result, err := q.ExecContext(ctx, q.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// withTx runs fn in one SQL transaction, retrying lost version races.
// A detected invariant violation halts the user after the rollback.
func (s *Service) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return s.withTxOptions(ctx, nil, fn)
}

func (s *Service) withTxOptions(ctx context.Context, opts *sql.TxOptions, fn func(tx *sqlx.Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = s.runTxOptions(ctx, opts, fn)
		if !errors.Is(err, store.ErrConcurrentModification) {
			break
		}
		zap.L().Warn("Retrying after concurrent modification", zap.Int("attempt", attempt), zap.Error(err))
	}

	var v *violation
	if errors.As(err, &v) {
		s.haltUser(ctx, v)
	}
	return err
}

func (s *Service) runTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return s.runTxOptions(ctx, nil, fn)
}

func (s *Service) runTxOptions(ctx context.Context, opts *sql.TxOptions, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				zap.L().Warn("Failed to roll back transaction", zap.Error(rbErr))
			}
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// snapshotTxOptions makes every statement in a Postgres transaction read the
// same snapshot. SQLite transactions here take the write lock on BEGIN.
func (s *Service) snapshotTxOptions() *sql.TxOptions {
	if s.db.DriverName() == DriverPostgres {
		return &sql.TxOptions{Isolation: sql.LevelRepeatableRead}
	}
	return nil
}

// Credit adds a positive amount to a bucket.
func (s *Service) Credit(ctx context.Context, params store.EntryParams) (*models.Transaction, error) {
	return s.post(ctx, params, false)
}

// Debit removes a positive amount from a bucket, failing with
// ErrInsufficientFunds when the result would be negative.
func (s *Service) Debit(ctx context.Context, params store.EntryParams) (*models.Transaction, error) {
	return s.post(ctx, params, true)
}

func (s *Service) post(ctx context.Context, params store.EntryParams, debit bool) (*models.Transaction, error) {
	if err := validateEntry(params); err != nil {
		metrics.LedgerRejections.WithLabelValues(string(store.CodeOf(err))).Inc()
		return nil, err
	}

	delta := params.Amount
	if debit {
		delta = delta.Neg()
	}

	var txn *models.Transaction
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		txn, err = s.postEntry(ctx, tx, entry{EntryParams: params, delta: delta, status: models.TxStatusCompleted})
		if err != nil {
			return err
		}
		return s.enqueue(ctx, tx, topicForEntry(params.Type), txn.Id, txn)
	})
	if err != nil {
		metrics.LedgerRejections.WithLabelValues(string(store.CodeOf(err))).Inc()
		zap.L().Warn("Ledger mutation rejected",
			zap.String("user_id", params.UserId),
			zap.String("bucket", string(params.Bucket)),
			zap.String("type", string(params.Type)),
			zap.String("amount", params.Amount.String()),
			zap.Error(err))
		if errors.Is(err, store.ErrInsufficientFunds) {
			s.auditInsufficientFunds(ctx, string(params.Type), params.UserId, string(params.Bucket),
				fmt.Sprintf("amount=%s reference=%s: %v", params.Amount.String(), params.Reference, err))
		}
		return nil, err
	}

	metrics.LedgerEntries.WithLabelValues(string(txn.Type), string(txn.Bucket)).Inc()
	return txn, nil
}

func validateEntry(params store.EntryParams) error {
	if params.UserId == "" {
		return store.Reject(store.ErrNotFound, "user id is required")
	}
	if !params.Bucket.Valid() {
		return store.Reject(store.ErrInvalidAmount, "unknown bucket %q", params.Bucket)
	}
	if !models.ValidAmount(params.Amount) {
		return store.Reject(store.ErrInvalidAmount, "amount %s must be positive with at most %d decimal places",
			params.Amount.String(), models.Scale)
	}
	return nil
}

// Reverse posts an offsetting transaction for a completed, reversible entry
// and flags the original as reversed.
func (s *Service) Reverse(ctx context.Context, transactionId, reason string) (*models.Transaction, error) {
	var reversal *models.Transaction
	var owner string
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var original models.Transaction
		if err := get(ctx, tx, &original, queryGetTransaction, transactionId); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.Reject(store.ErrNotFound, "transaction %s not found", transactionId)
			}
			return fmt.Errorf("failed to load transaction: %w", err)
		}
		owner = original.UserId

		if original.IsReversed || original.Status != models.TxStatusCompleted || !original.Type.Reversible() {
			return store.Reject(store.ErrInvalidTransition, "transaction %s (%s, %s) cannot be reversed",
				original.Id, original.Type, original.Status)
		}

		var err error
		reversal, err = s.reverseEntry(ctx, tx, &original, reason)
		if err != nil {
			return err
		}
		return s.enqueue(ctx, tx, models.TopicTransactionReversed, original.Id, reversal)
	})
	if errors.Is(err, store.ErrInsufficientFunds) {
		s.auditInsufficientFunds(ctx, string(models.TxTypeReversal), owner, transactionId,
			fmt.Sprintf("reason=%s: %v", reason, err))
	}
	if err != nil {
		return nil, err
	}

	metrics.LedgerEntries.WithLabelValues(string(reversal.Type), string(reversal.Bucket)).Inc()
	zap.L().Info("Transaction reversed",
		zap.String("original_id", transactionId),
		zap.String("reversal_id", reversal.Id),
		zap.String("reason", reason))
	return reversal, nil
}

// reverseEntry offsets original inside tx. The caller checks eligibility.
func (s *Service) reverseEntry(ctx context.Context, tx *sqlx.Tx, original *models.Transaction, reason string) (*models.Transaction, error) {
	reversal, err := s.postEntry(ctx, tx, entry{
		EntryParams: store.EntryParams{
			UserId:       original.UserId,
			Bucket:       original.Bucket,
			Type:         models.TxTypeReversal,
			Amount:       original.Amount.Abs(),
			DepositId:    original.DepositId,
			WithdrawalId: original.WithdrawalId,
			BonusId:      original.BonusId,
			Reference:    reason,
		},
		delta:      original.Amount.Neg(),
		status:     models.TxStatusCompleted,
		reversalOf: original.Id,
	})
	if err != nil {
		return nil, err
	}

	n, err := exec(ctx, tx, queryMarkTransactionReversed, original.Id, original.Status)
	if err != nil {
		return nil, fmt.Errorf("failed to flag reversed transaction: %w", err)
	}
	if n == 0 {
		return nil, store.Reject(store.ErrConcurrentModification, "transaction %s changed during reversal", original.Id)
	}
	return reversal, nil
}

// AdjustBalance applies a signed manual correction.
func (s *Service) AdjustBalance(ctx context.Context, userId string, bucket models.Bucket, delta decimal.Decimal, reference string) (*models.Transaction, error) {
	params := store.EntryParams{
		UserId:    userId,
		Bucket:    bucket,
		Type:      models.TxTypeAdjustment,
		Amount:    delta.Abs(),
		Reference: reference,
	}
	return s.post(ctx, params, delta.IsNegative())
}

// postEntry is the single place balances change. It must run inside tx.
func (s *Service) postEntry(ctx context.Context, tx *sqlx.Tx, e entry) (*models.Transaction, error) {
	var user struct {
		Id     string `db:"id"`
		Halted bool   `db:"halted"`
	}
	if err := get(ctx, tx, &user, queryLockUser, e.UserId); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.Reject(store.ErrNotFound, "user %s not found", e.UserId)
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if user.Halted {
		return nil, store.Reject(store.ErrUserHalted, "user %s is halted pending reconciliation", e.UserId)
	}

	account, err := s.lockAccount(ctx, tx, e.UserId, e.Bucket)
	if err != nil {
		return nil, err
	}

	newBalance := account.Balance.Add(e.delta)
	if newBalance.IsNegative() {
		return nil, store.Reject(store.ErrInsufficientFunds, "%s balance %s is less than %s",
			e.Bucket, account.Balance.String(), e.delta.Abs().String())
	}

	ts := now()
	txn := &models.Transaction{
		Id:            uuid.New().String(),
		UserId:        e.UserId,
		Bucket:        e.Bucket,
		Type:          e.Type,
		Amount:        e.delta,
		BalanceBefore: account.Balance,
		BalanceAfter:  newBalance,
		Status:        e.status,
		DepositId:     e.DepositId,
		WithdrawalId:  e.WithdrawalId,
		BonusId:       e.BonusId,
		ReversalOf:    e.reversalOf,
		Reference:     e.Reference,
		CreatedAt:     ts,
	}
	if e.status == models.TxStatusCompleted {
		txn.CompletedAt = &ts
	}

	_, err = exec(ctx, tx, queryInsertTransaction,
		txn.Id, txn.UserId, txn.Bucket, txn.Type, txn.Amount.String(),
		txn.BalanceBefore.String(), txn.BalanceAfter.String(), txn.Status,
		txn.DepositId, txn.WithdrawalId, txn.BonusId, txn.ReversalOf, txn.Reference,
		txn.CreatedAt, txn.CompletedAt)
	if err != nil {
		return nil, insertError(e, err)
	}

	n, err := exec(ctx, tx, queryUpdateAccountBalance,
		newBalance.String(), txn.Id, ts, e.UserId, e.Bucket, account.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}
	if n == 0 {
		return nil, store.Reject(store.ErrConcurrentModification, "balance %s/%s changed during update", e.UserId, e.Bucket)
	}

	if err := addJournalEntries(ctx, tx, txn); err != nil {
		return nil, fmt.Errorf("failed to add journal entries: %w", err)
	}

	zap.L().Info("Transaction processed successfully",
		zap.String("transaction_id", txn.Id),
		zap.String("user_id", e.UserId),
		zap.String("bucket", string(e.Bucket)),
		zap.String("type", string(e.Type)),
		zap.String("old_balance", account.Balance.String()),
		zap.String("new_balance", newBalance.String()))

	return txn, nil
}

// lockAccount loads the balance row, creating it on first use, and checks it
// against the balance_after of the last transaction that wrote it.
func (s *Service) lockAccount(ctx context.Context, tx *sqlx.Tx, userId string, bucket models.Bucket) (*models.AccountBalance, error) {
	if _, err := exec(ctx, tx, queryEnsureAccountBalance, uuid.New().String(), userId, bucket, now()); err != nil {
		return nil, fmt.Errorf("failed to create account balance: %w", err)
	}

	var account models.AccountBalance
	if err := get(ctx, tx, &account, queryGetAccountBalance, userId, bucket); err != nil {
		return nil, fmt.Errorf("failed to get current balance: %w", err)
	}

	expected := decimal.Zero
	if account.LastTransactionId != "" {
		if err := get(ctx, tx, &expected, queryGetBalanceAfter, account.LastTransactionId); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, newViolation(userId, bucket, account.Balance, decimal.Zero, "last transaction missing")
			}
			return nil, fmt.Errorf("failed to load last transaction: %w", err)
		}
	}
	if !account.Balance.Equal(expected) {
		return nil, newViolation(userId, bucket, account.Balance, expected, "balance does not match last transaction")
	}

	return &account, nil
}

// insertError maps a hit on one of the idempotency indexes to ErrDuplicateTransaction.
func insertError(e entry, cause error) error {
	if isUniqueViolation(cause) {
		return store.Wrap(store.ErrDuplicateTransaction, cause,
			"%s transaction already recorded for user %s", e.Type, e.UserId)
	}
	return fmt.Errorf("failed to insert transaction: %w", cause)
}

func topicForEntry(t models.TransactionType) string {
	switch t {
	case models.TxTypeReversal:
		return models.TopicTransactionReversed
	default:
		return "ledger." + string(t)
	}
}

// auditInsufficientFunds records a refused mutation after its transaction
// has rolled back.
func (s *Service) auditInsufficientFunds(ctx context.Context, action, userId, entityId, details string) {
	// RecordAuditEvent logs its own failure.
	_ = s.RecordAuditEvent(ctx, &models.AuditEvent{
		Category: models.AuditCategoryLedger,
		Action:   action,
		UserId:   userId,
		EntityId: entityId,
		Decision: "rejected",
		Rule:     string(store.CodeInsufficientFunds),
		Details:  details,
	})
}

// haltUser stops further mutations for the user and alerts operators.
// It runs outside the failed transaction.
func (s *Service) haltUser(ctx context.Context, v *violation) {
	metrics.InvariantViolations.Inc()
	zap.L().Error("Balance invariant violated, halting user",
		zap.String("user_id", v.userId),
		zap.String("bucket", string(v.bucket)),
		zap.String("stored_balance", v.stored.String()),
		zap.String("derived_balance", v.derived.String()),
		zap.Error(v.err))

	err := s.runTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := exec(ctx, tx, queryHaltUser, v.err.Error(), now(), v.userId); err != nil {
			return fmt.Errorf("failed to halt user: %w", err)
		}
		event := &models.AuditEvent{
			Category: models.AuditCategoryLedger,
			Action:   "invariant_violation",
			UserId:   v.userId,
			EntityId: string(v.bucket),
			Decision: "halt",
			Details:  v.err.Error(),
		}
		if err := insertAuditEvent(ctx, tx, event); err != nil {
			return err
		}
		return s.enqueue(ctx, tx, models.TopicInvariantViolation, v.userId, map[string]string{
			"user_id":         v.userId,
			"bucket":          string(v.bucket),
			"stored_balance":  v.stored.String(),
			"derived_balance": v.derived.String(),
		})
	})
	if err != nil {
		zap.L().Error("Failed to record user halt", zap.String("user_id", v.userId), zap.Error(err))
	}
}
