package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"settlement-engine-go/internal/models"
	"settlement-engine-go/internal/store"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func loadWithdrawal(ctx context.Context, q sqlx.ExtContext, withdrawalId string) (*models.Withdrawal, error) {
	var withdrawal models.Withdrawal
	if err := get(ctx, q, &withdrawal, queryGetWithdrawal, withdrawalId); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.Reject(store.ErrNotFound, "withdrawal %s not found", withdrawalId)
		}
		return nil, fmt.Errorf("failed to load withdrawal: %w", err)
	}
	if err := selectAll(ctx, q, &withdrawal.Approvals, queryGetApprovals, withdrawalId); err != nil {
		return nil, fmt.Errorf("failed to load approvals: %w", err)
	}
	return &withdrawal, nil
}

func (s *Service) CreateWithdrawal(ctx context.Context, withdrawal *models.Withdrawal) error {
	if withdrawal.Id == "" {
		withdrawal.Id = uuid.New().String()
	}
	ts := now()
	withdrawal.CreatedAt, withdrawal.UpdatedAt = ts, ts
	withdrawal.Version = 1
	withdrawal.NetAmount = withdrawal.Net()

	err := s.runTx(ctx, func(tx *sqlx.Tx) error {
		_, err := exec(ctx, tx, queryInsertWithdrawal,
			withdrawal.Id, withdrawal.UserId, withdrawal.Amount.String(), withdrawal.Fee.String(),
			withdrawal.NetAmount.String(), withdrawal.DestinationAddress, withdrawal.Source, withdrawal.Status,
			withdrawal.RequiredApprovals, withdrawal.TwoFactorVerified, ts, ts)
		if err != nil {
			return fmt.Errorf("failed to insert withdrawal: %w", err)
		}
		return s.enqueue(ctx, tx, models.TopicWithdrawalCreated, withdrawal.Id, withdrawal)
	})
	if err != nil {
		return err
	}

	zap.L().Info("Withdrawal recorded",
		zap.String("withdrawal_id", withdrawal.Id),
		zap.String("user_id", withdrawal.UserId),
		zap.String("amount", withdrawal.Amount.String()),
		zap.String("fee", withdrawal.Fee.String()),
		zap.String("source", string(withdrawal.Source)))
	return nil
}

func (s *Service) GetWithdrawal(ctx context.Context, withdrawalId string) (*models.Withdrawal, error) {
	return loadWithdrawal(ctx, s.db, withdrawalId)
}

func withdrawalTopic(status models.WithdrawalStatus) string {
	switch status {
	case models.WithdrawalApproved:
		return models.TopicWithdrawalApproved
	case models.WithdrawalRejected:
		return models.TopicWithdrawalRejected
	case models.WithdrawalCancelled:
		return models.TopicWithdrawalCancelled
	case models.WithdrawalCompleted:
		return models.TopicWithdrawalCompleted
	case models.WithdrawalFailed:
		return models.TopicWithdrawalFailed
	}
	return ""
}

// transitionWithdrawal is a compare-and-set on status inside tx.
func (s *Service) transitionWithdrawal(ctx context.Context, tx *sqlx.Tx, withdrawalId string, from, to models.WithdrawalStatus, reason string) (*models.Withdrawal, error) {
	if !from.CanTransitionTo(to) {
		return nil, store.Reject(store.ErrInvalidTransition, "withdrawal cannot move from %s to %s", from, to)
	}

	n, err := exec(ctx, tx, queryTransitionWithdrawal, to, reason, now(), withdrawalId, from)
	if err != nil {
		return nil, fmt.Errorf("failed to update withdrawal status: %w", err)
	}
	if n == 0 {
		current, err := loadWithdrawal(ctx, tx, withdrawalId)
		if err != nil {
			return nil, err
		}
		return nil, store.Reject(store.ErrInvalidTransition, "withdrawal %s is %s, expected %s", withdrawalId, current.Status, from)
	}

	updated, err := loadWithdrawal(ctx, tx, withdrawalId)
	if err != nil {
		return nil, err
	}
	if topic := withdrawalTopic(to); topic != "" {
		if err := s.enqueue(ctx, tx, topic, withdrawalId, updated); err != nil {
			return nil, err
		}
	}
	return updated, nil
}

func (s *Service) TransitionWithdrawal(ctx context.Context, withdrawalId string, from, to models.WithdrawalStatus, reason string) (*models.Withdrawal, error) {
	var updated *models.Withdrawal
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		updated, err = s.transitionWithdrawal(ctx, tx, withdrawalId, from, to, reason)
		return err
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("Withdrawal status changed",
		zap.String("withdrawal_id", withdrawalId),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason))
	return updated, nil
}

// RejectWithdrawal is legal only before any funds were reserved.
func (s *Service) RejectWithdrawal(ctx context.Context, withdrawalId, adminId, reason string) (*models.Withdrawal, error) {
	var updated *models.Withdrawal
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		current, err := loadWithdrawal(ctx, tx, withdrawalId)
		if err != nil {
			return err
		}
		if !current.Status.CanTransitionTo(models.WithdrawalRejected) {
			return store.Reject(store.ErrInvalidTransition, "withdrawal %s is %s and cannot be rejected", withdrawalId, current.Status)
		}

		n, err := exec(ctx, tx, queryRejectWithdrawal, reason, adminId, now(), withdrawalId, current.Status)
		if err != nil {
			return fmt.Errorf("failed to reject withdrawal: %w", err)
		}
		if n == 0 {
			return store.Reject(store.ErrConcurrentModification, "withdrawal %s changed during rejection", withdrawalId)
		}

		event := &models.AuditEvent{
			Category: models.AuditCategoryWithdrawal,
			Action:   "reject",
			UserId:   current.UserId,
			EntityId: withdrawalId,
			Decision: "rejected",
			Details:  fmt.Sprintf("admin=%s reason=%s", adminId, reason),
		}
		if err := insertAuditEvent(ctx, tx, event); err != nil {
			return err
		}

		updated, err = loadWithdrawal(ctx, tx, withdrawalId)
		if err != nil {
			return err
		}
		return s.enqueue(ctx, tx, models.TopicWithdrawalRejected, withdrawalId, updated)
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("Withdrawal rejected",
		zap.String("withdrawal_id", withdrawalId),
		zap.String("admin_id", adminId),
		zap.String("reason", reason))
	return updated, nil
}

// AddWithdrawalApproval appends one admin's approval. The version bump
// serialises concurrent approvals of the same withdrawal so the quorum is
// crossed exactly once.
func (s *Service) AddWithdrawalApproval(ctx context.Context, withdrawalId string, admin models.Admin) (*models.ApprovalResult, error) {
	result := &models.ApprovalResult{}
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		*result = models.ApprovalResult{}

		current, err := loadWithdrawal(ctx, tx, withdrawalId)
		if err != nil {
			return err
		}

		var given int
		if err := get(ctx, tx, &given, queryCountAdminApproval, withdrawalId, admin.Id); err != nil {
			return fmt.Errorf("failed to check existing approval: %w", err)
		}
		if given > 0 {
			return store.Reject(store.ErrApprovalAlreadyGiven, "admin %s already approved withdrawal %s", admin.Id, withdrawalId)
		}
		if current.Status != models.WithdrawalAwaitingApproval {
			return store.Reject(store.ErrInvalidTransition, "withdrawal %s is %s and cannot be approved", withdrawalId, current.Status)
		}

		ts := now()
		n, err := exec(ctx, tx, queryBumpWithdrawalVersion, ts, withdrawalId, current.Version)
		if err != nil {
			return fmt.Errorf("failed to lock withdrawal: %w", err)
		}
		if n == 0 {
			return store.Reject(store.ErrConcurrentModification, "withdrawal %s changed during approval", withdrawalId)
		}

		if _, err := exec(ctx, tx, queryInsertApproval, uuid.New().String(), withdrawalId, admin.Id, admin.Name, ts); err != nil {
			if isUniqueViolation(err) {
				return store.Wrap(store.ErrApprovalAlreadyGiven, err, "admin %s already approved withdrawal %s", admin.Id, withdrawalId)
			}
			return fmt.Errorf("failed to insert approval: %w", err)
		}

		if err := get(ctx, tx, &result.ApprovalCount, queryCountApprovals, withdrawalId); err != nil {
			return fmt.Errorf("failed to count approvals: %w", err)
		}

		event := &models.AuditEvent{
			Category: models.AuditCategoryWithdrawal,
			Action:   "approve",
			UserId:   current.UserId,
			EntityId: withdrawalId,
			Decision: "approved",
			Details:  fmt.Sprintf("admin=%s count=%d required=%d", admin.Id, result.ApprovalCount, current.RequiredApprovals),
		}
		if err := insertAuditEvent(ctx, tx, event); err != nil {
			return err
		}

		if result.ApprovalCount >= current.RequiredApprovals {
			result.Withdrawal, err = s.transitionWithdrawal(ctx, tx, withdrawalId,
				models.WithdrawalAwaitingApproval, models.WithdrawalApproved, "")
			if err != nil {
				return err
			}
			result.QuorumCrossed = true
			return nil
		}

		result.Withdrawal, err = loadWithdrawal(ctx, tx, withdrawalId)
		return err
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("Withdrawal approval recorded",
		zap.String("withdrawal_id", withdrawalId),
		zap.String("admin_id", admin.Id),
		zap.Int("approvals", result.ApprovalCount),
		zap.Bool("quorum_crossed", result.QuorumCrossed))
	return result, nil
}

// draw is the part of a withdrawal taken from one bucket.
type draw struct {
	bucket models.Bucket
	amount decimal.Decimal
}

// planDraws splits amount over the source buckets in draw order. Each bucket
// but the last gives what it holds; the last takes the remainder and the
// ledger rejects it if short.
func (s *Service) planDraws(ctx context.Context, tx *sqlx.Tx, withdrawal *models.Withdrawal) ([]draw, error) {
	buckets := withdrawal.Source.Buckets()
	if len(buckets) == 0 {
		return nil, store.Reject(store.ErrInvalidAmount, "unknown withdrawal source %q", withdrawal.Source)
	}

	remaining := withdrawal.Amount
	var draws []draw
	for i, bucket := range buckets {
		if !remaining.IsPositive() {
			break
		}
		take := remaining
		if i < len(buckets)-1 {
			var account models.AccountBalance
			err := get(ctx, tx, &account, queryGetAccountBalance, withdrawal.UserId, bucket)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("failed to read %s balance: %w", bucket, err)
			}
			take = decimal.Min(account.Balance, remaining)
		}
		if take.IsPositive() {
			draws = append(draws, draw{bucket: bucket, amount: take})
			remaining = remaining.Sub(take)
		}
	}
	return draws, nil
}

// ReserveWithdrawal moves an approved withdrawal to processing and debits the
// net amount and fee as processing transactions. When the balance no longer
// covers it, the withdrawal fails.
func (s *Service) ReserveWithdrawal(ctx context.Context, withdrawalId string) (*models.Withdrawal, error) {
	var reserved *models.Withdrawal
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		current, err := loadWithdrawal(ctx, tx, withdrawalId)
		if err != nil {
			return err
		}
		if current.Status != models.WithdrawalApproved {
			return store.Reject(store.ErrInvalidTransition, "withdrawal %s is %s, expected %s",
				withdrawalId, current.Status, models.WithdrawalApproved)
		}

		ts := now()
		n, err := exec(ctx, tx, queryReserveWithdrawal, ts, ts, withdrawalId)
		if err != nil {
			return fmt.Errorf("failed to reserve withdrawal: %w", err)
		}
		if n == 0 {
			return store.Reject(store.ErrConcurrentModification, "withdrawal %s changed during reservation", withdrawalId)
		}

		draws, err := s.planDraws(ctx, tx, current)
		if err != nil {
			return err
		}

		// The fee is taken first, the rest of each draw pays out as net.
		feeLeft := current.Fee
		for _, d := range draws {
			fee := decimal.Min(feeLeft, d.amount)
			feeLeft = feeLeft.Sub(fee)
			parts := []struct {
				txType models.TransactionType
				amount decimal.Decimal
			}{
				{models.TxTypeFee, fee},
				{models.TxTypeWithdrawal, d.amount.Sub(fee)},
			}
			for _, part := range parts {
				if !part.amount.IsPositive() {
					continue
				}
				_, err := s.postEntry(ctx, tx, entry{
					EntryParams: store.EntryParams{
						UserId:       current.UserId,
						Bucket:       d.bucket,
						Type:         part.txType,
						Amount:       part.amount,
						WithdrawalId: withdrawalId,
						Reference:    current.DestinationAddress,
					},
					delta:  part.amount.Neg(),
					status: models.TxStatusProcessing,
				})
				if err != nil {
					return err
				}
			}
		}

		reserved, err = loadWithdrawal(ctx, tx, withdrawalId)
		return err
	})

	if errors.Is(err, store.ErrInsufficientFunds) {
		zap.L().Warn("Withdrawal no longer covered by balance, failing it",
			zap.String("withdrawal_id", withdrawalId), zap.Error(err))
		if fErr := s.failUncoveredWithdrawal(ctx, withdrawalId, err); fErr != nil {
			zap.L().Error("Failed to mark withdrawal failed", zap.String("withdrawal_id", withdrawalId), zap.Error(fErr))
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	zap.L().Info("Withdrawal funds reserved",
		zap.String("withdrawal_id", withdrawalId),
		zap.String("amount", reserved.Amount.String()),
		zap.String("fee", reserved.Fee.String()))
	return reserved, nil
}

// failUncoveredWithdrawal fails an approved withdrawal the balance no longer
// covers and audits the refusal in the same transaction.
func (s *Service) failUncoveredWithdrawal(ctx context.Context, withdrawalId string, cause error) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		failed, err := s.transitionWithdrawal(ctx, tx, withdrawalId, models.WithdrawalApproved, models.WithdrawalFailed, cause.Error())
		if err != nil {
			return err
		}
		return insertAuditEvent(ctx, tx, &models.AuditEvent{
			Category: models.AuditCategoryWithdrawal,
			Action:   "reserve",
			UserId:   failed.UserId,
			EntityId: withdrawalId,
			Decision: "failed",
			Rule:     string(store.CodeInsufficientFunds),
			Details:  fmt.Sprintf("amount=%s fee=%s: %v", failed.Amount.String(), failed.Fee.String(), cause),
		})
	})
}

// CompleteWithdrawal finalises a dispatched withdrawal and its debits.
func (s *Service) CompleteWithdrawal(ctx context.Context, withdrawalId, txHash string) (*models.Withdrawal, error) {
	var completed *models.Withdrawal
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		ts := now()
		n, err := exec(ctx, tx, queryCompleteWithdrawal, txHash, ts, ts, withdrawalId)
		if err != nil {
			return fmt.Errorf("failed to complete withdrawal: %w", err)
		}
		if n == 0 {
			current, err := loadWithdrawal(ctx, tx, withdrawalId)
			if err != nil {
				return err
			}
			return store.Reject(store.ErrInvalidTransition, "withdrawal %s is %s, expected %s",
				withdrawalId, current.Status, models.WithdrawalProcessing)
		}

		if _, err := exec(ctx, tx, queryCompleteWithdrawalTransactions, ts, withdrawalId); err != nil {
			return fmt.Errorf("failed to complete withdrawal transactions: %w", err)
		}

		completed, err = loadWithdrawal(ctx, tx, withdrawalId)
		if err != nil {
			return err
		}
		return s.enqueue(ctx, tx, models.TopicWithdrawalCompleted, withdrawalId, completed)
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("Withdrawal completed",
		zap.String("withdrawal_id", withdrawalId),
		zap.String("tx_hash", txHash))
	return completed, nil
}

// ReleaseWithdrawal undoes a reservation with compensating credits. With retry
// the withdrawal returns to approved, otherwise it fails with reason.
func (s *Service) ReleaseWithdrawal(ctx context.Context, withdrawalId, reason string, retry bool) (*models.Withdrawal, error) {
	next := models.WithdrawalFailed
	if retry {
		next = models.WithdrawalApproved
	}

	var released *models.Withdrawal
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var debits []models.Transaction
		if err := selectAll(ctx, tx, &debits, queryGetWithdrawalTransactions, withdrawalId, models.TxStatusProcessing); err != nil {
			return fmt.Errorf("failed to load reserved debits: %w", err)
		}

		for i := range debits {
			if _, err := s.reverseEntry(ctx, tx, &debits[i], "release: "+reason); err != nil {
				return err
			}
		}

		var err error
		released, err = s.transitionWithdrawal(ctx, tx, withdrawalId, models.WithdrawalProcessing, next, reason)
		return err
	})
	if err != nil {
		return nil, err
	}

	zap.L().Warn("Withdrawal reservation released",
		zap.String("withdrawal_id", withdrawalId),
		zap.String("status", string(next)),
		zap.String("reason", reason))
	return released, nil
}

// RecordWithdrawalBroadcast notes the hash of a payout whose outcome is not
// known yet. The withdrawal and its debits stay in processing.
func (s *Service) RecordWithdrawalBroadcast(ctx context.Context, withdrawalId, txHash, reason string) (*models.Withdrawal, error) {
	var recorded *models.Withdrawal
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		n, err := exec(ctx, tx, queryRecordWithdrawalBroadcast, txHash, reason, now(), withdrawalId)
		if err != nil {
			return fmt.Errorf("failed to record broadcast: %w", err)
		}
		current, err := loadWithdrawal(ctx, tx, withdrawalId)
		if err != nil {
			return err
		}
		if n == 0 {
			return store.Reject(store.ErrInvalidTransition, "withdrawal %s is %s, expected %s",
				withdrawalId, current.Status, models.WithdrawalProcessing)
		}
		recorded = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	zap.L().Warn("Withdrawal held in processing until its payout settles",
		zap.String("withdrawal_id", withdrawalId),
		zap.String("tx_hash", txHash),
		zap.String("reason", reason))
	return recorded, nil
}

func (s *Service) ListOutstandingWithdrawals(ctx context.Context, userId string) ([]models.Withdrawal, error) {
	var withdrawals []models.Withdrawal
	if err := selectAll(ctx, s.db, &withdrawals, queryListOutstandingWithdrawals, userId); err != nil {
		return nil, fmt.Errorf("failed to list outstanding withdrawals: %w", err)
	}
	return withdrawals, nil
}

func (s *Service) ListWithdrawalsByStatus(ctx context.Context, status models.WithdrawalStatus, limit int) ([]models.Withdrawal, error) {
	var withdrawals []models.Withdrawal
	if err := selectAll(ctx, s.db, &withdrawals, queryListWithdrawalsByStatus, status, limit); err != nil {
		return nil, fmt.Errorf("failed to list withdrawals: %w", err)
	}
	return withdrawals, nil
}
