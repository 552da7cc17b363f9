package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"settlement-engine-go/internal/models"
	"settlement-engine-go/internal/store"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func loadDeposit(ctx context.Context, q sqlx.ExtContext, depositId string) (*models.Deposit, error) {
	var deposit models.Deposit
	if err := get(ctx, q, &deposit, queryGetDeposit, depositId); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.Reject(store.ErrNotFound, "deposit %s not found", depositId)
		}
		return nil, fmt.Errorf("failed to load deposit: %w", err)
	}
	return &deposit, nil
}

// CreateDeposit records a first sighting. A hash already on file is
// rejected with ErrDuplicateTransaction.
func (s *Service) CreateDeposit(ctx context.Context, deposit *models.Deposit) error {
	if deposit.Id == "" {
		deposit.Id = uuid.New().String()
	}
	ts := now()
	deposit.CreatedAt, deposit.UpdatedAt = ts, ts

	err := s.runTx(ctx, func(tx *sqlx.Tx) error {
		var existing string
		err := get(ctx, tx, &existing, `SELECT id FROM deposits WHERE LOWER(tx_hash) = LOWER(?)`, deposit.TxHash)
		if err == nil {
			return store.Reject(store.ErrDuplicateTransaction, "deposit with hash %s already exists as %s", deposit.TxHash, existing)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to check for duplicate deposit: %w", err)
		}

		_, err = exec(ctx, tx, queryInsertDeposit,
			deposit.Id, deposit.UserId, deposit.Amount.String(), deposit.Currency, deposit.Network,
			deposit.TxHash, deposit.FromAddress, deposit.ToAddress, deposit.Status,
			deposit.Confirmations, deposit.RequiredConfirmations, deposit.BlockNumber, deposit.BlockTime,
			deposit.ExpiresAt.UTC(), deposit.FailureReason, deposit.CreatedAt, deposit.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return store.Wrap(store.ErrDuplicateTransaction, err, "deposit with hash %s already exists", deposit.TxHash)
			}
			return fmt.Errorf("failed to insert deposit: %w", err)
		}

		topic := models.TopicDepositCreated
		if deposit.Status == models.DepositFailed {
			topic = models.TopicDepositFailed
		}
		return s.enqueue(ctx, tx, topic, deposit.Id, deposit)
	})
	if err != nil {
		return err
	}

	zap.L().Info("Deposit recorded",
		zap.String("deposit_id", deposit.Id),
		zap.String("user_id", deposit.UserId),
		zap.String("tx_hash", deposit.TxHash),
		zap.String("amount", deposit.Amount.String()),
		zap.String("status", string(deposit.Status)))
	return nil
}

func (s *Service) GetDeposit(ctx context.Context, depositId string) (*models.Deposit, error) {
	return loadDeposit(ctx, s.db, depositId)
}

func (s *Service) GetDepositByHash(ctx context.Context, txHash string) (*models.Deposit, error) {
	var deposit models.Deposit
	if err := get(ctx, s.db, &deposit, queryGetDepositByHash, txHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.Reject(store.ErrNotFound, "deposit with hash %s not found", txHash)
		}
		return nil, fmt.Errorf("failed to load deposit by hash: %w", err)
	}
	return &deposit, nil
}

// UpdateDepositConfirmations records a newer confirmation count. Counts never
// decrease, and the first confirmation moves a pending deposit to confirming.
// Terminal deposits are returned unchanged.
func (s *Service) UpdateDepositConfirmations(ctx context.Context, depositId string, confirmations int, blockNumber int64, blockTime *time.Time) (*models.Deposit, error) {
	var updated *models.Deposit
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		deposit, err := loadDeposit(ctx, tx, depositId)
		if err != nil {
			return err
		}
		updated = deposit
		if deposit.Status.Terminal() {
			return nil
		}
		if confirmations <= deposit.Confirmations && blockNumber == deposit.BlockNumber {
			return nil
		}

		next := deposit.Status
		if next == models.DepositPending && max(confirmations, deposit.Confirmations) > 0 {
			next = models.DepositConfirming
		}
		if blockNumber == 0 {
			blockNumber = deposit.BlockNumber
		}

		n, err := exec(ctx, tx, queryUpdateDepositConfirmations,
			max(confirmations, deposit.Confirmations), blockNumber, blockTime, next, now(), depositId, deposit.Status)
		if err != nil {
			return fmt.Errorf("failed to update confirmations: %w", err)
		}
		if n == 0 {
			return store.Reject(store.ErrConcurrentModification, "deposit %s changed during update", depositId)
		}

		updated, err = loadDeposit(ctx, tx, depositId)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// TransitionDeposit moves a deposit between two states of the transition table.
func (s *Service) TransitionDeposit(ctx context.Context, depositId string, from, to models.DepositStatus, reason string) (*models.Deposit, error) {
	if !from.CanTransitionTo(to) {
		return nil, store.Reject(store.ErrInvalidTransition, "deposit cannot move from %s to %s", from, to)
	}

	var updated *models.Deposit
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		n, err := exec(ctx, tx, queryTransitionDeposit, to, reason, now(), depositId, from)
		if err != nil {
			return fmt.Errorf("failed to update deposit status: %w", err)
		}
		if n == 0 {
			current, err := loadDeposit(ctx, tx, depositId)
			if err != nil {
				return err
			}
			return store.Reject(store.ErrInvalidTransition, "deposit %s is %s, expected %s", depositId, current.Status, from)
		}

		updated, err = loadDeposit(ctx, tx, depositId)
		if err != nil {
			return err
		}
		if topic := depositTopic(to); topic != "" {
			return s.enqueue(ctx, tx, topic, depositId, updated)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("Deposit status changed",
		zap.String("deposit_id", depositId),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason))
	return updated, nil
}

func depositTopic(status models.DepositStatus) string {
	switch status {
	case models.DepositConfirmed:
		return models.TopicDepositConfirmed
	case models.DepositFailed:
		return models.TopicDepositFailed
	case models.DepositExpired:
		return models.TopicDepositExpired
	case models.DepositCancelled:
		return models.TopicDepositCancelled
	}
	return ""
}

// ConfirmDepositCredit credits a deposit that reached its confirmation depth
// and marks it confirmed, in one transaction. It is safe to call repeatedly:
// once a deposit transaction exists the call reports AlreadyCredited.
// The first confirmed deposit sets the user's unlock date to now+unlockAfter.
func (s *Service) ConfirmDepositCredit(ctx context.Context, depositId string, unlockAfter time.Duration) (*models.DepositConfirmation, error) {
	result := &models.DepositConfirmation{}
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		*result = models.DepositConfirmation{}

		deposit, err := loadDeposit(ctx, tx, depositId)
		if err != nil {
			return err
		}
		result.Deposit = deposit

		var existing models.Transaction
		err = get(ctx, tx, &existing, queryGetDepositTransaction, depositId)
		switch {
		case err == nil:
			result.Transaction = &existing
			result.AlreadyCredited = true
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("failed to check deposit credit: %w", err)
		}

		if deposit.Status == models.DepositConfirmed {
			if !result.AlreadyCredited {
				return newViolation(deposit.UserId, models.BucketDeposit, deposit.Amount, decimal.Zero,
					"confirmed deposit "+depositId+" has no credit")
			}
			return nil
		}
		if deposit.Status != models.DepositConfirming {
			return store.Reject(store.ErrInvalidTransition, "deposit %s is %s, expected %s",
				depositId, deposit.Status, models.DepositConfirming)
		}
		if !deposit.ConfirmationReached() {
			return store.Reject(store.ErrInvalidTransition, "deposit %s has %d/%d confirmations",
				depositId, deposit.Confirmations, deposit.RequiredConfirmations)
		}

		if !result.AlreadyCredited {
			txn, err := s.postEntry(ctx, tx, entry{
				EntryParams: store.EntryParams{
					UserId:    deposit.UserId,
					Bucket:    models.BucketDeposit,
					Type:      models.TxTypeDeposit,
					Amount:    deposit.Amount,
					DepositId: deposit.Id,
					Reference: deposit.TxHash,
				},
				delta:  deposit.Amount,
				status: models.TxStatusCompleted,
			})
			if err != nil {
				return err
			}
			result.Transaction = txn
		}

		ts := now()
		n, err := exec(ctx, tx, queryConfirmDeposit, ts, ts, depositId)
		if err != nil {
			return fmt.Errorf("failed to confirm deposit: %w", err)
		}
		if n == 0 {
			return store.Reject(store.ErrConcurrentModification, "deposit %s changed during confirmation", depositId)
		}

		unlockAt := ts.Add(unlockAfter)
		n, err = exec(ctx, tx, querySetFirstDeposit, ts, unlockAt, ts, deposit.UserId)
		if err != nil {
			return fmt.Errorf("failed to set first deposit date: %w", err)
		}
		result.FirstDeposit = n > 0

		// Only a first deposit has referral work left to do.
		if !result.FirstDeposit {
			if _, err := exec(ctx, tx, queryMarkDepositPostProcessed, ts, depositId); err != nil {
				return fmt.Errorf("failed to mark deposit processed: %w", err)
			}
		}

		result.Deposit, err = loadDeposit(ctx, tx, depositId)
		if err != nil {
			return err
		}
		return s.enqueue(ctx, tx, models.TopicDepositConfirmed, depositId, result.Deposit)
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("Deposit confirmed and credited",
		zap.String("deposit_id", depositId),
		zap.String("user_id", result.Deposit.UserId),
		zap.String("amount", result.Deposit.Amount.String()),
		zap.Bool("first_deposit", result.FirstDeposit),
		zap.Bool("already_credited", result.AlreadyCredited))
	return result, nil
}

func (s *Service) ListOpenDeposits(ctx context.Context) ([]models.Deposit, error) {
	var deposits []models.Deposit
	if err := selectAll(ctx, s.db, &deposits, queryListOpenDeposits); err != nil {
		return nil, fmt.Errorf("failed to list open deposits: %w", err)
	}
	return deposits, nil
}

func (s *Service) ListExpiredDeposits(ctx context.Context, at time.Time) ([]models.Deposit, error) {
	var deposits []models.Deposit
	if err := selectAll(ctx, s.db, &deposits, queryListExpiredDeposits, at.UTC()); err != nil {
		return nil, fmt.Errorf("failed to list expired deposits: %w", err)
	}
	return deposits, nil
}

func (s *Service) ListUnprocessedConfirmedDeposits(ctx context.Context, limit int) ([]models.Deposit, error) {
	var deposits []models.Deposit
	if err := selectAll(ctx, s.db, &deposits, queryListUnprocessedDeposits, limit); err != nil {
		return nil, fmt.Errorf("failed to list unprocessed deposits: %w", err)
	}
	return deposits, nil
}

// MarkDepositPostProcessed sets bonusProcessed and referralProcessed together.
func (s *Service) MarkDepositPostProcessed(ctx context.Context, depositId string) error {
	n, err := exec(ctx, s.db, queryMarkDepositPostProcessed, now(), depositId)
	if err != nil {
		return fmt.Errorf("failed to mark deposit processed: %w", err)
	}
	if n == 0 {
		return store.Reject(store.ErrInvalidTransition, "deposit %s is not confirmed", depositId)
	}
	return nil
}
