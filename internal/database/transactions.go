package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"settlement-engine-go/internal/models"
	"settlement-engine-go/internal/store"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// JournalEntry is one side of the double-entry record for a transaction
type JournalEntry struct {
	AccountType  string          `db:"account_type"`
	AccountId    string          `db:"account_id"`
	DebitAmount  decimal.Decimal `db:"debit_amount"`
	CreditAmount decimal.Decimal `db:"credit_amount"`
}

func (s *Service) GetTransaction(ctx context.Context, transactionId string) (*models.Transaction, error) {
	var txn models.Transaction
	if err := get(ctx, s.db, &txn, queryGetTransaction, transactionId); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.Reject(store.ErrNotFound, "transaction %s not found", transactionId)
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return &txn, nil
}

// GetTransactionHistory returns a user's transactions, newest first
func (s *Service) GetTransactionHistory(ctx context.Context, userId string, filter models.TransactionFilter) ([]models.Transaction, error) {
	zap.L().Debug("Getting transaction history",
		zap.String("user_id", userId),
		zap.String("bucket", string(filter.Bucket)),
		zap.Int("limit", filter.Limit),
		zap.Int("offset", filter.Offset))

	var sb strings.Builder
	sb.WriteString("SELECT " + transactionColumns + " FROM transactions WHERE user_id = ?")
	args := []any{userId}

	if filter.Bucket != "" {
		sb.WriteString(" AND bucket = ?")
		args = append(args, filter.Bucket)
	}
	if filter.Type != "" {
		sb.WriteString(" AND transaction_type = ?")
		args = append(args, filter.Type)
	}
	if filter.Status != "" {
		sb.WriteString(" AND status = ?")
		args = append(args, filter.Status)
	}
	if filter.Since != nil {
		sb.WriteString(" AND created_at >= ?")
		args = append(args, filter.Since.UTC())
	}
	if filter.Until != nil {
		sb.WriteString(" AND created_at < ?")
		args = append(args, filter.Until.UTC())
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	sb.WriteString(" ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?")
	args = append(args, limit, offset)

	var transactions []models.Transaction
	if err := selectAll(ctx, s.db, &transactions, sb.String(), args...); err != nil {
		return nil, fmt.Errorf("failed to get transaction history: %w", err)
	}
	return transactions, nil
}

// GetJournalEntries returns the double-entry lines for a transaction
func (s *Service) GetJournalEntries(ctx context.Context, transactionId string) ([]JournalEntry, error) {
	var entries []JournalEntry
	if err := selectAll(ctx, s.db, &entries, queryGetJournalEntries, transactionId); err != nil {
		return nil, fmt.Errorf("failed to get journal entries: %w", err)
	}
	return entries, nil
}

// addJournalEntries creates double-entry bookkeeping entries.
// A positive amount debits the user's bucket account and credits the
// counter account for the transaction type; a negative amount does the reverse.
func addJournalEntries(ctx context.Context, tx *sqlx.Tx, txn *models.Transaction) error {
	userAccount := fmt.Sprintf("%s_%s", txn.UserId, txn.Bucket)
	counterType, counterId := counterAccount(txn)
	amount := txn.Amount.Abs()

	userDebit, userCredit := amount, decimal.Zero
	if txn.Amount.IsNegative() {
		userDebit, userCredit = decimal.Zero, amount
	}

	lines := []struct {
		accountType string
		accountId   string
		debit       decimal.Decimal
		credit      decimal.Decimal
	}{
		{"user_balance", userAccount, userDebit, userCredit},
		{counterType, counterId, userCredit, userDebit},
	}

	for _, line := range lines {
		_, err := exec(ctx, tx, queryInsertJournalEntry,
			uuid.New().String(), txn.Id, line.accountType, line.accountId,
			line.debit.String(), line.credit.String(), txn.CreatedAt)
		if err != nil {
			return err
		}
	}
	return nil
}

func counterAccount(txn *models.Transaction) (string, string) {
	switch txn.Type {
	case models.TxTypeBonus:
		return "platform_expense", "daily_bonus_payouts"
	case models.TxTypeReferralBonus:
		return "platform_expense", "referral_payouts"
	case models.TxTypeFee:
		return "platform_revenue", "withdrawal_fees"
	case models.TxTypeAdjustment:
		return "platform_adjustments", fmt.Sprintf("adjustments_%s", txn.Bucket)
	default:
		return "system_liability", fmt.Sprintf("user_funds_%s", txn.Bucket)
	}
}
