package database

import (
	"context"

	"settlement-engine-go/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Statements run one at a time so the same list works for SQLite and Postgres.
// Money columns are TEXT holding decimal strings and are summed in Go.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL UNIQUE,
		referrer_id TEXT REFERENCES users(id),
		active BOOLEAN NOT NULL DEFAULT TRUE,
		flagged BOOLEAN NOT NULL DEFAULT FALSE,
		flag_reason TEXT,
		risk_score INTEGER NOT NULL DEFAULT 0,
		halted BOOLEAN NOT NULL DEFAULT FALSE,
		halt_reason TEXT,
		first_deposit_at TIMESTAMP,
		deposit_unlock_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_users_referrer ON users(referrer_id)`,
	`CREATE INDEX IF NOT EXISTS idx_users_active ON users(active)`,

	`CREATE TABLE IF NOT EXISTS addresses (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		currency TEXT NOT NULL,
		network TEXT NOT NULL,
		address TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		UNIQUE(network, address)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_addresses_user ON addresses(user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_addresses_address ON addresses(address)`,

	`CREATE TABLE IF NOT EXISTS account_balances (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		bucket TEXT NOT NULL,
		balance TEXT NOT NULL DEFAULT '0',
		last_transaction_id TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE(user_id, bucket)
	)`,

	`CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		bucket TEXT NOT NULL,
		transaction_type TEXT NOT NULL,
		amount TEXT NOT NULL,
		balance_before TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		status TEXT NOT NULL,
		deposit_id TEXT,
		withdrawal_id TEXT,
		bonus_id TEXT,
		reversal_of TEXT,
		is_reversed BOOLEAN NOT NULL DEFAULT FALSE,
		reference TEXT,
		created_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_user_bucket ON transactions(user_id, bucket)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_created_at ON transactions(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_withdrawal ON transactions(withdrawal_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_transactions_deposit_credit
		ON transactions(deposit_id) WHERE transaction_type = 'deposit'`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_transactions_bonus_payment
		ON transactions(bonus_id) WHERE transaction_type IN ('bonus', 'referral_bonus')`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_transactions_reversal
		ON transactions(reversal_of) WHERE reversal_of IS NOT NULL`,

	`CREATE TABLE IF NOT EXISTS journal_entries (
		id TEXT PRIMARY KEY,
		transaction_id TEXT NOT NULL REFERENCES transactions(id),
		account_type TEXT NOT NULL,
		account_id TEXT NOT NULL,
		debit_amount TEXT NOT NULL DEFAULT '0',
		credit_amount TEXT NOT NULL DEFAULT '0',
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_journal_transaction_id ON journal_entries(transaction_id)`,
	`CREATE INDEX IF NOT EXISTS idx_journal_account ON journal_entries(account_type, account_id)`,

	`CREATE TABLE IF NOT EXISTS deposits (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		network TEXT NOT NULL,
		tx_hash TEXT NOT NULL UNIQUE,
		from_address TEXT,
		to_address TEXT,
		status TEXT NOT NULL,
		confirmations INTEGER NOT NULL DEFAULT 0,
		required_confirmations INTEGER NOT NULL,
		block_number INTEGER NOT NULL DEFAULT 0,
		block_time TIMESTAMP,
		expires_at TIMESTAMP NOT NULL,
		confirmed_at TIMESTAMP,
		bonus_processed BOOLEAN NOT NULL DEFAULT FALSE,
		referral_processed BOOLEAN NOT NULL DEFAULT FALSE,
		failure_reason TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_deposits_user ON deposits(user_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_deposits_status ON deposits(status)`,

	`CREATE TABLE IF NOT EXISTS withdrawals (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		amount TEXT NOT NULL,
		fee TEXT NOT NULL,
		net_amount TEXT NOT NULL,
		destination_address TEXT NOT NULL,
		source TEXT NOT NULL,
		status TEXT NOT NULL,
		required_approvals INTEGER NOT NULL,
		two_factor_verified BOOLEAN NOT NULL DEFAULT FALSE,
		tx_hash TEXT,
		failure_reason TEXT,
		rejection_reason TEXT,
		rejected_by TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		processed_at TIMESTAMP,
		completed_at TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_withdrawals_user ON withdrawals(user_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_withdrawals_status ON withdrawals(status)`,
	`CREATE INDEX IF NOT EXISTS idx_withdrawals_destination ON withdrawals(destination_address)`,

	`CREATE TABLE IF NOT EXISTS withdrawal_approvals (
		id TEXT PRIMARY KEY,
		withdrawal_id TEXT NOT NULL REFERENCES withdrawals(id),
		admin_id TEXT NOT NULL,
		admin_name TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		UNIQUE(withdrawal_id, admin_id)
	)`,

	`CREATE TABLE IF NOT EXISTS bonus_batches (
		id TEXT PRIMARY KEY,
		bonus_date TEXT NOT NULL UNIQUE,
		profit TEXT NOT NULL,
		distribution_percent TEXT NOT NULL,
		pool TEXT NOT NULL,
		total_eligible TEXT NOT NULL,
		allocated TEXT NOT NULL,
		distributed TEXT NOT NULL DEFAULT '0',
		recipients INTEGER NOT NULL DEFAULT 0,
		failed_count INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS bonuses (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		bonus_type TEXT NOT NULL,
		status TEXT NOT NULL,
		amount TEXT NOT NULL,
		deposit_snapshot TEXT NOT NULL DEFAULT '0',
		pool_snapshot TEXT NOT NULL DEFAULT '0',
		percentage TEXT NOT NULL DEFAULT '0',
		referral_source_user_id TEXT,
		referral_level INTEGER NOT NULL DEFAULT 0,
		deposit_id TEXT,
		batch_id TEXT REFERENCES bonus_batches(id),
		bonus_date TEXT,
		transaction_id TEXT,
		failure_reason TEXT,
		reference TEXT,
		created_at TIMESTAMP NOT NULL,
		distributed_at TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_bonuses_batch ON bonuses(batch_id)`,
	`CREATE INDEX IF NOT EXISTS idx_bonuses_status ON bonuses(status)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_bonuses_daily
		ON bonuses(user_id, bonus_date) WHERE bonus_type = 'daily'`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_bonuses_referral
		ON bonuses(deposit_id, referral_level) WHERE bonus_type = 'referral'`,

	`CREATE TABLE IF NOT EXISTS audit_events (
		id TEXT PRIMARY KEY,
		category TEXT NOT NULL,
		action TEXT NOT NULL,
		user_id TEXT,
		entity_id TEXT,
		decision TEXT,
		rule TEXT,
		risk_score INTEGER NOT NULL DEFAULT 0,
		details TEXT,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_user ON audit_events(user_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS outbox_events (
		id TEXT PRIMARY KEY,
		topic TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at TIMESTAMP NOT NULL,
		published_at TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox_events(published_at, created_at)`,
}

func (s *Service) initSchema(ctx context.Context, createDummyUsers bool) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	if !createDummyUsers {
		zap.L().Info("Skipping dummy user creation (CREATE_DUMMY_USERS=false)")
		return nil
	}

	// Alice refers Bob, Bob refers Carol, so referral levels can be exercised.
	aliceId, bobId := uuid.New().String(), uuid.New().String()
	users := []store.CreateUserParams{
		{Id: aliceId, Name: "Alice Johnson", Email: "alice.johnson@example.com"},
		{Id: bobId, Name: "Bob Smith", Email: "bob.smith@example.com", ReferrerId: aliceId},
		{Id: uuid.New().String(), Name: "Carol Williams", Email: "carol.williams@example.com", ReferrerId: bobId},
	}

	for _, user := range users {
		if _, err := s.CreateUser(ctx, user); err != nil {
			zap.L().Error("Failed to insert dummy user", zap.String("name", user.Name), zap.Error(err))
			continue
		}
		zap.L().Info("Dummy user created", zap.String("id", user.Id), zap.String("name", user.Name))
	}

	return nil
}
