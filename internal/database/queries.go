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

// Queries are written with ? placeholders and rebound per driver.
const (
	userColumns = `
		id, name, email, COALESCE(referrer_id, '') AS referrer_id, active, flagged,
		COALESCE(flag_reason, '') AS flag_reason, risk_score, halted,
		COALESCE(halt_reason, '') AS halt_reason, first_deposit_at, deposit_unlock_at,
		created_at, updated_at`

	addressColumns = `id, user_id, currency, network, address, created_at`

	balanceColumns = `
		id, user_id, bucket, balance, COALESCE(last_transaction_id, '') AS last_transaction_id,
		version, updated_at`

	transactionColumns = `
		id, user_id, bucket, transaction_type, amount, balance_before, balance_after, status,
		COALESCE(deposit_id, '') AS deposit_id, COALESCE(withdrawal_id, '') AS withdrawal_id,
		COALESCE(bonus_id, '') AS bonus_id, COALESCE(reversal_of, '') AS reversal_of,
		is_reversed, COALESCE(reference, '') AS reference, created_at, completed_at`

	depositColumns = `
		id, user_id, amount, currency, network, tx_hash,
		COALESCE(from_address, '') AS from_address, COALESCE(to_address, '') AS to_address,
		status, confirmations, required_confirmations, block_number, block_time, expires_at,
		confirmed_at, bonus_processed, referral_processed,
		COALESCE(failure_reason, '') AS failure_reason, created_at, updated_at`

	withdrawalColumns = `
		id, user_id, amount, fee, net_amount, destination_address, source, status,
		required_approvals, two_factor_verified, COALESCE(tx_hash, '') AS tx_hash,
		COALESCE(failure_reason, '') AS failure_reason,
		COALESCE(rejection_reason, '') AS rejection_reason,
		COALESCE(rejected_by, '') AS rejected_by, version, created_at, updated_at,
		processed_at, completed_at`

	bonusColumns = `
		id, user_id, bonus_type, status, amount, deposit_snapshot, pool_snapshot, percentage,
		COALESCE(referral_source_user_id, '') AS referral_source_user_id, referral_level,
		COALESCE(deposit_id, '') AS deposit_id, COALESCE(batch_id, '') AS batch_id,
		COALESCE(bonus_date, '') AS bonus_date, COALESCE(transaction_id, '') AS transaction_id,
		COALESCE(failure_reason, '') AS failure_reason, COALESCE(reference, '') AS reference,
		created_at, distributed_at`

	batchColumns = `
		id, bonus_date, profit, distribution_percent, pool, total_eligible, allocated,
		distributed, recipients, failed_count, status, created_at, completed_at`

	outboxColumns = `
		id, topic, aggregate_id, payload, attempts, COALESCE(last_error, '') AS last_error,
		created_at, published_at`
)

const (
	// User queries
	queryGetActiveUsers = `SELECT ` + userColumns + ` FROM users WHERE active = TRUE ORDER BY created_at`

	queryInsertUser = `
		INSERT INTO users (id, name, email, referrer_id, created_at, updated_at)
		VALUES (?, ?, ?, NULLIF(?, ''), ?, ?)
		ON CONFLICT (email) DO NOTHING`

	queryGetUserById = `SELECT ` + userColumns + ` FROM users WHERE id = ? AND active = TRUE`

	queryGetUserByEmail = `SELECT ` + userColumns + ` FROM users WHERE email = ? AND active = TRUE`

	queryLockUser = `SELECT id, halted FROM users WHERE id = ?`

	querySetFirstDeposit = `
		UPDATE users SET first_deposit_at = ?, deposit_unlock_at = ?, updated_at = ?
		WHERE id = ? AND first_deposit_at IS NULL`

	queryFlagUser = `
		UPDATE users SET flagged = TRUE, flag_reason = ?, risk_score = ?, updated_at = ?
		WHERE id = ?`

	queryClearUserFlag = `
		UPDATE users SET flagged = FALSE, flag_reason = NULL, risk_score = 0, updated_at = ?
		WHERE id = ?`

	queryHaltUser = `
		UPDATE users SET halted = TRUE, halt_reason = ?, updated_at = ?
		WHERE id = ?`

	queryResumeUser = `
		UPDATE users SET halted = FALSE, halt_reason = NULL, updated_at = ?
		WHERE id = ? AND halted = TRUE`

	// Address queries
	queryInsertAddress = `
		INSERT INTO addresses (id, user_id, currency, network, address, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	queryGetAddressById = `SELECT ` + addressColumns + ` FROM addresses WHERE id = ?`

	queryGetUserAddresses = `
		SELECT ` + addressColumns + ` FROM addresses
		WHERE user_id = ? AND currency = ? AND network = ?
		ORDER BY created_at DESC`

	queryGetAllUserAddresses = `
		SELECT ` + addressColumns + ` FROM addresses
		WHERE user_id = ?
		ORDER BY currency, created_at DESC`

	queryFindAddress = `
		SELECT ` + addressColumns + ` FROM addresses
		WHERE LOWER(address) = LOWER(?)
		ORDER BY created_at
		LIMIT 1`

	queryGetMonitoredAddresses = `
		SELECT a.user_id, a.address, a.currency, a.network
		FROM addresses a
		JOIN users u ON u.id = a.user_id
		WHERE u.active = TRUE
		ORDER BY a.network, a.address`

	// Balance queries
	queryEnsureAccountBalance = `
		INSERT INTO account_balances (id, user_id, bucket, balance, version, updated_at)
		VALUES (?, ?, ?, '0', 1, ?)
		ON CONFLICT (user_id, bucket) DO NOTHING`

	queryGetAccountBalance = `SELECT ` + balanceColumns + ` FROM account_balances WHERE user_id = ? AND bucket = ?`

	queryGetUserBalances = `SELECT ` + balanceColumns + ` FROM account_balances WHERE user_id = ? ORDER BY bucket`

	queryListBalanceAccounts = `SELECT user_id, bucket FROM account_balances ORDER BY user_id, bucket`

	queryUpdateAccountBalance = `
		UPDATE account_balances
		SET balance = ?, last_transaction_id = ?, version = version + 1, updated_at = ?
		WHERE user_id = ? AND bucket = ? AND version = ?`

	queryReconcileAmounts = `SELECT amount FROM transactions WHERE user_id = ? AND bucket = ?`

	// Transaction queries
	queryInsertTransaction = `
		INSERT INTO transactions (
			id, user_id, bucket, transaction_type, amount, balance_before, balance_after, status,
			deposit_id, withdrawal_id, bonus_id, reversal_of, reference, created_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?)`

	queryGetTransaction = `SELECT ` + transactionColumns + ` FROM transactions WHERE id = ?`

	queryGetBalanceAfter = `SELECT balance_after FROM transactions WHERE id = ?`

	queryGetDepositTransaction = `
		SELECT ` + transactionColumns + ` FROM transactions
		WHERE deposit_id = ? AND transaction_type = 'deposit'`

	queryGetWithdrawalTransactions = `
		SELECT ` + transactionColumns + ` FROM transactions
		WHERE withdrawal_id = ? AND status = ? AND transaction_type IN ('withdrawal', 'fee')
		ORDER BY created_at, id`

	queryMarkTransactionReversed = `
		UPDATE transactions SET status = 'reversed', is_reversed = TRUE
		WHERE id = ? AND is_reversed = FALSE AND status = ?`

	queryCompleteWithdrawalTransactions = `
		UPDATE transactions SET status = 'completed', completed_at = ?
		WHERE withdrawal_id = ? AND status = 'processing'`

	queryInsertJournalEntry = `
		INSERT INTO journal_entries (id, transaction_id, account_type, account_id, debit_amount, credit_amount, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	queryGetJournalEntries = `
		SELECT account_type, account_id, debit_amount, credit_amount
		FROM journal_entries WHERE transaction_id = ? ORDER BY account_type`

	// Deposit queries
	queryInsertDeposit = `
		INSERT INTO deposits (
			id, user_id, amount, currency, network, tx_hash, from_address, to_address, status,
			confirmations, required_confirmations, block_number, block_time, expires_at,
			failure_reason, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?)`

	queryGetDeposit = `SELECT ` + depositColumns + ` FROM deposits WHERE id = ?`

	queryGetDepositByHash = `SELECT ` + depositColumns + ` FROM deposits WHERE LOWER(tx_hash) = LOWER(?)`

	queryUpdateDepositConfirmations = `
		UPDATE deposits
		SET confirmations = ?, block_number = ?, block_time = COALESCE(?, block_time), status = ?, updated_at = ?
		WHERE id = ? AND status = ?`

	queryTransitionDeposit = `
		UPDATE deposits
		SET status = ?, failure_reason = COALESCE(NULLIF(?, ''), failure_reason), updated_at = ?
		WHERE id = ? AND status = ?`

	queryConfirmDeposit = `
		UPDATE deposits SET status = 'confirmed', confirmed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'confirming'`

	queryMarkDepositPostProcessed = `
		UPDATE deposits SET bonus_processed = TRUE, referral_processed = TRUE, updated_at = ?
		WHERE id = ? AND status = 'confirmed'`

	queryListOpenDeposits = `
		SELECT ` + depositColumns + ` FROM deposits
		WHERE status IN ('pending', 'confirming')
		ORDER BY created_at`

	queryListExpiredDeposits = `
		SELECT ` + depositColumns + ` FROM deposits
		WHERE status = 'pending' AND expires_at < ?
		ORDER BY expires_at`

	queryListUnprocessedDeposits = `
		SELECT ` + depositColumns + ` FROM deposits
		WHERE status = 'confirmed' AND (bonus_processed = FALSE OR referral_processed = FALSE)
		ORDER BY confirmed_at
		LIMIT ?`

	queryDepositAmountsSince = `
		SELECT amount FROM deposits
		WHERE user_id = ? AND created_at >= ? AND id <> ?
		  AND status NOT IN ('failed', 'cancelled', 'expired')`

	queryLastConfirmedDeposit = `
		SELECT confirmed_at FROM deposits
		WHERE user_id = ? AND status = 'confirmed'
		ORDER BY confirmed_at DESC
		LIMIT 1`

	// Withdrawal queries
	queryInsertWithdrawal = `
		INSERT INTO withdrawals (
			id, user_id, amount, fee, net_amount, destination_address, source, status,
			required_approvals, two_factor_verified, version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`

	queryGetWithdrawal = `SELECT ` + withdrawalColumns + ` FROM withdrawals WHERE id = ?`

	queryBumpWithdrawalVersion = `
		UPDATE withdrawals SET version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`

	queryTransitionWithdrawal = `
		UPDATE withdrawals
		SET status = ?, failure_reason = COALESCE(NULLIF(?, ''), failure_reason),
		    version = version + 1, updated_at = ?
		WHERE id = ? AND status = ?`

	queryRejectWithdrawal = `
		UPDATE withdrawals
		SET status = 'rejected', rejection_reason = ?, rejected_by = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND status = ?`

	queryReserveWithdrawal = `
		UPDATE withdrawals
		SET status = 'processing', processed_at = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND status = 'approved'`

	queryCompleteWithdrawal = `
		UPDATE withdrawals
		SET status = 'completed', tx_hash = ?, failure_reason = NULL, completed_at = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND status = 'processing'`

	queryRecordWithdrawalBroadcast = `
		UPDATE withdrawals
		SET tx_hash = ?, failure_reason = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND status = 'processing'`

	queryListOutstandingWithdrawals = `
		SELECT ` + withdrawalColumns + ` FROM withdrawals
		WHERE user_id = ? AND status IN ('awaiting_approval', 'approved')
		ORDER BY created_at`

	queryListWithdrawalsByStatus = `
		SELECT ` + withdrawalColumns + ` FROM withdrawals
		WHERE status = ?
		ORDER BY created_at
		LIMIT ?`

	queryWithdrawalAmountsSince = `
		SELECT amount FROM withdrawals
		WHERE user_id = ? AND created_at >= ? AND id <> ?
		  AND status IN ('awaiting_approval', 'approved', 'processing', 'completed')`

	queryCountOtherDestinationUsers = `
		SELECT COUNT(DISTINCT user_id) FROM withdrawals
		WHERE LOWER(destination_address) = LOWER(?) AND user_id <> ?`

	queryRecentWithdrawalTimes = `
		SELECT created_at FROM withdrawals
		WHERE user_id = ? AND id <> ?
		ORDER BY created_at DESC
		LIMIT ?`

	queryInsertApproval = `
		INSERT INTO withdrawal_approvals (id, withdrawal_id, admin_id, admin_name, created_at)
		VALUES (?, ?, ?, ?, ?)`

	queryCountAdminApproval = `
		SELECT COUNT(*) FROM withdrawal_approvals WHERE withdrawal_id = ? AND admin_id = ?`

	queryCountApprovals = `SELECT COUNT(*) FROM withdrawal_approvals WHERE withdrawal_id = ?`

	queryGetApprovals = `
		SELECT id, withdrawal_id, admin_id, admin_name, created_at
		FROM withdrawal_approvals WHERE withdrawal_id = ?
		ORDER BY created_at, id`

	// Bonus queries
	queryListEligibleDailyUsers = `
		SELECT u.id AS user_id, b.balance AS balance
		FROM users u
		JOIN account_balances b ON b.user_id = u.id AND b.bucket = 'deposit'
		WHERE u.active = TRUE AND u.deposit_unlock_at IS NOT NULL
		ORDER BY u.id`

	queryInsertBatch = `
		INSERT INTO bonus_batches (
			id, bonus_date, profit, distribution_percent, pool, total_eligible, allocated,
			distributed, recipients, failed_count, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, '0', ?, 0, ?, ?)`

	queryGetBatchByDate = `SELECT ` + batchColumns + ` FROM bonus_batches WHERE bonus_date = ?`

	queryGetBatch = `SELECT ` + batchColumns + ` FROM bonus_batches WHERE id = ?`

	queryFinalizeBatch = `
		UPDATE bonus_batches
		SET distributed = ?, failed_count = ?, status = ?, completed_at = ?
		WHERE id = ?`

	queryInsertBonus = `
		INSERT INTO bonuses (
			id, user_id, bonus_type, status, amount, deposit_snapshot, pool_snapshot, percentage,
			referral_source_user_id, referral_level, deposit_id, batch_id, bonus_date, reference, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?)`

	queryGetBonus = `SELECT ` + bonusColumns + ` FROM bonuses WHERE id = ?`

	queryGetDailyBonus = `
		SELECT ` + bonusColumns + ` FROM bonuses
		WHERE user_id = ? AND bonus_date = ? AND bonus_type = 'daily'`

	queryGetReferralBonus = `
		SELECT ` + bonusColumns + ` FROM bonuses
		WHERE deposit_id = ? AND referral_level = ? AND bonus_type = 'referral'`

	queryListBatchBonuses = `
		SELECT ` + bonusColumns + ` FROM bonuses WHERE batch_id = ? ORDER BY user_id`

	queryListFailedBonuses = `
		SELECT ` + bonusColumns + ` FROM bonuses WHERE status = 'failed' ORDER BY created_at LIMIT ?`

	queryDistributeBonus = `
		UPDATE bonuses
		SET status = 'distributed', transaction_id = ?, distributed_at = ?, failure_reason = NULL
		WHERE id = ? AND status = ?`

	queryFailBonus = `
		UPDATE bonuses SET status = 'failed', failure_reason = ?
		WHERE id = ? AND status IN ('calculated', 'failed')`

	// Audit and outbox queries
	queryInsertAuditEvent = `
		INSERT INTO audit_events (id, category, action, user_id, entity_id, decision, rule, risk_score, details, created_at)
		VALUES (?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, NULLIF(?, ''), ?)`

	queryListAuditEvents = `
		SELECT id, category, action, COALESCE(user_id, '') AS user_id, COALESCE(entity_id, '') AS entity_id,
		       COALESCE(decision, '') AS decision, COALESCE(rule, '') AS rule, risk_score,
		       COALESCE(details, '') AS details, created_at
		FROM audit_events WHERE user_id = ?
		ORDER BY created_at DESC`

	queryInsertOutboxEvent = `
		INSERT INTO outbox_events (id, topic, aggregate_id, payload, attempts, created_at)
		VALUES (?, ?, ?, ?, 0, ?)`

	queryListPendingEvents = `
		SELECT ` + outboxColumns + ` FROM outbox_events
		WHERE published_at IS NULL
		ORDER BY created_at, id
		LIMIT ?`

	queryMarkEventPublished = `UPDATE outbox_events SET published_at = ? WHERE id = ?`

	queryMarkEventFailed = `UPDATE outbox_events SET attempts = attempts + 1, last_error = ? WHERE id = ?`

	queryCountPendingEvents = `SELECT COUNT(*) FROM outbox_events WHERE published_at IS NULL`
)
