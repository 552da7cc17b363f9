package models

import "time"

// Outbox topics emitted after a committed mutation
const (
	TopicDepositCreated      = "deposit.created"
	TopicDepositConfirmed    = "deposit.confirmed"
	TopicDepositFailed       = "deposit.failed"
	TopicDepositExpired      = "deposit.expired"
	TopicDepositCancelled    = "deposit.cancelled"
	TopicWithdrawalCreated   = "withdrawal.created"
	TopicWithdrawalApproved  = "withdrawal.approved"
	TopicWithdrawalRejected  = "withdrawal.rejected"
	TopicWithdrawalCancelled = "withdrawal.cancelled"
	TopicWithdrawalCompleted = "withdrawal.completed"
	TopicWithdrawalFailed    = "withdrawal.failed"
	TopicBonusDistributed    = "bonus.distributed"
	TopicBonusFailed         = "bonus.failed"
	TopicBonusBatchCompleted = "bonus.batch_completed"
	TopicRiskDecision        = "risk.decision"
	TopicUserFlagged         = "risk.user_flagged"
	TopicInvariantViolation  = "ledger.invariant_violation"
	TopicTransactionReversed = "ledger.transaction_reversed"
)

// Audit categories
const (
	AuditCategoryRisk       = "risk"
	AuditCategoryLedger     = "ledger"
	AuditCategoryWithdrawal = "withdrawal"
)

// AuditEvent is an immutable record of a decision
type AuditEvent struct {
	Id        string    `db:"id"`
	Category  string    `db:"category"`
	Action    string    `db:"action"`
	UserId    string    `db:"user_id"`
	EntityId  string    `db:"entity_id"`
	Decision  string    `db:"decision"`
	Rule      string    `db:"rule"`
	RiskScore int       `db:"risk_score"`
	Details   string    `db:"details"`
	CreatedAt time.Time `db:"created_at"`
}

// OutboxEvent is a post-commit notification waiting to be published
type OutboxEvent struct {
	Id          string     `db:"id"`
	Topic       string     `db:"topic"`
	AggregateId string     `db:"aggregate_id"`
	Payload     string     `db:"payload"`
	Attempts    int        `db:"attempts"`
	LastError   string     `db:"last_error"`
	CreatedAt   time.Time  `db:"created_at"`
	PublishedAt *time.Time `db:"published_at"`
}
