package store

import (
	"context"
	"time"

	"settlement-engine-go/internal/models"

	"github.com/shopspring/decimal"
)

// EntryParams describes one ledger mutation. Amount is always positive;
// the direction comes from the call (Credit or Debit).
type EntryParams struct {
	UserId       string
	Bucket       models.Bucket
	Type         models.TransactionType
	Amount       decimal.Decimal
	DepositId    string
	WithdrawalId string
	BonusId      string
	Reference    string
}

// StoreAddressParams contains the parameters for storing a deposit address.
type StoreAddressParams struct {
	UserId   string
	Currency string
	Network  string
	Address  string
}

// CreateUserParams contains the parameters for registering a user.
type CreateUserParams struct {
	Id         string
	Name       string
	Email      string
	ReferrerId string
}

// LedgerStore is the single writer of balances.
type LedgerStore interface {
	Credit(ctx context.Context, params EntryParams) (*models.Transaction, error)
	Debit(ctx context.Context, params EntryParams) (*models.Transaction, error)
	Reverse(ctx context.Context, transactionId, reason string) (*models.Transaction, error)
	AdjustBalance(ctx context.Context, userId string, bucket models.Bucket, delta decimal.Decimal, reference string) (*models.Transaction, error)
	GetTransaction(ctx context.Context, transactionId string) (*models.Transaction, error)
	GetBalance(ctx context.Context, userId string, bucket models.Bucket) (decimal.Decimal, error)
	GetBalances(ctx context.Context, userId string) (*models.Balances, error)
	GetTransactionHistory(ctx context.Context, userId string, filter models.TransactionFilter) ([]models.Transaction, error)
	ReconcileBalance(ctx context.Context, userId string, bucket models.Bucket) error
}

type UserStore interface {
	GetUsers(ctx context.Context) ([]models.User, error)
	GetUserById(ctx context.Context, userId string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	FindUserByAddress(ctx context.Context, address string) (*models.User, *models.Address, error)
	GetMonitoredAddresses(ctx context.Context) ([]models.MonitoredAddress, error)
}

type DepositStore interface {
	CreateDeposit(ctx context.Context, deposit *models.Deposit) error
	GetDeposit(ctx context.Context, depositId string) (*models.Deposit, error)
	GetDepositByHash(ctx context.Context, txHash string) (*models.Deposit, error)
	UpdateDepositConfirmations(ctx context.Context, depositId string, confirmations int, blockNumber int64, blockTime *time.Time) (*models.Deposit, error)
	TransitionDeposit(ctx context.Context, depositId string, from, to models.DepositStatus, reason string) (*models.Deposit, error)
	ConfirmDepositCredit(ctx context.Context, depositId string, unlockAfter time.Duration) (*models.DepositConfirmation, error)
	ListOpenDeposits(ctx context.Context) ([]models.Deposit, error)
	ListExpiredDeposits(ctx context.Context, now time.Time) ([]models.Deposit, error)
	ListUnprocessedConfirmedDeposits(ctx context.Context, limit int) ([]models.Deposit, error)
	MarkDepositPostProcessed(ctx context.Context, depositId string) error
}

type WithdrawalStore interface {
	CreateWithdrawal(ctx context.Context, withdrawal *models.Withdrawal) error
	GetWithdrawal(ctx context.Context, withdrawalId string) (*models.Withdrawal, error)
	TransitionWithdrawal(ctx context.Context, withdrawalId string, from, to models.WithdrawalStatus, reason string) (*models.Withdrawal, error)
	RejectWithdrawal(ctx context.Context, withdrawalId, adminId, reason string) (*models.Withdrawal, error)
	AddWithdrawalApproval(ctx context.Context, withdrawalId string, admin models.Admin) (*models.ApprovalResult, error)
	ReserveWithdrawal(ctx context.Context, withdrawalId string) (*models.Withdrawal, error)
	CompleteWithdrawal(ctx context.Context, withdrawalId, txHash string) (*models.Withdrawal, error)
	ReleaseWithdrawal(ctx context.Context, withdrawalId, reason string, retry bool) (*models.Withdrawal, error)
	RecordWithdrawalBroadcast(ctx context.Context, withdrawalId, txHash, reason string) (*models.Withdrawal, error)
	ListOutstandingWithdrawals(ctx context.Context, userId string) ([]models.Withdrawal, error)
	ListWithdrawalsByStatus(ctx context.Context, status models.WithdrawalStatus, limit int) ([]models.Withdrawal, error)
}

type BonusStore interface {
	ListEligibleDailyUsers(ctx context.Context) ([]models.EligibleUser, error)
	GetBonusBatchByDate(ctx context.Context, bonusDate string) (*models.BonusBatch, error)
	CreateDailyBatch(ctx context.Context, batch *models.BonusBatch, bonuses []models.Bonus) error
	ListBatchBonuses(ctx context.Context, batchId string) ([]models.Bonus, error)
	CreateBonus(ctx context.Context, bonus *models.Bonus) (*models.Bonus, bool, error)
	PayBonus(ctx context.Context, bonusId string) (*models.Bonus, *models.Transaction, error)
	MarkBonusFailed(ctx context.Context, bonusId, reason string) error
	ListFailedBonuses(ctx context.Context, limit int) ([]models.Bonus, error)
	FinalizeBonusBatch(ctx context.Context, batchId string) (*models.BonusBatch, error)
}

type RiskStore interface {
	GetUserById(ctx context.Context, userId string) (*models.User, error)
	GetDepositByHash(ctx context.Context, txHash string) (*models.Deposit, error)
	SumDepositsSince(ctx context.Context, userId string, since time.Time, excludeDepositId string) (decimal.Decimal, error)
	SumWithdrawalsSince(ctx context.Context, userId string, since time.Time, excludeWithdrawalId string) (int, decimal.Decimal, error)
	CountOtherUsersForDestination(ctx context.Context, address, userId string) (int, error)
	LastConfirmedDepositAt(ctx context.Context, userId string) (*time.Time, error)
	RecentWithdrawalTimes(ctx context.Context, userId, excludeWithdrawalId string, limit int) ([]time.Time, error)
	FlagUser(ctx context.Context, userId, reason string, score int) error
	ClearUserFlag(ctx context.Context, userId string) error
	RecordAuditEvent(ctx context.Context, event *models.AuditEvent) error
}

type OutboxStore interface {
	ListPendingEvents(ctx context.Context, limit int) ([]models.OutboxEvent, error)
	MarkEventPublished(ctx context.Context, eventId string) error
	MarkEventFailed(ctx context.Context, eventId, errMsg string) error
	CountPendingEvents(ctx context.Context) (int, error)
}
