package withdrawal

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"settlement-engine-go/internal/chain"
	"settlement-engine-go/internal/database"
	"settlement-engine-go/internal/models"
	"settlement-engine-go/internal/risk"
	"settlement-engine-go/internal/store"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const destination = "0x3333333333333333333333333333333333333333"

var (
	adminA = models.Admin{Id: "admin-a", Name: "Admin A"}
	adminB = models.Admin{Id: "admin-b", Name: "Admin B"}
)

type mockDispatcher struct {
	mock.Mock
}

func (m *mockDispatcher) Send(_ context.Context, toAddress string, amount decimal.Decimal) (string, error) {
	args := m.Called(toAddress, amount.String())
	return args.String(0), args.Error(1)
}

// trackingDispatcher also answers payout status lookups.
type trackingDispatcher struct {
	mockDispatcher
}

func (m *trackingDispatcher) TransactionStatus(_ context.Context, txHash string) (chain.TxStatus, error) {
	args := m.Called(txHash)
	return args.Get(0).(chain.TxStatus), args.Error(1)
}

// stalledDispatcher takes the payout and never answers before the deadline.
type stalledDispatcher struct {
	sends atomic.Int32
}

func (d *stalledDispatcher) Send(ctx context.Context, _ string, _ decimal.Decimal) (string, error) {
	d.sends.Add(1)
	<-ctx.Done()
	return "", ctx.Err()
}

type fixture struct {
	db         *database.Service
	workflow   *Workflow
	dispatcher *mockDispatcher
}

func testConfig(requiredApprovals int) models.WithdrawalConfig {
	return models.WithdrawalConfig{
		MinAmount:         decimal.NewFromInt(10),
		RequiredApprovals: requiredApprovals,
		FeePercent:        decimal.RequireFromString("0.01"),
		FlatFee:           decimal.NewFromInt(1),
		DispatchTimeout:   time.Second,
	}
}

func setup(t *testing.T, cfg models.WithdrawalConfig) *fixture {
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	ledger, err := database.NewServiceFromDB(context.Background(), db)
	require.NoError(t, err)

	for _, id := range []string{"alice", "bob"} {
		_, err := ledger.CreateUser(context.Background(), store.CreateUserParams{Id: id, Name: id, Email: id + "@example.com"})
		require.NoError(t, err)
	}

	dispatcher := &mockDispatcher{}
	gate := risk.NewGate(ledger, nil, models.RiskConfig{})
	return &fixture{
		db:         ledger,
		workflow:   NewWorkflow(ledger, gate, dispatcher, cfg),
		dispatcher: dispatcher,
	}
}

func (f *fixture) fund(t *testing.T, userId string, bucket models.Bucket, amount string) {
	_, err := f.db.Credit(context.Background(), store.EntryParams{
		UserId: userId,
		Bucket: bucket,
		Type:   models.TxTypeAdjustment,
		Amount: decimal.RequireFromString(amount),
	})
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, userId string, bucket models.Bucket) decimal.Decimal {
	balance, err := f.db.GetBalance(context.Background(), userId, bucket)
	require.NoError(t, err)
	return balance
}

func request(userId, amount string, source models.WithdrawalSource) CreateRequest {
	return CreateRequest{
		UserId:      userId,
		Amount:      decimal.RequireFromString(amount),
		Destination: destination,
		Source:      source,
	}
}

func TestCreate_InsufficientFundsStaysPending(t *testing.T) {
	f := setup(t, testConfig(2))
	ctx := context.Background()
	f.fund(t, "alice", models.BucketBonus, "150")

	withdrawal, err := f.workflow.Create(ctx, request("alice", "200", models.SourceBonus))
	require.ErrorIs(t, err, store.ErrInsufficientFunds)
	require.NotNil(t, withdrawal)

	stored, err := f.workflow.Get(ctx, withdrawal.Id)
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalPending, stored.Status)

	txns, err := f.db.GetTransactionHistory(ctx, "alice", models.TransactionFilter{Type: models.TxTypeWithdrawal})
	require.NoError(t, err)
	assert.Empty(t, txns)
	assert.True(t, decimal.NewFromInt(150).Equal(f.balance(t, "alice", models.BucketBonus)))

	events, err := f.db.GetAuditEvents(ctx, "alice")
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, models.AuditCategoryWithdrawal, events[0].Category)
	assert.Equal(t, string(store.CodeInsufficientFunds), events[0].Rule)
}

func TestCreate_ValidationBeforeAnyRow(t *testing.T) {
	f := setup(t, testConfig(2))
	ctx := context.Background()
	f.fund(t, "alice", models.BucketBonus, "150")

	tests := []struct {
		name string
		req  CreateRequest
	}{
		{"zero", request("alice", "0", models.SourceBonus)},
		{"negative", request("alice", "-20", models.SourceBonus)},
		{"below minimum", request("alice", "9.99999999", models.SourceBonus)},
		{"too precise", request("alice", "20.000000001", models.SourceBonus)},
		{"unknown source", request("alice", "20", models.WithdrawalSource("savings"))},
		{"no destination", CreateRequest{UserId: "alice", Amount: decimal.NewFromInt(20), Source: models.SourceBonus}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withdrawal, err := f.workflow.Create(ctx, tt.req)
			require.ErrorIs(t, err, store.ErrInvalidAmount)
			assert.Nil(t, withdrawal)
		})
	}

	pending, err := f.db.ListWithdrawalsByStatus(ctx, models.WithdrawalPending, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestFee(t *testing.T) {
	f := setup(t, testConfig(2))

	assert.True(t, decimal.RequireFromString("1.5").Equal(f.workflow.Fee(decimal.NewFromInt(50))))
	assert.True(t, decimal.RequireFromString("1.12345678").Equal(f.workflow.Fee(decimal.RequireFromString("12.345678999"))))

	cfg := testConfig(2)
	cfg.FlatFee = decimal.NewFromInt(10)
	f = setup(t, cfg)
	f.fund(t, "alice", models.BucketBonus, "100")

	_, err := f.workflow.Create(context.Background(), request("alice", "10", models.SourceBonus))
	assert.ErrorIs(t, err, store.ErrInvalidAmount)
}

func TestApprovalQuorum(t *testing.T) {
	f := setup(t, testConfig(2))
	ctx := context.Background()
	f.fund(t, "alice", models.BucketBonus, "100")

	withdrawal, err := f.workflow.Create(ctx, request("alice", "50", models.SourceBonus))
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalAwaitingApproval, withdrawal.Status)
	assert.True(t, decimal.RequireFromString("1.5").Equal(withdrawal.Fee))

	result, err := f.workflow.Approve(ctx, withdrawal.Id, adminA)
	require.NoError(t, err)
	assert.Equal(t, 1, result.ApprovalCount)
	assert.False(t, result.QuorumCrossed)
	assert.Equal(t, models.WithdrawalAwaitingApproval, result.Withdrawal.Status)

	_, err = f.workflow.Approve(ctx, withdrawal.Id, adminA)
	require.ErrorIs(t, err, store.ErrApprovalAlreadyGiven)

	_, err = f.workflow.Process(ctx, withdrawal.Id)
	require.ErrorIs(t, err, store.ErrQuorumNotReached)

	result, err = f.workflow.Approve(ctx, withdrawal.Id, adminB)
	require.NoError(t, err)
	assert.Equal(t, 2, result.ApprovalCount)
	assert.True(t, result.QuorumCrossed)
	assert.Equal(t, models.WithdrawalApproved, result.Withdrawal.Status)
}

func TestCreate_OutstandingWithdrawalsReduceAvailable(t *testing.T) {
	f := setup(t, testConfig(2))
	ctx := context.Background()
	f.fund(t, "alice", models.BucketBonus, "100")
	f.fund(t, "alice", models.BucketReferral, "30")

	_, err := f.workflow.Create(ctx, request("alice", "60", models.SourceBonus))
	require.NoError(t, err)

	available, err := f.workflow.Available(ctx, "alice", models.SourceMixed)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(70).Equal(available))

	_, err = f.workflow.Create(ctx, request("alice", "60", models.SourceBonus))
	require.ErrorIs(t, err, store.ErrInsufficientFunds)

	// Referral alone is untouched by the bonus withdrawal.
	_, err = f.workflow.Create(ctx, request("alice", "30", models.SourceReferral))
	require.NoError(t, err)
}

func TestCreate_DepositFundsLocked(t *testing.T) {
	f := setup(t, testConfig(2))
	ctx := context.Background()

	_, err := f.workflow.Create(ctx, request("alice", "50", models.SourceDeposit))
	require.ErrorIs(t, err, store.ErrFundsLocked)

	deposit := &models.Deposit{
		UserId:                "alice",
		Amount:                decimal.NewFromInt(500),
		Currency:              "USDT",
		Network:               "ethereum-mainnet",
		TxHash:                "0xdep",
		Status:                models.DepositPending,
		RequiredConfirmations: 1,
		ExpiresAt:             time.Now().Add(time.Hour),
	}
	require.NoError(t, f.db.CreateDeposit(ctx, deposit))
	_, err = f.db.UpdateDepositConfirmations(ctx, deposit.Id, 1, 10, nil)
	require.NoError(t, err)
	_, err = f.db.ConfirmDepositCredit(ctx, deposit.Id, time.Hour)
	require.NoError(t, err)

	_, err = f.workflow.Create(ctx, request("alice", "50", models.SourceDeposit))
	require.ErrorIs(t, err, store.ErrFundsLocked)

	f.workflow.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }
	withdrawal, err := f.workflow.Create(ctx, request("alice", "50", models.SourceDeposit))
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalAwaitingApproval, withdrawal.Status)
}

func TestCreate_TwoFactorRequired(t *testing.T) {
	cfg := testConfig(2)
	cfg.RequireTwoFactor = true
	f := setup(t, cfg)
	ctx := context.Background()
	f.fund(t, "alice", models.BucketBonus, "100")

	withdrawal, err := f.workflow.Create(ctx, request("alice", "50", models.SourceBonus))
	require.ErrorIs(t, err, store.ErrTwoFactorRequired)
	assert.Equal(t, models.WithdrawalPending, withdrawal.Status)

	req := request("alice", "50", models.SourceBonus)
	req.TwoFactorVerified = true
	withdrawal, err = f.workflow.Create(ctx, req)
	require.NoError(t, err)
	assert.True(t, withdrawal.TwoFactorVerified)
}

func TestCreate_FraudRejected(t *testing.T) {
	f := setup(t, testConfig(2))
	ctx := context.Background()
	f.fund(t, "alice", models.BucketBonus, "100")
	require.NoError(t, f.db.FlagUser(ctx, "alice", "chargeback", 0))

	withdrawal, err := f.workflow.Create(ctx, request("alice", "50", models.SourceBonus))
	require.ErrorIs(t, err, store.ErrFraudRejected)
	assert.Equal(t, models.WithdrawalPending, withdrawal.Status)
}

func TestProcess_Success(t *testing.T) {
	f := setup(t, testConfig(0))
	ctx := context.Background()
	f.fund(t, "alice", models.BucketBonus, "100")

	withdrawal, err := f.workflow.Create(ctx, request("alice", "50", models.SourceBonus))
	require.NoError(t, err)
	require.Equal(t, models.WithdrawalApproved, withdrawal.Status)

	f.dispatcher.On("Send", destination, "48.5").Return("0xpaid", nil).Once()

	completed, err := f.workflow.Process(ctx, withdrawal.Id)
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalCompleted, completed.Status)
	assert.Equal(t, "0xpaid", completed.TxHash)
	assert.True(t, decimal.NewFromInt(50).Equal(f.balance(t, "alice", models.BucketBonus)))
	f.dispatcher.AssertExpectations(t)

	_, err = f.workflow.Process(ctx, withdrawal.Id)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
}

func TestProcess_DispatchFailures(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected models.WithdrawalStatus
	}{
		{"transient failure returns to approved", chain.Transient(errors.New("rpc timeout")), models.WithdrawalApproved},
		{"permanent failure fails", errors.New("destination rejected"), models.WithdrawalFailed},
		{"empty hash fails", nil, models.WithdrawalFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t, testConfig(0))
			ctx := context.Background()
			f.fund(t, "alice", models.BucketBonus, "100")

			withdrawal, err := f.workflow.Create(ctx, request("alice", "50", models.SourceBonus))
			require.NoError(t, err)

			f.dispatcher.On("Send", destination, "48.5").Return("", tt.err).Once()

			released, err := f.workflow.Process(ctx, withdrawal.Id)
			require.ErrorIs(t, err, store.ErrExternalDispatchFailed)
			require.NotNil(t, released)
			assert.Equal(t, tt.expected, released.Status)
			assert.True(t, decimal.NewFromInt(100).Equal(f.balance(t, "alice", models.BucketBonus)))
		})
	}
}

func TestProcess_RetryAfterTransientFailure(t *testing.T) {
	f := setup(t, testConfig(0))
	ctx := context.Background()
	f.fund(t, "alice", models.BucketBonus, "100")

	withdrawal, err := f.workflow.Create(ctx, request("alice", "50", models.SourceBonus))
	require.NoError(t, err)

	f.dispatcher.On("Send", destination, "48.5").Return("", chain.Transient(errors.New("connection reset"))).Once()
	f.dispatcher.On("Send", destination, "48.5").Return("0xpaid", nil).Once()

	_, err = f.workflow.Process(ctx, withdrawal.Id)
	require.ErrorIs(t, err, store.ErrExternalDispatchFailed)

	completed, err := f.workflow.Process(ctx, withdrawal.Id)
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalCompleted, completed.Status)
	assert.True(t, decimal.NewFromInt(50).Equal(f.balance(t, "alice", models.BucketBonus)))
}

func findAudit(t *testing.T, f *fixture, userId, action string) models.AuditEvent {
	t.Helper()
	events, err := f.db.GetAuditEvents(context.Background(), userId)
	require.NoError(t, err)
	for _, e := range events {
		if e.Action == action {
			return e
		}
	}
	t.Fatalf("no %s audit event for %s", action, userId)
	return models.AuditEvent{}
}

func TestProcess_UnknownOutcomeIsNeverResent(t *testing.T) {
	f := setup(t, testConfig(0))
	ctx := context.Background()
	f.fund(t, "alice", models.BucketBonus, "100")

	withdrawal, err := f.workflow.Create(ctx, request("alice", "50", models.SourceBonus))
	require.NoError(t, err)

	f.dispatcher.On("Send", destination, "48.5").
		Return("", chain.UnknownOutcome("0xheld", context.DeadlineExceeded)).Once()

	held, err := f.workflow.Process(ctx, withdrawal.Id)
	require.ErrorIs(t, err, store.ErrExternalDispatchFailed)
	require.NotNil(t, held)
	assert.Equal(t, models.WithdrawalProcessing, held.Status)
	assert.Equal(t, "0xheld", held.TxHash)
	// The debit stands until the payout settles.
	assert.True(t, decimal.NewFromInt(50).Equal(f.balance(t, "alice", models.BucketBonus)))

	completed, failed, err := f.workflow.ProcessApproved(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, completed+failed)

	_, err = f.workflow.Process(ctx, withdrawal.Id)
	require.ErrorIs(t, err, store.ErrInvalidTransition)

	// Without a status source the hold is left for an operator.
	settled, err := f.workflow.SettleProcessing(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, settled)

	f.dispatcher.AssertNumberOfCalls(t, "Send", 1)
	event := findAudit(t, f, "alice", "dispatch")
	assert.Equal(t, "unsettled", event.Decision)
	assert.Equal(t, withdrawal.Id, event.EntityId)
}

func TestProcess_DispatchDeadlineHoldsWithdrawal(t *testing.T) {
	cfg := testConfig(0)
	cfg.DispatchTimeout = 20 * time.Millisecond
	f := setup(t, cfg)
	ctx := context.Background()
	f.fund(t, "alice", models.BucketBonus, "100")

	stalled := &stalledDispatcher{}
	f.workflow.dispatcher = stalled

	withdrawal, err := f.workflow.Create(ctx, request("alice", "50", models.SourceBonus))
	require.NoError(t, err)

	held, err := f.workflow.Process(ctx, withdrawal.Id)
	require.ErrorIs(t, err, store.ErrExternalDispatchFailed)
	require.NotNil(t, held)
	assert.Equal(t, models.WithdrawalProcessing, held.Status)

	for i := 0; i < 3; i++ {
		_, _, err := f.workflow.ProcessApproved(ctx, 10)
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, stalled.sends.Load())
	assert.True(t, decimal.NewFromInt(50).Equal(f.balance(t, "alice", models.BucketBonus)))
}

func TestSettleProcessing(t *testing.T) {
	tests := []struct {
		name     string
		status   chain.TxStatus
		expected models.WithdrawalStatus
		balance  int64
		settled  int
	}{
		{"mined payout completes", chain.TxSucceeded, models.WithdrawalCompleted, 50, 1},
		{"reverted payout fails and refunds", chain.TxReverted, models.WithdrawalFailed, 100, 1},
		{"pending payout stays held", chain.TxPending, models.WithdrawalProcessing, 50, 0},
		{"unknown payout stays held", chain.TxNotFound, models.WithdrawalProcessing, 50, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t, testConfig(0))
			ctx := context.Background()
			f.fund(t, "alice", models.BucketBonus, "100")

			tracker := &trackingDispatcher{}
			f.workflow.dispatcher = tracker

			withdrawal, err := f.workflow.Create(ctx, request("alice", "50", models.SourceBonus))
			require.NoError(t, err)

			tracker.On("Send", destination, "48.5").
				Return("", chain.UnknownOutcome("0xheld", errors.New("connection reset"))).Once()
			tracker.On("TransactionStatus", "0xheld").Return(tt.status, nil).Once()

			_, err = f.workflow.Process(ctx, withdrawal.Id)
			require.ErrorIs(t, err, store.ErrExternalDispatchFailed)

			settled, err := f.workflow.SettleProcessing(ctx, 10)
			require.NoError(t, err)
			assert.Equal(t, tt.settled, settled)

			stored, err := f.workflow.Get(ctx, withdrawal.Id)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, stored.Status)
			assert.True(t, decimal.NewFromInt(tt.balance).Equal(f.balance(t, "alice", models.BucketBonus)))
			tracker.AssertNumberOfCalls(t, "Send", 1)
			tracker.AssertExpectations(t)
		})
	}
}

func TestProcess_NoDispatcherLeavesLedgerUntouched(t *testing.T) {
	f := setup(t, testConfig(0))
	ctx := context.Background()
	f.fund(t, "alice", models.BucketBonus, "100")
	f.workflow.dispatcher = nil

	withdrawal, err := f.workflow.Create(ctx, request("alice", "50", models.SourceBonus))
	require.NoError(t, err)

	_, err = f.workflow.Process(ctx, withdrawal.Id)
	require.ErrorIs(t, err, store.ErrExternalDispatchFailed)
	for i := 0; i < 3; i++ {
		_, _, err := f.workflow.ProcessApproved(ctx, 10)
		require.NoError(t, err)
	}

	stored, err := f.workflow.Get(ctx, withdrawal.Id)
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalApproved, stored.Status)

	history, err := f.db.GetTransactionHistory(ctx, "alice", models.TransactionFilter{})
	require.NoError(t, err)
	assert.Len(t, history, 1, "only the funding credit")
}

func TestProcessApproved(t *testing.T) {
	f := setup(t, testConfig(0))
	ctx := context.Background()
	f.fund(t, "alice", models.BucketBonus, "100")
	f.fund(t, "bob", models.BucketBonus, "100")

	_, err := f.workflow.Create(ctx, request("alice", "20", models.SourceBonus))
	require.NoError(t, err)
	bobReq := request("bob", "30", models.SourceBonus)
	bobReq.Destination = "0x4444444444444444444444444444444444444444"
	_, err = f.workflow.Create(ctx, bobReq)
	require.NoError(t, err)

	f.dispatcher.On("Send", destination, "18.8").Return("0xalice", nil).Once()
	f.dispatcher.On("Send", bobReq.Destination, "28.7").Return("", errors.New("blocked address")).Once()

	completed, failed, err := f.workflow.ProcessApproved(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, completed)
	assert.Equal(t, 1, failed)
	f.dispatcher.AssertExpectations(t)

	assert.True(t, decimal.NewFromInt(80).Equal(f.balance(t, "alice", models.BucketBonus)))
	assert.True(t, decimal.NewFromInt(100).Equal(f.balance(t, "bob", models.BucketBonus)))
}

func TestRejectAndCancel(t *testing.T) {
	f := setup(t, testConfig(2))
	ctx := context.Background()
	f.fund(t, "alice", models.BucketBonus, "100")

	first, err := f.workflow.Create(ctx, request("alice", "20", models.SourceBonus))
	require.NoError(t, err)
	rejected, err := f.workflow.Reject(ctx, first.Id, adminA, "suspicious destination")
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalRejected, rejected.Status)
	assert.Equal(t, adminA.Id, rejected.RejectedBy)

	second, err := f.workflow.Create(ctx, request("alice", "20", models.SourceBonus))
	require.NoError(t, err)

	_, err = f.workflow.Cancel(ctx, second.Id, "bob", "not mine")
	require.ErrorIs(t, err, store.ErrNotFound)

	cancelled, err := f.workflow.Cancel(ctx, second.Id, "alice", "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalCancelled, cancelled.Status)

	_, err = f.workflow.Cancel(ctx, first.Id, "alice", "too late")
	require.ErrorIs(t, err, store.ErrInvalidTransition)

	available, err := f.workflow.Available(ctx, "alice", models.SourceBonus)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(100).Equal(available))
}
