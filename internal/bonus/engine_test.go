package bonus

import (
	"context"
	"errors"
	"testing"
	"time"

	"settlement-engine-go/internal/cache"
	"settlement-engine-go/internal/database"
	"settlement-engine-go/internal/models"
	"settlement-engine-go/internal/store"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var runDate = time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)

// flakyStore fails the payments listed in failOn, counted from 1.
type flakyStore struct {
	*database.Service
	calls  int
	failOn map[int]bool
}

func (s *flakyStore) PayBonus(ctx context.Context, bonusId string) (*models.Bonus, *models.Transaction, error) {
	s.calls++
	if s.failOn[s.calls] {
		return nil, nil, errors.New("ledger unavailable")
	}
	return s.Service.PayBonus(ctx, bonusId)
}

type fixture struct {
	db     *database.Service
	store  *flakyStore
	engine *Engine
}

func testBonusConfig() models.BonusConfig {
	return models.BonusConfig{
		DistributionPercent: decimal.RequireFromString("0.7"),
		ReferralLevel1:      decimal.RequireFromString("0.05"),
		ReferralLevel2:      decimal.RequireFromString("0.02"),
	}
}

func setup(t *testing.T) *fixture {
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	ledger, err := database.NewServiceFromDB(context.Background(), db)
	require.NoError(t, err)

	flaky := &flakyStore{Service: ledger, failOn: map[int]bool{}}
	return &fixture{
		db:     ledger,
		store:  flaky,
		engine: NewEngine(flaky, cache.NewMemoryLocker(), testBonusConfig()),
	}
}

func (f *fixture) user(t *testing.T, id, referrer string) {
	_, err := f.db.CreateUser(context.Background(), store.CreateUserParams{
		Id: id, Name: id, Email: id + "@example.com", ReferrerId: referrer,
	})
	require.NoError(t, err)
}

func (f *fixture) confirmDeposit(t *testing.T, userId, txHash, amount string) *models.Deposit {
	ctx := context.Background()
	deposit := &models.Deposit{
		UserId:                userId,
		Amount:                decimal.RequireFromString(amount),
		Currency:              "USDT",
		Network:               "ethereum-mainnet",
		TxHash:                txHash,
		Status:                models.DepositPending,
		RequiredConfirmations: 1,
		ExpiresAt:             time.Now().Add(time.Hour),
	}
	require.NoError(t, f.db.CreateDeposit(ctx, deposit))
	_, err := f.db.UpdateDepositConfirmations(ctx, deposit.Id, 1, 10, nil)
	require.NoError(t, err)
	result, err := f.db.ConfirmDepositCredit(ctx, deposit.Id, time.Hour)
	require.NoError(t, err)
	return result.Deposit
}

func (f *fixture) balance(t *testing.T, userId string, bucket models.Bucket) decimal.Decimal {
	balance, err := f.db.GetBalance(context.Background(), userId, bucket)
	require.NoError(t, err)
	return balance
}

func TestCalculateDailyBonuses_ProRata(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.user(t, "alice", "")
	f.user(t, "bob", "")
	f.user(t, "carol", "")
	f.confirmDeposit(t, "alice", "0x01", "300")
	f.confirmDeposit(t, "bob", "0x02", "700")

	summary, err := f.engine.CalculateDailyBonuses(ctx, decimal.NewFromInt(1000), runDate)
	require.NoError(t, err)

	assert.Equal(t, "2026-03-14", summary.BonusDate)
	assert.True(t, decimal.NewFromInt(700).Equal(summary.Pool))
	assert.True(t, decimal.NewFromInt(700).Equal(summary.Distributed))
	assert.True(t, summary.Retained.IsZero())
	assert.Equal(t, 2, summary.Recipients)
	assert.Equal(t, 2, summary.Paid)
	assert.Empty(t, summary.Failed)

	assert.True(t, decimal.NewFromInt(210).Equal(f.balance(t, "alice", models.BucketBonus)))
	assert.True(t, decimal.NewFromInt(490).Equal(f.balance(t, "bob", models.BucketBonus)))
	assert.True(t, f.balance(t, "carol", models.BucketBonus).IsZero())

	batch, err := f.db.GetBonusBatchByDate(ctx, "2026-03-14")
	require.NoError(t, err)
	assert.Equal(t, summary.BatchId, batch.Id)
	assert.Equal(t, models.BatchCompleted, batch.Status)
}

func TestCalculateDailyBonuses_RemainderRetained(t *testing.T) {
	f := setup(t)
	for _, id := range []string{"alice", "bob", "carol"} {
		f.user(t, id, "")
		f.confirmDeposit(t, id, "0x"+id, "100")
	}

	cfg := testBonusConfig()
	cfg.DistributionPercent = decimal.NewFromInt(1)
	f.engine.cfg = cfg

	summary, err := f.engine.CalculateDailyBonuses(context.Background(), decimal.NewFromInt(1), runDate)
	require.NoError(t, err)

	assert.True(t, decimal.RequireFromString("0.99999999").Equal(summary.Distributed))
	assert.True(t, decimal.RequireFromString("0.00000001").Equal(summary.Retained))
	assert.True(t, summary.Distributed.Add(summary.Retained).Equal(summary.Pool))
	for _, id := range []string{"alice", "bob", "carol"} {
		assert.True(t, decimal.RequireFromString("0.33333333").Equal(f.balance(t, id, models.BucketBonus)), id)
	}
}

func TestCalculateDailyBonuses_RerunIsIdempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.user(t, "alice", "")
	f.user(t, "bob", "")
	f.confirmDeposit(t, "alice", "0x01", "300")
	f.confirmDeposit(t, "bob", "0x02", "700")

	first, err := f.engine.CalculateDailyBonuses(ctx, decimal.NewFromInt(1000), runDate)
	require.NoError(t, err)

	second, err := f.engine.CalculateDailyBonuses(ctx, decimal.NewFromInt(1000), runDate)
	require.NoError(t, err)
	assert.Equal(t, first.BatchId, second.BatchId)
	assert.Equal(t, 0, second.Paid)
	assert.Equal(t, 2, second.Skipped)
	assert.True(t, decimal.NewFromInt(210).Equal(f.balance(t, "alice", models.BucketBonus)))

	_, err = f.engine.CalculateDailyBonuses(ctx, decimal.NewFromInt(2000), runDate)
	assert.ErrorIs(t, err, store.ErrDuplicateTransaction)
}

func TestCalculateDailyBonuses_FailureDoesNotAbortBatch(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.user(t, "alice", "")
	f.user(t, "bob", "")
	f.confirmDeposit(t, "alice", "0x01", "300")
	f.confirmDeposit(t, "bob", "0x02", "700")
	f.store.failOn[1] = true

	summary, err := f.engine.CalculateDailyBonuses(ctx, decimal.NewFromInt(1000), runDate)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Paid)
	require.Len(t, summary.Failed, 1)
	assert.Equal(t, "alice", summary.Failed[0].UserId)
	assert.Contains(t, summary.Failed[0].Reason, "ledger unavailable")
	assert.True(t, decimal.NewFromInt(490).Equal(summary.Distributed))

	batch, err := f.db.GetBonusBatchByDate(ctx, "2026-03-14")
	require.NoError(t, err)
	assert.Equal(t, models.BatchPartial, batch.Status)
	assert.Equal(t, 1, batch.FailedCount)

	paid, failed, err := f.engine.RetryFailed(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, paid)
	assert.Equal(t, 0, failed)
	assert.True(t, decimal.NewFromInt(210).Equal(f.balance(t, "alice", models.BucketBonus)))

	batch, err = f.db.GetBonusBatchByDate(ctx, "2026-03-14")
	require.NoError(t, err)
	assert.Equal(t, models.BatchCompleted, batch.Status)
	assert.True(t, decimal.NewFromInt(700).Equal(batch.Distributed))
}

func TestCalculateDailyBonuses_Validation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	for _, profit := range []string{"0", "-5", "1.000000001"} {
		_, err := f.engine.CalculateDailyBonuses(ctx, decimal.RequireFromString(profit), runDate)
		assert.ErrorIs(t, err, store.ErrInvalidAmount, profit)
	}
}

func TestCalculateDailyBonuses_NoEligibleUsers(t *testing.T) {
	f := setup(t)
	f.user(t, "alice", "")

	summary, err := f.engine.CalculateDailyBonuses(context.Background(), decimal.NewFromInt(100), runDate)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Recipients)
	assert.True(t, decimal.NewFromInt(70).Equal(summary.Retained))
}

func TestCalculateDailyBonuses_ConcurrentRunRefused(t *testing.T) {
	f := setup(t)
	locker := cache.NewMemoryLocker()
	f.engine.locker = locker

	release, ok, err := locker.TryLock(context.Background(), "bonus:daily:2026-03-14", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.engine.CalculateDailyBonuses(context.Background(), decimal.NewFromInt(100), runDate)
	assert.ErrorIs(t, err, store.ErrConcurrentModification)

	release()
	_, err = f.engine.CalculateDailyBonuses(context.Background(), decimal.NewFromInt(100), runDate)
	assert.NoError(t, err)
}

func TestProcessReferralBonuses(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.user(t, "alice", "")
	f.user(t, "bob", "alice")
	f.user(t, "carol", "bob")

	deposit := f.confirmDeposit(t, "carol", "0xc1", "1000")

	require.NoError(t, f.engine.ProcessReferralBonuses(ctx, deposit))
	assert.True(t, decimal.NewFromInt(50).Equal(f.balance(t, "bob", models.BucketReferral)))
	assert.True(t, decimal.NewFromInt(20).Equal(f.balance(t, "alice", models.BucketReferral)))
	assert.True(t, f.balance(t, "carol", models.BucketReferral).IsZero())

	// replay pays nothing more
	require.NoError(t, f.engine.ProcessReferralBonuses(ctx, deposit))
	assert.True(t, decimal.NewFromInt(50).Equal(f.balance(t, "bob", models.BucketReferral)))
	assert.True(t, decimal.NewFromInt(20).Equal(f.balance(t, "alice", models.BucketReferral)))

	history, err := f.db.GetTransactionHistory(ctx, "bob", models.TransactionFilter{Type: models.TxTypeReferralBonus})
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestProcessReferralBonuses_ShortChain(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.user(t, "alice", "")
	f.user(t, "bob", "alice")

	require.NoError(t, f.engine.ProcessReferralBonuses(ctx, f.confirmDeposit(t, "alice", "0xa1", "500")))
	require.NoError(t, f.engine.ProcessReferralBonuses(ctx, f.confirmDeposit(t, "bob", "0xb1", "500")))

	assert.True(t, decimal.NewFromInt(25).Equal(f.balance(t, "alice", models.BucketReferral)))
	assert.True(t, f.balance(t, "bob", models.BucketReferral).IsZero())
}

func TestProcessReferralBonuses_FailedPaymentIsRetried(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.user(t, "alice", "")
	f.user(t, "bob", "alice")
	f.store.failOn[1] = true

	require.NoError(t, f.engine.ProcessReferralBonuses(ctx, f.confirmDeposit(t, "bob", "0xb1", "200")))
	assert.True(t, f.balance(t, "alice", models.BucketReferral).IsZero())

	failedBonuses, err := f.db.ListFailedBonuses(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failedBonuses, 1)
	assert.Equal(t, 1, failedBonuses[0].ReferralLevel)

	paid, _, err := f.engine.RetryFailed(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, paid)
	assert.True(t, decimal.NewFromInt(10).Equal(f.balance(t, "alice", models.BucketReferral)))
}

func TestCreateManualBonus(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.user(t, "alice", "")

	bonus, err := f.engine.CreateManualBonus(ctx, ManualBonusRequest{
		UserId:    "alice",
		Type:      models.BonusTypePromotional,
		Amount:    decimal.RequireFromString("12.5"),
		Reference: "spring campaign",
	})
	require.NoError(t, err)
	assert.Equal(t, models.BonusDistributed, bonus.Status)
	assert.NotEmpty(t, bonus.TransactionId)
	assert.True(t, decimal.RequireFromString("12.5").Equal(f.balance(t, "alice", models.BucketBonus)))

	_, err = f.engine.CreateManualBonus(ctx, ManualBonusRequest{UserId: "alice", Type: models.BonusTypeDaily, Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, store.ErrInvalidAmount)

	_, err = f.engine.CreateManualBonus(ctx, ManualBonusRequest{UserId: "nobody", Type: models.BonusTypeSpecial, Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, store.ErrNotFound)
}
