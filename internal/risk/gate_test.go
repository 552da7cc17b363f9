package risk

import (
	"context"
	"testing"
	"time"

	"settlement-engine-go/internal/database"
	"settlement-engine-go/internal/models"
	"settlement-engine-go/internal/store"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() models.RiskConfig {
	return models.RiskConfig{
		MaxHourlyDeposit:         decimal.NewFromInt(1000),
		MaxDailyDeposit:          decimal.NewFromInt(5000),
		MaxDailyWithdrawals:      2,
		MaxDailyWithdrawalAmount: decimal.NewFromInt(500),
		QuickWithdrawalWindow:    time.Hour,
		MinRequestInterval:       time.Second,
		ReviewThreshold:          60,
	}
}

func setupGate(t *testing.T) (*Gate, *database.Service) {
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	service, err := database.NewServiceFromDB(context.Background(), db)
	require.NoError(t, err)

	for _, id := range []string{"alice", "bob"} {
		_, err := service.CreateUser(context.Background(), store.CreateUserParams{Id: id, Name: id, Email: id + "@example.com"})
		require.NoError(t, err)
	}
	return NewGate(service, nil, testConfig()), service
}

func createDeposit(t *testing.T, s *database.Service, userId, hash, amount string) *models.Deposit {
	deposit := &models.Deposit{
		UserId:                userId,
		Amount:                decimal.RequireFromString(amount),
		Currency:              "USDT",
		Network:               "ethereum-mainnet",
		TxHash:                hash,
		Status:                models.DepositPending,
		RequiredConfirmations: 1,
		ExpiresAt:             time.Now().Add(time.Hour),
	}
	require.NoError(t, s.CreateDeposit(context.Background(), deposit))
	return deposit
}

func createWithdrawal(t *testing.T, s *database.Service, userId, destination, amount string) *models.Withdrawal {
	withdrawal := &models.Withdrawal{
		UserId:             userId,
		Amount:             decimal.RequireFromString(amount),
		Fee:                decimal.Zero,
		DestinationAddress: destination,
		Source:             models.SourceBonus,
		Status:             models.WithdrawalPending,
		RequiredApprovals:  2,
	}
	ctx := context.Background()
	require.NoError(t, s.CreateWithdrawal(ctx, withdrawal))
	_, err := s.TransitionWithdrawal(ctx, withdrawal.Id, models.WithdrawalPending, models.WithdrawalAwaitingApproval, "")
	require.NoError(t, err)
	return withdrawal
}

func lastAudit(t *testing.T, s *database.Service, userId string) models.AuditEvent {
	events, err := s.GetAuditEvents(context.Background(), userId)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	latest := events[0]
	for _, e := range events[1:] {
		if e.CreatedAt.After(latest.CreatedAt) {
			latest = e
		}
	}
	return latest
}

func TestCheckDeposit_Allows(t *testing.T) {
	gate, service := setupGate(t)

	decision, err := gate.CheckDeposit(context.Background(), DepositCheck{
		UserId: "alice",
		TxHash: "0x01",
		Amount: decimal.NewFromInt(500),
	})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, RuleNone, decision.Rule)

	event := lastAudit(t, service, "alice")
	assert.Equal(t, models.AuditCategoryRisk, event.Category)
	assert.Equal(t, "allow", event.Decision)
}

func TestCheckDeposit_Blocks(t *testing.T) {
	gate, service := setupGate(t)
	ctx := context.Background()

	existing := createDeposit(t, service, "alice", "0xdup", "800")

	tests := []struct {
		name  string
		check DepositCheck
		rule  string
	}{
		{
			name:  "hash attached to another deposit",
			check: DepositCheck{UserId: "bob", TxHash: "0xDUP", Amount: decimal.NewFromInt(10)},
			rule:  RuleDuplicateHash,
		},
		{
			name:  "hourly velocity",
			check: DepositCheck{UserId: "alice", TxHash: "0x02", Amount: decimal.NewFromInt(300)},
			rule:  RuleDepositHourlyVelocity,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := gate.CheckDeposit(ctx, tt.check)
			require.ErrorIs(t, err, store.ErrFraudRejected)
			assert.False(t, decision.Allowed)
			assert.Equal(t, tt.rule, decision.Rule)

			event := lastAudit(t, service, tt.check.UserId)
			assert.Equal(t, "block", event.Decision)
			assert.Equal(t, tt.rule, event.Rule)
		})
	}

	// The deposit being checked does not count against itself.
	decision, err := gate.CheckDeposit(ctx, DepositCheck{
		UserId:    "alice",
		DepositId: existing.Id,
		TxHash:    "0xdup",
		Amount:    existing.Amount,
	})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestCheckDeposit_DailyVelocity(t *testing.T) {
	gate, service := setupGate(t)
	gate.cfg.MaxHourlyDeposit = decimal.Zero
	gate.cfg.MaxDailyDeposit = decimal.NewFromInt(1000)

	createDeposit(t, service, "alice", "0x01", "600")
	createDeposit(t, service, "alice", "0x02", "300")

	decision, err := gate.CheckDeposit(context.Background(), DepositCheck{
		UserId: "alice",
		TxHash: "0x03",
		Amount: decimal.RequireFromString("100.00000001"),
	})
	require.ErrorIs(t, err, store.ErrFraudRejected)
	assert.Equal(t, RuleDepositDailyVelocity, decision.Rule)
}

func TestCheckWithdrawal_FlaggedUserBlocked(t *testing.T) {
	gate, service := setupGate(t)
	ctx := context.Background()

	require.NoError(t, gate.FlagUser(ctx, "alice", "manual review"))

	decision, err := gate.CheckWithdrawal(ctx, WithdrawalCheck{
		UserId:      "alice",
		Destination: "0xdest",
		Amount:      decimal.NewFromInt(10),
	})
	require.ErrorIs(t, err, store.ErrFraudRejected)
	assert.Equal(t, RuleUserFlagged, decision.Rule)

	_, err = gate.CheckDeposit(ctx, DepositCheck{UserId: "alice", TxHash: "0x1", Amount: decimal.NewFromInt(1)})
	require.ErrorIs(t, err, store.ErrFraudRejected)

	require.NoError(t, gate.ClearFlag(ctx, "alice", "reviewed"))
	decision, err = gate.CheckWithdrawal(ctx, WithdrawalCheck{
		UserId:      "alice",
		Destination: "0xdest",
		Amount:      decimal.NewFromInt(10),
	})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	user, err := service.GetUserById(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, user.Flagged)
}

func TestCheckWithdrawal_Velocity(t *testing.T) {
	gate, service := setupGate(t)
	ctx := context.Background()

	first := createWithdrawal(t, service, "alice", "0xa", "200")
	createWithdrawal(t, service, "alice", "0xa", "200")

	decision, err := gate.CheckWithdrawal(ctx, WithdrawalCheck{UserId: "alice", Destination: "0xa", Amount: decimal.NewFromInt(10)})
	require.ErrorIs(t, err, store.ErrFraudRejected)
	assert.Equal(t, RuleWithdrawalDailyCount, decision.Rule)

	gate.cfg.MaxDailyWithdrawals = 10
	decision, err = gate.CheckWithdrawal(ctx, WithdrawalCheck{UserId: "alice", Destination: "0xa", Amount: decimal.NewFromInt(101)})
	require.ErrorIs(t, err, store.ErrFraudRejected)
	assert.Equal(t, RuleWithdrawalDailyVelocity, decision.Rule)

	// Re-checking an existing withdrawal excludes its own amount.
	decision, err = gate.CheckWithdrawal(ctx, WithdrawalCheck{
		UserId:       "alice",
		WithdrawalId: first.Id,
		Destination:  "0xa",
		Amount:       first.Amount,
	})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestCheckWithdrawal_FlagsRaiseScoreAndReview(t *testing.T) {
	gate, service := setupGate(t)
	ctx := context.Background()
	gate.cfg.MinRequestInterval = 0

	// Bob already withdrew to the same address.
	createWithdrawal(t, service, "bob", "0xShared", "20")

	// Alice's deposit was confirmed moments ago.
	deposit := createDeposit(t, service, "alice", "0xdep", "100")
	_, err := service.UpdateDepositConfirmations(ctx, deposit.Id, 1, 1, nil)
	require.NoError(t, err)
	_, err = service.ConfirmDepositCredit(ctx, deposit.Id, time.Hour)
	require.NoError(t, err)

	decision, err := gate.CheckWithdrawal(ctx, WithdrawalCheck{
		UserId:      "alice",
		Destination: "0xshared",
		Amount:      decimal.NewFromInt(50),
	})
	require.NoError(t, err, "flags never block")
	assert.True(t, decision.Allowed)
	assert.Equal(t, ScoreSharedDestination+ScoreQuickWithdrawal, decision.Score)
	assert.True(t, decision.Review)

	rules := []string{}
	for _, f := range decision.Flags {
		rules = append(rules, f.Rule)
	}
	assert.ElementsMatch(t, []string{RuleSharedDestination, RuleQuickWithdrawal}, rules)

	user, err := service.GetUserById(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, user.Flagged)
	assert.Equal(t, 70, user.RiskScore)

	event := lastAudit(t, service, "alice")
	assert.Equal(t, "review", event.Decision)
	assert.Equal(t, 70, event.RiskScore)
}

func TestAutomatedTiming(t *testing.T) {
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		times       []time.Time
		minInterval time.Duration
		expected    bool
	}{
		{"no history", nil, time.Second, false},
		{"too fast", []time.Time{now.Add(-500 * time.Millisecond)}, time.Second, true},
		{"slow single", []time.Time{now.Add(-time.Hour)}, time.Second, false},
		{
			"evenly spaced",
			[]time.Time{now.Add(-time.Minute), now.Add(-2 * time.Minute), now.Add(-3 * time.Minute)},
			time.Second,
			true,
		},
		{
			"irregular",
			[]time.Time{now.Add(-time.Minute), now.Add(-5 * time.Minute), now.Add(-6 * time.Minute)},
			time.Second,
			false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := automatedTiming(now, tt.times, tt.minInterval)
			assert.Equal(t, tt.expected, ok)
		})
	}
}
