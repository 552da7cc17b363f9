package database

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"settlement-engine-go/internal/models"
	"settlement-engine-go/internal/store"

	"github.com/shopspring/decimal"
)

func newTestWithdrawal(t *testing.T, s *Service, userId string, source models.WithdrawalSource, amount, fee string, required int) *models.Withdrawal {
	t.Helper()
	ctx := context.Background()
	withdrawal := &models.Withdrawal{
		UserId:             userId,
		Amount:             decimal.RequireFromString(amount),
		Fee:                decimal.RequireFromString(fee),
		DestinationAddress: "0xdest" + userId,
		Source:             source,
		Status:             models.WithdrawalPending,
		RequiredApprovals:  required,
		TwoFactorVerified:  true,
	}
	if err := s.CreateWithdrawal(ctx, withdrawal); err != nil {
		t.Fatalf("CreateWithdrawal failed: %v", err)
	}
	next := models.WithdrawalAwaitingApproval
	if required == 0 {
		next = models.WithdrawalApproved
	}
	updated, err := s.TransitionWithdrawal(ctx, withdrawal.Id, models.WithdrawalPending, next, "")
	if err != nil {
		t.Fatalf("TransitionWithdrawal failed: %v", err)
	}
	return updated
}

func TestAddWithdrawalApproval_Quorum(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()
	ctx := context.Background()

	createTestUser(t, service, "alice", "")
	fund(t, service, "alice", models.BucketBonus, "100")
	withdrawal := newTestWithdrawal(t, service, "alice", models.SourceBonus, "50", "0", 2)

	first, err := service.AddWithdrawalApproval(ctx, withdrawal.Id, models.Admin{Id: "admin-a", Name: "A"})
	if err != nil {
		t.Fatalf("First approval failed: %v", err)
	}
	if first.QuorumCrossed || first.ApprovalCount != 1 {
		t.Errorf("Expected 1/2 approvals, got %d crossed=%v", first.ApprovalCount, first.QuorumCrossed)
	}
	if first.Withdrawal.Status != models.WithdrawalAwaitingApproval {
		t.Errorf("Expected awaiting_approval, got %s", first.Withdrawal.Status)
	}

	_, err = service.AddWithdrawalApproval(ctx, withdrawal.Id, models.Admin{Id: "admin-a", Name: "A"})
	if !errors.Is(err, store.ErrApprovalAlreadyGiven) {
		t.Fatalf("Expected ErrApprovalAlreadyGiven, got %v", err)
	}

	second, err := service.AddWithdrawalApproval(ctx, withdrawal.Id, models.Admin{Id: "admin-b", Name: "B"})
	if err != nil {
		t.Fatalf("Second approval failed: %v", err)
	}
	if !second.QuorumCrossed || second.Withdrawal.Status != models.WithdrawalApproved {
		t.Errorf("Expected quorum crossed and approved, got %s", second.Withdrawal.Status)
	}
	if len(second.Withdrawal.Approvals) != 2 {
		t.Errorf("Expected 2 approval records, got %d", len(second.Withdrawal.Approvals))
	}

	_, err = service.AddWithdrawalApproval(ctx, withdrawal.Id, models.Admin{Id: "admin-c", Name: "C"})
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Errorf("Expected approval of approved withdrawal to fail, got %v", err)
	}
}

func TestAddWithdrawalApproval_ConcurrentQuorumCrossedOnce(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()
	ctx := context.Background()

	createTestUser(t, service, "alice", "")
	withdrawal := newTestWithdrawal(t, service, "alice", models.SourceBonus, "50", "0", 2)

	admins := []string{"admin-a", "admin-b", "admin-c", "admin-a"}
	results := make([]*models.ApprovalResult, len(admins))
	errs := make([]error, len(admins))
	var wg sync.WaitGroup
	for i, admin := range admins {
		wg.Add(1)
		go func(i int, admin string) {
			defer wg.Done()
			results[i], errs[i] = service.AddWithdrawalApproval(ctx, withdrawal.Id, models.Admin{Id: admin})
		}(i, admin)
	}
	wg.Wait()

	crossed := 0
	for i, err := range errs {
		if err != nil {
			if !errors.Is(err, store.ErrApprovalAlreadyGiven) && !errors.Is(err, store.ErrInvalidTransition) {
				t.Errorf("Unexpected error: %v", err)
			}
			continue
		}
		if results[i].QuorumCrossed {
			crossed++
		}
	}
	if crossed != 1 {
		t.Errorf("Expected quorum to be crossed exactly once, got %d", crossed)
	}
	if n := countRows(t, service, `SELECT COUNT(*) FROM outbox_events WHERE topic = ? AND aggregate_id = ?`,
		models.TopicWithdrawalApproved, withdrawal.Id); n != 1 {
		t.Errorf("Expected one approved event, got %d", n)
	}
}

func TestRejectWithdrawal(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()
	ctx := context.Background()

	createTestUser(t, service, "alice", "")
	withdrawal := newTestWithdrawal(t, service, "alice", models.SourceBonus, "50", "0", 2)

	rejected, err := service.RejectWithdrawal(ctx, withdrawal.Id, "admin-a", "suspicious")
	if err != nil {
		t.Fatalf("RejectWithdrawal failed: %v", err)
	}
	if rejected.Status != models.WithdrawalRejected || rejected.RejectedBy != "admin-a" || rejected.RejectionReason != "suspicious" {
		t.Errorf("Unexpected rejected withdrawal: %+v", rejected)
	}

	_, err = service.AddWithdrawalApproval(ctx, withdrawal.Id, models.Admin{Id: "admin-b"})
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Errorf("Expected approval after rejection to fail, got %v", err)
	}
}

func TestReserveAndCompleteWithdrawal(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()
	ctx := context.Background()

	createTestUser(t, service, "alice", "")
	fund(t, service, "alice", models.BucketBonus, "100")
	withdrawal := newTestWithdrawal(t, service, "alice", models.SourceBonus, "60", "1.5", 0)
	if withdrawal.Status != models.WithdrawalApproved {
		t.Fatalf("Expected zero-quorum withdrawal to be approved, got %s", withdrawal.Status)
	}

	reserved, err := service.ReserveWithdrawal(ctx, withdrawal.Id)
	if err != nil {
		t.Fatalf("ReserveWithdrawal failed: %v", err)
	}
	if reserved.Status != models.WithdrawalProcessing || reserved.ProcessedAt == nil {
		t.Errorf("Expected processing, got %s", reserved.Status)
	}
	assertBalance(t, service, "alice", models.BucketBonus, "40")

	debits, err := service.GetTransactionHistory(ctx, "alice", models.TransactionFilter{Status: models.TxStatusProcessing})
	if err != nil {
		t.Fatalf("GetTransactionHistory failed: %v", err)
	}
	if len(debits) != 2 {
		t.Fatalf("Expected fee and net debits, got %d", len(debits))
	}

	_, err = service.ReserveWithdrawal(ctx, withdrawal.Id)
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Errorf("Expected second reservation to fail, got %v", err)
	}

	completed, err := service.CompleteWithdrawal(ctx, withdrawal.Id, "0xpayout")
	if err != nil {
		t.Fatalf("CompleteWithdrawal failed: %v", err)
	}
	if completed.Status != models.WithdrawalCompleted || completed.TxHash != "0xpayout" {
		t.Errorf("Unexpected completed withdrawal: %+v", completed)
	}

	fee, err := service.GetTransactionHistory(ctx, "alice", models.TransactionFilter{Type: models.TxTypeFee})
	if err != nil {
		t.Fatalf("GetTransactionHistory failed: %v", err)
	}
	if len(fee) != 1 || !fee[0].Amount.Equal(decimal.RequireFromString("-1.5")) || fee[0].Status != models.TxStatusCompleted {
		t.Errorf("Expected completed fee debit of 1.5, got %+v", fee)
	}

	_, err = service.CompleteWithdrawal(ctx, withdrawal.Id, "0xagain")
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Errorf("Expected second completion to fail, got %v", err)
	}
	if err := service.ReconcileBalance(ctx, "alice", models.BucketBonus); err != nil {
		t.Errorf("Reconciliation failed: %v", err)
	}
}

func TestReleaseWithdrawal_RestoresBalance(t *testing.T) {
	tests := []struct {
		name     string
		retry    bool
		expected models.WithdrawalStatus
	}{
		{"transient failure returns to approved", true, models.WithdrawalApproved},
		{"permanent failure fails withdrawal", false, models.WithdrawalFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service, cleanup := setupTestDb(t)
			defer cleanup()
			ctx := context.Background()

			createTestUser(t, service, "alice", "")
			fund(t, service, "alice", models.BucketDeposit, "100")
			withdrawal := newTestWithdrawal(t, service, "alice", models.SourceDeposit, "80", "2", 0)

			if _, err := service.ReserveWithdrawal(ctx, withdrawal.Id); err != nil {
				t.Fatalf("ReserveWithdrawal failed: %v", err)
			}
			assertBalance(t, service, "alice", models.BucketDeposit, "20")

			released, err := service.ReleaseWithdrawal(ctx, withdrawal.Id, "node unavailable", tt.retry)
			if err != nil {
				t.Fatalf("ReleaseWithdrawal failed: %v", err)
			}
			if released.Status != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, released.Status)
			}
			assertBalance(t, service, "alice", models.BucketDeposit, "100")

			if n := countRows(t, service, `SELECT COUNT(*) FROM transactions WHERE withdrawal_id = ? AND is_reversed = TRUE`, withdrawal.Id); n != 2 {
				t.Errorf("Expected both debits reversed, got %d", n)
			}
			if err := service.ReconcileBalance(ctx, "alice", models.BucketDeposit); err != nil {
				t.Errorf("Reconciliation failed: %v", err)
			}

			if tt.retry {
				if _, err := service.ReserveWithdrawal(ctx, withdrawal.Id); err != nil {
					t.Fatalf("Re-reservation failed: %v", err)
				}
				assertBalance(t, service, "alice", models.BucketDeposit, "20")
			}
		})
	}
}

func TestReserveWithdrawal_MixedSourceDrawsBonusFirst(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()
	ctx := context.Background()

	createTestUser(t, service, "alice", "")
	fund(t, service, "alice", models.BucketBonus, "30")
	fund(t, service, "alice", models.BucketReferral, "50")
	withdrawal := newTestWithdrawal(t, service, "alice", models.SourceMixed, "45", "1", 0)

	if _, err := service.ReserveWithdrawal(ctx, withdrawal.Id); err != nil {
		t.Fatalf("ReserveWithdrawal failed: %v", err)
	}
	assertBalance(t, service, "alice", models.BucketBonus, "0")
	assertBalance(t, service, "alice", models.BucketReferral, "35")
}

func TestReserveWithdrawal_InsufficientFundsFails(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()
	ctx := context.Background()

	createTestUser(t, service, "alice", "")
	fund(t, service, "alice", models.BucketBonus, "150")
	withdrawal := newTestWithdrawal(t, service, "alice", models.SourceBonus, "100", "0", 0)

	// Balance drops after approval.
	if _, err := service.AdjustBalance(ctx, "alice", models.BucketBonus, decimal.NewFromInt(-100), "clawback"); err != nil {
		t.Fatalf("AdjustBalance failed: %v", err)
	}

	_, err := service.ReserveWithdrawal(ctx, withdrawal.Id)
	if !errors.Is(err, store.ErrInsufficientFunds) {
		t.Fatalf("Expected ErrInsufficientFunds, got %v", err)
	}
	assertBalance(t, service, "alice", models.BucketBonus, "50")

	failed, err := service.GetWithdrawal(ctx, withdrawal.Id)
	if err != nil {
		t.Fatalf("GetWithdrawal failed: %v", err)
	}
	if failed.Status != models.WithdrawalFailed {
		t.Errorf("Expected failed, got %s", failed.Status)
	}
	if n := countRows(t, service, `SELECT COUNT(*) FROM transactions WHERE withdrawal_id = ?`, withdrawal.Id); n != 0 {
		t.Errorf("Expected no withdrawal transactions, got %d", n)
	}
	if n := countInsufficientFundsAudits(t, service, "alice", models.AuditCategoryWithdrawal, "reserve"); n != 1 {
		t.Errorf("Expected one audit event for the uncovered reservation, got %d", n)
	}
}

func TestOutstandingWithdrawalsAndRiskQueries(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()
	ctx := context.Background()

	createTestUser(t, service, "alice", "")
	createTestUser(t, service, "bob", "")
	fund(t, service, "alice", models.BucketBonus, "100")

	awaiting := newTestWithdrawal(t, service, "alice", models.SourceBonus, "10", "0", 1)
	approved := newTestWithdrawal(t, service, "alice", models.SourceBonus, "20", "0", 0)
	rejected := newTestWithdrawal(t, service, "alice", models.SourceBonus, "30", "0", 1)
	if _, err := service.RejectWithdrawal(ctx, rejected.Id, "admin", "no"); err != nil {
		t.Fatalf("RejectWithdrawal failed: %v", err)
	}

	outstanding, err := service.ListOutstandingWithdrawals(ctx, "alice")
	if err != nil {
		t.Fatalf("ListOutstandingWithdrawals failed: %v", err)
	}
	if len(outstanding) != 2 {
		t.Fatalf("Expected 2 outstanding withdrawals, got %d", len(outstanding))
	}
	ids := map[string]bool{awaiting.Id: false, approved.Id: false}
	for _, w := range outstanding {
		ids[w.Id] = true
	}
	for id, seen := range ids {
		if !seen {
			t.Errorf("Expected withdrawal %s to be outstanding", id)
		}
	}

	count, total, err := service.SumWithdrawalsSince(ctx, "alice", time.Now().Add(-time.Hour), approved.Id)
	if err != nil {
		t.Fatalf("SumWithdrawalsSince failed: %v", err)
	}
	if count != 1 || !total.Equal(decimal.NewFromInt(10)) {
		t.Errorf("Expected 1 withdrawal totalling 10, got %d / %s", count, total)
	}

	times, err := service.RecentWithdrawalTimes(ctx, "alice", rejected.Id, 5)
	if err != nil {
		t.Fatalf("RecentWithdrawalTimes failed: %v", err)
	}
	if len(times) != 2 {
		t.Errorf("Expected 2 recent times, got %d", len(times))
	}
	if len(times) == 2 && times[0].Before(times[1]) {
		t.Errorf("Expected newest first, got %v", times)
	}

	bobWithdrawal := &models.Withdrawal{
		UserId:             "bob",
		Amount:             decimal.NewFromInt(5),
		Fee:                decimal.Zero,
		DestinationAddress: "0xDESTALICE",
		Source:             models.SourceBonus,
		Status:             models.WithdrawalPending,
	}
	if err := service.CreateWithdrawal(ctx, bobWithdrawal); err != nil {
		t.Fatalf("CreateWithdrawal failed: %v", err)
	}
	others, err := service.CountOtherUsersForDestination(ctx, "0xdestalice", "alice")
	if err != nil {
		t.Fatalf("CountOtherUsersForDestination failed: %v", err)
	}
	if others != 1 {
		t.Errorf("Expected 1 other user for destination, got %d", others)
	}
}
