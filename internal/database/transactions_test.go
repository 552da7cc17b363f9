package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"settlement-engine-go/internal/models"
	"settlement-engine-go/internal/store"

	"github.com/shopspring/decimal"
)

func TestGetTransactionHistory_Filters(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()
	ctx := context.Background()

	createTestUser(t, service, "alice", "")
	createTestUser(t, service, "bob", "")

	before := time.Now().UTC().Add(-time.Second)
	fund(t, service, "alice", models.BucketDeposit, "100")
	fund(t, service, "alice", models.BucketBonus, "5")
	if _, err := service.Credit(ctx, store.EntryParams{
		UserId: "alice",
		Bucket: models.BucketBonus,
		Type:   models.TxTypeBonus,
		Amount: decimal.NewFromInt(3),
	}); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	fund(t, service, "bob", models.BucketDeposit, "7")

	all, err := service.GetTransactionHistory(ctx, "alice", models.TransactionFilter{})
	if err != nil {
		t.Fatalf("GetTransactionHistory failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Expected 3 transactions for alice, got %d", len(all))
	}
	for _, txn := range all {
		if txn.UserId != "alice" {
			t.Errorf("History leaked transaction of %s", txn.UserId)
		}
	}

	bonus, err := service.GetTransactionHistory(ctx, "alice", models.TransactionFilter{Bucket: models.BucketBonus})
	if err != nil {
		t.Fatalf("GetTransactionHistory failed: %v", err)
	}
	if len(bonus) != 2 {
		t.Errorf("Expected 2 bonus bucket transactions, got %d", len(bonus))
	}

	typed, err := service.GetTransactionHistory(ctx, "alice", models.TransactionFilter{Type: models.TxTypeBonus})
	if err != nil {
		t.Fatalf("GetTransactionHistory failed: %v", err)
	}
	if len(typed) != 1 || !typed[0].Amount.Equal(decimal.NewFromInt(3)) {
		t.Errorf("Expected the single bonus transaction, got %+v", typed)
	}

	limited, err := service.GetTransactionHistory(ctx, "alice", models.TransactionFilter{Limit: 2})
	if err != nil {
		t.Fatalf("GetTransactionHistory failed: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("Expected limit of 2, got %d", len(limited))
	}

	paged, err := service.GetTransactionHistory(ctx, "alice", models.TransactionFilter{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("GetTransactionHistory failed: %v", err)
	}
	if len(paged) != 1 {
		t.Errorf("Expected 1 transaction on the second page, got %d", len(paged))
	}

	future := time.Now().UTC().Add(time.Hour)
	none, err := service.GetTransactionHistory(ctx, "alice", models.TransactionFilter{Since: &future})
	if err != nil {
		t.Fatalf("GetTransactionHistory failed: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("Expected no transactions after %v, got %d", future, len(none))
	}

	window, err := service.GetTransactionHistory(ctx, "alice", models.TransactionFilter{Since: &before, Until: &future})
	if err != nil {
		t.Fatalf("GetTransactionHistory failed: %v", err)
	}
	if len(window) != 3 {
		t.Errorf("Expected 3 transactions in window, got %d", len(window))
	}
}

func TestGetTransaction_NotFound(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	_, err := service.GetTransaction(context.Background(), "missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestJournalEntries_Balanced(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()
	ctx := context.Background()

	createTestUser(t, service, "alice", "")

	credit, err := service.Credit(ctx, store.EntryParams{
		UserId: "alice",
		Bucket: models.BucketReferral,
		Type:   models.TxTypeReferralBonus,
		Amount: decimal.RequireFromString("12.5"),
	})
	if err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	debit, err := service.Debit(ctx, store.EntryParams{
		UserId: "alice",
		Bucket: models.BucketReferral,
		Type:   models.TxTypeAdjustment,
		Amount: decimal.RequireFromString("2.5"),
	})
	if err != nil {
		t.Fatalf("Debit failed: %v", err)
	}

	tests := []struct {
		name        string
		txn         *models.Transaction
		counterType string
		userDebit   string
		userCredit  string
	}{
		{"referral credit", credit, "platform_expense", "12.5", "0"},
		{"adjustment debit", debit, "platform_adjustments", "0", "2.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := service.GetJournalEntries(ctx, tt.txn.Id)
			if err != nil {
				t.Fatalf("GetJournalEntries failed: %v", err)
			}
			if len(entries) != 2 {
				t.Fatalf("Expected 2 journal entries, got %d", len(entries))
			}

			debits, credits := decimal.Zero, decimal.Zero
			for _, e := range entries {
				debits = debits.Add(e.DebitAmount)
				credits = credits.Add(e.CreditAmount)
				switch e.AccountType {
				case "user_balance":
					if e.AccountId != "alice_referral" {
						t.Errorf("Unexpected user account %s", e.AccountId)
					}
					if !e.DebitAmount.Equal(decimal.RequireFromString(tt.userDebit)) ||
						!e.CreditAmount.Equal(decimal.RequireFromString(tt.userCredit)) {
						t.Errorf("Unexpected user line debit=%s credit=%s", e.DebitAmount, e.CreditAmount)
					}
				case tt.counterType:
				default:
					t.Errorf("Unexpected counter account type %s", e.AccountType)
				}
			}
			if !debits.Equal(credits) {
				t.Errorf("Journal not balanced: debits=%s credits=%s", debits, credits)
			}
		})
	}
}
