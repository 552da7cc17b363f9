package database

import (
	"context"
	"testing"

	"settlement-engine-go/internal/models"
	"settlement-engine-go/internal/store"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

func setupTestDb(t *testing.T) (*Service, func()) {
	db, err := sqlx.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	// One connection keeps every caller on the same in-memory database.
	db.SetMaxOpenConns(1)

	service, err := NewServiceFromDB(context.Background(), db)
	if err != nil {
		t.Fatalf("Failed to create test schema: %v", err)
	}

	cleanup := func() {
		db.Close()
	}

	return service, cleanup
}

func createTestUser(t *testing.T, s *Service, id, referrerId string) *models.User {
	t.Helper()
	user, err := s.CreateUser(context.Background(), store.CreateUserParams{
		Id:         id,
		Name:       "User " + id,
		Email:      id + "@example.com",
		ReferrerId: referrerId,
	})
	if err != nil {
		t.Fatalf("Failed to create user %s: %v", id, err)
	}
	return user
}

func fund(t *testing.T, s *Service, userId string, bucket models.Bucket, amount string) {
	t.Helper()
	_, err := s.Credit(context.Background(), store.EntryParams{
		UserId: userId,
		Bucket: bucket,
		Type:   models.TxTypeAdjustment,
		Amount: decimal.RequireFromString(amount),
	})
	if err != nil {
		t.Fatalf("Failed to fund %s %s: %v", userId, bucket, err)
	}
}

func assertBalance(t *testing.T, s *Service, userId string, bucket models.Bucket, expected string) {
	t.Helper()
	balance, err := s.GetBalance(context.Background(), userId, bucket)
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if !balance.Equal(decimal.RequireFromString(expected)) {
		t.Errorf("Expected %s balance %s, got %s", bucket, expected, balance.String())
	}
}

func countRows(t *testing.T, s *Service, query string, args ...any) int {
	t.Helper()
	var n int
	if err := get(context.Background(), s.db, &n, query, args...); err != nil {
		t.Fatalf("Count query failed: %v", err)
	}
	return n
}

func TestCreateUser_InitialisesBuckets(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	createTestUser(t, service, "alice", "")
	bob := createTestUser(t, service, "bob", "alice")

	if bob.ReferrerId != "alice" {
		t.Errorf("Expected referrer alice, got %q", bob.ReferrerId)
	}
	if n := countRows(t, service, `SELECT COUNT(*) FROM account_balances WHERE user_id = ?`, "bob"); n != 3 {
		t.Errorf("Expected 3 balance rows, got %d", n)
	}

	balances, err := service.GetBalances(context.Background(), "bob")
	if err != nil {
		t.Fatalf("GetBalances failed: %v", err)
	}
	if !balances.Total().IsZero() {
		t.Errorf("Expected zero balances, got %s", balances.Total().String())
	}
}

func TestCreateUser_RejectsDuplicateEmailAndUnknownReferrer(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()
	ctx := context.Background()

	createTestUser(t, service, "alice", "")

	_, err := service.CreateUser(ctx, store.CreateUserParams{Id: "alice2", Name: "Alice", Email: "alice@example.com"})
	if err == nil {
		t.Fatalf("Expected duplicate email to be rejected")
	}

	_, err = service.CreateUser(ctx, store.CreateUserParams{Id: "carol", Name: "Carol", Email: "carol@example.com", ReferrerId: "nobody"})
	if err == nil {
		t.Fatalf("Expected unknown referrer to be rejected")
	}
}

func TestAddresses_FindUserByAddress(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()
	ctx := context.Background()

	createTestUser(t, service, "alice", "")
	_, err := service.StoreAddress(ctx, store.StoreAddressParams{
		UserId:   "alice",
		Currency: "USDT",
		Network:  "ethereum-mainnet",
		Address:  "0xAbC0000000000000000000000000000000000001",
	})
	if err != nil {
		t.Fatalf("StoreAddress failed: %v", err)
	}

	user, addr, err := service.FindUserByAddress(ctx, "0xabc0000000000000000000000000000000000001")
	if err != nil {
		t.Fatalf("FindUserByAddress failed: %v", err)
	}
	if user == nil || user.Id != "alice" {
		t.Fatalf("Expected alice, got %+v", user)
	}
	if addr.Currency != "USDT" {
		t.Errorf("Expected currency USDT, got %s", addr.Currency)
	}

	user, _, err = service.FindUserByAddress(ctx, "0xdead")
	if err != nil || user != nil {
		t.Errorf("Expected no user for unknown address, got %+v, %v", user, err)
	}

	monitored, err := service.GetMonitoredAddresses(ctx)
	if err != nil {
		t.Fatalf("GetMonitoredAddresses failed: %v", err)
	}
	if len(monitored) != 1 || monitored[0].UserId != "alice" {
		t.Errorf("Expected one monitored address for alice, got %+v", monitored)
	}
}
