package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"settlement-engine-go/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) *RedisCache {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	c, err := NewRedisCache(context.Background(), models.RedisConfig{Addr: addr})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestUnitsRoundTrip(t *testing.T) {
	amount := decimal.RequireFromString("1234.56789012")
	assert.Equal(t, int64(123456789012), toUnits(amount))
	assert.True(t, fromUnits(toUnits(amount)).Equal(amount))
}

func TestMemoryLocker(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	release, ok, err := locker.TryLock(ctx, "bonus:2026-01-02", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = locker.TryLock(ctx, "bonus:2026-01-02", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must be refused")

	_, ok, err = locker.TryLock(ctx, "bonus:2026-01-03", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "other keys are independent")

	release()
	_, ok, err = locker.TryLock(ctx, "bonus:2026-01-02", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryLocker_Expires(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	stale, ok, err := locker.TryLock(ctx, "job", time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	time.Sleep(5 * time.Millisecond)

	_, ok, err = locker.TryLock(ctx, "job", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// Releasing the expired lock must not free the new holder.
	stale()
	_, ok, err = locker.TryLock(ctx, "job", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisVelocity(t *testing.T) {
	c := setupRedis(t)
	v := NewVelocity(c)
	ctx := context.Background()
	user := "user-" + uuid.New().String()
	now := time.Now().UTC()

	require.NoError(t, v.RecordDeposit(ctx, user, decimal.RequireFromString("100.5"), now))
	require.NoError(t, v.RecordDeposit(ctx, user, decimal.RequireFromString("0.00000001"), now))
	require.NoError(t, v.RecordWithdrawal(ctx, user, decimal.NewFromInt(40), now))

	total, err := v.DepositTotalSince(ctx, user, now.Add(-time.Hour), "")
	require.NoError(t, err)
	assert.True(t, total.Equal(decimal.RequireFromString("100.50000001")), "got %s", total)

	count, amount, err := v.WithdrawalsSince(ctx, user, now.Add(-24*time.Hour), "")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.True(t, amount.Equal(decimal.NewFromInt(40)))
}

func TestRedisLocker(t *testing.T) {
	c := setupRedis(t)
	locker := NewRedisLocker(c)
	ctx := context.Background()
	key := "test:" + uuid.New().String()

	release, ok, err := locker.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = locker.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	release()
	release2, ok, err := locker.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	release2()
}
