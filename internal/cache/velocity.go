package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"settlement-engine-go/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const (
	bucketLayout = "2006010215"
	// Buckets outlive the longest window checked (24h) by one hour.
	bucketTTL = 25 * time.Hour
)

// Velocity keeps per-user hourly counters in Redis. Amounts are stored as
// integers in units of 1e-8 so INCRBY stays exact. A window starts at the
// beginning of the hour containing since, so it may include up to one extra
// hour of history.
type Velocity struct {
	client *redis.Client
	prefix string
}

func NewVelocity(c *RedisCache) *Velocity {
	return &Velocity{client: c.client, prefix: "velocity"}
}

func (v *Velocity) key(kind, userId string, hour time.Time) string {
	return fmt.Sprintf("%s:%s:%s:%s", v.prefix, kind, userId, hour.UTC().Format(bucketLayout))
}

func toUnits(amount decimal.Decimal) int64 {
	return amount.Shift(models.Scale).IntPart()
}

func fromUnits(units int64) decimal.Decimal {
	return decimal.New(units, -models.Scale)
}

func (v *Velocity) record(ctx context.Context, kinds []string, userId string, amount decimal.Decimal, at time.Time) error {
	pipe := v.client.TxPipeline()
	for _, kind := range kinds {
		key := v.key(kind, userId, at)
		if kind == "withdrawal_count" {
			pipe.IncrBy(ctx, key, 1)
		} else {
			pipe.IncrBy(ctx, key, toUnits(amount))
		}
		pipe.Expire(ctx, key, bucketTTL)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// sum adds the hourly buckets of kind from since up to now.
func (v *Velocity) sum(ctx context.Context, kind, userId string, since time.Time) (int64, error) {
	var keys []string
	for hour := since.UTC().Truncate(time.Hour); !hour.After(time.Now().UTC()); hour = hour.Add(time.Hour) {
		keys = append(keys, v.key(kind, userId, hour))
	}
	if len(keys) == 0 {
		return 0, nil
	}

	values, err := v.client.MGet(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read velocity buckets: %w", err)
	}

	var total int64
	for _, value := range values {
		s, ok := value.(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("corrupt velocity bucket: %w", err)
		}
		total += n
	}
	return total, nil
}

// DepositTotalSince ignores excludeDepositId: a deposit is only counted once
// the gate allowed it.
func (v *Velocity) DepositTotalSince(ctx context.Context, userId string, since time.Time, _ string) (decimal.Decimal, error) {
	units, err := v.sum(ctx, "deposit_amount", userId, since)
	if err != nil {
		return decimal.Zero, err
	}
	return fromUnits(units), nil
}

func (v *Velocity) WithdrawalsSince(ctx context.Context, userId string, since time.Time, _ string) (int, decimal.Decimal, error) {
	count, err := v.sum(ctx, "withdrawal_count", userId, since)
	if err != nil {
		return 0, decimal.Zero, err
	}
	units, err := v.sum(ctx, "withdrawal_amount", userId, since)
	if err != nil {
		return 0, decimal.Zero, err
	}
	return int(count), fromUnits(units), nil
}

func (v *Velocity) RecordDeposit(ctx context.Context, userId string, amount decimal.Decimal, at time.Time) error {
	return v.record(ctx, []string{"deposit_amount"}, userId, amount, at)
}

func (v *Velocity) RecordWithdrawal(ctx context.Context, userId string, amount decimal.Decimal, at time.Time) error {
	return v.record(ctx, []string{"withdrawal_count", "withdrawal_amount"}, userId, amount, at)
}
