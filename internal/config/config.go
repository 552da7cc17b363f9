/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"settlement-engine-go/internal/models"

	"github.com/shopspring/decimal"
)

// Load reads the engine configuration from the environment. Malformed
// durations and decimals are errors; malformed integers and booleans fall
// back to their defaults.
func Load() (*models.Config, error) {
	p := &parser{}

	cfg := &models.Config{
		Database: models.DatabaseConfig{
			Driver:           getEnvString("DATABASE_DRIVER", "sqlite3"),
			Path:             getEnvString("DATABASE_PATH", "ledger.db"),
			MaxOpenConns:     getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:     getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime:  p.duration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime:  p.duration("DB_CONN_MAX_IDLE_TIME", 30*time.Second),
			PingTimeout:      p.duration("DB_PING_TIMEOUT", 5*time.Second),
			BusyTimeout:      p.duration("DB_BUSY_TIMEOUT", 5*time.Second),
			CreateDummyUsers: getEnvBool("CREATE_DUMMY_USERS", false),
		},
		Listener: models.ListenerConfig{
			LookbackWindow:  p.duration("LISTENER_LOOKBACK_WINDOW", 6*time.Hour),
			PollingInterval: p.duration("LISTENER_POLLING_INTERVAL", 30*time.Second),
			CleanupInterval: p.duration("LISTENER_CLEANUP_INTERVAL", 15*time.Minute),
			Concurrency:     getEnvInt("LISTENER_CONCURRENCY", 8),
			NetworksFile:    getEnvString("NETWORKS_FILE", "networks.yaml"),
		},
		Deposit: models.DepositConfig{
			MinAmount:             p.decimal("DEPOSIT_MIN_AMOUNT", decimal.NewFromInt(100)),
			RequiredConfirmations: getEnvInt("DEPOSIT_REQUIRED_CONFIRMATIONS", 19),
			Expiry:                p.duration("DEPOSIT_EXPIRY", 24*time.Hour),
			LockPeriod:            p.duration("DEPOSIT_LOCK_PERIOD", 365*24*time.Hour),
		},
		Withdrawal: models.WithdrawalConfig{
			MinAmount:         p.decimal("WITHDRAWAL_MIN_AMOUNT", decimal.NewFromInt(10)),
			RequiredApprovals: getEnvInt("WITHDRAWAL_REQUIRED_APPROVALS", 2),
			FeePercent:        p.decimal("WITHDRAWAL_FEE_PERCENT", decimal.Zero),
			FlatFee:           p.decimal("WITHDRAWAL_FLAT_FEE", decimal.Zero),
			RequireTwoFactor:  getEnvBool("WITHDRAWAL_REQUIRE_2FA", false),
			DispatchTimeout:   p.duration("WITHDRAWAL_DISPATCH_TIMEOUT", 2*time.Minute),
		},
		Bonus: models.BonusConfig{
			DistributionPercent: p.decimal("BONUS_DISTRIBUTION_PERCENT", decimal.RequireFromString("0.70")),
			ReferralLevel1:      p.decimal("BONUS_REFERRAL_LEVEL1", decimal.RequireFromString("0.05")),
			ReferralLevel2:      p.decimal("BONUS_REFERRAL_LEVEL2", decimal.RequireFromString("0.02")),
			RunLockTTL:          p.duration("BONUS_RUN_LOCK_TTL", 30*time.Minute),
		},
		Risk: models.RiskConfig{
			MaxHourlyDeposit:         p.decimal("RISK_MAX_HOURLY_DEPOSIT", decimal.NewFromInt(50000)),
			MaxDailyDeposit:          p.decimal("RISK_MAX_DAILY_DEPOSIT", decimal.NewFromInt(200000)),
			MaxDailyWithdrawals:      getEnvInt("RISK_MAX_DAILY_WITHDRAWALS", 5),
			MaxDailyWithdrawalAmount: p.decimal("RISK_MAX_DAILY_WITHDRAWAL_AMOUNT", decimal.NewFromInt(100000)),
			QuickWithdrawalWindow:    p.duration("RISK_QUICK_WITHDRAWAL_WINDOW", time.Hour),
			MinRequestInterval:       p.duration("RISK_MIN_REQUEST_INTERVAL", 10*time.Second),
			ReviewThreshold:          getEnvInt("RISK_REVIEW_THRESHOLD", 60),
		},
		Redis: models.RedisConfig{
			Addr:     getEnvString("REDIS_ADDR", ""),
			Password: getEnvString("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Kafka: models.KafkaConfig{
			Brokers:       getEnvList("KAFKA_BROKERS"),
			TopicPrefix:   getEnvString("KAFKA_TOPIC_PREFIX", "settlement"),
			RelayInterval: p.duration("OUTBOX_RELAY_INTERVAL", 5*time.Second),
			RelayBatch:    getEnvInt("OUTBOX_RELAY_BATCH", 100),
		},
		Chain: models.ChainConfig{
			PayoutPrivateKey: getEnvString("PAYOUT_PRIVATE_KEY", ""),
			PayoutNetwork:    getEnvString("PAYOUT_NETWORK", ""),
		},
		Metrics: models.MetricsConfig{
			Addr: getEnvString("METRICS_ADDR", ":9090"),
		},
		Scheduler: models.SchedulerConfig{
			ReconcileSpec:    getEnvString("SCHEDULE_RECONCILE", "0 * * * *"),
			BonusRetrySpec:   getEnvString("SCHEDULE_BONUS_RETRY", "*/10 * * * *"),
			PostProcessSpec:  getEnvString("SCHEDULE_POST_PROCESS", "*/5 * * * *"),
			DispatchSpec:     getEnvString("SCHEDULE_DISPATCH", "* * * * *"),
			DispatchApproved: getEnvBool("SCHEDULE_DISPATCH_APPROVED", false),
			SettleSpec:       getEnvString("SCHEDULE_SETTLE", "*/2 * * * *"),
		},
	}
	if p.err != nil {
		return nil, p.err
	}

	if cfg.Database.Driver != "sqlite3" && cfg.Database.Driver != "pgx" {
		return nil, fmt.Errorf("unsupported DATABASE_DRIVER %q (want sqlite3 or pgx)", cfg.Database.Driver)
	}
	if cfg.Withdrawal.RequiredApprovals < 0 {
		return nil, fmt.Errorf("WITHDRAWAL_REQUIRED_APPROVALS must not be negative")
	}
	if cfg.Bonus.DistributionPercent.IsNegative() || cfg.Bonus.DistributionPercent.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("BONUS_DISTRIBUTION_PERCENT must be between 0 and 1, got %s", cfg.Bonus.DistributionPercent)
	}
	return cfg, nil
}

// parser keeps the first parse error so Load can build the config in one
// expression.
type parser struct {
	err error
}

func (p *parser) duration(key string, defaultValue time.Duration) time.Duration {
	d, err := getEnvDuration(key, defaultValue)
	if err != nil && p.err == nil {
		p.err = err
	}
	return d
}

func (p *parser) decimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	d, err := getEnvDecimal(key, defaultValue)
	if err != nil && p.err == nil {
		p.err = err
	}
	return d
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err != nil {
			return 0, fmt.Errorf("invalid duration for %s: %q (%w)", key, value, err)
		}
		return duration, nil
	}
	return defaultValue, nil
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) (decimal.Decimal, error) {
	if value := os.Getenv(key); value != "" {
		d, err := decimal.NewFromString(value)
		if err != nil {
			return decimal.Zero, fmt.Errorf("invalid decimal for %s: %q (%w)", key, value, err)
		}
		return d, nil
	}
	return defaultValue, nil
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvList splits a comma separated value, dropping empty items.
func getEnvList(key string) []string {
	var items []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
