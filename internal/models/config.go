package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Config represents the application configuration
type Config struct {
	Database   DatabaseConfig
	Listener   ListenerConfig
	Deposit    DepositConfig
	Withdrawal WithdrawalConfig
	Bonus      BonusConfig
	Risk       RiskConfig
	Redis      RedisConfig
	Kafka      KafkaConfig
	Chain      ChainConfig
	Metrics    MetricsConfig
	Scheduler  SchedulerConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Driver           string // sqlite3 or pgx
	Path             string // file path for sqlite3, DSN for pgx
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
	ConnMaxIdleTime  time.Duration
	PingTimeout      time.Duration
	BusyTimeout      time.Duration
	CreateDummyUsers bool
}

// ListenerConfig holds chain listener settings
type ListenerConfig struct {
	LookbackWindow  time.Duration
	PollingInterval time.Duration
	CleanupInterval time.Duration
	Concurrency     int
	NetworksFile    string
}

// DepositConfig holds deposit tracking rules
type DepositConfig struct {
	MinAmount             decimal.Decimal
	RequiredConfirmations int
	Expiry                time.Duration
	LockPeriod            time.Duration
}

// WithdrawalConfig holds withdrawal workflow rules
type WithdrawalConfig struct {
	MinAmount         decimal.Decimal
	RequiredApprovals int
	FeePercent        decimal.Decimal
	FlatFee           decimal.Decimal
	RequireTwoFactor  bool
	DispatchTimeout   time.Duration
}

// BonusConfig holds bonus distribution rules
type BonusConfig struct {
	DistributionPercent decimal.Decimal
	ReferralLevel1      decimal.Decimal
	ReferralLevel2      decimal.Decimal
	RunLockTTL          time.Duration
}

// RiskConfig holds fraud gate thresholds
type RiskConfig struct {
	MaxHourlyDeposit         decimal.Decimal
	MaxDailyDeposit          decimal.Decimal
	MaxDailyWithdrawals      int
	MaxDailyWithdrawalAmount decimal.Decimal
	QuickWithdrawalWindow    time.Duration
	MinRequestInterval       time.Duration
	ReviewThreshold          int
}

// RedisConfig holds the optional Redis connection used for velocity counters and run locks
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// KafkaConfig holds the optional outbox publisher settings
type KafkaConfig struct {
	Brokers       []string
	TopicPrefix   string
	RelayInterval time.Duration
	RelayBatch    int
}

// ChainConfig holds payout signer settings
type ChainConfig struct {
	PayoutPrivateKey string
	PayoutNetwork    string
}

// MetricsConfig holds the ops HTTP listener settings
type MetricsConfig struct {
	Addr string
}

// SchedulerConfig holds cron specs for maintenance jobs
type SchedulerConfig struct {
	ReconcileSpec    string
	BonusRetrySpec   string
	PostProcessSpec  string
	DispatchSpec     string
	DispatchApproved bool
	SettleSpec       string
}
