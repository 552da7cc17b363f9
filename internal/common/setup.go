package common

import (
	"context"
	"log"
	"strings"

	"settlement-engine-go/internal/api"
	"settlement-engine-go/internal/bonus"
	"settlement-engine-go/internal/cache"
	"settlement-engine-go/internal/chain"
	"settlement-engine-go/internal/database"
	"settlement-engine-go/internal/deposit"
	"settlement-engine-go/internal/models"
	"settlement-engine-go/internal/risk"
	"settlement-engine-go/internal/withdrawal"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// init loads environment variables from .env file if it exists
func init() {
	// A missing .env is fine; variables may come from the shell or the container.
	if err := godotenv.Load(); err != nil {
		log.Printf("Note: No .env file found or unable to load it: %v\n", err)
		log.Println("Make sure to set environment variables via export or other means")
	} else {
		log.Println("✓ Loaded environment variables from .env file")
	}
}

// Services is the wired engine shared by the command line tools.
type Services struct {
	DbService   *database.Service
	Cache       *cache.RedisCache
	Gate        *risk.Gate
	Deposits    *deposit.Service
	Withdrawals *withdrawal.Workflow
	Bonuses     *bonus.Engine
	Ledger      *api.LedgerService
	Payout      *chain.ERC20Client
}

func InitializeLogger() (*zap.Logger, func()) {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	zap.ReplaceGlobals(logger)

	cleanup := func() {
		if err := logger.Sync(); err != nil {
			if !isIgnorableSyncError(err) {
				log.Printf("Failed to sync logger: %v\n", err)
			}
		}
	}

	return logger, cleanup
}

// InitializeServices opens the ledger and wires every component. Redis and
// the payout signer are optional: without REDIS_ADDR the gate and the bonus
// run lock stay in-process, and without PAYOUT_PRIVATE_KEY withdrawals can be
// approved but not dispatched.
func InitializeServices(ctx context.Context, cfg *models.Config) (*Services, error) {
	dbService, err := database.NewService(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	services := &Services{DbService: dbService}

	var velocity risk.VelocityTracker
	var locker bonus.Locker = cache.NewMemoryLocker()
	if cfg.Redis.Addr != "" {
		zap.L().Info("Connecting to Redis", zap.String("addr", cfg.Redis.Addr))
		redisCache, err := cache.NewRedisCache(ctx, cfg.Redis)
		if err != nil {
			services.Close()
			return nil, err
		}
		services.Cache = redisCache
		velocity = cache.NewVelocity(redisCache)
		locker = cache.NewRedisLocker(redisCache)
	}

	if cfg.Chain.PayoutPrivateKey != "" {
		payout, err := initializePayout(ctx, cfg)
		if err != nil {
			services.Close()
			return nil, err
		}
		services.Payout = payout
	} else {
		zap.L().Warn("PAYOUT_PRIVATE_KEY not set - approved withdrawals will not be dispatched")
	}

	services.Gate = risk.NewGate(dbService, velocity, cfg.Risk)
	services.Bonuses = bonus.NewEngine(dbService, locker, cfg.Bonus)
	services.Deposits = deposit.NewService(dbService, services.Gate, services.Bonuses, cfg.Deposit)
	services.Withdrawals = withdrawal.NewWorkflow(dbService, services.Gate, payoutDispatcher(services.Payout), cfg.Withdrawal)
	services.Ledger = api.NewLedgerService(dbService, services.Deposits, services.Withdrawals, services.Bonuses)

	return services, nil
}

// InitializeDatabaseOnly opens just the ledger store.
// Useful for read-only operations like querying balances
func InitializeDatabaseOnly(ctx context.Context, cfg *models.Config) (*database.Service, error) {
	dbService, err := database.NewService(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	return dbService, nil
}

// InitializeWatchers dials one ERC-20 client per configured network. The
// returned cleanup closes them all.
func InitializeWatchers(ctx context.Context, networks []models.NetworkConfig) (map[string]chain.Watcher, func(), error) {
	clients := make([]*chain.ERC20Client, 0, len(networks))
	cleanup := func() {
		for _, c := range clients {
			c.Close()
		}
	}

	watchers := make(map[string]chain.Watcher, len(networks))
	for _, network := range networks {
		client, err := chain.NewERC20Client(ctx, network, "")
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		clients = append(clients, client)
		watchers[network.Name] = client
		zap.L().Info("Watching network",
			zap.String("network", network.Name),
			zap.String("currency", network.Currency),
			zap.String("token", network.TokenContract))
	}
	return watchers, cleanup, nil
}

func (cs *Services) Close() {
	if cs.Payout != nil {
		cs.Payout.Close()
	}
	if cs.Cache != nil {
		if err := cs.Cache.Close(); err != nil {
			zap.L().Warn("Failed to close Redis client", zap.Error(err))
		}
	}
	if cs.DbService != nil {
		cs.DbService.Close()
	}
}

func initializePayout(ctx context.Context, cfg *models.Config) (*chain.ERC20Client, error) {
	networks, err := LoadNetworks(cfg.Listener.NetworksFile)
	if err != nil {
		return nil, err
	}
	name := cfg.Chain.PayoutNetwork
	if name == "" && len(networks) > 0 {
		name = networks[0].Name
	}
	network, err := FindNetwork(networks, name)
	if err != nil {
		return nil, err
	}

	zap.L().Info("Initializing payout signer", zap.String("network", network.Name))
	return chain.NewERC20Client(ctx, network, cfg.Chain.PayoutPrivateKey)
}

// payoutDispatcher returns a nil Dispatcher without a signer, so the workflow
// refuses payouts before reserving any funds.
func payoutDispatcher(payout *chain.ERC20Client) chain.Dispatcher {
	if payout == nil {
		return nil
	}
	return payout
}

func isIgnorableSyncError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "sync /dev/stderr: inappropriate ioctl for device") ||
		strings.Contains(msg, "sync /dev/stdout: inappropriate ioctl for device")
}
