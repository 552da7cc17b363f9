package main

import (
	"context"
	"flag"
	"fmt"

	"settlement-engine-go/internal/common"
	"settlement-engine-go/internal/config"
	"settlement-engine-go/internal/database"
	"settlement-engine-go/internal/models"
	"settlement-engine-go/internal/store"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

// demoAddress derives a stable placeholder address for a user on a network.
// It has no known private key and is only meant for local demos.
func demoAddress(userId, network string) string {
	hash := crypto.Keccak256([]byte(userId + ":" + network))
	return ethcommon.BytesToAddress(hash[12:]).Hex()
}

// checkExistingAddress checks if user already has an address on the network
func checkExistingAddress(ctx context.Context, db *database.Service, user models.User, network models.NetworkConfig) (bool, error) {
	existingAddresses, err := db.GetAddresses(ctx, user.Id, network.Currency, network.Name)
	if err != nil {
		zap.L().Error("Error checking existing addresses",
			zap.String("user_id", user.Id),
			zap.String("network", network.Name),
			zap.Error(err))
		return false, err
	}

	if len(existingAddresses) > 0 {
		zap.L().Info("User already has an address on network",
			zap.String("user_id", user.Id),
			zap.String("network", network.Name),
			zap.String("address", existingAddresses[0].Address))
		return true, nil
	}
	return false, nil
}

func processUserNetwork(ctx context.Context, db *database.Service, user models.User, network models.NetworkConfig) (bool, error) {
	exists, err := checkExistingAddress(ctx, db, user, network)
	if err != nil || exists {
		return false, err
	}

	stored, err := db.StoreAddress(ctx, store.StoreAddressParams{
		UserId:   user.Id,
		Currency: network.Currency,
		Network:  network.Name,
		Address:  demoAddress(user.Id, network.Name),
	})
	if err != nil {
		return false, err
	}

	zap.L().Info("Demo deposit address registered",
		zap.String("user_id", user.Id),
		zap.String("network", network.Name),
		zap.String("address", stored.Address))
	return true, nil
}

func generateAddresses(ctx context.Context, db *database.Service, networksFile string) {
	zap.L().Info("Loading network configuration", zap.String("file", networksFile))
	networks, err := common.LoadNetworks(networksFile)
	if err != nil {
		zap.L().Fatal("Failed to load networks", zap.Error(err))
	}

	users, err := db.GetUsers(ctx)
	if err != nil {
		zap.L().Fatal("Failed to read users from database", zap.Error(err))
	}

	var created, failed int
	var failedPairs []string
	for _, user := range users {
		for _, network := range networks {
			ok, err := processUserNetwork(ctx, db, user, network)
			if err != nil {
				failed++
				failedPairs = append(failedPairs, fmt.Sprintf("%s/%s", user.Name, network.Name))
				continue
			}
			if ok {
				created++
			}
		}
	}

	if failed > 0 {
		zap.L().Warn("Address generation completed with some failures",
			zap.Int("addresses_created", created),
			zap.Int("failed_addresses", failed),
			zap.Strings("failed_user_networks", failedPairs))
	} else {
		zap.L().Info("Address generation completed successfully",
			zap.Int("addresses_created", created))
	}
}

func verifyLedger(ctx context.Context, db *database.Service) {
	report, err := db.ReconcileAll(ctx)
	if err != nil {
		zap.L().Fatal("Reconciliation failed", zap.Error(err))
	}
	if len(report.Mismatched) > 0 {
		zap.L().Error("Ledger balances do not match transaction history",
			zap.Int("accounts_checked", report.Checked),
			zap.Strings("mismatched", report.Mismatched))
		return
	}
	zap.L().Info("Ledger reconciled", zap.Int("accounts_checked", report.Checked))
}

func main() {
	ctx := context.Background()

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	initFlag := flag.Bool("init", false, "Create the schema with demo users and demo deposit addresses")
	verifyFlag := flag.Bool("verify", false, "Reconcile every stored balance against the transaction history")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("Failed to load config", zap.Error(err))
	}
	if *initFlag {
		cfg.Database.CreateDummyUsers = true
	}

	zap.L().Info("Opening ledger database",
		zap.String("driver", cfg.Database.Driver),
		zap.String("path", cfg.Database.Path))
	db, err := common.InitializeDatabaseOnly(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize database", zap.Error(err))
	}
	defer db.Close()

	if *verifyFlag {
		verifyLedger(ctx, db)
		return
	}

	if *initFlag {
		generateAddresses(ctx, db, cfg.Listener.NetworksFile)
	}
	zap.L().Info("Setup complete")
}
