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
	"go.uber.org/zap"
)

type reportStats struct {
	totalUsers         int
	totalAddresses     int
	usersWithAddresses int
}

func printAddresses(addresses []models.Address) {
	for i, addr := range addresses {
		network := fmt.Sprintf("%s-%s", addr.Currency, addr.Network)
		fmt.Printf("%s %-30s → %s\n", common.BoxPrefix(i == len(addresses)-1), network, addr.Address)
	}
}

func processUser(ctx context.Context, user common.UserInfo, db *database.Service) (int, error) {
	addresses, err := db.GetAllUserAddresses(ctx, user.Id)
	if err != nil {
		return 0, fmt.Errorf("failed to get addresses: %w", err)
	}
	if len(addresses) == 0 {
		return 0, nil
	}

	common.PrintUserBox(user, 98)
	printAddresses(addresses)
	return len(addresses), nil
}

func processUsersAndGenerateReport(ctx context.Context, users []common.UserInfo, db *database.Service, logger *zap.Logger) reportStats {
	stats := reportStats{}

	for _, user := range users {
		stats.totalUsers++

		addressCount, err := processUser(ctx, user, db)
		if err != nil {
			logger.Error("Failed to process user",
				zap.String("user_id", user.Id),
				zap.String("user_name", user.Name),
				zap.Error(err))
			continue
		}

		if addressCount > 0 {
			stats.usersWithAddresses++
			stats.totalAddresses += addressCount
		}
	}

	return stats
}

// registerAddress assigns a deposit address on a configured network to the user.
func registerAddress(ctx context.Context, db *database.Service, cfg *models.Config, email, networkName, address string) error {
	if !ethcommon.IsHexAddress(address) {
		return fmt.Errorf("invalid address %q", address)
	}
	networks, err := common.LoadNetworks(cfg.Listener.NetworksFile)
	if err != nil {
		return err
	}
	network, err := common.FindNetwork(networks, networkName)
	if err != nil {
		return err
	}
	user, err := db.GetUserByEmail(ctx, email)
	if err != nil {
		return err
	}

	stored, err := db.StoreAddress(ctx, store.StoreAddressParams{
		UserId:   user.Id,
		Currency: network.Currency,
		Network:  network.Name,
		Address:  ethcommon.HexToAddress(address).Hex(),
	})
	if err != nil {
		return err
	}

	fmt.Printf("Registered %s on %s for %s\n", stored.Address, stored.Network, user.Email)
	return nil
}

func main() {
	ctx := context.Background()

	logger, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	emailFlag := flag.String("email", "", "Filter by specific user email (optional)")
	networkFlag := flag.String("network", "", "Network to register --address on (requires --email)")
	addressFlag := flag.String("address", "", "Deposit address to register (requires --email and --network)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	logger.Info("Connecting to database", zap.String("path", cfg.Database.Path))
	db, err := common.InitializeDatabaseOnly(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer db.Close()

	if *addressFlag != "" {
		if *emailFlag == "" || *networkFlag == "" {
			logger.Fatal("--address requires --email and --network")
		}
		if err := registerAddress(ctx, db, cfg, *emailFlag, *networkFlag, *addressFlag); err != nil {
			logger.Fatal("Failed to register address", zap.Error(err))
		}
		return
	}

	logger.Info("Starting address query")
	users, err := common.InitializeUsers(ctx, db, *emailFlag, logger)
	if err != nil {
		logger.Fatal("Failed to initialize users", zap.Error(err))
	}

	common.PrintHeader("DEPOSIT ADDRESSES REPORT", common.WideWidth)

	stats := processUsersAndGenerateReport(ctx, users, db, logger)

	summary := fmt.Sprintf("SUMMARY: %d users with addresses (%d total addresses across %d users queried)",
		stats.usersWithAddresses, stats.totalAddresses, stats.totalUsers)
	common.PrintFooter(summary, common.WideWidth)

	logger.Info("Address query completed",
		zap.Int("users_queried", stats.totalUsers),
		zap.Int("users_with_addresses", stats.usersWithAddresses),
		zap.Int("total_addresses", stats.totalAddresses))
}
