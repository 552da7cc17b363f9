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

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type balanceStats struct {
	totalUsers     int
	fundedUsers    int
	haltedUsers    int
	totalLiability decimal.Decimal
}

func formatTransactionId(txId string) string {
	if len(txId) > 8 {
		return txId[:8] + "..."
	}
	return txId
}

func printHistory(transactions []models.Transaction) {
	if len(transactions) == 0 {
		return
	}
	fmt.Println("│  Recent transactions:")
	for i, txn := range transactions {
		fmt.Printf("%s %-11s %-15s %-9s %18s → %18s  %s  %s\n",
			common.BoxDetailPrefix(i == len(transactions)-1),
			formatTransactionId(txn.Id),
			txn.Type,
			txn.Bucket,
			common.FormatAmount(txn.Amount),
			common.FormatAmount(txn.BalanceAfter),
			txn.Status,
			txn.CreatedAt.Format("2006-01-02 15:04:05"))
	}
}

func processUser(ctx context.Context, user common.UserInfo, db *database.Service, historyLimit int) (decimal.Decimal, error) {
	balances, err := db.GetBalances(ctx, user.Id)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get balances: %w", err)
	}

	common.PrintUserBox(user, 78)
	common.PrintBalances(balances)

	if historyLimit > 0 {
		transactions, err := db.GetTransactionHistory(ctx, user.Id, models.TransactionFilter{Limit: historyLimit})
		if err != nil {
			return decimal.Zero, fmt.Errorf("failed to get history: %w", err)
		}
		printHistory(transactions)
	}

	return balances.Deposit.Add(balances.Bonus).Add(balances.Referral), nil
}

func processUsersAndGenerateReport(ctx context.Context, users []common.UserInfo, db *database.Service, historyLimit int, logger *zap.Logger) balanceStats {
	stats := balanceStats{totalLiability: decimal.Zero}

	for _, user := range users {
		stats.totalUsers++
		if user.Halted {
			stats.haltedUsers++
		}

		total, err := processUser(ctx, user, db, historyLimit)
		if err != nil {
			logger.Error("Failed to process user",
				zap.String("user_id", user.Id),
				zap.String("user_name", user.Name),
				zap.Error(err))
			continue
		}

		if total.IsPositive() {
			stats.fundedUsers++
			stats.totalLiability = stats.totalLiability.Add(total)
		}
	}

	return stats
}

func main() {
	ctx := context.Background()

	logger, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	emailFlag := flag.String("email", "", "Filter by specific user email (optional)")
	historyFlag := flag.Int("history", 0, "Show the N most recent transactions per user")
	flag.Parse()

	logger.Info("Starting balance query")

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

	users, err := common.InitializeUsers(ctx, db, *emailFlag, logger)
	if err != nil {
		logger.Fatal("Failed to initialize users", zap.Error(err))
	}

	common.PrintHeader("USER BALANCE REPORT", common.DefaultWidth)

	stats := processUsersAndGenerateReport(ctx, users, db, *historyFlag, logger)

	summary := fmt.Sprintf("SUMMARY: %d of %d users funded, %d halted, total liability %s",
		stats.fundedUsers, stats.totalUsers, stats.haltedUsers, common.FormatAmount(stats.totalLiability))
	common.PrintFooter(summary, common.DefaultWidth)

	logger.Info("Balance query completed",
		zap.Int("users_queried", stats.totalUsers),
		zap.Int("users_funded", stats.fundedUsers),
		zap.Int("users_halted", stats.haltedUsers),
		zap.String("total_liability", stats.totalLiability.String()))
}
