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
	"os"

	"settlement-engine-go/internal/api"
	"settlement-engine-go/internal/common"
	"settlement-engine-go/internal/config"
	"settlement-engine-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const usage = `usage: withdrawal <command> [flags]

commands:
  create   --email --amount --destination [--source deposit|bonus|referral|mixed] [--2fa]
  approve  --id --admin [--admin-name]
  reject   --id --admin --reason
  cancel   --id --email [--reason]
  process  --id
  sweep    [--limit]   dispatch every approved withdrawal
  settle   [--limit]   resolve held payouts by transaction hash`

func printResult(title string, result *models.WithdrawalResult) {
	common.PrintHeader(title, common.DefaultWidth)
	if w := result.Withdrawal; w != nil {
		fmt.Printf("ID:           %s\n", w.Id)
		fmt.Printf("Status:       %s\n", w.Status)
		fmt.Printf("Source:       %s\n", w.Source)
		fmt.Printf("Amount:       %s\n", common.FormatAmount(w.Amount))
		fmt.Printf("Fee:          %s\n", common.FormatAmount(w.Fee))
		fmt.Printf("Net:          %s\n", common.FormatAmount(w.NetAmount))
		fmt.Printf("Destination:  %s\n", w.DestinationAddress)
		if w.TxHash != "" {
			fmt.Printf("Tx hash:      %s\n", w.TxHash)
		}
	}
	if result.ApprovalCount > 0 {
		fmt.Printf("Approvals:    %d\n", result.ApprovalCount)
	}
	common.PrintSeparator("=", common.DefaultWidth)
	if result.Success {
		fmt.Println("\n✅ OK")
	} else {
		fmt.Printf("\n❌ %s: %s\n", result.Code, result.Error)
	}
	fmt.Println()
}

func run(ctx context.Context, services *common.Services, command string, args []string) (*models.WithdrawalResult, error) {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	id := fs.String("id", "", "Withdrawal id")
	email := fs.String("email", "", "User email")
	amount := fs.String("amount", "", "Amount to withdraw")
	destination := fs.String("destination", "", "Destination address")
	source := fs.String("source", string(models.SourceDeposit), "Bucket to draw from")
	twoFactor := fs.Bool("2fa", false, "Two-factor verification was completed")
	admin := fs.String("admin", "", "Admin id")
	adminName := fs.String("admin-name", "", "Admin display name")
	reason := fs.String("reason", "", "Reason")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	ledger := services.Ledger
	switch command {
	case "create":
		parsed, err := decimal.NewFromString(*amount)
		if err != nil {
			return nil, fmt.Errorf("invalid amount format: %w", err)
		}
		user, err := services.DbService.GetUserByEmail(ctx, *email)
		if err != nil {
			return nil, err
		}
		return ledger.CreateWithdrawal(ctx, api.CreateWithdrawalRequest{
			UserId:            user.Id,
			Amount:            parsed,
			Destination:       *destination,
			Source:            models.WithdrawalSource(*source),
			TwoFactorVerified: *twoFactor,
		})
	case "approve":
		return ledger.ApproveWithdrawal(ctx, api.ApproveWithdrawalRequest{WithdrawalId: *id, AdminId: *admin, AdminName: *adminName})
	case "reject":
		return ledger.RejectWithdrawal(ctx, api.RejectWithdrawalRequest{WithdrawalId: *id, AdminId: *admin, Reason: *reason})
	case "cancel":
		user, err := services.DbService.GetUserByEmail(ctx, *email)
		if err != nil {
			return nil, err
		}
		return ledger.CancelWithdrawal(ctx, api.CancelWithdrawalRequest{WithdrawalId: *id, UserId: user.Id, Reason: *reason})
	case "process":
		return ledger.ProcessWithdrawal(ctx, *id)
	}
	return nil, fmt.Errorf("unknown command %q", command)
}

func sweep(ctx context.Context, services *common.Services, args []string) {
	fs := flag.NewFlagSet("sweep", flag.ExitOnError)
	limit := fs.Int("limit", 100, "Maximum withdrawals to dispatch")
	_ = fs.Parse(args)

	completed, failed, err := services.Withdrawals.ProcessApproved(ctx, *limit)
	if err != nil {
		zap.L().Fatal("Dispatch sweep failed", zap.Error(err))
	}
	common.PrintFooter(fmt.Sprintf("SWEEP: %d completed, %d failed", completed, failed), common.DefaultWidth)
}

func settle(ctx context.Context, services *common.Services, args []string) {
	fs := flag.NewFlagSet("settle", flag.ExitOnError)
	limit := fs.Int("limit", 100, "Maximum held withdrawals to check")
	_ = fs.Parse(args)

	settled, err := services.Withdrawals.SettleProcessing(ctx, *limit)
	if err != nil {
		zap.L().Fatal("Settlement sweep failed", zap.Error(err))
	}
	common.PrintFooter(fmt.Sprintf("SETTLE: %d settled", settled), common.DefaultWidth)
}

func main() {
	ctx := context.Background()

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	if len(os.Args) < 2 {
		fmt.Println(usage)
		os.Exit(2)
	}
	command, args := os.Args[1], os.Args[2:]

	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("Failed to load config", zap.Error(err))
	}

	zap.L().Info("Initializing services")
	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	switch command {
	case "sweep":
		sweep(ctx, services, args)
		return
	case "settle":
		settle(ctx, services, args)
		return
	}

	result, err := run(ctx, services, command, args)
	if err != nil {
		fmt.Println(usage)
		zap.L().Fatal("Withdrawal command failed", zap.String("command", command), zap.Error(err))
	}
	printResult("WITHDRAWAL "+command, result)
}
