package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"settlement-engine-go/internal/api"
	"settlement-engine-go/internal/common"
	"settlement-engine-go/internal/config"
	"settlement-engine-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func printRun(profit decimal.Decimal, date string, result *models.BonusRunResult) {
	common.PrintHeader("DAILY BONUS RUN "+date, common.DefaultWidth)
	fmt.Printf("Batch:        %s\n", result.BatchId)
	fmt.Printf("Profit:       %s\n", common.FormatAmount(profit))
	fmt.Printf("Pool:         %s\n", common.FormatAmount(result.Pool))
	fmt.Printf("Distributed:  %s\n", common.FormatAmount(result.Distributed))
	fmt.Printf("Retained:     %s\n", common.FormatAmount(result.Retained))
	fmt.Printf("Paid:         %d\n", result.Paid)
	fmt.Printf("Skipped:      %d (already paid)\n", result.Skipped)
	for i, f := range result.Failed {
		if i == 0 {
			fmt.Println("Failed:")
		}
		fmt.Printf("%s %s %s: %s\n", common.BoxPrefix(i == len(result.Failed)-1), f.UserId, common.FormatAmount(f.Amount), f.Reason)
	}
	common.PrintSeparator("=", common.DefaultWidth)
	if !result.Success {
		fmt.Printf("\n❌ %s: %s\n", result.Code, result.Error)
	}
	fmt.Println()
}

func main() {
	ctx := context.Background()

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	profitFlag := flag.String("profit", "", "Daily profit to distribute")
	dateFlag := flag.String("date", "", "Bonus date, YYYY-MM-DD (default: today UTC)")
	retryFlag := flag.Bool("retry", false, "Retry failed bonus payments instead of running a batch")
	limitFlag := flag.Int("limit", 100, "Maximum failed bonuses to retry")
	flag.Parse()

	if !*retryFlag && *profitFlag == "" {
		zap.L().Fatal("Either --profit or --retry is required")
	}

	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("Failed to load config", zap.Error(err))
	}

	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	if *retryFlag {
		paid, failed, err := services.Bonuses.RetryFailed(ctx, *limitFlag)
		if err != nil {
			zap.L().Fatal("Bonus retry failed", zap.Error(err))
		}
		common.PrintFooter(fmt.Sprintf("RETRY: %d paid, %d still failing", paid, failed), common.DefaultWidth)
		return
	}

	profit, err := decimal.NewFromString(*profitFlag)
	if err != nil {
		zap.L().Fatal("Invalid profit", zap.String("profit", *profitFlag), zap.Error(err))
	}
	date := time.Now().UTC()
	if *dateFlag != "" {
		date, err = time.Parse(time.DateOnly, *dateFlag)
		if err != nil {
			zap.L().Fatal("Invalid date", zap.String("date", *dateFlag), zap.Error(err))
		}
	}

	result, err := services.Ledger.CalculateDailyBonuses(ctx, api.DailyBonusRequest{Profit: profit, Date: date})
	if err != nil {
		zap.L().Fatal("Daily bonus run failed", zap.Error(err))
	}
	printRun(profit, date.Format(time.DateOnly), result)
}
