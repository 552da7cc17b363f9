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

package api

import (
	"context"
	"errors"

	"settlement-engine-go/internal/deposit"
	"settlement-engine-go/internal/models"
	"settlement-engine-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type CreateDepositRequest struct {
	UserId                string          `validate:"required"`
	Amount                decimal.Decimal `validate:"amount"`
	Currency              string          `validate:"required"`
	Network               string          `validate:"required"`
	TxHash                string          `validate:"required"`
	FromAddress           string
	ToAddress             string
	Confirmations         int `validate:"min=0"`
	RequiredConfirmations int `validate:"min=0"`
}

// CreateDeposit records a deposit seen on chain. A replayed hash returns the
// stored deposit with DUPLICATE_TRANSACTION.
func (s *LedgerService) CreateDeposit(ctx context.Context, req CreateDepositRequest) (*models.DepositResult, error) {
	if err := s.check(req); err != nil {
		return &models.DepositResult{Result: failure(err)}, nil
	}

	zap.L().Info("Creating deposit",
		zap.String("user_id", req.UserId),
		zap.String("tx_hash", req.TxHash),
		zap.String("amount", req.Amount.String()))

	created, err := s.deposits.CreateDeposit(ctx, deposit.CreateParams{
		UserId:                req.UserId,
		Amount:                req.Amount,
		Currency:              req.Currency,
		Network:               req.Network,
		TxHash:                req.TxHash,
		FromAddress:           req.FromAddress,
		ToAddress:             req.ToAddress,
		Confirmations:         req.Confirmations,
		RequiredConfirmations: req.RequiredConfirmations,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, store.ErrDuplicateTransaction) {
			zap.L().Info("Duplicate deposit detected", zap.String("tx_hash", req.TxHash))
		}
		return &models.DepositResult{Result: failure(err), Deposit: created}, nil
	}

	return &models.DepositResult{Result: success(), Deposit: created}, nil
}

// ConfirmDeposit credits a deposit that reached its confirmation depth.
// Repeated calls succeed without crediting twice.
func (s *LedgerService) ConfirmDeposit(ctx context.Context, depositId string) (*models.DepositResult, error) {
	if depositId == "" {
		return &models.DepositResult{Result: failure(store.Reject(store.ErrInvalidRequest, "deposit id is required"))}, nil
	}

	result, err := s.deposits.ConfirmDeposit(ctx, depositId)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return &models.DepositResult{Result: failure(err)}, nil
	}

	newBalance, err := s.db.GetBalance(ctx, result.Deposit.UserId, models.BucketDeposit)
	if err != nil {
		zap.L().Error("Balance lookup failed after deposit confirmation",
			zap.String("deposit_id", depositId),
			zap.Error(err))
		return &models.DepositResult{Result: failure(err), Deposit: result.Deposit}, nil
	}

	zap.L().Info("Deposit confirmed",
		zap.String("deposit_id", depositId),
		zap.String("user_id", result.Deposit.UserId),
		zap.Bool("already_credited", result.AlreadyCredited),
		zap.String("new_balance", newBalance.String()))

	return &models.DepositResult{
		Result:      success(),
		Deposit:     result.Deposit,
		Transaction: result.Transaction,
		NewBalance:  newBalance,
	}, nil
}
