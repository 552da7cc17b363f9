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
	"time"

	"settlement-engine-go/internal/models"
	"settlement-engine-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 500
)

type HistoryRequest struct {
	UserId string                   `validate:"required"`
	Bucket models.Bucket            `validate:"omitempty,oneof=deposit bonus referral"`
	Type   models.TransactionType   `validate:"omitempty,oneof=deposit withdrawal bonus referral_bonus fee adjustment reversal"`
	Status models.TransactionStatus `validate:"omitempty,oneof=pending processing completed failed cancelled reversed"`
	Since  *time.Time
	Until  *time.Time
	Limit  int `validate:"min=0,max=500"`
	Offset int `validate:"min=0"`
}

type ReverseTransactionRequest struct {
	TransactionId string `validate:"required"`
	Reason        string `validate:"required"`
}

type AdjustBalanceRequest struct {
	UserId    string          `validate:"required"`
	Bucket    models.Bucket   `validate:"required,oneof=deposit bonus referral"`
	Delta     decimal.Decimal `validate:"delta"`
	Reference string          `validate:"required"`
}

// GetBalances returns the three bucket balances of a user.
func (s *LedgerService) GetBalances(ctx context.Context, userId string) (*models.BalancesResult, error) {
	if userId == "" {
		return &models.BalancesResult{Result: failure(store.Reject(store.ErrInvalidRequest, "user id is required"))}, nil
	}

	balances, err := s.db.GetBalances(ctx, userId)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		zap.L().Error("Failed to get user balances", zap.String("user_id", userId), zap.Error(err))
		return &models.BalancesResult{Result: failure(err)}, nil
	}
	return &models.BalancesResult{Result: success(), Balances: balances}, nil
}

// GetTransactionHistory returns a page of the user's transactions, newest
// first.
func (s *LedgerService) GetTransactionHistory(ctx context.Context, req HistoryRequest) (*models.HistoryResult, error) {
	if err := s.check(req); err != nil {
		return &models.HistoryResult{Result: failure(err)}, nil
	}
	if req.Limit == 0 {
		req.Limit = defaultHistoryLimit
	}
	if req.Limit > maxHistoryLimit {
		req.Limit = maxHistoryLimit
	}

	transactions, err := s.db.GetTransactionHistory(ctx, req.UserId, models.TransactionFilter{
		Bucket: req.Bucket,
		Type:   req.Type,
		Status: req.Status,
		Since:  req.Since,
		Until:  req.Until,
		Limit:  req.Limit,
		Offset: req.Offset,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		zap.L().Error("Failed to get transaction history",
			zap.String("user_id", req.UserId),
			zap.Error(err))
		return &models.HistoryResult{Result: failure(err)}, nil
	}
	if transactions == nil {
		transactions = []models.Transaction{}
	}
	return &models.HistoryResult{Result: success(), Transactions: transactions}, nil
}

// ReverseTransaction posts an offsetting entry for a completed deposit,
// bonus or adjustment.
func (s *LedgerService) ReverseTransaction(ctx context.Context, req ReverseTransactionRequest) (*models.TransactionResult, error) {
	if err := s.check(req); err != nil {
		return &models.TransactionResult{Result: failure(err)}, nil
	}

	reversal, err := s.db.Reverse(ctx, req.TransactionId, req.Reason)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return &models.TransactionResult{Result: failure(err)}, nil
	}

	zap.L().Info("Transaction reversed",
		zap.String("transaction_id", req.TransactionId),
		zap.String("reversal_id", reversal.Id),
		zap.String("reason", req.Reason))
	return &models.TransactionResult{Result: success(), Transaction: reversal}, nil
}

// AdjustBalance applies an admin correction. A negative delta debits and is
// refused when it would overdraw the bucket.
func (s *LedgerService) AdjustBalance(ctx context.Context, req AdjustBalanceRequest) (*models.TransactionResult, error) {
	if err := s.check(req); err != nil {
		return &models.TransactionResult{Result: failure(err)}, nil
	}

	txn, err := s.db.AdjustBalance(ctx, req.UserId, req.Bucket, req.Delta, req.Reference)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return &models.TransactionResult{Result: failure(err)}, nil
	}
	return &models.TransactionResult{Result: success(), Transaction: txn}, nil
}

// ResumeUser lifts an invariant halt once the user's balances reconcile.
func (s *LedgerService) ResumeUser(ctx context.Context, userId string) (*models.Result, error) {
	if userId == "" {
		result := failure(store.Reject(store.ErrInvalidRequest, "user id is required"))
		return &result, nil
	}

	if err := s.db.ResumeUser(ctx, userId); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		result := failure(err)
		return &result, nil
	}

	zap.L().Info("User resumed", zap.String("user_id", userId))
	result := success()
	return &result, nil
}
