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

	"settlement-engine-go/internal/models"
	"settlement-engine-go/internal/store"
	"settlement-engine-go/internal/withdrawal"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type CreateWithdrawalRequest struct {
	UserId            string                  `validate:"required"`
	Amount            decimal.Decimal         `validate:"amount"`
	Destination       string                  `validate:"required,eth_addr"`
	Source            models.WithdrawalSource `validate:"required,oneof=deposit bonus referral mixed"`
	TwoFactorVerified bool
}

type ApproveWithdrawalRequest struct {
	WithdrawalId string `validate:"required"`
	AdminId      string `validate:"required"`
	AdminName    string
}

type RejectWithdrawalRequest struct {
	WithdrawalId string `validate:"required"`
	AdminId      string `validate:"required"`
	Reason       string `validate:"required"`
}

type CancelWithdrawalRequest struct {
	WithdrawalId string `validate:"required"`
	UserId       string `validate:"required"`
	Reason       string
}

func (s *LedgerService) CreateWithdrawal(ctx context.Context, req CreateWithdrawalRequest) (*models.WithdrawalResult, error) {
	if err := s.check(req); err != nil {
		return &models.WithdrawalResult{Result: failure(err)}, nil
	}

	created, err := s.withdrawals.Create(ctx, withdrawal.CreateRequest{
		UserId:            req.UserId,
		Amount:            req.Amount,
		Destination:       req.Destination,
		Source:            req.Source,
		TwoFactorVerified: req.TwoFactorVerified,
	})
	return withdrawalResult(ctx, created, 0, err)
}

// ApproveWithdrawal records one admin approval and reports the count so far.
func (s *LedgerService) ApproveWithdrawal(ctx context.Context, req ApproveWithdrawalRequest) (*models.WithdrawalResult, error) {
	if err := s.check(req); err != nil {
		return &models.WithdrawalResult{Result: failure(err)}, nil
	}

	result, err := s.withdrawals.Approve(ctx, req.WithdrawalId, models.Admin{Id: req.AdminId, Name: req.AdminName})
	if err != nil {
		return withdrawalResult(ctx, nil, 0, err)
	}

	zap.L().Info("Withdrawal approved by admin",
		zap.String("withdrawal_id", req.WithdrawalId),
		zap.String("admin_id", req.AdminId),
		zap.Int("approvals", result.ApprovalCount),
		zap.Bool("quorum_reached", result.QuorumCrossed))
	return withdrawalResult(ctx, result.Withdrawal, result.ApprovalCount, nil)
}

func (s *LedgerService) RejectWithdrawal(ctx context.Context, req RejectWithdrawalRequest) (*models.WithdrawalResult, error) {
	if err := s.check(req); err != nil {
		return &models.WithdrawalResult{Result: failure(err)}, nil
	}

	rejected, err := s.withdrawals.Reject(ctx, req.WithdrawalId, models.Admin{Id: req.AdminId}, req.Reason)
	return withdrawalResult(ctx, rejected, 0, err)
}

func (s *LedgerService) CancelWithdrawal(ctx context.Context, req CancelWithdrawalRequest) (*models.WithdrawalResult, error) {
	if err := s.check(req); err != nil {
		return &models.WithdrawalResult{Result: failure(err)}, nil
	}

	cancelled, err := s.withdrawals.Cancel(ctx, req.WithdrawalId, req.UserId, req.Reason)
	return withdrawalResult(ctx, cancelled, 0, err)
}

// ProcessWithdrawal dispatches an approved withdrawal. On dispatch failure
// the result carries the released or held withdrawal and EXTERNAL_DISPATCH_FAILED.
func (s *LedgerService) ProcessWithdrawal(ctx context.Context, withdrawalId string) (*models.WithdrawalResult, error) {
	if withdrawalId == "" {
		return &models.WithdrawalResult{Result: failure(store.Reject(store.ErrInvalidRequest, "withdrawal id is required"))}, nil
	}

	processed, err := s.withdrawals.Process(ctx, withdrawalId)
	return withdrawalResult(ctx, processed, 0, err)
}

func withdrawalResult(ctx context.Context, w *models.Withdrawal, approvals int, err error) (*models.WithdrawalResult, error) {
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return &models.WithdrawalResult{Result: failure(err), Withdrawal: w}, nil
	}
	if approvals == 0 && w != nil {
		approvals = len(w.Approvals)
	}
	return &models.WithdrawalResult{Result: success(), Withdrawal: w, ApprovalCount: approvals}, nil
}
