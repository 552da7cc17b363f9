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

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"settlement-engine-go/internal/models"
	"settlement-engine-go/internal/store"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

func (s *Service) GetUsers(ctx context.Context) ([]models.User, error) {
	zap.L().Debug("Querying active users")

	var users []models.User
	if err := selectAll(ctx, s.db, &users, queryGetActiveUsers); err != nil {
		zap.L().Error("Failed to query users", zap.Error(err))
		return nil, fmt.Errorf("unable to query users: %w", err)
	}

	zap.L().Info("Retrieved users", zap.Int("count", len(users)))
	return users, nil
}

func (s *Service) GetUserById(ctx context.Context, userId string) (*models.User, error) {
	zap.L().Debug("Querying user by ID", zap.String("user_id", userId))

	var user models.User
	if err := get(ctx, s.db, &user, queryGetUserById, userId); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.Reject(store.ErrNotFound, "user not found: %s", userId)
		}
		zap.L().Error("Failed to query user by ID", zap.String("user_id", userId), zap.Error(err))
		return nil, fmt.Errorf("unable to query user by ID: %w", err)
	}

	return &user, nil
}

func (s *Service) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	zap.L().Debug("Querying user by email", zap.String("email", email))

	var user models.User
	if err := get(ctx, s.db, &user, queryGetUserByEmail, email); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.Reject(store.ErrNotFound, "user not found: %s", email)
		}
		zap.L().Error("Failed to query user by email", zap.String("email", email), zap.Error(err))
		return nil, fmt.Errorf("unable to query user by email: %w", err)
	}

	return &user, nil
}

// CreateUser registers a user with zeroed balances in every bucket.
func (s *Service) CreateUser(ctx context.Context, params store.CreateUserParams) (*models.User, error) {
	if params.Id == "" {
		params.Id = uuid.New().String()
	}
	zap.L().Info("Creating user",
		zap.String("id", params.Id),
		zap.String("name", params.Name),
		zap.String("email", params.Email),
		zap.String("referrer_id", params.ReferrerId))

	if params.ReferrerId != "" {
		if params.ReferrerId == params.Id {
			return nil, store.Reject(store.ErrInvalidTransition, "user cannot refer themselves")
		}
		if _, err := s.GetUserById(ctx, params.ReferrerId); err != nil {
			return nil, fmt.Errorf("unknown referrer: %w", err)
		}
	}

	err := s.runTx(ctx, func(tx *sqlx.Tx) error {
		ts := now()
		n, err := exec(ctx, tx, queryInsertUser, params.Id, params.Name, params.Email, params.ReferrerId, ts, ts)
		if err != nil {
			return fmt.Errorf("unable to insert user: %w", err)
		}
		if n == 0 {
			return store.Reject(store.ErrDuplicateTransaction, "user with email %s already exists", params.Email)
		}
		for _, bucket := range models.Buckets {
			if _, err := exec(ctx, tx, queryEnsureAccountBalance, uuid.New().String(), params.Id, bucket, ts); err != nil {
				return fmt.Errorf("unable to create %s balance: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		zap.L().Error("Failed to insert user", zap.String("email", params.Email), zap.Error(err))
		return nil, err
	}

	zap.L().Info("User created successfully", zap.String("id", params.Id), zap.String("email", params.Email))
	return s.GetUserById(ctx, params.Id)
}

func (s *Service) FlagUser(ctx context.Context, userId, reason string, score int) error {
	err := s.runTx(ctx, func(tx *sqlx.Tx) error {
		n, err := exec(ctx, tx, queryFlagUser, reason, score, now(), userId)
		if err != nil {
			return fmt.Errorf("unable to flag user: %w", err)
		}
		if n == 0 {
			return store.Reject(store.ErrNotFound, "user not found: %s", userId)
		}
		return s.enqueue(ctx, tx, models.TopicUserFlagged, userId, map[string]any{
			"user_id":    userId,
			"reason":     reason,
			"risk_score": score,
		})
	})
	if err != nil {
		return err
	}

	zap.L().Warn("User flagged for review", zap.String("user_id", userId), zap.String("reason", reason), zap.Int("risk_score", score))
	return nil
}

func (s *Service) ClearUserFlag(ctx context.Context, userId string) error {
	n, err := exec(ctx, s.db, queryClearUserFlag, now(), userId)
	if err != nil {
		return fmt.Errorf("unable to clear user flag: %w", err)
	}
	if n == 0 {
		return store.Reject(store.ErrNotFound, "user not found: %s", userId)
	}

	zap.L().Info("User flag cleared", zap.String("user_id", userId))
	return nil
}
