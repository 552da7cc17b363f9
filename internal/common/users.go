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

package common

import (
	"context"
	"fmt"

	"settlement-engine-go/internal/models"
	"settlement-engine-go/internal/store"

	"go.uber.org/zap"
)

// UserInfo represents simplified user information for command-line utilities
type UserInfo struct {
	Id         string
	Name       string
	Email      string
	ReferrerId string
	Flagged    bool
	FlagReason string
	Halted     bool
	HaltReason string
}

func userInfo(u models.User) UserInfo {
	return UserInfo{
		Id:         u.Id,
		Name:       u.Name,
		Email:      u.Email,
		ReferrerId: u.ReferrerId,
		Flagged:    u.Flagged,
		FlagReason: u.FlagReason,
		Halted:     u.Halted,
		HaltReason: u.HaltReason,
	}
}

// InitializeUsers retrieves users based on an optional email filter.
// If emailFilter is provided, returns a single user with that email.
// If emailFilter is empty, returns all users.
func InitializeUsers(ctx context.Context, users store.UserStore, emailFilter string, logger *zap.Logger) ([]UserInfo, error) {
	var result []UserInfo

	if emailFilter != "" {
		logger.Info("Looking up user by email", zap.String("email", emailFilter))
		user, err := users.GetUserByEmail(ctx, emailFilter)
		if err != nil {
			return nil, fmt.Errorf("user not found: %w", err)
		}
		result = append(result, userInfo(*user))
	} else {
		allUsers, err := users.GetUsers(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get users: %w", err)
		}
		for _, u := range allUsers {
			result = append(result, userInfo(u))
		}
	}

	logger.Info("Retrieved users", zap.Int("count", len(result)))
	return result, nil
}
