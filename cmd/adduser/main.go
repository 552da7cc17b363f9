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
	"errors"
	"flag"
	"fmt"

	"settlement-engine-go/internal/common"
	"settlement-engine-go/internal/config"
	"settlement-engine-go/internal/database"
	"settlement-engine-go/internal/store"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var validate = validator.New()

func validateEmail(email string) error {
	if email == "" {
		return fmt.Errorf("email cannot be empty")
	}
	if err := validate.Var(email, "email"); err != nil {
		return fmt.Errorf("invalid email format: %s", email)
	}
	return nil
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	if len(name) < 2 {
		return fmt.Errorf("name must be at least 2 characters")
	}
	return nil
}

// resolveReferrer maps the referrer's email to a user id.
func resolveReferrer(ctx context.Context, db *database.Service, email string) (string, error) {
	if email == "" {
		return "", nil
	}
	referrer, err := db.GetUserByEmail(ctx, email)
	if err != nil {
		return "", fmt.Errorf("referrer %s: %w", email, err)
	}
	return referrer.Id, nil
}

func main() {
	ctx := context.Background()

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	nameFlag := flag.String("name", "", "User's full name (required)")
	emailFlag := flag.String("email", "", "User's email address (required)")
	referrerFlag := flag.String("referrer", "", "Email of the referring user (optional)")
	flag.Parse()

	if *nameFlag == "" || *emailFlag == "" {
		zap.L().Fatal("Both flags are required: --name and --email")
	}
	if err := validateName(*nameFlag); err != nil {
		zap.L().Fatal("Invalid name", zap.Error(err))
	}
	if err := validateEmail(*emailFlag); err != nil {
		zap.L().Fatal("Invalid email", zap.Error(err))
	}

	zap.L().Info("Starting user creation process",
		zap.String("name", *nameFlag),
		zap.String("email", *emailFlag),
		zap.String("referrer", *referrerFlag))

	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("Failed to load config", zap.Error(err))
	}

	db, err := common.InitializeDatabaseOnly(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize database", zap.Error(err))
	}
	defer db.Close()

	referrerId, err := resolveReferrer(ctx, db, *referrerFlag)
	if err != nil {
		zap.L().Fatal("Unknown referrer", zap.Error(err))
	}

	user, err := db.CreateUser(ctx, store.CreateUserParams{
		Id:         uuid.New().String(),
		Name:       *nameFlag,
		Email:      *emailFlag,
		ReferrerId: referrerId,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateTransaction) {
			zap.L().Fatal("User already exists with this email", zap.String("email", *emailFlag))
		}
		zap.L().Fatal("Failed to create user", zap.Error(err))
	}

	fmt.Println()
	common.PrintHeader("USER CREATED", common.DefaultWidth)
	fmt.Printf("ID:       %s\n", user.Id)
	fmt.Printf("Name:     %s\n", user.Name)
	fmt.Printf("Email:    %s\n", user.Email)
	if user.ReferrerId != "" {
		fmt.Printf("Referrer: %s (%s)\n", *referrerFlag, user.ReferrerId)
	}
	common.PrintSeparator("=", common.DefaultWidth)
	fmt.Println()
	fmt.Println("Register a deposit address with: go run cmd/addresses/main.go --email", user.Email, "--network <name> --address <0x...>")

	zap.L().Info("User created successfully", zap.String("id", user.Id))
}
