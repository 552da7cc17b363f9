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
	"fmt"
	"reflect"
	"strings"

	"settlement-engine-go/internal/bonus"
	"settlement-engine-go/internal/database"
	"settlement-engine-go/internal/deposit"
	"settlement-engine-go/internal/models"
	"settlement-engine-go/internal/store"
	"settlement-engine-go/internal/withdrawal"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// LedgerService is the engine's operation surface. Every operation returns a
// result carrying a reason code; the error return is reserved for the caller's
// own context being cancelled.
type LedgerService struct {
	db          *database.Service
	deposits    *deposit.Service
	withdrawals *withdrawal.Workflow
	bonuses     *bonus.Engine
	validate    *validator.Validate
}

func NewLedgerService(db *database.Service, deposits *deposit.Service, withdrawals *withdrawal.Workflow, bonuses *bonus.Engine) *LedgerService {
	return &LedgerService{
		db:          db,
		deposits:    deposits,
		withdrawals: withdrawals,
		bonuses:     bonuses,
		validate:    newValidator(),
	}
}

func (s *LedgerService) HealthCheck(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// newValidator adds two tags for decimal fields: "amount" (positive, at most
// eight places) and "delta" (non-zero, at most eight places).
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.String()
		}
		return nil
	}, decimal.Decimal{})

	_ = v.RegisterValidation("amount", func(fl validator.FieldLevel) bool {
		d, err := decimal.NewFromString(fl.Field().String())
		return err == nil && models.ValidAmount(d)
	})
	_ = v.RegisterValidation("delta", func(fl validator.FieldLevel) bool {
		d, err := decimal.NewFromString(fl.Field().String())
		return err == nil && models.ValidAmount(d.Abs())
	})
	return v
}

// check validates req and maps failures to reason codes. Amount failures
// report INVALID_AMOUNT; anything else is INVALID_REQUEST.
func (s *LedgerService) check(req any) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}

	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return store.Wrap(store.ErrInvalidRequest, err, "invalid request")
	}

	kind := store.ErrInvalidRequest
	fields := make([]string, 0, len(fieldErrors))
	for _, fe := range fieldErrors {
		if fe.Tag() == "amount" || fe.Tag() == "delta" {
			kind = store.ErrInvalidAmount
		}
		fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
	}
	return store.Reject(kind, "invalid %s", strings.Join(fields, ", "))
}

func failure(err error) models.Result {
	return models.Result{
		Success: false,
		Code:    string(store.CodeOf(err)),
		Error:   err.Error(),
	}
}

func success() models.Result {
	return models.Result{Success: true}
}
