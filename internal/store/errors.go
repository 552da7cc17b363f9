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

package store

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable rejection reason.
type Code string

const (
	CodeInvalidAmount          Code = "INVALID_AMOUNT"
	CodeInsufficientFunds      Code = "INSUFFICIENT_FUNDS"
	CodeInvalidTransition      Code = "INVALID_TRANSITION"
	CodeDuplicateTransaction   Code = "DUPLICATE_TRANSACTION"
	CodeFraudRejected          Code = "FRAUD_REJECTED"
	CodeApprovalAlreadyGiven   Code = "APPROVAL_ALREADY_GIVEN"
	CodeQuorumNotReached       Code = "QUORUM_NOT_REACHED"
	CodeExternalDispatchFailed Code = "EXTERNAL_DISPATCH_FAILED"
	CodeNotFound               Code = "NOT_FOUND"
	CodeFundsLocked            Code = "FUNDS_LOCKED"
	CodeTwoFactorRequired      Code = "TWO_FACTOR_REQUIRED"
	CodeInvariantViolation     Code = "INVARIANT_VIOLATION"
	CodeUserHalted             Code = "USER_HALTED"
	CodeConcurrentModification Code = "CONCURRENT_MODIFICATION"
	CodeInvalidRequest         Code = "INVALID_REQUEST"
	CodeInternal               Code = "INTERNAL"
)

// Error is an engine rejection. Two errors match under errors.Is when their
// codes are equal, so callers compare against the sentinels below.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Sentinel errors shared across all components.
var (
	ErrInvalidAmount          = &Error{Code: CodeInvalidAmount, Message: "invalid amount"}
	ErrInsufficientFunds      = &Error{Code: CodeInsufficientFunds, Message: "insufficient funds"}
	ErrInvalidTransition      = &Error{Code: CodeInvalidTransition, Message: "invalid status transition"}
	ErrDuplicateTransaction   = &Error{Code: CodeDuplicateTransaction, Message: "duplicate transaction"}
	ErrFraudRejected          = &Error{Code: CodeFraudRejected, Message: "rejected by risk checks"}
	ErrApprovalAlreadyGiven   = &Error{Code: CodeApprovalAlreadyGiven, Message: "approval already given"}
	ErrQuorumNotReached       = &Error{Code: CodeQuorumNotReached, Message: "approval quorum not reached"}
	ErrExternalDispatchFailed = &Error{Code: CodeExternalDispatchFailed, Message: "payout dispatch failed"}
	ErrNotFound               = &Error{Code: CodeNotFound, Message: "not found"}
	ErrFundsLocked            = &Error{Code: CodeFundsLocked, Message: "funds are locked"}
	ErrTwoFactorRequired      = &Error{Code: CodeTwoFactorRequired, Message: "two-factor verification required"}
	ErrInvariantViolation     = &Error{Code: CodeInvariantViolation, Message: "balance invariant violated"}
	ErrUserHalted             = &Error{Code: CodeUserHalted, Message: "user processing halted"}
	ErrConcurrentModification = &Error{Code: CodeConcurrentModification, Message: "concurrent modification detected"}
	ErrInvalidRequest         = &Error{Code: CodeInvalidRequest, Message: "invalid request"}
)

// Reject returns an error carrying kind's code with a specific message.
func Reject(kind *Error, format string, args ...any) error {
	return &Error{Code: kind.Code, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an error carrying kind's code that also unwraps to cause.
func Wrap(kind *Error, cause error, format string, args ...any) error {
	return &Error{Code: kind.Code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// CodeOf extracts the rejection code from err, or CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
