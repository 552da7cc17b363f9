package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrTransient marks a failure that may succeed on retry. Callers treat every
// other dispatch error as permanent.
var ErrTransient = errors.New("transient chain error")

// Transient wraps err so that errors.Is(err, ErrTransient) holds.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// ErrUnknownOutcome marks a payout that may have reached the network. It is
// settled by its transaction hash and never sent again.
var ErrUnknownOutcome = errors.New("payout outcome unknown")

// BroadcastError reports a signed transfer whose broadcast result is unknown.
// TxHash is empty when the dispatcher could not name the transaction.
type BroadcastError struct {
	TxHash string
	Err    error
}

func (e *BroadcastError) Error() string {
	if e.TxHash == "" {
		return fmt.Sprintf("%v: %v", ErrUnknownOutcome, e.Err)
	}
	return fmt.Sprintf("%v for %s: %v", ErrUnknownOutcome, e.TxHash, e.Err)
}

func (e *BroadcastError) Unwrap() []error { return []error{ErrUnknownOutcome, e.Err} }

func UnknownOutcome(txHash string, err error) error {
	return &BroadcastError{TxHash: txHash, Err: err}
}

func IsUnknownOutcome(err error) bool {
	return errors.Is(err, ErrUnknownOutcome)
}

// BroadcastHash returns the hash carried by an unknown-outcome error.
func BroadcastHash(err error) string {
	var b *BroadcastError
	if errors.As(err, &b) {
		return b.TxHash
	}
	return ""
}

// Observation is one inbound transfer seen on chain
type Observation struct {
	TxHash        string
	LogIndex      uint
	ToAddress     string
	FromAddress   string
	Amount        decimal.Decimal
	Currency      string
	Network       string
	Confirmations int
	BlockNumber   int64
	BlockTime     *time.Time
}

// Watcher reports recent transfers into an address.
type Watcher interface {
	Observe(ctx context.Context, address string) ([]Observation, error)
}

// Dispatcher sends a payout and returns the transaction hash.
type Dispatcher interface {
	Send(ctx context.Context, toAddress string, amount decimal.Decimal) (string, error)
}

type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxSucceeded TxStatus = "succeeded"
	TxReverted  TxStatus = "reverted"
	TxNotFound  TxStatus = "not_found"
)

// PayoutTracker reports what became of a transaction sent by a Dispatcher.
type PayoutTracker interface {
	TransactionStatus(ctx context.Context, txHash string) (TxStatus, error)
}
