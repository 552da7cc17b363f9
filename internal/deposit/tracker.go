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

package deposit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"settlement-engine-go/internal/chain"
	"settlement-engine-go/internal/models"
	"settlement-engine-go/internal/store"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const retryBatchSize = 100

// TrackerConfig contains configuration for Tracker
type TrackerConfig struct {
	Service *Service
	Store   Store
	// Watchers by network name; addresses on other networks are ignored.
	Watchers        map[string]chain.Watcher
	LookbackWindow  time.Duration
	PollingInterval time.Duration
	CleanupInterval time.Duration
	Concurrency     int
}

// Tracker polls chain watchers for transfers into monitored addresses and
// feeds them to the deposit service.
type Tracker struct {
	service  *Service
	store    Store
	watchers map[string]chain.Watcher

	// Hashes that reached a terminal state and need no further polling
	processedHashes map[string]time.Time
	mutex           sync.RWMutex
	lookbackWindow  time.Duration
	pollingInterval time.Duration
	cleanupInterval time.Duration
	concurrency     int

	addrMutex          sync.RWMutex
	monitoredAddresses []models.MonitoredAddress

	// Control channels
	stopChan chan struct{}
	doneChan chan struct{}
}

func NewTracker(cfg TrackerConfig) *Tracker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Tracker{
		service:         cfg.Service,
		store:           cfg.Store,
		watchers:        cfg.Watchers,
		processedHashes: make(map[string]time.Time),
		lookbackWindow:  cfg.LookbackWindow,
		pollingInterval: cfg.PollingInterval,
		cleanupInterval: cfg.CleanupInterval,
		concurrency:     concurrency,
		stopChan:        make(chan struct{}),
		doneChan:        make(chan struct{}),
	}
}

// Start begins monitoring deposit addresses
func (t *Tracker) Start(ctx context.Context) error {
	zap.L().Info("Starting deposit tracker")

	if err := t.loadMonitoredAddresses(ctx); err != nil {
		return fmt.Errorf("failed to load monitored addresses: %w", err)
	}
	if len(t.addresses()) == 0 {
		zap.L().Warn("No addresses to monitor yet - they are picked up on the next refresh")
	}

	if err := t.performStartupRecovery(ctx); err != nil {
		zap.L().Error("Startup recovery failed", zap.Error(err))
		return fmt.Errorf("startup recovery failed: %w", err)
	}

	go t.pollLoop(ctx)
	go t.cleanupLoop(ctx)

	zap.L().Info("Deposit tracker started successfully",
		zap.Duration("polling_interval", t.pollingInterval),
		zap.Int("concurrency", t.concurrency),
		zap.Int("networks", len(t.watchers)))

	return nil
}

// Stop gracefully stops the tracker
func (t *Tracker) Stop() {
	zap.L().Info("Stopping deposit tracker")
	close(t.stopChan)
	<-t.doneChan
	zap.L().Info("Deposit tracker stopped")
}

func (t *Tracker) loadMonitoredAddresses(ctx context.Context) error {
	all, err := t.store.GetMonitoredAddresses(ctx)
	if err != nil {
		return err
	}

	monitored := make([]models.MonitoredAddress, 0, len(all))
	for _, a := range all {
		if _, ok := t.watchers[a.Network]; ok {
			monitored = append(monitored, a)
		}
	}

	t.addrMutex.Lock()
	t.monitoredAddresses = monitored
	t.addrMutex.Unlock()

	zap.L().Debug("Loaded monitored addresses",
		zap.Int("total", len(all)),
		zap.Int("monitored", len(monitored)))
	return nil
}

func (t *Tracker) addresses() []models.MonitoredAddress {
	t.addrMutex.RLock()
	defer t.addrMutex.RUnlock()
	return t.monitoredAddresses
}

// performStartupRecovery finishes deposits that were mid-flight when the
// process stopped.
func (t *Tracker) performStartupRecovery(ctx context.Context) error {
	zap.L().Info("Starting startup recovery process")

	open, err := t.store.ListOpenDeposits(ctx)
	if err != nil {
		return fmt.Errorf("failed to list open deposits: %w", err)
	}

	var confirmed int
	for _, d := range open {
		if d.Status != models.DepositConfirming || !d.ConfirmationReached() {
			continue
		}
		if _, err := t.service.ConfirmDeposit(ctx, d.Id); err != nil {
			zap.L().Error("Failed to confirm deposit during recovery",
				zap.String("deposit_id", d.Id),
				zap.Error(err))
			continue
		}
		confirmed++
	}

	processed, err := t.service.RetryPostProcessing(ctx, retryBatchSize)
	if err != nil {
		return fmt.Errorf("failed to retry post-processing: %w", err)
	}

	zap.L().Info("Startup recovery completed",
		zap.Int("open_deposits", len(open)),
		zap.Int("confirmed", confirmed),
		zap.Int("post_processed", processed))
	return nil
}

func (t *Tracker) pollLoop(ctx context.Context) {
	defer close(t.doneChan)

	ticker := time.NewTicker(t.pollingInterval)
	defer ticker.Stop()

	t.pollAddresses(ctx)

	for {
		select {
		case <-ticker.C:
			t.pollAddresses(ctx)
		case <-t.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// ANSI color helpers for console output.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

// pollAddresses polls every monitored address with bounded concurrency.
func (t *Tracker) pollAddresses(ctx context.Context) {
	addresses := t.addresses()

	fmt.Printf("\n%s[%s] Polling %d addresses%s\n",
		colorCyan, time.Now().Format("15:04:05"), len(addresses), colorReset)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.concurrency)

	for _, address := range addresses {
		g.Go(func() error {
			if err := t.pollAddress(gctx, address); err != nil {
				fmt.Printf("  %s✗ %s %s: %s%s\n", colorRed, address.Network, address.Address, err, colorReset)
				zap.L().Error("Failed to poll address",
					zap.String("address", address.Address),
					zap.String("network", address.Network),
					zap.Error(err))
			}
			// One address failing must not cancel the others.
			return nil
		})
	}

	_ = g.Wait()
}

func (t *Tracker) pollAddress(ctx context.Context, address models.MonitoredAddress) error {
	watcher, ok := t.watchers[address.Network]
	if !ok {
		return fmt.Errorf("no watcher for network %s", address.Network)
	}

	observations, err := watcher.Observe(ctx, address.Address)
	if err != nil {
		return fmt.Errorf("failed to observe: %w", err)
	}

	for _, obs := range observations {
		if t.isHashProcessed(obs.TxHash) {
			continue
		}

		deposit, err := t.HandleObservation(ctx, address, obs)
		if err != nil {
			fmt.Printf("  %s✗ %s %s %s | %s%s\n", colorRed, obs.Currency, obs.Amount, shortHash(obs.TxHash), err, colorReset)
			zap.L().Error("Failed to process observation",
				zap.String("tx_hash", obs.TxHash),
				zap.String("address", address.Address),
				zap.Error(err))
			continue
		}
		if deposit == nil {
			continue
		}

		color, symbol := colorYellow, "~"
		switch deposit.Status {
		case models.DepositConfirmed:
			color, symbol = colorGreen, "✓"
		case models.DepositFailed:
			color, symbol = colorRed, "✗"
		}
		fmt.Printf("  %s%s %s %s %s %d/%d | %s%s\n",
			color, symbol, deposit.Currency, deposit.Amount, deposit.Status,
			deposit.Confirmations, deposit.RequiredConfirmations, shortHash(deposit.TxHash), colorReset)
	}
	return nil
}

// HandleObservation applies one chain observation. It is idempotent: an
// observation for a known hash only advances the confirmation count, and a
// rejected deposit is returned without error once recorded as failed.
func (t *Tracker) HandleObservation(ctx context.Context, address models.MonitoredAddress, obs chain.Observation) (*models.Deposit, error) {
	existing, err := t.store.GetDepositByHash(ctx, obs.TxHash)
	switch {
	case err == nil:
		return t.advance(ctx, existing, obs)
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	deposit, err := t.service.CreateDeposit(ctx, CreateParams{
		UserId:        address.UserId,
		Amount:        obs.Amount,
		Currency:      address.Currency,
		Network:       address.Network,
		TxHash:        obs.TxHash,
		FromAddress:   obs.FromAddress,
		ToAddress:     address.Address,
		Confirmations: obs.Confirmations,
		BlockNumber:   obs.BlockNumber,
		BlockTime:     obs.BlockTime,
	})
	switch {
	case err == nil:
	case errors.Is(err, store.ErrDuplicateTransaction) && deposit != nil:
		// recorded by a concurrent poll
		return t.advance(ctx, deposit, obs)
	case errors.Is(err, store.ErrFraudRejected), errors.Is(err, store.ErrInvalidAmount):
		if deposit == nil {
			// nothing recorded, e.g. a zero-value transfer
			t.markHashProcessed(obs.TxHash)
			return nil, nil
		}
	default:
		return nil, err
	}

	if deposit.Status.Terminal() {
		t.markHashProcessed(obs.TxHash)
	}
	return deposit, nil
}

func (t *Tracker) advance(ctx context.Context, deposit *models.Deposit, obs chain.Observation) (*models.Deposit, error) {
	if deposit.Status.Terminal() {
		t.markHashProcessed(obs.TxHash)
		return deposit, nil
	}

	updated, err := t.service.RecordConfirmations(ctx, deposit.Id, obs.Confirmations, obs.BlockNumber, obs.BlockTime)
	if err != nil {
		return nil, err
	}
	if updated.Status.Terminal() {
		t.markHashProcessed(obs.TxHash)
	}
	return updated, nil
}

func (t *Tracker) isHashProcessed(txHash string) bool {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	_, exists := t.processedHashes[strings.ToLower(txHash)]
	return exists
}

func (t *Tracker) markHashProcessed(txHash string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.processedHashes[strings.ToLower(txHash)] = time.Now()
}

// cleanupLoop expires stale deposits, retries post-processing, refreshes the
// address list and trims the processed cache.
func (t *Tracker) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(t.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.runMaintenance(ctx)
		case <-t.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (t *Tracker) runMaintenance(ctx context.Context) {
	t.cleanupProcessedHashes()

	if expired, err := t.service.ExpireStale(ctx, time.Now().UTC()); err != nil {
		zap.L().Error("Failed to expire stale deposits", zap.Error(err))
	} else if expired > 0 {
		zap.L().Info("Expired stale deposits", zap.Int("count", expired))
	}

	if _, err := t.service.RetryPostProcessing(ctx, retryBatchSize); err != nil {
		zap.L().Error("Failed to retry post-processing", zap.Error(err))
	}

	if err := t.loadMonitoredAddresses(ctx); err != nil {
		zap.L().Error("Failed to refresh monitored addresses", zap.Error(err))
	}
}

// cleanupProcessedHashes drops entries older than the lookback window; the
// watcher no longer reports them.
func (t *Tracker) cleanupProcessedHashes() {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	cutoff := time.Now().Add(-t.lookbackWindow)
	cleaned := 0

	for hash, processedTime := range t.processedHashes {
		if processedTime.Before(cutoff) {
			delete(t.processedHashes, hash)
			cleaned++
		}
	}

	if cleaned > 0 {
		zap.L().Debug("Cleaned up processed hashes",
			zap.Int("cleaned", cleaned),
			zap.Int("remaining", len(t.processedHashes)))
	}
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12] + "..."
	}
	return hash
}
