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
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"settlement-engine-go/internal/api"
	"settlement-engine-go/internal/common"
	"settlement-engine-go/internal/config"
	"settlement-engine-go/internal/deposit"
	"settlement-engine-go/internal/metrics"
	"settlement-engine-go/internal/outbox"
	"settlement-engine-go/internal/scheduler"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

func main() {
	networksFile := flag.String("networks", "", "Path to networks.yaml (default: NETWORKS_FILE)")
	noHTTP := flag.Bool("no-http", false, "Do not serve /healthz and /metrics")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		_, _ = zap.NewProduction()
		zap.L().Fatal("Failed to load configuration", zap.Error(err))
	}
	if *networksFile != "" {
		cfg.Listener.NetworksFile = *networksFile
	}

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	zap.L().Info("Starting settlement engine listener")

	networks, err := common.LoadNetworks(cfg.Listener.NetworksFile)
	if err != nil {
		zap.L().Fatal("Failed to load networks", zap.Error(err))
	}

	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	watchers, closeWatchers, err := common.InitializeWatchers(ctx, networks)
	if err != nil {
		zap.L().Fatal("Failed to connect to networks", zap.Error(err))
	}
	defer closeWatchers()

	tracker := deposit.NewTracker(deposit.TrackerConfig{
		Service:         services.Deposits,
		Store:           services.DbService,
		Watchers:        watchers,
		LookbackWindow:  cfg.Listener.LookbackWindow,
		PollingInterval: cfg.Listener.PollingInterval,
		CleanupInterval: cfg.Listener.CleanupInterval,
		Concurrency:     cfg.Listener.Concurrency,
	})
	if err := tracker.Start(ctx); err != nil {
		zap.L().Fatal("Failed to start deposit tracker", zap.Error(err))
	}

	var publisher outbox.Publisher = outbox.LogPublisher{}
	if len(cfg.Kafka.Brokers) > 0 {
		zap.L().Info("Publishing outbox events to Kafka", zap.Strings("brokers", cfg.Kafka.Brokers))
		publisher = outbox.NewKafkaPublisher(cfg.Kafka)
	} else {
		zap.L().Info("KAFKA_BROKERS not set - outbox events are logged only")
	}
	defer publisher.Close()

	relay := outbox.NewRelay(services.DbService, publisher, cfg.Kafka.RelayInterval, cfg.Kafka.RelayBatch)
	relay.Start(ctx)

	sched, err := scheduler.New(scheduler.Config{
		Specs:       cfg.Scheduler,
		Reconciler:  services.DbService,
		Bonuses:     services.Bonuses,
		Deposits:    services.Deposits,
		Withdrawals: services.Withdrawals,
		Outbox:      services.DbService,
	})
	if err != nil {
		zap.L().Fatal("Failed to configure scheduler", zap.Error(err))
	}
	sched.Start(ctx)

	var server *http.Server
	if !*noHTTP {
		server = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           opsRouter(services.Ledger),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			zap.L().Info("Serving ops endpoints", zap.String("addr", cfg.Metrics.Addr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				zap.L().Error("Ops server failed", zap.Error(err))
			}
		}()
	}

	zap.L().Info("Listener running",
		zap.Int("networks", len(networks)),
		zap.Strings("jobs", sched.Jobs()))
	zap.L().Info("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	zap.L().Info("Shutdown signal received, stopping components...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, stop := range []func(){tracker.Stop, relay.Stop, sched.Stop} {
			wg.Add(1)
			go func(stop func()) {
				defer wg.Done()
				stop()
			}(stop)
		}
		if server != nil {
			if err := server.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("Ops server shutdown failed", zap.Error(err))
			}
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		zap.L().Info("All components stopped gracefully")
	case <-shutdownCtx.Done():
		zap.L().Warn("Forced shutdown after timeout")
	}
}

func opsRouter(ledger *api.LedgerService) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := ledger.HealthCheck(ctx); err != nil {
			zap.L().Warn("Health check failed", zap.Error(err))
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", metrics.Handler())
	return r
}
