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

package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"settlement-engine-go/internal/database"
	"settlement-engine-go/internal/metrics"
	"settlement-engine-go/internal/models"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	JobReconcile   = "reconcile"
	JobBonusRetry  = "bonus_retry"
	JobPostProcess = "deposit_post_process"
	JobDispatch    = "withdrawal_dispatch"
	JobSettle      = "withdrawal_settle"
	JobOutboxStats = "outbox_stats"

	sweepLimit      = 100
	outboxStatsSpec = "@every 1m"
	jobTimeout      = 10 * time.Minute
)

type Reconciler interface {
	ReconcileAll(ctx context.Context) (*database.ReconcileReport, error)
}

type BonusRetrier interface {
	RetryFailed(ctx context.Context, limit int) (int, int, error)
}

type PostProcessor interface {
	RetryPostProcessing(ctx context.Context, limit int) (int, error)
}

type Dispatcher interface {
	ProcessApproved(ctx context.Context, limit int) (int, int, error)
	SettleProcessing(ctx context.Context, limit int) (int, error)
}

type OutboxCounter interface {
	CountPendingEvents(ctx context.Context) (int, error)
}

// Config wires the periodic sweeps. A job whose collaborator is nil or whose
// spec is empty is not scheduled.
type Config struct {
	Specs       models.SchedulerConfig
	Reconciler  Reconciler
	Bonuses     BonusRetrier
	Deposits    PostProcessor
	Withdrawals Dispatcher
	Outbox      OutboxCounter
}

type Scheduler struct {
	cron *cron.Cron
	jobs map[string]func(context.Context) error

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg Config) (*Scheduler, error) {
	logger := zapLogger{}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		jobs: make(map[string]func(context.Context) error),
		ctx:  context.Background(),
	}

	if cfg.Reconciler != nil {
		if err := s.add(JobReconcile, cfg.Specs.ReconcileSpec, func(ctx context.Context) error {
			report, err := cfg.Reconciler.ReconcileAll(ctx)
			if err != nil {
				return err
			}
			if len(report.Mismatched) > 0 {
				zap.L().Error("Reconciliation found mismatched balances",
					zap.Int("checked", report.Checked),
					zap.Strings("accounts", report.Mismatched))
			}
			return nil
		}); err != nil {
			return nil, err
		}
	}

	if cfg.Bonuses != nil {
		if err := s.add(JobBonusRetry, cfg.Specs.BonusRetrySpec, func(ctx context.Context) error {
			_, _, err := cfg.Bonuses.RetryFailed(ctx, sweepLimit)
			return err
		}); err != nil {
			return nil, err
		}
	}

	if cfg.Deposits != nil {
		if err := s.add(JobPostProcess, cfg.Specs.PostProcessSpec, func(ctx context.Context) error {
			_, err := cfg.Deposits.RetryPostProcessing(ctx, sweepLimit)
			return err
		}); err != nil {
			return nil, err
		}
	}

	if cfg.Withdrawals != nil && cfg.Specs.DispatchApproved {
		if err := s.add(JobDispatch, cfg.Specs.DispatchSpec, func(ctx context.Context) error {
			_, _, err := cfg.Withdrawals.ProcessApproved(ctx, sweepLimit)
			return err
		}); err != nil {
			return nil, err
		}
	}

	if cfg.Withdrawals != nil {
		if err := s.add(JobSettle, cfg.Specs.SettleSpec, func(ctx context.Context) error {
			_, err := cfg.Withdrawals.SettleProcessing(ctx, sweepLimit)
			return err
		}); err != nil {
			return nil, err
		}
	}

	if cfg.Outbox != nil {
		if err := s.add(JobOutboxStats, outboxStatsSpec, func(ctx context.Context) error {
			backlog, err := cfg.Outbox.CountPendingEvents(ctx)
			if err != nil {
				return err
			}
			metrics.OutboxBacklog.Set(float64(backlog))
			return nil
		}); err != nil {
			return nil, err
		}
	}

	return s, nil
}

func (s *Scheduler) add(name, spec string, job func(context.Context) error) error {
	if spec == "" {
		zap.L().Info("Job disabled", zap.String("job", name))
		return nil
	}
	if _, err := s.cron.AddFunc(spec, func() { _ = s.Run(name) }); err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", spec, name, err)
	}
	s.jobs[name] = job
	zap.L().Info("Job scheduled", zap.String("job", name), zap.String("spec", spec))
	return nil
}

// Jobs lists the scheduled job names.
func (s *Scheduler) Jobs() []string {
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	return names
}

// Run executes one job immediately and records its outcome.
func (s *Scheduler) Run(name string) error {
	job, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("unknown job %s", name)
	}

	s.mu.Lock()
	parent := s.ctx
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(parent, jobTimeout)
	defer cancel()

	start := time.Now()
	err := job(ctx)
	if err != nil {
		metrics.JobRuns.WithLabelValues(name, "error").Inc()
		zap.L().Error("Scheduled job failed",
			zap.String("job", name),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return err
	}
	metrics.JobRuns.WithLabelValues(name, "success").Inc()
	zap.L().Debug("Scheduled job finished",
		zap.String("job", name),
		zap.Duration("duration", time.Since(start)))
	return nil
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.cron.Start()
	zap.L().Info("Scheduler started", zap.Int("jobs", len(s.jobs)))
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	zap.L().Info("Scheduler stopped")
}

// zapLogger adapts the global zap logger to cron.Logger.
type zapLogger struct{}

func (zapLogger) Info(msg string, keysAndValues ...interface{}) {
	zap.S().Debugw(msg, keysAndValues...)
}

func (zapLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	zap.S().Errorw(msg, append(keysAndValues, "error", err)...)
}
