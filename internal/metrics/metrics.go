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

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

var (
	LedgerEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_ledger_entries_total",
			Help: "Ledger transactions committed, by type and bucket",
		},
		[]string{"type", "bucket"},
	)

	LedgerRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_ledger_rejections_total",
			Help: "Ledger mutations rejected, by reason code",
		},
		[]string{"code"},
	)

	InvariantViolations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "settlement_invariant_violations_total",
			Help: "Balance invariant violations detected",
		},
	)

	Deposits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_deposits_total",
			Help: "Deposit status transitions",
		},
		[]string{"status"},
	)

	Withdrawals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_withdrawals_total",
			Help: "Withdrawal status transitions",
		},
		[]string{"status"},
	)

	DispatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "settlement_dispatch_duration_seconds",
			Help:    "Duration of payout dispatch calls",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30},
		},
	)

	BonusAmount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_bonus_amount_total",
			Help: "Bonus amounts distributed, by bonus type",
		},
		[]string{"type"},
	)

	BonusFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_bonus_failures_total",
			Help: "Bonus payments that failed, by bonus type",
		},
		[]string{"type"},
	)

	RiskDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_risk_decisions_total",
			Help: "Risk gate decisions, by operation, rule and outcome",
		},
		[]string{"operation", "rule", "outcome"},
	)

	OutboxBacklog = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "settlement_outbox_backlog",
			Help: "Outbox events waiting to be published",
		},
	)

	OutboxPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_outbox_published_total",
			Help: "Outbox publish attempts, by outcome",
		},
		[]string{"outcome"},
	)

	JobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_job_runs_total",
			Help: "Scheduled job runs, by job and outcome",
		},
		[]string{"job", "outcome"},
	)
)

// Amount converts a ledger amount for a float-valued collector.
func Amount(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

func Handler() http.Handler {
	return promhttp.Handler()
}
