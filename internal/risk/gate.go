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

package risk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"settlement-engine-go/internal/metrics"
	"settlement-engine-go/internal/models"
	"settlement-engine-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Rule names recorded on audit events and metrics.
const (
	RuleNone                    = "none"
	RuleUserFlagged             = "user_flagged"
	RuleDepositHourlyVelocity   = "deposit_hourly_velocity"
	RuleDepositDailyVelocity    = "deposit_daily_velocity"
	RuleDuplicateHash           = "duplicate_hash"
	RuleWithdrawalDailyCount    = "withdrawal_daily_count"
	RuleWithdrawalDailyVelocity = "withdrawal_daily_velocity"
	RuleSharedDestination       = "shared_destination"
	RuleQuickWithdrawal         = "quick_withdrawal"
	RuleAutomatedTiming         = "automated_timing"
)

// Scores added by non-blocking flags.
const (
	ScoreSharedDestination = 40
	ScoreQuickWithdrawal   = 30
	ScoreAutomatedTiming   = 30
)

const (
	operationDeposit    = "deposit"
	operationWithdrawal = "withdrawal"

	// Withdrawals spaced this evenly look scripted.
	timingTolerance = 2 * time.Second
	timingSamples   = 3
)

// DepositCheck is the input to CheckDeposit. DepositId is empty when the
// deposit row does not exist yet.
type DepositCheck struct {
	UserId    string
	DepositId string
	TxHash    string
	Amount    decimal.Decimal
}

// WithdrawalCheck is the input to CheckWithdrawal.
type WithdrawalCheck struct {
	UserId       string
	WithdrawalId string
	Destination  string
	Amount       decimal.Decimal
}

// Flag is a non-blocking signal raised during a check.
type Flag struct {
	Rule   string
	Score  int
	Detail string
}

// Decision is the outcome of one check. Rule names the blocking rule when
// Allowed is false.
type Decision struct {
	Allowed bool
	Rule    string
	Reason  string
	Score   int
	Flags   []Flag
	// Review is set when the score crossed the review threshold and the
	// user was flagged.
	Review bool
}

// Err returns ErrFraudRejected for a blocked decision and nil otherwise.
func (d *Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return store.Reject(store.ErrFraudRejected, "%s: %s", d.Rule, d.Reason)
}

func (d *Decision) block(rule, format string, args ...any) {
	d.Allowed = false
	d.Rule = rule
	d.Reason = fmt.Sprintf(format, args...)
}

func (d *Decision) flag(rule string, score int, format string, args ...any) {
	d.Flags = append(d.Flags, Flag{Rule: rule, Score: score, Detail: fmt.Sprintf(format, args...)})
	d.Score += score
}

// Gate runs the pre-commit fraud checks. It holds no state of its own;
// history comes from the store and the velocity tracker.
type Gate struct {
	store    store.RiskStore
	velocity VelocityTracker
	cfg      models.RiskConfig
	now      func() time.Time
}

func NewGate(s store.RiskStore, velocity VelocityTracker, cfg models.RiskConfig) *Gate {
	if velocity == nil {
		velocity = NewSQLVelocity(s)
	}
	return &Gate{
		store:    s,
		velocity: velocity,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CheckDeposit decides whether a newly observed deposit may proceed.
// A blocked decision is returned together with ErrFraudRejected.
func (g *Gate) CheckDeposit(ctx context.Context, check DepositCheck) (*Decision, error) {
	decision := &Decision{Allowed: true, Rule: RuleNone}

	if err := g.evaluateDeposit(ctx, check, decision); err != nil {
		zap.L().Error("Deposit risk check failed",
			zap.String("user_id", check.UserId),
			zap.String("tx_hash", check.TxHash),
			zap.Error(err))
		return nil, err
	}

	g.record(ctx, operationDeposit, check.UserId, check.TxHash, decision, map[string]string{
		"amount":     check.Amount.String(),
		"tx_hash":    check.TxHash,
		"hourly_max": g.cfg.MaxHourlyDeposit.String(),
		"daily_max":  g.cfg.MaxDailyDeposit.String(),
	})

	if decision.Allowed {
		if err := g.velocity.RecordDeposit(ctx, check.UserId, check.Amount, g.now()); err != nil {
			zap.L().Warn("Failed to record deposit velocity", zap.String("user_id", check.UserId), zap.Error(err))
		}
	}
	return decision, decision.Err()
}

func (g *Gate) evaluateDeposit(ctx context.Context, check DepositCheck, decision *Decision) error {
	user, err := g.store.GetUserById(ctx, check.UserId)
	if err != nil {
		return err
	}
	if user.Flagged {
		decision.block(RuleUserFlagged, "user %s is flagged for review: %s", user.Id, user.FlagReason)
		return nil
	}

	existing, err := g.store.GetDepositByHash(ctx, check.TxHash)
	switch {
	case err == nil && existing.Id != check.DepositId:
		decision.block(RuleDuplicateHash, "hash %s already belongs to deposit %s", check.TxHash, existing.Id)
		return nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return err
	}

	now := g.now()
	windows := []struct {
		rule  string
		since time.Time
		limit decimal.Decimal
	}{
		{RuleDepositHourlyVelocity, now.Add(-time.Hour), g.cfg.MaxHourlyDeposit},
		{RuleDepositDailyVelocity, now.Add(-24 * time.Hour), g.cfg.MaxDailyDeposit},
	}
	for _, w := range windows {
		if !w.limit.IsPositive() {
			continue
		}
		total, err := g.velocity.DepositTotalSince(ctx, check.UserId, w.since, check.DepositId)
		if err != nil {
			return err
		}
		if total.Add(check.Amount).GreaterThan(w.limit) {
			decision.block(w.rule, "deposits of %s plus %s exceed limit %s",
				total.String(), check.Amount.String(), w.limit.String())
			return nil
		}
	}
	return nil
}

// CheckWithdrawal decides whether a withdrawal request may proceed. Flags
// never block; a score at or above the review threshold flags the user so the
// next request is blocked until an admin clears it.
func (g *Gate) CheckWithdrawal(ctx context.Context, check WithdrawalCheck) (*Decision, error) {
	decision := &Decision{Allowed: true, Rule: RuleNone}

	if err := g.evaluateWithdrawal(ctx, check, decision); err != nil {
		zap.L().Error("Withdrawal risk check failed",
			zap.String("user_id", check.UserId),
			zap.String("withdrawal_id", check.WithdrawalId),
			zap.Error(err))
		return nil, err
	}

	if decision.Allowed && g.cfg.ReviewThreshold > 0 && decision.Score >= g.cfg.ReviewThreshold {
		decision.Review = true
		reason := fmt.Sprintf("risk score %d on withdrawal %s: %s", decision.Score, check.WithdrawalId, flagRules(decision.Flags))
		if err := g.store.FlagUser(ctx, check.UserId, reason, decision.Score); err != nil {
			zap.L().Error("Failed to flag user for review", zap.String("user_id", check.UserId), zap.Error(err))
		}
	}

	g.record(ctx, operationWithdrawal, check.UserId, check.WithdrawalId, decision, map[string]string{
		"amount":      check.Amount.String(),
		"destination": check.Destination,
		"daily_max":   g.cfg.MaxDailyWithdrawalAmount.String(),
		"daily_count": fmt.Sprint(g.cfg.MaxDailyWithdrawals),
		"flags":       flagRules(decision.Flags),
	})

	if decision.Allowed {
		if err := g.velocity.RecordWithdrawal(ctx, check.UserId, check.Amount, g.now()); err != nil {
			zap.L().Warn("Failed to record withdrawal velocity", zap.String("user_id", check.UserId), zap.Error(err))
		}
	}
	return decision, decision.Err()
}

func (g *Gate) evaluateWithdrawal(ctx context.Context, check WithdrawalCheck, decision *Decision) error {
	user, err := g.store.GetUserById(ctx, check.UserId)
	if err != nil {
		return err
	}
	if user.Flagged {
		decision.block(RuleUserFlagged, "user %s is flagged for review: %s", user.Id, user.FlagReason)
		return nil
	}

	now := g.now()
	count, total, err := g.velocity.WithdrawalsSince(ctx, check.UserId, now.Add(-24*time.Hour), check.WithdrawalId)
	if err != nil {
		return err
	}
	if g.cfg.MaxDailyWithdrawals > 0 && count+1 > g.cfg.MaxDailyWithdrawals {
		decision.block(RuleWithdrawalDailyCount, "%d withdrawals in 24h, limit %d", count, g.cfg.MaxDailyWithdrawals)
		return nil
	}
	if g.cfg.MaxDailyWithdrawalAmount.IsPositive() && total.Add(check.Amount).GreaterThan(g.cfg.MaxDailyWithdrawalAmount) {
		decision.block(RuleWithdrawalDailyVelocity, "withdrawals of %s plus %s exceed limit %s",
			total.String(), check.Amount.String(), g.cfg.MaxDailyWithdrawalAmount.String())
		return nil
	}

	others, err := g.store.CountOtherUsersForDestination(ctx, check.Destination, check.UserId)
	if err != nil {
		return err
	}
	if others > 0 {
		decision.flag(RuleSharedDestination, ScoreSharedDestination, "destination used by %d other users", others)
	}

	if g.cfg.QuickWithdrawalWindow > 0 {
		last, err := g.store.LastConfirmedDepositAt(ctx, check.UserId)
		if err != nil {
			return err
		}
		if last != nil && now.Sub(*last) < g.cfg.QuickWithdrawalWindow {
			decision.flag(RuleQuickWithdrawal, ScoreQuickWithdrawal, "deposit confirmed %s ago", now.Sub(*last).Round(time.Second))
		}
	}

	times, err := g.store.RecentWithdrawalTimes(ctx, check.UserId, check.WithdrawalId, timingSamples)
	if err != nil {
		return err
	}
	if detail, ok := automatedTiming(now, times, g.cfg.MinRequestInterval); ok {
		decision.flag(RuleAutomatedTiming, ScoreAutomatedTiming, "%s", detail)
	}
	return nil
}

// automatedTiming reports requests arriving faster than minInterval, or
// several requests spaced at near-identical intervals. times is newest first.
func automatedTiming(now time.Time, times []time.Time, minInterval time.Duration) (string, bool) {
	if len(times) == 0 {
		return "", false
	}
	if minInterval > 0 && now.Sub(times[0]) < minInterval {
		return fmt.Sprintf("previous request %s ago", now.Sub(times[0]).Round(time.Millisecond)), true
	}
	if len(times) < timingSamples {
		return "", false
	}

	points := append([]time.Time{now}, times...)
	first := points[0].Sub(points[1])
	for i := 1; i < len(points)-1; i++ {
		gap := points[i].Sub(points[i+1])
		if (gap - first).Abs() > timingTolerance {
			return "", false
		}
	}
	return fmt.Sprintf("%d requests spaced %s apart", len(points), first.Round(time.Second)), true
}

func flagRules(flags []Flag) string {
	rules := make([]string, len(flags))
	for i, f := range flags {
		rules[i] = f.Rule
	}
	return strings.Join(rules, ",")
}

// record persists the decision as an audit event. Failures are logged; the
// decision itself stands.
func (g *Gate) record(ctx context.Context, operation, userId, entityId string, decision *Decision, attrs map[string]string) {
	outcome := "allow"
	if !decision.Allowed {
		outcome = "block"
	} else if decision.Review {
		outcome = "review"
	}
	metrics.RiskDecisions.WithLabelValues(operation, decision.Rule, outcome).Inc()
	for _, f := range decision.Flags {
		metrics.RiskDecisions.WithLabelValues(operation, f.Rule, "flag").Inc()
	}

	var details strings.Builder
	details.WriteString(decision.Reason)
	for _, key := range []string{"amount", "tx_hash", "destination", "hourly_max", "daily_max", "daily_count", "flags"} {
		if v, ok := attrs[key]; ok && v != "" {
			fmt.Fprintf(&details, " %s=%s", key, v)
		}
	}

	event := &models.AuditEvent{
		Category:  models.AuditCategoryRisk,
		Action:    "check_" + operation,
		UserId:    userId,
		EntityId:  entityId,
		Decision:  outcome,
		Rule:      decision.Rule,
		RiskScore: decision.Score,
		Details:   strings.TrimSpace(details.String()),
	}
	if err := g.store.RecordAuditEvent(ctx, event); err != nil {
		zap.L().Error("Failed to record risk decision", zap.String("user_id", userId), zap.Error(err))
	}

	fields := []zap.Field{
		zap.String("operation", operation),
		zap.String("user_id", userId),
		zap.String("entity_id", entityId),
		zap.String("outcome", outcome),
		zap.String("rule", decision.Rule),
		zap.Int("score", decision.Score),
	}
	if decision.Allowed {
		zap.L().Info("Risk check passed", fields...)
	} else {
		zap.L().Warn("Risk check blocked", append(fields, zap.String("reason", decision.Reason))...)
	}
}

// FlagUser marks a user for manual review. Flagged users are blocked by
// every later check.
func (g *Gate) FlagUser(ctx context.Context, userId, reason string) error {
	if err := g.store.FlagUser(ctx, userId, reason, 0); err != nil {
		return err
	}
	g.audit(ctx, "flag_user", userId, reason)
	return nil
}

// ClearFlag lifts a review flag.
func (g *Gate) ClearFlag(ctx context.Context, userId, reason string) error {
	if err := g.store.ClearUserFlag(ctx, userId); err != nil {
		return err
	}
	g.audit(ctx, "clear_flag", userId, reason)
	return nil
}

func (g *Gate) audit(ctx context.Context, action, userId, reason string) {
	event := &models.AuditEvent{
		Category: models.AuditCategoryRisk,
		Action:   action,
		UserId:   userId,
		EntityId: userId,
		Decision: action,
		Details:  reason,
	}
	if err := g.store.RecordAuditEvent(ctx, event); err != nil {
		zap.L().Error("Failed to record admin risk action", zap.String("user_id", userId), zap.Error(err))
	}
}
