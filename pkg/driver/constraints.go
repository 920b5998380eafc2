package driver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/howwee20/Bloom-sub001/pkg/contracts"
	"github.com/howwee20/Bloom-sub001/pkg/store"
)

// CheckAffordable is the shared pessimistic post-budget check: the cost must
// fit the daily limit, the credits, the effective spend power and any
// per-intent daily cap.
func CheckAffordable(ctx context.Context, cc *CheckContext) (contracts.Decision, error) {
	cost := cc.Cost.Total()
	if cost <= 0 {
		return contracts.Allow(), nil
	}
	b := cc.Budget.AsOf(cc.Now)
	if b.DailySpendUsedCents+cost > cc.Policy.EffectiveDailyLimit(b.DailySpendCents) {
		return contracts.Deny(contracts.ReasonDailyLimitExceeded), nil
	}
	if cost > b.CreditsCents {
		return contracts.Deny(contracts.ReasonInsufficientCredits), nil
	}
	if cost > cc.Spend.EffectiveSpendPowerCents {
		return contracts.Deny(contracts.ReasonInsufficientSpendPower), nil
	}
	if cc.Policy != nil {
		if limit, ok := cc.Policy.IntentDailyCaps[cc.IntentType]; ok {
			spent, err := IntentSpentToday(ctx, cc.Q, cc.AgentID, cc.IntentType, cc.Now)
			if err != nil {
				return contracts.Decision{}, err
			}
			if spent+cost > limit {
				return contracts.Deny(contracts.ReasonIntentCapExceeded), nil
			}
		}
	}
	return contracts.Allow(), nil
}

// IntentSpentToday totals today's applied execution cost for one intent type.
func IntentSpentToday(ctx context.Context, q store.Queryer, agentID, intentType string, now time.Time) (int64, error) {
	u := now.UTC()
	start := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	var total int64
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost_cents), 0) FROM executions
		 WHERE agent_id = ? AND intent_type = ? AND status = ? AND created_at >= ?`,
		agentID, intentType, string(contracts.ExecApplied), start.UnixMilli()).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("driver: intent spend: %w", err)
	}
	return total, nil
}

// lookupAgent returns an agent's owner and status.
func lookupAgent(ctx context.Context, q store.Queryer, agentID string) (string, contracts.AgentStatus, error) {
	var userID, status string
	err := q.QueryRowContext(ctx, `SELECT user_id, status FROM agents WHERE agent_id = ?`, agentID).Scan(&userID, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", contracts.Reject(contracts.ReasonAgentNotFound)
	}
	if err != nil {
		return "", "", fmt.Errorf("driver: lookup agent: %w", err)
	}
	return userID, contracts.AgentStatus(status), nil
}
