// Package spendpower derives the single figure an agent may spend right now.
//
//	policy_spendable = min(credits, max(0, daily_limit - daily_used))
//	reserved         = reserved_outgoing + reserved_holds
//	effective        = policy_spendable - reserved
//	balance-bound:     effective = min(effective, confirmed - reserved - buffer)
//
// effective is clamped at zero and never exceeds policy_spendable.
package spendpower

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/howwee20/Bloom-sub001/pkg/budget"
	"github.com/howwee20/Bloom-sub001/pkg/contracts"
	"github.com/howwee20/Bloom-sub001/pkg/env"
	"github.com/howwee20/Bloom-sub001/pkg/policy"
	"github.com/howwee20/Bloom-sub001/pkg/reserve"
	"github.com/howwee20/Bloom-sub001/pkg/store"
)

var ErrNoSnapshot = errors.New("spendpower: no snapshot")

// Inputs are the facts spend power is derived from. Amounts are cents.
type Inputs struct {
	CreditsCents     int64
	DailyLimitCents  int64
	DailyUsedCents   int64
	ReservedOutgoing int64
	ReservedHolds    int64

	BalanceBound          bool
	ConfirmedBalanceCents int64
	BufferCents           int64
}

// Compute is the pure spend-power function.
func Compute(in Inputs) contracts.SpendSnapshot {
	policySpendable := max(0, min(in.CreditsCents, max(0, in.DailyLimitCents-in.DailyUsedCents)))
	reserved := in.ReservedOutgoing + in.ReservedHolds

	effective := policySpendable - reserved
	if in.BalanceBound {
		effective = min(effective, in.ConfirmedBalanceCents-reserved-in.BufferCents)
	}
	effective = max(0, min(effective, policySpendable))

	return contracts.SpendSnapshot{
		ConfirmedBalanceCents:    in.ConfirmedBalanceCents,
		ReservedOutgoingCents:    in.ReservedOutgoing,
		ReservedHoldsCents:       in.ReservedHolds,
		PolicySpendableCents:     policySpendable,
		EffectiveSpendPowerCents: effective,
		BalanceBound:             in.BalanceBound,
	}
}

// Engine gathers Inputs from the stores and the environment and owns the
// snapshot table.
type Engine struct {
	budgets     *budget.Store
	policies    *policy.Store
	reserves    *reserve.Store
	env         env.Environment
	bufferCents int64
	clock       func() time.Time
	logger      *slog.Logger
}

func NewEngine(budgets *budget.Store, policies *policy.Store, reserves *reserve.Store, environment env.Environment, bufferCents int64) *Engine {
	return &Engine{
		budgets:     budgets,
		policies:    policies,
		reserves:    reserves,
		env:         environment,
		bufferCents: bufferCents,
		clock:       time.Now,
		logger:      slog.Default().With("component", "spendpower"),
	}
}

func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Inputs reads the current facts for an agent. A failing balance lookup on a
// balance-bound environment counts as a zero balance.
func (e *Engine) Inputs(ctx context.Context, q store.Queryer, agentID string) (Inputs, error) {
	var userID string
	err := q.QueryRowContext(ctx, "SELECT user_id FROM agents WHERE agent_id = ?", agentID).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return Inputs{}, fmt.Errorf("spendpower: unknown agent %s", agentID)
	}
	if err != nil {
		return Inputs{}, fmt.Errorf("spendpower: load agent: %w", err)
	}

	b, err := e.budgets.Get(ctx, q, agentID)
	if err != nil {
		return Inputs{}, err
	}
	view := b.AsOf(e.clock())
	p, err := e.policies.Latest(ctx, q, userID, agentID)
	if err != nil {
		return Inputs{}, err
	}
	holds, err := e.reserves.SumPendingHolds(ctx, q, agentID)
	if err != nil {
		return Inputs{}, err
	}
	outgoing, err := e.reserves.SumPendingTransfers(ctx, q, agentID)
	if err != nil {
		return Inputs{}, err
	}

	in := Inputs{
		CreditsCents:     view.CreditsCents,
		DailyLimitCents:  p.EffectiveDailyLimit(view.DailySpendCents),
		DailyUsedCents:   view.DailySpendUsedCents,
		ReservedOutgoing: outgoing,
		ReservedHolds:    holds,
	}
	if bs, ok := env.As[env.BalanceSource](e.env); ok {
		in.BalanceBound = true
		in.BufferCents = e.bufferCents
		bal, err := bs.ConfirmedBalanceCents(ctx, agentID)
		if err != nil {
			e.logger.WarnContext(ctx, "balance lookup failed, treating as zero", "agent_id", agentID, "error", err)
			bal = 0
		}
		in.ConfirmedBalanceCents = bal
	}
	return in, nil
}

// Refresh recomputes and stores an agent's snapshot. It is the only writer of
// agent_spend_snapshots.
func (e *Engine) Refresh(ctx context.Context, q store.Queryer, agentID string) (contracts.SpendSnapshot, error) {
	in, err := e.Inputs(ctx, q, agentID)
	if err != nil {
		return contracts.SpendSnapshot{}, err
	}
	snap := Compute(in)
	snap.AgentID = agentID
	snap.UpdatedAt = time.UnixMilli(e.clock().UTC().UnixMilli()).UTC()

	_, err = q.ExecContext(ctx,
		`INSERT INTO agent_spend_snapshots (agent_id, confirmed_balance_cents, reserved_outgoing_cents, reserved_holds_cents,
			policy_spendable_cents, effective_spend_power_cents, balance_bound, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (agent_id) DO UPDATE SET
			confirmed_balance_cents = EXCLUDED.confirmed_balance_cents,
			reserved_outgoing_cents = EXCLUDED.reserved_outgoing_cents,
			reserved_holds_cents = EXCLUDED.reserved_holds_cents,
			policy_spendable_cents = EXCLUDED.policy_spendable_cents,
			effective_spend_power_cents = EXCLUDED.effective_spend_power_cents,
			balance_bound = EXCLUDED.balance_bound,
			updated_at = EXCLUDED.updated_at`,
		agentID, snap.ConfirmedBalanceCents, snap.ReservedOutgoingCents, snap.ReservedHoldsCents,
		snap.PolicySpendableCents, snap.EffectiveSpendPowerCents, snap.BalanceBound, snap.UpdatedAt.UnixMilli())
	if err != nil {
		return contracts.SpendSnapshot{}, fmt.Errorf("spendpower: upsert snapshot: %w", err)
	}
	return snap, nil
}

// Get returns the cached snapshot without recomputing it.
func (e *Engine) Get(ctx context.Context, q store.Queryer, agentID string) (contracts.SpendSnapshot, error) {
	var (
		snap    contracts.SpendSnapshot
		updated int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT agent_id, confirmed_balance_cents, reserved_outgoing_cents, reserved_holds_cents,
			policy_spendable_cents, effective_spend_power_cents, balance_bound, updated_at
		 FROM agent_spend_snapshots WHERE agent_id = ?`, agentID,
	).Scan(&snap.AgentID, &snap.ConfirmedBalanceCents, &snap.ReservedOutgoingCents, &snap.ReservedHoldsCents,
		&snap.PolicySpendableCents, &snap.EffectiveSpendPowerCents, &snap.BalanceBound, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.SpendSnapshot{}, ErrNoSnapshot
	}
	if err != nil {
		return contracts.SpendSnapshot{}, fmt.Errorf("spendpower: get snapshot: %w", err)
	}
	snap.UpdatedAt = time.UnixMilli(updated).UTC()
	return snap, nil
}
