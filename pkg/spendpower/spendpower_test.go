package spendpower

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howwee20/Bloom-sub001/pkg/budget"
	"github.com/howwee20/Bloom-sub001/pkg/env"
	"github.com/howwee20/Bloom-sub001/pkg/policy"
	"github.com/howwee20/Bloom-sub001/pkg/reserve"
	"github.com/howwee20/Bloom-sub001/pkg/store"
	"github.com/howwee20/Bloom-sub001/pkg/store/storetest"
)

func TestCompute(t *testing.T) {
	tests := []struct {
		name          string
		in            Inputs
		wantPolicy    int64
		wantEffective int64
	}{
		{"credits bind", Inputs{CreditsCents: 300, DailyLimitCents: 1000}, 300, 300},
		{"daily limit binds", Inputs{CreditsCents: 3000, DailyLimitCents: 1000, DailyUsedCents: 400}, 600, 600},
		{"daily overspent clamps", Inputs{CreditsCents: 3000, DailyLimitCents: 1000, DailyUsedCents: 1400}, 0, 0},
		{"holds reserve", Inputs{CreditsCents: 1000, DailyLimitCents: 1000, ReservedHolds: 250}, 1000, 750},
		{"outgoing reserve", Inputs{CreditsCents: 1000, DailyLimitCents: 1000, ReservedOutgoing: 100, ReservedHolds: 100}, 1000, 800},
		{"reservations exceed", Inputs{CreditsCents: 100, DailyLimitCents: 1000, ReservedHolds: 500}, 100, 0},
		{
			"balance binds",
			Inputs{CreditsCents: 5000, DailyLimitCents: 5000, BalanceBound: true, ConfirmedBalanceCents: 1000, ReservedOutgoing: 200, BufferCents: 50},
			5000, 750,
		},
		{
			"policy binds under balance",
			Inputs{CreditsCents: 400, DailyLimitCents: 5000, BalanceBound: true, ConfirmedBalanceCents: 10000},
			400, 400,
		},
		{
			"negative balance headroom clamps",
			Inputs{CreditsCents: 400, DailyLimitCents: 5000, BalanceBound: true, ConfirmedBalanceCents: 10, BufferCents: 100},
			400, 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compute(tt.in)
			assert.Equal(t, tt.wantPolicy, got.PolicySpendableCents)
			assert.Equal(t, tt.wantEffective, got.EffectiveSpendPowerCents)
			assert.LessOrEqual(t, got.EffectiveSpendPowerCents, got.PolicySpendableCents)
		})
	}
}

type fixture struct {
	db       *store.DB
	engine   *Engine
	budgets  *budget.Store
	reserves *reserve.Store
	sim      *env.Sim
}

func newFixture(t *testing.T, environment env.Environment) *fixture {
	t.Helper()
	db := storetest.Open(t)
	ctx := context.Background()
	_, err := db.ExecContext(ctx, "INSERT INTO agents (agent_id, user_id, status, created_at) VALUES (?, ?, ?, ?)", "agent_a", "user_1", "active", time.Now().UnixMilli())
	require.NoError(t, err)

	f := &fixture{db: db, budgets: budget.NewStore(), reserves: reserve.NewStore()}
	_, err = f.budgets.Create(ctx, db, "agent_a", 2000, 1500)
	require.NoError(t, err)
	f.engine = NewEngine(f.budgets, policy.NewStore(nil, nil), f.reserves, environment, 100)
	return f
}

func TestEngine_HoldLowersEffectiveByExactAmount(t *testing.T) {
	f := newFixture(t, env.NewEconomy(50, 200, 1))
	ctx := context.Background()

	before, err := f.engine.Refresh(ctx, f.db, "agent_a")
	require.NoError(t, err)
	assert.Equal(t, int64(1500), before.EffectiveSpendPowerCents)

	_, err = f.reserves.CreateHold(ctx, f.db, "agent_a", "auth_1", 400, reserve.SourceCard)
	require.NoError(t, err)
	during, err := f.engine.Refresh(ctx, f.db, "agent_a")
	require.NoError(t, err)
	assert.Equal(t, before.EffectiveSpendPowerCents-400, during.EffectiveSpendPowerCents)

	_, err = f.reserves.Release(ctx, f.db, "auth_1")
	require.NoError(t, err)
	after, err := f.engine.Refresh(ctx, f.db, "agent_a")
	require.NoError(t, err)
	assert.Equal(t, before.EffectiveSpendPowerCents, after.EffectiveSpendPowerCents)

	cached, err := f.engine.Get(ctx, f.db, "agent_a")
	require.NoError(t, err)
	assert.Equal(t, after.EffectiveSpendPowerCents, cached.EffectiveSpendPowerCents)
}

func TestEngine_BalanceBound(t *testing.T) {
	sim := env.NewSim("usdc")
	f := newFixture(t, sim)
	ctx := context.Background()

	sim.SetBalance("agent_a", 900)
	snap, err := f.engine.Refresh(ctx, f.db, "agent_a")
	require.NoError(t, err)
	assert.True(t, snap.BalanceBound)
	assert.Equal(t, int64(800), snap.EffectiveSpendPowerCents) // 900 - 100 buffer

	sim.SetFailing(true)
	snap, err = f.engine.Refresh(ctx, f.db, "agent_a")
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.EffectiveSpendPowerCents, "balance lookup failure fails closed")
}

func TestEngine_GetWithoutSnapshot(t *testing.T) {
	f := newFixture(t, env.NewEconomy(50, 200, 1))
	_, err := f.engine.Get(context.Background(), f.db, "agent_a")
	assert.ErrorIs(t, err, ErrNoSnapshot)
}
