package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howwee20/Bloom-sub001/pkg/store/storetest"
)

func ptr[T any](v T) *T { return &v }

func TestPolicy_EffectiveDailyLimit(t *testing.T) {
	var nilPolicy *Policy
	assert.Equal(t, int64(500), nilPolicy.EffectiveDailyLimit(500))
	assert.Equal(t, int64(500), (&Policy{}).EffectiveDailyLimit(500))
	assert.Equal(t, int64(300), (&Policy{DailyLimitCents: ptr(int64(300))}).EffectiveDailyLimit(500))
	assert.Equal(t, int64(500), (&Policy{DailyLimitCents: ptr(int64(900))}).EffectiveDailyLimit(500))
}

func TestPolicy_Lists(t *testing.T) {
	p := &Policy{
		AllowAddresses: []string{"0xAbC"},
		DenyAddresses:  []string{"0xdead"},
		DenyAgents:     []string{"agent_x"},
	}
	ok, _ := p.AddressAllowed("0xabc")
	assert.True(t, ok)
	ok, reason := p.AddressAllowed("0xDEAD")
	assert.False(t, ok)
	assert.Equal(t, "address_denied", reason)
	ok, reason = p.AddressAllowed("0x123")
	assert.False(t, ok)
	assert.Equal(t, "address_not_allowed", reason)

	ok, _ = p.AgentAllowed("agent_y")
	assert.True(t, ok)
	ok, _ = p.AgentAllowed("agent_x")
	assert.False(t, ok)
}

func TestPolicy_RequiresStepUp(t *testing.T) {
	p := &Policy{StepUpThresholdCents: 1000}
	assert.False(t, p.RequiresStepUp(999))
	assert.True(t, p.RequiresStepUp(1000))
	assert.False(t, (&Policy{}).RequiresStepUp(1_000_000))
}

func TestStore_LatestWins(t *testing.T) {
	db := storetest.Open(t)
	ctx := context.Background()
	eval, err := NewEvaluator()
	require.NoError(t, err)

	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	s := NewStore(&Policy{StepUpThresholdCents: 42}, eval).WithClock(func() time.Time { return now })

	p, err := s.Latest(ctx, db, "user_1", "agent_a")
	require.NoError(t, err)
	assert.Equal(t, int64(42), p.StepUpThresholdCents, "fallback policy applies when none stored")
	assert.Equal(t, "agent_a", p.AgentID)

	_, err = s.Put(ctx, db, Policy{UserID: "user_1", AgentID: "agent_a", MaxOpenOrders: 1})
	require.NoError(t, err)
	_, err = s.Put(ctx, db, Policy{UserID: "user_1", AgentID: "agent_a", MaxOpenOrders: 2})
	require.NoError(t, err)

	p, err = s.Latest(ctx, db, "user_1", "agent_a")
	require.NoError(t, err)
	assert.Equal(t, 2, p.MaxOpenOrders)
}

func TestStore_PutRejectsBadRule(t *testing.T) {
	db := storetest.Open(t)
	eval, err := NewEvaluator()
	require.NoError(t, err)
	s := NewStore(nil, eval)

	_, err = s.Put(context.Background(), db, Policy{
		UserID: "u", AgentID: "a",
		Rules: []Rule{{Name: "broken", Expr: "cost_cents >"}},
	})
	assert.Error(t, err)
}

func TestEvaluator(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	rules := []Rule{
		{Name: "no-big-orders", Expr: `intent_type == "market.place_order" && cost_cents > 1000`, Reason: "order_too_large"},
		{Name: "no-weekend-market", Expr: `has(intent.market_id) && intent.market_id == "blocked"`},
	}

	v := eval.Evaluate(rules, Input{IntentType: "market.place_order", CostCents: 500, Intent: map[string]any{"market_id": "ok"}})
	assert.False(t, v.Denied)

	v = eval.Evaluate(rules, Input{IntentType: "market.place_order", CostCents: 5000, Intent: map[string]any{}})
	assert.True(t, v.Denied)
	assert.Equal(t, "order_too_large", v.Reason)

	v = eval.Evaluate(rules, Input{IntentType: "market.place_order", CostCents: 10, Intent: map[string]any{"market_id": "blocked"}})
	assert.True(t, v.Denied)
	assert.Equal(t, "policy_rule_denied", v.Reason)
	assert.Equal(t, "no-weekend-market", v.Rule)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
daily_limit_cents: 2500
step_up_threshold_cents: 1000
intent_daily_caps:
  usdc.transfer: 2000
rules:
  - name: cap
    expr: cost_cents > 5000
`), 0o600))
	p, err := LoadFile(path)
	require.NoError(t, err)
	require.NotNil(t, p.DailyLimitCents)
	assert.Equal(t, int64(2500), *p.DailyLimitCents)
	assert.Equal(t, int64(2000), p.IntentDailyCaps["usdc.transfer"])
	require.Len(t, p.Rules, 1)
}
