package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howwee20/Bloom-sub001/pkg/archive"
	"github.com/howwee20/Bloom-sub001/pkg/config"
	"github.com/howwee20/Bloom-sub001/pkg/contracts"
	"github.com/howwee20/Bloom-sub001/pkg/env"
	"github.com/howwee20/Bloom-sub001/pkg/ledger"
	"github.com/howwee20/Bloom-sub001/pkg/policy"
	"github.com/howwee20/Bloom-sub001/pkg/ratelimit"
	"github.com/howwee20/Bloom-sub001/pkg/reserve"
	"github.com/howwee20/Bloom-sub001/pkg/stepup"
	"github.com/howwee20/Bloom-sub001/pkg/store"
	"github.com/howwee20/Bloom-sub001/pkg/store/storetest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	t     *testing.T
	ctx   context.Context
	db    *store.DB
	k     *Kernel
	cfg   *config.Config
	clock *fakeClock
}

func newFixture(t *testing.T, environment env.Environment, tweak func(*config.Config, *Options)) *fixture {
	t.Helper()
	cfg := config.Defaults()
	cfg.StepUpSecret = "kernel-test-secret"
	opts := Options{}
	if tweak != nil {
		tweak(cfg, &opts)
	}
	db := storetest.Open(t)
	k, err := New(db, environment, cfg, opts)
	require.NoError(t, err)
	clock := &fakeClock{now: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)}
	k.WithClock(clock.Now)
	return &fixture{t: t, ctx: context.Background(), db: db, k: k, cfg: cfg, clock: clock}
}

func economy() env.Environment { return env.NewEconomy(50, 200, 7) }

func (f *fixture) agent(id string) *contracts.Agent {
	f.t.Helper()
	a, err := f.k.CreateAgent(f.ctx, CreateAgentRequest{UserID: "user_" + id, AgentID: id})
	require.NoError(f.t, err)
	return a
}

func (f *fixture) quote(agentID, intent, key string) *contracts.Quote {
	f.t.Helper()
	q, err := f.k.CanDo(f.ctx, CanDoRequest{AgentID: agentID, Intent: json.RawMessage(intent), IdempotencyKey: key})
	require.NoError(f.t, err)
	return q
}

func (f *fixture) execute(q *contracts.Quote, token string, override bool) contracts.ExecutionResult {
	f.t.Helper()
	res, err := f.k.Execute(f.ctx, ExecuteRequest{
		QuoteID:           q.QuoteID,
		IdempotencyKey:    q.IdempotencyKey,
		StepUpToken:       token,
		OverrideFreshness: override,
	})
	require.NoError(f.t, err)
	return res
}

func (f *fixture) approve(q *contracts.Quote) string {
	f.t.Helper()
	c, err := f.k.RequestStepUpChallenge(f.ctx, q.QuoteID)
	require.NoError(f.t, err)
	_, tok, err := f.k.ConfirmStepUpChallenge(f.ctx, c.ChallengeID, c.Code, stepup.Approve)
	require.NoError(f.t, err)
	require.NotNil(f.t, tok)
	return tok.Token
}

func (f *fixture) count(query string, args ...any) int {
	f.t.Helper()
	var n int
	require.NoError(f.t, f.db.QueryRowContext(f.ctx, query, args...).Scan(&n))
	return n
}

func (f *fixture) spend(agentID string) contracts.SpendSnapshot {
	f.t.Helper()
	st, err := f.k.GetState(f.ctx, agentID, true)
	require.NoError(f.t, err)
	return st.SpendPower
}

func (f *fixture) verify(agentID string) {
	f.t.Helper()
	rep, err := ledger.Verify(f.ctx, f.db, agentID)
	require.NoError(f.t, err)
	assert.True(f.t, rep.Valid, "ledger issues: %+v", rep.Issues)
}

func TestCreateAgent(t *testing.T) {
	f := newFixture(t, economy(), nil)
	a := f.agent("alice")
	assert.Equal(t, contracts.AgentActive, a.Status)

	st, err := f.k.GetState(f.ctx, "alice", false)
	require.NoError(t, err)
	assert.Equal(t, f.cfg.DefaultCreditsCents, st.Budget.CreditsCents)
	assert.Equal(t, int64(0), st.Budget.DailySpendUsedCents)
	assert.Equal(t, "economy", st.Observation["env"])
	assert.Equal(t, min(f.cfg.DefaultCreditsCents, f.cfg.DefaultDailySpendCents), st.SpendPower.EffectiveSpendPowerCents)

	_, err = f.k.CreateAgent(f.ctx, CreateAgentRequest{UserID: "user_alice", AgentID: "alice"})
	assert.ErrorIs(t, err, ErrAgentExists)

	events, err := ledger.Events(f.ctx, f.db, "alice")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ledger.EventAgentCreated, events[0].Type)

	generated, err := f.k.CreateAgent(f.ctx, CreateAgentRequest{})
	require.NoError(t, err)
	assert.NotEmpty(t, generated.AgentID)
	assert.NotEmpty(t, generated.UserID)
}

func TestCreditsLifecycle_PenaltyKillsAgent(t *testing.T) {
	f := newFixture(t, economy(), func(c *config.Config, _ *Options) {
		c.DefaultCreditsCents = 150
	})
	f.agent("worker")

	req := f.quote("worker", `{"type": "job.request"}`, "")
	require.True(t, req.Allowed, req.Reason)
	assert.Equal(t, int64(0), req.CostCents)
	res := f.execute(req, "", false)
	require.Equal(t, contracts.ExecApplied, res.Status, res.Reason)
	jobID := res.ExternalRef
	require.NotEmpty(t, jobID)

	submit := f.quote("worker", fmt.Sprintf(`{"type": "job.submit", "job_id": %q, "answer": "definitely wrong"}`, jobID), "")
	require.True(t, submit.Allowed, submit.Reason)
	res = f.execute(submit, "", false)
	require.Equal(t, contracts.ExecApplied, res.Status, res.Reason)

	a, err := f.k.GetAgent(f.ctx, "worker")
	require.NoError(t, err)
	assert.Equal(t, contracts.AgentDead, a.Status)

	st, err := f.k.GetState(f.ctx, "worker", true)
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.Budget.CreditsCents)
	assert.Equal(t, int64(0), st.SpendPower.EffectiveSpendPowerCents)

	for _, intent := range []string{`{"type": "job.request"}`, `{"type": "credits.transfer", "to_agent_id": "x", "amount_cents": 1}`} {
		q := f.quote("worker", intent, "")
		assert.False(t, q.Allowed)
		assert.Equal(t, contracts.ReasonAgentDead, q.Reason)
	}
	assert.Equal(t, 1, f.count(`SELECT COUNT(*) FROM events WHERE agent_id = ? AND type = ?`, "worker", ledger.EventAgentDied))
	f.verify("worker")
}

func TestExecute_Idempotence(t *testing.T) {
	f := newFixture(t, economy(), nil)
	f.agent("a")
	f.agent("b")

	q := f.quote("a", `{"type": "credits.transfer", "to_agent_id": "b", "amount_cents": 250}`, "pay-b-1")
	require.True(t, q.Allowed, q.Reason)

	first := f.execute(q, "", false)
	require.Equal(t, contracts.ExecApplied, first.Status, first.Reason)
	for range 3 {
		again := f.execute(q, "", false)
		assert.Equal(t, contracts.ExecIdempotent, again.Status)
		assert.Equal(t, first.ExecID, again.ExecID)
	}
	assert.Equal(t, 1, f.count(`SELECT COUNT(*) FROM executions WHERE quote_id = ?`, q.QuoteID))

	st, err := f.k.GetState(f.ctx, "a", false)
	require.NoError(t, err)
	assert.Equal(t, f.cfg.DefaultCreditsCents-250, st.Budget.CreditsCents)
	assert.Equal(t, int64(250), st.Budget.DailySpendUsedCents)

	recipient, err := f.k.GetState(f.ctx, "b", false)
	require.NoError(t, err)
	assert.Equal(t, f.cfg.DefaultCreditsCents+250, recipient.Budget.CreditsCents)

	f.verify("a")
	f.verify("b")
}

func TestExecute_Rejections(t *testing.T) {
	f := newFixture(t, economy(), nil)
	f.agent("a")
	f.agent("b")

	res, err := f.k.Execute(f.ctx, ExecuteRequest{QuoteID: "q_missing", IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, contracts.Rejected("q_missing", contracts.ReasonQuoteNotFound), res)

	q := f.quote("a", `{"type": "credits.transfer", "to_agent_id": "b", "amount_cents": 100}`, "k1")
	res, err = f.k.Execute(f.ctx, ExecuteRequest{QuoteID: q.QuoteID, IdempotencyKey: "other"})
	require.NoError(t, err)
	assert.Equal(t, contracts.ReasonIdempotencyMismatch, res.Reason)

	denied := f.quote("a", `{"type": "credits.transfer", "to_agent_id": "a", "amount_cents": 100}`, "")
	require.False(t, denied.Allowed)
	assert.Equal(t, contracts.ReasonInvalidRecipient, denied.Reason)
	assert.Equal(t, contracts.ReasonQuoteNotAllowed, f.execute(denied, "", false).Reason)

	f.clock.Advance(f.cfg.QuoteTTL + time.Second)
	res = f.execute(q, "", false)
	assert.Equal(t, contracts.ExecRejected, res.Status)
	assert.Equal(t, contracts.ReasonQuoteExpired, res.Reason)
	assert.Equal(t, 0, f.count(`SELECT COUNT(*) FROM executions`))
}

func TestCanDo_MalformedIntentIsRecorded(t *testing.T) {
	f := newFixture(t, economy(), nil)
	f.agent("a")

	q := f.quote("a", `{"type": "market.place_order", "market_id": "m", "side": "buy", "price": 1.5, "size": 1}`, "")
	assert.False(t, q.Allowed)
	assert.Equal(t, contracts.ReasonInvalidPrice, q.Reason)

	garbage := f.quote("a", `{not json`, "")
	assert.False(t, garbage.Allowed)
	assert.Equal(t, contracts.ReasonInvalidIntent, garbage.Reason)
	assert.True(t, json.Valid(garbage.IntentJSON))

	assert.Equal(t, 2, f.count(`SELECT COUNT(*) FROM receipts WHERE agent_id = ? AND source = ?`, "a", string(ledger.SourcePolicy)))

	_, err := f.k.CanDo(f.ctx, CanDoRequest{AgentID: "ghost", Intent: json.RawMessage(`{"type": "job.request"}`)})
	assert.ErrorIs(t, err, ErrAgentNotFound)
	_, err = f.k.CanDo(f.ctx, CanDoRequest{UserID: "someone_else", AgentID: "a", Intent: json.RawMessage(`{"type": "job.request"}`)})
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestCanDo_KeyReplayChecksOwnership(t *testing.T) {
	f := newFixture(t, economy(), nil)
	f.agent("a")
	q := f.quote("a", `{"type": "job.request"}`, "owned-key")

	_, err := f.k.CanDo(f.ctx, CanDoRequest{UserID: "someone_else", AgentID: "a", Intent: json.RawMessage(`{"type": "job.request"}`), IdempotencyKey: "owned-key"})
	assert.ErrorIs(t, err, ErrAgentNotFound)

	again, err := f.k.CanDo(f.ctx, CanDoRequest{UserID: "user_a", AgentID: "a", Intent: json.RawMessage(`{"type": "job.request"}`), IdempotencyKey: "owned-key"})
	require.NoError(t, err)
	assert.Equal(t, q.QuoteID, again.QuoteID)
}

func TestCanDo_ConcurrentDedup(t *testing.T) {
	f := newFixture(t, economy(), nil)
	f.agent("a")
	f.agent("b")

	const n = 8
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q, err := f.k.CanDo(f.ctx, CanDoRequest{
				AgentID:        "a",
				Intent:         json.RawMessage(`{"type": "credits.transfer", "to_agent_id": "b", "amount_cents": 10}`),
				IdempotencyKey: "same-key",
			})
			if assert.NoError(t, err) {
				ids[i] = q.QuoteID
			}
		}()
	}
	wg.Wait()

	for _, id := range ids[1:] {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, f.count(`SELECT COUNT(*) FROM quotes WHERE agent_id = ?`, "a"))
	assert.Equal(t, 1, f.count(`SELECT COUNT(*) FROM events WHERE agent_id = ? AND type = ?`, "a", ledger.EventQuoteIssued))
	f.verify("a")
}

func TestCanDo_AffordabilityGate(t *testing.T) {
	f := newFixture(t, economy(), func(c *config.Config, _ *Options) {
		c.DefaultCreditsCents = 1_000
		c.DefaultDailySpendCents = 100_000
	})
	f.agent("a")
	f.agent("b")

	_, err := f.k.CreateHold(f.ctx, "a", "auth-1", 800)
	require.NoError(t, err)
	assert.Equal(t, int64(200), f.spend("a").EffectiveSpendPowerCents)

	q := f.quote("a", `{"type": "credits.transfer", "to_agent_id": "b", "amount_cents": 500}`, "")
	assert.False(t, q.Allowed)
	assert.Equal(t, contracts.ReasonInsufficientSpendPower, q.Reason)

	ok := f.quote("a", `{"type": "credits.transfer", "to_agent_id": "b", "amount_cents": 200}`, "")
	assert.True(t, ok.Allowed, ok.Reason)

	_, err = f.k.SetPolicy(f.ctx, "a", policy.Policy{DailyLimitCents: ptr(int64(100))})
	require.NoError(t, err)
	capped := f.quote("a", `{"type": "credits.transfer", "to_agent_id": "b", "amount_cents": 150}`, "")
	assert.False(t, capped.Allowed)
	assert.Equal(t, contracts.ReasonDailyLimitExceeded, capped.Reason)
}

func TestExecute_RevalidatesAgainstCurrentFacts(t *testing.T) {
	f := newFixture(t, economy(), func(c *config.Config, _ *Options) {
		c.DefaultCreditsCents = 1_000
		c.DefaultDailySpendCents = 100_000
	})
	f.agent("a")
	f.agent("b")

	q := f.quote("a", `{"type": "credits.transfer", "to_agent_id": "b", "amount_cents": 600}`, "")
	require.True(t, q.Allowed, q.Reason)

	_, err := f.k.CreateHold(f.ctx, "a", "auth-late", 700)
	require.NoError(t, err)

	res := f.execute(q, "", false)
	assert.Equal(t, contracts.ExecRejected, res.Status)
	assert.Equal(t, contracts.ReasonInsufficientSpendPower, res.Reason)
	assert.Equal(t, 0, f.count(`SELECT COUNT(*) FROM executions`))

	_, err = f.k.ReleaseHold(f.ctx, "auth-late")
	require.NoError(t, err)
	assert.Equal(t, contracts.ExecApplied, f.execute(q, "", false).Status)
}

func TestHoldStateMachine(t *testing.T) {
	f := newFixture(t, economy(), nil)
	f.agent("a")
	before := f.spend("a").EffectiveSpendPowerCents

	_, err := f.k.CreateHold(f.ctx, "a", "auth-1", 300)
	require.NoError(t, err)
	held := f.spend("a")
	assert.Equal(t, before-300, held.EffectiveSpendPowerCents)
	assert.Equal(t, int64(300), held.ReservedHoldsCents)

	_, err = f.k.CreateHold(f.ctx, "a", "auth-1", 300)
	assert.ErrorIs(t, err, reserve.ErrDuplicateHold)

	h, err := f.k.SettleHold(f.ctx, "auth-1")
	require.NoError(t, err)
	assert.Equal(t, reserve.HoldSettled, h.Status)

	_, err = f.k.SettleHold(f.ctx, "auth-1")
	require.ErrorIs(t, err, reserve.ErrHoldNotPending)
	assert.Equal(t, contracts.ReasonHoldNotPending, reserve.Reason(err))
	_, err = f.k.ReleaseHold(f.ctx, "auth-1")
	assert.ErrorIs(t, err, reserve.ErrHoldNotPending)

	settled := f.spend("a")
	assert.Equal(t, int64(0), settled.ReservedHoldsCents)
	assert.Equal(t, before-300, settled.EffectiveSpendPowerCents, "a settled hold becomes spend")

	_, err = f.k.CreateHold(f.ctx, "a", "auth-2", 120)
	require.NoError(t, err)
	assert.Equal(t, before-420, f.spend("a").EffectiveSpendPowerCents)
	_, err = f.k.ReleaseHold(f.ctx, "auth-2")
	require.NoError(t, err)
	assert.Equal(t, before-300, f.spend("a").EffectiveSpendPowerCents)

	_, err = f.k.SettleHold(f.ctx, "auth-unknown")
	assert.ErrorIs(t, err, reserve.ErrHoldNotFound)

	assert.Equal(t, 1, f.count(`SELECT COUNT(*) FROM events WHERE agent_id = ? AND type = ?`, "a", ledger.EventHoldSettled))
	assert.Equal(t, 1, f.count(`SELECT COUNT(*) FROM events WHERE agent_id = ? AND type = ?`, "a", ledger.EventHoldReleased))
	f.verify("a")
}

func TestOrderPlacementAndCancellation(t *testing.T) {
	sim := env.NewSim("market")
	f := newFixture(t, sim, nil)
	f.agent("trader")
	sim.SetBalance("trader", 100_000)

	place := f.quote("trader", `{"type": "market.place_order", "market_id": "election-2028", "side": "buy", "price": 0.5, "size": 10}`, "")
	require.True(t, place.Allowed, place.Reason)
	assert.Equal(t, int64(500), place.CostCents)

	res := f.execute(place, "", false)
	require.Equal(t, contracts.ExecApplied, res.Status, res.Reason)
	orderID := res.ExternalRef

	hold, err := f.k.reserves.GetHold(f.ctx, f.db, reserve.OrderHoldID(orderID))
	require.NoError(t, err)
	assert.Equal(t, reserve.HoldPending, hold.Status)
	assert.Equal(t, int64(500), hold.AmountCents)
	assert.Equal(t, int64(500), f.spend("trader").ReservedHoldsCents)

	cancelIntent := fmt.Sprintf(`{"type": "market.cancel_order", "order_id": %q}`, orderID)
	cancel := f.quote("trader", cancelIntent, "")
	require.True(t, cancel.Allowed, cancel.Reason)
	require.Equal(t, contracts.ExecApplied, f.execute(cancel, "", false).Status)

	order, err := f.k.reserves.GetOrder(f.ctx, f.db, orderID)
	require.NoError(t, err)
	assert.Equal(t, reserve.OrderCanceled, order.Status)
	hold, err = f.k.reserves.GetHold(f.ctx, f.db, reserve.OrderHoldID(orderID))
	require.NoError(t, err)
	assert.Equal(t, reserve.HoldReleased, hold.Status)
	assert.Equal(t, int64(0), f.spend("trader").ReservedHoldsCents)

	again := f.quote("trader", cancelIntent, "")
	require.True(t, again.Allowed, again.Reason)
	res = f.execute(again, "", false)
	assert.Equal(t, contracts.ExecIdempotent, res.Status)
	assert.Equal(t, 1, f.count(`SELECT COUNT(*) FROM events WHERE agent_id = ? AND type = ?`, "trader", ledger.EventOrderCanceled))
	f.verify("trader")
}

func TestRepeatOrderAfterCancelIsPlaced(t *testing.T) {
	sim := env.NewSim("market")
	f := newFixture(t, sim, nil)
	f.agent("trader")
	sim.SetBalance("trader", 100_000)
	intent := `{"type": "market.place_order", "market_id": "election-2028", "side": "buy", "price": 0.5, "size": 10}`

	first := f.execute(f.quote("trader", intent, "k1"), "", false)
	require.Equal(t, contracts.ExecApplied, first.Status, first.Reason)
	cancel := f.quote("trader", fmt.Sprintf(`{"type": "market.cancel_order", "order_id": %q}`, first.ExternalRef), "k2")
	require.Equal(t, contracts.ExecApplied, f.execute(cancel, "", false).Status)

	again := f.quote("trader", intent, "k3")
	require.True(t, again.Allowed, again.Reason)
	res := f.execute(again, "", false)
	require.Equal(t, contracts.ExecApplied, res.Status, res.Reason)
	assert.NotEqual(t, first.ExternalRef, res.ExternalRef)
	assert.Equal(t, int64(500), f.spend("trader").ReservedHoldsCents)
	assert.Equal(t, 2, f.count(`SELECT COUNT(*) FROM market_orders WHERE agent_id = ?`, "trader"))
	f.verify("trader")
}

func TestIdenticalTransfersUnderNewKeysBothBroadcast(t *testing.T) {
	sim := env.NewSim("usdc")
	f := newFixture(t, sim, nil)
	f.agent("payer")
	sim.SetBalance("payer", 100_000)
	intent := `{"type": "usdc.transfer", "to_address": "0x2222222222222222222222222222222222222222", "amount_cents": 250}`

	first := f.execute(f.quote("payer", intent, "k1"), "", false)
	require.Equal(t, contracts.ExecApplied, first.Status, first.Reason)
	second := f.execute(f.quote("payer", intent, "k2"), "", false)
	require.Equal(t, contracts.ExecApplied, second.Status, second.Reason)
	assert.NotEqual(t, first.ExternalRef, second.ExternalRef)
	assert.Equal(t, int64(500), f.spend("payer").ReservedOutgoingCents)
	assert.Equal(t, 2, f.count(`SELECT COUNT(*) FROM pending_transfers WHERE agent_id = ?`, "payer"))

	// Reusing a key returns the recorded quote and its execution.
	replay := f.execute(f.quote("payer", intent, "k1"), "", false)
	assert.Equal(t, contracts.ExecIdempotent, replay.Status)
	assert.Equal(t, first.ExternalRef, replay.ExternalRef)
	f.verify("payer")
}

func TestExecute_ConcurrentCallsApplyOnce(t *testing.T) {
	sim := env.NewSim("market")
	f := newFixture(t, sim, nil)
	f.agent("trader")
	sim.SetBalance("trader", 100_000)

	q := f.quote("trader", `{"type": "market.place_order", "market_id": "m1", "side": "buy", "price": 0.25, "size": 8}`, "race")
	require.True(t, q.Allowed, q.Reason)

	const n = 8
	results := make([]contracts.ExecutionResult, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.k.Execute(f.ctx, ExecuteRequest{QuoteID: q.QuoteID, IdempotencyKey: q.IdempotencyKey})
			if assert.NoError(t, err) {
				results[i] = res
			}
		}()
	}
	wg.Wait()

	applied := 0
	for _, res := range results {
		switch res.Status {
		case contracts.ExecApplied:
			applied++
		case contracts.ExecIdempotent:
		default:
			t.Errorf("unexpected status %s (%s)", res.Status, res.Reason)
		}
		assert.Equal(t, results[0].ExecID, res.ExecID)
		assert.Equal(t, results[0].ExternalRef, res.ExternalRef)
	}
	assert.Equal(t, 1, applied)
	assert.Equal(t, 1, f.count(`SELECT COUNT(*) FROM executions WHERE quote_id = ?`, q.QuoteID))
	assert.Equal(t, 1, f.count(`SELECT COUNT(*) FROM events WHERE agent_id = ? AND type = ?`, "trader", ledger.EventExecutionApplied))
	assert.Equal(t, 1, f.count(`SELECT COUNT(*) FROM card_holds WHERE agent_id = ?`, "trader"))
	assert.Equal(t, 1, f.count(`SELECT COUNT(*) FROM market_orders WHERE agent_id = ?`, "trader"))
	f.verify("trader")
}

func TestFreshnessGate(t *testing.T) {
	sim := env.NewSim("usdc")
	f := newFixture(t, sim, nil)
	f.agent("payer")
	sim.SetBalance("payer", 100_000)

	q := f.quote("payer", `{"type": "usdc.transfer", "to_address": "0x1111111111111111111111111111111111111111", "amount_cents": 250}`, "")
	require.True(t, q.Allowed, q.Reason)

	sim.SetFreshness(env.Unknown)
	res := f.execute(q, "", false)
	assert.Equal(t, contracts.ExecRejected, res.Status)
	assert.Equal(t, contracts.ReasonEnvUnknown, res.Reason)

	sim.SetFreshness(env.Stale)
	assert.Equal(t, contracts.ReasonEnvStale, f.execute(q, "", false).Reason)
	assert.Equal(t, contracts.ReasonOverrideNeedsToken, f.execute(q, "", true).Reason)
	assert.Equal(t, contracts.ReasonOverrideNeedsToken, f.execute(q, "forged", true).Reason)

	token := f.approve(q)
	res = f.execute(q, token, true)
	require.Equal(t, contracts.ExecApplied, res.Status, res.Reason)
	assert.NotEmpty(t, res.ExternalRef)

	snap := f.spend("payer")
	assert.Equal(t, int64(250), snap.ReservedOutgoingCents)
	assert.True(t, snap.BalanceBound)
	f.verify("payer")
}

func TestStepUpRequired(t *testing.T) {
	f := newFixture(t, economy(), nil)
	f.agent("a")
	f.agent("b")
	_, err := f.k.SetPolicy(f.ctx, "a", policy.Policy{StepUpThresholdCents: 100})
	require.NoError(t, err)

	small := f.quote("a", `{"type": "credits.transfer", "to_agent_id": "b", "amount_cents": 99}`, "")
	assert.False(t, small.RequiresStepUp)

	q := f.quote("a", `{"type": "credits.transfer", "to_agent_id": "b", "amount_cents": 100}`, "")
	require.True(t, q.Allowed)
	require.True(t, q.RequiresStepUp)

	assert.Equal(t, contracts.ReasonStepUpRequired, f.execute(q, "", false).Reason)
	assert.Equal(t, contracts.ReasonStepUpInvalid, f.execute(q, "not-a-jwt", false).Reason)

	other := f.approve(small)
	assert.Equal(t, contracts.ReasonStepUpInvalid, f.execute(q, other, false).Reason, "token bound to another quote")

	c, err := f.k.RequestStepUpChallenge(f.ctx, q.QuoteID)
	require.NoError(t, err)
	_, tok, err := f.k.ConfirmStepUpChallenge(f.ctx, c.ChallengeID, "not-the-code", stepup.Approve)
	assert.ErrorIs(t, err, stepup.ErrInvalidCode)
	assert.Nil(t, tok)

	_, tok, err = f.k.ConfirmStepUpChallenge(f.ctx, c.ChallengeID, c.Code, stepup.Approve)
	require.NoError(t, err)
	res := f.execute(q, tok.Token, false)
	assert.Equal(t, contracts.ExecApplied, res.Status, res.Reason)

	f.clock.Advance(f.cfg.StepUpTokenTTL + time.Second)
	assert.Equal(t, contracts.ExecIdempotent, f.execute(q, tok.Token, false).Status)
	f.verify("a")
}

func TestStepUpDenyAndExpiry(t *testing.T) {
	f := newFixture(t, economy(), nil)
	f.agent("a")
	q := f.quote("a", `{"type": "job.request"}`, "")

	c, err := f.k.RequestStepUpChallenge(f.ctx, q.QuoteID)
	require.NoError(t, err)
	denied, tok, err := f.k.ConfirmStepUpChallenge(f.ctx, c.ChallengeID, c.Code, stepup.Deny)
	require.NoError(t, err)
	assert.Nil(t, tok)
	assert.Equal(t, stepup.Denied, denied.Status)

	c2, err := f.k.RequestStepUpChallenge(f.ctx, q.QuoteID)
	require.NoError(t, err)
	f.clock.Advance(f.cfg.StepUpChallengeTTL + time.Second)
	expired, _, err := f.k.ConfirmStepUpChallenge(f.ctx, c2.ChallengeID, c2.Code, stepup.Approve)
	assert.ErrorIs(t, err, stepup.ErrChallengeExpired)
	assert.Equal(t, stepup.Expired, expired.Status)

	_, err = f.k.RequestStepUpChallenge(f.ctx, "q_missing")
	assert.ErrorIs(t, err, ErrQuoteNotFound)

	assert.Equal(t, 2, f.count(`SELECT COUNT(*) FROM events WHERE agent_id = ? AND type = ?`, "a", ledger.EventStepUpResolved))
	f.verify("a")
}

type flakyChain struct {
	*env.Sim
	mu   sync.Mutex
	fail bool
}

func (c *flakyChain) setFail(v bool) {
	c.mu.Lock()
	c.fail = v
	c.mu.Unlock()
}

func (c *flakyChain) BroadcastTransfer(ctx context.Context, req env.TransferRequest) (env.Broadcast, error) {
	c.mu.Lock()
	fail := c.fail
	c.mu.Unlock()
	if fail {
		return env.Broadcast{}, errors.New("rpc: connection reset")
	}
	return c.Sim.BroadcastTransfer(ctx, req)
}

func TestExecute_DriverFailureIsRetryable(t *testing.T) {
	chain := &flakyChain{Sim: env.NewSim("usdc")}
	f := newFixture(t, chain, nil)
	f.agent("payer")
	chain.SetBalance("payer", 100_000)

	q := f.quote("payer", `{"type": "usdc.transfer", "to_address": "0x2222222222222222222222222222222222222222", "amount_cents": 400}`, "")
	require.True(t, q.Allowed, q.Reason)

	chain.setFail(true)
	res := f.execute(q, "", false)
	assert.Equal(t, contracts.ExecFailed, res.Status)
	assert.Equal(t, contracts.ReasonBroadcastFailed, res.Reason)
	assert.Equal(t, 0, f.count(`SELECT COUNT(*) FROM executions`))
	assert.Equal(t, 0, f.count(`SELECT COUNT(*) FROM pending_transfers`))
	assert.Equal(t, 1, f.count(`SELECT COUNT(*) FROM events WHERE agent_id = ? AND type = ?`, "payer", ledger.EventExecutionFailed))

	chain.setFail(false)
	res = f.execute(q, "", false)
	assert.Equal(t, contracts.ExecApplied, res.Status, res.Reason)
	assert.Equal(t, 1, f.count(`SELECT COUNT(*) FROM pending_transfers`))
	f.verify("payer")
}

func TestPolicyRulesDeny(t *testing.T) {
	f := newFixture(t, economy(), nil)
	f.agent("a")
	f.agent("b")

	_, err := f.k.SetPolicy(f.ctx, "a", policy.Policy{Rules: []policy.Rule{
		{Name: "no-large-transfers", Expr: `intent_type == "credits.transfer" && cost_cents > 300`, Reason: "transfer_too_large"},
	}})
	require.NoError(t, err)

	q := f.quote("a", `{"type": "credits.transfer", "to_agent_id": "b", "amount_cents": 301}`, "")
	assert.False(t, q.Allowed)
	assert.Equal(t, "transfer_too_large", q.Reason)
	assert.True(t, f.quote("a", `{"type": "credits.transfer", "to_agent_id": "b", "amount_cents": 300}`, "").Allowed)

	_, err = f.k.SetPolicy(f.ctx, "a", policy.Policy{Rules: []policy.Rule{{Name: "broken", Expr: "cost_cents >"}}})
	assert.Error(t, err)
}

func TestIntegrityFlag(t *testing.T) {
	f := newFixture(t, economy(), nil)
	f.agent("a")

	rep, err := f.k.VerifyLedger(f.ctx, "a")
	require.NoError(t, err)
	assert.True(t, rep.Valid)

	_, err = f.db.ExecContext(f.ctx,
		`INSERT INTO receipts (receipt_id, agent_id, user_id, event_id, source, what_happened, why_changed, what_happens_next, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		"r_orphan", "a", "user_a", "ev_missing", "execution", "x", "y", "z", 0)
	require.NoError(t, err)

	rep, err = f.k.VerifyLedger(f.ctx, "a")
	require.NoError(t, err)
	require.False(t, rep.Valid)
	assert.Equal(t, ledger.IssueOrphanReceipt, rep.Issues[0].Kind)

	q := f.quote("a", `{"type": "job.request"}`, "")
	assert.False(t, q.Allowed)
	assert.Equal(t, contracts.ReasonLedgerIntegrity, q.Reason)

	st, err := f.k.GetState(f.ctx, "a", false)
	require.NoError(t, err)
	assert.True(t, st.Flagged)

	_, err = f.k.VerifyLedger(f.ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, f.count(`SELECT COUNT(*) FROM events WHERE agent_id = ? AND type = ?`, "a", ledger.EventIntegrityFlagged))

	require.NoError(t, f.k.ClearIntegrityFlag(f.ctx, "a", "orphan receipt investigated"))
	assert.True(t, f.quote("a", `{"type": "job.request"}`, "").Allowed)
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, economy(), func(c *config.Config, o *Options) {
		c.RateLimitRPM = 1
		c.RateLimitBurst = 1
		o.Limiter = ratelimit.NewMemoryStore()
	})
	f.agent("a")

	f.quote("a", `{"type": "job.request"}`, "k1")
	_, err := f.k.CanDo(f.ctx, CanDoRequest{AgentID: "a", Intent: json.RawMessage(`{"type": "job.request"}`), IdempotencyKey: "k2"})
	assert.ErrorIs(t, err, ErrRateLimited)

	replay, err := f.k.CanDo(f.ctx, CanDoRequest{AgentID: "a", Intent: json.RawMessage(`{"type": "job.request"}`), IdempotencyKey: "k1"})
	require.NoError(t, err, "replaying a recorded key is not throttled")
	assert.True(t, replay.Allowed)
}

func TestDailyResetOnExecute(t *testing.T) {
	f := newFixture(t, economy(), nil)
	f.agent("a")
	f.agent("b")

	q := f.quote("a", `{"type": "credits.transfer", "to_agent_id": "b", "amount_cents": 400}`, "")
	require.Equal(t, contracts.ExecApplied, f.execute(q, "", false).Status)

	f.clock.Advance(24 * time.Hour)
	q2 := f.quote("a", `{"type": "credits.transfer", "to_agent_id": "b", "amount_cents": 100}`, "")
	require.Equal(t, contracts.ExecApplied, f.execute(q2, "", false).Status)

	st, err := f.k.GetState(f.ctx, "a", false)
	require.NoError(t, err)
	assert.Equal(t, int64(100), st.Budget.DailySpendUsedCents)
	assert.Equal(t, 1, f.count(`SELECT COUNT(*) FROM events WHERE agent_id = ? AND type = ?`, "a", ledger.EventDailySpendReset))

	cleared, err := f.k.ResetDailySpend(f.ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(100), cleared)
	f.verify("a")
}

func TestExportLedger(t *testing.T) {
	f := newFixture(t, economy(), nil)
	f.agent("a")
	f.quote("a", `{"type": "job.request"}`, "")

	dst, err := archive.NewFileStore(t.TempDir())
	require.NoError(t, err)
	hash, rep, err := f.k.ExportLedger(f.ctx, "a", dst)
	require.NoError(t, err)
	assert.True(t, rep.Valid)
	assert.Equal(t, 2, rep.Events)

	data, err := dst.Get(f.ctx, hash)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"kind":"header"`)
	assert.Contains(t, string(data), ledger.EventQuoteIssued)
}

func TestLedgerIsAppendOnly(t *testing.T) {
	f := newFixture(t, economy(), nil)
	f.agent("a")

	_, err := f.db.ExecContext(f.ctx, `UPDATE events SET type = 'forged' WHERE agent_id = ?`, "a")
	assert.ErrorIs(t, err, store.ErrAppendOnly)
	_, err = f.db.Raw().ExecContext(f.ctx, `DELETE FROM events WHERE agent_id = ?`, "a")
	assert.Error(t, err)
	f.verify("a")
}

func TestAgentLocks(t *testing.T) {
	l := newAgentLocks()
	unlock := l.lock("b", "a", "a")
	done := make(chan struct{})
	go func() {
		release := l.lock("a")
		release()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("lock acquired while held")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	<-done
	assert.Empty(t, l.locks)
}

func ptr[T any](v T) *T { return &v }
