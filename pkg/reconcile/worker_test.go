package reconcile_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howwee20/Bloom-sub001/pkg/budget"
	"github.com/howwee20/Bloom-sub001/pkg/config"
	"github.com/howwee20/Bloom-sub001/pkg/contracts"
	"github.com/howwee20/Bloom-sub001/pkg/env"
	"github.com/howwee20/Bloom-sub001/pkg/kernel"
	"github.com/howwee20/Bloom-sub001/pkg/ledger"
	"github.com/howwee20/Bloom-sub001/pkg/reconcile"
	"github.com/howwee20/Bloom-sub001/pkg/reserve"
	"github.com/howwee20/Bloom-sub001/pkg/store"
	"github.com/howwee20/Bloom-sub001/pkg/store/storetest"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	t     *testing.T
	ctx   context.Context
	db    *store.DB
	k     *kernel.Kernel
	w     *reconcile.Worker
	clock *clock
}

func newHarness(t *testing.T, environment env.Environment) *harness {
	t.Helper()
	cfg := config.Defaults()
	cfg.StepUpSecret = "reconcile-test-secret"
	db := storetest.Open(t)
	k, err := kernel.New(db, environment, cfg, kernel.Options{})
	require.NoError(t, err)
	c := &clock{now: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)}
	k.WithClock(c.Now)
	w := reconcile.New(db, environment, k.SpendPower(), reconcile.Options{Concurrency: 2, FeedRPS: 100}).WithClock(c.Now)
	return &harness{t: t, ctx: context.Background(), db: db, k: k, w: w, clock: c}
}

func (h *harness) agent(id string) {
	h.t.Helper()
	_, err := h.k.CreateAgent(h.ctx, kernel.CreateAgentRequest{UserID: "user_" + id, AgentID: id})
	require.NoError(h.t, err)
}

func (h *harness) do(agentID, intent string) contracts.ExecutionResult {
	h.t.Helper()
	q, err := h.k.CanDo(h.ctx, kernel.CanDoRequest{AgentID: agentID, Intent: json.RawMessage(intent)})
	require.NoError(h.t, err)
	require.True(h.t, q.Allowed, q.Reason)
	res, err := h.k.Execute(h.ctx, kernel.ExecuteRequest{QuoteID: q.QuoteID, IdempotencyKey: q.IdempotencyKey})
	require.NoError(h.t, err)
	require.Equal(h.t, contracts.ExecApplied, res.Status, res.Reason)
	return res
}

func (h *harness) tick() *reconcile.Report {
	h.t.Helper()
	rep, err := h.w.Tick(h.ctx)
	require.NoError(h.t, err)
	return rep
}

func (h *harness) budget(agentID string) *budget.Budget {
	h.t.Helper()
	b, err := budget.NewStore().Get(h.ctx, h.db, agentID)
	require.NoError(h.t, err)
	return b
}

func (h *harness) events(agentID, eventType string) int {
	h.t.Helper()
	var n int
	require.NoError(h.t, h.db.QueryRowContext(h.ctx,
		`SELECT COUNT(*) FROM events WHERE agent_id = ? AND type = ?`, agentID, eventType).Scan(&n))
	return n
}

func (h *harness) verify(agentID string) {
	h.t.Helper()
	rep, err := ledger.Verify(h.ctx, h.db, agentID)
	require.NoError(h.t, err)
	assert.True(h.t, rep.Valid, "ledger issues: %+v", rep.Issues)
}

func (h *harness) pendingTransfer() reserve.Transfer {
	h.t.Helper()
	pending, err := reserve.NewStore().PendingTransfers(h.ctx, h.db)
	require.NoError(h.t, err)
	require.Len(h.t, pending, 1)
	return pending[0]
}

const transfer = `{"type": "usdc.transfer", "to_address": "0x3333333333333333333333333333333333333333", "amount_cents": 250}`

func TestTransferConfirmation(t *testing.T) {
	sim := env.NewSim("usdc")
	h := newHarness(t, sim)
	h.agent("payer")
	sim.SetBalance("payer", 10_000)
	h.do("payer", transfer)

	snap, err := h.k.RefreshSpendPower(h.ctx, "payer")
	require.NoError(t, err)
	assert.Equal(t, int64(250), snap.ReservedOutgoingCents)

	rep := h.tick()
	assert.Equal(t, 0, rep.Confirmed, "unmined transfers stay pending")

	tr := h.pendingTransfer()
	require.NoError(t, sim.Mine(tr.TxHash, "payer", 250, true, 42))
	rep = h.tick()
	assert.Equal(t, 1, rep.Confirmed)
	assert.Equal(t, 0, rep.FeedErrors)

	b := h.budget("payer")
	assert.Equal(t, int64(10_000-250), b.CreditsCents)
	assert.Equal(t, int64(250), b.DailySpendUsedCents)

	snap, err = h.k.SpendPower().Get(h.ctx, h.db, "payer")
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.ReservedOutgoingCents)
	assert.Equal(t, int64(9_750), snap.ConfirmedBalanceCents)

	assert.Equal(t, 0, h.tick().Confirmed, "a confirmed transfer is applied once")
	assert.Equal(t, 1, h.events("payer", ledger.EventTransferConfirmed))
	h.verify("payer")
}

func TestTransferFailureReleasesReservation(t *testing.T) {
	sim := env.NewSim("usdc")
	h := newHarness(t, sim)
	h.agent("payer")
	sim.SetBalance("payer", 10_000)
	h.do("payer", transfer)

	tr := h.pendingTransfer()
	require.NoError(t, sim.Mine(tr.TxHash, "payer", 250, false, 43))
	rep := h.tick()
	assert.Equal(t, 1, rep.Failed)

	b := h.budget("payer")
	assert.Equal(t, int64(10_000), b.CreditsCents)
	assert.Equal(t, int64(0), b.DailySpendUsedCents)

	snap, err := h.k.SpendPower().Get(h.ctx, h.db, "payer")
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.ReservedOutgoingCents)
	assert.Equal(t, 1, h.events("payer", ledger.EventTransferFailed))
	h.verify("payer")
}

func placeOrder(t *testing.T, h *harness) *reserve.Order {
	t.Helper()
	res := h.do("trader", `{"type": "market.place_order", "market_id": "fed-cut-june", "side": "buy", "price": 0.25, "size": 8}`)
	o, err := reserve.NewStore().GetOrder(h.ctx, h.db, res.ExternalRef)
	require.NoError(t, err)
	require.Equal(t, int64(200), o.CostCents)
	return o
}

func TestOrderFillSettlesHold(t *testing.T) {
	sim := env.NewSim("market")
	h := newHarness(t, sim)
	h.agent("trader")
	sim.SetBalance("trader", 10_000)
	o := placeOrder(t, h)

	require.NoError(t, sim.Fill(o.ExternalOrderID, 8))
	rep := h.tick()
	assert.Equal(t, 1, rep.Filled)

	reserves := reserve.NewStore()
	got, err := reserves.GetOrder(h.ctx, h.db, o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, reserve.OrderFilled, got.Status)
	assert.InDelta(t, 8.0, got.FilledSize, 1e-9)

	hold, err := reserves.GetHold(h.ctx, h.db, reserve.OrderHoldID(o.OrderID))
	require.NoError(t, err)
	assert.Equal(t, reserve.HoldSettled, hold.Status)
	assert.Equal(t, int64(10_000-200), h.budget("trader").CreditsCents)

	assert.Equal(t, 0, h.tick().Filled)
	assert.Equal(t, 1, h.events("trader", ledger.EventOrderFilled))
	assert.Equal(t, 1, h.events("trader", ledger.EventHoldSettled))
	h.verify("trader")
}

func TestExchangeCancelReleasesHold(t *testing.T) {
	sim := env.NewSim("market")
	h := newHarness(t, sim)
	h.agent("trader")
	sim.SetBalance("trader", 10_000)
	o := placeOrder(t, h)

	require.NoError(t, sim.CancelOrder(h.ctx, o.ExternalOrderID))
	rep := h.tick()
	assert.Equal(t, 1, rep.Canceled)

	hold, err := reserve.NewStore().GetHold(h.ctx, h.db, reserve.OrderHoldID(o.OrderID))
	require.NoError(t, err)
	assert.Equal(t, reserve.HoldReleased, hold.Status)
	assert.Equal(t, int64(10_000), h.budget("trader").CreditsCents)

	snap, err := h.k.SpendPower().Get(h.ctx, h.db, "trader")
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.ReservedHoldsCents)
	h.verify("trader")
}

func TestPartialFillChargesFilledCostOnly(t *testing.T) {
	sim := env.NewSim("market")
	h := newHarness(t, sim)
	h.agent("trader")
	sim.SetBalance("trader", 10_000)
	o := placeOrder(t, h)

	require.NoError(t, sim.Fill(o.ExternalOrderID, 3))
	assert.Equal(t, 1, h.tick().Filled)

	hold, err := reserve.NewStore().GetHold(h.ctx, h.db, reserve.OrderHoldID(o.OrderID))
	require.NoError(t, err)
	assert.Equal(t, reserve.HoldSettled, hold.Status)
	b := h.budget("trader")
	assert.Equal(t, int64(10_000-75), b.CreditsCents)
	assert.Equal(t, int64(75), b.DailySpendUsedCents)

	snap, err := h.k.SpendPower().Get(h.ctx, h.db, "trader")
	require.NoError(t, err)
	assert.Zero(t, snap.ReservedHoldsCents, "the unfilled remainder is no longer reserved")
	h.verify("trader")
}

// canceledAfterFill reports every order as canceled by the exchange after
// part of it filled.
type canceledAfterFill struct {
	*env.Sim
	filled float64
}

func (c *canceledAfterFill) OrderStatus(ctx context.Context, orderID string) (env.OrderUpdate, error) {
	if _, err := c.Sim.OrderStatus(ctx, orderID); err != nil {
		return env.OrderUpdate{}, err
	}
	return env.OrderUpdate{OrderID: orderID, Status: env.OrderCanceled, FilledSize: c.filled}, nil
}

func TestCancelAfterPartialFillChargesFilledPart(t *testing.T) {
	venue := &canceledAfterFill{Sim: env.NewSim("market"), filled: 2}
	h := newHarness(t, venue)
	h.agent("trader")
	venue.SetBalance("trader", 10_000)
	o := placeOrder(t, h)

	assert.Equal(t, 1, h.tick().Canceled)

	got, err := reserve.NewStore().GetOrder(h.ctx, h.db, o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, reserve.OrderCanceled, got.Status)
	hold, err := reserve.NewStore().GetHold(h.ctx, h.db, reserve.OrderHoldID(o.OrderID))
	require.NoError(t, err)
	assert.Equal(t, reserve.HoldSettled, hold.Status)
	assert.Equal(t, int64(10_000-50), h.budget("trader").CreditsCents)
	assert.Equal(t, 1, h.events("trader", ledger.EventOrderCanceled))
	assert.Equal(t, 1, h.events("trader", ledger.EventHoldSettled))
	assert.Zero(t, h.events("trader", ledger.EventHoldReleased))
	h.verify("trader")
}

func TestFeedFailureMarksEnvironmentStale(t *testing.T) {
	sim := env.NewSim("usdc")
	h := newHarness(t, sim)
	h.agent("payer")
	sim.SetBalance("payer", 10_000)
	h.do("payer", transfer)

	tracked := env.NewTracked(sim, h.db, h.w.Health(), time.Minute)
	assert.Equal(t, env.Unknown, tracked.Freshness(h.ctx).Status)

	h.tick()
	assert.Equal(t, env.Fresh, tracked.Freshness(h.ctx).Status)

	sim.SetFailing(true)
	rep := h.tick()
	assert.Equal(t, 1, rep.FeedErrors)
	assert.Equal(t, env.Stale, tracked.Freshness(h.ctx).Status)
	assert.Equal(t, reserve.TransferPending, h.pendingTransfer().Status)

	sim.SetFailing(false)
	h.tick()
	assert.Equal(t, env.Fresh, tracked.Freshness(h.ctx).Status)

	h.clock.Advance(2 * time.Minute)
	assert.Equal(t, env.Stale, tracked.Freshness(h.ctx).Status, "no tick within the max age")
}

func TestDailyReset(t *testing.T) {
	h := newHarness(t, env.NewEconomy(50, 200, 1))
	h.agent("a")
	h.agent("b")
	h.do("a", `{"type": "credits.transfer", "to_agent_id": "b", "amount_cents": 300}`)

	assert.Equal(t, 0, h.tick().Resets)

	h.clock.Advance(24 * time.Hour)
	rep := h.tick()
	assert.Equal(t, 2, rep.Resets)
	assert.Equal(t, int64(0), h.budget("a").DailySpendUsedCents)
	assert.Equal(t, 0, h.tick().Resets)

	assert.Equal(t, 1, h.events("a", ledger.EventDailySpendReset))
	h.verify("a")
	h.verify("b")
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, env.NewEconomy(50, 200, 1))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.w.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
