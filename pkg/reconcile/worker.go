// Package reconcile feeds asynchronous outcomes back into the ledger: chain
// confirmations of broadcast transfers, exchange fills and cancels of posted
// orders, and the daily spend rollover. It never creates quotes or
// executions.
package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/howwee20/Bloom-sub001/pkg/budget"
	"github.com/howwee20/Bloom-sub001/pkg/env"
	"github.com/howwee20/Bloom-sub001/pkg/ledger"
	"github.com/howwee20/Bloom-sub001/pkg/money"
	"github.com/howwee20/Bloom-sub001/pkg/reserve"
	"github.com/howwee20/Bloom-sub001/pkg/spendpower"
	"github.com/howwee20/Bloom-sub001/pkg/store"
)

// Options tunes a Worker. Zero values take defaults.
type Options struct {
	Interval time.Duration
	// Concurrency bounds in-flight feed lookups per tick.
	Concurrency int
	// FeedRPS caps feed calls per second across the worker. 0 is unlimited.
	FeedRPS float64
	Logger  *slog.Logger
}

// Report summarises one Tick.
type Report struct {
	Confirmed  int `json:"confirmed"`
	Failed     int `json:"failed"`
	Filled     int `json:"filled"`
	Canceled   int `json:"canceled"`
	Resets     int `json:"resets"`
	FeedErrors int `json:"feed_errors"`
}

func (r *Report) changed() bool {
	return r.Confirmed+r.Failed+r.Filled+r.Canceled+r.Resets > 0
}

// Worker polls the environment's feeds for everything still pending.
type Worker struct {
	db       *store.DB
	env      env.Environment
	chain    env.ChainFeed
	orders   env.OrderFeed
	ledger   *ledger.Ledger
	budgets  *budget.Store
	reserves *reserve.Store
	spend    *spendpower.Engine
	health   *env.HealthStore

	limiter     *rate.Limiter
	concurrency int
	interval    time.Duration
	clock       func() time.Time
	logger      *slog.Logger

	mu      sync.Mutex
	touched map[string]struct{}
}

// New builds a worker for environment. Feeds the environment does not offer
// are skipped.
func New(db *store.DB, environment env.Environment, spend *spendpower.Engine, opts Options) *Worker {
	w := &Worker{
		db:          db,
		env:         environment,
		ledger:      ledger.New(),
		budgets:     budget.NewStore(),
		reserves:    reserve.NewStore(),
		spend:       spend,
		health:      env.NewHealthStore(),
		limiter:     rate.NewLimiter(rate.Inf, 1),
		concurrency: opts.Concurrency,
		interval:    opts.Interval,
		clock:       time.Now,
		logger:      opts.Logger,
	}
	w.chain, _ = env.As[env.ChainFeed](environment)
	w.orders, _ = env.As[env.OrderFeed](environment)
	if opts.FeedRPS > 0 {
		w.limiter = rate.NewLimiter(rate.Limit(opts.FeedRPS), max(1, int(opts.FeedRPS)))
	}
	if w.concurrency <= 0 {
		w.concurrency = 4
	}
	if w.interval <= 0 {
		w.interval = 15 * time.Second
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	w.logger = w.logger.With("component", "reconcile", "env", environment.Name())
	return w
}

func (w *Worker) WithClock(clock func() time.Time) *Worker {
	w.clock = clock
	w.ledger.WithClock(clock)
	w.budgets.WithClock(clock)
	w.reserves.WithClock(clock)
	w.health.WithClock(clock)
	return w
}

// Health exposes the store the worker ticks, for wrapping the environment
// with env.NewTracked.
func (w *Worker) Health() *env.HealthStore { return w.health }

// Run ticks immediately and then every interval until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

func (w *Worker) runOnce(ctx context.Context) {
	rep, err := w.Tick(ctx)
	switch {
	case err != nil && ctx.Err() == nil:
		w.logger.ErrorContext(ctx, "reconcile tick failed", "error", err)
	case rep.changed():
		w.logger.InfoContext(ctx, "reconcile tick",
			"confirmed", rep.Confirmed, "failed", rep.Failed,
			"filled", rep.Filled, "canceled", rep.Canceled,
			"resets", rep.Resets, "feed_errors", rep.FeedErrors)
	}
}

// Tick runs one reconciliation pass. Feed lookups that fail are counted and
// leave the item pending for the next pass; the environment is marked stale
// when any feed call failed.
func (w *Worker) Tick(ctx context.Context) (*Report, error) {
	rep := &Report{}
	w.mu.Lock()
	w.touched = make(map[string]struct{})
	w.mu.Unlock()

	if err := w.transfers(ctx, rep); err != nil {
		return rep, err
	}
	if err := w.openOrders(ctx, rep); err != nil {
		return rep, err
	}
	if err := w.dailyResets(ctx, rep); err != nil {
		return rep, err
	}

	detail := ""
	if rep.FeedErrors > 0 {
		detail = fmt.Sprintf("%d feed lookups failed", rep.FeedErrors)
	}
	if err := w.health.MarkTick(ctx, w.db, w.env.Name(), rep.FeedErrors == 0, detail); err != nil {
		return rep, err
	}

	w.mu.Lock()
	agents := make([]string, 0, len(w.touched))
	for id := range w.touched {
		agents = append(agents, id)
	}
	w.mu.Unlock()
	slices.Sort(agents)
	for _, id := range agents {
		if _, err := w.spend.Refresh(ctx, w.db, id); err != nil {
			w.logger.WarnContext(ctx, "spend refresh failed", "agent_id", id, "error", err)
		}
	}
	return rep, nil
}

func (w *Worker) touch(agentID string) {
	w.mu.Lock()
	w.touched[agentID] = struct{}{}
	w.mu.Unlock()
}

// fanOut runs fn for every item with bounded concurrency and a shared feed
// rate limit.
func fanOut[T any](ctx context.Context, w *Worker, items []T, fn func(context.Context, T) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for _, it := range items {
		g.Go(func() error {
			if err := w.limiter.Wait(gctx); err != nil {
				return err
			}
			return fn(gctx, it)
		})
	}
	return g.Wait()
}

type counter struct {
	mu  sync.Mutex
	rep *Report
}

func (c *counter) add(f func(*Report)) {
	c.mu.Lock()
	f(c.rep)
	c.mu.Unlock()
}

func (w *Worker) transfers(ctx context.Context, rep *Report) error {
	if w.chain == nil {
		return nil
	}
	pending, err := w.reserves.PendingTransfers(ctx, w.db)
	if err != nil {
		return err
	}
	c := &counter{rep: rep}
	return fanOut(ctx, w, pending, func(ctx context.Context, t reserve.Transfer) error {
		rc, err := w.chain.TransferStatus(ctx, t.TxHash)
		if err != nil {
			w.logger.WarnContext(ctx, "transfer status lookup failed", "transfer_id", t.TransferID, "tx_hash", t.TxHash, "error", err)
			c.add(func(r *Report) { r.FeedErrors++ })
			return nil
		}
		if !rc.Found {
			return nil
		}
		done, err := w.resolveTransfer(ctx, t, rc)
		if err != nil || !done {
			return err
		}
		w.touch(t.AgentID)
		c.add(func(r *Report) {
			if rc.Success {
				r.Confirmed++
			} else {
				r.Failed++
			}
		})
		return nil
	})
}

// resolveTransfer applies a chain receipt. A confirmed transfer becomes
// spend; a failed one releases its reservation. It reports false when the
// transfer was already resolved elsewhere.
func (w *Worker) resolveTransfer(ctx context.Context, t reserve.Transfer, rc env.ChainReceipt) (bool, error) {
	var done bool
	err := w.db.WithTx(ctx, func(tx *store.Tx) error {
		done = false
		if err := store.LockAgents(ctx, tx, t.AgentID); err != nil {
			return err
		}
		userID, err := ownerOf(ctx, tx, t.AgentID)
		if err != nil {
			return err
		}
		to := reserve.TransferFailed
		if rc.Success {
			to = reserve.TransferConfirmed
		}
		if err := w.reserves.ResolveTransfer(ctx, tx, t.TransferID, to, rc.BlockNumber); err != nil {
			if errors.Is(err, reserve.ErrTransferNotPending) {
				return nil
			}
			return err
		}

		payload := map[string]any{
			"transfer_id":  t.TransferID,
			"tx_hash":      t.TxHash,
			"to_address":   t.ToAddress,
			"amount_cents": t.AmountCents,
			"block_number": rc.BlockNumber,
		}
		ev := ledger.EventInput{AgentID: t.AgentID, UserID: userID, Type: ledger.EventTransferFailed, Payload: payload}
		rcpt := ledger.ReceiptInput{
			Source:          ledger.SourceEnv,
			WhatHappened:    fmt.Sprintf("Transfer of %s to %s failed on chain.", money.Format(t.AmountCents), t.ToAddress),
			WhyChanged:      fmt.Sprintf("transaction %s reverted in block %d", t.TxHash, rc.BlockNumber),
			WhatHappensNext: "The reserved amount is spendable again.",
		}
		if rc.Success {
			charged, b, err := w.budgets.Charge(ctx, tx, t.AgentID, t.AmountCents)
			if err != nil {
				return err
			}
			payload["charged_cents"] = charged
			payload["credits_cents"] = b.CreditsCents
			ev.Type = ledger.EventTransferConfirmed
			rcpt.WhatHappened = fmt.Sprintf("Transfer of %s to %s confirmed.", money.Format(t.AmountCents), t.ToAddress)
			rcpt.WhyChanged = fmt.Sprintf("transaction %s included in block %d", t.TxHash, rc.BlockNumber)
			rcpt.WhatHappensNext = fmt.Sprintf("Credits are now %s.", money.Format(b.CreditsCents))
		}
		if _, _, err := w.ledger.Record(ctx, tx, ev, rcpt); err != nil {
			return err
		}
		done = true
		return nil
	})
	return done, err
}

func (w *Worker) openOrders(ctx context.Context, rep *Report) error {
	if w.orders == nil {
		return nil
	}
	open, err := w.reserves.OpenOrders(ctx, w.db)
	if err != nil {
		return err
	}
	c := &counter{rep: rep}
	return fanOut(ctx, w, open, func(ctx context.Context, o reserve.Order) error {
		u, err := w.orders.OrderStatus(ctx, o.ExternalOrderID)
		if err != nil {
			w.logger.WarnContext(ctx, "order status lookup failed", "order_id", o.OrderID, "error", err)
			c.add(func(r *Report) { r.FeedErrors++ })
			return nil
		}
		if u.Status != env.OrderFilled && u.Status != env.OrderCanceled {
			return nil
		}
		done, err := w.resolveOrder(ctx, o, u)
		if err != nil || !done {
			return err
		}
		w.touch(o.AgentID)
		c.add(func(r *Report) {
			if u.Status == env.OrderFilled {
				r.Filled++
			} else {
				r.Canceled++
			}
		})
		return nil
	})
}

// resolveOrder closes an order from an exchange update. The hold settles
// for the filled part, which is charged to the budget, and the remainder of
// the reservation is released. An order closed with nothing filled releases
// its hold outright.
func (w *Worker) resolveOrder(ctx context.Context, o reserve.Order, u env.OrderUpdate) (bool, error) {
	var done bool
	err := w.db.WithTx(ctx, func(tx *store.Tx) error {
		done = false
		if err := store.LockAgents(ctx, tx, o.AgentID); err != nil {
			return err
		}
		userID, err := ownerOf(ctx, tx, o.AgentID)
		if err != nil {
			return err
		}
		filled := u.Status == env.OrderFilled
		to, size := reserve.OrderCanceled, min(u.FilledSize, o.Size)
		if filled {
			to = reserve.OrderFilled
			if size <= 0 {
				size = o.Size
			}
		}
		if err := w.reserves.ResolveOrder(ctx, tx, o.OrderID, to, size); err != nil {
			if errors.Is(err, reserve.ErrOrderNotOpen) {
				return nil
			}
			return err
		}

		cost := o.FillCostCents(size)
		orderPayload := map[string]any{
			"order_id":        o.OrderID,
			"market_id":       o.MarketID,
			"side":            o.Side,
			"price":           o.Price,
			"size":            o.Size,
			"filled_size":     size,
			"cost_cents":      o.CostCents,
			"fill_cost_cents": cost,
		}
		orderEvent := ledger.ReceiptInput{
			Source:          ledger.SourceEnv,
			WhatHappened:    fmt.Sprintf("Order %s on %s filled %g at %g.", o.OrderID, o.MarketID, size, o.Price),
			WhyChanged:      "exchange reported a fill",
			WhatHappensNext: "The filled part of the order's hold settles into spend.",
		}
		eventType := ledger.EventOrderFilled
		if !filled {
			eventType = ledger.EventOrderCanceled
			orderEvent.WhatHappened = fmt.Sprintf("Order %s on %s was canceled by the exchange after filling %g.", o.OrderID, o.MarketID, size)
			orderEvent.WhyChanged = "exchange reported a cancel"
			if cost == 0 {
				orderEvent.WhatHappensNext = "The order's hold is released."
			}
		}
		if _, _, err := w.ledger.Record(ctx, tx,
			ledger.EventInput{AgentID: o.AgentID, UserID: userID, Type: eventType, Payload: orderPayload},
			orderEvent); err != nil {
			return err
		}

		authID := reserve.OrderHoldID(o.OrderID)
		if cost == 0 {
			if err := w.releaseOrderHold(ctx, tx, o.AgentID, userID, authID); err != nil {
				return err
			}
			done = true
			return nil
		}

		h, err := w.reserves.Settle(ctx, tx, authID)
		if err != nil {
			return err
		}
		charged, b, err := w.budgets.Charge(ctx, tx, o.AgentID, cost)
		if err != nil {
			return err
		}
		released := h.AmountCents - cost
		next := fmt.Sprintf("Credits are now %s.", money.Format(b.CreditsCents))
		if released > 0 {
			next = fmt.Sprintf("%s of the reservation is spendable again. %s", money.Format(released), next)
		}
		_, _, err = w.ledger.Record(ctx, tx,
			ledger.EventInput{AgentID: o.AgentID, UserID: userID, Type: ledger.EventHoldSettled, Payload: map[string]any{
				"hold_id":        h.HoldID,
				"auth_id":        h.AuthID,
				"amount_cents":   cost,
				"held_cents":     h.AmountCents,
				"released_cents": released,
				"charged_cents":  charged,
				"credits_cents":  b.CreditsCents,
			}},
			ledger.ReceiptInput{
				Source:          ledger.SourceEnv,
				WhatHappened:    fmt.Sprintf("Hold %s settled for %s of %s held.", authID, money.Format(cost), money.Format(h.AmountCents)),
				WhyChanged:      "order filled",
				WhatHappensNext: next,
			})
		if err != nil {
			return err
		}
		done = true
		return nil
	})
	return done, err
}

func (w *Worker) releaseOrderHold(ctx context.Context, tx store.Queryer, agentID, userID, authID string) error {
	h, err := w.reserves.Release(ctx, tx, authID)
	if err != nil {
		return err
	}
	_, _, err = w.ledger.Record(ctx, tx,
		ledger.EventInput{AgentID: agentID, UserID: userID, Type: ledger.EventHoldReleased, Payload: map[string]any{
			"hold_id":      h.HoldID,
			"auth_id":      h.AuthID,
			"amount_cents": h.AmountCents,
		}},
		ledger.ReceiptInput{
			Source:          ledger.SourceEnv,
			WhatHappened:    fmt.Sprintf("Hold %s for %s was released.", authID, money.Format(h.AmountCents)),
			WhyChanged:      "order canceled",
			WhatHappensNext: "The reserved amount is spendable again.",
		})
	return err
}

func (w *Worker) dailyResets(ctx context.Context, rep *Report) error {
	stale, err := w.budgets.StaleAgents(ctx, w.db)
	if err != nil {
		return err
	}
	for _, agentID := range stale {
		var reset bool
		err := w.db.WithTx(ctx, func(tx *store.Tx) error {
			reset = false
			if err := store.LockAgents(ctx, tx, agentID); err != nil {
				return err
			}
			cleared, ok, err := w.budgets.ResetIfNewDay(ctx, tx, agentID)
			if err != nil || !ok {
				return err
			}
			userID, err := ownerOf(ctx, tx, agentID)
			if err != nil {
				return err
			}
			_, _, err = w.ledger.Record(ctx, tx,
				ledger.EventInput{AgentID: agentID, UserID: userID, Type: ledger.EventDailySpendReset, Payload: map[string]any{
					"cleared_cents": cleared,
				}},
				ledger.ReceiptInput{
					Source:          ledger.SourcePolicy,
					WhatHappened:    fmt.Sprintf("Daily spend counter reset after %s spent.", money.Format(cleared)),
					WhyChanged:      "new UTC day",
					WhatHappensNext: "The full daily limit is available again.",
				})
			reset = err == nil
			return err
		})
		if err != nil {
			return err
		}
		if reset {
			rep.Resets++
			w.touch(agentID)
		}
	}
	return nil
}

func ownerOf(ctx context.Context, q store.Queryer, agentID string) (string, error) {
	var userID string
	err := q.QueryRowContext(ctx, `SELECT user_id FROM agents WHERE agent_id = ?`, agentID).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("reconcile: agent %s not found", agentID)
	}
	if err != nil {
		return "", fmt.Errorf("reconcile: load agent: %w", err)
	}
	return userID, nil
}
