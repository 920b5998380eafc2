package kernel

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/howwee20/Bloom-sub001/pkg/contracts"
	"github.com/howwee20/Bloom-sub001/pkg/driver"
	"github.com/howwee20/Bloom-sub001/pkg/env"
	"github.com/howwee20/Bloom-sub001/pkg/ledger"
	"github.com/howwee20/Bloom-sub001/pkg/money"
	"github.com/howwee20/Bloom-sub001/pkg/policy"
	"github.com/howwee20/Bloom-sub001/pkg/ratelimit"
	"github.com/howwee20/Bloom-sub001/pkg/store"
)

// CanDoRequest asks whether an agent may perform an intent.
type CanDoRequest struct {
	UserID         string          `json:"user_id,omitempty"`
	AgentID        string          `json:"agent_id"`
	Intent         json.RawMessage `json:"intent_json"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// evaluation is the outcome of running an intent through the constraint
// pipeline.
type evaluation struct {
	parsed   *driver.Parsed
	cost     driver.Cost
	decision contracts.Decision
	policy   *policy.Policy
	spend    contracts.SpendSnapshot
	computed bool
}

// facts is the audit snapshot stored with a quote.
type facts struct {
	Cost      driver.Cost              `json:"cost"`
	Freshness env.Freshness            `json:"freshness"`
	Spend     *contracts.SpendSnapshot `json:"spend,omitempty"`
	PolicyID  string                   `json:"policy_id,omitempty"`
	Replay    bool                     `json:"replay,omitempty"`
}

// CanDo evaluates an intent and records the decision as a quote. It never
// changes budgets, holds or external state. A repeated (agent,
// idempotency key) returns the quote already recorded for it.
func (k *Kernel) CanDo(ctx context.Context, req CanDoRequest) (_ *contracts.Quote, err error) {
	ctx, done := k.telemetry.TrackOperation(ctx, "kernel.can_do", attribute.String("agent.id", req.AgentID))
	defer func() { done(err) }()

	agent, err := loadAgent(ctx, k.db, req.AgentID)
	if err != nil {
		return nil, err
	}
	if req.UserID != "" && req.UserID != agent.UserID {
		return nil, fmt.Errorf("%w: %s is not owned by %s", ErrAgentNotFound, req.AgentID, req.UserID)
	}

	if req.IdempotencyKey != "" {
		existing, err := loadQuoteByKey(ctx, k.db, req.AgentID, req.IdempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, ErrQuoteNotFound) {
			return nil, err
		}
	} else {
		req.IdempotencyKey = uuid.NewString()
	}
	if k.limiter != nil {
		if err := ratelimit.Check(ctx, k.limiter, agent.AgentID, k.rate); err != nil {
			if errors.Is(err, ratelimit.ErrLimited) {
				k.logger.InfoContext(ctx, "quote rate limited", "agent_id", agent.AgentID, "reason", contracts.ReasonRateLimited)
				return nil, fmt.Errorf("%w: %w", ErrRateLimited, err)
			}
			return nil, err
		}
	}

	now := k.now()
	ev, err := k.evaluate(ctx, k.db, agent, req.Intent, req.IdempotencyKey, now)
	if err != nil {
		return nil, err
	}
	freshness := k.env.Freshness(ctx)
	q := k.newQuote(agent, req, ev, freshness, now)

	quote, err := k.persistQuote(ctx, q)
	if err != nil {
		return nil, err
	}
	k.telemetry.RecordQuote(ctx, quote.IntentType, quote.Allowed, quote.Reason)
	k.logger.DebugContext(ctx, "quote issued",
		"quote_id", quote.QuoteID, "agent_id", quote.AgentID, "intent_type", quote.IntentType,
		"allowed", quote.Allowed, "reason", quote.Reason, "requires_step_up", quote.RequiresStepUp)
	return quote, nil
}

func (k *Kernel) newQuote(agent *contracts.Agent, req CanDoRequest, ev *evaluation, freshness env.Freshness, now time.Time) *contracts.Quote {
	q := &contracts.Quote{
		QuoteID:        "q_" + uuid.NewString(),
		UserID:         agent.UserID,
		AgentID:        agent.AgentID,
		IntentJSON:     storableIntent(req.Intent),
		Allowed:        ev.decision.Allowed,
		RequiresStepUp: ev.decision.Allowed && ev.decision.RequiresStepUp,
		Reason:         ev.decision.Reason,
		CostCents:      ev.cost.Total(),
		IdempotencyKey: req.IdempotencyKey,
		EnvName:        k.env.Name(),
		ExpiresAt:      now.Add(k.cfg.QuoteTTL),
		CreatedAt:      now,
	}
	if ev.parsed != nil {
		q.IntentType = ev.parsed.Type
		q.IntentJSON = ev.parsed.Canonical
	}
	f := facts{Cost: ev.cost, Freshness: freshness, Replay: ev.decision.Replay}
	if ev.computed {
		f.Spend = &ev.spend
	}
	if ev.policy != nil {
		f.PolicyID = ev.policy.PolicyID
	}
	q.Facts, _ = json.Marshal(f)
	return q
}

// storableIntent keeps malformed input on record as a JSON string.
func storableIntent(raw json.RawMessage) json.RawMessage {
	if json.Valid(raw) {
		return raw
	}
	b, _ := json.Marshal(string(raw))
	return b
}

// evaluate runs the constraint pipeline against q: agent liveness and
// integrity, parsing, driver pre-checks, policy rules, spend power, then
// driver post-budget checks. Business rejections are decisions; only
// storage faults are errors.
func (k *Kernel) evaluate(ctx context.Context, q store.Queryer, agent *contracts.Agent, raw json.RawMessage, idempotencyKey string, now time.Time) (*evaluation, error) {
	ev := &evaluation{}
	if agent.Status == contracts.AgentDead {
		ev.decision = contracts.Deny(contracts.ReasonAgentDead)
		return ev, nil
	}
	flagged, err := k.integrityFlagged(ctx, q, agent.AgentID)
	if err != nil {
		return nil, err
	}
	if flagged {
		ev.decision = contracts.Deny(contracts.ReasonLedgerIntegrity)
		return ev, nil
	}

	parsed, err := k.registry.Parse(raw)
	if err != nil {
		return rejection(ev, err)
	}
	ev.parsed = parsed
	ev.cost = driver.CostOf(parsed.Driver, parsed.Intent)

	b, err := k.budgets.Get(ctx, q, agent.AgentID)
	if err != nil {
		return nil, err
	}
	p, err := k.policies.Latest(ctx, q, agent.UserID, agent.AgentID)
	if err != nil {
		return nil, err
	}
	ev.policy = p

	cc := &driver.CheckContext{
		Q:          q,
		UserID:     agent.UserID,
		AgentID:    agent.AgentID,
		IntentType: parsed.Type,
		Intent:     parsed.Intent,
		Cost:       ev.cost,
		Policy:     p,
		Budget:     b,
		Env:        k.env,
		Reserves:   k.reserves,
		Now:        now,

		IdempotencyKey: idempotencyKey,
	}

	dec := contracts.Allow()
	if pc, ok := parsed.Driver.(driver.PreConstrainer); ok {
		if dec, err = pc.PreConstraints(ctx, cc); err != nil {
			return rejection(ev, err)
		}
		if !dec.Allowed || dec.Replay {
			ev.decision = dec
			return ev, nil
		}
	}

	verdict := k.evaluator.Evaluate(p.Rules, policy.Input{
		AgentID:    agent.AgentID,
		IntentType: parsed.Type,
		Intent:     parsed.Fields,
		CostCents:  ev.cost.Total(),
	})
	if verdict.Denied {
		k.logger.DebugContext(ctx, "policy rule denied intent", "agent_id", agent.AgentID, "rule", verdict.Rule, "reason", verdict.Reason)
		ev.decision = contracts.Deny(verdict.Reason)
		return ev, nil
	}

	snap, err := k.spend.Refresh(ctx, q, agent.AgentID)
	if err != nil {
		return nil, err
	}
	ev.spend, ev.computed = snap, true
	cc.Spend = snap

	post := contracts.Allow()
	if pb, ok := parsed.Driver.(driver.PostBudgetConstrainer); ok {
		post, err = pb.PostBudgetConstraints(ctx, cc)
	} else if ev.cost.Total() > 0 {
		post, err = driver.CheckAffordable(ctx, cc)
	}
	if err != nil {
		return rejection(ev, err)
	}
	if !post.Allowed {
		ev.decision = post
		return ev, nil
	}

	dec.RequiresStepUp = dec.RequiresStepUp || post.RequiresStepUp || p.RequiresStepUp(ev.cost.Total())
	ev.decision = dec
	return ev, nil
}

// rejection turns a reasoned error into a denial and passes other errors
// through.
func rejection(ev *evaluation, err error) (*evaluation, error) {
	reason := contracts.ReasonFor(err, "")
	if reason == "" {
		return nil, err
	}
	ev.decision = contracts.Deny(reason)
	return ev, nil
}

// persistQuote inserts q unless its idempotency key is taken and returns
// whichever quote owns the key.
func (k *Kernel) persistQuote(ctx context.Context, q *contracts.Quote) (*contracts.Quote, error) {
	err := k.agentTx(ctx, q.AgentID, func(tx *store.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO quotes (quote_id, user_id, agent_id, intent_type, intent_json, allowed, requires_step_up, reason,
				cost_cents, idempotency_key, env_name, facts_json, expires_at, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (agent_id, idempotency_key) DO NOTHING`,
			q.QuoteID, q.UserID, q.AgentID, q.IntentType, string(q.IntentJSON), q.Allowed, q.RequiresStepUp, q.Reason,
			q.CostCents, q.IdempotencyKey, q.EnvName, string(q.Facts), q.ExpiresAt.UnixMilli(), q.CreatedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("kernel: insert quote: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return err
		}
		return k.recordQuote(ctx, tx, q)
	})
	if err != nil {
		return nil, err
	}
	return loadQuoteByKey(ctx, k.db, q.AgentID, q.IdempotencyKey)
}

func (k *Kernel) recordQuote(ctx context.Context, tx store.Queryer, q *contracts.Quote) error {
	ev, err := k.ledger.AppendEvent(ctx, tx, ledger.EventInput{
		AgentID: q.AgentID,
		UserID:  q.UserID,
		Type:    ledger.EventQuoteIssued,
		Payload: map[string]any{
			"quote_id":         q.QuoteID,
			"intent_type":      q.IntentType,
			"allowed":          q.Allowed,
			"reason":           q.Reason,
			"requires_step_up": q.RequiresStepUp,
			"cost_cents":       q.CostCents,
			"expires_at":       q.ExpiresAt.UnixMilli(),
		},
	})
	if err != nil {
		return err
	}
	if q.Allowed {
		return nil
	}
	_, err = k.ledger.CreateReceipt(ctx, tx, ledger.ReceiptInput{
		AgentID:         q.AgentID,
		UserID:          q.UserID,
		EventID:         ev.EventID,
		Source:          ledger.SourcePolicy,
		WhatHappened:    fmt.Sprintf("Quote %s for %s (%s) was denied.", q.QuoteID, intentLabel(q.IntentType), money.Format(q.CostCents)),
		WhyChanged:      q.Reason,
		WhatHappensNext: "Nothing was executed. Request a new quote once the cause is resolved.",
	})
	return err
}

func intentLabel(intentType string) string {
	if intentType == "" {
		return "an unparsed intent"
	}
	return intentType
}

const selectQuote = `SELECT quote_id, user_id, agent_id, intent_type, intent_json, allowed, requires_step_up, reason,
	cost_cents, idempotency_key, env_name, facts_json, expires_at, created_at FROM quotes`

// GetQuote loads a quote by id.
func (k *Kernel) GetQuote(ctx context.Context, quoteID string) (*contracts.Quote, error) {
	return loadQuote(ctx, k.db, quoteID)
}

func loadQuote(ctx context.Context, q store.Queryer, quoteID string) (*contracts.Quote, error) {
	return scanQuote(q.QueryRowContext(ctx, selectQuote+` WHERE quote_id = ?`, quoteID))
}

func loadQuoteByKey(ctx context.Context, q store.Queryer, agentID, key string) (*contracts.Quote, error) {
	return scanQuote(q.QueryRowContext(ctx, selectQuote+` WHERE agent_id = ? AND idempotency_key = ?`, agentID, key))
}

func scanQuote(row *store.Row) (*contracts.Quote, error) {
	var (
		q                    contracts.Quote
		intent, facts        string
		expires, createdAtMs int64
	)
	err := row.Scan(&q.QuoteID, &q.UserID, &q.AgentID, &q.IntentType, &intent, &q.Allowed, &q.RequiresStepUp, &q.Reason,
		&q.CostCents, &q.IdempotencyKey, &q.EnvName, &facts, &expires, &createdAtMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrQuoteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kernel: load quote: %w", err)
	}
	q.IntentJSON = json.RawMessage(intent)
	q.Facts = json.RawMessage(facts)
	q.ExpiresAt = time.UnixMilli(expires).UTC()
	q.CreatedAt = time.UnixMilli(createdAtMs).UTC()
	return &q, nil
}
