package kernel

import (
	"context"
	"database/sql"
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
	"github.com/howwee20/Bloom-sub001/pkg/store"
)

var errExecutionExists = errors.New("kernel: execution already recorded")

// ExecuteRequest performs a quoted intent.
type ExecuteRequest struct {
	QuoteID        string `json:"quote_id"`
	IdempotencyKey string `json:"idempotency_key"`
	StepUpToken    string `json:"step_up_token,omitempty"`
	// OverrideFreshness proceeds on stale or unknown facts. It needs a
	// valid step-up token for the quote.
	OverrideFreshness bool `json:"override_freshness,omitempty"`
}

// Execute performs a quote's intent at most once. The returned error is
// non-nil only when the quote cannot be read; every other outcome is a
// result status.
func (k *Kernel) Execute(ctx context.Context, req ExecuteRequest) (res contracts.ExecutionResult, err error) {
	ctx, done := k.telemetry.TrackOperation(ctx, "kernel.execute", attribute.String("quote.id", req.QuoteID))
	intentType := ""
	defer func() {
		done(err)
		k.telemetry.RecordExecution(ctx, intentType, string(res.Status), res.Reason)
	}()

	quote, err := loadQuote(ctx, k.db, req.QuoteID)
	if errors.Is(err, ErrQuoteNotFound) {
		return contracts.Rejected(req.QuoteID, contracts.ReasonQuoteNotFound), nil
	}
	if err != nil {
		return contracts.Failed(req.QuoteID, contracts.ReasonStorageError), err
	}
	intentType = quote.IntentType

	if req.IdempotencyKey != quote.IdempotencyKey {
		return contracts.Rejected(quote.QuoteID, contracts.ReasonIdempotencyMismatch), nil
	}
	if prior, err := loadExecution(ctx, k.db, quote.QuoteID); err == nil {
		return idempotent(prior), nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return contracts.Failed(quote.QuoteID, contracts.ReasonStorageError), err
	}

	now := k.now()
	if quote.Expired(now) {
		return contracts.Rejected(quote.QuoteID, contracts.ReasonQuoteExpired), nil
	}
	if !quote.Allowed {
		return contracts.Rejected(quote.QuoteID, contracts.ReasonQuoteNotAllowed), nil
	}
	if reason := k.gate(ctx, quote, req); reason != "" {
		k.logger.InfoContext(ctx, "execution gated", "quote_id", quote.QuoteID, "agent_id", quote.AgentID, "reason", reason)
		return contracts.Rejected(quote.QuoteID, reason), nil
	}

	parsed, err := k.registry.Parse(quote.IntentJSON)
	if err != nil {
		return contracts.Rejected(quote.QuoteID, contracts.ReasonFor(err, contracts.ReasonInvalidIntent)), nil
	}
	agents := []string{quote.AgentID}
	if l, ok := parsed.Driver.(driver.Locker); ok {
		agents = append(agents, l.LockAgents(parsed.Intent)...)
	}

	unlock := k.locks.lock(agents...)
	res, err = k.apply(ctx, quote, parsed, agents)
	if err != nil {
		res = k.fail(ctx, quote, err)
	}
	unlock()

	if res.Status == contracts.ExecApplied {
		for _, id := range agents {
			if _, err := k.spend.Refresh(ctx, k.db, id); err != nil {
				k.logger.WarnContext(ctx, "spend refresh failed", "agent_id", id, "error", err)
			}
		}
	}
	k.logger.InfoContext(ctx, "execution finished",
		"quote_id", quote.QuoteID, "agent_id", quote.AgentID, "intent_type", quote.IntentType,
		"status", res.Status, "reason", res.Reason, "external_ref", res.ExternalRef)
	return res, nil
}

// gate applies the freshness and step-up requirements. It returns the
// rejection reason, or "" to proceed.
func (k *Kernel) gate(ctx context.Context, quote *contracts.Quote, req ExecuteRequest) string {
	tokenOK := false
	if req.StepUpToken != "" {
		if _, err := k.stepUp.Validate(ctx, k.db, req.StepUpToken, quote.QuoteID); err == nil {
			tokenOK = true
		} else {
			k.logger.DebugContext(ctx, "step-up token rejected", "quote_id", quote.QuoteID, "error", err)
		}
	}

	switch f := k.env.Freshness(ctx); f.Status {
	case env.Fresh:
	default:
		if !req.OverrideFreshness {
			if f.Status == env.Stale {
				return contracts.ReasonEnvStale
			}
			return contracts.ReasonEnvUnknown
		}
		if !tokenOK {
			return contracts.ReasonOverrideNeedsToken
		}
	}

	if quote.RequiresStepUp && !tokenOK {
		if req.StepUpToken == "" {
			return contracts.ReasonStepUpRequired
		}
		return contracts.ReasonStepUpInvalid
	}
	return ""
}

// apply re-validates and runs the driver inside one transaction. A returned
// error means nothing was committed.
func (k *Kernel) apply(ctx context.Context, quote *contracts.Quote, parsed *driver.Parsed, agents []string) (contracts.ExecutionResult, error) {
	var res contracts.ExecutionResult
	err := k.db.WithTx(ctx, func(tx *store.Tx) error {
		res = contracts.ExecutionResult{}
		if err := store.LockAgents(ctx, tx, agents...); err != nil {
			return err
		}
		if prior, err := loadExecution(ctx, tx, quote.QuoteID); err == nil {
			res = idempotent(prior)
			return nil
		} else if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		if err := k.resetDay(ctx, tx, quote.AgentID, quote.UserID); err != nil {
			return err
		}

		now := k.now()
		agent, err := loadAgent(ctx, tx, quote.AgentID)
		if err != nil {
			return err
		}
		ev, err := k.evaluate(ctx, tx, agent, quote.IntentJSON, quote.IdempotencyKey, now)
		if err != nil {
			return err
		}
		if !ev.decision.Allowed {
			res = contracts.Rejected(quote.QuoteID, ev.decision.Reason)
			_, err := k.ledger.CreateReceipt(ctx, tx, ledger.ReceiptInput{
				AgentID:         quote.AgentID,
				UserID:          quote.UserID,
				Source:          ledger.SourcePolicy,
				WhatHappened:    fmt.Sprintf("Execution of quote %s was declined on re-validation.", quote.QuoteID),
				WhyChanged:      ev.decision.Reason,
				WhatHappensNext: "Nothing was executed. Request a new quote.",
			})
			return err
		}

		execID := "x_" + uuid.NewString()
		out, err := parsed.Driver.Execute(ctx, &driver.ExecContext{
			Tx:         tx,
			UserID:     quote.UserID,
			AgentID:    quote.AgentID,
			IntentType: parsed.Type,
			Intent:     parsed.Intent,
			Cost:       ev.cost,
			Quote:      quote,
			ExecID:     execID,
			Env:        k.env,
			Ledger:     k.ledger,
			Budgets:    k.budgets,
			Reserves:   k.reserves,
			Now:        now,
		})
		if err != nil {
			return err
		}

		exec := &contracts.Execution{
			ExecID:      execID,
			QuoteID:     quote.QuoteID,
			AgentID:     quote.AgentID,
			Status:      contracts.ExecApplied,
			ExternalRef: out.ExternalRef,
			CostCents:   ev.cost.Total(),
			CreatedAt:   now,
		}
		if out.Replay {
			exec.Status = contracts.ExecIdempotent
			exec.CostCents = 0
		}
		if err := insertExecution(ctx, tx, exec, parsed.Type); err != nil {
			return err
		}
		_, _, err = k.ledger.Record(ctx, tx,
			ledger.EventInput{AgentID: quote.AgentID, UserID: quote.UserID, Type: ledger.EventExecutionApplied, Payload: map[string]any{
				"exec_id":      exec.ExecID,
				"quote_id":     exec.QuoteID,
				"intent_type":  parsed.Type,
				"status":       string(exec.Status),
				"external_ref": exec.ExternalRef,
				"cost_cents":   exec.CostCents,
			}},
			ledger.ReceiptInput{
				Source:          ledger.SourceExecution,
				WhatHappened:    fmt.Sprintf("Executed %s for quote %s (%s).", parsed.Type, quote.QuoteID, money.Format(exec.CostCents)),
				WhyChanged:      "quote executed",
				WhatHappensNext: nextStep(parsed.Type, exec.Status),
			})
		if err != nil {
			return err
		}
		res = contracts.ExecutionResult{
			Status:      exec.Status,
			ExecID:      exec.ExecID,
			QuoteID:     exec.QuoteID,
			ExternalRef: exec.ExternalRef,
		}
		return nil
	})
	if errors.Is(err, errExecutionExists) {
		prior, lerr := loadExecution(ctx, k.db, quote.QuoteID)
		if lerr != nil {
			return contracts.ExecutionResult{}, lerr
		}
		return idempotent(prior), nil
	}
	return res, err
}

func nextStep(intentType string, status contracts.ExecutionStatus) string {
	if status == contracts.ExecIdempotent {
		return "Prior state already satisfied this intent; nothing new was done."
	}
	switch intentType {
	case driver.IntentUSDCTransfer:
		return "The transfer stays reserved until the chain confirms it."
	case driver.IntentPlaceOrder:
		return "The order's hold stays reserved until it fills or is canceled."
	}
	return "No further action is pending."
}

// fail records a failed execution in its own transaction. No execution row
// is written, so the same request can be retried.
func (k *Kernel) fail(ctx context.Context, quote *contracts.Quote, cause error) contracts.ExecutionResult {
	reason := contracts.ReasonFor(cause, contracts.ReasonDriverError)
	k.logger.ErrorContext(ctx, "execution failed", "quote_id", quote.QuoteID, "agent_id", quote.AgentID, "reason", reason, "error", cause)

	err := k.db.WithTx(ctx, func(tx *store.Tx) error {
		if err := store.LockAgents(ctx, tx, quote.AgentID); err != nil {
			return err
		}
		_, _, err := k.ledger.Record(ctx, tx,
			ledger.EventInput{AgentID: quote.AgentID, UserID: quote.UserID, Type: ledger.EventExecutionFailed, Payload: map[string]any{
				"quote_id":    quote.QuoteID,
				"intent_type": quote.IntentType,
				"reason":      reason,
			}},
			ledger.ReceiptInput{
				Source:          ledger.SourceExecution,
				WhatHappened:    fmt.Sprintf("Execution of quote %s failed; no changes were applied.", quote.QuoteID),
				WhyChanged:      reason,
				WhatHappensNext: "The same execute request may be retried.",
			})
		return err
	})
	if err != nil {
		k.logger.ErrorContext(ctx, "recording failed execution", "quote_id", quote.QuoteID, "error", err)
	}
	return contracts.Failed(quote.QuoteID, reason)
}

// resetDay zeroes the agent's daily counter on a new UTC day and records it.
func (k *Kernel) resetDay(ctx context.Context, q store.Queryer, agentID, userID string) error {
	cleared, reset, err := k.budgets.ResetIfNewDay(ctx, q, agentID)
	if err != nil || !reset {
		return err
	}
	_, _, err = k.ledger.Record(ctx, q,
		ledger.EventInput{AgentID: agentID, UserID: userID, Type: ledger.EventDailySpendReset, Payload: map[string]any{
			"cleared_cents": cleared,
		}},
		ledger.ReceiptInput{
			Source:          ledger.SourcePolicy,
			WhatHappened:    fmt.Sprintf("Daily spend counter reset after %s spent.", money.Format(cleared)),
			WhyChanged:      "new UTC day",
			WhatHappensNext: "The full daily limit is available again.",
		})
	return err
}

func idempotent(prior *contracts.Execution) contracts.ExecutionResult {
	return contracts.ExecutionResult{
		Status:      contracts.ExecIdempotent,
		ExecID:      prior.ExecID,
		QuoteID:     prior.QuoteID,
		ExternalRef: prior.ExternalRef,
	}
}

func insertExecution(ctx context.Context, q store.Queryer, e *contracts.Execution, intentType string) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO executions (exec_id, quote_id, agent_id, intent_type, status, external_ref, reason, cost_cents, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ExecID, e.QuoteID, e.AgentID, intentType, string(e.Status), e.ExternalRef, e.Reason, e.CostCents, e.CreatedAt.UnixMilli())
	if store.IsUniqueViolation(err) {
		return errExecutionExists
	}
	if err != nil {
		return fmt.Errorf("kernel: insert execution: %w", err)
	}
	return nil
}

// GetExecution loads the execution recorded for a quote.
func (k *Kernel) GetExecution(ctx context.Context, quoteID string) (*contracts.Execution, error) {
	e, err := loadExecution(ctx, k.db, quoteID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("kernel: no execution for quote %s", quoteID)
	}
	return e, err
}

// loadExecution returns sql.ErrNoRows when the quote has no execution.
func loadExecution(ctx context.Context, q store.Queryer, quoteID string) (*contracts.Execution, error) {
	var (
		e       contracts.Execution
		status  string
		created int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT exec_id, quote_id, agent_id, status, external_ref, reason, cost_cents, created_at FROM executions WHERE quote_id = ?`,
		quoteID).Scan(&e.ExecID, &e.QuoteID, &e.AgentID, &status, &e.ExternalRef, &e.Reason, &e.CostCents, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("kernel: load execution: %w", err)
	}
	e.Status = contracts.ExecutionStatus(status)
	e.CreatedAt = time.UnixMilli(created).UTC()
	return &e, nil
}
