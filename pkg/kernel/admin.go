package kernel

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/howwee20/Bloom-sub001/pkg/archive"
	"github.com/howwee20/Bloom-sub001/pkg/contracts"
	"github.com/howwee20/Bloom-sub001/pkg/ledger"
	"github.com/howwee20/Bloom-sub001/pkg/money"
	"github.com/howwee20/Bloom-sub001/pkg/policy"
	"github.com/howwee20/Bloom-sub001/pkg/reserve"
	"github.com/howwee20/Bloom-sub001/pkg/store"
)

// CreateHold reserves amountCents of an agent's spend power under a card
// authorization id.
func (k *Kernel) CreateHold(ctx context.Context, agentID, authID string, amountCents int64) (*reserve.Hold, error) {
	agent, err := loadAgent(ctx, k.db, agentID)
	if err != nil {
		return nil, err
	}
	var h *reserve.Hold
	err = k.agentTx(ctx, agent.AgentID, func(tx *store.Tx) error {
		var err error
		if h, err = k.reserves.CreateHold(ctx, tx, agent.AgentID, authID, amountCents, reserve.SourceCard); err != nil {
			return err
		}
		_, _, err = k.ledger.Record(ctx, tx,
			ledger.EventInput{AgentID: agent.AgentID, UserID: agent.UserID, Type: ledger.EventHoldCreated, Payload: holdPayload(h)},
			ledger.ReceiptInput{
				Source:          ledger.SourceEnv,
				WhatHappened:    fmt.Sprintf("Card authorization %s placed a hold of %s.", authID, money.Format(amountCents)),
				WhyChanged:      "card authorization",
				WhatHappensNext: "The hold reduces spend power until it settles or is released.",
			})
		return err
	})
	if err != nil {
		return nil, err
	}
	k.refresh(ctx, agent.AgentID)
	return h, nil
}

// SettleHold moves a pending hold to settled and charges its amount. A hold
// that is no longer pending fails with reserve.ErrHoldNotPending.
func (k *Kernel) SettleHold(ctx context.Context, authID string) (*reserve.Hold, error) {
	return k.resolveHold(ctx, authID, reserve.HoldSettled)
}

// ReleaseHold moves a pending hold to released without charging.
func (k *Kernel) ReleaseHold(ctx context.Context, authID string) (*reserve.Hold, error) {
	return k.resolveHold(ctx, authID, reserve.HoldReleased)
}

func (k *Kernel) resolveHold(ctx context.Context, authID string, to reserve.HoldStatus) (*reserve.Hold, error) {
	existing, err := k.reserves.GetHold(ctx, k.db, authID)
	if err != nil {
		return nil, err
	}
	agent, err := loadAgent(ctx, k.db, existing.AgentID)
	if err != nil {
		return nil, err
	}

	var h *reserve.Hold
	err = k.agentTx(ctx, agent.AgentID, func(tx *store.Tx) error {
		var err error
		if to == reserve.HoldSettled {
			h, err = k.settleHold(ctx, tx, agent, authID)
		} else {
			h, err = k.releaseHold(ctx, tx, agent, authID)
		}
		return err
	})
	if err != nil {
		k.logger.InfoContext(ctx, "hold transition refused", "auth_id", authID, "to", to, "reason", reserve.Reason(err), "error", err)
		return nil, err
	}
	k.refresh(ctx, agent.AgentID)
	return h, nil
}

func (k *Kernel) settleHold(ctx context.Context, tx store.Queryer, agent *contracts.Agent, authID string) (*reserve.Hold, error) {
	h, err := k.reserves.Settle(ctx, tx, authID)
	if err != nil {
		return nil, err
	}
	charged, b, err := k.budgets.Charge(ctx, tx, agent.AgentID, h.AmountCents)
	if err != nil {
		return nil, err
	}
	payload := holdPayload(h)
	payload["charged_cents"] = charged
	payload["credits_cents"] = b.CreditsCents
	_, _, err = k.ledger.Record(ctx, tx,
		ledger.EventInput{AgentID: agent.AgentID, UserID: agent.UserID, Type: ledger.EventHoldSettled, Payload: payload},
		ledger.ReceiptInput{
			Source:          ledger.SourceEnv,
			WhatHappened:    fmt.Sprintf("Hold %s settled for %s.", authID, money.Format(h.AmountCents)),
			WhyChanged:      "settlement received",
			WhatHappensNext: fmt.Sprintf("Credits are now %s.", money.Format(b.CreditsCents)),
		})
	return h, err
}

func (k *Kernel) releaseHold(ctx context.Context, tx store.Queryer, agent *contracts.Agent, authID string) (*reserve.Hold, error) {
	h, err := k.reserves.Release(ctx, tx, authID)
	if err != nil {
		return nil, err
	}
	_, _, err = k.ledger.Record(ctx, tx,
		ledger.EventInput{AgentID: agent.AgentID, UserID: agent.UserID, Type: ledger.EventHoldReleased, Payload: holdPayload(h)},
		ledger.ReceiptInput{
			Source:          ledger.SourceEnv,
			WhatHappened:    fmt.Sprintf("Hold %s for %s was released.", authID, money.Format(h.AmountCents)),
			WhyChanged:      "authorization reversed",
			WhatHappensNext: "The reserved amount is spendable again.",
		})
	return h, err
}

func holdPayload(h *reserve.Hold) map[string]any {
	return map[string]any{
		"hold_id":      h.HoldID,
		"auth_id":      h.AuthID,
		"amount_cents": h.AmountCents,
		"status":       string(h.Status),
		"source":       h.Source,
	}
}

// SetPolicy writes a new policy version for an agent.
func (k *Kernel) SetPolicy(ctx context.Context, agentID string, p policy.Policy) (*policy.Policy, error) {
	agent, err := loadAgent(ctx, k.db, agentID)
	if err != nil {
		return nil, err
	}
	p.AgentID, p.UserID = agent.AgentID, agent.UserID

	var stored *policy.Policy
	err = k.agentTx(ctx, agent.AgentID, func(tx *store.Tx) error {
		var err error
		if stored, err = k.policies.Put(ctx, tx, p); err != nil {
			return err
		}
		_, _, err = k.ledger.Record(ctx, tx,
			ledger.EventInput{AgentID: agent.AgentID, UserID: agent.UserID, Type: ledger.EventPolicyUpdated, Payload: map[string]any{
				"policy_id": stored.PolicyID,
				"rules":     len(stored.Rules),
			}},
			ledger.ReceiptInput{
				Source:          ledger.SourcePolicy,
				WhatHappened:    fmt.Sprintf("Policy %s now governs agent %s.", stored.PolicyID, agent.AgentID),
				WhyChanged:      "policy updated",
				WhatHappensNext: "New quotes are evaluated against this policy.",
			})
		return err
	})
	if err != nil {
		return nil, err
	}
	k.refresh(ctx, agent.AgentID)
	return stored, nil
}

// ResetDailySpend clears an agent's daily counter unconditionally.
func (k *Kernel) ResetDailySpend(ctx context.Context, agentID string) (int64, error) {
	agent, err := loadAgent(ctx, k.db, agentID)
	if err != nil {
		return 0, err
	}
	var cleared int64
	err = k.agentTx(ctx, agent.AgentID, func(tx *store.Tx) error {
		var err error
		if cleared, err = k.budgets.Reset(ctx, tx, agent.AgentID); err != nil {
			return err
		}
		_, _, err = k.ledger.Record(ctx, tx,
			ledger.EventInput{AgentID: agent.AgentID, UserID: agent.UserID, Type: ledger.EventDailySpendReset, Payload: map[string]any{
				"cleared_cents": cleared,
				"manual":        true,
			}},
			ledger.ReceiptInput{
				Source:          ledger.SourceRepair,
				WhatHappened:    fmt.Sprintf("Daily spend counter manually reset after %s spent.", money.Format(cleared)),
				WhyChanged:      "operator reset",
				WhatHappensNext: "The full daily limit is available again.",
			})
		return err
	})
	if err != nil {
		return 0, err
	}
	k.refresh(ctx, agent.AgentID)
	return cleared, nil
}

// VerifyLedger replays an agent's chain. A broken chain flags the agent so
// that its intents are refused until an operator clears the flag.
func (k *Kernel) VerifyLedger(ctx context.Context, agentID string) (*ledger.Report, error) {
	agent, err := loadAgent(ctx, k.db, agentID)
	if err != nil {
		return nil, err
	}
	rep, err := ledger.Verify(ctx, k.db, agent.AgentID)
	if err != nil {
		return nil, err
	}
	if rep.Valid {
		return rep, nil
	}

	k.logger.ErrorContext(ctx, "ledger integrity failure", "agent_id", agent.AgentID, "issues", len(rep.Issues), "error", rep.Err())
	first := rep.Issues[0]
	err = k.agentTx(ctx, agent.AgentID, func(tx *store.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO integrity_flags (agent_id, reason, detail, created_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT (agent_id) DO NOTHING`,
			agent.AgentID, string(first.Kind), first.Detail, k.now().UnixMilli())
		if err != nil {
			return fmt.Errorf("kernel: flag agent: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return err
		}
		_, _, err = k.ledger.Record(ctx, tx,
			ledger.EventInput{AgentID: agent.AgentID, UserID: agent.UserID, Type: ledger.EventIntegrityFlagged, Payload: map[string]any{
				"issues": len(rep.Issues),
				"kind":   string(first.Kind),
				"detail": first.Detail,
			}},
			ledger.ReceiptInput{
				Source:          ledger.SourceRepair,
				WhatHappened:    fmt.Sprintf("Ledger replay for agent %s found %d issue(s).", agent.AgentID, len(rep.Issues)),
				WhyChanged:      contracts.ReasonLedgerIntegrity,
				WhatHappensNext: "All intents are refused until the history is repaired and the flag is cleared.",
			})
		return err
	})
	if err != nil {
		return nil, err
	}
	return rep, nil
}

// ClearIntegrityFlag lifts an integrity flag after manual repair.
func (k *Kernel) ClearIntegrityFlag(ctx context.Context, agentID, note string) error {
	agent, err := loadAgent(ctx, k.db, agentID)
	if err != nil {
		return err
	}
	return k.agentTx(ctx, agent.AgentID, func(tx *store.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM integrity_flags WHERE agent_id = ?`, agent.AgentID)
		if err != nil {
			return fmt.Errorf("kernel: clear flag: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return err
		}
		_, _, err = k.ledger.Record(ctx, tx,
			ledger.EventInput{AgentID: agent.AgentID, UserID: agent.UserID, Type: ledger.EventIntegrityCleared, Payload: map[string]any{
				"note": note,
			}},
			ledger.ReceiptInput{
				Source:          ledger.SourceRepair,
				WhatHappened:    fmt.Sprintf("Integrity flag on agent %s cleared.", agent.AgentID),
				WhyChanged:      note,
				WhatHappensNext: "Intents are evaluated normally again.",
			})
		return err
	})
}

func (k *Kernel) integrityFlagged(ctx context.Context, q store.Queryer, agentID string) (bool, error) {
	var reason string
	err := q.QueryRowContext(ctx, `SELECT reason FROM integrity_flags WHERE agent_id = ?`, agentID).Scan(&reason)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("kernel: read integrity flag: %w", err)
	}
	return true, nil
}

// ExportLedger writes an agent's history as JSON lines to dst and returns
// the content hash together with the verification report.
func (k *Kernel) ExportLedger(ctx context.Context, agentID string, dst archive.Store) (string, *ledger.Report, error) {
	if _, err := loadAgent(ctx, k.db, agentID); err != nil {
		return "", nil, err
	}
	var buf bytes.Buffer
	rep, err := ledger.Export(ctx, k.db, agentID, &buf)
	if err != nil {
		return "", nil, err
	}
	hash, err := dst.Put(ctx, buf.Bytes())
	if err != nil {
		return "", nil, err
	}
	k.logger.InfoContext(ctx, "ledger exported", "agent_id", agentID, "hash", hash, "events", rep.Events, "valid", rep.Valid)
	return hash, rep, nil
}

// agentTx runs fn in a transaction holding agentID's locks.
func (k *Kernel) agentTx(ctx context.Context, agentID string, fn func(tx *store.Tx) error) error {
	unlock := k.locks.lock(agentID)
	defer unlock()
	return k.db.WithTx(ctx, func(tx *store.Tx) error {
		if err := store.LockAgents(ctx, tx, agentID); err != nil {
			return err
		}
		return fn(tx)
	})
}

func (k *Kernel) refresh(ctx context.Context, agentID string) {
	if _, err := k.spend.Refresh(ctx, k.db, agentID); err != nil {
		k.logger.WarnContext(ctx, "spend refresh failed", "agent_id", agentID, "error", err)
	}
}
