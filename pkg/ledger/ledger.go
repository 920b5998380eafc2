// Package ledger is the append-only, per-agent hash-chained event log and
// its human-readable receipts.
//
// Each event's hash covers the previous event's hash, so rewriting any row
// breaks every hash after it. Ordering within an agent's chain is the
// caller's responsibility: appends for one agent must run inside a
// transaction that holds that agent's lock.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/howwee20/Bloom-sub001/pkg/canonicalize"
	"github.com/howwee20/Bloom-sub001/pkg/store"
)

// GenesisHash stands in for prev_hash when hashing an agent's first event.
const GenesisHash = "GENESIS"

var (
	ErrChainBroken    = errors.New("ledger: hash chain is broken")
	ErrInvalidSource  = errors.New("ledger: invalid receipt source")
	ErrMissingAgentID = errors.New("ledger: agent_id is required")
)

// Event types written by the kernel, drivers and reconcilers.
const (
	EventAgentCreated      = "agent_created"
	EventAgentDied         = "agent_died"
	EventQuoteIssued       = "quote_issued"
	EventExecutionApplied  = "execution_applied"
	EventExecutionFailed   = "execution_failed"
	EventCreditsDebited    = "credits_debited"
	EventCreditsCredited   = "credits_credited"
	EventPenaltyApplied    = "penalty_applied"
	EventTransferSubmitted = "transfer_submitted"
	EventTransferConfirmed = "transfer_confirmed"
	EventTransferFailed    = "transfer_failed"
	EventOrderPlaced       = "order_placed"
	EventOrderCanceled     = "order_canceled"
	EventOrderFilled       = "order_filled"
	EventHoldCreated       = "hold_created"
	EventHoldSettled       = "hold_settled"
	EventHoldReleased      = "hold_released"
	EventJobAssigned       = "job_assigned"
	EventJobCompleted      = "job_completed"
	EventJobFailed         = "job_failed"
	EventPolicyUpdated     = "policy_updated"
	EventDailySpendReset   = "daily_spend_reset"
	EventStepUpRequested   = "step_up_requested"
	EventStepUpResolved    = "step_up_resolved"
	EventIntegrityFlagged  = "integrity_flagged"
	EventIntegrityCleared  = "integrity_cleared"
)

// Source classifies why a receipt was written.
type Source string

const (
	SourcePolicy    Source = "policy"
	SourceExecution Source = "execution"
	SourceEnv       Source = "env"
	SourceRepair    Source = "repair"
)

func (s Source) valid() bool {
	switch s {
	case SourcePolicy, SourceExecution, SourceEnv, SourceRepair:
		return true
	}
	return false
}

// Event is one link in an agent's chain.
type Event struct {
	EventID    string          `json:"event_id"`
	AgentID    string          `json:"agent_id"`
	UserID     string          `json:"user_id"`
	Seq        int64           `json:"seq"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt int64           `json:"occurred_at"`
	Hash       string          `json:"hash"`
	PrevHash   string          `json:"prev_hash,omitempty"`
}

// Receipt explains a consequential decision. Not hash-chained.
type Receipt struct {
	ReceiptID       string `json:"receipt_id"`
	AgentID         string `json:"agent_id"`
	UserID          string `json:"user_id"`
	EventID         string `json:"event_id,omitempty"`
	Source          Source `json:"source"`
	WhatHappened    string `json:"what_happened"`
	WhyChanged      string `json:"why_changed"`
	WhatHappensNext string `json:"what_happens_next"`
	CreatedAt       int64  `json:"created_at"`
}

// EventInput describes an event to append.
type EventInput struct {
	AgentID string
	UserID  string
	Type    string
	Payload any
}

// ReceiptInput describes a receipt to write.
type ReceiptInput struct {
	AgentID         string
	UserID          string
	EventID         string
	Source          Source
	WhatHappened    string
	WhyChanged      string
	WhatHappensNext string
}

// Ledger writes events and receipts through a caller-supplied Queryer so that
// they commit atomically with the state change they describe.
type Ledger struct {
	clock  func() time.Time
	logger *slog.Logger
}

func New() *Ledger {
	return &Ledger{
		clock:  time.Now,
		logger: slog.Default().With("component", "ledger"),
	}
}

// WithClock overrides the clock used for occurred_at.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// ComputeHash returns the chained hash of an event's fields.
func ComputeHash(prevHash, agentID, userID, eventType string, occurredAt int64, payload json.RawMessage) (string, error) {
	if prevHash == "" {
		prevHash = GenesisHash
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	return canonicalize.Hash(struct {
		PrevHash   string          `json:"prev_hash"`
		AgentID    string          `json:"agent_id"`
		UserID     string          `json:"user_id"`
		Type       string          `json:"type"`
		OccurredAt int64           `json:"occurred_at"`
		Payload    json.RawMessage `json:"payload"`
	}{prevHash, agentID, userID, eventType, occurredAt, payload})
}

// AppendEvent is the only writer of the events table. It links the new event
// to the agent's current head.
func (l *Ledger) AppendEvent(ctx context.Context, q store.Queryer, in EventInput) (*Event, error) {
	if in.AgentID == "" {
		return nil, ErrMissingAgentID
	}
	if in.Type == "" {
		return nil, fmt.Errorf("ledger: event type is required")
	}

	payload, err := canonicalize.JCS(orEmpty(in.Payload))
	if err != nil {
		return nil, fmt.Errorf("ledger: canonicalize payload: %w", err)
	}

	var (
		lastSeq  int64
		prevHash sql.NullString
	)
	err = q.QueryRowContext(ctx,
		"SELECT seq, hash FROM events WHERE agent_id = ? ORDER BY seq DESC LIMIT 1", in.AgentID,
	).Scan(&lastSeq, &prevHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ledger: read chain head: %w", err)
	}

	ev := &Event{
		EventID:    uuid.NewString(),
		AgentID:    in.AgentID,
		UserID:     in.UserID,
		Seq:        lastSeq + 1,
		Type:       in.Type,
		Payload:    payload,
		OccurredAt: l.clock().UTC().UnixMilli(),
		PrevHash:   prevHash.String,
	}
	ev.Hash, err = ComputeHash(ev.PrevHash, ev.AgentID, ev.UserID, ev.Type, ev.OccurredAt, ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("ledger: hash event: %w", err)
	}

	_, err = q.ExecContext(ctx,
		`INSERT INTO events (event_id, agent_id, user_id, seq, type, payload, occurred_at, hash, prev_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.EventID, ev.AgentID, ev.UserID, ev.Seq, ev.Type, string(ev.Payload), ev.OccurredAt, ev.Hash, nullable(ev.PrevHash),
	)
	if err != nil {
		if store.IsUniqueViolation(err) {
			return nil, fmt.Errorf("%w: concurrent append for agent %s at seq %d", ErrChainBroken, ev.AgentID, ev.Seq)
		}
		return nil, fmt.Errorf("ledger: insert event: %w", err)
	}
	return ev, nil
}

// CreateReceipt writes a receipt, optionally citing an event.
func (l *Ledger) CreateReceipt(ctx context.Context, q store.Queryer, in ReceiptInput) (*Receipt, error) {
	if in.AgentID == "" {
		return nil, ErrMissingAgentID
	}
	if !in.Source.valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSource, in.Source)
	}
	r := &Receipt{
		ReceiptID:       uuid.NewString(),
		AgentID:         in.AgentID,
		UserID:          in.UserID,
		EventID:         in.EventID,
		Source:          in.Source,
		WhatHappened:    in.WhatHappened,
		WhyChanged:      in.WhyChanged,
		WhatHappensNext: in.WhatHappensNext,
		CreatedAt:       l.clock().UTC().UnixMilli(),
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO receipts (receipt_id, agent_id, user_id, event_id, source, what_happened, why_changed, what_happens_next, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ReceiptID, r.AgentID, r.UserID, nullable(r.EventID), string(r.Source), r.WhatHappened, r.WhyChanged, r.WhatHappensNext, r.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("ledger: insert receipt: %w", err)
	}
	return r, nil
}

// Record appends an event and a receipt citing it.
func (l *Ledger) Record(ctx context.Context, q store.Queryer, ev EventInput, rc ReceiptInput) (*Event, *Receipt, error) {
	e, err := l.AppendEvent(ctx, q, ev)
	if err != nil {
		return nil, nil, err
	}
	if rc.AgentID == "" {
		rc.AgentID = ev.AgentID
	}
	if rc.UserID == "" {
		rc.UserID = ev.UserID
	}
	rc.EventID = e.EventID
	r, err := l.CreateReceipt(ctx, q, rc)
	if err != nil {
		return nil, nil, err
	}
	return e, r, nil
}

// Events lists an agent's chain in order.
func Events(ctx context.Context, q store.Queryer, agentID string) ([]Event, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT event_id, agent_id, user_id, seq, type, payload, occurred_at, hash, prev_hash
		 FROM events WHERE agent_id = ? ORDER BY seq ASC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var (
			e        Event
			payload  string
			prevHash sql.NullString
		)
		if err := rows.Scan(&e.EventID, &e.AgentID, &e.UserID, &e.Seq, &e.Type, &payload, &e.OccurredAt, &e.Hash, &prevHash); err != nil {
			return nil, fmt.Errorf("ledger: scan event: %w", err)
		}
		e.Payload = json.RawMessage(payload)
		e.PrevHash = prevHash.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// Receipts lists an agent's receipts oldest first.
func Receipts(ctx context.Context, q store.Queryer, agentID string) ([]Receipt, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT receipt_id, agent_id, user_id, event_id, source, what_happened, why_changed, what_happens_next, created_at
		 FROM receipts WHERE agent_id = ? ORDER BY created_at ASC, receipt_id ASC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list receipts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Receipt
	for rows.Next() {
		var (
			r       Receipt
			eventID sql.NullString
			source  string
		)
		if err := rows.Scan(&r.ReceiptID, &r.AgentID, &r.UserID, &eventID, &source, &r.WhatHappened, &r.WhyChanged, &r.WhatHappensNext, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("ledger: scan receipt: %w", err)
		}
		r.EventID = eventID.String
		r.Source = Source(source)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Agents lists every agent that has at least one event.
func Agents(ctx context.Context, q store.Queryer) ([]string, error) {
	rows, err := q.QueryContext(ctx, "SELECT DISTINCT agent_id FROM events ORDER BY agent_id")
	if err != nil {
		return nil, fmt.Errorf("ledger: list agents: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func orEmpty(v any) any {
	if v == nil {
		return map[string]any{}
	}
	return v
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
