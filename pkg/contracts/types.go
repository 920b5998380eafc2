// Package contracts holds the value types shared by the kernel, the drivers,
// and the stores.
package contracts

import (
	"encoding/json"
	"time"
)

// AgentStatus is the lifecycle state of an agent.
type AgentStatus string

const (
	AgentActive AgentStatus = "active"
	AgentDead   AgentStatus = "dead"
)

// Agent is an autonomous actor owned by exactly one user.
type Agent struct {
	AgentID   string      `json:"agent_id"`
	UserID    string      `json:"user_id"`
	Status    AgentStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
}

// Decision is the outcome of a constraint check.
type Decision struct {
	Allowed        bool   `json:"allowed"`
	Reason         string `json:"reason,omitempty"`
	RequiresStepUp bool   `json:"requires_step_up,omitempty"`
	// Replay marks an idempotent replay of prior driver state.
	Replay bool `json:"replay,omitempty"`
}

// Allow is the zero-reason permissive decision.
func Allow() Decision { return Decision{Allowed: true} }

// Deny returns a rejecting decision with reason.
func Deny(reason string) Decision { return Decision{Allowed: false, Reason: reason} }

// Quote is the recorded result of a CanDo evaluation.
type Quote struct {
	QuoteID        string          `json:"quote_id"`
	UserID         string          `json:"user_id"`
	AgentID        string          `json:"agent_id"`
	IntentType     string          `json:"intent_type"`
	IntentJSON     json.RawMessage `json:"intent_json"`
	Allowed        bool            `json:"allowed"`
	RequiresStepUp bool            `json:"requires_step_up"`
	Reason         string          `json:"reason,omitempty"`
	CostCents      int64           `json:"cost_cents"`
	IdempotencyKey string          `json:"idempotency_key"`
	EnvName        string          `json:"env_name"`
	Facts          json.RawMessage `json:"facts,omitempty"`
	ExpiresAt      time.Time       `json:"expires_at"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Expired reports whether the quote is past its validity window at now.
func (q *Quote) Expired(now time.Time) bool {
	return !now.Before(q.ExpiresAt)
}

// ExecutionStatus is the outcome class of an Execute call.
type ExecutionStatus string

const (
	// ExecApplied means the side effect completed.
	ExecApplied ExecutionStatus = "applied"
	// ExecFailed means the side effect was attempted and did not complete. Safe to retry.
	ExecFailed ExecutionStatus = "failed"
	// ExecRejected means no side effect was attempted.
	ExecRejected ExecutionStatus = "rejected"
	// ExecIdempotent means a prior call already completed this quote.
	ExecIdempotent ExecutionStatus = "idempotent"
)

// Execution is the persisted at-most-once outcome of a quote.
type Execution struct {
	ExecID      string          `json:"exec_id"`
	QuoteID     string          `json:"quote_id"`
	AgentID     string          `json:"agent_id"`
	Status      ExecutionStatus `json:"status"`
	ExternalRef string          `json:"external_ref,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	CostCents   int64           `json:"cost_cents"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ExecutionResult is returned to Execute callers.
type ExecutionResult struct {
	Status      ExecutionStatus `json:"status"`
	ExecID      string          `json:"exec_id,omitempty"`
	QuoteID     string          `json:"quote_id"`
	ExternalRef string          `json:"external_ref,omitempty"`
	Reason      string          `json:"reason,omitempty"`
}

// Rejected builds a rejected result for quoteID.
func Rejected(quoteID, reason string) ExecutionResult {
	return ExecutionResult{Status: ExecRejected, QuoteID: quoteID, Reason: reason}
}

// Failed builds a failed result for quoteID.
func Failed(quoteID, reason string) ExecutionResult {
	return ExecutionResult{Status: ExecFailed, QuoteID: quoteID, Reason: reason}
}

// SpendSnapshot is the cached spend-power projection for an agent.
type SpendSnapshot struct {
	AgentID                  string    `json:"agent_id"`
	ConfirmedBalanceCents    int64     `json:"confirmed_balance_cents"`
	ReservedOutgoingCents    int64     `json:"reserved_outgoing_cents"`
	ReservedHoldsCents       int64     `json:"reserved_holds_cents"`
	PolicySpendableCents     int64     `json:"policy_spendable_cents"`
	EffectiveSpendPowerCents int64     `json:"effective_spend_power_cents"`
	BalanceBound             bool      `json:"balance_bound"`
	UpdatedAt                time.Time `json:"updated_at"`
}
