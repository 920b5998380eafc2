// Package driver defines the intent driver contract and the registry that
// routes each intent type to exactly one driver.
package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/howwee20/Bloom-sub001/pkg/budget"
	"github.com/howwee20/Bloom-sub001/pkg/canonicalize"
	"github.com/howwee20/Bloom-sub001/pkg/contracts"
	"github.com/howwee20/Bloom-sub001/pkg/env"
	"github.com/howwee20/Bloom-sub001/pkg/ledger"
	"github.com/howwee20/Bloom-sub001/pkg/policy"
	"github.com/howwee20/Bloom-sub001/pkg/reserve"
	"github.com/howwee20/Bloom-sub001/pkg/store"
)

// Driver handles one family of intents. Optional capabilities are expressed
// by the Coster, PreConstrainer, PostBudgetConstrainer, Locker and
// SchemaProvider interfaces.
type Driver interface {
	Name() string
	Supports(intentType string) bool
	// NormalizeIntent validates raw and returns a typed intent that
	// marshals back to its canonical JSON. It must be idempotent. Errors
	// carry a contracts.ReasonError.
	NormalizeIntent(intentType string, raw map[string]any) (any, error)
	// Execute performs the side effect and writes its bookkeeping through
	// ec.Tx. An external call happens before any local write.
	Execute(ctx context.Context, ec *ExecContext) (Result, error)
}

// Cost is an intent's declared monetary weight.
type Cost struct {
	BaseCents     int64 `json:"base_cents"`
	TransferCents int64 `json:"transfer_cents"`
}

// Total is the amount checked against spend power.
func (c Cost) Total() int64 { return c.BaseCents + c.TransferCents }

// Coster is implemented by drivers whose intents cost money.
type Coster interface {
	IntentCost(intent any) Cost
}

// PreConstrainer runs cheap driver-local checks before spend power is
// computed.
type PreConstrainer interface {
	PreConstraints(ctx context.Context, cc *CheckContext) (contracts.Decision, error)
}

// PostBudgetConstrainer runs the affordability check against spend power.
type PostBudgetConstrainer interface {
	PostBudgetConstraints(ctx context.Context, cc *CheckContext) (contracts.Decision, error)
}

// Locker names other agents whose chains an execution writes to.
type Locker interface {
	LockAgents(intent any) []string
}

// SchemaProvider supplies JSON schemas per intent type, checked before
// normalization.
type SchemaProvider interface {
	Schemas() map[string]string
}

// CheckContext is the read-only view handed to constraint checks.
type CheckContext struct {
	Q          store.Queryer
	UserID     string
	AgentID    string
	IntentType string
	Intent     any
	Cost       Cost
	Policy     *policy.Policy
	Budget     *budget.Budget
	// IdempotencyKey belongs to the quote being issued or re-validated.
	IdempotencyKey string
	// Spend is only set for post-budget checks.
	Spend    contracts.SpendSnapshot
	Env      env.Environment
	Reserves *reserve.Store
	Now      time.Time
}

// ExecContext carries the transaction and stores an execution writes
// through.
type ExecContext struct {
	Tx         store.Queryer
	UserID     string
	AgentID    string
	IntentType string
	Intent     any
	Cost       Cost
	Quote      *contracts.Quote
	ExecID     string
	Env        env.Environment
	Ledger     *ledger.Ledger
	Budgets    *budget.Store
	Reserves   *reserve.Store
	Now        time.Time
}

// Result is what a driver reports after executing.
type Result struct {
	ExternalRef string `json:"external_ref,omitempty"`
	// Replay means prior state already satisfied the intent and nothing new
	// was done.
	Replay bool `json:"replay,omitempty"`
}

// Emit appends an event on the executing agent's chain with an execution
// receipt citing it.
func (ec *ExecContext) Emit(ctx context.Context, eventType string, payload any, what, why, next string) (*ledger.Event, error) {
	return ec.EmitFor(ctx, ec.AgentID, ec.UserID, eventType, payload, what, why, next)
}

// EmitFor is Emit on another agent's chain.
func (ec *ExecContext) EmitFor(ctx context.Context, agentID, userID, eventType string, payload any, what, why, next string) (*ledger.Event, error) {
	ev, _, err := ec.Ledger.Record(ctx, ec.Tx,
		ledger.EventInput{AgentID: agentID, UserID: userID, Type: eventType, Payload: payload},
		ledger.ReceiptInput{
			AgentID:         agentID,
			UserID:          userID,
			Source:          ledger.SourceExecution,
			WhatHappened:    what,
			WhyChanged:      why,
			WhatHappensNext: next,
		})
	return ev, err
}

const envelopeSchema = `{
	"type": "object",
	"required": ["type"],
	"properties": {
		"type": {"type": "string", "minLength": 1, "maxLength": 64}
	}
}`

// Registry routes intent types to drivers.
type Registry struct {
	drivers  []Driver
	envelope *jsonschema.Schema
	schemas  map[string]*jsonschema.Schema
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	envelope, err := compileSchema("envelope", envelopeSchema)
	if err != nil {
		panic(err)
	}
	return &Registry{envelope: envelope, schemas: make(map[string]*jsonschema.Schema)}
}

func compileSchema(name, schema string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://bloom.schemas.local/intents/%s.schema.json", name)
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("driver: load schema %s: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("driver: compile schema %s: %w", name, err)
	}
	return compiled, nil
}

// Register adds d and compiles its schemas.
func (r *Registry) Register(d Driver) error {
	if sp, ok := d.(SchemaProvider); ok {
		for intentType, schema := range sp.Schemas() {
			compiled, err := compileSchema(intentType, schema)
			if err != nil {
				return err
			}
			r.schemas[intentType] = compiled
		}
	}
	r.drivers = append(r.drivers, d)
	return nil
}

// Drivers lists registered drivers in registration order.
func (r *Registry) Drivers() []Driver { return r.drivers }

// Resolve finds the single driver claiming intentType.
func (r *Registry) Resolve(intentType string) (Driver, error) {
	var found Driver
	for _, d := range r.drivers {
		if !d.Supports(intentType) {
			continue
		}
		if found != nil {
			return nil, &contracts.ReasonError{
				Reason: contracts.ReasonUnsupportedIntent,
				Err:    fmt.Errorf("%s claimed by both %s and %s", intentType, found.Name(), d.Name()),
			}
		}
		found = d
	}
	if found == nil {
		return nil, &contracts.ReasonError{Reason: contracts.ReasonUnsupportedIntent, Err: fmt.Errorf("no driver for %q", intentType)}
	}
	return found, nil
}

// Parsed is a validated, normalized intent.
type Parsed struct {
	Type   string
	Driver Driver
	Intent any
	// Canonical is the RFC 8785 form of Intent.
	Canonical json.RawMessage
	// Fields is Canonical decoded, for rule evaluation.
	Fields map[string]any
}

// Parse validates raw against the envelope and driver schemas, routes it and
// normalizes it.
func (r *Registry) Parse(raw json.RawMessage) (*Parsed, error) {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, &contracts.ReasonError{Reason: contracts.ReasonInvalidIntent, Err: err}
	}
	if err := r.envelope.Validate(doc); err != nil {
		return nil, &contracts.ReasonError{Reason: contracts.ReasonInvalidIntent, Err: err}
	}
	fields := doc.(map[string]any)
	intentType := fields["type"].(string)

	d, err := r.Resolve(intentType)
	if err != nil {
		return nil, err
	}
	if schema, ok := r.schemas[intentType]; ok {
		if err := schema.Validate(doc); err != nil {
			return nil, &contracts.ReasonError{Reason: contracts.ReasonInvalidIntent, Err: err}
		}
	}
	intent, err := d.NormalizeIntent(intentType, fields)
	if err != nil {
		return nil, err
	}
	canonical, err := canonicalize.JCS(intent)
	if err != nil {
		return nil, &contracts.ReasonError{Reason: contracts.ReasonInvalidIntent, Err: err}
	}
	var normalized map[string]any
	if err := json.Unmarshal(canonical, &normalized); err != nil {
		return nil, &contracts.ReasonError{Reason: contracts.ReasonInvalidIntent, Err: err}
	}
	return &Parsed{Type: intentType, Driver: d, Intent: intent, Canonical: canonical, Fields: normalized}, nil
}

// CostOf returns d's declared cost for intent, zero when d is not a Coster.
func CostOf(d Driver, intent any) Cost {
	if c, ok := d.(Coster); ok {
		return c.IntentCost(intent)
	}
	return Cost{}
}

// Builtins returns a registry with every built-in driver.
func Builtins() *Registry {
	r := NewRegistry()
	for _, d := range []Driver{NewCredits(), NewUSDC(), NewMarket(), NewJobs()} {
		if err := r.Register(d); err != nil {
			panic(err)
		}
	}
	return r
}
