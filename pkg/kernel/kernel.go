// Package kernel mediates every financial action an agent takes. CanDo
// records a quote, Execute performs a quoted intent at most once, and every
// state change lands on the agent's hash-chained ledger in the same
// transaction as the change itself.
package kernel

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/howwee20/Bloom-sub001/pkg/budget"
	"github.com/howwee20/Bloom-sub001/pkg/config"
	"github.com/howwee20/Bloom-sub001/pkg/contracts"
	"github.com/howwee20/Bloom-sub001/pkg/driver"
	"github.com/howwee20/Bloom-sub001/pkg/env"
	"github.com/howwee20/Bloom-sub001/pkg/ledger"
	"github.com/howwee20/Bloom-sub001/pkg/money"
	"github.com/howwee20/Bloom-sub001/pkg/observability"
	"github.com/howwee20/Bloom-sub001/pkg/policy"
	"github.com/howwee20/Bloom-sub001/pkg/ratelimit"
	"github.com/howwee20/Bloom-sub001/pkg/reserve"
	"github.com/howwee20/Bloom-sub001/pkg/spendpower"
	"github.com/howwee20/Bloom-sub001/pkg/stepup"
	"github.com/howwee20/Bloom-sub001/pkg/store"
)

var (
	ErrAgentNotFound = errors.New("kernel: agent not found")
	ErrAgentExists   = errors.New("kernel: agent already exists")
	ErrQuoteNotFound = errors.New("kernel: quote not found")
	ErrRateLimited   = errors.New("kernel: rate limited")
)

// Options carries the optional collaborators. Zero values get defaults.
type Options struct {
	Registry      *driver.Registry
	Limiter       ratelimit.Store
	Telemetry     *observability.Provider
	DefaultPolicy *policy.Policy
	Logger        *slog.Logger
}

// Kernel is safe for concurrent use.
type Kernel struct {
	db        *store.DB
	env       env.Environment
	cfg       *config.Config
	registry  *driver.Registry
	ledger    *ledger.Ledger
	budgets   *budget.Store
	policies  *policy.Store
	evaluator *policy.Evaluator
	reserves  *reserve.Store
	spend     *spendpower.Engine
	stepUp    *stepup.Machine
	limiter   ratelimit.Store
	rate      ratelimit.Policy
	telemetry *observability.Provider
	locks     *agentLocks
	clock     func() time.Time
	logger    *slog.Logger
}

// New wires a kernel over db and a single environment.
func New(db *store.DB, environment env.Environment, cfg *config.Config, opts Options) (*Kernel, error) {
	if cfg == nil {
		cfg = config.Defaults()
	}
	evaluator, err := policy.NewEvaluator()
	if err != nil {
		return nil, err
	}
	machine, err := stepup.New(stepup.Config{
		Secret:       []byte(cfg.StepUpSecret),
		ChallengeTTL: cfg.StepUpChallengeTTL,
		TokenTTL:     cfg.StepUpTokenTTL,
		MaxAttempts:  cfg.StepUpMaxAttempts,
	})
	if err != nil {
		return nil, err
	}

	fallback := opts.DefaultPolicy
	if fallback == nil && cfg.PolicyFile != "" {
		if fallback, err = policy.LoadFile(cfg.PolicyFile); err != nil {
			return nil, err
		}
	}
	if fallback != nil {
		if err := evaluator.Validate(fallback.Rules); err != nil {
			return nil, fmt.Errorf("kernel: default policy: %w", err)
		}
	}

	registry := opts.Registry
	if registry == nil {
		registry = driver.Builtins()
	}
	telemetry := opts.Telemetry
	if telemetry == nil {
		telemetry = observability.Noop()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	budgets := budget.NewStore()
	policies := policy.NewStore(fallback, evaluator)
	reserves := reserve.NewStore()
	return &Kernel{
		db:        db,
		env:       environment,
		cfg:       cfg,
		registry:  registry,
		ledger:    ledger.New(),
		budgets:   budgets,
		policies:  policies,
		evaluator: evaluator,
		reserves:  reserves,
		spend:     spendpower.NewEngine(budgets, policies, reserves, environment, cfg.BalanceBufferCents),
		stepUp:    machine,
		limiter:   opts.Limiter,
		rate:      ratelimit.Policy{RPM: cfg.RateLimitRPM, Burst: cfg.RateLimitBurst},
		telemetry: telemetry,
		locks:     newAgentLocks(),
		clock:     time.Now,
		logger:    logger.With("component", "kernel"),
	}, nil
}

// WithClock overrides the clock of the kernel and every store it owns.
func (k *Kernel) WithClock(clock func() time.Time) *Kernel {
	k.clock = clock
	k.ledger.WithClock(clock)
	k.budgets.WithClock(clock)
	k.policies.WithClock(clock)
	k.reserves.WithClock(clock)
	k.spend.WithClock(clock)
	k.stepUp.WithClock(clock)
	return k
}

func (k *Kernel) now() time.Time {
	return time.UnixMilli(k.clock().UTC().UnixMilli()).UTC()
}

// Env returns the environment the kernel executes against.
func (k *Kernel) Env() env.Environment { return k.env }

// SpendPower exposes the engine so background workers refresh snapshots
// with the same policy fallback and balance buffer.
func (k *Kernel) SpendPower() *spendpower.Engine { return k.spend }

// CreateAgentRequest names the agent to provision. Empty ids are generated.
type CreateAgentRequest struct {
	UserID  string `json:"user_id,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
}

// CreateAgent provisions an active agent with a fresh budget from the
// configured defaults.
func (k *Kernel) CreateAgent(ctx context.Context, req CreateAgentRequest) (*contracts.Agent, error) {
	if req.UserID == "" {
		req.UserID = "user_" + uuid.NewString()
	}
	if req.AgentID == "" {
		req.AgentID = "agent_" + uuid.NewString()
	}
	now := k.now()
	agent := &contracts.Agent{AgentID: req.AgentID, UserID: req.UserID, Status: contracts.AgentActive, CreatedAt: now}

	err := k.agentTx(ctx, agent.AgentID, func(tx *store.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO users (user_id, created_at) VALUES (?, ?) ON CONFLICT (user_id) DO NOTHING`,
			agent.UserID, now.UnixMilli()); err != nil {
			return fmt.Errorf("kernel: insert user: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO agents (agent_id, user_id, status, created_at) VALUES (?, ?, ?, ?)`,
			agent.AgentID, agent.UserID, string(agent.Status), now.UnixMilli()); err != nil {
			if store.IsUniqueViolation(err) {
				return fmt.Errorf("%w: %s", ErrAgentExists, agent.AgentID)
			}
			return fmt.Errorf("kernel: insert agent: %w", err)
		}
		b, err := k.budgets.Create(ctx, tx, agent.AgentID, k.cfg.DefaultCreditsCents, k.cfg.DefaultDailySpendCents)
		if err != nil {
			return err
		}
		_, _, err = k.ledger.Record(ctx, tx,
			ledger.EventInput{AgentID: agent.AgentID, UserID: agent.UserID, Type: ledger.EventAgentCreated, Payload: map[string]any{
				"credits_cents":     b.CreditsCents,
				"daily_spend_cents": b.DailySpendCents,
				"env":               k.env.Name(),
			}},
			ledger.ReceiptInput{
				Source:          ledger.SourceExecution,
				WhatHappened:    fmt.Sprintf("Agent %s created with %s in credits.", agent.AgentID, money.Format(b.CreditsCents)),
				WhyChanged:      "agent registration",
				WhatHappensNext: fmt.Sprintf("The agent may spend up to %s per day.", money.Format(b.DailySpendCents)),
			})
		return err
	})
	if err != nil {
		return nil, err
	}
	if _, err := k.spend.Refresh(ctx, k.db, agent.AgentID); err != nil {
		k.logger.WarnContext(ctx, "spend refresh failed", "agent_id", agent.AgentID, "error", err)
	}
	k.logger.InfoContext(ctx, "agent created", "agent_id", agent.AgentID, "user_id", agent.UserID)
	return agent, nil
}

// GetAgent loads an agent.
func (k *Kernel) GetAgent(ctx context.Context, agentID string) (*contracts.Agent, error) {
	return loadAgent(ctx, k.db, agentID)
}

func loadAgent(ctx context.Context, q store.Queryer, agentID string) (*contracts.Agent, error) {
	var (
		a       contracts.Agent
		status  string
		created int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT agent_id, user_id, status, created_at FROM agents WHERE agent_id = ?`, agentID,
	).Scan(&a.AgentID, &a.UserID, &status, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("kernel: load agent: %w", err)
	}
	a.Status = contracts.AgentStatus(status)
	a.CreatedAt = time.UnixMilli(created).UTC()
	return &a, nil
}

// State is the read-only projection returned by GetState.
type State struct {
	Agent       *contracts.Agent        `json:"agent"`
	Budget      *budget.Budget          `json:"budget"`
	Observation map[string]any          `json:"observation"`
	Freshness   env.Freshness           `json:"freshness"`
	SpendPower  contracts.SpendSnapshot `json:"spend_power"`
	OpenJobs    []driver.AssignedJob    `json:"open_jobs,omitempty"`
	Flagged     bool                    `json:"integrity_flagged,omitempty"`
}

// GetState combines the environment's observation with the cached spend
// snapshot. refresh recomputes the snapshot first.
func (k *Kernel) GetState(ctx context.Context, agentID string, refresh bool) (*State, error) {
	agent, err := loadAgent(ctx, k.db, agentID)
	if err != nil {
		return nil, err
	}
	b, err := k.budgets.Get(ctx, k.db, agentID)
	if err != nil {
		return nil, err
	}
	view := b.AsOf(k.clock())

	var snap contracts.SpendSnapshot
	if !refresh {
		snap, err = k.spend.Get(ctx, k.db, agentID)
	}
	if refresh || errors.Is(err, spendpower.ErrNoSnapshot) {
		snap, err = k.spend.Refresh(ctx, k.db, agentID)
	}
	if err != nil {
		return nil, err
	}
	jobs, err := driver.OpenJobs(ctx, k.db, agentID)
	if err != nil {
		return nil, err
	}
	flagged, err := k.integrityFlagged(ctx, k.db, agentID)
	if err != nil {
		return nil, err
	}
	return &State{
		Agent:       agent,
		Budget:      &view,
		Observation: k.env.Observation(ctx, agentID),
		Freshness:   k.env.Freshness(ctx),
		SpendPower:  snap,
		OpenJobs:    jobs,
		Flagged:     flagged,
	}, nil
}

// RefreshSpendPower recomputes an agent's snapshot.
func (k *Kernel) RefreshSpendPower(ctx context.Context, agentID string) (contracts.SpendSnapshot, error) {
	if _, err := loadAgent(ctx, k.db, agentID); err != nil {
		return contracts.SpendSnapshot{}, err
	}
	return k.spend.Refresh(ctx, k.db, agentID)
}

// agentLocks serializes ledger writers per agent within this process.
// store.LockAgents covers other processes.
type agentLocks struct {
	mu    sync.Mutex
	locks map[string]*agentLock
}

type agentLock struct {
	mu   sync.Mutex
	refs int
}

func newAgentLocks() *agentLocks {
	return &agentLocks{locks: make(map[string]*agentLock)}
}

// lock acquires ids in sorted order and returns the release function.
func (l *agentLocks) lock(ids ...string) func() {
	ids = slices.Compact(slices.Sorted(slices.Values(ids)))
	held := make([]*agentLock, 0, len(ids))
	for _, id := range ids {
		l.mu.Lock()
		al, ok := l.locks[id]
		if !ok {
			al = &agentLock{}
			l.locks[id] = al
		}
		al.refs++
		l.mu.Unlock()

		al.mu.Lock()
		held = append(held, al)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].mu.Unlock()
			l.mu.Lock()
			held[i].refs--
			if held[i].refs == 0 {
				delete(l.locks, ids[i])
			}
			l.mu.Unlock()
		}
	}
}
