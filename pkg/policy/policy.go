// Package policy holds per-(user, agent) spending rules. The most recently
// written policy for an agent wins.
package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/howwee20/Bloom-sub001/pkg/store"
)

// Rule is a CEL expression that denies an intent when it evaluates to true.
type Rule struct {
	Name   string `json:"name" yaml:"name"`
	Expr   string `json:"expr" yaml:"expr"`
	Reason string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Policy is an agent's rule set. Zero values mean "no limit" except where
// noted.
type Policy struct {
	PolicyID string `json:"policy_id" yaml:"-"`
	UserID   string `json:"user_id" yaml:"-"`
	AgentID  string `json:"agent_id" yaml:"-"`

	// DailyLimitCents further caps the budget's daily_spend_cents when set.
	DailyLimitCents *int64 `json:"daily_limit_cents,omitempty" yaml:"daily_limit_cents,omitempty"`
	// IntentDailyCaps caps today's applied spend per intent type.
	IntentDailyCaps map[string]int64 `json:"intent_daily_caps,omitempty" yaml:"intent_daily_caps,omitempty"`

	AllowAddresses []string `json:"allow_addresses,omitempty" yaml:"allow_addresses,omitempty"`
	DenyAddresses  []string `json:"deny_addresses,omitempty" yaml:"deny_addresses,omitempty"`
	AllowAgents    []string `json:"allow_agents,omitempty" yaml:"allow_agents,omitempty"`
	DenyAgents     []string `json:"deny_agents,omitempty" yaml:"deny_agents,omitempty"`

	// StepUpThresholdCents requires human approval at or above this cost. 0 disables.
	StepUpThresholdCents int64 `json:"step_up_threshold_cents,omitempty" yaml:"step_up_threshold_cents,omitempty"`
	MaxOpenOrders        int   `json:"max_open_orders,omitempty" yaml:"max_open_orders,omitempty"`

	Rules []Rule `json:"rules,omitempty" yaml:"rules,omitempty"`

	CreatedAt time.Time `json:"created_at" yaml:"-"`
}

// EffectiveDailyLimit returns the tighter of the policy limit and budgetDaily.
func (p *Policy) EffectiveDailyLimit(budgetDaily int64) int64 {
	if p == nil || p.DailyLimitCents == nil {
		return budgetDaily
	}
	return min(*p.DailyLimitCents, budgetDaily)
}

// RequiresStepUp reports whether cost meets the step-up threshold.
func (p *Policy) RequiresStepUp(costCents int64) bool {
	return p != nil && p.StepUpThresholdCents > 0 && costCents >= p.StepUpThresholdCents
}

// AddressAllowed checks an on-chain address against the deny and allow
// lists. Addresses compare case-insensitively. Deny wins.
func (p *Policy) AddressAllowed(addr string) (bool, string) {
	if p == nil {
		return true, ""
	}
	if containsFold(p.DenyAddresses, addr) {
		return false, "address_denied"
	}
	if len(p.AllowAddresses) > 0 && !containsFold(p.AllowAddresses, addr) {
		return false, "address_not_allowed"
	}
	return true, ""
}

// AgentAllowed checks a recipient agent against the deny and allow lists.
func (p *Policy) AgentAllowed(agentID string) (bool, string) {
	if p == nil {
		return true, ""
	}
	if slices.Contains(p.DenyAgents, agentID) {
		return false, "recipient_denied"
	}
	if len(p.AllowAgents) > 0 && !slices.Contains(p.AllowAgents, agentID) {
		return false, "recipient_denied"
	}
	return true, ""
}

func containsFold(list []string, s string) bool {
	return slices.ContainsFunc(list, func(v string) bool { return strings.EqualFold(v, s) })
}

// LoadFile reads a default policy from YAML.
func LoadFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("policy: parse %s: %w", path, err)
	}
	return &p, nil
}

// Store persists policies. Fallback is returned, re-addressed to the agent,
// when no policy row exists.
type Store struct {
	fallback Policy
	eval     *Evaluator
	clock    func() time.Time
}

// NewStore creates a store. fallback may be nil. eval validates rules on Put
// and may be nil.
func NewStore(fallback *Policy, eval *Evaluator) *Store {
	s := &Store{eval: eval, clock: time.Now}
	if fallback != nil {
		s.fallback = *fallback
	}
	return s
}

func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// Latest returns the most recent policy for (userID, agentID).
func (s *Store) Latest(ctx context.Context, q store.Queryer, userID, agentID string) (*Policy, error) {
	var body string
	err := q.QueryRowContext(ctx,
		`SELECT body FROM policies WHERE user_id = ? AND agent_id = ? ORDER BY created_at DESC, policy_id DESC LIMIT 1`,
		userID, agentID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		p := s.fallback
		p.UserID, p.AgentID = userID, agentID
		return &p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("policy: latest: %w", err)
	}
	var p Policy
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return nil, fmt.Errorf("policy: decode: %w", err)
	}
	return &p, nil
}

// Put appends a new policy version. Rules are compiled first; a policy with a
// rule that does not compile is refused.
func (s *Store) Put(ctx context.Context, q store.Queryer, p Policy) (*Policy, error) {
	if p.AgentID == "" || p.UserID == "" {
		return nil, errors.New("policy: user_id and agent_id are required")
	}
	if s.eval != nil {
		if err := s.eval.Validate(p.Rules); err != nil {
			return nil, err
		}
	}
	p.PolicyID = uuid.Must(uuid.NewV7()).String()
	p.CreatedAt = time.UnixMilli(s.clock().UTC().UnixMilli()).UTC()
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("policy: encode: %w", err)
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO policies (policy_id, user_id, agent_id, body, created_at) VALUES (?, ?, ?, ?, ?)`,
		p.PolicyID, p.UserID, p.AgentID, string(body), p.CreatedAt.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("policy: insert: %w", err)
	}
	return &p, nil
}
