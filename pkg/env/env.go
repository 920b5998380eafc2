// Package env defines the contract for the external worlds an agent acts in
// and tracks how fresh each world's facts are.
package env

import (
	"context"
	"time"
)

// Status is an environment's freshness classification.
type Status string

const (
	Fresh   Status = "fresh"
	Stale   Status = "stale"
	Unknown Status = "unknown"
)

// Freshness reports how recently an environment's facts were observed.
type Freshness struct {
	Status     Status    `json:"status"`
	LastOKAt   time.Time `json:"last_ok_at,omitempty"`
	LastTickAt time.Time `json:"last_tick_at,omitempty"`
}

// Environment is the minimum an environment adapter provides. Both methods
// must answer under degraded conditions rather than fail.
type Environment interface {
	Name() string
	Observation(ctx context.Context, agentID string) map[string]any
	Freshness(ctx context.Context) Freshness
}

// BalanceSource is implemented by balance-bound environments whose confirmed
// external balance caps spend power.
type BalanceSource interface {
	ConfirmedBalanceCents(ctx context.Context, agentID string) (int64, error)
}

// Job is a unit of work offered by a job board.
type Job struct {
	JobID        string `json:"job_id"`
	Prompt       string `json:"prompt"`
	Expected     string `json:"-"`
	RewardCents  int64  `json:"reward_cents"`
	PenaltyCents int64  `json:"penalty_cents"`
}

// JobSource is implemented by environments that hand out jobs.
type JobSource interface {
	NextJob(ctx context.Context, agentID string) (Job, error)
}

// Unwrapper is implemented by environments that decorate another.
type Unwrapper interface {
	Unwrap() Environment
}

// As finds the first environment in e's decorator chain that implements T.
func As[T any](e Environment) (T, bool) {
	for e != nil {
		if t, ok := e.(T); ok {
			return t, true
		}
		u, ok := e.(Unwrapper)
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	var zero T
	return zero, false
}
