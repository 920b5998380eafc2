package env

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"

	"github.com/google/uuid"
)

// Economy is the in-process job economy. Its facts are local, so it is
// always fresh.
type Economy struct {
	RewardCents  int64
	PenaltyCents int64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewEconomy creates a job board paying reward per correct answer and
// charging penalty per wrong one.
func NewEconomy(rewardCents, penaltyCents int64, seed uint64) *Economy {
	return &Economy{
		RewardCents:  rewardCents,
		PenaltyCents: penaltyCents,
		rng:          rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

func (e *Economy) Name() string { return "economy" }

func (e *Economy) Observation(_ context.Context, _ string) map[string]any {
	return map[string]any{
		"env":           e.Name(),
		"reward_cents":  e.RewardCents,
		"penalty_cents": e.PenaltyCents,
	}
}

func (e *Economy) Freshness(_ context.Context) Freshness {
	return Freshness{Status: Fresh}
}

// NextJob hands out an arithmetic question.
func (e *Economy) NextJob(_ context.Context, _ string) (Job, error) {
	e.mu.Lock()
	a, b := e.rng.IntN(90)+10, e.rng.IntN(90)+10
	e.mu.Unlock()
	return Job{
		JobID:        uuid.NewString(),
		Prompt:       fmt.Sprintf("What is %d + %d?", a, b),
		Expected:     strconv.Itoa(a + b),
		RewardCents:  e.RewardCents,
		PenaltyCents: e.PenaltyCents,
	}, nil
}
