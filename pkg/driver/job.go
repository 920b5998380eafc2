package driver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/howwee20/Bloom-sub001/pkg/contracts"
	"github.com/howwee20/Bloom-sub001/pkg/env"
	"github.com/howwee20/Bloom-sub001/pkg/ledger"
	"github.com/howwee20/Bloom-sub001/pkg/money"
	"github.com/howwee20/Bloom-sub001/pkg/store"
)

const (
	IntentJobRequest = "job.request"
	IntentJobSubmit  = "job.submit"
)

// Job states.
const (
	JobAssigned  = "assigned"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// JobRequest asks the environment's job board for work.
type JobRequest struct {
	Type string `json:"type"`
}

// JobSubmit answers an assigned job.
type JobSubmit struct {
	Type   string `json:"type"`
	JobID  string `json:"job_id"`
	Answer string `json:"answer"`
}

// AssignedJob is a job row as shown to its agent.
type AssignedJob struct {
	JobID        string `json:"job_id"`
	Prompt       string `json:"prompt"`
	RewardCents  int64  `json:"reward_cents"`
	PenaltyCents int64  `json:"penalty_cents"`
	Status       string `json:"status"`
}

// Jobs drives the job economy: correct answers earn the reward, wrong ones
// pay the penalty, and an agent whose credits reach zero dies.
type Jobs struct{}

func NewJobs() *Jobs { return &Jobs{} }

func (*Jobs) Name() string { return "job" }

func (*Jobs) Supports(intentType string) bool {
	return intentType == IntentJobRequest || intentType == IntentJobSubmit
}

func (*Jobs) Schemas() map[string]string {
	return map[string]string{
		IntentJobSubmit: `{
			"type": "object",
			"properties": {
				"job_id": {"type": "string"},
				"answer": {"type": ["string", "number"]}
			}
		}`,
	}
}

func (*Jobs) NormalizeIntent(intentType string, raw map[string]any) (any, error) {
	if intentType == IntentJobRequest {
		return &JobRequest{Type: intentType}, nil
	}
	id, err := requiredText(raw, "job_id")
	if err != nil {
		return nil, err
	}
	var answer string
	switch v := raw["answer"].(type) {
	case nil:
		return nil, reject(contracts.ReasonMissingField, "answer is required")
	case string:
		answer = v
	default:
		answer = fmt.Sprint(v)
	}
	return &JobSubmit{Type: intentType, JobID: id, Answer: strings.TrimSpace(norm.NFC.String(answer))}, nil
}

func (*Jobs) PreConstraints(ctx context.Context, cc *CheckContext) (contracts.Decision, error) {
	switch in := cc.Intent.(type) {
	case *JobRequest:
		if _, ok := env.As[env.JobSource](cc.Env); !ok {
			return contracts.Deny(contracts.ReasonUnsupportedIntent), nil
		}
		return contracts.Allow(), nil
	case *JobSubmit:
		job, _, err := loadJob(ctx, cc.Q, in.JobID)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && job.agentID != cc.AgentID) {
			return contracts.Deny(contracts.ReasonJobNotFound), nil
		}
		if err != nil {
			return contracts.Decision{}, err
		}
		if job.Status != JobAssigned {
			return contracts.Decision{Allowed: true, Replay: true}, nil
		}
		return contracts.Allow(), nil
	}
	return contracts.Deny(contracts.ReasonInvalidIntent), nil
}

func (j *Jobs) Execute(ctx context.Context, ec *ExecContext) (Result, error) {
	switch in := ec.Intent.(type) {
	case *JobRequest:
		return j.request(ctx, ec)
	case *JobSubmit:
		return j.submit(ctx, ec, in)
	}
	return Result{}, contracts.Reject(contracts.ReasonInvalidIntent)
}

func (*Jobs) request(ctx context.Context, ec *ExecContext) (Result, error) {
	board, ok := env.As[env.JobSource](ec.Env)
	if !ok {
		return Result{}, contracts.Reject(contracts.ReasonUnsupportedIntent)
	}
	job, err := board.NextJob(ctx, ec.AgentID)
	if err != nil {
		return Result{}, &contracts.ReasonError{Reason: contracts.ReasonNoJobAvailable, Err: err}
	}
	now := ec.Now.UnixMilli()
	_, err = ec.Tx.ExecContext(ctx,
		`INSERT INTO jobs (job_id, agent_id, prompt, expected, reward_cents, penalty_cents, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.JobID, ec.AgentID, job.Prompt, job.Expected, job.RewardCents, job.PenaltyCents, JobAssigned, now, now)
	if err != nil {
		return Result{}, fmt.Errorf("driver: insert job: %w", err)
	}
	_, err = ec.Emit(ctx, ledger.EventJobAssigned, map[string]any{
		"exec_id":       ec.ExecID,
		"job_id":        job.JobID,
		"prompt":        job.Prompt,
		"reward_cents":  job.RewardCents,
		"penalty_cents": job.PenaltyCents,
	},
		fmt.Sprintf("Assigned job %s: %s", job.JobID, job.Prompt),
		"The agent asked the job board for work.",
		fmt.Sprintf("A correct answer earns %s; a wrong one costs %s.", money.Format(job.RewardCents), money.Format(job.PenaltyCents)))
	if err != nil {
		return Result{}, err
	}
	return Result{ExternalRef: job.JobID}, nil
}

func (*Jobs) submit(ctx context.Context, ec *ExecContext, in *JobSubmit) (Result, error) {
	job, expected, err := loadJob(ctx, ec.Tx, in.JobID)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && job.agentID != ec.AgentID) {
		return Result{}, contracts.Reject(contracts.ReasonJobNotFound)
	}
	if err != nil {
		return Result{}, err
	}
	if job.Status != JobAssigned {
		return Result{ExternalRef: job.JobID, Replay: true}, nil
	}

	correct := in.Answer == expected
	status := JobFailed
	if correct {
		status = JobCompleted
	}
	res, err := ec.Tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE job_id = ? AND status = ?`,
		status, ec.Now.UnixMilli(), job.JobID, JobAssigned)
	if err != nil {
		return Result{}, fmt.Errorf("driver: resolve job: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return Result{ExternalRef: job.JobID, Replay: true}, err
	}

	if correct {
		b, err := ec.Budgets.Credit(ctx, ec.Tx, ec.AgentID, job.RewardCents)
		if err != nil {
			return Result{}, err
		}
		_, err = ec.Emit(ctx, ledger.EventJobCompleted, map[string]any{
			"exec_id":       ec.ExecID,
			"job_id":        job.JobID,
			"reward_cents":  job.RewardCents,
			"credits_cents": b.CreditsCents,
		},
			fmt.Sprintf("Job %s answered correctly; earned %s.", job.JobID, money.Format(job.RewardCents)),
			"The submitted answer matched the expected answer.",
			fmt.Sprintf("Credits now %s.", money.Format(b.CreditsCents)))
		if err != nil {
			return Result{}, err
		}
		return Result{ExternalRef: job.JobID}, nil
	}

	applied, b, err := ec.Budgets.ApplyPenalty(ctx, ec.Tx, ec.AgentID, job.PenaltyCents)
	if err != nil {
		return Result{}, err
	}
	_, err = ec.Emit(ctx, ledger.EventJobFailed, map[string]any{
		"exec_id":       ec.ExecID,
		"job_id":        job.JobID,
		"penalty_cents": job.PenaltyCents,
	},
		fmt.Sprintf("Job %s answered incorrectly.", job.JobID),
		"The submitted answer did not match the expected answer.",
		"The penalty is applied to credits.")
	if err != nil {
		return Result{}, err
	}
	_, err = ec.Emit(ctx, ledger.EventPenaltyApplied, map[string]any{
		"job_id":        job.JobID,
		"penalty_cents": applied,
		"credits_cents": b.CreditsCents,
	},
		fmt.Sprintf("Penalty of %s applied.", money.Format(applied)),
		"Wrong answers cost the job's penalty, clamped at the remaining credits.",
		fmt.Sprintf("Credits now %s.", money.Format(b.CreditsCents)))
	if err != nil {
		return Result{}, err
	}
	if b.CreditsCents == 0 {
		if err := killAgent(ctx, ec, "credits exhausted by a job penalty"); err != nil {
			return Result{}, err
		}
	}
	return Result{ExternalRef: job.JobID}, nil
}

// killAgent marks the agent dead. Death is irreversible.
func killAgent(ctx context.Context, ec *ExecContext, cause string) error {
	res, err := ec.Tx.ExecContext(ctx,
		`UPDATE agents SET status = ? WHERE agent_id = ? AND status = ?`,
		string(contracts.AgentDead), ec.AgentID, string(contracts.AgentActive))
	if err != nil {
		return fmt.Errorf("driver: kill agent: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return err
	}
	_, err = ec.Emit(ctx, ledger.EventAgentDied, map[string]any{"cause": cause},
		"The agent died.",
		cause,
		"Every future intent from this agent is rejected.")
	return err
}

type jobRow struct {
	AssignedJob
	agentID string
}

func loadJob(ctx context.Context, q store.Queryer, jobID string) (*jobRow, string, error) {
	var (
		j        jobRow
		expected string
	)
	err := q.QueryRowContext(ctx,
		`SELECT job_id, agent_id, prompt, expected, reward_cents, penalty_cents, status FROM jobs WHERE job_id = ?`, jobID,
	).Scan(&j.JobID, &j.agentID, &j.Prompt, &expected, &j.RewardCents, &j.PenaltyCents, &j.Status)
	if err != nil {
		return nil, "", err
	}
	return &j, expected, nil
}

// OpenJobs lists an agent's unanswered jobs.
func OpenJobs(ctx context.Context, q store.Queryer, agentID string) ([]AssignedJob, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT job_id, prompt, reward_cents, penalty_cents, status FROM jobs WHERE agent_id = ? AND status = ? ORDER BY created_at ASC`,
		agentID, JobAssigned)
	if err != nil {
		return nil, fmt.Errorf("driver: list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []AssignedJob
	for rows.Next() {
		var j AssignedJob
		if err := rows.Scan(&j.JobID, &j.Prompt, &j.RewardCents, &j.PenaltyCents, &j.Status); err != nil {
			return nil, fmt.Errorf("driver: scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
