// Package budget holds each agent's credit balance and daily spend counter.
// Debits never take credits below zero; penalties clamp at zero.
package budget

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/howwee20/Bloom-sub001/pkg/store"
)

var (
	ErrNotFound            = errors.New("budget: not found")
	ErrInsufficientCredits = errors.New("budget: insufficient credits")
	ErrNegativeAmount      = errors.New("budget: amount must not be negative")
)

// Budget is an agent's balance and daily spend state. Amounts are cents.
type Budget struct {
	AgentID             string    `json:"agent_id"`
	CreditsCents        int64     `json:"credits_cents"`
	DailySpendCents     int64     `json:"daily_spend_cents"`
	DailySpendUsedCents int64     `json:"daily_spend_used_cents"`
	LastResetAt         time.Time `json:"last_reset_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// DailyRemaining returns how much of the daily cap is left.
func (b *Budget) DailyRemaining() int64 {
	remaining := b.DailySpendCents - b.DailySpendUsedCents
	if remaining < 0 {
		return 0
	}
	return remaining
}

// NeedsReset reports whether now falls on a later UTC day than the last reset.
func (b *Budget) NeedsReset(now time.Time) bool {
	return dayStart(b.LastResetAt).Before(dayStart(now))
}

// AsOf returns a copy with the daily counter zeroed when the UTC day has
// rolled over. It never writes.
func (b Budget) AsOf(now time.Time) Budget {
	if b.NeedsReset(now) {
		b.DailySpendUsedCents = 0
	}
	return b
}

func dayStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// Store persists budgets through a caller-supplied Queryer.
type Store struct {
	clock func() time.Time
}

func NewStore() *Store {
	return &Store{clock: time.Now}
}

// WithClock overrides the store's clock.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

const selectBudget = `SELECT agent_id, credits_cents, daily_spend_cents, daily_spend_used_cents, last_reset_at, updated_at FROM budgets WHERE agent_id = ?`

// Create inserts a fresh budget with a zero daily counter.
func (s *Store) Create(ctx context.Context, q store.Queryer, agentID string, creditsCents, dailySpendCents int64) (*Budget, error) {
	if creditsCents < 0 || dailySpendCents < 0 {
		return nil, ErrNegativeAmount
	}
	now := s.clock().UTC()
	_, err := q.ExecContext(ctx,
		`INSERT INTO budgets (agent_id, credits_cents, daily_spend_cents, daily_spend_used_cents, last_reset_at, updated_at)
		 VALUES (?, ?, ?, 0, ?, ?)`,
		agentID, creditsCents, dailySpendCents, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("budget: create: %w", err)
	}
	return &Budget{
		AgentID:         agentID,
		CreditsCents:    creditsCents,
		DailySpendCents: dailySpendCents,
		LastResetAt:     time.UnixMilli(now.UnixMilli()).UTC(),
		UpdatedAt:       time.UnixMilli(now.UnixMilli()).UTC(),
	}, nil
}

// Get loads an agent's budget.
func (s *Store) Get(ctx context.Context, q store.Queryer, agentID string) (*Budget, error) {
	var (
		b                  Budget
		lastReset, updated int64
	)
	err := q.QueryRowContext(ctx, selectBudget, agentID).
		Scan(&b.AgentID, &b.CreditsCents, &b.DailySpendCents, &b.DailySpendUsedCents, &lastReset, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("budget: get: %w", err)
	}
	b.LastResetAt = time.UnixMilli(lastReset).UTC()
	b.UpdatedAt = time.UnixMilli(updated).UTC()
	return &b, nil
}

// Debit removes amount from credits and adds it to the daily counter. It
// fails with ErrInsufficientCredits rather than going below zero.
func (s *Store) Debit(ctx context.Context, q store.Queryer, agentID string, amount int64) (*Budget, error) {
	if amount < 0 {
		return nil, ErrNegativeAmount
	}
	res, err := q.ExecContext(ctx,
		`UPDATE budgets SET credits_cents = credits_cents - ?, daily_spend_used_cents = daily_spend_used_cents + ?, updated_at = ?
		 WHERE agent_id = ? AND credits_cents >= ?`,
		amount, amount, s.clock().UTC().UnixMilli(), agentID, amount)
	if err != nil {
		return nil, fmt.Errorf("budget: debit: %w", err)
	}
	if err := s.expectOne(ctx, q, res, agentID, ErrInsufficientCredits); err != nil {
		return nil, err
	}
	return s.Get(ctx, q, agentID)
}

// Credit adds amount to credits. The daily counter is untouched.
func (s *Store) Credit(ctx context.Context, q store.Queryer, agentID string, amount int64) (*Budget, error) {
	if amount < 0 {
		return nil, ErrNegativeAmount
	}
	res, err := q.ExecContext(ctx,
		`UPDATE budgets SET credits_cents = credits_cents + ?, updated_at = ? WHERE agent_id = ?`,
		amount, s.clock().UTC().UnixMilli(), agentID)
	if err != nil {
		return nil, fmt.Errorf("budget: credit: %w", err)
	}
	if err := s.expectOne(ctx, q, res, agentID, ErrNotFound); err != nil {
		return nil, err
	}
	return s.Get(ctx, q, agentID)
}

// ApplyPenalty removes up to penalty from credits, clamping at zero. It
// returns the amount actually removed.
func (s *Store) ApplyPenalty(ctx context.Context, q store.Queryer, agentID string, penalty int64) (int64, *Budget, error) {
	if penalty < 0 {
		return 0, nil, ErrNegativeAmount
	}
	before, err := s.Get(ctx, q, agentID)
	if err != nil {
		return 0, nil, err
	}
	applied := min(penalty, before.CreditsCents)
	if _, err := q.ExecContext(ctx,
		`UPDATE budgets SET credits_cents = credits_cents - ?, updated_at = ? WHERE agent_id = ?`,
		applied, s.clock().UTC().UnixMilli(), agentID); err != nil {
		return 0, nil, fmt.Errorf("budget: penalty: %w", err)
	}
	after, err := s.Get(ctx, q, agentID)
	if err != nil {
		return 0, nil, err
	}
	return applied, after, nil
}

// Charge records money that has already left: it debits up to amount,
// clamping credits at zero, and adds the full amount to the daily counter.
// Used for settlements where refusing is not an option.
func (s *Store) Charge(ctx context.Context, q store.Queryer, agentID string, amount int64) (int64, *Budget, error) {
	if amount < 0 {
		return 0, nil, ErrNegativeAmount
	}
	before, err := s.Get(ctx, q, agentID)
	if err != nil {
		return 0, nil, err
	}
	applied := min(amount, before.CreditsCents)
	if _, err := q.ExecContext(ctx,
		`UPDATE budgets SET credits_cents = credits_cents - ?, daily_spend_used_cents = daily_spend_used_cents + ?, updated_at = ? WHERE agent_id = ?`,
		applied, amount, s.clock().UTC().UnixMilli(), agentID); err != nil {
		return 0, nil, fmt.Errorf("budget: charge: %w", err)
	}
	after, err := s.Get(ctx, q, agentID)
	if err != nil {
		return 0, nil, err
	}
	return applied, after, nil
}

// SetDailyLimit replaces the daily cap.
func (s *Store) SetDailyLimit(ctx context.Context, q store.Queryer, agentID string, dailySpendCents int64) error {
	if dailySpendCents < 0 {
		return ErrNegativeAmount
	}
	res, err := q.ExecContext(ctx,
		`UPDATE budgets SET daily_spend_cents = ?, updated_at = ? WHERE agent_id = ?`,
		dailySpendCents, s.clock().UTC().UnixMilli(), agentID)
	if err != nil {
		return fmt.Errorf("budget: set daily limit: %w", err)
	}
	return s.expectOne(ctx, q, res, agentID, ErrNotFound)
}

// ResetIfNewDay zeroes the daily counter when the UTC day has rolled over
// since the last reset. It reports the counter value that was cleared and
// whether a reset happened.
func (s *Store) ResetIfNewDay(ctx context.Context, q store.Queryer, agentID string) (int64, bool, error) {
	now := s.clock().UTC()
	b, err := s.Get(ctx, q, agentID)
	if err != nil {
		return 0, false, err
	}
	if !b.NeedsReset(now) {
		return 0, false, nil
	}
	return s.reset(ctx, q, b, now, dayStart(now).UnixMilli())
}

// Reset zeroes the daily counter unconditionally.
func (s *Store) Reset(ctx context.Context, q store.Queryer, agentID string) (int64, error) {
	now := s.clock().UTC()
	b, err := s.Get(ctx, q, agentID)
	if err != nil {
		return 0, err
	}
	cleared, _, err := s.reset(ctx, q, b, now, now.UnixMilli()+1)
	return cleared, err
}

func (s *Store) reset(ctx context.Context, q store.Queryer, b *Budget, now time.Time, before int64) (int64, bool, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE budgets SET daily_spend_used_cents = 0, last_reset_at = ?, updated_at = ? WHERE agent_id = ? AND last_reset_at < ?`,
		now.UnixMilli(), now.UnixMilli(), b.AgentID, before)
	if err != nil {
		return 0, false, fmt.Errorf("budget: reset: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("budget: reset: %w", err)
	}
	return b.DailySpendUsedCents, n > 0, nil
}

// StaleAgents lists agents whose daily counter predates today's UTC midnight.
func (s *Store) StaleAgents(ctx context.Context, q store.Queryer) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT agent_id FROM budgets WHERE last_reset_at < ? ORDER BY agent_id`,
		dayStart(s.clock()).UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("budget: stale agents: %w", err)
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

func (s *Store) expectOne(ctx context.Context, q store.Queryer, res sql.Result, agentID string, otherwise error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("budget: rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}
	if _, err := s.Get(ctx, q, agentID); err != nil {
		return err
	}
	return otherwise
}
