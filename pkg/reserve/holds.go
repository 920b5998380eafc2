// Package reserve tracks reservations against spend power: card and market
// holds, and outgoing transfers awaiting confirmation.
package reserve

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/howwee20/Bloom-sub001/pkg/store"
)

var (
	ErrHoldNotFound       = errors.New("reserve: hold not found")
	ErrHoldNotPending     = errors.New("reserve: hold is not pending")
	ErrDuplicateHold      = errors.New("reserve: hold already exists for auth id")
	ErrTransferNotFound   = errors.New("reserve: transfer not found")
	ErrTransferNotPending = errors.New("reserve: transfer is not pending")
	ErrOrderNotFound      = errors.New("reserve: order not found")
	ErrOrderNotOpen       = errors.New("reserve: order is not open")
	ErrInvalidAmount      = errors.New("reserve: amount must be positive")
)

// Reason returns the stable reason for hold state errors.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrHoldNotPending):
		return "hold_not_pending"
	case errors.Is(err, ErrHoldNotFound):
		return "hold_not_found"
	}
	return ""
}

// HoldStatus is a hold's lifecycle state. Pending moves exactly once to
// settled or released.
type HoldStatus string

const (
	HoldPending  HoldStatus = "pending"
	HoldSettled  HoldStatus = "settled"
	HoldReleased HoldStatus = "released"
)

// Hold sources.
const (
	SourceCard   = "card"
	SourceMarket = "market"
	SourceAdmin  = "admin"
)

// Hold reserves spend power pending settlement or release.
type Hold struct {
	HoldID      string     `json:"hold_id"`
	AgentID     string     `json:"agent_id"`
	AuthID      string     `json:"auth_id"`
	AmountCents int64      `json:"amount_cents"`
	Status      HoldStatus `json:"status"`
	Source      string     `json:"source"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Store persists holds and pending transfers.
type Store struct {
	clock func() time.Time
}

func NewStore() *Store {
	return &Store{clock: time.Now}
}

func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// CreateHold inserts a pending hold. auth_id is unique.
func (s *Store) CreateHold(ctx context.Context, q store.Queryer, agentID, authID string, amountCents int64, source string) (*Hold, error) {
	if amountCents <= 0 {
		return nil, ErrInvalidAmount
	}
	now := time.UnixMilli(s.clock().UTC().UnixMilli()).UTC()
	h := &Hold{
		HoldID:      uuid.NewString(),
		AgentID:     agentID,
		AuthID:      authID,
		AmountCents: amountCents,
		Status:      HoldPending,
		Source:      source,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO card_holds (hold_id, agent_id, auth_id, amount_cents, status, source, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		h.HoldID, h.AgentID, h.AuthID, h.AmountCents, string(h.Status), h.Source, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		if store.IsUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateHold, authID)
		}
		return nil, fmt.Errorf("reserve: create hold: %w", err)
	}
	return h, nil
}

// GetHold loads a hold by auth id.
func (s *Store) GetHold(ctx context.Context, q store.Queryer, authID string) (*Hold, error) {
	var (
		h                Hold
		status           string
		created, updated int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT hold_id, agent_id, auth_id, amount_cents, status, source, created_at, updated_at FROM card_holds WHERE auth_id = ?`,
		authID).Scan(&h.HoldID, &h.AgentID, &h.AuthID, &h.AmountCents, &status, &h.Source, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrHoldNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reserve: get hold: %w", err)
	}
	h.Status = HoldStatus(status)
	h.CreatedAt = time.UnixMilli(created).UTC()
	h.UpdatedAt = time.UnixMilli(updated).UTC()
	return &h, nil
}

// Settle moves a pending hold to settled.
func (s *Store) Settle(ctx context.Context, q store.Queryer, authID string) (*Hold, error) {
	return s.transition(ctx, q, authID, HoldSettled)
}

// Release moves a pending hold to released.
func (s *Store) Release(ctx context.Context, q store.Queryer, authID string) (*Hold, error) {
	return s.transition(ctx, q, authID, HoldReleased)
}

// transition is a compare-and-set on status, so two racing callers cannot
// both succeed.
func (s *Store) transition(ctx context.Context, q store.Queryer, authID string, to HoldStatus) (*Hold, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE card_holds SET status = ?, updated_at = ? WHERE auth_id = ? AND status = ?`,
		string(to), s.clock().UTC().UnixMilli(), authID, string(HoldPending))
	if err != nil {
		return nil, fmt.Errorf("reserve: transition hold: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("reserve: transition hold: %w", err)
	}
	h, err := s.GetHold(ctx, q, authID)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return h, fmt.Errorf("%w: %s is %s", ErrHoldNotPending, authID, h.Status)
	}
	return h, nil
}

// SumPendingHolds totals an agent's pending holds.
func (s *Store) SumPendingHolds(ctx context.Context, q store.Queryer, agentID string) (int64, error) {
	var total int64
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount_cents), 0) FROM card_holds WHERE agent_id = ? AND status = ?`,
		agentID, string(HoldPending)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("reserve: sum holds: %w", err)
	}
	return total, nil
}
