package env

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/howwee20/Bloom-sub001/pkg/store"
)

// HealthStore persists per-environment freshness markers.
type HealthStore struct {
	clock func() time.Time
}

func NewHealthStore() *HealthStore {
	return &HealthStore{clock: time.Now}
}

func (h *HealthStore) WithClock(clock func() time.Time) *HealthStore {
	h.clock = clock
	return h
}

// MarkTick records a reconciliation pass. A successful pass also advances
// last_ok_at and marks the environment fresh; a failed one marks it stale.
func (h *HealthStore) MarkTick(ctx context.Context, q store.Queryer, envName string, ok bool, detail string) error {
	now := h.clock().UTC().UnixMilli()
	status := Stale
	lastOK := int64(0)
	if ok {
		status = Fresh
		lastOK = now
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO env_health (env_name, status, last_ok_at, last_tick_at, detail, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (env_name) DO UPDATE SET
			status = EXCLUDED.status,
			last_ok_at = CASE WHEN EXCLUDED.last_ok_at > 0 THEN EXCLUDED.last_ok_at ELSE env_health.last_ok_at END,
			last_tick_at = EXCLUDED.last_tick_at,
			detail = EXCLUDED.detail,
			updated_at = EXCLUDED.updated_at`,
		envName, string(status), lastOK, now, detail, now)
	if err != nil {
		return fmt.Errorf("env: mark tick: %w", err)
	}
	return nil
}

// Force overrides an environment's status, keeping its timestamps.
func (h *HealthStore) Force(ctx context.Context, q store.Queryer, envName string, status Status, detail string) error {
	now := h.clock().UTC().UnixMilli()
	_, err := q.ExecContext(ctx,
		`INSERT INTO env_health (env_name, status, last_ok_at, last_tick_at, detail, updated_at)
		 VALUES (?, ?, 0, 0, ?, ?)
		 ON CONFLICT (env_name) DO UPDATE SET status = EXCLUDED.status, detail = EXCLUDED.detail, updated_at = EXCLUDED.updated_at`,
		envName, string(status), detail, now)
	if err != nil {
		return fmt.Errorf("env: force status: %w", err)
	}
	return nil
}

// Get returns the stored marker. A missing row is Unknown.
func (h *HealthStore) Get(ctx context.Context, q store.Queryer, envName string) (Freshness, error) {
	var (
		status       string
		lastOK, tick int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT status, last_ok_at, last_tick_at FROM env_health WHERE env_name = ?`, envName,
	).Scan(&status, &lastOK, &tick)
	if errors.Is(err, sql.ErrNoRows) {
		return Freshness{Status: Unknown}, nil
	}
	if err != nil {
		return Freshness{Status: Unknown}, fmt.Errorf("env: get health: %w", err)
	}
	f := Freshness{Status: Status(status)}
	if lastOK > 0 {
		f.LastOKAt = time.UnixMilli(lastOK).UTC()
	}
	if tick > 0 {
		f.LastTickAt = time.UnixMilli(tick).UTC()
	}
	return f, nil
}

// Tracked decorates an environment so that its freshness comes from the
// health table: stale once the last good observation is older than maxAge,
// unknown when nothing was ever observed or the table cannot be read.
type Tracked struct {
	base   Environment
	db     store.Queryer
	health *HealthStore
	maxAge time.Duration
	logger *slog.Logger
}

func NewTracked(base Environment, db store.Queryer, health *HealthStore, maxAge time.Duration) *Tracked {
	return &Tracked{
		base:   base,
		db:     db,
		health: health,
		maxAge: maxAge,
		logger: slog.Default().With("component", "env", "env", base.Name()),
	}
}

func (t *Tracked) Name() string { return t.base.Name() }

func (t *Tracked) Unwrap() Environment { return t.base }

func (t *Tracked) Observation(ctx context.Context, agentID string) map[string]any {
	return t.base.Observation(ctx, agentID)
}

func (t *Tracked) Freshness(ctx context.Context) Freshness {
	f, err := t.health.Get(ctx, t.db, t.base.Name())
	if err != nil {
		t.logger.WarnContext(ctx, "health lookup failed", "error", err)
		return Freshness{Status: Unknown}
	}
	if f.Status == Fresh && t.maxAge > 0 && t.health.clock().Sub(f.LastOKAt) > t.maxAge {
		f.Status = Stale
	}
	return f
}
