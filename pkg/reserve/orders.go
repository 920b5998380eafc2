package reserve

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/howwee20/Bloom-sub001/pkg/store"
)

// OrderStatus tracks a market order. Open moves exactly once to filled or
// canceled.
type OrderStatus string

const (
	OrderOpen     OrderStatus = "open"
	OrderFilled   OrderStatus = "filled"
	OrderCanceled OrderStatus = "canceled"
)

// Order is a posted prediction-market order. Its cost is held against spend
// power under OrderHoldID until it fills or is canceled.
type Order struct {
	OrderID         string      `json:"order_id"`
	AgentID         string      `json:"agent_id"`
	ClientOrderID   string      `json:"client_order_id"`
	ExternalOrderID string      `json:"external_order_id"`
	MarketID        string      `json:"market_id"`
	Side            string      `json:"side"`
	Price           float64     `json:"price"`
	Size            float64     `json:"size"`
	CostCents       int64       `json:"cost_cents"`
	FilledSize      float64     `json:"filled_size"`
	Status          OrderStatus `json:"status"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// FillCostCents is what size filled units cost, rounded up to the cent and
// capped at the order's reserved cost.
func (o *Order) FillCostCents(size float64) int64 {
	if size <= 0 {
		return 0
	}
	cost := int64(math.Ceil(math.Round(o.Price*size*100*1e6) / 1e6))
	return min(cost, o.CostCents)
}

// OrderHoldID is the auth id of the hold reserving an order's cost.
func OrderHoldID(orderID string) string { return "order:" + orderID }

// CreateOrder records a posted order as open.
func (s *Store) CreateOrder(ctx context.Context, q store.Queryer, o Order) (*Order, error) {
	if o.CostCents <= 0 {
		return nil, ErrInvalidAmount
	}
	now := time.UnixMilli(s.clock().UTC().UnixMilli()).UTC()
	if o.OrderID == "" {
		o.OrderID = uuid.NewString()
	}
	o.Status = OrderOpen
	o.CreatedAt, o.UpdatedAt = now, now
	_, err := q.ExecContext(ctx,
		`INSERT INTO market_orders (order_id, agent_id, client_order_id, external_order_id, market_id, side, price, size, cost_cents, filled_size, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		o.OrderID, o.AgentID, o.ClientOrderID, o.ExternalOrderID, o.MarketID, o.Side, o.Price, o.Size, o.CostCents,
		string(o.Status), now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("reserve: create order: %w", err)
	}
	return &o, nil
}

const selectOrder = `SELECT order_id, agent_id, client_order_id, external_order_id, market_id, side, price, size, cost_cents, filled_size, status, created_at, updated_at FROM market_orders`

func scanOrder(row scanner) (*Order, error) {
	var (
		o                Order
		status           string
		created, updated int64
	)
	if err := row.Scan(&o.OrderID, &o.AgentID, &o.ClientOrderID, &o.ExternalOrderID, &o.MarketID, &o.Side,
		&o.Price, &o.Size, &o.CostCents, &o.FilledSize, &status, &created, &updated); err != nil {
		return nil, err
	}
	o.Status = OrderStatus(status)
	o.CreatedAt = time.UnixMilli(created).UTC()
	o.UpdatedAt = time.UnixMilli(updated).UTC()
	return &o, nil
}

func (s *Store) oneOrder(ctx context.Context, q store.Queryer, where string, arg any) (*Order, error) {
	o, err := scanOrder(q.QueryRowContext(ctx, selectOrder+" WHERE "+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reserve: get order: %w", err)
	}
	return o, nil
}

// GetOrder loads an order by id.
func (s *Store) GetOrder(ctx context.Context, q store.Queryer, orderID string) (*Order, error) {
	return s.oneOrder(ctx, q, "order_id = ?", orderID)
}

// OrderByClientID finds an order by its derived client id.
func (s *Store) OrderByClientID(ctx context.Context, q store.Queryer, clientOrderID string) (*Order, error) {
	return s.oneOrder(ctx, q, "client_order_id = ?", clientOrderID)
}

// OpenOrders lists every open order, oldest first.
func (s *Store) OpenOrders(ctx context.Context, q store.Queryer) ([]Order, error) {
	rows, err := q.QueryContext(ctx, selectOrder+" WHERE status = ? ORDER BY created_at ASC", string(OrderOpen))
	if err != nil {
		return nil, fmt.Errorf("reserve: list open orders: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("reserve: scan order: %w", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// CountOpenOrders counts an agent's open orders.
func (s *Store) CountOpenOrders(ctx context.Context, q store.Queryer, agentID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM market_orders WHERE agent_id = ? AND status = ?`,
		agentID, string(OrderOpen)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("reserve: count open orders: %w", err)
	}
	return n, nil
}

// ResolveOrder moves an open order to filled or canceled.
func (s *Store) ResolveOrder(ctx context.Context, q store.Queryer, orderID string, to OrderStatus, filledSize float64) error {
	res, err := q.ExecContext(ctx,
		`UPDATE market_orders SET status = ?, filled_size = ?, updated_at = ? WHERE order_id = ? AND status = ?`,
		string(to), filledSize, s.clock().UTC().UnixMilli(), orderID, string(OrderOpen))
	if err != nil {
		return fmt.Errorf("reserve: resolve order: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reserve: resolve order: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrOrderNotOpen, orderID)
	}
	return nil
}
