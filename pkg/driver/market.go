package driver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/howwee20/Bloom-sub001/pkg/contracts"
	"github.com/howwee20/Bloom-sub001/pkg/env"
	"github.com/howwee20/Bloom-sub001/pkg/ledger"
	"github.com/howwee20/Bloom-sub001/pkg/money"
	"github.com/howwee20/Bloom-sub001/pkg/reserve"
)

const (
	IntentPlaceOrder  = "market.place_order"
	IntentCancelOrder = "market.cancel_order"
)

// PlaceOrder is a limit order on a prediction market. Price is a
// probability in (0, 1].
type PlaceOrder struct {
	Type          string  `json:"type"`
	MarketID      string  `json:"market_id"`
	Side          string  `json:"side"`
	Price         float64 `json:"price"`
	Size          float64 `json:"size"`
	ClientOrderID string  `json:"client_order_id"`
}

// CostCents is price times size in cents, rounded up.
func (o *PlaceOrder) CostCents() int64 {
	return int64(math.Ceil(math.Round(o.Price*o.Size*100*1e6) / 1e6))
}

// CancelOrder cancels an order placed by the same agent.
type CancelOrder struct {
	Type    string `json:"type"`
	OrderID string `json:"order_id"`
}

// Market places and cancels orders through the environment's OrderClient.
// An order's cost is held against spend power until it fills or is canceled.
type Market struct{}

func NewMarket() *Market { return &Market{} }

func (*Market) Name() string { return "market" }

func (*Market) Supports(intentType string) bool {
	return intentType == IntentPlaceOrder || intentType == IntentCancelOrder
}

func (*Market) Schemas() map[string]string {
	return map[string]string{
		IntentPlaceOrder: `{
			"type": "object",
			"properties": {
				"market_id": {"type": "string", "maxLength": 128},
				"side": {"type": "string"},
				"price": {"type": ["number", "string"]},
				"size": {"type": ["number", "string"]},
				"client_order_id": {"type": "string", "maxLength": 128},
				"nonce": {"type": ["string", "number"]}
			}
		}`,
		IntentCancelOrder: `{
			"type": "object",
			"properties": {
				"order_id": {"type": "string"}
			}
		}`,
	}
}

func (*Market) NormalizeIntent(intentType string, raw map[string]any) (any, error) {
	if intentType == IntentCancelOrder {
		id, err := requiredText(raw, "order_id")
		if err != nil {
			return nil, err
		}
		return &CancelOrder{Type: intentType, OrderID: id}, nil
	}

	marketID, err := requiredText(raw, "market_id")
	if err != nil {
		return nil, err
	}
	side, err := requiredText(raw, "side")
	if err != nil {
		return nil, err
	}
	side = strings.ToLower(side)
	if side != "buy" && side != "sell" {
		return nil, reject(contracts.ReasonInvalidSide, "side must be buy or sell, got %q", side)
	}
	price, err := number(raw, "price", contracts.ReasonInvalidPrice)
	if err != nil {
		return nil, err
	}
	if price <= 0 || price > 1 {
		return nil, reject(contracts.ReasonInvalidPrice, "price %v outside (0, 1]", price)
	}
	size, err := number(raw, "size", contracts.ReasonInvalidSize)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, reject(contracts.ReasonInvalidSize, "size %v must be positive", size)
	}
	o := &PlaceOrder{Type: intentType, MarketID: marketID, Side: side, Price: price, Size: size}
	if o.CostCents() <= 0 {
		return nil, reject(contracts.ReasonInvalidSize, "order costs less than one cent")
	}

	if o.ClientOrderID, err = text(raw, "client_order_id"); err != nil {
		return nil, err
	}
	return o, nil
}

func (*Market) IntentCost(intent any) Cost {
	if o, ok := intent.(*PlaceOrder); ok {
		return Cost{TransferCents: o.CostCents()}
	}
	return Cost{}
}

func (*Market) PreConstraints(ctx context.Context, cc *CheckContext) (contracts.Decision, error) {
	if _, ok := env.As[env.OrderClient](cc.Env); !ok {
		return contracts.Deny(contracts.ReasonUnsupportedIntent), nil
	}
	switch in := cc.Intent.(type) {
	case *PlaceOrder:
		id, err := clientID("coid_", cc.AgentID, cc.IdempotencyKey, in.ClientOrderID)
		if err != nil {
			return contracts.Decision{}, err
		}
		_, err = cc.Reserves.OrderByClientID(ctx, cc.Q, id)
		if err == nil {
			return contracts.Decision{Allowed: true, Replay: true}, nil
		}
		if !errors.Is(err, reserve.ErrOrderNotFound) {
			return contracts.Decision{}, err
		}
		if cc.Policy != nil && cc.Policy.MaxOpenOrders > 0 {
			n, err := cc.Reserves.CountOpenOrders(ctx, cc.Q, cc.AgentID)
			if err != nil {
				return contracts.Decision{}, err
			}
			if n >= cc.Policy.MaxOpenOrders {
				return contracts.Deny(contracts.ReasonMaxOpenOrders), nil
			}
		}
		return contracts.Allow(), nil
	case *CancelOrder:
		o, err := cc.Reserves.GetOrder(ctx, cc.Q, in.OrderID)
		if errors.Is(err, reserve.ErrOrderNotFound) || (err == nil && o.AgentID != cc.AgentID) {
			return contracts.Deny(contracts.ReasonOrderNotFound), nil
		}
		if err != nil {
			return contracts.Decision{}, err
		}
		if o.Status != reserve.OrderOpen {
			return contracts.Decision{Allowed: true, Replay: true}, nil
		}
		return contracts.Allow(), nil
	}
	return contracts.Deny(contracts.ReasonInvalidIntent), nil
}

func (*Market) PostBudgetConstraints(ctx context.Context, cc *CheckContext) (contracts.Decision, error) {
	if _, ok := cc.Intent.(*PlaceOrder); !ok {
		return contracts.Allow(), nil
	}
	return CheckAffordable(ctx, cc)
}

func (m *Market) Execute(ctx context.Context, ec *ExecContext) (Result, error) {
	client, ok := env.As[env.OrderClient](ec.Env)
	if !ok {
		return Result{}, contracts.Reject(contracts.ReasonUnsupportedIntent)
	}
	switch in := ec.Intent.(type) {
	case *PlaceOrder:
		return m.place(ctx, ec, client, in)
	case *CancelOrder:
		return m.cancel(ctx, ec, client, in)
	}
	return Result{}, contracts.Reject(contracts.ReasonInvalidIntent)
}

func (*Market) place(ctx context.Context, ec *ExecContext, client env.OrderClient, in *PlaceOrder) (Result, error) {
	id, err := clientID("coid_", ec.AgentID, ec.Quote.IdempotencyKey, in.ClientOrderID)
	if err != nil {
		return Result{}, err
	}
	prior, err := ec.Reserves.OrderByClientID(ctx, ec.Tx, id)
	if err == nil {
		return Result{ExternalRef: prior.OrderID, Replay: true}, nil
	}
	if !errors.Is(err, reserve.ErrOrderNotFound) {
		return Result{}, err
	}

	ack, err := client.CreateAndPostOrder(ctx, env.OrderRequest{
		ClientOrderID: id,
		MarketID:      in.MarketID,
		Side:          in.Side,
		Price:         in.Price,
		Size:          in.Size,
	})
	if err != nil {
		return Result{}, &contracts.ReasonError{Reason: contracts.ReasonOrderPostFailed, Err: err}
	}

	cost := in.CostCents()
	o, err := ec.Reserves.CreateOrder(ctx, ec.Tx, reserve.Order{
		AgentID:         ec.AgentID,
		ClientOrderID:   id,
		ExternalOrderID: ack.OrderID,
		MarketID:        in.MarketID,
		Side:            in.Side,
		Price:           in.Price,
		Size:            in.Size,
		CostCents:       cost,
	})
	if err != nil {
		return Result{}, err
	}
	h, err := ec.Reserves.CreateHold(ctx, ec.Tx, ec.AgentID, reserve.OrderHoldID(o.OrderID), cost, reserve.SourceMarket)
	if err != nil {
		return Result{}, err
	}

	_, err = ec.Emit(ctx, ledger.EventOrderPlaced, map[string]any{
		"exec_id":           ec.ExecID,
		"order_id":          o.OrderID,
		"external_order_id": o.ExternalOrderID,
		"client_order_id":   o.ClientOrderID,
		"market_id":         o.MarketID,
		"side":              o.Side,
		"price":             o.Price,
		"size":              o.Size,
		"cost_cents":        cost,
	},
		fmt.Sprintf("Placed a %s order for %g at %g on %s.", o.Side, o.Size, o.Price, o.MarketID),
		"The order was quoted, allowed and accepted by the exchange.",
		"It stays open until it fills or is canceled.")
	if err != nil {
		return Result{}, err
	}
	_, err = ec.Emit(ctx, ledger.EventHoldCreated, map[string]any{
		"hold_id":      h.HoldID,
		"auth_id":      h.AuthID,
		"amount_cents": h.AmountCents,
		"source":       h.Source,
	},
		fmt.Sprintf("Reserved %s for the open order.", money.Format(cost)),
		"Open orders hold their full cost against spend power.",
		"The hold settles on fill or is released on cancel.")
	if err != nil {
		return Result{}, err
	}
	return Result{ExternalRef: o.OrderID}, nil
}

func (*Market) cancel(ctx context.Context, ec *ExecContext, client env.OrderClient, in *CancelOrder) (Result, error) {
	o, err := ec.Reserves.GetOrder(ctx, ec.Tx, in.OrderID)
	if errors.Is(err, reserve.ErrOrderNotFound) || (err == nil && o.AgentID != ec.AgentID) {
		return Result{}, contracts.Reject(contracts.ReasonOrderNotFound)
	}
	if err != nil {
		return Result{}, err
	}
	if o.Status != reserve.OrderOpen {
		return Result{ExternalRef: o.OrderID, Replay: true}, nil
	}

	if err := client.CancelOrder(ctx, o.ExternalOrderID); err != nil {
		return Result{}, &contracts.ReasonError{Reason: contracts.ReasonCancelFailed, Err: err}
	}
	if err := ec.Reserves.ResolveOrder(ctx, ec.Tx, o.OrderID, reserve.OrderCanceled, 0); err != nil {
		return Result{}, err
	}
	h, err := ec.Reserves.Release(ctx, ec.Tx, reserve.OrderHoldID(o.OrderID))
	if err != nil {
		return Result{}, err
	}

	_, err = ec.Emit(ctx, ledger.EventOrderCanceled, map[string]any{
		"exec_id":           ec.ExecID,
		"order_id":          o.OrderID,
		"external_order_id": o.ExternalOrderID,
	},
		fmt.Sprintf("Canceled order %s on %s.", o.OrderID, o.MarketID),
		"The agent asked to cancel an open order.",
		"No further fills will be accepted for it.")
	if err != nil {
		return Result{}, err
	}
	_, err = ec.Emit(ctx, ledger.EventHoldReleased, map[string]any{
		"hold_id":      h.HoldID,
		"auth_id":      h.AuthID,
		"amount_cents": h.AmountCents,
	},
		fmt.Sprintf("Released the %s hold for the canceled order.", money.Format(h.AmountCents)),
		"A canceled order no longer reserves spend power.",
		"Spend power is restored.")
	if err != nil {
		return Result{}, err
	}
	return Result{ExternalRef: o.OrderID}, nil
}
