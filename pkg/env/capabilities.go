package env

import "context"

// TransferRequest asks a signer to send funds on chain.
type TransferRequest struct {
	ClientTransferID string `json:"client_transfer_id"`
	AgentID          string `json:"agent_id"`
	ToAddress        string `json:"to_address"`
	AmountCents      int64  `json:"amount_cents"`
}

// Broadcast identifies a submitted transaction.
type Broadcast struct {
	TxHash string `json:"tx_hash"`
}

// Broadcaster signs and broadcasts transfers. Custody stays with the
// implementation.
type Broadcaster interface {
	BroadcastTransfer(ctx context.Context, req TransferRequest) (Broadcast, error)
}

// ChainReceipt is the chain's view of a transaction.
type ChainReceipt struct {
	TxHash      string `json:"tx_hash"`
	Found       bool   `json:"found"`
	Success     bool   `json:"success"`
	BlockNumber int64  `json:"block_number"`
}

// ChainFeed reports the outcome of submitted transactions.
type ChainFeed interface {
	TransferStatus(ctx context.Context, txHash string) (ChainReceipt, error)
}

// OrderRequest describes a limit order for a prediction market.
type OrderRequest struct {
	ClientOrderID string  `json:"client_order_id"`
	MarketID      string  `json:"market_id"`
	Side          string  `json:"side"`
	Price         float64 `json:"price"`
	Size          float64 `json:"size"`
}

// OrderAck identifies an accepted order.
type OrderAck struct {
	OrderID string `json:"order_id"`
}

// OrderClient posts and cancels orders.
type OrderClient interface {
	CreateAndPostOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	CancelOrder(ctx context.Context, orderID string) error
}

// OrderState is an exchange-side order state.
type OrderState string

const (
	OrderOpen     OrderState = "open"
	OrderFilled   OrderState = "filled"
	OrderCanceled OrderState = "canceled"
)

// OrderUpdate is the exchange's view of an order.
type OrderUpdate struct {
	OrderID    string     `json:"order_id"`
	Status     OrderState `json:"status"`
	FilledSize float64    `json:"filled_size"`
}

// OrderFeed reports order fills and cancels.
type OrderFeed interface {
	OrderStatus(ctx context.Context, orderID string) (OrderUpdate, error)
}
