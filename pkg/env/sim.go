package env

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrSimUnavailable is returned by Sim calls while it is failing.
var ErrSimUnavailable = errors.New("env: simulated venue unavailable")

// Sim is an in-memory chain and order book. It backs lite-mode usdc and
// market environments and the tests.
type Sim struct {
	name string

	mu        sync.Mutex
	freshness Freshness
	balances  map[string]int64
	txs       map[string]ChainReceipt
	orders    map[string]OrderUpdate
	failing   bool
}

func NewSim(name string) *Sim {
	return &Sim{
		name:      name,
		freshness: Freshness{Status: Fresh},
		balances:  make(map[string]int64),
		txs:       make(map[string]ChainReceipt),
		orders:    make(map[string]OrderUpdate),
	}
}

func (s *Sim) Name() string { return s.name }

func (s *Sim) Observation(_ context.Context, agentID string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	open := 0
	for _, o := range s.orders {
		if o.Status == OrderOpen {
			open++
		}
	}
	return map[string]any{
		"env":                     s.name,
		"confirmed_balance_cents": s.balances[agentID],
		"open_orders":             open,
	}
}

func (s *Sim) Freshness(_ context.Context) Freshness {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.freshness
}

// SetFreshness forces the reported freshness.
func (s *Sim) SetFreshness(status Status) {
	s.mu.Lock()
	s.freshness.Status = status
	s.mu.Unlock()
}

// SetFailing makes every venue call fail until cleared.
func (s *Sim) SetFailing(failing bool) {
	s.mu.Lock()
	s.failing = failing
	s.mu.Unlock()
}

// SetBalance sets an agent's confirmed on-chain balance.
func (s *Sim) SetBalance(agentID string, cents int64) {
	s.mu.Lock()
	s.balances[agentID] = cents
	s.mu.Unlock()
}

func (s *Sim) ConfirmedBalanceCents(_ context.Context, agentID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return 0, ErrSimUnavailable
	}
	return s.balances[agentID], nil
}

func (s *Sim) BroadcastTransfer(_ context.Context, req TransferRequest) (Broadcast, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return Broadcast{}, ErrSimUnavailable
	}
	hash := "0x" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(req.ClientTransferID)).String()
	if _, seen := s.txs[hash]; !seen {
		s.txs[hash] = ChainReceipt{TxHash: hash}
	}
	return Broadcast{TxHash: hash}, nil
}

// Mine settles a broadcast transaction. The agent's confirmed balance drops
// by amountCents on success.
func (s *Sim) Mine(txHash, agentID string, amountCents int64, success bool, block int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.txs[txHash]; !ok {
		return fmt.Errorf("env: unknown tx %s", txHash)
	}
	s.txs[txHash] = ChainReceipt{TxHash: txHash, Found: true, Success: success, BlockNumber: block}
	if success {
		s.balances[agentID] -= amountCents
	}
	return nil
}

func (s *Sim) TransferStatus(_ context.Context, txHash string) (ChainReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return ChainReceipt{}, ErrSimUnavailable
	}
	return s.txs[txHash], nil
}

func (s *Sim) CreateAndPostOrder(_ context.Context, req OrderRequest) (OrderAck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return OrderAck{}, ErrSimUnavailable
	}
	id := "ord_" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(req.ClientOrderID)).String()
	if _, seen := s.orders[id]; !seen {
		s.orders[id] = OrderUpdate{OrderID: id, Status: OrderOpen}
	}
	return OrderAck{OrderID: id}, nil
}

func (s *Sim) CancelOrder(_ context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return ErrSimUnavailable
	}
	o, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("env: unknown order %s", orderID)
	}
	if o.Status == OrderOpen {
		o.Status = OrderCanceled
		s.orders[orderID] = o
	}
	return nil
}

// Fill marks an open order filled.
func (s *Sim) Fill(orderID string, size float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("env: unknown order %s", orderID)
	}
	o.Status = OrderFilled
	o.FilledSize = size
	s.orders[orderID] = o
	return nil
}

func (s *Sim) OrderStatus(_ context.Context, orderID string) (OrderUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return OrderUpdate{}, ErrSimUnavailable
	}
	o, ok := s.orders[orderID]
	if !ok {
		return OrderUpdate{}, fmt.Errorf("env: unknown order %s", orderID)
	}
	return o, nil
}
