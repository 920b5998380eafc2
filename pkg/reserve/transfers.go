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

// TransferStatus tracks an outgoing transfer until the chain settles it.
type TransferStatus string

const (
	TransferPending   TransferStatus = "pending"
	TransferConfirmed TransferStatus = "confirmed"
	TransferFailed    TransferStatus = "failed"
)

// Transfer is an outgoing on-chain transfer reserved against spend power
// while pending.
type Transfer struct {
	TransferID       string         `json:"transfer_id"`
	AgentID          string         `json:"agent_id"`
	ClientTransferID string         `json:"client_transfer_id"`
	ToAddress        string         `json:"to_address"`
	AmountCents      int64          `json:"amount_cents"`
	TxHash           string         `json:"tx_hash"`
	Status           TransferStatus `json:"status"`
	BlockNumber      int64          `json:"block_number"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// CreateTransfer records a broadcast transfer as pending.
func (s *Store) CreateTransfer(ctx context.Context, q store.Queryer, t Transfer) (*Transfer, error) {
	if t.AmountCents <= 0 {
		return nil, ErrInvalidAmount
	}
	now := time.UnixMilli(s.clock().UTC().UnixMilli()).UTC()
	if t.TransferID == "" {
		t.TransferID = uuid.NewString()
	}
	t.Status = TransferPending
	t.CreatedAt, t.UpdatedAt = now, now
	_, err := q.ExecContext(ctx,
		`INSERT INTO pending_transfers (transfer_id, agent_id, client_transfer_id, to_address, amount_cents, tx_hash, status, block_number, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		t.TransferID, t.AgentID, t.ClientTransferID, t.ToAddress, t.AmountCents, t.TxHash, string(t.Status), now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("reserve: create transfer: %w", err)
	}
	return &t, nil
}

const selectTransfer = `SELECT transfer_id, agent_id, client_transfer_id, to_address, amount_cents, tx_hash, status, block_number, created_at, updated_at FROM pending_transfers`

type scanner interface {
	Scan(dest ...any) error
}

func scanTransfer(row scanner) (*Transfer, error) {
	var (
		t                Transfer
		status           string
		created, updated int64
	)
	if err := row.Scan(&t.TransferID, &t.AgentID, &t.ClientTransferID, &t.ToAddress, &t.AmountCents, &t.TxHash, &status, &t.BlockNumber, &created, &updated); err != nil {
		return nil, err
	}
	t.Status = TransferStatus(status)
	t.CreatedAt = time.UnixMilli(created).UTC()
	t.UpdatedAt = time.UnixMilli(updated).UTC()
	return &t, nil
}

// TransferByClientID finds a transfer by its client-assigned id.
func (s *Store) TransferByClientID(ctx context.Context, q store.Queryer, clientTransferID string) (*Transfer, error) {
	t, err := scanTransfer(q.QueryRowContext(ctx, selectTransfer+" WHERE client_transfer_id = ?", clientTransferID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransferNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reserve: get transfer: %w", err)
	}
	return t, nil
}

// PendingTransfers lists every pending transfer, oldest first.
func (s *Store) PendingTransfers(ctx context.Context, q store.Queryer) ([]Transfer, error) {
	rows, err := q.QueryContext(ctx, selectTransfer+" WHERE status = ? ORDER BY created_at ASC", string(TransferPending))
	if err != nil {
		return nil, fmt.Errorf("reserve: list pending transfers: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("reserve: scan transfer: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// ResolveTransfer moves a pending transfer to confirmed or failed.
func (s *Store) ResolveTransfer(ctx context.Context, q store.Queryer, transferID string, to TransferStatus, blockNumber int64) error {
	res, err := q.ExecContext(ctx,
		`UPDATE pending_transfers SET status = ?, block_number = ?, updated_at = ? WHERE transfer_id = ? AND status = ?`,
		string(to), blockNumber, s.clock().UTC().UnixMilli(), transferID, string(TransferPending))
	if err != nil {
		return fmt.Errorf("reserve: resolve transfer: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reserve: resolve transfer: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrTransferNotPending, transferID)
	}
	return nil
}

// SumPendingTransfers totals an agent's pending outgoing transfers.
func (s *Store) SumPendingTransfers(ctx context.Context, q store.Queryer, agentID string) (int64, error) {
	var total int64
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount_cents), 0) FROM pending_transfers WHERE agent_id = ? AND status = ?`,
		agentID, string(TransferPending)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("reserve: sum transfers: %w", err)
	}
	return total, nil
}
