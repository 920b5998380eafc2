package driver

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/howwee20/Bloom-sub001/pkg/contracts"
	"github.com/howwee20/Bloom-sub001/pkg/env"
	"github.com/howwee20/Bloom-sub001/pkg/ledger"
	"github.com/howwee20/Bloom-sub001/pkg/money"
	"github.com/howwee20/Bloom-sub001/pkg/reserve"
)

const IntentUSDCTransfer = "usdc.transfer"

var addressPattern = regexp.MustCompile(`^0x[0-9a-f]{40}$`)

// USDCTransfer sends USDC on chain. ClientTransferID is optional; when empty
// each quote gets its own derived id.
type USDCTransfer struct {
	Type             string `json:"type"`
	ToAddress        string `json:"to_address"`
	AmountCents      int64  `json:"amount_cents"`
	ClientTransferID string `json:"client_transfer_id"`
}

// USDC broadcasts on-chain transfers through the environment's Broadcaster.
// Credits are charged when the chain confirms; until then the transfer is
// reserved against spend power.
type USDC struct{}

func NewUSDC() *USDC { return &USDC{} }

func (*USDC) Name() string { return "usdc" }

func (*USDC) Supports(intentType string) bool { return intentType == IntentUSDCTransfer }

func (*USDC) Schemas() map[string]string {
	return map[string]string{IntentUSDCTransfer: `{
		"type": "object",
		"properties": {
			"to_address": {"type": "string"},
			"amount_cents": {"type": ["number", "string"]},
			"client_transfer_id": {"type": "string", "maxLength": 128},
			"nonce": {"type": ["string", "number"]}
		}
	}`}
}

func (*USDC) NormalizeIntent(intentType string, raw map[string]any) (any, error) {
	addr, err := requiredText(raw, "to_address")
	if err != nil {
		return nil, err
	}
	addr = strings.ToLower(addr)
	if !addressPattern.MatchString(addr) {
		return nil, reject(contracts.ReasonInvalidAddress, "to_address %q is not a 20-byte hex address", addr)
	}
	amount, err := positiveCents(raw, "amount_cents")
	if err != nil {
		return nil, err
	}
	supplied, err := text(raw, "client_transfer_id")
	if err != nil {
		return nil, err
	}
	return &USDCTransfer{Type: intentType, ToAddress: addr, AmountCents: amount, ClientTransferID: supplied}, nil
}

func (*USDC) IntentCost(intent any) Cost {
	return Cost{TransferCents: intent.(*USDCTransfer).AmountCents}
}

func (*USDC) PreConstraints(ctx context.Context, cc *CheckContext) (contracts.Decision, error) {
	in := cc.Intent.(*USDCTransfer)
	if _, ok := env.As[env.Broadcaster](cc.Env); !ok {
		return contracts.Deny(contracts.ReasonUnsupportedIntent), nil
	}
	if ok, reason := cc.Policy.AddressAllowed(in.ToAddress); !ok {
		return contracts.Deny(reason), nil
	}
	id, err := clientID("ctid_", cc.AgentID, cc.IdempotencyKey, in.ClientTransferID)
	if err != nil {
		return contracts.Decision{}, err
	}
	_, err = cc.Reserves.TransferByClientID(ctx, cc.Q, id)
	switch {
	case err == nil:
		return contracts.Decision{Allowed: true, Replay: true}, nil
	case !errors.Is(err, reserve.ErrTransferNotFound):
		return contracts.Decision{}, err
	}
	return contracts.Allow(), nil
}

func (*USDC) PostBudgetConstraints(ctx context.Context, cc *CheckContext) (contracts.Decision, error) {
	return CheckAffordable(ctx, cc)
}

func (*USDC) Execute(ctx context.Context, ec *ExecContext) (Result, error) {
	in := ec.Intent.(*USDCTransfer)
	id, err := clientID("ctid_", ec.AgentID, ec.Quote.IdempotencyKey, in.ClientTransferID)
	if err != nil {
		return Result{}, err
	}
	prior, err := ec.Reserves.TransferByClientID(ctx, ec.Tx, id)
	if err == nil {
		return Result{ExternalRef: prior.TxHash, Replay: true}, nil
	}
	if !errors.Is(err, reserve.ErrTransferNotFound) {
		return Result{}, err
	}

	b, ok := env.As[env.Broadcaster](ec.Env)
	if !ok {
		return Result{}, contracts.Reject(contracts.ReasonUnsupportedIntent)
	}
	sent, err := b.BroadcastTransfer(ctx, env.TransferRequest{
		ClientTransferID: id,
		AgentID:          ec.AgentID,
		ToAddress:        in.ToAddress,
		AmountCents:      in.AmountCents,
	})
	if err != nil {
		return Result{}, &contracts.ReasonError{Reason: contracts.ReasonBroadcastFailed, Err: err}
	}

	t, err := ec.Reserves.CreateTransfer(ctx, ec.Tx, reserve.Transfer{
		AgentID:          ec.AgentID,
		ClientTransferID: id,
		ToAddress:        in.ToAddress,
		AmountCents:      in.AmountCents,
		TxHash:           sent.TxHash,
	})
	if err != nil {
		return Result{}, err
	}
	_, err = ec.Emit(ctx, ledger.EventTransferSubmitted, map[string]any{
		"exec_id":            ec.ExecID,
		"transfer_id":        t.TransferID,
		"client_transfer_id": t.ClientTransferID,
		"to_address":         t.ToAddress,
		"amount_cents":       t.AmountCents,
		"tx_hash":            t.TxHash,
	},
		fmt.Sprintf("Broadcast a %s USDC transfer to %s (tx %s).", money.Format(t.AmountCents), t.ToAddress, t.TxHash),
		"The transfer was quoted, allowed and signed by the environment.",
		"The amount stays reserved until the chain confirms or fails the transaction.")
	if err != nil {
		return Result{}, err
	}
	return Result{ExternalRef: sent.TxHash}, nil
}
