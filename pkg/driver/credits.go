package driver

import (
	"context"
	"errors"
	"fmt"

	"github.com/howwee20/Bloom-sub001/pkg/budget"
	"github.com/howwee20/Bloom-sub001/pkg/contracts"
	"github.com/howwee20/Bloom-sub001/pkg/ledger"
	"github.com/howwee20/Bloom-sub001/pkg/money"
)

const IntentCreditsTransfer = "credits.transfer"

// CreditsTransfer moves internal credits to another agent.
type CreditsTransfer struct {
	Type        string `json:"type"`
	ToAgentID   string `json:"to_agent_id"`
	AmountCents int64  `json:"amount_cents"`
	Memo        string `json:"memo,omitempty"`
}

// Credits is the internal credit transfer driver.
type Credits struct{}

func NewCredits() *Credits { return &Credits{} }

func (*Credits) Name() string { return "credits" }

func (*Credits) Supports(intentType string) bool { return intentType == IntentCreditsTransfer }

func (*Credits) Schemas() map[string]string {
	return map[string]string{IntentCreditsTransfer: `{
		"type": "object",
		"properties": {
			"to_agent_id": {"type": "string"},
			"amount_cents": {"type": ["number", "string"]},
			"memo": {"type": "string", "maxLength": 280}
		}
	}`}
}

func (*Credits) NormalizeIntent(intentType string, raw map[string]any) (any, error) {
	to, err := requiredText(raw, "to_agent_id")
	if err != nil {
		return nil, err
	}
	amount, err := positiveCents(raw, "amount_cents")
	if err != nil {
		return nil, err
	}
	memo, err := text(raw, "memo")
	if err != nil {
		return nil, err
	}
	return &CreditsTransfer{Type: intentType, ToAgentID: to, AmountCents: amount, Memo: memo}, nil
}

func (*Credits) IntentCost(intent any) Cost {
	return Cost{TransferCents: intent.(*CreditsTransfer).AmountCents}
}

func (*Credits) LockAgents(intent any) []string {
	return []string{intent.(*CreditsTransfer).ToAgentID}
}

func (*Credits) PreConstraints(ctx context.Context, cc *CheckContext) (contracts.Decision, error) {
	in := cc.Intent.(*CreditsTransfer)
	if in.ToAgentID == cc.AgentID {
		return contracts.Deny(contracts.ReasonInvalidRecipient), nil
	}
	if ok, reason := cc.Policy.AgentAllowed(in.ToAgentID); !ok {
		return contracts.Deny(reason), nil
	}
	_, status, err := lookupAgent(ctx, cc.Q, in.ToAgentID)
	if err != nil {
		if reason := contracts.ReasonFor(err, ""); reason != "" {
			return contracts.Deny(reason), nil
		}
		return contracts.Decision{}, err
	}
	if status == contracts.AgentDead {
		return contracts.Deny(contracts.ReasonInvalidRecipient), nil
	}
	return contracts.Allow(), nil
}

func (*Credits) PostBudgetConstraints(ctx context.Context, cc *CheckContext) (contracts.Decision, error) {
	return CheckAffordable(ctx, cc)
}

func (*Credits) Execute(ctx context.Context, ec *ExecContext) (Result, error) {
	in := ec.Intent.(*CreditsTransfer)
	toUser, status, err := lookupAgent(ctx, ec.Tx, in.ToAgentID)
	if err != nil {
		return Result{}, err
	}
	if status == contracts.AgentDead {
		return Result{}, contracts.Reject(contracts.ReasonInvalidRecipient)
	}

	sender, err := ec.Budgets.Debit(ctx, ec.Tx, ec.AgentID, in.AmountCents)
	if err != nil {
		if errors.Is(err, budget.ErrInsufficientCredits) {
			return Result{}, &contracts.ReasonError{Reason: contracts.ReasonInsufficientCredits, Err: err}
		}
		return Result{}, err
	}
	recipient, err := ec.Budgets.Credit(ctx, ec.Tx, in.ToAgentID, in.AmountCents)
	if err != nil {
		return Result{}, err
	}

	amount := money.Format(in.AmountCents)
	_, err = ec.Emit(ctx, ledger.EventCreditsDebited, map[string]any{
		"exec_id":       ec.ExecID,
		"to_agent_id":   in.ToAgentID,
		"amount_cents":  in.AmountCents,
		"credits_cents": sender.CreditsCents,
		"memo":          in.Memo,
	},
		fmt.Sprintf("Sent %s in credits to %s.", amount, in.ToAgentID),
		"The transfer was quoted, allowed and executed.",
		fmt.Sprintf("Remaining credits: %s.", money.Format(sender.CreditsCents)))
	if err != nil {
		return Result{}, err
	}
	_, err = ec.EmitFor(ctx, in.ToAgentID, toUser, ledger.EventCreditsCredited, map[string]any{
		"exec_id":       ec.ExecID,
		"from_agent_id": ec.AgentID,
		"amount_cents":  in.AmountCents,
		"credits_cents": recipient.CreditsCents,
		"memo":          in.Memo,
	},
		fmt.Sprintf("Received %s in credits from %s.", amount, ec.AgentID),
		"Another agent executed a credit transfer to this agent.",
		fmt.Sprintf("Credits now %s.", money.Format(recipient.CreditsCents)))
	if err != nil {
		return Result{}, err
	}
	return Result{}, nil
}
