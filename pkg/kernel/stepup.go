package kernel

import (
	"context"
	"errors"
	"fmt"

	"github.com/howwee20/Bloom-sub001/pkg/ledger"
	"github.com/howwee20/Bloom-sub001/pkg/stepup"
	"github.com/howwee20/Bloom-sub001/pkg/store"
)

// RequestStepUpChallenge opens a human approval challenge for a quote. The
// returned challenge carries the one-time code for out-of-band delivery;
// the code is never written to the ledger.
func (k *Kernel) RequestStepUpChallenge(ctx context.Context, quoteID string) (*stepup.Challenge, error) {
	quote, err := loadQuote(ctx, k.db, quoteID)
	if err != nil {
		return nil, err
	}

	var c *stepup.Challenge
	err = k.agentTx(ctx, quote.AgentID, func(tx *store.Tx) error {
		var err error
		if c, err = k.stepUp.Request(ctx, tx, quote.QuoteID, quote.AgentID); err != nil {
			return err
		}
		_, _, err = k.ledger.Record(ctx, tx,
			ledger.EventInput{AgentID: quote.AgentID, UserID: quote.UserID, Type: ledger.EventStepUpRequested, Payload: map[string]any{
				"challenge_id": c.ChallengeID,
				"quote_id":     c.QuoteID,
				"expires_at":   c.ExpiresAt.UnixMilli(),
			}},
			ledger.ReceiptInput{
				Source:          ledger.SourcePolicy,
				WhatHappened:    fmt.Sprintf("Human approval requested for quote %s.", quote.QuoteID),
				WhyChanged:      "step-up approval required",
				WhatHappensNext: fmt.Sprintf("The challenge expires at %s.", c.ExpiresAt.Format("15:04:05 MST")),
			})
		return err
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ConfirmStepUpChallenge resolves a challenge. Approval returns a token bound
// to the challenge's quote. A wrong code or an expired challenge is
// reported as an error, and the attempt is still recorded.
func (k *Kernel) ConfirmStepUpChallenge(ctx context.Context, challengeID, code string, decision stepup.Decision) (*stepup.Challenge, *stepup.Token, error) {
	pending, _, err := k.stepUp.Get(ctx, k.db, challengeID)
	if err != nil {
		return nil, nil, err
	}
	quote, err := loadQuote(ctx, k.db, pending.QuoteID)
	if err != nil {
		return nil, nil, err
	}

	var (
		c        *stepup.Challenge
		tok      *stepup.Token
		outcome  error
		resolved bool
	)
	err = k.agentTx(ctx, quote.AgentID, func(tx *store.Tx) error {
		c, tok, outcome = k.stepUp.Confirm(ctx, tx, challengeID, code, decision)
		switch {
		case outcome == nil:
		case errors.Is(outcome, stepup.ErrInvalidCode), errors.Is(outcome, stepup.ErrChallengeExpired):
			// the attempt counter and terminal status must persist
		default:
			return outcome
		}
		resolved = c.Status != stepup.Pending
		if !resolved {
			return nil
		}
		_, _, err := k.ledger.Record(ctx, tx,
			ledger.EventInput{AgentID: quote.AgentID, UserID: quote.UserID, Type: ledger.EventStepUpResolved, Payload: map[string]any{
				"challenge_id": c.ChallengeID,
				"quote_id":     c.QuoteID,
				"status":       string(c.Status),
				"attempts":     c.Attempts,
			}},
			ledger.ReceiptInput{
				Source:          ledger.SourcePolicy,
				WhatHappened:    fmt.Sprintf("Step-up challenge for quote %s was %s.", c.QuoteID, c.Status),
				WhyChanged:      "human decision",
				WhatHappensNext: stepUpNext(c.Status),
			})
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	if outcome != nil {
		return c, nil, outcome
	}
	return c, tok, nil
}

func stepUpNext(s stepup.Status) string {
	if s == stepup.Approved {
		return "The quote may be executed with the issued token before it expires."
	}
	return "The quote cannot be executed without a new approval."
}
