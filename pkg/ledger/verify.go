package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/howwee20/Bloom-sub001/pkg/store"
)

// IssueKind classifies a verification failure.
type IssueKind string

const (
	IssueHashMismatch  IssueKind = "hash_mismatch"
	IssueBrokenLink    IssueKind = "broken_link"
	IssueSequenceGap   IssueKind = "sequence_gap"
	IssueOrphanReceipt IssueKind = "orphan_receipt"
)

// Issue is one integrity finding.
type Issue struct {
	Kind      IssueKind `json:"kind"`
	EventID   string    `json:"event_id,omitempty"`
	ReceiptID string    `json:"receipt_id,omitempty"`
	Seq       int64     `json:"seq,omitempty"`
	Detail    string    `json:"detail"`
}

// Report is the result of replaying an agent's history.
type Report struct {
	AgentID  string  `json:"agent_id"`
	Events   int     `json:"events"`
	Receipts int     `json:"receipts"`
	Head     string  `json:"head,omitempty"`
	Valid    bool    `json:"valid"`
	Issues   []Issue `json:"issues,omitempty"`
}

// Err returns ErrChainBroken wrapped with the first issue, or nil.
func (r *Report) Err() error {
	if r.Valid {
		return nil
	}
	first := r.Issues[0]
	return fmt.Errorf("%w: agent %s: %s: %s", ErrChainBroken, r.AgentID, first.Kind, first.Detail)
}

// VerifyChain checks an ordered event slice and the receipts citing it.
func VerifyChain(agentID string, events []Event, receipts []Receipt) *Report {
	rep := &Report{AgentID: agentID, Events: len(events), Receipts: len(receipts)}

	ids := make(map[string]bool, len(events))
	prev := ""
	for i, e := range events {
		ids[e.EventID] = true

		if want := int64(i + 1); e.Seq != want {
			rep.Issues = append(rep.Issues, Issue{
				Kind: IssueSequenceGap, EventID: e.EventID, Seq: e.Seq,
				Detail: fmt.Sprintf("expected seq %d, found %d", want, e.Seq),
			})
		}
		if e.PrevHash != prev {
			rep.Issues = append(rep.Issues, Issue{
				Kind: IssueBrokenLink, EventID: e.EventID, Seq: e.Seq,
				Detail: fmt.Sprintf("prev_hash %q does not match previous hash %q", e.PrevHash, prev),
			})
		}
		computed, err := ComputeHash(e.PrevHash, e.AgentID, e.UserID, e.Type, e.OccurredAt, e.Payload)
		switch {
		case err != nil:
			rep.Issues = append(rep.Issues, Issue{
				Kind: IssueHashMismatch, EventID: e.EventID, Seq: e.Seq,
				Detail: fmt.Sprintf("cannot recompute hash: %v", err),
			})
		case computed != e.Hash:
			rep.Issues = append(rep.Issues, Issue{
				Kind: IssueHashMismatch, EventID: e.EventID, Seq: e.Seq,
				Detail: fmt.Sprintf("computed %s, stored %s", computed, e.Hash),
			})
		}
		prev = e.Hash
	}
	rep.Head = prev

	for _, r := range receipts {
		if r.EventID != "" && !ids[r.EventID] {
			rep.Issues = append(rep.Issues, Issue{
				Kind: IssueOrphanReceipt, ReceiptID: r.ReceiptID,
				Detail: fmt.Sprintf("cites event %s which is not in this agent's chain", r.EventID),
			})
		}
	}

	rep.Valid = len(rep.Issues) == 0
	return rep
}

// Verify replays an agent's stored history.
func Verify(ctx context.Context, q store.Queryer, agentID string) (*Report, error) {
	events, err := Events(ctx, q, agentID)
	if err != nil {
		return nil, err
	}
	receipts, err := Receipts(ctx, q, agentID)
	if err != nil {
		return nil, err
	}
	return VerifyChain(agentID, events, receipts), nil
}

type exportLine struct {
	Kind    string   `json:"kind"`
	Report  *Report  `json:"report,omitempty"`
	Event   *Event   `json:"event,omitempty"`
	Receipt *Receipt `json:"receipt,omitempty"`
}

// Export writes an agent's verified history as JSON lines: a header carrying
// the verification report, then every event, then every receipt.
func Export(ctx context.Context, q store.Queryer, agentID string, w io.Writer) (*Report, error) {
	events, err := Events(ctx, q, agentID)
	if err != nil {
		return nil, err
	}
	receipts, err := Receipts(ctx, q, agentID)
	if err != nil {
		return nil, err
	}
	rep := VerifyChain(agentID, events, receipts)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(exportLine{Kind: "header", Report: rep}); err != nil {
		return nil, fmt.Errorf("ledger: export header: %w", err)
	}
	for i := range events {
		if err := enc.Encode(exportLine{Kind: "event", Event: &events[i]}); err != nil {
			return nil, fmt.Errorf("ledger: export event: %w", err)
		}
	}
	for i := range receipts {
		if err := enc.Encode(exportLine{Kind: "receipt", Receipt: &receipts[i]}); err != nil {
			return nil, fmt.Errorf("ledger: export receipt: %w", err)
		}
	}
	return rep, nil
}
