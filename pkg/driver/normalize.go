package driver

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/howwee20/Bloom-sub001/pkg/canonicalize"
	"github.com/howwee20/Bloom-sub001/pkg/contracts"
)

func reject(reason, format string, args ...any) error {
	return &contracts.ReasonError{Reason: reason, Err: fmt.Errorf(format, args...)}
}

// text reads an optional string field, NFC-normalized and trimmed.
func text(raw map[string]any, key string) (string, error) {
	v, ok := raw[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", reject(contracts.ReasonInvalidIntent, "%s must be a string", key)
	}
	return strings.TrimSpace(norm.NFC.String(s)), nil
}

func requiredText(raw map[string]any, key string) (string, error) {
	s, err := text(raw, key)
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", reject(contracts.ReasonMissingField, "%s is required", key)
	}
	return s, nil
}

// number reads a numeric field given as a JSON number or a numeric string.
func number(raw map[string]any, key, reason string) (float64, error) {
	v, ok := raw[key]
	if !ok || v == nil {
		return 0, reject(contracts.ReasonMissingField, "%s is required", key)
	}
	var (
		f   float64
		err error
	)
	switch n := v.(type) {
	case json.Number:
		f, err = n.Float64()
	case float64:
		f = n
	case int64:
		f = float64(n)
	case int:
		f = float64(n)
	case string:
		f, err = strconv.ParseFloat(strings.TrimSpace(n), 64)
	default:
		err = fmt.Errorf("unexpected %T", v)
	}
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, reject(reason, "%s is not a number", key)
	}
	return f, nil
}

// positiveCents reads a whole, positive cent amount.
func positiveCents(raw map[string]any, key string) (int64, error) {
	f, err := number(raw, key, contracts.ReasonInvalidAmount)
	if err != nil {
		return 0, err
	}
	if f <= 0 || f != math.Trunc(f) || f > math.MaxInt64/2 {
		return 0, reject(contracts.ReasonInvalidAmount, "%s must be a positive whole number of cents", key)
	}
	return int64(f), nil
}

// clientID returns the id an order or transfer is submitted under. An id
// the client supplied is namespaced by agent so two agents can reuse it.
// Without one the id is derived from the agent and the quote's idempotency
// key, so every quote submits at most once and distinct quotes never
// collide even when their parameters match.
func clientID(prefix, agentID, idempotencyKey, supplied string) (string, error) {
	if supplied != "" {
		return agentID + "/" + supplied, nil
	}
	if idempotencyKey == "" {
		return "", fmt.Errorf("driver: no idempotency key to derive %s id from", strings.TrimSuffix(prefix, "_"))
	}
	h, err := canonicalize.Hash(map[string]any{"agent_id": agentID, "idempotency_key": idempotencyKey})
	if err != nil {
		return "", err
	}
	return agentID + "/" + prefix + h[:32], nil
}
