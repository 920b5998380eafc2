package contracts

import (
	"errors"
)

// Stable machine-readable rejection reasons. Callers branch on these values.
const (
	// Validation
	ReasonInvalidIntent     = "invalid_intent"
	ReasonUnsupportedIntent = "unsupported_intent"
	ReasonInvalidPrice      = "invalid_price"
	ReasonInvalidSize       = "invalid_size"
	ReasonInvalidSide       = "invalid_side"
	ReasonInvalidAmount     = "invalid_amount"
	ReasonInvalidAddress    = "invalid_address"
	ReasonInvalidRecipient  = "invalid_recipient"
	ReasonMissingField      = "missing_field"

	// Policy
	ReasonAgentDead          = "agent_dead"
	ReasonAgentNotFound      = "agent_not_found"
	ReasonAddressNotAllowed  = "address_not_allowed"
	ReasonAddressDenied      = "address_denied"
	ReasonRecipientDenied    = "recipient_denied"
	ReasonMaxOpenOrders      = "max_open_orders"
	ReasonPolicyRule         = "policy_rule_denied"
	ReasonRateLimited        = "rate_limited"
	ReasonStepUpRequired     = "step_up_required"
	ReasonStepUpInvalid      = "step_up_invalid"
	ReasonOverrideNeedsToken = "override_requires_step_up"

	// Insufficiency
	ReasonInsufficientSpendPower = "insufficient_spend_power"
	ReasonInsufficientCredits    = "insufficient_credits"
	ReasonDailyLimitExceeded     = "daily_limit_exceeded"
	ReasonIntentCapExceeded      = "intent_daily_cap_exceeded"

	// Quote lifecycle
	ReasonQuoteNotFound       = "quote_not_found"
	ReasonQuoteExpired        = "quote_expired"
	ReasonQuoteNotAllowed     = "quote_not_allowed"
	ReasonIdempotencyMismatch = "idempotency_mismatch"

	// Staleness
	ReasonEnvStale   = "env_stale"
	ReasonEnvUnknown = "env_unknown"

	// External
	ReasonBroadcastFailed = "broadcast_failed"
	ReasonOrderPostFailed = "order_post_failed"
	ReasonCancelFailed    = "order_cancel_failed"
	ReasonOrderNotFound   = "order_not_found"
	ReasonNoJobAvailable  = "no_job_available"
	ReasonJobNotFound     = "job_not_found"
	ReasonStorageError    = "storage_error"
	ReasonDriverError     = "driver_error"

	// Integrity
	ReasonLedgerIntegrity = "ledger_integrity_failure"

	// Holds
	ReasonHoldNotPending = "hold_not_pending"
	ReasonHoldNotFound   = "hold_not_found"
)

// ReasonError carries a stable reason through an error return.
type ReasonError struct {
	Reason string
	Err    error
}

func (e *ReasonError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return e.Reason + ": " + e.Err.Error()
}

func (e *ReasonError) Unwrap() error { return e.Err }

// Reject builds a ReasonError with no underlying cause.
func Reject(reason string) error {
	return &ReasonError{Reason: reason}
}

// ReasonFor extracts a stable reason from err, falling back to fallback.
func ReasonFor(err error, fallback string) string {
	if err == nil {
		return ""
	}
	var re *ReasonError
	if errors.As(err, &re) {
		return re.Reason
	}
	var rc interface{ Reason() string }
	if errors.As(err, &rc) {
		return rc.Reason()
	}
	return fallback
}
