package payment

import "time"

// Event types form a closed, versioned vocabulary. The feed is the only
// contract the presentation layer consumes; nothing may infer state from
// description text.
const (
	EventPaymentCreated       = "payment_created"
	EventDepositDetected      = "deposit_detected"
	EventEscrowFunded         = "escrow_funded"
	EventEscrowFundingFailed  = "escrow_funding_failed"
	EventPayerApproved        = "payer_approved"
	EventPayeeApproved        = "payee_approved"
	EventApprovalRevoked      = "approval_revoked"
	EventDisputeOpened        = "dispute_opened"
	EventDisputeResolved      = "dispute_resolved"
	EventCustodyReleased      = "custody_released"
	EventCustodyReleaseFailed = "custody_release_failed"
	EventPayoutCompleted      = "payout_completed"
	EventPayoutFailed         = "payout_failed"
	EventPaymentCancelled     = "payment_cancelled"
	EventYieldActivated       = "yield_activated"
)

// Event is one append-only audit record. Events are never mutated or
// deleted.
type Event struct {
	ID          int64
	PaymentID   string
	Type        string
	Description *string
	CreatedAt   time.Time
}

var failureEventTypes = map[string]struct{}{
	EventEscrowFundingFailed:  {},
	EventCustodyReleaseFailed: {},
	EventPayoutFailed:         {},
}

// IsFailureEvent reports whether the type records a retryable external
// failure. Failure events stay in the audit log but are filtered from the
// user-facing timeline.
func IsFailureEvent(eventType string) bool {
	_, ok := failureEventTypes[eventType]
	return ok
}
