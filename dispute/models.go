package dispute

import "time"

// Status is the dispute lifecycle. A dispute opens pending and resolves to
// exactly one of the three outcomes.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusDismissed Status = "dismissed"
)

// Outcome is an admin ruling on a pending dispute.
type Outcome = Status

// Dispute mirrors the disputes table.
type Dispute struct {
	ID            string
	PaymentID     string
	RaisedBy      string
	Reason        string
	Details       string
	EvidenceRefs  []string
	Status        Status
	AdminNotes    *string
	OpenTxHash    *string
	ResolveTxHash *string
	CreatedAt     time.Time
	ResolvedAt    *time.Time
}
