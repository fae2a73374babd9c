package custody

import "time"

// Status tracks the lifecycle of the on-chain custody record.
type Status string

const (
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusFunded   Status = "funded"
	StatusDisputed Status = "disputed"
	StatusReleased Status = "released"
)

// DisputeStatus gates the automatic release path.
type DisputeStatus string

const (
	DisputeNone      DisputeStatus = "none"
	DisputePending   DisputeStatus = "pending"
	DisputeApproved  DisputeStatus = "approved"
	DisputeRejected  DisputeStatus = "rejected"
	DisputeDismissed DisputeStatus = "dismissed"
)

// Record mirrors the custody_records table. One record per payment, created
// when the funding saga reaches custody creation.
type Record struct {
	ID               string
	PaymentID        string
	CustodyAmount    int64
	ReleaseAmount    int64
	LedgerCustodyID  *string
	AuthTxHash       *string
	AuthorizedAmount *int64
	FundingTxHash    *string
	ReleaseTxHash    *string
	Status           Status
	DisputeStatus    DisputeStatus
	CustodyEnd       *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
