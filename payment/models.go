package payment

import "time"

// Status is the closed payment lifecycle vocabulary. Once a payment reaches
// a terminal status it never mutates again.
type Status string

const (
	StatusPending   Status = "pending"
	StatusFunded    Status = "funded"
	StatusEscrowed  Status = "escrowed"
	StatusDisputed  Status = "disputed"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is permitted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Party identifies a side of the escrow.
type Party string

const (
	PartyPayer Party = "payer"
	PartyPayee Party = "payee"
)

// Payment mirrors the payments table. It is the root aggregate; only the
// lifecycle engine mutates it.
type Payment struct {
	ID                string
	PayerEmail        string
	PayeeEmail        string
	CommissionEmail   *string
	CommissionAmount  int64
	TotalAmount       int64
	Currency          string
	CustodyPercent    int
	CustodyPeriodDays int
	ReleaseConditions *string
	Description       *string
	DepositAccount    *string
	DepositReference  *string
	Status            Status
	PayerApproved     bool
	PayeeApproved     bool
	PayerApprovedAt   *time.Time
	PayeeApprovedAt   *time.Time
	YieldEnabled      bool
	YieldStartedAt    *time.Time
	FundedAt          *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// BothApproved derives the dual-approval condition.
func (p Payment) BothApproved() bool {
	return p.PayerApproved && p.PayeeApproved
}

// PartyEmail returns the identity registered for the given side.
func (p Payment) PartyEmail(party Party) string {
	if party == PartyPayer {
		return p.PayerEmail
	}
	return p.PayeeEmail
}

// SplitAmounts derives the custody/immediate-release split from the custody
// percentage. Computed once at funding time; the sum always equals the
// total.
func (p Payment) SplitAmounts() (custodyAmount, releaseAmount int64) {
	custodyAmount = p.TotalAmount * int64(p.CustodyPercent) / 100
	releaseAmount = p.TotalAmount - custodyAmount
	return custodyAmount, releaseAmount
}
