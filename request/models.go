package request

import "time"

// Status is the payment request lifecycle. A request is an invitation from
// a payee; only acceptance by the named payer materializes a payment.
type Status string

const (
	StatusOpen      Status = "open"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
)

// Request mirrors the payment_requests table.
type Request struct {
	ID                string
	PayeeEmail        string
	PayerEmail        string
	TotalAmount       int64
	Currency          string
	CustodyPercent    int
	CustodyPeriodDays int
	Description       *string
	Status            Status
	PaymentID         *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
