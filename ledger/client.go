package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// CommissionSplit routes a slice of the immediate release to a commission
// recipient when custody is created.
type CommissionSplit struct {
	Recipient string `json:"recipient"`
	Amount    int64  `json:"amount"`
}

// CustodyParams carries everything the custody contract needs to lock funds.
// Amounts are fixed-point integers in the smallest unit of the custody token.
type CustodyParams struct {
	// Reference is the platform payment id, echoed back by the ledger. It is
	// the reconciliation key when a create call times out in flight.
	Reference        string            `json:"reference"`
	PayerAccount     string            `json:"payer_account"`
	PayeeAccount     string            `json:"payee_account"`
	TotalAmount      int64             `json:"total_amount"`
	CustodyAmount    int64             `json:"custody_amount"`
	Duration         time.Duration     `json:"-"`
	DurationSeconds  int64             `json:"duration_seconds"`
	CommissionSplits []CommissionSplit `json:"commission_splits,omitempty"`
}

// CustodyInfo is the ledger's view of an existing custody record.
type CustodyInfo struct {
	CustodyID string `json:"custody_id"`
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Amount    int64  `json:"amount"`
	TxHash    string `json:"tx_hash"`
}

// Client is the boundary to the custody ledger. Every call is a stateless
// RPC; callers bound each call with a context deadline.
type Client interface {
	Authorize(ctx context.Context, payerAccount string, amount int64) (string, error)
	CreateCustody(ctx context.Context, params CustodyParams) (custodyID, txHash string, err error)
	ApproveRelease(ctx context.Context, custodyID, party string) (string, error)
	ReleaseCustody(ctx context.Context, custodyID string) (string, error)
	RaiseDispute(ctx context.Context, custodyID, reason string) (string, error)
	ResolveDispute(ctx context.Context, custodyID string, refundPayer bool) (string, error)
	GetCustody(ctx context.Context, custodyID string) (CustodyInfo, error)
	FindCustodyByReference(ctx context.Context, reference string) (CustodyInfo, bool, error)
}

// CallError wraps a failed ledger call. Timed-out calls are ambiguous: the
// on-chain action may still have landed, so callers reconcile before retrying.
type CallError struct {
	Op      string
	Timeout bool
	Err     error
}

func (e *CallError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("ledger: %s timed out: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("ledger: %s: %v", e.Op, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// Retryable marks ledger failures as safe to retry after reconciliation.
func (e *CallError) Retryable() bool { return true }

// IsTimeout reports whether err stems from a ledger call that may have
// landed on chain despite the caller giving up.
func IsTimeout(err error) bool {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Timeout
	}
	return errors.Is(err, context.DeadlineExceeded)
}
