// Package dispute implements the contest-and-arbitration sub-process. A
// party to an escrowed payment may freeze settlement; an admin ruling either
// refunds the payer in full or returns the payment to escrow.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"escrowflow/custody"
	"escrowflow/payment"
)

var (
	// ErrNotParticipant rejects a dispute from an identity that is neither
	// side of the payment.
	ErrNotParticipant = errors.New("dispute: caller is not a party to the payment")
	// ErrWindowClosed rejects a dispute raised after the custody window
	// ended once both parties had already approved release.
	ErrWindowClosed = errors.New("dispute: custody window closed")
	// ErrAlreadyOpen rejects a second dispute while one is pending.
	ErrAlreadyOpen = errors.New("dispute: a dispute is already pending")
	// ErrAlreadyResolved rejects a ruling on a settled dispute.
	ErrAlreadyResolved = errors.New("dispute: already resolved")
)

// PaymentStore is the slice of the payment repository the service needs.
type PaymentStore interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (payment.Payment, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status payment.Status) error
	AppendEvent(ctx context.Context, tx pgx.Tx, paymentID, eventType, description string) error
}

// CustodyStore is the slice of the custody repository the service needs.
type CustodyStore interface {
	GetByPaymentForUpdate(ctx context.Context, tx pgx.Tx, paymentID string) (custody.Record, error)
	SetDisputeStatus(ctx context.Context, tx pgx.Tx, paymentID string, ds custody.DisputeStatus) error
	MarkReleased(ctx context.Context, tx pgx.Tx, paymentID, releaseTxHash string) error
}

// Arbiter is the on-ledger dispute surface.
type Arbiter interface {
	RaiseDispute(ctx context.Context, custodyID, reason string) (string, error)
	ResolveDispute(ctx context.Context, custodyID string, refundPayer bool) (string, error)
}

// Store persists dispute rows.
type Store interface {
	Create(ctx context.Context, tx pgx.Tx, d Dispute) (Dispute, error)
	Get(ctx context.Context, id string) (Dispute, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Dispute, error)
	Settle(ctx context.Context, tx pgx.Tx, id string, outcome Outcome, adminNotes, resolveTxHash string, resolvedAt time.Time) error
	ListByPayment(ctx context.Context, paymentID string) ([]Dispute, error)
	ListPending(ctx context.Context, limit int) ([]Dispute, error)
}

type Service struct {
	pool      payment.TxBeginner
	disputes  Store
	payments  PaymentStore
	custodies CustodyStore
	arbiter   Arbiter
	locks     *payment.LockTable
	idGen     func() string
	now       func() time.Time
}

func NewService(pool payment.TxBeginner, disputes Store, payments PaymentStore, custodies CustodyStore, arbiter Arbiter, locks *payment.LockTable) *Service {
	if locks == nil {
		locks = payment.NewLockTable()
	}
	return &Service{
		pool:      pool,
		disputes:  disputes,
		payments:  payments,
		custodies: custodies,
		arbiter:   arbiter,
		locks:     locks,
		idGen:     func() string { return uuid.NewString() },
		now:       time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGen = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

type OpenParams struct {
	PaymentID    string
	RaisedBy     string
	Reason       string
	Details      string
	EvidenceRefs []string
}

// Open freezes settlement of an escrowed payment. The on-ledger freeze runs
// first; local state only flips to disputed once the ledger accepted the
// dispute, so a ledger failure leaves the payment untouched and retryable.
func (s *Service) Open(ctx context.Context, params OpenParams) (Dispute, error) {
	if params.Reason == "" || params.Details == "" {
		return Dispute{}, fmt.Errorf("dispute: reason and details are required")
	}

	unlock := s.locks.Acquire(params.PaymentID)
	defer unlock()

	// Holding the per-payment lock, a preliminary transaction validates
	// eligibility and reads the ledger custody id. No transition for this
	// payment can interleave before the second transaction commits.
	custodyID, err := s.checkOpen(ctx, params)
	if err != nil {
		return Dispute{}, err
	}

	openTx, err := s.arbiter.RaiseDispute(ctx, custodyID, params.Reason)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: raise on ledger: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := s.payments.GetForUpdate(ctx, tx, params.PaymentID); err != nil {
		return Dispute{}, err
	}
	created, err := s.disputes.Create(ctx, tx, Dispute{
		ID:           s.idGen(),
		PaymentID:    params.PaymentID,
		RaisedBy:     params.RaisedBy,
		Reason:       params.Reason,
		Details:      params.Details,
		EvidenceRefs: params.EvidenceRefs,
		OpenTxHash:   &openTx,
	})
	if err != nil {
		return Dispute{}, err
	}
	if err := s.custodies.SetDisputeStatus(ctx, tx, params.PaymentID, custody.DisputePending); err != nil {
		return Dispute{}, err
	}
	if err := s.payments.UpdateStatus(ctx, tx, params.PaymentID, payment.StatusDisputed); err != nil {
		return Dispute{}, err
	}
	if err := s.payments.AppendEvent(ctx, tx, params.PaymentID, payment.EventDisputeOpened,
		fmt.Sprintf("dispute opened by %s: %s", params.RaisedBy, params.Reason)); err != nil {
		return Dispute{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit open: %w", err)
	}
	return created, nil
}

func (s *Service) checkOpen(ctx context.Context, params OpenParams) (string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := s.payments.GetForUpdate(ctx, tx, params.PaymentID)
	if err != nil {
		return "", err
	}
	if params.RaisedBy != p.PayerEmail && params.RaisedBy != p.PayeeEmail {
		return "", ErrNotParticipant
	}
	if p.Status.Terminal() {
		return "", payment.ErrTerminalState
	}
	if p.Status == payment.StatusDisputed {
		return "", ErrAlreadyOpen
	}
	if p.Status != payment.StatusEscrowed {
		return "", fmt.Errorf("%w: dispute while %s", payment.ErrInvalidTransition, p.Status)
	}

	rec, err := s.custodies.GetByPaymentForUpdate(ctx, tx, params.PaymentID)
	if err != nil {
		return "", err
	}
	// A rejected or dismissed outcome returns the payment to escrow, so a
	// further dispute stays admissible while the window is open.
	if rec.DisputeStatus == custody.DisputePending {
		return "", ErrAlreadyOpen
	}
	if rec.LedgerCustodyID == nil {
		return "", fmt.Errorf("dispute: custody for %s has no ledger id", params.PaymentID)
	}

	now := s.now().UTC()
	if rec.CustodyEnd != nil && custody.Expired(*rec.CustodyEnd, now) {
		// After expiry a dispute is still admissible as long as release
		// was never mutually approved.
		if !custody.LateDisputeAllowed(*rec.CustodyEnd, rec.DisputeStatus, p.BothApproved(), now) {
			return "", ErrWindowClosed
		}
	}
	return *rec.LedgerCustodyID, nil
}

type ResolveParams struct {
	DisputeID  string
	Outcome    Outcome
	AdminNotes string
}

// Resolve records the admin ruling. Approved refunds the payer in full,
// including all accrued yield, and cancels the payment. Rejected and
// dismissed return the payment to escrow with its timer unchanged.
func (s *Service) Resolve(ctx context.Context, params ResolveParams) (Dispute, error) {
	if params.Outcome != StatusApproved && params.Outcome != StatusRejected && params.Outcome != StatusDismissed {
		return Dispute{}, fmt.Errorf("dispute: invalid outcome %q", params.Outcome)
	}

	d, err := s.disputes.Get(ctx, params.DisputeID)
	if err != nil {
		return Dispute{}, err
	}

	unlock := s.locks.Acquire(d.PaymentID)
	defer unlock()

	custodyID, err := s.checkResolve(ctx, d)
	if err != nil {
		return Dispute{}, err
	}

	refundPayer := params.Outcome == StatusApproved
	resolveTx, err := s.arbiter.ResolveDispute(ctx, custodyID, refundPayer)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: resolve on ledger: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := s.payments.GetForUpdate(ctx, tx, d.PaymentID); err != nil {
		return Dispute{}, err
	}
	now := s.now().UTC()
	if err := s.disputes.Settle(ctx, tx, d.ID, params.Outcome, params.AdminNotes, resolveTx, now); err != nil {
		return Dispute{}, err
	}
	if err := s.custodies.SetDisputeStatus(ctx, tx, d.PaymentID, custody.DisputeStatus(params.Outcome)); err != nil {
		return Dispute{}, err
	}

	switch params.Outcome {
	case StatusApproved:
		if err := s.custodies.MarkReleased(ctx, tx, d.PaymentID, resolveTx); err != nil {
			return Dispute{}, err
		}
		if err := s.payments.UpdateStatus(ctx, tx, d.PaymentID, payment.StatusCancelled); err != nil {
			return Dispute{}, err
		}
		if err := s.payments.AppendEvent(ctx, tx, d.PaymentID, payment.EventDisputeResolved,
			"dispute approved; payer refunded in full with all accrued yield"); err != nil {
			return Dispute{}, err
		}
		if err := s.payments.AppendEvent(ctx, tx, d.PaymentID, payment.EventCustodyReleased,
			fmt.Sprintf("custody refunded to payer; tx %s", resolveTx)); err != nil {
			return Dispute{}, err
		}
	default:
		if err := s.payments.UpdateStatus(ctx, tx, d.PaymentID, payment.StatusEscrowed); err != nil {
			return Dispute{}, err
		}
		if err := s.payments.AppendEvent(ctx, tx, d.PaymentID, payment.EventDisputeResolved,
			fmt.Sprintf("dispute %s; payment returned to escrow", params.Outcome)); err != nil {
			return Dispute{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit resolve: %w", err)
	}
	return s.disputes.Get(ctx, d.ID)
}

func (s *Service) checkResolve(ctx context.Context, d Dispute) (string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	locked, err := s.disputes.GetForUpdate(ctx, tx, d.ID)
	if err != nil {
		return "", err
	}
	if locked.Status != StatusPending {
		return "", ErrAlreadyResolved
	}
	p, err := s.payments.GetForUpdate(ctx, tx, d.PaymentID)
	if err != nil {
		return "", err
	}
	if p.Status != payment.StatusDisputed {
		return "", fmt.Errorf("%w: resolve while %s", payment.ErrInvalidTransition, p.Status)
	}
	rec, err := s.custodies.GetByPaymentForUpdate(ctx, tx, d.PaymentID)
	if err != nil {
		return "", err
	}
	if rec.LedgerCustodyID == nil {
		return "", fmt.Errorf("dispute: custody for %s has no ledger id", d.PaymentID)
	}
	return *rec.LedgerCustodyID, nil
}

// ListByPayment returns a payment's dispute history, oldest first.
func (s *Service) ListByPayment(ctx context.Context, paymentID string) ([]Dispute, error) {
	return s.disputes.ListByPayment(ctx, paymentID)
}

// PendingQueue returns unresolved disputes for admin review.
func (s *Service) PendingQueue(ctx context.Context, limit int) ([]Dispute, error) {
	return s.disputes.ListPending(ctx, limit)
}

// Get returns one dispute.
func (s *Service) Get(ctx context.Context, id string) (Dispute, error) {
	return s.disputes.Get(ctx, id)
}
