// Package approval tracks the dual release confirmations on an escrowed
// payment. It records who approved and when; it never settles funds itself.
// Callers act on Result.BothApproved to trigger release.
package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"escrowflow/payment"
)

var (
	// ErrNotParticipant rejects an approval from an identity that is not
	// the named side of the payment.
	ErrNotParticipant = errors.New("approval: caller is not the named party")
	// ErrNotRevocable rejects revocation once both sides have approved.
	ErrNotRevocable = errors.New("approval: both sides approved; revocation window closed")
)

// PaymentStore is the slice of the payment repository the tracker needs.
type PaymentStore interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (payment.Payment, error)
	AppendEvent(ctx context.Context, tx pgx.Tx, paymentID, eventType, description string) error
}

// Result reports what an approval call changed.
type Result struct {
	// Changed is false when the call was an idempotent replay.
	Changed bool
	// BothApproved holds after this call; when true the payment is
	// eligible for dual-approval release.
	BothApproved bool
}

type Service struct {
	pool     payment.TxBeginner
	payments PaymentStore
	locks    *payment.LockTable
	now      func() time.Time
}

func NewService(pool payment.TxBeginner, payments PaymentStore, locks *payment.LockTable) *Service {
	if locks == nil {
		locks = payment.NewLockTable()
	}
	return &Service{pool: pool, payments: payments, locks: locks, now: time.Now}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Approve records one side's release confirmation. Approving twice is a
// no-op; approving for the other side's slot is rejected regardless of the
// flag's current value.
func (s *Service) Approve(ctx context.Context, paymentID, actorEmail string, party payment.Party) (Result, error) {
	unlock := s.locks.Acquire(paymentID)
	defer unlock()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("approval: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := s.payments.GetForUpdate(ctx, tx, paymentID)
	if err != nil {
		return Result{}, err
	}
	if err := checkActor(p, actorEmail, party); err != nil {
		return Result{}, err
	}
	if p.Status.Terminal() {
		return Result{}, payment.ErrTerminalState
	}
	if p.Status != payment.StatusEscrowed {
		return Result{}, fmt.Errorf("%w: approve while %s", payment.ErrInvalidTransition, p.Status)
	}

	already := p.PayerApproved
	eventType := payment.EventPayerApproved
	column := "payer"
	if party == payment.PartyPayee {
		already = p.PayeeApproved
		eventType = payment.EventPayeeApproved
		column = "payee"
	}
	if already {
		return Result{Changed: false, BothApproved: p.BothApproved()}, nil
	}

	if err := s.setFlag(ctx, tx, paymentID, column, true, s.now().UTC()); err != nil {
		return Result{}, err
	}
	if err := s.payments.AppendEvent(ctx, tx, paymentID, eventType, fmt.Sprintf("%s confirmed release", party)); err != nil {
		return Result{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{}, fmt.Errorf("approval: commit: %w", err)
	}

	both := p.BothApproved() || (party == payment.PartyPayer && p.PayeeApproved) || (party == payment.PartyPayee && p.PayerApproved)
	return Result{Changed: true, BothApproved: both}, nil
}

// Revoke withdraws a previously recorded approval. Permitted only while the
// dual-approval condition has not yet been met.
func (s *Service) Revoke(ctx context.Context, paymentID, actorEmail string, party payment.Party) (Result, error) {
	unlock := s.locks.Acquire(paymentID)
	defer unlock()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("approval: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := s.payments.GetForUpdate(ctx, tx, paymentID)
	if err != nil {
		return Result{}, err
	}
	if err := checkActor(p, actorEmail, party); err != nil {
		return Result{}, err
	}
	if p.Status.Terminal() {
		return Result{}, payment.ErrTerminalState
	}
	if p.Status != payment.StatusEscrowed {
		return Result{}, fmt.Errorf("%w: revoke while %s", payment.ErrInvalidTransition, p.Status)
	}
	if p.BothApproved() {
		return Result{}, ErrNotRevocable
	}

	approved := p.PayerApproved
	column := "payer"
	if party == payment.PartyPayee {
		approved = p.PayeeApproved
		column = "payee"
	}
	if !approved {
		return Result{Changed: false}, nil
	}

	if err := s.setFlag(ctx, tx, paymentID, column, false, time.Time{}); err != nil {
		return Result{}, err
	}
	if err := s.payments.AppendEvent(ctx, tx, paymentID, payment.EventApprovalRevoked, fmt.Sprintf("%s withdrew release confirmation", party)); err != nil {
		return Result{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{}, fmt.Errorf("approval: commit: %w", err)
	}
	return Result{Changed: true}, nil
}

func (s *Service) setFlag(ctx context.Context, tx pgx.Tx, paymentID, column string, approved bool, at time.Time) error {
	var stamp any
	if approved {
		stamp = at
	}
	// column is one of two literals chosen above, never caller input.
	query := fmt.Sprintf(`UPDATE payments SET %s_approved = $2, %s_approved_at = $3, updated_at = now() WHERE id = $1`, column, column)
	tag, err := tx.Exec(ctx, query, paymentID, approved, stamp)
	if err != nil {
		return fmt.Errorf("approval: set flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return payment.ErrNotFound
	}
	return nil
}

func checkActor(p payment.Payment, actorEmail string, party payment.Party) error {
	if party != payment.PartyPayer && party != payment.PartyPayee {
		return fmt.Errorf("approval: unknown party %q", party)
	}
	if p.PartyEmail(party) != actorEmail {
		return ErrNotParticipant
	}
	return nil
}
