// Package request implements payee-initiated payment requests. A payee
// proposes terms; the named payer either accepts, which opens a pending
// payment with those exact terms, or rejects.
package request

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"escrowflow/payment"
)

var (
	// ErrForbidden rejects an action by someone other than the named party.
	ErrForbidden = errors.New("request: actor is not the named party")
	// ErrNotOpen rejects accept/reject/cancel on a settled request.
	ErrNotOpen = errors.New("request: not open")
)

// PaymentCreator opens the pending payment when a request is accepted, and
// cancels it again if recording the acceptance fails.
type PaymentCreator interface {
	Create(ctx context.Context, params payment.CreateParams) (payment.Payment, error)
	Cancel(ctx context.Context, paymentID, reason string) error
}

// Store persists request rows.
type Store interface {
	Create(ctx context.Context, req Request) (Request, error)
	Get(ctx context.Context, id string) (Request, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Request, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status, paymentID *string) (Request, error)
	ListForParty(ctx context.Context, email string, limit int) ([]Request, error)
}

type Service struct {
	pool     payment.TxBeginner
	repo     Store
	payments PaymentCreator
	idGen    func() string
}

func NewService(pool payment.TxBeginner, repo Store, payments PaymentCreator) *Service {
	return &Service{
		pool:     pool,
		repo:     repo,
		payments: payments,
		idGen:    func() string { return uuid.NewString() },
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGen = gen
	return s
}

type CreateParams struct {
	PayeeEmail        string
	PayerEmail        string
	TotalAmount       int64
	Currency          string
	CustodyPercent    int
	CustodyPeriodDays int
	Description       *string
}

func (s *Service) Create(ctx context.Context, params CreateParams) (Request, error) {
	payee := strings.ToLower(strings.TrimSpace(params.PayeeEmail))
	payer := strings.ToLower(strings.TrimSpace(params.PayerEmail))
	if payee == "" || payer == "" {
		return Request{}, fmt.Errorf("request: payee and payer are required")
	}
	if payee == payer {
		return Request{}, fmt.Errorf("request: payee and payer must differ")
	}
	if params.TotalAmount <= 0 {
		return Request{}, fmt.Errorf("request: total amount must be positive")
	}
	if params.CustodyPercent < 0 || params.CustodyPercent > 100 {
		return Request{}, fmt.Errorf("request: custody percent must be within [0,100]")
	}
	if params.CustodyPeriodDays < 1 {
		return Request{}, fmt.Errorf("request: custody period must be at least one day")
	}

	currency := params.Currency
	if currency == "" {
		currency = "MXN"
	}

	return s.repo.Create(ctx, Request{
		ID:                s.idGen(),
		PayeeEmail:        payee,
		PayerEmail:        payer,
		TotalAmount:       params.TotalAmount,
		Currency:          currency,
		CustodyPercent:    params.CustodyPercent,
		CustodyPeriodDays: params.CustodyPeriodDays,
		Description:       params.Description,
	})
}

// Accept opens a pending payment with the request's terms. Only the named
// payer may accept. The payment is created first; marking the request
// accepted records the link.
func (s *Service) Accept(ctx context.Context, requestID, actorEmail string) (Request, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("request: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.repo.GetForUpdate(ctx, tx, requestID)
	if err != nil {
		return Request{}, err
	}
	if req.PayerEmail != actorEmail {
		return Request{}, ErrForbidden
	}
	if req.Status != StatusOpen {
		return Request{}, ErrNotOpen
	}

	// The payment engine runs its own transaction, so the payment exists
	// before the request row flips to accepted. A failure past this point
	// must cancel the still-pending payment or it stays orphaned.
	p, err := s.payments.Create(ctx, payment.CreateParams{
		PayerEmail:        req.PayerEmail,
		PayeeEmail:        req.PayeeEmail,
		TotalAmount:       req.TotalAmount,
		Currency:          req.Currency,
		CustodyPercent:    req.CustodyPercent,
		CustodyPeriodDays: req.CustodyPeriodDays,
		Description:       req.Description,
	})
	if err != nil {
		return Request{}, err
	}

	updated, err := s.repo.UpdateStatus(ctx, tx, requestID, StatusAccepted, &p.ID)
	if err != nil {
		s.abandonPayment(ctx, p.ID)
		return Request{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		s.abandonPayment(ctx, p.ID)
		return Request{}, fmt.Errorf("request: commit accept: %w", err)
	}
	return updated, nil
}

// abandonPayment is best effort: the payment is still pending, so cancelling
// it is a valid transition, and the caller sees the original failure either
// way.
func (s *Service) abandonPayment(ctx context.Context, paymentID string) {
	_ = s.payments.Cancel(ctx, paymentID, "payment request acceptance was not recorded")
}

// Reject declines an open request. Only the named payer may reject.
func (s *Service) Reject(ctx context.Context, requestID, actorEmail string) (Request, error) {
	return s.close(ctx, requestID, actorEmail, false)
}

// Cancel withdraws an open request. Only the payee who sent it may cancel.
func (s *Service) Cancel(ctx context.Context, requestID, actorEmail string) (Request, error) {
	return s.close(ctx, requestID, actorEmail, true)
}

func (s *Service) close(ctx context.Context, requestID, actorEmail string, byPayee bool) (Request, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("request: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.repo.GetForUpdate(ctx, tx, requestID)
	if err != nil {
		return Request{}, err
	}
	owner := req.PayerEmail
	target := StatusRejected
	if byPayee {
		owner = req.PayeeEmail
		target = StatusCancelled
	}
	if owner != actorEmail {
		return Request{}, ErrForbidden
	}
	if req.Status != StatusOpen {
		return Request{}, ErrNotOpen
	}

	updated, err := s.repo.UpdateStatus(ctx, tx, requestID, target, nil)
	if err != nil {
		return Request{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("request: commit close: %w", err)
	}
	return updated, nil
}

// Get returns one request.
func (s *Service) Get(ctx context.Context, id string) (Request, error) {
	return s.repo.Get(ctx, id)
}

// ListForParty lists the account's sent and received requests.
func (s *Service) ListForParty(ctx context.Context, email string, limit int) ([]Request, error) {
	return s.repo.ListForParty(ctx, email, limit)
}
