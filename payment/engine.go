package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"escrowflow/custody"
	"escrowflow/ledger"
)

var (
	// ErrTerminalState rejects any mutation of a completed or cancelled
	// payment. Terminal states are write-once; this is never retryable.
	ErrTerminalState = errors.New("payment: terminal status is write-once")
	// ErrInvalidTransition rejects a transition the state machine does not
	// define from the payment's current status.
	ErrInvalidTransition = errors.New("payment: invalid status transition")
	// ErrSuperseded is handed to the loser of a dispute-vs-release race.
	// Dispute wins; the release caller gets an explicit error, not a silent
	// no-op.
	ErrSuperseded = errors.New("payment: transition superseded by dispute")
	// ErrNotEligible rejects a release when neither dual approval nor timer
	// expiry holds.
	ErrNotEligible = errors.New("payment: release conditions not met")
	// ErrAmountMismatch rejects a deposit whose amount does not cover the
	// payment total.
	ErrAmountMismatch = errors.New("payment: deposit amount does not match total")
)

type retryable interface{ Retryable() bool }

// IsRetryable classifies an error per the external-failure taxonomy:
// ledger/bank call failures may be retried, everything else may not.
func IsRetryable(err error) bool {
	var r retryable
	return errors.As(err, &r) && r.Retryable()
}

// externalError wraps a failed external confirmation so callers can surface
// a retry affordance.
type externalError struct {
	op  string
	err error
}

func (e *externalError) Error() string   { return fmt.Sprintf("payment: %s: %v", e.op, e.err) }
func (e *externalError) Unwrap() error   { return e.err }
func (e *externalError) Retryable() bool { return true }

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store is the persistence the engine needs from the payment repository.
type Store interface {
	Create(ctx context.Context, tx pgx.Tx, p Payment) (Payment, error)
	Get(ctx context.Context, id string) (Payment, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Payment, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status) error
	MarkFunded(ctx context.Context, tx pgx.Tx, id, depositReference string, fundedAt time.Time) error
	AppendEvent(ctx context.Context, tx pgx.Tx, paymentID, eventType, description string) error
	AppendEventDirect(ctx context.Context, paymentID, eventType, description string) error
	ListEvents(ctx context.Context, paymentID string) ([]Event, error)
}

// CustodyStore is the slice of the custody repository the engine drives.
type CustodyStore interface {
	CreateIfAbsent(ctx context.Context, tx pgx.Tx, rec custody.Record) (custody.Record, error)
	GetByPayment(ctx context.Context, paymentID string) (custody.Record, error)
	GetByPaymentForUpdate(ctx context.Context, tx pgx.Tx, paymentID string) (custody.Record, error)
	SaveAuthorization(ctx context.Context, paymentID, authTxHash string, amount int64) error
	Activate(ctx context.Context, tx pgx.Tx, paymentID, ledgerCustodyID, fundingTxHash string, custodyEnd time.Time) error
	MarkReleased(ctx context.Context, tx pgx.Tx, paymentID, releaseTxHash string) error
}

// Funder runs the two-phase funding saga against the ledger.
type Funder interface {
	Run(ctx context.Context, params ledger.CustodyParams, state *ledger.FundingState) error
}

// Releaser mirrors party approvals on the ledger and issues the final
// settlement call.
type Releaser interface {
	ApproveRelease(ctx context.Context, custodyID, party string) (string, error)
	ReleaseCustody(ctx context.Context, custodyID string) (string, error)
}

// Directory resolves a party's on-ledger account.
type Directory interface {
	WalletAddress(ctx context.Context, email string) (string, error)
}

// ReleaseTrigger names what drove a release transition; it lands in the
// event description so the feed distinguishes user- from system-initiated
// settlement.
type ReleaseTrigger string

const (
	TriggerDualApproval  ReleaseTrigger = "dual_approval"
	TriggerCustodyExpiry ReleaseTrigger = "custody_expired"
)

// Engine is the payment lifecycle state machine. All transitions for one
// payment id are serialized through the lock table; reads never block.
type Engine struct {
	pool          TxBeginner
	repo          Store
	custody       CustodyStore
	funder        Funder
	releaser      Releaser
	directory     Directory
	locks         *LockTable
	bridgeAccount string
	idGen         func() string
	now           func() time.Time
}

func NewEngine(pool TxBeginner, repo Store, custodyStore CustodyStore, funder Funder, releaser Releaser, directory Directory, locks *LockTable, bridgeAccount string) *Engine {
	if locks == nil {
		locks = NewLockTable()
	}
	return &Engine{
		pool:          pool,
		repo:          repo,
		custody:       custodyStore,
		funder:        funder,
		releaser:      releaser,
		directory:     directory,
		locks:         locks,
		bridgeAccount: bridgeAccount,
		idGen:         func() string { return uuid.NewString() },
		now:           time.Now,
	}
}

func (e *Engine) WithIDGenerator(gen func() string) *Engine {
	e.idGen = gen
	return e
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Locks exposes the per-payment serialization table so collaborating
// services (disputes, sweeps) share it.
func (e *Engine) Locks() *LockTable { return e.locks }

type CreateParams struct {
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
	YieldEnabled      bool
}

// Create validates the terms and opens a pending payment. Validation errors
// reject synchronously: no row, no event.
func (e *Engine) Create(ctx context.Context, params CreateParams) (Payment, error) {
	payer := strings.ToLower(strings.TrimSpace(params.PayerEmail))
	payee := strings.ToLower(strings.TrimSpace(params.PayeeEmail))
	if payer == "" || payee == "" {
		return Payment{}, fmt.Errorf("payment: payer and payee are required")
	}
	if payer == payee {
		return Payment{}, fmt.Errorf("payment: payer and payee must differ")
	}
	if params.TotalAmount <= 0 {
		return Payment{}, fmt.Errorf("payment: total amount must be positive")
	}
	if params.CustodyPercent < 0 || params.CustodyPercent > 100 {
		return Payment{}, fmt.Errorf("payment: custody percent must be within [0,100]")
	}
	if params.CustodyPeriodDays < 1 {
		return Payment{}, fmt.Errorf("payment: custody period must be at least one day")
	}
	if params.CommissionAmount < 0 || params.CommissionAmount >= params.TotalAmount {
		return Payment{}, fmt.Errorf("payment: invalid commission amount")
	}

	currency := params.Currency
	if currency == "" {
		currency = "MXN"
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return Payment{}, fmt.Errorf("payment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := e.repo.Create(ctx, tx, Payment{
		ID:                e.idGen(),
		PayerEmail:        payer,
		PayeeEmail:        payee,
		CommissionEmail:   params.CommissionEmail,
		CommissionAmount:  params.CommissionAmount,
		TotalAmount:       params.TotalAmount,
		Currency:          currency,
		CustodyPercent:    params.CustodyPercent,
		CustodyPeriodDays: params.CustodyPeriodDays,
		ReleaseConditions: params.ReleaseConditions,
		Description:       params.Description,
		DepositAccount:    params.DepositAccount,
		YieldEnabled:      params.YieldEnabled,
	})
	if err != nil {
		return Payment{}, err
	}

	if err := e.repo.AppendEvent(ctx, tx, created.ID, EventPaymentCreated, "payment created; deposit destination issued"); err != nil {
		return Payment{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Payment{}, fmt.Errorf("payment: commit create: %w", err)
	}
	return created, nil
}

// ConfirmDeposit applies a detected bank deposit: pending → funded. The
// funding instant anchors the custody timer and yield accrual. Replays of
// the same deposit are no-ops.
func (e *Engine) ConfirmDeposit(ctx context.Context, paymentID string, amount int64, depositReference string) (Payment, error) {
	unlock := e.locks.Acquire(paymentID)
	defer unlock()

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return Payment{}, fmt.Errorf("payment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := e.repo.GetForUpdate(ctx, tx, paymentID)
	if err != nil {
		return Payment{}, err
	}
	if p.Status.Terminal() {
		return Payment{}, ErrTerminalState
	}
	if p.Status != StatusPending {
		if p.DepositReference != nil && *p.DepositReference == depositReference {
			return p, nil
		}
		return Payment{}, fmt.Errorf("%w: deposit for %s payment", ErrInvalidTransition, p.Status)
	}
	if amount != p.TotalAmount {
		return Payment{}, ErrAmountMismatch
	}

	fundedAt := e.now().UTC()
	if err := e.repo.MarkFunded(ctx, tx, paymentID, depositReference, fundedAt); err != nil {
		return Payment{}, err
	}
	if err := e.repo.AppendEvent(ctx, tx, paymentID, EventDepositDetected, fmt.Sprintf("deposit %s received for %d %s", depositReference, amount, p.Currency)); err != nil {
		return Payment{}, err
	}
	if p.YieldEnabled {
		if err := e.repo.AppendEvent(ctx, tx, paymentID, EventYieldActivated, "yield accrual started at funding"); err != nil {
			return Payment{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Payment{}, fmt.Errorf("payment: commit deposit: %w", err)
	}
	return e.repo.Get(ctx, paymentID)
}

// FundFromDeposit drives the funding saga for a bank-funded payment: the
// platform bridge account authorizes and locks the converted deposit.
// Requires status funded.
func (e *Engine) FundFromDeposit(ctx context.Context, paymentID string) error {
	return e.fundCustody(ctx, paymentID, false)
}

// FundFromWallet drives the funding saga for a wallet-initiated payment:
// the payer's own ledger account funds custody directly, and saga success
// doubles as deposit detection (pending → funded → escrowed).
func (e *Engine) FundFromWallet(ctx context.Context, paymentID string) error {
	return e.fundCustody(ctx, paymentID, true)
}

func (e *Engine) fundCustody(ctx context.Context, paymentID string, fromWallet bool) error {
	unlock := e.locks.Acquire(paymentID)
	defer unlock()

	p, err := e.repo.Get(ctx, paymentID)
	if err != nil {
		return err
	}
	switch {
	case p.Status == StatusEscrowed:
		// Duplicate confirmation; the transition already happened.
		return nil
	case p.Status.Terminal():
		return ErrTerminalState
	case fromWallet && p.Status != StatusPending && p.Status != StatusFunded:
		return fmt.Errorf("%w: wallet funding from %s", ErrInvalidTransition, p.Status)
	case !fromWallet && p.Status != StatusFunded:
		return fmt.Errorf("%w: custody funding from %s", ErrInvalidTransition, p.Status)
	}

	payerAccount := e.bridgeAccount
	if fromWallet {
		payerAccount, err = e.directory.WalletAddress(ctx, p.PayerEmail)
		if err != nil {
			return fmt.Errorf("payment: payer ledger account: %w", err)
		}
	}
	payeeAccount, err := e.directory.WalletAddress(ctx, p.PayeeEmail)
	if err != nil {
		return fmt.Errorf("payment: payee ledger account: %w", err)
	}

	custodyAmount, releaseAmount := p.SplitAmounts()

	// Persist the custody intent before any on-chain work so a crashed
	// attempt leaves a row to resume from.
	rec, err := e.ensureCustodyRecord(ctx, p, custodyAmount, releaseAmount)
	if err != nil {
		return err
	}

	state := sagaStateFromRecord(rec)
	params := ledger.CustodyParams{
		Reference:     p.ID,
		PayerAccount:  payerAccount,
		PayeeAccount:  payeeAccount,
		TotalAmount:   p.TotalAmount,
		CustodyAmount: custodyAmount,
		Duration:      time.Duration(p.CustodyPeriodDays) * 24 * time.Hour,
	}
	if p.CommissionEmail != nil && p.CommissionAmount > 0 {
		params.CommissionSplits = []ledger.CommissionSplit{{Recipient: *p.CommissionEmail, Amount: p.CommissionAmount}}
	}

	runErr := e.funder.Run(ctx, params, &state)

	// Keep whatever progress the attempt made, so a retry reuses the
	// authorization instead of re-spending allowance.
	if state.AuthTxHash != "" && (rec.AuthTxHash == nil || *rec.AuthTxHash != state.AuthTxHash) {
		if err := e.custody.SaveAuthorization(ctx, p.ID, state.AuthTxHash, state.AuthorizedAmount); err != nil {
			return err
		}
	}

	if runErr != nil {
		step, _ := ledger.FailedStep(runErr)
		desc := fmt.Sprintf("custody funding failed at step %s: %v", step, runErr)
		if err := e.repo.AppendEventDirect(ctx, p.ID, EventEscrowFundingFailed, desc); err != nil {
			return err
		}
		return &externalError{op: "fund custody", err: runErr}
	}

	return e.finalizeEscrow(ctx, p, state, fromWallet)
}

func (e *Engine) ensureCustodyRecord(ctx context.Context, p Payment, custodyAmount, releaseAmount int64) (custody.Record, error) {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return custody.Record{}, fmt.Errorf("payment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := e.custody.CreateIfAbsent(ctx, tx, custody.Record{
		ID:            e.idGen(),
		PaymentID:     p.ID,
		CustodyAmount: custodyAmount,
		ReleaseAmount: releaseAmount,
	})
	if err != nil {
		return custody.Record{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return custody.Record{}, fmt.Errorf("payment: commit custody record: %w", err)
	}
	return rec, nil
}

func sagaStateFromRecord(rec custody.Record) ledger.FundingState {
	var state ledger.FundingState
	if rec.AuthTxHash != nil && rec.AuthorizedAmount != nil {
		state.Step = ledger.StepAuthorized
		state.AuthTxHash = *rec.AuthTxHash
		state.AuthorizedAmount = *rec.AuthorizedAmount
	}
	if rec.LedgerCustodyID != nil {
		state.Step = ledger.StepCustodyCreated
		state.CustodyID = *rec.LedgerCustodyID
		if rec.FundingTxHash != nil {
			state.FundingTxHash = *rec.FundingTxHash
		}
	}
	return state
}

func (e *Engine) finalizeEscrow(ctx context.Context, p Payment, state ledger.FundingState, fromWallet bool) error {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("payment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := e.repo.GetForUpdate(ctx, tx, p.ID)
	if err != nil {
		return err
	}
	if current.Status == StatusEscrowed {
		return nil
	}

	fundedAt := current.FundedAt
	if fromWallet && current.Status == StatusPending {
		now := e.now().UTC()
		if err := e.repo.MarkFunded(ctx, tx, p.ID, "wallet:"+state.FundingTxHash, now); err != nil {
			return err
		}
		if current.YieldEnabled {
			if err := e.repo.AppendEvent(ctx, tx, p.ID, EventYieldActivated, "yield accrual started at funding"); err != nil {
				return err
			}
		}
		fundedAt = &now
	}
	if fundedAt == nil {
		return fmt.Errorf("payment: %s escrowed without funding instant", p.ID)
	}

	custodyEnd := custody.EndTime(*fundedAt, current.CustodyPeriodDays)
	if err := e.custody.Activate(ctx, tx, p.ID, state.CustodyID, state.FundingTxHash, custodyEnd); err != nil {
		return err
	}
	if err := e.repo.UpdateStatus(ctx, tx, p.ID, StatusEscrowed); err != nil {
		return err
	}
	if err := e.repo.AppendEvent(ctx, tx, p.ID, EventEscrowFunded,
		fmt.Sprintf("custody %s active until %s; funding tx %s", state.CustodyID, custodyEnd.Format(time.RFC3339), state.FundingTxHash)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("payment: commit escrow: %w", err)
	}
	return nil
}

// Release settles custody to the payee. Callable when both parties approved
// or the custody window expired undisputed. A pending dispute always wins a
// race against release.
func (e *Engine) Release(ctx context.Context, paymentID string, trigger ReleaseTrigger) error {
	unlock := e.locks.Acquire(paymentID)
	defer unlock()

	custodyID, err := e.checkReleasable(ctx, paymentID, trigger)
	if err != nil {
		return err
	}
	if custodyID == "" {
		// Already completed; a repeated release is a no-op.
		return nil
	}

	if trigger == TriggerDualApproval {
		// Mirror both recorded approvals onto the ledger custody before the
		// platform release. The calls are idempotent on the ledger side.
		for _, party := range []Party{PartyPayer, PartyPayee} {
			if _, err := e.releaser.ApproveRelease(ctx, custodyID, string(party)); err != nil {
				desc := fmt.Sprintf("ledger approval mirror (%s) failed: %v", party, err)
				if appendErr := e.repo.AppendEventDirect(ctx, paymentID, EventCustodyReleaseFailed, desc); appendErr != nil {
					return appendErr
				}
				return &externalError{op: "approve release", err: err}
			}
		}
	}

	releaseTx, err := e.releaser.ReleaseCustody(ctx, custodyID)
	if err != nil {
		desc := fmt.Sprintf("custody release failed: %v", err)
		if appendErr := e.repo.AppendEventDirect(ctx, paymentID, EventCustodyReleaseFailed, desc); appendErr != nil {
			return appendErr
		}
		return &externalError{op: "release custody", err: err}
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("payment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := e.repo.GetForUpdate(ctx, tx, paymentID); err != nil {
		return err
	}
	if err := e.custody.MarkReleased(ctx, tx, paymentID, releaseTx); err != nil {
		return err
	}
	if err := e.repo.UpdateStatus(ctx, tx, paymentID, StatusCompleted); err != nil {
		return err
	}
	if err := e.repo.AppendEvent(ctx, tx, paymentID, EventCustodyReleased,
		fmt.Sprintf("custody released (%s); tx %s", trigger, releaseTx)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("payment: commit release: %w", err)
	}
	return nil
}

func (e *Engine) checkReleasable(ctx context.Context, paymentID string, trigger ReleaseTrigger) (string, error) {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("payment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := e.repo.GetForUpdate(ctx, tx, paymentID)
	if err != nil {
		return "", err
	}
	switch {
	case p.Status == StatusCompleted:
		return "", nil
	case p.Status == StatusCancelled:
		return "", ErrTerminalState
	case p.Status == StatusDisputed:
		return "", ErrSuperseded
	case p.Status != StatusEscrowed:
		return "", fmt.Errorf("%w: release from %s", ErrInvalidTransition, p.Status)
	}

	rec, err := e.custody.GetByPaymentForUpdate(ctx, tx, paymentID)
	if err != nil {
		return "", err
	}
	if rec.DisputeStatus == custody.DisputePending {
		return "", ErrSuperseded
	}
	if rec.LedgerCustodyID == nil {
		return "", fmt.Errorf("payment: custody for %s has no ledger id", paymentID)
	}

	now := e.now().UTC()
	switch trigger {
	case TriggerDualApproval:
		if !p.BothApproved() {
			return "", ErrNotEligible
		}
	case TriggerCustodyExpiry:
		if rec.CustodyEnd == nil || !custody.AutoReleaseEligible(*rec.CustodyEnd, rec.DisputeStatus, now) {
			return "", ErrNotEligible
		}
	default:
		return "", fmt.Errorf("payment: unknown release trigger %q", trigger)
	}

	return *rec.LedgerCustodyID, nil
}

// Cancel aborts a payment that never received funds.
func (e *Engine) Cancel(ctx context.Context, paymentID, reason string) error {
	unlock := e.locks.Acquire(paymentID)
	defer unlock()

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("payment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := e.repo.GetForUpdate(ctx, tx, paymentID)
	if err != nil {
		return err
	}
	if p.Status.Terminal() {
		return ErrTerminalState
	}
	if p.Status != StatusPending {
		return fmt.Errorf("%w: cancel from %s", ErrInvalidTransition, p.Status)
	}

	if err := e.repo.UpdateStatus(ctx, tx, paymentID, StatusCancelled); err != nil {
		return err
	}
	if err := e.repo.AppendEvent(ctx, tx, paymentID, EventPaymentCancelled, reason); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("payment: commit cancel: %w", err)
	}
	return nil
}

// Feed returns the ordered event log. When audit is false, retryable
// failure events are filtered out of the user-facing timeline.
func (e *Engine) Feed(ctx context.Context, paymentID string, audit bool) ([]Event, error) {
	events, err := e.repo.ListEvents(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if audit {
		return events, nil
	}
	visible := events[:0:0]
	for _, ev := range events {
		if !IsFailureEvent(ev.Type) {
			visible = append(visible, ev)
		}
	}
	return visible, nil
}
