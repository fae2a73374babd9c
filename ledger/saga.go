package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Step identifies how far a funding attempt has progressed. The two on-chain
// calls fail independently, so the saga records exactly which one landed.
type Step int

const (
	StepNotStarted Step = iota
	StepAuthorized
	StepCustodyCreated
	StepConfirmed
)

func (s Step) String() string {
	switch s {
	case StepNotStarted:
		return "not_started"
	case StepAuthorized:
		return "authorized"
	case StepCustodyCreated:
		return "custody_created"
	case StepConfirmed:
		return "confirmed"
	default:
		return fmt.Sprintf("step(%d)", int(s))
	}
}

// FundingState is the durable progress of one funding saga. Callers persist
// it between attempts so a retry resumes instead of repeating on-chain work.
type FundingState struct {
	Step             Step
	AuthTxHash       string
	AuthorizedAmount int64
	CustodyID        string
	FundingTxHash    string
}

// StepError reports which saga step failed so the caller knows whether a
// retry needs a fresh authorization (step 1) or only custody creation
// (step 2).
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("ledger: funding step %d (%s) failed: %v", e.failedStepNumber(), e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Retryable: funding failures never advance platform state, so every attempt
// may be retried from its recorded step.
func (e *StepError) Retryable() bool { return true }

func (e *StepError) failedStepNumber() int {
	if e.Step >= StepAuthorized {
		return 2
	}
	return 1
}

// FundingSaga drives the authorize-then-create-custody sequence against the
// ledger. It is deliberately not atomic: each call can fail on its own and
// the state machine records where the attempt stopped.
type FundingSaga struct {
	client      Client
	callTimeout time.Duration
}

func NewFundingSaga(client Client, callTimeout time.Duration) *FundingSaga {
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	return &FundingSaga{client: client, callTimeout: callTimeout}
}

// Run advances the saga as far as it can, mutating state in place. The
// invariant: custody creation is never attempted without a confirmed
// authorization hash for the exact amount being locked. A stale
// authorization from an abandoned attempt at a different amount is discarded
// and redone.
func (s *FundingSaga) Run(ctx context.Context, params CustodyParams, state *FundingState) error {
	if params.TotalAmount <= 0 {
		return fmt.Errorf("ledger: funding amount must be positive")
	}
	if params.CustodyAmount < 0 || params.CustodyAmount > params.TotalAmount {
		return fmt.Errorf("ledger: custody amount out of range")
	}

	if state.Step >= StepAuthorized && state.AuthorizedAmount != params.TotalAmount {
		// Authorization from a previous attempt covers a different amount.
		state.Step = StepNotStarted
		state.AuthTxHash = ""
		state.AuthorizedAmount = 0
	}

	if state.Step < StepAuthorized {
		callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
		txHash, err := s.client.Authorize(callCtx, params.PayerAccount, params.TotalAmount)
		cancel()
		if err != nil {
			return &StepError{Step: StepNotStarted, Err: err}
		}
		state.Step = StepAuthorized
		state.AuthTxHash = txHash
		state.AuthorizedAmount = params.TotalAmount
	}

	if state.Step < StepCustodyCreated {
		callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
		custodyID, txHash, err := s.client.CreateCustody(callCtx, params)
		cancel()
		if err != nil {
			if IsTimeout(err) {
				// The create may have landed despite the timeout. Reconcile
				// against the ledger before declaring the step failed, so a
				// retry cannot open a second custody for the same payment.
				if info, found, rerr := s.reconcile(ctx, params.Reference); rerr == nil && found {
					state.Step = StepCustodyCreated
					state.CustodyID = info.CustodyID
					state.FundingTxHash = info.TxHash
				} else {
					return &StepError{Step: StepAuthorized, Err: err}
				}
			} else {
				return &StepError{Step: StepAuthorized, Err: err}
			}
		} else {
			state.Step = StepCustodyCreated
			state.CustodyID = custodyID
			state.FundingTxHash = txHash
		}
	}

	if state.Step < StepConfirmed {
		callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
		info, err := s.client.GetCustody(callCtx, state.CustodyID)
		cancel()
		if err != nil {
			return &StepError{Step: StepCustodyCreated, Err: err}
		}
		if info.Status != "active" && info.Status != "funded" {
			return &StepError{Step: StepCustodyCreated, Err: fmt.Errorf("custody %s not active on ledger (status=%s)", state.CustodyID, info.Status)}
		}
		state.Step = StepConfirmed
	}

	return nil
}

func (s *FundingSaga) reconcile(ctx context.Context, reference string) (CustodyInfo, bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	return s.client.FindCustodyByReference(callCtx, reference)
}

// FailedStep extracts the saga step a funding error stopped at, if any.
func FailedStep(err error) (Step, bool) {
	var se *StepError
	if errors.As(err, &se) {
		return se.Step, true
	}
	return StepNotStarted, false
}
