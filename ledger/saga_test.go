package ledger

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeLedger struct {
	authorizeCalls int
	authorizeErr   error
	createCalls    int
	createErr      error
	getStatus      string
	getErr         error
	findInfo       CustodyInfo
	findFound      bool
	findErr        error
}

func (f *fakeLedger) Authorize(ctx context.Context, payerAccount string, amount int64) (string, error) {
	f.authorizeCalls++
	if f.authorizeErr != nil {
		return "", f.authorizeErr
	}
	return "auth-tx-1", nil
}

func (f *fakeLedger) CreateCustody(ctx context.Context, params CustodyParams) (string, string, error) {
	f.createCalls++
	if f.createErr != nil {
		return "", "", f.createErr
	}
	return "custody-1", "fund-tx-1", nil
}

func (f *fakeLedger) ApproveRelease(ctx context.Context, custodyID, party string) (string, error) {
	panic("not used")
}

func (f *fakeLedger) ReleaseCustody(ctx context.Context, custodyID string) (string, error) {
	panic("not used")
}

func (f *fakeLedger) RaiseDispute(ctx context.Context, custodyID, reason string) (string, error) {
	panic("not used")
}

func (f *fakeLedger) ResolveDispute(ctx context.Context, custodyID string, refundPayer bool) (string, error) {
	panic("not used")
}

func (f *fakeLedger) GetCustody(ctx context.Context, custodyID string) (CustodyInfo, error) {
	if f.getErr != nil {
		return CustodyInfo{}, f.getErr
	}
	status := f.getStatus
	if status == "" {
		status = "active"
	}
	return CustodyInfo{CustodyID: custodyID, Status: status}, nil
}

func (f *fakeLedger) FindCustodyByReference(ctx context.Context, reference string) (CustodyInfo, bool, error) {
	return f.findInfo, f.findFound, f.findErr
}

func testParams() CustodyParams {
	return CustodyParams{
		Reference:     "pay-1",
		PayerAccount:  "0xpayer",
		PayeeAccount:  "0xpayee",
		TotalAmount:   100_000,
		CustodyAmount: 50_000,
		Duration:      30 * 24 * time.Hour,
	}
}

func TestSagaHappyPath(t *testing.T) {
	client := &fakeLedger{}
	saga := NewFundingSaga(client, time.Second)

	var state FundingState
	if err := saga.Run(context.Background(), testParams(), &state); err != nil {
		t.Fatalf("run: %v", err)
	}
	if state.Step != StepConfirmed {
		t.Fatalf("step = %v, want confirmed", state.Step)
	}
	if state.AuthTxHash != "auth-tx-1" || state.CustodyID != "custody-1" || state.FundingTxHash != "fund-tx-1" {
		t.Fatalf("unexpected state %+v", state)
	}
	if client.authorizeCalls != 1 || client.createCalls != 1 {
		t.Fatalf("calls = %d/%d, want 1/1", client.authorizeCalls, client.createCalls)
	}
}

func TestSagaResumesFromAuthorization(t *testing.T) {
	client := &fakeLedger{}
	saga := NewFundingSaga(client, time.Second)

	state := FundingState{Step: StepAuthorized, AuthTxHash: "auth-old", AuthorizedAmount: 100_000}
	if err := saga.Run(context.Background(), testParams(), &state); err != nil {
		t.Fatalf("run: %v", err)
	}
	if client.authorizeCalls != 0 {
		t.Fatalf("authorize called %d times on resume, want 0", client.authorizeCalls)
	}
	if state.AuthTxHash != "auth-old" {
		t.Fatalf("resume discarded recorded authorization")
	}
}

func TestSagaDiscardsStaleAuthorization(t *testing.T) {
	client := &fakeLedger{}
	saga := NewFundingSaga(client, time.Second)

	// Recorded authorization covers a different amount than the payment.
	state := FundingState{Step: StepAuthorized, AuthTxHash: "auth-old", AuthorizedAmount: 42}
	if err := saga.Run(context.Background(), testParams(), &state); err != nil {
		t.Fatalf("run: %v", err)
	}
	if client.authorizeCalls != 1 {
		t.Fatalf("authorize calls = %d, want fresh authorization", client.authorizeCalls)
	}
	if state.AuthorizedAmount != 100_000 {
		t.Fatalf("authorized amount = %d, want 100000", state.AuthorizedAmount)
	}
}

func TestSagaAuthorizeFailureIsStepOne(t *testing.T) {
	client := &fakeLedger{authorizeErr: errors.New("rpc down")}
	saga := NewFundingSaga(client, time.Second)

	var state FundingState
	err := saga.Run(context.Background(), testParams(), &state)
	if err == nil {
		t.Fatal("expected error")
	}
	step, ok := FailedStep(err)
	if !ok || step != StepNotStarted {
		t.Fatalf("failed step = %v (%v), want not_started", step, ok)
	}
	if state.Step != StepNotStarted {
		t.Fatalf("state advanced to %v on failure", state.Step)
	}

	var r interface{ Retryable() bool }
	if !errors.As(err, &r) || !r.Retryable() {
		t.Fatal("funding failure should be retryable")
	}
}

func TestSagaCreateTimeoutReconciles(t *testing.T) {
	client := &fakeLedger{
		createErr: &CallError{Op: "create custody", Timeout: true, Err: errors.New("deadline")},
		findInfo:  CustodyInfo{CustodyID: "custody-recovered", Status: "active", TxHash: "fund-tx-9"},
		findFound: true,
	}
	saga := NewFundingSaga(client, time.Second)

	var state FundingState
	if err := saga.Run(context.Background(), testParams(), &state); err != nil {
		t.Fatalf("run: %v", err)
	}
	if state.CustodyID != "custody-recovered" {
		t.Fatalf("custody id = %q, want reconciled id", state.CustodyID)
	}
	if state.Step != StepConfirmed {
		t.Fatalf("step = %v, want confirmed", state.Step)
	}
}

func TestSagaCreateTimeoutWithoutLedgerRecordFails(t *testing.T) {
	client := &fakeLedger{
		createErr: &CallError{Op: "create custody", Timeout: true, Err: errors.New("deadline")},
	}
	saga := NewFundingSaga(client, time.Second)

	state := FundingState{Step: StepAuthorized, AuthTxHash: "auth-tx-1", AuthorizedAmount: 100_000}
	err := saga.Run(context.Background(), testParams(), &state)
	if err == nil {
		t.Fatal("expected error")
	}
	step, _ := FailedStep(err)
	if step != StepAuthorized {
		t.Fatalf("failed step = %v, want authorized", step)
	}
	// The authorization survives for the next attempt.
	if state.AuthTxHash != "auth-tx-1" {
		t.Fatal("authorization lost on create failure")
	}
}

func TestSagaRejectsInactiveCustody(t *testing.T) {
	client := &fakeLedger{getStatus: "released"}
	saga := NewFundingSaga(client, time.Second)

	var state FundingState
	err := saga.Run(context.Background(), testParams(), &state)
	if err == nil {
		t.Fatal("expected error for non-active custody")
	}
	if state.Step != StepCustodyCreated {
		t.Fatalf("step = %v, want custody_created", state.Step)
	}
}
