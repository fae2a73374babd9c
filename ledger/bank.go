package ledger

import (
	"context"
	"net/http"
	"time"
)

// Deposit is a confirmed incoming bank transfer as reported by the custody
// platform's banking rail.
type Deposit struct {
	DepositID       string `json:"deposit_id"`
	ReceiverAccount string `json:"receiver_account"`
	Amount          int64  `json:"amount"`
	Status          string `json:"status"`
	Reference       string `json:"reference"`
}

// DepositComplete is the only deposit status the platform acts on.
const DepositComplete = "complete"

// PayoutParams describes a settlement transfer to a party's bank account.
type PayoutParams struct {
	Amount             int64  `json:"amount"`
	Currency           string `json:"currency"`
	DestinationAccount string `json:"destination_account"`
	Beneficiary        string `json:"beneficiary"`
	Reference          string `json:"reference"`
}

// BankClient covers the banking-rail half of the custody platform: deposit
// detection and fiat payout. It shares the HMAC request signing of the
// custody gateway.
type BankClient struct {
	*HTTPClient
}

func NewBankClient(baseURL, apiKey, apiSecret string, callTimeout time.Duration) *BankClient {
	return &BankClient{HTTPClient: NewHTTPClient(baseURL, apiKey, apiSecret, callTimeout)}
}

// ListDeposits returns recent deposits; the deposit-detection sweep matches
// them against pending payments by destination account and amount.
func (c *BankClient) ListDeposits(ctx context.Context) ([]Deposit, error) {
	var out struct {
		Deposits []Deposit `json:"deposits"`
	}
	if err := c.do(ctx, "list deposits", http.MethodGet, "/v1/deposits", nil, &out); err != nil {
		return nil, err
	}
	return out.Deposits, nil
}

// SendPayout initiates a fiat settlement and returns the rail's payout id.
func (c *BankClient) SendPayout(ctx context.Context, params PayoutParams) (string, error) {
	var out struct {
		PayoutID string `json:"payout_id"`
	}
	if err := c.do(ctx, "send payout", http.MethodPost, "/v1/payouts", params, &out); err != nil {
		return "", err
	}
	return out.PayoutID, nil
}
