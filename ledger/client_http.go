package ledger

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// HTTPClient talks to the custody ledger gateway. Requests are signed with
// an HMAC of nonce + method + path + body, the scheme the custody platform
// expects on every call.
type HTTPClient struct {
	baseURL   string
	apiKey    string
	apiSecret []byte
	http      *http.Client
	now       func() time.Time
}

func NewHTTPClient(baseURL, apiKey, apiSecret string, callTimeout time.Duration) *HTTPClient {
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL:   baseURL,
		apiKey:    apiKey,
		apiSecret: []byte(apiSecret),
		http:      &http.Client{Timeout: callTimeout},
		now:       time.Now,
	}
}

func (c *HTTPClient) sign(nonce, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, c.apiSecret)
	mac.Write([]byte(nonce + method + path))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *HTTPClient) do(ctx context.Context, op, method, path string, payload, out any) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("ledger: marshal %s payload: %w", op, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("ledger: build %s request: %w", op, err)
	}

	nonce := strconv.FormatInt(c.now().UnixNano(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("X-Nonce", nonce)
	req.Header.Set("X-Signature", c.sign(nonce, method, path, body))

	resp, err := c.http.Do(req)
	if err != nil {
		timeout := errors.Is(err, context.DeadlineExceeded)
		var ne interface{ Timeout() bool }
		if errors.As(err, &ne) && ne.Timeout() {
			timeout = true
		}
		return &CallError{Op: op, Timeout: timeout, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &CallError{Op: op, Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode == http.StatusNotFound {
		return &CallError{Op: op, Err: errNotFound}
	}
	if resp.StatusCode >= 400 {
		return &CallError{Op: op, Err: fmt.Errorf("status %d: %s", resp.StatusCode, truncate(data, 256))}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return &CallError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}

var errNotFound = errors.New("not found")

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}

type txHashResponse struct {
	TxHash string `json:"tx_hash"`
}

func (c *HTTPClient) Authorize(ctx context.Context, payerAccount string, amount int64) (string, error) {
	payload := map[string]any{"payer_account": payerAccount, "amount": amount}
	var out txHashResponse
	if err := c.do(ctx, "authorize", http.MethodPost, "/v1/custody/authorizations", payload, &out); err != nil {
		return "", err
	}
	return out.TxHash, nil
}

func (c *HTTPClient) CreateCustody(ctx context.Context, params CustodyParams) (string, string, error) {
	params.DurationSeconds = int64(params.Duration / time.Second)
	var out struct {
		CustodyID string `json:"custody_id"`
		TxHash    string `json:"tx_hash"`
	}
	if err := c.do(ctx, "create custody", http.MethodPost, "/v1/custody", params, &out); err != nil {
		return "", "", err
	}
	return out.CustodyID, out.TxHash, nil
}

func (c *HTTPClient) ApproveRelease(ctx context.Context, custodyID, party string) (string, error) {
	payload := map[string]any{"party": party}
	var out txHashResponse
	if err := c.do(ctx, "approve release", http.MethodPost, "/v1/custody/"+custodyID+"/approvals", payload, &out); err != nil {
		return "", err
	}
	return out.TxHash, nil
}

func (c *HTTPClient) ReleaseCustody(ctx context.Context, custodyID string) (string, error) {
	var out txHashResponse
	if err := c.do(ctx, "release custody", http.MethodPost, "/v1/custody/"+custodyID+"/release", nil, &out); err != nil {
		return "", err
	}
	return out.TxHash, nil
}

func (c *HTTPClient) RaiseDispute(ctx context.Context, custodyID, reason string) (string, error) {
	payload := map[string]any{"reason": reason}
	var out txHashResponse
	if err := c.do(ctx, "raise dispute", http.MethodPost, "/v1/custody/"+custodyID+"/disputes", payload, &out); err != nil {
		return "", err
	}
	return out.TxHash, nil
}

func (c *HTTPClient) ResolveDispute(ctx context.Context, custodyID string, refundPayer bool) (string, error) {
	payload := map[string]any{"refund_payer": refundPayer}
	var out txHashResponse
	if err := c.do(ctx, "resolve dispute", http.MethodPost, "/v1/custody/"+custodyID+"/disputes/resolution", payload, &out); err != nil {
		return "", err
	}
	return out.TxHash, nil
}

func (c *HTTPClient) GetCustody(ctx context.Context, custodyID string) (CustodyInfo, error) {
	var out CustodyInfo
	if err := c.do(ctx, "get custody", http.MethodGet, "/v1/custody/"+custodyID, nil, &out); err != nil {
		return CustodyInfo{}, err
	}
	return out, nil
}

func (c *HTTPClient) FindCustodyByReference(ctx context.Context, reference string) (CustodyInfo, bool, error) {
	var out CustodyInfo
	err := c.do(ctx, "find custody", http.MethodGet, "/v1/custody/by-reference/"+reference, nil, &out)
	if err != nil {
		var ce *CallError
		if errors.As(err, &ce) && errors.Is(ce.Err, errNotFound) {
			return CustodyInfo{}, false, nil
		}
		return CustodyInfo{}, false, err
	}
	return out, true, nil
}
