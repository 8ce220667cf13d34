package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPClient talks JSON to the payment rail. The idempotency key travels in
// the Idempotency-Key header so the rail can deduplicate redelivered calls.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient builds a rail client for baseURL. httpc may be nil.
func NewHTTPClient(baseURL string, httpc *http.Client) *HTTPClient {
	if httpc == nil {
		httpc = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPClient{baseURL: baseURL, client: httpc}
}

type holdRequest struct {
	Amount int64 `json:"amount"`
}

type holdResponse struct {
	EscrowReference string `json:"escrowReference"`
}

type receiptResponse struct {
	Reference string    `json:"reference"`
	Amount    int64     `json:"amount"`
	IssuedAt  time.Time `json:"issuedAt"`
}

func (c *HTTPClient) Hold(ctx context.Context, amount int64, idempotencyKey string) (string, error) {
	var resp holdResponse
	if err := c.post(ctx, "/v1/holds", idempotencyKey, holdRequest{Amount: amount}, &resp); err != nil {
		return "", err
	}
	if resp.EscrowReference == "" {
		return "", fmt.Errorf("escrow: hold response missing reference")
	}
	return resp.EscrowReference, nil
}

func (c *HTTPClient) Capture(ctx context.Context, escrowRef, idempotencyKey string) (Receipt, error) {
	var resp receiptResponse
	path := fmt.Sprintf("/v1/holds/%s/capture", escrowRef)
	if err := c.post(ctx, path, idempotencyKey, struct{}{}, &resp); err != nil {
		return Receipt{}, err
	}
	return Receipt{Reference: resp.Reference, Amount: resp.Amount, IssuedAt: resp.IssuedAt}, nil
}

func (c *HTTPClient) Refund(ctx context.Context, escrowRef, idempotencyKey string) (Receipt, error) {
	var resp receiptResponse
	path := fmt.Sprintf("/v1/holds/%s/refund", escrowRef)
	if err := c.post(ctx, path, idempotencyKey, struct{}{}, &resp); err != nil {
		return Receipt{}, err
	}
	return Receipt{Reference: resp.Reference, Amount: resp.Amount, IssuedAt: resp.IssuedAt}, nil
}

func (c *HTTPClient) post(ctx context.Context, path, idempotencyKey string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("escrow: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("escrow: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("escrow: %s: %w", path, ErrUnavailable)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("escrow: decode response: %w", err)
		}
		return nil
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("escrow: %s: %w", path, ErrConflict)
	case resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusPaymentRequired:
		return fmt.Errorf("escrow: %s: %w", path, ErrDeclined)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("escrow: %s status %d: %w", path, resp.StatusCode, ErrUnavailable)
	default:
		return fmt.Errorf("escrow: %s unexpected status %d", path, resp.StatusCode)
	}
}
