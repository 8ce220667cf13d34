package verification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPClient submits evidence to the review service over JSON.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient builds a verifier client for baseURL. httpc may be nil.
func NewHTTPClient(baseURL string, httpc *http.Client) *HTTPClient {
	if httpc == nil {
		httpc = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPClient{baseURL: baseURL, client: httpc}
}

type verifyRequest struct {
	ProtectionID  string `json:"protectionId"`
	TransactionID string `json:"transactionId"`
	PhotoRef      string `json:"photoRef"`
}

type verifyResponse struct {
	Approved   bool     `json:"approved"`
	Confidence float64  `json:"confidence"`
	Flags      []string `json:"flags"`
}

func (c *HTTPClient) Verify(ctx context.Context, sub Submission) (Verdict, error) {
	payload, err := json.Marshal(verifyRequest{
		ProtectionID:  sub.ProtectionID,
		TransactionID: sub.TransactionID,
		PhotoRef:      sub.PhotoRef,
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("verification: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/verify", bytes.NewReader(payload))
	if err != nil {
		return Verdict{}, fmt.Errorf("verification: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Verdict{}, fmt.Errorf("verification: verify: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Verdict{}, fmt.Errorf("verification: status %d: %w", resp.StatusCode, ErrUnavailable)
	}

	var body verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Verdict{}, fmt.Errorf("verification: decode response: %w", err)
	}
	return Verdict{Approved: body.Approved, Confidence: body.Confidence, Flags: body.Flags}, nil
}
