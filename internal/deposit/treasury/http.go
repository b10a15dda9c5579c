// Package treasury allocates deposit addresses from the custody service.
package treasury

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/one-covenant/basilica-billing/internal/observability/tracing"
)

const maxResponseBody = 16 << 10

// HTTPProvider calls POST {base}/deposit-addresses with {"user_id": ...} and
// expects {"address": "0x..."}.
type HTTPProvider struct {
	baseURL string
	client  *http.Client
}

func NewHTTPProvider(baseURL string, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  tracing.WrapHTTPClient(&http.Client{Timeout: timeout}),
	}
}

type addressRequest struct {
	UserID string `json:"user_id"`
}

type addressResponse struct {
	Address string `json:"address"`
}

func (p *HTTPProvider) NewDepositAddress(ctx context.Context, userID string) (string, error) {
	payload, err := json.Marshal(addressRequest{UserID: userID})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/deposit-addresses", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("treasury request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return "", err
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", fmt.Errorf("treasury status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out addressResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode treasury response: %w", err)
	}
	if out.Address == "" {
		return "", fmt.Errorf("treasury returned empty address")
	}
	return out.Address, nil
}
