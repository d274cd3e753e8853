// Package attestation fetches CPU+GPU attestation blobs from the external
// attestation provider, an out-of-scope collaborator per spec.md §1.
package attestation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Report is the provider's raw attestation response; verifying_key is
// filled in by the caller from the gateway's own keystore, not this client.
type Report struct {
	CPUAttestation string `json:"cpu_attestation"`
	GPUAttestation string `json:"gpu_attestation"`
}

// Client fetches attestation reports over HTTP, grounded on the same
// stdlib net/http shape used by internal/metering and internal/auth's
// credit client — no attestation-provider library appears in the example
// corpus.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{baseURL: baseURL, http: &http.Client{Timeout: 10 * time.Second}}
}

func (c *Client) FetchReport(ctx context.Context) (*Report, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/report", nil)
	if err != nil {
		return nil, fmt.Errorf("attestation: build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("attestation: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("attestation: provider status %d", resp.StatusCode)
	}

	var report Report
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, fmt.Errorf("attestation: decode response: %w", err)
	}
	return &report, nil
}
