package enrichment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// HTTPVaultClient implements VaultClient against the external document
// vault service, grounded on the same HTTP-client shape as
// internal/metering's Client (stdlib net/http, bearer token, JSON body) —
// no vault-service client library appears anywhere in the example corpus.
type HTTPVaultClient struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPVaultClient(baseURL, token string) *HTTPVaultClient {
	return &HTTPVaultClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type vaultDocumentResponse struct {
	ID       string  `json:"id"`
	OwnerDID string  `json:"owner_did"`
	Prompt   *string `json:"prompt"`
}

func (c *HTTPVaultClient) FetchDocument(ctx context.Context, documentID string) (*VaultDocument, error) {
	reqURL := c.baseURL + "/documents/" + url.PathEscape(documentID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("enrichment: build vault request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("enrichment: vault request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("enrichment: document %s not found", documentID)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("enrichment: vault status %d", resp.StatusCode)
	}

	var parsed vaultDocumentResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("enrichment: decode vault response: %w", err)
	}

	return &VaultDocument{ID: parsed.ID, OwnerDID: parsed.OwnerDID, Prompt: parsed.Prompt}, nil
}

// Delegation is a short-lived token letting the given DID write a prompt
// document on behalf of the service.
type Delegation struct {
	Token string `json:"token"`
	DID   string `json:"did"`
}

// IssueDelegation requests a write-delegation token for holderDID.
func (c *HTTPVaultClient) IssueDelegation(ctx context.Context, holderDID string) (*Delegation, error) {
	reqURL := c.baseURL + "/delegations?did=" + url.QueryEscape(holderDID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("enrichment: build delegation request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("enrichment: delegation request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("enrichment: delegation status %d", resp.StatusCode)
	}

	var delegation Delegation
	if err := json.NewDecoder(resp.Body).Decode(&delegation); err != nil {
		return nil, fmt.Errorf("enrichment: decode delegation response: %w", err)
	}
	return &delegation, nil
}
