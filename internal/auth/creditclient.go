package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nillion-oss/nilai-gateway/internal/repository"
)

// RateLimitsRepo is the subset of repository.UserRepo the credit client
// uses to merge in a user's locally-stored per-bucket overrides — the
// external credit service owns billing identity, not rate-limit config.
// internal/repository stays free of a dependency on internal/auth, so the
// import only runs in this direction.
type RateLimitsRepo interface {
	EnsureUser(ctx context.Context, userID string) error
	GetRateLimits(ctx context.Context, userID string) (*repository.RateLimits, error)
}

// HTTPCreditClient validates a principal against the external credit
// service and layers in the principal's locally-stored rate-limit
// overrides. Grounded on the metering package's HTTP client shape — a
// deliberate stdlib net/http choice, since no credit-service client
// library exists anywhere in the example corpus.
type HTTPCreditClient struct {
	baseURL string
	token   string
	http    *http.Client
	users   RateLimitsRepo // optional; nil means no local overrides
}

func NewHTTPCreditClient(baseURL, token string, users RateLimitsRepo) *HTTPCreditClient {
	return &HTTPCreditClient{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
		users:   users,
	}
}

type validateRequest struct {
	Principal string `json:"principal"`
	IsPublic  bool   `json:"is_public"`
}

type validateResponse struct {
	UserID string `json:"user_id"`
}

// Validate implements auth.CreditClient.
func (c *HTTPCreditClient) Validate(ctx context.Context, principal string, isPublic bool) (*User, error) {
	body, err := json.Marshal(validateRequest{Principal: principal, IsPublic: isPublic})
	if err != nil {
		return nil, fmt.Errorf("creditclient: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/validate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creditclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("creditclient: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("creditclient: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("creditclient: rejected with status %d: %s", resp.StatusCode, raw)
	}

	var parsed validateResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("creditclient: decode response: %w", err)
	}
	if parsed.UserID == "" {
		return nil, fmt.Errorf("creditclient: empty user_id in response")
	}

	user := &User{UserID: parsed.UserID}
	if c.users != nil {
		if err := c.users.EnsureUser(ctx, parsed.UserID); err != nil {
			return nil, fmt.Errorf("creditclient: auto-provision user: %w", err)
		}
		repoLimits, err := c.users.GetRateLimits(ctx, parsed.UserID)
		if err != nil && !errors.Is(err, repository.ErrUserNotFound) {
			return nil, fmt.Errorf("creditclient: load rate limits: %w", err)
		}
		if repoLimits != nil {
			user.RateLimits = &RateLimits{
				ChatMinute: repoLimits.ChatMinute, ChatHour: repoLimits.ChatHour,
				ChatDay: repoLimits.ChatDay, ChatForever: repoLimits.ChatForever,
				WebSearchMinute: repoLimits.WebSearchMinute, WebSearchHour: repoLimits.WebSearchHour,
				WebSearchDay: repoLimits.WebSearchDay, WebSearchForever: repoLimits.WebSearchForever,
			}
		}
	}
	return user, nil
}
