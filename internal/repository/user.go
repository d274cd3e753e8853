package repository

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrUserNotFound is returned when no row exists for a user — callers fall
// through to process-wide rate-limit defaults rather than treating this as
// an error.
var ErrUserNotFound = errors.New("repository: user not found")

// RateLimits mirrors auth.RateLimits without importing internal/auth,
// keeping the repository package dependency-free of the auth strategy
// layer above it.
type RateLimits struct {
	ChatMinute, ChatHour, ChatDay, ChatForever                     int
	WebSearchMinute, WebSearchHour, WebSearchDay, WebSearchForever int
}

// UserRepo persists the post-migration users(user_id, rate_limits jsonb)
// shape spec.md's Open Question 1 adopts.
type UserRepo struct {
	pool *pgxpool.Pool
}

func NewUserRepo(pool *pgxpool.Pool) *UserRepo {
	return &UserRepo{pool: pool}
}

// EnsureUser auto-provisions a bare row on first use, matching the source
// system's api_key_strategy auto-provisioning behavior.
func (r *UserRepo) EnsureUser(ctx context.Context, userID string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO users (user_id, rate_limits)
		VALUES ($1, NULL)
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
	return err
}

// GetRateLimits returns the user's configured per-bucket overrides, or
// ErrUserNotFound if no row exists. A nil rate_limits column is not an
// error — it just means every bucket falls through to the process default.
func (r *UserRepo) GetRateLimits(ctx context.Context, userID string) (*RateLimits, error) {
	var raw []byte
	err := r.pool.QueryRow(ctx, `SELECT rate_limits FROM users WHERE user_id = $1`, userID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}

	var wire struct {
		Chat struct {
			Minute, Hour, Day, Forever int
		} `json:"chat"`
		WebSearch struct {
			Minute, Hour, Day, Forever int
		} `json:"web_search"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, err
	}
	return &RateLimits{
		ChatMinute:       wire.Chat.Minute,
		ChatHour:         wire.Chat.Hour,
		ChatDay:          wire.Chat.Day,
		ChatForever:      wire.Chat.Forever,
		WebSearchMinute:  wire.WebSearch.Minute,
		WebSearchHour:    wire.WebSearch.Hour,
		WebSearchDay:     wire.WebSearch.Day,
		WebSearchForever: wire.WebSearch.Forever,
	}, nil
}

// SetRateLimits upserts a user's rate-limit overrides as JSONB.
func (r *UserRepo) SetRateLimits(ctx context.Context, userID string, limits RateLimits) error {
	wire := map[string]any{
		"chat": map[string]int{
			"minute": limits.ChatMinute, "hour": limits.ChatHour,
			"day": limits.ChatDay, "forever": limits.ChatForever,
		},
		"web_search": map[string]int{
			"minute": limits.WebSearchMinute, "hour": limits.WebSearchHour,
			"day": limits.WebSearchDay, "forever": limits.WebSearchForever,
		},
	}
	payload, err := json.Marshal(wire)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO users (user_id, rate_limits) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET rate_limits = EXCLUDED.rate_limits
	`, userID, payload)
	return err
}
