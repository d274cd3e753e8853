// Package querylog records one structured record per request: async on
// success, synchronous on 5xx, skipped entirely on 4xx (the anti-abuse
// policy spec.md §7 documents — writing 4xx would let an attacker flood the
// log table for free).
//
// Grounded on the teacher's `internal/repository/usage.go` atomic
// `ON CONFLICT` pattern, generalized here to an insert-only log table.
package querylog

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Record is one request's full accounting, built up by the orchestrator
// across the pipeline and committed once at the end.
type Record struct {
	ID                 string
	UserID             string
	LockID             string
	QueryTimestamp     time.Time
	Model              string
	PromptTokens       int
	CompletionTokens   int
	TotalTokens        int
	ToolCalls          int
	WebSearchCalls     int
	Temperature        float64
	MaxTokens          int
	ResponseTimeMs     int64
	ModelResponseTimeMs int64
	ToolResponseTimeMs int64
	WasStreamed        bool
	WasMultimodal      bool
	WasNilDB           bool
	WasNilRAG          bool
	ErrorCode          int
	ErrorMessage       string
}

// New starts a record with a generated ID and the current timestamp; the
// orchestrator fills in the rest as the pipeline progresses.
func New(userID, model string) *Record {
	return &Record{
		ID:             uuid.NewString(),
		UserID:         userID,
		QueryTimestamp: time.Now().UTC(),
		Model:          model,
	}
}

// Repo persists Records to the query_logs table.
type Repo struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) *Repo {
	return &Repo{pool: pool}
}

const insertSQL = `
INSERT INTO query_logs (
	id, user_id, lockid, query_timestamp, model,
	prompt_tokens, completion_tokens, total_tokens,
	tool_calls, web_search_calls, temperature, max_tokens,
	response_time_ms, model_response_time_ms, tool_response_time_ms,
	was_streamed, was_multimodal, was_nildb, was_nilrag,
	error_code, error_message
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21
)`

// Insert writes rec synchronously.
func (r *Repo) Insert(ctx context.Context, rec *Record) error {
	_, err := r.pool.Exec(ctx, insertSQL,
		rec.ID, rec.UserID, rec.LockID, rec.QueryTimestamp, rec.Model,
		rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens,
		rec.ToolCalls, rec.WebSearchCalls, rec.Temperature, rec.MaxTokens,
		rec.ResponseTimeMs, rec.ModelResponseTimeMs, rec.ToolResponseTimeMs,
		rec.WasStreamed, rec.WasMultimodal, rec.WasNilDB, rec.WasNilRAG,
		rec.ErrorCode, rec.ErrorMessage,
	)
	return err
}

// CommitAsync writes rec in a background goroutine, for the 2xx path — a DB
// error here is logged and swallowed, never fails the response that has
// already been sent.
func (r *Repo) CommitAsync(rec *Record) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.Insert(ctx, rec); err != nil {
			slog.Error("querylog: background insert failed", "request_id", rec.ID, "user_id", rec.UserID, "err", err)
		}
	}()
}

// CommitSync writes rec before returning, for the 5xx path where the error
// must be recorded before the response completes.
func (r *Repo) CommitSync(ctx context.Context, rec *Record) {
	if err := r.Insert(ctx, rec); err != nil {
		slog.Error("querylog: synchronous insert failed", "request_id", rec.ID, "user_id", rec.UserID, "err", err)
	}
}

// LogClientError writes a 4xx to stderr only, per the anti-abuse policy —
// no DB write.
func LogClientError(rec *Record) {
	slog.Warn("querylog: client error (not persisted)",
		"request_id", rec.ID, "user_id", rec.UserID, "model", rec.Model,
		"error_code", rec.ErrorCode, "error_message", rec.ErrorMessage)
}

// UsageTotals is the aggregate GET /v1/usage returns.
type UsageTotals struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// SumUsage computes a single server-side SUM query over the caller's rows.
func (r *Repo) SumUsage(ctx context.Context, userID string) (UsageTotals, error) {
	var totals UsageTotals
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0), COALESCE(SUM(total_tokens), 0)
		FROM query_logs WHERE user_id = $1
	`, userID).Scan(&totals.PromptTokens, &totals.CompletionTokens, &totals.TotalTokens)
	return totals, err
}
