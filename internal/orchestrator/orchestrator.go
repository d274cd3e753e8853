// Package orchestrator implements the chat-completion request state
// machine (C9): authenticate → rate-check → resolve endpoint → enrich →
// dispatch → tool round → sign → meter + log.
//
// Grounded on the teacher's internal/handler/chat.go pipeline shape
// (errgroup fan-out retained in enrichment, SSE sendEvent convention
// reused in the streaming path) generalized from RAG chat semantics to
// gateway dispatch semantics.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nillion-oss/nilai-gateway/internal/apierror"
	"github.com/nillion-oss/nilai-gateway/internal/auth"
	"github.com/nillion-oss/nilai-gateway/internal/enrichment"
	"github.com/nillion-oss/nilai-gateway/internal/querylog"
	"github.com/nillion-oss/nilai-gateway/internal/ratelimit"
	"github.com/nillion-oss/nilai-gateway/internal/registry"
	"github.com/nillion-oss/nilai-gateway/internal/toolloop"
)

// defaultConcurrentLimit is applied when no per-model override exists.
const defaultConcurrentLimit = 50

// Dependencies bundles every collaborator the orchestrator needs. All
// fields are required except the enrichment collaborators, which may be
// nil when the corresponding request flag is never set (e.g. no vault
// configured means NilRAG/stored-prompt requests simply aren't offered).
type Dependencies struct {
	Limiter    *ratelimit.Limiter
	RateLimits ratelimit.UserLimits // process-wide chat defaults
	WebSearch  ratelimit.WebSearchConfig

	Registry *registry.Registry
	Upstream UpstreamClient
	Signer   Signer
	Metering MeteringClient
	Logs     *querylog.Repo

	Vault        enrichment.VaultClient
	Embedder     enrichment.QueryEmbedder
	VecSearcher  enrichment.VectorSearcher
	TopicPlanner enrichment.TopicPlanner
	WebSearcher  enrichment.SearchProvider
	PageFetcher  enrichment.PageFetcher
	RAGTopK      int

	Tools toolloop.RunRegistry

	ConcurrentLimits map[string]int // per-model override; falls back to defaultConcurrentLimit
}

// MeteringClient is the subset of metering.Client the orchestrator uses.
type MeteringClient interface {
	Reserve(ctx context.Context, creditIdentifier, model string, bypass bool) MeteringContext
}

// MeteringContext is the subset of *metering.Context the orchestrator uses.
type MeteringContext interface {
	SetResponse(ctx context.Context, usage MeteringUsage) error
	Finalize()
}

// MeteringUsage mirrors metering.Usage to avoid a hard dependency loop;
// orchestrator constructs one from the completion's own Usage.
type MeteringUsage struct {
	PromptTokens     int
	CompletionTokens int
	WebSearches      int
}

// Orchestrator runs the pipeline for one gateway instance.
type Orchestrator struct {
	deps Dependencies
}

func New(deps Dependencies) *Orchestrator {
	return &Orchestrator{deps: deps}
}

func (o *Orchestrator) concurrentLimitFor(model string) int {
	if l, ok := o.deps.ConcurrentLimits[model]; ok && l > 0 {
		return l
	}
	return defaultConcurrentLimit
}

// validate enforces the §4.8 contract before any I/O runs.
func validate(req ChatRequest, endpoint *registry.ModelEndpoint) error {
	if len(req.Messages) == 0 {
		return apierror.BadRequest("messages must be non-empty")
	}
	if req.Model == "" {
		return apierror.BadRequest("model is required")
	}
	if req.Tools != nil && !endpoint.Metadata.SupportsTools {
		return apierror.BadRequest("model does not support tools")
	}
	if hasImagePart(req.Messages) && !endpoint.Metadata.SupportsMultimodal {
		return apierror.BadRequest("model does not support multimodal input")
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 5) {
		return apierror.BadRequest("temperature out of range [0,5]")
	}
	if req.TopP != nil && (*req.TopP < 0 || *req.TopP > 1) {
		return apierror.BadRequest("top_p out of range [0,1]")
	}
	if req.MaxTokens != nil && (*req.MaxTokens < 1 || *req.MaxTokens > 100000) {
		return apierror.BadRequest("max_tokens out of range [1,100000]")
	}
	return nil
}

func hasImagePart(messages []Message) bool {
	for _, m := range messages {
		parts, ok := m.Content.([]any)
		if !ok {
			continue
		}
		for _, p := range parts {
			pm, ok := p.(map[string]any)
			if !ok {
				continue
			}
			if t, _ := pm["type"].(string); t == "image_url" || t == "image" {
				return true
			}
		}
	}
	return false
}

// Handle runs the full non-streaming pipeline and returns the signed,
// metered, logged response.
func (o *Orchestrator) Handle(ctx context.Context, authCtx *auth.AuthContext, req ChatRequest) (*SignedChatCompletion, error) {
	rec := querylog.New(authCtx.User.UserID, req.Model)
	rec.Temperature = floatOrZero(req.Temperature)
	rec.MaxTokens = intOrZero(req.MaxTokens)
	rec.WasMultimodal = hasImagePart(req.Messages)
	rec.WasNilRAG = req.NilRAG
	start := time.Now()

	resp, sources, err := o.run(ctx, authCtx, req, rec)

	rec.ResponseTimeMs = time.Since(start).Milliseconds()
	if err != nil {
		ae := apierror.From(err)
		rec.ErrorCode = ae.StatusCode()
		rec.ErrorMessage = ae.Message
		o.commitLog(ctx, rec)
		return nil, ae
	}

	o.commitLog(ctx, rec)
	_ = sources
	return resp, nil
}

func (o *Orchestrator) commitLog(ctx context.Context, rec *querylog.Record) {
	if o.deps.Logs == nil {
		return
	}
	switch {
	case rec.ErrorCode >= 500:
		o.deps.Logs.CommitSync(ctx, rec)
	case rec.ErrorCode >= 400:
		querylog.LogClientError(rec)
	default:
		o.deps.Logs.CommitAsync(rec)
	}
}

// run executes authenticated → ... → signed, writing accounting fields
// into rec as it goes. It does not commit the log itself.
func (o *Orchestrator) run(ctx context.Context, authCtx *auth.AuthContext, req ChatRequest, rec *querylog.Record) (*SignedChatCompletion, []Source, error) {
	// rate_checked
	if !authCtx.Bypass {
		if err := o.checkRateLimits(ctx, authCtx, req); err != nil {
			return nil, nil, err
		}
	}

	// endpoint_resolved
	endpoint, err := o.deps.Registry.Get(ctx, req.Model, authCtx.User.UserID+":"+req.Model)
	if err != nil {
		return nil, nil, apierror.BadRequest("unknown or unavailable model: " + req.Model)
	}

	if err := validate(req, endpoint); err != nil {
		return nil, nil, err
	}
	if hasImagePart(req.Messages) {
		req.WebSearch = false
	}

	// metering reservation happens once the model is known, ahead of dispatch
	meter := o.deps.Metering.Reserve(ctx, authCtx.CreditIdentifier, req.Model, authCtx.Bypass)
	defer meter.Finalize()

	// enriched (nildb? -> nilrag? -> web_search?)
	enrichedMessages, sources, err := o.enrich(ctx, authCtx, req)
	if err != nil {
		return nil, nil, err
	}
	req.Messages = enrichedMessages
	rec.WasNilDB = authCtx.DocumentBinding != nil

	// concurrency gauge: acquire strictly before dispatch, release on every exit
	concurrencyKey := "concurrent:" + req.Model
	limit := o.concurrentLimitFor(req.Model)
	acquired, err := o.deps.Limiter.AcquireConcurrency(ctx, concurrencyKey, limit)
	if err != nil {
		return nil, nil, apierror.Upstream("concurrency gauge unavailable", err)
	}
	if !acquired {
		return nil, nil, apierror.TooManyRequests("model at capacity", 1000)
	}
	defer func() {
		if err := o.deps.Limiter.ReleaseConcurrency(context.Background(), concurrencyKey); err != nil {
			slog.Error("orchestrator: failed to release concurrency gauge", "model", req.Model, "err", err)
		}
	}()

	// dispatched
	modelStart := time.Now()
	completion, err := o.deps.Upstream.Complete(ctx, endpoint.URL, req)
	rec.ModelResponseTimeMs = time.Since(modelStart).Milliseconds()
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, apierror.Timeout("request deadline exceeded during dispatch")
		}
		return nil, nil, apierror.Upstream("model backend failed", err)
	}

	// tool_rounds=0|1
	usage := completion.Usage
	choices := completion.Choices
	if req.Tools != nil && len(choices) > 0 {
		toolStart := time.Now()
		updated, toolUsage, ranRound, err := o.runToolRound(ctx, endpoint.URL, req, choices[0])
		rec.ToolResponseTimeMs = time.Since(toolStart).Milliseconds()
		if err != nil {
			return nil, nil, apierror.Upstream("tool round failed", err)
		}
		if ranRound {
			choices = updated
			usage.PromptTokens += toolUsage.PromptTokens
			usage.CompletionTokens += toolUsage.CompletionTokens
			usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
			rec.ToolCalls++
		}
	}

	rec.PromptTokens = usage.PromptTokens
	rec.CompletionTokens = usage.CompletionTokens
	rec.TotalTokens = usage.TotalTokens
	rec.WebSearchCalls = countWebSearchCalls(sources)

	resp := SignedChatCompletion{
		ID:      completion.ID,
		Object:  "chat.completion",
		Created: completion.Created,
		Model:   req.Model,
		Choices: choices,
		Usage:   usage,
		Sources: sources,
	}

	// signed
	sig, err := sign(o.deps.Signer, resp)
	if err != nil {
		return nil, nil, apierror.Internal("failed to sign response", err)
	}
	resp.Signature = sig

	// metered
	if err := meter.SetResponse(ctx, MeteringUsage{
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		WebSearches:      rec.WebSearchCalls,
	}); err != nil {
		slog.Error("orchestrator: usage reporting failed", "user_id", authCtx.User.UserID, "model", req.Model, "err", err)
	}

	return &resp, sources, nil
}

func (o *Orchestrator) runToolRound(ctx context.Context, baseURL string, req ChatRequest, first Choice) ([]Choice, Usage, bool, error) {
	structuredJSON := ""
	if raw, ok := first.Message.ToolCalls.(string); ok {
		structuredJSON = raw
	}
	content, _ := first.Message.Content.(string)

	calls, err := toolloop.ExtractToolCalls(structuredJSON, content)
	if err != nil || len(calls) == 0 {
		return []Choice{first}, Usage{}, false, nil
	}

	toolMessages := toolloop.Run(ctx, o.deps.Tools, calls)

	followUp := req
	followUp.Messages = append(append([]Message{}, req.Messages...), first.Message)
	for _, tm := range toolMessages {
		followUp.Messages = append(followUp.Messages, Message{Role: "tool", Content: tm.Content, ToolCallID: tm.ToolCallID})
	}
	followUp.ToolChoice = "none"

	completion, err := o.deps.Upstream.Complete(ctx, baseURL, followUp)
	if err != nil {
		return nil, Usage{}, false, err
	}
	return completion.Choices, completion.Usage, true, nil
}

func countWebSearchCalls(sources []Source) int {
	n := 0
	for _, s := range sources {
		if s.Source == "web_search_query" {
			n++
		}
	}
	return n
}

func (o *Orchestrator) checkRateLimits(ctx context.Context, authCtx *auth.AuthContext, req ChatRequest) error {
	limits := o.deps.RateLimits
	if authCtx.User.RateLimits != nil {
		rl := authCtx.User.RateLimits
		limits = ratelimit.UserLimits{
			Minute:  orDefault(rl.ChatMinute, limits.Minute),
			Hour:    orDefault(rl.ChatHour, limits.Hour),
			Day:     orDefault(rl.ChatDay, limits.Day),
			Forever: orDefault(rl.ChatForever, limits.Forever),
		}
	}

	tokenLimits := make([]ratelimit.TokenLimit, len(authCtx.TokenRateLimits))
	for i, tl := range authCtx.TokenRateLimits {
		tokenLimits[i] = ratelimit.TokenLimit{Signature: tl.Signature, UsageLimit: tl.UsageLimit, ExpiresAt: tl.ExpiresAt}
	}

	decision, err := o.deps.Limiter.CheckChat(ctx, authCtx.User.UserID, limits, o.deps.RateLimits, tokenLimits)
	if err != nil {
		return apierror.Upstream("rate limiter unavailable", err)
	}
	if !decision.Allowed {
		return apierror.TooManyRequests("rate limit exceeded on bucket "+decision.Bucket, decision.RetryAfterMs)
	}

	if req.WebSearch {
		wsLimits := o.deps.WebSearch.Defaults
		if authCtx.User.RateLimits != nil {
			rl := authCtx.User.RateLimits
			wsLimits = ratelimit.UserLimits{
				Minute:  orDefault(rl.WebSearchMinute, wsLimits.Minute),
				Hour:    orDefault(rl.WebSearchHour, wsLimits.Hour),
				Day:     orDefault(rl.WebSearchDay, wsLimits.Day),
				Forever: orDefault(rl.WebSearchForever, wsLimits.Forever),
			}
		}
		decision, err := o.deps.Limiter.CheckWebSearch(ctx, authCtx.User.UserID, wsLimits, o.deps.WebSearch)
		if err != nil {
			return apierror.Upstream("web search rate limiter unavailable", err)
		}
		if !decision.Allowed {
			return apierror.TooManyRequests("web search rate limit exceeded on bucket "+decision.Bucket, decision.RetryAfterMs)
		}
	}
	return nil
}

func orDefault(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func (o *Orchestrator) enrich(ctx context.Context, authCtx *auth.AuthContext, req ChatRequest) ([]Message, []Source, error) {
	messages := toEnrichmentMessages(req.Messages)

	if authCtx.DocumentBinding != nil {
		if o.deps.Vault == nil {
			return nil, nil, apierror.Forbidden("stored-prompt document requested but no vault configured")
		}
		var err error
		messages, err = enrichment.InjectStoredPrompt(ctx, o.deps.Vault, authCtx.DocumentBinding, messages)
		if err != nil {
			return nil, nil, err
		}
	}

	if req.NilRAG && o.deps.Embedder != nil && o.deps.VecSearcher != nil {
		var err error
		messages, err = enrichment.ApplyVectorRAG(ctx, o.deps.Embedder, o.deps.VecSearcher, messages, o.deps.RAGTopK)
		if err != nil {
			return nil, nil, err
		}
	}

	var sources []Source
	if req.WebSearch && o.deps.TopicPlanner != nil && o.deps.WebSearcher != nil && o.deps.PageFetcher != nil {
		result := enrichment.ApplyWebSearch(ctx, o.deps.TopicPlanner, o.deps.WebSearcher, o.deps.PageFetcher, messages)
		messages = result.Messages
		for _, s := range result.Sources {
			sources = append(sources, Source{Source: s.Type, Content: joinSourceContent(s)})
		}
	}

	return fromEnrichmentMessages(messages), sources, nil
}

func joinSourceContent(s enrichment.Source) string {
	if s.URL != "" {
		return fmt.Sprintf("%s (%s)", s.Title, s.URL)
	}
	return s.Query
}

func toEnrichmentMessages(msgs []Message) []enrichment.Message {
	out := make([]enrichment.Message, len(msgs))
	for i, m := range msgs {
		out[i] = enrichment.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

func fromEnrichmentMessages(msgs []enrichment.Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = Message{Role: m.Role, Content: m.Content}
	}
	return out
}

func floatOrZero(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

func intOrZero(i *int) int {
	if i == nil {
		return 0
	}
	return *i
}
