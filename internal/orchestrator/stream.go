package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nillion-oss/nilai-gateway/internal/apierror"
	"github.com/nillion-oss/nilai-gateway/internal/auth"
	"github.com/nillion-oss/nilai-gateway/internal/querylog"
)

// StreamFrame is one already-SSE-framed chunk ("data: ...\n\n") ready for
// the handler to write and flush verbatim. HandleStream never sets Done;
// the end of the stream is marked by the channel being closed.
type StreamFrame struct {
	Data []byte
	Done bool
}

// HandleStream runs the pipeline up to and including dispatch acquisition
// synchronously — auth, rate limits, endpoint resolution, validation,
// metering reservation, and enrichment all happen before this returns, so
// that errors in any of those stages surface as a normal JSON error
// response rather than a mid-stream SSE frame. Once dispatch begins, every
// failure (including client cancellation) is reported as an SSE error
// frame on the returned channel instead, matching spec.md §4.8.
func (o *Orchestrator) HandleStream(ctx context.Context, authCtx *auth.AuthContext, req ChatRequest) (<-chan StreamFrame, error) {
	rec := querylog.New(authCtx.User.UserID, req.Model)
	rec.WasStreamed = true
	rec.Temperature = floatOrZero(req.Temperature)
	rec.MaxTokens = intOrZero(req.MaxTokens)
	rec.WasMultimodal = hasImagePart(req.Messages)
	rec.WasNilRAG = req.NilRAG
	start := time.Now()

	if !authCtx.Bypass {
		if err := o.checkRateLimits(ctx, authCtx, req); err != nil {
			return nil, err
		}
	}

	endpoint, err := o.deps.Registry.Get(ctx, req.Model, authCtx.User.UserID+":"+req.Model)
	if err != nil {
		return nil, apierror.BadRequest("unknown or unavailable model: " + req.Model)
	}
	if err := validate(req, endpoint); err != nil {
		return nil, err
	}
	if hasImagePart(req.Messages) {
		req.WebSearch = false
	}

	meter := o.deps.Metering.Reserve(ctx, authCtx.CreditIdentifier, req.Model, authCtx.Bypass)

	enrichedMessages, sources, err := o.enrich(ctx, authCtx, req)
	if err != nil {
		meter.Finalize()
		return nil, err
	}
	req.Messages = enrichedMessages
	rec.WasNilDB = authCtx.DocumentBinding != nil

	concurrencyKey := "concurrent:" + req.Model
	limit := o.concurrentLimitFor(req.Model)
	acquired, err := o.deps.Limiter.AcquireConcurrency(ctx, concurrencyKey, limit)
	if err != nil {
		meter.Finalize()
		return nil, apierror.Upstream("concurrency gauge unavailable", err)
	}
	if !acquired {
		meter.Finalize()
		return nil, apierror.TooManyRequests("model at capacity", 1000)
	}

	out := make(chan StreamFrame, 8)
	go o.runStream(ctx, endpoint.URL, req, authCtx, sources, rec, meter, concurrencyKey, start, out)
	return out, nil
}

func (o *Orchestrator) runStream(
	ctx context.Context,
	baseURL string,
	req ChatRequest,
	authCtx *auth.AuthContext,
	sources []Source,
	rec *querylog.Record,
	meter MeteringContext,
	concurrencyKey string,
	start time.Time,
	out chan<- StreamFrame,
) {
	defer close(out)
	defer meter.Finalize()
	defer func() {
		if err := o.deps.Limiter.ReleaseConcurrency(context.Background(), concurrencyKey); err != nil {
			slog.Error("orchestrator: failed to release concurrency gauge", "model", req.Model, "err", err)
		}
	}()

	modelStart := time.Now()
	events, err := o.deps.Upstream.Stream(ctx, baseURL, req)
	if err != nil {
		o.finishStreamError(ctx, rec, start, out, apierror.Upstream("model backend failed", err))
		return
	}

	var finalUsage *Usage
	for ev := range events {
		if ev.Err != nil {
			o.finishStreamError(ctx, rec, start, out, apierror.Upstream("upstream stream failed", ev.Err))
			return
		}
		payload := ev.RawJSON
		if ev.Usage != nil {
			finalUsage = ev.Usage
			payload = augmentWithSources(payload, sources)
		}
		select {
		case out <- StreamFrame{Data: framed(payload)}:
		case <-ctx.Done():
			o.finishStreamError(context.WithoutCancel(ctx), rec, start, out, apierror.Upstream("client disconnected", ctx.Err()))
			return
		}
	}

	rec.ModelResponseTimeMs = time.Since(modelStart).Milliseconds()
	rec.ResponseTimeMs = time.Since(start).Milliseconds()
	rec.WebSearchCalls = countWebSearchCalls(sources)

	if finalUsage == nil {
		// Stream closed without a usage-bearing terminal chunk: treated as a
		// failed request per spec.md §4.8's streaming-failure handling.
		o.finishStreamError(ctx, rec, start, out, apierror.Upstream("stream ended without a usage chunk", nil))
		return
	}

	rec.PromptTokens = finalUsage.PromptTokens
	rec.CompletionTokens = finalUsage.CompletionTokens
	rec.TotalTokens = finalUsage.TotalTokens
	if err := meter.SetResponse(ctx, MeteringUsage{
		PromptTokens:     finalUsage.PromptTokens,
		CompletionTokens: finalUsage.CompletionTokens,
		WebSearches:      rec.WebSearchCalls,
	}); err != nil {
		slog.Error("orchestrator: usage reporting failed", "user_id", authCtx.User.UserID, "model", req.Model, "err", err)
	}
	o.commitLog(ctx, rec)
}

func (o *Orchestrator) finishStreamError(ctx context.Context, rec *querylog.Record, start time.Time, out chan<- StreamFrame, err *apierror.Error) {
	rec.ResponseTimeMs = time.Since(start).Milliseconds()
	rec.ErrorCode = err.StatusCode()
	rec.ErrorMessage = err.Message
	o.commitLog(ctx, rec)

	body, _ := json.Marshal(map[string]string{"error": "stream_failed", "message": err.Message})
	select {
	case out <- StreamFrame{Data: framed(body)}:
	default:
	}
}

func framed(payload []byte) []byte {
	var b bytes.Buffer
	b.WriteString("data: ")
	b.Write(payload)
	b.WriteString("\n\n")
	return b.Bytes()
}

// augmentWithSources sets a "sources" field on the terminal usage-bearing
// chunk without otherwise disturbing its original JSON shape.
func augmentWithSources(raw []byte, sources []Source) []byte {
	if len(sources) == 0 {
		return raw
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return raw
	}
	obj["sources"] = sources
	out, err := json.Marshal(obj)
	if err != nil {
		return raw
	}
	return out
}
