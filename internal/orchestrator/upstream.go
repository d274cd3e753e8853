package orchestrator

import "context"

// UpstreamClient talks to the OpenAI-compatible inference backend the
// registry resolved. No credentials are required upstream — the endpoint
// is inside the trusted compute perimeter.
type UpstreamClient interface {
	Complete(ctx context.Context, baseURL string, req ChatRequest) (*UpstreamCompletion, error)
	Stream(ctx context.Context, baseURL string, req ChatRequest) (<-chan StreamEvent, error)
}

// StreamEvent is one raw SSE chunk forwarded from the upstream backend, or
// a terminal error.
type StreamEvent struct {
	// RawJSON is the chunk's original JSON payload, preserved verbatim
	// except for the terminal usage-bearing chunk, which the orchestrator
	// augments with sources before forwarding.
	RawJSON []byte
	Usage   *Usage // non-nil only on the terminal chunk
	Err     error
}
