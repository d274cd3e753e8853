package orchestrator

import (
	"context"

	"github.com/nillion-oss/nilai-gateway/internal/metering"
)

// meteringAdapter narrows *metering.Client to the orchestrator's own
// MeteringClient/MeteringContext interfaces, so internal/metering stays
// free of any dependency on internal/orchestrator's types.
type meteringAdapter struct {
	client *metering.Client
}

// NewMeteringAdapter wraps client for use as orchestrator.Dependencies.Metering.
func NewMeteringAdapter(client *metering.Client) MeteringClient {
	return &meteringAdapter{client: client}
}

func (a *meteringAdapter) Reserve(ctx context.Context, creditIdentifier, model string, bypass bool) MeteringContext {
	return &meteringContextAdapter{ctx: a.client.Reserve(ctx, creditIdentifier, model, bypass)}
}

type meteringContextAdapter struct {
	ctx *metering.Context
}

func (a *meteringContextAdapter) SetResponse(ctx context.Context, usage MeteringUsage) error {
	return a.ctx.SetResponse(ctx, metering.Usage{
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		WebSearches:      usage.WebSearches,
	})
}

func (a *meteringContextAdapter) Finalize() { a.ctx.Finalize() }
