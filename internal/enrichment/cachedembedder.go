package enrichment

import (
	"context"

	"github.com/nillion-oss/nilai-gateway/internal/cache"
)

// CachedEmbedder wraps a QueryEmbedder with an in-memory TTL cache keyed by
// normalized query text, avoiding a Vertex AI round trip for repeated or
// near-identical nilRAG queries. Grounded on the teacher's
// internal/cache/embedding.go, unchanged apart from this adapter.
type CachedEmbedder struct {
	next  QueryEmbedder
	cache *cache.EmbeddingCache
}

func NewCachedEmbedder(next QueryEmbedder, cache *cache.EmbeddingCache) *CachedEmbedder {
	return &CachedEmbedder{next: next, cache: cache}
}

// Embed only consults the cache for a single-text call — the only shape
// ApplyVectorRAG ever issues. Multi-text batches bypass the cache and go
// straight to the underlying embedder.
func (e *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) != 1 {
		return e.next.Embed(ctx, texts)
	}

	key := cache.EmbeddingQueryHash(texts[0])
	if vec, ok := e.cache.Get(key); ok {
		return [][]float32{vec}, nil
	}

	vecs, err := e.next.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vecs) == 1 {
		e.cache.Set(key, vecs[0])
	}
	return vecs, nil
}
