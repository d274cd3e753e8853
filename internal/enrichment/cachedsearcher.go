package enrichment

import (
	"context"

	"github.com/nillion-oss/nilai-gateway/internal/cache"
)

// CachedVectorSearcher wraps an embed-then-search round trip with an
// in-memory TTL cache keyed by query text, skipping both the embedding
// call and the pgvector query for repeated nilRAG queries against the
// shared corpus. Grounded on the teacher's internal/cache/query.go,
// adapted from per-user RetrievalResult caching to single-corpus
// VectorChunk caching.
type CachedVectorSearcher struct {
	embedder QueryEmbedder
	searcher VectorSearcher
	cache    *cache.QueryCache
}

func NewCachedVectorSearcher(embedder QueryEmbedder, searcher VectorSearcher, c *cache.QueryCache) *CachedVectorSearcher {
	return &CachedVectorSearcher{embedder: embedder, searcher: searcher, cache: c}
}

// SearchText resolves chunks for queryText, consulting the cache before
// embedding or searching.
func (s *CachedVectorSearcher) SearchText(ctx context.Context, queryText string, topK int) ([]VectorChunk, error) {
	if cached, ok := s.cache.Get(queryText); ok {
		return toVectorChunks(cached), nil
	}

	vecs, err := s.embedder.Embed(ctx, []string{queryText})
	if err != nil {
		return nil, err
	}
	chunks, err := s.searcher.SimilaritySearch(ctx, vecs[0], topK)
	if err != nil {
		return nil, err
	}
	s.cache.Set(queryText, fromVectorChunks(chunks))
	return chunks, nil
}

// SimilaritySearch implements VectorSearcher directly, bypassing the cache —
// used only when a caller holds a vector already and has no query text to
// key the cache on.
func (s *CachedVectorSearcher) SimilaritySearch(ctx context.Context, queryVec []float32, topK int) ([]VectorChunk, error) {
	return s.searcher.SimilaritySearch(ctx, queryVec, topK)
}

func toVectorChunks(in []cache.VectorChunk) []VectorChunk {
	out := make([]VectorChunk, len(in))
	for i, c := range in {
		out[i] = VectorChunk{Text: c.Text, Score: c.Score}
	}
	return out
}

func fromVectorChunks(in []VectorChunk) []cache.VectorChunk {
	out := make([]cache.VectorChunk, len(in))
	for i, c := range in {
		out[i] = cache.VectorChunk{Text: c.Text, Score: c.Score}
	}
	return out
}
