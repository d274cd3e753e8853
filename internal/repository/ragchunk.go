package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/nillion-oss/nilai-gateway/internal/enrichment"
)

// RAGChunkRepo is the vector store behind the nilRAG enrichment stage.
// Grounded on the teacher's internal/repository/chunk.go SimilaritySearch
// query (pgvector cosine-distance ordering, threshold filter), simplified
// from per-user/per-document scoped retrieval to a single shared corpus:
// the gateway's nilRAG feature has no document-ownership model of its own
// (that belongs to the separate stored-prompt vault, gated by document
// binding instead), so the teacher's user_id/is_privileged filtering has
// no equivalent here.
type RAGChunkRepo struct {
	pool      *pgxpool.Pool
	threshold float64
}

// NewRAGChunkRepo creates a RAGChunkRepo. threshold is the minimum cosine
// similarity a chunk must clear to be returned.
func NewRAGChunkRepo(pool *pgxpool.Pool, threshold float64) *RAGChunkRepo {
	return &RAGChunkRepo{pool: pool, threshold: threshold}
}

var _ enrichment.VectorSearcher = (*RAGChunkRepo)(nil)

// Insert stores a chunk of text with its embedding vector.
func (r *RAGChunkRepo) Insert(ctx context.Context, text string, vec []float32) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO rag_chunks (id, content, embedding, created_at)
		VALUES ($1, $2, $3, now())
	`, uuid.New().String(), text, pgvector.NewVector(vec))
	if err != nil {
		return fmt.Errorf("repository.RAGChunkRepo.Insert: %w", err)
	}
	return nil
}

// SimilaritySearch implements enrichment.VectorSearcher.
func (r *RAGChunkRepo) SimilaritySearch(ctx context.Context, queryVec []float32, topK int) ([]enrichment.VectorChunk, error) {
	embedding := pgvector.NewVector(queryVec)

	rows, err := r.pool.Query(ctx, `
		SELECT content, 1 - (embedding <=> $1::vector) AS similarity
		FROM rag_chunks
		WHERE (1 - (embedding <=> $1::vector)) > $2
		ORDER BY embedding <=> $1::vector
		LIMIT $3
	`, embedding, r.threshold, topK)
	if err != nil {
		return nil, fmt.Errorf("repository.RAGChunkRepo.SimilaritySearch: %w", err)
	}
	defer rows.Close()

	var out []enrichment.VectorChunk
	for rows.Next() {
		var c enrichment.VectorChunk
		if err := rows.Scan(&c.Text, &c.Score); err != nil {
			return nil, fmt.Errorf("repository.RAGChunkRepo.SimilaritySearch: scan: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
