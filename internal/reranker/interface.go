// Package reranker reorders search hits before they are returned to a caller.
package reranker

import (
	"context"

	"github.com/fyrsmithlabs/retaind/internal/shard"
)

// Document is a resolved search hit.
type Document struct {
	ID       shard.ID
	Distance float32 // L2 distance to the query
}

// ScoredDocument is a Document with its reranking scores.
type ScoredDocument struct {
	Document
	Similarity   float64 // 1/(1+distance)
	Recency      float64 // 0 for the oldest window day, 1 for today
	Score        float64 // weighted blend used for ordering
	OriginalRank int     // position by similarity alone (0-indexed)
}

// Window is the span of days a query searched.
type Window struct {
	Oldest shard.Date
	Days   int
}

// Reranker provides an interface for re-ranking algorithms.
type Reranker interface {
	// Rerank scores docs and returns at most topK of them, best first.
	// A topK <= 0 returns all docs.
	Rerank(ctx context.Context, docs []Document, window Window, topK int) ([]ScoredDocument, error)
}
