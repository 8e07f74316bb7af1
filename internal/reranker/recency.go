package reranker

import (
	"cmp"
	"context"
	"slices"

	"github.com/fyrsmithlabs/retaind/internal/errs"
)

// RecencyReranker blends vector similarity with how recent a hit's shard is.
//
//	score = SimilarityWeight*(1/(1+d)) + RecencyWeight*recency
//
// recency is the hit's day offset from the oldest window day divided by
// Days-1, clamped to [0, 1]. A one-day window gives every hit recency 1.
type RecencyReranker struct {
	SimilarityWeight float64
	RecencyWeight    float64
}

// NewRecencyReranker validates the weights and returns a RecencyReranker.
func NewRecencyReranker(similarityWeight, recencyWeight float64) (*RecencyReranker, error) {
	if similarityWeight < 0 || recencyWeight < 0 {
		return nil, errs.Validation("rerank weights must be non-negative")
	}
	if similarityWeight+recencyWeight == 0 {
		return nil, errs.Validation("rerank weights cannot both be zero")
	}
	return &RecencyReranker{SimilarityWeight: similarityWeight, RecencyWeight: recencyWeight}, nil
}

// Rerank implements Reranker. Equal scores keep similarity order, then
// insertion order (date, ordinal).
func (r *RecencyReranker) Rerank(ctx context.Context, docs []Document, window Window, topK int) ([]ScoredDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return []ScoredDocument{}, nil
	}
	if topK <= 0 {
		topK = len(docs)
	}

	bySimilarity := slices.Clone(docs)
	slices.SortStableFunc(bySimilarity, func(a, b Document) int {
		if c := cmp.Compare(a.Distance, b.Distance); c != 0 {
			return c
		}
		return compareIDs(a, b)
	})

	scored := make([]ScoredDocument, len(bySimilarity))
	for i, doc := range bySimilarity {
		sim := 1 / (1 + float64(doc.Distance))
		rec := recency(doc, window)
		scored[i] = ScoredDocument{
			Document:     doc,
			Similarity:   sim,
			Recency:      rec,
			Score:        r.SimilarityWeight*sim + r.RecencyWeight*rec,
			OriginalRank: i,
		}
	}

	slices.SortStableFunc(scored, func(a, b ScoredDocument) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		if c := cmp.Compare(a.OriginalRank, b.OriginalRank); c != 0 {
			return c
		}
		return compareIDs(a.Document, b.Document)
	})

	return scored[:min(topK, len(scored))], nil
}

func recency(doc Document, window Window) float64 {
	if window.Days <= 1 {
		return 1
	}
	offset := float64(doc.ID.Date.DaysSince(window.Oldest)) / float64(window.Days-1)
	return min(max(offset, 0), 1)
}

func compareIDs(a, b Document) int {
	if c := cmp.Compare(a.ID.Date, b.ID.Date); c != 0 {
		return c
	}
	return cmp.Compare(a.ID.Ordinal, b.ID.Ordinal)
}
