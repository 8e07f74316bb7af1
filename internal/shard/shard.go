// Package shard provides the per-day vector index.
//
// Vectors ingested on a calendar date live in that date's shard and are
// addressed by a dense ordinal starting at 0. Retention works by dropping
// whole shards. Search is exact L2 over an explicit set of dates.
package shard

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/retaind/internal/errs"
)

// ErrDimensionMismatch is returned when a vector's length differs from the index dimension.
var ErrDimensionMismatch = fmt.Errorf("%w: vector dimension mismatch", errs.ErrValidation)

// ErrCorruptShard is returned by Load when a shard file cannot be decoded.
var ErrCorruptShard = errors.New("corrupt shard file")

// Hit is a single search result.
type Hit struct {
	ID       ID
	Distance float32
}

// Index is a set of per-date shards of fixed-dimension float32 vectors.
type Index interface {
	// Add appends vectors to the date's shard, creating it if needed, and
	// returns the ordinals assigned in input order.
	Add(ctx context.Context, date Date, vectors [][]float32) ([]int64, error)

	// Search returns at most k hits across dates, nearest first.
	// Unknown dates are treated as empty.
	Search(ctx context.Context, dates []Date, query []float32, k int) ([]Hit, error)

	// DropShard removes the date's shard and its storage. Dropping a
	// missing shard is not an error.
	DropShard(ctx context.Context, date Date) error

	// Truncate keeps the first n vectors of the date's shard.
	Truncate(ctx context.Context, date Date, n int64) error

	// Len returns the number of vectors in the date's shard (0 if absent).
	Len(ctx context.Context, date Date) (int64, error)

	// Dates lists the dates that have a shard, ascending.
	Dates(ctx context.Context) ([]Date, error)

	// Persist makes the date's shard durable.
	Persist(ctx context.Context, date Date) error

	// Load restores all shards from storage.
	Load(ctx context.Context) error

	Close() error
}

// checkDimension validates vectors against dim, returning the dimension to
// use. A zero dim is fixed by the first vector.
func checkDimension(dim int, vectors [][]float32) (int, error) {
	for i, v := range vectors {
		if len(v) == 0 {
			return dim, fmt.Errorf("%w: vector %d is empty", ErrDimensionMismatch, i)
		}
		if dim == 0 {
			dim = len(v)
		}
		if len(v) != dim {
			return dim, fmt.Errorf("%w: vector %d has %d dimensions, want %d", ErrDimensionMismatch, i, len(v), dim)
		}
	}
	return dim, nil
}
