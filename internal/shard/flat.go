package shard

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/retaind/internal/errs"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/retaind/internal/shard")

// FlatIndex is an Index that keeps each shard as a contiguous float32 slice
// in memory and one file per date on disk. Search is brute-force L2.
type FlatIndex struct {
	dir    string
	logger *zap.Logger

	mu     sync.RWMutex
	dim    int
	shards map[Date]*flatShard
}

type flatShard struct {
	mu    sync.RWMutex
	data  []float32
	count int64
}

// NewFlatIndex creates a FlatIndex that persists to dir.
// A zero dim is fixed by the first vector added or loaded.
func NewFlatIndex(dir string, dim int, logger *zap.Logger) (*FlatIndex, error) {
	if dim < 0 {
		return nil, errs.Validation("dimension must be >= 0, got %d", dim)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errs.Store("creating shard dir", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FlatIndex{
		dir:    dir,
		logger: logger,
		dim:    dim,
		shards: make(map[Date]*flatShard),
	}, nil
}

// Dimension returns the fixed vector dimension, or 0 if not yet known.
func (x *FlatIndex) Dimension() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.dim
}

// Add implements Index.
func (x *FlatIndex) Add(ctx context.Context, date Date, vectors [][]float32) ([]int64, error) {
	if len(vectors) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	x.mu.Lock()
	dim, err := checkDimension(x.dim, vectors)
	if err != nil {
		x.mu.Unlock()
		return nil, err
	}
	x.dim = dim
	s, ok := x.shards[date]
	if !ok {
		s = &flatShard{}
		x.shards[date] = s
		ShardCount.Set(float64(len(x.shards)))
	}
	x.mu.Unlock()

	flat := make([]float32, 0, len(vectors)*dim)
	for _, v := range vectors {
		flat = append(flat, v...)
	}

	s.mu.Lock()
	base := s.count
	s.data = append(s.data, flat...)
	s.count += int64(len(vectors))
	n := s.count
	s.mu.Unlock()

	observeShard(date, n)

	ids := make([]int64, len(vectors))
	for i := range ids {
		ids[i] = base + int64(i)
	}
	x.logger.Debug("vectors appended",
		zap.String("date", string(date)),
		zap.Int64("first_ordinal", base),
		zap.Int("count", len(vectors)))
	return ids, nil
}

// Search implements Index.
func (x *FlatIndex) Search(ctx context.Context, dates []Date, query []float32, k int) ([]Hit, error) {
	ctx, span := tracer.Start(ctx, "shard.Search")
	defer span.End()
	span.SetAttributes(
		attribute.String("backend", "flat"),
		attribute.Int("shards", len(dates)),
		attribute.Int("k", k),
	)

	if k <= 0 {
		return nil, nil
	}

	x.mu.RLock()
	dim := x.dim
	type target struct {
		date  Date
		shard *flatShard
	}
	targets := make([]target, 0, len(dates))
	for _, d := range uniqueDates(dates) {
		if s, ok := x.shards[d]; ok {
			targets = append(targets, target{date: d, shard: s})
		}
	}
	x.mu.RUnlock()

	if len(targets) == 0 {
		return nil, nil
	}
	if len(query) != dim {
		err := fmt.Errorf("%w: query has %d dimensions, want %d", ErrDimensionMismatch, len(query), dim)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	perShard := make([][]Hit, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range targets {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			perShard[i] = t.shard.search(t.date, dim, query, k)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	hits := mergeHits(perShard, k)
	span.SetAttributes(attribute.Int("hits", len(hits)))
	return hits, nil
}

func (s *flatShard) search(date Date, dim int, query []float32, k int) []Hit {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hits := make([]Hit, 0, s.count)
	for i := int64(0); i < s.count; i++ {
		vec := s.data[i*int64(dim) : (i+1)*int64(dim)]
		hits = append(hits, Hit{
			ID:       ID{Date: date, Ordinal: i},
			Distance: l2(query, vec),
		})
	}
	slices.SortFunc(hits, compareHits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

// DropShard implements Index.
func (x *FlatIndex) DropShard(_ context.Context, date Date) error {
	x.mu.Lock()
	delete(x.shards, date)
	ShardCount.Set(float64(len(x.shards)))
	x.mu.Unlock()
	forgetShard(date)

	path := filepath.Join(x.dir, shardFileName(date))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errs.Store("removing shard file", err)
	}
	x.logger.Info("shard dropped", zap.String("date", string(date)))
	return nil
}

// Truncate implements Index.
func (x *FlatIndex) Truncate(_ context.Context, date Date, n int64) error {
	if n < 0 {
		return errs.Validation("truncate length must be >= 0, got %d", n)
	}

	x.mu.RLock()
	s, ok := x.shards[date]
	dim := x.dim
	x.mu.RUnlock()
	if !ok {
		return nil
	}

	s.mu.Lock()
	if n < s.count {
		s.data = s.data[:n*int64(dim)]
		s.count = n
	}
	count := s.count
	s.mu.Unlock()

	observeShard(date, count)
	x.logger.Info("shard truncated", zap.String("date", string(date)), zap.Int64("len", count))
	return nil
}

// Len implements Index.
func (x *FlatIndex) Len(_ context.Context, date Date) (int64, error) {
	x.mu.RLock()
	s, ok := x.shards[date]
	x.mu.RUnlock()
	if !ok {
		return 0, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count, nil
}

// Dates implements Index.
func (x *FlatIndex) Dates(_ context.Context) ([]Date, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	dates := make([]Date, 0, len(x.shards))
	for d := range x.shards {
		dates = append(dates, d)
	}
	slices.Sort(dates)
	return dates, nil
}

// Persist implements Index. An empty shard is removed instead of written.
func (x *FlatIndex) Persist(_ context.Context, date Date) error {
	x.mu.Lock()
	s, ok := x.shards[date]
	dim := x.dim
	if ok {
		s.mu.RLock()
		empty := s.count == 0
		s.mu.RUnlock()
		if empty {
			delete(x.shards, date)
			ShardCount.Set(float64(len(x.shards)))
			ok = false
		}
	}
	x.mu.Unlock()

	path := filepath.Join(x.dir, shardFileName(date))
	if !ok {
		forgetShard(date)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errs.Store("removing empty shard file", err)
		}
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := writeShardFile(path, dim, s.count, s.data); err != nil {
		return errs.Store("persisting shard "+string(date), err)
	}
	return nil
}

// Load implements Index. Existing in-memory shards are replaced.
func (x *FlatIndex) Load(_ context.Context) error {
	entries, err := os.ReadDir(x.dir)
	if err != nil {
		return errs.Store("reading shard dir", err)
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	loaded := make(map[Date]*flatShard)
	dim := x.dim
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			continue
		}
		if strings.Contains(name, ".vec.tmp.") {
			// Leftover from an interrupted Persist; the previous file is intact.
			_ = os.Remove(filepath.Join(x.dir, name))
			continue
		}
		m := shardFilePattern.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		date, ok := parseCompact(m[1])
		if !ok {
			continue
		}

		fileDim, count, data, err := readShardFile(filepath.Join(x.dir, name))
		if err != nil {
			return errs.Store("loading shard "+string(date), err)
		}
		if count == 0 {
			continue
		}
		if dim == 0 {
			dim = fileDim
		}
		if fileDim != dim {
			return errs.Store("loading shard "+string(date),
				fmt.Errorf("%w: file has %d dimensions, index has %d", ErrCorruptShard, fileDim, dim))
		}
		loaded[date] = &flatShard{data: data, count: count}
	}

	for d := range x.shards {
		forgetShard(d)
	}
	x.shards = loaded
	x.dim = dim
	for d, s := range loaded {
		observeShard(d, s.count)
	}
	ShardCount.Set(float64(len(loaded)))

	x.logger.Info("shards loaded", zap.Int("shards", len(loaded)), zap.Int("dimension", dim))
	return nil
}

// Close implements Index.
func (x *FlatIndex) Close() error {
	return nil
}

func l2(a, b []float32) float32 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return float32(math.Sqrt(sum))
}

// compareHits orders by distance, then date, then ordinal.
func compareHits(a, b Hit) int {
	if c := cmp.Compare(a.Distance, b.Distance); c != 0 {
		return c
	}
	if c := cmp.Compare(a.ID.Date, b.ID.Date); c != 0 {
		return c
	}
	return cmp.Compare(a.ID.Ordinal, b.ID.Ordinal)
}

// mergeHits merges per-shard results into the global top k.
func mergeHits(perShard [][]Hit, k int) []Hit {
	var all []Hit
	for _, hs := range perShard {
		all = append(all, hs...)
	}
	slices.SortFunc(all, compareHits)
	if len(all) > k {
		all = all[:k]
	}
	return all
}

func uniqueDates(dates []Date) []Date {
	seen := make(map[Date]struct{}, len(dates))
	out := make([]Date, 0, len(dates))
	for _, d := range dates {
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}
