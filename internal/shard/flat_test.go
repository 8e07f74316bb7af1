package shard

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/fyrsmithlabs/retaind/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	day1 = Date("2024-01-13")
	day2 = Date("2024-01-14")
	day3 = Date("2024-01-15")
)

func newTestIndex(t *testing.T, dim int) (*FlatIndex, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "shards")
	idx, err := NewFlatIndex(dir, dim, nil)
	require.NoError(t, err)
	return idx, dir
}

func TestFlatIndex_AddAssignsSequentialOrdinals(t *testing.T) {
	ctx := context.Background()
	idx, _ := newTestIndex(t, 2)

	ids, err := idx.Add(ctx, day1, [][]float32{{0, 0}, {1, 1}})
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 1}, ids)

	ids, err = idx.Add(ctx, day1, [][]float32{{2, 2}})
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, ids)

	ids, err = idx.Add(ctx, day2, [][]float32{{3, 3}})
	require.NoError(t, err)
	assert.Equal(t, []int64{0}, ids, "ordinals are per shard")

	n, err := idx.Len(ctx, day1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = idx.Len(ctx, day3)
	require.NoError(t, err)
	assert.Zero(t, n)

	dates, err := idx.Dates(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Date{day1, day2}, dates)
}

func TestFlatIndex_DimensionMismatch(t *testing.T) {
	ctx := context.Background()
	idx, _ := newTestIndex(t, 0)

	_, err := idx.Add(ctx, day1, [][]float32{{1, 2, 3}})
	require.NoError(t, err)
	assert.Equal(t, 3, idx.Dimension(), "first insert fixes the dimension")

	_, err = idx.Add(ctx, day1, [][]float32{{1, 2, 3}, {1, 2}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	assert.ErrorIs(t, err, errs.ErrValidation)

	n, _ := idx.Len(ctx, day1)
	assert.Equal(t, int64(1), n, "nothing appended on mismatch")

	_, err = idx.Search(ctx, []Date{day1}, []float32{1}, 1)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestFlatIndex_SearchMergesAcrossShards(t *testing.T) {
	ctx := context.Background()
	idx, _ := newTestIndex(t, 2)

	_, err := idx.Add(ctx, day1, [][]float32{{10, 0}, {1, 0}})
	require.NoError(t, err)
	_, err = idx.Add(ctx, day2, [][]float32{{0, 0}, {5, 0}})
	require.NoError(t, err)
	_, err = idx.Add(ctx, day3, [][]float32{{2, 0}})
	require.NoError(t, err)

	hits, err := idx.Search(ctx, []Date{day1, day2, day3}, []float32{0, 0}, 3)
	require.NoError(t, err)
	require.Len(t, hits, 3)

	assert.Equal(t, ID{Date: day2, Ordinal: 0}, hits[0].ID)
	assert.Equal(t, float32(0), hits[0].Distance)
	assert.Equal(t, ID{Date: day1, Ordinal: 1}, hits[1].ID)
	assert.Equal(t, float32(1), hits[1].Distance)
	assert.Equal(t, ID{Date: day3, Ordinal: 0}, hits[2].ID)
	assert.Equal(t, float32(2), hits[2].Distance)

	hits, err = idx.Search(ctx, []Date{day1}, []float32{0, 0}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 2, "search is restricted to the requested dates")
}

func TestFlatIndex_SearchTieBreaksByDateThenOrdinal(t *testing.T) {
	ctx := context.Background()
	idx, _ := newTestIndex(t, 1)

	_, err := idx.Add(ctx, day2, [][]float32{{1}, {1}})
	require.NoError(t, err)
	_, err = idx.Add(ctx, day1, [][]float32{{-1}})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		hits, err := idx.Search(ctx, []Date{day2, day1}, []float32{0}, 3)
		require.NoError(t, err)
		assert.Equal(t, []Hit{
			{ID: ID{Date: day1, Ordinal: 0}, Distance: 1},
			{ID: ID{Date: day2, Ordinal: 0}, Distance: 1},
			{ID: ID{Date: day2, Ordinal: 1}, Distance: 1},
		}, hits)
	}
}

func TestFlatIndex_SearchMissingShardsAreEmpty(t *testing.T) {
	ctx := context.Background()
	idx, _ := newTestIndex(t, 2)

	hits, err := idx.Search(ctx, []Date{day1, day2}, []float32{0, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = idx.Search(ctx, []Date{day1}, []float32{0, 0}, 0)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestFlatIndex_DropShard(t *testing.T) {
	ctx := context.Background()
	idx, dir := newTestIndex(t, 2)

	_, err := idx.Add(ctx, day1, [][]float32{{0, 0}})
	require.NoError(t, err)
	require.NoError(t, idx.Persist(ctx, day1))
	assert.FileExists(t, filepath.Join(dir, "index_20240113.vec"))

	require.NoError(t, idx.DropShard(ctx, day1))
	assert.NoFileExists(t, filepath.Join(dir, "index_20240113.vec"))

	hits, err := idx.Search(ctx, []Date{day1}, []float32{0, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)

	require.NoError(t, idx.DropShard(ctx, day1), "dropping twice is a no-op")
}

func TestFlatIndex_Truncate(t *testing.T) {
	ctx := context.Background()
	idx, _ := newTestIndex(t, 1)

	_, err := idx.Add(ctx, day1, [][]float32{{0}, {1}, {2}, {3}})
	require.NoError(t, err)

	require.NoError(t, idx.Truncate(ctx, day1, 2))
	n, _ := idx.Len(ctx, day1)
	assert.Equal(t, int64(2), n)

	require.NoError(t, idx.Truncate(ctx, day1, 10), "truncating beyond the end is a no-op")
	n, _ = idx.Len(ctx, day1)
	assert.Equal(t, int64(2), n)

	ids, err := idx.Add(ctx, day1, [][]float32{{9}})
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, ids)

	hits, err := idx.Search(ctx, []Date{day1}, []float32{9}, 1)
	require.NoError(t, err)
	assert.Equal(t, ID{Date: day1, Ordinal: 2}, hits[0].ID)

	assert.ErrorIs(t, idx.Truncate(ctx, day1, -1), errs.ErrValidation)
	assert.NoError(t, idx.Truncate(ctx, day3, 0), "missing shard")
}

func TestFlatIndex_PersistAndLoad(t *testing.T) {
	ctx := context.Background()
	idx, dir := newTestIndex(t, 0)

	_, err := idx.Add(ctx, day1, [][]float32{{1, 2, 3}, {4, 5, 6}})
	require.NoError(t, err)
	_, err = idx.Add(ctx, day2, [][]float32{{7, 8, 9}})
	require.NoError(t, err)
	require.NoError(t, idx.Persist(ctx, day1))
	require.NoError(t, idx.Persist(ctx, day2))

	// Leftover temp file from an interrupted write.
	stray := filepath.Join(dir, "index_20240113.vec.tmp.deadbeef")
	require.NoError(t, os.WriteFile(stray, []byte("junk"), 0600))

	reopened, err := NewFlatIndex(dir, 0, nil)
	require.NoError(t, err)
	require.NoError(t, reopened.Load(ctx))

	assert.Equal(t, 3, reopened.Dimension())
	dates, _ := reopened.Dates(ctx)
	assert.Equal(t, []Date{day1, day2}, dates)
	n, _ := reopened.Len(ctx, day1)
	assert.Equal(t, int64(2), n)
	assert.NoFileExists(t, stray)

	hits, err := reopened.Search(ctx, []Date{day1, day2}, []float32{4, 5, 6}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, ID{Date: day1, Ordinal: 1}, hits[0].ID)
	assert.Zero(t, hits[0].Distance)
}

func TestFlatIndex_PersistEmptyShardRemovesFile(t *testing.T) {
	ctx := context.Background()
	idx, dir := newTestIndex(t, 1)

	_, err := idx.Add(ctx, day1, [][]float32{{1}})
	require.NoError(t, err)
	require.NoError(t, idx.Persist(ctx, day1))

	require.NoError(t, idx.Truncate(ctx, day1, 0))
	require.NoError(t, idx.Persist(ctx, day1))

	assert.NoFileExists(t, filepath.Join(dir, "index_20240113.vec"))
	dates, _ := idx.Dates(ctx)
	assert.Empty(t, dates)
}

func TestFlatIndex_LoadRejectsCorruptFile(t *testing.T) {
	ctx := context.Background()
	idx, dir := newTestIndex(t, 0)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "index_20240113.vec"), []byte("RVEC\x01"), 0600))

	err := idx.Load(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCorruptShard))
	assert.ErrorIs(t, err, errs.ErrStore)
}

func TestFlatIndex_ConcurrentAddsAndSearches(t *testing.T) {
	ctx := context.Background()
	idx, _ := newTestIndex(t, 4)

	const writers, perWriter = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := idx.Add(ctx, day3, [][]float32{{float32(w), float32(i), 0, 0}})
				assert.NoError(t, err)
				_, err = idx.Search(ctx, []Date{day3}, []float32{0, 0, 0, 0}, 3)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	n, err := idx.Len(ctx, day3)
	require.NoError(t, err)
	assert.Equal(t, int64(writers*perWriter), n)
}
