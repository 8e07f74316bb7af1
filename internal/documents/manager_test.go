package documents

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/retaind/internal/chunking"
	"github.com/fyrsmithlabs/retaind/internal/embeddings"
	"github.com/fyrsmithlabs/retaind/internal/errs"
	"github.com/fyrsmithlabs/retaind/internal/metadata"
	"github.com/fyrsmithlabs/retaind/internal/shard"
)

const testDim = 32

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// faultIndex injects failures into an Index.
type faultIndex struct {
	shard.Index

	mu              sync.Mutex
	failAdd         bool
	failPersistOnce bool
	onPersist       func()
}

func (f *faultIndex) Add(ctx context.Context, date shard.Date, vectors [][]float32) ([]int64, error) {
	f.mu.Lock()
	fail := f.failAdd
	f.mu.Unlock()
	if fail {
		return nil, errs.Store("append", errors.New("disk full"))
	}
	return f.Index.Add(ctx, date, vectors)
}

func (f *faultIndex) Persist(ctx context.Context, date shard.Date) error {
	f.mu.Lock()
	fail := f.failPersistOnce
	f.failPersistOnce = false
	hook := f.onPersist
	f.onPersist = nil
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	if fail {
		return errs.Store("persist", errors.New("fsync failed"))
	}
	return f.Index.Persist(ctx, date)
}

type fixture struct {
	mgr      *Manager
	index    *faultIndex
	flat     *shard.FlatIndex
	meta     *metadata.Store
	embedder *embeddings.Fake
	clock    *testClock
	dir      string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	flat, err := shard.NewFlatIndex(filepath.Join(dir, "shards"), testDim, nil)
	require.NoError(t, err)
	meta, err := metadata.Open(filepath.Join(dir, "metadata.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		meta.Close()
		flat.Close()
	})

	splitter, err := chunking.New(600, 60)
	require.NoError(t, err)

	f := &fixture{
		index:    &faultIndex{Index: flat},
		flat:     flat,
		meta:     meta,
		embedder: embeddings.NewFake(testDim),
		clock:    &testClock{t: time.Date(2024, 6, 10, 12, 0, 0, 0, time.Local)},
		dir:      dir,
	}
	f.mgr = NewManager(f.index, meta, f.embedder, splitter, WithClock(f.clock.Now))
	return f
}

// assertDense checks that the committed ordinals for date are exactly [0, len).
func (f *fixture) assertDense(t *testing.T, date shard.Date) {
	t.Helper()
	ctx := context.Background()

	n, err := f.index.Len(ctx, date)
	require.NoError(t, err)
	count, err := f.meta.CountFor(ctx, date)
	require.NoError(t, err)
	maxOrd, err := f.meta.MaxOrdinal(ctx, date)
	require.NoError(t, err)

	assert.Equal(t, n, count, "rows for %s", date)
	assert.Equal(t, n-1, maxOrd, "max ordinal for %s", date)
}

func TestAddDocument(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.mgr.AddDocument(ctx, "u1", "first page\fsecond page\fthird page", "report.pdf")
	require.NoError(t, err)
	assert.NotEmpty(t, res.DocumentID)
	assert.Equal(t, 3, res.ChunkCount)
	assert.Equal(t, shard.Date("2024-06-10"), res.ShardDate)
	assert.Equal(t, int64(3), res.ShardSize)

	res, err = f.mgr.AddDocument(ctx, "u2", "another document", "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.ShardSize)

	f.assertDense(t, "2024-06-10")

	stats, err := f.mgr.StatsFor(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DocumentCount)
	assert.Equal(t, 3, stats.ChunkCount)
	assert.Equal(t, []shard.Date{"2024-06-10"}, stats.ShardDates)

	rows, err := f.meta.Resolve(ctx, []shard.ID{{Date: "2024-06-10", Ordinal: 1}}, "u1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 2, rows[0].PageNumber)
	assert.Equal(t, "second page", rows[0].Text)
}

func TestAddDocumentWithPages(t *testing.T) {
	f := newFixture(t)

	res, err := f.mgr.AddDocumentWithPages(context.Background(), "u1", []string{"alpha", "", "gamma"}, "scan.pdf")
	require.NoError(t, err)
	assert.Equal(t, 2, res.ChunkCount)

	rows, err := f.meta.Resolve(context.Background(), []shard.ID{{Date: res.ShardDate, Ordinal: 1}}, "u1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 3, rows[0].PageNumber)
}

func TestAddDocument_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name, user, text, doc string
	}{
		{"empty user", "", "text", "a.txt"},
		{"blank user", "  ", "text", "a.txt"},
		{"empty text", "u1", "", "a.txt"},
		{"whitespace text", "u1", " \n\t\f ", "a.txt"},
		{"empty name", "u1", "text", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.mgr.AddDocument(ctx, tt.user, tt.text, tt.doc)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
	assert.Zero(t, f.embedder.Calls(), "invalid input never reaches the embedder")

	dates, err := f.mgr.ShardDates(ctx)
	require.NoError(t, err)
	assert.Empty(t, dates)
}

func TestAddDocument_ProviderFailure(t *testing.T) {
	f := newFixture(t)
	f.embedder.SetError(errors.New("upstream timeout"))

	_, err := f.mgr.AddDocument(context.Background(), "u1", "text", "a.txt")
	require.Error(t, err)
	assert.True(t, errs.IsRetryable(err))

	n, err := f.index.Len(context.Background(), "2024-06-10")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAddDocument_CancelledBeforeLock(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.mgr.AddDocument(ctx, "u1", "text", "a.txt")
	require.Error(t, err)
	f.assertDense(t, "2024-06-10")
}

func TestAddDocument_FailureKeepsOrdinalsDense(t *testing.T) {
	tests := []struct {
		name   string
		inject func(f *fixture, cancel context.CancelFunc)
	}{
		{
			name: "index add fails",
			inject: func(f *fixture, _ context.CancelFunc) {
				f.index.failAdd = true
			},
		},
		{
			name: "persist fails",
			inject: func(f *fixture, _ context.CancelFunc) {
				f.index.failPersistOnce = true
			},
		},
		{
			name: "commit fails",
			inject: func(f *fixture, cancel context.CancelFunc) {
				f.index.onPersist = cancel
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			date := shard.Date("2024-06-10")

			_, err := f.mgr.AddDocument(context.Background(), "u1", "committed before\fthe failure", "ok.txt")
			require.NoError(t, err)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			tt.inject(f, cancel)

			_, err = f.mgr.AddDocument(ctx, "u1", "doomed one\fdoomed two\fdoomed three", "bad.txt")
			require.Error(t, err)
			assert.True(t, errors.Is(err, errs.ErrStore) || errors.Is(err, context.Canceled), err.Error())

			n, err := f.index.Len(context.Background(), date)
			require.NoError(t, err)
			assert.Equal(t, int64(2), n)
			f.assertDense(t, date)

			// The store recovers: the next ingest reuses the freed ordinals.
			f.index.failAdd = false
			res, err := f.mgr.AddDocument(context.Background(), "u1", "after recovery", "later.txt")
			require.NoError(t, err)
			assert.Equal(t, int64(3), res.ShardSize)
			f.assertDense(t, date)

			stats, err := f.mgr.StatsFor(context.Background(), "u1")
			require.NoError(t, err)
			assert.Equal(t, 2, stats.DocumentCount, "bad.txt never committed")
		})
	}
}

func TestAddDocument_Concurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const writers, pages = 8, 5
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := make([]string, pages)
			for i := range p {
				p[i] = fmt.Sprintf("writer %d page %d", w, i)
			}
			_, err := f.mgr.AddDocumentWithPages(ctx, fmt.Sprintf("u%d", w), p, "doc.txt")
			errCh <- err
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	n, err := f.index.Len(ctx, "2024-06-10")
	require.NoError(t, err)
	assert.Equal(t, int64(writers*pages), n)
	f.assertDense(t, "2024-06-10")
}

func TestPurgeBefore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for day := 0; day < 5; day++ {
		_, err := f.mgr.AddDocument(ctx, "u1", fmt.Sprintf("day %d notes", day), "daily.txt")
		require.NoError(t, err)
		f.clock.Advance(24 * time.Hour)
	}

	res, err := f.mgr.PurgeBefore(ctx, "2024-06-12")
	require.NoError(t, err)
	assert.Equal(t, PurgeResult{ShardsDropped: 2, RowsDeleted: 2}, res)

	dates, err := f.mgr.ShardDates(ctx)
	require.NoError(t, err)
	assert.Equal(t, []shard.Date{"2024-06-12", "2024-06-13", "2024-06-14"}, dates)

	hits, err := f.flat.Search(ctx, []shard.Date{"2024-06-10", "2024-06-11"}, make([]float32, testDim), 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	rows, err := f.meta.Resolve(ctx, []shard.ID{{Date: "2024-06-10", Ordinal: 0}}, "u1")
	require.NoError(t, err)
	assert.Empty(t, rows)

	res, err = f.mgr.PurgeBefore(ctx, "2024-06-12")
	require.NoError(t, err)
	assert.Equal(t, PurgeResult{}, res, "second purge is a no-op")
}

func TestReconcile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mgr.AddDocument(ctx, "u1", "one\ftwo", "a.txt")
	require.NoError(t, err)

	// Orphan vectors: appended and persisted but never committed.
	vec := make([]float32, testDim)
	vec[0] = 1
	_, err = f.flat.Add(ctx, "2024-06-10", [][]float32{vec, vec})
	require.NoError(t, err)
	require.NoError(t, f.flat.Persist(ctx, "2024-06-10"))

	// Orphan rows: metadata for a shard that no longer exists.
	require.NoError(t, f.meta.InsertBatch(ctx, []metadata.Record{{
		ID:           shard.ID{Date: "2024-06-01", Ordinal: 0},
		UserID:       "u1",
		DocumentName: "lost.txt",
		PageNumber:   1,
		Text:         "lost",
	}}))

	rep, err := f.mgr.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.DatesChecked)
	assert.Equal(t, int64(1), rep.OrphanRows)
	assert.Equal(t, int64(2), rep.OrphanVectors)

	f.assertDense(t, "2024-06-10")
	f.assertDense(t, "2024-06-01")

	// Clean state reconciles to nothing.
	rep, err = f.mgr.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.OrphanRows)
	assert.Zero(t, rep.OrphanVectors)
}

func TestReconcile_AfterReload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mgr.AddDocument(ctx, "u1", strings.Repeat("reload ", 10), "a.txt")
	require.NoError(t, err)

	reloaded, err := shard.NewFlatIndex(filepath.Join(f.dir, "shards"), testDim, nil)
	require.NoError(t, err)
	require.NoError(t, reloaded.Load(ctx))

	splitter, err := chunking.New(600, 60)
	require.NoError(t, err)
	mgr := NewManager(reloaded, f.meta, f.embedder, splitter, WithClock(f.clock.Now))

	rep, err := mgr.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.OrphanRows)
	assert.Zero(t, rep.OrphanVectors)

	n, err := reloaded.Len(ctx, "2024-06-10")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestStatsFor_Validation(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.StatsFor(context.Background(), "")
	assert.ErrorIs(t, err, ErrValidation)
}
