package retention_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/retaind/internal/chunking"
	"github.com/fyrsmithlabs/retaind/internal/config"
	"github.com/fyrsmithlabs/retaind/internal/documents"
	"github.com/fyrsmithlabs/retaind/internal/embeddings"
	"github.com/fyrsmithlabs/retaind/internal/metadata"
	"github.com/fyrsmithlabs/retaind/internal/query"
	"github.com/fyrsmithlabs/retaind/internal/reranker"
	"github.com/fyrsmithlabs/retaind/internal/retention"
	"github.com/fyrsmithlabs/retaind/internal/shard"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func TestDocumentLifecycle(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	day := time.Date(2024, 6, 10, 10, 0, 0, 0, time.Local)
	clk := &clock{t: day}

	index, err := shard.NewFlatIndex(filepath.Join(dir, "shards"), 64, nil)
	require.NoError(t, err)
	meta, err := metadata.Open(filepath.Join(dir, "metadata.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	splitter, err := chunking.New(600, 60)
	require.NoError(t, err)
	rr, err := reranker.NewRecencyReranker(0.7, 0.3)
	require.NoError(t, err)
	embedder := embeddings.NewFake(64)

	docs := documents.NewManager(index, meta, embedder, splitter, documents.WithClock(clk.Now))
	engine := query.NewEngine(index, meta, embedder, rr,
		query.Config{RetentionDays: 3, MaxTopK: 50, OverFetch: 3}, query.WithClock(clk.Now))
	sched, err := retention.New(docs, 3, config.TimeOfDay{Hour: 2}, retention.WithClock(clk.Now))
	require.NoError(t, err)

	text := "introduction to the annual report\f" +
		"the northern warehouse flooded in march\f" +
		"appendix with financial tables"
	_, err = docs.AddDocument(ctx, "u1", text, "report.pdf")
	require.NoError(t, err)

	stats, err := docs.StatsFor(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []shard.Date{"2024-06-10"}, stats.ShardDates)
	assert.Equal(t, 1, stats.DocumentCount)
	assert.Equal(t, 3, stats.ChunkCount)

	resp, err := engine.Answer(ctx, "u1", "northern warehouse flooded", 1)
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, 2, resp.Results[0].PageNumber)

	// Four days later, just before the 02:00 run.
	clk.Set(time.Date(2024, 6, 14, 1, 59, 59, 900_000_000, time.Local))
	require.NoError(t, sched.Start(ctx))
	t.Cleanup(sched.Stop)
	require.Eventually(t, func() bool { return sched.Runs() >= 1 }, 3*time.Second, 10*time.Millisecond)

	stats, err = docs.StatsFor(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, stats.ShardDates)
	assert.Zero(t, stats.ChunkCount)

	resp, err = engine.Answer(ctx, "u1", "northern warehouse flooded", 1)
	require.NoError(t, err)
	assert.Empty(t, resp.Results)

	dates, err := index.Dates(ctx)
	require.NoError(t, err)
	assert.Empty(t, dates)

	records, err := meta.Resolve(ctx, []shard.ID{{Date: "2024-06-10", Ordinal: 1}}, "u1")
	require.NoError(t, err)
	assert.Empty(t, records)

	// A second purge finds nothing left.
	res, err := sched.TriggerNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, documents.PurgeResult{}, res)
}
