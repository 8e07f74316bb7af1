package documents

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/retaind/internal/chunking"
	"github.com/fyrsmithlabs/retaind/internal/embeddings"
	"github.com/fyrsmithlabs/retaind/internal/errs"
	"github.com/fyrsmithlabs/retaind/internal/logging"
	"github.com/fyrsmithlabs/retaind/internal/metadata"
	"github.com/fyrsmithlabs/retaind/internal/shard"
)

// ErrValidation is returned for empty users, texts or document names.
var ErrValidation = errs.ErrValidation

var tracer = otel.Tracer("github.com/fyrsmithlabs/retaind/internal/documents")

// AddResult describes a committed document.
type AddResult struct {
	DocumentID string
	ChunkCount int
	ShardDate  shard.Date
	// ShardSize is the shard length after the commit.
	ShardSize int64
}

// PurgeResult describes a purge.
type PurgeResult struct {
	ShardsDropped int
	RowsDeleted   int64
}

// ReconcileReport describes the repairs made by Reconcile.
type ReconcileReport struct {
	DatesChecked  int
	OrphanRows    int64
	OrphanVectors int64
}

// Manager coordinates writes across the index and the metadata store.
type Manager struct {
	mu sync.Mutex

	index    shard.Index
	meta     *metadata.Store
	embedder embeddings.Provider
	splitter *chunking.Splitter
	logger   *logging.Logger
	now      func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now. Shard dates are taken from this clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager returns a Manager over the given stores.
func NewManager(index shard.Index, meta *metadata.Store, embedder embeddings.Provider, splitter *chunking.Splitter, opts ...Option) *Manager {
	m := &Manager{
		index:    index,
		meta:     meta,
		embedder: embedder,
		splitter: splitter,
		logger:   logging.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Today returns the current shard date according to the manager's clock.
func (m *Manager) Today() shard.Date {
	return shard.DateOf(m.now())
}

// AddDocument chunks, embeds and stores text for userID. Form feeds in
// text are treated as page breaks.
func (m *Manager) AddDocument(ctx context.Context, userID, text, documentName string) (AddResult, error) {
	if strings.TrimSpace(text) == "" {
		IngestTotal.WithLabelValues("invalid").Inc()
		return AddResult{}, errs.Validation("text cannot be empty")
	}
	return m.AddDocumentWithPages(ctx, userID, chunking.Pages(text), documentName)
}

// AddDocumentWithPages stores pre-split pages. Page numbers start at 1.
func (m *Manager) AddDocumentWithPages(ctx context.Context, userID string, pages []string, documentName string) (res AddResult, err error) {
	ctx, span := tracer.Start(ctx, "documents.Add", trace.WithAttributes(
		attribute.String("document.name", documentName),
		attribute.Int("document.pages", len(pages)),
	))
	defer func() {
		IngestTotal.WithLabelValues(resultLabel(err)).Inc()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if strings.TrimSpace(userID) == "" {
		return AddResult{}, errs.Validation("user id cannot be empty")
	}
	if strings.TrimSpace(documentName) == "" {
		return AddResult{}, errs.Validation("document name cannot be empty")
	}
	ctx = logging.WithUserID(ctx, userID)

	chunks, err := m.splitter.SplitPages(pages)
	if err != nil {
		return AddResult{}, fmt.Errorf("chunking %s: %w", documentName, err)
	}
	if len(chunks) == 0 {
		return AddResult{}, errs.Validation("document %q has no text", documentName)
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := m.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		if errs.IsValidation(err) || errors.Is(err, errs.ErrProvider) {
			return AddResult{}, err
		}
		return AddResult{}, errs.Provider("embedding "+documentName, err)
	}
	if len(vectors) != len(chunks) {
		return AddResult{}, errs.Provider("embedding "+documentName,
			fmt.Errorf("got %d vectors for %d chunks", len(vectors), len(chunks)))
	}

	if err := ctx.Err(); err != nil {
		return AddResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	date := shard.DateOf(m.now())
	base, err := m.commit(ctx, userID, documentName, date, chunks, vectors)
	if err != nil {
		return AddResult{}, err
	}

	res = AddResult{
		DocumentID: uuid.NewString(),
		ChunkCount: len(chunks),
		ShardDate:  date,
		ShardSize:  base + int64(len(chunks)),
	}
	IngestChunks.Add(float64(len(chunks)))
	span.SetAttributes(attribute.String("shard.date", string(date)), attribute.Int("chunks", len(chunks)))
	m.logger.Info(ctx, "document ingested",
		zap.String("document_id", res.DocumentID),
		zap.String("document_name", documentName),
		zap.Int("chunks", res.ChunkCount),
		zap.String("shard_date", string(date)),
		zap.Int64("shard_size", res.ShardSize))
	return res, nil
}

// commit runs the critical section. It must be called with m.mu held and
// returns the shard length before the append.
func (m *Manager) commit(ctx context.Context, userID, documentName string, date shard.Date, chunks []chunking.Chunk, vectors [][]float32) (int64, error) {
	tx, err := m.meta.Begin(ctx)
	if err != nil {
		return 0, err
	}
	// Rollback after a successful Commit is a no-op.
	defer tx.Rollback()

	base, err := m.index.Len(ctx, date)
	if err != nil {
		return 0, err
	}

	created := m.now()
	rows := make([]metadata.Record, len(chunks))
	for i, c := range chunks {
		rows[i] = metadata.Record{
			ID:           shard.ID{Date: date, Ordinal: base + int64(i)},
			UserID:       userID,
			DocumentName: documentName,
			PageNumber:   c.PageNumber,
			ChunkIndex:   c.Index,
			Text:         c.Text,
			CreatedAt:    created,
		}
	}
	if err := tx.InsertBatch(ctx, rows); err != nil {
		return 0, err
	}

	ordinals, err := m.index.Add(ctx, date, vectors)
	if err != nil {
		return 0, err
	}
	if len(ordinals) != len(vectors) || ordinals[0] != base {
		m.undo(ctx, date, base)
		return 0, errs.Store("appending vectors",
			fmt.Errorf("index assigned ordinals from %v, want %d", firstOrNil(ordinals), base))
	}

	if err := m.index.Persist(ctx, date); err != nil {
		m.undo(ctx, date, base)
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		m.undo(ctx, date, base)
		return 0, err
	}
	return base, nil
}

// undo truncates date back to base and re-persists it. It runs even when
// ctx is cancelled.
func (m *Manager) undo(ctx context.Context, date shard.Date, base int64) {
	RollbacksTotal.Inc()
	ctx = context.WithoutCancel(ctx)
	if err := m.index.Truncate(ctx, date, base); err != nil {
		m.logger.Error(ctx, "truncate after failed ingest", zap.String("shard_date", string(date)), zap.Error(err))
		return
	}
	if err := m.index.Persist(ctx, date); err != nil {
		m.logger.Error(ctx, "persist after truncate", zap.String("shard_date", string(date)), zap.Error(err))
		return
	}
	m.logger.Warn(ctx, "ingest rolled back", zap.String("shard_date", string(date)), zap.Int64("shard_size", base))
}

// PurgeBefore drops every shard dated before cutoff and deletes its metadata.
func (m *Manager) PurgeBefore(ctx context.Context, cutoff shard.Date) (PurgeResult, error) {
	ctx, span := tracer.Start(ctx, "documents.PurgeBefore", trace.WithAttributes(
		attribute.String("cutoff", string(cutoff)),
	))
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	dates, err := m.knownDates(ctx)
	if err != nil {
		span.RecordError(err)
		return PurgeResult{}, err
	}

	var res PurgeResult
	for _, d := range dates {
		if !d.Before(cutoff) {
			break
		}
		if err := m.index.DropShard(ctx, d); err != nil {
			span.RecordError(err)
			return res, err
		}
		res.ShardsDropped++
	}

	res.RowsDeleted, err = m.meta.DeleteBefore(ctx, cutoff)
	if err != nil {
		span.RecordError(err)
		return res, err
	}

	span.SetAttributes(attribute.Int("shards_dropped", res.ShardsDropped), attribute.Int64("rows_deleted", res.RowsDeleted))
	m.logger.Info(ctx, "purge finished",
		zap.String("cutoff", string(cutoff)),
		zap.Int("shards_dropped", res.ShardsDropped),
		zap.Int64("rows_deleted", res.RowsDeleted))
	return res, nil
}

// StatsFor summarizes userID's stored documents.
func (m *Manager) StatsFor(ctx context.Context, userID string) (metadata.Stats, error) {
	if strings.TrimSpace(userID) == "" {
		return metadata.Stats{}, errs.Validation("user id cannot be empty")
	}
	return m.meta.StatsFor(ctx, userID)
}

// ShardDates lists the dates that currently have a shard.
func (m *Manager) ShardDates(ctx context.Context) ([]shard.Date, error) {
	return m.index.Dates(ctx)
}

// Reconcile repairs disagreement between the index and the metadata store
// left by a crash. It should run once at startup, after the index is loaded.
func (m *Manager) Reconcile(ctx context.Context) (ReconcileReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dates, err := m.knownDates(ctx)
	if err != nil {
		return ReconcileReport{}, err
	}

	var rep ReconcileReport
	for _, d := range dates {
		rep.DatesChecked++

		n, err := m.index.Len(ctx, d)
		if err != nil {
			return rep, err
		}

		// Rows pointing past the end of the shard (or at a missing shard).
		deleted, err := m.meta.DeleteFrom(ctx, d, n)
		if err != nil {
			return rep, err
		}
		rep.OrphanRows += deleted

		maxOrd, err := m.meta.MaxOrdinal(ctx, d)
		if err != nil {
			return rep, err
		}
		if keep := maxOrd + 1; keep < n {
			if err := m.index.Truncate(ctx, d, keep); err != nil {
				return rep, err
			}
			if err := m.index.Persist(ctx, d); err != nil {
				return rep, err
			}
			rep.OrphanVectors += n - keep
		}
	}

	level := m.logger.Info
	if rep.OrphanRows > 0 || rep.OrphanVectors > 0 {
		level = m.logger.Warn
	}
	level(ctx, "reconcile finished",
		zap.Int("dates", rep.DatesChecked),
		zap.Int64("orphan_rows", rep.OrphanRows),
		zap.Int64("orphan_vectors", rep.OrphanVectors))
	return rep, nil
}

// knownDates returns the ascending union of index and metadata dates.
func (m *Manager) knownDates(ctx context.Context) ([]shard.Date, error) {
	fromIndex, err := m.index.Dates(ctx)
	if err != nil {
		return nil, err
	}
	fromMeta, err := m.meta.ShardDates(ctx)
	if err != nil {
		return nil, err
	}
	dates := append(slices.Clone(fromIndex), fromMeta...)
	slices.Sort(dates)
	return slices.Compact(dates), nil
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errs.IsValidation(err):
		return "invalid"
	case errs.IsRetryable(err):
		return "provider_error"
	default:
		return "store_error"
	}
}

func firstOrNil(ordinals []int64) any {
	if len(ordinals) == 0 {
		return nil
	}
	return ordinals[0]
}
