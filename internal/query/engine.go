// Package query answers retrieval requests against the sharded index.
//
// A query embeds the text, searches the retention window's shards with an
// over-fetched k, resolves hits through the metadata store (which drops
// other users' chunks), reranks by similarity and recency, and truncates.
package query

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/retaind/internal/embeddings"
	"github.com/fyrsmithlabs/retaind/internal/errs"
	"github.com/fyrsmithlabs/retaind/internal/generation"
	"github.com/fyrsmithlabs/retaind/internal/logging"
	"github.com/fyrsmithlabs/retaind/internal/metadata"
	"github.com/fyrsmithlabs/retaind/internal/reranker"
	"github.com/fyrsmithlabs/retaind/internal/shard"
)

// ErrValidation is returned for empty users or queries and non-positive topK.
var ErrValidation = errs.ErrValidation

// ErrGenerationDisabled is returned by Ask when no Generator is configured.
var ErrGenerationDisabled = fmt.Errorf("%w: answer generation is not configured", errs.ErrValidation)

// NoDocumentsAnswer is Ask's answer when nothing was retrieved.
const NoDocumentsAnswer = "I don't have any documents to search through. Please upload documents first."

const previewLen = 200

var tracer = otel.Tracer("github.com/fyrsmithlabs/retaind/internal/query")

// Config bounds and shapes queries.
type Config struct {
	// RetentionDays is the window length N.
	RetentionDays int
	// MaxTopK caps the requested topK.
	MaxTopK int
	// OverFetch multiplies topK for the index search so reranking has room.
	OverFetch int
}

// Result is one retrieved chunk.
type Result struct {
	ID           shard.ID
	Text         string
	DocumentName string
	PageNumber   int
	ChunkIndex   int
	Distance     float32
	Similarity   float64
	Recency      float64
	Score        float64
}

// Response is the outcome of Answer.
type Response struct {
	Results   []Result
	Citations []string
}

// Source summarizes a retrieved chunk for an Ask response.
type Source struct {
	Number       int
	DocumentName string
	PageNumber   int
	Preview      string
	Score        float64
}

// AskResponse is the outcome of Ask.
type AskResponse struct {
	Answer    string
	Sources   []Source
	Citations []string
}

// Engine runs queries.
type Engine struct {
	index     shard.Index
	meta      *metadata.Store
	embedder  embeddings.Provider
	reranker  reranker.Reranker
	generator generation.Generator
	cfg       Config
	logger    *logging.Logger
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now. The retention window ends at this clock's date.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithGenerator enables Ask.
func WithGenerator(g generation.Generator) Option {
	return func(e *Engine) { e.generator = g }
}

// NewEngine returns an Engine.
func NewEngine(index shard.Index, meta *metadata.Store, embedder embeddings.Provider, rr reranker.Reranker, cfg Config, opts ...Option) *Engine {
	if cfg.RetentionDays < 1 {
		cfg.RetentionDays = 1
	}
	if cfg.OverFetch < 1 {
		cfg.OverFetch = 1
	}
	e := &Engine{
		index:    index,
		meta:     meta,
		embedder: embedder,
		reranker: rr,
		cfg:      cfg,
		logger:   logging.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Window returns the dates a query made now would search, oldest first.
func (e *Engine) Window() []shard.Date {
	return shard.Window(shard.DateOf(e.now()), e.cfg.RetentionDays)
}

// Answer retrieves up to topK chunks owned by userID that best match queryText.
// An empty result is not an error.
func (e *Engine) Answer(ctx context.Context, userID, queryText string, topK int) (resp Response, err error) {
	ctx, span := tracer.Start(ctx, "query.Answer", trace.WithAttributes(attribute.Int("top_k", topK)))
	start := time.Now()
	defer func() {
		QueryDuration.WithLabelValues(resultLabel(err)).Observe(time.Since(start).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if strings.TrimSpace(userID) == "" {
		return Response{}, errs.Validation("user id cannot be empty")
	}
	if strings.TrimSpace(queryText) == "" {
		return Response{}, errs.Validation("query cannot be empty")
	}
	if topK <= 0 {
		return Response{}, errs.Validation("top_k must be positive, got %d", topK)
	}
	if e.cfg.MaxTopK > 0 {
		topK = min(topK, e.cfg.MaxTopK)
	}
	ctx = logging.WithUserID(ctx, userID)

	vector, err := e.embedder.EmbedQuery(ctx, queryText)
	if err != nil {
		if errs.IsValidation(err) || errs.IsRetryable(err) {
			return Response{}, err
		}
		return Response{}, errs.Provider("embed query", err)
	}

	dates := e.Window()
	hits, err := e.index.Search(ctx, dates, vector, topK*e.cfg.OverFetch)
	if err != nil {
		return Response{}, err
	}

	ids := make([]shard.ID, len(hits))
	distances := make(map[shard.ID]float32, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
		distances[h.ID] = h.Distance
	}

	records, err := e.meta.Resolve(ctx, ids, userID)
	if err != nil {
		return Response{}, err
	}

	docs := make([]reranker.Document, len(records))
	byID := make(map[shard.ID]metadata.Record, len(records))
	for i, r := range records {
		docs[i] = reranker.Document{ID: r.ID, Distance: distances[r.ID]}
		byID[r.ID] = r
	}

	scored, err := e.reranker.Rerank(ctx, docs, reranker.Window{Oldest: dates[0], Days: len(dates)}, topK)
	if err != nil {
		return Response{}, err
	}

	resp.Results = make([]Result, len(scored))
	for i, s := range scored {
		r := byID[s.ID]
		resp.Results[i] = Result{
			ID:           s.ID,
			Text:         r.Text,
			DocumentName: r.DocumentName,
			PageNumber:   r.PageNumber,
			ChunkIndex:   r.ChunkIndex,
			Distance:     s.Distance,
			Similarity:   s.Similarity,
			Recency:      s.Recency,
			Score:        s.Score,
		}
	}
	resp.Citations = Citations(resp.Results)

	span.SetAttributes(
		attribute.Int("hits", len(hits)),
		attribute.Int("resolved", len(records)),
		attribute.Int("results", len(resp.Results)))
	e.logger.Debug(ctx, "query answered",
		zap.Int("hits", len(hits)),
		zap.Int("resolved", len(records)),
		zap.Int("results", len(resp.Results)))
	return resp, nil
}

// Ask answers question from userID's documents using the configured Generator.
func (e *Engine) Ask(ctx context.Context, userID, question string, topK int) (AskResponse, error) {
	resp, err := e.Answer(ctx, userID, question, topK)
	if err != nil {
		return AskResponse{}, err
	}
	if len(resp.Results) == 0 {
		return AskResponse{Answer: NoDocumentsAnswer, Sources: []Source{}, Citations: []string{}}, nil
	}
	if e.generator == nil {
		return AskResponse{}, ErrGenerationDisabled
	}

	answer, err := e.generator.Generate(ctx, question, FormatContext(resp.Results))
	if err != nil {
		return AskResponse{}, err
	}

	sources := make([]Source, len(resp.Results))
	for i, r := range resp.Results {
		sources[i] = Source{
			Number:       i + 1,
			DocumentName: r.DocumentName,
			PageNumber:   r.PageNumber,
			Preview:      preview(r.Text),
			Score:        r.Score,
		}
	}
	return AskResponse{Answer: answer, Sources: sources, Citations: resp.Citations}, nil
}

// Citation renders the label for the i-th (1-based) result.
func Citation(i int, r Result) string {
	return fmt.Sprintf("[Source %d: %s, Page %d]", i, r.DocumentName, r.PageNumber)
}

// Citations labels results in order.
func Citations(results []Result) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = Citation(i+1, r)
	}
	return out
}

// FormatContext renders results as cited passages for a generator prompt.
func FormatContext(results []Result) string {
	if len(results) == 0 {
		return "No relevant context found."
	}
	parts := make([]string, len(results))
	for i, r := range results {
		parts[i] = Citation(i+1, r) + "\n" + r.Text + "\n"
	}
	return strings.Join(parts, "\n---\n")
}

func preview(text string) string {
	runes := []rune(text)
	if len(runes) <= previewLen {
		return text
	}
	return string(runes[:previewLen]) + "..."
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
