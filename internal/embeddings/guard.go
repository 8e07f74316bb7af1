package embeddings

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/retaind/internal/errs"
)

// ErrEmbeddingFailed marks a failed or malformed embedding call. It is an
// errs.ErrProvider, so callers may retry.
var ErrEmbeddingFailed = fmt.Errorf("%w: embedding generation failed", errs.ErrProvider)

// failed wraps err under ErrEmbeddingFailed.
func failed(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrEmbeddingFailed, op, err)
}

// GuardConfig controls the limits a Guard applies to every call.
type GuardConfig struct {
	// Model labels metrics.
	Model string
	// Timeout bounds each call. Zero disables the timeout.
	Timeout time.Duration
	// RateLimit is the sustained calls per second. Zero disables limiting.
	RateLimit float64
	// Burst is the limiter bucket size.
	Burst int
}

// Guard wraps a Provider with rate limiting, a per-call timeout, output
// shape checks and metrics. Backend failures come back as errs.ErrProvider.
type Guard struct {
	inner   Provider
	cfg     GuardConfig
	limiter *rate.Limiter
	metrics *Metrics
	logger  *zap.Logger
}

// NewGuard wraps inner.
func NewGuard(inner Provider, cfg GuardConfig, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Guard{
		inner:   inner,
		cfg:     cfg,
		metrics: NewMetrics(cfg.Model, logger),
		logger:  logger,
	}
	if cfg.RateLimit > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(cfg.Burst, 1))
	}
	return g
}

// EmbedDocuments embeds texts, returning exactly one vector per text.
func (g *Guard) EmbedDocuments(ctx context.Context, texts []string) (vectors [][]float32, err error) {
	start := time.Now()
	defer func() {
		g.metrics.Record(ctx, "embed_documents", time.Since(start), len(texts), err)
	}()

	if len(texts) == 0 {
		return nil, errs.Validation("texts cannot be empty")
	}
	for i, t := range texts {
		if t == "" {
			return nil, errs.Validation("text %d is empty", i)
		}
	}

	ctx, cancel, err := g.admit(ctx)
	if err != nil {
		return nil, failed("embed documents", err)
	}
	defer cancel()

	vectors, err = g.inner.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, g.classify("embed documents", err)
	}
	if len(vectors) != len(texts) {
		return nil, failed("embed documents",
			fmt.Errorf("got %d vectors for %d texts", len(vectors), len(texts)))
	}
	for i, v := range vectors {
		if err := g.checkDimension(v); err != nil {
			return nil, failed(fmt.Sprintf("embed documents: vector %d", i), err)
		}
	}
	return vectors, nil
}

// EmbedQuery embeds a single query.
func (g *Guard) EmbedQuery(ctx context.Context, text string) (vector []float32, err error) {
	start := time.Now()
	defer func() {
		g.metrics.Record(ctx, "embed_query", time.Since(start), 1, err)
	}()

	if text == "" {
		return nil, errs.Validation("text cannot be empty")
	}

	ctx, cancel, err := g.admit(ctx)
	if err != nil {
		return nil, failed("embed query", err)
	}
	defer cancel()

	vector, err = g.inner.EmbedQuery(ctx, text)
	if err != nil {
		return nil, g.classify("embed query", err)
	}
	if err := g.checkDimension(vector); err != nil {
		return nil, failed("embed query", err)
	}
	return vector, nil
}

// Dimension returns the wrapped provider's dimension.
func (g *Guard) Dimension() int {
	return g.inner.Dimension()
}

// Close closes the wrapped provider.
func (g *Guard) Close() error {
	return g.inner.Close()
}

// admit waits for a limiter token and derives the call context.
func (g *Guard) admit(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}
	if g.cfg.Timeout > 0 {
		ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
		return ctx, cancel, nil
	}
	return ctx, func() {}, nil
}

func (g *Guard) classify(op string, err error) error {
	if errs.IsValidation(err) {
		return err
	}
	g.logger.Warn("embedding call failed", zap.String("operation", op), zap.Error(err))
	return failed(op, err)
}

func (g *Guard) checkDimension(v []float32) error {
	if dim := g.inner.Dimension(); dim > 0 && len(v) != dim {
		return fmt.Errorf("vector has dimension %d, want %d", len(v), dim)
	}
	return nil
}
