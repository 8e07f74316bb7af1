package embeddings

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/retaind/internal/config"
	"github.com/fyrsmithlabs/retaind/internal/errs"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.EmbeddingsConfig
		wantDim int
		wantErr bool
	}{
		{
			name: "openai default model",
			cfg: config.EmbeddingsConfig{
				Provider: "openai",
				BaseURL:  "https://api.openai.com/v1",
				Model:    "text-embedding-3-small",
				APIKey:   "sk-test",
			},
			wantDim: 1536,
		},
		{
			name: "openai explicit dimension",
			cfg: config.EmbeddingsConfig{
				Provider:  "openai",
				BaseURL:   "http://localhost:11434/v1",
				Model:     "nomic-embed-text",
				Dimension: 768,
			},
			wantDim: 768,
		},
		{
			name: "tei",
			cfg: config.EmbeddingsConfig{
				Provider: "tei",
				BaseURL:  "http://localhost:8080",
				Model:    "BAAI/bge-base-en-v1.5",
			},
			wantDim: 768,
		},
		{
			name: "tei without base URL",
			cfg: config.EmbeddingsConfig{
				Provider: "tei",
				Model:    "BAAI/bge-small-en-v1.5",
			},
			wantErr: true,
		},
		{
			name:    "unknown provider",
			cfg:     config.EmbeddingsConfig{Provider: "word2vec"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.cfg, nil)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer p.Close()
			assert.Equal(t, tt.wantDim, p.Dimension())
		})
	}
}

func TestDetectDimensionFromModel(t *testing.T) {
	tests := map[string]int{
		"BAAI/bge-small-en-v1.5":                 384,
		"BAAI/bge-base-en-v1.5":                  768,
		"sentence-transformers/all-MiniLM-L6-v2": 384,
		"text-embedding-3-large":                 3072,
		"some-large-model":                       1024,
		"unknown-model":                          384,
	}
	for model, want := range tests {
		assert.Equal(t, want, detectDimensionFromModel(model), model)
	}
}

// shortProvider returns fewer vectors than requested.
type shortProvider struct{ *Fake }

func (s shortProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	v, err := s.Fake.EmbedDocuments(ctx, texts)
	return v[:len(v)-1], err
}

// slowProvider blocks until the context is done.
type slowProvider struct{ *Fake }

func (s slowProvider) EmbedQuery(ctx context.Context, _ string) ([]float32, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestGuard(t *testing.T) {
	ctx := context.Background()

	t.Run("passes through", func(t *testing.T) {
		g := NewGuard(NewFake(8), GuardConfig{Model: "fake"}, nil)
		vectors, err := g.EmbedDocuments(ctx, []string{"a b", "c"})
		require.NoError(t, err)
		assert.Len(t, vectors, 2)
		assert.Equal(t, 8, g.Dimension())
	})

	t.Run("rejects empty text", func(t *testing.T) {
		fake := NewFake(8)
		g := NewGuard(fake, GuardConfig{}, nil)
		_, err := g.EmbedDocuments(ctx, []string{"a", ""})
		assert.True(t, errs.IsValidation(err))
		_, err = g.EmbedQuery(ctx, "")
		assert.True(t, errs.IsValidation(err))
		assert.Zero(t, fake.Calls(), "invalid input never reaches the backend")
	})

	t.Run("classifies backend failure as retryable", func(t *testing.T) {
		fake := NewFake(8)
		fake.SetError(errors.New("connection refused"))
		g := NewGuard(fake, GuardConfig{}, nil)

		_, err := g.EmbedDocuments(ctx, []string{"a"})
		require.Error(t, err)
		assert.True(t, errs.IsRetryable(err))
		assert.Contains(t, err.Error(), "connection refused")
	})

	t.Run("count mismatch", func(t *testing.T) {
		g := NewGuard(shortProvider{NewFake(8)}, GuardConfig{}, nil)
		_, err := g.EmbedDocuments(ctx, []string{"a", "b"})
		require.Error(t, err)
		assert.True(t, errs.IsRetryable(err))
	})

	t.Run("timeout", func(t *testing.T) {
		g := NewGuard(slowProvider{NewFake(8)}, GuardConfig{Timeout: 20 * time.Millisecond}, nil)
		_, err := g.EmbedQuery(ctx, "q")
		require.Error(t, err)
		assert.True(t, errs.IsRetryable(err))
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.ErrorIs(t, err, ErrEmbeddingFailed)
	})

	t.Run("rate limit honours cancellation", func(t *testing.T) {
		g := NewGuard(NewFake(8), GuardConfig{RateLimit: 0.001, Burst: 1}, nil)
		_, err := g.EmbedQuery(ctx, "first")
		require.NoError(t, err)

		cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()
		_, err = g.EmbedQuery(cctx, "second")
		require.Error(t, err)
		assert.True(t, errs.IsRetryable(err))
	})
}

func TestFake_Deterministic(t *testing.T) {
	f := NewFake(64)
	ctx := context.Background()

	a, err := f.EmbedQuery(ctx, "Retention purges old shards")
	require.NoError(t, err)
	b, err := f.EmbedQuery(ctx, "retention purges OLD shards!")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	empty, err := f.EmbedQuery(ctx, "   ")
	require.NoError(t, err)
	assert.Equal(t, float32(1), empty[0])
	assert.Equal(t, 3, f.Calls())
}
