//go:build !cgo

package embeddings

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/retaind/internal/errs"
)

// ErrFastEmbedNotAvailable is returned by the fastembed provider in builds
// without cgo. It is a configuration error, not a retryable one.
var ErrFastEmbedNotAvailable = fmt.Errorf("%w: fastembed needs a cgo build, use the openai or tei provider", errs.ErrValidation)

// FastEmbedConfig mirrors the cgo build's config so callers compile unchanged.
type FastEmbedConfig struct {
	Model     string
	CacheDir  string
	MaxLength int
}

// FastEmbedProvider never constructs without cgo.
type FastEmbedProvider struct{}

// NewFastEmbedProvider always returns ErrFastEmbedNotAvailable.
func NewFastEmbedProvider(FastEmbedConfig) (*FastEmbedProvider, error) {
	return nil, ErrFastEmbedNotAvailable
}

func (*FastEmbedProvider) EmbedDocuments(context.Context, []string) ([][]float32, error) {
	return nil, ErrFastEmbedNotAvailable
}

func (*FastEmbedProvider) EmbedQuery(context.Context, string) ([]float32, error) {
	return nil, ErrFastEmbedNotAvailable
}

func (*FastEmbedProvider) Dimension() int { return 0 }

func (*FastEmbedProvider) Close() error { return nil }
