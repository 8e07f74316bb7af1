package shard

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fyrsmithlabs/retaind/internal/config"
	"go.uber.org/zap"
)

// NewIndex creates the Index selected by cfg.Index.Provider:
//   - "flat" (default): file-backed in-process index under <data_dir>/shards
//   - "qdrant": one Qdrant collection per date
//
// dim overrides cfg.Index.Dimension when non-zero (the embedding provider's
// dimension, when it is known up front).
func NewIndex(ctx context.Context, cfg *config.Config, dim int, logger *zap.Logger) (Index, error) {
	if dim == 0 {
		dim = cfg.Index.Dimension
	}

	switch cfg.Index.Provider {
	case "flat", "":
		return NewFlatIndex(filepath.Join(cfg.Storage.DataDir, "shards"), dim, logger)

	case "qdrant":
		q := cfg.Index.Qdrant
		return NewQdrantIndex(ctx, QdrantConfig{
			Host:             q.Host,
			Port:             q.Port,
			UseTLS:           q.UseTLS,
			APIKey:           q.APIKey.Value(),
			CollectionPrefix: q.CollectionPrefix,
			Dimension:        dim,
			MaxMessageSize:   q.MaxMessageSize,
		}, logger)

	default:
		return nil, fmt.Errorf("unsupported index provider: %s (supported: flat, qdrant)", cfg.Index.Provider)
	}
}
