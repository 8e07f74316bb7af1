package shard

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/fyrsmithlabs/retaind/internal/errs"
)

// deleteBatch bounds the number of point ids sent in one Truncate request.
const deleteBatch = 1000

// QdrantConfig holds configuration for the Qdrant-backed index.
type QdrantConfig struct {
	// Host is the Qdrant server hostname.
	Host string

	// Port is the gRPC port (6334), not the REST port.
	Port int

	UseTLS bool
	APIKey string

	// CollectionPrefix names per-date collections: <prefix>_YYYYMMDD.
	CollectionPrefix string

	// Dimension is the vector size. Zero means fixed by the first Add.
	Dimension int

	// MaxMessageSize is the maximum gRPC message size in bytes.
	MaxMessageSize int
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Host == "" {
		return errs.Validation("qdrant host required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return errs.Validation("invalid qdrant port: %d", c.Port)
	}
	if c.CollectionPrefix == "" || strings.ContainsAny(c.CollectionPrefix, "/ ") {
		return errs.Validation("invalid collection prefix %q", c.CollectionPrefix)
	}
	if c.Dimension < 0 {
		return errs.Validation("dimension must be >= 0, got %d", c.Dimension)
	}
	return nil
}

// QdrantIndex is an Index with one Qdrant collection per date. Points use
// numeric ids equal to their ordinal and Euclidean distance, so search
// scores are L2 distances.
type QdrantIndex struct {
	client *qdrant.Client
	config QdrantConfig
	logger *zap.Logger

	mu   sync.RWMutex
	dim  int
	lens map[Date]int64
}

// NewQdrantIndex connects to Qdrant and performs a health check.
func NewQdrantIndex(ctx context.Context, config QdrantConfig, logger *zap.Logger) (*QdrantIndex, error) {
	if config.MaxMessageSize == 0 {
		config.MaxMessageSize = 50 * 1024 * 1024
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if !config.UseTLS {
		logger.Warn("qdrant gRPC using plaintext (TLS disabled)")
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   config.Host,
		Port:   config.Port,
		UseTLS: config.UseTLS,
		APIKey: config.APIKey,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
				grpc.MaxCallSendMsgSize(config.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, errs.Store("connecting to qdrant", err)
	}

	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := client.HealthCheck(hctx); err != nil {
		_ = client.Close()
		return nil, errs.Store("qdrant health check", err)
	}

	return &QdrantIndex{
		client: client,
		config: config,
		logger: logger,
		dim:    config.Dimension,
		lens:   make(map[Date]int64),
	}, nil
}

func (x *QdrantIndex) collectionName(date Date) string {
	return x.config.CollectionPrefix + "_" + date.Compact()
}

func (x *QdrantIndex) dateOf(collection string) (Date, bool) {
	suffix, ok := strings.CutPrefix(collection, x.config.CollectionPrefix+"_")
	if !ok || len(suffix) != 8 {
		return "", false
	}
	return parseCompact(suffix)
}

// Add implements Index. Callers serialize writers, so the cached length is
// the next ordinal.
func (x *QdrantIndex) Add(ctx context.Context, date Date, vectors [][]float32) ([]int64, error) {
	ctx, span := tracer.Start(ctx, "shard.Add")
	defer span.End()
	span.SetAttributes(attribute.String("backend", "qdrant"), attribute.String("date", string(date)))

	if len(vectors) == 0 {
		return nil, nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	dim, err := checkDimension(x.dim, vectors)
	if err != nil {
		return nil, err
	}

	name := x.collectionName(date)
	base, known := x.lens[date]
	if !known {
		exists, err := x.client.CollectionExists(ctx, name)
		if err != nil {
			return nil, x.fail(span, "checking collection "+name, err)
		}
		if !exists {
			err := x.client.CreateCollection(ctx, &qdrant.CreateCollection{
				CollectionName: name,
				VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
					Size:     uint64(dim),
					Distance: qdrant.Distance_Euclid,
				}),
			})
			if err != nil {
				return nil, x.fail(span, "creating collection "+name, err)
			}
			ShardCount.Inc()
		} else if base, err = x.count(ctx, name); err != nil {
			return nil, x.fail(span, "counting "+name, err)
		}
	}

	points := make([]*qdrant.PointStruct, len(vectors))
	ids := make([]int64, len(vectors))
	for i, v := range vectors {
		ids[i] = base + int64(i)
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDNum(uint64(ids[i])),
			Vectors: qdrant.NewVectors(v...),
		}
	}

	_, err = x.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: name,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	})
	if err != nil {
		return nil, x.fail(span, "upserting into "+name, err)
	}

	x.dim = dim
	x.lens[date] = base + int64(len(vectors))
	observeShard(date, x.lens[date])
	span.SetStatus(codes.Ok, "success")
	return ids, nil
}

// Search implements Index.
func (x *QdrantIndex) Search(ctx context.Context, dates []Date, query []float32, k int) ([]Hit, error) {
	ctx, span := tracer.Start(ctx, "shard.Search")
	defer span.End()
	span.SetAttributes(
		attribute.String("backend", "qdrant"),
		attribute.Int("shards", len(dates)),
		attribute.Int("k", k),
	)

	if k <= 0 {
		return nil, nil
	}

	x.mu.RLock()
	var targets []Date
	for _, d := range uniqueDates(dates) {
		if n := x.lens[d]; n > 0 {
			targets = append(targets, d)
		}
	}
	dim := x.dim
	x.mu.RUnlock()

	if len(targets) == 0 {
		return nil, nil
	}
	if len(query) != dim {
		return nil, fmt.Errorf("%w: query has %d dimensions, want %d", ErrDimensionMismatch, len(query), dim)
	}

	perShard := make([][]Hit, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, date := range targets {
		g.Go(func() error {
			points, err := x.client.Query(gctx, &qdrant.QueryPoints{
				CollectionName: x.collectionName(date),
				Query:          qdrant.NewQuery(query...),
				Limit:          qdrant.PtrOf(uint64(k)),
				Params: &qdrant.SearchParams{
					Exact: qdrant.PtrOf(true),
				},
			})
			if err != nil {
				return fmt.Errorf("searching %s: %w", date, err)
			}
			hits := make([]Hit, 0, len(points))
			for _, p := range points {
				hits = append(hits, Hit{
					ID:       ID{Date: date, Ordinal: int64(p.GetId().GetNum())},
					Distance: p.GetScore(),
				})
			}
			perShard[i] = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, x.fail(span, "qdrant search", err)
	}

	hits := mergeHits(perShard, k)
	span.SetAttributes(attribute.Int("hits", len(hits)))
	return hits, nil
}

// DropShard implements Index.
func (x *QdrantIndex) DropShard(ctx context.Context, date Date) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	name := x.collectionName(date)
	exists, err := x.client.CollectionExists(ctx, name)
	if err != nil {
		return errs.Store("checking collection "+name, err)
	}
	if exists {
		if err := x.client.DeleteCollection(ctx, name); err != nil {
			return errs.Store("deleting collection "+name, err)
		}
	}
	if _, ok := x.lens[date]; ok {
		delete(x.lens, date)
		ShardCount.Set(float64(len(x.lens)))
	}
	forgetShard(date)
	x.logger.Info("shard dropped", zap.String("date", string(date)), zap.String("collection", name))
	return nil
}

// Truncate implements Index.
func (x *QdrantIndex) Truncate(ctx context.Context, date Date, n int64) error {
	if n < 0 {
		return errs.Validation("truncate length must be >= 0, got %d", n)
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	cur, ok := x.lens[date]
	if !ok || n >= cur {
		return nil
	}

	name := x.collectionName(date)
	for start := n; start < cur; start += deleteBatch {
		end := min(start+deleteBatch, cur)
		ids := make([]*qdrant.PointId, 0, end-start)
		for o := start; o < end; o++ {
			ids = append(ids, qdrant.NewIDNum(uint64(o)))
		}
		_, err := x.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: name,
			Wait:           qdrant.PtrOf(true),
			Points:         qdrant.NewPointsSelector(ids...),
		})
		if err != nil {
			return errs.Store("truncating "+name, err)
		}
	}

	x.lens[date] = n
	observeShard(date, n)
	x.logger.Info("shard truncated", zap.String("date", string(date)), zap.Int64("len", n))
	return nil
}

// Len implements Index.
func (x *QdrantIndex) Len(_ context.Context, date Date) (int64, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.lens[date], nil
}

// Dates implements Index.
func (x *QdrantIndex) Dates(_ context.Context) ([]Date, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	dates := make([]Date, 0, len(x.lens))
	for d := range x.lens {
		dates = append(dates, d)
	}
	slices.Sort(dates)
	return dates, nil
}

// Persist implements Index. Upserts wait for the server, so this is a no-op.
func (x *QdrantIndex) Persist(_ context.Context, _ Date) error {
	return nil
}

// Load implements Index by listing prefixed collections and counting their points.
func (x *QdrantIndex) Load(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "shard.Load")
	defer span.End()

	names, err := x.client.ListCollections(ctx)
	if err != nil {
		return x.fail(span, "listing collections", err)
	}

	lens := make(map[Date]int64)
	dim := x.dim
	for _, name := range names {
		date, ok := x.dateOf(name)
		if !ok {
			continue
		}
		n, err := x.count(ctx, name)
		if err != nil {
			return x.fail(span, "counting "+name, err)
		}
		if dim == 0 {
			info, err := x.client.GetCollectionInfo(ctx, name)
			if err != nil {
				return x.fail(span, "describing "+name, err)
			}
			dim = int(info.GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize())
		}
		lens[date] = n
	}

	x.mu.Lock()
	x.lens = lens
	x.dim = dim
	x.mu.Unlock()

	for d, n := range lens {
		observeShard(d, n)
	}
	ShardCount.Set(float64(len(lens)))
	x.logger.Info("shards loaded", zap.Int("shards", len(lens)), zap.Int("dimension", dim))
	return nil
}

// Close closes the gRPC connection.
func (x *QdrantIndex) Close() error {
	if x.client != nil {
		return x.client.Close()
	}
	return nil
}

func (x *QdrantIndex) count(ctx context.Context, name string) (int64, error) {
	n, err := x.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: name,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}

func (x *QdrantIndex) fail(span trace.Span, op string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return errs.Store(op, err)
}
