package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"
)

// Client polls a retaind server's health, stats and /metrics endpoints.
type Client struct {
	baseURL string
	userID  string
	client  *http.Client
}

// Snapshot is one poll of the server.
type Snapshot struct {
	Status string
	Shards int

	IngestOK      float64
	IngestFailed  float64
	ChunksIndexed float64
	Rollbacks     float64

	Queries         float64
	QueryLatencySum float64

	PurgesOK      float64
	PurgesSkipped float64
	PurgesFailed  float64
	LastPurge     time.Time
	RowsPurged    float64

	// ShardVectors maps shard date to vector count, sorted by date in ShardDates.
	ShardVectors map[string]float64
	ShardDates   []string

	// User is set when the client has a user id.
	User *UserStats
}

// UserStats are the polling user's own counts.
type UserStats struct {
	DocumentCount int      `json:"document_count"`
	ChunkCount    int      `json:"chunk_count"`
	ShardDates    []string `json:"shard_dates"`
}

// AvgQueryLatency returns mean query latency in seconds.
func (s Snapshot) AvgQueryLatency() float64 {
	if s.Queries == 0 {
		return 0
	}
	return s.QueryLatencySum / s.Queries
}

// NewClient creates a client for the server at baseURL. userID may be empty.
func NewClient(baseURL, userID string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		userID:  userID,
		client: &http.Client{
			Timeout: 2 * time.Second,
		},
	}
}

// Snapshot polls the server once.
func (c *Client) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot

	var health struct {
		Status string `json:"status"`
		Shards int    `json:"shards"`
	}
	if err := c.getJSON(ctx, "/health", &health); err != nil {
		return Snapshot{}, err
	}
	snap.Status = health.Status
	snap.Shards = health.Shards

	families, err := c.scrape(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	applyFamilies(&snap, families)

	if c.userID != "" {
		var stats UserStats
		if err := c.getJSON(ctx, "/api/v1/stats", &stats); err != nil {
			return Snapshot{}, err
		}
		snap.User = &stats
	}
	return snap, nil
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.userID != "" {
		req.Header.Set("X-User-ID", c.userID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("%s returned status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) scrape(ctx context.Context) (map[string]*dto.MetricFamily, error) {
	resp, err := c.get(ctx, "/metrics")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	parser := expfmt.NewTextParser(model.UTF8Validation)
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse metrics: %w", err)
	}
	return families, nil
}

// applyFamilies copies the retaind series the dashboard shows into snap.
func applyFamilies(snap *Snapshot, families map[string]*dto.MetricFamily) {
	snap.ShardVectors = make(map[string]float64)

	for _, m := range metrics(families, "retaind_ingest_total") {
		if label(m, "result") == "ok" {
			snap.IngestOK += m.GetCounter().GetValue()
		} else {
			snap.IngestFailed += m.GetCounter().GetValue()
		}
	}
	snap.ChunksIndexed = sumCounters(families, "retaind_ingest_chunks_total")
	snap.Rollbacks = sumCounters(families, "retaind_ingest_rollbacks_total")

	for _, m := range metrics(families, "retaind_query_duration_seconds") {
		snap.Queries += float64(m.GetHistogram().GetSampleCount())
		snap.QueryLatencySum += m.GetHistogram().GetSampleSum()
	}

	for _, m := range metrics(families, "retaind_retention_runs_total") {
		v := m.GetCounter().GetValue()
		switch label(m, "result") {
		case "success":
			snap.PurgesOK += v
		case "skipped":
			snap.PurgesSkipped += v
		default:
			snap.PurgesFailed += v
		}
	}
	for _, m := range metrics(families, "retaind_retention_last_run_timestamp_seconds") {
		if ts := m.GetGauge().GetValue(); ts > 0 {
			snap.LastPurge = time.Unix(int64(ts), 0)
		}
	}
	snap.RowsPurged = sumCounters(families, "retaind_retention_rows_deleted_total")

	for _, m := range metrics(families, "retaind_shard_vectors") {
		snap.ShardVectors[label(m, "date")] = m.GetGauge().GetValue()
	}
	for d := range snap.ShardVectors {
		snap.ShardDates = append(snap.ShardDates, d)
	}
	sort.Strings(snap.ShardDates)
}

func metrics(families map[string]*dto.MetricFamily, name string) []*dto.Metric {
	if mf, ok := families[name]; ok {
		return mf.GetMetric()
	}
	return nil
}

func sumCounters(families map[string]*dto.MetricFamily, name string) float64 {
	var sum float64
	for _, m := range metrics(families, name) {
		sum += m.GetCounter().GetValue()
	}
	return sum
}

func label(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}
