package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/retaind/internal/chunking"
	"github.com/fyrsmithlabs/retaind/internal/config"
	"github.com/fyrsmithlabs/retaind/internal/documents"
	"github.com/fyrsmithlabs/retaind/internal/embeddings"
	"github.com/fyrsmithlabs/retaind/internal/logging"
	"github.com/fyrsmithlabs/retaind/internal/metadata"
	"github.com/fyrsmithlabs/retaind/internal/query"
	"github.com/fyrsmithlabs/retaind/internal/reranker"
	"github.com/fyrsmithlabs/retaind/internal/retention"
	"github.com/fyrsmithlabs/retaind/internal/shard"
)

type testEnv struct {
	server   *Server
	logger   *logging.TestLogger
	embedder *embeddings.Fake
	now      time.Time
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.Local)
	clock := func() time.Time { return now }

	index, err := shard.NewFlatIndex(filepath.Join(dir, "shards"), 32, nil)
	require.NoError(t, err)
	meta, err := metadata.Open(filepath.Join(dir, "metadata.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	splitter, err := chunking.New(600, 60)
	require.NoError(t, err)
	rr, err := reranker.NewRecencyReranker(0.7, 0.3)
	require.NoError(t, err)
	embedder := embeddings.NewFake(32)

	docs := documents.NewManager(index, meta, embedder, splitter, documents.WithClock(clock))
	engine := query.NewEngine(index, meta, embedder, rr,
		query.Config{RetentionDays: 3, MaxTopK: 50, OverFetch: 3}, query.WithClock(clock))
	sched, err := retention.New(docs, 3, config.TimeOfDay{Hour: 2}, retention.WithClock(clock))
	require.NoError(t, err)

	logger := logging.NewTestLogger()
	server, err := NewServer(Services{Documents: docs, Query: engine, Retention: sched}, logger.Logger, &Config{
		Host:        "localhost",
		Port:        9090,
		DefaultTopK: 5,
	})
	require.NoError(t, err)

	return &testEnv{server: server, logger: logger, embedder: embedder, now: now}
}

func (e *testEnv) do(t *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if userID != "" {
		req.Header.Set(HeaderUserID, userID)
	}
	rec := httptest.NewRecorder()
	e.server.echo.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestNewServer(t *testing.T) {
	t.Run("returns error when services are missing", func(t *testing.T) {
		_, err := NewServer(Services{}, logging.NewNop(), nil)
		assert.Error(t, err)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		env := setupTestServer(t)
		svc := Services{Documents: env.server.documents, Query: env.server.engine, Retention: env.server.retention}
		_, err := NewServer(svc, nil, nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("uses defaults when config is nil", func(t *testing.T) {
		env := setupTestServer(t)
		svc := Services{Documents: env.server.documents, Query: env.server.engine, Retention: env.server.retention}
		server, err := NewServer(svc, logging.NewNop(), nil)
		require.NoError(t, err)
		assert.Equal(t, "localhost", server.config.Host)
		assert.Equal(t, 9090, server.config.Port)
		assert.Equal(t, 5, server.config.DefaultTopK)
	})
}

func TestHandleHealth(t *testing.T) {
	env := setupTestServer(t)

	rec := env.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, HealthResponse{Status: "ok", Shards: 0}, decode[HealthResponse](t, rec))
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))

	rec = env.do(t, http.MethodPost, "/api/v1/documents", "u1", AddDocumentRequest{DocumentName: "a.txt", Text: "hello"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, 1, decode[HealthResponse](t, rec).Shards)
}

func TestMissingUserHeader(t *testing.T) {
	env := setupTestServer(t)

	for _, r := range []struct{ method, path string }{
		{http.MethodPost, "/api/v1/documents"},
		{http.MethodPost, "/api/v1/query"},
		{http.MethodPost, "/api/v1/ask"},
		{http.MethodGet, "/api/v1/stats"},
	} {
		t.Run(r.path, func(t *testing.T) {
			rec := env.do(t, r.method, r.path, "", map[string]string{})
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), HeaderUserID)
		})
	}
}

func TestDocumentQueryFlow(t *testing.T) {
	env := setupTestServer(t)

	rec := env.do(t, http.MethodPost, "/api/v1/documents", "u1", AddDocumentRequest{
		DocumentName: "manual.pdf",
		Pages:        []string{"installation steps for the pump", "replacing the impeller blade"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	added := decode[AddDocumentResponse](t, rec)
	assert.NotEmpty(t, added.DocumentID)
	assert.Equal(t, 2, added.ChunkCount)
	assert.Equal(t, "2024-06-10", added.ShardDate)
	assert.Equal(t, int64(2), added.ShardSize)

	rec = env.do(t, http.MethodPost, "/api/v1/query", "u1", QueryRequest{Query: "impeller blade", TopK: 1})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[QueryResponse](t, rec)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "replacing the impeller blade", resp.Results[0].Text)
	assert.Equal(t, 2, resp.Results[0].PageNumber)
	assert.Equal(t, "2024-06-10", resp.Results[0].ShardDate)
	assert.Equal(t, []string{"[Source 1: manual.pdf, Page 2]"}, resp.Citations)

	// Omitted top_k uses the default.
	rec = env.do(t, http.MethodPost, "/api/v1/query", "u1", QueryRequest{Query: "pump"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[QueryResponse](t, rec).Results, 2)

	// Another user sees nothing.
	rec = env.do(t, http.MethodPost, "/api/v1/query", "u2", QueryRequest{Query: "impeller blade"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[QueryResponse](t, rec).Results)

	rec = env.do(t, http.MethodGet, "/api/v1/stats", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, StatsResponse{DocumentCount: 1, ChunkCount: 2, ShardDates: []string{"2024-06-10"}},
		decode[StatsResponse](t, rec))
}

func TestValidationErrors(t *testing.T) {
	env := setupTestServer(t)

	tests := []struct {
		name string
		path string
		body any
		want string
	}{
		{"empty text", "/api/v1/documents", AddDocumentRequest{DocumentName: "a.txt"}, "text cannot be empty"},
		{"empty name", "/api/v1/documents", AddDocumentRequest{Text: "x"}, "document name cannot be empty"},
		{"text and pages", "/api/v1/documents", AddDocumentRequest{DocumentName: "a", Text: "x", Pages: []string{"y"}}, "mutually exclusive"},
		{"empty query", "/api/v1/query", QueryRequest{Query: ""}, "query cannot be empty"},
		{"negative top_k", "/api/v1/query", QueryRequest{Query: "q", TopK: -1}, "top_k must be positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, tt.path, "u1", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, decode[map[string]string](t, rec)["message"], tt.want)
		})
	}

	t.Run("invalid json", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/query", strings.NewReader("invalid json"))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		req.Header.Set(HeaderUserID, "u1")
		rec := httptest.NewRecorder()
		env.server.echo.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestInternalErrorsAreOpaque(t *testing.T) {
	env := setupTestServer(t)
	env.embedder.SetError(errors.New("dial tcp 10.0.0.7:8080: connection refused"))

	rec := env.do(t, http.MethodPost, "/api/v1/query", "u1", QueryRequest{Query: "anything"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, map[string]string{"message": "processing failed, retry"}, decode[map[string]string](t, rec))
	assert.NotContains(t, rec.Body.String(), "10.0.0.7")

	entries := env.logger.FilterMessage("query failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	env.logger.AssertRequest(t, "query failed", rec.Header().Get(echo.HeaderXRequestID))
	env.logger.AssertUser(t, "query failed", "u1")
	env.logger.AssertField(t, "query failed", "retryable", true)
	env.logger.AssertNoSecrets(t)
}

func TestHandleAsk_NoDocuments(t *testing.T) {
	env := setupTestServer(t)

	rec := env.do(t, http.MethodPost, "/api/v1/ask", "u1", AskRequest{Question: "what is in my files?"})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[AskResponse](t, rec)
	assert.Equal(t, query.NoDocumentsAnswer, resp.Answer)
	assert.Empty(t, resp.Sources)
}

func TestHandleAsk_GenerationDisabled(t *testing.T) {
	env := setupTestServer(t)
	rec := env.do(t, http.MethodPost, "/api/v1/documents", "u1", AddDocumentRequest{DocumentName: "a.txt", Text: "hello world"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/ask", "u1", AskRequest{Question: "hello"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "generation is not configured")
}

func TestHandlePurge(t *testing.T) {
	env := setupTestServer(t)
	rec := env.do(t, http.MethodPost, "/api/v1/documents", "u1", AddDocumentRequest{DocumentName: "a.txt", Text: "hello world"})
	require.Equal(t, http.StatusCreated, rec.Code)

	// Today's shard is inside any window.
	rec = env.do(t, http.MethodPost, "/api/v1/purge?retention_days=1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, PurgeResponse{}, decode[PurgeResponse](t, rec))

	rec = env.do(t, http.MethodPost, "/api/v1/purge?retention_days=0", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/purge?retention_days=abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/purge", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, PurgeResponse{}, decode[PurgeResponse](t, rec))
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupTestServer(t)
	rec := env.do(t, http.MethodPost, "/api/v1/documents", "u1", AddDocumentRequest{DocumentName: "a.txt", Text: "hello world"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "retaind_ingest_total")
	assert.Contains(t, rec.Body.String(), "retaind_shard_count")
}

func TestServerStartShutdown(t *testing.T) {
	env := setupTestServer(t)
	env.server.config.Port = 0

	errCh := make(chan error, 1)
	go func() { errCh <- env.server.Start() }()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, env.server.Shutdown(ctx))
	assert.ErrorIs(t, <-errCh, http.ErrServerClosed)
}
