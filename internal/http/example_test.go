package http_test

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"

	"github.com/fyrsmithlabs/retaind/internal/chunking"
	"github.com/fyrsmithlabs/retaind/internal/config"
	"github.com/fyrsmithlabs/retaind/internal/documents"
	"github.com/fyrsmithlabs/retaind/internal/embeddings"
	httpserver "github.com/fyrsmithlabs/retaind/internal/http"
	"github.com/fyrsmithlabs/retaind/internal/logging"
	"github.com/fyrsmithlabs/retaind/internal/metadata"
	"github.com/fyrsmithlabs/retaind/internal/query"
	"github.com/fyrsmithlabs/retaind/internal/reranker"
	"github.com/fyrsmithlabs/retaind/internal/retention"
	"github.com/fyrsmithlabs/retaind/internal/shard"
)

// ExampleServer wires the services behind the HTTP API and adds a document.
func ExampleServer() {
	dir, err := os.MkdirTemp("", "retaind-example")
	if err != nil {
		panic(err)
	}
	defer os.RemoveAll(dir)

	embedder := embeddings.NewFake(32)
	index, err := shard.NewFlatIndex(filepath.Join(dir, "shards"), embedder.Dimension(), nil)
	if err != nil {
		panic(err)
	}
	meta, err := metadata.Open(filepath.Join(dir, "metadata.db"), nil)
	if err != nil {
		panic(err)
	}
	defer meta.Close()

	splitter, _ := chunking.New(600, 60)
	rr, _ := reranker.NewRecencyReranker(0.7, 0.3)
	docs := documents.NewManager(index, meta, embedder, splitter)
	engine := query.NewEngine(index, meta, embedder, rr, query.Config{RetentionDays: 3, MaxTopK: 50, OverFetch: 3})
	sched, _ := retention.New(docs, 3, config.TimeOfDay{Hour: 2})

	server, err := httpserver.NewServer(
		httpserver.Services{Documents: docs, Query: engine, Retention: sched},
		logging.NewNop(),
		&httpserver.Config{Host: "localhost", Port: 9090},
	)
	if err != nil {
		panic(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents",
		strings.NewReader(`{"document_name":"notes.txt","text":"first page\fsecond page"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(httpserver.HeaderUserID, "alice")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	fmt.Println(rec.Code)
	// Output: 201
}
