// Package http provides the retaind HTTP API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/retaind/internal/documents"
	"github.com/fyrsmithlabs/retaind/internal/errs"
	"github.com/fyrsmithlabs/retaind/internal/logging"
	"github.com/fyrsmithlabs/retaind/internal/query"
	"github.com/fyrsmithlabs/retaind/internal/retention"
)

// HeaderUserID carries the caller's user id on user-scoped requests.
const HeaderUserID = "X-User-ID"

const internalErrorMessage = "processing failed, retry"

// Server provides HTTP endpoints for retaind.
type Server struct {
	echo      *echo.Echo
	documents *documents.Manager
	engine    *query.Engine
	retention *retention.Scheduler
	logger    *logging.Logger
	config    *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// DefaultTopK applies when a request omits top_k.
	DefaultTopK int
}

// Services are the components the API exposes.
type Services struct {
	Documents *documents.Manager
	Query     *query.Engine
	Retention *retention.Scheduler
}

// NewServer creates a new HTTP server.
func NewServer(svc Services, logger *logging.Logger, cfg *Config) (*Server, error) {
	if svc.Documents == nil || svc.Query == nil || svc.Retention == nil {
		return nil, fmt.Errorf("documents, query and retention services are required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9090,
		}
	}
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = 5
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(NewHTTPMetrics(logger.Underlying()).MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			requestID := c.Response().Header().Get(echo.HeaderXRequestID)
			c.SetRequest(c.Request().WithContext(logging.WithRequestID(c.Request().Context(), requestID)))

			err := next(c)
			if err != nil {
				// Write the error response now so the logged status is final.
				c.Error(err)
			}

			logger.Info(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			return nil
		}
	})

	s := &Server{
		echo:      e,
		documents: svc.Documents,
		engine:    svc.Query,
		retention: svc.Retention,
		logger:    logger,
		config:    cfg,
	}

	s.registerRoutes()

	return s, nil
}

// Handler returns the server's http.Handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/documents", s.handleAddDocument, requireUser)
	v1.POST("/query", s.handleQuery, requireUser)
	v1.POST("/ask", s.handleAsk, requireUser)
	v1.GET("/stats", s.handleStats, requireUser)
	v1.POST("/purge", s.handlePurge)
}

type userCtxKey struct{}

// requireUser rejects requests without an X-User-ID header.
func requireUser(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID := strings.TrimSpace(c.Request().Header.Get(HeaderUserID))
		if userID == "" {
			return echo.NewHTTPError(http.StatusBadRequest, HeaderUserID+" header is required")
		}
		ctx := logging.WithUserID(c.Request().Context(), userID)
		ctx = context.WithValue(ctx, userCtxKey{}, userID)
		c.SetRequest(c.Request().WithContext(ctx))
		return next(c)
	}
}

func userID(c echo.Context) string {
	u, _ := c.Request().Context().Value(userCtxKey{}).(string)
	return u
}

// fail maps a service error to an HTTP error. Only validation messages reach the client.
func (s *Server) fail(c echo.Context, op string, err error) error {
	ctx := c.Request().Context()
	switch {
	case errs.IsValidation(err):
		s.logger.Debug(ctx, op+" rejected", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, retention.ErrAlreadyRunning):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		s.logger.Error(ctx, op+" failed",
			zap.Error(err),
			zap.Bool("retryable", errs.IsRetryable(err)))
		return echo.NewHTTPError(http.StatusInternalServerError, internalErrorMessage)
	}
}

func (s *Server) topK(requested int) int {
	if requested == 0 {
		return s.config.DefaultTopK
	}
	return requested
}

// handleHealth reports liveness and the number of live shards.
func (s *Server) handleHealth(c echo.Context) error {
	dates, err := s.documents.ShardDates(c.Request().Context())
	if err != nil {
		return s.fail(c, "health", err)
	}
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Shards: len(dates)})
}

// handleAddDocument ingests a document for the calling user.
func (s *Server) handleAddDocument(c echo.Context) error {
	var req AddDocumentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Text != "" && len(req.Pages) > 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "text and pages are mutually exclusive")
	}

	ctx := c.Request().Context()
	var (
		res documents.AddResult
		err error
	)
	if len(req.Pages) > 0 {
		res, err = s.documents.AddDocumentWithPages(ctx, userID(c), req.Pages, req.DocumentName)
	} else {
		res, err = s.documents.AddDocument(ctx, userID(c), req.Text, req.DocumentName)
	}
	if err != nil {
		return s.fail(c, "add document", err)
	}

	return c.JSON(http.StatusCreated, AddDocumentResponse{
		DocumentID: res.DocumentID,
		ChunkCount: res.ChunkCount,
		ShardDate:  res.ShardDate.String(),
		ShardSize:  res.ShardSize,
	})
}

// handleQuery retrieves ranked chunks for the calling user.
func (s *Server) handleQuery(c echo.Context) error {
	var req QueryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	resp, err := s.engine.Answer(c.Request().Context(), userID(c), req.Query, s.topK(req.TopK))
	if err != nil {
		return s.fail(c, "query", err)
	}

	out := QueryResponse{
		Results:   make([]QueryResult, len(resp.Results)),
		Citations: resp.Citations,
	}
	for i, r := range resp.Results {
		out.Results[i] = QueryResult{
			Text:         r.Text,
			DocumentName: r.DocumentName,
			PageNumber:   r.PageNumber,
			Score:        r.Score,
			ShardDate:    r.ID.Date.String(),
		}
	}
	return c.JSON(http.StatusOK, out)
}

// handleAsk answers a question from the calling user's documents.
func (s *Server) handleAsk(c echo.Context) error {
	var req AskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	resp, err := s.engine.Ask(c.Request().Context(), userID(c), req.Question, s.topK(req.TopK))
	if err != nil {
		return s.fail(c, "ask", err)
	}

	out := AskResponse{
		Answer:    resp.Answer,
		Sources:   make([]Source, len(resp.Sources)),
		Citations: resp.Citations,
	}
	for i, src := range resp.Sources {
		out.Sources[i] = Source{
			SourceNumber:   src.Number,
			DocumentName:   src.DocumentName,
			PageNumber:     src.PageNumber,
			ChunkPreview:   src.Preview,
			RelevanceScore: src.Score,
		}
	}
	return c.JSON(http.StatusOK, out)
}

// handleStats summarizes the calling user's stored documents.
func (s *Server) handleStats(c echo.Context) error {
	stats, err := s.documents.StatsFor(c.Request().Context(), userID(c))
	if err != nil {
		return s.fail(c, "stats", err)
	}

	dates := make([]string, len(stats.ShardDates))
	for i, d := range stats.ShardDates {
		dates[i] = d.String()
	}
	return c.JSON(http.StatusOK, StatsResponse{
		DocumentCount: stats.DocumentCount,
		ChunkCount:    stats.ChunkCount,
		ShardDates:    dates,
	})
}

// handlePurge runs an on-demand purge. retention_days defaults to the configured window.
func (s *Server) handlePurge(c echo.Context) error {
	ctx := c.Request().Context()

	var (
		res documents.PurgeResult
		err error
	)
	if raw := c.QueryParam("retention_days"); raw != "" {
		days, convErr := strconv.Atoi(raw)
		if convErr != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "retention_days must be an integer")
		}
		res, err = s.retention.PurgeDaysAgo(ctx, days)
	} else {
		res, err = s.retention.TriggerNow(ctx)
	}
	if err != nil {
		return s.fail(c, "purge", err)
	}

	return c.JSON(http.StatusOK, PurgeResponse{
		ShardsDropped: res.ShardsDropped,
		RowsDeleted:   res.RowsDeleted,
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
