// Package logging provides structured logging for retaind.
//
// Logger wraps Zap with:
//   - A Trace level (-2, below Debug)
//   - Stdout output, plus an OpenTelemetry bridge when telemetry is on
//   - Context field injection (trace_id, user.id, request.id)
//   - Field-name and pattern based secret redaction
//   - Per-level sampling (errors are never sampled)
//
// Log with context:
//
//	ctx = logging.WithUserID(ctx, "u1")
//	logger.Info(ctx, "document ingested", zap.Int("chunks", n))
//
// Stores and schedulers that have no request context take the *zap.Logger
// returned by Underlying.
//
// Use TestLogger in tests:
//
//	tl := logging.NewTestLogger()
//	tl.Info(ctx, "purge finished")
//	tl.AssertLogged(t, zapcore.InfoLevel, "purge finished")
package logging
