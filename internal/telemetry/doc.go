// Package telemetry provides OpenTelemetry instrumentation for retaind.
//
// Spans cover ingestion, shard searches and retention runs. OTEL metrics
// cover embedding calls and HTTP requests; shard gauges and retention
// counters are exported separately through Prometheus.
//
// # Usage
//
//	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version))
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
//	tracer := tel.Tracer("retaind.shard")
//	ctx, span := tracer.Start(ctx, "shard.search")
//	defer span.End()
//
// # Configuration
//
//	telemetry:
//	  enabled: true
//	  endpoint: "localhost:4317"
//	  protocol: grpc
//	  sample_rate: 1.0
//
// # Error Handling
//
// Telemetry failures do not crash the service. If a provider cannot be
// initialized, the instance degrades and returns no-op tracers and meters.
//
// # Testing
//
//	tt := telemetry.NewTestTelemetry()
//	_, span := tt.Tracer("test").Start(ctx, "test-span")
//	span.End()
//	tt.AssertSpanExists(t, "test-span")
package telemetry
