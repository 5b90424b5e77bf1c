// Package telemetry wires OpenTelemetry tracing and metrics for thoughtd.
//
//	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version), logger)
//	defer tel.Shutdown(context.Background())
//	tracer := tel.Tracer("thoughtd.drainer")
//
// Tests use NewTestTelemetry, which records spans and metrics in memory.
package telemetry
