// Package logging builds thoughtd's zap logger: JSON or console output on
// stdout or stderr, an optional OpenTelemetry bridge, secret redaction, and
// sampling that never drops Warn or Error entries.
//
// Components take a plain *zap.Logger. Per-call correlation travels in the
// context and is attached at the log site:
//
//	ctx = logging.WithTenant(ctx, tenant)
//	ctx = logging.WithOperation(ctx, "drain")
//	logging.For(ctx, logger).Warn("entry left pending", zap.String("taxonomy", "transient_infra"))
//
// Tests record entries with NewTestLogger and inspect the taxonomy counts.
package logging
