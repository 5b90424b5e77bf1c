package logging

import (
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger records every entry written through Logger.
type TestLogger struct {
	Logger *zap.Logger
	logs   *observer.ObservedLogs
}

// NewTestLogger returns a recording logger at Debug level.
func NewTestLogger() *TestLogger {
	core, logs := observer.New(zapcore.DebugLevel)
	return &TestLogger{Logger: zap.New(core), logs: logs}
}

// All returns every recorded entry.
func (t *TestLogger) All() []observer.LoggedEntry {
	return t.logs.All()
}

// Messages returns entries whose message contains msg.
func (t *TestLogger) Messages(msg string) []observer.LoggedEntry {
	var out []observer.LoggedEntry
	for _, e := range t.logs.All() {
		if strings.Contains(e.Message, msg) {
			out = append(out, e)
		}
	}
	return out
}

// Taxonomy counts recorded entries by their "taxonomy" field.
func (t *TestLogger) Taxonomy() map[string]int {
	counts := make(map[string]int)
	for _, e := range t.logs.All() {
		if v, ok := e.ContextMap()["taxonomy"].(string); ok {
			counts[v]++
		}
	}
	return counts
}

// AssertField fails tb unless some entry whose message contains msg carries
// key=value.
func (t *TestLogger) AssertField(tb testing.TB, msg, key string, value any) {
	tb.Helper()
	for _, e := range t.Messages(msg) {
		if v, ok := e.ContextMap()[key]; ok && v == value {
			return
		}
	}
	tb.Errorf("no %q entry with %s=%v; logged: %+v", msg, key, value, t.logs.All())
}
