package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/thoughtd/internal/config"
)

func encode(t *testing.T, enc zapcore.Encoder, msg string, fields ...zap.Field) string {
	t.Helper()
	buf, err := enc.EncodeEntry(zapcore.Entry{Message: msg}, fields)
	require.NoError(t, err)
	return buf.String()
}

func TestRedactingEncoder(t *testing.T) {
	enc, err := NewRedactingEncoder(newEncoder("json"), NewDefaultConfig().Redaction)
	require.NoError(t, err)

	out := encode(t, enc, "provider rejected key sk-abcdef123456",
		zap.String("api_key", "sk-123"),
		zap.String("error", "POST /embed: 401 (Authorization: Bearer abc.def)"),
		zap.String("tenant", "acme"),
	)
	assert.NotContains(t, out, "sk-123")
	assert.NotContains(t, out, "sk-abcdef123456")
	assert.NotContains(t, out, "abc.def")
	assert.Contains(t, out, "POST /embed: 401")
	assert.Contains(t, out, `"tenant":"acme"`)
}

func TestRedactingEncoder_Disabled(t *testing.T) {
	base := newEncoder("json")
	enc, err := NewRedactingEncoder(base, RedactionConfig{})
	require.NoError(t, err)
	assert.Same(t, base, enc)
}

func TestSecretField(t *testing.T) {
	tl := NewTestLogger()
	tl.Logger.Info("provider configured",
		Secret("api_key", config.Secret("sk-live")),
		Secret("nats_token", ""))
	tl.AssertField(t, "provider configured", "api_key", "[REDACTED]:7")
	tl.AssertField(t, "provider configured", "nats_token", "")
}
