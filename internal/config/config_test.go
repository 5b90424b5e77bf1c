package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestHome points HOME at a temp dir and returns the thoughtd config dir.
func setupTestHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	dir := filepath.Join(home, ".config", "thoughtd")
	require.NoError(t, os.MkdirAll(dir, 0700))
	return dir
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "chromem", cfg.VectorStore.Provider)
	assert.Equal(t, "embedders", cfg.Drainer.Group)
	assert.Equal(t, 10, cfg.Drainer.BatchSize)
	assert.Equal(t, 5*time.Minute, cfg.Search.CacheTTL.Duration())
	assert.Equal(t, 0.5, cfg.Search.DefaultThreshold)
	require.NoError(t, cfg.Validate())
}

func TestLoadWithFile_YAMLAndEnv(t *testing.T) {
	dir := setupTestHome(t)
	path := filepath.Join(dir, "config.yaml")

	yamlContent := `server:
  http_port: 9300
drainer:
  batch_size: 25
  backoff:
    max: 10s
discovery:
  deny_list: ["internal-*", "scratch"]
embeddings:
  api_key: sk-file
`
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0600))

	t.Setenv("THOUGHTD_SEARCH_CACHE_TTL", "30s")
	t.Setenv("THOUGHTD_DRAINER_BACKOFF_INITIAL", "250ms")
	t.Setenv("THOUGHTD_EMBEDDINGS_API_KEY", "sk-env")

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9300, cfg.Server.Port)
	assert.Equal(t, 25, cfg.Drainer.BatchSize)
	assert.Equal(t, 10*time.Second, cfg.Drainer.Backoff.Max.Duration())
	assert.Equal(t, 250*time.Millisecond, cfg.Drainer.Backoff.Initial.Duration())
	assert.Equal(t, 30*time.Second, cfg.Search.CacheTTL.Duration())
	assert.Equal(t, []string{"internal-*", "scratch"}, cfg.Discovery.DenyList)
	assert.Equal(t, "sk-env", cfg.Embeddings.APIKey.Value())
}

func TestLoadWithFile_MissingFileUsesDefaults(t *testing.T) {
	dir := setupTestHome(t)

	cfg, err := LoadWithFile(filepath.Join(dir, "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(filepath.Dir(filepath.Dir(dir)), ".config", "thoughtd", "thoughtd.db"), cfg.Store.Path)
}

func TestLoadWithFile_ExplicitZeroKept(t *testing.T) {
	dir := setupTestHome(t)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("drainer:\n  backoff:\n    jitter: 0\n"), 0600))
	t.Setenv("THOUGHTD_SEARCH_DEFAULT_THRESHOLD", "0")

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)
	assert.Zero(t, cfg.Search.DefaultThreshold, "a zero threshold returns every match")
	assert.Zero(t, cfg.Drainer.Backoff.Jitter)

	t.Setenv("THOUGHTD_SEARCH_DEFAULT_THRESHOLD", "0.3")
	cfg, err = LoadWithFile(filepath.Join(dir, "absent.yaml"))
	require.NoError(t, err)
	assert.InDelta(t, 0.3, cfg.Search.DefaultThreshold, 1e-9)
	assert.Equal(t, 0.5, cfg.Drainer.Backoff.Jitter)
}

func TestLoadWithFile_Rejections(t *testing.T) {
	dir := setupTestHome(t)

	t.Run("outside allowed dirs", func(t *testing.T) {
		_, err := LoadWithFile(filepath.Join(t.TempDir(), "config.yaml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "config path validation failed")
	})

	t.Run("world readable", func(t *testing.T) {
		path := filepath.Join(dir, "loose.yaml")
		require.NoError(t, os.WriteFile(path, []byte("server:\n  http_port: 1\n"), 0644))
		_, err := LoadWithFile(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "insecure config file permissions")
	})

	t.Run("invalid value", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("vectorstore:\n  provider: pinecone\n"), 0600))
		_, err := LoadWithFile(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "vectorstore.provider")
	})
}

func TestEnvKey(t *testing.T) {
	tests := []struct {
		env  string
		want string
	}{
		{"THOUGHTD_SERVER_HTTP_PORT", "server.http_port"},
		{"THOUGHTD_DRAINER_BACKOFF_MULTIPLIER", "drainer.backoff.multiplier"},
		{"THOUGHTD_VECTORSTORE_CHROMEM_PATH", "vectorstore.chromem.path"},
		{"THOUGHTD_VECTORSTORE_PROVIDER", "vectorstore.provider"},
		{"THOUGHTD_NATS_ENABLED", "nats.enabled"},
	}
	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			assert.Equal(t, tt.want, envKey(tt.env))
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "server.http_port"},
		{"bad provider", func(c *Config) { c.Embeddings.Provider = "magic" }, "embeddings.provider"},
		{"bad api format", func(c *Config) { c.Embeddings.APIFormat = "grpc" }, "embeddings.api_format"},
		{"bad fp rate", func(c *Config) { c.Dedup.FalsePositiveRate = 1.5 }, "dedup.false_positive_rate"},
		{"bad jitter", func(c *Config) { c.Drainer.Backoff.Jitter = 2 }, "drainer.backoff.jitter"},
		{"bad threshold", func(c *Config) { c.Search.DefaultThreshold = 1.5 }, "search.default_threshold"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestClampedBoost(t *testing.T) {
	assert.Equal(t, MinBoost, SearchConfig{BoostFactor: 0.7}.ClampedBoost())
	assert.Equal(t, MinBoost, SearchConfig{BoostFactor: 1.0}.ClampedBoost())
	assert.Equal(t, 1.1, SearchConfig{BoostFactor: 1.1}.ClampedBoost())
	assert.Equal(t, 1.2, SearchConfig{BoostFactor: 3}.ClampedBoost())
}

func TestSecretRedaction(t *testing.T) {
	s := Secret("sk-live-123")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.Equal(t, "Secret([REDACTED])", fmt.Sprintf("%#v", s))
	assert.Equal(t, "sk-live-123", s.Value())

	b, err := json.Marshal(struct{ Key Secret }{s})
	require.NoError(t, err)
	assert.JSONEq(t, `{"Key":"[REDACTED]"}`, string(b))

	assert.Equal(t, "", Secret("").String())
	assert.False(t, Secret("").IsSet())
}

func TestDurationUnmarshal(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration())
	assert.Error(t, d.UnmarshalText([]byte("-5s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}
