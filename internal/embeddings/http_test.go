package embeddings

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHTTPProvider_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  HTTPConfig
	}{
		{"missing base url", HTTPConfig{Dimension: 4}},
		{"relative url", HTTPConfig{BaseURL: "localhost", Dimension: 4}},
		{"zero dimension", HTTPConfig{BaseURL: "http://localhost:8080"}},
		{"unknown format", HTTPConfig{BaseURL: "http://localhost:8080", Format: "grpc", Dimension: 4}},
		{"openai without model", HTTPConfig{BaseURL: "http://localhost:8080", Format: FormatOpenAI, Dimension: 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewHTTPProvider(tt.cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestHTTPProvider_TEI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embed", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Empty(t, r.Header.Get("Authorization"))

		var req teiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "hello world", req.Inputs)
		assert.True(t, req.Truncate)

		_ = json.NewEncoder(w).Encode([][]float32{{0.6, 0.8}})
	}))
	defer srv.Close()

	p, err := NewHTTPProvider(HTTPConfig{BaseURL: srv.URL + "/", Dimension: 2})
	require.NoError(t, err)
	defer p.Close()

	vec, err := p.Embed(context.Background(), "hello world", PurposeDocument)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.6, 0.8}, vec)
	assert.Equal(t, "tei", p.Name())
}

func TestHTTPProvider_OpenAI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "text-embedding-3-small", req.Model)

		_, _ = w.Write([]byte(`{"data":[{"embedding":[1,0,0]}]}`))
	}))
	defer srv.Close()

	p, err := NewHTTPProvider(HTTPConfig{
		BaseURL:   srv.URL,
		Format:    FormatOpenAI,
		Model:     "text-embedding-3-small",
		APIKey:    "sk-test",
		Dimension: 3,
	})
	require.NoError(t, err)

	vec, err := p.Embed(context.Background(), "q", PurposeQuery)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0}, vec)
}

func TestHTTPProvider_StatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		kind      Kind
		sentinel  error
		permanent bool
	}{
		{http.StatusTooManyRequests, RateLimited, ErrRateLimited, false},
		{http.StatusBadRequest, InvalidInput, ErrInvalidInput, true},
		{http.StatusRequestEntityTooLarge, InvalidInput, ErrInvalidInput, true},
		{http.StatusUnprocessableEntity, InvalidInput, ErrInvalidInput, true},
		{http.StatusGatewayTimeout, Timeout, ErrTimeout, false},
		{http.StatusInternalServerError, Unavailable, ErrUnavailable, false},
		{http.StatusServiceUnavailable, Unavailable, ErrUnavailable, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Retry-After", "7")
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			p, err := NewHTTPProvider(HTTPConfig{BaseURL: srv.URL, Dimension: 2})
			require.NoError(t, err)

			_, err = p.Embed(context.Background(), "x", PurposeDocument)
			require.Error(t, err)

			var pe *ProviderError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, tt.kind, pe.Kind)
			assert.Equal(t, tt.status, pe.StatusCode)
			assert.Equal(t, 7*time.Second, pe.RetryAfter)
			assert.ErrorIs(t, err, tt.sentinel)
			assert.Equal(t, tt.permanent, IsPermanent(err))
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestHTTPProvider_TransportErrors(t *testing.T) {
	t.Run("connection refused is unavailable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		p, err := NewHTTPProvider(HTTPConfig{BaseURL: url, Dimension: 2})
		require.NoError(t, err)

		_, err = p.Embed(context.Background(), "x", PurposeDocument)
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.False(t, IsPermanent(err))
	})

	t.Run("client timeout", func(t *testing.T) {
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		defer srv.Close()
		defer close(release)

		p, err := NewHTTPProvider(HTTPConfig{BaseURL: srv.URL, Dimension: 2, Timeout: 50 * time.Millisecond})
		require.NoError(t, err)

		_, err = p.Embed(context.Background(), "x", PurposeDocument)
		assert.ErrorIs(t, err, ErrTimeout)
	})

	t.Run("malformed body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"not":"an array"}`))
		}))
		defer srv.Close()

		p, err := NewHTTPProvider(HTTPConfig{BaseURL: srv.URL, Dimension: 2})
		require.NoError(t, err)

		_, err = p.Embed(context.Background(), "x", PurposeDocument)
		assert.ErrorIs(t, err, ErrUnavailable)
	})
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, Timeout, KindOf(context.DeadlineExceeded))
	assert.Equal(t, Unavailable, KindOf(errors.New("boom")))
	assert.Equal(t, RateLimited, KindOf(&ProviderError{Kind: RateLimited}))
}
