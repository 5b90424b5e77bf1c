package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// API formats understood by HTTPProvider.
const (
	FormatTEI    = "tei"
	FormatOpenAI = "openai"
)

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 1024

// HTTPConfig configures an HTTPProvider.
type HTTPConfig struct {
	BaseURL string
	// Format is FormatTEI (POST /embed) or FormatOpenAI (POST /v1/embeddings).
	Format    string
	Model     string
	APIKey    string
	Dimension int
	Timeout   time.Duration
	// Client overrides the HTTP client; Timeout is ignored when set.
	Client *http.Client
}

// HTTPProvider calls a remote embeddings endpoint.
type HTTPProvider struct {
	endpoint  string
	format    string
	model     string
	apiKey    string
	dimension int
	client    *http.Client
}

// NewHTTPProvider validates cfg and returns a provider.
func NewHTTPProvider(cfg HTTPConfig) (*HTTPProvider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: base URL is required", ErrInvalidConfig)
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid base URL %q", ErrInvalidConfig, cfg.BaseURL)
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig)
	}

	format := cfg.Format
	if format == "" {
		format = FormatTEI
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	var endpoint string
	switch format {
	case FormatTEI:
		endpoint = base + "/embed"
	case FormatOpenAI:
		if cfg.Model == "" {
			return nil, fmt.Errorf("%w: model is required for the openai format", ErrInvalidConfig)
		}
		endpoint = base + "/v1/embeddings"
	default:
		return nil, fmt.Errorf("%w: unknown API format %q", ErrInvalidConfig, format)
	}

	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultHTTPTimeout
		}
		client = &http.Client{Timeout: timeout}
	}

	return &HTTPProvider{
		endpoint:  endpoint,
		format:    format,
		model:     cfg.Model,
		apiKey:    cfg.APIKey,
		dimension: cfg.Dimension,
		client:    client,
	}, nil
}

type teiRequest struct {
	Inputs   string `json:"inputs"`
	Truncate bool   `json:"truncate"`
}

type openAIRequest struct {
	Input string `json:"input"`
	Model string `json:"model"`
}

type openAIResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed posts text and returns its vector. purpose is ignored; HTTP
// endpoints embed documents and queries the same way.
func (p *HTTPProvider) Embed(ctx context.Context, text string, _ Purpose) ([]float32, error) {
	var payload any
	if p.format == FormatOpenAI {
		payload = openAIRequest{Input: text, Model: p.model}
	} else {
		payload = teiRequest{Inputs: text, Truncate: true}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal embeddings request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create embeddings request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, transportError(p.format, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &ProviderError{
			Kind:       kindForStatus(resp.StatusCode),
			Provider:   p.format,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Err:        errors.New(strings.TrimSpace(string(msg))),
		}
	}

	vec, err := p.decode(resp.Body)
	if err != nil {
		return nil, &ProviderError{Kind: Unavailable, Provider: p.format, StatusCode: resp.StatusCode, Err: err}
	}
	return vec, nil
}

func (p *HTTPProvider) decode(r io.Reader) ([]float32, error) {
	if p.format == FormatOpenAI {
		var out openAIResponse
		if err := json.NewDecoder(r).Decode(&out); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		if len(out.Data) == 0 {
			return nil, errors.New("response contained no embeddings")
		}
		return out.Data[0].Embedding, nil
	}
	var out [][]float32
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(out) == 0 {
		return nil, errors.New("response contained no embeddings")
	}
	return out[0], nil
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// Dimension returns the configured dimension.
func (p *HTTPProvider) Dimension() int { return p.dimension }

// Name returns the API format.
func (p *HTTPProvider) Name() string { return p.format }

// Model returns the configured model name.
func (p *HTTPProvider) Model() string { return p.model }

// Close releases idle connections.
func (p *HTTPProvider) Close() error {
	p.client.CloseIdleConnections()
	return nil
}
