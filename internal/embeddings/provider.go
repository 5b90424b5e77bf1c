package embeddings

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/thoughtd/internal/config"
)

// Purpose tells asymmetric models whether text is stored or searched for.
type Purpose int

const (
	// PurposeDocument is content being indexed.
	PurposeDocument Purpose = iota
	// PurposeQuery is a search query.
	PurposeQuery
)

// Provider generates one embedding per call.
type Provider interface {
	Embed(ctx context.Context, text string, purpose Purpose) ([]float32, error)
	// Dimension returns the vector length the provider is configured for.
	Dimension() int
	// Name identifies the backend, e.g. "tei", "openai" or "fastembed".
	Name() string
	Model() string
	Close() error
}

// NewProvider builds the provider selected by cfg.
func NewProvider(cfg config.EmbeddingsConfig) (Provider, error) {
	switch cfg.Provider {
	case "http", "":
		p, err := NewHTTPProvider(HTTPConfig{
			BaseURL:   cfg.BaseURL,
			Format:    cfg.APIFormat,
			Model:     cfg.Model,
			APIKey:    cfg.APIKey.Value(),
			Dimension: cfg.Dimension,
			Timeout:   cfg.Timeout.Duration(),
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	case "fastembed":
		p, err := NewFastEmbedProvider(FastEmbedConfig{
			Model:    cfg.Model,
			CacheDir: cfg.CacheDir,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}

const defaultHTTPTimeout = 30 * time.Second

func (p Purpose) String() string {
	if p == PurposeQuery {
		return "query"
	}
	return "document"
}
