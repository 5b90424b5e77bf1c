//go:build cgo

package embeddings

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	fastembed "github.com/anush008/fastembed-go"
)

// FastEmbedConfig configures the local ONNX provider.
type FastEmbedConfig struct {
	Model string
	// CacheDir holds downloaded model files. Defaults to ./local_cache.
	CacheDir string
	// MaxLength is the input token limit. Defaults to 512.
	MaxLength int
}

// FastEmbedProvider embeds locally with fastembed-go.
type FastEmbedProvider struct {
	mu        sync.Mutex
	model     *fastembed.FlagEmbedding
	modelName string
	dimension int
}

var fastEmbedModels = map[string]fastembed.EmbeddingModel{
	"BAAI/bge-small-en-v1.5":                 fastembed.BGESmallENV15,
	"BAAI/bge-small-en":                      fastembed.BGESmallEN,
	"BAAI/bge-base-en-v1.5":                  fastembed.BGEBaseENV15,
	"BAAI/bge-base-en":                       fastembed.BGEBaseEN,
	"BAAI/bge-small-zh-v1.5":                 fastembed.BGESmallZH,
	"sentence-transformers/all-MiniLM-L6-v2": fastembed.AllMiniLML6V2,
}

// NewFastEmbedProvider loads the model, downloading it on first use.
func NewFastEmbedProvider(cfg FastEmbedConfig) (*FastEmbedProvider, error) {
	model, ok := fastEmbedModels[cfg.Model]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported fastembed model %q", ErrInvalidConfig, cfg.Model)
	}
	dim, _ := fastEmbedModelDimension(cfg.Model)

	cacheDir := cfg.CacheDir
	if cacheDir == "" {
		cacheDir = filepath.Join(".", "local_cache")
	}
	maxLength := cfg.MaxLength
	if maxLength == 0 {
		maxLength = 512
	}
	showProgress := false

	fe, err := fastembed.NewFlagEmbedding(&fastembed.InitOptions{
		Model:                model,
		CacheDir:             cacheDir,
		MaxLength:            maxLength,
		ShowDownloadProgress: &showProgress,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing fastembed: %w", err)
	}
	return &FastEmbedProvider{model: fe, modelName: cfg.Model, dimension: dim}, nil
}

// Embed uses the query or passage prefix the BGE family expects.
func (p *FastEmbedProvider) Embed(ctx context.Context, text string, purpose Purpose) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, transportError("fastembed", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model == nil {
		return nil, &ProviderError{Kind: Unavailable, Provider: "fastembed", Err: fmt.Errorf("provider closed")}
	}

	if purpose == PurposeQuery {
		vec, err := p.model.QueryEmbed(text)
		if err != nil {
			return nil, &ProviderError{Kind: Unavailable, Provider: "fastembed", Err: err}
		}
		return vec, nil
	}
	vecs, err := p.model.PassageEmbed([]string{text}, 1)
	if err != nil {
		return nil, &ProviderError{Kind: Unavailable, Provider: "fastembed", Err: err}
	}
	if len(vecs) == 0 {
		return nil, &ProviderError{Kind: Unavailable, Provider: "fastembed", Err: fmt.Errorf("no embedding returned")}
	}
	return vecs[0], nil
}

func (p *FastEmbedProvider) Dimension() int { return p.dimension }
func (p *FastEmbedProvider) Name() string   { return "fastembed" }
func (p *FastEmbedProvider) Model() string  { return p.modelName }

// Close destroys the ONNX session.
func (p *FastEmbedProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model == nil {
		return nil
	}
	err := p.model.Destroy()
	p.model = nil
	return err
}
