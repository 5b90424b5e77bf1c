package vectorstore

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/thoughtd/internal/config"
)

// NewStore builds the backend selected by cfg.VectorStore.Provider.
// dimension must match the embedding generator's output.
func NewStore(ctx context.Context, cfg *config.Config, dimension int, logger *zap.Logger) (Store, error) {
	switch cfg.VectorStore.Provider {
	case "chromem", "":
		s, err := NewChromemStore(ChromemConfig{
			Path:      config.ExpandPath(cfg.VectorStore.Chromem.Path),
			Compress:  cfg.VectorStore.Chromem.Compress,
			Dimension: dimension,
		}, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "qdrant":
		s, err := NewQdrantStore(ctx, QdrantConfig{
			Host:           cfg.Qdrant.Host,
			Port:           cfg.Qdrant.Port,
			APIKey:         cfg.Qdrant.APIKey.Value(),
			UseTLS:         cfg.Qdrant.UseTLS,
			CollectionName: cfg.Qdrant.CollectionName,
			Dimension:      dimension,
		}, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: unsupported provider %q (supported: chromem, qdrant)", ErrInvalidConfig, cfg.VectorStore.Provider)
	}
}
