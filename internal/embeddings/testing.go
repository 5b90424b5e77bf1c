package embeddings

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"
	"unicode"
)

// HashProvider is a deterministic in-process Provider for tests. Each
// lowercase word is hashed into a bucket and the resulting bag-of-words
// vector is unit normalized, so texts sharing words score close together.
type HashProvider struct {
	Dim int

	mu    sync.Mutex
	calls int
	// Fail, when set, is consulted before every call; a non-nil return is
	// reported as the call's error.
	Fail func(text string, call int) error
}

// NewHashProvider returns a HashProvider producing dim-length vectors.
func NewHashProvider(dim int) *HashProvider {
	return &HashProvider{Dim: dim}
}

func (h *HashProvider) Embed(ctx context.Context, text string, _ Purpose) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, transportError("hash", err)
	}
	h.mu.Lock()
	h.calls++
	call, fail := h.calls, h.Fail
	h.mu.Unlock()
	if fail != nil {
		if err := fail(text, call); err != nil {
			return nil, err
		}
	}
	return HashVector(text, h.Dim), nil
}

// Calls returns how many times Embed ran.
func (h *HashProvider) Calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func (h *HashProvider) Dimension() int { return h.Dim }
func (h *HashProvider) Name() string   { return "hash" }
func (h *HashProvider) Model() string  { return "hash-bow" }
func (h *HashProvider) Close() error   { return nil }

// HashVector is the vector HashProvider returns for text.
func HashVector(text string, dim int) []float32 {
	vec := make([]float32, dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, w := range words {
		f := fnv.New32a()
		_, _ = f.Write([]byte(w))
		vec[f.Sum32()%uint32(dim)]++
	}
	if len(words) == 0 {
		vec[0] = 1
	}
	return unitNormalize(vec)
}
