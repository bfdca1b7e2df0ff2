package embeddings

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

const defaultLocalDimensions = 256

func init() {
	Register("local", NewLocal)
}

// LocalEmbeddings implements EmbeddingService with a deterministic
// token-hashing scheme. Tokens are hashed into a fixed-size vector and the
// result is L2-normalized, so cosine similarity reflects token overlap.
// It needs no network and no model weights, which makes it the default for
// local development, the chromem memory backend, and tests.
type LocalEmbeddings struct {
	dimensions int
}

// NewLocal creates a new LocalEmbeddings instance.
func NewLocal(config Config) (EmbeddingService, error) {
	dims := defaultLocalDimensions
	if config.Local != nil && config.Local.Dimensions > 0 {
		dims = config.Local.Dimensions
	}
	return &LocalEmbeddings{dimensions: dims}, nil
}

// Embed generates an embedding for a single text.
func (l *LocalEmbeddings) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, l.dimensions)

	for _, token := range tokenize(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(token))
		idx := int(h.Sum32()) % l.dimensions
		if idx < 0 {
			idx += l.dimensions
		}
		vec[idx]++
	}

	// L2-normalize so cosine similarity is a dot product.
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}

	return vec, nil
}

// EmbedBatch generates embeddings for multiple texts.
func (l *LocalEmbeddings) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := l.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions returns the dimension size of the embeddings.
func (l *LocalEmbeddings) Dimensions() int {
	return l.dimensions
}

// ModelName returns the name of the embedding model.
func (l *LocalEmbeddings) ModelName() string {
	return "local-token-hash"
}

// Close is a no-op for the local embedder.
func (l *LocalEmbeddings) Close() error {
	return nil
}

// tokenize lower-cases and splits text on non-alphanumeric runes.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'))
	})
}
