// Package embeddings provides text embedding services for semantic memory
// retrieval. The local provider needs no network and is the default; the
// openai provider calls the OpenAI embeddings API.
package embeddings

import (
	"context"
	"fmt"
	"sync"
)

// EmbeddingService is the main interface for generating text embeddings.
type EmbeddingService interface {
	// Embed generates an embedding for a single text
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimension size of the embeddings
	Dimensions() int

	// ModelName returns the name of the embedding model
	ModelName() string

	// Close closes any resources held by the service
	Close() error
}

// Config holds configuration for embedding providers.
type Config struct {
	// Provider specifies which embedding service to use.
	// Supported values: "local", "openai"
	Provider string `yaml:"provider" json:"provider"`

	// OpenAI-specific configuration
	OpenAI *OpenAIConfig `yaml:"openai,omitempty" json:"openai,omitempty"`

	// Local-specific configuration
	Local *LocalConfig `yaml:"local,omitempty" json:"local,omitempty"`
}

// OpenAIConfig contains OpenAI-specific embedding settings.
type OpenAIConfig struct {
	// APIKey for authentication
	APIKey string `yaml:"api_key" json:"api_key"`

	// Model specifies which OpenAI embedding model to use
	// Options: "text-embedding-3-small" (1536 dims), "text-embedding-3-large" (3072 dims)
	Model string `yaml:"model" json:"model"`

	// BaseURL is the API endpoint (default: https://api.openai.com/v1)
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty"`
}

// LocalConfig contains settings for the deterministic local embedder.
type LocalConfig struct {
	// Dimensions is the embedding size (default: 256).
	Dimensions int `yaml:"dimensions,omitempty" json:"dimensions,omitempty"`
}

// Factory creates an EmbeddingService from a Config.
type Factory func(config Config) (EmbeddingService, error)

var (
	registry   = make(map[string]Factory)
	registryMu sync.RWMutex
)

// Register adds an embedding provider to the registry.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if factory == nil {
		panic("embeddings: Register factory is nil")
	}
	if _, dup := registry[name]; dup {
		panic("embeddings: Register called twice for provider " + name)
	}
	registry[name] = factory
}

// New creates an EmbeddingService based on the provider in the config.
// An empty provider defaults to "local".
func New(config Config) (EmbeddingService, error) {
	provider := config.Provider
	if provider == "" {
		provider = "local"
	}

	registryMu.RLock()
	factory, ok := registry[provider]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown embedding provider: %s", provider)
	}

	return factory(config)
}
