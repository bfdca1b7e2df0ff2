package memorybank

import (
	"context"
	"fmt"
	"net/url"
	"sync"
)

// Factory creates a Service from a parsed service URI.
type Factory func(ctx context.Context, u *url.URL, opts Options) (Service, error)

// Options carries cross-backend construction settings.
type Options struct {
	// Embedder supplies embeddings for vector backends. Backends that
	// don't need one ignore it.
	Embedder Embedder
}

// Embedder is the minimal embedding capability vector backends require.
// pkg/embeddings.EmbeddingService satisfies it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

var (
	registry   = make(map[string]Factory)
	registryMu sync.RWMutex
)

// Register adds a memory bank provider to the registry, keyed by URI scheme.
func Register(scheme string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if factory == nil {
		panic("memorybank: Register factory is nil")
	}
	if _, dup := registry[scheme]; dup {
		panic("memorybank: Register called twice for scheme " + scheme)
	}
	registry[scheme] = factory
}

// Open constructs a memory bank from a service URI:
//
//	inmemory://                          process-local, non-persistent (default)
//	redis://[:pass@]host:port[/db]       shared Redis storage
//	chromem://[path]                     embedded vector store (persistent if path given)
//	firestore://project[/collection]     managed Firestore backend
//
// Switching backends requires no change to pipeline or policy code; only
// this construction site knows about concrete stores.
func Open(ctx context.Context, serviceURI string, opts Options) (Service, error) {
	if serviceURI == "" {
		serviceURI = "inmemory://"
	}

	u, err := url.Parse(serviceURI)
	if err != nil {
		return nil, fmt.Errorf("parse memory service uri: %w", err)
	}

	registryMu.RLock()
	factory, ok := registry[u.Scheme]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown memory service scheme: %s (available: %v)", u.Scheme, schemes())
	}

	return factory(ctx, u, opts)
}

func schemes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	out := make([]string, 0, len(registry))
	for s := range registry {
		out = append(out, s)
	}
	return out
}
