// Package config loads and validates the service configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/memgo-dev/memgo/pkg/embeddings"
	"github.com/memgo-dev/memgo/pkg/retrieval"
	"github.com/memgo-dev/memgo/pkg/session"
)

// Config represents the application configuration.
type Config struct {
	// AppName is the default application namespace for sessions and memory.
	AppName string `yaml:"app_name"`

	// Addr is the HTTP API listen address.
	Addr string `yaml:"addr"`

	// MetricsPort serves /metrics and the health probes on a separate
	// listener when non-zero.
	MetricsPort int `yaml:"metrics_port"`

	// CreateOnDemand lets a turn start a new session when its session id
	// is unknown. When false, turns require an already-created session.
	CreateOnDemand bool `yaml:"create_on_demand"`

	// RateLimit throttles API requests per remote host when RPS is set.
	RateLimit RateLimitConfig `yaml:"rate_limit,omitempty"`

	Session   session.Config    `yaml:"session"`
	Memory    MemoryConfig      `yaml:"memory"`
	Retrieval RetrievalConfig   `yaml:"retrieval"`
	Archive   ArchiveConfig     `yaml:"archive"`
	Reasoner  ReasonerConfig    `yaml:"reasoner"`
	Embedding embeddings.Config `yaml:"embeddings"`
}

// RateLimitConfig bounds requests per caller. Zero RPS disables limiting.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps,omitempty"`
	Burst int     `yaml:"burst,omitempty"`
}

// MemoryConfig selects the memory bank backend.
type MemoryConfig struct {
	// ServiceURI selects the backend:
	//   "inmemory://"                          process-local (default)
	//   "redis://host:port"                    keyword search over Redis
	//   "chromem://<path>"                     embedded vector store
	//   "firestore://project[/collection]"     Firestore keyword search
	ServiceURI string `yaml:"service_uri"`
}

// RetrievalConfig controls when and how past conversations reach the
// reasoner. Enabling both preload and on-demand is a startup error.
type RetrievalConfig struct {
	PreloadMemory bool   `yaml:"preload_memory"`
	LoadMemory    bool   `yaml:"load_memory"`
	TopK          int    `yaml:"top_k,omitempty"`
	Timeout       string `yaml:"timeout,omitempty"`
}

// ArchiveConfig tunes the background archival machinery.
type ArchiveConfig struct {
	SweepSchedule string  `yaml:"sweep_schedule,omitempty"`
	WritesPerSec  float64 `yaml:"writes_per_sec,omitempty"`
}

// ReasonerConfig selects the model that produces replies.
type ReasonerConfig struct {
	// Provider is "echo" or "openai".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model,omitempty"`
	APIKey   string `yaml:"api_key,omitempty"`
}

// Default returns the configuration used when no file is given: everything
// in-process, echo reasoner, on-demand retrieval.
func Default() *Config {
	return &Config{
		AppName:        "memgo",
		Addr:           ":8080",
		MetricsPort:    9090,
		CreateOnDemand: true,
		Session:        session.DefaultConfig(),
		Memory:         MemoryConfig{ServiceURI: "inmemory://"},
		Retrieval:      RetrievalConfig{LoadMemory: true},
		Reasoner:       ReasonerConfig{Provider: "echo"},
		Embedding:      embeddings.Config{Provider: "local"},
	}
}

// LoadConfig loads configuration from a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyEnv()
	return cfg, nil
}

// ApplyEnv fills secrets and deployment settings from the environment when
// the file leaves them empty.
func (c *Config) ApplyEnv() {
	if c.Reasoner.APIKey == "" {
		c.Reasoner.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.Embedding.OpenAI != nil && c.Embedding.OpenAI.APIKey == "" {
		c.Embedding.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if uri := os.Getenv("MEMGO_SESSION_STORE_URI"); uri != "" {
		c.Session.StoreURI = uri
	}
	if uri := os.Getenv("MEMGO_MEMORY_SERVICE_URI"); uri != "" {
		c.Memory.ServiceURI = uri
	}
	if addr := os.Getenv("MEMGO_ADDR"); addr != "" {
		c.Addr = addr
	}
}

// SaveConfig saves configuration to a YAML file.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid. Conflicting retrieval
// flags are refused here rather than resolved silently.
func (c *Config) Validate() error {
	if c.AppName == "" {
		return fmt.Errorf("app_name is required")
	}
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}

	if _, err := retrieval.ModeFromFlags(c.Retrieval.PreloadMemory, c.Retrieval.LoadMemory); err != nil {
		return fmt.Errorf("retrieval: %w", err)
	}
	if c.Retrieval.TopK < 0 {
		return fmt.Errorf("retrieval top_k must not be negative")
	}
	if c.RateLimit.RPS < 0 {
		return fmt.Errorf("rate_limit rps must not be negative")
	}
	if c.RateLimit.RPS > 0 && c.RateLimit.Burst <= 0 {
		return fmt.Errorf("rate_limit burst must be positive when rps is set")
	}
	if c.Retrieval.Timeout != "" {
		if _, err := time.ParseDuration(c.Retrieval.Timeout); err != nil {
			return fmt.Errorf("parse retrieval timeout: %w", err)
		}
	}

	switch c.Reasoner.Provider {
	case "", "echo":
	case "openai":
		if c.Reasoner.APIKey == "" {
			return fmt.Errorf("openai reasoner requires api_key or OPENAI_API_KEY")
		}
	default:
		return fmt.Errorf("unknown reasoner provider: %s", c.Reasoner.Provider)
	}

	switch c.Embedding.Provider {
	case "", "local":
	case "openai":
		if c.Embedding.OpenAI == nil || c.Embedding.OpenAI.APIKey == "" {
			return fmt.Errorf("openai embeddings require api_key or OPENAI_API_KEY")
		}
	default:
		return fmt.Errorf("unknown embedding provider: %s", c.Embedding.Provider)
	}

	return nil
}

// RetrievalPolicy resolves the configured flags into a policy. Call
// Validate first; a mode conflict here is a programming error.
func (c *Config) RetrievalPolicy() (retrieval.Policy, error) {
	mode, err := retrieval.ModeFromFlags(c.Retrieval.PreloadMemory, c.Retrieval.LoadMemory)
	if err != nil {
		return retrieval.Policy{}, err
	}

	policy := retrieval.DefaultPolicy()
	policy.Mode = mode
	if c.Retrieval.TopK > 0 {
		policy.TopK = c.Retrieval.TopK
	}
	if c.Retrieval.Timeout != "" {
		d, err := time.ParseDuration(c.Retrieval.Timeout)
		if err != nil {
			return retrieval.Policy{}, fmt.Errorf("parse retrieval timeout: %w", err)
		}
		policy.Timeout = d
	}
	return policy, nil
}
