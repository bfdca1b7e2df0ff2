package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/memgo-dev/memgo/pkg/retrieval"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfigFile(t, `
app_name: support-bot
addr: ":9000"
session:
  store_uri: redis://localhost:6379
  ttl: 24h
memory:
  service_uri: chromem:///var/lib/memgo
retrieval:
  preload_memory: true
  load_memory: false
  top_k: 3
  timeout: 500ms
reasoner:
  provider: echo
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.AppName != "support-bot" {
		t.Errorf("AppName = %q", cfg.AppName)
	}
	if cfg.Session.StoreURI != "redis://localhost:6379" || cfg.Session.TTL != "24h" {
		t.Errorf("Session = %+v", cfg.Session)
	}
	if cfg.Memory.ServiceURI != "chromem:///var/lib/memgo" {
		t.Errorf("Memory.ServiceURI = %q", cfg.Memory.ServiceURI)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	policy, err := cfg.RetrievalPolicy()
	if err != nil {
		t.Fatalf("RetrievalPolicy() error = %v", err)
	}
	if policy.Mode != retrieval.ModeEager {
		t.Errorf("policy.Mode = %q, want eager", policy.Mode)
	}
	if policy.TopK != 3 || policy.Timeout != 500*time.Millisecond {
		t.Errorf("policy = %+v", policy)
	}
}

func TestLoadConfigKeepsDefaults(t *testing.T) {
	path := writeConfigFile(t, "app_name: bare\n")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Errorf("Addr = %q, want default", cfg.Addr)
	}
	if cfg.Session.StoreURI != "memory://" {
		t.Errorf("Session.StoreURI = %q, want memory://", cfg.Session.StoreURI)
	}
	if cfg.Memory.ServiceURI != "inmemory://" {
		t.Errorf("Memory.ServiceURI = %q, want inmemory://", cfg.Memory.ServiceURI)
	}
	if !cfg.Retrieval.LoadMemory || cfg.Retrieval.PreloadMemory {
		t.Errorf("Retrieval = %+v, want on-demand default", cfg.Retrieval)
	}
	if !cfg.CreateOnDemand {
		t.Error("CreateOnDemand default is false, want true")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("LoadConfig() on a missing file succeeded")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(c *Config) {}},
		{
			name:    "missing app name",
			mutate:  func(c *Config) { c.AppName = "" },
			wantErr: true,
		},
		{
			name: "both retrieval flags",
			mutate: func(c *Config) {
				c.Retrieval.PreloadMemory = true
				c.Retrieval.LoadMemory = true
			},
			wantErr: true,
		},
		{
			name: "retrieval off",
			mutate: func(c *Config) {
				c.Retrieval.PreloadMemory = false
				c.Retrieval.LoadMemory = false
			},
		},
		{
			name:    "negative top_k",
			mutate:  func(c *Config) { c.Retrieval.TopK = -1 },
			wantErr: true,
		},
		{
			name:    "bad retrieval timeout",
			mutate:  func(c *Config) { c.Retrieval.Timeout = "soon" },
			wantErr: true,
		},
		{
			name:    "openai reasoner without key",
			mutate:  func(c *Config) { c.Reasoner = ReasonerConfig{Provider: "openai"} },
			wantErr: true,
		},
		{
			name: "openai reasoner with key",
			mutate: func(c *Config) {
				c.Reasoner = ReasonerConfig{Provider: "openai", APIKey: "sk-test"}
			},
		},
		{
			name:    "unknown reasoner",
			mutate:  func(c *Config) { c.Reasoner.Provider = "oracle" },
			wantErr: true,
		},
		{
			name:    "openai embeddings without key",
			mutate:  func(c *Config) { c.Embedding.Provider = "openai" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("MEMGO_MEMORY_SERVICE_URI", "redis://cache:6379")

	cfg := Default()
	cfg.Reasoner.Provider = "openai"
	cfg.ApplyEnv()

	if cfg.Reasoner.APIKey != "sk-env" {
		t.Errorf("Reasoner.APIKey = %q, want value from environment", cfg.Reasoner.APIKey)
	}
	if cfg.Memory.ServiceURI != "redis://cache:6379" {
		t.Errorf("Memory.ServiceURI = %q, want value from environment", cfg.Memory.ServiceURI)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")

	cfg := Default()
	cfg.AppName = "roundtrip"
	cfg.Retrieval.TopK = 7
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig() error = %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if loaded.AppName != "roundtrip" || loaded.Retrieval.TopK != 7 {
		t.Errorf("loaded = %+v", loaded)
	}
}
