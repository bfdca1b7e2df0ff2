package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/memgo-dev/memgo/internal/archive"
	"github.com/memgo-dev/memgo/internal/httpapi"
	"github.com/memgo-dev/memgo/internal/observability"
	"github.com/memgo-dev/memgo/internal/pipeline"
	"github.com/memgo-dev/memgo/pkg/config"
	"github.com/memgo-dev/memgo/pkg/embeddings"
	"github.com/memgo-dev/memgo/pkg/memorybank"
	obs "github.com/memgo-dev/memgo/pkg/observability"
	"github.com/memgo-dev/memgo/pkg/retrieval"
	"github.com/memgo-dev/memgo/pkg/security"
	"github.com/memgo-dev/memgo/pkg/session"
)

var (
	// Version information (set via ldflags)
	Version = "dev"

	configFile = flag.String("config", getEnv("CONFIG_FILE", ""), "Configuration file")
	addr       = flag.String("addr", "", "HTTP API listen address (overrides config)")
)

func main() {
	flag.Parse()

	if err := run(); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func run() error {
	log.Printf("Starting memgo v%s", Version)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Observability
	obs.InitMetrics()
	healthChecker := obs.InitHealthChecker()

	if err := observability.InitFromEnv(); err != nil {
		log.Printf("Tracing disabled: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := observability.Shutdown(ctx); err != nil {
			log.Printf("Tracing shutdown error: %v", err)
		}
	}()

	// Session store
	backend, err := session.Open(cfg.Session)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	sessions := session.NewManager(backend)
	defer sessions.Close()
	log.Printf("Session store: %s", cfg.Session.StoreURI)

	// Memory bank
	embedder, err := embeddings.New(cfg.Embedding)
	if err != nil {
		return fmt.Errorf("create embedding service: %w", err)
	}
	defer embedder.Close()

	bank, err := memorybank.Open(context.Background(), cfg.Memory.ServiceURI, memorybank.Options{
		Embedder: embedder,
	})
	if err != nil {
		return fmt.Errorf("open memory bank: %w", err)
	}
	defer bank.Close()
	log.Printf("Memory bank: %s", cfg.Memory.ServiceURI)

	healthChecker.RegisterCheck(obs.SessionStoreCheck(func(ctx context.Context) error {
		_, err := backend.ListSessions(ctx, cfg.AppName, session.ListOptions{Limit: 1})
		return err
	}))
	healthChecker.RegisterCheck(obs.MemoryBankCheck(bank.Ping))

	// Retrieval policy and archival
	policy, err := cfg.RetrievalPolicy()
	if err != nil {
		return err
	}
	retriever, err := retrieval.New(bank, policy)
	if err != nil {
		return fmt.Errorf("create retriever: %w", err)
	}
	log.Printf("Retrieval mode: %s", policy.Mode)

	archiver, err := archive.New(bank, archive.Config{
		SweepSchedule:   cfg.Archive.SweepSchedule,
		WritesPerSecond: cfg.Archive.WritesPerSec,
	})
	if err != nil {
		return fmt.Errorf("create archiver: %w", err)
	}
	defer archiver.Close()

	reasoner, err := buildReasoner(cfg)
	if err != nil {
		return err
	}

	pipe, err := pipeline.New(sessions, retriever, archiver, reasoner)
	if err != nil {
		return fmt.Errorf("create pipeline: %w", err)
	}
	if !cfg.CreateOnDemand {
		pipe.DisableCreateOnDemand()
	}

	// Servers
	apiServer := httpapi.New(sessions, pipe, bank)
	if cfg.RateLimit.RPS > 0 {
		apiServer.UseRateLimiter(security.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst))
	}
	errChan := make(chan error, 2)

	go func() {
		log.Printf("Starting HTTP API on %s", cfg.Addr)
		if err := apiServer.Start(cfg.Addr); err != nil {
			errChan <- fmt.Errorf("HTTP API error: %w", err)
		}
	}()

	var obsServer *obs.Server
	if cfg.MetricsPort > 0 {
		obsServer = obs.NewServer(cfg.MetricsPort)
		go func() {
			log.Printf("Starting observability server on :%d", cfg.MetricsPort)
			if err := obsServer.Start(); err != nil {
				errChan <- fmt.Errorf("observability server error: %w", err)
			}
		}()
	}

	// Wait for shutdown signal or error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		log.Printf("Error: %v", err)
	case <-quit:
		log.Println("Shutting down...")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := apiServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP API shutdown error: %v", err)
	}
	if obsServer != nil {
		if err := obsServer.Shutdown(ctx); err != nil {
			log.Printf("Observability server shutdown error: %v", err)
		}
	}

	log.Println("memgo stopped")
	return nil
}

func loadConfig() (*config.Config, error) {
	if *configFile == "" {
		cfg := config.Default()
		cfg.ApplyEnv()
		return cfg, nil
	}
	log.Printf("Config: %s", *configFile)
	return config.LoadConfig(*configFile)
}

func buildReasoner(cfg *config.Config) (pipeline.Reasoner, error) {
	switch cfg.Reasoner.Provider {
	case "", "echo":
		return pipeline.NewEchoReasoner(), nil
	case "openai":
		return pipeline.NewOpenAIReasoner(cfg.Reasoner.APIKey, cfg.Reasoner.Model)
	default:
		return nil, fmt.Errorf("unknown reasoner provider: %s", cfg.Reasoner.Provider)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
