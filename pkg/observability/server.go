package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Server exposes the health probes and Prometheus metrics on a listener
// separate from the API, so operators can scrape without touching the
// serving path.
type Server struct {
	httpServer *http.Server
	port       int
}

// NewServer creates an observability server on the given port.
func NewServer(port int) *Server {
	return &Server{
		port: port,
	}
}

// routes builds the probe mux. Probe paths mirror the API server's.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", HealthHandler())
	mux.HandleFunc("/livez", LivenessHandler())
	mux.HandleFunc("/readyz", ReadinessHandler())
	mux.Handle("/metrics", MetricsHandler())

	return mux
}

// Start serves the probes. Blocks until the listener fails or Shutdown
// is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.httpServer.ListenAndServe()
}

// Shutdown stops the server, waiting for in-flight scrapes.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
