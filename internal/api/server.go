// Package api exposes the HTTP facade: optimize runs, RAG queries,
// bandit administration, and the routed request path.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/evoprompt/evoprompt/internal/bandit"
	"github.com/evoprompt/evoprompt/internal/daemon"
	"github.com/evoprompt/evoprompt/internal/metrics"
	"github.com/evoprompt/evoprompt/internal/retrieval"
	"github.com/evoprompt/evoprompt/internal/router"
)

// Server is the HTTP API server.
type Server struct {
	port       int
	daemon     *daemon.Daemon
	rag        *retrieval.Service
	bandit     *bandit.Bandit
	router     *router.Router
	sink       *metrics.Sink
	logger     *slog.Logger
	httpServer *http.Server
}

// NewServer wires the facade over its components.
func NewServer(port int, d *daemon.Daemon, rag *retrieval.Service, b *bandit.Bandit, rt *router.Router, sink *metrics.Sink, logger *slog.Logger) *Server {
	return &Server{
		port:   port,
		daemon: d,
		rag:    rag,
		bandit: b,
		router: rt,
		sink:   sink,
		logger: logger.With("component", "api"),
	}
}

// Handler builds the route table. Split from Start so tests can drive
// it through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/optimize", s.handleOptimize)
	mux.HandleFunc("/optimize/reset", s.handleOptimizeReset)
	mux.HandleFunc("/ws/optimize", s.handleOptimizeWS)
	mux.HandleFunc("/generate", s.handleGenerate)
	mux.HandleFunc("/rag/query", s.handleRAGQuery)
	mux.HandleFunc("/rag/metrics", s.handleRAGMetrics)
	mux.HandleFunc("/bandit/stats", s.handleBanditStats)
	mux.HandleFunc("/bandit/register", s.handleBanditRegister)
	mux.HandleFunc("/health", s.handleHealth)

	return s.loggingMiddleware(mux)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "port", s.port)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}
