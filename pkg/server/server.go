package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Kirky-X/limiteron/pkg/config"
	"github.com/Kirky-X/limiteron/pkg/flow"
	"github.com/Kirky-X/limiteron/pkg/flow/ban"
)

// Server is the HTTP front end of the decision engine.
type Server struct {
	config       *config.ServerConfig
	governor     *flow.Governor
	banManager   *ban.Manager
	metricsPath  string
	httpServer   *http.Server
	shutdownChan chan struct{}
	shutdownOnce sync.Once
	mu           sync.RWMutex
	isRunning    bool
}

// Options carries the engine components the server fronts.
type Options struct {
	Governor *flow.Governor

	// BanManager enables the ban administration API. Optional.
	BanManager *ban.Manager

	// MetricsPath serves the Prometheus registry at the given path when
	// non-empty.
	MetricsPath string
}

// NewServer creates an admission server.
func NewServer(cfg *config.ServerConfig, opts Options) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("server configuration is required")
	}
	if opts.Governor == nil {
		return nil, fmt.Errorf("governor is required")
	}

	return &Server{
		config:       cfg,
		governor:     opts.Governor,
		banManager:   opts.BanManager,
		metricsPath:  opts.MetricsPath,
		shutdownChan: make(chan struct{}),
	}, nil
}

// Start starts the HTTP server and blocks until shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.isRunning = true
	s.mu.Unlock()

	s.httpServer = &http.Server{
		Addr:         s.config.ListenAddress,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		slog.Info("starting admission server", "address", s.config.ListenAddress)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-ctx.Done():
		slog.Info("context cancelled, initiating shutdown")
		return s.Shutdown(context.Background())
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig.String())
		return s.Shutdown(context.Background())
	case err := <-errChan:
		return err
	case <-s.shutdownChan:
		slog.Info("shutdown requested")
		return s.Shutdown(context.Background())
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		if !s.isRunning {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		slog.Info("initiating graceful shutdown", "timeout", s.config.ShutdownTimeout.String())

		shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()

		if s.httpServer != nil {
			if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
				slog.Error("error during server shutdown", "error", err)
				shutdownErr = fmt.Errorf("server shutdown error: %w", err)
			}
		}

		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()

		slog.Info("admission server stopped")
	})

	return shutdownErr
}

// SwapEngine replaces the governor and ban manager behind the running
// handlers. Used by configuration hot reload; routes keep their shape, so
// a reload should not drop the ban manager once one was configured.
func (s *Server) SwapEngine(governor *flow.Governor, banManager *ban.Manager) {
	s.mu.Lock()
	s.governor = governor
	if banManager != nil {
		s.banManager = banManager
	}
	s.mu.Unlock()
}

func (s *Server) getGovernor() *flow.Governor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.governor
}

func (s *Server) getBanManager() *ban.Manager {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.banManager
}

// Stop requests shutdown from another goroutine.
func (s *Server) Stop() {
	select {
	case <-s.shutdownChan:
	default:
		close(s.shutdownChan)
	}
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Handler returns the configured HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/check", s.handleCheck)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	if s.banManager != nil {
		mux.HandleFunc("POST /v1/bans", s.handleBanCreate)
		mux.HandleFunc("GET /v1/bans", s.handleBanList)
		mux.HandleFunc("POST /v1/unban", s.handleUnban)
	}

	if s.metricsPath != "" {
		mux.Handle("GET "+s.metricsPath, promhttp.Handler())
	}

	return mux
}
