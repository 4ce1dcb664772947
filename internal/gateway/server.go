package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/arcline/gateway/internal/config"
	"github.com/arcline/gateway/internal/logging"
)

// Server wraps the gateway with HTTP server functionality: the main
// listener, the optional admin listener, and graceful shutdown.
type Server struct {
	gateway     *Gateway
	httpServer  *http.Server
	adminServer *http.Server
	config      *config.Config
	startTime   time.Time
}

// NewServer creates a gateway server from configuration.
func NewServer(cfg *config.Config) (*Server, error) {
	gw, err := New(cfg)
	if err != nil {
		return nil, err
	}

	s := &Server{
		gateway:   gw,
		config:    cfg,
		startTime: time.Now(),
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Listen.Address,
		Handler:           gw.Handler(),
		ReadTimeout:       cfg.Listen.ReadTimeout,
		WriteTimeout:      cfg.Listen.WriteTimeout,
		IdleTimeout:       cfg.Listen.IdleTimeout,
		ReadHeaderTimeout: cfg.Listen.ReadHeaderTimeout,
		MaxHeaderBytes:    cfg.Listen.MaxHeaderBytes,
	}

	if cfg.Admin.Enabled {
		s.adminServer = &http.Server{
			Addr:         cfg.Admin.Address,
			Handler:      s.adminHandler(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
	}

	return s, nil
}

// Run starts the listeners and blocks until SIGINT or SIGTERM, then shuts
// down gracefully.
func (s *Server) Run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logging.Info("Starting gateway listener", zap.String("address", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("gateway listener: %w", err)
		}
		return nil
	})

	if s.adminServer != nil {
		g.Go(func() error {
			logging.Info("Starting admin listener", zap.String("address", s.adminServer.Addr))
			if err := s.adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("admin listener: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logging.Info("Shutting down gracefully...")
		timeout := s.config.Listen.ShutdownTimeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		return s.Shutdown(timeout)
	})

	return g.Wait()
}

// Shutdown drains in-flight requests and releases gateway resources.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if s.adminServer != nil {
		if err := s.adminServer.Shutdown(ctx); err != nil {
			logging.Error("Admin listener shutdown error", zap.Error(err))
		}
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		logging.Error("Gateway listener shutdown error", zap.Error(err))
		return err
	}

	if err := s.gateway.Close(); err != nil {
		logging.Error("Gateway close error", zap.Error(err))
		return err
	}

	logging.Info("Server shutdown complete")
	return nil
}

// Gateway returns the underlying gateway.
func (s *Server) Gateway() *Gateway {
	return s.gateway
}

// adminHandler creates the admin API handler. The admin listener is bound
// separately from the main listener and is never exposed to clients.
func (s *Server) adminHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleAdminHealth)
	mux.HandleFunc("/routes", s.handleAdminRoutes)
	mux.Handle("/metrics", s.gateway.Metrics().Handler())

	return mux
}

// handleAdminHealth reports gateway liveness and uptime.
func (s *Server) handleAdminHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(s.startTime).String(),
		"routes":    len(s.gateway.Table().Rules()),
	})
}

// handleAdminRoutes lists the ordered route table.
func (s *Server) handleAdminRoutes(w http.ResponseWriter, r *http.Request) {
	s.gateway.handleRouteDump(w, r)
}
