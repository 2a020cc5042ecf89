// Package server hosts the public API and the admin endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/pliu/chatbox/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server runs the public HTTP listener (API, uploads and websocket) next to
// an optional admin listener with /metrics, /healthz and /readyz.
type Server struct {
	cfg      config.Config
	log      *zap.Logger
	handler  http.Handler
	gatherer prometheus.Gatherer
	closers  []func()

	public *http.Server
	admin  *http.Server
	ready  atomic.Bool
}

// New builds a server. closers run on shutdown after the listeners stop
// accepting, and are meant for resources http.Server does not track, such as
// hijacked websocket connections.
func New(cfg config.Config, logger *zap.Logger, handler http.Handler, gatherer prometheus.Gatherer, closers ...func()) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:      cfg,
		log:      logger,
		handler:  handler,
		gatherer: gatherer,
		closers:  closers,
	}
}

// Start listens and blocks until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.HTTPAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.HTTPAddress, err)
	}
	return s.Serve(ctx, lis)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.public = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.startAdminServer()

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGracePeriod)
		defer cancel()
		s.Shutdown(stopCtx)
	}()

	s.log.Info("http server listening", zap.String("address", lis.Addr().String()))
	s.ready.Store(true)
	if err := s.public.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.ready.Store(false)
		return fmt.Errorf("serve http: %w", err)
	}
	<-stopped
	return nil
}

// AdminHandler serves metrics and probes.
func (s *Server) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	gatherer := s.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if s.ready.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not_ready"))
	})
	return mux
}

func (s *Server) startAdminServer() {
	if s.cfg.AdminAddress == "" {
		return
	}
	s.admin = &http.Server{
		Addr:              s.cfg.AdminAddress,
		Handler:           s.AdminHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server stopped", zap.Error(err))
		}
	}()
	s.log.Info("admin server listening", zap.String("address", s.cfg.AdminAddress))
}

// Shutdown stops accepting, closes tracked resources and waits for in-flight
// requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) {
	s.ready.Store(false)

	if s.admin != nil {
		if err := s.admin.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server shutdown", zap.Error(err))
		}
	}
	if s.public == nil {
		return
	}
	for _, closeFn := range s.closers {
		closeFn()
	}
	if err := s.public.Shutdown(ctx); err != nil {
		s.log.Warn("graceful shutdown timed out; forcing stop", zap.Error(err))
		s.public.Close()
		return
	}
	s.log.Info("http server stopped")
}
