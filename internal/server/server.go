// Package server exposes the operational surface only: Prometheus
// metrics and a health probe. The product API wrapping the withdrawal
// core lives elsewhere.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nbvehbq/go-payout-service/internal/logger"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	srv   *http.Server
	store Pinger
}

func NewServer(store Pinger, cfg *Config) (*Server, error) {
	mux := chi.NewRouter()

	s := &Server{
		srv:   &http.Server{Addr: cfg.OpsAddress, Handler: mux},
		store: store,
	}

	mux.Handle(`/metrics`, promhttp.Handler())
	mux.Get(`/healthz`, s.healthHandler)

	return s, nil
}

func (s *Server) healthHandler(res http.ResponseWriter, req *http.Request) {
	if s.store != nil {
		if err := s.store.Ping(req.Context()); err != nil {
			http.Error(res, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}

	res.WriteHeader(http.StatusOK)
}

func (s *Server) Run(ctx context.Context) error {
	logger.Log.Info("ops server started")

	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	logger.Log.Info("ops server stopped")

	return s.srv.Shutdown(ctx)
}
