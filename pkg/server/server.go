package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	wire "github.com/jeroenrinzema/psql-wire"

	"github.com/malbeclabs/querygate/pkg/metrics"
)

type Server struct {
	log              *slog.Logger
	cfg              Config
	pipeline         Pipeline
	handler          http.Handler
	httpSrv          *http.Server
	httpListener     net.Listener
	psqlSrv          *wire.Server
	postgresListener net.Listener
}

func New(ctx context.Context, cfg Config) (*Server, error) {
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		log:      cfg.Logger,
		cfg:      cfg,
		pipeline: cfg.Pipeline,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthzHandler)
	r.Get("/readyz", s.readyzHandler)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/ask", s.askHandler)
		r.Post("/ask/batch", s.batchHandler)
		r.Post("/statement", s.statementHandler)
	})
	s.handler = r

	s.httpSrv = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       60 * time.Second,
		// Generation plus execution can take most of two minutes.
		WriteTimeout:   180 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	s.httpListener = cfg.HTTPListener

	if cfg.PostgresListener != nil {
		if len(cfg.PostgresAccounts) > 0 {
			s.log.Info("server: postgres authentication enabled", "account_count", len(cfg.PostgresAccounts))
		} else {
			s.log.Info("server: postgres authentication disabled (no accounts configured)")
		}

		psqlSrv, err := wire.NewServer(
			s.queryHandler,
			wire.Logger(s.log),
			wire.SessionAuthStrategy(createAuthStrategy(s.log, cfg.PostgresAccounts)),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create PostgreSQL wire server: %w", err)
		}
		s.psqlSrv = psqlSrv
		s.postgresListener = cfg.PostgresListener
	}

	return s, nil
}

// Handler returns the HTTP API handler.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) Run(ctx context.Context) error {
	serveErrCh := make(chan error, 2)

	go func() {
		if err := s.httpSrv.Serve(s.httpListener); err != nil && err != http.ErrServerClosed {
			s.log.Error("server: http server error", "error", err)
			serveErrCh <- fmt.Errorf("failed to serve HTTP: %w", err)
		}
	}()
	s.log.Info("server: http listening", "address", s.httpListener.Addr())

	if s.psqlSrv != nil && s.postgresListener != nil {
		go func() {
			if err := s.psqlSrv.Serve(s.postgresListener); err != nil {
				s.log.Error("server: postgres wire server error", "error", err)
				serveErrCh <- fmt.Errorf("failed to serve PostgreSQL: %w", err)
			}
		}()
		s.log.Info("server: postgres wire protocol listening", "address", s.postgresListener.Addr())
	}

	select {
	case <-ctx.Done():
		s.log.Info("server: stopping", "reason", ctx.Err())
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer shutdownCancel()

		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
		s.log.Info("server: http server shutdown complete")

		if s.psqlSrv != nil {
			if err := s.psqlSrv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("failed to shutdown PostgreSQL wire server: %w", err)
			}
			s.log.Info("server: postgres wire server shutdown complete")
		}

		return nil
	case err := <-serveErrCh:
		s.log.Error("server: server error causing shutdown", "error", err)
		return err
	}
}

func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		s.log.Error("failed to write healthz response", "error", err)
	}
}

func (s *Server) readyzHandler(w http.ResponseWriter, r *http.Request) {
	if !s.pipeline.Ready() {
		s.log.Debug("readyz: schema index not loaded")
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, err := w.Write([]byte("schema index not loaded\n")); err != nil {
			s.log.Error("failed to write readyz response", "error", err)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		s.log.Error("failed to write readyz response", "error", err)
	}
}
