package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/malbeclabs/querygate/pkg/logger"
	"github.com/malbeclabs/querygate/pkg/metrics"
	"github.com/malbeclabs/querygate/pkg/server"
)

func newServeCmd() *cobra.Command {
	var (
		flags   serveFlags
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and optional postgres wire endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := applyEnv(cmd.Flags()); err != nil {
				return err
			}
			return serve(commandContext(cmd), flags, verbose)
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose (debug) logging")
	flags.register(cmd.Flags())
	return cmd
}

func serve(parent context.Context, flags serveFlags, verbose bool) error {
	log := logger.New(verbose)

	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	metricsServerErrCh := make(chan error, 1)
	if flags.metricsAddr != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		listener, err := net.Listen("tcp", flags.metricsAddr)
		if err != nil {
			return fmt.Errorf("failed to start prometheus metrics server listener: %w", err)
		}
		defer listener.Close()
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			if err := http.Serve(listener, mux); err != nil {
				log.Error("failed to serve prometheus metrics", "error", err)
				metricsServerErrCh <- err
			}
		}()
	}

	st, err := newStack(ctx, log, flags.pipeline)
	if err != nil {
		return err
	}
	defer st.Close()
	st.Start(ctx)

	httpListener, err := net.Listen("tcp", flags.httpAddr)
	if err != nil {
		return fmt.Errorf("failed to create HTTP listener: %w", err)
	}
	defer httpListener.Close()

	var postgresListener net.Listener
	if flags.pgAddr != "" {
		postgresListener, err = net.Listen("tcp", flags.pgAddr)
		if err != nil {
			return fmt.Errorf("failed to create PostgreSQL listener: %w", err)
		}
		defer postgresListener.Close()
	} else {
		log.Info("PostgreSQL wire protocol disabled")
	}

	srv, err := server.New(ctx, server.Config{
		Logger:            log,
		Pipeline:          st.pipeline,
		HTTPListener:      httpListener,
		PostgresListener:  postgresListener,
		ReadHeaderTimeout: flags.readHeaderTimeout,
		ShutdownTimeout:   flags.shutdownTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		log.Info("server: shutting down", "reason", ctx.Err())
		return <-serverErrCh
	case err := <-serverErrCh:
		if err != nil {
			log.Error("server: server error causing shutdown", "error", err)
		}
		return err
	case err := <-metricsServerErrCh:
		log.Error("server: metrics server error causing shutdown", "error", err)
		return err
	}
}
