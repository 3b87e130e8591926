//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Command server runs the chat agent behind the WebSocket endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Erfan7767/erfan-agent-backend/config"
	"github.com/Erfan7767/erfan-agent-backend/log"
	"github.com/Erfan7767/erfan-agent-backend/telemetry/metric"
	"github.com/Erfan7767/erfan-agent-backend/telemetry/trace"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		cfgFile    string
		listenAddr string
		logLevel   string
	)
	root := &cobra.Command{
		Use:           "erfan-agent-server",
		Short:         "Conversational agent with web search and a Python sandbox over WebSocket",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if listenAddr != "" {
				cfg.ListenAddr = listenAddr
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration:\n%w", err)
			}
			return serve(cmd.Context(), cfg)
		},
	}
	root.Flags().StringVar(&cfgFile, "config", "", "Path to a YAML config file overriding the environment")
	root.Flags().StringVar(&listenAddr, "addr", "", "HTTP listen address (default :8000)")
	root.Flags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	return root
}

func serve(ctx context.Context, cfg *config.Config) error {
	if cfg.LogFormat == log.FormatJSON {
		log.UseJSON()
	}
	log.SetLevel(cfg.LogLevel)

	// Exporters outlive the signal context so the final flush can run.
	cleanup, err := startTelemetry(context.WithoutCancel(ctx), cfg.Telemetry)
	if err != nil {
		return err
	}
	defer cleanup()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           a.chat.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Infof("listening on %s", cfg.ListenAddr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	log.Infof("shutting down")
	// Hijacked WebSocket connections are not tracked by Shutdown.
	a.chat.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func startTelemetry(ctx context.Context, cfg config.TelemetryConfig) (func(), error) {
	var cleanups []func() error
	cleanup := func() {
		for _, c := range cleanups {
			if err := c(); err != nil {
				log.Warnf("telemetry shutdown: %v", err)
			}
		}
	}
	protocol := "grpc"
	if strings.HasPrefix(cfg.Protocol, "http") {
		protocol = "http"
	}
	if cfg.TracesEnabled {
		opts := []trace.Option{trace.WithProtocol(protocol)}
		if cfg.TracesEndpoint != "" {
			opts = append(opts, trace.WithEndpoint(cfg.TracesEndpoint))
		}
		clean, err := trace.Start(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("start tracing: %w", err)
		}
		cleanups = append(cleanups, clean)
	}
	if cfg.MetricsEnabled {
		opts := []metric.Option{metric.WithProtocol(protocol)}
		if cfg.MetricsEndpoint != "" {
			opts = append(opts, metric.WithEndpoint(cfg.MetricsEndpoint))
		}
		clean, err := metric.Start(ctx, opts...)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("start metrics: %w", err)
		}
		cleanups = append(cleanups, clean)
	}
	return cleanup, nil
}
