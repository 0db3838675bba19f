// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/dagheal/pkg/extensions"
	"github.com/AleutianAI/dagheal/services/scheduler/api"
	"github.com/AleutianAI/dagheal/services/scheduler/builder"
	"github.com/AleutianAI/dagheal/services/scheduler/telemetry"
)

// runServe runs workers and the HTTP API until SIGINT or SIGTERM.
func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger := appLogger.Slog()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer flushTelemetry(shutdownTelemetry, logger)

	s, err := newScheduler(cfg, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	if cfg.Storage.RestoreOnStart {
		if err := s.restore(ctx); err != nil {
			return err
		}
	}
	if manifestPath != "" {
		if err := s.loadManifest(ctx, manifestPath); err != nil {
			return err
		}
	}

	gin.SetMode(cfg.Server.GinMode)
	router := api.NewRouter(api.NewHandlers(s.orch, s.builder, logger), api.RouterOptions{
		ServiceName:    cfg.Telemetry.ServiceName,
		Metrics:        s.metrics,
		MetricsHandler: telemetry.MetricsHandler(),
		Extensions:     apiExtensions(cfg.Server.APITokens, logger),
	})
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	s.start(gctx, g)
	g.Go(func() error { return s.orch.Serve(gctx) })
	if watch && manifestPath != "" {
		w := builder.NewWatcher(manifestPath, s.builder, s.orch.ApplyPlan, debounce, logger)
		g.Go(func() error { return w.Run(gctx) })
	}
	g.Go(func() error {
		logger.Info("dagheal listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(sctx)
	})

	err = g.Wait()
	s.finish(cfg)
	return err
}

// apiExtensions audits writes and, when tokens are configured, requires
// one of them on every /v1 route except health.
func apiExtensions(tokens []string, logger *slog.Logger) extensions.ServiceOptions {
	ext := extensions.DefaultOptions().WithAudit(extensions.NewSlogAuditLogger(logger))
	if len(tokens) > 0 {
		ext = ext.
			WithAuth(extensions.NewTokenAuthProvider(extensions.OperatorTokens(tokens))).
			WithAuthz(extensions.RoleAuthorizer{})
	}
	return ext
}

func flushTelemetry(shutdown func(context.Context) error, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
	}
}
