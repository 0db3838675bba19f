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
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/dagheal/services/scheduler/graph"
	"github.com/AleutianAI/dagheal/services/scheduler/telemetry"
)

// ErrNodesFailed is returned by run when any node ends failed.
var ErrNodesFailed = errors.New("nodes failed")

// runRun executes a manifest until every node is terminal.
//
// The final graph stats are printed to stdout as JSON.
func runRun(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger := appLogger.Slog()

	if manifestPath == "" && !cfg.Storage.RestoreOnStart {
		return errors.New("run needs --manifest or storage.restore_on_start")
	}

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

	g, gctx := errgroup.WithContext(ctx)
	sinkCtx, stopSink := context.WithCancel(gctx)
	s.start(sinkCtx, g)
	g.Go(func() error {
		defer stopSink()
		return s.orch.Run(gctx)
	})
	runErr := g.Wait()
	s.finish(cfg)

	stats := s.orch.Store().Stats()
	if err := printStats(cmd, stats); err != nil {
		return err
	}
	if runErr != nil {
		return runErr
	}
	if stats.FailedNodes > 0 {
		return fmt.Errorf("%w: %d of %d", ErrNodesFailed, stats.FailedNodes, stats.TotalNodes)
	}
	return nil
}

func printStats(cmd *cobra.Command, stats graph.Stats) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(stats)
}
