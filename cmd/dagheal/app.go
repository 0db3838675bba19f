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

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/dagheal/services/scheduler/builder"
	"github.com/AleutianAI/dagheal/services/scheduler/config"
	"github.com/AleutianAI/dagheal/services/scheduler/events"
	"github.com/AleutianAI/dagheal/services/scheduler/fallback"
	"github.com/AleutianAI/dagheal/services/scheduler/graph"
	"github.com/AleutianAI/dagheal/services/scheduler/orchestrator"
	"github.com/AleutianAI/dagheal/services/scheduler/policy"
	"github.com/AleutianAI/dagheal/services/scheduler/sink/influx"
	"github.com/AleutianAI/dagheal/services/scheduler/storage/badger"
	"github.com/AleutianAI/dagheal/services/scheduler/strategies"
	"github.com/AleutianAI/dagheal/services/scheduler/telemetry"
	"github.com/AleutianAI/dagheal/services/scheduler/validation"
)

// ErrStorageDisabled is returned by commands that need storage.enabled.
var ErrStorageDisabled = errors.New("snapshot storage is disabled (set storage.enabled)")

// scheduler bundles everything a command needs to execute a graph.
type scheduler struct {
	orch      *orchestrator.Orchestrator
	builder   *builder.Builder
	bus       *events.Bus
	metrics   *telemetry.Metrics
	db        *badger.DB
	snapshots *badger.SnapshotStore
	sink      *influx.Sink
	logger    *slog.Logger
}

// newScheduler wires the orchestrator from configuration.
//
// Description:
//
//	Metrics come from the global meter, so call telemetry.Init first to
//	export them. Snapshots are opened only when storage is enabled, and
//	the chat strategy is registered only when an LLM base URL is set.
func newScheduler(c config.Config, logger *slog.Logger) (*scheduler, error) {
	s := &scheduler{logger: logger}

	metrics, err := telemetry.NewMetrics(otel.Meter("dagheal"))
	if err != nil {
		logger.Warn("metrics disabled", slog.String("error", err.Error()))
	}
	s.metrics = metrics

	var snaps orchestrator.SnapshotStore
	if c.Storage.Enabled {
		if err := s.openStorage(c); err != nil {
			return nil, err
		}
		snaps = s.snapshots
	}

	var chat *strategies.Chat
	if c.LLM.BaseURL != "" {
		chat = strategies.NewChat(strategies.ChatConfig{
			BaseURL:     c.LLM.BaseURL,
			APIKey:      c.LLM.APIKey,
			Model:       c.LLM.Model,
			MaxTokens:   c.LLM.MaxTokens,
			Temperature: c.LLM.Temperature,
			Timeout:     c.LLM.Timeout,
			Logger:      logger,
		})
	}

	checks, err := policyChecks(c.Policy)
	if err != nil {
		s.Close()
		return nil, err
	}

	s.bus = events.NewBus(c.History.EventBuffer, logger)
	store := graph.NewStore(logger)

	orch, err := orchestrator.New(store, strategies.Default(chat), s.bus, orchestrator.Options{
		Workers:           c.Scheduler.Workers,
		MaxRetries:        c.Scheduler.MaxRetries,
		PollInterval:      c.Scheduler.PollInterval,
		RateLimit:         c.Scheduler.RateLimit,
		Burst:             c.Scheduler.Burst,
		StrategyTimeout:   c.Scheduler.StrategyTimeout,
		ReoptimizeEvery:   c.Scheduler.ReoptimizeEvery,
		OptimizeOnStart:   c.Optimizer.OnStart,
		Paths:             c.Paths.PathConfig(),
		Validation:        c.Validation,
		Completion:        c.Completion,
		FallbackEnabled:   c.Fallback.Enabled,
		Fallback:          fallback.Options{HistoryPerTask: c.Fallback.HistoryPerTask, MaxTasks: c.Fallback.MaxTasks, Logger: logger},
		Optimizer:         c.Optimizer.Optimizer(),
		HistoryPerContext: c.History.PerContext,
		Checks:            checks,
		Snapshots:         snaps,
		Metrics:           metrics,
		Logger:            logger,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("create orchestrator: %w", err)
	}
	s.orch = orch

	s.builder = builder.New(builder.Options{
		AutoRepairCycles: c.Graph.AutoRepairCycles,
		Logger:           logger,
	})

	if c.Influx.Enabled {
		sink, err := influx.New(influx.Config{
			URL:    c.Influx.URL,
			Token:  c.Influx.Token,
			Org:    c.Influx.Org,
			Bucket: c.Influx.Bucket,
		}, logger)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("create influx sink: %w", err)
		}
		s.sink = sink
	}
	return s, nil
}

// policyChecks builds the sensitive-output check when enabled.
func policyChecks(c config.PolicyConfig) ([]validation.Check, error) {
	if !c.Enabled {
		return nil, nil
	}
	engine, err := policy.Load(c.RulesFile)
	if err != nil {
		return nil, err
	}
	floor, err := policy.ParseConfidence(c.MinConfidence)
	if err != nil {
		return nil, fmt.Errorf("policy.min_confidence: %w", err)
	}
	return []validation.Check{engine.Check(floor)}, nil
}

func (s *scheduler) openStorage(c config.Config) error {
	bc := c.Storage.Badger
	bc.Logger = s.logger
	db, err := badger.Open(bc)
	if err != nil {
		return fmt.Errorf("open snapshot storage: %w", err)
	}
	s.db = db
	s.snapshots = badger.NewSnapshotStore(db, s.logger)
	return nil
}

// openSnapshots opens only the snapshot store, for offline commands.
func openSnapshots(c config.Config, logger *slog.Logger) (*scheduler, error) {
	if !c.Storage.Enabled {
		return nil, ErrStorageDisabled
	}
	s := &scheduler{logger: logger}
	if err := s.openStorage(c); err != nil {
		return nil, err
	}
	return s, nil
}

// start launches background consumers on g.
func (s *scheduler) start(ctx context.Context, g *errgroup.Group) {
	if s.sink != nil {
		g.Go(func() error { return s.sink.Run(ctx, s.bus, 0) })
	}
}

// loadManifest builds the manifest at path and submits it.
func (s *scheduler) loadManifest(ctx context.Context, path string) error {
	m, err := builder.LoadManifest(path)
	if err != nil {
		return err
	}
	plan, err := s.builder.Build(m)
	if err != nil {
		return fmt.Errorf("build %s: %w", path, err)
	}
	if _, err := s.orch.SubmitPlan(ctx, plan); err != nil {
		return fmt.Errorf("submit %s: %w", path, err)
	}
	return nil
}

// restore loads the latest snapshot. A missing snapshot is not an error.
func (s *scheduler) restore(ctx context.Context) error {
	_, err := s.orch.RestoreLatest(ctx)
	if errors.Is(err, badger.ErrSnapshotNotFound) {
		s.logger.Info("no snapshot to restore")
		return nil
	}
	return err
}

// finish saves a snapshot when configured. It uses a fresh context so a
// cancelled run is still recorded.
func (s *scheduler) finish(c config.Config) {
	if !c.Storage.Enabled || !c.Storage.SnapshotOnFinish || s.orch == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.Server.ShutdownTimeout)
	defer cancel()
	if _, err := s.orch.Snapshot(ctx); err != nil {
		s.logger.Error("snapshot on finish failed", slog.String("error", err.Error()))
		return
	}
	if c.Storage.Keep > 0 {
		if _, err := s.snapshots.Prune(ctx, c.Storage.Keep); err != nil {
			s.logger.Warn("prune snapshots failed", slog.String("error", err.Error()))
		}
	}
}

// Close releases storage and the sink.
func (s *scheduler) Close() {
	if s.sink != nil {
		s.sink.Close()
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Warn("close snapshot storage", slog.String("error", err.Error()))
		}
	}
}
