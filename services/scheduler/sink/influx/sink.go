// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package influx writes scheduler events to InfluxDB as time-series points.
package influx

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/AleutianAI/dagheal/services/scheduler/events"
)

// Measurement names.
const (
	MeasurementNode       = "dagheal_node"
	MeasurementPath       = "dagheal_path"
	MeasurementValidation = "dagheal_validation"
	MeasurementFallback   = "dagheal_fallback"
	MeasurementGraph      = "dagheal_graph"
)

// PointWriter is the subset of api.WriteAPIBlocking the sink uses.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// Config locates the InfluxDB bucket.
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// Sink consumes events from a bus and writes them as points.
//
// # Thread Safety
//
// Run must be called at most once. Counters are safe to read concurrently.
type Sink struct {
	writer  PointWriter
	client  influxdb2.Client
	logger  *slog.Logger
	written atomic.Int64
	failed  atomic.Int64
}

// New connects to InfluxDB with a blocking write API.
func New(cfg Config, logger *slog.Logger) (*Sink, error) {
	if cfg.URL == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, errors.New("influx sink requires url, org and bucket")
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	s := NewWithWriter(client.WriteAPIBlocking(cfg.Org, cfg.Bucket), logger)
	s.client = client
	return s, nil
}

// NewWithWriter creates a sink over an existing writer.
func NewWithWriter(w PointWriter, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{writer: w, logger: logger.With(slog.String("component", "influx_sink"))}
}

// Run writes bus events until ctx is cancelled.
//
// Events arrive through a buffered channel subscription, so a slow
// InfluxDB drops events (counted by the bus) instead of blocking workers.
func (s *Sink) Run(ctx context.Context, bus *events.Bus, buffer int) error {
	ch, cancel := bus.Channel(buffer)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-ch:
			s.Write(ctx, ev)
		}
	}
}

// Write converts and writes one event. Events with no mapping are ignored.
func (s *Sink) Write(ctx context.Context, ev events.Event) {
	p := Point(ev)
	if p == nil {
		return
	}
	if err := s.writer.WritePoint(ctx, p); err != nil {
		s.failed.Add(1)
		s.logger.Warn("influx write failed",
			slog.String("event_type", string(ev.Type)),
			slog.String("error", err.Error()),
		)
		return
	}
	s.written.Add(1)
}

// Written returns how many points were written.
func (s *Sink) Written() int64 { return s.written.Load() }

// Failed returns how many writes failed.
func (s *Sink) Failed() int64 { return s.failed.Load() }

// Close releases the client, if the sink owns one.
func (s *Sink) Close() {
	if s.client != nil {
		s.client.Close()
	}
}

// Point maps an event to a point, or nil if the event is not recorded.
func Point(ev events.Event) *write.Point {
	switch d := ev.Data.(type) {
	case events.NodeData:
		p := influxdb2.NewPointWithMeasurement(MeasurementNode).
			AddTag("event", string(ev.Type)).
			AddTag("node_id", ev.NodeID).
			AddTag("status", d.Status).
			AddField("priority", d.Priority).
			AddField("attempts", d.Attempts).
			AddField("score", d.Score).
			AddField("duration_ms", d.Duration.Milliseconds()).
			SetTime(ev.Timestamp)
		if d.Error != "" {
			p.AddField("error", d.Error)
		}
		return p

	case events.PathData:
		p := influxdb2.NewPointWithMeasurement(MeasurementPath).
			AddTag("node_id", ev.NodeID).
			AddTag("strategy_id", d.StrategyID).
			AddTag("success", boolTag(d.Success)).
			AddField("selected", d.Selected).
			AddField("duration_ms", d.Duration.Milliseconds()).
			SetTime(ev.Timestamp)
		if d.Error != "" {
			p.AddField("error", d.Error)
		}
		return p

	case events.ValidationData:
		return influxdb2.NewPointWithMeasurement(MeasurementValidation).
			AddTag("node_id", ev.NodeID).
			AddTag("strategy_id", d.StrategyID).
			AddField("iteration", d.Iteration).
			AddField("score", d.Score).
			AddField("valid", d.Valid).
			AddField("issues", d.Issues).
			AddField("repaired", d.Repaired).
			AddField("completed", d.Completed).
			SetTime(ev.Timestamp)

	case events.FallbackData:
		return influxdb2.NewPointWithMeasurement(MeasurementFallback).
			AddTag("node_id", ev.NodeID).
			AddTag("strategy", d.Strategy).
			AddTag("success", boolTag(d.Success)).
			AddField("confidence", d.Confidence).
			AddField("failed_strategies", d.FailedStrategies).
			SetTime(ev.Timestamp)

	case events.GraphData:
		return influxdb2.NewPointWithMeasurement(MeasurementGraph).
			AddTag("event", string(ev.Type)).
			AddField("count", d.Count).
			SetTime(ev.Timestamp)
	}
	return nil
}

func boolTag(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
