// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package influx

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/dagheal/services/scheduler/events"
)

type recordingWriter struct {
	mu     sync.Mutex
	points []*write.Point
	err    error
}

func (w *recordingWriter) WritePoint(_ context.Context, pts ...*write.Point) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.points = append(w.points, pts...)
	return nil
}

func (w *recordingWriter) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.points)
}

func tags(p *write.Point) map[string]string {
	out := map[string]string{}
	for _, t := range p.TagList() {
		out[t.Key] = t.Value
	}
	return out
}

func fields(p *write.Point) map[string]any {
	out := map[string]any{}
	for _, f := range p.FieldList() {
		out[f.Key] = f.Value
	}
	return out
}

func TestPoint_Mapping(t *testing.T) {
	ts := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	p := Point(events.Event{
		Type:      events.TypeNodeFailed,
		Timestamp: ts,
		NodeID:    "n1",
		Data:      events.NodeData{Status: "failed", Attempts: 3, Duration: 1500 * time.Millisecond, Error: "boom"},
	})
	require.NotNil(t, p)
	assert.Equal(t, MeasurementNode, p.Name())
	assert.Equal(t, "n1", tags(p)["node_id"])
	assert.Equal(t, "failed", tags(p)["status"])
	assert.EqualValues(t, 1500, fields(p)["duration_ms"])
	assert.Equal(t, "boom", fields(p)["error"])
	assert.Equal(t, ts, p.Time())

	p = Point(events.Event{Type: events.TypeFallbackInvoked, NodeID: "n1", Data: events.FallbackData{Strategy: "minimal", Success: true, Confidence: 0.4}})
	require.NotNil(t, p)
	assert.Equal(t, MeasurementFallback, p.Name())
	assert.Equal(t, "true", tags(p)["success"])

	assert.Nil(t, Point(events.Event{Type: events.TypeRunStarted}))
}

func TestSink_RunWritesBusEvents(t *testing.T) {
	bus := events.NewBus(10, nil)
	w := &recordingWriter{}
	s := NewWithWriter(w, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, bus, 16) }()

	require.Eventually(t, func() bool { return bus.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)
	bus.Publish(events.TypeNodeCompleted, "a", events.NodeData{Status: "completed"})
	bus.Publish(events.TypeRunStarted, "", nil)
	bus.Publish(events.TypePathCompleted, "a", events.PathData{StrategyID: "echo", Success: true})

	require.Eventually(t, func() bool { return w.len() == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.EqualValues(t, 2, s.Written())
	assert.Equal(t, 0, bus.SubscriberCount())
}

func TestSink_WriteFailureIsCounted(t *testing.T) {
	s := NewWithWriter(&recordingWriter{err: errors.New("unavailable")}, nil)

	s.Write(context.Background(), events.Event{Type: events.TypeCycleRepaired, Data: events.GraphData{Count: 1}})

	assert.EqualValues(t, 1, s.Failed())
	assert.EqualValues(t, 0, s.Written())
}

func TestNew_WritesLineProtocol(t *testing.T) {
	var mu sync.Mutex
	var body, query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		body, query = string(b), r.URL.RawQuery
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s, err := New(Config{URL: srv.URL, Token: "t", Org: "acme", Bucket: "dagheal"}, nil)
	require.NoError(t, err)
	defer s.Close()

	s.Write(context.Background(), events.Event{
		Type:      events.TypeGraphOptimized,
		Timestamp: time.Now(),
		Data:      events.GraphData{Count: 7},
	})

	mu.Lock()
	defer mu.Unlock()
	assert.EqualValues(t, 1, s.Written())
	assert.True(t, strings.HasPrefix(body, MeasurementGraph), "body = %q", body)
	assert.Contains(t, body, "count=7i")
	assert.Contains(t, query, "bucket=dagheal")
}

func TestNew_RequiresTarget(t *testing.T) {
	_, err := New(Config{URL: "http://localhost:8086"}, nil)
	assert.Error(t, err)
}
