// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events provides a typed publish/subscribe bus for scheduler
// lifecycle events.
//
// The bus is passed explicitly to the components that publish on it.
// Handlers run synchronously on the publisher's goroutine; use Channel for
// consumers that must not slow publishers down.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/dagheal/services/scheduler/history"
)

// Type identifies an event kind.
type Type string

const (
	TypeRunStarted       Type = "run.started"
	TypeRunFinished      Type = "run.finished"
	TypeNodeSubmitted    Type = "node.submitted"
	TypeNodeClaimed      Type = "node.claimed"
	TypeNodeCompleted    Type = "node.completed"
	TypeNodeFailed       Type = "node.failed"
	TypeNodeSkipped      Type = "node.skipped"
	TypeNodeRequeued     Type = "node.requeued"
	TypePathCompleted    Type = "path.completed"
	TypeValidationPass   Type = "validation.iteration"
	TypeFallbackInvoked  Type = "fallback.invoked"
	TypeCycleRepaired    Type = "graph.cycle_repaired"
	TypeGraphOptimized   Type = "graph.optimized"
	TypeManifestReloaded Type = "manifest.reloaded"
)

// Event is one published occurrence.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	NodeID    string    `json:"nodeId,omitempty"`
	Data      any       `json:"data,omitempty"`
}

// NodeData accompanies node lifecycle events.
type NodeData struct {
	Status   string        `json:"status"`
	Priority int           `json:"priority,omitempty"`
	Attempts int           `json:"attempts,omitempty"`
	Score    float64       `json:"score,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// PathData accompanies path.completed.
type PathData struct {
	StrategyID string        `json:"strategyId"`
	Success    bool          `json:"success"`
	Selected   bool          `json:"selected"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// ValidationData accompanies validation.iteration.
type ValidationData struct {
	StrategyID string  `json:"strategyId"`
	Iteration  int     `json:"iteration"`
	Score      float64 `json:"score"`
	Valid      bool    `json:"valid"`
	Issues     int     `json:"issues"`
	Repaired   bool    `json:"repaired"`
	Completed  bool    `json:"completed"`
}

// FallbackData accompanies fallback.invoked.
type FallbackData struct {
	Strategy         string  `json:"strategy"`
	Success          bool    `json:"success"`
	Confidence       float64 `json:"confidence"`
	FailedStrategies int     `json:"failedStrategies"`
}

// GraphData accompanies graph-level events.
type GraphData struct {
	Count   int      `json:"count"`
	Details []string `json:"details,omitempty"`
}

// Handler receives events.
type Handler func(Event)

type subscription struct {
	id      string
	handler Handler
	types   map[Type]struct{}
}

func (s *subscription) wants(t Type) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// DefaultBufferSize is how many recent events a Bus retains.
const DefaultBufferSize = 1000

// Bus fans events out to subscribers.
//
// Thread Safety: safe for concurrent use.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]*subscription
	recent  *history.RingBuffer[Event]
	dropped atomic.Int64
	logger  *slog.Logger
}

// NewBus creates a bus retaining bufferSize recent events.
func NewBus(bufferSize int, logger *slog.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[string]*subscription),
		recent: history.NewRingBuffer[Event](bufferSize),
		logger: logger,
	}
}

// Subscribe registers handler for the given types (all types if none).
// It returns a subscription id for Unsubscribe.
func (b *Bus) Subscribe(handler Handler, types ...Type) string {
	sub := &subscription{
		id:      uuid.NewString(),
		handler: handler,
		types:   make(map[Type]struct{}, len(types)),
	}
	for _, t := range types {
		sub.types[t] = struct{}{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[sub.id] = sub
	return sub.id
}

// Unsubscribe removes a subscription. It reports whether it existed.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[id]; !ok {
		return false
	}
	delete(b.subs, id)
	return true
}

// Channel subscribes a buffered channel.
//
// Events that do not fit in the buffer are dropped and counted in Dropped.
// The returned cancel function unsubscribes; the channel is not closed, so
// readers should stop on their own signal.
func (b *Bus) Channel(buffer int, types ...Type) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	id := b.Subscribe(func(e Event) {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}, types...)
	return ch, func() { b.Unsubscribe(id) }
}

// Publish stamps and delivers an event.
func (b *Bus) Publish(t Type, nodeID string, data any) Event {
	ev := Event{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: time.Now(),
		NodeID:    nodeID,
		Data:      data,
	}

	b.mu.Lock()
	b.recent.Push(ev)
	subs := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(t) {
			subs = append(subs, s)
		}
	}
	b.mu.Unlock()

	for _, s := range subs {
		b.deliver(s, ev)
	}
	return ev
}

func (b *Bus) deliver(s *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				slog.String("event_type", string(ev.Type)),
				slog.String("event_id", ev.ID),
				slog.Any("panic", r),
			)
		}
	}()
	s.handler(ev)
}

// Recent returns up to n most recent events, oldest first.
func (b *Bus) Recent(n int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	last := b.recent.Last(n)
	for i, j := 0, len(last)-1; i < j; i, j = i+1, j-1 {
		last[i], last[j] = last[j], last[i]
	}
	return last
}

// Dropped returns how many events channel subscribers missed.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
