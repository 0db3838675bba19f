// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package strategies

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/dagheal/services/scheduler/execution"
	"github.com/AleutianAI/dagheal/services/scheduler/graph"
)

func TestRegistry_Resolve(t *testing.T) {
	r := Default(nil)
	require.NoError(t, r.Register(execution.NewStrategy("build", func(context.Context, *execution.Context) (execution.Result, error) {
		return execution.Result{Success: true}, nil
	})))
	r.SetDefaults(graph.NodeTypePipeline, "build", EchoName)

	tests := []struct {
		name string
		node *graph.Node
		want []string
	}{
		{"explicit", &graph.Node{ID: "a", Type: graph.NodeTypeRepo, Strategies: []string{"build"}}, []string{"build"}},
		{"type default", &graph.Node{ID: "b", Type: graph.NodeTypePipeline}, []string{"build", EchoName}},
		{"fallback", &graph.Node{ID: "c", Type: graph.NodeTypeFile}, []string{EchoName}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(tt.node)
			require.NoError(t, err)
			ids := make([]string, len(got))
			for i, s := range got {
				ids[i] = s.ID()
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestRegistry_Errors(t *testing.T) {
	r := NewRegistry()

	_, err := r.Resolve(&graph.Node{ID: "a", Type: graph.NodeTypeRepo})
	assert.ErrorIs(t, err, execution.ErrNoStrategies)

	_, err = r.Resolve(&graph.Node{ID: "a", Type: graph.NodeTypeRepo, Strategies: []string{"nope"}})
	assert.ErrorIs(t, err, ErrUnknownStrategy)

	require.NoError(t, r.Register(Echo{}))
	assert.ErrorIs(t, r.Register(Echo{}), ErrDuplicateStrategy)
	assert.Equal(t, []string{EchoName}, r.Names())
}

func TestEcho(t *testing.T) {
	node := &graph.Node{ID: "n1", Type: graph.NodeTypeFile, Payload: map[string]any{"k": "v"}}
	ec := execution.NewContext("n1", node, 0)
	ec.Set(execution.MetaParamAutoRepair, true)

	res, err := Echo{}.Execute(context.Background(), ec)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.True(t, res.Metrics.ValidationPassed)
	assert.True(t, res.Metrics.HealingApplied)
	out := res.Output.(EchoOutput)
	assert.Equal(t, "file", out.Type)
	assert.Equal(t, node.Payload, out.Payload)
}

type fakeOpenAI struct {
	mu       sync.Mutex
	requests []map[string]any
	content  string
	finish   string
	status   int
}

func (f *fakeOpenAI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/chat/completions" {
		http.NotFound(w, r)
		return
	}
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	f.mu.Lock()
	f.requests = append(f.requests, body)
	f.mu.Unlock()

	if f.status != 0 {
		w.WriteHeader(f.status)
		_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":      "cmpl-1",
		"object":  "chat.completion",
		"created": 1,
		"model":   "test-model",
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": f.content},
			"finish_reason": f.finish,
		}},
		"usage": map[string]any{"prompt_tokens": 5, "completion_tokens": 3, "total_tokens": 8},
	})
}

func newChat(t *testing.T, fake *fakeOpenAI) *Chat {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	return NewChat(ChatConfig{BaseURL: srv.URL + "/v1", APIKey: "test", Model: "test-model", Temperature: 0.2})
}

func TestChat_Success(t *testing.T) {
	fake := &fakeOpenAI{content: "done", finish: "stop"}
	chat := newChat(t, fake)
	node := &graph.Node{ID: "n", Type: graph.NodeTypeAgent, Payload: map[string]any{"prompt": "summarize the diff"}}

	res, err := chat.Execute(context.Background(), execution.NewContext("n", node, 0))
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.True(t, res.Metrics.ValidationPassed)
	out := res.Output.(ChatOutput)
	assert.Equal(t, "done", out.Content)
	assert.Equal(t, 8, out.TotalTokens)

	require.Len(t, fake.requests, 1)
	msgs := fake.requests[0]["messages"].([]any)
	user := msgs[1].(map[string]any)
	assert.Equal(t, "summarize the diff", user["content"])
}

func TestChat_AlternateHintRaisesTemperature(t *testing.T) {
	fake := &fakeOpenAI{content: "done", finish: "stop"}
	chat := newChat(t, fake)
	ec := execution.NewContext("n", &graph.Node{ID: "n", Type: graph.NodeTypeAgent}, 0)
	ec.Set(execution.MetaParamStrategyHint, "alternate")

	_, err := chat.Execute(context.Background(), ec)
	require.NoError(t, err)

	require.Len(t, fake.requests, 1)
	assert.InDelta(t, 0.6, fake.requests[0]["temperature"], 1e-6)
}

func TestChat_TruncatedAnswerFailsValidation(t *testing.T) {
	chat := newChat(t, &fakeOpenAI{content: "partial", finish: "length"})

	res, err := chat.Execute(context.Background(), execution.NewContext("n", nil, 0))
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.False(t, res.Metrics.ValidationPassed)
}

func TestChat_Errors(t *testing.T) {
	_, err := newChat(t, &fakeOpenAI{content: "  ", finish: "stop"}).
		Execute(context.Background(), execution.NewContext("n", nil, 0))
	assert.ErrorIs(t, err, ErrEmptyCompletion)

	_, err = newChat(t, &fakeOpenAI{status: http.StatusServiceUnavailable}).
		Execute(context.Background(), execution.NewContext("n", nil, 0))
	assert.Error(t, err)
}

func TestDefault_WithChat(t *testing.T) {
	r := Default(newChat(t, &fakeOpenAI{}))

	got, err := r.Resolve(&graph.Node{ID: "a", Type: graph.NodeTypeAgent})
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, ChatName, got[0].ID())
	assert.Equal(t, EchoName, got[1].ID())
}
