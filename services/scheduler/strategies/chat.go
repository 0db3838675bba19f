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
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/AleutianAI/dagheal/services/scheduler/execution"
	"github.com/AleutianAI/dagheal/services/scheduler/graph"
)

// ChatName is the registered name of Chat.
const ChatName = "chat"

// ErrEmptyCompletion is returned when the endpoint returns no usable text.
var ErrEmptyCompletion = errors.New("chat completion returned no content")

// DefaultSystemPrompt frames every chat request.
const DefaultSystemPrompt = "You carry out one step of an automated workflow. Reply with the result only."

// ChatConfig configures the chat strategy.
type ChatConfig struct {
	// BaseURL of an OpenAI-compatible API, e.g. http://localhost:11434/v1.
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float32
	Timeout     time.Duration

	// SystemPrompt overrides DefaultSystemPrompt.
	SystemPrompt string

	Logger *slog.Logger
}

// ChatOutput is what Chat produces.
type ChatOutput struct {
	Model        string `json:"model"`
	Content      string `json:"content"`
	FinishReason string `json:"finishReason"`
	TotalTokens  int    `json:"totalTokens"`
}

// Chat asks an OpenAI-compatible chat endpoint to perform the node.
//
// Description:
//
//	The prompt is the node payload's "prompt" field, or a JSON rendering
//	of the payload. The repair hint "alternate" raises the temperature so
//	a retry explores a different answer.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Chat struct {
	client *openai.Client
	cfg    ChatConfig
	logger *slog.Logger
}

// NewChat creates a chat strategy.
func NewChat(cfg ChatConfig) *Chat {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.Timeout > 0 {
		oc.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Chat{
		client: openai.NewClientWithConfig(oc),
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("strategy", ChatName)),
	}
}

// ID implements execution.Strategy.
func (c *Chat) ID() string { return ChatName }

// Execute implements execution.Strategy.
func (c *Chat) Execute(ctx context.Context, ec *execution.Context) (execution.Result, error) {
	prompt, err := promptFor(ec)
	if err != nil {
		return execution.Result{}, err
	}

	temperature := c.cfg.Temperature
	if ec.GetString(execution.MetaParamStrategyHint) == "alternate" {
		temperature = float32(math.Min(float64(temperature)+0.4, 2))
	}

	req := openai.ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: c.cfg.SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: temperature,
	}
	if c.cfg.MaxTokens > 0 {
		req.MaxCompletionTokens = c.cfg.MaxTokens
	}

	c.logger.Debug("chat request", slog.String("task", ec.Task), slog.String("model", c.cfg.Model))
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return execution.Result{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return execution.Result{}, ErrEmptyCompletion
	}

	choice := resp.Choices[0]
	return execution.Result{
		Success: true,
		Output: ChatOutput{
			Model:        resp.Model,
			Content:      choice.Message.Content,
			FinishReason: string(choice.FinishReason),
			TotalTokens:  resp.Usage.TotalTokens,
		},
		Metrics: execution.Metrics{
			OperationsPerformed: 1,
			// A truncated answer is not trusted.
			ValidationPassed: choice.FinishReason == openai.FinishReasonStop,
			HealingApplied:   ec.GetBool(execution.MetaParamAutoRepair),
		},
	}, nil
}

func promptFor(ec *execution.Context) (string, error) {
	n, ok := ec.Target.(*graph.Node)
	if !ok || n.Payload == nil {
		return fmt.Sprintf("Perform task %s.", ec.Task), nil
	}
	if m, ok := n.Payload.(map[string]any); ok {
		if p, ok := m["prompt"].(string); ok && p != "" {
			return p, nil
		}
	}
	body, err := json.Marshal(n.Payload)
	if err != nil {
		return "", fmt.Errorf("encode payload for %s: %w", n.ID, err)
	}
	return fmt.Sprintf("Perform %s task %s with input: %s", n.Type, n.ID, body), nil
}
