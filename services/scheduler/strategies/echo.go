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

	"github.com/AleutianAI/dagheal/services/scheduler/execution"
	"github.com/AleutianAI/dagheal/services/scheduler/graph"
)

// EchoName is the registered name of Echo.
const EchoName = "echo"

// EchoOutput is what Echo produces.
type EchoOutput struct {
	NodeID  string `json:"nodeId"`
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Echo succeeds immediately and returns the node's payload.
//
// It is the default for every node type and makes a manifest runnable
// end to end without external services.
type Echo struct{}

// ID implements execution.Strategy.
func (Echo) ID() string { return EchoName }

// Execute implements execution.Strategy.
func (Echo) Execute(ctx context.Context, ec *execution.Context) (execution.Result, error) {
	if err := ctx.Err(); err != nil {
		return execution.Result{}, err
	}

	out := EchoOutput{NodeID: ec.Task}
	if n, ok := ec.Target.(*graph.Node); ok {
		out.Type = string(n.Type)
		out.Payload = n.Payload
	}

	return execution.Result{
		Success: true,
		Output:  out,
		Metrics: execution.Metrics{
			OperationsPerformed: 1,
			ValidationPassed:    true,
			HealingApplied:      ec.GetBool(execution.MetaParamAutoRepair),
		},
	}, nil
}
