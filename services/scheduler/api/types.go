// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api exposes the orchestrator over HTTP.
package api

import (
	"github.com/AleutianAI/dagheal/services/scheduler/graph"
	"github.com/AleutianAI/dagheal/services/scheduler/optimizer"
)

// ServiceVersion is reported by the health endpoint.
const ServiceVersion = "0.1.0"

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is a stable machine-readable error code.
	Code string `json:"code,omitempty"`

	// Details provides additional error context (optional).
	Details string `json:"details,omitempty"`
}

// HealthResponse is returned by GET /v1/health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Nodes   int    `json:"nodes"`
	Done    bool   `json:"done"`
}

// SubmitNodeRequest is the body of POST /v1/nodes.
type SubmitNodeRequest struct {
	ID              string            `json:"id" binding:"required"`
	Type            graph.NodeType    `json:"type" binding:"required"`
	Dependencies    []string          `json:"dependencies"`
	Priority        int               `json:"priority"`
	ComplianceScore float64           `json:"complianceScore" binding:"gte=0,lte=100"`
	Strategies      []string          `json:"strategies"`
	Org             string            `json:"org"`
	Path            string            `json:"path"`
	Labels          map[string]string `json:"labels"`
	Payload         any               `json:"payload"`
}

// Node converts the request into a pending graph node.
func (r SubmitNodeRequest) Node() *graph.Node {
	return &graph.Node{
		ID:              r.ID,
		Type:            r.Type,
		Dependencies:    r.Dependencies,
		Priority:        r.Priority,
		ComplianceScore: r.ComplianceScore,
		Strategies:      r.Strategies,
		Payload:         r.Payload,
		Metadata: graph.Metadata{
			Org:    r.Org,
			Path:   r.Path,
			Labels: r.Labels,
		},
	}
}

// ManifestResponse is returned by POST /v1/manifests.
type ManifestResponse struct {
	AddedNodes   []string                  `json:"addedNodes"`
	SkippedNodes []string                  `json:"skippedNodes,omitempty"`
	AddedEdges   int                       `json:"addedEdges"`
	RemovedEdges []graph.Edge              `json:"removedEdges,omitempty"`
	Inferred     map[string]graph.NodeType `json:"inferred,omitempty"`
}

// OptimizeResponse is returned by POST /v1/graph/optimize.
type OptimizeResponse struct {
	Ranking []optimizer.Ranked `json:"ranking"`
}
