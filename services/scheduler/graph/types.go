// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"time"
)

// NodeType classifies the work unit a node represents.
type NodeType string

const (
	NodeTypeRepo         NodeType = "repo"
	NodeTypePipeline     NodeType = "pipeline"
	NodeTypeAgent        NodeType = "agent"
	NodeTypeFile         NodeType = "file"
	NodeTypeSemanticUnit NodeType = "semantic-unit"
	NodeTypeCluster      NodeType = "cluster"
	NodeTypeDeployment   NodeType = "deployment"
)

// NodeTypes lists every known node type.
var NodeTypes = []NodeType{
	NodeTypeRepo,
	NodeTypePipeline,
	NodeTypeAgent,
	NodeTypeFile,
	NodeTypeSemanticUnit,
	NodeTypeCluster,
	NodeTypeDeployment,
}

// Valid reports whether t is a known node type.
func (t NodeType) Valid() bool {
	for _, known := range NodeTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Status is the lifecycle state of a node.
//
// Transitions are pending -> running -> completed|failed. Requeue moves a
// failed node back to pending.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further work happens on the node.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// EdgeType describes the relationship an edge encodes.
type EdgeType string

const (
	EdgeTypeDependency EdgeType = "dependency"
	EdgeTypeData       EdgeType = "data"
	EdgeTypeControl    EdgeType = "control"
)

// Valid reports whether t is a known edge type.
func (t EdgeType) Valid() bool {
	switch t {
	case EdgeTypeDependency, EdgeTypeData, EdgeTypeControl:
		return true
	}
	return false
}

// Metadata holds bookkeeping for a node.
type Metadata struct {
	CreatedAt   time.Time         `json:"createdAt" yaml:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt" yaml:"updatedAt"`
	StartedAt   *time.Time        `json:"startedAt,omitempty" yaml:"startedAt,omitempty"`
	CompletedAt *time.Time        `json:"completedAt,omitempty" yaml:"completedAt,omitempty"`
	RetryCount  int               `json:"retryCount" yaml:"retryCount"`
	LastError   string            `json:"lastError,omitempty" yaml:"lastError,omitempty"`
	Org         string            `json:"org,omitempty" yaml:"org,omitempty"`
	Path        string            `json:"path,omitempty" yaml:"path,omitempty"`
	Labels      map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// Node is a unit of schedulable work.
//
// # Description
//
// Dependencies lists the nodes that must complete before this one may run,
// in insertion order without duplicates. Dependents is the inverse relation
// and is maintained by the Store; values supplied by callers are ignored.
type Node struct {
	ID              string   `json:"id" yaml:"id"`
	Type            NodeType `json:"type" yaml:"type"`
	Dependencies    []string `json:"dependencies" yaml:"dependencies"`
	Dependents      []string `json:"dependents" yaml:"dependents"`
	Priority        int      `json:"priority" yaml:"priority"`
	Status          Status   `json:"status" yaml:"status"`
	ComplianceScore float64  `json:"complianceScore" yaml:"complianceScore"`
	Metadata        Metadata `json:"metadata" yaml:"metadata"`

	// Strategies names the strategies to try, in order. Empty means the
	// defaults for the node's type.
	Strategies []string `json:"strategies,omitempty" yaml:"strategies,omitempty"`

	// Payload is opaque input handed to strategies.
	Payload any `json:"payload,omitempty" yaml:"payload,omitempty"`
}

// Clone returns a deep copy of the node's bookkeeping. Payload is shared.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	c.Dependencies = append([]string(nil), n.Dependencies...)
	c.Dependents = append([]string(nil), n.Dependents...)
	if n.Strategies != nil {
		c.Strategies = append([]string(nil), n.Strategies...)
	}
	if n.Metadata.StartedAt != nil {
		t := *n.Metadata.StartedAt
		c.Metadata.StartedAt = &t
	}
	if n.Metadata.CompletedAt != nil {
		t := *n.Metadata.CompletedAt
		c.Metadata.CompletedAt = &t
	}
	if n.Metadata.Labels != nil {
		c.Metadata.Labels = make(map[string]string, len(n.Metadata.Labels))
		for k, v := range n.Metadata.Labels {
			c.Metadata.Labels[k] = v
		}
	}
	return &c
}

// Edge connects two nodes. Target depends on Source.
type Edge struct {
	ID       string   `json:"id" yaml:"id"`
	Source   string   `json:"source" yaml:"source"`
	Target   string   `json:"target" yaml:"target"`
	Type     EdgeType `json:"type" yaml:"type"`
	Strength float64  `json:"strength" yaml:"strength"`
	Critical bool     `json:"critical" yaml:"critical"`
}

// EdgeID is the identifier assigned to an edge created without one.
func EdgeID(source, target string) string {
	return source + "->" + target
}

type edgeKey struct {
	source string
	target string
}
