// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package builder

import (
	"path"
	"strings"

	"github.com/AleutianAI/dagheal/services/scheduler/graph"
)

// Rule labels a node spec whose fields match.
type Rule struct {
	Label graph.NodeType
	Match func(NodeSpec) bool
}

// Rules is an ordered rule table. The first matching rule wins.
type Rules []Rule

// Infer returns the label of the first matching rule, or fallback.
func (r Rules) Infer(spec NodeSpec, fallback graph.NodeType) graph.NodeType {
	for _, rule := range r {
		if rule.Match(spec) {
			return rule.Label
		}
	}
	return fallback
}

func pathContains(subs ...string) func(NodeSpec) bool {
	return func(s NodeSpec) bool {
		p := strings.ToLower(s.Path)
		for _, sub := range subs {
			if strings.Contains(p, sub) {
				return true
			}
		}
		return false
	}
}

func idHasPrefix(prefixes ...string) func(NodeSpec) bool {
	return func(s NodeSpec) bool {
		id := strings.ToLower(s.ID)
		for _, p := range prefixes {
			if strings.HasPrefix(id, p) {
				return true
			}
		}
		return false
	}
}

func anyOf(preds ...func(NodeSpec) bool) func(NodeSpec) bool {
	return func(s NodeSpec) bool {
		for _, p := range preds {
			if p(s) {
				return true
			}
		}
		return false
	}
}

// DefaultRules classifies nodes by path and id conventions.
//
// Order matters: a workflow file is a pipeline, not a file.
var DefaultRules = Rules{
	{graph.NodeTypePipeline, anyOf(
		pathContains(".github/workflows/", ".gitlab-ci", "jenkinsfile", "pipeline"),
		idHasPrefix("pipeline:", "ci:"),
	)},
	{graph.NodeTypeDeployment, anyOf(
		pathContains("deploy", "helm/", "k8s/", "kustomize"),
		idHasPrefix("deploy:"),
	)},
	{graph.NodeTypeAgent, anyOf(pathContains("agent"), idHasPrefix("agent:"))},
	{graph.NodeTypeCluster, anyOf(pathContains("cluster"), idHasPrefix("cluster:"))},
	{graph.NodeTypeSemanticUnit, func(s NodeSpec) bool {
		return strings.Contains(s.Path, "#") || strings.Contains(s.Path, "::")
	}},
	{graph.NodeTypeFile, func(s NodeSpec) bool {
		return s.Path != "" && path.Ext(s.Path) != ""
	}},
}
