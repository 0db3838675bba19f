// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package builder turns a YAML manifest into graph nodes and edges.
//
// Missing node types are inferred with an ordered rule table. After the
// graph is assembled the cycle policy is applied: cycles are either
// repaired by removing edges (logged) or rejected.
package builder

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrInvalidManifest wraps every manifest parse or validation failure.
var ErrInvalidManifest = errors.New("invalid manifest")

// ManifestVersion is the only supported manifest version.
const ManifestVersion = 1

// Manifest is the on-disk description of a workload graph.
type Manifest struct {
	Version int        `yaml:"version" json:"version" validate:"omitempty,eq=1"`
	Nodes   []NodeSpec `yaml:"nodes" json:"nodes" validate:"required,min=1,dive"`
	Edges   []EdgeSpec `yaml:"edges" json:"edges" validate:"dive"`
}

// NodeSpec declares one node.
type NodeSpec struct {
	ID         string            `yaml:"id" json:"id" validate:"required"`
	Type       string            `yaml:"type" json:"type"`
	Path       string            `yaml:"path" json:"path"`
	Org        string            `yaml:"org" json:"org"`
	Priority   int               `yaml:"priority" json:"priority"`
	Compliance float64           `yaml:"compliance" json:"compliance" validate:"gte=0,lte=100"`
	DependsOn  []string          `yaml:"depends_on" json:"depends_on" validate:"dive,required"`
	Strategies []string          `yaml:"strategies" json:"strategies" validate:"dive,required"`
	Labels     map[string]string `yaml:"labels" json:"labels"`
	Payload    map[string]any    `yaml:"payload" json:"payload"`
}

// EdgeSpec declares an explicit edge. Target depends on Source.
type EdgeSpec struct {
	Source   string  `yaml:"source" json:"source" validate:"required"`
	Target   string  `yaml:"target" json:"target" validate:"required,nefield=Source"`
	Type     string  `yaml:"type" json:"type" validate:"omitempty,oneof=dependency data control"`
	Strength float64 `yaml:"strength" json:"strength" validate:"gte=0,lte=1"`
	Critical bool    `yaml:"critical" json:"critical"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ParseManifest decodes and validates a manifest.
//
// Unknown fields are rejected so typos surface early. Node ids must be
// unique.
func ParseManifest(data []byte) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrInvalidManifest)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadManifest reads and parses the manifest at path.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(data)
}

// Validate checks struct tags and id uniqueness.
func (m *Manifest) Validate() error {
	if err := validate.Struct(m); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidManifest, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	seen := make(map[string]struct{}, len(m.Nodes))
	for _, n := range m.Nodes {
		if _, dup := seen[n.ID]; dup {
			return fmt.Errorf("%w: duplicate node id %q", ErrInvalidManifest, n.ID)
		}
		seen[n.ID] = struct{}{}
	}
	return nil
}
