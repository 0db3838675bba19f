// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/dagheal/services/scheduler/builder"
	"github.com/AleutianAI/dagheal/services/scheduler/graph"
)

// ErrUnknownFormat is returned for an unsupported --format.
var ErrUnknownFormat = errors.New("unknown format")

func manifestBuilder() *builder.Builder {
	return builder.New(builder.Options{
		AutoRepairCycles: cfg.Graph.AutoRepairCycles,
		Logger:           appLogger.Slog(),
	})
}

// runValidate builds a manifest without executing it.
func runValidate(cmd *cobra.Command, args []string) error {
	m, err := builder.LoadManifest(args[0])
	if err != nil {
		return err
	}
	plan, err := manifestBuilder().Build(m)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "manifest %s is valid\n", args[0])
	fmt.Fprintf(out, "  nodes: %d\n", len(plan.Nodes))
	fmt.Fprintf(out, "  edges: %d\n", len(plan.Edges))
	for _, e := range plan.Removed {
		fmt.Fprintf(out, "  removed cycle edge: %s -> %s\n", e.Source, e.Target)
	}
	ids := make([]string, 0, len(plan.Inferred))
	for id := range plan.Inferred {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(out, "  inferred type: %s = %s\n", id, plan.Inferred[id])
	}
	fmt.Fprintln(out, "  order:")
	for i, n := range plan.Nodes {
		fmt.Fprintf(out, "    %d. %s (%s)\n", i+1, n.ID, n.Type)
	}
	return nil
}

// runExport writes a graph document built from a manifest or loaded from
// the latest snapshot.
func runExport(cmd *cobra.Command, _ []string) error {
	if exportFormat != "json" && exportFormat != "yaml" {
		return fmt.Errorf("%w: %q (want json or yaml)", ErrUnknownFormat, exportFormat)
	}

	var doc *graph.Document
	switch {
	case exportFromSnapshot:
		s, err := openSnapshots(cfg, appLogger.Slog())
		if err != nil {
			return err
		}
		defer s.Close()
		d, _, err := s.snapshots.Latest(cmd.Context())
		if err != nil {
			return err
		}
		doc = d
	case manifestPath != "":
		store := graph.NewStore(appLogger.Slog())
		if _, _, err := manifestBuilder().LoadFile(manifestPath, store); err != nil {
			return err
		}
		doc = store.Export()
	default:
		return errors.New("export needs --manifest or --from-snapshot")
	}

	out := cmd.OutOrStdout()
	if exportFormat == "yaml" {
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(doc)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}
