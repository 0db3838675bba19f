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
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func runListSnapshots(cmd *cobra.Command, _ []string) error {
	s, err := openSnapshots(cfg, appLogger.Slog())
	if err != nil {
		return err
	}
	defer s.Close()

	infos, err := s.snapshots.List(cmd.Context(), listLimit)
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no snapshots")
		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSAVED\tNODES\tEDGES\tCOMPLETED\tFAILED\tBYTES")
	for _, in := range infos {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
			in.ID, in.SavedAt.Format(time.RFC3339), in.Nodes, in.Edges, in.Completed, in.Failed, in.SizeBytes)
	}
	return tw.Flush()
}

func runPruneSnapshots(cmd *cobra.Command, _ []string) error {
	keep := pruneKeep
	if keep < 0 {
		keep = cfg.Storage.Keep
	}
	if keep <= 0 {
		return fmt.Errorf("refusing to prune with keep=%d", keep)
	}

	s, err := openSnapshots(cfg, appLogger.Slog())
	if err != nil {
		return err
	}
	defer s.Close()

	n, err := s.snapshots.Prune(cmd.Context(), keep)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "pruned %d snapshot(s), kept %d\n", n, keep)
	return nil
}
