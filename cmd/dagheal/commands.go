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
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/dagheal/pkg/logging"
	"github.com/AleutianAI/dagheal/services/scheduler/config"
)

var (
	// Loaded by rootCmd's PersistentPreRunE.
	cfg       config.Config
	appLogger *logging.Logger

	configPath string
	logLevel   string

	rootCmd = &cobra.Command{
		Use:   "dagheal",
		Short: "A resilient DAG execution scheduler",
		Long: `dagheal executes a dependency graph of nodes with multi-path strategies,
iterative validation and a fallback hierarchy, repairing cycles and
degrading gracefully instead of stopping at the first failure.`,
		SilenceUsage:      true,
		PersistentPreRunE: loadConfig,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler with its HTTP API until interrupted",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Execute a manifest to completion and exit",
		Long:  `Loads the manifest, runs every node and exits non-zero if any node failed.`,
		Args:  cobra.NoArgs,
		RunE:  runRun,
	}
	manifestPath string
	watch        bool
	debounce     time.Duration

	validateCmd = &cobra.Command{
		Use:   "validate [manifest]",
		Short: "Parse a manifest and report the plan it builds",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate,
	}

	exportCmd = &cobra.Command{
		Use:   "export",
		Short: "Export a graph document from a manifest or the latest snapshot",
		Args:  cobra.NoArgs,
		RunE:  runExport,
	}
	exportFormat       string
	exportFromSnapshot bool

	snapshotsCmd = &cobra.Command{
		Use:   "snapshots",
		Short: "Inspect and prune stored graph snapshots",
	}
	listSnapshotsCmd = &cobra.Command{
		Use:   "list",
		Short: "List snapshots, newest first",
		Args:  cobra.NoArgs,
		RunE:  runListSnapshots,
	}
	listLimit         int
	pruneSnapshotsCmd = &cobra.Command{
		Use:   "prune",
		Short: "Delete all but the newest snapshots",
		Args:  cobra.NoArgs,
		RunE:  runPruneSnapshots,
	}
	pruneKeep int
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML or JSON config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override logging.level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&manifestPath, "manifest", "m", "", "Manifest to load before serving")
	serveCmd.Flags().BoolVarP(&watch, "watch", "w", false, "Reload the manifest when it changes")
	serveCmd.Flags().DurationVar(&debounce, "debounce", 0, "Coalesce manifest writes within this window")

	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&manifestPath, "manifest", "m", "", "Manifest to execute")

	rootCmd.AddCommand(validateCmd)

	rootCmd.AddCommand(exportCmd)
	exportCmd.Flags().StringVarP(&manifestPath, "manifest", "m", "", "Manifest to build the graph from")
	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "json", "Output format (json, yaml)")
	exportCmd.Flags().BoolVar(&exportFromSnapshot, "from-snapshot", false, "Export the latest stored snapshot instead of a manifest")

	rootCmd.AddCommand(snapshotsCmd)
	snapshotsCmd.AddCommand(listSnapshotsCmd)
	listSnapshotsCmd.Flags().IntVar(&listLimit, "limit", 20, "Maximum snapshots to list; 0 lists all")
	snapshotsCmd.AddCommand(pruneSnapshotsCmd)
	pruneSnapshotsCmd.Flags().IntVar(&pruneKeep, "keep", -1, "Snapshots to keep; defaults to storage.keep")
}

// loadConfig reads configuration and builds the process logger.
func loadConfig(cmd *cobra.Command, _ []string) error {
	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		loaded.Logging.Level = logLevel
	}
	cfg = loaded

	if appLogger != nil {
		_ = appLogger.Close()
	}
	appLogger, err = newLogger(cfg, cmd)
	if err != nil {
		return err
	}
	slog.SetDefault(appLogger.Slog())
	return nil
}

func newLogger(c config.Config, cmd *cobra.Command) (*logging.Logger, error) {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logging.level: %w", err)
	}
	return logging.New(logging.Config{
		Level:   level,
		Service: c.Telemetry.ServiceName,
		LogDir:  c.Logging.Dir,
		JSON:    c.Logging.JSON,
		Output:  cmd.ErrOrStderr(),
	}), nil
}
