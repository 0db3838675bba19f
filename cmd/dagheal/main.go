// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command dagheal runs the self-healing DAG scheduler.
//
// Usage:
//
//	dagheal serve --config dagheal.yaml
//	dagheal serve --manifest plan.yaml --watch
//	dagheal run --manifest plan.yaml
//	dagheal validate plan.yaml
//	dagheal export --manifest plan.yaml --format yaml
//	dagheal snapshots list
//	dagheal snapshots prune --keep 5
//
// Example requests against serve:
//
//	# Health check
//	curl http://localhost:8080/v1/health
//
//	# Submit a node
//	curl -X POST http://localhost:8080/v1/nodes \
//	  -H "Content-Type: application/json" \
//	  -d '{"id": "lint", "type": "pipeline", "complianceScore": 90}'
//
//	# Stream completions
//	websocat 'ws://localhost:8080/v1/events?types=node.completed'
package main

import (
	"os"
)

func main() {
	err := rootCmd.Execute()
	if appLogger != nil {
		_ = appLogger.Close()
	}
	if err != nil {
		os.Exit(1)
	}
}
