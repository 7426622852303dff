// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command nova runs the task-workspace agent.
//
// Usage:
//
//	nova serve              # start the HTTP orchestrator
//	nova run --goal "..."   # run one agent session from the terminal
//	nova sync               # re-index the workspace into the vector store
//	nova usage              # show the current-period quota ledger
//
// Configuration lives at ~/.nova/nova.yaml and is generated on first run.
// OPENAI_API_KEY (or the key named by llm.api_key_env) enables the real
// reasoning model and embeddings; without it, serve and run refuse to
// start and sync falls back to deterministic local embeddings.
package main

import (
	"log"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}
