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
	"github.com/AleutianAI/dagheal/services/scheduler/graph"
)

// Default builds a registry holding Echo and, when chat is non-nil, Chat.
//
// Every node type defaults to echo. Agent and semantic-unit nodes try
// chat first when it is available.
func Default(chat *Chat) *Registry {
	r := NewRegistry()
	_ = r.Register(Echo{})
	r.SetFallback(EchoName)

	if chat != nil {
		_ = r.Register(chat)
		r.SetDefaults(graph.NodeTypeAgent, ChatName, EchoName)
		r.SetDefaults(graph.NodeTypeSemanticUnit, ChatName, EchoName)
	}
	return r
}
