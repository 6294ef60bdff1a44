// Package builtin registers the platform's built-in tools.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/classpilot/agent-platform/internal/model"
	"github.com/classpilot/agent-platform/internal/retrieval"
	"github.com/classpilot/agent-platform/internal/tool"
)

type knowledgeSearchInput struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k,omitempty"`
}

// KnowledgeSearch builds the knowledge-lookup tool over the retrieval
// collaborator.
func KnowledgeSearch(searcher retrieval.Searcher) tool.Definition {
	return tool.Definition{
		Name:        "knowledge_search",
		Description: "Search the school knowledge base for passages relevant to a question.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "minLength": 1, "maxLength": 1000},
				"top_k": {"type": "integer", "minimum": 1, "maximum": 20}
			},
			"required": ["query"],
			"additionalProperties": false
		}`),
		Execute: func(ctx context.Context, input json.RawMessage, convCtx model.ConversationContext) (any, error) {
			var in knowledgeSearchInput
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, err
			}
			filters := map[string]string{"tenant_id": convCtx.TenantID}
			if convCtx.SchoolID != "" {
				filters["school_id"] = convCtx.SchoolID
			}
			return searcher.Search(ctx, in.Query, in.TopK, filters)
		},
		OutputFormatter: func(input json.RawMessage, output any) string {
			passages, ok := output.([]retrieval.Passage)
			if !ok || len(passages) == 0 {
				return "No relevant passages found."
			}
			var b strings.Builder
			for i, p := range passages {
				fmt.Fprintf(&b, "[%d] %s\n", i+1, p.Content)
			}
			return b.String()
		},
	}
}
