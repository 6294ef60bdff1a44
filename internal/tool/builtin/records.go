package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/classpilot/agent-platform/internal/model"
	"github.com/classpilot/agent-platform/internal/tool"
)

type recordLookupInput struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

// RecordLookup builds a read-only database lookup tool. The gateway's
// query guard rejects anything but a single SELECT before the approval
// predicate runs; rows are capped server-side regardless of the query.
func RecordLookup(pool *pgxpool.Pool) tool.Definition {
	return tool.Definition{
		Name:        "record_lookup",
		Description: "Run a read-only SQL query against school records. Only SELECT statements are permitted.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "minLength": 1, "maxLength": 4000},
				"limit": {"type": "integer", "minimum": 1, "maximum": 100}
			},
			"required": ["query"],
			"additionalProperties": false
		}`),
		QueryInput: "query",
		NeedsApproval: func(input json.RawMessage) bool {
			// Queries touching guardian contact data require sign-off.
			var in recordLookupInput
			if err := json.Unmarshal(input, &in); err != nil {
				return true
			}
			lower := strings.ToLower(in.Query)
			return strings.Contains(lower, "guardians") || strings.Contains(lower, "contacts")
		},
		Execute: func(ctx context.Context, input json.RawMessage, convCtx model.ConversationContext) (any, error) {
			var in recordLookupInput
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, err
			}
			limit := in.Limit
			if limit <= 0 || limit > 100 {
				limit = 25
			}

			rows, err := pool.Query(ctx, fmt.Sprintf("SELECT * FROM (%s) AS q LIMIT %d", strings.TrimSuffix(strings.TrimSpace(in.Query), ";"), limit))
			if err != nil {
				return nil, fmt.Errorf("query failed: %w", err)
			}
			defer rows.Close()

			fields := rows.FieldDescriptions()
			columns := make([]string, len(fields))
			for i, f := range fields {
				columns[i] = string(f.Name)
			}

			var results []map[string]any
			for rows.Next() {
				values, err := rows.Values()
				if err != nil {
					return nil, err
				}
				record := make(map[string]any, len(columns))
				for i, col := range columns {
					record[col] = values[i]
				}
				results = append(results, record)
			}
			return results, rows.Err()
		},
		OutputFormatter: func(input json.RawMessage, output any) string {
			results, ok := output.([]map[string]any)
			if !ok || len(results) == 0 {
				return "No rows matched."
			}
			encoded, err := json.Marshal(results)
			if err != nil {
				return fmt.Sprintf("%d rows matched but could not be rendered", len(results))
			}
			return fmt.Sprintf("%d rows:\n%s", len(results), encoded)
		},
	}
}
