package tool

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Mutation keywords rejected anywhere in query-like input. Matching is
// word-bounded so column names like "updated_at" pass.
var mutationKeywords = []string{
	"insert", "update", "delete", "drop", "alter", "create",
	"truncate", "grant", "revoke", "merge", "exec", "execute",
	"copy", "vacuum", "call", "do",
}

var mutationPatterns = func() []*regexp.Regexp {
	patterns := make([]*regexp.Regexp, len(mutationKeywords))
	for i, kw := range mutationKeywords {
		patterns[i] = regexp.MustCompile(`(?i)\b` + kw + `\b`)
	}
	return patterns
}()

// GuardReadOnlyQuery rejects query input that is not a single read-only
// statement. This is a hard precondition for query-like tools, applied
// before the approval gate.
func GuardReadOnlyQuery(query string) error {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return errors.New("empty query")
	}

	// Strip a single trailing semicolon, then reject multi-statement input.
	trimmed = strings.TrimSuffix(trimmed, ";")
	if strings.Contains(trimmed, ";") {
		return errors.New("multiple statements are not allowed")
	}

	lower := strings.ToLower(trimmed)
	if !strings.HasPrefix(lower, "select") && !strings.HasPrefix(lower, "with") {
		return errors.New("only SELECT queries are allowed")
	}

	for i, pattern := range mutationPatterns {
		if pattern.MatchString(trimmed) {
			return fmt.Errorf("mutation keyword %q is not allowed", mutationKeywords[i])
		}
	}

	return nil
}
