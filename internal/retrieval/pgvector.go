package retrieval

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/classpilot/agent-platform/pkg/logger"
)

// PgvectorSearcher performs cosine-distance search over the passages
// table in PostgreSQL with the pgvector extension.
type PgvectorSearcher struct {
	pool     *pgxpool.Pool
	embedder Embedder
	logger   *logger.Logger
}

// NewPgvectorSearcher creates a searcher over an existing pool.
func NewPgvectorSearcher(pool *pgxpool.Pool, embedder Embedder, log *logger.Logger) *PgvectorSearcher {
	return &PgvectorSearcher{pool: pool, embedder: embedder, logger: log}
}

// Search embeds the query and returns the topK nearest passages.
func (s *PgvectorSearcher) Search(ctx context.Context, query string, topK int, filters map[string]string) ([]Passage, error) {
	if topK <= 0 {
		topK = 5
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	sql := `SELECT id, content, source, 1 - (embedding <=> $1) AS score
		FROM passages
		WHERE tenant_id = $2`
	args := []any{pgvector.NewVector(vec), filters["tenant_id"]}

	if school := filters["school_id"]; school != "" {
		sql += fmt.Sprintf(" AND school_id = $%d", len(args)+1)
		args = append(args, school)
	}
	sql += fmt.Sprintf(" ORDER BY embedding <=> $1 LIMIT $%d", len(args)+1)
	args = append(args, topK)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var passages []Passage
	for rows.Next() {
		var p Passage
		if err := rows.Scan(&p.ID, &p.Content, &p.Source, &p.Score); err != nil {
			return nil, fmt.Errorf("scan passage: %w", err)
		}
		passages = append(passages, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	s.logger.Debug("retrieval search complete", "query_len", len(query), "hits", len(passages))
	return passages, nil
}
