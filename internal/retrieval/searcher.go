// Package retrieval exposes the knowledge-lookup collaborator: a single
// "retrieve relevant passages" capability backed by vector search.
package retrieval

import (
	"context"
	"errors"

	"github.com/sashabaranov/go-openai"
)

// Passage is one ranked retrieval hit.
type Passage struct {
	ID      string  `json:"id"`
	Content string  `json:"content"`
	Source  string  `json:"source,omitempty"`
	Score   float64 `json:"score"`
}

// Searcher retrieves ranked passages for a query. Filters narrow the
// search scope (tenant, school).
type Searcher interface {
	Search(ctx context.Context, query string, topK int, filters map[string]string) ([]Passage, error)
}

// Embedder produces a vector embedding for a query string.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// OpenAIEmbedder embeds queries through the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client *openai.Client
	model  openai.EmbeddingModel
}

// NewOpenAIEmbedder creates an embedder for the given model name.
func NewOpenAIEmbedder(apiKey, model string) *OpenAIEmbedder {
	return &OpenAIEmbedder{
		client: openai.NewClient(apiKey),
		model:  openai.EmbeddingModel(model),
	}
}

// Embed returns the embedding vector for text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: e.model,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("embedding response contained no data")
	}
	return resp.Data[0].Embedding, nil
}
