package retrieval

import (
	"context"
	"fmt"
	"strings"

	"reportforge/pkg/logx"
	"reportforge/pkg/templates"
)

// defaultTopK is how many chunks supplement the instructions.
const defaultTopK = 3

// Retriever embeds a query and assembles the matching chunks into an
// additional-context block for the agents.
type Retriever struct {
	embedder Embedder
	store    *Store
	renderer *templates.Renderer
	logger   *logx.Logger
	topK     int
}

// RetrieverOption configures a Retriever.
type RetrieverOption func(*Retriever)

// WithTopK sets how many chunks a query retrieves.
func WithTopK(k int) RetrieverOption {
	return func(r *Retriever) {
		if k > 0 {
			r.topK = k
		}
	}
}

// NewRetriever wires an embedder and chunk store together.
func NewRetriever(embedder Embedder, store *Store, renderer *templates.Renderer, opts ...RetrieverOption) *Retriever {
	r := &Retriever{
		embedder: embedder,
		store:    store,
		renderer: renderer,
		logger:   logx.NewLogger("retrieval"),
		topK:     defaultTopK,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ContextFor embeds the query, retrieves the nearest chunks, and renders
// them as a numbered additional-context block. When nothing is stored or
// nothing matches, it returns an empty string and the caller proceeds
// without extra context.
func (r *Retriever) ContextFor(ctx context.Context, query string) (string, error) {
	count, err := r.store.Count(ctx)
	if err != nil {
		return "", err
	}
	if count == 0 {
		return "", nil
	}

	vector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return "", fmt.Errorf("failed to embed query: %w", err)
	}

	matches, err := r.store.Search(ctx, vector, r.topK)
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", nil
	}

	var numbered strings.Builder
	for i, match := range matches {
		if i > 0 {
			numbered.WriteString("\n")
		}
		fmt.Fprintf(&numbered, "%d. %s", i+1, match.Chunk.Text)
	}

	block, err := r.renderer.Render(templates.AdditionalContextTemplate, &templates.TemplateData{
		Context: numbered.String(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to render context block: %w", err)
	}

	r.logger.Debug("retrieved %d context chunks for query of %d chars", len(matches), len(query))
	return block, nil
}
