package retrieval

import (
	"context"
	"fmt"

	"github.com/sandrev/loom/internal/embedding"
)

// Defaults applied when RecallOptions fields are zero.
const (
	DefaultTopK          = 5
	DefaultMinSimilarity = 0.7
)

// QueryEmbedder generates the query vector. Satisfied by *embedding.Service.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string, hint embedding.TaskHint) ([]float32, error)
}

// RecallOptions tune a semantic recall pass.
type RecallOptions struct {
	TopK          int
	MinSimilarity float64
	// Exclude holds message ids already present in the caller's raw window;
	// their vectors are never returned to avoid duplicate context.
	Exclude map[int64]bool
}

// Retriever combines query embedding and scoped vector search.
type Retriever struct {
	embedder QueryEmbedder
	store    VectorStore
}

// NewRetriever creates a Retriever backed by the given embedder and store.
func NewRetriever(embedder QueryEmbedder, store VectorStore) *Retriever {
	return &Retriever{embedder: embedder, store: store}
}

// Recall embeds the query text and returns the top-K most similar stored
// snippets within scope. Embedding failure propagates (callers decide
// whether recall is optional); store or ranking never calls out again.
func (r *Retriever) Recall(ctx context.Context, query string, scope Scope, opts RecallOptions) ([]Result, error) {
	if opts.TopK == 0 {
		opts.TopK = DefaultTopK
	}
	if opts.MinSimilarity == 0 {
		opts.MinSimilarity = DefaultMinSimilarity
	}

	vec, err := r.embedder.Embed(ctx, query, embedding.TaskQuery)
	if err != nil {
		return nil, err
	}

	records, err := r.store.Load(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("loading scope vectors: %w", err)
	}

	return Search(records, vec, opts.TopK, opts.MinSimilarity, opts.Exclude), nil
}
