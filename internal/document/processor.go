package document

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sandrev/loom/internal/embedding"
	"github.com/sandrev/loom/internal/retrieval"
	"github.com/sandrev/loom/internal/storage"
)

// DocStore is the subset of storage operations the processor needs.
type DocStore interface {
	GetDocument(id string) (storage.Document, error)
	GetDocumentChunks(documentID string) ([]storage.DocumentChunk, error)
	SaveDocumentChunks(chunks []storage.DocumentChunk) error
	MarkDocumentReady(id string, chunkCount int) error
	MarkDocumentError(id string, errMsg string) error
}

// ChunkEmbedder generates embeddings for chunk texts.
// Satisfied by *embedding.Service.
type ChunkEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string, hint embedding.TaskHint) ([][]float32, error)
}

// VectorInserter stores chunk vectors. Satisfied by *retrieval.SQLiteStore.
type VectorInserter interface {
	InsertChunkVectors(ctx context.Context, documentID string, recs []retrieval.Record) error
}

// Processor runs the document pipeline in two stages. Prepare chunks the
// extracted text and persists the chunks at upload time; Process embeds the
// persisted chunks and flips the document status, typically from a
// background job.
type Processor struct {
	store    DocStore
	embedder ChunkEmbedder
	vectors  VectorInserter
}

// NewProcessor creates a Processor with the given dependencies.
func NewProcessor(store DocStore, embedder ChunkEmbedder, vectors VectorInserter) *Processor {
	return &Processor{store: store, embedder: embedder, vectors: vectors}
}

// Prepare chunks fullText and persists the chunks for the given document,
// which must be in the processing state. A failure marks the document
// errored and is mirrored in the returned error.
func (p *Processor) Prepare(doc storage.Document, fullText string) error {
	if err := p.prepare(doc, fullText); err != nil {
		p.markError(doc.ID, err)
		return err
	}
	return nil
}

func (p *Processor) prepare(doc storage.Document, fullText string) error {
	texts := Chunk(fullText)
	if len(texts) == 0 {
		return fmt.Errorf("document %s has no extractable text", doc.ID)
	}

	chunks := make([]storage.DocumentChunk, len(texts))
	for i, text := range texts {
		chunks[i] = storage.DocumentChunk{
			DocumentID: doc.ID,
			ProjectID:  doc.ProjectID,
			ChunkIndex: i,
			Content:    text,
		}
	}
	if err := p.store.SaveDocumentChunks(chunks); err != nil {
		return fmt.Errorf("saving chunks: %w", err)
	}
	return nil
}

// Process embeds the persisted chunks of a prepared document, stores the
// vectors, and marks the document ready. Any failure marks it errored with
// a message; the returned error mirrors what was recorded.
func (p *Processor) Process(ctx context.Context, documentID string) error {
	if err := p.process(ctx, documentID); err != nil {
		p.markError(documentID, err)
		return err
	}
	return nil
}

func (p *Processor) process(ctx context.Context, documentID string) error {
	doc, err := p.store.GetDocument(documentID)
	if err != nil {
		return fmt.Errorf("loading document %s: %w", documentID, err)
	}

	chunks, err := p.store.GetDocumentChunks(documentID)
	if err != nil {
		return fmt.Errorf("loading chunks: %w", err)
	}
	if len(chunks) == 0 {
		return fmt.Errorf("document %s has no chunks", documentID)
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}

	vecs, err := p.embedder.EmbedBatch(ctx, texts, embedding.TaskDocument)
	if err != nil {
		return fmt.Errorf("embedding chunks: %w", err)
	}

	recs := make([]retrieval.Record, len(chunks))
	now := time.Now().UTC()
	for i, c := range chunks {
		recs[i] = retrieval.Record{
			ID:        uuid.New().String(),
			ProjectID: doc.ProjectID,
			Text:      c.Content,
			Embedding: vecs[i],
			CreatedAt: now,
		}
	}
	if err := p.vectors.InsertChunkVectors(ctx, doc.ID, recs); err != nil {
		return fmt.Errorf("inserting chunk vectors: %w", err)
	}

	if err := p.store.MarkDocumentReady(doc.ID, len(chunks)); err != nil {
		return fmt.Errorf("marking document ready: %w", err)
	}

	slog.Debug("document processed", "document_id", doc.ID, "chunks", len(chunks))
	return nil
}

func (p *Processor) markError(documentID string, cause error) {
	if err := p.store.MarkDocumentError(documentID, cause.Error()); err != nil {
		slog.Error("failed to mark document as errored", "document_id", documentID, "error", err)
	}
}
