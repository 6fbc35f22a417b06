package retrieval

import (
	"context"
	"time"
)

// Source types for stored vectors.
const (
	SourceMessage = "message"
	SourceChunk   = "chunk"
)

// Scope selects which stored vectors a search runs over. A non-zero
// ProjectID wins over ChatID so that retrieval spans every conversation
// (and document) in a project; a zero-value Scope means global.
type Scope struct {
	ChatID    int64
	ProjectID int64
}

// IsGlobal reports whether the scope covers all stored vectors.
func (s Scope) IsGlobal() bool {
	return s.ChatID == 0 && s.ProjectID == 0
}

// Record is one stored embedding with its source text. Records are
// append-only: created once per message or document chunk, never updated,
// deleted only by cascade when the owner is deleted.
type Record struct {
	ID         string
	SourceType string // SourceMessage or SourceChunk
	MessageID  int64  // owning message id; 0 for document chunks
	ChatID     int64  // 0 for document chunks
	ProjectID  int64  // 0 for messages in standalone chats
	Text       string
	Embedding  []float32
	CreatedAt  time.Time
}

// VectorStore persists embedding records and loads them by scope.
// The SQLite implementation keeps all vectors resident per query; search
// itself is a pure in-memory pass (see Search).
type VectorStore interface {
	// InsertMessageVector stores the embedding of one conversation message.
	InsertMessageVector(ctx context.Context, rec Record) error

	// InsertChunkVectors stores the embeddings of a document's chunks.
	InsertChunkVectors(ctx context.Context, documentID string, recs []Record) error

	// Load returns all records matching the scope.
	Load(ctx context.Context, scope Scope) ([]Record, error)

	// Count returns the number of records matching the scope.
	Count(ctx context.Context, scope Scope) (int, error)
}
