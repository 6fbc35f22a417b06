package retrieval

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Compile-time check that SQLiteStore implements VectorStore.
var _ VectorStore = (*SQLiteStore)(nil)

// SQLiteStore persists embedding vectors in SQLite, one table for message
// vectors and one for document chunk vectors. Vectors are encoded as
// little-endian float32 blobs. Scoped loads are full-table reads of the
// matching rows; ranking happens in memory (brute force is fine at the
// volumes a single user's conversations produce).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an existing *sql.DB for vector operations.
// The message_vectors and chunk_vectors tables must already exist
// (created via migrations).
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// InsertMessageVector stores the embedding of one conversation message.
func (s *SQLiteStore) InsertMessageVector(ctx context.Context, rec Record) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	var projectID interface{}
	if rec.ProjectID != 0 {
		projectID = rec.ProjectID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message_vectors (id, message_id, chat_id, project_id, text_chunk, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.MessageID, rec.ChatID, projectID, rec.Text,
		encodeFloat32s(rec.Embedding), createdAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting message vector %s: %w", rec.ID, err)
	}
	return nil
}

// InsertChunkVectors stores the embeddings of a document's chunks in one
// transaction, replacing any vectors already stored for the document so a
// retried processing job cannot leave duplicates. rec.MessageID is ignored;
// chunk order follows the slice.
func (s *SQLiteStore) InsertChunkVectors(ctx context.Context, documentID string, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM chunk_vectors WHERE document_id = ?`, documentID); err != nil {
		tx.Rollback()
		return fmt.Errorf("clearing previous chunk vectors for %s: %w", documentID, err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO chunk_vectors (id, document_id, project_id, chunk_index, text_chunk, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	for i, rec := range recs {
		createdAt := rec.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := stmt.Exec(rec.ID, documentID, rec.ProjectID, i, rec.Text,
			encodeFloat32s(rec.Embedding), createdAt.Format(time.RFC3339)); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting chunk vector %d of %s: %w", i, documentID, err)
		}
	}
	return tx.Commit()
}

// Load returns all records matching the scope. Project scope includes both
// message vectors across the project's chats and the project's document
// chunk vectors; chat scope covers only that chat's messages.
func (s *SQLiteStore) Load(ctx context.Context, scope Scope) ([]Record, error) {
	records, err := s.loadMessages(ctx, scope)
	if err != nil {
		return nil, err
	}

	if scope.ProjectID != 0 || scope.IsGlobal() {
		chunks, err := s.loadChunks(ctx, scope)
		if err != nil {
			return nil, err
		}
		records = append(records, chunks...)
	}
	return records, nil
}

func (s *SQLiteStore) loadMessages(ctx context.Context, scope Scope) ([]Record, error) {
	query := `SELECT id, message_id, chat_id, COALESCE(project_id, 0), text_chunk, embedding, created_at FROM message_vectors`
	var args []interface{}
	switch {
	case scope.ProjectID != 0:
		query += ` WHERE project_id = ?`
		args = append(args, scope.ProjectID)
	case scope.ChatID != 0:
		query += ` WHERE chat_id = ?`
		args = append(args, scope.ChatID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying message vectors: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var blob []byte
		var createdAt string
		if err := rows.Scan(&r.ID, &r.MessageID, &r.ChatID, &r.ProjectID, &r.Text, &blob, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message vector: %w", err)
		}
		if r.Embedding, err = decodeFloat32s(blob); err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", r.ID, err)
		}
		if r.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for %s: %w", r.ID, err)
		}
		r.SourceType = SourceMessage
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) loadChunks(ctx context.Context, scope Scope) ([]Record, error) {
	query := `SELECT id, project_id, text_chunk, embedding, created_at FROM chunk_vectors`
	var args []interface{}
	if scope.ProjectID != 0 {
		query += ` WHERE project_id = ?`
		args = append(args, scope.ProjectID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying chunk vectors: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var blob []byte
		var createdAt string
		if err := rows.Scan(&r.ID, &r.ProjectID, &r.Text, &blob, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning chunk vector: %w", err)
		}
		if r.Embedding, err = decodeFloat32s(blob); err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", r.ID, err)
		}
		if r.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for %s: %w", r.ID, err)
		}
		r.SourceType = SourceChunk
		records = append(records, r)
	}
	return records, rows.Err()
}

// Count returns the number of records matching the scope. Used by the
// status endpoint alongside the availability probe.
func (s *SQLiteStore) Count(ctx context.Context, scope Scope) (int, error) {
	var msgCount int
	query := `SELECT COUNT(*) FROM message_vectors`
	var args []interface{}
	switch {
	case scope.ProjectID != 0:
		query += ` WHERE project_id = ?`
		args = append(args, scope.ProjectID)
	case scope.ChatID != 0:
		query += ` WHERE chat_id = ?`
		args = append(args, scope.ChatID)
	}
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&msgCount); err != nil {
		return 0, err
	}

	if scope.ChatID != 0 && scope.ProjectID == 0 {
		return msgCount, nil
	}

	var chunkCount int
	query = `SELECT COUNT(*) FROM chunk_vectors`
	args = nil
	if scope.ProjectID != 0 {
		query += ` WHERE project_id = ?`
		args = append(args, scope.ProjectID)
	}
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&chunkCount); err != nil {
		return 0, err
	}
	return msgCount + chunkCount, nil
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
// Returns an error if the byte slice length is not a multiple of 4 (indicates data corruption).
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	v := make([]float32, n)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
