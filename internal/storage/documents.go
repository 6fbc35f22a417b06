package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// --- Documents ---

func (s *Store) CreateDocument(d Document) error {
	status := d.Status
	if status == "" {
		status = DocStatusProcessing
	}
	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO documents (id, project_id, filename, mime_type, status, chunk_count, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.ProjectID, d.Filename, d.MimeType, status, d.ChunkCount, d.ErrorMessage,
		createdAt.Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetDocument(id string) (Document, error) {
	var d Document
	var createdAt string
	err := s.db.QueryRow(`
		SELECT id, project_id, filename, mime_type, status, chunk_count, error_message, created_at
		FROM documents WHERE id = ?`, id,
	).Scan(&d.ID, &d.ProjectID, &d.Filename, &d.MimeType, &d.Status, &d.ChunkCount, &d.ErrorMessage, &createdAt)
	if err == sql.ErrNoRows {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	if d.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Document{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return d, nil
}

func (s *Store) ListProjectDocuments(projectID int64) ([]Document, error) {
	rows, err := s.db.Query(`
		SELECT id, project_id, filename, mime_type, status, chunk_count, error_message, created_at
		FROM documents WHERE project_id = ? ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Document
	for rows.Next() {
		var d Document
		var createdAt string
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.Filename, &d.MimeType, &d.Status, &d.ChunkCount, &d.ErrorMessage, &createdAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		d.CreatedAt = t
		results = append(results, d)
	}
	return results, rows.Err()
}

func (s *Store) DeleteDocument(id string) error {
	res, err := s.db.Exec(`DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkDocumentReady flips a document to ready and records its final chunk count.
func (s *Store) MarkDocumentReady(id string, chunkCount int) error {
	res, err := s.db.Exec(`UPDATE documents SET status = ?, chunk_count = ?, error_message = '' WHERE id = ?`,
		DocStatusReady, chunkCount, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkDocumentError flips a document to the error state with a message.
func (s *Store) MarkDocumentError(id string, errMsg string) error {
	res, err := s.db.Exec(`UPDATE documents SET status = ?, error_message = ? WHERE id = ?`,
		DocStatusError, errMsg, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Document chunks ---

// SaveDocumentChunks inserts all chunks of a document in one transaction.
func (s *Store) SaveDocumentChunks(chunks []DocumentChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning chunk transaction: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO document_chunks (document_id, project_id, chunk_index, content)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		if _, err := stmt.Exec(c.DocumentID, c.ProjectID, c.ChunkIndex, c.Content); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting chunk %d of %s: %w", c.ChunkIndex, c.DocumentID, err)
		}
	}
	return tx.Commit()
}

// GetDocumentChunks returns the chunks of a document ordered by chunk index.
func (s *Store) GetDocumentChunks(documentID string) ([]DocumentChunk, error) {
	rows, err := s.db.Query(`
		SELECT document_id, project_id, chunk_index, content
		FROM document_chunks WHERE document_id = ? ORDER BY chunk_index ASC`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []DocumentChunk
	for rows.Next() {
		var c DocumentChunk
		if err := rows.Scan(&c.DocumentID, &c.ProjectID, &c.ChunkIndex, &c.Content); err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}
