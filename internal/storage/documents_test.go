package storage

import (
	"errors"
	"testing"
)

func createTestDocument(t *testing.T, s *Store, id string, projectID int64) Document {
	t.Helper()
	doc := Document{
		ID:        id,
		ProjectID: projectID,
		Filename:  "notes.txt",
		MimeType:  "text/plain",
	}
	if err := s.CreateDocument(doc); err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
	return doc
}

func TestDocumentRoundTrip(t *testing.T) {
	s := openTestStore(t)
	project, err := s.CreateProject("research")
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	createTestDocument(t, s, "doc-1", project.ID)

	got, err := s.GetDocument("doc-1")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if got.Filename != "notes.txt" {
		t.Errorf("Filename = %q, want %q", got.Filename, "notes.txt")
	}
	if got.Status != DocStatusProcessing {
		t.Errorf("Status = %q, want %q by default", got.Status, DocStatusProcessing)
	}
	if got.ProjectID != project.ID {
		t.Errorf("ProjectID = %d, want %d", got.ProjectID, project.ID)
	}
}

func TestGetDocument_NotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetDocument("ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestListProjectDocuments(t *testing.T) {
	s := openTestStore(t)
	projectA, err := s.CreateProject("a")
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	projectB, err := s.CreateProject("b")
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	createTestDocument(t, s, "doc-a1", projectA.ID)
	createTestDocument(t, s, "doc-a2", projectA.ID)
	createTestDocument(t, s, "doc-b1", projectB.ID)

	docs, err := s.ListProjectDocuments(projectA.ID)
	if err != nil {
		t.Fatalf("ListProjectDocuments: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("got %d documents, want 2", len(docs))
	}
	for _, d := range docs {
		if d.ProjectID != projectA.ID {
			t.Errorf("document %s in project %d, want %d", d.ID, d.ProjectID, projectA.ID)
		}
	}
}

func TestMarkDocumentReady(t *testing.T) {
	s := openTestStore(t)
	project, err := s.CreateProject("research")
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	createTestDocument(t, s, "doc-1", project.ID)

	if err := s.MarkDocumentReady("doc-1", 4); err != nil {
		t.Fatalf("MarkDocumentReady: %v", err)
	}
	got, err := s.GetDocument("doc-1")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if got.Status != DocStatusReady {
		t.Errorf("Status = %q, want %q", got.Status, DocStatusReady)
	}
	if got.ChunkCount != 4 {
		t.Errorf("ChunkCount = %d, want 4", got.ChunkCount)
	}
	if got.ErrorMessage != "" {
		t.Errorf("ErrorMessage = %q, want empty", got.ErrorMessage)
	}
}

func TestMarkDocumentError(t *testing.T) {
	s := openTestStore(t)
	project, err := s.CreateProject("research")
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	createTestDocument(t, s, "doc-1", project.ID)

	if err := s.MarkDocumentError("doc-1", "pdf extraction failed"); err != nil {
		t.Fatalf("MarkDocumentError: %v", err)
	}
	got, err := s.GetDocument("doc-1")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if got.Status != DocStatusError {
		t.Errorf("Status = %q, want %q", got.Status, DocStatusError)
	}
	if got.ErrorMessage != "pdf extraction failed" {
		t.Errorf("ErrorMessage = %q, want %q", got.ErrorMessage, "pdf extraction failed")
	}
}

func TestMarkDocument_Unknown(t *testing.T) {
	s := openTestStore(t)
	if err := s.MarkDocumentReady("ghost", 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkDocumentReady error = %v, want ErrNotFound", err)
	}
	if err := s.MarkDocumentError("ghost", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkDocumentError error = %v, want ErrNotFound", err)
	}
}

func TestDocumentChunksRoundTrip(t *testing.T) {
	s := openTestStore(t)
	project, err := s.CreateProject("research")
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	createTestDocument(t, s, "doc-1", project.ID)

	chunks := []DocumentChunk{
		{DocumentID: "doc-1", ProjectID: project.ID, ChunkIndex: 0, Content: "alpha"},
		{DocumentID: "doc-1", ProjectID: project.ID, ChunkIndex: 1, Content: "beta"},
		{DocumentID: "doc-1", ProjectID: project.ID, ChunkIndex: 2, Content: "gamma"},
	}
	if err := s.SaveDocumentChunks(chunks); err != nil {
		t.Fatalf("SaveDocumentChunks: %v", err)
	}

	got, err := s.GetDocumentChunks("doc-1")
	if err != nil {
		t.Fatalf("GetDocumentChunks: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d chunks, want 3", len(got))
	}
	for i, c := range got {
		if c.ChunkIndex != i {
			t.Errorf("chunk %d has index %d", i, c.ChunkIndex)
		}
		if c.Content != chunks[i].Content {
			t.Errorf("chunk %d content = %q, want %q", i, c.Content, chunks[i].Content)
		}
	}
}

func TestSaveDocumentChunks_Empty(t *testing.T) {
	s := openTestStore(t)
	if err := s.SaveDocumentChunks(nil); err != nil {
		t.Errorf("SaveDocumentChunks(nil) error: %v", err)
	}
}

func TestDeleteDocument_CascadesToChunks(t *testing.T) {
	s := openTestStore(t)
	project, err := s.CreateProject("research")
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	createTestDocument(t, s, "doc-1", project.ID)
	err = s.SaveDocumentChunks([]DocumentChunk{
		{DocumentID: "doc-1", ProjectID: project.ID, ChunkIndex: 0, Content: "alpha"},
	})
	if err != nil {
		t.Fatalf("SaveDocumentChunks: %v", err)
	}

	if err := s.DeleteDocument("doc-1"); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	got, err := s.GetDocumentChunks("doc-1")
	if err != nil {
		t.Fatalf("GetDocumentChunks: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("chunks after delete = %d, want 0", len(got))
	}
}
