package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sandrev/loom/internal/document"
	"github.com/sandrev/loom/internal/extract"
	"github.com/sandrev/loom/internal/ingest"
	"github.com/sandrev/loom/internal/storage"
)

const maxUploadSize = 10 << 20 // 10MB

// handleUploadDocument accepts a multipart upload, extracts text, persists
// the chunks, and queues the embedding work. The response reports the
// document as processing; polling the document shows when it turns ready.
func handleUploadDocument(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, ok := pathID(w, r)
		if !ok {
			return
		}
		if _, err := deps.Store.GetProject(projectID); errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "project not found")
			return
		} else if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to check project: %v", err)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
		file, header, err := r.FormFile("file")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "missing file field: %v", err)
			return
		}
		defer file.Close()

		content, err := io.ReadAll(file)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "failed to read upload: %v", err)
			return
		}

		text, err := extract.Text(content, header.Filename)
		if err != nil {
			httpError(w, http.StatusUnprocessableEntity, "invalid_request_error", "failed to extract text: %v", err)
			return
		}

		doc := storage.Document{
			ID:        uuid.New().String(),
			ProjectID: projectID,
			Filename:  header.Filename,
			MimeType:  header.Header.Get("Content-Type"),
			Status:    storage.DocStatusProcessing,
			CreatedAt: time.Now().UTC(),
		}
		if err := deps.Store.CreateDocument(doc); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save document: %v", err)
			return
		}

		if err := deps.Documents.Prepare(doc, text); err != nil {
			httpError(w, http.StatusUnprocessableEntity, "invalid_request_error", "failed to chunk document: %v", err)
			return
		}

		payload, err := json.Marshal(ingest.ProcessDocumentPayload{DocumentID: doc.ID})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to create job payload: %v", err)
			return
		}
		job := storage.Job{
			ID:          uuid.New().String(),
			Type:        ingest.JobProcessDocument,
			PayloadJSON: string(payload),
		}
		if err := deps.Store.EnqueueJob(job); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue job: %v", err)
			return
		}

		writeJSON(w, http.StatusAccepted, documentResponse(doc))
	}
}

func handleListDocuments(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, ok := pathID(w, r)
		if !ok {
			return
		}
		docs, err := deps.Store.ListProjectDocuments(projectID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list documents: %v", err)
			return
		}

		resp := make([]map[string]any, len(docs))
		for i, d := range docs {
			resp[i] = documentResponse(d)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleGetDocument(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		doc, err := deps.Store.GetDocument(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get document: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, documentResponse(doc))
	}
}

func handleDeleteDocument(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		err := deps.Store.DeleteDocument(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete document: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

// handleDocumentContent rebuilds the original text from the stored chunks.
func handleDocumentContent(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		doc, err := deps.Store.GetDocument(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get document: %v", err)
			return
		}

		chunks, err := deps.Store.GetDocumentChunks(id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get chunks: %v", err)
			return
		}

		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Content
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"id":       doc.ID,
			"filename": doc.Filename,
			"content":  document.Reconstruct(texts),
		})
	}
}

func documentResponse(d storage.Document) map[string]any {
	resp := map[string]any{
		"id":          d.ID,
		"project_id":  d.ProjectID,
		"filename":    d.Filename,
		"mime_type":   d.MimeType,
		"status":      d.Status,
		"chunk_count": d.ChunkCount,
		"created_at":  d.CreatedAt,
	}
	if d.ErrorMessage != "" {
		resp["error"] = d.ErrorMessage
	}
	return resp
}
