// Package api exposes the HTTP surface and the MCP server. All state
// changes go through the storage and service layers; handlers only parse,
// dispatch, and shape responses.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sandrev/loom/internal/embedding"
	"github.com/sandrev/loom/internal/retrieval"
	"github.com/sandrev/loom/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// TurnRunner executes a conversation turn. Satisfied by *chat.Service.
type TurnRunner interface {
	Turn(ctx context.Context, chatID int64, userText string) (storage.Message, error)
}

// Prober reports embedding availability. Satisfied by *embedding.Service.
type Prober interface {
	Probe(ctx context.Context) embedding.Availability
}

// VectorCounter counts stored embeddings. Satisfied by *retrieval.SQLiteStore.
type VectorCounter interface {
	Count(ctx context.Context, scope retrieval.Scope) (int, error)
}

// DocumentPreparer chunks and persists extracted document text.
// Satisfied by *document.Processor.
type DocumentPreparer interface {
	Prepare(doc storage.Document, fullText string) error
}

// AppDeps holds everything the HTTP handlers need.
type AppDeps struct {
	Store     *storage.Store
	Chat      TurnRunner
	Embedder  Prober
	Vectors   VectorCounter
	Documents DocumentPreparer
	Token     string
}

// NewAppHandler builds the authenticated HTTP API.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/projects", handleCreateProject(deps))
		r.Get("/projects/{id}", handleGetProject(deps))
		r.Delete("/projects/{id}", handleDeleteProject(deps))
		r.Post("/projects/{id}/documents", handleUploadDocument(deps))
		r.Get("/projects/{id}/documents", handleListDocuments(deps))

		r.Post("/chats", handleCreateChat(deps))
		r.Get("/chats/{id}", handleGetChat(deps))
		r.Delete("/chats/{id}", handleDeleteChat(deps))
		r.Patch("/chats/{id}/system-prompt", handleSetSystemPrompt(deps))
		r.Post("/chats/{id}/messages", handlePostMessage(deps))

		r.Get("/documents/{id}", handleGetDocument(deps))
		r.Delete("/documents/{id}", handleDeleteDocument(deps))
		r.Get("/documents/{id}/content", handleDocumentContent(deps))

		r.Get("/embeddings/status", handleEmbeddingsStatus(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// --- Projects ---

func handleCreateProject(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Name == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "name is required")
			return
		}

		project, err := deps.Store.CreateProject(req.Name)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to create project: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, projectResponse(project))
	}
}

func handleGetProject(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		project, err := deps.Store.GetProject(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "project not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get project: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, projectResponse(project))
	}
}

func handleDeleteProject(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		err := deps.Store.DeleteProject(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "project not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete project: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

// --- Chats ---

func handleCreateChat(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req struct {
			ProjectID    int64  `json:"project_id"`
			Title        string `json:"title"`
			SystemPrompt string `json:"system_prompt"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		if req.ProjectID != 0 {
			if _, err := deps.Store.GetProject(req.ProjectID); errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "project %d not found", req.ProjectID)
				return
			} else if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to check project: %v", err)
				return
			}
		}

		chat, err := deps.Store.CreateChat(req.ProjectID, req.Title)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to create chat: %v", err)
			return
		}
		if req.SystemPrompt != "" {
			if err := deps.Store.UpdateChatSystemPrompt(chat.ID, req.SystemPrompt); err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to set system prompt: %v", err)
				return
			}
			chat.SystemPrompt = req.SystemPrompt
		}
		writeJSON(w, http.StatusCreated, chatResponse(chat))
	}
}

func handleGetChat(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		chat, err := deps.Store.GetChat(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "chat not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get chat: %v", err)
			return
		}

		messages, err := deps.Store.GetChatMessages(id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get messages: %v", err)
			return
		}

		resp := chatResponse(chat)
		msgs := make([]map[string]any, len(messages))
		for i, m := range messages {
			msgs[i] = messageResponse(m)
		}
		resp["messages"] = msgs
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleDeleteChat(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		err := deps.Store.DeleteChat(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "chat not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete chat: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleSetSystemPrompt(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req struct {
			SystemPrompt string `json:"system_prompt"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		err := deps.Store.UpdateChatSystemPrompt(id, req.SystemPrompt)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "chat not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to update system prompt: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
	}
}

func handlePostMessage(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req struct {
			Content string `json:"content"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Content == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "content is required")
			return
		}

		reply, err := deps.Chat.Turn(r.Context(), id, req.Content)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "chat not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "failed to generate reply: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, messageResponse(reply))
	}
}

// --- Embeddings status ---

func handleEmbeddingsStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scope := retrieval.Scope{}
		if s := r.URL.Query().Get("chatId"); s != "" {
			id, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid chatId")
				return
			}
			scope.ChatID = id
		}
		if s := r.URL.Query().Get("projectId"); s != "" {
			id, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid projectId")
				return
			}
			scope.ProjectID = id
		}

		avail := deps.Embedder.Probe(r.Context())
		count, err := deps.Vectors.Count(r.Context(), scope)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to count embeddings: %v", err)
			return
		}

		// activeProvider is null, not "", when nothing can serve embeddings.
		var activeProvider any
		if avail.Provider != "" {
			activeProvider = avail.Provider
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"available":            avail.Available,
			"activeProvider":       activeProvider,
			"storedEmbeddingCount": count,
		})
	}
}

// --- helpers ---

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid id")
		return 0, false
	}
	return id, true
}

func projectResponse(p storage.Project) map[string]any {
	return map[string]any{
		"id":         p.ID,
		"name":       p.Name,
		"created_at": p.CreatedAt,
	}
}

func chatResponse(c storage.Chat) map[string]any {
	return map[string]any{
		"id":            c.ID,
		"project_id":    c.ProjectID,
		"title":         c.Title,
		"system_prompt": c.SystemPrompt,
		"summary":       c.Summary,
		"created_at":    c.CreatedAt,
	}
}

func messageResponse(m storage.Message) map[string]any {
	return map[string]any{
		"id":         m.ID,
		"chat_id":    m.ChatID,
		"role":       m.Role,
		"content":    m.Content,
		"created_at": m.CreatedAt,
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
