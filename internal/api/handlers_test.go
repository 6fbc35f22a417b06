package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sandrev/loom/internal/document"
	"github.com/sandrev/loom/internal/embedding"
	"github.com/sandrev/loom/internal/retrieval"
	"github.com/sandrev/loom/internal/storage"
)

const testToken = "test-token"

type mockTurnRunner struct {
	turnFn func(ctx context.Context, chatID int64, userText string) (storage.Message, error)
}

func (m *mockTurnRunner) Turn(ctx context.Context, chatID int64, userText string) (storage.Message, error) {
	return m.turnFn(ctx, chatID, userText)
}

type mockProber struct {
	avail embedding.Availability
}

func (m *mockProber) Probe(_ context.Context) embedding.Availability {
	return m.avail
}

type mockCounter struct {
	count   int
	gotScope retrieval.Scope
}

func (m *mockCounter) Count(_ context.Context, scope retrieval.Scope) (int, error) {
	m.gotScope = scope
	return m.count, nil
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestServer(t *testing.T, deps AppDeps) *httptest.Server {
	t.Helper()
	deps.Token = testToken
	if deps.Chat == nil {
		deps.Chat = &mockTurnRunner{turnFn: func(_ context.Context, _ int64, _ string) (storage.Message, error) {
			return storage.Message{}, fmt.Errorf("no turn runner configured")
		}}
	}
	if deps.Embedder == nil {
		deps.Embedder = &mockProber{}
	}
	if deps.Vectors == nil {
		deps.Vectors = &mockCounter{}
	}
	if deps.Documents == nil && deps.Store != nil {
		deps.Documents = document.NewProcessor(deps.Store, nil, nil)
	}
	srv := httptest.NewServer(NewAppHandler(deps))
	t.Cleanup(srv.Close)
	return srv
}

func doRequest(t *testing.T, method, url string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return out
}

func TestBearerAuth(t *testing.T) {
	store := openTestStore(t)
	srv := newTestServer(t, AppDeps{Store: store})

	// Health is open.
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /health = %d, want 200", resp.StatusCode)
	}

	// Everything else requires the token.
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/chats/1", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("unauthenticated request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token = %d, want 401", resp.StatusCode)
	}

	req.Header.Set("Authorization", "Bearer wrong-token")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("wrong token request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong token = %d, want 401", resp.StatusCode)
	}
}

func TestProjectLifecycle(t *testing.T) {
	store := openTestStore(t)
	srv := newTestServer(t, AppDeps{Store: store})

	resp := doRequest(t, http.MethodPost, srv.URL+"/projects", strings.NewReader(`{"name":"research"}`))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST /projects = %d, want 201", resp.StatusCode)
	}
	created := decodeBody(t, resp)
	id := int64(created["id"].(float64))

	resp = doRequest(t, http.MethodGet, fmt.Sprintf("%s/projects/%d", srv.URL, id), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET project = %d, want 200", resp.StatusCode)
	}
	if got := decodeBody(t, resp)["name"]; got != "research" {
		t.Errorf("name = %v, want research", got)
	}

	resp = doRequest(t, http.MethodDelete, fmt.Sprintf("%s/projects/%d", srv.URL, id), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("DELETE project = %d, want 200", resp.StatusCode)
	}

	resp = doRequest(t, http.MethodGet, fmt.Sprintf("%s/projects/%d", srv.URL, id), nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET deleted project = %d, want 404", resp.StatusCode)
	}
}

func TestCreateProject_RequiresName(t *testing.T) {
	store := openTestStore(t)
	srv := newTestServer(t, AppDeps{Store: store})

	resp := doRequest(t, http.MethodPost, srv.URL+"/projects", strings.NewReader(`{}`))
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("POST /projects without name = %d, want 400", resp.StatusCode)
	}
}

func TestChatLifecycle(t *testing.T) {
	store := openTestStore(t)
	srv := newTestServer(t, AppDeps{Store: store})

	resp := doRequest(t, http.MethodPost, srv.URL+"/chats",
		strings.NewReader(`{"title":"planning","system_prompt":"be terse"}`))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST /chats = %d, want 201", resp.StatusCode)
	}
	created := decodeBody(t, resp)
	if created["system_prompt"] != "be terse" {
		t.Errorf("system_prompt = %v, want 'be terse'", created["system_prompt"])
	}
	id := int64(created["id"].(float64))

	resp = doRequest(t, http.MethodPatch, fmt.Sprintf("%s/chats/%d/system-prompt", srv.URL, id),
		strings.NewReader(`{"system_prompt":"be verbose"}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PATCH system-prompt = %d, want 200", resp.StatusCode)
	}

	resp = doRequest(t, http.MethodGet, fmt.Sprintf("%s/chats/%d", srv.URL, id), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET chat = %d, want 200", resp.StatusCode)
	}
	got := decodeBody(t, resp)
	if got["system_prompt"] != "be verbose" {
		t.Errorf("system_prompt = %v, want 'be verbose'", got["system_prompt"])
	}
	if _, ok := got["messages"]; !ok {
		t.Error("GET chat response missing messages")
	}

	resp = doRequest(t, http.MethodDelete, fmt.Sprintf("%s/chats/%d", srv.URL, id), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("DELETE chat = %d, want 200", resp.StatusCode)
	}
}

func TestCreateChat_UnknownProject(t *testing.T) {
	store := openTestStore(t)
	srv := newTestServer(t, AppDeps{Store: store})

	resp := doRequest(t, http.MethodPost, srv.URL+"/chats", strings.NewReader(`{"project_id":42}`))
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("POST /chats with unknown project = %d, want 400", resp.StatusCode)
	}
}

func TestPostMessage(t *testing.T) {
	store := openTestStore(t)
	chat, err := store.CreateChat(0, "t")
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}

	turn := &mockTurnRunner{turnFn: func(_ context.Context, chatID int64, text string) (storage.Message, error) {
		if chatID != chat.ID {
			t.Errorf("chatID = %d, want %d", chatID, chat.ID)
		}
		if text != "hello" {
			t.Errorf("text = %q, want hello", text)
		}
		return storage.Message{ID: 2, ChatID: chatID, Role: storage.RoleAssistant, Content: "hi"}, nil
	}}
	srv := newTestServer(t, AppDeps{Store: store, Chat: turn})

	resp := doRequest(t, http.MethodPost, fmt.Sprintf("%s/chats/%d/messages", srv.URL, chat.ID),
		strings.NewReader(`{"content":"hello"}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST message = %d, want 200", resp.StatusCode)
	}
	got := decodeBody(t, resp)
	if got["role"] != storage.RoleAssistant || got["content"] != "hi" {
		t.Errorf("reply = %v", got)
	}
}

func TestPostMessage_Validation(t *testing.T) {
	store := openTestStore(t)
	turn := &mockTurnRunner{turnFn: func(_ context.Context, chatID int64, _ string) (storage.Message, error) {
		return storage.Message{}, storage.ErrNotFound
	}}
	srv := newTestServer(t, AppDeps{Store: store, Chat: turn})

	resp := doRequest(t, http.MethodPost, srv.URL+"/chats/1/messages", strings.NewReader(`{"content":""}`))
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty content = %d, want 400", resp.StatusCode)
	}

	resp = doRequest(t, http.MethodPost, srv.URL+"/chats/999/messages", strings.NewReader(`{"content":"x"}`))
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown chat = %d, want 404", resp.StatusCode)
	}
}

func TestEmbeddingsStatus(t *testing.T) {
	store := openTestStore(t)
	counter := &mockCounter{count: 7}
	srv := newTestServer(t, AppDeps{
		Store:    store,
		Embedder: &mockProber{avail: embedding.Availability{Available: true, Provider: "ollama"}},
		Vectors:  counter,
	})

	resp := doRequest(t, http.MethodGet, srv.URL+"/embeddings/status?chatId=3", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET status = %d, want 200", resp.StatusCode)
	}
	got := decodeBody(t, resp)
	if got["available"] != true {
		t.Errorf("available = %v, want true", got["available"])
	}
	if got["activeProvider"] != "ollama" {
		t.Errorf("activeProvider = %v, want ollama", got["activeProvider"])
	}
	if got["storedEmbeddingCount"] != float64(7) {
		t.Errorf("storedEmbeddingCount = %v, want 7", got["storedEmbeddingCount"])
	}
	if counter.gotScope.ChatID != 3 {
		t.Errorf("scope.ChatID = %d, want 3", counter.gotScope.ChatID)
	}
}

func TestEmbeddingsStatus_Unavailable(t *testing.T) {
	store := openTestStore(t)
	srv := newTestServer(t, AppDeps{
		Store:    store,
		Embedder: &mockProber{avail: embedding.Availability{}},
		Vectors:  &mockCounter{count: 2},
	})

	resp := doRequest(t, http.MethodGet, srv.URL+"/embeddings/status", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET status = %d, want 200", resp.StatusCode)
	}
	got := decodeBody(t, resp)
	if got["available"] != false {
		t.Errorf("available = %v, want false", got["available"])
	}
	provider, present := got["activeProvider"]
	if !present {
		t.Fatal("activeProvider missing from response")
	}
	if provider != nil {
		t.Errorf("activeProvider = %v, want null", provider)
	}
}

func uploadFile(t *testing.T, url, filename, content string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := fw.Write([]byte(content)); err != nil {
		t.Fatalf("writing form file: %v", err)
	}
	mw.Close()

	req, err := http.NewRequest(http.MethodPost, url, &buf)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestDocumentUploadAndContent(t *testing.T) {
	store := openTestStore(t)
	project, err := store.CreateProject("docs")
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	srv := newTestServer(t, AppDeps{Store: store})

	const text = "The quick brown fox jumps over the lazy dog."
	resp := uploadFile(t, fmt.Sprintf("%s/projects/%d/documents", srv.URL, project.ID), "notes.txt", text)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("upload = %d, want 202", resp.StatusCode)
	}
	uploaded := decodeBody(t, resp)
	docID := uploaded["id"].(string)
	if uploaded["status"] != storage.DocStatusProcessing {
		t.Errorf("status = %v, want processing", uploaded["status"])
	}

	// Chunks are persisted synchronously; embedding runs via the queue.
	chunks, err := store.GetDocumentChunks(docID)
	if err != nil {
		t.Fatalf("GetDocumentChunks: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("chunks = %d, want 1", len(chunks))
	}

	var jobs int
	if err := store.DB().QueryRow(`SELECT COUNT(*) FROM jobs WHERE type = 'process_document'`).Scan(&jobs); err != nil {
		t.Fatalf("counting jobs: %v", err)
	}
	if jobs != 1 {
		t.Errorf("process_document jobs = %d, want 1", jobs)
	}

	resp = doRequest(t, http.MethodGet, srv.URL+"/documents/"+docID+"/content", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET content = %d, want 200", resp.StatusCode)
	}
	if got := decodeBody(t, resp)["content"]; got != text {
		t.Errorf("content = %q, want %q", got, text)
	}
}

func TestDocumentUpload_UnknownProject(t *testing.T) {
	store := openTestStore(t)
	srv := newTestServer(t, AppDeps{Store: store})

	resp := uploadFile(t, srv.URL+"/projects/99/documents", "notes.txt", "text")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("upload to unknown project = %d, want 404", resp.StatusCode)
	}
}

func TestGetDocument_NotFound(t *testing.T) {
	store := openTestStore(t)
	srv := newTestServer(t, AppDeps{Store: store})

	resp := doRequest(t, http.MethodGet, srv.URL+"/documents/nope", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET unknown document = %d, want 404", resp.StatusCode)
	}
}
