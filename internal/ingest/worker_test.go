package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sandrev/loom/internal/embedding"
	"github.com/sandrev/loom/internal/retrieval"
	"github.com/sandrev/loom/internal/storage"
)

type mockEmbedder struct {
	embedFn func(ctx context.Context, text string, hint embedding.TaskHint) ([]float32, error)
}

func (m *mockEmbedder) Embed(ctx context.Context, text string, hint embedding.TaskHint) ([]float32, error) {
	return m.embedFn(ctx, text, hint)
}

type mockVectorInserter struct {
	mu       sync.Mutex
	inserted []retrieval.Record
	insertFn func(rec retrieval.Record) error
}

func (m *mockVectorInserter) InsertMessageVector(_ context.Context, rec retrieval.Record) error {
	if m.insertFn != nil {
		return m.insertFn(rec)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inserted = append(m.inserted, rec)
	return nil
}

type mockCompactor struct {
	mu    sync.Mutex
	calls []int64
	fn    func(chat storage.Chat, turns []storage.Message) (string, error)
}

func (m *mockCompactor) Compact(_ context.Context, chat storage.Chat, turns []storage.Message) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, chat.ID)
	m.mu.Unlock()
	if m.fn != nil {
		return m.fn(chat, turns)
	}
	return "summary", nil
}

type mockDocProcessor struct {
	mu    sync.Mutex
	calls []string
	fn    func(documentID string) error
}

func (m *mockDocProcessor) Process(_ context.Context, documentID string) error {
	m.mu.Lock()
	m.calls = append(m.calls, documentID)
	m.mu.Unlock()
	if m.fn != nil {
		return m.fn(documentID)
	}
	return nil
}

type mockTitler struct {
	mu    sync.Mutex
	calls []int64
	fn    func(chatID int64) error
}

func (m *mockTitler) GenerateTitle(_ context.Context, chatID int64) error {
	m.mu.Lock()
	m.calls = append(m.calls, chatID)
	m.mu.Unlock()
	if m.fn != nil {
		return m.fn(chatID)
	}
	return nil
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

func newTestWorker(store *storage.Store, embedder *mockEmbedder, inserter *mockVectorInserter, compactor *mockCompactor, docs *mockDocProcessor, titler *mockTitler) *Worker {
	if embedder == nil {
		embedder = &mockEmbedder{embedFn: func(_ context.Context, _ string, _ embedding.TaskHint) ([]float32, error) {
			return []float32{0.1, 0.2, 0.3}, nil
		}}
	}
	if inserter == nil {
		inserter = &mockVectorInserter{}
	}
	if compactor == nil {
		compactor = &mockCompactor{}
	}
	if docs == nil {
		docs = &mockDocProcessor{}
	}
	if titler == nil {
		titler = &mockTitler{}
	}
	return NewWorker(store, embedder, inserter, compactor, docs, titler, 0)
}

func enqueueEmbedJob(t *testing.T, store *storage.Store, jobID string, messageID int64) {
	t.Helper()
	payload, _ := json.Marshal(EmbedMessagePayload{MessageID: messageID})
	job := storage.Job{
		ID:          jobID,
		Type:        JobEmbedMessage,
		PayloadJSON: string(payload),
	}
	if err := store.EnqueueJob(job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
}

func saveTestMessage(t *testing.T, store *storage.Store, chatID int64, role, content string) storage.Message {
	t.Helper()
	msg, err := store.SaveMessage(chatID, role, content)
	if err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}
	return msg
}

// resetRunAfter sets run_after to now so the job is immediately claimable after FailJob backoff.
func resetRunAfter(t *testing.T, store *storage.Store, jobID string) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := store.DB().Exec(`UPDATE jobs SET run_after = ? WHERE id = ?`, now, jobID)
	if err != nil {
		t.Fatalf("resetRunAfter: %v", err)
	}
}

func TestWorker_EmbedsMessage(t *testing.T) {
	store := openTestStore(t)
	chat, err := store.CreateChat(0, "test chat")
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}
	msg := saveTestMessage(t, store, chat.ID, storage.RoleUser, "Hello world")
	enqueueEmbedJob(t, store, "job-1", msg.ID)

	inserter := &mockVectorInserter{}
	w := newTestWorker(store, nil, inserter, nil, nil, nil)

	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false, expected true")
	}

	inserter.mu.Lock()
	defer inserter.mu.Unlock()
	if len(inserter.inserted) != 1 {
		t.Fatalf("inserted %d records, want 1", len(inserter.inserted))
	}
	rec := inserter.inserted[0]
	if rec.MessageID != msg.ID {
		t.Errorf("MessageID = %d, want %d", rec.MessageID, msg.ID)
	}
	if rec.ChatID != chat.ID {
		t.Errorf("ChatID = %d, want %d", rec.ChatID, chat.ID)
	}
	if rec.SourceType != retrieval.SourceMessage {
		t.Errorf("SourceType = %q, want %q", rec.SourceType, retrieval.SourceMessage)
	}
	if rec.Text != "Hello world" {
		t.Errorf("Text = %q, want %q", rec.Text, "Hello world")
	}
}

func TestWorker_EmbedCarriesProjectScope(t *testing.T) {
	store := openTestStore(t)
	project, err := store.CreateProject("notes")
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	chat, err := store.CreateChat(project.ID, "project chat")
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}
	msg := saveTestMessage(t, store, chat.ID, storage.RoleAssistant, "scoped reply")
	enqueueEmbedJob(t, store, "job-p", msg.ID)

	inserter := &mockVectorInserter{}
	w := newTestWorker(store, nil, inserter, nil, nil, nil)

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}

	inserter.mu.Lock()
	defer inserter.mu.Unlock()
	if len(inserter.inserted) != 1 {
		t.Fatalf("inserted %d records, want 1", len(inserter.inserted))
	}
	if got := inserter.inserted[0].ProjectID; got != project.ID {
		t.Errorf("ProjectID = %d, want %d", got, project.ID)
	}
}

func TestWorker_CompactChat(t *testing.T) {
	store := openTestStore(t)
	chat, err := store.CreateChat(0, "long chat")
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}
	saveTestMessage(t, store, chat.ID, storage.RoleUser, "first")
	saveTestMessage(t, store, chat.ID, storage.RoleAssistant, "second")

	payload, _ := json.Marshal(CompactChatPayload{ChatID: chat.ID})
	if err := store.EnqueueJob(storage.Job{ID: "job-c", Type: JobCompactChat, PayloadJSON: string(payload)}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	var gotTurns int
	compactor := &mockCompactor{fn: func(_ storage.Chat, turns []storage.Message) (string, error) {
		gotTurns = len(turns)
		return "summary", nil
	}}
	w := newTestWorker(store, nil, nil, compactor, nil, nil)

	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false")
	}
	if len(compactor.calls) != 1 || compactor.calls[0] != chat.ID {
		t.Fatalf("compactor calls = %v, want [%d]", compactor.calls, chat.ID)
	}
	if gotTurns != 2 {
		t.Errorf("compactor received %d turns, want 2", gotTurns)
	}
}

func TestWorker_ProcessDocument(t *testing.T) {
	store := openTestStore(t)

	payload, _ := json.Marshal(ProcessDocumentPayload{DocumentID: "doc-42"})
	if err := store.EnqueueJob(storage.Job{ID: "job-d", Type: JobProcessDocument, PayloadJSON: string(payload)}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	docs := &mockDocProcessor{}
	w := newTestWorker(store, nil, nil, nil, docs, nil)

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if len(docs.calls) != 1 || docs.calls[0] != "doc-42" {
		t.Errorf("processor calls = %v, want [doc-42]", docs.calls)
	}
}

func TestWorker_GenerateTitle(t *testing.T) {
	store := openTestStore(t)
	chat, err := store.CreateChat(0, "")
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}

	payload, _ := json.Marshal(GenerateTitlePayload{ChatID: chat.ID})
	if err := store.EnqueueJob(storage.Job{ID: "job-t", Type: JobGenerateTitle, PayloadJSON: string(payload)}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	titler := &mockTitler{}
	w := newTestWorker(store, nil, nil, nil, nil, titler)

	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false")
	}
	if len(titler.calls) != 1 || titler.calls[0] != chat.ID {
		t.Errorf("titler calls = %v, want [%d]", titler.calls, chat.ID)
	}

	var status string
	if err := store.DB().QueryRow(`SELECT status FROM jobs WHERE id = 'job-t'`).Scan(&status); err != nil {
		t.Fatalf("query status: %v", err)
	}
	if status != "completed" {
		t.Errorf("status = %q, want completed", status)
	}
}

func TestWorker_GenerateTitleFailureRetries(t *testing.T) {
	store := openTestStore(t)
	chat, err := store.CreateChat(0, "")
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}

	payload, _ := json.Marshal(GenerateTitlePayload{ChatID: chat.ID})
	if err := store.EnqueueJob(storage.Job{ID: "job-tf", Type: JobGenerateTitle, PayloadJSON: string(payload)}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	titler := &mockTitler{fn: func(int64) error { return fmt.Errorf("backend down") }}
	w := newTestWorker(store, nil, nil, nil, nil, titler)

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}

	var status string
	var attempts int
	if err := store.DB().QueryRow(`SELECT status, attempts FROM jobs WHERE id = 'job-tf'`).Scan(&status, &attempts); err != nil {
		t.Fatalf("query status: %v", err)
	}
	if status != "pending" || attempts != 1 {
		t.Errorf("status/attempts = %q/%d, want pending/1", status, attempts)
	}
}

func TestWorker_RetryOnFailure(t *testing.T) {
	store := openTestStore(t)
	chat, err := store.CreateChat(0, "retry chat")
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}
	msg := saveTestMessage(t, store, chat.ID, storage.RoleUser, "retry content")
	enqueueEmbedJob(t, store, "job-r", msg.ID)

	var calls int
	embedder := &mockEmbedder{embedFn: func(_ context.Context, _ string, _ embedding.TaskHint) ([]float32, error) {
		calls++
		if calls <= 2 {
			return nil, fmt.Errorf("transient error %d", calls)
		}
		return []float32{0.1, 0.2, 0.3}, nil
	}}
	w := newTestWorker(store, embedder, nil, nil, nil, nil)

	ctx := context.Background()

	// 1st attempt fails and goes back to pending with backoff.
	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce 1 error: %v", err)
	}
	var status string
	var attempts int
	if err := store.DB().QueryRow(`SELECT status, attempts FROM jobs WHERE id = 'job-r'`).Scan(&status, &attempts); err != nil {
		t.Fatalf("query after 1st fail: %v", err)
	}
	if status != "pending" || attempts != 1 {
		t.Errorf("after 1st fail: status=%q attempts=%d, want pending/1", status, attempts)
	}

	resetRunAfter(t, store, "job-r")
	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce 2 error: %v", err)
	}

	resetRunAfter(t, store, "job-r")
	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce 3 error: %v", err)
	}

	if err := store.DB().QueryRow(`SELECT status FROM jobs WHERE id = 'job-r'`).Scan(&status); err != nil {
		t.Fatalf("query after 3rd attempt: %v", err)
	}
	if status != "completed" {
		t.Errorf("after 3rd attempt: status=%q, want completed", status)
	}
}

func TestWorker_MaxRetriesExceeded(t *testing.T) {
	store := openTestStore(t)
	chat, err := store.CreateChat(0, "dead chat")
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}
	msg := saveTestMessage(t, store, chat.ID, storage.RoleUser, "max retry content")
	enqueueEmbedJob(t, store, "job-m", msg.ID)

	embedder := &mockEmbedder{embedFn: func(_ context.Context, _ string, _ embedding.TaskHint) ([]float32, error) {
		return nil, fmt.Errorf("permanent error")
	}}
	w := newTestWorker(store, embedder, nil, nil, nil, nil)

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		didWork, err := w.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce %d error: %v", i, err)
		}
		if !didWork {
			t.Fatalf("RunOnce %d returned false", i)
		}
		if i < 3 {
			resetRunAfter(t, store, "job-m")
		}
	}

	var status string
	if err := store.DB().QueryRow(`SELECT status FROM jobs WHERE id = 'job-m'`).Scan(&status); err != nil {
		t.Fatalf("query final status: %v", err)
	}
	if status != "failed" {
		t.Errorf("final status = %q, want %q", status, "failed")
	}
}

func TestWorker_UnknownJobType(t *testing.T) {
	store := openTestStore(t)
	if err := store.EnqueueJob(storage.Job{ID: "job-x", Type: "bogus", PayloadJSON: "{}"}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	w := newTestWorker(store, nil, nil, nil, nil, nil)

	// Unknown type is not claimed at all.
	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if didWork {
		t.Fatal("RunOnce claimed a job of an unknown type")
	}
}

func TestWorker_NoJobs(t *testing.T) {
	store := openTestStore(t)
	w := newTestWorker(store, nil, nil, nil, nil, nil)

	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if didWork {
		t.Fatal("RunOnce returned true with an empty queue")
	}
}
