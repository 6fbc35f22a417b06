// Package ingest runs the background job loop. Message embedding,
// conversation compaction, document processing, and chat title generation
// all go through the SQLite job queue so a request never waits on them;
// failed jobs retry with exponential backoff.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sandrev/loom/internal/embedding"
	"github.com/sandrev/loom/internal/retrieval"
	"github.com/sandrev/loom/internal/storage"
)

// Job types the worker claims.
const (
	JobEmbedMessage    = "embed_message"
	JobCompactChat     = "compact_chat"
	JobProcessDocument = "process_document"
	JobGenerateTitle   = "generate_title"
)

// JobStore abstracts the queue and the lookups jobs need.
// Satisfied by *storage.Store.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	GetMessage(id int64) (storage.Message, error)
	GetChat(id int64) (storage.Chat, error)
	GetChatMessages(chatID int64) ([]storage.Message, error)
}

// MessageEmbedder generates embeddings for message text.
// Satisfied by *embedding.Service.
type MessageEmbedder interface {
	Embed(ctx context.Context, text string, hint embedding.TaskHint) ([]float32, error)
}

// VectorInserter stores message vectors. Satisfied by *retrieval.SQLiteStore.
type VectorInserter interface {
	InsertMessageVector(ctx context.Context, rec retrieval.Record) error
}

// Compactor folds old turns into a chat summary.
// Satisfied by *summarize.Scheduler.
type Compactor interface {
	Compact(ctx context.Context, chat storage.Chat, turns []storage.Message) (string, error)
}

// DocProcessor embeds a prepared document's chunks.
// Satisfied by *document.Processor.
type DocProcessor interface {
	Process(ctx context.Context, documentID string) error
}

// TitleNamer names an untitled chat. Satisfied by *chat.Service.
type TitleNamer interface {
	GenerateTitle(ctx context.Context, chatID int64) error
}

// Worker processes queued jobs.
type Worker struct {
	store     JobStore
	embedder  MessageEmbedder
	vectors   VectorInserter
	compactor Compactor
	docs      DocProcessor
	titler    TitleNamer
	poll      time.Duration
	logger    *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, embedder MessageEmbedder, vectors VectorInserter, compactor Compactor, docs DocProcessor, titler TitleNamer, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:     store,
		embedder:  embedder,
		vectors:   vectors,
		compactor: compactor,
		docs:      docs,
		titler:    titler,
		poll:      pollInterval,
		logger:    slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobEmbedMessage, JobCompactChat, JobProcessDocument, JobGenerateTitle})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "type", job.Type, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

// EmbedMessagePayload is the payload of an embed_message job.
type EmbedMessagePayload struct {
	MessageID int64 `json:"message_id"`
}

// CompactChatPayload is the payload of a compact_chat job.
type CompactChatPayload struct {
	ChatID int64 `json:"chat_id"`
}

// ProcessDocumentPayload is the payload of a process_document job.
type ProcessDocumentPayload struct {
	DocumentID string `json:"document_id"`
}

// GenerateTitlePayload is the payload of a generate_title job.
type GenerateTitlePayload struct {
	ChatID int64 `json:"chat_id"`
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	switch job.Type {
	case JobEmbedMessage:
		return w.embedMessage(ctx, job)
	case JobCompactChat:
		return w.compactChat(ctx, job)
	case JobProcessDocument:
		return w.processDocument(ctx, job)
	case JobGenerateTitle:
		return w.generateTitle(ctx, job)
	default:
		return fmt.Errorf("unknown job type %q", job.Type)
	}
}

func (w *Worker) embedMessage(ctx context.Context, job *storage.Job) error {
	var payload EmbedMessagePayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	msg, err := w.store.GetMessage(payload.MessageID)
	if err != nil {
		return fmt.Errorf("loading message %d: %w", payload.MessageID, err)
	}

	chat, err := w.store.GetChat(msg.ChatID)
	if err != nil {
		return fmt.Errorf("loading chat %d: %w", msg.ChatID, err)
	}

	vec, err := w.embedder.Embed(ctx, msg.Content, embedding.TaskDocument)
	if err != nil {
		return fmt.Errorf("embedding message %d: %w", msg.ID, err)
	}

	rec := retrieval.Record{
		ID:         uuid.New().String(),
		SourceType: retrieval.SourceMessage,
		MessageID:  msg.ID,
		ChatID:     msg.ChatID,
		ProjectID:  chat.ProjectID,
		Text:       msg.Content,
		Embedding:  vec,
		CreatedAt:  msg.CreatedAt,
	}
	if err := w.vectors.InsertMessageVector(ctx, rec); err != nil {
		return fmt.Errorf("inserting message vector: %w", err)
	}
	return nil
}

func (w *Worker) compactChat(ctx context.Context, job *storage.Job) error {
	var payload CompactChatPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	chat, err := w.store.GetChat(payload.ChatID)
	if err != nil {
		return fmt.Errorf("loading chat %d: %w", payload.ChatID, err)
	}

	turns, err := w.store.GetChatMessages(chat.ID)
	if err != nil {
		return fmt.Errorf("loading messages for chat %d: %w", chat.ID, err)
	}

	if _, err := w.compactor.Compact(ctx, chat, turns); err != nil {
		return fmt.Errorf("compacting chat %d: %w", chat.ID, err)
	}
	return nil
}

func (w *Worker) processDocument(ctx context.Context, job *storage.Job) error {
	var payload ProcessDocumentPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	return w.docs.Process(ctx, payload.DocumentID)
}

func (w *Worker) generateTitle(ctx context.Context, job *storage.Job) error {
	var payload GenerateTitlePayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	return w.titler.GenerateTitle(ctx, payload.ChatID)
}
