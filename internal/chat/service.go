// Package chat orchestrates a conversation turn: persist the user message,
// assemble context, generate the reply, persist it, and queue the follow-up
// work (embedding, compaction, titling) that must never block or fail the
// reply.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/sandrev/loom/internal/ingest"
	"github.com/sandrev/loom/internal/provider"
	"github.com/sandrev/loom/internal/storage"
	"github.com/sandrev/loom/internal/summarize"
)

// Store is the subset of storage operations a turn needs.
// Satisfied by *storage.Store.
type Store interface {
	GetChat(id int64) (storage.Chat, error)
	SaveMessage(chatID int64, role, content string) (storage.Message, error)
	GetChatMessages(chatID int64) ([]storage.Message, error)
	UpdateChatTitle(id int64, title string) error
	EnqueueJob(job storage.Job) error
}

// Assembler builds the generation input from conversation state.
// Satisfied by *composer.Assembler.
type Assembler interface {
	Assemble(ctx context.Context, chat storage.Chat, turns []storage.Message) []provider.Message
}

// Service runs conversation turns.
type Service struct {
	store     Store
	assembler Assembler
	generator provider.Generator
	model     string
	threshold int
}

// NewService creates a Service. model is the generation model for replies
// and titles; routing to a backend happens per call inside the generator.
// A threshold <= 0 falls back to the summarize default.
func NewService(store Store, assembler Assembler, generator provider.Generator, model string, threshold int) *Service {
	if threshold <= 0 {
		threshold = summarize.DefaultThreshold
	}
	return &Service{
		store:     store,
		assembler: assembler,
		generator: generator,
		model:     model,
		threshold: threshold,
	}
}

// Turn processes one user message and returns the persisted assistant reply.
// Generation failure surfaces to the caller with the user message already
// saved; embedding, compaction, and title generation are queued and never
// affect the result.
func (s *Service) Turn(ctx context.Context, chatID int64, userText string) (storage.Message, error) {
	chat, err := s.store.GetChat(chatID)
	if err != nil {
		return storage.Message{}, fmt.Errorf("loading chat %d: %w", chatID, err)
	}

	userMsg, err := s.store.SaveMessage(chatID, storage.RoleUser, userText)
	if err != nil {
		return storage.Message{}, fmt.Errorf("saving user message: %w", err)
	}

	turns, err := s.store.GetChatMessages(chatID)
	if err != nil {
		return storage.Message{}, fmt.Errorf("loading messages: %w", err)
	}

	reply, err := s.generator.Generate(ctx, s.model, s.assembler.Assemble(ctx, chat, turns))
	if err != nil {
		return storage.Message{}, fmt.Errorf("generating reply: %w", err)
	}

	assistantMsg, err := s.store.SaveMessage(chatID, storage.RoleAssistant, reply)
	if err != nil {
		return storage.Message{}, fmt.Errorf("saving assistant message: %w", err)
	}

	s.enqueue(ingest.JobEmbedMessage, ingest.EmbedMessagePayload{MessageID: userMsg.ID})
	s.enqueue(ingest.JobEmbedMessage, ingest.EmbedMessagePayload{MessageID: assistantMsg.ID})

	if summarize.ShouldCompact(len(turns)+1, s.threshold) {
		s.enqueue(ingest.JobCompactChat, ingest.CompactChatPayload{ChatID: chatID})
	}

	if needsTitle(chat, len(turns)+1) {
		s.enqueue(ingest.JobGenerateTitle, ingest.GenerateTitlePayload{ChatID: chatID})
	}

	return assistantMsg, nil
}

// enqueue adds a background job, best-effort. A queue failure is logged and
// otherwise ignored; the reply has already been produced.
func (s *Service) enqueue(jobType string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshalling job payload", "type", jobType, "error", err)
		return
	}
	job := storage.Job{
		ID:          uuid.New().String(),
		Type:        jobType,
		PayloadJSON: string(data),
	}
	if err := s.store.EnqueueJob(job); err != nil {
		slog.Warn("failed to enqueue job", "type", jobType, "error", err)
	}
}
