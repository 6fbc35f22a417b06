package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sandrev/loom/internal/provider"
	"github.com/sandrev/loom/internal/storage"
)

const (
	titleTimeout   = 10 * time.Second
	titleMaxLength = 80

	// titleMaxTurns stops re-attempting a stubbornly failing title; a chat
	// that reaches this many messages without one stays untitled.
	titleMaxTurns = 10
)

const titlePrompt = `Generate a short title (3-6 words) for a conversation that begins with the following message. Respond with the title only, no quotes or punctuation around it.`

// needsTitle reports whether a turn should queue title generation.
func needsTitle(chat storage.Chat, turnCount int) bool {
	return chat.Title == "" && turnCount >= 2 && turnCount <= titleMaxTurns
}

// GenerateTitle names an untitled chat from its first user message. It runs
// from a background job, never inside a turn, so the reply is not delayed.
// A chat titled in the meantime is left alone; a generation failure is
// returned so the queue retries it.
func (s *Service) GenerateTitle(ctx context.Context, chatID int64) error {
	chat, err := s.store.GetChat(chatID)
	if err != nil {
		return fmt.Errorf("loading chat %d: %w", chatID, err)
	}
	if chat.Title != "" {
		return nil
	}

	turns, err := s.store.GetChatMessages(chatID)
	if err != nil {
		return fmt.Errorf("loading messages: %w", err)
	}
	var firstUserText string
	for _, t := range turns {
		if t.Role == storage.RoleUser {
			firstUserText = t.Content
			break
		}
	}
	if firstUserText == "" {
		return nil
	}

	genCtx, cancel := context.WithTimeout(ctx, titleTimeout)
	defer cancel()

	title, err := s.generator.Generate(genCtx, s.model, []provider.Message{
		{Role: "system", Content: titlePrompt},
		{Role: "user", Content: firstUserText},
	})
	if err != nil {
		return fmt.Errorf("generating title for chat %d: %w", chatID, err)
	}

	title = sanitizeTitle(title)
	if title == "" {
		return nil
	}
	if err := s.store.UpdateChatTitle(chat.ID, title); err != nil {
		return fmt.Errorf("saving chat title: %w", err)
	}
	return nil
}

// sanitizeTitle collapses the model output to a single trimmed line and
// caps its length.
func sanitizeTitle(raw string) string {
	title := strings.TrimSpace(raw)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = strings.TrimSpace(title[:i])
	}
	title = strings.Trim(title, `"'`)
	if len(title) > titleMaxLength {
		title = strings.TrimSpace(title[:titleMaxLength])
	}
	return title
}
