// Package summarize decides when and what to fold into a conversation's
// running summary. The actual summary text comes from a generation backend;
// this package only selects the cutoff, constructs the instruction, and
// commits the result. A compaction failure leaves the conversation state
// untouched and is retried on the next qualifying turn.
package summarize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sandrev/loom/internal/provider"
	"github.com/sandrev/loom/internal/storage"
)

// Defaults for the compaction policy.
const (
	DefaultThreshold    = 30 // compaction triggers when turn count exceeds this
	DefaultKeepTrailing = 10 // most recent turns preserved verbatim
)

// compactTimeout bounds the generation call. Compaction runs from a
// background job, so a timeout just means a retry on the next trigger.
const compactTimeout = 8 * time.Second

// ErrSummarizationFailed wraps a generation error or timeout during
// compaction. Non-fatal: the conversation is fully usable without it.
var ErrSummarizationFailed = errors.New("summarization failed")

const instructionPrompt = `You are a conversation summarizer. Your task is to create a concise summary of the conversation that preserves:
- Key topics discussed
- Important decisions made
- Relevant context and facts mentioned
- Any user preferences or requirements stated

Create a summary that would allow someone to continue the conversation naturally without losing important context.

Format: Write a brief paragraph (2-4 sentences) summarizing the key points. Be concise but comprehensive.`

// ShouldCompact reports whether a compaction is due. Strict: exactly at the
// threshold nothing happens.
func ShouldCompact(turnCount, threshold int) bool {
	return turnCount > threshold
}

// SelectCutoff returns the id of the turn immediately preceding the first of
// the keepTrailing most recent turns. turns must be in chronological order.
// Returns false when there is nothing to fold.
func SelectCutoff(turns []storage.Message, keepTrailing int) (int64, bool) {
	if keepTrailing <= 0 || len(turns) <= keepTrailing {
		return 0, false
	}
	return turns[len(turns)-keepTrailing-1].ID, true
}

// BuildInstruction constructs the user-role input for the summarize call.
// An existing summary is included as prior context so summaries accumulate
// across compactions; the generated text replaces the old summary entirely.
func BuildInstruction(existingSummary string, turns []storage.Message) string {
	var sb strings.Builder
	if existingSummary != "" {
		sb.WriteString("Previous conversation summary:\n")
		sb.WriteString(existingSummary)
		sb.WriteString("\n\nNew messages to incorporate:\n")
	}
	for i, t := range turns {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		if t.Role == storage.RoleUser {
			sb.WriteString("User: ")
		} else {
			sb.WriteString("Assistant: ")
		}
		sb.WriteString(t.Content)
	}
	return sb.String()
}

// SummaryStore commits a compaction result. Satisfied by *storage.Store.
type SummaryStore interface {
	UpdateChatSummary(id int64, summary string, cutoffID int64) (bool, error)
}

// Scheduler runs compactions for conversations that have outgrown the
// threshold.
type Scheduler struct {
	generator    provider.Generator
	store        SummaryStore
	model        string
	threshold    int
	keepTrailing int
}

// NewScheduler creates a Scheduler. Zero threshold/keepTrailing fall back to
// the package defaults.
func NewScheduler(gen provider.Generator, store SummaryStore, model string, threshold, keepTrailing int) *Scheduler {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if keepTrailing <= 0 {
		keepTrailing = DefaultKeepTrailing
	}
	return &Scheduler{
		generator:    gen,
		store:        store,
		model:        model,
		threshold:    threshold,
		keepTrailing: keepTrailing,
	}
}

// ShouldCompact applies the configured threshold.
func (s *Scheduler) ShouldCompact(turnCount int) bool {
	return ShouldCompact(turnCount, s.threshold)
}

// Compact selects a cutoff, folds every turn after the previous cutoff and
// at or before the new one into a fresh summary, and commits summary +
// cutoff. The commit is monotonic: a concurrent compaction that already
// advanced the cutoff further wins and this result is discarded.
// turns must be the chat's full message list in chronological order.
//
// Returns the new summary text, or "" when there was nothing to fold.
func (s *Scheduler) Compact(ctx context.Context, chat storage.Chat, turns []storage.Message) (string, error) {
	cutoff, ok := SelectCutoff(turns, s.keepTrailing)
	if !ok || cutoff <= chat.SummaryCutoffID {
		return "", nil
	}

	var fold []storage.Message
	for _, t := range turns {
		if t.ID > chat.SummaryCutoffID && t.ID <= cutoff {
			fold = append(fold, t)
		}
	}
	if len(fold) == 0 {
		return "", nil
	}

	genCtx, cancel := context.WithTimeout(ctx, compactTimeout)
	defer cancel()

	summary, err := s.generator.Generate(genCtx, s.model, []provider.Message{
		{Role: "system", Content: instructionPrompt},
		{Role: "user", Content: BuildInstruction(chat.Summary, fold)},
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSummarizationFailed, err)
	}

	applied, err := s.store.UpdateChatSummary(chat.ID, summary, cutoff)
	if err != nil {
		return "", fmt.Errorf("%w: committing summary: %v", ErrSummarizationFailed, err)
	}
	if !applied {
		slog.Debug("compaction discarded, cutoff already advanced", "chat_id", chat.ID, "cutoff", cutoff)
		return "", nil
	}

	slog.Debug("compaction complete", "chat_id", chat.ID, "cutoff", cutoff, "folded", len(fold))
	return summary, nil
}
