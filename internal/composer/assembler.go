// Package composer assembles the ordered message list handed to a
// generation backend. Block order is fixed: system instruction, semantic
// recall, running summary, then the sliding window of raw recent turns.
// Later blocks sit closer to the live user turn and dominate model
// attention, so the order must not change.
package composer

import (
	"context"
	"log/slog"
	"strings"

	"github.com/sandrev/loom/internal/provider"
	"github.com/sandrev/loom/internal/retrieval"
	"github.com/sandrev/loom/internal/storage"
)

// DefaultRecentWindow is the number of raw recent turns kept verbatim.
const DefaultRecentWindow = 20

const snippetSeparator = "\n\n---\n\n"

// Synthetic exchange framing. Recall and summary are injected as prior
// user/assistant exchanges rather than instructions so the backend treats
// them as conversation history.
const (
	recallPrefix  = "Relevant context from earlier in this conversation:\n\n"
	recallAck     = "Noted. I'll take that earlier context into account."
	summaryPrefix = "Summary of the conversation so far:\n\n"
	summaryAck    = "Understood. I'll continue from that summary."
)

// Recaller abstracts semantic recall. Satisfied by *retrieval.Retriever.
type Recaller interface {
	Recall(ctx context.Context, query string, scope retrieval.Scope, opts retrieval.RecallOptions) ([]retrieval.Result, error)
}

// Options tune assembly.
type Options struct {
	RecentWindow  int
	TopK          int
	MinSimilarity float64
}

// Assembler builds generation input from conversation state.
type Assembler struct {
	recaller Recaller
	opts     Options
}

// New creates an Assembler. A nil recaller disables the semantic recall
// block entirely. Zero option fields fall back to package defaults.
func New(recaller Recaller, opts Options) *Assembler {
	if opts.RecentWindow <= 0 {
		opts.RecentWindow = DefaultRecentWindow
	}
	return &Assembler{recaller: recaller, opts: opts}
}

// Assemble returns the ordered message list for a generation call.
// turns must be the chat's full message list in chronological order, ending
// with the live user turn. Turns at or below the chat's summary cutoff are
// represented by the summary block and never replayed verbatim.
//
// Assembly never fails: recall errors (including embedding unavailability)
// degrade to summary+window or window-only. Given unchanged inputs and
// stored vectors, the output is byte-identical across calls.
func (a *Assembler) Assemble(ctx context.Context, chat storage.Chat, turns []storage.Message) []provider.Message {
	window := slidingWindow(turns, chat.SummaryCutoffID, a.opts.RecentWindow)

	var messages []provider.Message

	// Block 1: system instruction, verbatim, never trimmed.
	if chat.SystemPrompt != "" {
		messages = append(messages, provider.Message{Role: "system", Content: chat.SystemPrompt})
	}

	// Block 2: semantic recall, framed as a prior exchange.
	if recall := a.recallBlock(ctx, chat, window); recall != "" {
		messages = append(messages,
			provider.Message{Role: "user", Content: recall},
			provider.Message{Role: "assistant", Content: recallAck},
		)
	}

	// Block 3: running summary, a distinct synthetic exchange.
	if chat.Summary != "" {
		messages = append(messages,
			provider.Message{Role: "user", Content: summaryPrefix + chat.Summary},
			provider.Message{Role: "assistant", Content: summaryAck},
		)
	}

	// Block 4: sliding window of raw turns, chronological, always last.
	for _, t := range window {
		messages = append(messages, provider.Message{Role: t.Role, Content: t.Content})
	}

	return messages
}

// slidingWindow returns the most recent limit turns above the summary
// cutoff, in chronological order.
func slidingWindow(turns []storage.Message, cutoffID int64, limit int) []storage.Message {
	first := 0
	for i, t := range turns {
		if t.ID > cutoffID {
			first = i
			break
		}
		first = i + 1
	}
	window := turns[first:]
	if len(window) > limit {
		window = window[len(window)-limit:]
	}
	return window
}

func (a *Assembler) recallBlock(ctx context.Context, chat storage.Chat, window []storage.Message) string {
	if a.recaller == nil || len(window) == 0 {
		return ""
	}

	// The query is the live user turn.
	last := window[len(window)-1]
	if last.Role != storage.RoleUser || strings.TrimSpace(last.Content) == "" {
		return ""
	}

	exclude := make(map[int64]bool, len(window))
	for _, t := range window {
		exclude[t.ID] = true
	}

	scope := retrieval.Scope{ChatID: chat.ID}
	if chat.ProjectID != 0 {
		scope = retrieval.Scope{ProjectID: chat.ProjectID}
	}

	results, err := a.recaller.Recall(ctx, last.Content, scope, retrieval.RecallOptions{
		TopK:          a.opts.TopK,
		MinSimilarity: a.opts.MinSimilarity,
		Exclude:       exclude,
	})
	if err != nil {
		// Recall is optional; assembly proceeds without it.
		slog.Debug("semantic recall unavailable", "chat_id", chat.ID, "error", err)
		return ""
	}
	if len(results) == 0 {
		return ""
	}

	snippets := make([]string, len(results))
	for i, r := range results {
		snippets[i] = r.Text
	}
	return recallPrefix + strings.Join(snippets, snippetSeparator)
}
