// Package provider routes generation and summarization calls to a closed
// set of text-generation backends: a local Ollama server and the Gemini
// cloud API. The backend for a call is chosen by an explicit routing
// function on the model name, never by ad hoc string checks at call sites.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sandrev/loom/internal/gemini"
	"github.com/sandrev/loom/internal/ollama"
)

// ErrGenerationFailed wraps any backend error from a generation call.
// It is surfaced to the caller as-is; retry policy belongs to the caller.
var ErrGenerationFailed = errors.New("generation failed")

// Message is a role-tagged text block handed to a backend.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Backend identifies which provider family serves a model name.
type Backend int

const (
	BackendLocal Backend = iota
	BackendGemini
)

func (b Backend) String() string {
	if b == BackendGemini {
		return "gemini"
	}
	return "local"
}

// Route returns the backend for a model name: names with the "gemini"
// prefix go to the cloud backend, everything else to the local one.
func Route(model string) Backend {
	if strings.HasPrefix(model, "gemini") {
		return BackendGemini
	}
	return BackendLocal
}

// Generator produces a complete assistant reply for an ordered message list.
type Generator interface {
	Generate(ctx context.Context, model string, messages []Message) (string, error)
}

// Config holds the provider settings current at the time of a call.
type Config struct {
	OllamaBaseURL string
	GeminiAPIKey  string
	GeminiBaseURL string // empty means the public API endpoint
}

// Router constructs a backend client per call, reading configuration each
// time so a key or base URL changed via settings applies mid-session.
type Router struct {
	config func() Config
}

// NewRouter creates a Router. config is invoked on every call.
func NewRouter(config func() Config) *Router {
	return &Router{config: config}
}

var _ Generator = (*Router)(nil)

// Generate routes the call by model name and returns the assistant text.
// All failures are wrapped in ErrGenerationFailed.
func (r *Router) Generate(ctx context.Context, model string, messages []Message) (string, error) {
	cfg := r.config()

	switch Route(model) {
	case BackendGemini:
		if cfg.GeminiAPIKey == "" {
			return "", fmt.Errorf("%w: gemini API key not configured", ErrGenerationFailed)
		}
		client := gemini.NewClient(cfg.GeminiAPIKey)
		if cfg.GeminiBaseURL != "" {
			client = gemini.NewClientWithBaseURL(cfg.GeminiAPIKey, cfg.GeminiBaseURL)
		}
		text, err := client.Chat(ctx, model, toGeminiMessages(messages))
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrGenerationFailed, err)
		}
		return text, nil

	default:
		text, err := ollama.New(cfg.OllamaBaseURL).Chat(ctx, model, toOllamaMessages(messages))
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrGenerationFailed, err)
		}
		return text, nil
	}
}

func toGeminiMessages(messages []Message) []gemini.Message {
	out := make([]gemini.Message, len(messages))
	for i, m := range messages {
		out[i] = gemini.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

func toOllamaMessages(messages []Message) []ollama.Message {
	out := make([]ollama.Message, len(messages))
	for i, m := range messages {
		out[i] = ollama.Message{Role: m.Role, Content: m.Content}
	}
	return out
}
