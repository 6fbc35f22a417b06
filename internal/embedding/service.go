// Package embedding generates text embeddings with provider fallback.
// The local Ollama provider is tried first, the Gemini cloud provider
// second. No winner is cached between calls: availability can change
// mid-session (a local server starting or stopping), so every call walks
// the provider order again.
package embedding

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sandrev/loom/internal/gemini"
	"github.com/sandrev/loom/internal/ollama"
)

// Dimension is the vector dimension every provider must agree on.
// nomic-embed-text produces 768-dim vectors; the Gemini provider is asked
// for the same output dimensionality.
const Dimension = 768

// ErrUnavailable is returned when every provider failed or timed out.
// Callers must treat embedding as optional: a reply is never blocked on it.
var ErrUnavailable = errors.New("no embedding provider available")

// TaskHint tells the provider whether the text is a search query or a
// document being indexed. Only the Gemini API distinguishes the two.
type TaskHint string

const (
	TaskQuery    TaskHint = "query"
	TaskDocument TaskHint = "document"
)

const (
	embedTimeout = 10 * time.Second
	probeTimeout = 3 * time.Second
)

// Config holds the embedding provider settings current at the time of a call.
type Config struct {
	OllamaBaseURL string
	OllamaModel   string // e.g. "nomic-embed-text"
	GeminiAPIKey  string
	GeminiModel   string // e.g. "text-embedding-004"
	GeminiBaseURL string // empty means the public API endpoint
}

// Service tries an ordered list of embedding providers per call.
type Service struct {
	config func() Config
}

// NewService creates a Service. config is invoked on every call so settings
// changed mid-session take effect immediately.
func NewService(config func() Config) *Service {
	return &Service{config: config}
}

// Embed returns a Dimension-length vector for text, trying providers in
// order. A provider that errors, times out, or returns a vector of the
// wrong dimension is skipped. When all providers fail the call returns
// ErrUnavailable.
func (s *Service) Embed(ctx context.Context, text string, hint TaskHint) ([]float32, error) {
	cfg := s.config()

	// Local provider first.
	embedCtx, cancel := context.WithTimeout(ctx, embedTimeout)
	vec, err := ollama.New(cfg.OllamaBaseURL).Embed(embedCtx, cfg.OllamaModel, text)
	cancel()
	if err == nil && len(vec) == Dimension {
		return vec, nil
	}
	if err == nil {
		err = errors.New("wrong vector dimension")
	}
	slog.Debug("local embedding provider failed", "error", err)

	// Cloud fallback.
	if cfg.GeminiAPIKey != "" {
		client := gemini.NewClient(cfg.GeminiAPIKey)
		if cfg.GeminiBaseURL != "" {
			client = gemini.NewClientWithBaseURL(cfg.GeminiAPIKey, cfg.GeminiBaseURL)
		}
		embedCtx, cancel := context.WithTimeout(ctx, embedTimeout)
		vec, err := client.Embed(embedCtx, cfg.GeminiModel, text, taskType(hint), Dimension)
		cancel()
		if err == nil && len(vec) == Dimension {
			return vec, nil
		}
		if err == nil {
			err = errors.New("wrong vector dimension")
		}
		slog.Debug("cloud embedding provider failed", "error", err)
	}

	return nil, ErrUnavailable
}

func taskType(hint TaskHint) string {
	if hint == TaskQuery {
		return "RETRIEVAL_QUERY"
	}
	return "RETRIEVAL_DOCUMENT"
}

// Availability is the provider status reported to the UI.
type Availability struct {
	Available bool   `json:"available"`
	Provider  string `json:"activeProvider,omitempty"`
}

// Probe reports which provider would serve an embedding call right now.
// It is a cheap read for status display only and never gates generation.
func (s *Service) Probe(ctx context.Context) Availability {
	cfg := s.config()

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	local := ollama.New(cfg.OllamaBaseURL)
	if local.IsRunning(probeCtx) && local.HasModel(probeCtx, cfg.OllamaModel) {
		return Availability{Available: true, Provider: "ollama"}
	}

	if cfg.GeminiAPIKey != "" {
		return Availability{Available: true, Provider: "gemini"}
	}

	return Availability{}
}
