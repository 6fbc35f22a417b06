package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Document lifecycle states.
const (
	DocStatusProcessing = "processing"
	DocStatusReady      = "ready"
	DocStatusError      = "error"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Project struct {
	ID        int64
	Name      string
	CreatedAt time.Time
}

// Chat carries the per-conversation context state. SystemPrompt is set by
// the caller and included verbatim in every assembled context. Summary and
// SummaryCutoffID are written only through UpdateChatSummary; every message
// with id <= SummaryCutoffID is represented by Summary and must not be
// replayed verbatim.
type Chat struct {
	ID              int64
	ProjectID       int64 // 0 for standalone chats
	Title           string
	SystemPrompt    string
	Summary         string
	SummaryCutoffID int64 // 0 when no summary exists
	CreatedAt       time.Time
}

// Message is one turn of a conversation. Immutable once created; the
// autoincrement ID doubles as the ordering key.
type Message struct {
	ID        int64
	ChatID    int64
	Role      string
	Content   string
	CreatedAt time.Time
}

type Document struct {
	ID           string
	ProjectID    int64
	Filename     string
	MimeType     string
	Status       string
	ChunkCount   int
	ErrorMessage string
	CreatedAt    time.Time
}

// DocumentChunk is one ordered slice of a document's text. Content includes
// a deliberate overlap with the previous chunk's tail; the original text is
// recoverable only by reconstructing across chunks.
type DocumentChunk struct {
	DocumentID string
	ProjectID  int64
	ChunkIndex int
	Content    string
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
