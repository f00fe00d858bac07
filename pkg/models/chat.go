package models

import "time"

// Reply sources.
const (
	SourcePattern  = "pattern"
	SourceCache    = "cache"
	SourceLLM      = "llm"
	SourceFallback = "fallback"
)

// Project is a construction site the assistant answers questions about.
type Project struct {
	ProjectID      string    `json:"project_id"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	ProjectType    string    `json:"project_type,omitempty"`
	CurrentStage   string    `json:"current_stage,omitempty"`
	ExpectedSpaces []string  `json:"expected_spaces,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// MessageRecord is one persisted exchange between a user and the assistant.
type MessageRecord struct {
	ID          int64     `json:"id"`
	MessageID   string    `json:"message_id"`
	ProjectID   string    `json:"project_id"`
	UserMessage string    `json:"user_message"`
	AIResponse  string    `json:"ai_response"`
	Source      string    `json:"source"`
	CreatedAt   time.Time `json:"created_at"`
}

// Reply is the answer returned for a chat message.
type Reply struct {
	ID           int64     `json:"id"`
	MessageID    string    `json:"message_id"`
	Response     string    `json:"response"`
	Source       string    `json:"source"`
	Model        string    `json:"model,omitempty"`
	Confidence   float64   `json:"confidence"`
	FromCache    bool      `json:"from_cache"`
	CacheAge     int64     `json:"cache_age,omitempty"`
	SimilarMatch bool      `json:"similar_match,omitempty"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Stream event types, in the order a streamed reply emits them.
const (
	StreamStart   = "start"
	StreamContent = "content"
	StreamEnd     = "end"
)

// StreamEvent is one server-sent event of a streamed reply.
type StreamEvent struct {
	Type      string `json:"type"`
	Source    string `json:"source,omitempty"`
	Model     string `json:"model,omitempty"`
	Text      string `json:"text,omitempty"`
	FromCache bool   `json:"from_cache,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}
