package ai

import (
	"context"
	"fmt"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a fully resolved completion request. Defaults are applied by the
// caller; providers send what they are given.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float32
	TopP        float32
	MaxTokens   int
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Chunk is one step of a completion stream. Delta may be empty on chunks
// that only carry a finish reason or usage.
type Chunk struct {
	Delta        string
	FinishReason string
	Model        string
	Usage        *Usage
}

// Stream is a single upstream completion. Recv returns io.EOF after the last
// chunk. Close releases the underlying connection and is safe to call twice.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
}

// Provider opens completion streams. StreamChat returns an error only when the
// upstream call cannot be started.
type Provider interface {
	StreamChat(ctx context.Context, req Request) (Stream, error)
}

// StatusError reports a non-2xx answer from an upstream endpoint.
type StatusError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: status %d", e.Provider, e.StatusCode)
}

func (e *StatusError) Unwrap() error { return e.Err }
