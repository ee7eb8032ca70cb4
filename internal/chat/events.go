package chat

import (
	"context"
	"time"
)

type ExchangeStatus string

const (
	ExchangeCompleted ExchangeStatus = "completed"
	ExchangeFailed    ExchangeStatus = "failed"
	ExchangeCancelled ExchangeStatus = "cancelled"
)

// ExchangeEvent is published once per streamed exchange after it terminates.
type ExchangeEvent struct {
	Status             ExchangeStatus `json:"status"`
	ConversationID     string         `json:"conversation_id"`
	UserID             uint64         `json:"user_id"`
	UserMessageID      string         `json:"user_message_id"`
	AssistantMessageID string         `json:"assistant_message_id,omitempty"`
	Model              string         `json:"model"`
	UsageReported      bool           `json:"usage_reported"`
	PromptTokens       int            `json:"prompt_tokens"`
	CompletionTokens   int            `json:"completion_tokens"`
	Chunks             int            `json:"chunks"`
	LatencyMS          int64          `json:"latency_ms"`
	Error              string         `json:"error,omitempty"`
	OccurredAt         time.Time      `json:"occurred_at"`
}

type EventPublisher interface {
	PublishExchange(ctx context.Context, ev ExchangeEvent) error
}
