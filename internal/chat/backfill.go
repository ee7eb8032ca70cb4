package chat

import (
	"context"
	"errors"
	"unicode/utf8"
)

// EstimateTokens approximates the token count of text at four runes per token.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// BackfillTokens estimates the assistant token count of a completed exchange
// whose stream reported no usage. It returns the stored estimate, or 0 when
// nothing had to change. Conversation totals are left alone.
func (s *Service) BackfillTokens(ctx context.Context, ev ExchangeEvent) (int, error) {
	if ev.Status != ExchangeCompleted || ev.UsageReported || ev.AssistantMessageID == "" {
		return 0, nil
	}
	msg, err := s.repo.GetMessage(ctx, ev.AssistantMessageID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	tokens := EstimateTokens(msg.Content)
	if tokens == 0 {
		return 0, nil
	}
	changed, err := s.repo.BackfillTokenCount(ctx, msg.ID, tokens)
	if err != nil || !changed {
		return 0, err
	}
	return tokens, nil
}
