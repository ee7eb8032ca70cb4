package chat

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/suPer8Hu/gopherchat/internal/ai"
)

var (
	ErrValidation       = errors.New("validation failed")
	ErrNotFound         = errors.New("not found")
	ErrModelUnavailable = errors.New("model is not available")
	ErrConversationBusy = errors.New("conversation already has a reply in progress")
	ErrUpstream         = errors.New("upstream completion failed")
)

var errStalled = errors.New("upstream stalled")

// UpstreamError is returned (or sent in-band) when the completion source
// fails. Error() is safe to show to end users; the cause is kept for logs.
type UpstreamError struct {
	Public string
	Err    error
}

func (e *UpstreamError) Error() string { return e.Public }

func (e *UpstreamError) Unwrap() []error { return []error{ErrUpstream, e.Err} }

const upstreamPrefix = "AI response failed: "

func newUpstreamError(err error) *UpstreamError {
	return &UpstreamError{Public: upstreamPrefix + describeUpstream(err), Err: err}
}

func describeUpstream(err error) string {
	var se *ai.StatusError
	switch {
	case errors.Is(err, errStalled):
		return "upstream stalled"
	case errors.As(err, &se):
		return fmt.Sprintf("upstream returned status %d", se.StatusCode)
	case errors.Is(err, io.ErrUnexpectedEOF):
		return "upstream closed the stream early"
	case errors.Is(err, context.DeadlineExceeded):
		return "upstream timed out"
	case errors.Is(err, ai.ErrUnknownProvider):
		return "provider unavailable"
	default:
		return "upstream error"
	}
}

func validationError(msg string) error {
	return fmt.Errorf("%w: %s", ErrValidation, msg)
}
