package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/suPer8Hu/gopherchat/internal/ai"
	"github.com/suPer8Hu/gopherchat/internal/common"
	"gorm.io/datatypes"
)

const (
	defaultTemperature float32 = 0.7
	defaultTopP        float32 = 1.0
)

type SendRequest struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	// ModelID overrides the conversation's model for this exchange only.
	ModelID string `json:"model_id,omitempty"`
}

// Result describes a committed exchange.
type Result struct {
	UserMessage      *Message
	AssistantMessage *Message
	// Title is set when this exchange named the conversation.
	Title string
	Usage *ai.Usage
}

// Stream is a running exchange. Chunks delivers reply deltas in upstream
// order and is closed once the exchange has terminated and been persisted.
// Err and Result are valid after Chunks is closed.
type Stream struct {
	UserMessage *Message

	chunks chan string
	done   chan struct{}
	err    error
	result Result
}

func (s *Stream) Chunks() <-chan string { return s.chunks }

// Done is closed after Chunks.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Err is nil when the reply was committed, context.Canceled when the caller
// went away, or an *UpstreamError.
func (s *Stream) Err() error { return s.err }

func (s *Stream) Result() Result { return s.result }

// SendMessageStream persists the user turn, opens the upstream completion and
// relays it. Errors returned here happen before any chunk is produced.
func (s *Service) SendMessageStream(ctx context.Context, userID uint64, req SendRequest) (*Stream, error) {
	content := req.Content
	if strings.TrimSpace(content) == "" {
		return nil, validationError("content is required")
	}
	if strings.TrimSpace(req.ConversationID) == "" {
		return nil, validationError("conversation_id is required")
	}

	conv, err := s.repo.GetConversation(ctx, userID, req.ConversationID)
	if err != nil {
		return nil, err
	}

	modelID := conv.ModelID
	if override := strings.TrimSpace(req.ModelID); override != "" {
		modelID = override
	}
	model, err := s.activeModel(ctx, modelID)
	if err != nil {
		return nil, err
	}

	provider, err := s.registry.Get(ctx, model.Provider, model.Name)
	if err != nil {
		return nil, newUpstreamError(err)
	}

	log := s.log.WithFields(logrus.Fields{
		"conversation_id": conv.ID,
		"user_id":         userID,
		"model":           model.Name,
	})

	lockKey := streamLockKey(conv.ID)
	token, ok, err := s.locker.TryLock(ctx, lockKey, s.opts.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire stream lock: %w", err)
	}
	if !ok {
		return nil, ErrConversationBusy
	}
	held := holdLease(s.locker, lockKey, token, s.opts.LockTTL, log)
	unlock := func() { held.release(ctx) }

	history, err := s.repo.ListRecentMessages(ctx, conv.ID, s.opts.ContextWindowSize)
	if err != nil {
		unlock()
		return nil, err
	}

	msgID, err := common.NewULID()
	if err != nil {
		unlock()
		return nil, err
	}
	userMsg := &Message{
		ID:             msgID,
		ConversationID: conv.ID,
		Role:           ai.RoleUser,
		Content:        content,
	}
	if err := s.repo.InsertMessage(ctx, userMsg); err != nil {
		unlock()
		return nil, err
	}

	x := &exchange{
		svc:     s,
		ctx:     ctx,
		userID:  userID,
		conv:    conv,
		model:   model,
		userMsg: userMsg,
		started: time.Now(),
		log:     log.WithField("user_message_id", userMsg.ID),
		unlock:  unlock,
	}

	upCtx, cancel := context.WithCancelCause(ctx)
	stall := time.AfterFunc(s.opts.StallTimeout, func() { cancel(errStalled) })

	upstream, err := provider.StreamChat(upCtx, buildRequest(conv, model, history, userMsg))
	if err != nil {
		stall.Stop()
		if errors.Is(context.Cause(upCtx), errStalled) {
			err = errStalled
		}
		cancel(nil)
		defer unlock()
		if ctx.Err() != nil {
			x.publish(ExchangeCancelled, &reply{}, nil, "")
			return nil, ctx.Err()
		}
		upErr := newUpstreamError(err)
		x.fail(upErr, &reply{})
		return nil, upErr
	}

	st := &Stream{
		UserMessage: userMsg,
		// small buffer: a slow client holds back the upstream reader
		chunks: make(chan string, 8),
		done:   make(chan struct{}),
	}
	go x.run(st, upstream, upCtx, cancel, stall)
	return st, nil
}

func buildRequest(conv *Conversation, model *Model, history []Message, userMsg *Message) ai.Request {
	msgs := make([]ai.Message, 0, len(history)+2)
	if conv.SystemPrompt != nil && strings.TrimSpace(*conv.SystemPrompt) != "" {
		msgs = append(msgs, ai.Message{Role: ai.RoleSystem, Content: *conv.SystemPrompt})
	}
	for _, m := range history {
		msgs = append(msgs, ai.Message{Role: m.Role, Content: m.Content})
	}
	msgs = append(msgs, ai.Message{Role: ai.RoleUser, Content: userMsg.Content})

	cfg := conv.Config.Data()
	req := ai.Request{
		Model:       model.Name,
		Messages:    msgs,
		Temperature: defaultTemperature,
		TopP:        defaultTopP,
		MaxTokens:   model.MaxTokens,
	}
	if cfg.Temperature != nil {
		req.Temperature = *cfg.Temperature
	}
	if cfg.TopP != nil {
		req.TopP = *cfg.TopP
	}
	if cfg.MaxTokens != nil {
		req.MaxTokens = *cfg.MaxTokens
	}
	return req
}

type exchange struct {
	svc     *Service
	ctx     context.Context
	userID  uint64
	conv    *Conversation
	model   *Model
	userMsg *Message
	started time.Time
	log     *logrus.Entry
	unlock  func()
}

// reply accumulates what the upstream produced.
type reply struct {
	text   strings.Builder
	finish string
	model  string
	usage  *ai.Usage
	chunks int
}

func (x *exchange) run(st *Stream, upstream ai.Stream, upCtx context.Context, cancel context.CancelCauseFunc, stall *time.Timer) {
	defer close(st.done)
	defer close(st.chunks)
	defer x.unlock()

	var r reply
	err := x.pump(st, upstream, upCtx, stall, &r)
	stall.Stop()
	_ = upstream.Close()
	cancel(nil)

	switch {
	case err == nil:
		res, cerr := x.commit(&r)
		if cerr != nil {
			upErr := &UpstreamError{Public: upstreamPrefix + "could not save the reply", Err: cerr}
			x.fail(upErr, &r)
			st.err = upErr
			return
		}
		st.result = res
		x.publish(ExchangeCompleted, &r, res.AssistantMessage, "")
		x.log.WithFields(logrus.Fields{
			"chunks":     r.chunks,
			"latency_ms": time.Since(x.started).Milliseconds(),
		}).Info("exchange completed")

	case x.ctx.Err() != nil:
		st.err = x.ctx.Err()
		x.publish(ExchangeCancelled, &r, nil, "")
		x.log.WithField("chunks", r.chunks).Info("exchange cancelled by client")

	default:
		upErr := newUpstreamError(err)
		x.fail(upErr, &r)
		st.err = upErr
	}
}

// pump forwards upstream deltas until end of stream. Each received chunk
// restarts the stall timer; the timer is paused while a delta waits for the
// client.
func (x *exchange) pump(st *Stream, upstream ai.Stream, upCtx context.Context, stall *time.Timer, r *reply) error {
	for {
		chunk, err := upstream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(context.Cause(upCtx), errStalled) && x.ctx.Err() == nil {
				return fmt.Errorf("%w: %w", errStalled, err)
			}
			return err
		}
		stall.Stop()

		if chunk.Model != "" {
			r.model = chunk.Model
		}
		if chunk.FinishReason != "" {
			r.finish = chunk.FinishReason
		}
		if chunk.Usage != nil {
			r.usage = chunk.Usage
		}
		if chunk.Delta != "" {
			r.text.WriteString(chunk.Delta)
			r.chunks++
			select {
			case st.chunks <- chunk.Delta:
			case <-x.ctx.Done():
				return x.ctx.Err()
			}
		}
		stall.Reset(x.svc.opts.StallTimeout)
	}
}

func (x *exchange) commit(r *reply) (Result, error) {
	ctx := context.WithoutCancel(x.ctx)

	id, err := common.NewULID()
	if err != nil {
		return Result{}, err
	}
	modelName := r.model
	if modelName == "" {
		modelName = x.model.Name
	}
	assistant := &Message{
		ID:             id,
		ConversationID: x.conv.ID,
		Role:           ai.RoleAssistant,
		Content:        r.text.String(),
		Metadata:       datatypes.NewJSONType(MessageMetadata{FinishReason: r.finish, Model: modelName}),
	}
	tokens := 0
	if r.usage != nil {
		assistant.TokenCount = r.usage.CompletionTokens
		tokens = r.usage.TotalTokens
	}

	var title string
	if needsTitle(x.conv) {
		title = DeriveTitle(x.userMsg.Content)
	}

	if err := x.svc.repo.CommitExchange(ctx, exchangeCommit{
		ConversationID: x.conv.ID,
		Assistant:      assistant,
		Tokens:         tokens,
		Title:          title,
	}); err != nil {
		return Result{}, err
	}
	return Result{UserMessage: x.userMsg, AssistantMessage: assistant, Title: title, Usage: r.usage}, nil
}

func (x *exchange) fail(upErr *UpstreamError, r *reply) {
	ctx := context.WithoutCancel(x.ctx)
	if err := x.svc.repo.MarkMessageError(ctx, x.userMsg.ID, upErr.Public); err != nil {
		x.log.WithError(err).Error("mark user message as errored")
	}
	x.publish(ExchangeFailed, r, nil, upErr.Public)
	x.log.WithError(upErr.Err).WithField("chunks", r.chunks).Warn("exchange failed")
}

func (x *exchange) publish(status ExchangeStatus, r *reply, assistant *Message, errText string) {
	if x.svc.events == nil {
		return
	}
	ev := ExchangeEvent{
		Status:         status,
		ConversationID: x.conv.ID,
		UserID:         x.userID,
		UserMessageID:  x.userMsg.ID,
		Model:          x.model.Name,
		Chunks:         r.chunks,
		LatencyMS:      time.Since(x.started).Milliseconds(),
		Error:          errText,
		OccurredAt:     time.Now().UTC(),
	}
	if assistant != nil {
		ev.AssistantMessageID = assistant.ID
	}
	if r.usage != nil {
		ev.UsageReported = true
		ev.PromptTokens = r.usage.PromptTokens
		ev.CompletionTokens = r.usage.CompletionTokens
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(x.ctx), 5*time.Second)
	defer cancel()
	if err := x.svc.events.PublishExchange(ctx, ev); err != nil {
		x.log.WithError(err).Warn("publish exchange event")
	}
}
