package client

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/suPer8Hu/gopherchat/internal/ai"
	"github.com/suPer8Hu/gopherchat/internal/chat"
	"github.com/suPer8Hu/gopherchat/internal/logging"
	"github.com/suPer8Hu/gopherchat/internal/sse"
)

var (
	ErrNoConversationSelected = errors.New("no conversation selected")
	ErrStreamInProgress       = errors.New("a reply is already streaming")
	ErrEmptyContent           = errors.New("message content is empty")
)

// ProvisionalPrefix starts the id of every message not yet read back from the
// server.
const ProvisionalPrefix = "local-"

// errStreamEnded is reported when the body ends without a terminal frame.
var errStreamEnded = errors.New("stream ended unexpectedly")

type State int

const (
	StateIdle State = iota
	StateSending
	StateStreaming
	StateCompleted
	StateErrored
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateSending:
		return "sending"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateErrored:
		return "errored"
	case StateCancelled:
		return "cancelled"
	default:
		return "idle"
	}
}

func (s State) active() bool { return s == StateSending || s == StateStreaming }

// Callbacks are invoked from the goroutine running SendStreaming.
// OnChunk receives the whole reply received so far.
type Callbacks struct {
	OnChunk    func(text string)
	OnComplete func()
	OnError    func(message string)
}

type exchange struct {
	state  State
	cancel context.CancelFunc
	buf    strings.Builder
}

// Session is the client-side view of one user's chats.
type Session struct {
	client *Client
	cb     Callbacks
	log    *logrus.Entry

	// AllowConcurrent lets different conversations stream at the same time.
	AllowConcurrent bool

	mu            sync.Mutex
	selected      string
	conversations []chat.Conversation
	messages      map[string][]chat.Message
	exchanges     map[string]*exchange
	outcomes      map[string]State
}

func NewSession(c *Client, cb Callbacks, log *logrus.Entry) *Session {
	if log == nil {
		log = logrus.NewEntry(logging.Discard())
	}
	return &Session{
		client:    c,
		cb:        cb,
		log:       log.WithField("component", "session"),
		messages:  make(map[string][]chat.Message),
		exchanges: make(map[string]*exchange),
		outcomes:  make(map[string]State),
	}
}

func (s *Session) Select(conversationID string) {
	s.mu.Lock()
	s.selected = conversationID
	s.mu.Unlock()
}

func (s *Session) Selected() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// Messages returns the visible messages of a conversation.
func (s *Session) Messages(conversationID string) []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chat.Message(nil), s.messages[conversationID]...)
}

func (s *Session) Conversations() []chat.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chat.Conversation(nil), s.conversations...)
}

// State reports the exchange state of a conversation. It is StateIdle again
// once SendStreaming has returned.
func (s *Session) State(conversationID string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ex, ok := s.exchanges[conversationID]; ok {
		return ex.state
	}
	return StateIdle
}

// Outcome is the terminal state of the last finished exchange of a
// conversation, or StateIdle when none has finished.
func (s *Session) Outcome(conversationID string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.outcomes[conversationID]; ok {
		return st
	}
	return StateIdle
}

// Partial returns the reply text received so far for an in-flight exchange.
func (s *Session) Partial(conversationID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ex, ok := s.exchanges[conversationID]; ok && ex.state.active() {
		return ex.buf.String()
	}
	return ""
}

func (s *Session) LoadConversations(ctx context.Context) error {
	convs, err := s.client.ListConversations(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.conversations = convs
	s.mu.Unlock()
	return nil
}

// LoadConversation fetches a conversation, replaces its local messages with
// the stored ones and selects it.
func (s *Session) LoadConversation(ctx context.Context, id string) error {
	if err := s.refresh(ctx, id); err != nil {
		return err
	}
	s.Select(id)
	return nil
}

// refresh merges the stored state of a conversation into the local view.
// Provisional local ids disappear because the stored list replaces them.
func (s *Session) refresh(ctx context.Context, id string) error {
	detail, err := s.client.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[id] = detail.Messages
	for i := range s.conversations {
		if s.conversations[i].ID == id {
			s.conversations[i] = detail.Conversation
			return nil
		}
	}
	s.conversations = append([]chat.Conversation{detail.Conversation}, s.conversations...)
	return nil
}

// SendStreaming sends content and relays the reply through the callbacks.
// It blocks until the exchange ends; Cancel may be called from another
// goroutine. An empty conversationID means the selected conversation.
// The returned error is nil on completion and context.Canceled after Cancel.
func (s *Session) SendStreaming(ctx context.Context, content, conversationID string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyContent
	}

	s.mu.Lock()
	if conversationID == "" {
		conversationID = s.selected
	}
	if conversationID == "" {
		s.mu.Unlock()
		return ErrNoConversationSelected
	}
	if err := s.checkIdleLocked(conversationID); err != nil {
		s.mu.Unlock()
		return err
	}

	userMsg := chat.Message{
		ID:             provisionalID(),
		ConversationID: conversationID,
		Role:           ai.RoleUser,
		Content:        content,
		CreatedAt:      time.Now(),
	}
	s.messages[conversationID] = append(s.messages[conversationID], userMsg)

	sctx, cancel := context.WithCancel(ctx)
	ex := &exchange{state: StateSending, cancel: cancel}
	s.exchanges[conversationID] = ex
	s.mu.Unlock()
	defer s.release(conversationID, ex)
	defer cancel()

	resp, err := s.client.OpenStream(sctx, chat.SendRequest{ConversationID: conversationID, Content: content})
	if err != nil {
		return s.abort(ctx, conversationID, ex, err)
	}
	defer resp.Close()

	for {
		ev, err := resp.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = errStreamEnded
			}
			return s.abort(ctx, conversationID, ex, err)
		}

		switch ev.Kind {
		case sse.KindChunk:
			s.mu.Lock()
			if ex.state == StateCancelled {
				s.mu.Unlock()
				return context.Canceled
			}
			ex.state = StateStreaming
			ex.buf.WriteString(ev.Text)
			text := ex.buf.String()
			s.mu.Unlock()
			if s.cb.OnChunk != nil {
				s.cb.OnChunk(text)
			}

		case sse.KindError:
			return s.fail(conversationID, ex, errors.New(ev.Text))

		case sse.KindDone:
			return s.complete(ctx, conversationID, ex)
		}
	}
}

// release returns the conversation to idle after callbacks and the refresh
// have run.
func (s *Session) release(conversationID string, ex *exchange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.exchanges[conversationID]; ok && cur == ex {
		delete(s.exchanges, conversationID)
		s.outcomes[conversationID] = ex.state
	}
}

// abort ends an exchange whose request failed. A caller whose own context
// ended gets cancel semantics instead of an error message.
func (s *Session) abort(ctx context.Context, conversationID string, ex *exchange, err error) error {
	if ctx.Err() != nil {
		s.Cancel(conversationID)
		return ctx.Err()
	}
	return s.fail(conversationID, ex, err)
}

func (s *Session) checkIdleLocked(conversationID string) error {
	if ex, ok := s.exchanges[conversationID]; ok && ex.state.active() {
		return ErrStreamInProgress
	}
	if s.AllowConcurrent {
		return nil
	}
	for _, ex := range s.exchanges {
		if ex.state.active() {
			return ErrStreamInProgress
		}
	}
	return nil
}

func (s *Session) complete(ctx context.Context, conversationID string, ex *exchange) error {
	s.mu.Lock()
	if ex.state == StateCancelled {
		s.mu.Unlock()
		return context.Canceled
	}
	s.messages[conversationID] = append(s.messages[conversationID], chat.Message{
		ID:             provisionalID(),
		ConversationID: conversationID,
		Role:           ai.RoleAssistant,
		Content:        ex.buf.String(),
		CreatedAt:      time.Now(),
	})
	ex.buf.Reset()
	ex.state = StateCompleted
	s.mu.Unlock()

	if s.cb.OnComplete != nil {
		s.cb.OnComplete()
	}

	if err := s.refresh(ctx, conversationID); err != nil {
		s.log.WithError(err).WithField("conversation_id", conversationID).Warn("refresh after reply failed")
		s.mu.Lock()
		for i := range s.conversations {
			if s.conversations[i].ID == conversationID {
				s.conversations[i].MessageCount += 2
			}
		}
		s.mu.Unlock()
	}
	return nil
}

func (s *Session) fail(conversationID string, ex *exchange, cause error) error {
	s.mu.Lock()
	if ex.state == StateCancelled {
		s.mu.Unlock()
		return context.Canceled
	}
	msg := cause.Error()
	var apiErr *APIError
	if errors.As(cause, &apiErr) {
		msg = apiErr.Message
	}
	s.messages[conversationID] = append(s.messages[conversationID], chat.Message{
		ID:             provisionalID(),
		ConversationID: conversationID,
		Role:           ai.RoleAssistant,
		IsError:        true,
		ErrorMessage:   &msg,
		CreatedAt:      time.Now(),
	})
	ex.buf.Reset()
	ex.state = StateErrored
	s.mu.Unlock()

	if s.cb.OnError != nil {
		s.cb.OnError(msg)
	}
	return cause
}

// Cancel aborts the in-flight exchange of a conversation without waiting for
// it. Text received so far is kept as an ordinary assistant message. It
// reports whether there was anything to cancel.
func (s *Session) Cancel(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conversationID == "" {
		conversationID = s.selected
	}
	ex, ok := s.exchanges[conversationID]
	if !ok || !ex.state.active() {
		return false
	}
	if ex.buf.Len() > 0 {
		s.messages[conversationID] = append(s.messages[conversationID], chat.Message{
			ID:             provisionalID(),
			ConversationID: conversationID,
			Role:           ai.RoleAssistant,
			Content:        ex.buf.String(),
			CreatedAt:      time.Now(),
		})
		ex.buf.Reset()
	}
	ex.state = StateCancelled
	ex.cancel()
	return true
}

// provisionalID marks messages that exist only locally until the next refresh.
func provisionalID() string {
	return ProvisionalPrefix + uuid.NewString()
}
