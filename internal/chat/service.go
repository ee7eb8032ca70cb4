package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/suPer8Hu/gopherchat/internal/ai"
	"github.com/suPer8Hu/gopherchat/internal/common"
	"github.com/suPer8Hu/gopherchat/internal/logging"
	"gorm.io/datatypes"
)

// ModelSource resolves model ids. *Repo satisfies it; a cache can sit in front.
type ModelSource interface {
	GetModel(ctx context.Context, id string) (*Model, error)
}

type Options struct {
	ContextWindowSize int
	// StallTimeout bounds the gap between two upstream chunks.
	StallTimeout time.Duration
	LockTTL      time.Duration
}

type Service struct {
	repo     *Repo
	models   ModelSource
	registry *ai.Registry
	locker   Locker
	events   EventPublisher
	log      *logrus.Entry
	opts     Options
}

type Option func(*Service)

func WithModelSource(m ModelSource) Option { return func(s *Service) { s.models = m } }

func WithLocker(l Locker) Option { return func(s *Service) { s.locker = l } }

func WithEventPublisher(p EventPublisher) Option { return func(s *Service) { s.events = p } }

func WithLogger(l *logrus.Entry) Option { return func(s *Service) { s.log = l } }

func NewService(repo *Repo, registry *ai.Registry, opts Options, options ...Option) *Service {
	if opts.ContextWindowSize <= 0 || opts.ContextWindowSize > 100 {
		opts.ContextWindowSize = 20
	}
	if opts.StallTimeout <= 0 {
		opts.StallTimeout = 60 * time.Second
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 10 * time.Minute
	}
	s := &Service{
		repo:     repo,
		models:   repo,
		registry: registry,
		locker:   NewLocalLocker(),
		log:      logrus.NewEntry(logging.Discard()),
		opts:     opts,
	}
	for _, o := range options {
		o(s)
	}
	s.log = s.log.WithField("component", "chat")
	return s
}

type CreateConversationInput struct {
	Title        string            `json:"title"`
	ModelID      string            `json:"model_id"`
	SystemPrompt *string           `json:"system_prompt"`
	Config       *GenerationConfig `json:"config"`
}

type UpdateConversationInput struct {
	Title        *string           `json:"title"`
	ModelID      *string           `json:"model_id"`
	SystemPrompt *string           `json:"system_prompt"`
	Config       *GenerationConfig `json:"config"`
	IsPinned     *bool             `json:"is_pinned"`
}

func validateConfig(g *GenerationConfig) error {
	if g == nil {
		return nil
	}
	if g.Temperature != nil && (*g.Temperature < 0 || *g.Temperature > 2) {
		return validationError("temperature must be between 0 and 2")
	}
	if g.TopP != nil && (*g.TopP < 0 || *g.TopP > 1) {
		return validationError("top_p must be between 0 and 1")
	}
	if g.MaxTokens != nil && *g.MaxTokens <= 0 {
		return validationError("max_tokens must be positive")
	}
	return nil
}

// activeModel resolves id to a model that can serve requests.
func (s *Service) activeModel(ctx context.Context, id string) (*Model, error) {
	m, err := s.models.GetModel(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("model %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	if !m.IsActive {
		return nil, fmt.Errorf("model %s: %w", m.Name, ErrModelUnavailable)
	}
	return m, nil
}

func (s *Service) CreateConversation(ctx context.Context, userID uint64, in CreateConversationInput) (*Conversation, error) {
	if err := validateConfig(in.Config); err != nil {
		return nil, err
	}

	var (
		model *Model
		err   error
	)
	if strings.TrimSpace(in.ModelID) == "" {
		model, err = s.repo.FirstActiveModel(ctx)
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("no active model: %w", ErrModelUnavailable)
		}
	} else {
		model, err = s.activeModel(ctx, strings.TrimSpace(in.ModelID))
		if errors.Is(err, ErrNotFound) {
			return nil, validationError("unknown model_id")
		}
	}
	if err != nil {
		return nil, err
	}

	id, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = DefaultTitle
	}
	var cfg GenerationConfig
	if in.Config != nil {
		cfg = *in.Config
	}

	conv := &Conversation{
		ID:           id,
		UserID:       userID,
		ModelID:      model.ID,
		Title:        title,
		SystemPrompt: in.SystemPrompt,
		Config:       datatypes.NewJSONType(cfg),
	}
	if err := s.repo.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *Service) ListConversations(ctx context.Context, userID uint64) ([]Conversation, error) {
	return s.repo.ListConversations(ctx, userID)
}

func (s *Service) GetConversation(ctx context.Context, userID uint64, id string) (*Conversation, error) {
	return s.repo.GetConversation(ctx, userID, id)
}

// GetConversationWithMessages returns a conversation and its full history,
// oldest message first.
func (s *Service) GetConversationWithMessages(ctx context.Context, userID uint64, id string) (*Conversation, []Message, error) {
	conv, err := s.repo.GetConversation(ctx, userID, id)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := s.repo.ListMessages(ctx, conv.ID)
	if err != nil {
		return nil, nil, err
	}
	return conv, msgs, nil
}

func (s *Service) ListMessages(ctx context.Context, userID uint64, conversationID string) ([]Message, error) {
	_, msgs, err := s.GetConversationWithMessages(ctx, userID, conversationID)
	return msgs, err
}

func (s *Service) UpdateConversation(ctx context.Context, userID uint64, id string, in UpdateConversationInput) (*Conversation, error) {
	if err := validateConfig(in.Config); err != nil {
		return nil, err
	}
	fields := map[string]any{}
	if in.Title != nil {
		title := strings.TrimSpace(*in.Title)
		if title == "" {
			return nil, validationError("title must not be empty")
		}
		fields["title"] = title
	}
	if in.SystemPrompt != nil {
		fields["system_prompt"] = *in.SystemPrompt
	}
	if in.Config != nil {
		fields["config"] = datatypes.NewJSONType(*in.Config)
	}
	if in.IsPinned != nil {
		fields["is_pinned"] = *in.IsPinned
	}
	if in.ModelID != nil {
		m, err := s.activeModel(ctx, strings.TrimSpace(*in.ModelID))
		if errors.Is(err, ErrNotFound) {
			return nil, validationError("unknown model_id")
		}
		if err != nil {
			return nil, err
		}
		fields["model_id"] = m.ID
	}

	if len(fields) > 0 {
		if err := s.repo.UpdateConversation(ctx, userID, id, fields); err != nil {
			return nil, err
		}
	}
	return s.repo.GetConversation(ctx, userID, id)
}

func (s *Service) DeleteConversation(ctx context.Context, userID uint64, id string) error {
	return s.repo.SoftDeleteConversation(ctx, userID, id)
}

func (s *Service) ListActiveModels(ctx context.Context) ([]Model, error) {
	return s.repo.ListActiveModels(ctx)
}

// SyncModels makes the catalog contain ms, matching by name.
func (s *Service) SyncModels(ctx context.Context, ms []Model) error {
	for i := range ms {
		m := &ms[i]
		if strings.TrimSpace(m.Name) == "" || strings.TrimSpace(m.Provider) == "" {
			return validationError("model name and provider are required")
		}
		if m.MaxTokens <= 0 {
			m.MaxTokens = 4096
		}
		if m.ID == "" {
			id, err := common.NewULID()
			if err != nil {
				return err
			}
			m.ID = id
		}
		if err := s.repo.UpsertModel(ctx, m); err != nil {
			return fmt.Errorf("sync model %s: %w", m.Name, err)
		}
	}
	return nil
}
