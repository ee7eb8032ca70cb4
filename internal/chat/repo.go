package chat

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// Models

func (r *Repo) GetModel(ctx context.Context, id string) (*Model, error) {
	var m Model
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

// FirstActiveModel returns the model new conversations use when none is given.
func (r *Repo) FirstActiveModel(ctx context.Context) (*Model, error) {
	var m Model
	if err := r.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("sort_order ASC").Order("created_at ASC").
		First(&m).Error; err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

func (r *Repo) ListActiveModels(ctx context.Context) ([]Model, error) {
	var ms []Model
	if err := r.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("sort_order ASC").Order("created_at ASC").
		Find(&ms).Error; err != nil {
		return nil, err
	}
	return ms, nil
}

// UpsertModel inserts m or, when a model with the same name exists, updates
// it in place. m.ID is set to the stored id.
func (r *Repo) UpsertModel(ctx context.Context, m *Model) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Model
		err := tx.Where("name = ?", m.Name).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(m).Error
		case err != nil:
			return err
		}
		m.ID = existing.ID
		m.CreatedAt = existing.CreatedAt
		return tx.Model(&existing).Updates(map[string]any{
			"provider":   m.Provider,
			"max_tokens": m.MaxTokens,
			"is_active":  m.IsActive,
			"sort_order": m.SortOrder,
		}).Error
	})
}

// Conversations

func (r *Repo) CreateConversation(ctx context.Context, c *Conversation) error {
	return r.db.WithContext(ctx).Create(c).Error
}

// GetConversation loads a live conversation owned by userID. Conversations of
// other users are reported as ErrNotFound.
func (r *Repo) GetConversation(ctx context.Context, userID uint64, id string) (*Conversation, error) {
	var c Conversation
	if err := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		First(&c).Error; err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (r *Repo) ListConversations(ctx context.Context, userID uint64) ([]Conversation, error) {
	var cs []Conversation
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").Order("id DESC").
		Find(&cs).Error; err != nil {
		return nil, err
	}
	return cs, nil
}

func (r *Repo) UpdateConversation(ctx context.Context, userID uint64, id string, fields map[string]any) error {
	res := r.db.WithContext(ctx).Model(&Conversation{}).
		Where("id = ? AND user_id = ?", id, userID).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repo) SoftDeleteConversation(ctx context.Context, userID uint64, id string) error {
	res := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		Delete(&Conversation{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Messages

func (r *Repo) InsertMessage(ctx context.Context, m *Message) error {
	return r.db.WithContext(ctx).Create(m).Error
}

func (r *Repo) GetMessage(ctx context.Context, id string) (*Message, error) {
	var m Message
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

// ListMessages returns every message of a conversation, oldest first.
func (r *Repo) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC").Order("id ASC").
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// ListRecentMessages returns the newest limit messages, oldest first.
func (r *Repo) ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	var desc []Message
	if err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC").Order("id DESC").
		Limit(limit).
		Find(&desc).Error; err != nil {
		return nil, err
	}
	// reverse to ASC (oldest -> newest)
	for i, j := 0, len(desc)-1; i < j; i, j = i+1, j-1 {
		desc[i], desc[j] = desc[j], desc[i]
	}
	return desc, nil
}

// MarkMessageError flags a message as failed. A message already flagged keeps
// its first error text.
func (r *Repo) MarkMessageError(ctx context.Context, id, errText string) error {
	return r.db.WithContext(ctx).Model(&Message{}).
		Where("id = ? AND is_error = ?", id, false).
		Updates(map[string]any{
			"is_error":      true,
			"error_message": errText,
		}).Error
}

// BackfillTokenCount sets the token count of a message whose count is still
// unknown. It reports whether a row changed.
func (r *Repo) BackfillTokenCount(ctx context.Context, id string, tokens int) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Message{}).
		Where("id = ? AND token_count = ?", id, 0).
		Update("token_count", tokens)
	return res.RowsAffected > 0, res.Error
}

// exchangeCommit is everything a successful exchange writes.
type exchangeCommit struct {
	ConversationID string
	Assistant      *Message
	Tokens         int
	Title          string
}

// CommitExchange stores the assistant reply and bumps the conversation
// aggregates in one transaction.
func (r *Repo) CommitExchange(ctx context.Context, c exchangeCommit) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(c.Assistant).Error; err != nil {
			return fmt.Errorf("insert assistant message: %w", err)
		}
		fields := map[string]any{
			"message_count": gorm.Expr("message_count + ?", 2),
		}
		if c.Tokens > 0 {
			fields["total_tokens"] = gorm.Expr("total_tokens + ?", c.Tokens)
		}
		if c.Title != "" {
			fields["title"] = c.Title
		}
		res := tx.Model(&Conversation{}).
			Where("id = ?", c.ConversationID).
			Updates(fields)
		if res.Error != nil {
			return fmt.Errorf("update conversation: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}
