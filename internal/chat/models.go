package chat

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DefaultTitle is the placeholder title of a conversation that has not been
// named yet. It is replaced by a derived title after the first exchange.
const DefaultTitle = "New Conversation"

// Model is a completion model offered to users.
type Model struct {
	ID        string    `gorm:"type:varchar(26);primaryKey" json:"id"`
	Name      string    `gorm:"type:varchar(128);uniqueIndex;not null" json:"name"`
	Provider  string    `gorm:"type:varchar(32);not null" json:"provider"`
	MaxTokens int       `gorm:"not null" json:"max_tokens"`
	IsActive  bool      `gorm:"not null;index" json:"is_active"`
	SortOrder int       `gorm:"not null" json:"sort_order"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Model) TableName() string { return "chat_models" }

type Conversation struct {
	ID           string                               `gorm:"type:varchar(26);primaryKey" json:"id"`
	UserID       uint64                               `gorm:"not null;index:idx_chat_conv_user_updated,priority:1" json:"-"`
	ModelID      string                               `gorm:"type:varchar(26);not null" json:"model_id"`
	Title        string                               `gorm:"type:varchar(255);not null" json:"title"`
	SystemPrompt *string                              `gorm:"type:text" json:"system_prompt"`
	Config       datatypes.JSONType[GenerationConfig] `json:"config"`
	IsPinned     bool                                 `gorm:"not null" json:"is_pinned"`
	MessageCount int                                  `gorm:"not null" json:"message_count"`
	TotalTokens  int                                  `gorm:"not null" json:"total_tokens"`
	CreatedAt    time.Time                            `json:"created_at"`
	UpdatedAt    time.Time                            `gorm:"index:idx_chat_conv_user_updated,priority:2" json:"updated_at"`
	DeletedAt    gorm.DeletedAt                       `gorm:"index" json:"-"`
}

func (Conversation) TableName() string { return "chat_conversations" }

type Message struct {
	ID             string                              `gorm:"type:varchar(26);primaryKey" json:"id"`
	ConversationID string                              `gorm:"type:varchar(26);not null;index:idx_chat_msg_conv_created,priority:1" json:"conversation_id"`
	Role           string                              `gorm:"type:varchar(16);not null" json:"role"`
	Content        string                              `gorm:"type:text;not null" json:"content"`
	TokenCount     int                                 `gorm:"not null" json:"token_count"`
	Metadata       datatypes.JSONType[MessageMetadata] `json:"metadata"`
	IsError        bool                                `gorm:"not null" json:"is_error"`
	ErrorMessage   *string                             `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt      time.Time                           `gorm:"index:idx_chat_msg_conv_created,priority:2" json:"created_at"`
}

func (Message) TableName() string { return "chat_messages" }

// GenerationConfig holds per-conversation sampling parameters. Unset fields
// fall back to server defaults. Unknown keys are kept in Extra and written
// back at the top level.
type GenerationConfig struct {
	Temperature *float32
	TopP        *float32
	MaxTokens   *int
	Extra       map[string]any
}

var generationConfigKeys = []string{"temperature", "top_p", "max_tokens"}

func (g GenerationConfig) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(g.Extra)+3)
	for k, v := range g.Extra {
		out[k] = v
	}
	if g.Temperature != nil {
		out["temperature"] = *g.Temperature
	}
	if g.TopP != nil {
		out["top_p"] = *g.TopP
	}
	if g.MaxTokens != nil {
		out["max_tokens"] = *g.MaxTokens
	}
	return json.Marshal(out)
}

func (g *GenerationConfig) UnmarshalJSON(b []byte) error {
	var known struct {
		Temperature *float32 `json:"temperature"`
		TopP        *float32 `json:"top_p"`
		MaxTokens   *int     `json:"max_tokens"`
	}
	if err := json.Unmarshal(b, &known); err != nil {
		return err
	}
	extra, err := extraKeys(b, generationConfigKeys)
	if err != nil {
		return err
	}
	*g = GenerationConfig{
		Temperature: known.Temperature,
		TopP:        known.TopP,
		MaxTokens:   known.MaxTokens,
		Extra:       extra,
	}
	return nil
}

// MessageMetadata is attached to assistant messages. Extra carries keys this
// server does not interpret.
type MessageMetadata struct {
	FinishReason string
	Model        string
	Extra        map[string]any
}

var messageMetadataKeys = []string{"finish_reason", "model"}

func (m MessageMetadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+2)
	for k, v := range m.Extra {
		out[k] = v
	}
	if m.FinishReason != "" {
		out["finish_reason"] = m.FinishReason
	}
	if m.Model != "" {
		out["model"] = m.Model
	}
	return json.Marshal(out)
}

func (m *MessageMetadata) UnmarshalJSON(b []byte) error {
	var known struct {
		FinishReason string `json:"finish_reason"`
		Model        string `json:"model"`
	}
	if err := json.Unmarshal(b, &known); err != nil {
		return err
	}
	extra, err := extraKeys(b, messageMetadataKeys)
	if err != nil {
		return err
	}
	*m = MessageMetadata{FinishReason: known.FinishReason, Model: known.Model, Extra: extra}
	return nil
}

func extraKeys(b []byte, known []string) (map[string]any, error) {
	if string(b) == "null" {
		return nil, nil
	}
	var all map[string]any
	if err := json.Unmarshal(b, &all); err != nil {
		return nil, err
	}
	for _, k := range known {
		delete(all, k)
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all, nil
}

// AutoMigrate creates or updates the chat tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Model{}, &Conversation{}, &Message{})
}
