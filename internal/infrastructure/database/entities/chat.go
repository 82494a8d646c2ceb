package entities

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"knowsee/chat-relay/internal/domain/chat"
)

// Chat represents the database schema for conversations
type Chat struct {
	ID        string    `gorm:"type:varchar(64);primaryKey"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`

	UserID      string         `gorm:"type:varchar(64);index:idx_chat_user_created;not null"`
	Title       string         `gorm:"type:varchar(256);not null"`
	Visibility  string         `gorm:"type:varchar(20);not null;default:'private'"`
	LastContext datatypes.JSON `gorm:"type:jsonb"`

	Messages []ChatMessage `gorm:"foreignKey:ChatID;constraint:OnDelete:CASCADE"`
	Streams  []ChatStream  `gorm:"foreignKey:ChatID;constraint:OnDelete:CASCADE"`
}

// TableName specifies the table name for Chat.
func (Chat) TableName() string {
	return "chats"
}

// ChatMessage represents the database schema for message turns
type ChatMessage struct {
	ID        string         `gorm:"type:varchar(64);primaryKey"`
	ChatID    string         `gorm:"type:varchar(64);index:idx_message_chat_created;not null"`
	Role      string         `gorm:"type:varchar(20);not null"`
	Parts     datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt time.Time      `gorm:"index:idx_message_chat_created"`
}

// TableName specifies the table name for ChatMessage.
func (ChatMessage) TableName() string {
	return "chat_messages"
}

// ChatStream records one generation attempt for resumption lookups
type ChatStream struct {
	ID        string    `gorm:"type:varchar(64);primaryKey"`
	ChatID    string    `gorm:"type:varchar(64);index;not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

// TableName specifies the table name for ChatStream.
func (ChatStream) TableName() string {
	return "chat_streams"
}

// ===============================================
// Conversion Functions
// ===============================================

// EtoD converts database entity to domain model
func (c *Chat) EtoD() (*chat.Conversation, error) {
	var lastContext map[string]any
	if len(c.LastContext) > 0 {
		if err := json.Unmarshal(c.LastContext, &lastContext); err != nil {
			return nil, err
		}
	}
	return &chat.Conversation{
		ID:          c.ID,
		UserID:      c.UserID,
		Title:       c.Title,
		Visibility:  chat.Visibility(c.Visibility),
		LastContext: lastContext,
		CreatedAt:   c.CreatedAt,
	}, nil
}

// NewSchemaChat converts domain model to database entity
func NewSchemaChat(conv *chat.Conversation) (*Chat, error) {
	entity := &Chat{
		ID:         conv.ID,
		UserID:     conv.UserID,
		Title:      conv.Title,
		Visibility: string(conv.Visibility),
		CreatedAt:  conv.CreatedAt,
	}
	if conv.LastContext != nil {
		raw, err := json.Marshal(conv.LastContext)
		if err != nil {
			return nil, err
		}
		entity.LastContext = raw
	}
	return entity, nil
}

// EtoD converts database entity to domain model
func (m *ChatMessage) EtoD() (*chat.Message, error) {
	var parts []chat.Part
	if len(m.Parts) > 0 {
		if err := json.Unmarshal(m.Parts, &parts); err != nil {
			return nil, err
		}
	}
	return &chat.Message{
		ID:             m.ID,
		ConversationID: m.ChatID,
		Role:           chat.Role(m.Role),
		Parts:          parts,
		CreatedAt:      m.CreatedAt,
	}, nil
}

// NewSchemaChatMessage converts domain model to database entity
func NewSchemaChatMessage(msg *chat.Message) (*ChatMessage, error) {
	parts, err := json.Marshal(msg.Parts)
	if err != nil {
		return nil, err
	}
	return &ChatMessage{
		ID:        msg.ID,
		ChatID:    msg.ConversationID,
		Role:      string(msg.Role),
		Parts:     parts,
		CreatedAt: msg.CreatedAt,
	}, nil
}
