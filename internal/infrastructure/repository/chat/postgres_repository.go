// Package chat persists conversations, messages and stream records.
package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	domain "knowsee/chat-relay/internal/domain/chat"
	"knowsee/chat-relay/internal/infrastructure/database/entities"
	"knowsee/chat-relay/internal/utils/chaterrors"
)

// Repository implements the conversation store on GORM.
type Repository struct {
	db *gorm.DB
}

// NewRepository builds a chat repository.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

var _ domain.Store = (*Repository)(nil)

func (r *Repository) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	var entity entities.Chat
	if err := r.db.WithContext(ctx).First(&entity, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, chaterrors.New(chaterrors.KindNotFound, chaterrors.SurfaceDatabase,
				fmt.Sprintf("conversation not found: %s", id))
		}
		return nil, chaterrors.Wrap(chaterrors.KindOffline, chaterrors.SurfaceDatabase, "failed to fetch conversation", err)
	}

	conv, err := entity.EtoD()
	if err != nil {
		return nil, chaterrors.Wrap(chaterrors.KindOffline, chaterrors.SurfaceDatabase, "failed to decode conversation", err)
	}
	return conv, nil
}

func (r *Repository) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	entity, err := entities.NewSchemaChat(conv)
	if err != nil {
		return chaterrors.Wrap(chaterrors.KindBadRequest, chaterrors.SurfaceDatabase, "failed to encode conversation", err)
	}
	if err := r.db.WithContext(ctx).Create(entity).Error; err != nil {
		return chaterrors.Wrap(chaterrors.KindOffline, chaterrors.SurfaceDatabase, "failed to create conversation", err)
	}
	return nil
}

// DeleteConversation removes the conversation with its messages and stream
// records in one transaction.
func (r *Repository) DeleteConversation(ctx context.Context, id string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("chat_id = ?", id).Delete(&entities.ChatMessage{}).Error; err != nil {
			return err
		}
		if err := tx.Where("chat_id = ?", id).Delete(&entities.ChatStream{}).Error; err != nil {
			return err
		}
		return tx.Delete(&entities.Chat{ID: id}).Error
	})
	if err != nil {
		return chaterrors.Wrap(chaterrors.KindOffline, chaterrors.SurfaceDatabase, "failed to delete conversation", err)
	}
	return nil
}

func (r *Repository) UpdateVisibility(ctx context.Context, id string, visibility domain.Visibility) error {
	result := r.db.WithContext(ctx).Model(&entities.Chat{}).
		Where("id = ?", id).
		Update("visibility", string(visibility))
	if result.Error != nil {
		return chaterrors.Wrap(chaterrors.KindOffline, chaterrors.SurfaceDatabase, "failed to update visibility", result.Error)
	}
	if result.RowsAffected == 0 {
		return chaterrors.New(chaterrors.KindNotFound, chaterrors.SurfaceDatabase,
			fmt.Sprintf("conversation not found: %s", id))
	}
	return nil
}

func (r *Repository) UpdateLastContext(ctx context.Context, id string, lastContext map[string]any) error {
	entity, err := entities.NewSchemaChat(&domain.Conversation{ID: id, LastContext: lastContext})
	if err != nil {
		return chaterrors.Wrap(chaterrors.KindBadRequest, chaterrors.SurfaceDatabase, "failed to encode context", err)
	}
	if err := r.db.WithContext(ctx).Model(&entities.Chat{}).
		Where("id = ?", id).
		Update("last_context", entity.LastContext).Error; err != nil {
		return chaterrors.Wrap(chaterrors.KindOffline, chaterrors.SurfaceDatabase, "failed to update context", err)
	}
	return nil
}

func (r *Repository) AppendMessages(ctx context.Context, messages []domain.Message) error {
	if len(messages) == 0 {
		return nil
	}
	rows := make([]*entities.ChatMessage, len(messages))
	for i := range messages {
		row, err := entities.NewSchemaChatMessage(&messages[i])
		if err != nil {
			return chaterrors.Wrap(chaterrors.KindBadRequest, chaterrors.SurfaceDatabase, "failed to encode message", err)
		}
		rows[i] = row
	}
	if err := r.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return chaterrors.Wrap(chaterrors.KindOffline, chaterrors.SurfaceDatabase, "failed to append messages", err)
	}
	return nil
}

func (r *Repository) ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	var rows []entities.ChatMessage
	if err := r.db.WithContext(ctx).
		Where("chat_id = ?", conversationID).
		Order("created_at ASC").
		Find(&rows).Error; err != nil {
		return nil, chaterrors.Wrap(chaterrors.KindOffline, chaterrors.SurfaceDatabase, "failed to list messages", err)
	}

	messages := make([]domain.Message, len(rows))
	for i := range rows {
		msg, err := rows[i].EtoD()
		if err != nil {
			return nil, chaterrors.Wrap(chaterrors.KindOffline, chaterrors.SurfaceDatabase, "failed to decode message", err)
		}
		messages[i] = *msg
	}
	return messages, nil
}

func (r *Repository) DeleteMessagesAfter(ctx context.Context, conversationID string, after time.Time) error {
	if err := r.db.WithContext(ctx).
		Where("chat_id = ? AND created_at >= ?", conversationID, after).
		Delete(&entities.ChatMessage{}).Error; err != nil {
		return chaterrors.Wrap(chaterrors.KindOffline, chaterrors.SurfaceDatabase, "failed to delete messages", err)
	}
	return nil
}

// CountRecentMessages counts the user's own turns inside the quota window.
// Assistant turns do not count against the quota.
func (r *Repository) CountRecentMessages(ctx context.Context, userID string, window time.Duration) (int, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&entities.ChatMessage{}).
		Joins("JOIN chats ON chats.id = chat_messages.chat_id").
		Where("chats.user_id = ?", userID).
		Where("chat_messages.role = ?", string(domain.RoleUser)).
		Where("chat_messages.created_at > ?", time.Now().UTC().Add(-window)).
		Count(&count).Error
	if err != nil {
		return 0, chaterrors.Wrap(chaterrors.KindOffline, chaterrors.SurfaceDatabase, "failed to count messages", err)
	}
	return int(count), nil
}

func (r *Repository) CreateStreamRecord(ctx context.Context, streamID, conversationID string) error {
	entity := &entities.ChatStream{ID: streamID, ChatID: conversationID}
	if err := r.db.WithContext(ctx).Create(entity).Error; err != nil {
		return chaterrors.Wrap(chaterrors.KindOffline, chaterrors.SurfaceDatabase, "failed to create stream record", err)
	}
	return nil
}

func (r *Repository) ListStreamIDs(ctx context.Context, conversationID string) ([]string, error) {
	var ids []string
	if err := r.db.WithContext(ctx).Model(&entities.ChatStream{}).
		Where("chat_id = ?", conversationID).
		Order("created_at ASC").
		Pluck("id", &ids).Error; err != nil {
		return nil, chaterrors.Wrap(chaterrors.KindOffline, chaterrors.SurfaceDatabase, "failed to list streams", err)
	}
	return ids, nil
}
