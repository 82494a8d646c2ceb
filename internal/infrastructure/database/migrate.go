package database

import (
	"context"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"knowsee/chat-relay/internal/infrastructure/database/entities"
)

// AutoMigrate applies database schema changes for the chat domain.
func AutoMigrate(ctx context.Context, db *gorm.DB, log zerolog.Logger) error {
	if err := db.WithContext(ctx).AutoMigrate(
		&entities.Chat{},
		&entities.ChatMessage{},
		&entities.ChatStream{},
	); err != nil {
		return err
	}

	log.Info().Msg("database schema up to date")
	return nil
}
