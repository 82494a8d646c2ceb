//go:build wireinject

package main

import (
	"context"

	"github.com/google/wire"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"knowsee/chat-relay/internal/config"
	"knowsee/chat-relay/internal/domain/chat"
	"knowsee/chat-relay/internal/domain/generation"
	"knowsee/chat-relay/internal/infrastructure/auth"
	"knowsee/chat-relay/internal/infrastructure/backend"
	"knowsee/chat-relay/internal/infrastructure/database"
	"knowsee/chat-relay/internal/infrastructure/logger"
	chatrepo "knowsee/chat-relay/internal/infrastructure/repository/chat"
	"knowsee/chat-relay/internal/interfaces/httpserver"
)

var chatSet = wire.NewSet(
	chatrepo.NewRepository,
	wire.Bind(new(chat.Store), new(*chatrepo.Repository)),
	newBackendClient,
	wire.Bind(new(generation.Backend), new(*backend.Client)),
	newStreamRegistryProvider,
	newGenerationService,
)

// BuildApplication demonstrates how to assemble the chat relay with Wire.
func BuildApplication(ctx context.Context) (*Application, error) {
	wire.Build(
		config.Load,
		logger.New,
		newGormDB,
		newAuthValidator,
		chatSet,
		httpserver.New,
		NewApplication,
	)
	return nil, nil
}

func newGormDB(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*gorm.DB, error) {
	db, err := database.Connect(cfg)
	if err != nil {
		return nil, err
	}
	if err := database.AutoMigrate(ctx, db, log); err != nil {
		return nil, err
	}
	return db, nil
}

func newAuthValidator(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*auth.Validator, error) {
	return auth.NewValidator(ctx, cfg, log)
}

func newBackendClient(cfg *config.Config) *backend.Client {
	return backend.NewClient(cfg.BackendURL)
}

func newStreamRegistryProvider(cfg *config.Config, log zerolog.Logger) generation.Registry {
	return newStreamRegistry(cfg, log)
}

func newGenerationService(
	store chat.Store,
	backendClient generation.Backend,
	streamRegistry generation.Registry,
	log zerolog.Logger,
	cfg *config.Config,
) *generation.Service {
	return generation.NewService(
		store,
		backendClient,
		streamRegistry,
		log,
		cfg.MaxMessagesPerDay,
		cfg.QuotaWindow,
		cfg.GenerationTimeout,
	)
}
