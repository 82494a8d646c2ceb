package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"knowsee/chat-relay/internal/config"
	"knowsee/chat-relay/internal/domain/generation"
	"knowsee/chat-relay/internal/infrastructure/auth"
	"knowsee/chat-relay/internal/infrastructure/backend"
	"knowsee/chat-relay/internal/infrastructure/database"
	"knowsee/chat-relay/internal/infrastructure/logger"
	"knowsee/chat-relay/internal/infrastructure/observability"
	"knowsee/chat-relay/internal/infrastructure/registry"
	chatrepo "knowsee/chat-relay/internal/infrastructure/repository/chat"
	"knowsee/chat-relay/internal/interfaces/httpserver"
)

type Application struct {
	httpServer *httpserver.HttpServer
	log        zerolog.Logger
}

func NewApplication(httpServer *httpserver.HttpServer, log zerolog.Logger) *Application {
	return &Application{
		httpServer: httpServer,
		log:        log,
	}
}

func (a *Application) Start(ctx context.Context) error {
	return a.httpServer.Run(ctx)
}

func main() {
	loadEnvFiles()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := logger.New(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observability.Setup(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("initialize observability")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown telemetry")
		}
	}()

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("connect database")
	}

	if err := database.AutoMigrate(ctx, db, log); err != nil {
		log.Fatal().Err(err).Msg("migrate database")
	}

	authValidator, err := auth.NewValidator(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("initialize auth validator")
	}

	streamRegistry := newStreamRegistry(cfg, log)

	generationService := generation.NewService(
		chatrepo.NewRepository(db),
		backend.NewClient(cfg.BackendURL),
		streamRegistry,
		log,
		cfg.MaxMessagesPerDay,
		cfg.QuotaWindow,
		cfg.GenerationTimeout,
	)

	httpServer := httpserver.New(cfg, log, generationService, authValidator)
	app := NewApplication(httpServer, log)

	if err := app.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("application stopped with error")
	}

	log.Info().Msg("application exited cleanly")
}

// newStreamRegistry prefers Redis so attempts can be resumed across
// instances. Without it the service still runs, but streams only survive
// within this process.
func newStreamRegistry(cfg *config.Config, log zerolog.Logger) generation.Registry {
	if cfg.RedisURL != "" {
		redisRegistry, err := registry.NewRedisRegistry(cfg.RedisURL, cfg.StreamRecordTTL)
		if err == nil {
			log.Info().Msg("stream registry backed by redis")
			return redisRegistry
		}
		log.Warn().Err(err).Msg("redis unavailable, streams will not be resumable across instances")
	} else {
		log.Warn().Msg("REDIS_URL not set, streams will not be resumable across instances")
	}
	return registry.NewMemoryRegistry(cfg.StreamRecordTTL)
}

func loadEnvFiles() {
	paths := []string{".env", "../.env"}
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Overload(path); err != nil {
				fmt.Fprintf(os.Stderr, "warning: failed to load %s: %v\n", path, err)
			}
		}
	}
}
