package handlers

import (
	"github.com/rs/zerolog"

	"knowsee/chat-relay/internal/domain/generation"
)

// Provider wires all HTTP handlers for dependency injection.
type Provider struct {
	Chat *ChatHandler
}

// NewProvider constructs the handler provider with domain services.
func NewProvider(generationService *generation.Service, log zerolog.Logger) *Provider {
	return &Provider{
		Chat: NewChatHandler(generationService, log),
	}
}
