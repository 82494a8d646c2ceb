package generation

import (
	"context"

	"knowsee/chat-relay/internal/domain/chat"
	"knowsee/chat-relay/internal/domain/stream"
)

// EventStream yields translated generation events until io.EOF.
type EventStream interface {
	Recv() (stream.Event, error)
	Close() error
}

// Backend is the upstream model service.
type Backend interface {
	// StreamChat opens a streaming generation over the conversation history.
	StreamChat(ctx context.Context, conversationID, model string, history []chat.Message) (EventStream, error)
	// GenerateTitle produces a short title for a new conversation.
	GenerateTitle(ctx context.Context, text string) (string, error)
}
