package chat

import (
	"context"
	"time"
)

// Store is the narrow contract against the durable conversation store.
// Implementations must distinguish a missing record (not_found kind) from an
// unreachable backend (offline kind) so callers can branch on the two.
type Store interface {
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	CreateConversation(ctx context.Context, conv *Conversation) error
	DeleteConversation(ctx context.Context, id string) error
	UpdateVisibility(ctx context.Context, id string, visibility Visibility) error
	UpdateLastContext(ctx context.Context, id string, lastContext map[string]any) error

	AppendMessages(ctx context.Context, messages []Message) error
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)
	DeleteMessagesAfter(ctx context.Context, conversationID string, after time.Time) error
	CountRecentMessages(ctx context.Context, userID string, window time.Duration) (int, error)

	CreateStreamRecord(ctx context.Context, streamID, conversationID string) error
	ListStreamIDs(ctx context.Context, conversationID string) ([]string, error)
}
