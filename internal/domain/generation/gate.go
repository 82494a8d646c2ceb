package generation

import (
	"context"
	"time"

	"github.com/google/uuid"

	"knowsee/chat-relay/internal/domain/chat"
)

// PersistIfNonEmpty commits the assistant turn when any text was produced.
// An attempt that yielded no text leaves the conversation untouched, so a
// failed or instantly-cancelled generation never creates an empty message.
// It reports whether a commit happened.
func PersistIfNonEmpty(ctx context.Context, store chat.Store, conversationID, messageID, text string) (bool, error) {
	if text == "" {
		return false, nil
	}
	if messageID == "" {
		messageID = uuid.NewString()
	}
	err := store.AppendMessages(ctx, []chat.Message{{
		ID:             messageID,
		ConversationID: conversationID,
		Role:           chat.RoleAssistant,
		Parts:          []chat.Part{chat.TextPart(text)},
		CreatedAt:      time.Now().UTC(),
	}})
	if err != nil {
		return false, err
	}
	return true, nil
}
