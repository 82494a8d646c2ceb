package dto

import (
	"time"

	"knowsee/chat-relay/internal/domain/chat"
)

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MessageResponse is one persisted conversation turn.
type MessageResponse struct {
	ID        string        `json:"id"`
	Role      string        `json:"role"`
	Parts     []PartPayload `json:"parts"`
	CreatedAt time.Time     `json:"createdAt"`
}

// MessagesResponse wraps the conversation history.
type MessagesResponse struct {
	Messages []MessageResponse `json:"messages"`
}

// FromDomainMessages converts persisted turns for the wire.
func FromDomainMessages(messages []chat.Message) MessagesResponse {
	out := make([]MessageResponse, len(messages))
	for i, m := range messages {
		parts := make([]PartPayload, len(m.Parts))
		for j, p := range m.Parts {
			parts[j] = PartPayload{
				Type:      p.Type,
				Text:      p.Text,
				URL:       p.URL,
				MediaType: p.MediaType,
				Filename:  p.Filename,
			}
		}
		out[i] = MessageResponse{
			ID:        m.ID,
			Role:      string(m.Role),
			Parts:     parts,
			CreatedAt: m.CreatedAt,
		}
	}
	return MessagesResponse{Messages: out}
}
