package dto

import (
	"knowsee/chat-relay/internal/domain/chat"
)

// PartPayload mirrors one typed message fragment on the wire.
type PartPayload struct {
	Type      string `json:"type" binding:"required"`
	Text      string `json:"text,omitempty"`
	URL       string `json:"url,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	Filename  string `json:"filename,omitempty"`
}

// MessagePayload is the client-sent user turn.
type MessagePayload struct {
	ID    string        `json:"id" binding:"required"`
	Role  string        `json:"role" binding:"required"`
	Parts []PartPayload `json:"parts" binding:"required"`
}

// SendMessageRequest is the body of POST /v1/chat.
type SendMessageRequest struct {
	ID                     string         `json:"id" binding:"required"`
	Message                MessagePayload `json:"message" binding:"required"`
	SelectedChatModel      string         `json:"selectedChatModel"`
	SelectedVisibilityType string         `json:"selectedVisibilityType"`
}

// UpdateVisibilityRequest is the body of PATCH /v1/chat/:id/visibility.
type UpdateVisibilityRequest struct {
	Visibility string `json:"visibility" binding:"required"`
}

// ToDomain converts the payload into a domain message.
func (m MessagePayload) ToDomain() chat.Message {
	parts := make([]chat.Part, len(m.Parts))
	for i, p := range m.Parts {
		parts[i] = chat.Part{
			Type:      p.Type,
			Text:      p.Text,
			URL:       p.URL,
			MediaType: p.MediaType,
			Filename:  p.Filename,
		}
	}
	return chat.Message{
		ID:    m.ID,
		Role:  chat.Role(m.Role),
		Parts: parts,
	}
}
