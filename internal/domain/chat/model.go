package chat

import (
	"strings"
	"time"
)

// Visibility controls who may read a conversation.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

// Valid reports whether the visibility is a known value.
func (v Visibility) Valid() bool {
	return v == VisibilityPrivate || v == VisibilityPublic
}

// Role indicates who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Part type discriminators.
const (
	PartTypeText      = "text"
	PartTypeFile      = "file"
	PartTypeReasoning = "reasoning"
)

// Part is one typed fragment of message content. The Type field selects
// which of the remaining fields are meaningful: text and reasoning parts
// carry Text, file parts carry URL/MediaType/Filename.
type Part struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	URL       string `json:"url,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	Filename  string `json:"filename,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Type: PartTypeText, Text: text}
}

// FilePart builds a file reference part.
func FilePart(url, mediaType, filename string) Part {
	return Part{Type: PartTypeFile, URL: url, MediaType: mediaType, Filename: filename}
}

// ReasoningPart builds a reasoning trace part.
func ReasoningPart(text string) Part {
	return Part{Type: PartTypeReasoning, Text: text}
}

// Message is one immutable conversation turn. Editing is implemented as
// truncate-after-timestamp plus re-append, never in-place mutation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Role           Role      `json:"role"`
	Parts          []Part    `json:"parts"`
	CreatedAt      time.Time `json:"createdAt"`
}

// PlainText concatenates the text of all text parts.
func (m Message) PlainText() string {
	var b strings.Builder
	for _, part := range m.Parts {
		if part.Type == PartTypeText {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}

// Conversation is a chat thread owned by a single user.
type Conversation struct {
	ID          string         `json:"id"`
	UserID      string         `json:"userId"`
	Title       string         `json:"title"`
	Visibility  Visibility     `json:"visibility"`
	LastContext map[string]any `json:"lastContext,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// StreamRecord ties one generation attempt to its conversation. Records are
// retained for resumption lookups rather than deleted on completion.
type StreamRecord struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	CreatedAt      time.Time `json:"createdAt"`
}

// TitleFromText derives a fallback conversation title from the first user
// message when the backend cannot produce one.
func TitleFromText(text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "New chat"
	}
	// Truncate on runes so a multi-byte character is never split.
	runes := []rune(trimmed)
	if len(runes) > 60 {
		return string(runes[:57]) + "..."
	}
	return trimmed
}
