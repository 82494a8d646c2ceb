package backend

import (
	"encoding/json"

	"knowsee/chat-relay/internal/domain/stream"
)

// upstreamEvent is the raw shape the generation backend emits. The backend
// sends richer metadata events too; only the fields we relay are decoded.
type upstreamEvent struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Delta string `json:"delta"`
}

// Translate decodes one upstream payload and maps it onto a client event.
// Only non-empty text deltas are forwarded; every other upstream event type,
// malformed JSON included, is dropped so clients never see backend internals.
func Translate(payload string) (stream.Event, bool) {
	var raw upstreamEvent
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return stream.Event{}, false
	}

	if raw.Type != string(stream.EventTextDelta) || raw.Delta == "" {
		return stream.Event{}, false
	}

	return stream.TextDelta(raw.ID, raw.Delta), true
}
