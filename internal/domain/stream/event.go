// Package stream defines the outward generation event protocol: the tagged
// union written to chat clients as server-sent events, compatible with the
// UI message stream convention (data-prefixed JSON lines, [DONE] terminator).
package stream

import "encoding/json"

// EventType discriminates the event union.
type EventType string

const (
	EventStart     EventType = "start"
	EventTextStart EventType = "text-start"
	EventTextDelta EventType = "text-delta"
	EventTextEnd   EventType = "text-end"
	EventFinish    EventType = "finish"
	EventError     EventType = "error"
)

// Event is one wire-level generation event. Field usage per type:
// start carries MessageID; text-start/text-delta/text-end carry ID (the part
// id, equal to the message id for single-part generations); text-delta also
// carries Delta; error carries ErrorText. finish has no payload.
type Event struct {
	Type      EventType `json:"type"`
	MessageID string    `json:"messageId,omitempty"`
	ID        string    `json:"id,omitempty"`
	Delta     string    `json:"delta,omitempty"`
	ErrorText string    `json:"errorText,omitempty"`
}

// Start signals the beginning of an assistant message.
func Start(messageID string) Event {
	return Event{Type: EventStart, MessageID: messageID}
}

// TextStart opens a text block.
func TextStart(partID string) Event {
	return Event{Type: EventTextStart, ID: partID}
}

// TextDelta appends text to an open block.
func TextDelta(partID, delta string) Event {
	return Event{Type: EventTextDelta, ID: partID, Delta: delta}
}

// TextEnd closes a text block.
func TextEnd(partID string) Event {
	return Event{Type: EventTextEnd, ID: partID}
}

// Finish terminates the attempt successfully. Exclusive with Error.
func Finish() Event {
	return Event{Type: EventFinish}
}

// Error terminates the attempt with a client-visible reason.
func Error(text string) Event {
	return Event{Type: EventError, ErrorText: text}
}

// Terminal reports whether no further events may follow.
func (e Event) Terminal() bool {
	return e.Type == EventFinish || e.Type == EventError
}

// EncodeSSE renders the event as one server-sent-event frame.
func (e Event) EncodeSSE() string {
	payload, err := json.Marshal(e)
	if err != nil {
		// Event fields are plain strings; marshalling cannot fail.
		return ""
	}
	return "data: " + string(payload) + "\n\n"
}

// DoneMarker is the frame terminating the whole stream.
const DoneMarker = "data: [DONE]\n\n"

// Writer receives ordered events for one generation attempt.
type Writer interface {
	Write(Event) error
}

// WriterFunc adapts a function to the Writer interface.
type WriterFunc func(Event) error

// Write implements Writer.
func (f WriterFunc) Write(e Event) error {
	return f(e)
}
