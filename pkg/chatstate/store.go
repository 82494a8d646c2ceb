// Package chatstate tracks a conversation the way a connected client sees
// it: an append-only message list plus a status machine driven by the
// generation event stream. Callers mutate through the store and render from
// immutable snapshots, so a failed attempt can be rolled back cleanly.
package chatstate

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"knowsee/chat-relay/internal/domain/chat"
	"knowsee/chat-relay/internal/domain/stream"
	"knowsee/chat-relay/internal/utils/chaterrors"
)

// Status is the client-visible lifecycle of the conversation.
type Status string

const (
	// StatusReady accepts the next user turn.
	StatusReady Status = "ready"
	// StatusSubmitted means a turn was sent and no byte has come back yet.
	StatusSubmitted Status = "submitted"
	// StatusStreaming means assistant text is arriving.
	StatusStreaming Status = "streaming"
	// StatusError means the last attempt failed. The next send clears it.
	StatusError Status = "error"
)

// Snapshot is an immutable view of the store. Version increases on every
// mutation so renderers can skip stale updates.
type Snapshot struct {
	Version  int
	Status   Status
	Messages []chat.Message
	ErrText  string
}

// Store is a thread-safe conversation state machine.
type Store struct {
	mu          sync.Mutex
	version     int
	status      Status
	messages    []chat.Message
	errText     string
	assistantID string
	subscribers map[int]chan Snapshot
	nextSubID   int
}

// NewStore seeds the store with already-persisted history.
func NewStore(history []chat.Message) *Store {
	return &Store{
		status:      StatusReady,
		messages:    append([]chat.Message(nil), history...),
		subscribers: make(map[int]chan Snapshot),
	}
}

// Snapshot returns the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Subscribe returns a channel receiving a snapshot after every mutation and
// a cancel function. Slow subscribers miss intermediate snapshots rather
// than blocking the store.
func (s *Store) Subscribe() (<-chan Snapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSubID
	s.nextSubID++
	ch := make(chan Snapshot, 1)
	s.subscribers[id] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(ch)
		}
	}
	return ch, cancel
}

// SendMessage optimistically appends the user turn together with an empty
// assistant placeholder, so renderers hold stable ids for both messages
// before any network activity. It refuses while an attempt is in flight.
func (s *Store) SendMessage(msg chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == StatusSubmitted || s.status == StatusStreaming {
		return chaterrors.New(chaterrors.KindBadRequest, chaterrors.SurfaceChat, "a message is already in flight")
	}

	msg.Role = chat.RoleUser
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	placeholder := chat.Message{
		ID:        uuid.NewString(),
		Role:      chat.RoleAssistant,
		Parts:     []chat.Part{chat.TextPart("")},
		CreatedAt: msg.CreatedAt,
	}
	s.messages = append(s.messages, msg, placeholder)
	s.assistantID = placeholder.ID
	s.status = StatusSubmitted
	s.errText = ""
	s.publishLocked()
	return nil
}

// ApplyEvent advances the state machine with one generation event.
func (s *Store) ApplyEvent(ev stream.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Type {
	case stream.EventStart:
		// No byte of text has arrived yet, the turn stays submitted.
		s.bindAssistantLocked(ev.MessageID)
	case stream.EventTextDelta:
		s.appendDeltaLocked(ev.Delta)
		s.status = StatusStreaming
	case stream.EventFinish:
		s.status = StatusReady
	case stream.EventError:
		s.failLocked(ev.ErrorText)
	default:
		// text-start and text-end carry no client-visible state here.
		return
	}
	s.publishLocked()
}

// Fail records a transport-level failure, for errors that never arrive as
// an event on the stream.
func (s *Store) Fail(errText string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failLocked(errText)
	s.publishLocked()
}

// Stop ends the attempt locally, keeping whatever text already arrived.
func (s *Store) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusSubmitted && s.status != StatusStreaming {
		return
	}
	s.dropEmptyAssistantLocked()
	s.status = StatusReady
	s.publishLocked()
}

// bindAssistantLocked renames the optimistic placeholder to the id the
// server issued. A stream applied without a local send, such as a resumed
// attempt, gets its placeholder created here instead.
func (s *Store) bindAssistantLocked(messageID string) {
	if s.assistantID != "" {
		for i := range s.messages {
			if s.messages[i].Role == chat.RoleAssistant && s.messages[i].ID == s.assistantID {
				s.messages[i].ID = messageID
				s.assistantID = messageID
				return
			}
		}
	}
	s.messages = append(s.messages, chat.Message{
		ID:        messageID,
		Role:      chat.RoleAssistant,
		Parts:     []chat.Part{chat.TextPart("")},
		CreatedAt: time.Now().UTC(),
	})
	s.assistantID = messageID
}

// failLocked keeps partial assistant text, rolls back an empty placeholder,
// and surfaces the error marker.
func (s *Store) failLocked(errText string) {
	s.dropEmptyAssistantLocked()
	s.status = StatusError
	s.errText = errText
}

func (s *Store) appendDeltaLocked(delta string) {
	if delta == "" {
		return
	}
	if len(s.messages) == 0 {
		return
	}
	last := &s.messages[len(s.messages)-1]
	if last.Role != chat.RoleAssistant || last.ID != s.assistantID {
		return
	}
	last.Parts[0].Text += delta
}

func (s *Store) dropEmptyAssistantLocked() {
	if s.assistantID == "" || len(s.messages) == 0 {
		return
	}
	last := s.messages[len(s.messages)-1]
	if last.ID == s.assistantID && last.PlainText() == "" {
		s.messages = s.messages[:len(s.messages)-1]
	}
	s.assistantID = ""
}

func (s *Store) snapshotLocked() Snapshot {
	messages := make([]chat.Message, len(s.messages))
	for i, m := range s.messages {
		m.Parts = append([]chat.Part(nil), m.Parts...)
		messages[i] = m
	}
	return Snapshot{
		Version:  s.version,
		Status:   s.status,
		Messages: messages,
		ErrText:  s.errText,
	}
}

func (s *Store) publishLocked() {
	s.version++
	snapshot := s.snapshotLocked()
	for _, ch := range s.subscribers {
		select {
		case ch <- snapshot:
		default:
			// Drop the stale snapshot waiting in the buffer, keep the new one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snapshot:
			default:
			}
		}
	}
}
