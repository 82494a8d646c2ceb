package generation_test

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"knowsee/chat-relay/internal/domain/chat"
	"knowsee/chat-relay/internal/domain/generation"
	"knowsee/chat-relay/internal/domain/stream"
	"knowsee/chat-relay/internal/utils/chaterrors"
)

type fakeStore struct {
	mu            sync.Mutex
	conversations map[string]*chat.Conversation
	messages      map[string][]chat.Message
	streams       map[string][]string
	recentCount   int
	appendErr     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		conversations: make(map[string]*chat.Conversation),
		messages:      make(map[string][]chat.Message),
		streams:       make(map[string][]string),
	}
}

func (s *fakeStore) GetConversation(_ context.Context, id string) (*chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, chaterrors.New(chaterrors.KindNotFound, chaterrors.SurfaceDatabase, "conversation not found")
	}
	return conv, nil
}

func (s *fakeStore) CreateConversation(_ context.Context, conv *chat.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conv.ID] = conv
	return nil
}

func (s *fakeStore) DeleteConversation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, id)
	delete(s.messages, id)
	return nil
}

func (s *fakeStore) UpdateVisibility(_ context.Context, id string, v chat.Visibility) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.conversations[id]; ok {
		conv.Visibility = v
	}
	return nil
}

func (s *fakeStore) UpdateLastContext(_ context.Context, id string, lastContext map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.conversations[id]; ok {
		conv.LastContext = lastContext
	}
	return nil
}

func (s *fakeStore) AppendMessages(_ context.Context, messages []chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	for _, m := range messages {
		s.messages[m.ConversationID] = append(s.messages[m.ConversationID], m)
	}
	return nil
}

func (s *fakeStore) ListMessages(_ context.Context, conversationID string) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chat.Message(nil), s.messages[conversationID]...), nil
}

func (s *fakeStore) DeleteMessagesAfter(_ context.Context, conversationID string, after time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []chat.Message
	for _, m := range s.messages[conversationID] {
		if m.CreatedAt.Before(after) {
			kept = append(kept, m)
		}
	}
	s.messages[conversationID] = kept
	return nil
}

func (s *fakeStore) CountRecentMessages(_ context.Context, _ string, _ time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recentCount, nil
}

func (s *fakeStore) CreateStreamRecord(_ context.Context, streamID, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[conversationID] = append(s.streams[conversationID], streamID)
	return nil
}

func (s *fakeStore) ListStreamIDs(_ context.Context, conversationID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.streams[conversationID]...), nil
}

func (s *fakeStore) messagesFor(conversationID string) []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chat.Message(nil), s.messages[conversationID]...)
}

type fakeRegistry struct {
	mu       sync.Mutex
	active   map[string]string
	buffers  map[string][]string
	closed   map[string]bool
	occupied bool
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		active:  make(map[string]string),
		buffers: make(map[string][]string),
		closed:  make(map[string]bool),
	}
}

func (r *fakeRegistry) Register(_ context.Context, conversationID, streamID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.occupied {
		return generation.ErrStreamActive
	}
	if _, held := r.active[conversationID]; held {
		return generation.ErrStreamActive
	}
	r.active[conversationID] = streamID
	return nil
}

func (r *fakeRegistry) Append(_ context.Context, streamID, payload string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buffers[streamID] = append(r.buffers[streamID], payload)
	return nil
}

func (r *fakeRegistry) Close(_ context.Context, conversationID, streamID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, conversationID)
	r.closed[streamID] = true
	return nil
}

func (r *fakeRegistry) Resume(_ context.Context, streamID string) (*generation.StreamSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	payloads, ok := r.buffers[streamID]
	if !ok {
		return nil, nil
	}
	return &generation.StreamSnapshot{
		Payloads: append([]string(nil), payloads...),
		Terminal: r.closed[streamID],
	}, nil
}

func (r *fakeRegistry) Resumable() bool { return true }

type scriptedStream struct {
	deltas []string
	pos    int
	err    error
}

func (s *scriptedStream) Recv() (stream.Event, error) {
	if s.pos < len(s.deltas) {
		ev := stream.TextDelta("p", s.deltas[s.pos])
		s.pos++
		return ev, nil
	}
	if s.err != nil {
		return stream.Event{}, s.err
	}
	return stream.Event{}, io.EOF
}

func (s *scriptedStream) Close() error { return nil }

type fakeBackend struct {
	stream    generation.EventStream
	streamErr error
	title     string
}

func (b *fakeBackend) StreamChat(context.Context, string, string, []chat.Message) (generation.EventStream, error) {
	if b.streamErr != nil {
		return nil, b.streamErr
	}
	return b.stream, nil
}

func (b *fakeBackend) GenerateTitle(context.Context, string) (string, error) {
	if b.title == "" {
		return "", io.ErrUnexpectedEOF
	}
	return b.title, nil
}

type eventCollector struct {
	mu     sync.Mutex
	events []stream.Event
}

func (c *eventCollector) Write(e stream.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *eventCollector) types() []stream.EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	types := make([]stream.EventType, len(c.events))
	for i, e := range c.events {
		types[i] = e.Type
	}
	return types
}

func newService(store *fakeStore, backend *fakeBackend, registry *fakeRegistry) *generation.Service {
	return generation.NewService(store, backend, registry, zerolog.Nop(), 100, 24*time.Hour, time.Minute)
}

func sendParams() generation.SendParams {
	return generation.SendParams{
		UserID:         "user-1",
		ConversationID: "conv-1",
		Message: chat.Message{
			ID:    "msg-1",
			Parts: []chat.Part{chat.TextPart("Why is the sky blue?")},
		},
		Model:      "chat-model",
		Visibility: chat.VisibilityPrivate,
	}
}

func TestSend_HappyPath(t *testing.T) {
	store := newFakeStore()
	registry := newFakeRegistry()
	backend := &fakeBackend{stream: &scriptedStream{deltas: []string{"Hel", "lo"}}, title: "Sky color"}
	svc := newService(store, backend, registry)
	collector := &eventCollector{}

	result, err := svc.Send(context.Background(), sendParams(), collector)
	require.NoError(t, err)

	assert.Equal(t, []stream.EventType{
		stream.EventStart,
		stream.EventTextStart,
		stream.EventTextDelta,
		stream.EventTextDelta,
		stream.EventTextEnd,
		stream.EventFinish,
	}, collector.types())

	assert.Equal(t, "Hello", result.Text)
	assert.False(t, result.Truncated)

	messages := store.messagesFor("conv-1")
	require.Len(t, messages, 2)
	assert.Equal(t, chat.RoleUser, messages[0].Role)
	assert.Equal(t, chat.RoleAssistant, messages[1].Role)
	assert.Equal(t, "Hello", messages[1].PlainText())
	assert.Equal(t, result.AssistantMessageID, messages[1].ID)

	conv := store.conversations["conv-1"]
	require.NotNil(t, conv)
	assert.Equal(t, "Sky color", conv.Title)
	assert.Equal(t, result.StreamID, conv.LastContext["streamId"])
	assert.True(t, registry.closed[result.StreamID])
}

func TestSend_DeltaIDsMatchAssistantMessage(t *testing.T) {
	store := newFakeStore()
	backend := &fakeBackend{stream: &scriptedStream{deltas: []string{"x"}}, title: "t"}
	svc := newService(store, backend, newFakeRegistry())
	collector := &eventCollector{}

	result, err := svc.Send(context.Background(), sendParams(), collector)
	require.NoError(t, err)

	for _, ev := range collector.events {
		switch ev.Type {
		case stream.EventStart:
			assert.Equal(t, result.AssistantMessageID, ev.MessageID)
		case stream.EventTextStart, stream.EventTextDelta, stream.EventTextEnd:
			assert.Equal(t, result.AssistantMessageID, ev.ID)
		}
	}
}

func TestSend_QuotaExceeded(t *testing.T) {
	store := newFakeStore()
	store.recentCount = 100
	svc := newService(store, &fakeBackend{}, newFakeRegistry())
	collector := &eventCollector{}

	_, err := svc.Send(context.Background(), sendParams(), collector)
	assert.Equal(t, chaterrors.KindRateLimit, chaterrors.KindOf(err))
	assert.Empty(t, collector.events)
	assert.Empty(t, store.messagesFor("conv-1"))
}

func TestSend_ForbiddenForForeignConversation(t *testing.T) {
	store := newFakeStore()
	store.conversations["conv-1"] = &chat.Conversation{ID: "conv-1", UserID: "someone-else"}
	svc := newService(store, &fakeBackend{}, newFakeRegistry())

	_, err := svc.Send(context.Background(), sendParams(), &eventCollector{})
	assert.Equal(t, chaterrors.KindForbidden, chaterrors.KindOf(err))
}

func TestSend_ConcurrentAttemptRejected(t *testing.T) {
	store := newFakeStore()
	registry := newFakeRegistry()
	registry.occupied = true
	svc := newService(store, &fakeBackend{title: "t"}, registry)
	collector := &eventCollector{}

	_, err := svc.Send(context.Background(), sendParams(), collector)
	assert.Equal(t, chaterrors.KindBadRequest, chaterrors.KindOf(err))
	assert.Empty(t, collector.events)

	// The user turn is already durable when the claim fails.
	require.Len(t, store.messagesFor("conv-1"), 1)
}

func TestSend_BackendDownLeavesUserMessageOnly(t *testing.T) {
	store := newFakeStore()
	registry := newFakeRegistry()
	backend := &fakeBackend{
		streamErr: chaterrors.New(chaterrors.KindOffline, chaterrors.SurfaceChat, "backend unreachable"),
		title:     "t",
	}
	svc := newService(store, backend, registry)
	collector := &eventCollector{}

	_, err := svc.Send(context.Background(), sendParams(), collector)
	assert.Equal(t, chaterrors.KindOffline, chaterrors.KindOf(err))
	assert.Empty(t, collector.events)

	messages := store.messagesFor("conv-1")
	require.Len(t, messages, 1)
	assert.Equal(t, chat.RoleUser, messages[0].Role)

	// The conversation claim is released for the next attempt.
	assert.Empty(t, registry.active)
}

func TestSend_UpstreamFailureMidStreamCommitsPartial(t *testing.T) {
	store := newFakeStore()
	backend := &fakeBackend{stream: &scriptedStream{deltas: []string{"par", "tial"}, err: io.ErrUnexpectedEOF}, title: "t"}
	svc := newService(store, backend, newFakeRegistry())
	collector := &eventCollector{}

	result, err := svc.Send(context.Background(), sendParams(), collector)
	require.NoError(t, err)
	assert.Equal(t, "partial", result.Text)

	types := collector.types()
	assert.Equal(t, stream.EventError, types[len(types)-1])

	messages := store.messagesFor("conv-1")
	require.Len(t, messages, 2)
	assert.Equal(t, "partial", messages[1].PlainText())
}

func TestSend_CancelledMidStreamIsTruncated(t *testing.T) {
	store := newFakeStore()
	backend := &fakeBackend{stream: &scriptedStream{deltas: []string{"Hel", "lo"}, err: context.Canceled}, title: "t"}
	svc := newService(store, backend, newFakeRegistry())

	result, err := svc.Send(context.Background(), sendParams(), &eventCollector{})
	require.NoError(t, err)
	assert.True(t, result.Truncated)
	assert.Equal(t, "Hello", result.Text)

	messages := store.messagesFor("conv-1")
	require.Len(t, messages, 2)
	assert.Equal(t, "Hello", messages[1].PlainText())
}

func TestSend_EmptyStreamCommitsNothing(t *testing.T) {
	store := newFakeStore()
	backend := &fakeBackend{stream: &scriptedStream{}, title: "t"}
	svc := newService(store, backend, newFakeRegistry())
	collector := &eventCollector{}

	result, err := svc.Send(context.Background(), sendParams(), collector)
	require.NoError(t, err)
	assert.Empty(t, result.Text)
	assert.Empty(t, result.AssistantMessageID)

	messages := store.messagesFor("conv-1")
	require.Len(t, messages, 1)
	assert.Equal(t, chat.RoleUser, messages[0].Role)

	// The protocol envelope is still complete for the client.
	assert.Equal(t, []stream.EventType{
		stream.EventStart,
		stream.EventTextStart,
		stream.EventTextEnd,
		stream.EventFinish,
	}, collector.types())
}

func TestSend_TitleFallbackOnBackendFailure(t *testing.T) {
	store := newFakeStore()
	backend := &fakeBackend{stream: &scriptedStream{deltas: []string{"ok"}}}
	svc := newService(store, backend, newFakeRegistry())

	_, err := svc.Send(context.Background(), sendParams(), &eventCollector{})
	require.NoError(t, err)
	assert.Equal(t, "Why is the sky blue?", store.conversations["conv-1"].Title)
}

func TestResume_ReturnsLatestAttempt(t *testing.T) {
	store := newFakeStore()
	registry := newFakeRegistry()
	backend := &fakeBackend{stream: &scriptedStream{deltas: []string{"Hi"}}, title: "t"}
	svc := newService(store, backend, registry)

	result, err := svc.Send(context.Background(), sendParams(), &eventCollector{})
	require.NoError(t, err)

	snapshot, err := svc.Resume(context.Background(), "user-1", "conv-1")
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.True(t, snapshot.Terminal)
	// start, text-start, one delta, text-end, finish
	assert.Len(t, snapshot.Payloads, 5)
	assert.Contains(t, snapshot.Payloads[2], result.AssistantMessageID)
}

func TestResume_NothingToResume(t *testing.T) {
	store := newFakeStore()
	store.conversations["conv-1"] = &chat.Conversation{ID: "conv-1", UserID: "user-1", Visibility: chat.VisibilityPrivate}
	svc := newService(store, &fakeBackend{}, newFakeRegistry())

	snapshot, err := svc.Resume(context.Background(), "user-1", "conv-1")
	require.NoError(t, err)
	assert.Nil(t, snapshot)
}

func TestListMessages_PublicConversationReadableByAnyone(t *testing.T) {
	store := newFakeStore()
	store.conversations["conv-1"] = &chat.Conversation{ID: "conv-1", UserID: "owner", Visibility: chat.VisibilityPublic}
	store.messages["conv-1"] = []chat.Message{{ID: "m1", ConversationID: "conv-1", Role: chat.RoleUser}}
	svc := newService(store, &fakeBackend{}, newFakeRegistry())

	messages, err := svc.ListMessages(context.Background(), "stranger", "conv-1")
	require.NoError(t, err)
	assert.Len(t, messages, 1)

	store.conversations["conv-1"].Visibility = chat.VisibilityPrivate
	_, err = svc.ListMessages(context.Background(), "stranger", "conv-1")
	assert.Equal(t, chaterrors.KindForbidden, chaterrors.KindOf(err))
}

func TestTruncateAfter(t *testing.T) {
	base := time.Now().UTC()
	store := newFakeStore()
	store.conversations["conv-1"] = &chat.Conversation{ID: "conv-1", UserID: "user-1"}
	store.messages["conv-1"] = []chat.Message{
		{ID: "m1", ConversationID: "conv-1", CreatedAt: base},
		{ID: "m2", ConversationID: "conv-1", CreatedAt: base.Add(time.Second)},
		{ID: "m3", ConversationID: "conv-1", CreatedAt: base.Add(2 * time.Second)},
	}
	svc := newService(store, &fakeBackend{}, newFakeRegistry())

	require.NoError(t, svc.TruncateAfter(context.Background(), "user-1", "conv-1", "m2"))

	messages := store.messagesFor("conv-1")
	require.Len(t, messages, 1)
	assert.Equal(t, "m1", messages[0].ID)

	err := svc.TruncateAfter(context.Background(), "user-1", "conv-1", "missing")
	assert.Equal(t, chaterrors.KindNotFound, chaterrors.KindOf(err))
}

func TestUpdateVisibility_RejectsUnknownValue(t *testing.T) {
	store := newFakeStore()
	store.conversations["conv-1"] = &chat.Conversation{ID: "conv-1", UserID: "user-1"}
	svc := newService(store, &fakeBackend{}, newFakeRegistry())

	err := svc.UpdateVisibility(context.Background(), "user-1", "conv-1", "friends-only")
	assert.Equal(t, chaterrors.KindBadRequest, chaterrors.KindOf(err))

	require.NoError(t, svc.UpdateVisibility(context.Background(), "user-1", "conv-1", chat.VisibilityPublic))
	assert.Equal(t, chat.VisibilityPublic, store.conversations["conv-1"].Visibility)
}
