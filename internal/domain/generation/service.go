// Package generation coordinates one assistant turn: quota and ownership
// checks, user message persistence, the live event relay, and the final
// best-effort commit of whatever text arrived.
package generation

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"knowsee/chat-relay/internal/domain/chat"
	"knowsee/chat-relay/internal/domain/stream"
	"knowsee/chat-relay/internal/utils/chaterrors"
)

// titleTimeout bounds the title generation call so a slow backend cannot
// stall the first message of a new conversation.
const titleTimeout = 10 * time.Second

// finalizeTimeout bounds the post-stream commit work.
const finalizeTimeout = 15 * time.Second

// SendParams carries one user turn into the coordinator.
type SendParams struct {
	UserID         string
	ConversationID string
	Message        chat.Message
	Model          string
	Visibility     chat.Visibility
}

// Result summarizes a completed attempt.
type Result struct {
	StreamID           string
	AssistantMessageID string
	Text               string
	// Truncated is true when the attempt was cut off before the backend
	// finished, by cancellation or the generation deadline.
	Truncated bool
}

// Service runs generation attempts against the backend and the store.
type Service struct {
	store    chat.Store
	backend  Backend
	registry Registry
	logger   zerolog.Logger

	maxMessagesPerWindow int
	quotaWindow          time.Duration
	generationTimeout    time.Duration
}

// NewService wires the coordinator.
func NewService(
	store chat.Store,
	backend Backend,
	registry Registry,
	logger zerolog.Logger,
	maxMessagesPerWindow int,
	quotaWindow time.Duration,
	generationTimeout time.Duration,
) *Service {
	return &Service{
		store:                store,
		backend:              backend,
		registry:             registry,
		logger:               logger.With().Str("component", "generation").Logger(),
		maxMessagesPerWindow: maxMessagesPerWindow,
		quotaWindow:          quotaWindow,
		generationTimeout:    generationTimeout,
	}
}

// Send runs one full generation attempt, writing events to w as they are
// produced. Precondition failures return before any event is written, so the
// caller can still answer with a plain HTTP error. Once streaming starts,
// failures surface as an error event on w instead.
func (s *Service) Send(ctx context.Context, params SendParams, w stream.Writer) (*Result, error) {
	if err := validateSend(params); err != nil {
		return nil, err
	}

	count, err := s.store.CountRecentMessages(ctx, params.UserID, s.quotaWindow)
	if err != nil {
		return nil, chaterrors.Wrap(chaterrors.KindOffline, chaterrors.SurfaceDatabase, "quota lookup failed", err)
	}
	if count >= s.maxMessagesPerWindow {
		return nil, chaterrors.New(chaterrors.KindRateLimit, chaterrors.SurfaceChat, "daily message limit reached")
	}

	if err := s.ensureConversation(ctx, params); err != nil {
		return nil, err
	}

	// The user turn is durable before the backend is contacted, so a failed
	// attempt still leaves the prompt in history.
	userMsg := params.Message
	userMsg.ConversationID = params.ConversationID
	userMsg.Role = chat.RoleUser
	if userMsg.CreatedAt.IsZero() {
		userMsg.CreatedAt = time.Now().UTC()
	}
	if err := s.store.AppendMessages(ctx, []chat.Message{userMsg}); err != nil {
		return nil, chaterrors.Wrap(chaterrors.KindOffline, chaterrors.SurfaceDatabase, "persist user message failed", err)
	}

	streamID := uuid.NewString()
	if err := s.registry.Register(ctx, params.ConversationID, streamID); err != nil {
		if errors.Is(err, ErrStreamActive) {
			return nil, chaterrors.New(chaterrors.KindBadRequest, chaterrors.SurfaceChat, "a generation is already running for this conversation")
		}
		return nil, chaterrors.Wrap(chaterrors.KindOffline, chaterrors.SurfaceStream, "stream registration failed", err)
	}
	if err := s.store.CreateStreamRecord(ctx, streamID, params.ConversationID); err != nil {
		s.logger.Warn().Err(err).Str("stream_id", streamID).Msg("stream record not persisted, resumption lookup will miss this attempt")
	}

	history, err := s.store.ListMessages(ctx, params.ConversationID)
	if err != nil {
		s.closeRegistry(params.ConversationID, streamID)
		return nil, chaterrors.Wrap(chaterrors.KindOffline, chaterrors.SurfaceDatabase, "load history failed", err)
	}

	genCtx, cancel := context.WithTimeout(ctx, s.generationTimeout)
	defer cancel()

	upstream, err := s.backend.StreamChat(genCtx, params.ConversationID, params.Model, history)
	if err != nil {
		s.closeRegistry(params.ConversationID, streamID)
		return nil, err
	}
	defer upstream.Close()

	result := s.relay(genCtx, params, streamID, upstream, w)

	s.finalize(params.ConversationID, streamID, result)
	return result, nil
}

// relay forwards translated events to the client and the replay buffer,
// accumulating the assistant text. A client write failure stops forwarding
// but not consumption, so the attempt still reaches its commit.
func (s *Service) relay(ctx context.Context, params SendParams, streamID string, upstream EventStream, w stream.Writer) *Result {
	assistantID := uuid.NewString()
	result := &Result{StreamID: streamID, AssistantMessageID: assistantID}

	var text []byte
	clientGone := false

	emit := func(ev stream.Event) {
		if err := s.registry.Append(ctx, streamID, ev.EncodeSSE()); err != nil {
			s.logger.Debug().Err(err).Str("stream_id", streamID).Msg("replay buffer append failed")
		}
		if clientGone {
			return
		}
		if err := w.Write(ev); err != nil {
			clientGone = true
			s.logger.Info().Str("stream_id", streamID).Msg("client detached, continuing generation")
		}
	}

	emit(stream.Start(assistantID))
	emit(stream.TextStart(assistantID))

	var streamErr error
	for {
		if ctx.Err() != nil {
			result.Truncated = true
			break
		}
		ev, err := upstream.Recv()
		if err != nil {
			if err == io.EOF {
				break
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				result.Truncated = true
				break
			}
			streamErr = err
			break
		}
		text = append(text, ev.Delta...)
		emit(stream.TextDelta(assistantID, ev.Delta))
	}

	result.Text = string(text)

	emit(stream.TextEnd(assistantID))
	if streamErr != nil {
		s.logger.Error().Err(streamErr).Str("stream_id", streamID).Msg("upstream stream failed")
		emit(stream.Error(chaterrors.New(chaterrors.KindOffline, chaterrors.SurfaceChat, "generation interrupted").Code()))
	} else {
		emit(stream.Finish())
	}

	return result
}

// finalize commits the assistant turn and releases the stream claim. It runs
// detached from the request context so a client disconnect cannot abort the
// commit.
func (s *Service) finalize(conversationID, streamID string, result *Result) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	committed, err := PersistIfNonEmpty(ctx, s.store, conversationID, result.AssistantMessageID, result.Text)
	if err != nil {
		s.logger.Error().Err(err).Str("conversation_id", conversationID).Msg("assistant commit failed")
	}
	if !committed {
		result.AssistantMessageID = ""
	} else {
		lastContext := map[string]any{
			"streamId":  streamID,
			"chars":     len(result.Text),
			"truncated": result.Truncated,
		}
		if err := s.store.UpdateLastContext(ctx, conversationID, lastContext); err != nil {
			s.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("last context not updated")
		}
	}

	if err := s.registry.Close(ctx, conversationID, streamID); err != nil {
		s.logger.Warn().Err(err).Str("stream_id", streamID).Msg("stream close failed")
	}

	s.logger.Info().
		Str("conversation_id", conversationID).
		Str("stream_id", streamID).
		Bool("committed", committed).
		Bool("truncated", result.Truncated).
		Int("chars", len(result.Text)).
		Msg("generation attempt finished")
}

func (s *Service) closeRegistry(conversationID, streamID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.registry.Close(ctx, conversationID, streamID); err != nil {
		s.logger.Warn().Err(err).Str("stream_id", streamID).Msg("stream close failed")
	}
}

// ensureConversation loads the conversation and checks ownership, creating
// it on first contact with a backend-generated title.
func (s *Service) ensureConversation(ctx context.Context, params SendParams) error {
	conv, err := s.store.GetConversation(ctx, params.ConversationID)
	if err == nil {
		if conv.UserID != params.UserID {
			return chaterrors.New(chaterrors.KindForbidden, chaterrors.SurfaceChat, "conversation belongs to another user")
		}
		return nil
	}
	if chaterrors.KindOf(err) != chaterrors.KindNotFound {
		return chaterrors.Wrap(chaterrors.KindOffline, chaterrors.SurfaceDatabase, "load conversation failed", err)
	}

	visibility := params.Visibility
	if !visibility.Valid() {
		visibility = chat.VisibilityPrivate
	}

	return s.store.CreateConversation(ctx, &chat.Conversation{
		ID:         params.ConversationID,
		UserID:     params.UserID,
		Title:      s.title(ctx, params.Message.PlainText()),
		Visibility: visibility,
		CreatedAt:  time.Now().UTC(),
	})
}

func (s *Service) title(ctx context.Context, text string) string {
	titleCtx, cancel := context.WithTimeout(ctx, titleTimeout)
	defer cancel()

	title, err := s.backend.GenerateTitle(titleCtx, text)
	if err != nil {
		s.logger.Debug().Err(err).Msg("title generation failed, using snippet")
		return chat.TitleFromText(text)
	}
	return title
}

func validateSend(params SendParams) error {
	if params.UserID == "" {
		return chaterrors.New(chaterrors.KindUnauthorized, chaterrors.SurfaceChat, "missing user identity")
	}
	if params.ConversationID == "" || params.Message.ID == "" {
		return chaterrors.New(chaterrors.KindBadRequest, chaterrors.SurfaceChat, "conversation and message ids are required")
	}
	if len(params.Message.Parts) == 0 {
		return chaterrors.New(chaterrors.KindBadRequest, chaterrors.SurfaceChat, "message has no content")
	}
	return nil
}

// Resume returns the replay snapshot of the most recent attempt for the
// conversation, after the same read-access checks as ListMessages. A nil
// snapshot with nil error means there is nothing to resume.
func (s *Service) Resume(ctx context.Context, userID, conversationID string) (*StreamSnapshot, error) {
	if _, err := s.authorizeRead(ctx, userID, conversationID); err != nil {
		return nil, err
	}

	streamIDs, err := s.store.ListStreamIDs(ctx, conversationID)
	if err != nil {
		return nil, chaterrors.Wrap(chaterrors.KindOffline, chaterrors.SurfaceDatabase, "stream lookup failed", err)
	}
	if len(streamIDs) == 0 {
		return nil, nil
	}

	// Records are ordered oldest first; only the latest attempt matters.
	latest := streamIDs[len(streamIDs)-1]
	snapshot, err := s.registry.Resume(ctx, latest)
	if err != nil {
		return nil, chaterrors.Wrap(chaterrors.KindOffline, chaterrors.SurfaceStream, "replay lookup failed", err)
	}
	return snapshot, nil
}

// ListMessages returns the conversation history, enforcing that private
// conversations are visible to their owner only.
func (s *Service) ListMessages(ctx context.Context, userID, conversationID string) ([]chat.Message, error) {
	if _, err := s.authorizeRead(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	messages, err := s.store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, chaterrors.Wrap(chaterrors.KindOffline, chaterrors.SurfaceDatabase, "load history failed", err)
	}
	return messages, nil
}

// DeleteConversation removes the conversation and everything under it.
func (s *Service) DeleteConversation(ctx context.Context, userID, conversationID string) error {
	if err := s.authorizeOwner(ctx, userID, conversationID); err != nil {
		return err
	}
	if err := s.store.DeleteConversation(ctx, conversationID); err != nil {
		return chaterrors.Wrap(chaterrors.KindOffline, chaterrors.SurfaceDatabase, "delete conversation failed", err)
	}
	return nil
}

// UpdateVisibility flips a conversation between private and public.
func (s *Service) UpdateVisibility(ctx context.Context, userID, conversationID string, visibility chat.Visibility) error {
	if !visibility.Valid() {
		return chaterrors.New(chaterrors.KindBadRequest, chaterrors.SurfaceChat, "unknown visibility")
	}
	if err := s.authorizeOwner(ctx, userID, conversationID); err != nil {
		return err
	}
	if err := s.store.UpdateVisibility(ctx, conversationID, visibility); err != nil {
		return chaterrors.Wrap(chaterrors.KindOffline, chaterrors.SurfaceDatabase, "update visibility failed", err)
	}
	return nil
}

// TruncateAfter deletes the named message and everything after it, the
// storage half of edit-and-regenerate.
func (s *Service) TruncateAfter(ctx context.Context, userID, conversationID, messageID string) error {
	if err := s.authorizeOwner(ctx, userID, conversationID); err != nil {
		return err
	}

	messages, err := s.store.ListMessages(ctx, conversationID)
	if err != nil {
		return chaterrors.Wrap(chaterrors.KindOffline, chaterrors.SurfaceDatabase, "load history failed", err)
	}
	for _, m := range messages {
		if m.ID == messageID {
			if err := s.store.DeleteMessagesAfter(ctx, conversationID, m.CreatedAt); err != nil {
				return chaterrors.Wrap(chaterrors.KindOffline, chaterrors.SurfaceDatabase, "truncate failed", err)
			}
			return nil
		}
	}
	return chaterrors.New(chaterrors.KindNotFound, chaterrors.SurfaceChat, "message not found")
}

func (s *Service) authorizeRead(ctx context.Context, userID, conversationID string) (*chat.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		if chaterrors.KindOf(err) == chaterrors.KindNotFound {
			return nil, err
		}
		return nil, chaterrors.Wrap(chaterrors.KindOffline, chaterrors.SurfaceDatabase, "load conversation failed", err)
	}
	if conv.Visibility != chat.VisibilityPublic && conv.UserID != userID {
		return nil, chaterrors.New(chaterrors.KindForbidden, chaterrors.SurfaceChat, "conversation belongs to another user")
	}
	return conv, nil
}

func (s *Service) authorizeOwner(ctx context.Context, userID, conversationID string) error {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		if chaterrors.KindOf(err) == chaterrors.KindNotFound {
			return err
		}
		return chaterrors.Wrap(chaterrors.KindOffline, chaterrors.SurfaceDatabase, "load conversation failed", err)
	}
	if conv.UserID != userID {
		return chaterrors.New(chaterrors.KindForbidden, chaterrors.SurfaceChat, "conversation belongs to another user")
	}
	return nil
}
