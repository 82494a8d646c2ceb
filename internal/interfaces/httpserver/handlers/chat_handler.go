package handlers

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"knowsee/chat-relay/internal/domain/chat"
	"knowsee/chat-relay/internal/domain/generation"
	"knowsee/chat-relay/internal/domain/stream"
	"knowsee/chat-relay/internal/infrastructure/auth"
	"knowsee/chat-relay/internal/infrastructure/metrics"
	"knowsee/chat-relay/internal/infrastructure/observability"
	"knowsee/chat-relay/internal/interfaces/httpserver/dto"
	"knowsee/chat-relay/internal/utils/chaterrors"
)

// streamHeader marks the response as a UI message stream for clients.
const (
	streamHeaderName  = "x-vercel-ai-ui-message-stream"
	streamHeaderValue = "v1"
)

// resumePollInterval paces the replay loop while an attempt is still live.
const resumePollInterval = 300 * time.Millisecond

// ChatHandler exposes HTTP entrypoints for conversations.
type ChatHandler struct {
	service *generation.Service
	log     zerolog.Logger
}

// NewChatHandler constructs the handler.
func NewChatHandler(service *generation.Service, log zerolog.Logger) *ChatHandler {
	return &ChatHandler{
		service: service,
		log:     log.With().Str("handler", "chat").Logger(),
	}
}

// Send handles POST /v1/chat: runs one generation attempt and streams the
// events back as SSE.
func (h *ChatHandler) Send(c *gin.Context) {
	var req dto.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, chaterrors.Wrap(chaterrors.KindBadRequest, chaterrors.SurfaceAPI, "invalid request body", err))
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		writeError(c, chaterrors.New(chaterrors.KindBadRequest, chaterrors.SurfaceAPI, "streaming not supported"))
		return
	}

	params := generation.SendParams{
		UserID:         auth.UserID(c),
		ConversationID: req.ID,
		Message:        req.Message.ToDomain(),
		Model:          req.SelectedChatModel,
		Visibility:     chat.Visibility(req.SelectedVisibilityType),
	}

	ctx, span := observability.StartGenerationSpan(c.Request.Context(), req.ID, req.SelectedChatModel)
	defer span.End()

	writer := newSSEWriter(c.Writer, flusher, h.log)
	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	started := time.Now()
	result, err := h.service.Send(ctx, params, writer)
	if err != nil {
		span.RecordError(err)
		// Nothing streamed yet, answer with a plain error response.
		if !writer.started() {
			metrics.RecordGeneration(metrics.OutcomeFailed, time.Since(started).Seconds())
			writeError(c, err)
			return
		}
		writer.writeRaw(stream.Error(errorCode(err)).EncodeSSE())
		writer.writeRaw(stream.DoneMarker)
		metrics.RecordGeneration(metrics.OutcomeFailed, time.Since(started).Seconds())
		return
	}

	writer.writeRaw(stream.DoneMarker)

	outcome := metrics.OutcomeCompleted
	if result.Truncated {
		outcome = metrics.OutcomeTruncated
	}
	metrics.RecordGeneration(outcome, time.Since(started).Seconds())
}

// Stream handles GET /v1/chat/:id/stream: replays the latest attempt and
// follows it live until it terminates.
func (h *ChatHandler) Stream(c *gin.Context) {
	conversationID := c.Param("id")
	userID := auth.UserID(c)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		writeError(c, chaterrors.New(chaterrors.KindBadRequest, chaterrors.SurfaceAPI, "streaming not supported"))
		return
	}

	snapshot, err := h.service.Resume(c.Request.Context(), userID, conversationID)
	if err != nil {
		metrics.RecordResume("error")
		writeError(c, err)
		return
	}
	if snapshot == nil {
		metrics.RecordResume("empty")
		c.Status(http.StatusNoContent)
		return
	}
	metrics.RecordResume("replayed")

	writer := newSSEWriter(c.Writer, flusher, h.log)
	for _, payload := range snapshot.Payloads {
		writer.writeRaw(payload)
	}
	sent := len(snapshot.Payloads)

	// Follow a live attempt until it turns terminal or the client leaves.
	for !snapshot.Terminal {
		select {
		case <-c.Request.Context().Done():
			return
		case <-time.After(resumePollInterval):
		}

		snapshot, err = h.service.Resume(c.Request.Context(), userID, conversationID)
		if err != nil || snapshot == nil {
			break
		}
		// The buffer can shrink between polls, when its TTL expires or a
		// newer attempt becomes the latest. Never replay past its end.
		if sent > len(snapshot.Payloads) {
			sent = len(snapshot.Payloads)
		}
		for _, payload := range snapshot.Payloads[sent:] {
			writer.writeRaw(payload)
		}
		sent = len(snapshot.Payloads)
	}

	writer.writeRaw(stream.DoneMarker)
}

// Messages handles GET /v1/chat/:id/messages.
func (h *ChatHandler) Messages(c *gin.Context) {
	messages, err := h.service.ListMessages(c.Request.Context(), auth.UserID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromDomainMessages(messages))
}

// Delete handles DELETE /v1/chat/:id.
func (h *ChatHandler) Delete(c *gin.Context) {
	if err := h.service.DeleteConversation(c.Request.Context(), auth.UserID(c), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "deleted": true})
}

// UpdateVisibility handles PATCH /v1/chat/:id/visibility.
func (h *ChatHandler) UpdateVisibility(c *gin.Context) {
	var req dto.UpdateVisibilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, chaterrors.Wrap(chaterrors.KindBadRequest, chaterrors.SurfaceAPI, "invalid request body", err))
		return
	}
	err := h.service.UpdateVisibility(c.Request.Context(), auth.UserID(c), c.Param("id"), chat.Visibility(req.Visibility))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "visibility": req.Visibility})
}

// Truncate handles DELETE /v1/chat/:id/messages?after=<messageId>: drops the
// named message and everything after it.
func (h *ChatHandler) Truncate(c *gin.Context) {
	after := c.Query("after")
	if after == "" {
		writeError(c, chaterrors.New(chaterrors.KindBadRequest, chaterrors.SurfaceAPI, "missing after parameter"))
		return
	}
	if err := h.service.TruncateAfter(c.Request.Context(), auth.UserID(c), c.Param("id"), after); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "truncatedAfter": after})
}

func writeError(c *gin.Context, err error) {
	if chatErr, ok := chaterrors.As(err); ok {
		c.JSON(chatErr.StatusCode(), dto.ErrorResponse{Code: chatErr.Code(), Message: chatErr.Message})
		return
	}
	c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Code: "offline:api", Message: "something went wrong"})
}

func errorCode(err error) string {
	if chatErr, ok := chaterrors.As(err); ok {
		return chatErr.Code()
	}
	return "offline:api"
}

// sseWriter serializes generation events onto the response, locking around
// writes and flushing each frame immediately.
type sseWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	log     zerolog.Logger
	mu      sync.Mutex
	wrote   bool
	failed  bool
}

func newSSEWriter(w http.ResponseWriter, flusher http.Flusher, log zerolog.Logger) *sseWriter {
	return &sseWriter{
		writer:  w,
		flusher: flusher,
		log:     log,
	}
}

// Write implements stream.Writer.
func (w *sseWriter) Write(ev stream.Event) error {
	if ev.Type == stream.EventTextDelta {
		metrics.DeltasForwardedTotal.Inc()
	}
	return w.writeRaw(ev.EncodeSSE())
}

func (w *sseWriter) writeRaw(frame string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.failed {
		return fmt.Errorf("stream writer closed")
	}
	if !w.wrote {
		header := w.writer.Header()
		header.Set("Content-Type", "text/event-stream")
		header.Set("Cache-Control", "no-cache")
		header.Set("Connection", "keep-alive")
		header.Set(streamHeaderName, streamHeaderValue)
		w.wrote = true
	}

	if _, err := fmt.Fprint(w.writer, frame); err != nil {
		w.failed = true
		w.log.Debug().Err(err).Msg("write SSE frame")
		return err
	}
	w.flusher.Flush()
	return nil
}

func (w *sseWriter) started() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.wrote
}
