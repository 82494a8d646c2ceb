package httpserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"

	"knowsee/chat-relay/internal/config"
	"knowsee/chat-relay/internal/domain/generation"
	"knowsee/chat-relay/internal/infrastructure/auth"
	"knowsee/chat-relay/internal/infrastructure/backend"
	"knowsee/chat-relay/internal/infrastructure/database"
	"knowsee/chat-relay/internal/infrastructure/database/entities"
	"knowsee/chat-relay/internal/infrastructure/registry"
	chatrepo "knowsee/chat-relay/internal/infrastructure/repository/chat"
	"knowsee/chat-relay/internal/interfaces/httpserver"
)

// stubBackend serves a canned SSE generation and a title endpoint the way
// the upstream model service would.
func stubBackend(t *testing.T, deltas []string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/chat":
			w.Header().Set("Content-Type", "text/event-stream")
			for _, delta := range deltas {
				payload, _ := json.Marshal(map[string]string{
					"type":  "text-delta",
					"id":    "up-1",
					"delta": delta,
				})
				fmt.Fprintf(w, "data: %s\n\n", payload)
			}
			fmt.Fprint(w, "data: {\"type\":\"finish\"}\n\n")
			fmt.Fprint(w, "data: [DONE]\n\n")
		case "/api/title":
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"title":"Stubbed title"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestServer(t *testing.T, backendURL string) http.Handler {
	t.Helper()

	db, err := database.Open(sqlite.Open("file::memory:?cache=shared&_t=" + strings.ReplaceAll(t.Name(), "/", "_")))
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&entities.Chat{}, &entities.ChatMessage{}, &entities.ChatStream{}))

	cfg := &config.Config{
		ServiceName:     "chat-relay",
		Environment:     "test",
		ShutdownTimeout: time.Second,
	}

	log := zerolog.Nop()
	svc := generation.NewService(
		chatrepo.NewRepository(db),
		backend.NewClient(backendURL),
		registry.NewMemoryRegistry(time.Minute),
		log,
		100,
		24*time.Hour,
		time.Minute,
	)

	validator, err := auth.NewValidator(context.Background(), cfg, log)
	require.NoError(t, err)

	return httpserver.New(cfg, log, svc, validator).Handler()
}

func sendBody(conversationID, text string) *bytes.Buffer {
	body, _ := json.Marshal(map[string]any{
		"id": conversationID,
		"message": map[string]any{
			"id":    "msg-" + conversationID,
			"role":  "user",
			"parts": []map[string]string{{"type": "text", "text": text}},
		},
		"selectedChatModel":      "chat-model",
		"selectedVisibilityType": "private",
	})
	return bytes.NewBuffer(body)
}

func TestSendStreamsEventsAndPersists(t *testing.T) {
	upstream := stubBackend(t, []string{"Hel", "lo"})
	server := newTestServer(t, upstream.URL)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat", sendBody("conv-1", "hi"))
	req.Header.Set("Content-Type", "application/json")
	server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "v1", rec.Header().Get("x-vercel-ai-ui-message-stream"))

	body := rec.Body.String()
	assert.Contains(t, body, `"type":"start"`)
	assert.Contains(t, body, `"type":"text-start"`)
	assert.Contains(t, body, `"delta":"Hel"`)
	assert.Contains(t, body, `"delta":"lo"`)
	assert.Contains(t, body, `"type":"text-end"`)
	assert.Contains(t, body, `"type":"finish"`)
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))

	// The turn is durable: the history now holds user and assistant messages.
	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/chat/conv-1/messages", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		Messages []struct {
			Role  string `json:"role"`
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "user", got.Messages[0].Role)
	assert.Equal(t, "assistant", got.Messages[1].Role)
	assert.Equal(t, "Hello", got.Messages[1].Parts[0].Text)
}

func TestSendRejectsMalformedBody(t *testing.T) {
	server := newTestServer(t, "http://127.0.0.1:0")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(`{"id":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	server.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "bad_request:api")
}

func TestMessagesForUnknownConversation(t *testing.T) {
	server := newTestServer(t, "http://127.0.0.1:0")

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/chat/ghost/messages", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "not_found:database")
}

func TestStreamWithNothingToResume(t *testing.T) {
	upstream := stubBackend(t, []string{"x"})
	server := newTestServer(t, upstream.URL)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat", sendBody("conv-2", "hi"))
	req.Header.Set("Content-Type", "application/json")
	server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// A finished attempt replays in full and terminates.
	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/chat/conv-2/stream", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"delta":"x"`)
	assert.True(t, strings.HasSuffix(rec.Body.String(), "data: [DONE]\n\n"))

	// An unknown conversation has nothing to resume.
	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/chat/ghost/stream", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestVisibilityLifecycle(t *testing.T) {
	upstream := stubBackend(t, []string{"x"})
	server := newTestServer(t, upstream.URL)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat", sendBody("conv-3", "hi"))
	req.Header.Set("Content-Type", "application/json")
	server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPatch, "/v1/chat/conv-3/visibility", strings.NewReader(`{"visibility":"public"}`))
	req.Header.Set("Content-Type", "application/json")
	server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPatch, "/v1/chat/conv-3/visibility", strings.NewReader(`{"visibility":"friends-only"}`))
	req.Header.Set("Content-Type", "application/json")
	server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "bad_request:chat")
}

func TestDeleteConversation(t *testing.T) {
	upstream := stubBackend(t, []string{"x"})
	server := newTestServer(t, upstream.URL)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat", sendBody("conv-4", "hi"))
	req.Header.Set("Content-Type", "application/json")
	server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/chat/conv-4", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/chat/conv-4/messages", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthEndpoints(t *testing.T) {
	server := newTestServer(t, "http://127.0.0.1:0")

	for _, path := range []string{"/", "/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
