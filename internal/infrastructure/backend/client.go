package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"knowsee/chat-relay/internal/domain/chat"
	"knowsee/chat-relay/internal/domain/generation"
	"knowsee/chat-relay/internal/domain/stream"
	"knowsee/chat-relay/internal/utils/chaterrors"
)

// Client implements the generation.Backend interface against the upstream
// model service.
type Client struct {
	httpClient *resty.Client
	baseURL    string
}

// NewClient creates a Resty-backed client.
func NewClient(baseURL string) *Client {
	return &Client{
		httpClient: resty.New().
			SetBaseURL(baseURL).
			SetHeader("Content-Type", "application/json").
			SetTimeout(30 * time.Second),
		baseURL: baseURL,
	}
}

// chatRequest is the upstream request body.
type chatRequest struct {
	ConversationID string         `json:"id"`
	Messages       []chat.Message `json:"messages"`
	Model          string         `json:"selectedChatModel"`
}

// StreamChat opens a streaming generation for the given history.
func (c *Client) StreamChat(ctx context.Context, conversationID, model string, history []chat.Message) (generation.EventStream, error) {
	body, err := json.Marshal(chatRequest{
		ConversationID: conversationID,
		Messages:       history,
		Model:          model,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	httpClient := &http.Client{Timeout: 120 * time.Second}
	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return nil, chaterrors.Wrap(chaterrors.KindOffline, chaterrors.SurfaceChat, "generation backend unreachable", err)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, chaterrors.New(chaterrors.KindOffline, chaterrors.SurfaceChat,
			fmt.Sprintf("generation backend error: %d %s", resp.StatusCode, string(respBody)))
	}

	return &sseStream{
		resp:    resp,
		decoder: NewDecoder(resp.Body),
	}, nil
}

// GenerateTitle asks the backend for a short conversation title seeded by the
// first user message. Failures fall back to a local snippet.
func (c *Client) GenerateTitle(ctx context.Context, text string) (string, error) {
	var result struct {
		Title string `json:"title"`
	}
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(map[string]string{"message": text}).
		SetResult(&result).
		Post("/api/title")
	if err != nil {
		return "", err
	}
	if resp.IsError() {
		return "", fmt.Errorf("title generation error: %s", resp.String())
	}
	if result.Title == "" {
		return "", fmt.Errorf("title generation returned empty title")
	}
	return result.Title, nil
}

// Ensure interface compliance.
var _ generation.Backend = (*Client)(nil)

// sseStream implements generation.EventStream backed by an http.Response
// body with SSE frame decoding and upstream-to-client translation.
type sseStream struct {
	resp    *http.Response
	decoder *Decoder
}

func (s *sseStream) Recv() (stream.Event, error) {
	for {
		payload, err := s.decoder.Next()
		if err != nil {
			if err == io.EOF {
				return stream.Event{}, io.EOF
			}
			return stream.Event{}, err
		}

		event, ok := Translate(payload)
		if !ok {
			continue
		}
		return event, nil
	}
}

func (s *sseStream) Close() error {
	if s.resp != nil && s.resp.Body != nil {
		return s.resp.Body.Close()
	}
	return nil
}
