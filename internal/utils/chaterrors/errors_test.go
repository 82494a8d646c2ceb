package chaterrors_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"knowsee/chat-relay/internal/utils/chaterrors"
)

func TestChatError_Code(t *testing.T) {
	err := chaterrors.New(chaterrors.KindOffline, chaterrors.SurfaceChat, "backend unreachable")
	if got := err.Code(); got != "offline:chat" {
		t.Errorf("Code() = %q, want %q", got, "offline:chat")
	}
}

func TestChatError_StatusCode(t *testing.T) {
	tests := []struct {
		kind   chaterrors.Kind
		status int
	}{
		{chaterrors.KindBadRequest, http.StatusBadRequest},
		{chaterrors.KindUnauthorized, http.StatusUnauthorized},
		{chaterrors.KindForbidden, http.StatusForbidden},
		{chaterrors.KindRateLimit, http.StatusTooManyRequests},
		{chaterrors.KindNotFound, http.StatusNotFound},
		{chaterrors.KindOffline, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			err := chaterrors.New(tt.kind, chaterrors.SurfaceAPI, "boom")
			if got := err.StatusCode(); got != tt.status {
				t.Errorf("StatusCode() = %d, want %d", got, tt.status)
			}
		})
	}
}

func TestKindOf_WrappedError(t *testing.T) {
	inner := chaterrors.Wrap(chaterrors.KindNotFound, chaterrors.SurfaceDatabase, "conversation missing", errors.New("record not found"))
	wrapped := fmt.Errorf("fetch conversation: %w", inner)

	if got := chaterrors.KindOf(wrapped); got != chaterrors.KindNotFound {
		t.Errorf("KindOf() = %q, want %q", got, chaterrors.KindNotFound)
	}
	if chaterrors.KindOf(errors.New("plain")) != "" {
		t.Error("KindOf() on plain error should be empty")
	}
}

func TestChatError_Unwrap(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := chaterrors.Wrap(chaterrors.KindOffline, chaterrors.SurfaceDatabase, "store unreachable", cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is should reach the cause")
	}
}
