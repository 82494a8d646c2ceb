package chat_test

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"

	"knowsee/chat-relay/internal/domain/chat"
)

func TestTitleFromText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "empty", in: "   ", want: "New chat"},
		{name: "short text kept verbatim", in: "hello there", want: "hello there"},
		{name: "surrounding whitespace trimmed", in: "  hi  ", want: "hi"},
		{name: "long ascii truncated", in: strings.Repeat("a", 80), want: strings.Repeat("a", 57) + "..."},
		{name: "multi-byte runes survive truncation", in: strings.Repeat("ü", 80), want: strings.Repeat("ü", 57) + "..."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := chat.TitleFromText(tt.in)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
		})
	}
}
