package registry

import (
	"context"
	"sync"
	"time"

	"knowsee/chat-relay/internal/domain/generation"
)

// MemoryRegistry keeps claims and replay buffers in process memory. It
// preserves the one-stream-per-conversation guarantee within a single
// instance but cannot resume across instances, so Resumable reports false.
type MemoryRegistry struct {
	mu      sync.Mutex
	ttl     time.Duration
	claims  map[string]string
	buffers map[string]*memoryBuffer
}

type memoryBuffer struct {
	payloads  []string
	terminal  bool
	expiresAt time.Time
}

// NewMemoryRegistry builds the in-process fallback registry.
func NewMemoryRegistry(ttl time.Duration) *MemoryRegistry {
	return &MemoryRegistry{
		ttl:     ttl,
		claims:  make(map[string]string),
		buffers: make(map[string]*memoryBuffer),
	}
}

func (r *MemoryRegistry) Register(_ context.Context, conversationID, streamID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictExpired()

	if _, held := r.claims[conversationID]; held {
		return generation.ErrStreamActive
	}
	r.claims[conversationID] = streamID
	r.buffers[streamID] = &memoryBuffer{expiresAt: time.Now().Add(r.ttl)}
	return nil
}

func (r *MemoryRegistry) Append(_ context.Context, streamID, payload string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	buf, ok := r.buffers[streamID]
	if !ok {
		buf = &memoryBuffer{}
		r.buffers[streamID] = buf
	}
	buf.payloads = append(buf.payloads, payload)
	buf.expiresAt = time.Now().Add(r.ttl)
	return nil
}

func (r *MemoryRegistry) Close(_ context.Context, conversationID, streamID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if holder, held := r.claims[conversationID]; held && holder == streamID {
		delete(r.claims, conversationID)
	}
	if buf, ok := r.buffers[streamID]; ok {
		buf.terminal = true
	}
	return nil
}

func (r *MemoryRegistry) Resume(_ context.Context, streamID string) (*generation.StreamSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictExpired()

	buf, ok := r.buffers[streamID]
	if !ok {
		return nil, nil
	}
	return &generation.StreamSnapshot{
		Payloads: append([]string(nil), buf.payloads...),
		Terminal: buf.terminal,
	}, nil
}

func (r *MemoryRegistry) Resumable() bool { return false }

// evictExpired drops stale buffers and any claims still pointing at them,
// so a crashed attempt cannot wedge its conversation forever. Callers hold
// the mutex.
func (r *MemoryRegistry) evictExpired() {
	now := time.Now()
	for id, buf := range r.buffers {
		if now.After(buf.expiresAt) {
			delete(r.buffers, id)
			for conv, holder := range r.claims {
				if holder == id {
					delete(r.claims, conv)
				}
			}
		}
	}
}

var _ generation.Registry = (*MemoryRegistry)(nil)
