package generation

import (
	"context"
	"errors"
)

// ErrStreamActive is returned by Register when the conversation already has
// a live generation attempt.
var ErrStreamActive = errors.New("conversation already has an active stream")

// StreamSnapshot is the replayable state of one generation attempt.
type StreamSnapshot struct {
	// Payloads are the encoded event frames written so far, in order.
	Payloads []string
	// Terminal is true once the attempt has finished or errored.
	Terminal bool
}

// Registry tracks live generation attempts so that at most one runs per
// conversation and clients can reattach to one in flight.
type Registry interface {
	// Register claims the conversation for streamID. It fails with
	// ErrStreamActive when another attempt holds the claim.
	Register(ctx context.Context, conversationID, streamID string) error
	// Append buffers one event payload for later replay.
	Append(ctx context.Context, streamID, payload string) error
	// Close marks the attempt terminal and releases the conversation claim.
	// Closing an already-closed attempt is a no-op.
	Close(ctx context.Context, conversationID, streamID string) error
	// Resume returns the snapshot for streamID, or nil when unknown.
	Resume(ctx context.Context, streamID string) (*StreamSnapshot, error)
	// Resumable reports whether snapshots survive across instances.
	Resumable() bool
}
