// Package adapter defines the Adapter capability and its four variants:
// PassThrough, CustomHTTP, Subprocess, and DuplexSocket.
// An Adapter owns exactly one upstream model configuration and knows how
// to perform a single chat call against it; everything above this
// package (registry, router, retry/breaker) works only in terms of this
// interface.
package adapter

import (
	"context"

	"github.com/xvzhnang/netsec-toolsbox-sub003/internal/chat"
)

// ModelInfo backs the descriptor an Adapter reports about itself.
type ModelInfo struct {
	ID           string
	OwnedBy      string
	Capabilities []string
}

// Adapter is the contract every upstream integration satisfies.
// Implementations must be safe for concurrent use — a single Adapter
// instance is shared by every request routed to its model.
type Adapter interface {
	// Chat performs one blocking, non-streaming call.
	Chat(ctx context.Context, req *chat.Request) (*chat.Response, error)

	// ChatStream performs one call and returns a channel of normalized
	// chunks. The channel is finite and not restartable: once closed
	// (or once an error chunk with Done=true has been sent) a new call
	// must be made to get more output. Cancelling ctx must release all
	// upstream resources (HTTP connections, subprocesses, sockets)
	// within the caller's deadline.
	ChatStream(ctx context.Context, req *chat.Request) (<-chan chat.Chunk, error)

	// IsAvailable performs a synchronous, local configuration check
	// (secrets present, binary exists, etc.) — never a network call.
	IsAvailable() bool

	// ModelInfo describes this adapter for GET /v1/models.
	ModelInfo() ModelInfo
}
