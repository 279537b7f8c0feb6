// Package converter implements per-vendor translation between the
// gateway's normalized chat.Request/chat.Response/chat.Chunk shapes and
// whatever wire format an upstream provider actually speaks. A
// CustomHTTP adapter (internal/adapter) drives a Converter; nothing else
// in the gateway needs to know a vendor's request/response shape.
package converter

import (
	"context"
	"io"
	"net/http"

	"github.com/xvzhnang/netsec-toolsbox-sub003/internal/apierr"
	"github.com/xvzhnang/netsec-toolsbox-sub003/internal/chat"
)

// StreamDecoder turns a raw upstream response body into a sequence of
// normalized chunks. It owns buffering across partial SSE/chunked
// frames, so callers just keep calling Next until ok is false. The
// sequence is finite and not restartable — a decoder is used once and
// then discarded.
type StreamDecoder interface {
	// Next blocks until another chunk is available, the stream ends
	// (ok=false, err=nil), or an error occurs (ok=false, err!=nil).
	Next(ctx context.Context) (chunk chat.Chunk, ok bool, err error)
	// Close releases the underlying body. Safe to call more than once.
	Close() error
}

// Converter is the per-vendor translation capability.
type Converter interface {
	// BuildRequestURL builds the upstream URL from baseURL (and model,
	// where the vendor puts it in the path). Providers that use different
	// URLs for streaming vs non-streaming calls (e.g. Gemini) branch on
	// stream. The built-in converters ignore endpointTemplate; no
	// {model}/{version} placeholder substitution is done.
	BuildRequestURL(baseURL, endpointTemplate, model string, stream bool) (string, error)

	// BuildRequestHeaders returns the headers required for auth and
	// content negotiation, given the model's resolved secrets.
	BuildRequestHeaders(secrets map[string]string, stream bool) (http.Header, error)

	// BuildRequestBody translates a normalized request into the
	// vendor's wire body.
	BuildRequestBody(req *chat.Request) ([]byte, error)

	// ParseResponse translates a complete, non-streaming vendor
	// response body into the normalized shape.
	ParseResponse(body []byte) (*chat.Response, error)

	// NewStreamDecoder wraps a streaming response body. The decoder
	// takes ownership of body and must close it.
	NewStreamDecoder(body io.ReadCloser, model string) StreamDecoder
}

// Factory constructs a Converter from a vendor's resolved secrets and
// extra config block. Kept separate from Converter itself so registry
// construction doesn't need a live HTTP client just to look up a
// converter kind.
type Factory func(extra map[string]any) (Converter, error)

// registry maps a catalog entry's request_format tag to the factory
// that builds its Converter. Adding a provider is exactly: write a
// Converter, register it here — no other code changes required.
var registry = map[string]Factory{}

// Register adds a converter factory under tag. Called from each
// converter's init(), keeping the registration additive instead of
// requiring an edit to a central constructor.
func Register(tag string, factory Factory) {
	registry[tag] = factory
}

// Lookup returns the factory registered for tag, or false if no
// converter handles that request_format.
func Lookup(tag string) (Factory, bool) {
	f, ok := registry[tag]
	return f, ok
}

// errProtocol and errAuthMint build the two converter-specific error
// kinds.
func errProtocol(detail string, cause error) error {
	return apierr.Wrap(apierr.KindUpstreamProtocol, "upstream protocol error: "+detail, cause)
}

func errAuthMint(detail string, cause error) error {
	return apierr.Wrap(apierr.KindAuthMint, "auth mint error: "+detail, cause)
}
