// Package stream writes chat.Chunk values to an http.ResponseWriter as
// OpenAI-compatible Server-Sent Events. Adapted near-verbatim from the
// teacher's stream.Write: same flusher assertion, same header set, same
// "data: {json}\n\n" framing and "data: [DONE]\n\n" sentinel. Generalized
// to consume chat.Chunk directly (already in the OpenAI wire shape,
// since every Adapter/Converter normalizes to it) instead of translating
// a provider-specific StreamChunk first, and reused unchanged for the
// Subprocess adapter's single-chunk synthesized stream.
package stream

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/xvzhnang/netsec-toolsbox-sub003/internal/apierr"
	"github.com/xvzhnang/netsec-toolsbox-sub003/internal/chat"
)

// Write reads chunks from the channel and writes them as SSE events
// until the channel closes or a chunk carries a terminal error.
func Write(w http.ResponseWriter, chunks <-chan chat.Chunk) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("stream: response writer does not support flushing")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for chunk := range chunks {
		if chunk.Err != nil {
			// Headers and a 200 status are already on the wire, so the
			// error goes out in-band as an {"error":{...}} event followed
			// by [DONE]; the error is still returned to the caller.
			ae := apierr.Classify(chunk.Err)
			errBody, _ := json.Marshal(map[string]any{"error": map[string]string{
				"message": ae.Message,
				"type":    "server_error",
				"code":    fmt.Sprintf("%d", ae.Kind.HTTPStatus()),
			}})
			fmt.Fprintf(w, "data: %s\n\ndata: [DONE]\n\n", errBody)
			flusher.Flush()
			return chunk.Err
		}

		if err := writeEvent(w, flusher, chunk); err != nil {
			return err
		}

		if chunk.Done {
			break
		}
	}

	if _, err := fmt.Fprint(w, "data: [DONE]\n\n"); err != nil {
		return fmt.Errorf("stream: writing done marker: %w", err)
	}
	flusher.Flush()
	return nil
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, chunk chat.Chunk) error {
	jsonBytes, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("stream: marshaling chunk: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", jsonBytes); err != nil {
		return fmt.Errorf("stream: writing event: %w", err)
	}
	flusher.Flush()
	return nil
}
