package stream

import (
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/xvzhnang/netsec-toolsbox-sub003/internal/chat"
)

// sendChunks sends chunks on a channel in a goroutine and closes it when
// done, simulating what an Adapter's ChatStream does in production.
func sendChunks(chunks ...chat.Chunk) <-chan chat.Chunk {
	ch := make(chan chat.Chunk)
	go func() {
		defer close(ch)
		for _, c := range chunks {
			ch <- c
		}
	}()
	return ch
}

func parseSSEEvents(body string) []string {
	var events []string
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "data: ") {
			payload := strings.TrimPrefix(line, "data: ")
			if payload != "[DONE]" {
				events = append(events, payload)
			}
		}
	}
	return events
}

// TestWriteEmitsFramesInOrderThenDone covers three SSE frames with
// deltas "A", "B", and a terminal finish_reason="stop" frame producing
// exactly four client-visible frames — three data frames in order, then
// data: [DONE].
func TestWriteEmitsFramesInOrderThenDone(t *testing.T) {
	stop := "stop"
	ch := sendChunks(
		chat.Chunk{Model: "m", Choices: []chat.ChunkChoice{{Delta: chat.Delta{Content: "A"}}}},
		chat.Chunk{Model: "m", Choices: []chat.ChunkChoice{{Delta: chat.Delta{Content: "B"}}}},
		chat.Chunk{Model: "m", Done: true, Choices: []chat.ChunkChoice{{FinishReason: &stop}}},
	)

	w := httptest.NewRecorder()
	if err := Write(w, ch); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want %q", ct, "text/event-stream")
	}

	body := w.Body.String()
	if !strings.Contains(body, "data: [DONE]") {
		t.Error("missing [DONE] sentinel")
	}

	events := parseSSEEvents(body)
	if len(events) != 3 {
		t.Fatalf("got %d data events, want 3", len(events))
	}

	var first chat.Chunk
	if err := json.Unmarshal([]byte(events[0]), &first); err != nil {
		t.Fatalf("failed to parse event 0: %v", err)
	}
	if first.Choices[0].Delta.Content != "A" {
		t.Errorf("event 0 content = %q, want %q", first.Choices[0].Delta.Content, "A")
	}

	var third chat.Chunk
	if err := json.Unmarshal([]byte(events[2]), &third); err != nil {
		t.Fatalf("failed to parse event 2: %v", err)
	}
	if third.Choices[0].FinishReason == nil || *third.Choices[0].FinishReason != "stop" {
		t.Error("event 2 should have finish_reason=stop")
	}
}

func TestWriteIncludesUsageOnFinalChunk(t *testing.T) {
	stop := "stop"
	ch := sendChunks(
		chat.Chunk{Model: "m", Choices: []chat.ChunkChoice{{Delta: chat.Delta{Content: "hi"}}}},
		chat.Chunk{
			Model: "m", Done: true,
			Choices: []chat.ChunkChoice{{FinishReason: &stop}},
			Usage:   &chat.Usage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7},
		},
	)

	w := httptest.NewRecorder()
	if err := Write(w, ch); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}

	events := parseSSEEvents(w.Body.String())
	var last chat.Chunk
	if err := json.Unmarshal([]byte(events[len(events)-1]), &last); err != nil {
		t.Fatalf("failed to parse final event: %v", err)
	}
	if last.Usage == nil || last.Usage.TotalTokens != 7 {
		t.Error("final event should carry usage with total_tokens=7")
	}
}

func TestWriteMidStreamErrorSendsErrorEventThenDone(t *testing.T) {
	ch := sendChunks(
		chat.Chunk{Model: "m", Choices: []chat.ChunkChoice{{Delta: chat.Delta{Content: "partial"}}}},
		chat.Chunk{Done: true, Err: fmt.Errorf("connection reset")},
	)

	w := httptest.NewRecorder()
	err := Write(w, ch)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "connection reset") {
		t.Errorf("error = %q, want it to contain %q", err.Error(), "connection reset")
	}
	if !strings.Contains(w.Body.String(), `data: {"error":`) {
		t.Error("errored stream should carry an in-band error event")
	}
	if !strings.Contains(w.Body.String(), "[DONE]") {
		t.Error("errored stream should end with [DONE]")
	}
}

func TestWriteSSEFraming(t *testing.T) {
	ch := sendChunks(
		chat.Chunk{Model: "m", Choices: []chat.ChunkChoice{{Delta: chat.Delta{Content: "hi"}}}},
		chat.Chunk{Model: "m", Done: true},
	)

	w := httptest.NewRecorder()
	if err := Write(w, ch); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}

	body := w.Body.String()
	if !strings.Contains(body, "data: [DONE]\n\n") {
		t.Error("missing properly formatted [DONE] sentinel")
	}

	parts := strings.Split(body, "\n\n")
	nonEmpty := 0
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			nonEmpty++
		}
	}
	if nonEmpty != 3 {
		t.Errorf("got %d SSE events, want 3 (two data events + DONE)", nonEmpty)
	}
}
