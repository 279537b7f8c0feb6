package converter

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/xvzhnang/netsec-toolsbox-sub003/internal/chat"
)

const (
	anthropicAPIVersion = "2023-06-01"
	defaultMaxTokens    = 1024
)

func init() {
	Register("anthropic", func(extra map[string]any) (Converter, error) {
		return &anthropicConverter{}, nil
	})
}

// anthropicConverter translates between the gateway's normalized shapes
// and Anthropic's Messages API: system-message hoisting, the required
// max_tokens default, and the named-SSE-event stream protocol all behind
// the Converter interface.
type anthropicConverter struct{}

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Model      string                  `json:"model"`
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicStreamEvent struct {
	Type    string                `json:"type"`
	Message *anthropicEventMesage `json:"message,omitempty"`
	Delta   *anthropicEventDelta  `json:"delta,omitempty"`
	Usage   *anthropicUsage       `json:"usage,omitempty"`
}

type anthropicEventMesage struct {
	ID    string         `json:"id"`
	Model string         `json:"model"`
	Usage anthropicUsage `json:"usage"`
}

type anthropicEventDelta struct {
	Type       string `json:"type"`
	Text       string `json:"text"`
	StopReason string `json:"stop_reason"`
}

func (anthropicConverter) BuildRequestURL(baseURL, endpointTemplate, model string, stream bool) (string, error) {
	return baseURL + "/v1/messages", nil
}

func (anthropicConverter) BuildRequestHeaders(secrets map[string]string, _ bool) (http.Header, error) {
	key := secrets["api_key"]
	if key == "" {
		return nil, errAuthMint("anthropic: missing api_key secret", nil)
	}
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("x-api-key", key)
	h.Set("anthropic-version", anthropicAPIVersion)
	return h, nil
}

// toAnthropicRequest hoists system messages into the top-level system
// string (Anthropic has no "system" role in the messages array) and
// enforces Anthropic's required max_tokens field.
func toAnthropicRequest(req *chat.Request) *anthropicRequest {
	ar := &anthropicRequest{
		Model:     req.Model,
		MaxTokens: defaultMaxTokens,
		Stream:    req.Stream,
	}
	if req.MaxTokens > 0 {
		ar.MaxTokens = req.MaxTokens
	}

	var systemParts []string
	for _, msg := range req.Messages {
		if msg.Role == "system" {
			systemParts = append(systemParts, msg.Content)
			continue
		}
		ar.Messages = append(ar.Messages, anthropicMessage{Role: msg.Role, Content: msg.Content})
	}
	if len(systemParts) > 0 {
		ar.System = strings.Join(systemParts, "\n\n")
	}

	return ar
}

func (anthropicConverter) BuildRequestBody(req *chat.Request) ([]byte, error) {
	body, err := json.Marshal(toAnthropicRequest(req))
	if err != nil {
		return nil, errProtocol("marshaling anthropic request", err)
	}
	return body, nil
}

func (anthropicConverter) ParseResponse(body []byte) (*chat.Response, error) {
	var ar anthropicResponse
	if err := json.Unmarshal(body, &ar); err != nil {
		return nil, errProtocol("decoding anthropic response", err)
	}

	var text string
	for _, block := range ar.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}

	return &chat.Response{
		ID:      ar.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   ar.Model,
		Choices: []chat.Choice{{
			Index:        0,
			Message:      chat.Message{Role: "assistant", Content: text},
			FinishReason: normalizeFinishReason(ar.StopReason),
		}},
		Usage: &chat.Usage{
			PromptTokens:     ar.Usage.InputTokens,
			CompletionTokens: ar.Usage.OutputTokens,
			TotalTokens:      ar.Usage.InputTokens + ar.Usage.OutputTokens,
		},
	}, nil
}

// anthropicStreamDecoder accumulates fields spread across Anthropic's
// named SSE events (message_start carries id/model, content_block_delta
// carries text, message_delta carries stop_reason and output token
// count) into single chat.Chunk values.
type anthropicStreamDecoder struct {
	scanner      *bufio.Scanner
	body         io.ReadCloser
	model        string
	respID       string
	inputTokens  int
	outputTokens int
}

func (anthropicConverter) NewStreamDecoder(body io.ReadCloser, model string) StreamDecoder {
	return &anthropicStreamDecoder{
		scanner: bufio.NewScanner(body),
		body:    body,
		model:   model,
	}
}

func (d *anthropicStreamDecoder) Next(ctx context.Context) (chat.Chunk, bool, error) {
	for d.scanner.Scan() {
		if ctx.Err() != nil {
			return chat.Chunk{}, false, ctx.Err()
		}

		line := d.scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")

		var ev anthropicStreamEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return chat.Chunk{}, false, errProtocol("decoding anthropic stream event", err)
		}

		switch ev.Type {
		case "message_start":
			if ev.Message != nil {
				d.respID = ev.Message.ID
				if ev.Message.Model != "" {
					d.model = ev.Message.Model
				}
				d.inputTokens = ev.Message.Usage.InputTokens
			}
			continue

		case "content_block_delta":
			if ev.Delta == nil || ev.Delta.Type != "text_delta" {
				continue
			}
			return chat.Chunk{
				ID:      d.respID,
				Model:   d.model,
				Object:  "chat.completion.chunk",
				Created: time.Now().Unix(),
				Choices: []chat.ChunkChoice{{Index: 0, Delta: chat.Delta{Content: ev.Delta.Text}}},
			}, true, nil

		case "message_delta":
			if ev.Usage != nil {
				d.outputTokens = ev.Usage.OutputTokens
			}
			var reason string
			if ev.Delta != nil {
				reason = normalizeFinishReason(ev.Delta.StopReason)
			} else {
				reason = "stop"
			}
			return chat.Chunk{
				ID:      d.respID,
				Model:   d.model,
				Object:  "chat.completion.chunk",
				Created: time.Now().Unix(),
				Choices: []chat.ChunkChoice{{Index: 0, Delta: chat.Delta{}, FinishReason: &reason}},
				Done:    true,
				Usage: &chat.Usage{
					PromptTokens:     d.inputTokens,
					CompletionTokens: d.outputTokens,
					TotalTokens:      d.inputTokens + d.outputTokens,
				},
			}, true, nil

		case "message_stop":
			return chat.Chunk{}, false, nil

		default:
			continue
		}
	}

	if err := d.scanner.Err(); err != nil {
		return chat.Chunk{}, false, errProtocol("reading anthropic stream", err)
	}
	return chat.Chunk{}, false, nil
}

func (d *anthropicStreamDecoder) Close() error {
	return d.body.Close()
}
