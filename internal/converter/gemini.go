package converter

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/xvzhnang/netsec-toolsbox-sub003/internal/chat"
)

func init() {
	Register("gemini", func(extra map[string]any) (Converter, error) {
		return &geminiConverter{}, nil
	})
}

// geminiConverter translates between the gateway's normalized shapes and
// Google Gemini's generateContent / streamGenerateContent wire format,
// behind the Converter interface so a CustomHTTP adapter can drive it
// directly instead of a dedicated provider struct.
type geminiConverter struct{}

// --- Gemini wire types (unexported — only this file uses them) ---

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// BuildRequestURL resolves Gemini's two URL forms: generateContent for
// non-streaming calls, streamGenerateContent?alt=sse for streaming ones,
// driven by the stream flag so one converter covers both.
func (geminiConverter) BuildRequestURL(baseURL, endpointTemplate, model string, stream bool) (string, error) {
	if stream {
		return fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", baseURL, model), nil
	}
	return fmt.Sprintf("%s/models/%s:generateContent", baseURL, model), nil
}

// BuildRequestHeaders returns Gemini's auth header. Gemini historically
// accepted the API key as a query parameter; the gateway instead sends
// it as x-goog-api-key so the key never ends up in a proxy access log.
func (geminiConverter) BuildRequestHeaders(secrets map[string]string, _ bool) (http.Header, error) {
	key := secrets["api_key"]
	if key == "" {
		return nil, errAuthMint("gemini: missing api_key secret", nil)
	}
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("x-goog-api-key", key)
	return h, nil
}

// toGeminiRequest translates our unified Request into Gemini's format:
// system messages are hoisted into systemInstruction, assistant is
// remapped to model, and max_tokens becomes maxOutputTokens.
func toGeminiRequest(req *chat.Request) *geminiRequest {
	gr := &geminiRequest{}

	for _, msg := range req.Messages {
		if msg.Role == "system" {
			if gr.SystemInstruction == nil {
				gr.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: msg.Content}}}
			} else {
				gr.SystemInstruction.Parts = append(gr.SystemInstruction.Parts, geminiPart{Text: msg.Content})
			}
			continue
		}

		role := msg.Role
		if role == "assistant" {
			role = "model"
		}

		gr.Contents = append(gr.Contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: msg.Content}},
		})
	}

	if req.MaxTokens > 0 {
		gr.GenerationConfig = &geminiGenerationConfig{MaxOutputTokens: req.MaxTokens}
	}

	return gr
}

func (geminiConverter) BuildRequestBody(req *chat.Request) ([]byte, error) {
	body, err := json.Marshal(toGeminiRequest(req))
	if err != nil {
		return nil, errProtocol("marshaling gemini request", err)
	}
	return body, nil
}

func (geminiConverter) ParseResponse(body []byte) (*chat.Response, error) {
	var gr geminiResponse
	if err := json.Unmarshal(body, &gr); err != nil {
		return nil, errProtocol("decoding gemini response", err)
	}

	if len(gr.Candidates) == 0 || len(gr.Candidates[0].Content.Parts) == 0 {
		return nil, errProtocol("gemini returned no candidates", nil)
	}

	candidate := gr.Candidates[0]
	finish := normalizeFinishReason(candidate.FinishReason)

	resp := &chat.Response{
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Choices: []chat.Choice{{
			Index: 0,
			Message: chat.Message{
				Role:    "assistant",
				Content: candidate.Content.Parts[0].Text,
			},
			FinishReason: finish,
		}},
	}

	if gr.UsageMetadata != nil {
		resp.Usage = &chat.Usage{
			PromptTokens:     gr.UsageMetadata.PromptTokenCount,
			CompletionTokens: gr.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      gr.UsageMetadata.TotalTokenCount,
		}
	}

	return resp, nil
}

func normalizeFinishReason(r string) string {
	if r == "" {
		return "stop"
	}
	return strings.ToLower(r)
}

// geminiStreamDecoder reads Gemini's SSE stream, one self-contained JSON
// object per "data:" line (unlike Anthropic, Gemini doesn't spread
// metadata across named events — every event carries the same shape).
type geminiStreamDecoder struct {
	scanner *bufio.Scanner
	body    io.ReadCloser
	model   string
}

func (geminiConverter) NewStreamDecoder(body io.ReadCloser, model string) StreamDecoder {
	return &geminiStreamDecoder{
		scanner: bufio.NewScanner(body),
		body:    body,
		model:   model,
	}
}

func (d *geminiStreamDecoder) Next(ctx context.Context) (chat.Chunk, bool, error) {
	for d.scanner.Scan() {
		if ctx.Err() != nil {
			return chat.Chunk{}, false, ctx.Err()
		}

		line := d.scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")

		var gr geminiResponse
		if err := json.Unmarshal([]byte(payload), &gr); err != nil {
			return chat.Chunk{}, false, errProtocol("decoding gemini stream event", err)
		}
		if len(gr.Candidates) == 0 {
			continue
		}

		candidate := gr.Candidates[0]
		var text string
		if len(candidate.Content.Parts) > 0 {
			text = candidate.Content.Parts[0].Text
		}

		chunk := chat.Chunk{
			Model:   d.model,
			Object:  "chat.completion.chunk",
			Created: time.Now().Unix(),
			Choices: []chat.ChunkChoice{{Index: 0, Delta: chat.Delta{Content: text}}},
		}

		if candidate.FinishReason != "" {
			reason := normalizeFinishReason(candidate.FinishReason)
			chunk.Choices[0].FinishReason = &reason
			chunk.Done = true
			if gr.UsageMetadata != nil {
				chunk.Usage = &chat.Usage{
					PromptTokens:     gr.UsageMetadata.PromptTokenCount,
					CompletionTokens: gr.UsageMetadata.CandidatesTokenCount,
					TotalTokens:      gr.UsageMetadata.TotalTokenCount,
				}
			}
		}

		return chunk, true, nil
	}

	if err := d.scanner.Err(); err != nil {
		return chat.Chunk{}, false, errProtocol("reading gemini stream", err)
	}
	return chat.Chunk{}, false, nil
}

func (d *geminiStreamDecoder) Close() error {
	return d.body.Close()
}
