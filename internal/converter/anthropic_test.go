package converter

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xvzhnang/netsec-toolsbox-sub003/internal/chat"
)

func TestAnthropicBuildRequestURL(t *testing.T) {
	c := anthropicConverter{}
	url, err := c.BuildRequestURL("https://api.anthropic.com", "", "claude-3-opus", false)
	require.NoError(t, err)
	assert.Equal(t, "https://api.anthropic.com/v1/messages", url)
}

func TestAnthropicBuildRequestHeaders(t *testing.T) {
	c := anthropicConverter{}

	h, err := c.BuildRequestHeaders(map[string]string{"api_key": "sk-test"}, false)
	require.NoError(t, err)
	assert.Equal(t, "sk-test", h.Get("x-api-key"))
	assert.Equal(t, anthropicAPIVersion, h.Get("anthropic-version"))

	_, err = c.BuildRequestHeaders(map[string]string{}, false)
	assert.Error(t, err)
}

func TestAnthropicBuildRequestBodyHoistsSystemAndDefaultsMaxTokens(t *testing.T) {
	c := anthropicConverter{}

	req := &chat.Request{
		Model: "claude-3-opus",
		Messages: []chat.Message{
			{Role: "system", Content: "be terse"},
			{Role: "user", Content: "hi"},
		},
	}

	body, err := c.BuildRequestBody(req)
	require.NoError(t, err)

	bodyStr := string(body)
	assert.Contains(t, bodyStr, `"system":"be terse"`)
	assert.Contains(t, bodyStr, `"max_tokens":1024`)
	assert.NotContains(t, bodyStr, `"role":"system"`)
}

func TestAnthropicParseResponse(t *testing.T) {
	c := anthropicConverter{}

	body := []byte(`{
		"id": "msg_1",
		"model": "claude-3-opus",
		"content": [{"type": "text", "text": "hello there"}],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 4, "output_tokens": 3}
	}`)

	resp, err := c.ParseResponse(body)
	require.NoError(t, err)
	assert.Equal(t, "msg_1", resp.ID)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "hello there", resp.Choices[0].Message.Content)
	assert.Equal(t, "end_turn", resp.Choices[0].FinishReason)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 7, resp.Usage.TotalTokens)
}

func TestAnthropicStreamDecoderAccumulatesAcrossEvents(t *testing.T) {
	c := anthropicConverter{}

	sse := strings.Join([]string{
		`data: {"type": "message_start", "message": {"id": "msg_2", "model": "claude-3-opus", "usage": {"input_tokens": 10}}}`,
		``,
		`data: {"type": "content_block_delta", "delta": {"type": "text_delta", "text": "Hi"}}`,
		``,
		`data: {"type": "content_block_delta", "delta": {"type": "text_delta", "text": " there"}}`,
		``,
		`data: {"type": "message_delta", "delta": {"stop_reason": "end_turn"}, "usage": {"output_tokens": 5}}`,
		``,
		`data: {"type": "message_stop"}`,
		``,
	}, "\n")

	decoder := c.NewStreamDecoder(io.NopCloser(strings.NewReader(sse)), "claude-3-opus")
	defer decoder.Close()

	var texts []string
	var sawDone bool
	for {
		chunk, ok, err := decoder.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			break
		}
		assert.Equal(t, "msg_2", chunk.ID)
		if chunk.Done {
			sawDone = true
			require.NotNil(t, chunk.Usage)
			assert.Equal(t, 10, chunk.Usage.PromptTokens)
			assert.Equal(t, 5, chunk.Usage.CompletionTokens)
			require.NotNil(t, chunk.Choices[0].FinishReason)
			assert.Equal(t, "end_turn", *chunk.Choices[0].FinishReason)
			continue
		}
		texts = append(texts, chunk.Choices[0].Delta.Content)
	}

	assert.Equal(t, []string{"Hi", " there"}, texts)
	assert.True(t, sawDone)
}
