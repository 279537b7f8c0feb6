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

func TestGeminiBuildRequestURL(t *testing.T) {
	c := geminiConverter{}

	url, err := c.BuildRequestURL("https://generativelanguage.googleapis.com/v1", "", "gemini-1.5-pro", false)
	require.NoError(t, err)
	assert.Equal(t, "https://generativelanguage.googleapis.com/v1/models/gemini-1.5-pro:generateContent", url)

	streamURL, err := c.BuildRequestURL("https://generativelanguage.googleapis.com/v1", "", "gemini-1.5-pro", true)
	require.NoError(t, err)
	assert.Equal(t, "https://generativelanguage.googleapis.com/v1/models/gemini-1.5-pro:streamGenerateContent?alt=sse", streamURL)
}

func TestGeminiBuildRequestHeadersMissingKey(t *testing.T) {
	c := geminiConverter{}
	_, err := c.BuildRequestHeaders(map[string]string{}, false)
	assert.Error(t, err)
}

func TestGeminiBuildRequestBodyHoistsSystemAndRemapsRole(t *testing.T) {
	c := geminiConverter{}

	req := &chat.Request{
		Model: "gemini-1.5-pro",
		Messages: []chat.Message{
			{Role: "system", Content: "be terse"},
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
		},
		MaxTokens: 256,
	}

	body, err := c.BuildRequestBody(req)
	require.NoError(t, err)

	bodyStr := string(body)
	assert.Contains(t, bodyStr, `"systemInstruction"`)
	assert.Contains(t, bodyStr, `"be terse"`)
	assert.Contains(t, bodyStr, `"role":"model"`)
	assert.Contains(t, bodyStr, `"maxOutputTokens":256`)
}

func TestGeminiParseResponse(t *testing.T) {
	c := geminiConverter{}

	body := []byte(`{
		"candidates": [{
			"content": {"parts": [{"text": "hello there"}], "role": "model"},
			"finishReason": "STOP"
		}],
		"usageMetadata": {"promptTokenCount": 5, "candidatesTokenCount": 2, "totalTokenCount": 7}
	}`)

	resp, err := c.ParseResponse(body)
	require.NoError(t, err)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "hello there", resp.Choices[0].Message.Content)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 7, resp.Usage.TotalTokens)
}

func TestGeminiParseResponseNoCandidates(t *testing.T) {
	c := geminiConverter{}
	_, err := c.ParseResponse([]byte(`{"candidates": []}`))
	assert.Error(t, err)
}

func TestGeminiStreamDecoder(t *testing.T) {
	c := geminiConverter{}

	sse := strings.Join([]string{
		`data: {"candidates": [{"content": {"parts": [{"text": "Hel"}]}}]}`,
		``,
		`data: {"candidates": [{"content": {"parts": [{"text": "lo"}]}}]}`,
		``,
		`data: {"candidates": [{"content": {"parts": [{"text": ""}]}, "finishReason": "STOP"}], "usageMetadata": {"promptTokenCount": 1, "candidatesTokenCount": 2, "totalTokenCount": 3}}`,
		``,
	}, "\n")

	decoder := c.NewStreamDecoder(io.NopCloser(strings.NewReader(sse)), "gemini-1.5-pro")
	defer decoder.Close()

	var texts []string
	var sawDone bool
	for {
		chunk, ok, err := decoder.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			break
		}
		texts = append(texts, chunk.Choices[0].Delta.Content)
		if chunk.Done {
			sawDone = true
			require.NotNil(t, chunk.Usage)
			assert.Equal(t, 3, chunk.Usage.TotalTokens)
		}
	}

	assert.Equal(t, []string{"Hel", "lo", ""}, texts)
	assert.True(t, sawDone)
}
