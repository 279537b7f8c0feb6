package adapter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xvzhnang/netsec-toolsbox-sub003/internal/chat"
)

func TestSubprocessChatDecodesStdout(t *testing.T) {
	a := NewSubprocess(SubprocessConfig{
		ModelID: "local-echo",
		Command: "sh",
		Args:    []string{"-c", `echo '{"id":"r1","choices":[{"index":0,"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}]}'`},
		Timeout: 5 * time.Second,
	})
	assert.True(t, a.IsAvailable())

	req := &chat.Request{Model: "local-echo", Messages: []chat.Message{{Role: "user", Content: "hi"}}}

	resp, err := a.Chat(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Choices[0].Message.Content)
}

func TestSubprocessUnavailableForMissingBinary(t *testing.T) {
	a := NewSubprocess(SubprocessConfig{ModelID: "ghost", Command: "this-binary-does-not-exist-xyz"})
	assert.False(t, a.IsAvailable())
}

func TestSubprocessChatStreamSynthesizesContentThenDoneChunk(t *testing.T) {
	a := NewSubprocess(SubprocessConfig{
		ModelID: "local-echo",
		Command: "sh",
		Args:    []string{"-c", `echo '{"id":"r2","choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}]}'`},
		Timeout: 5 * time.Second,
	})

	chunks, err := a.ChatStream(context.Background(), &chat.Request{Model: "local-echo", Messages: []chat.Message{{Role: "user", Content: "hi"}}})
	require.NoError(t, err)

	var got []chat.Chunk
	for c := range chunks {
		got = append(got, c)
	}
	require.Len(t, got, 2)

	assert.False(t, got[0].Done)
	assert.Equal(t, "hi", got[0].Choices[0].Delta.Content)
	assert.Nil(t, got[0].Choices[0].FinishReason)

	assert.True(t, got[1].Done)
	assert.Equal(t, "", got[1].Choices[0].Delta.Content)
	require.NotNil(t, got[1].Choices[0].FinishReason)
	assert.Equal(t, "stop", *got[1].Choices[0].FinishReason)
}
