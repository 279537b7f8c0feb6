package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"time"

	"github.com/xvzhnang/netsec-toolsbox-sub003/internal/apierr"
	"github.com/xvzhnang/netsec-toolsbox-sub003/internal/chat"
)

// SubprocessConfig declares a local binary that speaks our unified
// chat.Request/chat.Response shapes over stdin/stdout — one process
// spawned per call, never kept alive across requests.
type SubprocessConfig struct {
	ModelID string
	OwnedBy string
	Command string
	Args    []string
	Env     []string
	Timeout time.Duration

	// UpstreamModel overwrites req.Model in the JSON written to stdin —
	// the catalog's "model" field, which may differ from the public
	// ModelID clients address this entry by.
	UpstreamModel string
}

// Subprocess runs a local command once per call, writing the JSON
// request to stdin and reading the JSON response from stdout. It never
// streams: this variant is synchronous-only, so ChatStream synthesizes
// two chunks from the one Chat result — a content chunk followed by a
// terminal chunk — rather than exposing any partial output.
type Subprocess struct {
	cfg SubprocessConfig
}

func NewSubprocess(cfg SubprocessConfig) *Subprocess {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Subprocess{cfg: cfg}
}

func (a *Subprocess) IsAvailable() bool {
	if a.cfg.Command == "" {
		return false
	}
	path, err := exec.LookPath(a.cfg.Command)
	return err == nil && path != ""
}

func (a *Subprocess) ModelInfo() ModelInfo {
	return ModelInfo{ID: a.cfg.ModelID, OwnedBy: a.cfg.OwnedBy, Capabilities: []string{"chat"}}
}

func (a *Subprocess) Chat(ctx context.Context, req *chat.Request) (*chat.Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	outReq := req
	if a.cfg.UpstreamModel != "" {
		clone := *req
		clone.Model = a.cfg.UpstreamModel
		outReq = &clone
	}

	input, err := json.Marshal(outReq)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "marshaling subprocess request", err)
	}

	cmd := exec.CommandContext(callCtx, a.cfg.Command, a.cfg.Args...)
	if len(a.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), a.cfg.Env...)
	}
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if callCtx.Err() == context.DeadlineExceeded {
		return nil, apierr.New(apierr.KindTimeout, "subprocess adapter exceeded its timeout")
	}
	if ctx.Err() != nil {
		return nil, apierr.Wrap(apierr.KindCancelled, "subprocess call cancelled", ctx.Err())
	}
	if runErr != nil {
		return nil, apierr.Wrap(apierr.KindUpstreamTransient, "subprocess exited with error: "+stderr.String(), runErr)
	}

	var resp chat.Response
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, apierr.Wrap(apierr.KindUpstreamProtocol, "decoding subprocess stdout", err)
	}
	return &resp, nil
}

// ChatStream synthesizes a two-chunk SSE stream from the blocking Chat
// result — a content chunk, then a terminal chunk carrying
// finish_reason and usage — reusing internal/stream's writer on the
// worker side the same way it writes any other chunk channel. The
// subprocess itself never streams.
func (a *Subprocess) ChatStream(ctx context.Context, req *chat.Request) (<-chan chat.Chunk, error) {
	resp, err := a.Chat(ctx, req)
	if err != nil {
		return nil, err
	}

	out := make(chan chat.Chunk, 2)

	var content string
	var finish string
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
		finish = resp.Choices[0].FinishReason
	}
	if finish == "" {
		finish = "stop"
	}

	out <- chat.Chunk{
		ID:      resp.ID,
		Object:  "chat.completion.chunk",
		Created: resp.Created,
		Model:   resp.Model,
		Choices: []chat.ChunkChoice{{
			Index: 0,
			Delta: chat.Delta{Role: "assistant", Content: content},
		}},
	}
	out <- chat.Chunk{
		ID:      resp.ID,
		Object:  "chat.completion.chunk",
		Created: resp.Created,
		Model:   resp.Model,
		Choices: []chat.ChunkChoice{{
			Index:        0,
			Delta:        chat.Delta{},
			FinishReason: &finish,
		}},
		Usage: resp.Usage,
		Done:  true,
	}
	close(out)
	return out, nil
}
