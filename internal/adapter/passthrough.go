package adapter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/xvzhnang/netsec-toolsbox-sub003/internal/apierr"
	"github.com/xvzhnang/netsec-toolsbox-sub003/internal/chat"
)

// PassThroughConfig declares an upstream that already speaks the
// gateway's OpenAI-compatible wire format verbatim — no Converter
// needed, just forward the request body and relay the response.
type PassThroughConfig struct {
	ModelID string
	OwnedBy string
	BaseURL string
	APIKey  string
	Timeout time.Duration

	// UpstreamModel overwrites req.Model in the outbound body — the
	// catalog's "model" field, which may differ from the public ModelID
	// clients address this entry by.
	UpstreamModel string
}

// PassThrough forwards chat.Request/chat.Response bodies unmodified to
// an OpenAI-compatible upstream: build request, do, decode, with no
// provider-specific translation step needed.
type PassThrough struct {
	cfg    PassThroughConfig
	client *http.Client
}

func NewPassThrough(cfg PassThroughConfig) *PassThrough {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &PassThrough{cfg: cfg, client: &http.Client{Timeout: timeout}}
}

func (a *PassThrough) IsAvailable() bool {
	return a.cfg.APIKey != "" && a.cfg.BaseURL != ""
}

func (a *PassThrough) ModelInfo() ModelInfo {
	return ModelInfo{ID: a.cfg.ModelID, OwnedBy: a.cfg.OwnedBy, Capabilities: []string{"chat", "chat.stream"}}
}

func (a *PassThrough) Chat(ctx context.Context, req *chat.Request) (*chat.Response, error) {
	httpResp, err := a.send(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		body, _ := io.ReadAll(httpResp.Body)
		return nil, classifyUpstreamStatus(httpResp.StatusCode, body)
	}

	var resp chat.Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, apierr.Wrap(apierr.KindUpstreamProtocol, "decoding passthrough response", err)
	}
	return &resp, nil
}

func (a *PassThrough) ChatStream(ctx context.Context, req *chat.Request) (<-chan chat.Chunk, error) {
	httpResp, err := a.send(ctx, req, true)
	if err != nil {
		return nil, err
	}

	if httpResp.StatusCode >= 400 {
		body, _ := io.ReadAll(httpResp.Body)
		httpResp.Body.Close()
		return nil, classifyUpstreamStatus(httpResp.StatusCode, body)
	}

	out := make(chan chat.Chunk)
	go a.relaySSE(ctx, httpResp.Body, out)
	return out, nil
}

// relaySSE reads the upstream's own OpenAI-shaped SSE stream and relays
// each "data:" line's JSON payload as a chunk, stopping at the "[DONE]"
// sentinel — the upstream already speaks our wire format, so this is
// pure relay, not translation.
func (a *PassThrough) relaySSE(ctx context.Context, body io.ReadCloser, out chan<- chat.Chunk) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			return
		}

		var chunk chat.Chunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			select {
			case out <- chat.Chunk{Done: true, Err: apierr.Wrap(apierr.KindUpstreamProtocol, "decoding passthrough stream chunk", err)}:
			case <-ctx.Done():
			}
			return
		}

		select {
		case out <- chunk:
		case <-ctx.Done():
			return
		}
	}
}

func (a *PassThrough) send(ctx context.Context, req *chat.Request, stream bool) (*http.Response, error) {
	outReq := *req
	outReq.Stream = stream
	if a.cfg.UpstreamModel != "" {
		outReq.Model = a.cfg.UpstreamModel
	}

	body, err := json.Marshal(&outReq)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "marshaling passthrough request", err)
	}

	url := fmt.Sprintf("%s/v1/chat/completions", strings.TrimSuffix(a.cfg.BaseURL, "/"))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "building passthrough request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apierr.Wrap(apierr.KindCancelled, "passthrough call cancelled", err)
		}
		return nil, apierr.Wrap(apierr.KindUpstreamTransient, "passthrough call failed", err)
	}
	return resp, nil
}
