package adapter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/xvzhnang/netsec-toolsbox-sub003/internal/apierr"
	"github.com/xvzhnang/netsec-toolsbox-sub003/internal/chat"
	"github.com/xvzhnang/netsec-toolsbox-sub003/internal/converter"
)

// CustomHTTPConfig declares everything a CustomHTTP adapter needs to
// call one upstream model. One instance is built per catalog entry
// whose adapter kind is "custom_http".
type CustomHTTPConfig struct {
	ModelID          string
	OwnedBy          string
	BaseURL          string
	EndpointTemplate string
	Secrets          map[string]string
	Timeout          time.Duration
	ConverterTag     string
	ConverterExtra   map[string]any

	// UpstreamModel overwrites req.Model before handing the request to
	// the Converter — the catalog's "model" field, which may differ
	// from the public ModelID clients address this entry by.
	UpstreamModel string
}

// CustomHTTP drives a converter.Converter against a real upstream HTTP
// endpoint. It is the adapter behind every vendor that exposes a plain
// request/response (or SSE) HTTP API: the per-vendor URL building,
// header signing, and body translation lives in a converter.Converter,
// and this type supplies the one HTTP call sequence common to all of
// them.
type CustomHTTP struct {
	cfg       CustomHTTPConfig
	client    *http.Client
	conv      converter.Converter
	available bool
}

// NewCustomHTTP resolves cfg.ConverterTag against the converter registry
// and returns a ready adapter. IsAvailable reports false (without
// touching the network) if required secrets are blank placeholders.
func NewCustomHTTP(cfg CustomHTTPConfig) (*CustomHTTP, error) {
	factory, ok := converter.Lookup(cfg.ConverterTag)
	if !ok {
		return nil, fmt.Errorf("customhttp: no converter registered for %q", cfg.ConverterTag)
	}
	conv, err := factory(cfg.ConverterExtra)
	if err != nil {
		return nil, fmt.Errorf("customhttp: building converter %q: %w", cfg.ConverterTag, err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	available := true
	for _, v := range cfg.Secrets {
		if v == "" {
			available = false
			break
		}
	}

	return &CustomHTTP{
		cfg:       cfg,
		client:    &http.Client{Timeout: timeout},
		conv:      conv,
		available: available,
	}, nil
}

func (a *CustomHTTP) IsAvailable() bool {
	return a.available
}

func (a *CustomHTTP) ModelInfo() ModelInfo {
	return ModelInfo{ID: a.cfg.ModelID, OwnedBy: a.cfg.OwnedBy, Capabilities: []string{"chat", "chat.stream"}}
}

func (a *CustomHTTP) Chat(ctx context.Context, req *chat.Request) (*chat.Response, error) {
	httpResp, err := a.send(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindUpstreamTransient, "reading upstream response", err)
	}
	if httpResp.StatusCode >= 400 {
		return nil, classifyUpstreamStatus(httpResp.StatusCode, body)
	}

	return a.conv.ParseResponse(body)
}

func (a *CustomHTTP) ChatStream(ctx context.Context, req *chat.Request) (<-chan chat.Chunk, error) {
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
	decoder := a.conv.NewStreamDecoder(httpResp.Body, req.Model)

	go func() {
		defer close(out)
		defer decoder.Close()

		for {
			chunk, ok, err := decoder.Next(ctx)
			if err != nil {
				select {
				case out <- chat.Chunk{Done: true, Err: err}:
				case <-ctx.Done():
				}
				return
			}
			if !ok {
				return
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
			if chunk.Done {
				return
			}
		}
	}()

	return out, nil
}

func (a *CustomHTTP) send(ctx context.Context, req *chat.Request, stream bool) (*http.Response, error) {
	outReq := req
	if a.cfg.UpstreamModel != "" {
		clone := *req
		clone.Model = a.cfg.UpstreamModel
		outReq = &clone
	}

	body, err := a.conv.BuildRequestBody(outReq)
	if err != nil {
		return nil, err
	}

	url, err := a.conv.BuildRequestURL(a.cfg.BaseURL, a.cfg.EndpointTemplate, outReq.Model, stream)
	if err != nil {
		return nil, err
	}

	// tc3-hmac's converter needs the body hash and host in hand before
	// it can sign headers — threaded through via reserved secret keys
	// rather than widening the Converter interface for one vendor.
	secrets := a.cfg.Secrets
	if a.cfg.ConverterTag == "tc3-hmac" {
		secrets = withSigningContext(a.cfg.Secrets, body, url)
	}

	headers, err := a.conv.BuildRequestHeaders(secrets, stream)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "building upstream request", err)
	}
	httpReq.Header = headers

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apierr.Wrap(apierr.KindCancelled, "upstream call cancelled", err)
		}
		return nil, apierr.Wrap(apierr.KindUpstreamTransient, "upstream call failed", err)
	}
	return resp, nil
}

func withSigningContext(secrets map[string]string, body []byte, rawURL string) map[string]string {
	out := make(map[string]string, len(secrets)+2)
	for k, v := range secrets {
		out[k] = v
	}
	out["_body"] = string(body)
	if u, err := url.Parse(rawURL); err == nil {
		out["_host"] = u.Host
	}
	return out
}

// classifyUpstreamStatus maps an upstream HTTP error status into the
// gateway's error taxonomy so the worker's handler can decide the
// client-facing status without re-inspecting the vendor's body shape.
func classifyUpstreamStatus(status int, body []byte) error {
	detail := string(body)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apierr.New(apierr.KindUpstreamAuth, "upstream rejected credentials: "+detail)
	case status == http.StatusTooManyRequests:
		return apierr.New(apierr.KindRateLimited, "upstream rate limited: "+detail)
	case status == http.StatusRequestTimeout || status == http.StatusTooEarly ||
		status == http.StatusInternalServerError ||
		(status >= http.StatusBadGateway && status <= http.StatusGatewayTimeout):
		return apierr.New(apierr.KindUpstreamTransient, "upstream server error: "+detail)
	default:
		return apierr.New(apierr.KindUpstreamProtocol, "upstream rejected request: "+detail)
	}
}
