package adapter

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xvzhnang/netsec-toolsbox-sub003/internal/apierr"
	"github.com/xvzhnang/netsec-toolsbox-sub003/internal/chat"
)

// DuplexSocketConfig declares a websocket upstream that keeps one
// full-duplex connection open and multiplexes chat calls over it by
// request ID, rather than opening a new connection per call.
type DuplexSocketConfig struct {
	ModelID       string
	OwnedBy       string
	URL           string
	SigningSecret string
	DialTimeout   time.Duration
	CallTimeout   time.Duration

	// UpstreamModel overwrites req.Model in the envelope payload — the
	// catalog's "model" field, which may differ from the public ModelID
	// clients address this entry by.
	UpstreamModel string
}

// duplexEnvelope is the framing this adapter puts on the wire: every
// message in either direction carries an ID so responses (and stream
// chunks) can be routed back to the call that sent them, since a single
// socket serves every concurrent request to this model.
type duplexEnvelope struct {
	ID      string          `json:"id"`
	Kind    string          `json:"kind"` // "request" | "chunk" | "response" | "error"
	Payload json.RawMessage `json:"payload,omitempty"`
	Done    bool            `json:"done,omitempty"`
}

// DuplexSocket maintains one long-lived websocket connection to an
// upstream that supports full-duplex streaming natively (as opposed to
// HTTP SSE). No pack example ships a complete duplex-socket client, so
// this is written directly against gorilla/websocket's documented
// Dial/ReadMessage/WriteMessage API — the library itself is the
// pack-wide convention (confirmed across multiple retrieval-pack
// gateway manifests) even though no single example's source to copy
// the call pattern from exists.
type DuplexSocket struct {
	cfg  DuplexSocketConfig
	dial func() (*websocket.Conn, error)

	mu       sync.Mutex
	conn     *websocket.Conn
	pending  map[string]chan duplexEnvelope
	writerMu sync.Mutex
}

func NewDuplexSocket(cfg DuplexSocketConfig) *DuplexSocket {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 60 * time.Second
	}
	d := &DuplexSocket{cfg: cfg, pending: make(map[string]chan duplexEnvelope)}
	d.dial = d.defaultDial
	return d
}

func (a *DuplexSocket) IsAvailable() bool {
	return a.cfg.URL != "" && a.cfg.SigningSecret != ""
}

func (a *DuplexSocket) ModelInfo() ModelInfo {
	return ModelInfo{ID: a.cfg.ModelID, OwnedBy: a.cfg.OwnedBy, Capabilities: []string{"chat", "chat.stream"}}
}

// defaultDial performs the signed handshake: an HMAC-SHA256 signature
// over "{timestamp}.{modelID}" using the configured secret, carried in
// the upgrade request's headers so the upstream can authenticate the
// connection before accepting it.
func (a *DuplexSocket) defaultDial() (*websocket.Conn, error) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(a.cfg.SigningSecret))
	mac.Write([]byte(timestamp + "." + a.cfg.ModelID))
	signature := hex.EncodeToString(mac.Sum(nil))

	header := http.Header{}
	header.Set("X-Gateway-Timestamp", timestamp)
	header.Set("X-Gateway-Signature", signature)
	header.Set("X-Gateway-Model", a.cfg.ModelID)

	dialer := &websocket.Dialer{HandshakeTimeout: a.cfg.DialTimeout}
	conn, _, err := dialer.Dial(a.cfg.URL, header)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindUpstreamTransient, "duplex socket dial failed", err)
	}
	return conn, nil
}

// ensureConn lazily dials and starts the read pump. Safe for concurrent
// callers: only the first one in pays the dial cost.
func (a *DuplexSocket) ensureConn() (*websocket.Conn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn != nil {
		return a.conn, nil
	}

	conn, err := a.dial()
	if err != nil {
		return nil, err
	}
	a.conn = conn
	go a.readPump(conn)
	return conn, nil
}

// readPump demultiplexes incoming envelopes by ID to whichever call is
// waiting on it. One goroutine per connection, started once.
func (a *DuplexSocket) readPump(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			a.failAllPending(err)
			return
		}

		var env duplexEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		a.mu.Lock()
		ch, ok := a.pending[env.ID]
		a.mu.Unlock()
		if !ok {
			continue
		}

		select {
		case ch <- env:
		default:
		}
	}
}

func (a *DuplexSocket) failAllPending(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, ch := range a.pending {
		close(ch)
		delete(a.pending, id)
	}
	a.conn = nil
	_ = err
}

func (a *DuplexSocket) register(id string) chan duplexEnvelope {
	ch := make(chan duplexEnvelope, 8)
	a.mu.Lock()
	a.pending[id] = ch
	a.mu.Unlock()
	return ch
}

func (a *DuplexSocket) unregister(id string) {
	a.mu.Lock()
	delete(a.pending, id)
	a.mu.Unlock()
}

func (a *DuplexSocket) sendRequest(id string, req *chat.Request) error {
	outReq := req
	if a.cfg.UpstreamModel != "" {
		clone := *req
		clone.Model = a.cfg.UpstreamModel
		outReq = &clone
	}

	payload, err := json.Marshal(outReq)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "marshaling duplex request", err)
	}

	conn, err := a.ensureConn()
	if err != nil {
		return err
	}

	env := duplexEnvelope{ID: id, Kind: "request", Payload: payload}
	data, err := json.Marshal(env)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "marshaling duplex envelope", err)
	}

	a.writerMu.Lock()
	defer a.writerMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return apierr.Wrap(apierr.KindUpstreamTransient, "duplex write failed", err)
	}
	return nil
}

func (a *DuplexSocket) Chat(ctx context.Context, req *chat.Request) (*chat.Response, error) {
	id := fmt.Sprintf("%d", time.Now().UnixNano())
	ch := a.register(id)
	defer a.unregister(id)

	if err := a.sendRequest(id, req); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
	defer cancel()

	select {
	case env, ok := <-ch:
		if !ok {
			return nil, apierr.New(apierr.KindUpstreamTransient, "duplex socket connection closed")
		}
		if env.Kind == "error" {
			return nil, apierr.New(apierr.KindUpstreamProtocol, "duplex upstream error: "+string(env.Payload))
		}
		var resp chat.Response
		if err := json.Unmarshal(env.Payload, &resp); err != nil {
			return nil, apierr.Wrap(apierr.KindUpstreamProtocol, "decoding duplex response", err)
		}
		return &resp, nil
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, apierr.Wrap(apierr.KindCancelled, "duplex call cancelled", ctx.Err())
		}
		return nil, apierr.New(apierr.KindTimeout, "duplex call timed out")
	}
}

func (a *DuplexSocket) ChatStream(ctx context.Context, req *chat.Request) (<-chan chat.Chunk, error) {
	id := fmt.Sprintf("%d", time.Now().UnixNano())
	ch := a.register(id)

	if err := a.sendRequest(id, req); err != nil {
		a.unregister(id)
		return nil, err
	}

	out := make(chan chat.Chunk)
	go func() {
		defer close(out)
		defer a.unregister(id)

		for {
			select {
			case env, ok := <-ch:
				if !ok {
					select {
					case out <- chat.Chunk{Done: true, Err: apierr.New(apierr.KindUpstreamTransient, "duplex socket connection closed")}:
					case <-ctx.Done():
					}
					return
				}
				if env.Kind == "error" {
					select {
					case out <- chat.Chunk{Done: true, Err: apierr.New(apierr.KindUpstreamProtocol, "duplex upstream error: "+string(env.Payload))}:
					case <-ctx.Done():
					}
					return
				}

				var chunk chat.Chunk
				if err := json.Unmarshal(env.Payload, &chunk); err != nil {
					select {
					case out <- chat.Chunk{Done: true, Err: apierr.Wrap(apierr.KindUpstreamProtocol, "decoding duplex chunk", err)}:
					case <-ctx.Done():
					}
					return
				}
				chunk.Done = env.Done

				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
				if env.Done {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}
