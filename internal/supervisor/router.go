package supervisor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"

	"github.com/xvzhnang/netsec-toolsbox-sub003/internal/apierr"
)

// pickWorker chooses from the routable set {Idle, BusyStreaming,
// BusyBlocked} favoring Idle, then least-in-flight, then round-robin as
// the final tiebreak. Returns nil if no candidate exists.
func (p *Pool) pickWorker() *Descriptor {
	workers := p.Workers()

	var idle, other []*Descriptor
	for _, d := range workers {
		if !d.RoutableNow() {
			continue
		}
		if d.State() == Idle {
			idle = append(idle, d)
		} else {
			other = append(other, d)
		}
	}

	pool := idle
	if len(pool) == 0 {
		pool = other
	}
	if len(pool) == 0 {
		return nil
	}

	best := leastInFlight(pool)
	if len(best) == 1 {
		return best[0]
	}

	p.mu.Lock()
	idx := p.rrCursor % len(best)
	p.rrCursor++
	p.mu.Unlock()
	return best[idx]
}

// leastInFlight narrows to the subset of candidates tied for the lowest
// in-flight count, so round-robin only breaks genuine ties.
func leastInFlight(candidates []*Descriptor) []*Descriptor {
	min := -1
	for _, d := range candidates {
		n := d.InFlight()
		if min == -1 || n < min {
			min = n
		}
	}
	var out []*Descriptor
	for _, d := range candidates {
		if d.InFlight() == min {
			out = append(out, d)
		}
	}
	return out
}

// proxies caches one httputil.ReverseProxy per Worker port so repeated
// requests to the same Worker don't rebuild a Director closure each
// time.
type proxyCache struct {
	mu    sync.Mutex
	byID  map[string]*httputil.ReverseProxy
}

func newProxyCache() *proxyCache {
	return &proxyCache{byID: make(map[string]*httputil.ReverseProxy)}
}

func (c *proxyCache) get(d *Descriptor) *httputil.ReverseProxy {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rp, ok := c.byID[d.ID]; ok {
		return rp
	}
	target := &url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", d.Port)}
	rp := httputil.NewSingleHostReverseProxy(target)
	c.byID[d.ID] = rp
	return rp
}

// peekStreamFlag reads the request body far enough to learn its
// "stream" field, then rewinds r.Body so the reverse proxy still
// forwards the original bytes untouched — the Supervisor only needs to
// know the streaming/blocking shape of the call to pick the right
// BusyStreaming/BusyBlocked transition, it never needs to touch the
// chat.Request itself.
func peekStreamFlag(r *http.Request) (bool, error) {
	raw, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		return false, err
	}
	r.Body = io.NopCloser(bytes.NewReader(raw))

	var probe struct {
		Stream bool `json:"stream"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &probe); err != nil {
			return false, err
		}
	}
	return probe.Stream, nil
}

// ChatHandler builds the Supervisor's front door for
// POST /v1/chat/completions: pick a routable Worker, bump its
// in-flight/state bookkeeping, reverse-proxy the request, and restore
// Idle once the proxy returns.
func (p *Pool) ChatHandler() http.HandlerFunc {
	proxies := newProxyCache()

	return func(w http.ResponseWriter, r *http.Request) {
		streaming, bodyErr := peekStreamFlag(r)
		if bodyErr != nil {
			apierr.Write(w, apierr.Wrap(apierr.KindRequestValidation, "invalid request body", bodyErr))
			return
		}

		d := p.pickWorker()
		if d == nil {
			apierr.Write(w, apierr.New(apierr.KindServiceUnavailable, "no healthy worker available"))
			return
		}

		if !d.AssignRequest(streaming) {
			apierr.Write(w, apierr.New(apierr.KindServiceUnavailable, "chosen worker is no longer routable"))
			return
		}
		defer d.CompleteRequest()

		proxies.get(d).ServeHTTP(w, r)
	}
}

// ModelsHandler proxies GET /v1/models to any Ready/Idle Worker. Each
// Worker still owns its own modelcache.Cache instance, but every Worker
// in the pool is started with the same -redis address (see
// cmd/aigateway's runSupervisor), so whichever one answers is reading
// and writing the same cached payload the others would have.
func (p *Pool) ModelsHandler() http.HandlerFunc {
	proxies := newProxyCache()

	return func(w http.ResponseWriter, r *http.Request) {
		var chosen *Descriptor
		for _, d := range p.Workers() {
			if d.State() == Idle || d.State() == Ready {
				chosen = d
				break
			}
		}
		if chosen == nil {
			apierr.Write(w, apierr.New(apierr.KindServiceUnavailable, "no worker available to serve model list"))
			return
		}
		proxies.get(chosen).ServeHTTP(w, r)
	}
}
