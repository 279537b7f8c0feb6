package registry

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/xvzhnang/netsec-toolsbox-sub003/internal/adapter"
)

// adapterFactory builds an Adapter from one catalog entry. Registered
// in adapterFactories below, keyed by the catalog's "adapter" tag.
type adapterFactory func(entry CatalogEntry) (adapter.Adapter, error)

var adapterFactories = map[string]adapterFactory{
	"openai_compat": buildPassThrough,
	"custom_http":   buildCustomHTTP,
	"process":       buildSubprocess,
	"websocket":     buildDuplexSocket,
}

func buildPassThrough(e CatalogEntry) (adapter.Adapter, error) {
	return adapter.NewPassThrough(adapter.PassThroughConfig{
		ModelID:       e.ID,
		OwnedBy:       ownerFromAdapter(e.Adapter),
		BaseURL:       e.BaseURL,
		APIKey:        e.APIKey,
		Timeout:       timeoutOf(e),
		UpstreamModel: e.Model,
	}), nil
}

func buildCustomHTTP(e CatalogEntry) (adapter.Adapter, error) {
	secrets := map[string]string{"api_key": e.APIKey}
	for k, v := range e.Config {
		if s, ok := v.(string); ok {
			secrets[k] = s
		}
	}

	return adapter.NewCustomHTTP(adapter.CustomHTTPConfig{
		ModelID:          e.ID,
		OwnedBy:          ownerFromAdapter(e.Adapter),
		BaseURL:          e.BaseURL,
		EndpointTemplate: e.Endpoint,
		Secrets:          secrets,
		Timeout:          timeoutOf(e),
		ConverterTag:     e.RequestFormat,
		ConverterExtra:   e.Config,
		UpstreamModel:    e.Model,
	})
}

func buildSubprocess(e CatalogEntry) (adapter.Adapter, error) {
	env := make([]string, 0, len(e.Env))
	for k, v := range e.Env {
		env = append(env, k+"="+v)
	}
	return adapter.NewSubprocess(adapter.SubprocessConfig{
		ModelID:       e.ID,
		OwnedBy:       ownerFromAdapter(e.Adapter),
		Command:       e.Command,
		Args:          e.Args,
		Env:           env,
		Timeout:       timeoutOf(e),
		UpstreamModel: e.Model,
	}), nil
}

func buildDuplexSocket(e CatalogEntry) (adapter.Adapter, error) {
	signingSecret, _ := e.Config["signing_secret"].(string)
	return adapter.NewDuplexSocket(adapter.DuplexSocketConfig{
		ModelID:       e.ID,
		OwnedBy:       ownerFromAdapter(e.Adapter),
		URL:           e.BaseURL,
		SigningSecret: signingSecret,
		CallTimeout:   timeoutOf(e),
		UpstreamModel: e.Model,
	}), nil
}

func ownerFromAdapter(kind string) string {
	return "gateway-" + kind
}

func timeoutOf(e CatalogEntry) time.Duration {
	if e.TimeoutSecs <= 0 {
		return 0
	}
	return time.Duration(e.TimeoutSecs * float64(time.Second))
}

// registrySnapshot is the immutable value swapped in on Reload — every
// in-flight request keeps using the snapshot it looked its adapter up
// in, even if a reload replaces the whole map underneath it.
type registrySnapshot struct {
	byID map[string]adapter.Adapter
	ids  []string // preserves catalog order for /v1/models listing
}

// Registry is the live, reloadable view over the model catalog.
type Registry struct {
	path string
	ptr  atomic.Pointer[registrySnapshot]
}

// Load builds a Registry from the catalog at path.
func Load(path string) (*Registry, error) {
	r := &Registry{path: path}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the catalog file and atomically swaps in a fresh
// snapshot. In-flight requests holding a reference to the old snapshot
// (via Get) are unaffected.
func (r *Registry) Reload() error {
	entries, err := LoadCatalog(r.path)
	if err != nil {
		return err
	}

	snap := &registrySnapshot{byID: make(map[string]adapter.Adapter, len(entries))}
	for _, e := range entries {
		if !e.Enabled() {
			continue
		}
		// LoadCatalog keeps an unresolvable ENV:<NAME> reference as its
		// literal; an entry holding one is left out as unavailable.
		unresolved := strings.HasPrefix(e.APIKey, envPrefix)
		for _, v := range e.Env {
			unresolved = unresolved || strings.HasPrefix(v, envPrefix)
		}
		for _, v := range e.Config {
			if s, ok := v.(string); ok && strings.HasPrefix(s, envPrefix) {
				unresolved = true
			}
		}
		if unresolved {
			continue
		}
		factory, ok := adapterFactories[e.Adapter]
		if !ok {
			continue
		}
		a, err := factory(e)
		if err != nil {
			continue
		}
		if !a.IsAvailable() {
			continue
		}
		snap.byID[e.ID] = a
		snap.ids = append(snap.ids, e.ID)
	}

	r.ptr.Store(snap)
	return nil
}

// Get returns the adapter for modelID, or (nil, false) if it's unknown
// or unavailable.
func (r *Registry) Get(modelID string) (adapter.Adapter, bool) {
	snap := r.ptr.Load()
	if snap == nil {
		return nil, false
	}
	a, ok := snap.byID[modelID]
	return a, ok
}

// List returns every currently available model's descriptor, in
// catalog order, for GET /v1/models.
func (r *Registry) List() []adapter.ModelInfo {
	snap := r.ptr.Load()
	if snap == nil {
		return nil
	}
	out := make([]adapter.ModelInfo, 0, len(snap.ids))
	for _, id := range snap.ids {
		out = append(out, snap.byID[id].ModelInfo())
	}
	return out
}
