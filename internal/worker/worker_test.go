package worker

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xvzhnang/netsec-toolsbox-sub003/internal/breaker"
	"github.com/xvzhnang/netsec-toolsbox-sub003/internal/config"
	"github.com/xvzhnang/netsec-toolsbox-sub003/internal/events"
	"github.com/xvzhnang/netsec-toolsbox-sub003/internal/metrics"
	"github.com/xvzhnang/netsec-toolsbox-sub003/internal/modelcache"
	"github.com/xvzhnang/netsec-toolsbox-sub003/internal/ratelimit"
	"github.com/xvzhnang/netsec-toolsbox-sub003/internal/registry"
)

func writeCatalog(t *testing.T, upstreamURL string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "models.json")
	doc := map[string]any{
		"models": []map[string]any{
			{
				"id":      "test-model",
				"adapter": "openai_compat",
				"base_url": upstreamURL,
				"api_key":  "test-key",
			},
		},
	}
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	return path
}

func newTestWorker(t *testing.T, upstreamURL string) *Worker {
	t.Helper()
	catalogPath := writeCatalog(t, upstreamURL)
	reg, err := registry.Load(catalogPath)
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := config.Default()
	cfg.Pool.RuntimeDir = t.TempDir()
	cfg.Retry.MaxRetries = 0

	m := metrics.New()
	w := New(Deps{
		ID:       "w1",
		Config:   cfg,
		Logger:   zap.NewNop(),
		Registry: reg,
		Breakers: breaker.NewRegistry(breaker.DefaultConfig()),
		Limiters: ratelimit.NewRegistry(),
		Metrics:  m,
		Bus:      events.NewBus(),
	})
	w.modelCache = modelcache.New(rdb, modelcache.DefaultConfig(), w.ModelsPayload)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	w := newTestWorker(t, "http://unused.invalid")
	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	w.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestModelsEndpointListsRegistry(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	w := newTestWorker(t, upstream.URL)
	req := httptest.NewRequest("GET", "/v1/models", nil)
	rec := httptest.NewRecorder()
	w.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "test-model")
}

func TestChatCompletionsHappyPath(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		json.NewEncoder(rw).Encode(map[string]any{
			"id":      "resp-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "test-model",
			"choices": []map[string]any{
				{"index": 0, "message": map[string]string{"role": "assistant", "content": "hi"}, "finish_reason": "stop"},
			},
		})
	}))
	defer upstream.Close()

	w := newTestWorker(t, upstream.URL)
	body, _ := json.Marshal(map[string]any{
		"model":    "test-model",
		"messages": []map[string]string{{"role": "user", "content": "hello"}},
	})
	req := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	w.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `"content":"hi"`)
}

func TestChatCompletionsUnknownModel(t *testing.T) {
	w := newTestWorker(t, "http://unused.invalid")
	body, _ := json.Marshal(map[string]any{
		"model":    "nope",
		"messages": []map[string]string{{"role": "user", "content": "hello"}},
	})
	req := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	w.ServeHTTP(rec, req)

	require.Equal(t, 404, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown model")
}

func TestChatCompletionsInvalidBody(t *testing.T) {
	w := newTestWorker(t, "http://unused.invalid")
	req := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader([]byte("{")))
	rec := httptest.NewRecorder()
	w.ServeHTTP(rec, req)
	require.Equal(t, 400, rec.Code)
}

func TestAdminShutdownRejectsNonLoopback(t *testing.T) {
	w := newTestWorker(t, "http://unused.invalid")
	req := httptest.NewRequest("POST", "/admin/shutdown", nil)
	req.RemoteAddr = "203.0.113.5:1234"
	rec := httptest.NewRecorder()
	w.ServeHTTP(rec, req)
	require.Equal(t, 400, rec.Code)
}

func TestAdminShutdownAcceptsLoopback(t *testing.T) {
	w := newTestWorker(t, "http://unused.invalid")
	called := make(chan struct{}, 1)
	w.OnShutdownRequested(func() { called <- struct{}{} })

	req := httptest.NewRequest("POST", "/admin/shutdown", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	w.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("shutdown callback was not invoked")
	}
}

func TestMetricsEndpointExposesSeries(t *testing.T) {
	w := newTestWorker(t, "http://unused.invalid")
	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	w.ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)
}
