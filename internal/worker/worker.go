// Package worker is the OpenAI-compatible HTTP surface a single Worker
// process exposes: GET /health, GET /v1/models, POST /v1/chat/completions,
// GET /metrics, and a loopback-only POST /admin/shutdown. A chi.Router
// wired up in one routes() method, with a thin Worker wrapper satisfying
// http.Handler, and the full registry/breaker/ratelimit/retry chain
// sitting in front of every Adapter call.
package worker

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xvzhnang/netsec-toolsbox-sub003/internal/apierr"
	"github.com/xvzhnang/netsec-toolsbox-sub003/internal/breaker"
	"github.com/xvzhnang/netsec-toolsbox-sub003/internal/chat"
	"github.com/xvzhnang/netsec-toolsbox-sub003/internal/config"
	"github.com/xvzhnang/netsec-toolsbox-sub003/internal/events"
	"github.com/xvzhnang/netsec-toolsbox-sub003/internal/heartbeat"
	"github.com/xvzhnang/netsec-toolsbox-sub003/internal/metrics"
	"github.com/xvzhnang/netsec-toolsbox-sub003/internal/modelcache"
	"github.com/xvzhnang/netsec-toolsbox-sub003/internal/ratelimit"
	"github.com/xvzhnang/netsec-toolsbox-sub003/internal/registry"
	"github.com/xvzhnang/netsec-toolsbox-sub003/internal/retry"
	"github.com/xvzhnang/netsec-toolsbox-sub003/internal/stream"
)

// Worker holds the HTTP router and every dependency its handlers need,
// from the model registry through the full retry/breaker/rate-limit
// request pipeline.
type Worker struct {
	id     string
	cfg    *config.Config
	log    *zap.Logger
	router chi.Router

	registry   *registry.Registry
	breakers   *breaker.Registry
	limiters   *ratelimit.Registry
	metrics    *metrics.Registry
	modelCache *modelcache.Cache
	bus        *events.Bus

	heartbeatPath       string
	stopHeartbeat       chan struct{}
	onShutdownRequested func()
}

// Deps bundles the collaborators New needs — one struct instead of a
// long positional parameter list, since Worker's dependency count has
// grown well past a plain (cfg, models) constructor.
type Deps struct {
	ID         string
	Config     *config.Config
	Logger     *zap.Logger
	Registry   *registry.Registry
	Breakers   *breaker.Registry
	Limiters   *ratelimit.Registry
	Metrics    *metrics.Registry
	ModelCache *modelcache.Cache
	Bus        *events.Bus
}

func New(d Deps) *Worker {
	w := &Worker{
		id:            d.ID,
		cfg:           d.Config,
		log:           d.Logger,
		registry:      d.Registry,
		breakers:      d.Breakers,
		limiters:      d.Limiters,
		metrics:       d.Metrics,
		modelCache:    d.ModelCache,
		bus:           d.Bus,
		heartbeatPath: heartbeat.Path(d.Config.Pool.RuntimeDir, d.ID),
		stopHeartbeat: make(chan struct{}),
	}
	w.routes()
	return w
}

// routes builds the chi router — global middleware first, then the
// route table, gathered in one place so it stays easy to scan.
func (w *Worker) routes() {
	r := chi.NewRouter()

	r.Use(w.loggingMiddleware)
	r.Use(middleware.Recoverer)
	if w.cfg.Server.RequestBody > 0 {
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
				req.Body = http.MaxBytesReader(rw, req.Body, w.cfg.Server.RequestBody)
				next.ServeHTTP(rw, req)
			})
		})
	}

	r.Get("/health", w.handleHealth)
	r.Get("/v1/models", w.handleModels)
	r.Post("/v1/chat/completions", w.handleChatCompletions)
	if w.metrics != nil {
		r.Get("/metrics", w.metrics.Handler().ServeHTTP)
	}
	r.Post("/admin/shutdown", w.handleAdminShutdown)

	w.router = r
}

func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	w.router.ServeHTTP(rw, r)
}

// SetModelCache installs the /v1/models cache. Split from New because
// the cache's source function (w.ModelsPayload) is a method on Worker
// itself — the cache can't be built until the Worker exists.
func (w *Worker) SetModelCache(c *modelcache.Cache) {
	w.modelCache = c
}

// StartHeartbeat begins the periodic liveness-file write; call once per
// Worker process lifetime.
func (w *Worker) StartHeartbeat() {
	go heartbeat.Ticker(w.heartbeatPath, w.cfg.Pool.HeartbeatInterval, w.stopHeartbeat, func(err error) {
		w.log.Warn("heartbeat write failed", zap.Error(err))
	})
}

func (w *Worker) StopHeartbeat() {
	close(w.stopHeartbeat)
}

// loggingMiddleware is a structured zap equivalent of chi's stock
// middleware.Logger — one line per request, method + path + status +
// duration, but machine-parseable.
func (w *Worker) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(rw, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		w.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (w *Worker) handleHealth(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(map[string]string{
		"status": "ok",
		"worker": w.id,
	})
}

func (w *Worker) handleModels(rw http.ResponseWriter, r *http.Request) {
	payload, err := w.modelCache.Get(r.Context())
	if err != nil {
		apierr.Write(rw, apierr.Wrap(apierr.KindInternal, "building model list", err))
		return
	}
	rw.Header().Set("Content-Type", "application/json")
	rw.Write(payload)
}

// ModelsPayload builds the /v1/models response body from the current
// registry snapshot — the modelcache.Cache's source function.
func (w *Worker) ModelsPayload(ctx context.Context) (json.RawMessage, error) {
	infos := w.registry.List()
	descriptors := make([]chat.ModelDescriptor, 0, len(infos))
	now := time.Now().Unix()
	for _, info := range infos {
		descriptors = append(descriptors, chat.ModelDescriptor{
			ID:      info.ID,
			Object:  "model",
			Created: now,
			OwnedBy: info.OwnedBy,
		})
	}
	return json.Marshal(map[string]any{
		"object": "list",
		"data":   descriptors,
	})
}

func (w *Worker) handleChatCompletions(rw http.ResponseWriter, r *http.Request) {
	var req chat.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.Write(rw, apierr.Wrap(apierr.KindRequestValidation, "invalid request body", err))
		return
	}
	if err := req.Validate(); err != nil {
		apierr.Write(rw, apierr.Wrap(apierr.KindRequestValidation, err.Error(), err))
		return
	}

	ad, ok := w.registry.Get(req.Model)
	if !ok {
		apierr.Write(rw, apierr.New(apierr.KindModelNotFound, "unknown model: "+req.Model))
		return
	}

	if !w.limiters.Allow(req.Model) {
		apierr.Write(rw, apierr.New(apierr.KindRateLimited, "rate limit exceeded for model: "+req.Model).WithRetryAfter(1))
		return
	}

	br := w.breakers.Get(req.Model)
	if !br.Allow() {
		w.bus.Publish(events.Event{Kind: events.KindBreakerTripped, Attrs: map[string]any{"model": req.Model}})
		apierr.Write(rw, apierr.New(apierr.KindCircuitOpen, "circuit open for model: "+req.Model).WithRetryAfter(1))
		return
	}

	w.metrics.RequestsTotal.WithLabelValues(w.id, req.Model).Inc()
	w.metrics.InFlight.WithLabelValues(w.id).Inc()
	defer w.metrics.InFlight.WithLabelValues(w.id).Dec()
	start := time.Now()

	if req.Stream {
		w.handleStreamingChat(rw, r, ad, br, &req, start)
		return
	}
	w.handleNonStreamingChat(rw, r, ad, br, &req, start)
}

func (w *Worker) handleNonStreamingChat(rw http.ResponseWriter, r *http.Request, ad interface {
	Chat(ctx context.Context, req *chat.Request) (*chat.Response, error)
}, br *breaker.Breaker, req *chat.Request, start time.Time) {
	policy := retry.Policy{
		Enabled:         w.cfg.Retry.Enabled,
		MaxRetries:      w.cfg.Retry.MaxRetries,
		InitialDelay:    w.cfg.Retry.InitialDelay,
		MaxDelay:        w.cfg.Retry.MaxDelay,
		ExponentialBase: w.cfg.Retry.ExponentialBase,
		Jitter:          w.cfg.Retry.Jitter,
	}

	ctx, cancel := context.WithTimeout(r.Context(), w.cfg.Server.ChatDeadline)
	defer cancel()

	var resp *chat.Response
	err := retry.Do(ctx, policy, func() bool { return !br.Allow() }, func(ctx context.Context) error {
		var callErr error
		resp, callErr = ad.Chat(ctx, req)
		return callErr
	})

	w.metrics.ResponseMillis.WithLabelValues(w.id, req.Model).Observe(float64(time.Since(start).Milliseconds()))

	if err != nil {
		br.RecordFailure()
		w.metrics.FailureTotal.WithLabelValues(w.id, req.Model).Inc()
		if apierr.Classify(err).Kind == apierr.KindCancelled {
			return
		}
		apierr.Write(rw, err)
		return
	}

	br.RecordSuccess()
	w.metrics.SuccessTotal.WithLabelValues(w.id, req.Model).Inc()
	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(resp)
}

func (w *Worker) handleStreamingChat(rw http.ResponseWriter, r *http.Request, ad interface {
	ChatStream(ctx context.Context, req *chat.Request) (<-chan chat.Chunk, error)
}, br *breaker.Breaker, req *chat.Request, start time.Time) {
	ctx, cancel := context.WithTimeout(r.Context(), w.cfg.Server.ChatDeadline)
	defer cancel()

	chunks, err := ad.ChatStream(ctx, req)
	w.metrics.ResponseMillis.WithLabelValues(w.id, req.Model).Observe(float64(time.Since(start).Milliseconds()))
	if err != nil {
		br.RecordFailure()
		w.metrics.FailureTotal.WithLabelValues(w.id, req.Model).Inc()
		if apierr.Classify(err).Kind == apierr.KindCancelled {
			return
		}
		apierr.Write(rw, err)
		return
	}
	br.RecordSuccess()
	w.metrics.SuccessTotal.WithLabelValues(w.id, req.Model).Inc()

	counted := make(chan chat.Chunk)
	go func() {
		defer close(counted)
		n := 0
		for c := range chunks {
			n++
			counted <- c
		}
		w.metrics.ChunksPerStream.Observe(float64(n))
	}()

	if err := stream.Write(rw, counted); err != nil {
		w.log.Warn("stream write error", zap.Error(err), zap.String("model", req.Model))
	}
}

// handleAdminShutdown does not itself drain in-flight work. It only
// accepts the request from loopback and runs the caller-supplied
// shutdown callback, which cmd/aigateway's worker mode wires to
// http.Server.Shutdown: in-flight requests drain within
// pool.shutdown_drain_timeout, then the Worker process exits.
func (w *Worker) handleAdminShutdown(rw http.ResponseWriter, r *http.Request) {
	if !isLoopback(r.RemoteAddr) {
		apierr.Write(rw, apierr.New(apierr.KindRequestValidation, "admin endpoints are loopback-only"))
		return
	}
	rw.WriteHeader(http.StatusAccepted)
	if w.onShutdownRequested != nil {
		go w.onShutdownRequested()
	}
}

// OnShutdownRequested registers the callback cmd/aigateway uses to own
// the actual drain/exit sequence once a valid admin shutdown request
// arrives.
func (w *Worker) OnShutdownRequested(fn func()) {
	w.onShutdownRequested = fn
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
