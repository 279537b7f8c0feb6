package supervisor

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Service wraps a Pool with the Supervisor's own HTTP control surface:
// the pool-facing chat/models proxy plus /admin/ensure_started,
// /admin/stop, /admin/status, and /metrics — the same
// chi.Router-in-one-routes()-method shape internal/worker uses, at the
// layer above it.
type Service struct {
	pool   *Pool
	log    *zap.Logger
	router chi.Router
}

func NewService(pool *Pool, log *zap.Logger) *Service {
	s := &Service{pool: pool, log: log}
	s.routes()
	return s
}

func (s *Service) routes() {
	r := chi.NewRouter()
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Post("/v1/chat/completions", s.pool.ChatHandler())
	r.Get("/v1/models", s.pool.ModelsHandler())
	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.pool.Metrics.Handler().ServeHTTP)

	r.Post("/admin/ensure_started", s.handleEnsureStarted)
	r.Post("/admin/stop", s.handleStop)
	r.Get("/admin/status", s.handleStatus)

	s.router = r
}

func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Service) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleEnsureStarted is the HTTP-triggerable idempotent once-init —
// multiple concurrent calls (or the same call retried) all converge on
// one pool construction.
func (s *Service) handleEnsureStarted(w http.ResponseWriter, r *http.Request) {
	if err := s.pool.EnsureStarted(r.Context()); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "started"})
}

// handleStop drains every Worker via its own /admin/shutdown and
// reports once all have been asked to stop — it does not itself exit
// the Supervisor process; the OS/operator owns that decision.
func (s *Service) handleStop(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.pool.cfg.Pool.ShutdownDrainTimeout)
	defer cancel()

	for _, d := range s.pool.Workers() {
		requestWorkerShutdown(ctx, d)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "stopping"})
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	type workerStatus struct {
		ID              string    `json:"id"`
		Port            int       `json:"port"`
		State           string    `json:"state"`
		InFlight        int       `json:"in_flight"`
		LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	}

	workers := s.pool.Workers()
	out := make([]workerStatus, 0, len(workers))
	for _, d := range workers {
		out = append(out, workerStatus{
			ID:              d.ID,
			Port:            d.Port,
			State:           d.State().String(),
			InFlight:        d.InFlight(),
			LastHeartbeatAt: d.LastHeartbeatAt(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"workers": out})
}
