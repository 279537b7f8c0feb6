package supervisor

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xvzhnang/netsec-toolsbox-sub003/internal/breaker"
	"github.com/xvzhnang/netsec-toolsbox-sub003/internal/config"
	"github.com/xvzhnang/netsec-toolsbox-sub003/internal/events"
	"github.com/xvzhnang/netsec-toolsbox-sub003/internal/heartbeat"
	"github.com/xvzhnang/netsec-toolsbox-sub003/internal/metrics"
	"github.com/xvzhnang/netsec-toolsbox-sub003/internal/ratelimit"
)

// SpawnFunc launches one Worker process for the given id/port and
// returns a handle the Pool uses for liveness tracking. Production code
// uses ExecSpawn (os/exec re-exec of this same binary in -mode=worker);
// tests inject a fake that never actually forks, keeping
// EnsureStarted's concurrency and state-machine behavior testable
// without real subprocesses.
type SpawnFunc func(id string, port int) (ProcessHandle, error)

// ProcessHandle abstracts the piece of *exec.Cmd the Pool actually
// needs: a PID for descriptor bookkeeping and a channel that closes
// when the process has exited, so the reaper goroutine doesn't block
// the rest of the Pool on Wait().
type ProcessHandle interface {
	PID() int
	Done() <-chan struct{}
	Kill() error
}

// ExecSpawn spawns a real OS process re-executing binaryPath with
// -mode=worker -id=<id> -port=<port> — a Worker launched as a genuine
// subprocess.
func ExecSpawn(binaryPath string, extraArgs ...string) SpawnFunc {
	return func(id string, port int) (ProcessHandle, error) {
		args := append([]string{"-mode=worker", "-id=" + id, fmt.Sprintf("-port=%d", port)}, extraArgs...)
		cmd := exec.Command(binaryPath, args...)
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("spawning worker %s: %w", id, err)
		}

		done := make(chan struct{})
		h := &execHandle{cmd: cmd, done: done}
		go func() {
			cmd.Wait()
			close(done)
		}()
		return h, nil
	}
}

type execHandle struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func (h *execHandle) PID() int             { return h.cmd.Process.Pid }
func (h *execHandle) Done() <-chan struct{} { return h.done }
func (h *execHandle) Kill() error          { return h.cmd.Process.Kill() }

// Pool is the Gateway Pool Supervisor: it owns N Worker descriptors,
// its own breaker/ratelimit registries, event bus, and metrics (the
// model-list cache lives in each Worker), and provides an idempotent
// once-init regardless of how many callers race to start it.
type Pool struct {
	cfg   *config.Config
	log   *zap.Logger
	spawn SpawnFunc

	once    sync.Once
	mu      sync.RWMutex
	workers []*Descriptor
	nextID  int

	Breakers *breaker.Registry
	Limiters *ratelimit.Registry
	Bus      *events.Bus
	Metrics  *metrics.Registry

	rrCursor int
}

func NewPool(cfg *config.Config, log *zap.Logger, spawn SpawnFunc) *Pool {
	return &Pool{
		cfg:      cfg,
		log:      log,
		spawn:    spawn,
		Breakers: breaker.NewRegistry(breaker.Config{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			SuccessThreshold: cfg.Breaker.SuccessThreshold,
			TimeWindow:       cfg.Breaker.SlidingWindow,
			OpenDuration:     cfg.Breaker.OpenDuration,
		}),
		Limiters: ratelimit.NewRegistry(),
		Bus:      events.NewBus(),
		Metrics:  metrics.New(),
	}
}

// EnsureStarted is the idempotent once-init: regardless of how many
// goroutines call it concurrently, the pool is constructed exactly
// once.
func (p *Pool) EnsureStarted(ctx context.Context) error {
	var startErr error
	p.once.Do(func() {
		startErr = p.start(ctx)
	})
	return startErr
}

func (p *Pool) start(ctx context.Context) error {
	n := p.cfg.Pool.Size
	if n <= 0 {
		n = 1
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for i := 0; i < n; i++ {
		d, err := p.spawnLocked()
		if err != nil {
			return err
		}
		p.workers = append(p.workers, d)
	}
	return nil
}

// spawnLocked creates a new Descriptor with a fresh id, spawns its
// process via p.spawn, and starts the reaper + heartbeat-staleness
// watchers for it. Caller holds p.mu.
func (p *Pool) spawnLocked() (*Descriptor, error) {
	id := fmt.Sprintf("w%d", p.nextID)
	port := p.cfg.Server.BasePort + p.nextID
	p.nextID++

	d := NewDescriptor(id, port)
	d.OnStateChange(func(d *Descriptor, from, to State) {
		p.Metrics.StateChangeTotal.WithLabelValues(d.ID, to.String()).Inc()
		p.Metrics.LastState.WithLabelValues(d.ID).Set(float64(to))
		p.Bus.Publish(events.Event{
			Kind: events.KindWorkerStateChanged,
			Attrs: map[string]any{
				"worker": d.ID,
				"from":   from.String(),
				"to":     to.String(),
			},
		})
	})

	handle, err := p.spawn(id, port)
	if err != nil {
		return nil, err
	}
	d.PID = handle.PID()

	go p.watchExit(d, handle)
	return d, nil
}

// watchExit fires MarkDead as soon as the process's exit is observed,
// without blocking any request-handling goroutine, and schedules a
// replacement.
func (p *Pool) watchExit(d *Descriptor, handle ProcessHandle) {
	<-handle.Done()
	d.MarkDead()
	p.log.Warn("worker process exited", zap.String("worker", d.ID))
	p.replace(d)
}

// replace discards a Dead descriptor and spawns a fresh one in its
// place. A Dead descriptor is never reused — the replacement gets a
// fresh id.
func (p *Pool) replace(dead *Descriptor) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, w := range p.workers {
		if w == dead {
			fresh, err := p.spawnLocked()
			if err != nil {
				p.log.Error("failed to respawn worker", zap.String("worker", dead.ID), zap.Error(err))
				return
			}
			p.workers[i] = fresh
			p.Metrics.RestartTotal.WithLabelValues(dead.ID).Inc()
			p.Bus.Publish(events.Event{Kind: events.KindWorkerRestarted, Attrs: map[string]any{"worker": dead.ID, "replacement": fresh.ID}})
			return
		}
	}
}

// Workers returns a snapshot slice of the current descriptors.
func (p *Pool) Workers() []*Descriptor {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Descriptor, len(p.workers))
	copy(out, p.workers)
	return out
}

// RunHealthLoop periodically checks heartbeat freshness for every
// Worker and marks staleness. Call once per Pool lifetime; returns when
// ctx is cancelled.
func (p *Pool) RunHealthLoop(ctx context.Context) {
	interval := p.cfg.Pool.HeartbeatInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.checkHeartbeats()
		}
	}
}

func (p *Pool) checkHeartbeats() {
	for _, d := range p.Workers() {
		path := heartbeat.Path(p.cfg.Pool.RuntimeDir, d.ID)
		if heartbeat.IsStale(path, p.cfg.Pool.HeartbeatStaleAfter) {
			d.MarkUnhealthy()
			continue
		}
		ts, err := heartbeat.ReadTimestamp(path)
		if err == nil {
			d.RecordHeartbeat(ts)
			if d.State() == Init {
				d.MarkBoundAndHeartbeating()
			}
		}
	}
}
