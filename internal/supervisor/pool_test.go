package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xvzhnang/netsec-toolsbox-sub003/internal/config"
)

// fakeHandle is a ProcessHandle that never exits on its own, closable
// on demand to simulate a crash.
type fakeHandle struct {
	pid  int
	done chan struct{}
}

func newFakeHandle(pid int) *fakeHandle {
	return &fakeHandle{pid: pid, done: make(chan struct{})}
}

func (h *fakeHandle) PID() int             { return h.pid }
func (h *fakeHandle) Done() <-chan struct{} { return h.done }
func (h *fakeHandle) Kill() error          { close(h.done); return nil }

func fakeSpawn() (SpawnFunc, *sync.Map) {
	handles := &sync.Map{}
	var pidCounter int
	var mu sync.Mutex
	spawn := func(id string, port int) (ProcessHandle, error) {
		mu.Lock()
		pidCounter++
		pid := pidCounter
		mu.Unlock()
		h := newFakeHandle(pid)
		handles.Store(id, h)
		return h, nil
	}
	return spawn, handles
}

func testPool(t *testing.T, size int) (*Pool, *sync.Map) {
	t.Helper()
	cfg := config.Default()
	cfg.Pool.Size = size
	cfg.Pool.RuntimeDir = t.TempDir()
	spawn, handles := fakeSpawn()
	return NewPool(cfg, zap.NewNop(), spawn), handles
}

// TestEnsureStartedIsIdempotentUnderConcurrency checks that no matter
// how many goroutines call EnsureStarted concurrently, exactly N worker
// descriptors exist afterward.
func TestEnsureStartedIsIdempotentUnderConcurrency(t *testing.T) {
	pool, _ := testPool(t, 3)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, pool.EnsureStarted(context.Background()))
		}()
	}
	wg.Wait()

	assert.Len(t, pool.Workers(), 3)
}

func TestEnsureStartedAssignsSequentialPorts(t *testing.T) {
	pool, _ := testPool(t, 3)
	require.NoError(t, pool.EnsureStarted(context.Background()))

	ports := make(map[int]bool)
	for _, d := range pool.Workers() {
		ports[d.Port] = true
	}
	assert.Len(t, ports, 3)
}

func TestWorkerExitTriggersReplacement(t *testing.T) {
	pool, handles := testPool(t, 1)
	require.NoError(t, pool.EnsureStarted(context.Background()))

	original := pool.Workers()[0]
	h, ok := handles.Load(original.ID)
	require.True(t, ok)
	h.(*fakeHandle).Kill()

	require.Eventually(t, func() bool {
		workers := pool.Workers()
		return len(workers) == 1 && workers[0].ID != original.ID
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, Dead, original.State())
}

func TestCheckHeartbeatsMarksStaleWorkerUnhealthy(t *testing.T) {
	pool, _ := testPool(t, 1)
	pool.cfg.Pool.HeartbeatStaleAfter = -time.Second // anything is "stale"
	require.NoError(t, pool.EnsureStarted(context.Background()))

	// Bring the worker into an active state first — the missing
	// heartbeat file (no real worker process ever wrote one) is only
	// meaningful once the worker is past Init.
	pool.Workers()[0].MarkBoundAndHeartbeating()

	pool.checkHeartbeats()

	assert.Equal(t, Unhealthy, pool.Workers()[0].State())
}
