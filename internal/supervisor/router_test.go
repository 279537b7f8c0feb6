package supervisor

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPickWorkerPrefersIdleOverBusy(t *testing.T) {
	pool, _ := testPool(t, 2)
	require.NoError(t, pool.EnsureStarted(context.Background()))

	workers := pool.Workers()
	workers[0].MarkBoundAndHeartbeating()
	workers[1].MarkBoundAndHeartbeating()
	workers[0].AssignRequest(false) // now BusyBlocked

	chosen := pool.pickWorker()
	require.NotNil(t, chosen)
	assert.Equal(t, workers[1].ID, chosen.ID)
}

func TestPickWorkerReturnsNilWhenNoneRoutable(t *testing.T) {
	pool, _ := testPool(t, 1)
	require.NoError(t, pool.EnsureStarted(context.Background()))
	// Still Init — not yet routable.
	assert.Nil(t, pool.pickWorker())
}

func TestPickWorkerBreaksTiesRoundRobin(t *testing.T) {
	pool, _ := testPool(t, 2)
	require.NoError(t, pool.EnsureStarted(context.Background()))
	workers := pool.Workers()
	workers[0].MarkBoundAndHeartbeating()
	workers[1].MarkBoundAndHeartbeating()

	first := pool.pickWorker()
	second := pool.pickWorker()
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.NotEqual(t, first.ID, second.ID, "equal-load ties must round-robin across candidates")
}

func TestPeekStreamFlagRewindsBody(t *testing.T) {
	body := []byte(`{"model":"m","stream":true}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))

	streaming, err := peekStreamFlag(req)
	require.NoError(t, err)
	assert.True(t, streaming)

	replayed, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.Equal(t, body, replayed)
}

func TestChatHandlerReturns503WithNoWorkers(t *testing.T) {
	pool, _ := testPool(t, 0)
	// No EnsureStarted call: zero workers registered.
	h := pool.ChatHandler()

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader([]byte(`{"model":"m"}`)))
	rec := httptest.NewRecorder()
	h(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
