package supervisor

import (
	"context"
	"fmt"
	"net/http"
)

// requestWorkerShutdown posts to a Worker's own loopback-only
// /admin/shutdown (internal/worker's endpoint), letting the Worker own
// its drain-then-exit sequence. Errors are swallowed here — a Worker
// that's already gone, or unreachable, will be picked up by the Pool's
// process-exit watcher regardless.
func requestWorkerShutdown(ctx context.Context, d *Descriptor) {
	url := fmt.Sprintf("http://127.0.0.1:%d/admin/shutdown", d.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return
	}
	resp.Body.Close()
}
