// Package heartbeat implements the Worker liveness file: a decimal
// Unix-seconds timestamp at <runtime_dir>/worker-<id>.hb, rewritten on
// an interval, with each write atomic via write-to-temp-then-rename so
// the Supervisor never observes a partially written file (os.Rename is
// atomic on the same filesystem).
package heartbeat

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Path returns the heartbeat file path for a worker id under runtimeDir.
func Path(runtimeDir, workerID string) string {
	return filepath.Join(runtimeDir, fmt.Sprintf("worker-%s.hb", workerID))
}

// Write atomically writes the current Unix timestamp to path.
func Write(path string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".hb-*")
	if err != nil {
		return fmt.Errorf("heartbeat: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	_, writeErr := tmp.WriteString(strconv.FormatInt(time.Now().Unix(), 10))
	closeErr := tmp.Close()
	if writeErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("heartbeat: writing temp file: %w", writeErr)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("heartbeat: closing temp file: %w", closeErr)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("heartbeat: renaming into place: %w", err)
	}
	return nil
}

// Ticker runs Write on interval against path until stop is closed,
// logging failures via onError rather than exiting — a heartbeat write
// failure must never take down the worker process.
func Ticker(path string, interval time.Duration, stop <-chan struct{}, onError func(error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := Write(path); err != nil && onError != nil {
		onError(err)
	}

	for {
		select {
		case <-ticker.C:
			if err := Write(path); err != nil && onError != nil {
				onError(err)
			}
		case <-stop:
			return
		}
	}
}

// ReadTimestamp reads the heartbeat file and returns the timestamp it
// contains. Used by the Supervisor's staleness check.
func ReadTimestamp(path string) (time.Time, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return time.Time{}, err
	}
	secs, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("heartbeat: parsing timestamp: %w", err)
	}
	return time.Unix(secs, 0), nil
}

// IsStale reports whether the heartbeat at path is older than maxAge,
// or missing/unreadable (which also counts as stale).
func IsStale(path string, maxAge time.Duration) bool {
	ts, err := ReadTimestamp(path)
	if err != nil {
		return true
	}
	return time.Since(ts) > maxAge
}
