// Package adapters defines the polling source contract and the built-in
// upstream adapters: court dockets, regulatory calendars and talent
// tracking. Adapters are stateless across polls; resume state, when any,
// belongs to the upstream. An unhealthy upstream yields an empty batch and
// a recorded failure, never a panic.
package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/visioncortex/backend/internal/core"
)

// SourceAdapter is the polymorphic polling source. Poll must return within
// twice the declared cadence; the ingestor enforces that with a deadline.
type SourceAdapter interface {
	// Name identifies the adapter; it becomes Signal.Source.
	Name() string

	// Industry groups adapters for registration and enable flags.
	Industry() string

	// Cadence is the minimum interval between polls.
	Cadence() time.Duration

	// Poll fetches the next batch of raw signals. A transient upstream
	// failure returns an empty batch and the error; the ingestor records
	// it and keeps the schedule.
	Poll(ctx context.Context) ([]core.Signal, error)
}

// Health tracks one adapter's upstream reliability. Embedded by the
// built-in adapters and surfaced through the orchestrator metrics.
type Health struct {
	mu                  sync.Mutex
	consecutiveFailures int
	totalFailures       int
	lastError           string
	lastSuccess         time.Time
}

// RecordSuccess resets the consecutive-failure streak.
func (h *Health) RecordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutiveFailures = 0
	h.lastSuccess = time.Now()
}

// RecordFailure notes a failed poll.
func (h *Health) RecordFailure(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutiveFailures++
	h.totalFailures++
	if err != nil {
		h.lastError = err.Error()
	}
}

// Snapshot returns the current health counters.
func (h *Health) Snapshot() (consecutive, total int, lastError string, lastSuccess time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.consecutiveFailures, h.totalFailures, h.lastError, h.lastSuccess
}

const defaultFetchTimeout = 10 * time.Second

// fetchJSON GETs an upstream endpoint and decodes the JSON response into
// out. Every upstream call carries a deadline.
func fetchJSON(ctx context.Context, client *http.Client, url string, timeout time.Duration, out interface{}) error {
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return &core.TransportError{Op: "adapter.poll", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &core.TransportError{Op: "adapter.poll", Err: fmt.Errorf("upstream status %d", resp.StatusCode)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &core.TransportError{Op: "adapter.poll", Err: fmt.Errorf("decode: %w", err)}
	}
	return nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}

func capBatch(signals []core.Signal, max int) []core.Signal {
	if max > 0 && len(signals) > max {
		return signals[:max]
	}
	return signals
}
