// Package ingest owns the registered source adapters. It schedules each
// adapter on its own timer, enforces one in-flight poll per adapter,
// normalizes raw signals and publishes them to the bus.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/visioncortex/backend/internal/adapters"
	"github.com/visioncortex/backend/internal/core"
	"github.com/visioncortex/backend/internal/events"
)

// AdapterStats is one adapter's scheduling and failure state, surfaced
// through the orchestrator metrics.
type AdapterStats struct {
	Name        string    `json:"name"`
	Industry    string    `json:"industry"`
	Cadence     string    `json:"cadence"`
	Polls       int64     `json:"polls"`
	Failures    int64     `json:"failures"`
	Emitted     int64     `json:"signals_emitted"`
	LastPoll    time.Time `json:"last_poll,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	LastSuccess time.Time `json:"last_success,omitempty"`
}

type registration struct {
	adapter adapters.SourceAdapter
	cadence time.Duration

	polls    atomic.Int64
	failures atomic.Int64
	emitted  atomic.Int64

	mu        sync.Mutex
	lastPoll  time.Time
	lastError string
}

// Ingestor schedules adapter polls and feeds the pipeline. Concurrent
// polls across adapters are allowed; each adapter runs on its own
// goroutine, so the same adapter is never polled concurrently.
type Ingestor struct {
	bus      *events.Bus
	maxBatch int

	mu         sync.Mutex
	regs       map[string]*registration
	byIndustry map[string][]string
	running    bool

	enrichRequests atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an ingestor. maxBatch caps signals accepted per poll.
func New(bus *events.Bus, maxBatch int) *Ingestor {
	return &Ingestor{
		bus:        bus,
		maxBatch:   maxBatch,
		regs:       make(map[string]*registration),
		byIndustry: make(map[string][]string),
	}
}

// Register adds an adapter. cadenceOverride replaces the adapter's
// declared cadence when positive. Registration after Start is an error.
func (in *Ingestor) Register(adapter adapters.SourceAdapter, cadenceOverride time.Duration) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.running {
		return errors.New("ingestor already started")
	}
	name := adapter.Name()
	if _, exists := in.regs[name]; exists {
		return fmt.Errorf("adapter %q already registered", name)
	}
	cadence := adapter.Cadence()
	if cadenceOverride > 0 {
		cadence = cadenceOverride
	}
	if cadence <= 0 {
		return fmt.Errorf("adapter %q: cadence must be positive", name)
	}
	in.regs[name] = &registration{adapter: adapter, cadence: cadence}
	in.byIndustry[adapter.Industry()] = append(in.byIndustry[adapter.Industry()], name)
	return nil
}

// Start launches one polling loop per registered adapter.
func (in *Ingestor) Start(ctx context.Context) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.running {
		return
	}
	in.running = true

	loopCtx, cancel := context.WithCancel(ctx)
	in.cancel = cancel

	for name, reg := range in.regs {
		in.wg.Add(1)
		go in.pollLoop(loopCtx, name, reg)
	}
	slog.Info("[Ingestor] started", "adapters", len(in.regs))
}

// Stop cancels all timers and waits for in-flight polls up to the grace
// window, then returns regardless.
func (in *Ingestor) Stop(grace time.Duration) {
	in.mu.Lock()
	if !in.running {
		in.mu.Unlock()
		return
	}
	in.running = false
	cancel := in.cancel
	in.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		in.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		slog.Warn("[Ingestor] grace expired with polls still in flight")
	}
}

// pollLoop polls one adapter forever. The timer is re-armed only after a
// poll completes, so the cadence is a minimum interval between polls.
func (in *Ingestor) pollLoop(ctx context.Context, name string, reg *registration) {
	defer in.wg.Done()

	timer := time.NewTimer(0) // first poll immediately
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		in.pollOnce(ctx, name, reg)
		timer.Reset(reg.cadence)
	}
}

func (in *Ingestor) pollOnce(ctx context.Context, name string, reg *registration) {
	reg.polls.Add(1)
	reg.mu.Lock()
	reg.lastPoll = time.Now()
	reg.mu.Unlock()

	// Adapters must not block longer than cadence×2.
	pollCtx, cancel := context.WithTimeout(ctx, 2*reg.cadence)
	defer cancel()

	signals, err := reg.adapter.Poll(pollCtx)
	if err != nil {
		reg.failures.Add(1)
		reg.mu.Lock()
		reg.lastError = err.Error()
		reg.mu.Unlock()
		slog.Warn("[Ingestor] poll failed", "adapter", name, "error", err)
		in.bus.TryPublish(events.TopicAuditLog, "adapter.poll_failed", events.AuditPayload{
			Component: "ingestor",
			Kind:      "TransportError",
			Detail:    fmt.Sprintf("adapter %s: %v", name, err),
		})
		return
	}

	if in.maxBatch > 0 && len(signals) > in.maxBatch {
		signals = signals[:in.maxBatch]
	}

	for _, sig := range signals {
		if ctx.Err() != nil {
			return
		}
		if err := in.Ingest(ctx, sig); err != nil {
			if errors.Is(err, events.ErrBackpressureTimeout) {
				// Critical topic: fail the rest of the batch; the
				// adapter re-emits on the next poll (at-least-once).
				slog.Warn("[Ingestor] backpressure, abandoning batch",
					"adapter", name, "error", err)
				return
			}
			slog.Warn("[Ingestor] signal dropped", "adapter", name, "signal_id", sig.ID, "error", err)
		}
	}
}

// Ingest validates, normalizes and publishes one raw signal. Also the
// entry point for the orchestrator's manual ingest path.
func (in *Ingestor) Ingest(ctx context.Context, sig core.Signal) error {
	if _, err := in.bus.Publish(ctx, events.TopicSignalRaw, sig.Type, sig); err != nil {
		return err
	}

	norm := Normalize(sig)
	if err := norm.Validate(); err != nil {
		in.bus.TryPublish(events.TopicAuditLog, "signal.invalid", events.AuditPayload{
			Component: "ingestor",
			SignalID:  sig.ID,
			Kind:      "ValidationError",
			Detail:    err.Error(),
		})
		var verr *core.ValidationError
		if errors.As(err, &verr) {
			return nil // dropped, pipeline continues
		}
		return err
	}

	reg := in.lookup(norm.Source)
	if reg != nil {
		reg.emitted.Add(1)
	}

	_, err := in.bus.Publish(ctx, events.TopicSignalIngested, norm.Type, norm)
	return err
}

// RequestEnrichment is the playbook router's side channel for signals
// whose routing triggers are present but unknown. The request is recorded
// for the audit trail; fulfilment arrives as a re-ingested signal.
func (in *Ingestor) RequestEnrichment(signalID, reason string) {
	in.enrichRequests.Add(1)
	in.bus.TryPublish(events.TopicAuditLog, "signal.needs_enrichment", events.AuditPayload{
		Component: "ingestor",
		SignalID:  signalID,
		Kind:      "EnrichmentRequested",
		Detail:    reason,
	})
}

// Stats snapshots all adapter counters grouped for the metrics surface.
func (in *Ingestor) Stats() []AdapterStats {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]AdapterStats, 0, len(in.regs))
	for name, reg := range in.regs {
		reg.mu.Lock()
		stats := AdapterStats{
			Name:      name,
			Industry:  reg.adapter.Industry(),
			Cadence:   reg.cadence.String(),
			Polls:     reg.polls.Load(),
			Failures:  reg.failures.Load(),
			Emitted:   reg.emitted.Load(),
			LastPoll:  reg.lastPoll,
			LastError: reg.lastError,
		}
		reg.mu.Unlock()
		if h, ok := reg.adapter.(interface {
			Snapshot() (int, int, string, time.Time)
		}); ok {
			_, _, _, lastSuccess := h.Snapshot()
			stats.LastSuccess = lastSuccess
		}
		out = append(out, stats)
	}
	return out
}

func (in *Ingestor) lookup(source string) *registration {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.regs[source]
}

// Normalize applies the ingest normalization rules: default the observed
// timestamp to now, lowercase identifier keys, trim string fields.
func Normalize(sig core.Signal) core.Signal {
	norm := sig
	norm.ID = strings.TrimSpace(sig.ID)
	norm.Type = strings.TrimSpace(sig.Type)
	norm.Source = strings.TrimSpace(sig.Source)
	norm.Entity.Name = strings.TrimSpace(sig.Entity.Name)

	if len(sig.Entity.Identifiers) > 0 {
		idents := make(map[string]string, len(sig.Entity.Identifiers))
		for k, v := range sig.Entity.Identifiers {
			k = strings.ToLower(strings.TrimSpace(k))
			v = strings.TrimSpace(v)
			if k != "" && v != "" {
				idents[k] = v
			}
		}
		norm.Entity.Identifiers = idents
	}

	if norm.ObservedAt.IsZero() {
		norm.ObservedAt = time.Now().UTC()
	}
	return norm
}
