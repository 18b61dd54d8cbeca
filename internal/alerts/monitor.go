// Package alerts watches scored signals for approaching deadlines and
// fires countdown alerts at the 30/14/7/2 day thresholds, exactly once
// per (signal, threshold) for the process lifetime.
package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/visioncortex/backend/internal/core"
	"github.com/visioncortex/backend/internal/events"
)

// DefaultThresholds is the ordered countdown checkpoint set, in days.
var DefaultThresholds = []int{30, 14, 7, 2}

// deadlineFields are the recognized data-bag keys, in precedence order.
var deadlineFields = []string{
	"deadline",
	"auction_date",
	"sale_date",
	"hearing_date",
	"pdufa_date",
	"buyout_deadline",
	"response_deadline",
	"expiration_date",
	"maturity_date",
}

const (
	// Alerts this long past their deadline are garbage-collected. The
	// (signal, threshold) dedupe record is retained to prevent late
	// re-fire.
	gcRetention = 30 * 24 * time.Hour

	defaultSweepInterval = 6 * time.Hour
)

type tracked struct {
	signal   core.ScoredSignal
	deadline time.Time
}

// Monitor holds the only writable copy of the alert state. Reads from
// the orchestrator go through ActiveAlerts.
type Monitor struct {
	bus        *events.Bus
	thresholds []int
	sweepEvery time.Duration

	mu      sync.Mutex
	fired   map[string]struct{}    // signalID|threshold, never cleared
	signals map[string]*tracked    // signal id → deadline-bearing signal
	alerts  map[string]*core.Alert // alert id → live alert

	dedupe *events.Deduper

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// New creates a monitor. Zero sweepEvery selects the 6 hour default;
// nil thresholds selects {30,14,7,2}.
func New(bus *events.Bus, thresholds []int, sweepEvery time.Duration) *Monitor {
	if len(thresholds) == 0 {
		thresholds = DefaultThresholds
	}
	ts := append([]int(nil), thresholds...)
	sort.Sort(sort.Reverse(sort.IntSlice(ts)))
	if sweepEvery <= 0 {
		sweepEvery = defaultSweepInterval
	}
	return &Monitor{
		bus:        bus,
		thresholds: ts,
		sweepEvery: sweepEvery,
		fired:      make(map[string]struct{}),
		signals:    make(map[string]*tracked),
		alerts:     make(map[string]*core.Alert),
		dedupe:     events.NewDeduper(0),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start launches the background sweep loop so thresholds are crossed
// even for signals whose deadlines were far out at ingestion.
func (m *Monitor) Start(ctx context.Context) {
	go m.sweepLoop(ctx)
}

// Stop terminates the sweep loop.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.done
}

func (m *Monitor) sweepLoop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Sweep(ctx, time.Now().UTC())
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// MarkDelivered records an event id whose effects were already applied
// synchronously, so the bus redelivery is dropped.
func (m *Monitor) MarkDelivered(eventID string) {
	m.dedupe.Seen(eventID)
}

// HandleScored is the bus subscription for signal.scored. Idempotent by
// event id. A signal without a recognized future deadline is skipped
// silently; that is normal control flow.
func (m *Monitor) HandleScored(ctx context.Context, ev *events.Envelope) error {
	if m.dedupe.Seen(ev.EventID) {
		return nil
	}
	scored, err := decodeScored(ev.Payload)
	if err != nil {
		return fmt.Errorf("signal.scored payload: %w", err)
	}
	m.Observe(ctx, *scored, time.Now().UTC())
	return nil
}

// Observe evaluates one scored signal against the thresholds at the
// given clock reading. Re-observing a signal whose thresholds already
// fired emits a duplicate-suppression audit instead of new alerts.
func (m *Monitor) Observe(ctx context.Context, scored core.ScoredSignal, now time.Time) []core.Alert {
	deadline, ok := ExtractDeadline(scored.Signal.Data)
	if !ok || !deadline.After(now) {
		return nil
	}

	m.mu.Lock()
	_, seenBefore := m.signals[scored.Signal.ID]
	m.signals[scored.Signal.ID] = &tracked{signal: scored, deadline: deadline}
	created, suppressed := m.evaluateLocked(scored, deadline, now)
	m.mu.Unlock()

	if suppressed > 0 && seenBefore {
		m.bus.TryPublish(events.TopicAuditLog, "duplicate.suppressed", events.AuditPayload{
			Component: "alerts",
			SignalID:  scored.Signal.ID,
			Kind:      "duplicate.suppressed",
			Detail:    fmt.Sprintf("%d threshold(s) already fired", suppressed),
		})
	}
	m.publish(ctx, created)
	return created
}

// Sweep re-evaluates every tracked signal and garbage-collects alerts
// long past their deadline.
func (m *Monitor) Sweep(ctx context.Context, now time.Time) {
	m.mu.Lock()
	var created []core.Alert
	for id, t := range m.signals {
		if now.Sub(t.deadline) > gcRetention {
			delete(m.signals, id)
			continue
		}
		if !t.deadline.After(now) {
			continue
		}
		batch, _ := m.evaluateLocked(t.signal, t.deadline, now)
		created = append(created, batch...)
	}
	for id, a := range m.alerts {
		if now.Sub(a.Deadline) > gcRetention {
			delete(m.alerts, id)
		}
	}
	m.mu.Unlock()

	m.publish(ctx, created)
}

// evaluateLocked fires every threshold T with 0 < days-remaining ≤ T
// that has not fired yet. Returns created alerts and the count of
// crossings suppressed by the dedupe set.
func (m *Monitor) evaluateLocked(scored core.ScoredSignal, deadline time.Time, now time.Time) ([]core.Alert, int) {
	days := deadline.Sub(now).Hours() / 24
	if days <= 0 {
		return nil, 0
	}

	var created []core.Alert
	suppressed := 0
	for _, threshold := range m.thresholds {
		if days > float64(threshold) {
			continue
		}
		key := dedupeKey(scored.Signal.ID, threshold)
		if _, fired := m.fired[key]; fired {
			suppressed++
			continue
		}
		m.fired[key] = struct{}{}

		alert := core.Alert{
			ID:            uuid.New().String(),
			SignalID:      scored.Signal.ID,
			EntityID:      scored.EntityID,
			Deadline:      deadline,
			Threshold:     threshold,
			DaysRemaining: int(days),
			Priority:      alertPriority(threshold, scored.Priority),
			Message:       alertMessage(scored, threshold, days),
			ActionItems:   actionItems(threshold),
			CreatedAt:     now,
		}
		m.alerts[alert.ID] = &alert
		created = append(created, alert)
	}
	return created, suppressed
}

func (m *Monitor) publish(ctx context.Context, created []core.Alert) {
	for _, alert := range created {
		if _, err := m.bus.Publish(ctx, events.TopicAlertTriggered, fmt.Sprintf("t-%d", alert.Threshold), alert); err != nil {
			slog.Warn("[AlertMonitor] publish failed", "alert_id", alert.ID, "error", err)
		}
	}
}

// Acknowledge sets the acknowledged flag. Idempotent: repeated calls
// yield the same final state and at most one alert.acknowledged event.
func (m *Monitor) Acknowledge(ctx context.Context, alertID string) error {
	m.mu.Lock()
	alert, ok := m.alerts[alertID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown alert %q", alertID)
	}
	if alert.Acknowledged {
		m.mu.Unlock()
		return nil
	}
	alert.Acknowledged = true
	copied := *alert
	m.mu.Unlock()

	_, err := m.bus.Publish(ctx, events.TopicAlertAcknowledged, "acknowledged", copied)
	return err
}

// ActiveAlerts returns unacknowledged alerts, optionally filtered by
// priority, ordered by days remaining ascending.
func (m *Monitor) ActiveAlerts(priority core.Priority, now time.Time) []core.Alert {
	m.mu.Lock()
	out := make([]core.Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		if a.Acknowledged {
			continue
		}
		if priority != "" && a.Priority != priority {
			continue
		}
		out = append(out, *a)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Deadline.Sub(now) < out[j].Deadline.Sub(now)
	})
	return out
}

// Count reports live alert totals for the metrics surface.
func (m *Monitor) Count() (total, unacknowledged int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	total = len(m.alerts)
	for _, a := range m.alerts {
		if !a.Acknowledged {
			unacknowledged++
		}
	}
	return total, unacknowledged
}

func dedupeKey(signalID string, threshold int) string {
	return fmt.Sprintf("%s|%d", signalID, threshold)
}

// alertPriority applies the threshold/signal-priority matrix: T=2 is
// always critical, T=30 always medium, T=7 and T=14 escalate when the
// signal itself is critical.
func alertPriority(threshold int, signalPriority core.Priority) core.Priority {
	switch {
	case threshold <= 2:
		return core.PriorityCritical
	case threshold <= 7:
		if signalPriority == core.PriorityCritical {
			return core.PriorityCritical
		}
		return core.PriorityHigh
	case threshold <= 14:
		if signalPriority == core.PriorityCritical {
			return core.PriorityHigh
		}
		return core.PriorityMedium
	default:
		return core.PriorityMedium
	}
}

func alertMessage(scored core.ScoredSignal, threshold int, days float64) string {
	name := scored.Signal.Entity.Name
	if name == "" {
		name = scored.EntityID
	}
	return fmt.Sprintf("T-%d: %s deadline for %s in %d day(s)",
		threshold, scored.Signal.Type, name, int(days))
}

func actionItems(threshold int) []string {
	switch {
	case threshold <= 2:
		return []string{
			"Make final contact attempt today",
			"Confirm offer terms are ready to sign",
			"Escalate to decision-maker directly",
		}
	case threshold <= 7:
		return []string{
			"Finalize offer package",
			"Schedule closing call this week",
			"Prepare fallback terms",
		}
	case threshold <= 14:
		return []string{
			"Contact decision-maker",
			"Draft offer terms",
			"Verify deadline against source records",
		}
	default:
		return []string{
			"Research entity background",
			"Identify decision-maker and contact channel",
			"Add to outreach pipeline",
		}
	}
}

// ExtractDeadline walks the recognized deadline fields in precedence
// order and returns the first parseable timestamp.
func ExtractDeadline(data map[string]interface{}) (time.Time, bool) {
	for _, field := range deadlineFields {
		raw, ok := data[field]
		if !ok || raw == nil {
			continue
		}
		if t, ok := parseTimestamp(raw); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

func parseTimestamp(raw interface{}) (time.Time, bool) {
	switch v := raw.(type) {
	case time.Time:
		return v, true
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
			if t, err := time.Parse(layout, v); err == nil {
				return t, true
			}
		}
	case float64:
		// Mirror-delivered payloads carry unix seconds as JSON numbers.
		if v > 0 {
			return time.Unix(int64(v), 0).UTC(), true
		}
	}
	return time.Time{}, false
}

func decodeScored(payload interface{}) (*core.ScoredSignal, error) {
	switch p := payload.(type) {
	case *core.ScoredSignal:
		return p, nil
	case core.ScoredSignal:
		return &p, nil
	default:
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		var out core.ScoredSignal
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, err
		}
		return &out, nil
	}
}
