package alerts

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visioncortex/backend/internal/core"
	"github.com/visioncortex/backend/internal/events"
)

func newTestMonitor(t *testing.T) (*Monitor, *events.Bus) {
	t.Helper()
	bus := events.NewBus(events.DefaultConfig())
	t.Cleanup(func() { bus.Close(time.Second) })
	return New(bus, nil, 0), bus
}

func scoredWithDeadline(signalID string, priority core.Priority, deadline time.Time) core.ScoredSignal {
	return core.ScoredSignal{
		Signal: core.Signal{
			ID:     signalID,
			Type:   "foreclosure",
			Source: "court_docket",
			Entity: core.EntityDescriptor{Type: core.EntityProperty, Name: "123 Main St"},
			Data:   map[string]interface{}{"auction_date": deadline},
		},
		EntityID: "ent-1",
		Score:    850,
		Priority: priority,
	}
}

func thresholdsOf(alerts []core.Alert) []int {
	out := make([]int, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, a.Threshold)
	}
	return out
}

func TestObserveFiresAllCrossedThresholds(t *testing.T) {
	m, _ := newTestMonitor(t)
	now := time.Now().UTC()

	// Five days out crosses T-30, T-14 and T-7 at once but not T-2.
	created := m.Observe(context.Background(), scoredWithDeadline("sig-1", core.PriorityCritical, now.Add(5*24*time.Hour)), now)

	require.Len(t, created, 3)
	assert.ElementsMatch(t, []int{30, 14, 7}, thresholdsOf(created))

	total, unacked := m.Count()
	assert.Equal(t, 3, total)
	assert.Equal(t, 3, unacked)
}

func TestObserveThresholdBoundaryIsInclusive(t *testing.T) {
	m, _ := newTestMonitor(t)
	now := time.Now().UTC()

	// Exactly two days remaining still counts as crossing T-2.
	created := m.Observe(context.Background(), scoredWithDeadline("sig-1", core.PriorityLow, now.Add(48*time.Hour)), now)

	assert.ElementsMatch(t, []int{30, 14, 7, 2}, thresholdsOf(created))
	for _, a := range created {
		if a.Threshold == 2 {
			assert.Equal(t, 2, a.DaysRemaining)
			assert.Equal(t, core.PriorityCritical, a.Priority)
		}
	}
}

func TestObserveIgnoresPastDeadlines(t *testing.T) {
	m, _ := newTestMonitor(t)
	now := time.Now().UTC()

	assert.Nil(t, m.Observe(context.Background(), scoredWithDeadline("sig-1", core.PriorityHigh, now.Add(-time.Hour)), now))
	assert.Nil(t, m.Observe(context.Background(), scoredWithDeadline("sig-2", core.PriorityHigh, now), now))

	total, _ := m.Count()
	assert.Zero(t, total)
}

func TestObserveSignalWithoutDeadlineIsSkipped(t *testing.T) {
	m, _ := newTestMonitor(t)
	now := time.Now().UTC()

	scored := scoredWithDeadline("sig-1", core.PriorityHigh, now.Add(5*24*time.Hour))
	scored.Signal.Data = map[string]interface{}{"note": "no dates here"}

	assert.Nil(t, m.Observe(context.Background(), scored, now))
}

func TestReObserveSuppressesAndAudits(t *testing.T) {
	m, bus := newTestMonitor(t)
	now := time.Now().UTC()

	audits := make(chan *events.Envelope, 8)
	require.NoError(t, bus.Subscribe(events.TopicAuditLog, "collect", func(_ context.Context, ev *events.Envelope) error {
		if ev.EventType == "duplicate.suppressed" {
			audits <- ev
		}
		return nil
	}))

	scored := scoredWithDeadline("sig-1", core.PriorityCritical, now.Add(5*24*time.Hour))
	first := m.Observe(context.Background(), scored, now)
	require.Len(t, first, 3)

	// Same signal arrives again a day later: no new alerts, one audit.
	second := m.Observe(context.Background(), scored, now.Add(24*time.Hour))
	assert.Empty(t, second)

	select {
	case ev := <-audits:
		payload, ok := ev.Payload.(events.AuditPayload)
		require.True(t, ok)
		assert.Equal(t, "sig-1", payload.SignalID)
	case <-time.After(time.Second):
		t.Fatal("duplicate.suppressed audit not published")
	}

	total, _ := m.Count()
	assert.Equal(t, 3, total)
}

func TestSweepCrossesThresholdsAsTimeAdvances(t *testing.T) {
	m, _ := newTestMonitor(t)
	now := time.Now().UTC()
	deadline := now.Add(10 * 24 * time.Hour)

	created := m.Observe(context.Background(), scoredWithDeadline("sig-1", core.PriorityHigh, deadline), now)
	assert.ElementsMatch(t, []int{30, 14}, thresholdsOf(created))

	// Six days before the deadline the sweep crosses T-7.
	m.Sweep(context.Background(), deadline.Add(-6*24*time.Hour))
	total, _ := m.Count()
	assert.Equal(t, 3, total)

	// One day out it crosses T-2, and nothing double-fires.
	m.Sweep(context.Background(), deadline.Add(-24*time.Hour))
	m.Sweep(context.Background(), deadline.Add(-23*time.Hour))
	total, _ = m.Count()
	assert.Equal(t, 4, total)
}

func TestSweepGarbageCollectsButKeepsFiredKeys(t *testing.T) {
	m, _ := newTestMonitor(t)
	now := time.Now().UTC()
	deadline := now.Add(5 * 24 * time.Hour)

	created := m.Observe(context.Background(), scoredWithDeadline("sig-1", core.PriorityHigh, deadline), now)
	require.Len(t, created, 3)

	// Thirty-one days past the deadline everything is collected.
	m.Sweep(context.Background(), deadline.Add(31*24*time.Hour))
	total, _ := m.Count()
	assert.Zero(t, total)

	// A late replay of the same signal must not re-fire old thresholds.
	late := now.Add(40 * 24 * time.Hour)
	replay := m.Observe(context.Background(), scoredWithDeadline("sig-1", core.PriorityHigh, late.Add(5*24*time.Hour)), late)
	assert.Empty(t, replay)
}

func TestAcknowledgeIsIdempotent(t *testing.T) {
	m, bus := newTestMonitor(t)
	now := time.Now().UTC()

	acked := make(chan *events.Envelope, 4)
	require.NoError(t, bus.Subscribe(events.TopicAlertAcknowledged, "collect", func(_ context.Context, ev *events.Envelope) error {
		acked <- ev
		return nil
	}))

	created := m.Observe(context.Background(), scoredWithDeadline("sig-1", core.PriorityHigh, now.Add(36*time.Hour)), now)
	require.NotEmpty(t, created)
	id := created[0].ID

	require.NoError(t, m.Acknowledge(context.Background(), id))
	require.NoError(t, m.Acknowledge(context.Background(), id))
	assert.Error(t, m.Acknowledge(context.Background(), "no-such-alert"))

	select {
	case <-acked:
	case <-time.After(time.Second):
		t.Fatal("alert.acknowledged not published")
	}
	select {
	case <-acked:
		t.Fatal("second acknowledge published again")
	case <-time.After(100 * time.Millisecond):
	}

	_, unacked := m.Count()
	assert.Equal(t, len(created)-1, unacked)
}

func TestActiveAlertsFilterAndOrder(t *testing.T) {
	m, _ := newTestMonitor(t)
	now := time.Now().UTC()

	m.Observe(context.Background(), scoredWithDeadline("sig-near", core.PriorityCritical, now.Add(36*time.Hour)), now)
	m.Observe(context.Background(), scoredWithDeadline("sig-far", core.PriorityLow, now.Add(13*24*time.Hour)), now)

	all := m.ActiveAlerts("", now)
	require.NotEmpty(t, all)
	for i := 1; i < len(all); i++ {
		assert.False(t, all[i].Deadline.Before(all[i-1].Deadline), "alerts out of deadline order at %d", i)
	}

	critical := m.ActiveAlerts(core.PriorityCritical, now)
	for _, a := range critical {
		assert.Equal(t, core.PriorityCritical, a.Priority)
	}
	assert.Less(t, len(critical), len(all))
}

func TestAlertPriorityMatrix(t *testing.T) {
	assert.Equal(t, core.PriorityCritical, alertPriority(2, core.PriorityLow))
	assert.Equal(t, core.PriorityCritical, alertPriority(7, core.PriorityCritical))
	assert.Equal(t, core.PriorityHigh, alertPriority(7, core.PriorityMedium))
	assert.Equal(t, core.PriorityHigh, alertPriority(14, core.PriorityCritical))
	assert.Equal(t, core.PriorityMedium, alertPriority(14, core.PriorityHigh))
	assert.Equal(t, core.PriorityMedium, alertPriority(30, core.PriorityCritical))
}

func TestExtractDeadline(t *testing.T) {
	early := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)

	// Field precedence: deadline beats auction_date.
	got, ok := ExtractDeadline(map[string]interface{}{
		"auction_date": late,
		"deadline":     early,
	})
	require.True(t, ok)
	assert.Equal(t, early, got)

	// String and unix-seconds forms parse too.
	got, ok = ExtractDeadline(map[string]interface{}{"pdufa_date": "2026-09-01"})
	require.True(t, ok)
	assert.Equal(t, early, got)

	got, ok = ExtractDeadline(map[string]interface{}{"hearing_date": float64(early.Unix())})
	require.True(t, ok)
	assert.Equal(t, early, got)

	// A null value falls through to the next recognized field.
	got, ok = ExtractDeadline(map[string]interface{}{
		"deadline":  nil,
		"sale_date": "2026-09-01T00:00:00Z",
	})
	require.True(t, ok)
	assert.Equal(t, early, got)

	_, ok = ExtractDeadline(map[string]interface{}{"unrelated": "2026-09-01"})
	assert.False(t, ok)
	_, ok = ExtractDeadline(nil)
	assert.False(t, ok)
}
