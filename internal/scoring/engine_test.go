package scoring

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visioncortex/backend/internal/core"
	"github.com/visioncortex/backend/internal/events"
)

func testSignal(triggers core.TriggerMap, observedAt time.Time) core.Signal {
	return core.Signal{
		ID:         "sig-1",
		Type:       "foreclosure",
		Source:     "court_docket",
		Entity:     core.EntityDescriptor{Type: core.EntityProperty, Name: "123 Main St"},
		Triggers:   triggers,
		ObservedAt: observedAt,
	}
}

func TestScoreIsDeterministic(t *testing.T) {
	e, err := New(nil, nil)
	require.NoError(t, err)

	now := time.Now().UTC()
	sig := testSignal(core.TriggerMap{Urgency: 42, FinancialStress: 33, Strategic: 12}, now.Add(-48*time.Hour))

	first := e.Score(sig, "ent-1", now)
	for i := 0; i < 10; i++ {
		again := e.Score(sig, "ent-1", now)
		assert.Equal(t, first.Score, again.Score)
		assert.InDelta(t, first.ProbabilityToWin, again.ProbabilityToWin, 1e-6)
	}
}

func TestScoreStaysInRange(t *testing.T) {
	e, err := New(nil, nil)
	require.NoError(t, err)
	now := time.Now().UTC()

	cases := []core.TriggerMap{
		{},
		{Urgency: 100, FinancialStress: 100, OperationalDisruption: 100, CompetitiveThreat: 100, RegulatoryRisk: 100, Strategic: 100},
		{Urgency: 1},
		{Strategic: 100},
		{Urgency: 50, FinancialStress: 50},
	}
	for _, triggers := range cases {
		scored := e.Score(testSignal(triggers, now), "ent-1", now)
		assert.GreaterOrEqual(t, scored.Score, 0)
		assert.LessOrEqual(t, scored.Score, 1000)
		assert.GreaterOrEqual(t, scored.ProbabilityToWin, 0.0)
		assert.LessOrEqual(t, scored.ProbabilityToWin, 1.0)
		assert.Equal(t, 30, scored.DaysToWin)
	}
}

func TestDecayFloor(t *testing.T) {
	now := time.Now().UTC()

	assert.InDelta(t, 1.0, Decay(now, now), 1e-9)
	assert.InDelta(t, math.Exp(-1), Decay(now.Add(-14*24*time.Hour), now), 1e-9)
	// A year-old signal sits exactly on the floor.
	assert.Equal(t, 0.2, Decay(now.Add(-365*24*time.Hour), now))
	// Future timestamps do not decay.
	assert.InDelta(t, 1.0, Decay(now.Add(time.Hour), now), 1e-9)
}

func TestStaleSignalScoresWithFlooredDecay(t *testing.T) {
	e, err := New(nil, nil)
	require.NoError(t, err)

	now := time.Now().UTC()
	sig := testSignal(core.TriggerMap{Urgency: 100}, now.Add(-365*24*time.Hour))
	scored := e.Score(sig, "ent-1", now)

	assert.Greater(t, scored.Score, 0)
	// Max urgency saturates the clamp even at the decay floor.
	assert.Equal(t, 1000, scored.Score)
	assert.Equal(t, core.PriorityCritical, scored.Priority)
}

func TestUpdateWeightsChangesSubsequentScores(t *testing.T) {
	e, err := New(nil, nil)
	require.NoError(t, err)

	now := time.Now().UTC()
	sig := testSignal(core.TriggerMap{Urgency: 15}, now)

	before := e.Score(sig, "ent-1", now)
	require.NoError(t, e.UpdateWeights(map[string]float64{"urgency": 5.0}))
	after := e.Score(sig, "ent-1", now)

	assert.Greater(t, after.Score, before.Score)
	// The previously produced value is a snapshot, untouched by the update.
	assert.Less(t, before.Score, 1000)
}

func TestUpdateWeightsRejectsBadInput(t *testing.T) {
	e, err := New(nil, nil)
	require.NoError(t, err)

	assert.Error(t, e.UpdateWeights(map[string]float64{"charisma": 9.9}))
	assert.Error(t, e.UpdateWeights(map[string]float64{"urgency": -1}))
	// Failed updates leave the vector untouched.
	assert.Equal(t, DefaultWeights(), e.Weights())
}

func TestNewAppliesOverrides(t *testing.T) {
	e, err := New(nil, map[string]float64{"financial_stress": 3.0})
	require.NoError(t, err)
	assert.Equal(t, 3.0, e.Weights().FinancialStress)

	_, err = New(nil, map[string]float64{"nope": 1})
	assert.Error(t, err)
}

func TestPriorityBands(t *testing.T) {
	assert.Equal(t, core.PriorityCritical, PriorityForScore(1000))
	assert.Equal(t, core.PriorityCritical, PriorityForScore(800))
	assert.Equal(t, core.PriorityHigh, PriorityForScore(799))
	assert.Equal(t, core.PriorityHigh, PriorityForScore(600))
	assert.Equal(t, core.PriorityMedium, PriorityForScore(599))
	assert.Equal(t, core.PriorityMedium, PriorityForScore(400))
	assert.Equal(t, core.PriorityLow, PriorityForScore(399))
	assert.Equal(t, core.PriorityLow, PriorityForScore(0))
}

func TestHandleResolvedPublishesScored(t *testing.T) {
	bus := events.NewBus(events.DefaultConfig())
	defer bus.Close(time.Second)

	e, err := New(bus, nil)
	require.NoError(t, err)

	scoredCh := make(chan *events.Envelope, 4)
	require.NoError(t, bus.Subscribe(events.TopicSignalScored, "collect", func(_ context.Context, ev *events.Envelope) error {
		scoredCh <- ev
		return nil
	}))

	sig := testSignal(core.TriggerMap{Urgency: 90, FinancialStress: 85}, time.Now().UTC())
	ev := events.NewEnvelope(events.TopicSignalResolved, sig.Type, events.ResolvedPayload{Signal: sig, EntityID: "ent-9"})

	require.NoError(t, e.HandleResolved(context.Background(), ev))
	// Redelivery of the same envelope is dropped.
	require.NoError(t, e.HandleResolved(context.Background(), ev))

	select {
	case got := <-scoredCh:
		assert.Equal(t, events.TopicSignalScored, got.Topic)
		scored, ok := got.Payload.(core.ScoredSignal)
		require.True(t, ok)
		assert.Equal(t, "ent-9", scored.EntityID)
		assert.Equal(t, core.PriorityCritical, scored.Priority)
	case <-time.After(time.Second):
		t.Fatal("signal.scored not published")
	}

	select {
	case <-scoredCh:
		t.Fatal("duplicate delivery was not suppressed")
	case <-time.After(100 * time.Millisecond):
	}
}
