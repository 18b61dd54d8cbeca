package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visioncortex/backend/internal/alerts"
	"github.com/visioncortex/backend/internal/core"
	"github.com/visioncortex/backend/internal/events"
	"github.com/visioncortex/backend/internal/ingest"
	"github.com/visioncortex/backend/internal/outreach"
	"github.com/visioncortex/backend/internal/playbook"
	"github.com/visioncortex/backend/internal/resolver"
	"github.com/visioncortex/backend/internal/scoring"
	"github.com/visioncortex/backend/internal/store"
)

func newPipeline(t *testing.T, st store.Store) (*Orchestrator, *events.Bus) {
	t.Helper()
	bus := events.NewBus(events.DefaultConfig())

	ingestor := ingest.New(bus, 100)
	res := resolver.New(bus, nil)
	engine, err := scoring.New(bus, nil)
	require.NoError(t, err)
	monitor := alerts.New(bus, nil, time.Hour)
	generator := outreach.New(bus, outreach.NewStatsBook(), core.ChannelEmail)
	router := playbook.New(bus, ingestor, generator.PlaybookConversion, 0)

	o, err := New(Options{
		Bus:       bus,
		Ingestor:  ingestor,
		Resolver:  res,
		Engine:    engine,
		Monitor:   monitor,
		Router:    router,
		Generator: generator,
		Store:     st,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	o.Start(ctx)
	t.Cleanup(func() {
		cancel()
		o.Shutdown(2 * time.Second)
	})
	return o, bus
}

func foreclosureSignal(id string, deadline time.Time) core.Signal {
	return core.Signal{
		ID:     id,
		Type:   "foreclosure",
		Source: "court_docket",
		Entity: core.EntityDescriptor{
			Type:        core.EntityProperty,
			Name:        "123 Main St",
			Identifiers: map[string]string{core.IdentAPN: "APN-771"},
		},
		Triggers: core.TriggerMap{Urgency: 90, FinancialStress: 85},
		Data: map[string]interface{}{
			"auction_date":   deadline.Format(time.RFC3339),
			"property_value": float64(500000),
		},
		ObservedAt: time.Now().UTC(),
	}
}

func TestManualIngestRunsFullChain(t *testing.T) {
	o, _ := newPipeline(t, nil)
	deadline := time.Now().UTC().Add(5 * 24 * time.Hour)

	scored, err := o.Ingest(context.Background(), foreclosureSignal("sig-1", deadline))
	require.NoError(t, err)
	require.NotNil(t, scored)

	// An urgent, financially-distressed foreclosure lands at the top of
	// the band and routes to rescue.
	assert.GreaterOrEqual(t, scored.Score, 800)
	assert.LessOrEqual(t, scored.Score, 1000)
	assert.Equal(t, core.PriorityCritical, scored.Priority)
	assert.Equal(t, core.PlaybookRescue, scored.Playbook)
	assert.Greater(t, scored.DaysToWin, 0)
	assert.NotEmpty(t, scored.EntityID)

	// The entity exists and carries the signal.
	ent, ok := o.GetEntity(scored.EntityID)
	require.True(t, ok)
	assert.Equal(t, "123 Main St", ent.Name)
	timeline, ok := o.GetEntityTimeline(scored.EntityID)
	require.True(t, ok)
	require.Len(t, timeline, 1)
	assert.Equal(t, "sig-1", timeline[0].ID)

	// Five days of runway crosses T-30, T-14 and T-7 but not T-2.
	active := o.GetActiveAlerts("")
	require.Len(t, active, 3)
	seen := map[int]bool{}
	for _, a := range active {
		seen[a.Threshold] = true
	}
	assert.True(t, seen[30] && seen[14] && seen[7])
	assert.False(t, seen[2])

	// Bus redeliveries of the same chain must not double-apply.
	time.Sleep(200 * time.Millisecond)
	metrics := o.GetMetrics()
	assert.Equal(t, int64(1), metrics.Entities.Created)
	assert.Equal(t, 3, metrics.Alerts.Total)
	assert.Equal(t, int64(1), metrics.Playbooks[core.PlaybookRescue])
}

func TestReIngestDoesNotDuplicate(t *testing.T) {
	o, bus := newPipeline(t, nil)
	deadline := time.Now().UTC().Add(5 * 24 * time.Hour)

	audits := make(chan string, 16)
	require.NoError(t, bus.Subscribe(events.TopicAuditLog, "collect", func(_ context.Context, ev *events.Envelope) error {
		audits <- ev.EventType
		return nil
	}))

	first, err := o.Ingest(context.Background(), foreclosureSignal("sig-1", deadline))
	require.NoError(t, err)

	// The same signal arrives again on the next poll.
	second, err := o.Ingest(context.Background(), foreclosureSignal("sig-1", deadline))
	require.NoError(t, err)
	assert.Equal(t, first.EntityID, second.EntityID)

	// Still one entity with one appended signal, still three alerts.
	timeline, ok := o.GetEntityTimeline(first.EntityID)
	require.True(t, ok)
	assert.Len(t, timeline, 1)
	assert.Len(t, o.GetActiveAlerts(""), 3)

	found := false
	deadlineCh := time.After(2 * time.Second)
	for !found {
		select {
		case et := <-audits:
			if et == "signal.duplicate" || et == "duplicate.suppressed" {
				found = true
			}
		case <-deadlineCh:
			t.Fatal("no duplicate-suppression audit observed")
		}
	}

	time.Sleep(200 * time.Millisecond)
	metrics := o.GetMetrics()
	assert.Equal(t, int64(1), metrics.Entities.Created)
	assert.Equal(t, int64(1), metrics.Entities.Duplicates)
	assert.Equal(t, int64(1), metrics.Playbooks[core.PlaybookRescue])
}

func TestManualIngestPublishesIngestedTopic(t *testing.T) {
	o, bus := newPipeline(t, nil)
	deadline := time.Now().UTC().Add(5 * 24 * time.Hour)

	ingested := make(chan *events.Envelope, 4)
	require.NoError(t, bus.Subscribe(events.TopicSignalIngested, "collect", func(_ context.Context, ev *events.Envelope) error {
		ingested <- ev
		return nil
	}))

	_, err := o.Ingest(context.Background(), foreclosureSignal("sig-1", deadline))
	require.NoError(t, err)

	// The manual path publishes the full chain, signal.ingested included,
	// so mirror peers and observers see manual signals too.
	select {
	case ev := <-ingested:
		sig, ok := ev.Payload.(core.Signal)
		require.True(t, ok)
		assert.Equal(t, "sig-1", sig.ID)
		assert.Equal(t, "foreclosure", ev.EventType)
	case <-time.After(2 * time.Second):
		t.Fatal("signal.ingested not published on manual ingest")
	}

	// The resolver subscription drops the redelivery; no second resolve.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int64(1), o.GetMetrics().Entities.Created)
	hits := o.SearchEntities("main", 1)
	require.Len(t, hits, 1)
	timeline, ok := o.GetEntityTimeline(hits[0].ID)
	require.True(t, ok)
	assert.Len(t, timeline, 1)
}

func TestIngestRejectsInvalidSignal(t *testing.T) {
	o, _ := newPipeline(t, nil)

	bad := foreclosureSignal("sig-bad", time.Now().UTC().Add(48*time.Hour))
	bad.Entity.Name = ""

	_, err := o.Ingest(context.Background(), bad)
	require.Error(t, err)
	var verr *core.ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestAcknowledgeThroughOrchestrator(t *testing.T) {
	o, _ := newPipeline(t, nil)
	deadline := time.Now().UTC().Add(5 * 24 * time.Hour)

	_, err := o.Ingest(context.Background(), foreclosureSignal("sig-1", deadline))
	require.NoError(t, err)

	active := o.GetActiveAlerts("")
	require.NotEmpty(t, active)

	require.NoError(t, o.AcknowledgeAlert(context.Background(), active[0].ID))
	assert.Len(t, o.GetActiveAlerts(""), len(active)-1)
	assert.Error(t, o.AcknowledgeAlert(context.Background(), "missing"))
}

func TestIngestPersistsEntitiesAndAlerts(t *testing.T) {
	st := store.NewMemoryStore()
	o, _ := newPipeline(t, st)
	deadline := time.Now().UTC().Add(5 * 24 * time.Hour)

	scored, err := o.Ingest(context.Background(), foreclosureSignal("sig-1", deadline))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		ents, err := st.ListEntities(context.Background())
		if err != nil || len(ents) != 1 {
			return false
		}
		als, err := st.ListAlerts(context.Background())
		return err == nil && len(als) == 3
	}, 2*time.Second, 20*time.Millisecond)

	ent, err := st.GetEntity(context.Background(), scored.EntityID)
	require.NoError(t, err)
	assert.Equal(t, "123 Main St", ent.Name)
}

func TestRecordResponsePersistsStats(t *testing.T) {
	st := store.NewMemoryStore()
	o, _ := newPipeline(t, st)

	o.RecordResponse(context.Background(), "foreclosure-email-1", true)
	o.RecordResponse(context.Background(), "foreclosure-email-1", false)

	stats, err := st.LoadResponseStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, [2]int64{2, 1}, stats["foreclosure-email-1"])

	metrics := o.GetMetrics()
	assert.Equal(t, [2]int64{2, 1}, metrics.Outreach.Stats["foreclosure-email-1"])
}

func TestSearchEntitiesFromQuerySurface(t *testing.T) {
	o, _ := newPipeline(t, nil)
	deadline := time.Now().UTC().Add(5 * 24 * time.Hour)

	_, err := o.Ingest(context.Background(), foreclosureSignal("sig-1", deadline))
	require.NoError(t, err)

	hits := o.SearchEntities("main st", 10)
	require.Len(t, hits, 1)
	assert.Equal(t, "123 Main St", hits[0].Name)
	assert.Empty(t, o.SearchEntities("unrelated", 10))
}
