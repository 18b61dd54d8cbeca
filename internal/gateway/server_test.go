package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visioncortex/backend/internal/alerts"
	"github.com/visioncortex/backend/internal/core"
	"github.com/visioncortex/backend/internal/events"
	"github.com/visioncortex/backend/internal/ingest"
	"github.com/visioncortex/backend/internal/orchestrator"
	"github.com/visioncortex/backend/internal/outreach"
	"github.com/visioncortex/backend/internal/playbook"
	"github.com/visioncortex/backend/internal/resolver"
	"github.com/visioncortex/backend/internal/scoring"
)

func newTestServer(t *testing.T) (*httptest.Server, *orchestrator.Orchestrator) {
	t.Helper()
	bus := events.NewBus(events.DefaultConfig())

	ingestor := ingest.New(bus, 100)
	res := resolver.New(bus, nil)
	engine, err := scoring.New(bus, nil)
	require.NoError(t, err)
	monitor := alerts.New(bus, nil, time.Hour)
	generator := outreach.New(bus, outreach.NewStatsBook(), core.ChannelEmail)
	router := playbook.New(bus, ingestor, generator.PlaybookConversion, 0)

	orch, err := orchestrator.New(orchestrator.Options{
		Bus:       bus,
		Ingestor:  ingestor,
		Resolver:  res,
		Engine:    engine,
		Monitor:   monitor,
		Router:    router,
		Generator: generator,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	orch.Start(ctx)
	t.Cleanup(func() {
		cancel()
		orch.Shutdown(2 * time.Second)
	})

	srv := NewServer(orch, engine, nil, "0")
	ts := httptest.NewServer(srv.httpSrv.Handler)
	t.Cleanup(ts.Close)
	return ts, orch
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func apiSignal(id string) core.Signal {
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
			"auction_date": time.Now().UTC().Add(5 * 24 * time.Hour).Format(time.RFC3339),
		},
		ObservedAt: time.Now().UTC(),
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string]string](t, resp)
	assert.Equal(t, "ok", body["status"])
}

func TestIngestEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/ingest", apiSignal("sig-1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	scored := decodeBody[core.ScoredSignal](t, resp)
	assert.Equal(t, "sig-1", scored.Signal.ID)
	assert.GreaterOrEqual(t, scored.Score, 800)
	assert.Equal(t, core.PlaybookRescue, scored.Playbook)

	// Malformed JSON is a 400, a structurally invalid signal a 422.
	raw, err := http.Post(ts.URL+"/api/v1/ingest", "application/json", bytes.NewReader([]byte("{nope")))
	require.NoError(t, err)
	raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)

	bad := apiSignal("sig-2")
	bad.Entity.Name = ""
	resp = postJSON(t, ts.URL+"/api/v1/ingest", bad)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestEntityEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/ingest", apiSignal("sig-1"))
	scored := decodeBody[core.ScoredSignal](t, resp)

	resp, err := http.Get(ts.URL + "/api/v1/entities?q=main")
	require.NoError(t, err)
	hits := decodeBody[[]core.Entity](t, resp)
	require.Len(t, hits, 1)
	assert.Equal(t, scored.EntityID, hits[0].ID)

	resp, err = http.Get(fmt.Sprintf("%s/api/v1/entities/%s", ts.URL, scored.EntityID))
	require.NoError(t, err)
	ent := decodeBody[core.Entity](t, resp)
	assert.Equal(t, "123 Main St", ent.Name)

	resp, err = http.Get(fmt.Sprintf("%s/api/v1/entities/%s/timeline", ts.URL, scored.EntityID))
	require.NoError(t, err)
	timeline := decodeBody[[]core.Signal](t, resp)
	require.Len(t, timeline, 1)
	assert.Equal(t, "sig-1", timeline[0].ID)

	resp, err = http.Get(ts.URL + "/api/v1/entities/ent-missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAlertEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/ingest", apiSignal("sig-1"))
	resp.Body.Close()

	resp, err := http.Get(ts.URL + "/api/v1/alerts")
	require.NoError(t, err)
	active := decodeBody[[]core.Alert](t, resp)
	require.Len(t, active, 3)

	ackResp := postJSON(t, ts.URL+"/api/v1/alerts/"+active[0].ID+"/ack", nil)
	ackResp.Body.Close()
	assert.Equal(t, http.StatusOK, ackResp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/v1/alerts")
	require.NoError(t, err)
	assert.Len(t, decodeBody[[]core.Alert](t, resp), 2)

	missing := postJSON(t, ts.URL+"/api/v1/alerts/nope/ack", nil)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestWeightsEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/scoring/weights")
	require.NoError(t, err)
	weights := decodeBody[scoring.Weights](t, resp)
	assert.Equal(t, scoring.DefaultWeights(), weights)

	req, err := http.NewRequest(http.MethodPut, ts.URL+"/api/v1/scoring/weights",
		bytes.NewReader([]byte(`{"urgency": 3.5}`)))
	require.NoError(t, err)
	putResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	updated := decodeBody[scoring.Weights](t, putResp)
	assert.Equal(t, 3.5, updated.Urgency)

	req, err = http.NewRequest(http.MethodPut, ts.URL+"/api/v1/scoring/weights",
		bytes.NewReader([]byte(`{"charisma": 1}`)))
	require.NoError(t, err)
	badResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	badResp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, badResp.StatusCode)
}

func TestRecordResponseEndpoint(t *testing.T) {
	ts, orch := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/responses", map[string]interface{}{
		"template_id": "foreclosure-email-1",
		"responded":   true,
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	stats := orch.GetMetrics().Outreach.Stats
	assert.Equal(t, [2]int64{1, 1}, stats["foreclosure-email-1"])

	missing := postJSON(t, ts.URL+"/api/v1/responses", map[string]interface{}{"responded": true})
	missing.Body.Close()
	assert.Equal(t, http.StatusBadRequest, missing.StatusCode)
}

func TestStatsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/ingest", apiSignal("sig-1"))
	resp.Body.Close()

	statsResp, err := http.Get(ts.URL + "/api/v1/stats")
	require.NoError(t, err)
	metrics := decodeBody[orchestrator.Metrics](t, statsResp)
	assert.Equal(t, 1, metrics.Entities.Entities)
	assert.Equal(t, 3, metrics.Alerts.Total)
}
