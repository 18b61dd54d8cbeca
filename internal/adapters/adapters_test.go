package adapters

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visioncortex/backend/internal/core"
)

type fakeDocketFetcher struct {
	filings []DocketFiling
	err     error
}

func (f *fakeDocketFetcher) FetchFilings(context.Context) ([]DocketFiling, error) {
	return f.filings, f.err
}

type fakeRegulatoryFetcher struct {
	events []RegulatoryEvent
	err    error
}

func (f *fakeRegulatoryFetcher) FetchEvents(context.Context) ([]RegulatoryEvent, error) {
	return f.events, f.err
}

type fakeTalentFetcher struct {
	departures []Departure
	err        error
}

func (f *fakeTalentFetcher) FetchDepartures(context.Context) ([]Departure, error) {
	return f.departures, f.err
}

func TestDocketUrgencyFormula(t *testing.T) {
	// 25 days out, $500k at stake: 100 × (1/5) × (log10(500000)/4).
	assert.InDelta(t, 28.4949, DocketUrgency(25, 500000), 1e-3)

	// One day and a large stake saturate the clamp.
	assert.Equal(t, 100.0, DocketUrgency(1, 1e12))

	// Days below one are floored at one.
	assert.Equal(t, DocketUrgency(1, 500000), DocketUrgency(0.2, 500000))

	// Tiny stakes floor at $10, keeping the log term positive.
	assert.Greater(t, DocketUrgency(30, 0), 0.0)

	// More runway means less urgency at equal stakes.
	assert.Greater(t, DocketUrgency(5, 500000), DocketUrgency(50, 500000))
}

func TestCourtDocketPoll(t *testing.T) {
	auction := time.Now().UTC().Add(25 * 24 * time.Hour)
	filed := time.Now().UTC().Add(-24 * time.Hour)
	fetcher := &fakeDocketFetcher{filings: []DocketFiling{
		{
			CaseID:       "2026-CV-1001",
			FilingType:   "foreclosure",
			PartyName:    "John Smith",
			PropertyAPN:  "APN-771",
			Address:      "123 Main St",
			Value:        500000,
			AuctionDate:  &auction,
			FiledAt:      filed,
			Jurisdiction: "Maricopa County",
		},
		{CaseID: "2026-CV-1002", FilingType: "small_claims", PartyName: "N/A", FiledAt: filed},
		{CaseID: "2026-PR-0042", FilingType: "probate", PartyName: "Estate of Doe", FiledAt: filed},
	}}
	a := NewCourtDocketAdapter(fetcher, time.Hour, 0)

	signals, err := a.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, signals, 2) // unsupported filing type dropped

	sig := signals[0]
	assert.Equal(t, "court-2026-CV-1001", sig.ID)
	assert.Equal(t, "foreclosure", sig.Type)
	assert.Equal(t, "court_docket", sig.Source)
	assert.Equal(t, core.EntityProperty, sig.Entity.Type)
	assert.Equal(t, "123 Main St", sig.Entity.Name)
	assert.Equal(t, "APN-771", sig.Entity.Identifiers[core.IdentAPN])
	assert.Equal(t, auction.Format(time.RFC3339), sig.Data["auction_date"])
	assert.Equal(t, float64(500000), sig.Data["property_value"])
	assert.Equal(t, 85.0, sig.Triggers.FinancialStress)
	assert.InDelta(t, DocketUrgency(25, 500000), sig.Triggers.Urgency, 0.5)
	assert.Equal(t, filed, sig.ObservedAt)

	// No address: the filing resolves against the person instead.
	probate := signals[1]
	assert.Equal(t, core.EntityPerson, probate.Entity.Type)
	assert.Equal(t, "Estate of Doe", probate.Entity.Name)
	assert.Equal(t, 25.0, probate.Triggers.FinancialStress)
}

func TestCourtDocketPollFailureRecorded(t *testing.T) {
	fetcher := &fakeDocketFetcher{err: errors.New("upstream 503")}
	a := NewCourtDocketAdapter(fetcher, time.Hour, 0)

	_, err := a.Poll(context.Background())
	require.Error(t, err)

	consecutive, total, lastError, _ := a.Snapshot()
	assert.Equal(t, 1, consecutive)
	assert.Equal(t, 1, total)
	assert.Contains(t, lastError, "upstream 503")

	// A healthy poll resets the streak but not the total.
	fetcher.err = nil
	_, err = a.Poll(context.Background())
	require.NoError(t, err)
	consecutive, total, _, _ = a.Snapshot()
	assert.Zero(t, consecutive)
	assert.Equal(t, 1, total)
}

func TestCourtDocketPollCapsBatch(t *testing.T) {
	filed := time.Now().UTC()
	var filings []DocketFiling
	for i := 0; i < 10; i++ {
		filings = append(filings, DocketFiling{
			CaseID: string(rune('a' + i)), FilingType: "eviction", PartyName: "Tenant", FiledAt: filed,
		})
	}
	a := NewCourtDocketAdapter(&fakeDocketFetcher{filings: filings}, time.Hour, 3)

	signals, err := a.Poll(context.Background())
	require.NoError(t, err)
	assert.Len(t, signals, 3)
}

func TestRegulatoryUrgency(t *testing.T) {
	assert.Equal(t, 0.0, regulatoryUrgency(-1))
	assert.Equal(t, 100.0, regulatoryUrgency(0.5))
	assert.InDelta(t, 20.0, regulatoryUrgency(25), 1e-9)
	assert.InDelta(t, 10.0, regulatoryUrgency(100), 1e-9)
}

func TestRegulatoryCalendarPoll(t *testing.T) {
	date := time.Now().UTC().Add(60 * 24 * time.Hour)
	announced := time.Now().UTC().Add(-48 * time.Hour)
	fetcher := &fakeRegulatoryFetcher{events: []RegulatoryEvent{
		{
			EventID:   "fda-881",
			EventType: "pdufa_date",
			Company:   "Meridian Biotech",
			SECCIK:    "0001234567",
			Drug:      "MB-201",
			Date:      date,
			Announced: announced,
		},
		{EventID: "fda-882", EventType: "", Company: "Nameless"},
	}}
	a := NewRegulatoryCalendarAdapter(fetcher, time.Hour, 0)

	signals, err := a.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, signals, 1)

	sig := signals[0]
	assert.Equal(t, "reg-fda-881", sig.ID)
	assert.Equal(t, "pdufa_date", sig.Type)
	assert.Equal(t, core.EntityCompany, sig.Entity.Type)
	assert.Equal(t, "0001234567", sig.Entity.Identifiers[core.IdentSECCIK])
	assert.Equal(t, date.Format(time.RFC3339), sig.Data["pdufa_date"])
	assert.Equal(t, "MB-201", sig.Data["drug"])
	assert.Equal(t, 80.0, sig.Triggers.RegulatoryRisk)
	assert.Equal(t, 50.0, sig.Triggers.Strategic)
	assert.Equal(t, announced, sig.ObservedAt)
}

func TestTalentUrgencyFormula(t *testing.T) {
	// Chief officer, single departure, default type: 60 × 1.0 × 1.0 × 1.0.
	assert.Equal(t, 60.0, TalentUrgency("Chief Financial Officer", 1, "c_suite_departure"))

	// VP tier scales to 0.7.
	assert.InDelta(t, 42.0, TalentUrgency("VP of Sales", 1, "c_suite_departure"), 1e-9)

	// Five departures in an exodus: 60 × 1.0 × 1.6 × 1.2 clamps at 100.
	assert.Equal(t, 100.0, TalentUrgency("CEO", 5, "talent_exodus"))

	// The exodus multiplier caps at 2.0 regardless of count.
	assert.Equal(t, exodusMultiplier(8), exodusMultiplier(50))
}

func TestSeniorityTiers(t *testing.T) {
	cases := map[string]float64{
		"Chief Executive Officer": 1.0,
		"CEO":                     1.0,
		"President":               0.9,
		"Vice President, Ops":     0.7,
		"Director of Marketing":   0.5,
		"Senior Analyst":          0.3,
	}
	for title, want := range cases {
		assert.Equal(t, want, seniorityTier(title), "title %q", title)
	}
}

func TestTalentExodusClassification(t *testing.T) {
	now := time.Now().UTC()
	var departures []Departure
	// Five senior departures within ninety days of the newest one.
	for i := 0; i < 5; i++ {
		departures = append(departures, Departure{
			RecordID:   string(rune('a' + i)),
			Company:    "Acme Holdings",
			PersonName: "Person " + string(rune('A'+i)),
			Title:      "VP Engineering",
			DepartedAt: now.Add(-time.Duration(i*15) * 24 * time.Hour),
		})
	}
	// A sixth is older than the window and must not count.
	departures = append(departures, Departure{
		RecordID:   "old",
		Company:    "Acme Holdings",
		PersonName: "Old Timer",
		Title:      "Director",
		DepartedAt: now.Add(-120 * 24 * time.Hour),
	})
	// Another company stays in the slow lane.
	departures = append(departures, Departure{
		RecordID:   "other",
		Company:    "Beacon Logistics",
		PersonName: "Solo Leaver",
		Title:      "CTO",
		DepartedAt: now,
	})

	a := NewTalentTrackerAdapter(&fakeTalentFetcher{departures: departures}, time.Hour, 0)
	signals, err := a.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, signals, 7)

	byID := make(map[string]core.Signal, len(signals))
	for _, s := range signals {
		byID[s.ID] = s
	}

	assert.Equal(t, "talent_exodus", byID["talent-a"].Type)
	assert.Equal(t, 5, byID["talent-a"].Data["departure_count"])
	// The stale record itself still emits, but outside the exodus count.
	assert.Equal(t, "talent_exodus", byID["talent-old"].Type)
	assert.Equal(t, "c_suite_departure", byID["talent-other"].Type)
	assert.Equal(t, 50.0, byID["talent-a"].Triggers.CompetitiveThreat)
}

func TestClassifyDeparture(t *testing.T) {
	assert.Equal(t, "talent_exodus", classifyDeparture(Departure{}, 5))
	assert.Equal(t, "kol_move", classifyDeparture(Departure{IsKOL: true}, 1))
	assert.Equal(t, "competitor_poach", classifyDeparture(Departure{Destination: "Rival Inc"}, 1))
	assert.Equal(t, "c_suite_departure", classifyDeparture(Departure{}, 1))
}

func TestTalentSignalCarriesEIN(t *testing.T) {
	departures := []Departure{{
		RecordID:   "r1",
		Company:    "Acme Holdings",
		CompanyEIN: "12-3456789",
		PersonName: "Jane Roe",
		Title:      "COO",
		DepartedAt: time.Now().UTC(),
	}}
	a := NewTalentTrackerAdapter(&fakeTalentFetcher{departures: departures}, time.Hour, 0)

	signals, err := a.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, "12-3456789", signals[0].Entity.Identifiers[core.IdentEIN])
	assert.InDelta(t, signals[0].Triggers.Urgency*0.8, signals[0].Triggers.OperationalDisruption, 1e-9)
}

func TestFetchJSONDefaultsZeroTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"case_id":"2026-CV-1001","filing_type":"foreclosure","party_name":"123 Main St","value":500000,"filed_at":"2026-08-01T00:00:00Z"}]`))
	}))
	defer srv.Close()

	// A zero timeout must fall back to the default, not expire instantly.
	f := &HTTPDocketFetcher{URL: srv.URL, Client: srv.Client()}
	filings, err := f.FetchFilings(context.Background())
	require.NoError(t, err)
	require.Len(t, filings, 1)
	assert.Equal(t, "2026-CV-1001", filings[0].CaseID)
}
