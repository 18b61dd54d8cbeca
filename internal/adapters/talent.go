package adapters

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/visioncortex/backend/internal/core"
)

// Departure is one talent movement record from the tracking feed.
type Departure struct {
	RecordID    string    `json:"record_id"`
	Company     string    `json:"company"`
	CompanyEIN  string    `json:"company_ein,omitempty"`
	PersonName  string    `json:"person_name"`
	Title       string    `json:"title"`
	LinkedInURL string    `json:"linkedin_url,omitempty"`
	DepartedAt  time.Time `json:"departed_at"`
	Destination string    `json:"destination,omitempty"` // hiring company, when known
	IsKOL       bool      `json:"is_kol"`                // key opinion leader
}

// TalentFetcher is the upstream movement-tracking client.
type TalentFetcher interface {
	FetchDepartures(ctx context.Context) ([]Departure, error)
}

// exodusWindow is the rolling window for counting departures at one
// company. Five or more within the window upgrades the signal to
// talent_exodus.
const exodusWindow = 90 * 24 * time.Hour

const exodusThreshold = 5

// TalentTrackerAdapter emits c_suite_departure, talent_exodus, kol_move
// and competitor_poach signals. Urgency is seniority tier × exodus
// multiplier × signal-type multiplier, scaled to [0,100].
type TalentTrackerAdapter struct {
	Health

	fetcher  TalentFetcher
	cadence  time.Duration
	maxBatch int
}

func NewTalentTrackerAdapter(fetcher TalentFetcher, cadence time.Duration, maxBatch int) *TalentTrackerAdapter {
	return &TalentTrackerAdapter{fetcher: fetcher, cadence: cadence, maxBatch: maxBatch}
}

func (a *TalentTrackerAdapter) Name() string           { return "talent_tracker" }
func (a *TalentTrackerAdapter) Industry() string       { return "talent" }
func (a *TalentTrackerAdapter) Cadence() time.Duration { return a.cadence }

func (a *TalentTrackerAdapter) Poll(ctx context.Context) ([]core.Signal, error) {
	departures, err := a.fetcher.FetchDepartures(ctx)
	if err != nil {
		a.RecordFailure(err)
		return nil, err
	}
	a.RecordSuccess()

	// Count departures per company over the rolling window, anchored at
	// the newest departure in the batch.
	counts := departureCounts(departures)

	signals := make([]core.Signal, 0, len(departures))
	for _, d := range departures {
		if d.Company == "" || d.PersonName == "" {
			continue
		}
		signals = append(signals, a.toSignal(d, counts[strings.ToLower(d.Company)]))
	}
	return capBatch(signals, a.maxBatch), nil
}

func departureCounts(departures []Departure) map[string]int {
	newest := make(map[string]time.Time)
	for _, d := range departures {
		key := strings.ToLower(d.Company)
		if d.DepartedAt.After(newest[key]) {
			newest[key] = d.DepartedAt
		}
	}
	counts := make(map[string]int)
	for _, d := range departures {
		key := strings.ToLower(d.Company)
		if newest[key].Sub(d.DepartedAt) <= exodusWindow {
			counts[key]++
		}
	}
	return counts
}

func (a *TalentTrackerAdapter) toSignal(d Departure, companyDepartures int) core.Signal {
	sigType := classifyDeparture(d, companyDepartures)

	data := map[string]interface{}{
		"person_name":     d.PersonName,
		"title":           d.Title,
		"departure_count": companyDepartures,
	}
	if d.Destination != "" {
		data["destination"] = d.Destination
	}
	if d.LinkedInURL != "" {
		data["linkedin_url"] = d.LinkedInURL
	}

	idents := map[string]string{}
	if d.CompanyEIN != "" {
		idents[core.IdentEIN] = d.CompanyEIN
	}

	urgency := TalentUrgency(d.Title, companyDepartures, sigType)
	return core.Signal{
		ID:     fmt.Sprintf("talent-%s", d.RecordID),
		Type:   sigType,
		Source: a.Name(),
		Entity: core.EntityDescriptor{
			Type:        core.EntityCompany,
			Name:        d.Company,
			Identifiers: idents,
		},
		Triggers: core.TriggerMap{
			Urgency:               urgency,
			OperationalDisruption: clamp(urgency*0.8, 0, 100),
			CompetitiveThreat:     competitiveThreat(sigType),
		},
		Data:       data,
		ObservedAt: d.DepartedAt,
	}
}

func classifyDeparture(d Departure, companyDepartures int) string {
	switch {
	case companyDepartures >= exodusThreshold:
		return "talent_exodus"
	case d.IsKOL:
		return "kol_move"
	case d.Destination != "":
		return "competitor_poach"
	default:
		return "c_suite_departure"
	}
}

// TalentUrgency computes urgency = 60 × seniority tier × exodus
// multiplier × signal-type multiplier, clamped to [0,100].
//
//	tier:   chief officers 1.0, president 0.9, VP 0.7, director 0.5, other 0.3
//	exodus: 1 + 0.15×(departures−1), capped at 2.0
//	type:   talent_exodus 1.2, c_suite_departure 1.0, kol_move 0.9,
//	        competitor_poach 0.8
func TalentUrgency(title string, departures int, sigType string) float64 {
	u := 60 * seniorityTier(title) * exodusMultiplier(departures) * typeMultiplier(sigType)
	return clamp(u, 0, 100)
}

func seniorityTier(title string) float64 {
	t := strings.ToLower(title)
	switch {
	case strings.Contains(t, "chief") || strings.HasPrefix(t, "ceo") ||
		strings.HasPrefix(t, "cfo") || strings.HasPrefix(t, "coo") ||
		strings.HasPrefix(t, "cto") || strings.HasPrefix(t, "cmo"):
		return 1.0
	case strings.Contains(t, "president"):
		return 0.9
	case strings.Contains(t, "vp") || strings.Contains(t, "vice president"):
		return 0.7
	case strings.Contains(t, "director"):
		return 0.5
	default:
		return 0.3
	}
}

func exodusMultiplier(departures int) float64 {
	if departures < 1 {
		departures = 1
	}
	m := 1 + 0.15*float64(departures-1)
	if m > 2.0 {
		m = 2.0
	}
	return m
}

func typeMultiplier(sigType string) float64 {
	switch sigType {
	case "talent_exodus":
		return 1.2
	case "kol_move":
		return 0.9
	case "competitor_poach":
		return 0.8
	default: // c_suite_departure
		return 1.0
	}
}

func competitiveThreat(sigType string) float64 {
	switch sigType {
	case "competitor_poach":
		return 75
	case "kol_move":
		return 60
	case "talent_exodus":
		return 50
	default:
		return 30
	}
}

// HTTPTalentFetcher pulls departures from a JSON endpoint.
type HTTPTalentFetcher struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration
}

func (f *HTTPTalentFetcher) FetchDepartures(ctx context.Context) ([]Departure, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	var departures []Departure
	if err := fetchJSON(ctx, client, f.URL, f.Timeout, &departures); err != nil {
		return nil, err
	}
	return departures, nil
}
