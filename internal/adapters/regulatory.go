package adapters

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/visioncortex/backend/internal/core"
)

// RegulatoryEvent is one entry from a regulatory calendar feed (FDA
// action dates, trial completions, comment deadlines).
type RegulatoryEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"` // pdufa_date, clinical_trial_completion, ...
	Company   string    `json:"company"`
	SECCIK    string    `json:"sec_cik,omitempty"`
	Drug      string    `json:"drug,omitempty"`
	Date      time.Time `json:"date"` // the regulatory date, becomes the deadline
	Phase     string    `json:"phase,omitempty"`
	Announced time.Time `json:"announced"`
}

// RegulatoryFetcher is the upstream calendar client.
type RegulatoryFetcher interface {
	FetchEvents(ctx context.Context) ([]RegulatoryEvent, error)
}

// RegulatoryCalendarAdapter emits pdufa_date, clinical_trial_completion
// and similar signals; the regulatory date is the deadline.
type RegulatoryCalendarAdapter struct {
	Health

	fetcher  RegulatoryFetcher
	cadence  time.Duration
	maxBatch int
}

func NewRegulatoryCalendarAdapter(fetcher RegulatoryFetcher, cadence time.Duration, maxBatch int) *RegulatoryCalendarAdapter {
	return &RegulatoryCalendarAdapter{fetcher: fetcher, cadence: cadence, maxBatch: maxBatch}
}

func (a *RegulatoryCalendarAdapter) Name() string           { return "regulatory_calendar" }
func (a *RegulatoryCalendarAdapter) Industry() string       { return "pharma" }
func (a *RegulatoryCalendarAdapter) Cadence() time.Duration { return a.cadence }

func (a *RegulatoryCalendarAdapter) Poll(ctx context.Context) ([]core.Signal, error) {
	events, err := a.fetcher.FetchEvents(ctx)
	if err != nil {
		a.RecordFailure(err)
		return nil, err
	}
	a.RecordSuccess()

	signals := make([]core.Signal, 0, len(events))
	for _, e := range events {
		if e.EventType == "" || e.Company == "" {
			continue
		}
		signals = append(signals, a.toSignal(e))
	}
	return capBatch(signals, a.maxBatch), nil
}

func (a *RegulatoryCalendarAdapter) toSignal(e RegulatoryEvent) core.Signal {
	days := time.Until(e.Date).Hours() / 24

	data := map[string]interface{}{
		"event_type": e.EventType,
	}
	if e.Drug != "" {
		data["drug"] = e.Drug
	}
	if e.Phase != "" {
		data["phase"] = e.Phase
	}
	switch e.EventType {
	case "pdufa_date":
		data["pdufa_date"] = e.Date.Format(time.RFC3339)
	default:
		data["deadline"] = e.Date.Format(time.RFC3339)
	}

	idents := map[string]string{}
	if e.SECCIK != "" {
		idents[core.IdentSECCIK] = e.SECCIK
	}

	return core.Signal{
		ID:     fmt.Sprintf("reg-%s", e.EventID),
		Type:   e.EventType,
		Source: a.Name(),
		Entity: core.EntityDescriptor{
			Type:        core.EntityCompany,
			Name:        e.Company,
			Identifiers: idents,
		},
		Triggers: core.TriggerMap{
			Urgency:        regulatoryUrgency(days),
			RegulatoryRisk: regulatoryRisk(e.EventType),
			Strategic:      50,
		},
		Data:       data,
		ObservedAt: e.Announced,
	}
}

// regulatoryUrgency rises as the regulatory date approaches. Same decay
// shape as the docket formula with a fixed stake term, since calendar
// entries carry no dollar value.
func regulatoryUrgency(daysToDate float64) float64 {
	if daysToDate < 0 {
		return 0
	}
	if daysToDate < 1 {
		daysToDate = 1
	}
	return clamp(100/math.Sqrt(daysToDate), 0, 100)
}

func regulatoryRisk(eventType string) float64 {
	switch eventType {
	case "pdufa_date":
		return 80
	case "clinical_trial_completion":
		return 60
	case "patent_expiration":
		return 70
	default:
		return 40
	}
}

// HTTPRegulatoryFetcher pulls calendar events from a JSON endpoint.
type HTTPRegulatoryFetcher struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration
}

func (f *HTTPRegulatoryFetcher) FetchEvents(ctx context.Context) ([]RegulatoryEvent, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	var events []RegulatoryEvent
	if err := fetchJSON(ctx, client, f.URL, f.Timeout, &events); err != nil {
		return nil, err
	}
	return events, nil
}
