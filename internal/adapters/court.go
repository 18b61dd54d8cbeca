package adapters

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/visioncortex/backend/internal/core"
)

// DocketFiling is one record from a court docket feed.
type DocketFiling struct {
	CaseID       string     `json:"case_id"`
	FilingType   string     `json:"filing_type"` // foreclosure, probate, eviction, divorce
	PartyName    string     `json:"party_name"`
	PropertyAPN  string     `json:"property_apn,omitempty"`
	Address      string     `json:"address,omitempty"`
	Value        float64    `json:"value"` // dollar value at stake
	AuctionDate  *time.Time `json:"auction_date,omitempty"`
	HearingDate  *time.Time `json:"hearing_date,omitempty"`
	WritDate     *time.Time `json:"writ_date,omitempty"`
	FiledAt      time.Time  `json:"filed_at"`
	Jurisdiction string     `json:"jurisdiction,omitempty"`
}

// DocketFetcher is the upstream court-records client.
type DocketFetcher interface {
	FetchFilings(ctx context.Context) ([]DocketFiling, error)
}

// CourtDocketAdapter turns docket filings into foreclosure/probate/
// eviction/divorce signals with a deadline drawn from auction, hearing or
// writ dates.
type CourtDocketAdapter struct {
	Health

	fetcher  DocketFetcher
	cadence  time.Duration
	maxBatch int
}

// NewCourtDocketAdapter creates the adapter. maxBatch caps emissions per
// poll (0 = unlimited).
func NewCourtDocketAdapter(fetcher DocketFetcher, cadence time.Duration, maxBatch int) *CourtDocketAdapter {
	return &CourtDocketAdapter{fetcher: fetcher, cadence: cadence, maxBatch: maxBatch}
}

func (a *CourtDocketAdapter) Name() string           { return "court_docket" }
func (a *CourtDocketAdapter) Industry() string       { return "real_estate" }
func (a *CourtDocketAdapter) Cadence() time.Duration { return a.cadence }

// Poll fetches the latest filings and converts each to a raw signal.
func (a *CourtDocketAdapter) Poll(ctx context.Context) ([]core.Signal, error) {
	filings, err := a.fetcher.FetchFilings(ctx)
	if err != nil {
		a.RecordFailure(err)
		return nil, err
	}
	a.RecordSuccess()

	signals := make([]core.Signal, 0, len(filings))
	for _, f := range filings {
		sig, ok := a.toSignal(f)
		if !ok {
			continue
		}
		signals = append(signals, sig)
	}
	return capBatch(signals, a.maxBatch), nil
}

func (a *CourtDocketAdapter) toSignal(f DocketFiling) (core.Signal, bool) {
	sigType := normalizeFilingType(f.FilingType)
	if sigType == "" {
		return core.Signal{}, false
	}

	deadline := firstDate(f.AuctionDate, f.HearingDate, f.WritDate)

	data := map[string]interface{}{
		"case_id":      f.CaseID,
		"jurisdiction": f.Jurisdiction,
	}
	if f.Value > 0 {
		data["property_value"] = f.Value
	}
	if f.AuctionDate != nil {
		data["auction_date"] = f.AuctionDate.Format(time.RFC3339)
	} else if f.HearingDate != nil {
		data["hearing_date"] = f.HearingDate.Format(time.RFC3339)
	} else if f.WritDate != nil {
		data["deadline"] = f.WritDate.Format(time.RFC3339)
	}

	idents := map[string]string{}
	if f.PropertyAPN != "" {
		idents[core.IdentAPN] = f.PropertyAPN
	}
	if f.Address != "" {
		idents[core.IdentAddress] = f.Address
	}

	entityType := core.EntityProperty
	name := f.Address
	if name == "" {
		entityType = core.EntityPerson
		name = f.PartyName
	}

	days := math.MaxFloat64
	if deadline != nil {
		days = time.Until(*deadline).Hours() / 24
	}

	triggers := core.TriggerMap{
		Urgency:         DocketUrgency(days, f.Value),
		FinancialStress: docketFinancialStress(sigType),
	}

	return core.Signal{
		ID:         fmt.Sprintf("court-%s", f.CaseID),
		Type:       sigType,
		Source:     a.Name(),
		Entity:     core.EntityDescriptor{Type: entityType, Name: name, Identifiers: idents},
		Triggers:   triggers,
		Data:       data,
		ObservedAt: f.FiledAt,
	}, true
}

// DocketUrgency is the documented court-docket urgency formula:
//
//	urgency = clamp(100 × (1/√max(days,1)) × (log10(max(value,10))/4), 0, 100)
func DocketUrgency(daysToDeadline, dollarValue float64) float64 {
	days := math.Max(daysToDeadline, 1)
	value := math.Max(dollarValue, 10)
	u := 100 * (1 / math.Sqrt(days)) * (math.Log10(value) / 4)
	return clamp(u, 0, 100)
}

// docketFinancialStress maps the filing type to a baseline stress level.
// Foreclosures imply acute distress; probate and divorce are forced sales
// rather than distress events.
func docketFinancialStress(sigType string) float64 {
	switch sigType {
	case "foreclosure":
		return 85
	case "eviction":
		return 60
	case "divorce":
		return 40
	case "probate":
		return 25
	default:
		return 0
	}
}

func normalizeFilingType(t string) string {
	switch t {
	case "foreclosure", "probate", "eviction", "divorce":
		return t
	default:
		return ""
	}
}

func firstDate(dates ...*time.Time) *time.Time {
	for _, d := range dates {
		if d != nil && !d.IsZero() {
			return d
		}
	}
	return nil
}

// HTTPDocketFetcher pulls filings from a JSON endpoint.
type HTTPDocketFetcher struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration
}

func (f *HTTPDocketFetcher) FetchFilings(ctx context.Context) ([]DocketFiling, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	var filings []DocketFiling
	if err := fetchJSON(ctx, client, f.URL, f.Timeout, &filings); err != nil {
		return nil, err
	}
	return filings, nil
}
