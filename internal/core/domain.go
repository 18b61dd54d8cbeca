// Package core defines the domain model shared by every pipeline stage:
// raw signals, canonical entities, trigger maps, scored signals, alerts,
// playbook routes and outreach drafts.
package core

import "time"

// EntityType classifies what kind of subject an entity represents.
type EntityType string

const (
	EntityCompany  EntityType = "company"
	EntityProperty EntityType = "property"
	EntityPerson   EntityType = "person"
)

// Identifier keys recognized in EntityDescriptor.Identifiers. Values are
// treated as globally unique within their key namespace.
const (
	IdentEIN      = "ein"
	IdentDUNS     = "duns"
	IdentSECCIK   = "sec_cik"
	IdentAPN      = "apn"
	IdentAddress  = "address"
	IdentLinkedIn = "linkedin_url"
	IdentEmail    = "email"
)

// EntityDescriptor is the entity reference embedded in a raw signal. It is
// what the resolver matches against the canonical entity store.
type EntityDescriptor struct {
	Type        EntityType        `json:"type"`
	Name        string            `json:"name"`
	Identifiers map[string]string `json:"identifiers,omitempty"`
}

// TriggerMap holds the six bounded scoring inputs, each in [0,100].
// Missing triggers are zero. The key set is closed: scoring, routing and
// outreach all switch on these fields by name.
type TriggerMap struct {
	Urgency               float64 `json:"urgency"`
	FinancialStress       float64 `json:"financial_stress"`
	OperationalDisruption float64 `json:"operational_disruption"`
	CompetitiveThreat     float64 `json:"competitive_threat"`
	RegulatoryRisk        float64 `json:"regulatory_risk"`
	Strategic             float64 `json:"strategic"`
}

// Max returns the largest trigger value and its key name.
func (t TriggerMap) Max() (string, float64) {
	name, best := "urgency", t.Urgency
	for _, c := range []struct {
		name string
		v    float64
	}{
		{"financial_stress", t.FinancialStress},
		{"operational_disruption", t.OperationalDisruption},
		{"competitive_threat", t.CompetitiveThreat},
		{"regulatory_risk", t.RegulatoryRisk},
		{"strategic", t.Strategic},
	} {
		if c.v > best {
			name, best = c.name, c.v
		}
	}
	return name, best
}

// Signal is a single raw observation from one upstream source. Immutable
// once ingested. Data is the free-form typed bag carried from the source;
// deadline fields and enrichment markers live there.
type Signal struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`   // e.g. "foreclosure", "pdufa_date"
	Source     string                 `json:"source"` // adapter identifier
	Entity     EntityDescriptor       `json:"entity"`
	Triggers   TriggerMap             `json:"triggers"`
	Data       map[string]interface{} `json:"data,omitempty"`
	ObservedAt time.Time              `json:"observed_at"`
}

// Entity is the canonical deduplicated record owned by the resolver.
// Never destroyed; a merge retires the losing id and reindexes its
// aliases and identifiers onto the survivor.
type Entity struct {
	ID          string            `json:"id"`
	Type        EntityType        `json:"type"`
	Name        string            `json:"name"` // canonical display name
	Aliases     []string          `json:"aliases"`
	Identifiers map[string]string `json:"identifiers"`
	Signals     []Signal          `json:"signals"`    // observation order
	Confidence  float64           `json:"confidence"` // 0..1
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Priority buckets a scored signal or alert.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// ScoredSignal augments a Signal with the scoring engine's outputs and the
// assigned playbook. Immutable once published.
type ScoredSignal struct {
	Signal           Signal   `json:"signal"`
	EntityID         string   `json:"entity_id"`
	Score            int      `json:"score"`              // 0..1000
	ProbabilityToWin float64  `json:"probability_to_win"` // 0..1
	DaysToWin        int      `json:"days_to_win"`        // positive
	Priority         Priority `json:"priority"`
	Playbook         string   `json:"playbook,omitempty"`
}

// Alert is a deadline countdown notification. One alert exists per
// (signal id, threshold) for the process lifetime.
type Alert struct {
	ID            string    `json:"id"`
	SignalID      string    `json:"signal_id"`
	EntityID      string    `json:"entity_id"`
	Deadline      time.Time `json:"deadline"`
	Threshold     int       `json:"threshold"`      // one of 30, 14, 7, 2
	DaysRemaining int       `json:"days_remaining"` // at creation
	Priority      Priority  `json:"priority"`
	Message       string    `json:"message"`
	ActionItems   []string  `json:"action_items"`
	CreatedAt     time.Time `json:"created_at"`
	Acknowledged  bool      `json:"acknowledged"`
}

// Playbook names form a closed set.
const (
	PlaybookRescue    = "rescue"
	PlaybookBuy       = "buy"
	PlaybookPartner   = "partner"
	PlaybookRefinance = "refinance"
	PlaybookLitigate  = "litigate"
	PlaybookWalk      = "walk"
)

// PlaybookStep is one ordered action within a playbook.
type PlaybookStep struct {
	Action         string  `json:"action"`
	EstimatedHours float64 `json:"estimated_hours"`
}

// PlaybookRoute is the router's assignment for one scored signal.
type PlaybookRoute struct {
	SignalID   string         `json:"signal_id"`
	Playbook   string         `json:"playbook"`
	Steps      []PlaybookStep `json:"steps"`
	MinDays    int            `json:"min_days"` // nominal calendar window
	MaxDays    int            `json:"max_days"`
	AssignedAt time.Time      `json:"assigned_at"`
}

// NominalDays is the route's single-number window estimate used as
// days-to-win once the route is known.
func (r PlaybookRoute) NominalDays() int {
	return (r.MinDays + r.MaxDays) / 2
}

// Channel is an outreach delivery channel.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
	ChannelPhone    Channel = "phone"
	ChannelLinkedIn Channel = "linkedin"
)

// Outreach is a generated message draft. Transport is an external
// collaborator subscribing to outreach.generated.
type Outreach struct {
	TemplateID          string    `json:"template_id"`
	SignalID            string    `json:"signal_id"`
	Channel             Channel   `json:"channel"`
	Subject             string    `json:"subject,omitempty"`
	Body                string    `json:"body"`
	EstimatedConversion float64   `json:"estimated_conversion"` // 0..1
	GeneratedAt         time.Time `json:"generated_at"`
}
