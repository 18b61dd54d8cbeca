// Package outreach turns critical alerts and routed signals into
// personalized message drafts. Template selection is conversion-driven;
// actual transport is an external collaborator subscribing to
// outreach.generated.
package outreach

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/visioncortex/backend/internal/core"
	"github.com/visioncortex/backend/internal/events"
)

// Generator selects templates, substitutes variables and publishes
// outreach.generated for critical alerts.
type Generator struct {
	bus            *events.Bus
	stats          *StatsBook
	defaultChannel core.Channel

	mu             sync.Mutex
	templates      []Template
	scoredBySignal map[string]core.ScoredSignal
	routeBySignal  map[string]core.PlaybookRoute
	sourceIndustry map[string]string
	byPlaybook     map[string]map[string]struct{} // playbook → template ids used
	generated      int64

	dedupe *events.Deduper
}

// New creates a generator seeded with the built-in template library.
func New(bus *events.Bus, stats *StatsBook, defaultChannel core.Channel) *Generator {
	if defaultChannel == "" {
		defaultChannel = core.ChannelEmail
	}
	if stats == nil {
		stats = NewStatsBook()
	}
	return &Generator{
		bus:            bus,
		stats:          stats,
		defaultChannel: defaultChannel,
		templates:      DefaultTemplates(),
		scoredBySignal: make(map[string]core.ScoredSignal),
		routeBySignal:  make(map[string]core.PlaybookRoute),
		sourceIndustry: make(map[string]string),
		byPlaybook:     make(map[string]map[string]struct{}),
		dedupe:         events.NewDeduper(0),
	}
}

// RegisterTemplate adds a template to the library.
func (g *Generator) RegisterTemplate(t Template) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.templates = append(g.templates, t)
}

// RegisterSourceIndustry teaches the generator which industry a signal
// source belongs to, for the {{industry}} variable.
func (g *Generator) RegisterSourceIndustry(source, industry string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sourceIndustry[source] = industry
}

// Stats exposes the response book.
func (g *Generator) Stats() *StatsBook { return g.stats }

// Generated reports how many drafts have been produced.
func (g *Generator) Generated() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.generated
}

// HandleScored caches scored signals so later alerts can be rendered
// with full context.
func (g *Generator) HandleScored(ctx context.Context, ev *events.Envelope) error {
	scored, err := decodeScored(ev.Payload)
	if err != nil {
		return fmt.Errorf("signal.scored payload: %w", err)
	}
	g.mu.Lock()
	g.scoredBySignal[scored.Signal.ID] = *scored
	g.mu.Unlock()
	return nil
}

// HandleRouted caches playbook routes for the {{solution}} variable.
func (g *Generator) HandleRouted(ctx context.Context, ev *events.Envelope) error {
	route, err := decodeRoute(ev.Payload)
	if err != nil {
		return fmt.Errorf("playbook.routed payload: %w", err)
	}
	g.mu.Lock()
	g.routeBySignal[route.SignalID] = *route
	g.mu.Unlock()
	return nil
}

// HandleAlert is the bus subscription for alert.triggered. Critical
// alerts produce a draft on the default channel; others are ignored.
// Idempotent by event id.
func (g *Generator) HandleAlert(ctx context.Context, ev *events.Envelope) error {
	alert, err := decodeAlert(ev.Payload)
	if err != nil {
		return fmt.Errorf("alert.triggered payload: %w", err)
	}
	if alert.Priority != core.PriorityCritical {
		return nil
	}
	if g.dedupe.Seen(ev.EventID) {
		return nil
	}

	g.mu.Lock()
	scored, ok := g.scoredBySignal[alert.SignalID]
	g.mu.Unlock()
	if !ok {
		// Cross-topic ordering is unspecified: the alert may outrun its
		// scored signal. Unmark the id so a redelivery can draft once the
		// scored event has landed.
		g.dedupe.Forget(ev.EventID)
		return fmt.Errorf("critical alert %s arrived before scored signal %s", alert.ID, alert.SignalID)
	}

	draft, err := g.Generate(scored, g.defaultChannel, time.Now().UTC())
	if err != nil {
		g.dedupe.Forget(ev.EventID)
		return err
	}
	if _, err := g.bus.Publish(ctx, events.TopicOutreachGenerated, string(draft.Channel), draft); err != nil {
		g.dedupe.Forget(ev.EventID)
		return err
	}
	return nil
}

// Generate produces one draft for a scored signal on the given channel.
func (g *Generator) Generate(scored core.ScoredSignal, channel core.Channel, now time.Time) (core.Outreach, error) {
	if channel == "" {
		channel = g.defaultChannel
	}
	tmpl, err := g.selectTemplate(scored.Signal.Type, channel)
	if err != nil {
		return core.Outreach{}, err
	}
	vars := g.buildVariables(scored, now)

	g.mu.Lock()
	if route, ok := g.routeBySignal[scored.Signal.ID]; ok {
		set := g.byPlaybook[route.Playbook]
		if set == nil {
			set = make(map[string]struct{})
			g.byPlaybook[route.Playbook] = set
		}
		set[tmpl.ID] = struct{}{}
	}
	g.generated++
	g.mu.Unlock()

	return core.Outreach{
		TemplateID:          tmpl.ID,
		SignalID:            scored.Signal.ID,
		Channel:             channel,
		Subject:             vars.Apply(tmpl.Subject),
		Body:                vars.Apply(tmpl.Body),
		EstimatedConversion: g.stats.Conversion(tmpl.ID),
		GeneratedAt:         now,
	}, nil
}

// GenerateVariants produces n drafts using the same selection rules,
// permuting paragraph order to enable A/B experimentation.
func (g *Generator) GenerateVariants(scored core.ScoredSignal, channel core.Channel, n int) ([]core.Outreach, error) {
	if n <= 0 {
		n = 1
	}
	now := time.Now().UTC()
	base, err := g.Generate(scored, channel, now)
	if err != nil {
		return nil, err
	}
	out := make([]core.Outreach, 0, n)
	paragraphs := strings.Split(base.Body, "\n\n")
	for i := 0; i < n; i++ {
		variant := base
		variant.Body = strings.Join(rotate(paragraphs, i), "\n\n")
		out = append(out, variant)
	}
	return out, nil
}

// PlaybookConversion aggregates response stats across the templates a
// playbook has used. Default 0.5 with no sends, matching the
// per-template default.
func (g *Generator) PlaybookConversion(playbook string) float64 {
	g.mu.Lock()
	ids := make([]string, 0, len(g.byPlaybook[playbook]))
	for id := range g.byPlaybook[playbook] {
		ids = append(ids, id)
	}
	g.mu.Unlock()

	if len(ids) == 0 {
		return defaultConversion
	}
	snapshot := g.stats.Snapshot()
	var sent, responded int64
	for _, id := range ids {
		pair := snapshot[id]
		sent += pair[0]
		responded += pair[1]
	}
	if sent == 0 {
		return defaultConversion
	}
	return float64(responded) / float64(sent)
}

// selectTemplate picks the highest-conversion template matching the
// signal type and channel, falling back to the channel generic.
func (g *Generator) selectTemplate(signalType string, channel core.Channel) (Template, error) {
	g.mu.Lock()
	candidates := make([]Template, 0, 4)
	var generic *Template
	for i := range g.templates {
		t := g.templates[i]
		if t.Channel != channel {
			continue
		}
		if t.SignalType == signalType {
			candidates = append(candidates, t)
		} else if t.SignalType == "" && generic == nil {
			generic = &t
		}
	}
	g.mu.Unlock()

	if len(candidates) == 0 {
		if generic != nil {
			return *generic, nil
		}
		return Template{}, fmt.Errorf("no template for channel %q", channel)
	}
	best := candidates[0]
	bestConv := g.stats.Conversion(best.ID)
	for _, t := range candidates[1:] {
		if conv := g.stats.Conversion(t.ID); conv > bestConv {
			best, bestConv = t, conv
		}
	}
	return best, nil
}

func (g *Generator) buildVariables(scored core.ScoredSignal, now time.Time) Variables {
	sig := scored.Signal
	vars := Variables{
		EntityName:   sig.Entity.Name,
		UrgencyScore: sig.Triggers.Urgency,
		Deadline:     "soon",
	}

	if deadline, ok := deadlineFromData(sig.Data); ok {
		vars.Deadline = HumanizeDeadline(deadline, now)
		vars.DaysRemaining = int(deadline.Sub(now).Hours() / 24)
	}

	vars.Value = dollarString(sig.Data)
	vars.Industry = g.industryFor(sig)
	vars.Location = locationFor(sig)

	pain, _ := sig.Triggers.Max()
	vars.PainPoint = painPoints[pain]

	g.mu.Lock()
	route, routed := g.routeBySignal[sig.ID]
	g.mu.Unlock()
	if routed {
		vars.Solution = solutions[route.Playbook]
	} else {
		vars.Solution = solutions[core.PlaybookWalk]
	}
	return vars
}

func (g *Generator) industryFor(sig core.Signal) string {
	if v, ok := sig.Data["industry"].(string); ok && v != "" {
		return v
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sourceIndustry[sig.Source]
}

func locationFor(sig core.Signal) string {
	for _, key := range []string{"location", "jurisdiction"} {
		if v, ok := sig.Data[key].(string); ok && v != "" {
			return v
		}
	}
	return sig.Entity.Identifiers[core.IdentAddress]
}

// deadlineFromData mirrors the alert monitor's field precedence.
var deadlineDataFields = []string{
	"deadline", "auction_date", "sale_date", "hearing_date", "pdufa_date",
	"buyout_deadline", "response_deadline", "expiration_date", "maturity_date",
}

func deadlineFromData(data map[string]interface{}) (time.Time, bool) {
	for _, field := range deadlineDataFields {
		raw, ok := data[field]
		if !ok || raw == nil {
			continue
		}
		switch v := raw.(type) {
		case time.Time:
			return v, true
		case string:
			for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
				if t, err := time.Parse(layout, v); err == nil {
					return t, true
				}
			}
		}
	}
	return time.Time{}, false
}

// dollarString renders the first recognized monetary field with
// thousands separators, e.g. "$500,000".
func dollarString(data map[string]interface{}) string {
	for _, key := range []string{"property_value", "value", "deal_value", "contract_value"} {
		if v, ok := data[key].(float64); ok && v > 0 {
			return "$" + groupThousands(int64(v))
		}
	}
	return ""
}

func groupThousands(n int64) string {
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}
	var parts []string
	for len(s) > 3 {
		parts = append([]string{s[len(s)-3:]}, parts...)
		s = s[:len(s)-3]
	}
	return s + "," + strings.Join(parts, ",")
}

func rotate(parts []string, by int) []string {
	if len(parts) == 0 {
		return parts
	}
	by = by % len(parts)
	out := make([]string, 0, len(parts))
	out = append(out, parts[by:]...)
	out = append(out, parts[:by]...)
	return out
}

func decodeScored(payload interface{}) (*core.ScoredSignal, error) {
	switch p := payload.(type) {
	case *core.ScoredSignal:
		return p, nil
	case core.ScoredSignal:
		return &p, nil
	default:
		return remarshal[core.ScoredSignal](payload)
	}
}

func decodeRoute(payload interface{}) (*core.PlaybookRoute, error) {
	switch p := payload.(type) {
	case *core.PlaybookRoute:
		return p, nil
	case core.PlaybookRoute:
		return &p, nil
	default:
		return remarshal[core.PlaybookRoute](payload)
	}
}

func decodeAlert(payload interface{}) (*core.Alert, error) {
	switch p := payload.(type) {
	case *core.Alert:
		return p, nil
	case core.Alert:
		return &p, nil
	default:
		return remarshal[core.Alert](payload)
	}
}

func remarshal[T any](payload interface{}) (*T, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
