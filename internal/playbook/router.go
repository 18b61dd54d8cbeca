// Package playbook maps scored signals to named playbooks with ordered
// steps. Routing is a pure decision tree over the trigger map; signals
// with explicitly-unknown triggers are parked for enrichment and walk
// after a timeout.
package playbook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/visioncortex/backend/internal/core"
	"github.com/visioncortex/backend/internal/events"
)

// Branch dependency sets: the triggers each playbook's conditions read.
var branchDeps = map[string][]string{
	core.PlaybookRescue:    {"urgency", "financial_stress"},
	core.PlaybookBuy:       {"financial_stress"},
	core.PlaybookPartner:   {"operational_disruption"},
	core.PlaybookRefinance: {"financial_stress", "regulatory_risk"},
}

const (
	// Routing defers this long waiting for enrichment before
	// downgrading to walk.
	defaultEnrichmentTimeout = 15 * time.Minute

	// Playbooks converting below this rate are switched to an adjacent
	// matching branch when one exists.
	conversionOverrideFloor = 0.2
)

// EnrichmentRequester is the ingestor-side channel for signals routed
// with explicitly-unknown triggers.
type EnrichmentRequester interface {
	RequestEnrichment(signalID, reason string)
}

// ConversionFunc reports a playbook's historical conversion in [0,1].
type ConversionFunc func(playbook string) float64

type deferred struct {
	scored core.ScoredSignal
	timer  *time.Timer
}

// Router assigns playbooks and publishes playbook.routed.
type Router struct {
	bus        *events.Bus
	enricher   EnrichmentRequester // nil disables the missing-data rule
	conversion ConversionFunc      // nil disables the score override
	timeout    time.Duration

	mu       sync.Mutex
	parked   map[string]*deferred // signal id → awaiting enrichment
	routed   map[string]core.PlaybookRoute
	counts   map[string]int64 // playbook → routed count
	dedupe   *events.Deduper
	stopped  bool
}

// New creates a router. enricher and conversion may be nil.
func New(bus *events.Bus, enricher EnrichmentRequester, conversion ConversionFunc, timeout time.Duration) *Router {
	if timeout <= 0 {
		timeout = defaultEnrichmentTimeout
	}
	return &Router{
		bus:        bus,
		enricher:   enricher,
		conversion: conversion,
		timeout:    timeout,
		parked:     make(map[string]*deferred),
		routed:     make(map[string]core.PlaybookRoute),
		counts:     make(map[string]int64),
		dedupe:     events.NewDeduper(0),
	}
}

// Stop cancels pending enrichment timers.
func (r *Router) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	for id, d := range r.parked {
		d.timer.Stop()
		delete(r.parked, id)
	}
}

// MarkDelivered records an event id whose effects were already applied
// synchronously, so the bus redelivery is dropped.
func (r *Router) MarkDelivered(eventID string) {
	r.dedupe.Seen(eventID)
}

// HandleScored is the bus subscription for signal.scored. Idempotent by
// event id. A re-delivery for a parked signal counts as enrichment and
// routes with the fresh trigger values.
func (r *Router) HandleScored(ctx context.Context, ev *events.Envelope) error {
	if r.dedupe.Seen(ev.EventID) {
		return nil
	}
	scored, err := decodeScored(ev.Payload)
	if err != nil {
		return fmt.Errorf("signal.scored payload: %w", err)
	}
	_, err = r.Route(ctx, *scored)
	return err
}

// Route assigns a playbook to one scored signal. Returns nil without
// error when routing was deferred pending enrichment.
func (r *Router) Route(ctx context.Context, scored core.ScoredSignal) (*core.PlaybookRoute, error) {
	r.mu.Lock()
	if d, ok := r.parked[scored.Signal.ID]; ok {
		// Enrichment arrived: resume with the fresh values.
		d.timer.Stop()
		delete(r.parked, scored.Signal.ID)
	} else if r.enricher != nil {
		if dep, unknown := unknownDependency(scored); unknown {
			if r.stopped {
				r.mu.Unlock()
				return nil, nil
			}
			r.parkLocked(scored)
			r.mu.Unlock()
			r.enricher.RequestEnrichment(scored.Signal.ID, "trigger "+dep+" present but unknown")
			return nil, nil
		}
	}
	r.mu.Unlock()

	route := r.decide(scored)
	return r.commit(ctx, route)
}

func (r *Router) parkLocked(scored core.ScoredSignal) {
	id := scored.Signal.ID
	d := &deferred{scored: scored}
	d.timer = time.AfterFunc(r.timeout, func() { r.expire(id) })
	r.parked[id] = d
}

// expire downgrades a parked signal to walk after the enrichment window.
func (r *Router) expire(signalID string) {
	r.mu.Lock()
	if _, ok := r.parked[signalID]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.parked, signalID)
	r.mu.Unlock()

	route := buildRoute(signalID, core.PlaybookWalk)
	if _, err := r.commit(context.Background(), route); err != nil {
		slog.Warn("[PlaybookRouter] walk downgrade failed", "signal_id", signalID, "error", err)
	}
	r.bus.TryPublish(events.TopicAuditLog, "enrichment.timeout", events.AuditPayload{
		Component: "playbook",
		SignalID:  signalID,
		Kind:      "enrichment.timeout",
		Detail:    "routing downgraded to walk, enrichment never arrived",
	})
}

func (r *Router) commit(ctx context.Context, route core.PlaybookRoute) (*core.PlaybookRoute, error) {
	r.mu.Lock()
	prev, rerouted := r.routed[route.SignalID]
	r.routed[route.SignalID] = route
	if !rerouted || prev.Playbook != route.Playbook {
		r.counts[route.Playbook]++
	}
	r.mu.Unlock()

	if _, err := r.bus.Publish(ctx, events.TopicPlaybookRouted, route.Playbook, route); err != nil {
		return nil, err
	}
	return &route, nil
}

// decide walks the decision tree, then applies the conversion override:
// a first-choice playbook converting under the floor yields to the next
// matching branch when that branch is the tree-adjacent one.
func (r *Router) decide(scored core.ScoredSignal) core.PlaybookRoute {
	matches := matchingBranches(scored)
	pick := matches[0]
	if r.conversion != nil && len(matches) > 1 {
		first, second := matches[0], matches[1]
		if r.conversion(first.playbook) < conversionOverrideFloor && second.index == first.index+1 {
			pick = second
		}
	}
	return buildRoute(scored.Signal.ID, pick.playbook)
}

// RouteFor returns the committed route for a signal, if any.
func (r *Router) RouteFor(signalID string) (core.PlaybookRoute, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	route, ok := r.routed[signalID]
	return route, ok
}

// Counts snapshots routed totals per playbook for the metrics surface.
func (r *Router) Counts() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int64, len(r.counts))
	for k, v := range r.counts {
		out[k] = v
	}
	return out
}

type branch struct {
	index    int
	playbook string
}

// matchingBranches evaluates the whole tree in order and returns every
// branch whose conditions hold, walk always last.
func matchingBranches(scored core.ScoredSignal) []branch {
	t := scored.Signal.Triggers
	var out []branch
	if t.Urgency >= 80 && t.FinancialStress >= 70 {
		out = append(out, branch{0, core.PlaybookRescue})
	}
	if scored.Score >= 700 && t.FinancialStress < 40 {
		out = append(out, branch{1, core.PlaybookBuy})
	}
	if t.OperationalDisruption >= 60 {
		out = append(out, branch{2, core.PlaybookPartner})
	}
	if t.FinancialStress >= 60 && t.RegulatoryRisk >= 40 {
		out = append(out, branch{3, core.PlaybookRefinance})
	}
	if scored.Signal.Type == "lawsuit" || scored.Signal.Type == "statute_of_limitations" {
		out = append(out, branch{4, core.PlaybookLitigate})
	}
	out = append(out, branch{5, core.PlaybookWalk})
	return out
}

// unknownDependency reports whether a trigger the eventual branch reads
// is zero while the data bag carries an explicit null for it.
func unknownDependency(scored core.ScoredSignal) (string, bool) {
	route := matchingBranches(scored)[0]
	for _, dep := range branchDeps[route.playbook] {
		if triggerValue(scored.Signal.Triggers, dep) != 0 {
			continue
		}
		if raw, present := scored.Signal.Data[dep]; present && raw == nil {
			return dep, true
		}
	}
	return "", false
}

func triggerValue(t core.TriggerMap, key string) float64 {
	switch key {
	case "urgency":
		return t.Urgency
	case "financial_stress":
		return t.FinancialStress
	case "operational_disruption":
		return t.OperationalDisruption
	case "competitive_threat":
		return t.CompetitiveThreat
	case "regulatory_risk":
		return t.RegulatoryRisk
	case "strategic":
		return t.Strategic
	}
	return 0
}

// buildRoute attaches the playbook's canonical step list and calendar
// window.
func buildRoute(signalID, playbook string) core.PlaybookRoute {
	route := core.PlaybookRoute{
		SignalID:   signalID,
		Playbook:   playbook,
		AssignedAt: time.Now().UTC(),
	}
	switch playbook {
	case core.PlaybookRescue:
		route.MinDays, route.MaxDays = 7, 14
		route.Steps = []core.PlaybookStep{
			{Action: "Research distress situation and ownership", EstimatedHours: 4},
			{Action: "Contact decision-maker directly", EstimatedHours: 2},
			{Action: "Present fast cash offer at 70-80% FMV", EstimatedHours: 3},
			{Action: "Send urgency reminder before deadline", EstimatedHours: 1},
			{Action: "Close", EstimatedHours: 6},
		}
	case core.PlaybookBuy:
		route.MinDays, route.MaxDays = 60, 90
		route.Steps = []core.PlaybookStep{
			{Action: "Full financial analysis", EstimatedHours: 16},
			{Action: "Warm introduction through shared network", EstimatedHours: 4},
			{Action: "Strategic acquisition pitch", EstimatedHours: 6},
			{Action: "Due diligence", EstimatedHours: 40},
			{Action: "Negotiate terms", EstimatedHours: 12},
			{Action: "Close", EstimatedHours: 8},
		}
	case core.PlaybookPartner:
		route.MinDays, route.MaxDays = 90, 120
		route.Steps = []core.PlaybookStep{
			{Action: "Identify operational pain point", EstimatedHours: 6},
			{Action: "Pitch targeted solution", EstimatedHours: 4},
			{Action: "Run 90-day pilot", EstimatedHours: 60},
			{Action: "Convert to long-term agreement", EstimatedHours: 10},
		}
	case core.PlaybookRefinance:
		route.MinDays, route.MaxDays = 30, 60
		route.Steps = []core.PlaybookStep{
			{Action: "Assess current debt structure", EstimatedHours: 8},
			{Action: "Line up replacement lender", EstimatedHours: 10},
			{Action: "Present refinance term sheet", EstimatedHours: 4},
			{Action: "Close refinance", EstimatedHours: 6},
		}
	case core.PlaybookLitigate:
		route.MinDays, route.MaxDays = 120, 180
		route.Steps = []core.PlaybookStep{
			{Action: "Counsel review of claim", EstimatedHours: 8},
			{Action: "Send demand letter", EstimatedHours: 3},
			{Action: "File if no settlement", EstimatedHours: 12},
			{Action: "Settle or proceed to trial", EstimatedHours: 40},
		}
	default: // walk
		route.Playbook = core.PlaybookWalk
		route.Steps = []core.PlaybookStep{
			{Action: "Record rationale and archive", EstimatedHours: 0.5},
		}
	}
	return route
}

func decodeScored(payload interface{}) (*core.ScoredSignal, error) {
	switch p := payload.(type) {
	case *core.ScoredSignal:
		return p, nil
	case core.ScoredSignal:
		return &p, nil
	default:
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		var out core.ScoredSignal
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, err
		}
		return &out, nil
	}
}
