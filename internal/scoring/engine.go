// Package scoring turns resolved signals into scored signals. The score
// is a pure deterministic function over (trigger map, observed-at, now)
// and the active weight vector; identical inputs always produce the same
// score. Weights are hot-swappable through a single-writer update hook.
package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/visioncortex/backend/internal/core"
	"github.com/visioncortex/backend/internal/events"
)

const (
	// provisionalDaysToWin is used before the playbook router assigns a
	// route; the provisional value is final for the score itself.
	provisionalDaysToWin = 30

	decayHalfLifeDays = 14.0
	decayFloor        = 0.2
	maxScore          = 1000
)

// Weights is the scoring weight vector. Urgency enters the raw trigger
// sum squared (value and weight both); the rest enter linearly.
type Weights struct {
	Urgency               float64 `json:"urgency" yaml:"urgency"`
	FinancialStress       float64 `json:"financial_stress" yaml:"financial_stress"`
	OperationalDisruption float64 `json:"operational_disruption" yaml:"operational_disruption"`
	CompetitiveThreat     float64 `json:"competitive_threat" yaml:"competitive_threat"`
	RegulatoryRisk        float64 `json:"regulatory_risk" yaml:"regulatory_risk"`
	Strategic             float64 `json:"strategic" yaml:"strategic"`
}

// DefaultWeights is the documented stable vector.
func DefaultWeights() Weights {
	return Weights{
		Urgency:               2.5,
		FinancialStress:       1.8,
		OperationalDisruption: 1.5,
		CompetitiveThreat:     1.2,
		RegulatoryRisk:        1.2,
		Strategic:             1.2,
	}
}

func (w Weights) sum() float64 {
	return w.Urgency + w.FinancialStress + w.OperationalDisruption +
		w.CompetitiveThreat + w.RegulatoryRisk + w.Strategic
}

// Engine scores resolved signals and publishes signal.scored.
type Engine struct {
	bus *events.Bus

	mu      sync.RWMutex
	weights Weights

	dedupe *events.Deduper
}

// New creates an engine with the default weight vector, optionally
// overridden per key (unknown keys are rejected).
func New(bus *events.Bus, overrides map[string]float64) (*Engine, error) {
	e := &Engine{
		bus:     bus,
		weights: DefaultWeights(),
		dedupe:  events.NewDeduper(0),
	}
	if len(overrides) > 0 {
		if err := e.UpdateWeights(overrides); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Weights returns a consistent snapshot of the active vector.
func (e *Engine) Weights() Weights {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.weights
}

// UpdateWeights merges the given keys into the active vector atomically.
// Subsequent scorings use the new vector; previously scored signals are
// not re-scored. Single-writer: concurrent updaters serialize.
func (e *Engine) UpdateWeights(partial map[string]float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	next := e.weights
	for key, v := range partial {
		if v < 0 {
			return fmt.Errorf("weight %q must be non-negative, got %v", key, v)
		}
		switch key {
		case "urgency":
			next.Urgency = v
		case "financial_stress":
			next.FinancialStress = v
		case "operational_disruption":
			next.OperationalDisruption = v
		case "competitive_threat":
			next.CompetitiveThreat = v
		case "regulatory_risk":
			next.RegulatoryRisk = v
		case "strategic":
			next.Strategic = v
		default:
			return fmt.Errorf("unknown weight key %q", key)
		}
	}
	e.weights = next
	return nil
}

// Score computes the scored signal for one resolved signal at the given
// clock reading. Pure over the weight snapshot taken at entry.
func (e *Engine) Score(sig core.Signal, entityID string, now time.Time) core.ScoredSignal {
	w := e.Weights()
	t := sig.Triggers

	// Probability-to-win: weighted average of triggers, scaled to [0,1].
	weighted := t.Urgency*w.Urgency +
		t.FinancialStress*w.FinancialStress +
		t.OperationalDisruption*w.OperationalDisruption +
		t.CompetitiveThreat*w.CompetitiveThreat +
		t.RegulatoryRisk*w.RegulatoryRisk +
		t.Strategic*w.Strategic
	prob := 0.0
	if ws := w.sum(); ws > 0 {
		prob = clampFloat(weighted/ws/100, 0, 1)
	}

	// Raw weighted trigger sum. Urgency enters squared on both sides.
	rawSum := t.Urgency*t.Urgency*w.Urgency*w.Urgency +
		t.FinancialStress*w.FinancialStress +
		t.OperationalDisruption*w.OperationalDisruption +
		t.CompetitiveThreat*w.CompetitiveThreat +
		t.RegulatoryRisk*w.RegulatoryRisk +
		t.Strategic*w.Strategic

	lift := 1 + math.Max(t.FinancialStress, t.OperationalDisruption)/100
	decay := Decay(sig.ObservedAt, now)

	days := provisionalDaysToWin
	raw := prob * math.Log(float64(maxInt(days, 1))+1) * lift * rawSum * decay
	score := int(math.Round(clampFloat(raw, 0, maxScore)))

	return core.ScoredSignal{
		Signal:           sig,
		EntityID:         entityID,
		Score:            score,
		ProbabilityToWin: prob,
		DaysToWin:        days,
		Priority:         PriorityForScore(score),
	}
}

// Decay is the staleness multiplier: exp(−Δdays/14) floored at 0.2.
// Future observed-at timestamps decay as if observed now.
func Decay(observedAt, now time.Time) float64 {
	deltaDays := now.Sub(observedAt).Hours() / 24
	if deltaDays < 0 {
		deltaDays = 0
	}
	return math.Max(decayFloor, math.Exp(-deltaDays/decayHalfLifeDays))
}

// PriorityForScore buckets a score into its priority band.
func PriorityForScore(score int) core.Priority {
	switch {
	case score >= 800:
		return core.PriorityCritical
	case score >= 600:
		return core.PriorityHigh
	case score >= 400:
		return core.PriorityMedium
	default:
		return core.PriorityLow
	}
}

// MarkDelivered records an event id whose effects were already applied
// synchronously, so the bus redelivery is dropped.
func (e *Engine) MarkDelivered(eventID string) {
	e.dedupe.Seen(eventID)
}

// HandleResolved is the bus subscription for signal.resolved. Idempotent
// by event id.
func (e *Engine) HandleResolved(ctx context.Context, ev *events.Envelope) error {
	if e.dedupe.Seen(ev.EventID) {
		return nil
	}
	payload, err := decodeResolved(ev.Payload)
	if err != nil {
		return fmt.Errorf("signal.resolved payload: %w", err)
	}

	scored := e.Score(payload.Signal, payload.EntityID, time.Now().UTC())
	_, err = e.bus.Publish(ctx, events.TopicSignalScored, payload.Signal.Type, scored)
	return err
}

func decodeResolved(payload interface{}) (*events.ResolvedPayload, error) {
	switch p := payload.(type) {
	case *events.ResolvedPayload:
		return p, nil
	case events.ResolvedPayload:
		return &p, nil
	default:
		// Mirror-delivered envelopes carry the payload as decoded JSON.
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		var out events.ResolvedPayload
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, err
		}
		return &out, nil
	}
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
