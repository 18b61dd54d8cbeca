// Package resolver deduplicates incoming signals onto canonical entities.
// Matching runs identifier → optional LLM-assisted → fuzzy name, first
// sufficient tier wins; no tier matching creates a new entity. The
// resolver owns the only writable copy of the entity store and the
// identifier index; orchestrator queries read consistent snapshots.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/visioncortex/backend/internal/core"
	"github.com/visioncortex/backend/internal/events"
)

const (
	identifierMatchScore = 0.99
	fuzzyAcceptThreshold = 0.85
	llmAcceptThreshold   = 0.85
	llmCandidateSample   = 10
	initialConfidence    = 0.5
)

// DuplicateIdentifierConflict reports an incoming identifier already
// bound to a different entity. The resolver recovers by merging.
type DuplicateIdentifierConflict struct {
	Key      string
	Value    string
	Existing string // entity id the identifier points at
	Matched  string // entity id the signal otherwise resolved to
}

func (e *DuplicateIdentifierConflict) Error() string {
	return fmt.Sprintf("identifier %s=%s already bound to entity %s (matched %s)",
		e.Key, e.Value, e.Existing, e.Matched)
}

// Resolution describes how a signal was matched.
type Resolution struct {
	EntityID  string  `json:"entity_id"`
	Method    string  `json:"method"` // identifier, llm, fuzzy, created
	Score     float64 `json:"score"`
	Created   bool    `json:"created"`
	Merged    bool    `json:"merged"`
	Duplicate bool    `json:"duplicate"` // signal id already appended
}

// Stats counts resolution outcomes for the metrics surface.
type Stats struct {
	Entities   int   `json:"entities"`
	Identifier int64 `json:"by_identifier"`
	LLM        int64 `json:"by_llm"`
	Fuzzy      int64 `json:"by_fuzzy"`
	Created    int64 `json:"created"`
	Merged     int64 `json:"merges"`
	Duplicates int64 `json:"duplicates"`
}

type auditEvent struct {
	eventType string
	payload   events.AuditPayload
}

// Resolver owns the canonical entity store.
type Resolver struct {
	bus *events.Bus
	llm LLMMatcher // nil disables the assisted tier

	mu          sync.RWMutex
	entities    map[string]*core.Entity
	identIndex  map[string]string // identifier key\x1fvalue → entity id
	signalIndex map[string]string // signal id → entity id
	retired     map[string]string // merged-away id → surviving id
	stats       Stats

	// Bus delivery is at-least-once; redelivered event ids are dropped.
	dedupe *events.Deduper
}

// New creates a resolver. llm may be nil.
func New(bus *events.Bus, llm LLMMatcher) *Resolver {
	return &Resolver{
		bus:         bus,
		llm:         llm,
		entities:    make(map[string]*core.Entity),
		identIndex:  make(map[string]string),
		signalIndex: make(map[string]string),
		retired:     make(map[string]string),
		dedupe:      events.NewDeduper(0),
	}
}

// MarkDelivered records an event id whose effects were already applied
// synchronously, so the bus redelivery is dropped.
func (r *Resolver) MarkDelivered(eventID string) {
	r.dedupe.Seen(eventID)
}

// HandleIngested is the bus subscription for signal.ingested. Idempotent
// by event id.
func (r *Resolver) HandleIngested(ctx context.Context, ev *events.Envelope) error {
	if r.dedupe.Seen(ev.EventID) {
		return nil
	}
	sig, err := decodeSignal(ev.Payload)
	if err != nil {
		return fmt.Errorf("signal.ingested payload: %w", err)
	}

	res, err := r.Resolve(ctx, sig)
	if err != nil {
		return err
	}

	_, err = r.bus.Publish(ctx, events.TopicSignalResolved, sig.Type, events.ResolvedPayload{
		Signal:   sig,
		EntityID: res.EntityID,
	})
	return err
}

// Resolve matches one signal to its canonical entity, creating or merging
// entities as needed, and returns how the match was made.
func (r *Resolver) Resolve(ctx context.Context, sig core.Signal) (*Resolution, error) {
	// Tier 1: identifier index, plus duplicate-signal suppression.
	res, audits, done := r.resolveByIdentifier(sig)
	r.emitAudits(audits)
	if done {
		return res, nil
	}

	// Tier 2: LLM-assisted, consulted outside the resolver lock. A
	// transient error demotes this call to rules-only; the breaker
	// inside the client keeps subsequent calls skipping until recovery.
	if r.llm != nil && r.llm.Healthy() {
		if match := r.resolveByLLM(ctx, sig); match != nil {
			return match, nil
		}
	}

	// Tier 3: fuzzy name match; Tier 4: create.
	res, audits = r.resolveByNameOrCreate(sig)
	r.emitAudits(audits)
	return res, nil
}

// resolveByIdentifier returns (resolution, audit events, handled).
func (r *Resolver) resolveByIdentifier(sig core.Signal) (*Resolution, []auditEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entityID, ok := r.signalIndex[sig.ID]; ok {
		entityID = r.chaseRetired(entityID)
		r.stats.Duplicates++
		return &Resolution{EntityID: entityID, Method: "identifier", Score: 1, Duplicate: true},
			[]auditEvent{{
				eventType: "signal.duplicate",
				payload: events.AuditPayload{
					Component: "resolver", SignalID: sig.ID,
					Kind: "DuplicateSuppressed", Detail: "signal already appended to " + entityID,
				},
			}}, true
	}

	var hits []string
	for k, v := range sig.Entity.Identifiers {
		if id, ok := r.identIndex[identKey(k, v)]; ok {
			id = r.chaseRetired(id)
			if !contains(hits, id) {
				hits = append(hits, id)
			}
		}
	}
	if len(hits) == 0 {
		return nil, nil, false
	}

	var audits []auditEvent
	survivor := hits[0]
	merged := false
	// Identifiers spanning several entities force a merge (§3 merge
	// rule), never a silent overwrite.
	for _, other := range hits[1:] {
		conflict := &DuplicateIdentifierConflict{Existing: other, Matched: survivor}
		survivor = r.mergeLocked(survivor, other)
		merged = true
		audits = append(audits, auditEvent{
			eventType: "entity.merged",
			payload: events.AuditPayload{
				Component: "resolver", SignalID: sig.ID,
				Kind: "DuplicateIdentifierConflict", Detail: conflict.Error() + "; survivor " + survivor,
			},
		})
	}

	finalID, moreAudits := r.appendSignalLocked(survivor, sig, identifierMatchScore)
	merged = merged || len(moreAudits) > 0
	r.stats.Identifier++
	return &Resolution{EntityID: finalID, Method: "identifier", Score: identifierMatchScore, Merged: merged},
		append(audits, moreAudits...), true
}

func (r *Resolver) resolveByLLM(ctx context.Context, sig core.Signal) *Resolution {
	candidates := r.candidateNames(llmCandidateSample)
	if len(candidates) == 0 {
		return nil
	}

	verdict, err := r.llm.Match(ctx, sig.Entity.Name, candidates)
	if err != nil {
		slog.Debug("[Resolver] llm tier skipped", "signal_id", sig.ID, "error", err)
		return nil
	}
	if verdict == nil || !verdict.Matched || verdict.Confidence < llmAcceptThreshold {
		return nil
	}

	res, audits := r.acceptLLMMatch(sig, verdict)
	r.emitAudits(audits)
	return res
}

// acceptLLMMatch applies a verdict when the suggested canonical name
// names an existing entity (case-insensitive); otherwise the caller
// falls through to the fuzzy tier.
func (r *Resolver) acceptLLMMatch(sig core.Signal, verdict *MatchResponse) (*Resolution, []auditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ent := range r.entities {
		if strings.EqualFold(ent.Name, verdict.SuggestedCanonicalName) {
			finalID, audits := r.appendSignalLocked(id, sig, verdict.Confidence)
			r.stats.LLM++
			return &Resolution{EntityID: finalID, Method: "llm", Score: verdict.Confidence}, audits
		}
	}
	return nil, nil
}

func (r *Resolver) resolveByNameOrCreate(sig core.Signal) (*Resolution, []auditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bestID, bestScore := "", 0.0
	for id, ent := range r.entities {
		score := NameSimilarity(sig.Entity.Name, ent.Name)
		for _, alias := range ent.Aliases {
			if s := NameSimilarity(sig.Entity.Name, alias); s > score {
				score = s
			}
		}
		if score > bestScore {
			bestID, bestScore = id, score
		}
	}
	if bestID != "" && bestScore >= fuzzyAcceptThreshold {
		finalID, audits := r.appendSignalLocked(bestID, sig, bestScore)
		r.stats.Fuzzy++
		return &Resolution{EntityID: finalID, Method: "fuzzy", Score: bestScore}, audits
	}

	now := time.Now().UTC()
	ent := &core.Entity{
		ID:          "ent-" + uuid.New().String(),
		Type:        sig.Entity.Type,
		Name:        sig.Entity.Name,
		Aliases:     []string{NormalizeName(sig.Entity.Name)},
		Identifiers: make(map[string]string, len(sig.Entity.Identifiers)),
		Confidence:  initialConfidence,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	r.entities[ent.ID] = ent
	// appendSignalLocked binds the identifiers; writing the index here
	// first would blind its conflict check, and another goroutine may have
	// claimed one of them while the LLM tier ran unlocked.
	finalID, audits := r.appendSignalLocked(ent.ID, sig, initialConfidence)
	r.stats.Created++
	return &Resolution{EntityID: finalID, Method: "created", Score: initialConfidence,
		Created: true, Merged: len(audits) > 0}, audits
}

// appendSignalLocked attaches the signal in observation order, absorbs
// new aliases and identifiers, and resolves identifier conflicts by
// merging. Returns the surviving entity id, which may differ from the
// input when a conflict forced a merge. Caller holds the write lock.
func (r *Resolver) appendSignalLocked(entityID string, sig core.Signal, matchScore float64) (string, []auditEvent) {
	var audits []auditEvent

	// New identifiers may expose a conflict with another entity.
	for k, v := range sig.Entity.Identifiers {
		key := identKey(k, v)
		if otherID, ok := r.identIndex[key]; ok {
			otherID = r.chaseRetired(otherID)
			if otherID != entityID {
				conflict := &DuplicateIdentifierConflict{Key: k, Value: v, Existing: otherID, Matched: entityID}
				entityID = r.mergeLocked(entityID, otherID)
				audits = append(audits, auditEvent{
					eventType: "entity.merged",
					payload: events.AuditPayload{
						Component: "resolver", SignalID: sig.ID,
						Kind: "DuplicateIdentifierConflict", Detail: conflict.Error() + "; survivor " + entityID,
					},
				})
			}
		}
	}

	ent := r.entities[entityID]
	for k, v := range sig.Entity.Identifiers {
		ent.Identifiers[k] = v
		r.identIndex[identKey(k, v)] = entityID
	}

	if alias := NormalizeName(sig.Entity.Name); alias != "" && !contains(ent.Aliases, alias) {
		ent.Aliases = append(ent.Aliases, alias)
	}

	insertByObservation(ent, sig)
	r.signalIndex[sig.ID] = entityID

	if matchScore > ent.Confidence {
		ent.Confidence = matchScore
	}
	ent.UpdatedAt = time.Now().UTC()
	return entityID, audits
}

// mergeLocked folds the losing entity into the survivor. The entity with
// more signals survives; ties go to the older record. Returns the
// survivor id. Caller holds the write lock.
func (r *Resolver) mergeLocked(aID, bID string) string {
	a, b := r.entities[aID], r.entities[bID]
	if a == nil {
		return bID
	}
	if b == nil {
		return aID
	}

	winner, loser := a, b
	if len(b.Signals) > len(a.Signals) ||
		(len(b.Signals) == len(a.Signals) && b.CreatedAt.Before(a.CreatedAt)) {
		winner, loser = b, a
	}

	for _, alias := range loser.Aliases {
		if !contains(winner.Aliases, alias) {
			winner.Aliases = append(winner.Aliases, alias)
		}
	}
	if alias := NormalizeName(loser.Name); !contains(winner.Aliases, alias) {
		winner.Aliases = append(winner.Aliases, alias)
	}
	for k, v := range loser.Identifiers {
		winner.Identifiers[k] = v
		r.identIndex[identKey(k, v)] = winner.ID
	}
	for _, sig := range loser.Signals {
		insertByObservation(winner, sig)
		r.signalIndex[sig.ID] = winner.ID
	}
	if loser.Confidence > winner.Confidence {
		winner.Confidence = loser.Confidence
	}
	if loser.CreatedAt.Before(winner.CreatedAt) {
		winner.CreatedAt = loser.CreatedAt
	}
	winner.UpdatedAt = time.Now().UTC()

	delete(r.entities, loser.ID)
	r.retired[loser.ID] = winner.ID
	r.stats.Merged++
	return winner.ID
}

// insertByObservation keeps the entity's signal list monotonic in
// observed-at even when signals arrive out of order.
func insertByObservation(ent *core.Entity, sig core.Signal) {
	i := sort.Search(len(ent.Signals), func(i int) bool {
		return ent.Signals[i].ObservedAt.After(sig.ObservedAt)
	})
	ent.Signals = append(ent.Signals, core.Signal{})
	copy(ent.Signals[i+1:], ent.Signals[i:])
	ent.Signals[i] = sig
}

// =============================================================================
// Queries (snapshot reads for the orchestrator)
// =============================================================================

// Get returns a deep-enough copy of one entity, following merges.
func (r *Resolver) Get(entityID string) (*core.Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id := r.chaseRetired(entityID)
	ent, ok := r.entities[id]
	if !ok {
		return nil, false
	}
	cp := cloneEntity(ent)
	return &cp, true
}

// Search returns entities whose canonical name or aliases contain the
// query (normalized substring match), capped at limit.
func (r *Resolver) Search(query string, limit int) []core.Entity {
	q := NormalizeName(query)
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []core.Entity
	for _, ent := range r.entities {
		if limit > 0 && len(out) >= limit {
			break
		}
		if q == "" || strings.Contains(NormalizeName(ent.Name), q) || anyContains(ent.Aliases, q) {
			out = append(out, cloneEntity(ent))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out
}

// Timeline returns an entity's signals in observation order.
func (r *Resolver) Timeline(entityID string) ([]core.Signal, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ent, ok := r.entities[r.chaseRetired(entityID)]
	if !ok {
		return nil, false
	}
	out := make([]core.Signal, len(ent.Signals))
	copy(out, ent.Signals)
	return out, true
}

// Stats snapshots the resolution counters.
func (r *Resolver) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.stats
	s.Entities = len(r.entities)
	return s
}

// candidateNames samples up to n canonical names for the LLM tier.
func (r *Resolver) candidateNames(n int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, n)
	for _, ent := range r.entities {
		if len(out) >= n {
			break
		}
		out = append(out, ent.Name)
	}
	return out
}

// =============================================================================
// Internals
// =============================================================================

func (r *Resolver) chaseRetired(id string) string {
	for {
		next, ok := r.retired[id]
		if !ok {
			return id
		}
		id = next
	}
}

func (r *Resolver) emitAudits(audits []auditEvent) {
	for _, a := range audits {
		r.bus.TryPublish(events.TopicAuditLog, a.eventType, a.payload)
	}
}

func cloneEntity(ent *core.Entity) core.Entity {
	cp := *ent
	cp.Aliases = append([]string(nil), ent.Aliases...)
	cp.Signals = append([]core.Signal(nil), ent.Signals...)
	cp.Identifiers = make(map[string]string, len(ent.Identifiers))
	for k, v := range ent.Identifiers {
		cp.Identifiers[k] = v
	}
	return cp
}

func identKey(k, v string) string {
	return strings.ToLower(strings.TrimSpace(k)) + "\x1f" + strings.TrimSpace(v)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func anyContains(aliases []string, q string) bool {
	for _, a := range aliases {
		if strings.Contains(a, q) {
			return true
		}
	}
	return false
}

// decodeSignal accepts either an in-process core.Signal payload or the
// JSON map form arriving from the mirror.
func decodeSignal(payload interface{}) (core.Signal, error) {
	switch p := payload.(type) {
	case core.Signal:
		return p, nil
	case *core.Signal:
		return *p, nil
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return core.Signal{}, err
		}
		var sig core.Signal
		if err := json.Unmarshal(data, &sig); err != nil {
			return core.Signal{}, err
		}
		return sig, nil
	}
}
