// Package orchestrator wires the pipeline stages to the event bus and
// exposes the read-only query surface the HTTP layer consumes.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/visioncortex/backend/internal/alerts"
	"github.com/visioncortex/backend/internal/core"
	"github.com/visioncortex/backend/internal/events"
	"github.com/visioncortex/backend/internal/ingest"
	"github.com/visioncortex/backend/internal/monitoring"
	"github.com/visioncortex/backend/internal/outreach"
	"github.com/visioncortex/backend/internal/playbook"
	"github.com/visioncortex/backend/internal/resolver"
	"github.com/visioncortex/backend/internal/scoring"
	"github.com/visioncortex/backend/internal/store"
)

// Options collects the pre-built components. Store and Metrics are
// optional.
type Options struct {
	Bus       *events.Bus
	Ingestor  *ingest.Ingestor
	Resolver  *resolver.Resolver
	Engine    *scoring.Engine
	Monitor   *alerts.Monitor
	Router    *playbook.Router
	Generator *outreach.Generator
	Store     store.Store
	Metrics   *monitoring.Metrics
}

// Orchestrator is the single process-level coordinator.
type Orchestrator struct {
	bus       *events.Bus
	ingestor  *ingest.Ingestor
	resolver  *resolver.Resolver
	engine    *scoring.Engine
	monitor   *alerts.Monitor
	router    *playbook.Router
	generator *outreach.Generator
	store     store.Store
	metrics   *monitoring.Metrics

	stopGauges chan struct{}
}

// New wires the pipeline subscriptions. Call Start afterwards.
func New(opts Options) (*Orchestrator, error) {
	o := &Orchestrator{
		bus:        opts.Bus,
		ingestor:   opts.Ingestor,
		resolver:   opts.Resolver,
		engine:     opts.Engine,
		monitor:    opts.Monitor,
		router:     opts.Router,
		generator:  opts.Generator,
		store:      opts.Store,
		metrics:    opts.Metrics,
		stopGauges: make(chan struct{}),
	}

	subs := []subscription{
		{events.TopicSignalIngested, "resolver", o.resolver.HandleIngested},
		{events.TopicSignalResolved, "scoring", o.engine.HandleResolved},
		{events.TopicSignalScored, "alerts", o.monitor.HandleScored},
		{events.TopicSignalScored, "playbook", o.router.HandleScored},
		{events.TopicSignalScored, "outreach-cache", o.generator.HandleScored},
		{events.TopicPlaybookRouted, "outreach-routes", o.generator.HandleRouted},
		{events.TopicAlertTriggered, "outreach", o.generator.HandleAlert},
	}
	if o.store != nil {
		subs = append(subs,
			subscription{events.TopicSignalResolved, "persist-entities", o.persistEntity},
			subscription{events.TopicAlertTriggered, "persist-alerts", o.persistAlert},
		)
	}
	if o.metrics != nil {
		subs = append(subs, o.metricSubscriptions()...)
	}
	for _, s := range subs {
		if err := o.bus.Subscribe(s.topic, s.name, s.handler); err != nil {
			return nil, fmt.Errorf("subscribe %s/%s: %w", s.topic, s.name, err)
		}
	}
	return o, nil
}

// Start launches the polling adapters and the alert sweep loop.
func (o *Orchestrator) Start(ctx context.Context) {
	o.ingestor.Start(ctx)
	o.monitor.Start(ctx)
	if o.metrics != nil {
		go o.gaugeLoop(ctx)
	}
	slog.Info("[Orchestrator] pipeline started")
}

// Shutdown stops adapters, drains in-flight events up to the grace
// window, then closes the bus and its mirror.
func (o *Orchestrator) Shutdown(grace time.Duration) error {
	o.ingestor.Stop(grace)
	o.monitor.Stop()
	o.router.Stop()
	close(o.stopGauges)
	err := o.bus.Close(grace)
	if o.store != nil {
		if serr := o.saveResponseStats(context.Background()); serr != nil {
			slog.Warn("[Orchestrator] response stats not persisted", "error", serr)
		}
		if cerr := o.store.Close(); err == nil {
			err = cerr
		}
	}
	slog.Info("[Orchestrator] pipeline stopped")
	return err
}

// Ingest is the synchronous manual path: resolve, score, alert-check and
// route inline, returning the scored signal with its assigned playbook.
// All chain events are still published; downstream bus subscribers see
// each envelope but their effects were already applied here. External
// mirror acknowledgement is not awaited.
func (o *Orchestrator) Ingest(ctx context.Context, sig core.Signal) (*core.ScoredSignal, error) {
	if _, err := o.bus.Publish(ctx, events.TopicSignalRaw, sig.Type, sig); err != nil {
		return nil, err
	}

	norm := ingest.Normalize(sig)
	if err := norm.Validate(); err != nil {
		o.bus.TryPublish(events.TopicAuditLog, "signal.invalid", events.AuditPayload{
			Component: "orchestrator",
			SignalID:  sig.ID,
			Kind:      "ValidationError",
			Detail:    err.Error(),
		})
		return nil, err
	}

	ingestedEv := events.NewEnvelope(events.TopicSignalIngested, norm.Type, norm)
	o.resolver.MarkDelivered(ingestedEv.EventID)
	if err := o.bus.PublishPrepared(ctx, ingestedEv); err != nil {
		return nil, err
	}

	res, err := o.resolver.Resolve(ctx, norm)
	if err != nil {
		return nil, err
	}
	resolvedEv := events.NewEnvelope(events.TopicSignalResolved, norm.Type, events.ResolvedPayload{
		Signal:   norm,
		EntityID: res.EntityID,
	})
	o.engine.MarkDelivered(resolvedEv.EventID)
	if err := o.bus.PublishPrepared(ctx, resolvedEv); err != nil {
		return nil, err
	}

	scored := o.engine.Score(norm, res.EntityID, time.Now().UTC())
	scoredEv := events.NewEnvelope(events.TopicSignalScored, norm.Type, scored)
	o.monitor.MarkDelivered(scoredEv.EventID)
	o.router.MarkDelivered(scoredEv.EventID)
	if err := o.bus.PublishPrepared(ctx, scoredEv); err != nil {
		return nil, err
	}

	o.monitor.Observe(ctx, scored, time.Now().UTC())

	route, err := o.router.Route(ctx, scored)
	if err != nil {
		return nil, err
	}
	if route != nil {
		scored.Playbook = route.Playbook
		if nominal := route.NominalDays(); nominal > 0 {
			scored.DaysToWin = nominal
		}
	}
	return &scored, nil
}

// SearchEntities matches entity names and aliases against a substring
// query.
func (o *Orchestrator) SearchEntities(query string, limit int) []core.Entity {
	return o.resolver.Search(query, limit)
}

// GetEntityTimeline returns an entity's signals in observation order.
func (o *Orchestrator) GetEntityTimeline(entityID string) ([]core.Signal, bool) {
	return o.resolver.Timeline(entityID)
}

// GetEntity returns one canonical entity snapshot.
func (o *Orchestrator) GetEntity(entityID string) (*core.Entity, bool) {
	return o.resolver.Get(entityID)
}

// GetActiveAlerts returns unacknowledged alerts ordered by days
// remaining ascending, optionally filtered by priority.
func (o *Orchestrator) GetActiveAlerts(priority core.Priority) []core.Alert {
	return o.monitor.ActiveAlerts(priority, time.Now().UTC())
}

// AcknowledgeAlert flags one alert as handled.
func (o *Orchestrator) AcknowledgeAlert(ctx context.Context, alertID string) error {
	return o.monitor.Acknowledge(ctx, alertID)
}

// Metrics is the aggregate counter snapshot for the query surface.
type Metrics struct {
	Entities  resolver.Stats       `json:"entities"`
	Alerts    AlertMetrics         `json:"alerts"`
	Playbooks map[string]int64     `json:"playbooks"`
	Outreach  OutreachMetrics      `json:"outreach"`
	Adapters  []ingest.AdapterStats `json:"adapters"`
}

type AlertMetrics struct {
	Total          int `json:"total"`
	Unacknowledged int `json:"unacknowledged"`
}

type OutreachMetrics struct {
	Generated int64                `json:"generated"`
	Stats     map[string][2]int64  `json:"response_stats"`
}

// GetMetrics snapshots pipeline-wide counters.
func (o *Orchestrator) GetMetrics() Metrics {
	total, unack := o.monitor.Count()
	return Metrics{
		Entities:  o.resolver.Stats(),
		Alerts:    AlertMetrics{Total: total, Unacknowledged: unack},
		Playbooks: o.router.Counts(),
		Outreach: OutreachMetrics{
			Generated: o.generator.Generated(),
			Stats:     o.generator.Stats().Snapshot(),
		},
		Adapters: o.ingestor.Stats(),
	}
}

// RecordResponse feeds outreach response tracking and persists the
// updated counters when a store is configured.
func (o *Orchestrator) RecordResponse(ctx context.Context, templateID string, responded bool) {
	o.generator.Stats().RecordResponse(templateID, responded)
	if o.store != nil {
		if err := o.saveResponseStats(ctx); err != nil {
			slog.Warn("[Orchestrator] response stats not persisted", "error", err)
		}
	}
}

func (o *Orchestrator) saveResponseStats(ctx context.Context) error {
	return o.store.SaveResponseStats(ctx, o.generator.Stats().Snapshot())
}

func (o *Orchestrator) persistEntity(ctx context.Context, ev *events.Envelope) error {
	payload, err := decodeResolved(ev.Payload)
	if err != nil {
		return err
	}
	ent, ok := o.resolver.Get(payload.EntityID)
	if !ok {
		return nil
	}
	return o.store.SaveEntity(ctx, *ent)
}

func (o *Orchestrator) persistAlert(ctx context.Context, ev *events.Envelope) error {
	alert, err := decodeAlert(ev.Payload)
	if err != nil {
		return err
	}
	return o.store.SaveAlert(ctx, *alert)
}

// gaugeLoop refreshes the queue-depth and entity gauges.
func (o *Orchestrator) gaugeLoop(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, topic := range events.Topics() {
				o.metrics.QueueDepth.WithLabelValues(string(topic)).Set(float64(o.bus.QueueDepth(topic)))
			}
			rs := o.resolver.Stats()
			o.metrics.EntitiesTotal.Set(float64(rs.Entities))
			o.metrics.EntityMerges.Set(float64(rs.Merged))
			o.metrics.SignalsResolved.WithLabelValues("identifier").Set(float64(rs.Identifier))
			o.metrics.SignalsResolved.WithLabelValues("llm").Set(float64(rs.LLM))
			o.metrics.SignalsResolved.WithLabelValues("fuzzy").Set(float64(rs.Fuzzy))
			o.metrics.SignalsResolved.WithLabelValues("created").Set(float64(rs.Created))
			dropped, failed := o.bus.MirrorStats()
			o.metrics.MirrorDropped.Set(float64(dropped))
			o.metrics.MirrorFailed.Set(float64(failed))
		case <-o.stopGauges:
			return
		case <-ctx.Done():
			return
		}
	}
}
