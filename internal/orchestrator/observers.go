package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/visioncortex/backend/internal/core"
	"github.com/visioncortex/backend/internal/events"
)

type subscription = struct {
	topic   events.Topic
	name    string
	handler events.Handler
}

// metricSubscriptions are lightweight observers incrementing Prometheus
// counters per topic. They never fail the pipeline.
func (o *Orchestrator) metricSubscriptions() []subscription {
	m := o.metrics
	return []subscription{
		{events.TopicSignalIngested, "metrics-ingested", func(_ context.Context, ev *events.Envelope) error {
			if sig, err := decodeSignal(ev.Payload); err == nil {
				m.SignalsIngested.WithLabelValues(sig.Source).Inc()
			}
			return nil
		}},
		{events.TopicSignalScored, "metrics-scored", func(_ context.Context, ev *events.Envelope) error {
			if scored, err := decodeScored(ev.Payload); err == nil {
				m.SignalsScored.WithLabelValues(string(scored.Priority)).Inc()
				m.ScoreDistribution.Observe(float64(scored.Score))
			}
			return nil
		}},
		{events.TopicAlertTriggered, "metrics-alerts", func(_ context.Context, ev *events.Envelope) error {
			if alert, err := decodeAlert(ev.Payload); err == nil {
				m.AlertsFired.WithLabelValues(fmt.Sprintf("%d", alert.Threshold)).Inc()
			}
			return nil
		}},
		{events.TopicAlertAcknowledged, "metrics-acks", func(_ context.Context, _ *events.Envelope) error {
			m.AlertsAcknowledged.Inc()
			return nil
		}},
		{events.TopicPlaybookRouted, "metrics-playbooks", func(_ context.Context, ev *events.Envelope) error {
			m.PlaybooksRouted.WithLabelValues(ev.EventType).Inc()
			return nil
		}},
		{events.TopicOutreachGenerated, "metrics-outreach", func(_ context.Context, ev *events.Envelope) error {
			m.OutreachGenerated.WithLabelValues(ev.EventType).Inc()
			return nil
		}},
		{events.TopicAuditLog, "metrics-adapters", func(_ context.Context, ev *events.Envelope) error {
			if ev.EventType != "adapter.poll_failed" {
				return nil
			}
			if audit, err := decodeAudit(ev.Payload); err == nil {
				m.AdapterFailures.WithLabelValues(audit.Component).Inc()
			}
			return nil
		}},
	}
}

func decodeAudit(payload interface{}) (*events.AuditPayload, error) {
	switch p := payload.(type) {
	case *events.AuditPayload:
		return p, nil
	case events.AuditPayload:
		return &p, nil
	default:
		return remarshal[events.AuditPayload](payload)
	}
}

func decodeSignal(payload interface{}) (*core.Signal, error) {
	switch p := payload.(type) {
	case *core.Signal:
		return p, nil
	case core.Signal:
		return &p, nil
	default:
		return remarshal[core.Signal](payload)
	}
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

func decodeResolved(payload interface{}) (*events.ResolvedPayload, error) {
	switch p := payload.(type) {
	case *events.ResolvedPayload:
		return p, nil
	case events.ResolvedPayload:
		return &p, nil
	default:
		return remarshal[events.ResolvedPayload](payload)
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
