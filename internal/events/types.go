// Package events implements the typed pub/sub bus gluing the pipeline
// stages together. Delivery is two-layered: a bounded in-process queue per
// topic (backpressure, not drop) and an external Redis-style mirror for
// horizontal fan-out to other processes. Mirror failure never aborts
// in-process delivery.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/visioncortex/backend/internal/core"
)

// Topic identifies one bus channel. The set is closed.
type Topic string

const (
	TopicSignalRaw         Topic = "signal.raw"
	TopicSignalIngested    Topic = "signal.ingested"
	TopicSignalResolved    Topic = "signal.resolved"
	TopicSignalScored      Topic = "signal.scored"
	TopicAlertTriggered    Topic = "alert.triggered"
	TopicAlertAcknowledged Topic = "alert.acknowledged"
	TopicPlaybookRouted    Topic = "playbook.routed"
	TopicOutreachGenerated Topic = "outreach.generated"
	TopicAuditLog          Topic = "audit.log"
)

// Topics returns every known topic in pipeline order.
func Topics() []Topic {
	return []Topic{
		TopicSignalRaw,
		TopicSignalIngested,
		TopicSignalResolved,
		TopicSignalScored,
		TopicAlertTriggered,
		TopicAlertAcknowledged,
		TopicPlaybookRouted,
		TopicOutreachGenerated,
		TopicAuditLog,
	}
}

// Envelope is the wire form of every event, in process and on the mirror.
// Subscribers must ignore fields they do not recognize.
type Envelope struct {
	EventID   string      `json:"event_id"`
	Topic     Topic       `json:"topic"`
	EventType string      `json:"event_type"`
	Timestamp time.Time   `json:"timestamp"`
	Origin    string      `json:"origin,omitempty"` // publishing process id
	Payload   interface{} `json:"payload,omitempty"`
}

// NewEnvelope stamps a payload with a fresh event id and timestamp.
func NewEnvelope(topic Topic, eventType string, payload interface{}) *Envelope {
	return &Envelope{
		EventID:   uuid.New().String(),
		Topic:     topic,
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// ResolvedPayload rides signal.resolved: the signal plus the canonical
// entity it was matched to.
type ResolvedPayload struct {
	Signal   core.Signal `json:"signal"`
	EntityID string      `json:"entity_id"`
}

// AuditPayload rides audit.log. Kind is the error-taxonomy kind or an
// informational tag such as "entity.merged" or "duplicate.suppressed".
type AuditPayload struct {
	Component string `json:"component"`
	SignalID  string `json:"signal_id,omitempty"`
	Kind      string `json:"kind"`
	Detail    string `json:"detail,omitempty"`
}
