package core

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError flags a malformed incoming signal. The pipeline drops the
// signal and reports it on audit.log; it never aborts the stage.
type ValidationError struct {
	SignalID string
	Field    string
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid signal %q: field %s: %s", e.SignalID, e.Field, e.Reason)
}

// Validate checks the structural invariants a signal must satisfy before
// entering the pipeline.
func (s *Signal) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return &ValidationError{SignalID: s.ID, Field: "id", Reason: "missing"}
	}
	if strings.TrimSpace(s.Type) == "" {
		return &ValidationError{SignalID: s.ID, Field: "type", Reason: "missing"}
	}
	if strings.TrimSpace(s.Entity.Name) == "" {
		return &ValidationError{SignalID: s.ID, Field: "entity.name", Reason: "missing"}
	}
	switch s.Entity.Type {
	case EntityCompany, EntityProperty, EntityPerson:
	default:
		return &ValidationError{SignalID: s.ID, Field: "entity.type", Reason: fmt.Sprintf("unknown type %q", s.Entity.Type)}
	}
	if !s.ObservedAt.IsZero() && s.ObservedAt.After(time.Now().Add(24*time.Hour)) {
		return &ValidationError{SignalID: s.ID, Field: "observed_at", Reason: "timestamp in the future"}
	}
	return nil
}
