// Package store persists pipeline state behind an opaque interface with
// four collections: entities, alerts, templates and response stats. The
// core runs fully in-memory; Redis and Postgres backends provide
// at-least-once durability for the surrounding HTTP layer.
package store

import (
	"context"
	"errors"

	"github.com/visioncortex/backend/internal/core"
	"github.com/visioncortex/backend/internal/outreach"
)

// ErrNotFound marks a missing record in any collection.
var ErrNotFound = errors.New("record not found")

// Store is the persistence contract. Implementations must be safe for
// concurrent use.
type Store interface {
	SaveEntity(ctx context.Context, e core.Entity) error
	GetEntity(ctx context.Context, id string) (*core.Entity, error)
	ListEntities(ctx context.Context) ([]core.Entity, error)

	SaveAlert(ctx context.Context, a core.Alert) error
	ListAlerts(ctx context.Context) ([]core.Alert, error)
	DeleteAlert(ctx context.Context, id string) error

	SaveTemplate(ctx context.Context, t outreach.Template) error
	ListTemplates(ctx context.Context) ([]outreach.Template, error)

	SaveResponseStats(ctx context.Context, stats map[string][2]int64) error
	LoadResponseStats(ctx context.Context) (map[string][2]int64, error)

	Close() error
}
