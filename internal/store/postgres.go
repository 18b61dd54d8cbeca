package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/visioncortex/backend/internal/core"
	"github.com/visioncortex/backend/internal/outreach"
)

// PostgresStore persists collections as JSONB documents.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects and ensures the schema exists.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cortex_entities (
			id TEXT PRIMARY KEY,
			doc JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS cortex_alerts (
			id TEXT PRIMARY KEY,
			doc JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS cortex_templates (
			id TEXT PRIMARY KEY,
			doc JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS cortex_response_stats (
			template_id TEXT PRIMARY KEY,
			sent BIGINT NOT NULL DEFAULT 0,
			responded BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) upsertDoc(ctx context.Context, table, id string, doc interface{}) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, doc, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = now()`, table)
	_, err = s.db.ExecContext(ctx, query, id, raw)
	return err
}

func (s *PostgresStore) getDoc(ctx context.Context, table, id string, out interface{}) error {
	var raw []byte
	query := fmt.Sprintf(`SELECT doc FROM %s WHERE id = $1`, table)
	err := s.db.QueryRowContext(ctx, query, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (s *PostgresStore) listDocs(ctx context.Context, table string, visit func(raw []byte) error) error {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT doc FROM %s`, table))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return err
		}
		if err := visit(raw); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *PostgresStore) SaveEntity(ctx context.Context, e core.Entity) error {
	return s.upsertDoc(ctx, "cortex_entities", e.ID, e)
}

func (s *PostgresStore) GetEntity(ctx context.Context, id string) (*core.Entity, error) {
	var e core.Entity
	if err := s.getDoc(ctx, "cortex_entities", id, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PostgresStore) ListEntities(ctx context.Context) ([]core.Entity, error) {
	var out []core.Entity
	err := s.listDocs(ctx, "cortex_entities", func(raw []byte) error {
		var e core.Entity
		if err := json.Unmarshal(raw, &e); err != nil {
			return err
		}
		out = append(out, e)
		return nil
	})
	return out, err
}

func (s *PostgresStore) SaveAlert(ctx context.Context, a core.Alert) error {
	return s.upsertDoc(ctx, "cortex_alerts", a.ID, a)
}

func (s *PostgresStore) ListAlerts(ctx context.Context) ([]core.Alert, error) {
	var out []core.Alert
	err := s.listDocs(ctx, "cortex_alerts", func(raw []byte) error {
		var a core.Alert
		if err := json.Unmarshal(raw, &a); err != nil {
			return err
		}
		out = append(out, a)
		return nil
	})
	return out, err
}

func (s *PostgresStore) DeleteAlert(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cortex_alerts WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SaveTemplate(ctx context.Context, t outreach.Template) error {
	return s.upsertDoc(ctx, "cortex_templates", t.ID, t)
}

func (s *PostgresStore) ListTemplates(ctx context.Context) ([]outreach.Template, error) {
	var out []outreach.Template
	err := s.listDocs(ctx, "cortex_templates", func(raw []byte) error {
		var t outreach.Template
		if err := json.Unmarshal(raw, &t); err != nil {
			return err
		}
		out = append(out, t)
		return nil
	})
	return out, err
}

func (s *PostgresStore) SaveResponseStats(ctx context.Context, stats map[string][2]int64) error {
	for id, pair := range stats {
		_, err := s.db.ExecContext(ctx, `INSERT INTO cortex_response_stats (template_id, sent, responded, updated_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (template_id) DO UPDATE SET sent = EXCLUDED.sent, responded = EXCLUDED.responded, updated_at = now()`,
			id, pair[0], pair[1])
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) LoadResponseStats(ctx context.Context) (map[string][2]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT template_id, sent, responded FROM cortex_response_stats`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string][2]int64)
	for rows.Next() {
		var id string
		var sent, responded int64
		if err := rows.Scan(&id, &sent, &responded); err != nil {
			return nil, err
		}
		out[id] = [2]int64{sent, responded}
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error { return s.db.Close() }
