package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/visioncortex/backend/internal/core"
	"github.com/visioncortex/backend/internal/outreach"
)

// RedisClient is the slice of Redis the store needs. Implemented by
// infra.RedisAdapter.
type RedisClient interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, keys ...string) error
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
}

const redisKeyPrefix = "cortex:store:"

// RedisStore persists collections as JSON documents with a membership
// set per collection.
type RedisStore struct {
	client RedisClient
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client RedisClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) docKey(collection, id string) string {
	return redisKeyPrefix + collection + ":" + id
}

func (s *RedisStore) setKey(collection string) string {
	return redisKeyPrefix + collection
}

func (s *RedisStore) save(ctx context.Context, collection, id string, doc interface{}) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", collection, id, err)
	}
	if err := s.client.Set(ctx, s.docKey(collection, id), raw, 0); err != nil {
		return err
	}
	return s.client.SAdd(ctx, s.setKey(collection), id)
}

func (s *RedisStore) load(ctx context.Context, collection, id string, out interface{}) error {
	raw, err := s.client.Get(ctx, s.docKey(collection, id))
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return ErrNotFound
		}
		return err
	}
	return json.Unmarshal(raw, out)
}

func (s *RedisStore) SaveEntity(ctx context.Context, e core.Entity) error {
	return s.save(ctx, "entities", e.ID, e)
}

func (s *RedisStore) GetEntity(ctx context.Context, id string) (*core.Entity, error) {
	var e core.Entity
	if err := s.load(ctx, "entities", id, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *RedisStore) ListEntities(ctx context.Context) ([]core.Entity, error) {
	ids, err := s.client.SMembers(ctx, s.setKey("entities"))
	if err != nil {
		return nil, err
	}
	out := make([]core.Entity, 0, len(ids))
	for _, id := range ids {
		var e core.Entity
		if err := s.load(ctx, "entities", id, &e); err != nil {
			if err == ErrNotFound {
				continue
			}
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *RedisStore) SaveAlert(ctx context.Context, a core.Alert) error {
	return s.save(ctx, "alerts", a.ID, a)
}

func (s *RedisStore) ListAlerts(ctx context.Context) ([]core.Alert, error) {
	ids, err := s.client.SMembers(ctx, s.setKey("alerts"))
	if err != nil {
		return nil, err
	}
	out := make([]core.Alert, 0, len(ids))
	for _, id := range ids {
		var a core.Alert
		if err := s.load(ctx, "alerts", id, &a); err != nil {
			if err == ErrNotFound {
				continue
			}
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *RedisStore) DeleteAlert(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.docKey("alerts", id)); err != nil {
		return err
	}
	return s.client.SRem(ctx, s.setKey("alerts"), id)
}

func (s *RedisStore) SaveTemplate(ctx context.Context, t outreach.Template) error {
	return s.save(ctx, "templates", t.ID, t)
}

func (s *RedisStore) ListTemplates(ctx context.Context) ([]outreach.Template, error) {
	ids, err := s.client.SMembers(ctx, s.setKey("templates"))
	if err != nil {
		return nil, err
	}
	out := make([]outreach.Template, 0, len(ids))
	for _, id := range ids {
		var t outreach.Template
		if err := s.load(ctx, "templates", id, &t); err != nil {
			if err == ErrNotFound {
				continue
			}
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *RedisStore) SaveResponseStats(ctx context.Context, stats map[string][2]int64) error {
	raw, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, redisKeyPrefix+"response_stats", raw, 0)
}

func (s *RedisStore) LoadResponseStats(ctx context.Context) (map[string][2]int64, error) {
	raw, err := s.client.Get(ctx, redisKeyPrefix+"response_stats")
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return map[string][2]int64{}, nil
		}
		return nil, err
	}
	out := make(map[string][2]int64)
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *RedisStore) Close() error { return nil }
