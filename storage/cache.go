package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"taskwise-api/domain"
)

type backend interface {
	FetchTasks(ctx context.Context, userID string) ([]domain.Task, error)
	FetchPreferences(ctx context.Context, userID string) (domain.Preferences, error)
	SavePreferences(ctx context.Context, userID string, p domain.Preferences) error
}

// Cache wraps a Storage with Redis-backed caching of read operations. The
// cached task list doubles as the snapshot the mutation layer manipulates
// for optimistic updates, so Cache also exposes explicit snapshot
// operations. It is constructed and torn down by the caller; there is no
// package-level instance.
type Cache struct {
	base  backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

// FetchTasks serves the cached snapshot when present and falls back to the
// backing store, repopulating the cache.
func (c *Cache) FetchTasks(ctx context.Context, userID string) ([]domain.Task, error) {
	if tasks, ok := c.SnapshotTasks(ctx, userID); ok {
		return tasks, nil
	}

	tasks, err := c.base.FetchTasks(ctx, userID)
	if err != nil {
		return nil, err
	}

	c.StoreTasks(ctx, userID, tasks)
	return tasks, nil
}

// FetchPreferences serves cached preferences when present.
func (c *Cache) FetchPreferences(ctx context.Context, userID string) (domain.Preferences, error) {
	if prefs, ok := c.loadPreferencesFromCache(ctx, userID); ok {
		return prefs, nil
	}

	prefs, err := c.base.FetchPreferences(ctx, userID)
	if err != nil {
		return domain.Preferences{}, err
	}

	c.storePreferences(ctx, userID, prefs)
	return prefs, nil
}

// SavePreferences writes through to the store and refreshes the cached copy.
func (c *Cache) SavePreferences(ctx context.Context, userID string, p domain.Preferences) error {
	if err := c.base.SavePreferences(ctx, userID, p); err != nil {
		return err
	}
	c.storePreferences(ctx, userID, p)
	return nil
}

// SnapshotTasks reads the currently cached task snapshot without touching
// the backing store. The second return value reports whether a snapshot
// existed. Corrupt entries are dropped and reported as absent.
func (c *Cache) SnapshotTasks(ctx context.Context, userID string) ([]domain.Task, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, tasksCacheKey(userID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors drop the entry and fall back to the backing
			// store without failing.
			_ = c.redis.Del(ctx, tasksCacheKey(userID)).Err()
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		_ = c.redis.Del(ctx, tasksCacheKey(userID)).Err()
		return nil, false
	}
	return tasks, true
}

// StoreTasks replaces the cached snapshot wholesale.
func (c *Cache) StoreTasks(ctx context.Context, userID string, tasks []domain.Task) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(tasks)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, tasksCacheKey(userID), data, c.ttl).Err()
}

// Invalidate evicts the user's cached snapshot and preferences so the next
// read becomes authoritative.
func (c *Cache) Invalidate(ctx context.Context, userID string) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.Del(ctx, tasksCacheKey(userID), prefsCacheKey(userID)).Result()
}

func (c *Cache) loadPreferencesFromCache(ctx context.Context, userID string) (domain.Preferences, bool) {
	if c.redis == nil {
		return domain.Preferences{}, false
	}
	data, err := c.redis.Get(ctx, prefsCacheKey(userID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			_ = c.redis.Del(ctx, prefsCacheKey(userID)).Err()
		}
		return domain.Preferences{}, false
	}
	var prefs domain.Preferences
	if err := json.Unmarshal(data, &prefs); err != nil {
		_ = c.redis.Del(ctx, prefsCacheKey(userID)).Err()
		return domain.Preferences{}, false
	}
	return prefs, true
}

func (c *Cache) storePreferences(ctx context.Context, userID string, prefs domain.Preferences) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(prefs)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, prefsCacheKey(userID), data, c.ttl).Err()
}

func tasksCacheKey(userID string) string {
	return "tasks:" + userID
}

func prefsCacheKey(userID string) string {
	return "prefs:" + userID
}
