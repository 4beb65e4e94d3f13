package storage

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"github.com/fabrica-bayarea/Sprint-Tracker-sub000/domain"
)

type snapshotter interface {
	Snapshot(ctx context.Context, boardID string) (domain.BoardSnapshot, error)
}

// Cache wraps the board snapshot read with Redis-backed caching. Mutation
// paths call Evict for the touched board; everything else passes through to
// the base storage.
type Cache struct {
	base  snapshotter
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching snapshot reader using the provided Redis client
// and TTL.
func NewCache(base snapshotter, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

// Snapshot returns the cached board snapshot when present, falling back to
// the base storage and repopulating the cache.
func (c *Cache) Snapshot(ctx context.Context, boardID string) (domain.BoardSnapshot, error) {
	if snap, ok := c.loadFromCache(ctx, boardID); ok {
		return snap, nil
	}

	snap, err := c.base.Snapshot(ctx, boardID)
	if err != nil {
		return domain.BoardSnapshot{}, err
	}

	c.store(ctx, boardID, snap)
	return snap, nil
}

// Evict drops the cached snapshot for a board. Called after every mutation of
// that board so readers never see a stale ordering for longer than one fetch.
func (c *Cache) Evict(ctx context.Context, boardID string) {
	if c.redis == nil {
		return
	}
	_ = c.redis.Del(ctx, snapshotCacheKey(boardID)).Err()
}

func (c *Cache) loadFromCache(ctx context.Context, boardID string) (domain.BoardSnapshot, bool) {
	if c.redis == nil {
		return domain.BoardSnapshot{}, false
	}
	data, err := c.redis.Get(ctx, snapshotCacheKey(boardID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, snapshotCacheKey(boardID)).Err()
		}
		return domain.BoardSnapshot{}, false
	}
	var snap domain.BoardSnapshot
	if err := sonic.ConfigStd.Unmarshal(data, &snap); err != nil {
		_ = c.redis.Del(ctx, snapshotCacheKey(boardID)).Err()
		return domain.BoardSnapshot{}, false
	}
	return snap, true
}

func (c *Cache) store(ctx context.Context, boardID string, snap domain.BoardSnapshot) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := sonic.ConfigStd.Marshal(snap)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, snapshotCacheKey(boardID), data, c.ttl).Err()
}

func snapshotCacheKey(boardID string) string {
	return "board:" + boardID
}
