package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"memechat/internal/models"
)

// Cache holds derived alert snapshots per user. Entries are only ever
// corrections of the store-derived value; losing one costs a recompute.
type Cache interface {
	Get(ctx context.Context, userID string) (*models.Alerts, bool, error)
	Set(ctx context.Context, alerts *models.Alerts) error
	Delete(ctx context.Context, userID string) error
}

// RedisCache shares alert snapshots between server processes.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache connects to redisURL and verifies the connection.
func NewRedisCache(ctx context.Context, redisURL string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisCache{client: client, ttl: ttl}, nil
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// alertsKey returns the key holding a user's alert snapshot.
func alertsKey(userID string) string {
	return "alerts:" + userID
}

func (c *RedisCache) Get(ctx context.Context, userID string) (*models.Alerts, bool, error) {
	data, err := c.client.Get(ctx, alertsKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var alerts models.Alerts
	if err := json.Unmarshal(data, &alerts); err != nil {
		return nil, false, err
	}
	return &alerts, true, nil
}

func (c *RedisCache) Set(ctx context.Context, alerts *models.Alerts) error {
	data, err := json.Marshal(alerts)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, alertsKey(alerts.UserID), data, c.ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, userID string) error {
	return c.client.Del(ctx, alertsKey(userID)).Err()
}

// MemoryCache is the single-process fallback when no Redis is configured.
type MemoryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memoryEntry
}

type memoryEntry struct {
	alerts  models.Alerts
	expires time.Time
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{ttl: ttl, entries: make(map[string]memoryEntry)}
}

func (c *MemoryCache) Get(_ context.Context, userID string) (*models.Alerts, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[userID]
	if !ok || time.Now().After(e.expires) {
		delete(c.entries, userID)
		return nil, false, nil
	}
	return cloneAlerts(&e.alerts), true, nil
}

func (c *MemoryCache) Set(_ context.Context, alerts *models.Alerts) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[alerts.UserID] = memoryEntry{alerts: *cloneAlerts(alerts), expires: time.Now().Add(c.ttl)}
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
	return nil
}

func cloneAlerts(a *models.Alerts) *models.Alerts {
	c := *a
	c.UnreadByRoom = make(map[string]int, len(a.UnreadByRoom))
	for k, v := range a.UnreadByRoom {
		c.UnreadByRoom[k] = v
	}
	return &c
}
