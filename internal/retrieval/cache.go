package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Cache stores fused result lists in Redis keyed by query and
// configuration. Every cache failure is logged and tolerated: a dead
// cache degrades to recomputation, never to an error.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	logger *logrus.Logger
}

// NewCache creates a fusion result cache.
func NewCache(client *redis.Client, ttl time.Duration, logger *logrus.Logger) *Cache {
	if logger == nil {
		logger = logrus.New()
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Cache{client: client, ttl: ttl, logger: logger}
}

// key hashes the query together with every option that changes the
// output, so distinct configurations never collide.
func (c *Cache) key(query string, cfg FuseConfig) string {
	payload, _ := json.Marshal(struct {
		Query string     `json:"query"`
		Cfg   FuseConfig `json:"cfg"`
	}{Query: query, Cfg: cfg})

	sum := sha256.Sum256(payload)
	return fmt.Sprintf("symposium:fusion:%s", hex.EncodeToString(sum[:16]))
}

// Get returns a cached result list, or false on miss or cache error.
func (c *Cache) Get(ctx context.Context, query string, cfg FuseConfig) ([]*FusedResult, bool) {
	data, err := c.client.Get(ctx, c.key(query, cfg)).Result()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		c.logger.WithError(err).Debug("Fusion cache read failed")
		return nil, false
	}

	var results []*FusedResult
	if err := json.Unmarshal([]byte(data), &results); err != nil {
		c.logger.WithError(err).Warn("Fusion cache entry corrupt, ignoring")
		return nil, false
	}
	return results, true
}

// Set stores a result list best-effort.
func (c *Cache) Set(ctx context.Context, query string, cfg FuseConfig, results []*FusedResult) {
	data, err := json.Marshal(results)
	if err != nil {
		c.logger.WithError(err).Warn("Failed to encode fusion results for cache")
		return
	}
	if err := c.client.Set(ctx, c.key(query, cfg), data, c.ttl).Err(); err != nil {
		c.logger.WithError(err).Debug("Fusion cache write failed")
	}
}
