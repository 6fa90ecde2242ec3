package registry

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/austindbirch/harbor_dispatch/internal/delivery"
	"github.com/austindbirch/harbor_dispatch/internal/logging"
)

const keyPrefix = "dispatch:endpoint:"

// Cached is a read-through Redis cache in front of another Registry. Misses are not cached so
// a newly created endpoint is visible immediately. Cache errors fall through to the backend.
type Cached struct {
	next   Registry
	client *redis.Client
	ttl    time.Duration
	logger *logging.Logger
}

func NewCached(next Registry, client *redis.Client, ttl time.Duration, logger *logging.Logger) *Cached {
	if logger == nil {
		logger = logging.New("harbordispatch-registry")
	}
	return &Cached{next: next, client: client, ttl: ttl, logger: logger}
}

// Connect initializes a Redis client from URL or host:port input.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (c *Cached) Lookup(ctx context.Context, endpointID string) (delivery.Endpoint, error) {
	key := keyPrefix + endpointID

	data, err := c.client.HGetAll(ctx, key).Result()
	if err != nil {
		c.logger.WithContext(ctx).WithEndpoint(endpointID).WithError(err).Warn("Endpoint cache read failed")
	} else if ep, ok := decode(endpointID, data); ok {
		return ep, nil
	}

	ep, err := c.next.Lookup(ctx, endpointID)
	if err != nil {
		return delivery.Endpoint{}, err
	}

	_, err = c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, "url", ep.URL, "secret", ep.Secret, "active", strconv.FormatBool(ep.Active))
		p.Expire(ctx, key, c.ttl)
		return nil
	})
	if err != nil {
		c.logger.WithContext(ctx).WithEndpoint(endpointID).WithError(err).Warn("Endpoint cache write failed")
	}
	return ep, nil
}

// Invalidate drops a cached endpoint.
func (c *Cached) Invalidate(ctx context.Context, endpointID string) error {
	return c.client.Del(ctx, keyPrefix+endpointID).Err()
}

func decode(id string, data map[string]string) (delivery.Endpoint, bool) {
	url, ok := data["url"]
	if !ok {
		return delivery.Endpoint{}, false
	}
	active, err := strconv.ParseBool(data["active"])
	if err != nil {
		return delivery.Endpoint{}, false
	}
	return delivery.Endpoint{ID: id, URL: url, Secret: data["secret"], Active: active}, true
}
