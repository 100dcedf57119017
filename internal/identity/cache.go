package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"labfolio/api/internal/store"
)

// ProfileCache keeps resolved display profiles in Redis so repeated
// collaborator-list reads do not hammer the identity provider.
type ProfileCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewProfileCache(redisURL string, ttl time.Duration) (*ProfileCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &ProfileCache{client: client, prefix: "profile:", ttl: ttl}, nil
}

// NewProfileCacheWithClient creates a cache from an existing Redis client
func NewProfileCacheWithClient(client *redis.Client, ttl time.Duration) *ProfileCache {
	return &ProfileCache{client: client, prefix: "profile:", ttl: ttl}
}

func (c *ProfileCache) key(userID string) string {
	return c.prefix + userID
}

// Get returns the cached profile and whether it was present. A cache
// miss is not an error.
func (c *ProfileCache) Get(ctx context.Context, userID string) (store.Profile, bool, error) {
	jsonData, err := c.client.Get(ctx, c.key(userID)).Result()
	if err == redis.Nil {
		return store.Profile{}, false, nil
	}
	if err != nil {
		return store.Profile{}, false, fmt.Errorf("get cached profile: %w", err)
	}

	var profile store.Profile
	if err := json.Unmarshal([]byte(jsonData), &profile); err != nil {
		return store.Profile{}, false, fmt.Errorf("unmarshal cached profile: %w", err)
	}
	return profile, true, nil
}

func (c *ProfileCache) Set(ctx context.Context, profile store.Profile) error {
	jsonData, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}

	ttl := c.ttl
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if err := c.client.Set(ctx, c.key(profile.ID), jsonData, ttl).Err(); err != nil {
		return fmt.Errorf("cache profile: %w", err)
	}
	return nil
}

// Invalidate drops a cached profile after provider metadata changes.
func (c *ProfileCache) Invalidate(ctx context.Context, userID string) error {
	if err := c.client.Del(ctx, c.key(userID)).Err(); err != nil {
		return fmt.Errorf("invalidate cached profile: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (c *ProfileCache) Close() error {
	return c.client.Close()
}

// Ping checks if Redis is reachable
func (c *ProfileCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
