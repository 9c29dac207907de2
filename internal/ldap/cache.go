package ldap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const groupCachePrefix = "ldapauth:groups:"

// GroupCache keeps computed group memberships in Redis.
type GroupCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewGroupCache creates a cache backed by rdb. A zero ttl defaults to five
// minutes.
func NewGroupCache(rdb *redis.Client, ttl time.Duration) *GroupCache {
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	return &GroupCache{rdb: rdb, ttl: ttl}
}

func groupCacheKey(serverID, dn string) string {
	return groupCachePrefix + serverID + ":" + strings.ToLower(dn)
}

// GetMemberships returns cached groups for dn. The boolean is false on a
// miss.
func (c *GroupCache) GetMemberships(ctx context.Context, serverID, dn string) ([]string, bool, error) {
	if c == nil || c.rdb == nil {
		return nil, false, nil
	}

	data, err := c.rdb.Get(ctx, groupCacheKey(serverID, dn)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}

	var groups []string
	if err := json.Unmarshal([]byte(data), &groups); err != nil {
		return nil, false, fmt.Errorf("unmarshal groups: %w", err)
	}
	return groups, true, nil
}

// SetMemberships caches groups for dn.
func (c *GroupCache) SetMemberships(ctx context.Context, serverID, dn string, groups []string) error {
	if c == nil || c.rdb == nil {
		return nil
	}

	if groups == nil {
		groups = []string{}
	}
	data, err := json.Marshal(groups)
	if err != nil {
		return fmt.Errorf("marshal groups: %w", err)
	}
	if err := c.rdb.Set(ctx, groupCacheKey(serverID, dn), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Invalidate drops cached groups for dn.
func (c *GroupCache) Invalidate(ctx context.Context, serverID, dn string) error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Del(ctx, groupCacheKey(serverID, dn)).Err()
}
