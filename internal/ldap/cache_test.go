package ldap

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupCache(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cache := NewGroupCache(rdb, time.Minute)
	const dn = "CN=hpotter,OU=People,DC=hogwarts,DC=edu"

	_, ok, err := cache.GetMemberships(ctx, "hogwarts", dn)
	require.NoError(t, err)
	assert.False(t, ok)

	groups := []string{"cn=gryffindor,ou=groups,dc=hogwarts,dc=edu"}
	require.NoError(t, cache.SetMemberships(ctx, "hogwarts", dn, groups))

	got, ok, err := cache.GetMemberships(ctx, "hogwarts", "cn=hpotter,ou=people,dc=hogwarts,dc=edu")
	require.NoError(t, err)
	assert.True(t, ok, "keys ignore DN case")
	assert.Equal(t, groups, got)

	_, ok, err = cache.GetMemberships(ctx, "durmstrang", dn)
	require.NoError(t, err)
	assert.False(t, ok, "keys are per server")

	require.NoError(t, cache.SetMemberships(ctx, "durmstrang", dn, nil))
	got, ok, err = cache.GetMemberships(ctx, "durmstrang", dn)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, got)

	mr.FastForward(2 * time.Minute)
	_, ok, err = cache.GetMemberships(ctx, "hogwarts", dn)
	require.NoError(t, err)
	assert.False(t, ok, "entries expire")

	require.NoError(t, cache.SetMemberships(ctx, "hogwarts", dn, groups))
	require.NoError(t, cache.Invalidate(ctx, "hogwarts", dn))
	_, ok, err = cache.GetMemberships(ctx, "hogwarts", dn)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.Set(groupCacheKey("hogwarts", dn), "not json")
	_, _, err = cache.GetMemberships(ctx, "hogwarts", dn)
	assert.Error(t, err)
}

func TestGroupCacheNil(t *testing.T) {
	var cache *GroupCache
	_, ok, err := cache.GetMemberships(context.Background(), "s", "dn")
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, cache.SetMemberships(context.Background(), "s", "dn", nil))
	assert.Equal(t, 5*time.Minute, NewGroupCache(nil, 0).ttl)
}
