package storage

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	mr.RequireAuth("hunter2")

	rdb, err := NewRedis(context.Background(), mr.Addr(), "hunter2")
	require.NoError(t, err)
	defer rdb.Close()
	assert.NoError(t, rdb.Set(context.Background(), "k", "v", 0).Err())

	_, err = NewRedis(context.Background(), mr.Addr(), "wrong")
	assert.Error(t, err)
}
