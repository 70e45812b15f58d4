package main

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-audit/audit/internal/logid"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/nodeid"
)

func TestPickNode(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	store := nodeid.NewRedisStore(client, "telhawk", time.Minute)

	node, lease, err := pickNode(ctx, 17, store, "host-1", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(17), node)
	assert.Nil(t, lease)

	node, lease, err = pickNode(ctx, -1, nil, "host-1", nil)
	require.NoError(t, err)
	assert.Equal(t, logid.DefaultNode(), node)
	assert.Nil(t, lease)

	// two processes on one shared backend get different nodes
	first, lease1, err := pickNode(ctx, -1, store, "host-1", nil)
	require.NoError(t, err)
	require.NotNil(t, lease1)
	second, lease2, err := pickNode(ctx, -1, store, "host-2", nil)
	require.NoError(t, err)
	require.NotNil(t, lease2)
	assert.NotEqual(t, first, second)
	assert.True(t, mr.Exists(store.Key(first)))

	require.NoError(t, lease1.Close())
	assert.False(t, mr.Exists(store.Key(first)))
	require.NoError(t, lease2.Close())
}
