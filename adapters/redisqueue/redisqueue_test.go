package redisqueue_test

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	rediscontainer "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/atlasadvisory/masterflow"
	"github.com/atlasadvisory/masterflow/adapters/redisqueue"
)

var testScope = masterflow.TenantScope{
	ClientAccountID: "acme",
	EngagementID:    "eng-2026",
}

func setupQueue(t *testing.T) *redisqueue.Queue {
	t.Helper()
	ctx := context.Background()

	container, err := rediscontainer.Run(ctx, "redis:7-alpine")
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{
		Addr: host + ":" + port.Port(),
	})
	t.Cleanup(func() { client.Close() })

	return redisqueue.New(client)
}

func TestRedisQueue(t *testing.T) {
	queue := setupQueue(t)
	ctx := context.Background()

	t.Run("enqueue pop fifo", func(t *testing.T) {
		require.NoError(t, queue.Enqueue(ctx, testScope, "a", []byte("payload-a")))
		require.NoError(t, queue.Enqueue(ctx, testScope, "b", []byte("payload-b")))

		payload, ok, err := queue.Payload(ctx, "a")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte("payload-a"), payload)

		id, ok, err := queue.PopReady(ctx, testScope)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "a", id)

		id, ok, err = queue.PopReady(ctx, testScope)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "b", id)

		_, ok, err = queue.PopReady(ctx, testScope)
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("schedule and move due", func(t *testing.T) {
		now := time.Now()
		require.NoError(t, queue.ScheduleRetry(ctx, testScope, "due", now.Add(-time.Minute)))
		require.NoError(t, queue.ScheduleRetry(ctx, testScope, "later", now.Add(time.Hour)))

		moved, err := queue.MoveDue(ctx, testScope, now)
		require.NoError(t, err)
		require.Equal(t, 1, moved)

		id, ok, err := queue.PopReady(ctx, testScope)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "due", id)

		// The future entry stays in the backoff set.
		_, ok, err = queue.PopReady(ctx, testScope)
		require.NoError(t, err)
		require.False(t, ok)

		moved, err = queue.MoveDue(ctx, testScope, now.Add(2*time.Hour))
		require.NoError(t, err)
		require.Equal(t, 1, moved)

		id, ok, err = queue.PopReady(ctx, testScope)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "later", id)
	})

	t.Run("remove", func(t *testing.T) {
		require.NoError(t, queue.Enqueue(ctx, testScope, "gone", []byte("payload")))
		require.NoError(t, queue.Remove(ctx, testScope, "gone"))

		_, ok, err := queue.PopReady(ctx, testScope)
		require.NoError(t, err)
		require.False(t, ok)

		_, ok, err = queue.Payload(ctx, "gone")
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("partitions", func(t *testing.T) {
		other := masterflow.TenantScope{ClientAccountID: "globex", EngagementID: "eng-9"}
		require.NoError(t, queue.Enqueue(ctx, other, "x", []byte("payload")))

		partitions, err := queue.Partitions(ctx)
		require.NoError(t, err)
		require.Contains(t, partitions, testScope)
		require.Contains(t, partitions, other)
	})
}
