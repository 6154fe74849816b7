// Package redisqueue is the Redis implementation of the orchestrator's RetryQueue.
//
// Keys per tenant partition:
//
//	masterflow:queue:{tenant}   list  - FIFO of failure IDs ready for retry
//	masterflow:retry:{tenant}   zset  - failure IDs scored by retry-at unix time
//	masterflow:payload:{id}     string - mirrored failure event payload, 7 day TTL
//	masterflow:tenants          set   - tenant partitions with queued or scheduled work
//
// The queue is a performance layer only: all data here can be rebuilt from the failure journal.
package redisqueue

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atlasadvisory/masterflow"
)

const (
	queueKeyPrefix   = "masterflow:queue:"
	retryKeyPrefix   = "masterflow:retry:"
	payloadKeyPrefix = "masterflow:payload:"
	tenantsKey       = "masterflow:tenants"

	payloadTTL = 7 * 24 * time.Hour
)

type Queue struct {
	client redis.UniversalClient
}

func New(client redis.UniversalClient) *Queue {
	return &Queue{client: client}
}

var _ masterflow.RetryQueue = (*Queue)(nil)

// Lua scripts for atomic operations
var (
	// moveDueScript moves zset members due at or before now onto the ready FIFO in score order.
	moveDueScript = redis.NewScript(`
		local retry_key = KEYS[1]
		local queue_key = KEYS[2]
		local now = ARGV[1]

		local due = redis.call('ZRANGEBYSCORE', retry_key, '-inf', now)
		for i, failure_id in ipairs(due) do
			redis.call('RPUSH', queue_key, failure_id)
			redis.call('ZREM', retry_key, failure_id)
		end

		return #due
	`)

	// removeScript drops a failure ID from the FIFO, the backoff set and its payload mirror.
	removeScript = redis.NewScript(`
		local queue_key = KEYS[1]
		local retry_key = KEYS[2]
		local payload_key = KEYS[3]
		local failure_id = ARGV[1]

		redis.call('LREM', queue_key, 0, failure_id)
		redis.call('ZREM', retry_key, failure_id)
		redis.call('DEL', payload_key)

		return 'OK'
	`)
)

func (q *Queue) Enqueue(ctx context.Context, scope masterflow.TenantScope, failureID string, payload []byte) error {
	part := scope.Partition()

	pipe := q.client.TxPipeline()
	pipe.RPush(ctx, queueKeyPrefix+part, failureID)
	pipe.Set(ctx, payloadKeyPrefix+failureID, payload, payloadTTL)
	pipe.SAdd(ctx, tenantsKey, part)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *Queue) ScheduleRetry(ctx context.Context, scope masterflow.TenantScope, failureID string, retryAt time.Time) error {
	part := scope.Partition()

	pipe := q.client.TxPipeline()
	pipe.ZAdd(ctx, retryKeyPrefix+part, redis.Z{
		Score:  float64(retryAt.Unix()),
		Member: failureID,
	})
	pipe.SAdd(ctx, tenantsKey, part)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *Queue) PopReady(ctx context.Context, scope masterflow.TenantScope) (string, bool, error) {
	failureID, err := q.client.LPop(ctx, queueKeyPrefix+scope.Partition()).Result()
	if err == redis.Nil {
		return "", false, nil
	} else if err != nil {
		return "", false, err
	}

	return failureID, true, nil
}

func (q *Queue) MoveDue(ctx context.Context, scope masterflow.TenantScope, now time.Time) (int, error) {
	part := scope.Partition()
	score := strconv.FormatInt(now.Unix(), 10)

	moved, err := moveDueScript.Run(ctx, q.client,
		[]string{retryKeyPrefix + part, queueKeyPrefix + part},
		score).Int()
	if err != nil {
		return 0, err
	}

	return moved, nil
}

func (q *Queue) Remove(ctx context.Context, scope masterflow.TenantScope, failureID string) error {
	part := scope.Partition()

	return removeScript.Run(ctx, q.client,
		[]string{queueKeyPrefix + part, retryKeyPrefix + part, payloadKeyPrefix + failureID},
		failureID).Err()
}

func (q *Queue) Partitions(ctx context.Context) ([]masterflow.TenantScope, error) {
	parts, err := q.client.SMembers(ctx, tenantsKey).Result()
	if err != nil {
		return nil, err
	}

	var scopes []masterflow.TenantScope
	for _, part := range parts {
		clientID, engagementID, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}

		scopes = append(scopes, masterflow.TenantScope{
			ClientAccountID: clientID,
			EngagementID:    engagementID,
		})
	}

	return scopes, nil
}

// Payload returns the mirrored payload for a failure ID. ok is false when the mirror expired;
// callers fall back to the journal row.
func (q *Queue) Payload(ctx context.Context, failureID string) ([]byte, bool, error) {
	payload, err := q.client.Get(ctx, payloadKeyPrefix+failureID).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}

	return payload, true, nil
}
