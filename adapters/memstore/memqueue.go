package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/atlasadvisory/masterflow"
)

var _ masterflow.RetryQueue = (*Queue)(nil)

// Queue is the in-memory RetryQueue: a per-tenant ready FIFO plus a retryAt-ordered backoff set,
// mirroring the shape of the Redis-backed queue.
type Queue struct {
	mu sync.Mutex

	clock clock.Clock

	ready    map[string][]string
	backoff  map[string][]backoffEntry
	payloads map[string][]byte
	scopes   map[string]masterflow.TenantScope
}

type backoffEntry struct {
	failureID string
	retryAt   time.Time
}

func NewQueue(opts ...Option) *Queue {
	opt := options{
		clock: clock.RealClock{},
	}

	for _, o := range opts {
		o(&opt)
	}

	return &Queue{
		clock:    opt.clock,
		ready:    make(map[string][]string),
		backoff:  make(map[string][]backoffEntry),
		payloads: make(map[string][]byte),
		scopes:   make(map[string]masterflow.TenantScope),
	}
}

func (q *Queue) Enqueue(ctx context.Context, scope masterflow.TenantScope, failureID string, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	part := scope.Partition()
	q.scopes[part] = scope

	if q.queued(part, failureID) {
		// Already queued or scheduled, rebuilds may re-enqueue.
		return nil
	}

	q.ready[part] = append(q.ready[part], failureID)
	q.payloads[failureID] = payload
	return nil
}

func (q *Queue) ScheduleRetry(ctx context.Context, scope masterflow.TenantScope, failureID string, retryAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	part := scope.Partition()
	q.scopes[part] = scope

	entries := q.backoff[part]
	for i := range entries {
		if entries[i].failureID == failureID {
			entries[i].retryAt = retryAt
			return nil
		}
	}

	q.backoff[part] = append(entries, backoffEntry{failureID: failureID, retryAt: retryAt})
	return nil
}

func (q *Queue) PopReady(ctx context.Context, scope masterflow.TenantScope) (string, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	part := scope.Partition()
	fifo := q.ready[part]
	if len(fifo) == 0 {
		return "", false, nil
	}

	failureID := fifo[0]
	q.ready[part] = fifo[1:]
	return failureID, true, nil
}

func (q *Queue) MoveDue(ctx context.Context, scope masterflow.TenantScope, now time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	part := scope.Partition()
	entries := q.backoff[part]
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].retryAt.Before(entries[j].retryAt)
	})

	var (
		moved   int
		waiting []backoffEntry
	)
	for _, entry := range entries {
		if entry.retryAt.After(now) {
			waiting = append(waiting, entry)
			continue
		}

		q.ready[part] = append(q.ready[part], entry.failureID)
		moved++
	}

	q.backoff[part] = waiting
	return moved, nil
}

func (q *Queue) Remove(ctx context.Context, scope masterflow.TenantScope, failureID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	part := scope.Partition()

	var fifo []string
	for _, id := range q.ready[part] {
		if id == failureID {
			continue
		}
		fifo = append(fifo, id)
	}
	q.ready[part] = fifo

	var waiting []backoffEntry
	for _, entry := range q.backoff[part] {
		if entry.failureID == failureID {
			continue
		}
		waiting = append(waiting, entry)
	}
	q.backoff[part] = waiting

	delete(q.payloads, failureID)
	return nil
}

func (q *Queue) Partitions(ctx context.Context) ([]masterflow.TenantScope, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var parts []string
	for part := range q.scopes {
		if len(q.ready[part]) == 0 && len(q.backoff[part]) == 0 {
			continue
		}

		parts = append(parts, part)
	}
	sort.Strings(parts)

	scopes := make([]masterflow.TenantScope, 0, len(parts))
	for _, part := range parts {
		scopes = append(scopes, q.scopes[part])
	}

	return scopes, nil
}

// Payload returns the mirrored payload for a failure ID, for tests.
func (q *Queue) Payload(failureID string) ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	payload, ok := q.payloads[failureID]
	return payload, ok
}

// Wipe drops all queue state, simulating fast queue data loss ahead of a rebuild.
func (q *Queue) Wipe() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.ready = make(map[string][]string)
	q.backoff = make(map[string][]backoffEntry)
	q.payloads = make(map[string][]byte)
}

func (q *Queue) queued(part, failureID string) bool {
	for _, id := range q.ready[part] {
		if id == failureID {
			return true
		}
	}

	for _, entry := range q.backoff[part] {
		if entry.failureID == failureID {
			return true
		}
	}

	return false
}
