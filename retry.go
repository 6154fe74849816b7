package masterflow

import (
	"context"
	"strconv"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/atlasadvisory/masterflow/internal/backoff"
	"github.com/atlasadvisory/masterflow/internal/metrics"
)

// RetryHandler replays the original operation recorded by a failure event. Handlers are looked
// up by the event's Source. Returning nil resolves the failure; returning ErrAbandonRetry
// abandons it without further attempts; any other error schedules the next backoff.
type RetryHandler func(ctx context.Context, event *FailureEvent) error

// ErrAbandonRetry tells the retry worker to mark the failure abandoned instead of retrying.
var ErrAbandonRetry = errors.New("retry abandoned", j.C("ERR_3da8f214c60b97e5"))

// processRetriesForever is the background retry worker loop. Per tenant partition it first
// moves due backoff entries back onto the ready FIFO, then drains the FIFO: each ready failure
// is replayed via the handler registered for its source. Ordering is FIFO within a tenant
// partition only; partitions are intentionally independent for isolation.
func (o *Orchestrator) processRetriesForever(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		partitions, err := o.queue.Partitions(ctx)
		if err != nil {
			return err
		}

		var worked bool
		for _, scope := range partitions {
			n, err := o.processPartition(ctx, scope)
			if err != nil {
				return err
			}

			if n > 0 {
				worked = true
			}
		}

		if worked {
			continue
		}

		timer := o.clock.NewTimer(o.retryPollFrequency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C():
		}
	}
}

func (o *Orchestrator) processPartition(ctx context.Context, scope TenantScope) (int, error) {
	_, err := o.queue.MoveDue(ctx, scope, o.clock.Now())
	if err != nil {
		return 0, err
	}

	var processed int
	for {
		failureID, ok, err := o.queue.PopReady(ctx, scope)
		if err != nil {
			return processed, err
		}
		if !ok {
			return processed, nil
		}

		err = o.attemptRetry(ctx, scope, failureID)
		if err != nil {
			return processed, err
		}

		processed++
	}
}

// attemptRetry replays one journaled failure. The journal row is re-read first: the relational
// store is the source of truth and the queue entry may be stale or duplicated after a rebuild.
func (o *Orchestrator) attemptRetry(ctx context.Context, scope TenantScope, failureID string) error {
	event, err := o.store.LookupFailure(ctx, failureID)
	if errors.Is(err, ErrFailureNotFound) {
		// Queue entry with no journal row; nothing to replay.
		return o.queue.Remove(ctx, scope, failureID)
	} else if err != nil {
		return err
	}

	if event.Status.Terminal() {
		return o.queue.Remove(ctx, scope, failureID)
	}

	handler, ok := o.retryHandlers[event.Source]
	if !ok {
		o.logger.Debug(ctx, "no retry handler for source, abandoning", MKV{
			"failure_id": failureID,
			"source":     event.Source,
		})
		return o.finishRetry(ctx, event, FailureAbandoned)
	}

	replayErr := handler(ctx, event)
	if replayErr == nil {
		metrics.RetriesAttempted.WithLabelValues(event.Source, "resolved").Inc()
		return o.finishRetry(ctx, event, FailureResolved)
	}

	if errors.Is(replayErr, ErrAbandonRetry) {
		metrics.RetriesAttempted.WithLabelValues(event.Source, "abandoned").Inc()
		return o.finishRetry(ctx, event, FailureAbandoned)
	}

	metrics.RetriesAttempted.WithLabelValues(event.Source, "failed").Inc()

	if o.maxRetries > 0 && event.RetryCount+1 >= o.maxRetries {
		o.logger.Debug(ctx, "retries exhausted, abandoning", MKV{
			"failure_id":  failureID,
			"source":      event.Source,
			"retry_count": strconv.Itoa(event.RetryCount),
		})
		return o.finishRetry(ctx, event, FailureAbandoned)
	}

	delay := backoff.Delay(event.RetryCount, o.retryBase, o.retryCap, o.retryJitter)
	event.RetryCount++
	event.Status = FailureRetrying
	event.UpdatedAt = o.clock.Now()

	err = o.store.UpdateFailure(ctx, event)
	if err != nil {
		return err
	}

	return o.queue.ScheduleRetry(ctx, scope, failureID, o.clock.Now().Add(delay))
}

func (o *Orchestrator) finishRetry(ctx context.Context, event *FailureEvent, status FailureStatus) error {
	event.Status = status
	event.UpdatedAt = o.clock.Now()

	err := o.store.UpdateFailure(ctx, event)
	if err != nil {
		return err
	}

	return o.queue.Remove(ctx, event.TenantScope, event.FailureID)
}
