package masterflow

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"k8s.io/utils/clock"

	"github.com/atlasadvisory/masterflow/internal/logger"
	"github.com/atlasadvisory/masterflow/internal/metrics"
)

const (
	defaultRetryBase          = time.Second
	defaultRetryCap           = 60 * time.Second
	defaultRetryJitter        = 0.1
	defaultMaxRetries         = 8
	defaultRetryPollFrequency = 500 * time.Millisecond
	defaultOutboxPollFreq     = 250 * time.Millisecond
	defaultErrBackOff         = time.Second
)

// Orchestrator drives flows from phase to phase: it enforces preconditions, invokes registered
// phase handlers, persists transitions atomically and exposes resume, retry and cancel
// operations. It holds no in-process flow state: every operation re-reads current state before
// acting, which keeps multi-instance deployments safe.
type Orchestrator struct {
	store    Store
	queue    RetryQueue
	registry *HandlerRegistry
	journal  *Journal
	resolver *ConflictResolver
	feed     TransitionFeed
	clock    clock.Clock
	logger   Logger

	retryHandlers map[string]RetryHandler

	retryBase           time.Duration
	retryCap            time.Duration
	retryJitter         float64
	maxRetries          int
	retryPollFrequency  time.Duration
	outboxPollFrequency time.Duration
	errBackOff          time.Duration
	sweepSchedule       cron.Schedule

	ctx       context.Context
	cancel    context.CancelFunc
	calledRun bool
	once      sync.Once
	// launching tracks goroutines initiated but not yet recorded in internalState so that Run
	// returns only once every process is visible in States.
	launching       sync.WaitGroup
	internalStateMu sync.Mutex
	internalState   map[string]State

	// background tracks in-flight async phase executions so Stop can wait for them.
	background sync.WaitGroup
}

type Builder struct {
	orchestrator *Orchestrator
}

func NewBuilder() *Builder {
	return &Builder{
		orchestrator: &Orchestrator{
			registry:            NewHandlerRegistry(),
			retryHandlers:       make(map[string]RetryHandler),
			clock:               clock.RealClock{},
			retryBase:           defaultRetryBase,
			retryCap:            defaultRetryCap,
			retryJitter:         defaultRetryJitter,
			maxRetries:          defaultMaxRetries,
			retryPollFrequency:  defaultRetryPollFrequency,
			outboxPollFrequency: defaultOutboxPollFreq,
			errBackOff:          defaultErrBackOff,
			internalState:       make(map[string]State),
		},
	}
}

// RegisterPhase binds a handler to a (flow type, phase) pair. Registration happens once at
// startup; ExecutePhase dispatches through the registry only.
func (b *Builder) RegisterPhase(ft FlowType, phase Phase, h PhaseHandler, opts ...RegisterOption) *Builder {
	b.orchestrator.registry.Register(ft, phase, h, opts...)
	return b
}

// RegisterRetryHandler binds a replay function to a failure source. New subsystems opt in to
// centralized retry without re-deriving backoff math.
func (b *Builder) RegisterRetryHandler(source string, h RetryHandler) *Builder {
	b.orchestrator.retryHandlers[source] = h
	return b
}

type BuildOption func(*Orchestrator)

func WithClock(clk clock.Clock) BuildOption {
	return func(o *Orchestrator) {
		o.clock = clk
	}
}

func WithLogger(l Logger) BuildOption {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// WithTransitionFeed enables publishing of transition outbox events.
func WithTransitionFeed(feed TransitionFeed) BuildOption {
	return func(o *Orchestrator) {
		o.feed = feed
	}
}

// WithRetryBackoff configures the capped exponential backoff used by the retry worker.
func WithRetryBackoff(base, cap time.Duration, jitter float64) BuildOption {
	return func(o *Orchestrator) {
		o.retryBase = base
		o.retryCap = cap
		o.retryJitter = jitter
	}
}

// WithMaxRetries caps automatic retries before a failure is abandoned.
func WithMaxRetries(n int) BuildOption {
	return func(o *Orchestrator) {
		o.maxRetries = n
	}
}

func WithRetryPollFrequency(d time.Duration) BuildOption {
	return func(o *Orchestrator) {
		o.retryPollFrequency = d
	}
}

// WithStuckSweepSchedule enables the stuck flow sweep on a cron spec, e.g. "@every 1m".
func WithStuckSweepSchedule(spec string) BuildOption {
	return func(o *Orchestrator) {
		schedule, err := cron.ParseStandard(spec)
		if err != nil {
			panic("invalid stuck sweep schedule: " + err.Error())
		}
		o.sweepSchedule = schedule
	}
}

// Build wires the orchestrator against its durable store and fast retry queue. The store is the
// single source of truth; the queue is a rebuildable cache.
func (b *Builder) Build(store Store, queue RetryQueue, opts ...BuildOption) *Orchestrator {
	o := b.orchestrator
	o.store = store
	o.queue = queue

	for _, opt := range opts {
		opt(o)
	}

	if o.logger == nil {
		o.logger = logger.New(os.Stdout)
	}

	o.journal = NewJournal(store, queue, o.clock, o.logger)
	o.resolver = NewConflictResolver(store, o.journal, o.clock, o.logger)

	// The orchestrator replays its own transient phase failures by resuming the flow, and the
	// resolver replays resolution applications. Both can be overridden by explicit registration.
	if _, ok := o.retryHandlers[SourceOrchestrator]; !ok {
		o.retryHandlers[SourceOrchestrator] = o.replayPhaseFailure
	}
	if _, ok := o.retryHandlers[SourceConflictResolver]; !ok {
		o.retryHandlers[SourceConflictResolver] = o.resolver.replayResolution
	}

	return o
}

// Journal exposes the failure journal for collaborating subsystems that log their own failures.
func (o *Orchestrator) Journal() *Journal {
	return o.journal
}

// Resolver exposes the conflict detector/resolver. Phase handlers invoke it inline during
// matching phases such as asset inventory.
func (o *Orchestrator) Resolver() *ConflictResolver {
	return o.resolver
}

// Run starts the background processes: the retry worker, the transition outbox publisher when a
// feed is configured, and the stuck flow sweep when a schedule is configured. Run only needs to
// be called once; subsequent calls are a no-op.
func (o *Orchestrator) Run(ctx context.Context) {
	o.once.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		o.ctx = ctx
		o.cancel = cancel
		o.calledRun = true

		o.track(func() {
			o.runForever("retry-worker", o.processRetriesForever)
		})

		if o.feed != nil {
			o.track(func() {
				o.runForever("outbox-publisher", o.publishOutboxForever)
			})
		}

		if o.sweepSchedule != nil {
			o.track(func() {
				o.runForever("stuck-flow-sweep", o.sweepStuckFlowsForever)
			})
		}
	})

	o.launching.Wait()
}

func (o *Orchestrator) track(fn func()) {
	o.launching.Add(1)
	go fn()
}

// runForever is the standard way of running a blocking process with a built-in error backoff.
func (o *Orchestrator) runForever(processName string, process func(ctx context.Context) error) {
	o.updateState(processName, StateIdle)
	defer o.updateState(processName, StateShutdown)
	// Mark that this goroutine has launched and been added to internal state.
	o.launching.Done()

	for {
		if o.ctx.Err() != nil {
			return
		}

		o.updateState(processName, StateRunning)

		err := process(o.ctx)
		if errors.Is(err, context.Canceled) {
			return
		} else if err != nil {
			o.logger.Error(o.ctx, err)
			metrics.ProcessErrors.WithLabelValues(processName).Inc()

			timer := o.clock.NewTimer(o.errBackOff)
			select {
			case <-o.ctx.Done():
				timer.Stop()
				return
			case <-timer.C():
			}
		}
	}
}

// Stop cancels the context provided to the background processes and waits for all of them, and
// any in-flight async executions, to shut down gracefully.
func (o *Orchestrator) Stop() {
	if o.cancel == nil {
		return
	}

	o.cancel()
	o.background.Wait()

	for {
		var running int
		for _, state := range o.States() {
			switch state {
			case StateUnknown, StateShutdown:
				continue
			default:
				running++
			}
		}

		if running == 0 {
			return
		}
	}
}
