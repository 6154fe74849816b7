package masterflow

import (
	"context"
	"fmt"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

// Outcome is the handler-declared result of a phase execution.
type Outcome int

const (
	OutcomeUnknown        Outcome = 0
	OutcomeCompleted      Outcome = 1
	OutcomeFailed         Outcome = 2
	OutcomePausedForInput Outcome = 3
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	case OutcomePausedForInput:
		return "paused_for_input"
	default:
		return fmt.Sprintf("Outcome(%d)", o)
	}
}

// HandlerResult is what a phase handler returns on a non-erroring execution. Errors carries
// business level failure messages surfaced to the caller; they never raise.
type HandlerResult struct {
	Outcome Outcome
	// Payload becomes the next PhaseStateSnapshot for the flow and is persisted atomically with
	// the orchestrator's own bookkeeping.
	Payload []byte
	Errors  []string
}

// PhaseHandler is the contract phase business logic implements. Handlers must be
// idempotent with respect to force re-entry and are expected to check ctx at safe points if
// they are long-running: cancellation is cooperative only.
type PhaseHandler interface {
	Execute(ctx context.Context, flowID string, scope TenantScope, input []byte, current *PhaseStateSnapshot) (HandlerResult, error)
}

// PhaseHandlerFunc adapts a function to the PhaseHandler interface.
type PhaseHandlerFunc func(ctx context.Context, flowID string, scope TenantScope, input []byte, current *PhaseStateSnapshot) (HandlerResult, error)

func (f PhaseHandlerFunc) Execute(ctx context.Context, flowID string, scope TenantScope, input []byte, current *PhaseStateSnapshot) (HandlerResult, error) {
	return f(ctx, flowID, scope, input, current)
}

// FailureKind classifies a handler error. Transient failures are queued for automatic retry
// with capped exponential backoff; structural failures require input correction or an explicit
// force re-entry and are never retried automatically.
type FailureKind int

const (
	KindStructural FailureKind = 0
	KindTransient  FailureKind = 1
)

func (k FailureKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	default:
		return "structural"
	}
}

// ErrorClassifier decides the FailureKind of a handler error for a specific phase.
type ErrorClassifier func(err error) FailureKind

type registration struct {
	handler    PhaseHandler
	classifier ErrorClassifier
	// timeout, when non-zero, sets Flow.TimeoutAt while the phase is in progress so the stuck
	// flow sweep can fail executions that never report back.
	timeout time.Duration
}

type RegisterOption func(*registration)

// WithClassifier overrides the default classifier (everything structural) for a phase.
func WithClassifier(fn ErrorClassifier) RegisterOption {
	return func(r *registration) {
		r.classifier = fn
	}
}

// WithExecutionTimeout sets a deadline on each in-progress execution of the phase.
func WithExecutionTimeout(d time.Duration) RegisterOption {
	return func(r *registration) {
		r.timeout = d
	}
}

type registryKey struct {
	flowType FlowType
	phase    Phase
}

// HandlerRegistry maps (flow type, phase) to a handler. It is populated once at startup so
// dispatch stays statically verifiable; lookups never hit a runtime module load.
type HandlerRegistry struct {
	handlers map[registryKey]registration
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[registryKey]registration),
	}
}

func (r *HandlerRegistry) Register(ft FlowType, phase Phase, h PhaseHandler, opts ...RegisterOption) {
	reg := registration{
		handler: h,
		classifier: func(error) FailureKind {
			return KindStructural
		},
	}

	for _, opt := range opts {
		opt(&reg)
	}

	r.handlers[registryKey{flowType: ft, phase: phase}] = reg
}

func (r *HandlerRegistry) lookup(ft FlowType, phase Phase) (registration, error) {
	reg, ok := r.handlers[registryKey{flowType: ft, phase: phase}]
	if !ok {
		return registration{}, errors.Wrap(ErrPhaseNotConfigured, "no handler registered", j.MKV{
			"flow_type": ft.String(),
			"phase":     string(phase),
		})
	}

	return reg, nil
}
