package masterflow

import (
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

var (
	// ErrFlowNotFound is returned when the provided flow ID does not match any flow.
	ErrFlowNotFound = errors.New("flow not found", j.C("ERR_8d3f1a76c42e09b5"))

	// ErrConflictNotFound is returned when the provided conflict ID does not match any conflict record.
	ErrConflictNotFound = errors.New("conflict record not found", j.C("ERR_4b90de12a7f3c688"))

	// ErrFailureNotFound is returned when the provided failure ID does not match any journal entry.
	ErrFailureNotFound = errors.New("failure event not found", j.C("ERR_0c5e82f19db64a37"))

	// ErrAssetNotFound is returned when no asset matches the natural key within the tenant scope.
	ErrAssetNotFound = errors.New("asset not found", j.C("ERR_e71b4c09f258d3a6"))

	// ErrValidation covers malformed input such as an empty tenant scope or an unknown flow type.
	// It is never retried.
	ErrValidation = errors.New("invalid input", j.C("ERR_93a6f058e1c27db4"))

	// ErrConcurrencyConflict is returned when the version compare-and-swap lost the race. The caller
	// should re-fetch the flow and retry the call itself.
	ErrConcurrencyConflict = errors.New("flow version conflict - re-fetch and retry", j.C("ERR_5f28c9e4a07d61b3"))

	// ErrAlreadyResolved is returned on a duplicate resolution attempt for the same conflict.
	ErrAlreadyResolved = errors.New("conflict already resolved", j.C("ERR_b46d013e98f7a2c5"))

	// ErrPhaseNotConfigured is returned when the phase does not belong to the phase graph of the
	// flow's type or no handler has been registered for it.
	ErrPhaseNotConfigured = errors.New("phase not configured for flow type", j.C("ERR_27e9fb5a30c18d64"))

	// ErrFlowTerminal is returned when an operation is attempted on a flow that has reached a
	// terminal state.
	ErrFlowTerminal = errors.New("flow is in a terminal state", j.C("ERR_a10c7d3f5e94b286"))

	// ErrPhaseNotReachable is returned when execution is requested for a phase the flow has not
	// reached yet.
	ErrPhaseNotReachable = errors.New("phase not yet reachable", j.C("ERR_6c42a8e09d17f3b5"))
)
