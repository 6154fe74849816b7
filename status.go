package masterflow

import (
	"fmt"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

// PhaseStatus describes where the flow's current phase sits in its lifecycle. It doubles as the
// flow level status: a flow is finished when its current phase is the terminal node of its graph
// and the status is StatusCompleted, or when the status itself is terminal (failed / cancelled).
type PhaseStatus int

const (
	StatusUnknown        PhaseStatus = 0
	StatusPending        PhaseStatus = 1
	StatusInProgress     PhaseStatus = 2
	StatusCompleted      PhaseStatus = 3
	StatusFailed         PhaseStatus = 4
	StatusPausedForInput PhaseStatus = 5
	StatusCancelled      PhaseStatus = 6
	statusSentinel       PhaseStatus = 7
)

func (s PhaseStatus) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusPending:
		return "pending"
	case StatusInProgress:
		return "in_progress"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusPausedForInput:
		return "paused_for_input"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("PhaseStatus(%d)", s)
	}
}

// MarshalJSON renders the status as its snake_case name for API responses and feed events.
func (s PhaseStatus) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", s.String())), nil
}

func (s PhaseStatus) Valid() bool {
	return s > StatusUnknown && s < statusSentinel
}

// Stopped reports whether the status blocks further phase execution until an external action
// takes place (conflict resolution, input correction or an explicit retry).
func (s PhaseStatus) Stopped() bool {
	switch s {
	case StatusFailed, StatusPausedForInput, StatusCancelled:
		return true
	default:
		return false
	}
}

// statusTransitions declares every permitted phase status transition. Cancelled is absent as a
// source: cancellation is forward-only and terminal.
var statusTransitions = map[PhaseStatus]map[PhaseStatus]bool{
	StatusPending: {
		StatusInProgress: true,
		// Recording conflicts against a pending flow parks it until they are resolved.
		StatusPausedForInput: true,
		StatusCancelled:      true,
	},
	StatusInProgress: {
		StatusCompleted:      true,
		StatusFailed:         true,
		StatusPausedForInput: true,
		StatusCancelled:      true,
	},
	StatusCompleted: {
		// Advancing to the next phase resets to pending. In progress covers force re-entry of an
		// idempotent phase.
		StatusPending:    true,
		StatusInProgress: true,
	},
	StatusFailed: {
		StatusInProgress: true,
		StatusCancelled:  true,
	},
	StatusPausedForInput: {
		StatusInProgress: true,
		StatusCancelled:  true,
	},
}

func validateStatusTransition(flow *Flow, next PhaseStatus, sentinelErr error) error {
	valid, ok := statusTransitions[flow.PhaseStatus]
	if !ok {
		return errors.Wrap(sentinelErr, "current status is terminal", j.MKV{
			"flow_id":       flow.FlowID,
			"flow_type":     flow.FlowType.String(),
			"current_phase": string(flow.CurrentPhase),
			"phase_status":  flow.PhaseStatus.String(),
		})
	}

	if !valid[next] {
		msg := fmt.Sprintf("current status cannot transition to %v", next.String())
		return errors.Wrap(sentinelErr, msg, j.MKV{
			"flow_id":      flow.FlowID,
			"phase_status": flow.PhaseStatus.String(),
			"next_status":  next.String(),
		})
	}

	return nil
}
