package masterflow

import "time"

// PhaseStateSnapshot is the durable payload a phase handler reads and writes. Snapshots are
// append-only and totally ordered by Version for a flow: the current state is always the highest
// version row, never overwritten in place. The payload is opaque at this level; every handler
// declares and validates its own payload shape at its own boundary.
type PhaseStateSnapshot struct {
	FlowID    string    `json:"flow_id"`
	Version   int64     `json:"version"`
	PhaseName Phase     `json:"phase_name"`
	Payload   []byte    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}
