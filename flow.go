package masterflow

import (
	"time"
)

// FlowType identifies which phase graph a flow moves through. Master is the top level type: a
// master flow has no parent and tracks the overall engagement as its children complete.
type FlowType string

const (
	FlowTypeMaster     FlowType = "master"
	FlowTypeDiscovery  FlowType = "discovery"
	FlowTypeCollection FlowType = "collection"
	FlowTypeAssessment FlowType = "assessment"
	FlowTypePlanning   FlowType = "planning"
)

func (ft FlowType) String() string {
	return string(ft)
}

func (ft FlowType) Valid() bool {
	switch ft {
	case FlowTypeMaster, FlowTypeDiscovery, FlowTypeCollection, FlowTypeAssessment, FlowTypePlanning:
		return true
	default:
		return false
	}
}

// RequiresMaster reports whether initializing a flow of this type must create (or attach to) a
// top level master flow in the same transaction.
func (ft FlowType) RequiresMaster() bool {
	return ft.Valid() && ft != FlowTypeMaster
}

// TenantScope is the (client account, engagement) pair that isolates all data and operations.
// It is mandatory on every flow, conflict and failure record and is never empty.
type TenantScope struct {
	ClientAccountID string `json:"client_account_id"`
	EngagementID    string `json:"engagement_id"`
}

func (ts TenantScope) Valid() bool {
	return ts.ClientAccountID != "" && ts.EngagementID != ""
}

// Partition returns the stable key used to partition retry queue entries per tenant.
func (ts TenantScope) Partition() string {
	return ts.ClientAccountID + ":" + ts.EngagementID
}

func (ts TenantScope) String() string {
	return ts.Partition()
}

// Flow is one orchestrated unit of migration work moving through a phase graph. Version is the
// optimistic concurrency token: it increases by exactly 1 on every persisted state change, and
// exactly one writer may advance a flow at a time via compare-and-swap on it.
type Flow struct {
	FlowID       string      `json:"flow_id"`
	FlowType     FlowType    `json:"flow_type"`
	MasterFlowID string      `json:"master_flow_id,omitempty"`
	CurrentPhase Phase       `json:"current_phase"`
	PhaseStatus  PhaseStatus `json:"phase_status"`
	StatusReason string      `json:"status_reason,omitempty"`
	Version      int64       `json:"version"`
	TenantScope  TenantScope `json:"tenant_scope"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
	// TimeoutAt is the deadline used by stuck flow detection. Zero when the current phase has no
	// execution deadline.
	TimeoutAt time.Time `json:"timeout_at,omitempty"`
}

// zeroTime clears TimeoutAt once a phase is no longer in progress.
var zeroTime time.Time

// Finished reports whether the flow has reached a terminal state and will never be advanced
// again: cancelled, failed past retries, or completed at the terminal node of its graph.
func (f *Flow) Finished() bool {
	if f.PhaseStatus == StatusCancelled {
		return true
	}

	g, err := graphFor(f.FlowType)
	if err != nil {
		return false
	}

	return f.PhaseStatus == StatusCompleted && g.IsTerminal(string(f.CurrentPhase))
}

// PhaseExecutionResult is the value returned for every phase execution. Business level failures
// are represented here rather than raised; only contract violations surface as errors.
type PhaseExecutionResult struct {
	FlowID             string      `json:"flow_id"`
	Status             PhaseStatus `json:"status"`
	CurrentPhase       Phase       `json:"current_phase"`
	ProgressPercentage int         `json:"progress_percentage"`
	Errors             []string    `json:"errors,omitempty"`
}

// FlowStatusSummary is the poll response for the status endpoint.
type FlowStatusSummary struct {
	FlowID             string      `json:"flow_id"`
	Status             PhaseStatus `json:"status"`
	CurrentPhase       Phase       `json:"current_phase"`
	ProgressPercentage int         `json:"progress_percentage"`
	ConflictsPending   int         `json:"conflicts_pending"`
	LastError          string      `json:"last_error,omitempty"`
}
