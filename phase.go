package masterflow

import (
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/atlasadvisory/masterflow/internal/phasegraph"
)

// Phase is a named step in a flow's graph, executed by an external handler.
type Phase string

// Discovery phases.
const (
	PhaseDataImport         Phase = "data_import"
	PhaseFieldMapping       Phase = "field_mapping"
	PhaseDataCleansing      Phase = "data_cleansing"
	PhaseAssetInventory     Phase = "asset_inventory"
	PhaseDependencyAnalysis Phase = "dependency_analysis"
)

// Collection phases.
const (
	PhaseAgentRollout     Phase = "agent_rollout"
	PhaseMetricCollection Phase = "metric_collection"
	PhaseCollectionReview Phase = "collection_review"
)

// Assessment phases.
const (
	PhaseReadinessScoring  Phase = "readiness_scoring"
	PhaseStrategySelection Phase = "strategy_selection"
)

// Planning phases.
const (
	PhaseWaveGrouping     Phase = "wave_grouping"
	PhaseScheduleDrafting Phase = "schedule_drafting"
	PhasePlanReview       Phase = "plan_review"
)

// PhaseComplete is the shared terminal node of every graph.
const PhaseComplete Phase = "complete"

// Master flow phases mirror the child flow types: the master advances as each child completes.
const (
	PhaseMasterDiscovery  Phase = "discovery"
	PhaseMasterCollection Phase = "collection"
	PhaseMasterAssessment Phase = "assessment"
	PhaseMasterPlanning   Phase = "planning"
)

var flowGraphs = map[FlowType]*phasegraph.Graph{
	FlowTypeMaster: buildGraph(
		PhaseMasterDiscovery,
		PhaseMasterCollection,
		PhaseMasterAssessment,
		PhaseMasterPlanning,
		PhaseComplete,
	),
	FlowTypeDiscovery: buildGraph(
		PhaseDataImport,
		PhaseFieldMapping,
		PhaseDataCleansing,
		PhaseAssetInventory,
		PhaseDependencyAnalysis,
		PhaseComplete,
	),
	FlowTypeCollection: buildGraph(
		PhaseAgentRollout,
		PhaseMetricCollection,
		PhaseCollectionReview,
		PhaseComplete,
	),
	FlowTypeAssessment: buildGraph(
		PhaseReadinessScoring,
		PhaseStrategySelection,
		PhaseComplete,
	),
	FlowTypePlanning: buildGraph(
		PhaseWaveGrouping,
		PhaseScheduleDrafting,
		PhasePlanReview,
		PhaseComplete,
	),
}

func buildGraph(phases ...Phase) *phasegraph.Graph {
	g := phasegraph.New()
	for i := 0; i < len(phases)-1; i++ {
		g.AddTransition(string(phases[i]), string(phases[i+1]))
	}

	return g
}

func graphFor(ft FlowType) (*phasegraph.Graph, error) {
	g, ok := flowGraphs[ft]
	if !ok {
		return nil, errors.Wrap(ErrValidation, "unknown flow type", j.MKV{
			"flow_type": ft.String(),
		})
	}

	return g, nil
}

// progress maps the flow's position in its graph to a coarse percentage. Terminal completion is
// always 100.
func progress(g *phasegraph.Graph, flow *Flow) int {
	if flow.Finished() && flow.PhaseStatus == StatusCompleted {
		return 100
	}

	index, total := g.Position(string(flow.CurrentPhase))
	if total == 0 {
		return 0
	}

	return index * 100 / total
}
