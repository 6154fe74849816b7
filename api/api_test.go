package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"github.com/atlasadvisory/masterflow"
	"github.com/atlasadvisory/masterflow/adapters/memstore"
	"github.com/atlasadvisory/masterflow/api"
)

var testScope = masterflow.TenantScope{
	ClientAccountID: "acme",
	EngagementID:    "eng-2026",
}

type fixture struct {
	e     *echo.Echo
	orch  *masterflow.Orchestrator
	store *memstore.Store
}

func setup(t *testing.T) *fixture {
	t.Helper()

	store := memstore.New()
	b := masterflow.NewBuilder()
	for _, phase := range []masterflow.Phase{
		masterflow.PhaseDataImport,
		masterflow.PhaseFieldMapping,
		masterflow.PhaseDataCleansing,
		masterflow.PhaseAssetInventory,
		masterflow.PhaseDependencyAnalysis,
	} {
		b.RegisterPhase(masterflow.FlowTypeDiscovery, phase,
			masterflow.PhaseHandlerFunc(func(ctx context.Context, flowID string, scope masterflow.TenantScope, input []byte, current *masterflow.PhaseStateSnapshot) (masterflow.HandlerResult, error) {
				return masterflow.HandlerResult{Outcome: masterflow.OutcomeCompleted, Payload: []byte(`{}`)}, nil
			}))
	}
	orch := b.Build(store, memstore.NewQueue())

	e := echo.New()
	api.NewHandler(orch).Register(e.Group("/api/v1"))

	return &fixture{e: e, orch: orch, store: store}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func (f *fixture) createFlow(t *testing.T) string {
	t.Helper()

	rec, body := f.do(t, http.MethodPost, "/api/v1/flows",
		`{"flow_type":"discovery","client_account_id":"acme","engagement_id":"eng-2026"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	flowID, _ := body["flow_id"].(string)
	require.NotEmpty(t, flowID)
	return flowID
}

func TestInitializeFlowEndpoint(t *testing.T) {
	f := setup(t)

	flowID := f.createFlow(t)

	flow, err := f.store.Lookup(context.Background(), flowID)
	require.NoError(t, err)
	require.Equal(t, masterflow.FlowTypeDiscovery, flow.FlowType)
}

func TestInitializeFlowValidation(t *testing.T) {
	f := setup(t)

	rec, body := f.do(t, http.MethodPost, "/api/v1/flows", `{"flow_type":"discovery"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, body, "error")

	rec, _ = f.do(t, http.MethodPost, "/api/v1/flows",
		`{"flow_type":"backfill","client_account_id":"acme","engagement_id":"eng-2026"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecutePhaseEndpoint(t *testing.T) {
	f := setup(t)
	flowID := f.createFlow(t)

	rec, body := f.do(t, http.MethodPost, "/api/v1/flows/"+flowID+"/execute", `{"phase":"data_import"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "completed", body["status"])
	require.Equal(t, "field_mapping", body["current_phase"])

	// Skipping ahead is a client error, not a server one.
	rec, _ = f.do(t, http.MethodPost, "/api/v1/flows/"+flowID+"/execute", `{"phase":"dependency_analysis"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/api/v1/flows/missing/execute", `{"phase":"data_import"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFlowStatusEndpoint(t *testing.T) {
	f := setup(t)
	flowID := f.createFlow(t)

	rec, body := f.do(t, http.MethodGet, "/api/v1/flows/"+flowID+"/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "data_import", body["current_phase"])
	require.Equal(t, "pending", body["status"])

	rec, _ = f.do(t, http.MethodGet, "/api/v1/flows/missing/status", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListSnapshotsEndpoint(t *testing.T) {
	f := setup(t)
	flowID := f.createFlow(t)

	rec, _ := f.do(t, http.MethodPost, "/api/v1/flows/"+flowID+"/execute", `{"phase":"data_import"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/flows/"+flowID+"/snapshots", nil)
	recorder := httptest.NewRecorder()
	f.e.ServeHTTP(recorder, req)
	require.Equal(t, http.StatusOK, recorder.Code)

	var snaps []masterflow.PhaseStateSnapshot
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &snaps))
	require.NotEmpty(t, snaps)
	require.Equal(t, flowID, snaps[0].FlowID)
}

func TestCancelFlowEndpoint(t *testing.T) {
	f := setup(t)
	flowID := f.createFlow(t)

	rec, _ := f.do(t, http.MethodPost, "/api/v1/flows/"+flowID+"/cancel", `{"reason":"engagement ended"}`)
	require.Equal(t, http.StatusNoContent, rec.Code)

	// Executing a cancelled flow conflicts.
	rec, _ = f.do(t, http.MethodPost, "/api/v1/flows/"+flowID+"/execute", `{"phase":"data_import"}`)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestConflictEndpoints(t *testing.T) {
	f := setup(t)
	flowID := f.createFlow(t)

	err := f.store.SaveAsset(context.Background(), &masterflow.Asset{
		ID:          "asset-srv-1",
		TenantScope: testScope,
		NaturalKey:  "srv-1",
		Fields:      map[string]any{"cpu": 4},
	})
	require.NoError(t, err)

	rec, body := f.do(t, http.MethodPost, "/api/v1/flows/"+flowID+"/conflicts/detect",
		`{"client_account_id":"acme","engagement_id":"eng-2026","entities":[{"natural_key":"srv-1","fields":{"cpu":8}}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, float64(1), body["conflicts"])

	ids, ok := body["conflict_ids"].([]any)
	require.True(t, ok)
	require.Len(t, ids, 1)
	conflictID := ids[0].(string)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/flows/"+flowID+"/conflicts", nil)
	recorder := httptest.NewRecorder()
	f.e.ServeHTTP(recorder, req)
	require.Equal(t, http.StatusOK, recorder.Code)
	var records []masterflow.ConflictRecord
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &records))
	require.Len(t, records, 1)

	// Detection parks the flow pending input.
	rec, body = f.do(t, http.MethodGet, "/api/v1/flows/"+flowID+"/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "paused_for_input", body["status"])
	require.Equal(t, float64(1), body["conflicts_pending"])

	rec, _ = f.do(t, http.MethodPost, "/api/v1/flows/"+flowID+"/conflicts/"+conflictID+"/resolve",
		`{"strategy":"replace","resolved_by":"jordan@atlas"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	// Second resolution attempt is rejected, first stands. The flat alias resolves by conflict ID
	// alone.
	rec, _ = f.do(t, http.MethodPost, "/api/v1/conflicts/"+conflictID+"/resolve",
		`{"strategy":"keep_existing","resolved_by":"sam@atlas"}`)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/api/v1/conflicts/missing/resolve",
		`{"strategy":"replace","resolved_by":"jordan@atlas"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResolveBulkEndpoint(t *testing.T) {
	f := setup(t)
	flowID := f.createFlow(t)

	for _, key := range []string{"srv-1", "srv-2"} {
		err := f.store.SaveAsset(context.Background(), &masterflow.Asset{
			ID:          "asset-" + key,
			TenantScope: testScope,
			NaturalKey:  key,
			Fields:      map[string]any{"cpu": 4},
		})
		require.NoError(t, err)
	}

	rec, _ := f.do(t, http.MethodPost, "/api/v1/flows/"+flowID+"/conflicts/detect",
		`{"client_account_id":"acme","engagement_id":"eng-2026","entities":[{"natural_key":"srv-1","fields":{"cpu":8}},{"natural_key":"srv-2","fields":{"cpu":16}}]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body := f.do(t, http.MethodPost, "/api/v1/flows/"+flowID+"/conflicts/resolve-bulk",
		`{"strategy":"keep_existing","resolved_by":"jordan@atlas"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, float64(2), body["resolved"])
}

func TestRebuildQueueEndpoint(t *testing.T) {
	f := setup(t)

	rec, body := f.do(t, http.MethodPost, "/api/v1/failures/rebuild-queue", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, float64(0), body["rebuilt"])
}
