package tools

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"autosint/pkg/apitypes"
	"autosint/pkg/config"
)

func TestHandleCreateWorkOrder_EnforcesPerCycleCap(t *testing.T) {
	store := newFakeStore()
	queue := &fakeQueue{}
	hctx := newTestHandlerContext(newFakeGraph(), store, queue)
	hctx.SafetyLimits = config.SafetyLimits{MaxWorkOrdersPerCycle: 1}

	_, err := handleCreateWorkOrder(hctx, json.RawMessage(`{"objective":"find sources"}`))
	require.NoError(t, err)
	require.Len(t, queue.enqueued, 1)

	_, err = handleCreateWorkOrder(hctx, json.RawMessage(`{"objective":"find more sources"}`))
	require.Error(t, err, "second work order in the same cycle should exceed the cap")
}

func TestHandleCreateWorkOrder_RequiresObjective(t *testing.T) {
	hctx := newTestHandlerContext(newFakeGraph(), newFakeStore(), &fakeQueue{})
	_, err := handleCreateWorkOrder(hctx, json.RawMessage(`{"objective":""}`))
	require.Error(t, err)
}

func TestHandleGetInvestigationHistory_GroupsByCycleInNumericOrder(t *testing.T) {
	store := newFakeStore()
	store.workOrders = []apitypes.WorkOrder{
		{ID: "wo-3", Cycle: 3, Objective: "third"},
		{ID: "wo-1", Cycle: 1, Objective: "first"},
		{ID: "wo-1b", Cycle: 1, Objective: "first-again"},
	}
	hctx := newTestHandlerContext(newFakeGraph(), store, &fakeQueue{})

	result, err := handleGetInvestigationHistory(hctx, json.RawMessage(`{}`))
	require.NoError(t, err)

	out := result.(map[string]any)
	cycles := out["cycles"].([]map[string]any)
	require.Len(t, cycles, 2)
	require.Equal(t, 1, cycles[0]["cycle"])
	require.Equal(t, 3, cycles[1]["cycle"])
	require.Equal(t, 2, cycles[0]["count"])
}
