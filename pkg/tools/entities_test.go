package tools

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"autosint/pkg/apitypes"
	"autosint/pkg/ids"
)

func TestHandleCreateEntity_NoMatchCreates(t *testing.T) {
	graph := newFakeGraph()
	hctx := newTestHandlerContext(graph, newFakeStore(), &fakeQueue{})

	result, err := handleCreateEntity(hctx, json.RawMessage(`{"canonical_name":"Acme Corp","kind":"organization","summary":"a company"}`))
	require.NoError(t, err)

	out := result.(map[string]any)
	require.Equal(t, false, out["deduplicated"])
	require.Len(t, graph.entities, 1)
	require.EqualValues(t, 1, hctx.Counters.EntitiesCreated.Load())
}

func TestHandleCreateEntity_ExactMatchSkipsCreate(t *testing.T) {
	graph := newFakeGraph()
	existingID := ids.NewEntityID()
	graph.entities[existingID] = &apitypes.Entity{ID: existingID, CanonicalName: "Acme Corp", Kind: "organization"}
	graph.dedupOutcome = apitypes.DedupOutcome{Kind: apitypes.DedupExactMatch, MatchID: existingID}

	hctx := newTestHandlerContext(graph, newFakeStore(), &fakeQueue{})
	result, err := handleCreateEntity(hctx, json.RawMessage(`{"canonical_name":"Acme Corp","kind":"organization"}`))
	require.NoError(t, err)

	out := result.(map[string]any)
	require.Equal(t, true, out["deduplicated"])
	require.Equal(t, string(existingID), out["entity_id"])
	require.Len(t, graph.entities, 1, "no duplicate entity should be created")
	require.EqualValues(t, 0, hctx.Counters.EntitiesCreated.Load())
}

func TestHandleCreateEntity_RequiresCanonicalNameAndKind(t *testing.T) {
	hctx := newTestHandlerContext(newFakeGraph(), newFakeStore(), &fakeQueue{})
	_, err := handleCreateEntity(hctx, json.RawMessage(`{"canonical_name":""}`))
	require.Error(t, err)
}

func TestHandleUpdateEntity_MergesOptionalFields(t *testing.T) {
	graph := newFakeGraph()
	entityID := ids.NewEntityID()
	graph.entities[entityID] = &apitypes.Entity{ID: entityID, CanonicalName: "Old Name", Kind: "person", Summary: "old summary"}

	hctx := newTestHandlerContext(graph, newFakeStore(), &fakeQueue{})
	args := `{"entity_id":"` + string(entityID) + `","summary":"new summary"}`
	_, err := handleUpdateEntity(hctx, json.RawMessage(args))
	require.NoError(t, err)

	require.Equal(t, "Old Name", graph.entities[entityID].CanonicalName, "unspecified fields must not be clobbered")
	require.Equal(t, "new summary", graph.entities[entityID].Summary)
}

func TestHandleMergeEntities(t *testing.T) {
	graph := newFakeGraph()
	sourceID, targetID := ids.NewEntityID(), ids.NewEntityID()
	graph.entities[sourceID] = &apitypes.Entity{ID: sourceID, CanonicalName: "Dup"}
	graph.entities[targetID] = &apitypes.Entity{ID: targetID, CanonicalName: "Canonical"}

	hctx := newTestHandlerContext(graph, newFakeStore(), &fakeQueue{})
	args := `{"source_entity_id":"` + string(sourceID) + `","target_entity_id":"` + string(targetID) + `"}`
	result, err := handleMergeEntities(hctx, json.RawMessage(args))
	require.NoError(t, err)

	out := result.(map[string]any)
	require.Equal(t, string(targetID), out["merged_entity_id"])
	_, sourceStillExists := graph.entities[sourceID]
	require.False(t, sourceStillExists)
}
