package graph

import (
	"testing"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autosint/pkg/apitypes"
	"autosint/pkg/ids"
)

func TestBuildAliasesText(t *testing.T) {
	assert.Equal(t, "Acme Corp Acme Inc", buildAliasesText([]string{"Acme Corp", "Acme Inc"}))
	assert.Equal(t, "", buildAliasesText(nil))
}

func TestMarshalParseAliasesRoundTrip(t *testing.T) {
	aliases := []string{"Alpha", "Beta", "Gamma"}
	data, err := marshalAliases(aliases)
	require.NoError(t, err)
	assert.Equal(t, aliases, parseAliases(data))
}

func TestParseAliasesInvalidJSONReturnsNil(t *testing.T) {
	assert.Nil(t, parseAliases("not json"))
}

func TestFlattenUnflattenPropertiesRoundTrip(t *testing.T) {
	props := map[string]any{
		"country":  "US",
		"headcount": float64(42),
		"active":   true,
	}
	flat := flattenProperties(props)
	assert.Equal(t, "US", flat["prop_country"])

	raw := make(map[string]any, len(flat))
	for k, v := range flat {
		raw[k] = v
	}
	restored := unflattenProperties(raw)
	assert.Equal(t, props["country"], restored["country"])
	assert.Equal(t, props["headcount"], restored["headcount"])
	assert.Equal(t, props["active"], restored["active"])
}

func TestFlattenPropertiesNilValue(t *testing.T) {
	flat := flattenProperties(map[string]any{"note": nil})
	assert.Equal(t, "", flat["prop_note"])
}

func TestFormatParseTimeRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 5, 12, 30, 0, 0, time.UTC)
	s := formatTime(now)
	parsed, err := parseTime(s)
	require.NoError(t, err)
	assert.True(t, now.Equal(parsed))
}

func TestParseTimeInvalid(t *testing.T) {
	_, err := parseTime("not-a-time")
	assert.Error(t, err)
}

func TestToFloat32SliceAndBack(t *testing.T) {
	embedding := []float32{0.1, 0.2, 0.3}
	as64 := toFloat64Slice(embedding)
	restored := toFloat32Slice(as64)
	require.Len(t, restored, 3)
	for i := range embedding {
		assert.InDelta(t, embedding[i], restored[i], 1e-6)
	}
}

func TestToFloat32SliceNonSlice(t *testing.T) {
	assert.Nil(t, toFloat32Slice("not a slice"))
}

func TestEscapeLucene(t *testing.T) {
	assert.Equal(t, `\(Acme\) \& Co.`, escapeLucene("(Acme) & Co."))
	assert.Equal(t, "plain text", escapeLucene("plain text"))
}

func TestAttributionDepthFromString(t *testing.T) {
	depth, err := attributionDepthFromString("primary")
	require.NoError(t, err)
	assert.Equal(t, apitypes.AttributionPrimary, depth)

	_, err = attributionDepthFromString("bogus")
	assert.Error(t, err)
}

func TestInformationTypeFromString(t *testing.T) {
	assert.Equal(t, apitypes.InformationAnalysis, informationTypeFromString("analysis"))
	assert.Equal(t, apitypes.InformationAssertion, informationTypeFromString("unknown_value"))
}

func TestNodeToEntity(t *testing.T) {
	node := dbtype.Node{
		Props: map[string]any{
			"id":             "ent-1",
			"canonical_name": "Acme Corp",
			"aliases":        `["Acme","Acme Inc"]`,
			"kind":           "organization",
			"summary":        "A widget maker",
			"is_stub":        false,
			"last_updated":   formatTime(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
			"prop_country":   "US",
		},
	}
	entity, err := nodeToEntity(node)
	require.NoError(t, err)
	assert.Equal(t, ids.EntityID("ent-1"), entity.ID)
	assert.Equal(t, "Acme Corp", entity.CanonicalName)
	assert.Equal(t, []string{"Acme", "Acme Inc"}, entity.Aliases)
	assert.Equal(t, "US", entity.Properties["country"])
}

func TestNodeToEntityMissingRequiredField(t *testing.T) {
	node := dbtype.Node{Props: map[string]any{"canonical_name": "Acme"}}
	_, err := nodeToEntity(node)
	assert.Error(t, err)
}

func TestNodeToClaim(t *testing.T) {
	node := dbtype.Node{
		Props: map[string]any{
			"id":                  "claim-1",
			"content":             "Acme acquired Widgets Inc.",
			"published_timestamp": formatTime(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)),
			"ingested_timestamp":  formatTime(time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)),
			"attribution_depth":   "primary",
			"information_type":    "testimony",
		},
	}
	claim, err := nodeToClaim(node, ids.EntityID("ent-1"), []ids.EntityID{"ent-2"})
	require.NoError(t, err)
	assert.Equal(t, ids.ClaimID("claim-1"), claim.ID)
	assert.Equal(t, apitypes.AttributionPrimary, claim.AttributionDepth)
	assert.Equal(t, apitypes.InformationTestimony, claim.InformationType)
	assert.Equal(t, []ids.EntityID{"ent-2"}, claim.ReferencedEntities)
}

func TestRelationshipToDomain(t *testing.T) {
	rel := dbtype.Relationship{
		Props: map[string]any{
			"id":            "rel-1",
			"description":   "acquired",
			"weight":        0.9,
			"confidence":    0.8,
			"bidirectional": false,
			"timestamp":     formatTime(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)),
		},
	}
	r, err := relationshipToDomain(rel, ids.EntityID("ent-1"), ids.EntityID("ent-2"))
	require.NoError(t, err)
	assert.Equal(t, ids.RelationshipID("rel-1"), r.ID)
	assert.Equal(t, ids.EntityID("ent-1"), r.SourceEntity)
	assert.Equal(t, ids.EntityID("ent-2"), r.TargetEntity)
	assert.Equal(t, 0.9, r.Weight)
}

func TestRelationshipToDomainMissingID(t *testing.T) {
	rel := dbtype.Relationship{Props: map[string]any{"description": "x"}}
	_, err := relationshipToDomain(rel, "a", "b")
	assert.Error(t, err)
}

func TestAppendUnique(t *testing.T) {
	list := appendUnique([]string{"a", "b"}, "b")
	assert.Equal(t, []string{"a", "b"}, list)
	list = appendUnique(list, "c")
	assert.Equal(t, []string{"a", "b", "c"}, list)
}

func TestNodeToMergeAudit(t *testing.T) {
	node := dbtype.Node{
		Props: map[string]any{
			"id":        "audit-1",
			"source_id": "ent-1",
			"target_id": "ent-2",
			"merged_at": formatTime(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)),
		},
	}
	audit, err := nodeToMergeAudit(node)
	require.NoError(t, err)
	assert.Equal(t, ids.MergeAuditID("audit-1"), audit.ID)
	assert.Equal(t, ids.EntityID("ent-1"), audit.Source)
	assert.Equal(t, ids.EntityID("ent-2"), audit.Target)
}

func TestNodeToMergeAuditMissingRequiredField(t *testing.T) {
	node := dbtype.Node{Props: map[string]any{"source_id": "ent-1"}}
	_, err := nodeToMergeAudit(node)
	assert.Error(t, err)
}
