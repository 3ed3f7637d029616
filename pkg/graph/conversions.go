package graph

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"autosint/pkg/apitypes"
	"autosint/pkg/ids"
)

// buildAliasesText joins aliases with spaces for full-text indexing.
func buildAliasesText(aliases []string) string {
	return strings.Join(aliases, " ")
}

func marshalAliases(aliases []string) (string, error) {
	data, err := json.Marshal(aliases)
	if err != nil {
		return "", fmt.Errorf("graph: marshaling aliases: %w", err)
	}
	return string(data), nil
}

func parseAliases(jsonStr string) []string {
	var out []string
	if err := json.Unmarshal([]byte(jsonStr), &out); err != nil {
		return nil
	}
	return out
}

// flattenProperties turns a freeform property map into prop_<key> scalar
// pairs Neo4j node properties can store directly. Non-string values are
// JSON-encoded.
func flattenProperties(properties map[string]any) map[string]string {
	flat := make(map[string]string, len(properties))
	for key, value := range properties {
		switch v := value.(type) {
		case string:
			flat["prop_"+key] = v
		case nil:
			flat["prop_"+key] = ""
		default:
			data, err := json.Marshal(v)
			if err != nil {
				continue
			}
			flat["prop_"+key] = string(data)
		}
	}
	return flat
}

// unflattenProperties recovers a freeform property map from a node's raw
// property set, reversing flattenProperties.
func unflattenProperties(raw map[string]any) map[string]any {
	props := make(map[string]any)
	for key, value := range raw {
		stripped, ok := strings.CutPrefix(key, "prop_")
		if !ok {
			continue
		}
		s, ok := value.(string)
		if !ok {
			continue
		}
		var decoded any
		if err := json.Unmarshal([]byte(s), &decoded); err == nil {
			props[stripped] = decoded
		} else {
			props[stripped] = s
		}
	}
	return props
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("graph: invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

func toFloat32Slice(v any) []float32 {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]float32, 0, len(list))
	for _, item := range list {
		switch f := item.(type) {
		case float64:
			out = append(out, float32(f))
		case float32:
			out = append(out, f)
		}
	}
	return out
}

func toFloat64Slice(embedding []float32) []any {
	out := make([]any, len(embedding))
	for i, f := range embedding {
		out[i] = float64(f)
	}
	return out
}

// nodeToEntity extracts an Entity from a Neo4j Entity-labeled node.
func nodeToEntity(node dbtype.Node) (*apitypes.Entity, error) {
	props := node.Props

	idStr, _ := props["id"].(string)
	name, _ := props["canonical_name"].(string)
	kind, _ := props["kind"].(string)
	lastUpdatedStr, _ := props["last_updated"].(string)
	if idStr == "" || name == "" || lastUpdatedStr == "" {
		return nil, fmt.Errorf("graph: entity node missing required fields")
	}

	lastUpdated, err := parseTime(lastUpdatedStr)
	if err != nil {
		return nil, err
	}

	summary, _ := props["summary"].(string)
	isStub, _ := props["is_stub"].(bool)
	embeddingPending, _ := props["embedding_pending"].(bool)

	var aliases []string
	if aliasesJSON, ok := props["aliases"].(string); ok {
		aliases = parseAliases(aliasesJSON)
	}

	return &apitypes.Entity{
		ID:               ids.EntityID(idStr),
		CanonicalName:    name,
		Aliases:          aliases,
		Kind:             kind,
		Summary:          summary,
		Stub:             isStub,
		LastUpdated:      lastUpdated,
		Embedding:        toFloat32Slice(props["embedding"]),
		EmbeddingPending: embeddingPending,
		Properties:       unflattenProperties(props),
	}, nil
}

// nodeToMergeAudit extracts a MergeAudit from a Neo4j MergeAudit-labeled node.
func nodeToMergeAudit(node dbtype.Node) (*MergeAudit, error) {
	props := node.Props

	idStr, _ := props["id"].(string)
	sourceStr, _ := props["source_id"].(string)
	targetStr, _ := props["target_id"].(string)
	mergedAtStr, _ := props["merged_at"].(string)
	if idStr == "" || sourceStr == "" || targetStr == "" || mergedAtStr == "" {
		return nil, fmt.Errorf("graph: merge audit node missing required fields")
	}

	mergedAt, err := parseTime(mergedAtStr)
	if err != nil {
		return nil, err
	}

	return &MergeAudit{
		ID:       ids.MergeAuditID(idStr),
		Source:   ids.EntityID(sourceStr),
		Target:   ids.EntityID(targetStr),
		MergedAt: mergedAt,
	}, nil
}

func attributionDepthFromString(s string) (apitypes.AttributionDepth, error) {
	switch apitypes.AttributionDepth(s) {
	case apitypes.AttributionPrimary, apitypes.AttributionSecondhand, apitypes.AttributionIndirect:
		return apitypes.AttributionDepth(s), nil
	default:
		return "", fmt.Errorf("graph: unknown attribution_depth %q", s)
	}
}

func informationTypeFromString(s string) apitypes.InformationType {
	switch apitypes.InformationType(s) {
	case apitypes.InformationAnalysis, apitypes.InformationDiscourse, apitypes.InformationTestimony:
		return apitypes.InformationType(s)
	default:
		return apitypes.InformationAssertion
	}
}

// nodeToClaim extracts a Claim from a Neo4j Claim-labeled node plus the
// edge-derived source/referenced entity ids.
func nodeToClaim(node dbtype.Node, source ids.EntityID, referenced []ids.EntityID) (*apitypes.Claim, error) {
	props := node.Props

	idStr, _ := props["id"].(string)
	content, _ := props["content"].(string)
	publishedStr, _ := props["published_timestamp"].(string)
	ingestedStr, _ := props["ingested_timestamp"].(string)
	depthStr, _ := props["attribution_depth"].(string)
	if idStr == "" || publishedStr == "" || ingestedStr == "" {
		return nil, fmt.Errorf("graph: claim node missing required fields")
	}

	published, err := parseTime(publishedStr)
	if err != nil {
		return nil, err
	}
	ingested, err := parseTime(ingestedStr)
	if err != nil {
		return nil, err
	}
	depth, err := attributionDepthFromString(depthStr)
	if err != nil {
		return nil, err
	}

	sourceURL, _ := props["raw_source_link"].(string)
	embeddingPending, _ := props["embedding_pending"].(bool)
	infoTypeStr, _ := props["information_type"].(string)

	return &apitypes.Claim{
		ID:                 ids.ClaimID(idStr),
		PublishedByEntity:  source,
		ReferencedEntities: referenced,
		Content:            content,
		PublishedAt:        published,
		IngestedAt:         ingested,
		SourceURL:          sourceURL,
		AttributionDepth:   depth,
		InformationType:    informationTypeFromString(infoTypeStr),
		Embedding:          toFloat32Slice(props["embedding"]),
		EmbeddingPending:   embeddingPending,
	}, nil
}

// relationshipToDomain extracts a Relationship from a Neo4j RELATES_TO edge.
func relationshipToDomain(rel dbtype.Relationship, source, target ids.EntityID) (*apitypes.Relationship, error) {
	props := rel.Props

	idStr, _ := props["id"].(string)
	description, _ := props["description"].(string)
	if idStr == "" {
		return nil, fmt.Errorf("graph: relationship missing id")
	}

	weight, _ := props["weight"].(float64)
	confidence, _ := props["confidence"].(float64)
	bidirectional, _ := props["bidirectional"].(bool)
	embeddingPending, _ := props["embedding_pending"].(bool)

	var timestamp time.Time
	if tsStr, ok := props["timestamp"].(string); ok {
		t, err := parseTime(tsStr)
		if err != nil {
			return nil, err
		}
		timestamp = t
	}

	return &apitypes.Relationship{
		ID:               ids.RelationshipID(idStr),
		SourceEntity:     source,
		TargetEntity:     target,
		Description:      description,
		Weight:           weight,
		Confidence:       confidence,
		Bidirectional:    bidirectional,
		Timestamp:        timestamp,
		Embedding:        toFloat32Slice(props["embedding"]),
		EmbeddingPending: embeddingPending,
	}, nil
}

// escapeLucene escapes Lucene special characters for full-text query params,
// matching the set Neo4j's fulltext query parser treats specially.
func escapeLucene(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '+', '-', '&', '|', '!', '(', ')', '{', '}', '[', ']', '^', '"', '~', '*', '?', ':', '\\', '/':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func asRecordNode(record *neo4j.Record, key string) (dbtype.Node, bool) {
	v, ok := record.Get(key)
	if !ok || v == nil {
		return dbtype.Node{}, false
	}
	node, ok := v.(dbtype.Node)
	return node, ok
}

func asRecordRelationship(record *neo4j.Record, key string) (dbtype.Relationship, bool) {
	v, ok := record.Get(key)
	if !ok || v == nil {
		return dbtype.Relationship{}, false
	}
	rel, ok := v.(dbtype.Relationship)
	return rel, ok
}

func asRecordString(record *neo4j.Record, key string) string {
	v, ok := record.Get(key)
	if !ok || v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

func asRecordStringSlice(record *neo4j.Record, key string) []string {
	v, ok := record.Get(key)
	if !ok || v == nil {
		return nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func asRecordFloat64(record *neo4j.Record, key string) float64 {
	v, ok := record.Get(key)
	if !ok || v == nil {
		return 0
	}
	f, _ := v.(float64)
	return f
}
