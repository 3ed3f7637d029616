package tools

import (
	"encoding/json"
	"fmt"

	"autosint/pkg/apitypes"
	"autosint/pkg/dispatch"
	"autosint/pkg/ids"
)

type createRelationshipArgs struct {
	SourceEntityID string  `json:"source_entity_id"`
	TargetEntityID string  `json:"target_entity_id"`
	Description    string  `json:"description"`
	Weight         float64 `json:"weight"`
	Confidence     float64 `json:"confidence"`
	Bidirectional  bool    `json:"bidirectional"`
	Timestamp      string  `json:"timestamp"`
}

func handleCreateRelationship(hctx *dispatch.HandlerContext, raw json.RawMessage) (any, error) {
	var args createRelationshipArgs
	if err := unmarshalArgs(raw, &args); err != nil {
		return nil, err
	}

	sourceID, err := parseEntityID(args.SourceEntityID)
	if err != nil {
		return nil, fmt.Errorf("invalid source_entity_id: %w", err)
	}
	targetID, err := parseEntityID(args.TargetEntityID)
	if err != nil {
		return nil, fmt.Errorf("invalid target_entity_id: %w", err)
	}

	rel := &apitypes.Relationship{
		ID:            ids.NewRelationshipID(),
		SourceEntity:  sourceID,
		TargetEntity:  targetID,
		Description:   args.Description,
		Weight:        args.Weight,
		Confidence:    args.Confidence,
		Bidirectional: args.Bidirectional,
		Timestamp:     nowUTC(hctx),
	}
	if args.Timestamp != "" {
		ts, err := parseRFC3339(args.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp: %w", err)
		}
		rel.Timestamp = ts
	}

	embedding, pending := embedOne(hctx, rel.EmbeddingText())
	rel.Embedding = embedding
	rel.EmbeddingPending = pending

	if err := hctx.Graph.CreateRelationship(hctx.Context, rel); err != nil {
		return nil, fmt.Errorf("failed to create relationship: %w", err)
	}
	hctx.Counters.RelationshipsCreated.Add(1)

	return map[string]any{
		"relationship_id":  string(rel.ID),
		"source_entity_id": string(rel.SourceEntity),
		"target_entity_id": string(rel.TargetEntity),
		"description":      rel.Description,
		"message":          "Relationship created successfully.",
	}, nil
}

type updateRelationshipArgs struct {
	RelationshipID string   `json:"relationship_id"`
	Description    *string  `json:"description"`
	Weight         *float64 `json:"weight"`
	Confidence     *float64 `json:"confidence"`
	Bidirectional  *bool    `json:"bidirectional"`
	Timestamp      *string  `json:"timestamp"`
}

func handleUpdateRelationship(hctx *dispatch.HandlerContext, raw json.RawMessage) (any, error) {
	var args updateRelationshipArgs
	if err := unmarshalArgs(raw, &args); err != nil {
		return nil, err
	}
	relID, err := parseRelationshipID(args.RelationshipID)
	if err != nil {
		return nil, err
	}

	// The graph store has no get-by-id for relationships in this contract;
	// callers are expected to have the current relationship shape in hand
	// (e.g. from a prior search/traverse result), so update applies the
	// supplied fields directly onto a fresh struct addressed by ID.
	updated := &apitypes.Relationship{ID: relID}
	if args.Description != nil {
		updated.Description = *args.Description
	}
	if args.Weight != nil {
		updated.Weight = *args.Weight
	}
	if args.Confidence != nil {
		updated.Confidence = *args.Confidence
	}
	if args.Bidirectional != nil {
		updated.Bidirectional = *args.Bidirectional
	}
	updated.Timestamp = nowUTC(hctx)
	if args.Timestamp != nil {
		ts, err := parseRFC3339(*args.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp: %w", err)
		}
		updated.Timestamp = ts
	}
	if args.Description != nil {
		embedding, pending := embedOne(hctx, updated.EmbeddingText())
		updated.Embedding = embedding
		updated.EmbeddingPending = pending
	}

	if err := hctx.Graph.UpdateRelationship(hctx.Context, updated); err != nil {
		return nil, fmt.Errorf("failed to update relationship: %w", err)
	}

	return map[string]any{
		"relationship_id": string(updated.ID),
		"description":     updated.Description,
		"message":         "Relationship updated successfully.",
	}, nil
}

type searchRelationshipsArgs struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

func handleSearchRelationships(hctx *dispatch.HandlerContext, raw json.RawMessage) (any, error) {
	var args searchRelationshipsArgs
	if err := unmarshalArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.Limit <= 0 {
		args.Limit = 10
	}

	results, err := hctx.Graph.SearchRelationships(hctx.Context, args.Query, args.Limit)
	if err != nil {
		return nil, fmt.Errorf("relationship search failed: %w", err)
	}

	items := make([]map[string]any, 0, len(results))
	for i := range results {
		r := &results[i]
		items = append(items, map[string]any{
			"id":               string(r.ID),
			"description":      r.Description,
			"weight":           r.Weight,
			"confidence":       r.Confidence,
			"bidirectional":    r.Bidirectional,
			"source_entity_id": string(r.SourceEntity),
			"target_entity_id": string(r.TargetEntity),
		})
	}
	return map[string]any{"results": items}, nil
}

type traverseRelationshipsArgs struct {
	EntityID         string  `json:"entity_id"`
	Direction        string  `json:"direction"`
	DescriptionQuery string  `json:"description_query"`
	MinWeight        float64 `json:"min_weight"`
	Limit            int     `json:"limit"`
}

func handleTraverseRelationships(hctx *dispatch.HandlerContext, raw json.RawMessage) (any, error) {
	var args traverseRelationshipsArgs
	if err := unmarshalArgs(raw, &args); err != nil {
		return nil, err
	}
	entityID, err := parseEntityID(args.EntityID)
	if err != nil {
		return nil, err
	}
	direction, err := parseDirection(args.Direction)
	if err != nil {
		return nil, err
	}
	if args.Limit <= 0 {
		args.Limit = 10
	}

	results, err := hctx.Graph.TraverseRelationships(hctx.Context, entityID, direction, args.MinWeight, args.DescriptionQuery, args.Limit)
	if err != nil {
		return nil, fmt.Errorf("traversal failed: %w", err)
	}

	items := make([]map[string]any, 0, len(results))
	for i := range results {
		r := &results[i]
		items = append(items, map[string]any{
			"id":               string(r.ID),
			"description":      r.Description,
			"weight":           r.Weight,
			"confidence":       r.Confidence,
			"bidirectional":    r.Bidirectional,
			"source_entity_id": string(r.SourceEntity),
			"target_entity_id": string(r.TargetEntity),
		})
	}
	return map[string]any{"results": items}, nil
}
