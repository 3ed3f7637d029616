package tools

import (
	"encoding/json"
	"fmt"
	"time"

	"autosint/pkg/apitypes"
	"autosint/pkg/dispatch"
	"autosint/pkg/ids"
)

// searchEntitiesArgs is shared by both Analyst and Processor registrations;
// the Processor uses it purely for dedup lookups per spec.md §4.4's table.
type searchEntitiesArgs struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

func handleSearchEntities(hctx *dispatch.HandlerContext, raw json.RawMessage) (any, error) {
	var args searchEntitiesArgs
	if err := unmarshalArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.Limit <= 0 {
		args.Limit = 10
	}

	results, err := hctx.Graph.SearchEntities(hctx.Context, args.Query, args.Limit)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	items := make([]map[string]any, 0, len(results))
	for i := range results {
		e := &results[i]
		items = append(items, map[string]any{
			"id":             string(e.ID),
			"canonical_name": e.CanonicalName,
			"kind":           e.Kind,
			"summary":        e.Summary,
			"aliases":        e.Aliases,
			"is_stub":        e.Stub,
		})
	}
	return map[string]any{"results": items}, nil
}

type getEntityArgs struct {
	EntityID string `json:"entity_id"`
}

func handleGetEntity(hctx *dispatch.HandlerContext, raw json.RawMessage) (any, error) {
	var args getEntityArgs
	if err := unmarshalArgs(raw, &args); err != nil {
		return nil, err
	}
	entityID, err := parseEntityID(args.EntityID)
	if err != nil {
		return nil, err
	}

	entity, err := hctx.Graph.GetEntity(hctx.Context, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}

	return map[string]any{
		"id":             string(entity.ID),
		"canonical_name": entity.CanonicalName,
		"kind":           entity.Kind,
		"summary":        entity.Summary,
		"aliases":        entity.Aliases,
		"is_stub":        entity.Stub,
		"last_updated":   entity.LastUpdated.Format(time.RFC3339),
		"properties":     entity.Properties,
	}, nil
}

type createEntityArgs struct {
	CanonicalName string         `json:"canonical_name"`
	Kind          string         `json:"kind"`
	Summary       string         `json:"summary"`
	Aliases       []string       `json:"aliases"`
	IsStub        bool           `json:"is_stub"`
	Properties    map[string]any `json:"properties"`
}

// handleCreateEntity runs the dedup cascade (spec.md §4.5) before ever
// writing, matching create_entity.rs: exact/probable matches are surfaced
// as "deduplicated" results instead of creating a duplicate node.
func handleCreateEntity(hctx *dispatch.HandlerContext, raw json.RawMessage) (any, error) {
	var args createEntityArgs
	if err := unmarshalArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.CanonicalName == "" || args.Kind == "" {
		return nil, fmt.Errorf("canonical_name and kind are required")
	}

	candidate := &apitypes.Entity{
		CanonicalName: args.CanonicalName,
		Kind:          args.Kind,
		Summary:       args.Summary,
	}

	dedup, err := hctx.Graph.Dedup(hctx.Context, candidate)
	if err != nil {
		return nil, fmt.Errorf("dedup check failed: %w", err)
	}

	switch dedup.Kind {
	case apitypes.DedupExactMatch, apitypes.DedupProbableMatch:
		existing, err := hctx.Graph.GetEntity(hctx.Context, dedup.MatchID)
		if err != nil {
			return nil, fmt.Errorf("failed to get existing entity: %w", err)
		}
		result := map[string]any{
			"deduplicated":   true,
			"entity_id":      string(existing.ID),
			"canonical_name": existing.CanonicalName,
			"kind":           existing.Kind,
			"summary":        existing.Summary,
			"message":        "Entity already exists. Use update_entity to modify.",
		}
		if dedup.Kind == apitypes.DedupProbableMatch {
			result["confidence"] = dedup.Confidence
			result["message"] = "Probable duplicate found. Use update_entity to modify if this is the same entity."
		}
		return result, nil
	}

	entity := &apitypes.Entity{
		ID:            ids.NewEntityID(),
		CanonicalName: args.CanonicalName,
		Kind:          args.Kind,
		Summary:       args.Summary,
		Aliases:       args.Aliases,
		Stub:          args.IsStub,
		Properties:    args.Properties,
		LastUpdated:   nowUTC(hctx),
	}
	embedding, pending := embedOne(hctx, entity.EmbeddingText())
	entity.Embedding = embedding
	entity.EmbeddingPending = pending

	if err := hctx.Graph.CreateEntity(hctx.Context, entity); err != nil {
		return nil, fmt.Errorf("failed to create entity: %w", err)
	}
	hctx.Counters.EntitiesCreated.Add(1)

	return map[string]any{
		"deduplicated":   false,
		"entity_id":      string(entity.ID),
		"canonical_name": entity.CanonicalName,
		"kind":           entity.Kind,
		"summary":        entity.Summary,
		"message":        "Entity created successfully.",
	}, nil
}

type updateEntityArgs struct {
	EntityID      string         `json:"entity_id"`
	CanonicalName *string        `json:"canonical_name"`
	Kind          *string        `json:"kind"`
	Summary       *string        `json:"summary"`
	Aliases       []string       `json:"aliases"`
	IsStub        *bool          `json:"is_stub"`
	Properties    map[string]any `json:"properties"`
}

// applyEntityPatch fetches the current entity and applies the optional
// fields from args, matching update_entity.rs's EntityUpdate merge — the
// dispatch.GraphClient contract here takes a full Entity rather than a
// sparse patch struct, so the merge happens in the handler instead of the
// store adapter.
func applyEntityPatch(hctx *dispatch.HandlerContext, entityID ids.EntityID, args updateEntityArgs) (*apitypes.Entity, bool, error) {
	current, err := hctx.Graph.GetEntity(hctx.Context, entityID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to get entity: %w", err)
	}

	needsReembed := args.CanonicalName != nil || args.Summary != nil
	if args.CanonicalName != nil {
		current.CanonicalName = *args.CanonicalName
	}
	if args.Kind != nil {
		current.Kind = *args.Kind
	}
	if args.Summary != nil {
		current.Summary = *args.Summary
	}
	if args.Aliases != nil {
		current.Aliases = args.Aliases
	}
	if args.IsStub != nil {
		current.Stub = *args.IsStub
	}
	if args.Properties != nil {
		current.Properties = args.Properties
	}
	current.LastUpdated = nowUTC(hctx)

	if needsReembed {
		embedding, pending := embedOne(hctx, current.EmbeddingText())
		current.Embedding = embedding
		current.EmbeddingPending = pending
	}

	return current, needsReembed, nil
}

func handleUpdateEntity(hctx *dispatch.HandlerContext, raw json.RawMessage) (any, error) {
	var args updateEntityArgs
	if err := unmarshalArgs(raw, &args); err != nil {
		return nil, err
	}
	entityID, err := parseEntityID(args.EntityID)
	if err != nil {
		return nil, err
	}

	updated, _, err := applyEntityPatch(hctx, entityID, args)
	if err != nil {
		return nil, err
	}
	if err := hctx.Graph.UpdateEntity(hctx.Context, updated); err != nil {
		return nil, fmt.Errorf("failed to update entity: %w", err)
	}

	return map[string]any{
		"entity_id":      string(updated.ID),
		"canonical_name": updated.CanonicalName,
		"kind":           updated.Kind,
		"summary":        updated.Summary,
		"message":        "Entity updated successfully.",
	}, nil
}

type updateEntityWithChangeClaimArgs struct {
	updateEntityArgs
	ClaimContent          string `json:"claim_content"`
	ClaimSourceEntityID   string `json:"claim_source_entity_id"`
	ClaimPublishedAt      string `json:"claim_published_timestamp"`
	ClaimAttributionDepth string `json:"claim_attribution_depth"`
	ClaimInformationType  string `json:"claim_information_type"`
	ClaimRawSourceLink    string `json:"claim_raw_source_link"`
}

// handleUpdateEntityWithChangeClaim performs the entity update and the
// change-attributing claim as two separate writes, matching
// update_entity_with_change_claim.rs — the graph is not transactional
// across records per spec.md §7, so a claim-creation failure after a
// successful entity update is reported distinctly rather than rolled back.
func handleUpdateEntityWithChangeClaim(hctx *dispatch.HandlerContext, raw json.RawMessage) (any, error) {
	var args updateEntityWithChangeClaimArgs
	if err := unmarshalArgs(raw, &args); err != nil {
		return nil, err
	}
	entityID, err := parseEntityID(args.EntityID)
	if err != nil {
		return nil, err
	}
	sourceEntityID, err := parseEntityID(args.ClaimSourceEntityID)
	if err != nil {
		return nil, fmt.Errorf("invalid claim_source_entity_id: %w", err)
	}
	attributionDepth, err := parseAttributionDepth(args.ClaimAttributionDepth)
	if err != nil {
		return nil, err
	}
	informationType, err := parseInformationType(args.ClaimInformationType)
	if err != nil {
		return nil, err
	}
	publishedAt, err := parseRFC3339(args.ClaimPublishedAt)
	if err != nil {
		return nil, fmt.Errorf("invalid claim_published_timestamp: %w", err)
	}

	updatedEntity, _, err := applyEntityPatch(hctx, entityID, args.updateEntityArgs)
	if err != nil {
		return nil, err
	}

	claim := &apitypes.Claim{
		ID:                 ids.NewClaimID(),
		Content:            args.ClaimContent,
		PublishedByEntity:  sourceEntityID,
		ReferencedEntities: []ids.EntityID{entityID},
		PublishedAt:        publishedAt,
		IngestedAt:         nowUTC(hctx),
		SourceURL:          args.ClaimRawSourceLink,
		AttributionDepth:   attributionDepth,
		InformationType:    informationType,
	}
	embedding, pending := embedOne(hctx, claim.EmbeddingText())
	claim.Embedding = embedding
	claim.EmbeddingPending = pending

	if err := hctx.Graph.UpdateEntity(hctx.Context, updatedEntity); err != nil {
		return nil, fmt.Errorf("failed to update entity: %w", err)
	}
	if err := hctx.Graph.CreateClaim(hctx.Context, claim); err != nil {
		return nil, fmt.Errorf("entity updated but claim creation failed: %w", err)
	}
	hctx.Counters.ClaimsCreated.Add(1)

	return map[string]any{
		"entity_id":      string(updatedEntity.ID),
		"canonical_name": updatedEntity.CanonicalName,
		"claim_id":       string(claim.ID),
		"message":        "Entity updated and change claim created successfully.",
	}, nil
}

type mergeEntitiesArgs struct {
	SourceEntityID string `json:"source_entity_id"`
	TargetEntityID string `json:"target_entity_id"`
	Reason         string `json:"reason"`
}

func handleMergeEntities(hctx *dispatch.HandlerContext, raw json.RawMessage) (any, error) {
	var args mergeEntitiesArgs
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

	if err := hctx.Graph.MergeEntities(hctx.Context, sourceID, targetID); err != nil {
		return nil, fmt.Errorf("failed to merge entities: %w", err)
	}

	merged, err := hctx.Graph.GetEntity(hctx.Context, targetID)
	if err != nil {
		return nil, fmt.Errorf("merge succeeded but failed to read merged entity: %w", err)
	}

	return map[string]any{
		"merged_entity_id": string(merged.ID),
		"canonical_name":   merged.CanonicalName,
		"aliases":          merged.Aliases,
		"kind":             merged.Kind,
		"message":          fmt.Sprintf("Entity %s merged into %s. All relationships and claims reassigned.", sourceID, targetID),
	}, nil
}

func nowUTC(_ *dispatch.HandlerContext) time.Time {
	return time.Now().UTC()
}
