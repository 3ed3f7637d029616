package tools

import (
	"encoding/json"
	"fmt"
	"strings"

	"autosint/pkg/apitypes"
	"autosint/pkg/dispatch"
	"autosint/pkg/ids"
)

type batchEntityArg struct {
	CanonicalName string         `json:"canonical_name"`
	Kind          string         `json:"kind"`
	Summary       string         `json:"summary"`
	Properties    map[string]any `json:"properties"`
}

type batchClaimArg struct {
	Content               string   `json:"content"`
	AttributionDepth      string   `json:"attribution_depth"`
	InformationType       string   `json:"information_type"`
	ReferencedEntityNames []string `json:"referenced_entity_names"`
}

type batchRelationshipArg struct {
	SourceEntityName string  `json:"source_entity_name"`
	TargetEntityName string  `json:"target_entity_name"`
	Description      string  `json:"description"`
	Confidence       float64 `json:"confidence"`
}

type batchExtractArgs struct {
	SourceEntityID string                 `json:"source_entity_id"`
	SourceURL      string                 `json:"source_url"`
	PublishedAt    string                 `json:"published_timestamp"`
	Entities       []batchEntityArg       `json:"entities"`
	Claims         []batchClaimArg        `json:"claims"`
	Relationships  []batchRelationshipArg `json:"relationships"`
}

// handleBatchExtract ingests one source document's worth of entities,
// claims, and relationships in three sequential phases, grounded on
// batch_extract.rs. Per-item failures are collected as warnings rather than
// aborting the whole batch, matching the Rust handler's behavior exactly —
// a single bad relationship reference should not discard everything else
// the Processor already extracted from the document.
func handleBatchExtract(hctx *dispatch.HandlerContext, raw json.RawMessage) (any, error) {
	var args batchExtractArgs
	if err := unmarshalArgs(raw, &args); err != nil {
		return nil, err
	}
	sourceEntityID, err := parseEntityID(args.SourceEntityID)
	if err != nil {
		return nil, fmt.Errorf("invalid source_entity_id: %w", err)
	}
	publishedAt, err := parseRFC3339(args.PublishedAt)
	if err != nil {
		return nil, fmt.Errorf("invalid published_timestamp: %w", err)
	}

	var warnings []string
	var entitiesCreated, entitiesMatched, claimsCreated, relationshipsCreated int
	nameToID := make(map[string]ids.EntityID)

	for _, e := range args.Entities {
		candidate := &apitypes.Entity{CanonicalName: e.CanonicalName, Kind: e.Kind, Summary: e.Summary}
		dedup, err := hctx.Graph.Dedup(hctx.Context, candidate)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("dedup failed for %q: %v", e.CanonicalName, err))
			continue
		}
		switch dedup.Kind {
		case apitypes.DedupExactMatch, apitypes.DedupProbableMatch:
			nameToID[strings.ToLower(e.CanonicalName)] = dedup.MatchID
			entitiesMatched++
		default:
			entity := &apitypes.Entity{
				ID:            ids.NewEntityID(),
				CanonicalName: e.CanonicalName,
				Kind:          e.Kind,
				Summary:       e.Summary,
				Properties:    e.Properties,
				LastUpdated:   nowUTC(hctx),
			}
			embedding, pending := embedOne(hctx, entity.EmbeddingText())
			entity.Embedding = embedding
			entity.EmbeddingPending = pending
			if err := hctx.Graph.CreateEntity(hctx.Context, entity); err != nil {
				warnings = append(warnings, fmt.Sprintf("failed to create entity %q: %v", e.CanonicalName, err))
				continue
			}
			nameToID[strings.ToLower(e.CanonicalName)] = entity.ID
			entitiesCreated++
			hctx.Counters.EntitiesCreated.Add(1)
		}
	}

	resolveName := func(name string) (ids.EntityID, bool) {
		if id, ok := nameToID[strings.ToLower(name)]; ok {
			return id, true
		}
		results, err := hctx.Graph.SearchEntities(hctx.Context, name, 1)
		if err != nil || len(results) == 0 {
			return "", false
		}
		nameToID[strings.ToLower(name)] = results[0].ID
		return results[0].ID, true
	}

	for _, c := range args.Claims {
		attributionDepth, err := parseAttributionDepth(c.AttributionDepth)
		if err != nil {
			warnings = append(warnings, err.Error())
			continue
		}
		informationType, err := parseInformationType(c.InformationType)
		if err != nil {
			warnings = append(warnings, err.Error())
			continue
		}

		referenced := make([]ids.EntityID, 0, len(c.ReferencedEntityNames))
		for _, name := range c.ReferencedEntityNames {
			id, ok := resolveName(name)
			if !ok {
				warnings = append(warnings, fmt.Sprintf("could not resolve entity %q for claim reference", name))
				continue
			}
			referenced = append(referenced, id)
		}

		claim := &apitypes.Claim{
			ID:                 ids.NewClaimID(),
			Content:            c.Content,
			PublishedByEntity:  sourceEntityID,
			ReferencedEntities: referenced,
			PublishedAt:        publishedAt,
			IngestedAt:         nowUTC(hctx),
			SourceURL:          args.SourceURL,
			AttributionDepth:   attributionDepth,
			InformationType:    informationType,
		}
		embedding, pending := embedOne(hctx, claim.EmbeddingText())
		claim.Embedding = embedding
		claim.EmbeddingPending = pending

		if err := hctx.Graph.CreateClaim(hctx.Context, claim); err != nil {
			warnings = append(warnings, fmt.Sprintf("failed to create claim: %v", err))
			continue
		}
		claimsCreated++
		hctx.Counters.ClaimsCreated.Add(1)
	}

	for _, r := range args.Relationships {
		sourceID, ok := resolveName(r.SourceEntityName)
		if !ok {
			warnings = append(warnings, fmt.Sprintf("could not resolve source entity %q for relationship", r.SourceEntityName))
			continue
		}
		targetID, ok := resolveName(r.TargetEntityName)
		if !ok {
			warnings = append(warnings, fmt.Sprintf("could not resolve target entity %q for relationship", r.TargetEntityName))
			continue
		}

		rel := &apitypes.Relationship{
			ID:           ids.NewRelationshipID(),
			SourceEntity: sourceID,
			TargetEntity: targetID,
			Description:  r.Description,
			Confidence:   r.Confidence,
			Timestamp:    nowUTC(hctx),
		}
		embedding, pending := embedOne(hctx, rel.EmbeddingText())
		rel.Embedding = embedding
		rel.EmbeddingPending = pending

		if err := hctx.Graph.CreateRelationship(hctx.Context, rel); err != nil {
			warnings = append(warnings, fmt.Sprintf("failed to create relationship: %v", err))
			continue
		}
		relationshipsCreated++
		hctx.Counters.RelationshipsCreated.Add(1)
	}

	result := map[string]any{
		"entities_created":      entitiesCreated,
		"entities_matched":      entitiesMatched,
		"claims_created":        claimsCreated,
		"relationships_created": relationshipsCreated,
		"message": fmt.Sprintf(
			"Batch extraction complete: %d entities created, %d matched, %d claims, %d relationships.",
			entitiesCreated, entitiesMatched, claimsCreated, relationshipsCreated,
		),
	}
	if len(warnings) > 0 {
		result["warnings"] = warnings
	}
	return result, nil
}
