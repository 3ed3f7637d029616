package tools

import (
	"encoding/json"
	"fmt"
	"time"

	"autosint/pkg/apitypes"
	"autosint/pkg/dispatch"
	"autosint/pkg/ids"
)

type createClaimArgs struct {
	Content             string   `json:"content"`
	SourceEntityID      string   `json:"source_entity_id"`
	PublishedAt         string   `json:"published_timestamp"`
	AttributionDepth    string   `json:"attribution_depth"`
	InformationType     string   `json:"information_type"`
	ReferencedEntityIDs []string `json:"referenced_entity_ids"`
	RawSourceLink       string   `json:"raw_source_link"`
}

func handleCreateClaim(hctx *dispatch.HandlerContext, raw json.RawMessage) (any, error) {
	var args createClaimArgs
	if err := unmarshalArgs(raw, &args); err != nil {
		return nil, err
	}

	sourceEntityID, err := parseEntityID(args.SourceEntityID)
	if err != nil {
		return nil, fmt.Errorf("invalid source_entity_id: %w", err)
	}
	attributionDepth, err := parseAttributionDepth(args.AttributionDepth)
	if err != nil {
		return nil, err
	}
	informationType, err := parseInformationType(args.InformationType)
	if err != nil {
		return nil, err
	}
	publishedAt, err := parseRFC3339(args.PublishedAt)
	if err != nil {
		return nil, fmt.Errorf("invalid published_timestamp: %w", err)
	}

	referenced := make([]ids.EntityID, 0, len(args.ReferencedEntityIDs))
	for _, s := range args.ReferencedEntityIDs {
		id, err := parseEntityID(s)
		if err != nil {
			return nil, fmt.Errorf("invalid referenced_entity_id %q: %w", s, err)
		}
		referenced = append(referenced, id)
	}

	claim := &apitypes.Claim{
		ID:                 ids.NewClaimID(),
		Content:            args.Content,
		PublishedByEntity:  sourceEntityID,
		ReferencedEntities: referenced,
		PublishedAt:        publishedAt,
		IngestedAt:         nowUTC(hctx),
		SourceURL:          args.RawSourceLink,
		AttributionDepth:   attributionDepth,
		InformationType:    informationType,
	}
	embedding, pending := embedOne(hctx, claim.EmbeddingText())
	claim.Embedding = embedding
	claim.EmbeddingPending = pending

	if err := hctx.Graph.CreateClaim(hctx.Context, claim); err != nil {
		return nil, fmt.Errorf("failed to create claim: %w", err)
	}
	hctx.Counters.ClaimsCreated.Add(1)

	return map[string]any{
		"claim_id":              string(claim.ID),
		"content":               claim.Content,
		"source_entity_id":      string(claim.PublishedByEntity),
		"referenced_entity_ids": entityIDStrings(claim.ReferencedEntities),
		"message":               "Claim created successfully.",
	}, nil
}

type searchClaimsArgs struct {
	Query            string `json:"query"`
	PublishedAfter   string `json:"published_after"`
	PublishedBefore  string `json:"published_before"`
	AttributionDepth string `json:"attribution_depth"`
	InformationType  string `json:"information_type"`
	SortBy           string `json:"sort_by"`
	Limit            int    `json:"limit"`
}

// handleSearchClaims follows search_claims.rs's temporal/attribution
// filtering, narrowed to the fields apitypes.ClaimSearchFilter actually
// carries — unlike the Rust handler it has no entity_id/source_entity_id
// filter, since dispatch.GraphClient.SearchClaims's filter struct doesn't
// expose one. The temporal/classification filters and sort are parsed into
// the filter, but graph.Client's claim search applies only Query and Limit.
func handleSearchClaims(hctx *dispatch.HandlerContext, raw json.RawMessage) (any, error) {
	var args searchClaimsArgs
	if err := unmarshalArgs(raw, &args); err != nil {
		return nil, err
	}

	filter := apitypes.ClaimSearchFilter{Query: args.Query, Limit: args.Limit}
	if filter.Limit <= 0 {
		filter.Limit = 10
	}

	if args.PublishedAfter != "" {
		t, err := parseRFC3339(args.PublishedAfter)
		if err != nil {
			return nil, fmt.Errorf("invalid published_after: %w", err)
		}
		filter.PublishedAfter = &t
	}
	if args.PublishedBefore != "" {
		t, err := parseRFC3339(args.PublishedBefore)
		if err != nil {
			return nil, fmt.Errorf("invalid published_before: %w", err)
		}
		filter.PublishedBefore = &t
	}
	if args.AttributionDepth != "" {
		depth, err := parseAttributionDepth(args.AttributionDepth)
		if err != nil {
			return nil, err
		}
		filter.AttributionDepths = []apitypes.AttributionDepth{depth}
	}
	if args.InformationType != "" {
		infoType, err := parseInformationType(args.InformationType)
		if err != nil {
			return nil, err
		}
		filter.InformationTypes = []apitypes.InformationType{infoType}
	}
	switch args.SortBy {
	case "", string(apitypes.SortByPublishedTimestamp):
		filter.SortBy = apitypes.SortByPublishedTimestamp
	case string(apitypes.SortByIngestedTimestamp):
		filter.SortBy = apitypes.SortByIngestedTimestamp
	case string(apitypes.SortByScore):
		filter.SortBy = apitypes.SortByScore
	default:
		return nil, fmt.Errorf("invalid sort_by %q", args.SortBy)
	}

	results, err := hctx.Graph.SearchClaims(hctx.Context, filter)
	if err != nil {
		return nil, fmt.Errorf("claim search failed: %w", err)
	}

	items := make([]map[string]any, 0, len(results))
	for i := range results {
		c := &results[i]
		items = append(items, map[string]any{
			"id":                string(c.ID),
			"content":           c.Content,
			"source_entity_id":  string(c.PublishedByEntity),
			"published_at":      c.PublishedAt.Format(time.RFC3339),
			"attribution_depth": string(c.AttributionDepth),
			"information_type":  string(c.InformationType),
			"source_url":        c.SourceURL,
		})
	}
	return map[string]any{"results": items}, nil
}
