package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"autosint/pkg/apitypes"
	"autosint/pkg/ids"
)

// CreateClaim writes a Claim node plus its PUBLISHED (source → claim) and
// REFERENCES (claim → referenced entities) edges in one transaction.
func (c *Client) CreateClaim(ctx context.Context, claim *apitypes.Claim) error {
	start := time.Now()
	defer c.observe("claim", "create", start)

	params := map[string]any{
		"id":                  string(claim.ID),
		"content":             claim.Content,
		"published_timestamp": formatTime(claim.PublishedAt),
		"ingested_timestamp":  formatTime(claim.IngestedAt),
		"attribution_depth":   string(claim.AttributionDepth),
		"information_type":    string(claim.InformationType),
		"embedding_pending":   len(claim.Embedding) == 0,
		"source_entity_id":    string(claim.PublishedByEntity),
	}
	if claim.SourceURL != "" {
		params["raw_source_link"] = claim.SourceURL
	}
	if len(claim.Embedding) > 0 {
		params["embedding"] = toFloat64Slice(claim.Embedding)
	}

	referencedIDs := make([]string, len(claim.ReferencedEntities))
	for i, id := range claim.ReferencedEntities {
		referencedIDs[i] = string(id)
	}
	params["referenced_entity_ids"] = referencedIDs

	session := c.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer closeSession(ctx, session, c.logger)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		check, err := tx.Run(ctx, "MATCH (e:Entity {id: $source_entity_id}) RETURN e.id AS id", params)
		if err != nil {
			return nil, err
		}
		if _, err := check.Single(ctx); err != nil {
			return nil, fmt.Errorf("source entity %s not found: %w", claim.PublishedByEntity, err)
		}

		createCypher := "CREATE (c:Claim {id: $id, content: $content, published_timestamp: $published_timestamp, " +
			"ingested_timestamp: $ingested_timestamp, attribution_depth: $attribution_depth, " +
			"information_type: $information_type, embedding_pending: $embedding_pending}) SET c += $extra"
		extra := map[string]any{}
		if v, ok := params["raw_source_link"]; ok {
			extra["raw_source_link"] = v
		}
		if v, ok := params["embedding"]; ok {
			extra["embedding"] = v
		}
		params["extra"] = extra

		if _, err := tx.Run(ctx, createCypher, params); err != nil {
			return nil, err
		}

		if _, err := tx.Run(ctx,
			"MATCH (e:Entity {id: $source_entity_id}), (c:Claim {id: $id}) CREATE (e)-[:PUBLISHED]->(c)",
			params); err != nil {
			return nil, err
		}

		for _, refID := range referencedIDs {
			if _, err := tx.Run(ctx,
				"MATCH (c:Claim {id: $id}), (e:Entity {id: $ref_id}) CREATE (c)-[:REFERENCES]->(e)",
				map[string]any{"id": string(claim.ID), "ref_id": refID}); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return wrapHard("create_claim", err)
	}
	return nil
}

// GetClaim fetches a Claim by id, including its source and referenced entities.
func (c *Client) GetClaim(ctx context.Context, id ids.ClaimID) (*apitypes.Claim, error) {
	start := time.Now()
	defer c.observe("claim", "get", start)

	session := c.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer closeSession(ctx, session, c.logger)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx,
			"MATCH (c:Claim {id: $id}) OPTIONAL MATCH (source:Entity)-[:PUBLISHED]->(c) "+
				"OPTIONAL MATCH (c)-[:REFERENCES]->(ref:Entity) "+
				"RETURN c, source.id AS source_id, collect(ref.id) AS ref_ids",
			map[string]any{"id": string(id)})
		if err != nil {
			return nil, err
		}
		record, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		return recordToClaim(record)
	})
	if err != nil {
		if isNoRecordsErr(err) {
			return nil, wrapNotFound("get_claim", string(id))
		}
		return nil, wrapHard("get_claim", err)
	}
	return result.(*apitypes.Claim), nil
}

func recordToClaim(record *neo4j.Record) (*apitypes.Claim, error) {
	node, ok := asRecordNode(record, "c")
	if !ok {
		return nil, fmt.Errorf("graph: claim row missing node")
	}
	source := ids.EntityID(asRecordString(record, "source_id"))
	refStrs := asRecordStringSlice(record, "ref_ids")
	referenced := make([]ids.EntityID, len(refStrs))
	for i, s := range refStrs {
		referenced[i] = ids.EntityID(s)
	}
	return nodeToClaim(node, source, referenced)
}

// SearchClaims runs a keyword full-text claim search when filter.Query is
// set, else returns the most recently ingested claims. Only Query and Limit
// are used: the published-time bounds, attribution depths, information
// types and SortBy fields of filter are not applied.
func (c *Client) SearchClaims(ctx context.Context, filter apitypes.ClaimSearchFilter) ([]apitypes.Claim, error) {
	return c.searchClaims(ctx, filter, nil)
}

// SearchClaimsSemantic is the embedding-driven variant of SearchClaims,
// called by handlers that have already computed a query embedding.
func (c *Client) SearchClaimsSemantic(ctx context.Context, filter apitypes.ClaimSearchFilter, queryEmbedding []float32) ([]apitypes.Claim, error) {
	return c.searchClaims(ctx, filter, queryEmbedding)
}

func (c *Client) searchClaims(ctx context.Context, filter apitypes.ClaimSearchFilter, queryEmbedding []float32) ([]apitypes.Claim, error) {
	start := time.Now()
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}

	var cypher, mode string
	params := map[string]any{"limit": int64(limit)}

	switch {
	case len(queryEmbedding) > 0:
		mode = "semantic"
		params["embedding"] = toFloat64Slice(queryEmbedding)
		cypher = "CALL db.index.vector.queryNodes('claim_embedding', $limit, $embedding) " +
			"YIELD node AS c, score " +
			"OPTIONAL MATCH (source:Entity)-[:PUBLISHED]->(c) " +
			"OPTIONAL MATCH (c)-[:REFERENCES]->(ref:Entity) " +
			"RETURN c, source.id AS source_id, collect(ref.id) AS ref_ids, score ORDER BY score DESC"
	case filter.Query != "":
		mode = "keyword"
		params["query"] = escapeLucene(filter.Query)
		cypher = "CALL db.index.fulltext.queryNodes('claim_content_fulltext', $query) " +
			"YIELD node AS c, score " +
			"OPTIONAL MATCH (source:Entity)-[:PUBLISHED]->(c) " +
			"OPTIONAL MATCH (c)-[:REFERENCES]->(ref:Entity) " +
			"RETURN c, source.id AS source_id, collect(ref.id) AS ref_ids, score " +
			"ORDER BY score DESC LIMIT $limit"
	default:
		mode = "filter"
		cypher = "MATCH (c:Claim) OPTIONAL MATCH (source:Entity)-[:PUBLISHED]->(c) " +
			"OPTIONAL MATCH (c)-[:REFERENCES]->(ref:Entity) " +
			"RETURN c, source.id AS source_id, collect(ref.id) AS ref_ids, 1.0 AS score " +
			"ORDER BY c.ingested_timestamp DESC LIMIT $limit"
	}

	session := c.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer closeSession(ctx, session, c.logger)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		var claims []apitypes.Claim
		for res.Next(ctx) {
			claim, err := recordToClaim(res.Record())
			if err != nil {
				return nil, err
			}
			claims = append(claims, *claim)
		}
		return claims, res.Err()
	})
	if err != nil {
		return nil, wrapHard("search_claims", err)
	}

	claims := result.([]apitypes.Claim)
	c.observe("claim", "search", start)
	c.metrics.searchCount.WithLabelValues("claim", mode).Observe(float64(len(claims)))
	return claims, nil
}
