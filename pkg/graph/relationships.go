package graph

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"autosint/pkg/apitypes"
	"autosint/pkg/ids"
)

// RelationshipUpdate carries the partial fields of an update_relationship call.
type RelationshipUpdate struct {
	Description   *string
	Weight        *float64
	Confidence    *float64
	Bidirectional *bool
	Timestamp     *time.Time
}

// CreateRelationship writes a RELATES_TO edge between two entities.
func (c *Client) CreateRelationship(ctx context.Context, r *apitypes.Relationship) error {
	start := time.Now()
	defer c.observe("relationship", "create", start)

	setParts := []string{"r.id = $id", "r.description = $description",
		"r.bidirectional = $bidirectional", "r.embedding_pending = $embedding_pending"}
	params := map[string]any{
		"source_id":         string(r.SourceEntity),
		"target_id":         string(r.TargetEntity),
		"id":                string(r.ID),
		"description":       r.Description,
		"bidirectional":     r.Bidirectional,
		"embedding_pending": len(r.Embedding) == 0,
	}
	if r.Weight != 0 {
		setParts = append(setParts, "r.weight = $weight")
		params["weight"] = r.Weight
	}
	if r.Confidence != 0 {
		setParts = append(setParts, "r.confidence = $confidence")
		params["confidence"] = r.Confidence
	}
	if !r.Timestamp.IsZero() {
		setParts = append(setParts, "r.timestamp = $timestamp")
		params["timestamp"] = formatTime(r.Timestamp)
	}
	if len(r.Embedding) > 0 {
		setParts = append(setParts, "r.embedding = $embedding")
		params["embedding"] = toFloat64Slice(r.Embedding)
	}

	cypher := fmt.Sprintf(
		"MATCH (s:Entity {id: $source_id}), (t:Entity {id: $target_id}) CREATE (s)-[r:RELATES_TO]->(t) SET %s",
		strings.Join(setParts, ", "))

	session := c.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer closeSession(ctx, session, c.logger)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		_, err = res.Consume(ctx)
		return nil, err
	})
	if err != nil {
		return wrapHard("create_relationship", err)
	}
	return nil
}

// UpdateRelationship applies a partial update to an existing relationship:
// empty/zero description, weight, confidence and timestamp leave the stored
// value unchanged. bidirectional is always written from r.
func (c *Client) UpdateRelationship(ctx context.Context, r *apitypes.Relationship) error {
	start := time.Now()
	defer c.observe("relationship", "update", start)

	setClauses := []string{}
	params := map[string]any{"id": string(r.ID)}
	if r.Description != "" {
		setClauses = append(setClauses, "r.description = $description")
		params["description"] = r.Description
	}

	if r.Weight != 0 {
		setClauses = append(setClauses, "r.weight = $weight")
		params["weight"] = r.Weight
	}
	if r.Confidence != 0 {
		setClauses = append(setClauses, "r.confidence = $confidence")
		params["confidence"] = r.Confidence
	}
	setClauses = append(setClauses, "r.bidirectional = $bidirectional")
	params["bidirectional"] = r.Bidirectional
	if !r.Timestamp.IsZero() {
		setClauses = append(setClauses, "r.timestamp = $timestamp")
		params["timestamp"] = formatTime(r.Timestamp)
	}
	if len(r.Embedding) > 0 {
		setClauses = append(setClauses, "r.embedding = $embedding", "r.embedding_pending = false")
		params["embedding"] = toFloat64Slice(r.Embedding)
	}

	cypher := fmt.Sprintf(
		"MATCH (s:Entity)-[r:RELATES_TO {id: $id}]->(t:Entity) SET %s RETURN r, s.id AS source_id, t.id AS target_id",
		strings.Join(setClauses, ", "))

	session := c.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer closeSession(ctx, session, c.logger)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		_, err = res.Single(ctx)
		return nil, err
	})
	if err != nil {
		if isNoRecordsErr(err) {
			return wrapNotFound("update_relationship", string(r.ID))
		}
		return wrapHard("update_relationship", err)
	}
	return nil
}

// TraverseRelationships walks RELATES_TO edges from an entity, filtering by
// direction, minimum weight, and an optional description substring, per
// spec.md's traverse_relationships tool.
func (c *Client) TraverseRelationships(ctx context.Context, from ids.EntityID, direction apitypes.TraversalDirection, minWeight float64, descriptionQuery string, limit int) ([]apitypes.Relationship, error) {
	start := time.Now()
	if limit <= 0 {
		limit = 100
	}

	var whereParts []string
	if minWeight > 0 {
		whereParts = append(whereParts, "r.weight >= $min_weight")
	}
	if descriptionQuery != "" {
		whereParts = append(whereParts, "toLower(r.description) CONTAINS toLower($description_query)")
	}
	whereStr := ""
	if len(whereParts) > 0 {
		whereStr = " WHERE " + strings.Join(whereParts, " AND ")
	}

	var cypher string
	switch direction {
	case apitypes.TraversalOutgoing:
		cypher = fmt.Sprintf(
			"MATCH (start:Entity {id: $entity_id})-[r:RELATES_TO]->(other:Entity)%s "+
				"RETURN r, start.id AS source_id, other.id AS target_id LIMIT $limit", whereStr)
	case apitypes.TraversalIncoming:
		cypher = fmt.Sprintf(
			"MATCH (other:Entity)-[r:RELATES_TO]->(start:Entity {id: $entity_id})%s "+
				"RETURN r, other.id AS source_id, start.id AS target_id LIMIT $limit", whereStr)
	default:
		cypher = fmt.Sprintf(
			"MATCH (start:Entity {id: $entity_id})-[r:RELATES_TO]-(other:Entity)%s "+
				"WITH r, CASE WHEN startNode(r) = start THEN start.id ELSE other.id END AS source_id, "+
				"CASE WHEN endNode(r) = start THEN start.id ELSE other.id END AS target_id "+
				"RETURN r, source_id, target_id LIMIT $limit", whereStr)
	}

	params := map[string]any{"entity_id": string(from), "limit": int64(limit)}
	if minWeight > 0 {
		params["min_weight"] = minWeight
	}
	if descriptionQuery != "" {
		params["description_query"] = descriptionQuery
	}

	session := c.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer closeSession(ctx, session, c.logger)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		var rels []apitypes.Relationship
		for res.Next(ctx) {
			record := res.Record()
			rel, ok := asRecordRelationship(record, "r")
			if !ok {
				continue
			}
			r, err := relationshipToDomain(rel, ids.EntityID(asRecordString(record, "source_id")), ids.EntityID(asRecordString(record, "target_id")))
			if err != nil {
				return nil, err
			}
			rels = append(rels, *r)
		}
		return rels, res.Err()
	})
	if err != nil {
		return nil, wrapHard("traverse_relationships", err)
	}

	rels := result.([]apitypes.Relationship)
	c.observe("relationship", "traverse", start)
	return rels, nil
}

// SearchRelationships runs a keyword full-text search over relationship
// descriptions; SearchRelationshipsSemantic is the embedding variant.
func (c *Client) SearchRelationships(ctx context.Context, query string, limit int) ([]apitypes.Relationship, error) {
	return c.searchRelationships(ctx, query, nil, limit)
}

// SearchRelationshipsSemantic is the embedding-driven variant of
// SearchRelationships.
func (c *Client) SearchRelationshipsSemantic(ctx context.Context, queryEmbedding []float32, limit int) ([]apitypes.Relationship, error) {
	return c.searchRelationships(ctx, "", queryEmbedding, limit)
}

func (c *Client) searchRelationships(ctx context.Context, query string, queryEmbedding []float32, limit int) ([]apitypes.Relationship, error) {
	start := time.Now()
	if limit <= 0 {
		limit = 20
	}

	var cypher, mode string
	params := map[string]any{"limit": int64(limit)}

	if len(queryEmbedding) > 0 {
		mode = "semantic"
		params["embedding"] = toFloat64Slice(queryEmbedding)
		cypher = "CALL db.index.vector.queryRelationships('relates_to_embedding', $limit, $embedding) " +
			"YIELD relationship AS r, score MATCH (s:Entity)-[r]->(t:Entity) " +
			"RETURN r, s.id AS source_id, t.id AS target_id ORDER BY score DESC"
	} else {
		mode = "keyword"
		params["query"] = escapeLucene(query)
		cypher = "CALL db.index.fulltext.queryRelationships('relationship_desc_fulltext', $query) " +
			"YIELD relationship AS r, score MATCH (s:Entity)-[r]->(t:Entity) " +
			"RETURN r, s.id AS source_id, t.id AS target_id ORDER BY score DESC LIMIT $limit"
	}

	session := c.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer closeSession(ctx, session, c.logger)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		var rels []apitypes.Relationship
		for res.Next(ctx) {
			record := res.Record()
			rel, ok := asRecordRelationship(record, "r")
			if !ok {
				continue
			}
			r, err := relationshipToDomain(rel, ids.EntityID(asRecordString(record, "source_id")), ids.EntityID(asRecordString(record, "target_id")))
			if err != nil {
				return nil, err
			}
			rels = append(rels, *r)
		}
		return rels, res.Err()
	})
	if err != nil {
		return nil, wrapHard("search_relationships", err)
	}

	rels := result.([]apitypes.Relationship)
	c.observe("relationship", "search", start)
	c.metrics.searchCount.WithLabelValues("relationship", mode).Observe(float64(len(rels)))
	return rels, nil
}
