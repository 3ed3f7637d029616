package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"autosint/pkg/apitypes"
	"autosint/pkg/ids"
)

// PendingEntities returns up to limit entities whose embedding is still
// pending, for the embeddings backfill loop.
func (c *Client) PendingEntities(ctx context.Context, limit int) ([]apitypes.Entity, error) {
	start := time.Now()
	defer c.observe("entity", "pending_scan", start)

	session := c.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer closeSession(ctx, session, c.logger)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx,
			"MATCH (e:Entity {embedding_pending: true}) RETURN e LIMIT $limit",
			map[string]any{"limit": int64(limit)})
		if err != nil {
			return nil, err
		}
		var out []apitypes.Entity
		for res.Next(ctx) {
			node, ok := asRecordNode(res.Record(), "e")
			if !ok {
				continue
			}
			entity, err := nodeToEntity(node)
			if err != nil {
				return nil, err
			}
			out = append(out, *entity)
		}
		return out, res.Err()
	})
	if err != nil {
		return nil, wrapHard("pending_entities", err)
	}
	return result.([]apitypes.Entity), nil
}

// PendingClaims returns up to limit claims whose embedding is still pending.
func (c *Client) PendingClaims(ctx context.Context, limit int) ([]apitypes.Claim, error) {
	start := time.Now()
	defer c.observe("claim", "pending_scan", start)

	session := c.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer closeSession(ctx, session, c.logger)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx,
			"MATCH (c:Claim {embedding_pending: true}) "+
				"OPTIONAL MATCH (source:Entity)-[:PUBLISHED]->(c) "+
				"OPTIONAL MATCH (c)-[:REFERENCES]->(ref:Entity) "+
				"RETURN c, source.id AS source_id, collect(ref.id) AS ref_ids LIMIT $limit",
			map[string]any{"limit": int64(limit)})
		if err != nil {
			return nil, err
		}
		var out []apitypes.Claim
		for res.Next(ctx) {
			claim, err := recordToClaim(res.Record())
			if err != nil {
				return nil, err
			}
			out = append(out, *claim)
		}
		return out, res.Err()
	})
	if err != nil {
		return nil, wrapHard("pending_claims", err)
	}
	return result.([]apitypes.Claim), nil
}

// PendingRelationships returns up to limit relationships whose embedding is
// still pending.
func (c *Client) PendingRelationships(ctx context.Context, limit int) ([]apitypes.Relationship, error) {
	start := time.Now()
	defer c.observe("relationship", "pending_scan", start)

	session := c.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer closeSession(ctx, session, c.logger)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx,
			"MATCH (s:Entity)-[r:RELATES_TO {embedding_pending: true}]->(t:Entity) "+
				"RETURN r, s.id AS source_id, t.id AS target_id LIMIT $limit",
			map[string]any{"limit": int64(limit)})
		if err != nil {
			return nil, err
		}
		var out []apitypes.Relationship
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
			out = append(out, *r)
		}
		return out, res.Err()
	})
	if err != nil {
		return nil, wrapHard("pending_relationships", err)
	}
	return result.([]apitypes.Relationship), nil
}

// SetEntityEmbedding writes back a computed embedding and clears
// embedding_pending on a single entity.
func (c *Client) SetEntityEmbedding(ctx context.Context, id ids.EntityID, embedding []float32) error {
	return c.setEmbedding(ctx, "MATCH (e:Entity {id: $id}) SET e.embedding = $embedding, e.embedding_pending = false", string(id), embedding, "set_entity_embedding")
}

// SetClaimEmbedding writes back a computed embedding and clears
// embedding_pending on a single claim.
func (c *Client) SetClaimEmbedding(ctx context.Context, id ids.ClaimID, embedding []float32) error {
	return c.setEmbedding(ctx, "MATCH (c:Claim {id: $id}) SET c.embedding = $embedding, c.embedding_pending = false", string(id), embedding, "set_claim_embedding")
}

// SetRelationshipEmbedding writes back a computed embedding and clears
// embedding_pending on a single relationship.
func (c *Client) SetRelationshipEmbedding(ctx context.Context, id ids.RelationshipID, embedding []float32) error {
	return c.setEmbedding(ctx, "MATCH ()-[r:RELATES_TO {id: $id}]->() SET r.embedding = $embedding, r.embedding_pending = false", string(id), embedding, "set_relationship_embedding")
}

func (c *Client) setEmbedding(ctx context.Context, cypher, id string, embedding []float32, op string) error {
	start := time.Now()
	defer c.observe("embedding", op, start)

	session := c.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer closeSession(ctx, session, c.logger)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypher, map[string]any{"id": id, "embedding": toFloat64Slice(embedding)})
		if err != nil {
			return nil, err
		}
		_, err = res.Consume(ctx)
		return nil, err
	})
	if err != nil {
		return wrapHard(op, fmt.Errorf("%s: %w", id, err))
	}
	return nil
}
