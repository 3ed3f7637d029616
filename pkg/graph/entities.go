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

// EntityUpdate carries the partial fields of an update_entity call; unset
// pointers leave the corresponding node property untouched.
type EntityUpdate struct {
	CanonicalName *string
	Aliases       []string
	Kind          *string
	Summary       *string
	Stub          *bool
	Properties    map[string]any
}

// CreateEntity writes a new Entity node. If embedding is nil the node is
// marked embedding_pending for the backfill pipeline to pick up later.
func (c *Client) CreateEntity(ctx context.Context, e *apitypes.Entity) error {
	start := time.Now()
	defer c.observe("entity", "create", start)

	aliasesJSON, err := marshalAliases(e.Aliases)
	if err != nil {
		return err
	}

	params := map[string]any{
		"id":                string(e.ID),
		"canonical_name":    e.CanonicalName,
		"aliases":           aliasesJSON,
		"aliases_text":      buildAliasesText(e.Aliases),
		"kind":              e.Kind,
		"is_stub":           e.Stub,
		"last_updated":      formatTime(e.LastUpdated),
		"embedding_pending": len(e.Embedding) == 0,
	}
	if e.Summary != "" {
		params["summary"] = e.Summary
	}
	if len(e.Embedding) > 0 {
		params["embedding"] = toFloat64Slice(e.Embedding)
	}
	for k, v := range flattenProperties(e.Properties) {
		params[k] = v
	}

	cypher := "CREATE (e:Entity {id: $id, canonical_name: $canonical_name, aliases: $aliases, " +
		"aliases_text: $aliases_text, kind: $kind, is_stub: $is_stub, last_updated: $last_updated, " +
		"embedding_pending: $embedding_pending}) SET e += $extra RETURN e"

	extra := map[string]any{}
	for _, key := range []string{"summary", "embedding"} {
		if v, ok := params[key]; ok {
			extra[key] = v
			delete(params, key)
		}
	}
	for k, v := range flattenProperties(e.Properties) {
		extra[k] = v
		delete(params, k)
	}
	params["extra"] = extra

	session := c.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer closeSession(ctx, session, c.logger)

	_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		_, err = res.Single(ctx)
		return nil, err
	})
	if err != nil {
		return wrapHard("create_entity", err)
	}
	return nil
}

// GetEntity fetches an Entity by id.
func (c *Client) GetEntity(ctx context.Context, id ids.EntityID) (*apitypes.Entity, error) {
	start := time.Now()
	defer c.observe("entity", "get", start)

	session := c.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer closeSession(ctx, session, c.logger)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, "MATCH (e:Entity {id: $id}) RETURN e", map[string]any{"id": string(id)})
		if err != nil {
			return nil, err
		}
		record, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		node, ok := asRecordNode(record, "e")
		if !ok {
			return nil, fmt.Errorf("graph: entity row missing node")
		}
		return nodeToEntity(node)
	})
	if err != nil {
		if isNoRecordsErr(err) {
			return nil, wrapNotFound("get_entity", string(id))
		}
		return nil, wrapHard("get_entity", err)
	}
	return result.(*apitypes.Entity), nil
}

// UpdateEntity applies a partial update to an existing entity. When embedding
// is non-nil, embedding_pending is cleared.
func (c *Client) UpdateEntity(ctx context.Context, e *apitypes.Entity) error {
	return c.updateEntity(ctx, e, e.Embedding)
}

// UpdateEntityWithChangeClaim updates an entity and then records a Claim
// documenting the change, per spec.md's update_entity_with_change_claim
// tool. The update and the claim are written in two separate transactions;
// a failed claim write does not roll back the entity update.
func (c *Client) UpdateEntityWithChangeClaim(ctx context.Context, e *apitypes.Entity, claim *apitypes.Claim) error {
	if err := c.updateEntity(ctx, e, e.Embedding); err != nil {
		return err
	}
	return c.CreateClaim(ctx, claim)
}

func (c *Client) updateEntity(ctx context.Context, e *apitypes.Entity, embedding []float32) error {
	start := time.Now()
	defer c.observe("entity", "update", start)

	setClauses := []string{"e.last_updated = $last_updated", "e.canonical_name = $canonical_name",
		"e.aliases = $aliases", "e.aliases_text = $aliases_text", "e.kind = $kind", "e.is_stub = $is_stub"}

	aliasesJSON, err := marshalAliases(e.Aliases)
	if err != nil {
		return err
	}

	params := map[string]any{
		"id":             string(e.ID),
		"last_updated":   formatTime(time.Now()),
		"canonical_name": e.CanonicalName,
		"aliases":        aliasesJSON,
		"aliases_text":   buildAliasesText(e.Aliases),
		"kind":           e.Kind,
		"is_stub":        e.Stub,
	}
	if e.Summary != "" {
		setClauses = append(setClauses, "e.summary = $summary")
		params["summary"] = e.Summary
	}
	if len(embedding) > 0 {
		setClauses = append(setClauses, "e.embedding = $embedding", "e.embedding_pending = false")
		params["embedding"] = toFloat64Slice(embedding)
	}
	for k, v := range flattenProperties(e.Properties) {
		setClauses = append(setClauses, fmt.Sprintf("e.`%s` = $%s", k, k))
		params[k] = v
	}

	cypher := fmt.Sprintf("MATCH (e:Entity {id: $id}) SET %s RETURN e", strings.Join(setClauses, ", "))

	session := c.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer closeSession(ctx, session, c.logger)

	_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		_, err = res.Single(ctx)
		return nil, err
	})
	if err != nil {
		if isNoRecordsErr(err) {
			return wrapNotFound("update_entity", string(e.ID))
		}
		return wrapHard("update_entity", err)
	}
	return nil
}

// MergeAudit is the provenance record merge_entities leaves behind: source
// is gone by the time the caller reads this back, so target/source are
// plain ids rather than graph relationships.
type MergeAudit struct {
	ID       ids.MergeAuditID
	Source   ids.EntityID
	Target   ids.EntityID
	MergedAt time.Time
}

// MergeEntities folds source into target: PUBLISHED, REFERENCES, and
// RELATES_TO edges are reassigned, aliases combined, source deleted, and a
// MergeAudit record written in the same transaction (spec.md §4.5).
func (c *Client) MergeEntities(ctx context.Context, source, target ids.EntityID) error {
	start := time.Now()
	defer c.observe("entity", "merge", start)

	if source == target {
		return apitypes.NewTaxonomyError(apitypes.ErrorValidation, "graph", "cannot merge an entity with itself", nil)
	}

	sourceEntity, err := c.GetEntity(ctx, source)
	if err != nil {
		return err
	}
	targetEntity, err := c.GetEntity(ctx, target)
	if err != nil {
		return err
	}

	combined := append([]string{}, targetEntity.Aliases...)
	combined = appendUnique(combined, sourceEntity.CanonicalName)
	for _, a := range sourceEntity.Aliases {
		combined = appendUnique(combined, a)
	}
	aliasesJSON, err := marshalAliases(combined)
	if err != nil {
		return err
	}

	mergedAt := time.Now()
	auditID := ids.NewMergeAuditID()

	session := c.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer closeSession(ctx, session, c.logger)

	_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		statements := []struct {
			cypher string
			params map[string]any
		}{
			{
				"MATCH (source:Entity {id: $source_id})-[r:PUBLISHED]->(c:Claim) " +
					"MATCH (target:Entity {id: $target_id}) DELETE r CREATE (target)-[:PUBLISHED]->(c)",
				map[string]any{"source_id": string(source), "target_id": string(target)},
			},
			{
				"MATCH (c:Claim)-[r:REFERENCES]->(source:Entity {id: $source_id}) " +
					"MATCH (target:Entity {id: $target_id}) DELETE r CREATE (c)-[:REFERENCES]->(target)",
				map[string]any{"source_id": string(source), "target_id": string(target)},
			},
			{
				"MATCH (source:Entity {id: $source_id})-[r:RELATES_TO]->(other:Entity) " +
					"WHERE other.id <> $target_id MATCH (target:Entity {id: $target_id}) " +
					"CREATE (target)-[r2:RELATES_TO]->(other) SET r2 = properties(r) DELETE r",
				map[string]any{"source_id": string(source), "target_id": string(target)},
			},
			{
				"MATCH (other:Entity)-[r:RELATES_TO]->(source:Entity {id: $source_id}) " +
					"WHERE other.id <> $target_id MATCH (target:Entity {id: $target_id}) " +
					"CREATE (other)-[r2:RELATES_TO]->(target) SET r2 = properties(r) DELETE r",
				map[string]any{"source_id": string(source), "target_id": string(target)},
			},
			{
				"MATCH (source:Entity {id: $source_id})-[r:RELATES_TO]-() DELETE r",
				map[string]any{"source_id": string(source)},
			},
			{
				"MATCH (target:Entity {id: $target_id}) SET target.aliases = $aliases, " +
					"target.aliases_text = $aliases_text, target.last_updated = $last_updated, " +
					"target.embedding_pending = true",
				map[string]any{
					"target_id":    string(target),
					"aliases":      aliasesJSON,
					"aliases_text": buildAliasesText(combined),
					"last_updated": formatTime(time.Now()),
				},
			},
			{
				"MATCH (source:Entity {id: $source_id}) DETACH DELETE source",
				map[string]any{"source_id": string(source)},
			},
			{
				"CREATE (:MergeAudit {id: $id, source_id: $source_id, target_id: $target_id, merged_at: $merged_at})",
				map[string]any{
					"id":        string(auditID),
					"source_id": string(source),
					"target_id": string(target),
					"merged_at": formatTime(mergedAt),
				},
			},
		}

		for _, stmt := range statements {
			if _, err := tx.Run(ctx, stmt.cypher, stmt.params); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return wrapHard("merge_entities", err)
	}

	c.metrics.mergeCount.Inc()
	return nil
}

// GetMergeAuditsForEntity returns every MergeAudit record where id is either
// the surviving target or a folded-in source, newest first.
func (c *Client) GetMergeAuditsForEntity(ctx context.Context, id ids.EntityID) ([]MergeAudit, error) {
	start := time.Now()
	defer c.observe("entity", "get_merge_audits", start)

	session := c.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer closeSession(ctx, session, c.logger)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		cypher := "MATCH (m:MergeAudit) WHERE m.source_id = $id OR m.target_id = $id " +
			"RETURN m ORDER BY m.merged_at DESC"
		res, err := tx.Run(ctx, cypher, map[string]any{"id": string(id)})
		if err != nil {
			return nil, err
		}
		var audits []MergeAudit
		for res.Next(ctx) {
			node, ok := asRecordNode(res.Record(), "m")
			if !ok {
				continue
			}
			audit, err := nodeToMergeAudit(node)
			if err != nil {
				return nil, err
			}
			audits = append(audits, *audit)
		}
		return audits, res.Err()
	})
	if err != nil {
		return nil, wrapHard("get_merge_audits", err)
	}
	return result.([]MergeAudit), nil
}

func appendUnique(list []string, item string) []string {
	for _, existing := range list {
		if existing == item {
			return list
		}
	}
	return append(list, item)
}

func isNoRecordsErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "Result contains no more records")
}
