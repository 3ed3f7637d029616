package graph

import (
	"context"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"autosint/pkg/apitypes"
)

// EntitySearchFilter narrows SearchEntities beyond the query string.
type EntitySearchFilter struct {
	Kind          string
	UpdatedAfter  time.Time
	UpdatedBefore time.Time
	Limit         int
}

// SearchEntities runs a keyword full-text search over entity names and
// aliases, returning at most limit results; it applies no kind or
// last_updated filter.
func (c *Client) SearchEntities(ctx context.Context, query string, limit int) ([]apitypes.Entity, error) {
	return c.searchEntities(ctx, query, nil, EntitySearchFilter{Limit: limit})
}

// SearchEntitiesSemantic is the embedding-driven variant of SearchEntities.
func (c *Client) SearchEntitiesSemantic(ctx context.Context, queryEmbedding []float32, filter EntitySearchFilter) ([]apitypes.Entity, error) {
	return c.searchEntities(ctx, "", queryEmbedding, filter)
}

func (c *Client) searchEntities(ctx context.Context, query string, queryEmbedding []float32, filter EntitySearchFilter) ([]apitypes.Entity, error) {
	start := time.Now()
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}

	var whereParts []string
	params := map[string]any{"limit": int64(limit)}
	if filter.Kind != "" {
		whereParts = append(whereParts, "e.kind = $kind")
		params["kind"] = filter.Kind
	}
	if !filter.UpdatedAfter.IsZero() {
		whereParts = append(whereParts, "e.last_updated >= $updated_after")
		params["updated_after"] = formatTime(filter.UpdatedAfter)
	}
	if !filter.UpdatedBefore.IsZero() {
		whereParts = append(whereParts, "e.last_updated <= $updated_before")
		params["updated_before"] = formatTime(filter.UpdatedBefore)
	}
	whereStr := ""
	if len(whereParts) > 0 {
		whereStr = " WHERE " + strings.Join(whereParts, " AND ")
	}

	var cypher, mode string
	switch {
	case len(queryEmbedding) > 0:
		mode = "semantic"
		params["embedding"] = toFloat64Slice(queryEmbedding)
		cypher = "CALL db.index.vector.queryNodes('entity_embedding', $limit, $embedding) " +
			"YIELD node AS e, score" + whereStr +
			" RETURN e ORDER BY score DESC"
	case query != "":
		mode = "keyword"
		params["query"] = escapeLucene(query)
		cypher = "CALL db.index.fulltext.queryNodes('entity_name_fulltext', $query) " +
			"YIELD node AS e, score" + whereStr +
			" RETURN e ORDER BY score DESC LIMIT $limit"
	default:
		mode = "filter"
		cypher = "MATCH (e:Entity)" + whereStr +
			" RETURN e ORDER BY e.last_updated DESC LIMIT $limit"
	}

	session := c.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer closeSession(ctx, session, c.logger)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		var entities []apitypes.Entity
		for res.Next(ctx) {
			node, ok := asRecordNode(res.Record(), "e")
			if !ok {
				continue
			}
			entity, err := nodeToEntity(node)
			if err != nil {
				return nil, err
			}
			entities = append(entities, *entity)
		}
		return entities, res.Err()
	})
	if err != nil {
		return nil, wrapHard("search_entities", err)
	}

	entities := result.([]apitypes.Entity)
	c.observe("entity", "search", start)
	c.metrics.searchCount.WithLabelValues("entity", mode).Observe(float64(len(entities)))
	return entities, nil
}
