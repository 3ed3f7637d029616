package graph

import (
	"context"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/xrash/smetrics"

	"autosint/pkg/apitypes"
	"autosint/pkg/ids"
)

// LLMDedupJudge is the stage-4 dedup interface: an LLM call that judges
// whether a candidate and an existing entity describe the same real-world
// thing. The package has no implementation of it, and Dedup never calls an
// installed judge: when the first three stages find nothing, the cascade
// reports DedupNoMatch.
type LLMDedupJudge interface {
	Judge(ctx context.Context, candidate, existing *apitypes.Entity) (confidence float64, ok bool, err error)
}

// Dedup runs the deduplication cascade against candidate: exact string
// match, fuzzy string match (Jaro-Winkler), then embedding similarity when
// the candidate has an embedding. No LLM judgment stage runs, even when a
// judge is installed.
func (c *Client) Dedup(ctx context.Context, candidate *apitypes.Entity) (apitypes.DedupOutcome, error) {
	start := time.Now()
	defer c.observe("entity", "dedup", start)

	if matchID, err := c.exactStringMatch(ctx, candidate.CanonicalName); err != nil {
		return apitypes.DedupOutcome{}, err
	} else if matchID != "" {
		c.metrics.dedupHits.WithLabelValues("exact_string").Inc()
		return apitypes.DedupOutcome{Kind: apitypes.DedupExactMatch, MatchID: matchID, Confidence: 1.0}, nil
	}

	if matchID, confidence, err := c.fuzzyStringMatch(ctx, candidate.CanonicalName); err != nil {
		return apitypes.DedupOutcome{}, err
	} else if matchID != "" {
		c.metrics.dedupHits.WithLabelValues("fuzzy_string").Inc()
		return apitypes.DedupOutcome{Kind: apitypes.DedupProbableMatch, MatchID: matchID, Confidence: confidence}, nil
	}

	if len(candidate.Embedding) > 0 {
		if matchID, confidence, err := c.embeddingSimilarityMatch(ctx, candidate.Embedding); err != nil {
			return apitypes.DedupOutcome{}, err
		} else if matchID != "" {
			c.metrics.dedupHits.WithLabelValues("embedding_similarity").Inc()
			return apitypes.DedupOutcome{Kind: apitypes.DedupProbableMatch, MatchID: matchID, Confidence: confidence}, nil
		}
	}

	if c.llmDedupJudge != nil {
		// The judge is not consulted; the cascade falls through to NoMatch
		// below either way.
		_ = c.llmDedupJudge
	}

	c.metrics.dedupHits.WithLabelValues("no_match").Inc()
	return apitypes.DedupOutcome{Kind: apitypes.DedupNoMatch}, nil
}

// exactStringMatch checks canonical_name equality first, then falls back to
// a fulltext scan of candidates so aliases can be checked case-insensitively
// in Go (Neo4j's fulltext index isn't exact-match aware).
func (c *Client) exactStringMatch(ctx context.Context, name string) (ids.EntityID, error) {
	nameLower := strings.ToLower(name)

	session := c.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer closeSession(ctx, session, c.logger)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx,
			"MATCH (e:Entity) WHERE toLower(e.canonical_name) = $name RETURN e.id AS id LIMIT 1",
			map[string]any{"name": nameLower})
		if err != nil {
			return nil, err
		}
		if record, err := res.Single(ctx); err == nil {
			return asRecordString(record, "id"), nil
		}

		res2, err := tx.Run(ctx,
			"CALL db.index.fulltext.queryNodes('entity_name_fulltext', $name) YIELD node, score RETURN node LIMIT 10",
			map[string]any{"name": escapeLucene(name)})
		if err != nil {
			return nil, err
		}
		for res2.Next(ctx) {
			node, ok := asRecordNode(res2.Record(), "node")
			if !ok {
				continue
			}
			entity, err := nodeToEntity(node)
			if err != nil {
				return nil, err
			}
			if strings.ToLower(entity.CanonicalName) == nameLower {
				return string(entity.ID), nil
			}
			for _, alias := range entity.Aliases {
				if strings.ToLower(alias) == nameLower {
					return string(entity.ID), nil
				}
			}
		}
		return "", res2.Err()
	})
	if err != nil {
		return "", wrapHard("dedup_exact_string", err)
	}
	return ids.EntityID(result.(string)), nil
}

// fuzzyStringMatch scores the top fulltext candidates with Jaro-Winkler
// similarity against the candidate name, canonical_name, and each alias,
// keeping the best match above the configured threshold.
func (c *Client) fuzzyStringMatch(ctx context.Context, name string) (ids.EntityID, float64, error) {
	nameLower := strings.ToLower(name)

	session := c.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer closeSession(ctx, session, c.logger)

	type match struct {
		id    string
		score float64
	}

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx,
			"CALL db.index.fulltext.queryNodes('entity_name_fulltext', $name) YIELD node, score RETURN node LIMIT 10",
			map[string]any{"name": escapeLucene(name)})
		if err != nil {
			return nil, err
		}

		var best match
		for res.Next(ctx) {
			node, ok := asRecordNode(res.Record(), "node")
			if !ok {
				continue
			}
			entity, err := nodeToEntity(node)
			if err != nil {
				return nil, err
			}

			score := smetrics.JaroWinkler(nameLower, strings.ToLower(entity.CanonicalName), 0.7, 4)
			for _, alias := range entity.Aliases {
				if s := smetrics.JaroWinkler(nameLower, strings.ToLower(alias), 0.7, 4); s > score {
					score = s
				}
			}

			if score >= c.dedupConfig.FuzzyThreshold && score > best.score {
				best = match{id: string(entity.ID), score: score}
			}
		}
		return best, res.Err()
	})
	if err != nil {
		return "", 0, wrapHard("dedup_fuzzy_string", err)
	}

	m := result.(match)
	return ids.EntityID(m.id), m.score, nil
}

// embeddingSimilarityMatch finds the nearest Entity node by cosine
// similarity in the vector index and accepts it if the score clears
// the embedding threshold.
func (c *Client) embeddingSimilarityMatch(ctx context.Context, embedding []float32) (ids.EntityID, float64, error) {
	session := c.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer closeSession(ctx, session, c.logger)

	type match struct {
		id    string
		score float64
	}

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx,
			"CALL db.index.vector.queryNodes('entity_embedding', 5, $embedding) YIELD node, score "+
				"RETURN node, score ORDER BY score DESC LIMIT 1",
			map[string]any{"embedding": toFloat64Slice(embedding)})
		if err != nil {
			return nil, err
		}
		record, err := res.Single(ctx)
		if err != nil {
			return match{}, nil
		}
		node, ok := asRecordNode(record, "node")
		if !ok {
			return match{}, nil
		}
		entity, err := nodeToEntity(node)
		if err != nil {
			return nil, err
		}
		score := asRecordFloat64(record, "score")
		if score < c.dedupConfig.EmbeddingThreshold {
			return match{}, nil
		}
		return match{id: string(entity.ID), score: score}, nil
	})
	if err != nil {
		return "", 0, wrapHard("dedup_embedding_similarity", err)
	}

	m := result.(match)
	return ids.EntityID(m.id), m.score, nil
}
