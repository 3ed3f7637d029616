// Package graph implements the Graph Store Adapter: entity, claim, and
// relationship CRUD against Neo4j, with traversal, semantic and full-text
// search, merge, and the entity deduplication cascade (exact, fuzzy, and
// embedding stages).
package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"autosint/pkg/apitypes"
	"autosint/pkg/config"
	"autosint/pkg/logx"
)

// Client wraps a Neo4j driver with the engine's graph schema and queries.
type Client struct {
	driver        neo4j.DriverWithContext
	logger        *logx.Logger
	metrics       *clientMetrics
	dedupConfig   config.DedupConfig
	llmDedupJudge LLMDedupJudge
}

// SetDedupConfig installs the similarity thresholds the dedup cascade uses.
// Must be called once before Dedup; with the zero value both thresholds are
// 0, so any fuzzy or embedding candidate with a positive score is accepted
// as a probable match.
func (c *Client) SetDedupConfig(cfg config.DedupConfig) {
	c.dedupConfig = cfg
}

// SetLLMDedupJudge stores an LLM judge on the client. Dedup does not call
// it: the cascade ends after the embedding stage whether or not a judge is
// set.
func (c *Client) SetLLMDedupJudge(judge LLMDedupJudge) {
	c.llmDedupJudge = judge
}

type clientMetrics struct {
	opLatency   *prometheus.HistogramVec
	searchCount *prometheus.HistogramVec
	dedupHits   *prometheus.CounterVec
	mergeCount  prometheus.Counter
}

func newMetrics() *clientMetrics {
	return &clientMetrics{
		opLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "graph_operation_duration_seconds",
				Help:    "Latency of graph store operations by entity kind and operation.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"target", "op"},
		),
		searchCount: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "graph_search_result_count",
				Help:    "Number of results returned by a graph search call.",
				Buckets: []float64{0, 1, 5, 10, 20, 50, 100},
			},
			[]string{"target", "mode"},
		),
		dedupHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "graph_dedup_stage_hits_total",
				Help: "Count of dedup cascade matches by the stage that produced them.",
			},
			[]string{"stage"},
		),
		mergeCount: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "graph_entity_merges_total",
				Help: "Total number of entity merge operations performed.",
			},
		),
	}
}

// Connect opens a Neo4j driver and verifies connectivity.
func Connect(ctx context.Context, uri, user, password string) (*Client, error) {
	logger := logx.NewLogger("graph")
	logger.Info("connecting to Neo4j at %s", uri)

	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("graph: creating driver: %w", err)
	}

	c := &Client{driver: driver, logger: logger, metrics: newMetrics()}
	if err := c.HealthCheck(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, err
	}

	logger.Info("Neo4j connection established")
	return c, nil
}

// Close releases the underlying driver's connection pool.
func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

// HealthCheck verifies the driver can reach Neo4j.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := c.driver.VerifyConnectivity(ctx); err != nil {
		return wrapHard("health_check", err)
	}
	return nil
}

// schemaStatements are safe to re-run on every startup (CREATE ... IF NOT EXISTS).
var schemaStatements = []string{
	"CREATE CONSTRAINT entity_id_unique IF NOT EXISTS FOR (e:Entity) REQUIRE e.id IS UNIQUE",
	"CREATE CONSTRAINT claim_id_unique IF NOT EXISTS FOR (c:Claim) REQUIRE c.id IS UNIQUE",
	"CREATE INDEX entity_kind_idx IF NOT EXISTS FOR (e:Entity) ON (e.kind)",
	"CREATE INDEX entity_last_updated_idx IF NOT EXISTS FOR (e:Entity) ON (e.last_updated)",
	"CREATE INDEX claim_published_idx IF NOT EXISTS FOR (c:Claim) ON (c.published_timestamp)",
	"CREATE INDEX claim_ingested_idx IF NOT EXISTS FOR (c:Claim) ON (c.ingested_timestamp)",
	"CREATE FULLTEXT INDEX entity_name_fulltext IF NOT EXISTS FOR (e:Entity) ON EACH [e.canonical_name, e.aliases_text]",
	"CREATE FULLTEXT INDEX claim_content_fulltext IF NOT EXISTS FOR (c:Claim) ON EACH [c.content]",
	"CREATE FULLTEXT INDEX relationship_desc_fulltext IF NOT EXISTS FOR ()-[r:RELATES_TO]-() ON EACH [r.description]",
}

func vectorIndexStatements(dimensions int) []string {
	opts := fmt.Sprintf("OPTIONS {indexConfig: {`vector.dimensions`: %d, `vector.similarity_function`: 'cosine'}}", dimensions)
	return []string{
		"CREATE VECTOR INDEX entity_embedding IF NOT EXISTS FOR (e:Entity) ON (e.embedding) " + opts,
		"CREATE VECTOR INDEX claim_embedding IF NOT EXISTS FOR (c:Claim) ON (c.embedding) " + opts,
		"CREATE VECTOR INDEX relates_to_embedding IF NOT EXISTS FOR ()-[r:RELATES_TO]-() ON (r.embedding) " + opts,
	}
}

// InitializeSchema creates every constraint, index, full-text index, and
// vector index the engine depends on. Safe to call on every startup.
func (c *Client) InitializeSchema(ctx context.Context, embeddingConfig config.EmbeddingConfig) error {
	c.logger.Info("initializing Neo4j schema")

	session := c.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer closeSession(ctx, session, c.logger)

	for _, stmt := range schemaStatements {
		if _, err := session.Run(ctx, stmt, nil); err != nil {
			c.logger.Warn("schema statement failed (may already exist differently): %v", err)
		}
	}

	for _, stmt := range vectorIndexStatements(embeddingConfig.Dimensions) {
		if _, err := session.Run(ctx, stmt, nil); err != nil {
			c.logger.Debug("vector index statement skipped: %v", err)
		}
	}

	c.logger.Info("Neo4j schema initialization complete")
	return nil
}

func closeSession(ctx context.Context, session neo4j.SessionWithContext, logger *logx.Logger) {
	if err := session.Close(ctx); err != nil {
		logger.Warn("closing session: %v", err)
	}
}

func (c *Client) observe(target, op string, start time.Time) {
	c.metrics.opLatency.WithLabelValues(target, op).Observe(time.Since(start).Seconds())
}

func wrapHard(op string, err error) error {
	return apitypes.NewTaxonomyError(apitypes.ErrorHardDependency, "graph", fmt.Sprintf("graph %s failed", op), err)
}

func wrapNotFound(op, id string) error {
	return apitypes.NewTaxonomyError(apitypes.ErrorValidation, "graph", fmt.Sprintf("%s: not found: %s", op, id), nil)
}
