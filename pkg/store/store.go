// Package store implements the Relational Store Adapter: investigations,
// work orders, and assessments against Postgres, with an HNSW vector index
// over assessment embeddings for cross-investigation assessment search.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // Postgres driver

	"autosint/pkg/apitypes"
	"autosint/pkg/config"
	"autosint/pkg/logx"
)

// Client wraps a Postgres connection pool with the engine's relational schema
// and queries.
type Client struct {
	db     *sql.DB
	logger *logx.Logger
}

// Connect opens a Postgres connection pool, verifies connectivity, and
// applies any pending schema migrations. embeddingConfig sizes the vector
// column used for assessment embedding search.
func Connect(dsn string, embeddingConfig config.EmbeddingConfig) (*Client, error) {
	logger := logx.NewLogger("store")
	logger.Info("connecting to relational store")

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening connection: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: pinging database: %w", err)
	}

	if err := initializeSchemaWithMigrations(db, embeddingDimensions(embeddingConfig)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: initializing schema: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	logger.Info("relational store connection established")
	return &Client{db: db, logger: logger}, nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.db.Close()
}

// HealthCheck verifies the pool can reach Postgres.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return wrapHard("health_check", err)
	}
	return nil
}

func wrapHard(op string, err error) error {
	return apitypes.NewTaxonomyError(apitypes.ErrorHardDependency, "store", fmt.Sprintf("store %s failed", op), err)
}

func wrapNotFound(op, id string) error {
	return apitypes.NewTaxonomyError(apitypes.ErrorValidation, "store", fmt.Sprintf("%s: not found: %s", op, id), nil)
}

// embeddingDimensions returns the vector width assessment embeddings are
// stored at, used when initializing the HNSW index.
func embeddingDimensions(cfg config.EmbeddingConfig) int {
	if cfg.Dimensions <= 0 {
		return 1536
	}
	return cfg.Dimensions
}
