package embeddings

import (
	"context"
	"time"

	"autosint/pkg/apitypes"
	"autosint/pkg/ids"
	"autosint/pkg/logx"
)

// GraphStore is the subset of pkg/graph.Client the backfill loop depends on:
// scanning for embedding_pending records and writing computed vectors back.
// Declared locally so this package depends on an interface, not on pkg/graph
// directly.
type GraphStore interface {
	PendingEntities(ctx context.Context, limit int) ([]apitypes.Entity, error)
	PendingClaims(ctx context.Context, limit int) ([]apitypes.Claim, error)
	PendingRelationships(ctx context.Context, limit int) ([]apitypes.Relationship, error)
	SetEntityEmbedding(ctx context.Context, id ids.EntityID, embedding []float32) error
	SetClaimEmbedding(ctx context.Context, id ids.ClaimID, embedding []float32) error
	SetRelationshipEmbedding(ctx context.Context, id ids.RelationshipID, embedding []float32) error
}

// Backfiller periodically scans the graph store for records with a pending
// embedding and fills them in, one kind at a time.
type Backfiller struct {
	embed     *Client
	graph     GraphStore
	batchSize int
	interval  time.Duration
	logger    *logx.Logger
}

// NewBackfiller builds a Backfiller scanning at most batchSize records per
// kind each cycle, every interval.
func NewBackfiller(embed *Client, graph GraphStore, batchSize int, interval time.Duration) *Backfiller {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Backfiller{
		embed:     embed,
		graph:     graph,
		batchSize: batchSize,
		interval:  interval,
		logger:    logx.NewLogger("embeddings-backfill"),
	}
}

// Run blocks, running a backfill cycle on every tick of interval, until ctx
// is canceled. Intended to be launched in its own goroutine at startup.
func (b *Backfiller) Run(ctx context.Context) {
	b.logger.Info("starting embedding backfill loop, interval=%s batch_size=%d", b.interval, b.batchSize)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("embedding backfill loop stopping")
			return
		case <-ticker.C:
			b.runCycle(ctx)
		}
	}
}

// runCycle backfills entities, then claims, then relationships. Each kind's
// failure is logged and does not block the others — a struggling provider
// should not wedge the whole cycle.
func (b *Backfiller) runCycle(ctx context.Context) {
	if n, err := b.backfillEntities(ctx); err != nil {
		b.logger.Warn("entity backfill failed: %v", err)
	} else if n > 0 {
		b.logger.Info("backfilled %d entity embeddings", n)
	}

	if n, err := b.backfillClaims(ctx); err != nil {
		b.logger.Warn("claim backfill failed: %v", err)
	} else if n > 0 {
		b.logger.Info("backfilled %d claim embeddings", n)
	}

	if n, err := b.backfillRelationships(ctx); err != nil {
		b.logger.Warn("relationship backfill failed: %v", err)
	} else if n > 0 {
		b.logger.Info("backfilled %d relationship embeddings", n)
	}
}

func (b *Backfiller) backfillEntities(ctx context.Context) (int, error) {
	pending, err := b.graph.PendingEntities(ctx, b.batchSize)
	if err != nil || len(pending) == 0 {
		return 0, err
	}

	texts := make([]string, len(pending))
	for i, e := range pending {
		texts[i] = e.EmbeddingText()
	}
	vectors, err := b.embed.Embed(ctx, texts)
	if err != nil {
		return 0, err
	}

	for i, e := range pending {
		if err := b.graph.SetEntityEmbedding(ctx, e.ID, vectors[i]); err != nil {
			return i, err
		}
	}
	return len(pending), nil
}

func (b *Backfiller) backfillClaims(ctx context.Context) (int, error) {
	pending, err := b.graph.PendingClaims(ctx, b.batchSize)
	if err != nil || len(pending) == 0 {
		return 0, err
	}

	texts := make([]string, len(pending))
	for i, cl := range pending {
		texts[i] = cl.EmbeddingText()
	}
	vectors, err := b.embed.Embed(ctx, texts)
	if err != nil {
		return 0, err
	}

	for i, cl := range pending {
		if err := b.graph.SetClaimEmbedding(ctx, cl.ID, vectors[i]); err != nil {
			return i, err
		}
	}
	return len(pending), nil
}

func (b *Backfiller) backfillRelationships(ctx context.Context) (int, error) {
	pending, err := b.graph.PendingRelationships(ctx, b.batchSize)
	if err != nil || len(pending) == 0 {
		return 0, err
	}

	texts := make([]string, len(pending))
	for i, r := range pending {
		texts[i] = r.EmbeddingText()
	}
	vectors, err := b.embed.Embed(ctx, texts)
	if err != nil {
		return 0, err
	}

	for i, r := range pending {
		if err := b.graph.SetRelationshipEmbedding(ctx, r.ID, vectors[i]); err != nil {
			return i, err
		}
	}
	return len(pending), nil
}
