package embeddings

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autosint/pkg/apitypes"
	"autosint/pkg/ids"
)

func TestChunkTextsEvenDivision(t *testing.T) {
	texts := []string{"a", "b", "c", "d"}
	chunks := chunkTexts(texts, 2)
	assert.Equal(t, [][]string{{"a", "b"}, {"c", "d"}}, chunks)
}

func TestChunkTextsRemainder(t *testing.T) {
	texts := []string{"a", "b", "c"}
	chunks := chunkTexts(texts, 2)
	assert.Equal(t, [][]string{{"a", "b"}, {"c"}}, chunks)
}

func TestChunkTextsBatchSizeLargerThanInput(t *testing.T) {
	texts := []string{"a", "b"}
	chunks := chunkTexts(texts, 10)
	assert.Equal(t, [][]string{{"a", "b"}}, chunks)
}

func TestChunkTextsZeroBatchSizeFallsBackToOneChunk(t *testing.T) {
	texts := []string{"a", "b", "c"}
	chunks := chunkTexts(texts, 0)
	assert.Equal(t, [][]string{{"a", "b", "c"}}, chunks)
}

func TestEmbedEmptyInputReturnsNil(t *testing.T) {
	c := &Client{batchSize: 10}
	out, err := c.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

// fakeGraphStore is a minimal in-memory GraphStore for exercising the
// backfill loop's sequencing without a live graph store.
type fakeGraphStore struct {
	entities         []apitypes.Entity
	claims           []apitypes.Claim
	relationships    []apitypes.Relationship
	embeddedEntities map[ids.EntityID][]float32
}

func (f *fakeGraphStore) PendingEntities(_ context.Context, limit int) ([]apitypes.Entity, error) {
	if len(f.entities) > limit {
		return f.entities[:limit], nil
	}
	return f.entities, nil
}

func (f *fakeGraphStore) PendingClaims(_ context.Context, limit int) ([]apitypes.Claim, error) {
	if len(f.claims) > limit {
		return f.claims[:limit], nil
	}
	return f.claims, nil
}

func (f *fakeGraphStore) PendingRelationships(_ context.Context, limit int) ([]apitypes.Relationship, error) {
	if len(f.relationships) > limit {
		return f.relationships[:limit], nil
	}
	return f.relationships, nil
}

func (f *fakeGraphStore) SetEntityEmbedding(_ context.Context, id ids.EntityID, embedding []float32) error {
	if f.embeddedEntities == nil {
		f.embeddedEntities = map[ids.EntityID][]float32{}
	}
	f.embeddedEntities[id] = embedding
	return nil
}

func (f *fakeGraphStore) SetClaimEmbedding(_ context.Context, _ ids.ClaimID, _ []float32) error {
	return nil
}

func (f *fakeGraphStore) SetRelationshipEmbedding(_ context.Context, _ ids.RelationshipID, _ []float32) error {
	return nil
}

func TestBackfillEntitiesWithNoPendingIsNoop(t *testing.T) {
	b := NewBackfiller(&Client{batchSize: 10}, &fakeGraphStore{}, 50, time.Minute)
	n, err := b.backfillEntities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestNewBackfillerDefaultsBatchSize(t *testing.T) {
	b := NewBackfiller(&Client{}, &fakeGraphStore{}, 0, time.Minute)
	assert.Equal(t, 50, b.batchSize)
}
