package orchestrator

import (
	"context"

	"autosint/pkg/apitypes"
	"autosint/pkg/dispatch"
	"autosint/pkg/ids"
	"autosint/pkg/queue"
	"autosint/pkg/resilience/circuit"
)

// guardBreaker brackets one hard-dependency call with the same Allow/Record
// pattern llmprovider.guardedClient uses for the LLM API. Unlike
// pkg/graph/pkg/store/pkg/queue — which only classify failures as
// ErrorHardDependency and leave circuit state to their caller — the
// orchestrator is the one place that needs to observe "is this dependency
// currently unavailable" across an entire investigation, so it wraps those
// adapters here rather than teaching each adapter package about breakers it
// has no other use for.
func guardBreaker[T any](breaker circuit.Breaker, dep string, fn func() (T, error)) (T, error) {
	var zero T
	if !breaker.Allow() {
		return zero, &circuit.Error{Dependency: dep, State: breaker.State()}
	}
	v, err := fn()
	breaker.Record(err == nil)
	return v, err
}

func guardBreakerErr(breaker circuit.Breaker, dep string, fn func() error) error {
	_, err := guardBreaker(breaker, dep, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// guardedGraph wraps a GraphClient so every call is recorded against the
// "graph" circuit breaker, letting the orchestrator detect a hard-dependency
// outage from tool calls a Processor or Analyst session makes, not just
// from the orchestrator's own direct calls.
type guardedGraph struct {
	inner   dispatch.GraphClient
	breaker circuit.Breaker
}

func (g *guardedGraph) SearchEntities(ctx context.Context, query string, limit int) ([]apitypes.Entity, error) {
	return guardBreaker(g.breaker, "graph", func() ([]apitypes.Entity, error) { return g.inner.SearchEntities(ctx, query, limit) })
}

func (g *guardedGraph) GetEntity(ctx context.Context, id ids.EntityID) (*apitypes.Entity, error) {
	return guardBreaker(g.breaker, "graph", func() (*apitypes.Entity, error) { return g.inner.GetEntity(ctx, id) })
}

func (g *guardedGraph) CreateEntity(ctx context.Context, e *apitypes.Entity) error {
	return guardBreakerErr(g.breaker, "graph", func() error { return g.inner.CreateEntity(ctx, e) })
}

func (g *guardedGraph) UpdateEntity(ctx context.Context, e *apitypes.Entity) error {
	return guardBreakerErr(g.breaker, "graph", func() error { return g.inner.UpdateEntity(ctx, e) })
}

func (g *guardedGraph) UpdateEntityWithChangeClaim(ctx context.Context, e *apitypes.Entity, c *apitypes.Claim) error {
	return guardBreakerErr(g.breaker, "graph", func() error { return g.inner.UpdateEntityWithChangeClaim(ctx, e, c) })
}

func (g *guardedGraph) MergeEntities(ctx context.Context, source, target ids.EntityID) error {
	return guardBreakerErr(g.breaker, "graph", func() error { return g.inner.MergeEntities(ctx, source, target) })
}

func (g *guardedGraph) Dedup(ctx context.Context, candidate *apitypes.Entity) (apitypes.DedupOutcome, error) {
	return guardBreaker(g.breaker, "graph", func() (apitypes.DedupOutcome, error) { return g.inner.Dedup(ctx, candidate) })
}

func (g *guardedGraph) CreateClaim(ctx context.Context, c *apitypes.Claim) error {
	return guardBreakerErr(g.breaker, "graph", func() error { return g.inner.CreateClaim(ctx, c) })
}

func (g *guardedGraph) SearchClaims(ctx context.Context, filter apitypes.ClaimSearchFilter) ([]apitypes.Claim, error) {
	return guardBreaker(g.breaker, "graph", func() ([]apitypes.Claim, error) { return g.inner.SearchClaims(ctx, filter) })
}

func (g *guardedGraph) CreateRelationship(ctx context.Context, r *apitypes.Relationship) error {
	return guardBreakerErr(g.breaker, "graph", func() error { return g.inner.CreateRelationship(ctx, r) })
}

func (g *guardedGraph) UpdateRelationship(ctx context.Context, r *apitypes.Relationship) error {
	return guardBreakerErr(g.breaker, "graph", func() error { return g.inner.UpdateRelationship(ctx, r) })
}

func (g *guardedGraph) SearchRelationships(ctx context.Context, query string, limit int) ([]apitypes.Relationship, error) {
	return guardBreaker(g.breaker, "graph", func() ([]apitypes.Relationship, error) { return g.inner.SearchRelationships(ctx, query, limit) })
}

func (g *guardedGraph) TraverseRelationships(ctx context.Context, from ids.EntityID, direction apitypes.TraversalDirection, minWeight float64, descriptionQuery string, limit int) ([]apitypes.Relationship, error) {
	return guardBreaker(g.breaker, "graph", func() ([]apitypes.Relationship, error) {
		return g.inner.TraverseRelationships(ctx, from, direction, minWeight, descriptionQuery, limit)
	})
}

// guardedStore wraps a RelationalClient, recording against the "store"
// circuit breaker.
type guardedStore struct {
	inner   dispatch.RelationalClient
	breaker circuit.Breaker
}

func (s *guardedStore) CreateWorkOrder(ctx context.Context, wo *apitypes.WorkOrder) error {
	return guardBreakerErr(s.breaker, "store", func() error { return s.inner.CreateWorkOrder(ctx, wo) })
}

func (s *guardedStore) GetInvestigationHistory(ctx context.Context, id ids.InvestigationID) (*apitypes.Investigation, []apitypes.WorkOrder, error) {
	type pair struct {
		inv *apitypes.Investigation
		wos []apitypes.WorkOrder
	}
	p, err := guardBreaker(s.breaker, "store", func() (pair, error) {
		inv, wos, err := s.inner.GetInvestigationHistory(ctx, id)
		return pair{inv, wos}, err
	})
	return p.inv, p.wos, err
}

func (s *guardedStore) CreateAssessment(ctx context.Context, a *apitypes.Assessment) error {
	return guardBreakerErr(s.breaker, "store", func() error { return s.inner.CreateAssessment(ctx, a) })
}

func (s *guardedStore) GetAssessment(ctx context.Context, id ids.AssessmentID) (*apitypes.Assessment, error) {
	return guardBreaker(s.breaker, "store", func() (*apitypes.Assessment, error) { return s.inner.GetAssessment(ctx, id) })
}

func (s *guardedStore) SearchAssessments(ctx context.Context, query string, limit int) ([]apitypes.Assessment, error) {
	return guardBreaker(s.breaker, "store", func() ([]apitypes.Assessment, error) { return s.inner.SearchAssessments(ctx, query, limit) })
}

// guardedQueue wraps a QueueClient, recording against the "queue" circuit
// breaker.
type guardedQueue struct {
	inner   dispatch.QueueClient
	breaker circuit.Breaker
}

func (q *guardedQueue) Enqueue(ctx context.Context, wo *apitypes.WorkOrder) error {
	return guardBreakerErr(q.breaker, "queue", func() error { return q.inner.Enqueue(ctx, wo) })
}

// ensure the full *queue.Client satisfies dispatch.QueueClient so guardedQueue
// can wrap it directly; a compile-time check rather than a runtime one.
var _ dispatch.QueueClient = (*queue.Client)(nil)
