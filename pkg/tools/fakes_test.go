package tools

import (
	"context"

	"autosint/pkg/apitypes"
	"autosint/pkg/dispatch"
	"autosint/pkg/ids"
)

// fakeGraph is a minimal in-memory stand-in for dispatch.GraphClient,
// letting handler tests exercise dedup branching and write paths without a
// live graph store.
type fakeGraph struct {
	entities      map[ids.EntityID]*apitypes.Entity
	relationships map[ids.RelationshipID]*apitypes.Relationship
	claims        []apitypes.Claim

	dedupOutcome apitypes.DedupOutcome
	dedupErr     error
	searchResult []apitypes.Entity
	mergeErr     error

	lastClaimFilter apitypes.ClaimSearchFilter
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{
		entities:      make(map[ids.EntityID]*apitypes.Entity),
		relationships: make(map[ids.RelationshipID]*apitypes.Relationship),
		dedupOutcome:  apitypes.DedupOutcome{Kind: apitypes.DedupNoMatch},
	}
}

func (f *fakeGraph) SearchEntities(_ context.Context, _ string, _ int) ([]apitypes.Entity, error) {
	return f.searchResult, nil
}

func (f *fakeGraph) GetEntity(_ context.Context, id ids.EntityID) (*apitypes.Entity, error) {
	e, ok := f.entities[id]
	if !ok {
		return nil, errNotFound
	}
	cp := *e
	return &cp, nil
}

func (f *fakeGraph) CreateEntity(_ context.Context, e *apitypes.Entity) error {
	f.entities[e.ID] = e
	return nil
}

func (f *fakeGraph) UpdateEntity(_ context.Context, e *apitypes.Entity) error {
	f.entities[e.ID] = e
	return nil
}

func (f *fakeGraph) UpdateEntityWithChangeClaim(_ context.Context, e *apitypes.Entity, c *apitypes.Claim) error {
	f.entities[e.ID] = e
	f.claims = append(f.claims, *c)
	return nil
}

func (f *fakeGraph) MergeEntities(_ context.Context, source, target ids.EntityID) error {
	if f.mergeErr != nil {
		return f.mergeErr
	}
	delete(f.entities, source)
	return nil
}

func (f *fakeGraph) Dedup(_ context.Context, _ *apitypes.Entity) (apitypes.DedupOutcome, error) {
	return f.dedupOutcome, f.dedupErr
}

func (f *fakeGraph) CreateClaim(_ context.Context, c *apitypes.Claim) error {
	f.claims = append(f.claims, *c)
	return nil
}

func (f *fakeGraph) SearchClaims(_ context.Context, filter apitypes.ClaimSearchFilter) ([]apitypes.Claim, error) {
	f.lastClaimFilter = filter
	return f.claims, nil
}

func (f *fakeGraph) CreateRelationship(_ context.Context, r *apitypes.Relationship) error {
	f.relationships[r.ID] = r
	return nil
}

func (f *fakeGraph) UpdateRelationship(_ context.Context, r *apitypes.Relationship) error {
	f.relationships[r.ID] = r
	return nil
}

func (f *fakeGraph) SearchRelationships(_ context.Context, _ string, _ int) ([]apitypes.Relationship, error) {
	out := make([]apitypes.Relationship, 0, len(f.relationships))
	for _, r := range f.relationships {
		out = append(out, *r)
	}
	return out, nil
}

func (f *fakeGraph) TraverseRelationships(_ context.Context, _ ids.EntityID, _ apitypes.TraversalDirection, _ float64, _ string, _ int) ([]apitypes.Relationship, error) {
	out := make([]apitypes.Relationship, 0, len(f.relationships))
	for _, r := range f.relationships {
		out = append(out, *r)
	}
	return out, nil
}

type errSentinel string

func (e errSentinel) Error() string { return string(e) }

const errNotFound = errSentinel("not found")

// fakeStore is a minimal in-memory stand-in for dispatch.RelationalClient.
type fakeStore struct {
	workOrders    []apitypes.WorkOrder
	assessments   map[ids.AssessmentID]*apitypes.Assessment
	investigation *apitypes.Investigation
}

func newFakeStore() *fakeStore {
	return &fakeStore{assessments: make(map[ids.AssessmentID]*apitypes.Assessment)}
}

func (f *fakeStore) CreateWorkOrder(_ context.Context, wo *apitypes.WorkOrder) error {
	f.workOrders = append(f.workOrders, *wo)
	return nil
}

func (f *fakeStore) GetInvestigationHistory(_ context.Context, id ids.InvestigationID) (*apitypes.Investigation, []apitypes.WorkOrder, error) {
	inv := f.investigation
	if inv == nil {
		inv = &apitypes.Investigation{ID: id, Status: apitypes.StatusAnalystRunning}
	}
	return inv, f.workOrders, nil
}

func (f *fakeStore) CreateAssessment(_ context.Context, a *apitypes.Assessment) error {
	f.assessments[a.ID] = a
	return nil
}

func (f *fakeStore) GetAssessment(_ context.Context, id ids.AssessmentID) (*apitypes.Assessment, error) {
	a, ok := f.assessments[id]
	if !ok {
		return nil, errNotFound
	}
	return a, nil
}

func (f *fakeStore) SearchAssessments(_ context.Context, _ string, _ int) ([]apitypes.Assessment, error) {
	out := make([]apitypes.Assessment, 0, len(f.assessments))
	for _, a := range f.assessments {
		out = append(out, *a)
	}
	return out, nil
}

// fakeQueue is a minimal in-memory stand-in for dispatch.QueueClient.
type fakeQueue struct {
	enqueued []apitypes.WorkOrder
	err      error
}

func (f *fakeQueue) Enqueue(_ context.Context, wo *apitypes.WorkOrder) error {
	if f.err != nil {
		return f.err
	}
	f.enqueued = append(f.enqueued, *wo)
	return nil
}

func newTestHandlerContext(graph *fakeGraph, store *fakeStore, queue *fakeQueue) *dispatch.HandlerContext {
	return &dispatch.HandlerContext{
		Context:         context.Background(),
		Role:            dispatch.RoleAnalyst,
		InvestigationID: ids.NewInvestigationID(),
		Cycle:           1,
		Graph:           graph,
		Store:           store,
		Queue:           queue,
		Counters:        &dispatch.SessionCounters{},
	}
}
