package dispatch

import (
	"context"
	"time"

	"autosint/pkg/apitypes"
	"autosint/pkg/ids"
)

// GraphClient is the subset of the Graph Store Adapter the tool handlers
// call directly. Implemented by pkg/graph.Client.
type GraphClient interface {
	SearchEntities(ctx context.Context, query string, limit int) ([]apitypes.Entity, error)
	GetEntity(ctx context.Context, id ids.EntityID) (*apitypes.Entity, error)
	CreateEntity(ctx context.Context, e *apitypes.Entity) error
	UpdateEntity(ctx context.Context, e *apitypes.Entity) error
	UpdateEntityWithChangeClaim(ctx context.Context, e *apitypes.Entity, c *apitypes.Claim) error
	MergeEntities(ctx context.Context, source, target ids.EntityID) error
	Dedup(ctx context.Context, candidate *apitypes.Entity) (apitypes.DedupOutcome, error)

	CreateClaim(ctx context.Context, c *apitypes.Claim) error
	SearchClaims(ctx context.Context, filter apitypes.ClaimSearchFilter) ([]apitypes.Claim, error)

	CreateRelationship(ctx context.Context, r *apitypes.Relationship) error
	UpdateRelationship(ctx context.Context, r *apitypes.Relationship) error
	SearchRelationships(ctx context.Context, query string, limit int) ([]apitypes.Relationship, error)
	TraverseRelationships(ctx context.Context, from ids.EntityID, direction apitypes.TraversalDirection, minWeight float64, descriptionQuery string, limit int) ([]apitypes.Relationship, error)
}

// RelationalClient is the subset of the Relational Store Adapter the
// Analyst-facing handlers call. Implemented by pkg/store.Client.
type RelationalClient interface {
	CreateWorkOrder(ctx context.Context, wo *apitypes.WorkOrder) error
	GetInvestigationHistory(ctx context.Context, id ids.InvestigationID) (*apitypes.Investigation, []apitypes.WorkOrder, error)
	CreateAssessment(ctx context.Context, a *apitypes.Assessment) error
	GetAssessment(ctx context.Context, id ids.AssessmentID) (*apitypes.Assessment, error)
	SearchAssessments(ctx context.Context, query string, limit int) ([]apitypes.Assessment, error)
}

// QueueClient lets create_work_order publish directly in addition to the
// orchestrator's own dispatch path, mirroring the Rust prototype where
// work-order creation and enqueue happen in the same handler call.
type QueueClient interface {
	Enqueue(ctx context.Context, wo *apitypes.WorkOrder) error
}

// EmbeddingClient is used by handlers that write graph records needing an
// embedding computed inline (entity/claim/relationship creation).
type EmbeddingClient interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ExternalModuleClient is the thin HTTP contract shared by Fetch, Geo, and
// Scribe — all soft dependencies, all JSON over HTTP.
type ExternalModuleClient interface {
	Get(ctx context.Context, path string, query map[string]string) ([]byte, error)
	Post(ctx context.Context, path string, body any) ([]byte, error)
	Delete(ctx context.Context, path string) error
	Healthy(ctx context.Context, timeout time.Duration) bool
}
