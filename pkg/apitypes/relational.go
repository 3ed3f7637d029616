package apitypes

import (
	"time"

	"autosint/pkg/ids"
)

// InvestigationStatus is the orchestrator's state-machine state for one investigation.
type InvestigationStatus string

const (
	StatusPending        InvestigationStatus = "PENDING"
	StatusAnalystRunning InvestigationStatus = "ANALYST_RUNNING"
	StatusProcessing     InvestigationStatus = "PROCESSING"
	StatusCompleted      InvestigationStatus = "COMPLETED"
	StatusFailed         InvestigationStatus = "FAILED"
	StatusSuspended      InvestigationStatus = "SUSPENDED"
)

// Investigation is the lifecycle record for one user-submitted prompt.
type Investigation struct {
	ID                    ids.InvestigationID  `json:"id"`
	Prompt                string               `json:"prompt"`
	Status                InvestigationStatus  `json:"status"`
	ParentInvestigationID *ids.InvestigationID `json:"parent_investigation_id,omitempty"`
	CycleCount            int                  `json:"cycle_count"`
	CreatedAt             time.Time            `json:"created_at"`
	CompletedAt           *time.Time           `json:"completed_at,omitempty"`
	SuspendedReason       string               `json:"suspended_reason,omitempty"`
	SuspendedAt           *time.Time           `json:"suspended_at,omitempty"`
	ResumeFrom            InvestigationStatus  `json:"resume_from,omitempty"`

	// ConsecutiveEmptySessions and ConsecutiveAllFailCycles are not part of
	// the persisted column set but are tracked in-memory by the orchestrator
	// per running investigation to drive the force-final-assessment and
	// FAILED transitions; kept here for convenience when hydrating state.
	ConsecutiveEmptySessions int `json:"-"`
	ConsecutiveAllFailCycles int `json:"-"`
}

// IsTerminal reports whether status is COMPLETED or FAILED — investigations
// in a terminal state are never reopened.
func (s InvestigationStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// WorkOrderStatus tracks a work order through the queue/processor lifecycle.
type WorkOrderStatus string

const (
	WorkOrderQueued     WorkOrderStatus = "queued"
	WorkOrderProcessing WorkOrderStatus = "processing"
	WorkOrderCompleted  WorkOrderStatus = "completed"
	WorkOrderFailed     WorkOrderStatus = "failed"
)

// WorkOrderPriority selects which of the three priority streams a work
// order is published to.
type WorkOrderPriority string

const (
	PriorityHigh   WorkOrderPriority = "high"
	PriorityNormal WorkOrderPriority = "normal"
	PriorityLow    WorkOrderPriority = "low"
)

// SourceGuidance carries optional hints the Analyst attaches to a work order
// to steer the Processor toward specific sources or search strategies.
type SourceGuidance struct {
	PreferredSources []string `json:"preferred_sources,omitempty"`
	Notes            string   `json:"notes,omitempty"`
}

// WorkOrder is a persistent record of one discovery directive dispatched to
// the Processor pool.
type WorkOrder struct {
	ID                  ids.WorkOrderID     `json:"id"`
	InvestigationID     ids.InvestigationID `json:"investigation_id"`
	Objective           string              `json:"objective"`
	Status              WorkOrderStatus     `json:"status"`
	Priority            WorkOrderPriority   `json:"priority"`
	ReferencedEntities  []ids.EntityID      `json:"referenced_entities"`
	SourceGuidance      *SourceGuidance     `json:"source_guidance,omitempty"`
	ProcessorID         ids.ProcessorID     `json:"processor_id,omitempty"`
	Cycle               int                 `json:"cycle"`
	ClaimsProducedCount int                 `json:"claims_produced_count"`
	RetryCount          int                 `json:"retry_count"`
	CreatedAt           time.Time           `json:"created_at"`
	CompletedAt         *time.Time          `json:"completed_at,omitempty"`
}

// AssessmentConfidence is the analyst's calibrated confidence in the final assessment.
type AssessmentConfidence string

const (
	ConfidenceHigh     AssessmentConfidence = "high"
	ConfidenceModerate AssessmentConfidence = "moderate"
	ConfidenceLow      AssessmentConfidence = "low"
)

// CompetingHypothesis is one entry in an assessment's competing_hypotheses list.
type CompetingHypothesis struct {
	Probability float64       `json:"probability"`
	Reasoning   string        `json:"reasoning"`
	ClaimRefs   []ids.ClaimID `json:"claim_refs"`
	Weaknesses  string        `json:"weaknesses"`
}

// Citation attributes a specific passage of the assessment to a claim and its source.
type Citation struct {
	ClaimID          ids.ClaimID      `json:"claim_id"`
	SourceEntityID   ids.EntityID     `json:"source_entity_id"`
	SourceURL        string           `json:"source_url,omitempty"`
	Date             *time.Time       `json:"date,omitempty"`
	AttributionDepth AttributionDepth `json:"attribution_depth"`
}

// SourceEvaluation profiles one source entity's reliability for the assessment's sources_evaluated list.
type SourceEvaluation struct {
	SourceEntityID ids.EntityID `json:"source_entity_id"`
	ProfileBasis   string       `json:"profile_basis"`
	SourcingChain  string       `json:"sourcing_chain"`
}

// Gap is a named deficiency in the evidence the assessment is built on.
type Gap struct {
	Impact              string `json:"impact"`
	SuggestedResolution string `json:"suggested_resolution"`
}

// ForwardIndicator flags a claim/entity combination worth monitoring going forward.
type ForwardIndicator struct {
	EntityRefs         []ids.EntityID `json:"entity_refs"`
	ClaimRefs          []ids.ClaimID  `json:"claim_refs"`
	TriggerImplication string         `json:"trigger_implication"`
}

// AssessmentContent is the structured analytical product stored in the
// assessments.content JSONB column. Required fields per spec.md §6.
type AssessmentContent struct {
	Summary             string                `json:"summary"`
	Analysis            string                `json:"analysis"`
	CompetingHypotheses []CompetingHypothesis `json:"competing_hypotheses"`
	ConfidenceReasoning map[string]string     `json:"confidence_reasoning"`
	Citations           []Citation            `json:"citations"`
	SourcesEvaluated    []SourceEvaluation    `json:"sources_evaluated"`
	Gaps                []Gap                 `json:"gaps"`
	ForwardIndicators   []ForwardIndicator    `json:"forward_indicators"`
}

// Assessment is the analytical product an Analyst session produces when it
// calls produce_assessment.
type Assessment struct {
	ID              ids.AssessmentID     `json:"id"`
	InvestigationID ids.InvestigationID  `json:"investigation_id"`
	Content         AssessmentContent    `json:"content"`
	Confidence      AssessmentConfidence `json:"confidence"`
	EntityRefs      []ids.EntityID       `json:"entity_refs"`
	ClaimRefs       []ids.ClaimID        `json:"claim_refs"`
	Embedding       []float32            `json:"embedding,omitempty"`
	CreatedAt       time.Time            `json:"created_at"`
}
