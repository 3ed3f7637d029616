// Package ids defines the typed identifiers passed between the Engine's
// stores, queue, and session runtime. Every id is a UUID under the hood;
// the distinct types exist so a WorkOrderID can never be passed where an
// EntityID is expected.
package ids

import "github.com/google/uuid"

// EntityID identifies a graph Entity node.
type EntityID string

// ClaimID identifies a graph Claim node.
type ClaimID string

// RelationshipID identifies a graph Relationship edge.
type RelationshipID string

// InvestigationID identifies a relational Investigation row.
type InvestigationID string

// WorkOrderID identifies a relational Work order row.
type WorkOrderID string

// AssessmentID identifies a relational Assessment row.
type AssessmentID string

// ProcessorID identifies a running Processor worker (not persisted; scoped
// to the process lifetime of one pool worker, e.g. "processor-3").
type ProcessorID string

// MergeAuditID identifies a graph MergeAudit node, the provenance record
// merge_entities leaves behind once its source entity is gone.
type MergeAuditID string

func newID() string { return uuid.New().String() }

// NewEntityID generates a fresh EntityID.
func NewEntityID() EntityID { return EntityID(newID()) }

// NewClaimID generates a fresh ClaimID.
func NewClaimID() ClaimID { return ClaimID(newID()) }

// NewRelationshipID generates a fresh RelationshipID.
func NewRelationshipID() RelationshipID { return RelationshipID(newID()) }

// NewInvestigationID generates a fresh InvestigationID.
func NewInvestigationID() InvestigationID { return InvestigationID(newID()) }

// NewWorkOrderID generates a fresh WorkOrderID.
func NewWorkOrderID() WorkOrderID { return WorkOrderID(newID()) }

// NewAssessmentID generates a fresh AssessmentID.
func NewAssessmentID() AssessmentID { return AssessmentID(newID()) }

// NewProcessorID generates a fresh ProcessorID for a pool worker's lifetime.
func NewProcessorID() ProcessorID { return ProcessorID(newID()) }

// NewMergeAuditID generates a fresh MergeAuditID.
func NewMergeAuditID() MergeAuditID { return MergeAuditID(newID()) }
