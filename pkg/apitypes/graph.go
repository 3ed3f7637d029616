// Package apitypes defines the domain types shared across the graph store,
// relational store, queue, session runtime, and tool dispatcher.
package apitypes

import (
	"time"

	"autosint/pkg/ids"
)

// AttributionDepth classifies how directly a Claim traces to its source.
type AttributionDepth string

const (
	AttributionPrimary    AttributionDepth = "primary"
	AttributionSecondhand AttributionDepth = "secondhand"
	AttributionIndirect   AttributionDepth = "indirect"
)

// InformationType classifies the nature of a Claim's content.
type InformationType string

const (
	InformationAssertion InformationType = "assertion"
	InformationAnalysis  InformationType = "analysis"
	InformationDiscourse InformationType = "discourse"
	InformationTestimony InformationType = "testimony"
)

// Entity is a thing in the world grounded by one or more claims.
type Entity struct {
	ID                  ids.EntityID      `json:"id"`
	CanonicalName       string            `json:"canonical_name"`
	Aliases             []string          `json:"aliases"`
	Kind                string            `json:"kind"`
	Summary             string            `json:"summary"`
	Stub                bool              `json:"stub"`
	LastUpdated         time.Time         `json:"last_updated"`
	Embedding           []float32         `json:"embedding,omitempty"`
	EmbeddingPending    bool              `json:"embedding_pending"`
	Properties          map[string]any    `json:"properties,omitempty"`
	ExternalIdentifiers map[string]string `json:"external_identifiers,omitempty"`
}

// EmbeddingText returns the text embedded for this entity: canonical_name ⧺ summary.
func (e *Entity) EmbeddingText() string {
	return e.CanonicalName + " " + e.Summary
}

// Claim is a single unit of information attributed to a source entity.
// Claims are append-only: never mutated, never deleted.
type Claim struct {
	ID                 ids.ClaimID      `json:"id"`
	PublishedByEntity  ids.EntityID     `json:"published_by_entity"`
	ReferencedEntities []ids.EntityID   `json:"referenced_entities"`
	Content            string           `json:"content"`
	PublishedAt        time.Time        `json:"published_at"`
	IngestedAt         time.Time        `json:"ingested_at"`
	SourceURL          string           `json:"source_url,omitempty"`
	AttributionDepth   AttributionDepth `json:"attribution_depth"`
	InformationType    InformationType  `json:"information_type"`
	Embedding          []float32        `json:"embedding,omitempty"`
	EmbeddingPending   bool             `json:"embedding_pending"`
}

// EmbeddingText returns the text embedded for this claim: its content.
func (c *Claim) EmbeddingText() string { return c.Content }

// Relationship is a directed, optionally-bidirectional edge between two entities.
type Relationship struct {
	ID               ids.RelationshipID `json:"id"`
	SourceEntity     ids.EntityID       `json:"source_entity"`
	TargetEntity     ids.EntityID       `json:"target_entity"`
	Description      string             `json:"description"`
	Weight           float64            `json:"weight"`
	Confidence       float64            `json:"confidence"`
	Bidirectional    bool               `json:"bidirectional"`
	Timestamp        time.Time          `json:"timestamp"`
	Embedding        []float32          `json:"embedding,omitempty"`
	EmbeddingPending bool               `json:"embedding_pending"`
}

// EmbeddingText returns the text embedded for this relationship: its description.
func (r *Relationship) EmbeddingText() string { return r.Description }

// DedupOutcome is the result of running the entity dedup cascade against a
// candidate entity description.
type DedupOutcome struct {
	Kind       DedupKind    `json:"kind"`
	MatchID    ids.EntityID `json:"match_id,omitempty"`
	Confidence float64      `json:"confidence,omitempty"`
}

// DedupKind enumerates the three possible dedup-cascade outcomes.
type DedupKind string

const (
	DedupExactMatch    DedupKind = "exact_match"
	DedupProbableMatch DedupKind = "probable_match"
	DedupNoMatch       DedupKind = "no_match"
)

// TraversalDirection filters relationship traversal by edge direction.
type TraversalDirection string

const (
	TraversalOutgoing TraversalDirection = "outgoing"
	TraversalIncoming TraversalDirection = "incoming"
	TraversalBoth     TraversalDirection = "both"
)

// ClaimSortField selects the sort key for a claim search.
type ClaimSortField string

const (
	SortByPublishedTimestamp ClaimSortField = "published_timestamp"
	SortByIngestedTimestamp  ClaimSortField = "ingested_timestamp"
	SortByScore              ClaimSortField = "score"
)

// ClaimSearchFilter carries every optional filter exposed to
// search_claims: temporal bounds, attribution depth, and information type.
// graph.Client's claim searches read only Query and Limit from it.
type ClaimSearchFilter struct {
	Query             string
	PublishedAfter    *time.Time
	PublishedBefore   *time.Time
	SortBy            ClaimSortField
	AttributionDepths []AttributionDepth
	InformationTypes  []InformationType
	Limit             int
}
