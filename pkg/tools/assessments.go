package tools

import (
	"encoding/json"
	"fmt"
	"time"

	"autosint/pkg/apitypes"
	"autosint/pkg/dispatch"
	"autosint/pkg/ids"
)

type produceAssessmentArgs struct {
	Content    apitypes.AssessmentContent `json:"content"`
	Confidence string                     `json:"confidence"`
	EntityRefs []string                   `json:"entity_refs"`
	ClaimRefs  []string                   `json:"claim_refs"`
}

// handleProduceAssessment enforces the one-assessment-per-session rule
// directly against hctx.Counters.AssessmentProduced, matching
// produce_assessment.rs's atomic check-and-set — though the session-level
// XOR with create_work_order is enforced one layer up, in pkg/session's
// terminal-tool tracking, not here.
func handleProduceAssessment(hctx *dispatch.HandlerContext, raw json.RawMessage) (any, error) {
	if hctx.Counters.AssessmentProduced.Load() {
		return nil, fmt.Errorf("assessment already produced in this session: only one assessment per cycle")
	}
	if hctx.InvestigationID == "" {
		return nil, fmt.Errorf("assessment production not available (no investigation context)")
	}

	var args produceAssessmentArgs
	if err := unmarshalArgs(raw, &args); err != nil {
		return nil, err
	}
	confidence, err := parseConfidence(args.Confidence)
	if err != nil {
		return nil, err
	}

	entityRefs := make([]ids.EntityID, 0, len(args.EntityRefs))
	for _, s := range args.EntityRefs {
		id, err := parseEntityID(s)
		if err != nil {
			return nil, fmt.Errorf("invalid entity_ref %q: %w", s, err)
		}
		entityRefs = append(entityRefs, id)
	}
	claimRefs := make([]ids.ClaimID, 0, len(args.ClaimRefs))
	for _, s := range args.ClaimRefs {
		id, err := parseClaimID(s)
		if err != nil {
			return nil, fmt.Errorf("invalid claim_ref %q: %w", s, err)
		}
		claimRefs = append(claimRefs, id)
	}

	if err := validateHypothesisProbabilities(args.Content.CompetingHypotheses); err != nil {
		return nil, err
	}

	assessment := &apitypes.Assessment{
		ID:              ids.NewAssessmentID(),
		InvestigationID: hctx.InvestigationID,
		Content:         args.Content,
		Confidence:      confidence,
		EntityRefs:      entityRefs,
		ClaimRefs:       claimRefs,
		CreatedAt:       nowUTC(hctx),
	}

	embedText, err := json.Marshal(args.Content)
	if err == nil {
		embedding, pending := embedOne(hctx, string(embedText))
		if !pending {
			assessment.Embedding = embedding
		}
	}

	if err := hctx.Store.CreateAssessment(hctx.Context, assessment); err != nil {
		return nil, fmt.Errorf("failed to store assessment: %w", err)
	}
	hctx.Counters.AssessmentProduced.Store(true)

	return map[string]any{
		"assessment_id":    string(assessment.ID),
		"investigation_id": string(hctx.InvestigationID),
		"confidence":       string(assessment.Confidence),
		"message":          "Assessment stored successfully. Investigation will complete.",
	}, nil
}

// validateHypothesisProbabilities enforces spec.md §8's hypothesis
// probability law: competing_hypotheses[].probability must sum to ~1.0
// within 0.05. This is the numeric enforcement flagged as a known gap in
// DESIGN.md's Open Question #2 decision prior to pkg/tools existing — it is
// wired in here rather than left purely to a later audit pass.
func validateHypothesisProbabilities(hypotheses []apitypes.CompetingHypothesis) error {
	if len(hypotheses) == 0 {
		return nil
	}
	sum := 0.0
	for _, h := range hypotheses {
		sum += h.Probability
	}
	if sum < 0.95 || sum > 1.05 {
		return fmt.Errorf("competing_hypotheses probabilities sum to %.3f, must be within 0.05 of 1.0", sum)
	}
	return nil
}

type getAssessmentArgs struct {
	AssessmentID string `json:"assessment_id"`
}

func handleGetAssessment(hctx *dispatch.HandlerContext, raw json.RawMessage) (any, error) {
	var args getAssessmentArgs
	if err := unmarshalArgs(raw, &args); err != nil {
		return nil, err
	}
	assessmentID, err := parseAssessmentID(args.AssessmentID)
	if err != nil {
		return nil, err
	}

	assessment, err := hctx.Store.GetAssessment(hctx.Context, assessmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get assessment: %w", err)
	}

	return map[string]any{
		"id":               string(assessment.ID),
		"investigation_id": string(assessment.InvestigationID),
		"content":          assessment.Content,
		"confidence":       string(assessment.Confidence),
		"entity_refs":      entityIDStrings(assessment.EntityRefs),
		"claim_refs":       claimIDStrings(assessment.ClaimRefs),
		"created_at":       assessment.CreatedAt.Format(time.RFC3339),
	}, nil
}

type searchAssessmentsArgs struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

func handleSearchAssessments(hctx *dispatch.HandlerContext, raw json.RawMessage) (any, error) {
	var args searchAssessmentsArgs
	if err := unmarshalArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.Limit <= 0 {
		args.Limit = 5
	}

	results, err := hctx.Store.SearchAssessments(hctx.Context, args.Query, args.Limit)
	if err != nil {
		return nil, fmt.Errorf("assessment search failed: %w", err)
	}

	items := make([]map[string]any, 0, len(results))
	for i := range results {
		a := &results[i]
		items = append(items, map[string]any{
			"id":               string(a.ID),
			"investigation_id": string(a.InvestigationID),
			"confidence":       string(a.Confidence),
			"summary":          a.Content.Summary,
			"created_at":       a.CreatedAt.Format(time.RFC3339),
		})
	}
	return map[string]any{"results": items}, nil
}
