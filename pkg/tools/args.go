// Package tools implements the concrete Analyst and Processor tool handlers
// registered into a dispatch.Dispatcher, grounded on the Rust prototype's
// engine/src/tools/handlers/*.rs. Each handler follows the teacher repo's
// convention of a single Handler function per file, but args parsing here is
// done by hand against encoding/json rather than serde's typed Deserialize,
// since Go has no derive-macro equivalent worth reaching for at this size.
package tools

import (
	"encoding/json"
	"fmt"
	"time"

	"autosint/pkg/apitypes"
	"autosint/pkg/ids"
)

func unmarshalArgs(raw json.RawMessage, out any) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func parseEntityID(s string) (ids.EntityID, error) {
	if s == "" {
		return "", fmt.Errorf("entity id is required")
	}
	return ids.EntityID(s), nil
}

func parseClaimID(s string) (ids.ClaimID, error) {
	if s == "" {
		return "", fmt.Errorf("claim id is required")
	}
	return ids.ClaimID(s), nil
}

func parseRelationshipID(s string) (ids.RelationshipID, error) {
	if s == "" {
		return "", fmt.Errorf("relationship id is required")
	}
	return ids.RelationshipID(s), nil
}

func parseAssessmentID(s string) (ids.AssessmentID, error) {
	if s == "" {
		return "", fmt.Errorf("assessment id is required")
	}
	return ids.AssessmentID(s), nil
}

func parseRFC3339(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid RFC3339 timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseAttributionDepth(s string) (apitypes.AttributionDepth, error) {
	switch s {
	case "", "secondhand", "secondary":
		return apitypes.AttributionSecondhand, nil
	case "primary":
		return apitypes.AttributionPrimary, nil
	case "indirect", "tertiary":
		return apitypes.AttributionIndirect, nil
	default:
		return "", fmt.Errorf("invalid attribution_depth %q: use 'primary', 'secondhand', or 'indirect'", s)
	}
}

func parseInformationType(s string) (apitypes.InformationType, error) {
	switch s {
	case "", "assertion":
		return apitypes.InformationAssertion, nil
	case "analysis":
		return apitypes.InformationAnalysis, nil
	case "discourse":
		return apitypes.InformationDiscourse, nil
	case "testimony":
		return apitypes.InformationTestimony, nil
	default:
		return "", fmt.Errorf("invalid information_type %q: use 'assertion', 'analysis', 'discourse', or 'testimony'", s)
	}
}

func parseConfidence(s string) (apitypes.AssessmentConfidence, error) {
	switch s {
	case "high":
		return apitypes.ConfidenceHigh, nil
	case "moderate":
		return apitypes.ConfidenceModerate, nil
	case "low":
		return apitypes.ConfidenceLow, nil
	default:
		return "", fmt.Errorf("invalid confidence %q: use 'high', 'moderate', or 'low'", s)
	}
}

func parsePriority(s string) (apitypes.WorkOrderPriority, error) {
	switch s {
	case "", "normal":
		return apitypes.PriorityNormal, nil
	case "high":
		return apitypes.PriorityHigh, nil
	case "low":
		return apitypes.PriorityLow, nil
	default:
		return "", fmt.Errorf("invalid priority %q: use 'high', 'normal', or 'low'", s)
	}
}

func parseDirection(s string) (apitypes.TraversalDirection, error) {
	switch s {
	case "", "both":
		return apitypes.TraversalBoth, nil
	case "outgoing":
		return apitypes.TraversalOutgoing, nil
	case "incoming":
		return apitypes.TraversalIncoming, nil
	default:
		return "", fmt.Errorf("invalid direction %q: use 'outgoing', 'incoming', or 'both'", s)
	}
}

func entityIDStrings(ids []ids.EntityID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func claimIDStrings(cids []ids.ClaimID) []string {
	out := make([]string, len(cids))
	for i, id := range cids {
		out[i] = string(id)
	}
	return out
}
