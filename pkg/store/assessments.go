package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"autosint/pkg/apitypes"
	"autosint/pkg/ids"
)

// CreateAssessment persists the analytical product an Analyst session
// produces when it calls produce_assessment.
func (c *Client) CreateAssessment(ctx context.Context, a *apitypes.Assessment) error {
	content, err := json.Marshal(a.Content)
	if err != nil {
		return fmt.Errorf("store: marshaling assessment content: %w", err)
	}
	entityRefs, err := marshalEntityIDs(a.EntityRefs)
	if err != nil {
		return err
	}
	claimRefs, err := marshalClaimIDs(a.ClaimRefs)
	if err != nil {
		return err
	}

	_, err = c.db.ExecContext(ctx,
		`INSERT INTO assessments (id, investigation_id, content, confidence, entity_refs, claim_refs, embedding, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		string(a.ID), string(a.InvestigationID), content, string(a.Confidence), entityRefs, claimRefs,
		embeddingLiteral(a.Embedding), a.CreatedAt)
	if err != nil {
		return wrapHard("create_assessment", err)
	}
	return nil
}

// GetAssessment fetches a single assessment by id.
func (c *Client) GetAssessment(ctx context.Context, id ids.AssessmentID) (*apitypes.Assessment, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT id, investigation_id, content, confidence, entity_refs, claim_refs, created_at
		 FROM assessments WHERE id = $1`,
		string(id))
	a, err := scanAssessment(row)
	if err == sql.ErrNoRows {
		return nil, wrapNotFound("get_assessment", string(id))
	}
	if err != nil {
		return nil, wrapHard("get_assessment", err)
	}
	return a, nil
}

// SearchAssessments runs a keyword full-text search over the whole assessment
// content document, newest first, backing the Analyst's search_assessments
// tool. It takes no embedding and does no semantic ranking.
func (c *Client) SearchAssessments(ctx context.Context, query string, limit int) ([]apitypes.Assessment, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := c.db.QueryContext(ctx,
		`SELECT id, investigation_id, content, confidence, entity_refs, claim_refs, created_at
		 FROM assessments
		 WHERE to_tsvector('english', content) @@ to_tsquery('english', $1)
		 ORDER BY created_at DESC LIMIT $2`,
		toTSQuery(query), limit)
	if err != nil {
		return nil, wrapHard("search_assessments", err)
	}
	defer rows.Close()

	var out []apitypes.Assessment
	for rows.Next() {
		a, err := scanAssessment(rows)
		if err != nil {
			return nil, wrapHard("search_assessments", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapHard("search_assessments", err)
	}
	return out, nil
}

func scanAssessment(scanner rowScanner) (*apitypes.Assessment, error) {
	var (
		a          apitypes.Assessment
		content    []byte
		entityRefs []byte
		claimRefs  []byte
	)
	if err := scanner.Scan(&a.ID, &a.InvestigationID, &content, &a.Confidence, &entityRefs, &claimRefs, &a.CreatedAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(content, &a.Content); err != nil {
		return nil, fmt.Errorf("store: unmarshaling assessment content: %w", err)
	}
	entities, err := unmarshalEntityIDs(entityRefs)
	if err != nil {
		return nil, err
	}
	a.EntityRefs = entities
	claims, err := unmarshalClaimIDs(claimRefs)
	if err != nil {
		return nil, err
	}
	a.ClaimRefs = claims

	return &a, nil
}

func marshalClaimIDs(list []ids.ClaimID) ([]byte, error) {
	strs := make([]string, len(list))
	for i, v := range list {
		strs[i] = string(v)
	}
	return json.Marshal(strs)
}

func unmarshalClaimIDs(data []byte) ([]ids.ClaimID, error) {
	var strs []string
	if err := json.Unmarshal(data, &strs); err != nil {
		return nil, fmt.Errorf("store: unmarshaling claim ids: %w", err)
	}
	out := make([]ids.ClaimID, len(strs))
	for i, s := range strs {
		out[i] = ids.ClaimID(s)
	}
	return out, nil
}

// embeddingLiteral renders a float32 embedding as pgvector's text input
// format, or nil when no embedding is available yet.
func embeddingLiteral(embedding []float32) any {
	if len(embedding) == 0 {
		return nil
	}
	parts := make([]string, len(embedding))
	for i, f := range embedding {
		parts[i] = fmt.Sprintf("%g", f)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// toTSQuery turns free-text search input into a plain AND-joined tsquery,
// tolerant of queries containing characters to_tsquery would otherwise reject.
func toTSQuery(query string) string {
	fields := strings.Fields(query)
	for i, f := range fields {
		fields[i] = strings.ReplaceAll(f, "'", "")
	}
	return strings.Join(fields, " & ")
}
