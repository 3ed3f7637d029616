package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"autosint/pkg/apitypes"
	"autosint/pkg/ids"
)

// CreateInvestigation inserts a new Investigation row in PENDING status.
func (c *Client) CreateInvestigation(ctx context.Context, inv *apitypes.Investigation) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO investigations (id, prompt, status, parent_investigation_id, cycle_count, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		string(inv.ID), inv.Prompt, string(inv.Status), nullableID(inv.ParentInvestigationID), inv.CycleCount, inv.CreatedAt)
	if err != nil {
		return wrapHard("create_investigation", err)
	}
	return nil
}

// UpdateInvestigationStatus transitions an investigation's status and
// records the completion/suspension bookkeeping columns that accompany
// each terminal or SUSPENDED transition.
func (c *Client) UpdateInvestigationStatus(ctx context.Context, inv *apitypes.Investigation) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE investigations SET status = $1, cycle_count = $2, completed_at = $3,
		 suspended_reason = $4, suspended_at = $5, resume_from = $6 WHERE id = $7`,
		string(inv.Status), inv.CycleCount, inv.CompletedAt,
		nullableString(inv.SuspendedReason), inv.SuspendedAt, nullableString(string(inv.ResumeFrom)),
		string(inv.ID))
	if err != nil {
		return wrapHard("update_investigation_status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wrapNotFound("update_investigation_status", string(inv.ID))
	}
	return nil
}

// GetInvestigation fetches a single investigation by id.
func (c *Client) GetInvestigation(ctx context.Context, id ids.InvestigationID) (*apitypes.Investigation, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT id, prompt, status, parent_investigation_id, cycle_count, created_at,
		 completed_at, suspended_reason, suspended_at, resume_from FROM investigations WHERE id = $1`,
		string(id))
	inv, err := scanInvestigation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, wrapNotFound("get_investigation", string(id))
	}
	if err != nil {
		return nil, wrapHard("get_investigation", err)
	}
	return inv, nil
}

// GetInvestigationHistory fetches an investigation plus every work order
// filed against it, ordered oldest-first, for the Analyst's
// get_investigation_history tool.
func (c *Client) GetInvestigationHistory(ctx context.Context, id ids.InvestigationID) (*apitypes.Investigation, []apitypes.WorkOrder, error) {
	inv, err := c.GetInvestigation(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	rows, err := c.db.QueryContext(ctx,
		`SELECT id, investigation_id, objective, status, priority, referenced_entities,
		 source_guidance, processor_id, cycle, claims_produced_count, retry_count, created_at, completed_at
		 FROM work_orders WHERE investigation_id = $1 ORDER BY created_at ASC`,
		string(id))
	if err != nil {
		return nil, nil, wrapHard("get_investigation_history", err)
	}
	defer rows.Close()

	var orders []apitypes.WorkOrder
	for rows.Next() {
		wo, err := scanWorkOrder(rows)
		if err != nil {
			return nil, nil, wrapHard("get_investigation_history", err)
		}
		orders = append(orders, *wo)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, wrapHard("get_investigation_history", err)
	}

	return inv, orders, nil
}

// ListNonTerminalInvestigations returns every investigation not in
// COMPLETED or FAILED, for the orchestrator's startup crash-recovery scan
// (spec.md §4.1).
func (c *Client) ListNonTerminalInvestigations(ctx context.Context) ([]apitypes.Investigation, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, prompt, status, parent_investigation_id, cycle_count, created_at,
		 completed_at, suspended_reason, suspended_at, resume_from FROM investigations
		 WHERE status NOT IN ($1, $2)`,
		string(apitypes.StatusCompleted), string(apitypes.StatusFailed))
	if err != nil {
		return nil, wrapHard("list_non_terminal_investigations", err)
	}
	defer rows.Close()

	var out []apitypes.Investigation
	for rows.Next() {
		inv, err := scanInvestigationRows(rows)
		if err != nil {
			return nil, wrapHard("list_non_terminal_investigations", err)
		}
		out = append(out, *inv)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapHard("list_non_terminal_investigations", err)
	}
	return out, nil
}

func scanInvestigationRows(rows *sql.Rows) (*apitypes.Investigation, error) {
	var (
		inv         apitypes.Investigation
		parentID    sql.NullString
		suspReason  sql.NullString
		suspAt      sql.NullTime
		resumeFrom  sql.NullString
		completedAt sql.NullTime
	)
	if err := rows.Scan(&inv.ID, &inv.Prompt, &inv.Status, &parentID, &inv.CycleCount, &inv.CreatedAt,
		&completedAt, &suspReason, &suspAt, &resumeFrom); err != nil {
		return nil, err
	}
	if parentID.Valid {
		id := ids.InvestigationID(parentID.String)
		inv.ParentInvestigationID = &id
	}
	if completedAt.Valid {
		inv.CompletedAt = &completedAt.Time
	}
	inv.SuspendedReason = suspReason.String
	if suspAt.Valid {
		inv.SuspendedAt = &suspAt.Time
	}
	inv.ResumeFrom = apitypes.InvestigationStatus(resumeFrom.String)
	return &inv, nil
}

func scanInvestigation(row *sql.Row) (*apitypes.Investigation, error) {
	var (
		inv         apitypes.Investigation
		parentID    sql.NullString
		suspReason  sql.NullString
		suspAt      sql.NullTime
		resumeFrom  sql.NullString
		completedAt sql.NullTime
	)
	if err := row.Scan(&inv.ID, &inv.Prompt, &inv.Status, &parentID, &inv.CycleCount, &inv.CreatedAt,
		&completedAt, &suspReason, &suspAt, &resumeFrom); err != nil {
		return nil, err
	}
	if parentID.Valid {
		id := ids.InvestigationID(parentID.String)
		inv.ParentInvestigationID = &id
	}
	if completedAt.Valid {
		inv.CompletedAt = &completedAt.Time
	}
	inv.SuspendedReason = suspReason.String
	if suspAt.Valid {
		inv.SuspendedAt = &suspAt.Time
	}
	inv.ResumeFrom = apitypes.InvestigationStatus(resumeFrom.String)
	return &inv, nil
}

func nullableID(id *ids.InvestigationID) any {
	if id == nil {
		return nil
	}
	return string(*id)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func marshalEntityIDs(list []ids.EntityID) ([]byte, error) {
	strs := make([]string, len(list))
	for i, v := range list {
		strs[i] = string(v)
	}
	return json.Marshal(strs)
}

func unmarshalEntityIDs(data []byte) ([]ids.EntityID, error) {
	var strs []string
	if err := json.Unmarshal(data, &strs); err != nil {
		return nil, fmt.Errorf("store: unmarshaling entity ids: %w", err)
	}
	out := make([]ids.EntityID, len(strs))
	for i, s := range strs {
		out[i] = ids.EntityID(s)
	}
	return out, nil
}
