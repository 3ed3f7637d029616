package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"autosint/pkg/apitypes"
	"autosint/pkg/ids"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows, letting
// scanWorkOrder serve a single-row get and a multi-row query alike.
type rowScanner interface {
	Scan(dest ...any) error
}

// CreateWorkOrder inserts a new queued work order record. The queue package
// dispatches the same order onto its Redis stream separately; this call
// persists the row the orchestrator and Analyst tools read back from.
func (c *Client) CreateWorkOrder(ctx context.Context, wo *apitypes.WorkOrder) error {
	referenced, err := marshalEntityIDs(wo.ReferencedEntities)
	if err != nil {
		return err
	}

	var guidance []byte
	if wo.SourceGuidance != nil {
		guidance, err = json.Marshal(wo.SourceGuidance)
		if err != nil {
			return err
		}
	}

	_, err = c.db.ExecContext(ctx,
		`INSERT INTO work_orders (id, investigation_id, objective, status, priority,
		 referenced_entities, source_guidance, processor_id, cycle, claims_produced_count,
		 retry_count, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		string(wo.ID), string(wo.InvestigationID), wo.Objective, string(wo.Status), string(wo.Priority),
		referenced, guidance, nullableString(string(wo.ProcessorID)), wo.Cycle, wo.ClaimsProducedCount,
		wo.RetryCount, wo.CreatedAt)
	if err != nil {
		return wrapHard("create_work_order", err)
	}
	return nil
}

// UpdateWorkOrderStatus transitions a work order's status and writes its
// processor, claim count, retry count, and completion time from wo on every
// call, whatever the new status.
func (c *Client) UpdateWorkOrderStatus(ctx context.Context, wo *apitypes.WorkOrder) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE work_orders SET status = $1, processor_id = $2, claims_produced_count = $3,
		 retry_count = $4, completed_at = $5 WHERE id = $6`,
		string(wo.Status), nullableString(string(wo.ProcessorID)), wo.ClaimsProducedCount,
		wo.RetryCount, wo.CompletedAt, string(wo.ID))
	if err != nil {
		return wrapHard("update_work_order_status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wrapNotFound("update_work_order_status", string(wo.ID))
	}
	return nil
}

// GetWorkOrder fetches a single work order by id.
func (c *Client) GetWorkOrder(ctx context.Context, id ids.WorkOrderID) (*apitypes.WorkOrder, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT id, investigation_id, objective, status, priority, referenced_entities,
		 source_guidance, processor_id, cycle, claims_produced_count, retry_count, created_at, completed_at
		 FROM work_orders WHERE id = $1`,
		string(id))
	wo, err := scanWorkOrder(row)
	if err == sql.ErrNoRows {
		return nil, wrapNotFound("get_work_order", string(id))
	}
	if err != nil {
		return nil, wrapHard("get_work_order", err)
	}
	return wo, nil
}

func scanWorkOrder(scanner rowScanner) (*apitypes.WorkOrder, error) {
	var (
		wo          apitypes.WorkOrder
		referenced  []byte
		guidance    []byte
		processorID sql.NullString
		completedAt sql.NullTime
	)
	if err := scanner.Scan(&wo.ID, &wo.InvestigationID, &wo.Objective, &wo.Status, &wo.Priority,
		&referenced, &guidance, &processorID, &wo.Cycle, &wo.ClaimsProducedCount, &wo.RetryCount,
		&wo.CreatedAt, &completedAt); err != nil {
		return nil, err
	}

	entities, err := unmarshalEntityIDs(referenced)
	if err != nil {
		return nil, err
	}
	wo.ReferencedEntities = entities

	if len(guidance) > 0 {
		var sg apitypes.SourceGuidance
		if err := json.Unmarshal(guidance, &sg); err != nil {
			return nil, err
		}
		wo.SourceGuidance = &sg
	}
	if processorID.Valid {
		wo.ProcessorID = ids.ProcessorID(processorID.String)
	}
	if completedAt.Valid {
		wo.CompletedAt = &completedAt.Time
	}
	return &wo, nil
}
