package tools

import (
	"encoding/json"
	"fmt"
	"sort"

	"autosint/pkg/apitypes"
	"autosint/pkg/config"
	"autosint/pkg/dispatch"
	"autosint/pkg/ids"
)

type sourceGuidanceArgs struct {
	PreferredSources []string `json:"preferred_sources"`
	Notes            string   `json:"notes"`
}

type createWorkOrderArgs struct {
	Objective          string              `json:"objective"`
	ReferencedEntities []string            `json:"referenced_entities"`
	SourceGuidance     *sourceGuidanceArgs `json:"source_guidance"`
	Priority           string              `json:"priority"`
}

// MaxWorkOrdersPerCycle is read from config.SafetyLimits by the orchestrator
// when it builds a dispatch.HandlerContext; handleCreateWorkOrder enforces
// it here against hctx.Counters, mirroring create_work_order.rs's own
// session-counter check.
func maxWorkOrdersPerCycle(limits config.SafetyLimits) int {
	if limits.MaxWorkOrdersPerCycle <= 0 {
		return 0
	}
	return limits.MaxWorkOrdersPerCycle
}

func handleCreateWorkOrder(hctx *dispatch.HandlerContext, raw json.RawMessage) (any, error) {
	var args createWorkOrderArgs
	if err := unmarshalArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.Objective == "" {
		return nil, fmt.Errorf("objective is required")
	}
	if hctx.InvestigationID == "" {
		return nil, fmt.Errorf("work order creation not available (no investigation context)")
	}

	if max := maxWorkOrdersPerCycle(hctx.SafetyLimits); max > 0 {
		current := int(hctx.Counters.WorkOrdersCreated.Load())
		if current >= max {
			return nil, fmt.Errorf("work order limit reached (%d/%d): cannot create more work orders this cycle", current, max)
		}
	}

	priority, err := parsePriority(args.Priority)
	if err != nil {
		return nil, err
	}

	referenced := make([]ids.EntityID, 0, len(args.ReferencedEntities))
	for _, s := range args.ReferencedEntities {
		id, err := parseEntityID(s)
		if err != nil {
			return nil, fmt.Errorf("invalid entity id %q: %w", s, err)
		}
		referenced = append(referenced, id)
	}

	var guidance *apitypes.SourceGuidance
	if args.SourceGuidance != nil {
		guidance = &apitypes.SourceGuidance{
			PreferredSources: args.SourceGuidance.PreferredSources,
			Notes:            args.SourceGuidance.Notes,
		}
	}

	wo := &apitypes.WorkOrder{
		ID:                 ids.NewWorkOrderID(),
		InvestigationID:    hctx.InvestigationID,
		Objective:          args.Objective,
		Status:             apitypes.WorkOrderQueued,
		Priority:           priority,
		ReferencedEntities: referenced,
		SourceGuidance:     guidance,
		Cycle:              hctx.Cycle,
		CreatedAt:          nowUTC(hctx),
	}

	if err := hctx.Store.CreateWorkOrder(hctx.Context, wo); err != nil {
		return nil, fmt.Errorf("failed to create work order: %w", err)
	}
	if err := hctx.Queue.Enqueue(hctx.Context, wo); err != nil {
		return nil, fmt.Errorf("failed to enqueue work order: %w", err)
	}
	hctx.Counters.WorkOrdersCreated.Add(1)

	return map[string]any{
		"work_order_id": string(wo.ID),
		"objective":     wo.Objective,
		"priority":      string(wo.Priority),
		"cycle":         wo.Cycle,
		"message":       "Work order created and dispatched to Processors.",
	}, nil
}

func handleGetInvestigationHistory(hctx *dispatch.HandlerContext, _ json.RawMessage) (any, error) {
	if hctx.InvestigationID == "" {
		return nil, fmt.Errorf("investigation history not available (no investigation context)")
	}

	investigation, workOrders, err := hctx.Store.GetInvestigationHistory(hctx.Context, hctx.InvestigationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get investigation history: %w", err)
	}

	// Grouped and sorted numerically by cycle, matching
	// get_investigation_history.rs's BTreeMap<i32, ...> grouping.
	cycles := make(map[int][]map[string]any)
	seen := make(map[int]bool)
	order := make([]int, 0)
	for i := range workOrders {
		wo := &workOrders[i]
		entry := map[string]any{
			"work_order_id":         string(wo.ID),
			"objective":             wo.Objective,
			"status":                string(wo.Status),
			"priority":              string(wo.Priority),
			"claims_produced_count": wo.ClaimsProducedCount,
		}
		if !seen[wo.Cycle] {
			seen[wo.Cycle] = true
			order = append(order, wo.Cycle)
		}
		cycles[wo.Cycle] = append(cycles[wo.Cycle], entry)
	}
	sort.Ints(order)

	cycleSummaries := make([]map[string]any, 0, len(order))
	for _, cycle := range order {
		orders := cycles[cycle]
		cycleSummaries = append(cycleSummaries, map[string]any{
			"cycle":       cycle,
			"work_orders": orders,
			"count":       len(orders),
		})
	}

	return map[string]any{
		"investigation_id":  string(hctx.InvestigationID),
		"status":            string(investigation.Status),
		"total_work_orders": len(workOrders),
		"cycles":            cycleSummaries,
	}, nil
}
