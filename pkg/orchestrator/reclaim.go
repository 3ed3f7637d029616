package orchestrator

import (
	"context"
	"time"

	"autosint/pkg/apitypes"
	"autosint/pkg/ids"
)

const reclaimConsumerName = "reclaim-scanner"

// runReclaimScanner periodically claims back work orders whose Processor
// stopped heartbeating without acking or requeuing them — a crash mid-turn,
// not a graceful retry — per spec.md §4.2's pending-entry reclamation rule.
// Idle threshold is twice the heartbeat TTL so a single missed beat doesn't
// trigger a spurious reclaim. Grounded on queue.Client.ReclaimPending, which
// wraps XPENDING/XCLAIM the way engine/src/queue/mod.rs's reclaim_stale_work
// does.
func (o *Orchestrator) runReclaimScanner(ctx context.Context) {
	ttl := o.deps.Config.Safety.HeartbeatTTL()
	interval := ttl
	if interval <= 0 {
		interval = 30 * time.Second
	}
	minIdle := 2 * ttl
	if minIdle <= 0 {
		minIdle = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.reclaimOnce(ctx, minIdle)
		}
	}
}

func (o *Orchestrator) reclaimOnce(ctx context.Context, minIdle time.Duration) {
	reclaimed, err := guardBreaker(o.deps.Breakers.Get("queue"), "queue", func() ([]reclaimedDelivery, error) {
		deliveries, err := o.deps.Queue.ReclaimPending(ctx, reclaimConsumerName, minIdle)
		out := make([]reclaimedDelivery, len(deliveries))
		for i, d := range deliveries {
			out[i] = reclaimedDelivery{workOrderID: d.Message.WorkOrderID, investigationID: d.Message.InvestigationID,
				stream: d.Stream, entryID: d.EntryID}
		}
		return out, err
	})
	if err != nil {
		o.logger.Warn("reclaim scan failed: %v", err)
		return
	}

	for _, r := range reclaimed {
		wo, err := guardBreaker(o.deps.Breakers.Get("store"), "store", func() (*apitypes.WorkOrder, error) {
			return o.deps.Store.GetWorkOrder(ctx, r.workOrderID)
		})
		if err != nil {
			o.logger.Error("reclaim: loading work order %s: %v", r.workOrderID, err)
			continue
		}

		wo.Status = apitypes.WorkOrderQueued
		wo.ProcessorID = ""
		if err := guardBreakerErr(o.deps.Breakers.Get("store"), "store", func() error {
			return o.deps.Store.UpdateWorkOrderStatus(ctx, wo)
		}); err != nil {
			o.logger.Error("reclaim: requeuing work order %s: %v", wo.ID, err)
			continue
		}

		if err := guardBreakerErr(o.deps.Breakers.Get("queue"), "queue", func() error {
			return o.deps.Queue.Enqueue(ctx, wo)
		}); err != nil {
			o.logger.Error("reclaim: republishing work order %s: %v", wo.ID, err)
			continue
		}

		if err := guardBreakerErr(o.deps.Breakers.Get("queue"), "queue", func() error {
			return o.deps.Queue.Ack(ctx, r.stream, r.entryID)
		}); err != nil {
			o.logger.Error("reclaim: acking stale entry %s: %v", r.entryID, err)
		}

		o.logger.Info("reclaimed stale work order %s for investigation %s", wo.ID, r.investigationID)
		o.notifyWorkOrderDone(r.investigationID)
	}
}

type reclaimedDelivery struct {
	workOrderID     ids.WorkOrderID
	investigationID ids.InvestigationID
	stream          string
	entryID         string
}
