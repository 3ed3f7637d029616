package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"autosint/pkg/apitypes"
	"autosint/pkg/dispatch"
	"autosint/pkg/ids"
	"autosint/pkg/logx"
	"autosint/pkg/queue"
	"autosint/pkg/session"
)

// dequeueBlockMs bounds how long one worker's XREADGROUP call blocks when
// no message is ready, so a worker notices ctx cancellation promptly.
const dequeueBlockMs = 2000

// ProcessorPool is the fixed-size goroutine pool described in spec.md §4.2:
// each worker alternates claim → run Processor session → ack/retry, with an
// independent heartbeat goroutine so a worker blocked on a long external
// call (a 30-minute transcription poll) is never mistaken for dead.
// Grounded on engine/src/processor/pool.rs's worker loop and the teacher's
// pkg/architect goroutine-per-concern pattern (processStatusUpdates,
// processRequeueRequests running alongside the main state loop).
type ProcessorPool struct {
	orch   *Orchestrator
	size   int
	logger *logx.Logger
}

func newProcessorPool(orch *Orchestrator, size int) *ProcessorPool {
	if size <= 0 {
		size = 1
	}
	return &ProcessorPool{orch: orch, size: size, logger: logx.NewLogger("processor-pool")}
}

func (p *ProcessorPool) run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.size; i++ {
		wg.Add(1)
		go func(workerIdx int) {
			defer wg.Done()
			p.worker(ctx, workerIdx)
		}(i)
	}
	wg.Wait()
}

func (p *ProcessorPool) worker(ctx context.Context, workerIdx int) {
	processorID := ids.NewProcessorID()
	p.logger.Info("processor worker %d starting as %s", workerIdx, processorID)

	heartbeatCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go p.heartbeatLoop(heartbeatCtx, processorID)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		delivery, err := guardBreaker(p.orch.deps.Breakers.Get("queue"), "queue", func() (*queue.Delivery, error) {
			return p.orch.deps.Queue.Dequeue(ctx, string(processorID), dequeueBlockMs)
		})
		if err != nil {
			p.logger.Warn("processor %s: dequeue failed: %v", processorID, err)
			time.Sleep(time.Second)
			continue
		}
		if delivery == nil {
			continue
		}

		p.handleDelivery(ctx, processorID, delivery)
	}
}

// heartbeatLoop refreshes processorID's liveness key on its own schedule,
// independent of whatever the worker is currently blocked on, per spec.md
// §4.2's "cooperative task independent of the work loop" requirement.
// Adapted from rmax-ai-ratelord/pkg/store/redis/lease.go's SetNX/renew
// pattern; simplified to a plain SET since each Processor is the sole
// holder of its own heartbeat key, so the CAS-style renew that lease.go
// needs for contended leases has nothing to contend with here.
func (p *ProcessorPool) heartbeatLoop(ctx context.Context, processorID ids.ProcessorID) {
	ttl := p.orch.deps.Config.Safety.HeartbeatTTL()
	interval := ttl / 2
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	beat := func() {
		if err := guardBreakerErr(p.orch.deps.Breakers.Get("queue"), "queue", func() error {
			return p.orch.deps.Queue.Heartbeat(ctx, processorID, ttl)
		}); err != nil {
			p.logger.Warn("processor %s: heartbeat failed: %v", processorID, err)
		}
	}
	beat()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beat()
		}
	}
}

// handleDelivery runs one Processor session against a dequeued work order
// and applies spec.md §4.2's dequeue protocol: claim, run, then
// ack+completed or requeue-once-then-permanent-fail.
func (p *ProcessorPool) handleDelivery(ctx context.Context, processorID ids.ProcessorID, d *queue.Delivery) {
	msg := d.Message

	wo, err := guardBreaker(p.orch.deps.Breakers.Get("store"), "store", func() (*apitypes.WorkOrder, error) {
		return p.orch.deps.Store.GetWorkOrder(ctx, msg.WorkOrderID)
	})
	if err != nil {
		p.logger.Error("processor %s: loading work order %s: %v", processorID, msg.WorkOrderID, err)
		return
	}

	wo.Status = apitypes.WorkOrderProcessing
	wo.ProcessorID = processorID
	if err := guardBreakerErr(p.orch.deps.Breakers.Get("store"), "store", func() error {
		return p.orch.deps.Store.UpdateWorkOrderStatus(ctx, wo)
	}); err != nil {
		p.logger.Error("processor %s: claiming work order %s: %v", processorID, wo.ID, err)
		return
	}

	counters := &dispatch.SessionCounters{}
	hctx := p.orch.handlerContext(ctx, dispatch.RoleProcessor, msg.InvestigationID, wo.Cycle, counters)
	result := p.orch.runSession(ctx, session.RoleProcessor, p.orch.deps.ProcessorLLM, p.orch.deps.ProcessorDispatcher, hctx,
		p.orch.processorSystemPrompt(msg), p.orch.deps.Config.Safety.MaxTurnsPerProcessorSession)

	now := time.Now()
	switch result.Outcome {
	case session.OutcomeCompleted, session.OutcomeMaxTurnsReached, session.OutcomeMalformedToolCallLimit:
		wo.Status = apitypes.WorkOrderCompleted
		wo.ClaimsProducedCount = int(counters.ClaimsCreated.Load())
		wo.CompletedAt = &now
		p.finish(ctx, processorID, d, wo)

	case session.OutcomeFailed:
		wo.RetryCount++
		if wo.RetryCount <= 1 {
			p.requeue(ctx, processorID, d, wo)
		} else {
			wo.Status = apitypes.WorkOrderFailed
			wo.CompletedAt = &now
			p.finish(ctx, processorID, d, wo)
		}
	}

	p.orch.notifyWorkOrderDone(msg.InvestigationID)
}

func (p *ProcessorPool) finish(ctx context.Context, processorID ids.ProcessorID, d *queue.Delivery, wo *apitypes.WorkOrder) {
	if err := guardBreakerErr(p.orch.deps.Breakers.Get("store"), "store", func() error {
		return p.orch.deps.Store.UpdateWorkOrderStatus(ctx, wo)
	}); err != nil {
		p.logger.Error("processor %s: recording outcome for work order %s: %v", processorID, wo.ID, err)
	}
	if err := guardBreakerErr(p.orch.deps.Breakers.Get("queue"), "queue", func() error {
		return p.orch.deps.Queue.Ack(ctx, d.Stream, d.EntryID)
	}); err != nil {
		p.logger.Error("processor %s: acking work order %s: %v", processorID, wo.ID, err)
	}
}

func (p *ProcessorPool) requeue(ctx context.Context, processorID ids.ProcessorID, d *queue.Delivery, wo *apitypes.WorkOrder) {
	wo.Status = apitypes.WorkOrderQueued
	wo.ProcessorID = ""
	if err := guardBreakerErr(p.orch.deps.Breakers.Get("store"), "store", func() error {
		return p.orch.deps.Store.UpdateWorkOrderStatus(ctx, wo)
	}); err != nil {
		p.logger.Error("processor %s: marking work order %s for retry: %v", processorID, wo.ID, err)
	}
	if err := guardBreakerErr(p.orch.deps.Breakers.Get("queue"), "queue", func() error {
		return p.orch.deps.Queue.Ack(ctx, d.Stream, d.EntryID)
	}); err != nil {
		p.logger.Error("processor %s: acking pre-retry work order %s: %v", processorID, wo.ID, err)
	}
	if err := guardBreakerErr(p.orch.deps.Breakers.Get("queue"), "queue", func() error {
		return p.orch.deps.Queue.Enqueue(ctx, wo)
	}); err != nil {
		p.logger.Error("processor %s: republishing work order %s: %v", processorID, wo.ID, err)
	}
}

// processorSystemPrompt builds the Processor's system prompt for one work
// order, filling in the objective and source guidance it was dispatched
// with.
func (o *Orchestrator) processorSystemPrompt(msg queue.Message) string {
	prompt := fmt.Sprintf("%s\n\nObjective: %s\n", o.deps.ProcessorPrompt, msg.Objective)
	if msg.SourceGuidance != nil && msg.SourceGuidance.Notes != "" {
		prompt += fmt.Sprintf("Source guidance: %s\n", msg.SourceGuidance.Notes)
	}
	return prompt
}
