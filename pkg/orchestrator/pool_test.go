package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"autosint/pkg/apitypes"
	"autosint/pkg/dispatch"
	"autosint/pkg/ids"
	"autosint/pkg/llmprovider"
	"autosint/pkg/queue"
	"autosint/pkg/resilience/circuit"
)

func newTestPoolFixture(store *fakeStore, q *fakeQueue, processorLLM *scriptedLLM) *Orchestrator {
	return newTestOrchestrator(store, q, textOnlyLLM("unused"), processorLLM, emptyDispatcher(dispatch.RoleAnalyst), emptyDispatcher(dispatch.RoleProcessor))
}

func TestHandleDelivery_CompletedWorkOrderIsAckedNotRequeued(t *testing.T) {
	store := newFakeStore()
	q := &fakeQueue{}
	wo := &apitypes.WorkOrder{ID: ids.NewWorkOrderID(), InvestigationID: ids.NewInvestigationID(), Status: apitypes.WorkOrderQueued}
	store.workOrders[wo.ID] = wo

	o := newTestPoolFixture(store, q, textOnlyLLM("found nothing further"))
	delivery := &queue.Delivery{
		Stream:  "processor-stream",
		EntryID: "1-0",
		Message: queue.Message{WorkOrderID: wo.ID, InvestigationID: wo.InvestigationID, Objective: "look into example.com"},
	}

	o.pool.handleDelivery(context.Background(), ids.NewProcessorID(), delivery)

	stored, err := store.GetWorkOrder(context.Background(), wo.ID)
	require.NoError(t, err)
	require.Equal(t, apitypes.WorkOrderCompleted, stored.Status)
	require.NotNil(t, stored.CompletedAt)

	q.mu.Lock()
	defer q.mu.Unlock()
	require.Equal(t, []string{"1-0"}, q.acked)
	require.Empty(t, q.enqueued, "a completed work order is never republished")
}

func TestHandleDelivery_FirstFailureRequeuesOnce(t *testing.T) {
	store := newFakeStore()
	q := &fakeQueue{}
	wo := &apitypes.WorkOrder{ID: ids.NewWorkOrderID(), InvestigationID: ids.NewInvestigationID(), Status: apitypes.WorkOrderQueued}
	store.workOrders[wo.ID] = wo

	llm := &scriptedLLM{errs: []error{context.DeadlineExceeded}}
	o := newTestPoolFixture(store, q, llm)
	delivery := &queue.Delivery{
		Stream:  "processor-stream",
		EntryID: "2-0",
		Message: queue.Message{WorkOrderID: wo.ID, InvestigationID: wo.InvestigationID, Objective: "look into example.com"},
	}

	o.pool.handleDelivery(context.Background(), ids.NewProcessorID(), delivery)

	stored, err := store.GetWorkOrder(context.Background(), wo.ID)
	require.NoError(t, err)
	require.Equal(t, apitypes.WorkOrderQueued, stored.Status, "first failure requeues rather than permanently failing")
	require.Equal(t, 1, stored.RetryCount)
	require.Empty(t, stored.ProcessorID)

	q.mu.Lock()
	defer q.mu.Unlock()
	require.Len(t, q.enqueued, 1)
	require.Equal(t, wo.ID, q.enqueued[0].ID)
}

func TestHandleDelivery_SecondFailurePermanentlyFails(t *testing.T) {
	store := newFakeStore()
	q := &fakeQueue{}
	wo := &apitypes.WorkOrder{ID: ids.NewWorkOrderID(), InvestigationID: ids.NewInvestigationID(), Status: apitypes.WorkOrderQueued, RetryCount: 1}
	store.workOrders[wo.ID] = wo

	llm := &scriptedLLM{errs: []error{context.DeadlineExceeded}}
	o := newTestPoolFixture(store, q, llm)
	delivery := &queue.Delivery{
		Stream:  "processor-stream",
		EntryID: "3-0",
		Message: queue.Message{WorkOrderID: wo.ID, InvestigationID: wo.InvestigationID, Objective: "look into example.com"},
	}

	o.pool.handleDelivery(context.Background(), ids.NewProcessorID(), delivery)

	stored, err := store.GetWorkOrder(context.Background(), wo.ID)
	require.NoError(t, err)
	require.Equal(t, apitypes.WorkOrderFailed, stored.Status)
	require.NotNil(t, stored.CompletedAt)

	q.mu.Lock()
	defer q.mu.Unlock()
	require.Equal(t, []string{"3-0"}, q.acked)
	require.Empty(t, q.enqueued, "a work order already retried once is never requeued again")
}

func TestHandleDelivery_MaxTurnsReachedStillCountsAsCompleted(t *testing.T) {
	store := newFakeStore()
	q := &fakeQueue{}
	wo := &apitypes.WorkOrder{ID: ids.NewWorkOrderID(), InvestigationID: ids.NewInvestigationID(), Status: apitypes.WorkOrderQueued}
	store.workOrders[wo.ID] = wo

	processorD := newCountingDispatcher(t, dispatch.RoleProcessor, "fetch_url", func(c *dispatch.SessionCounters) {
		c.ClaimsCreated.Add(1)
	})
	llm := &scriptedLLM{responses: []llmprovider.Response{toolCallResponse("fetch_url")}}
	o := New(Deps{
		Config:              testConfig(),
		Store:               store,
		Queue:               q,
		Breakers:            circuit.NewRegistry(circuit.DefaultConfig),
		AnalystLLM:          textOnlyLLM("unused"),
		ProcessorLLM:        llm,
		AnalystDispatcher:   emptyDispatcher(dispatch.RoleAnalyst),
		ProcessorDispatcher: processorD,
		AnalystPrompt:       "analyst",
		ProcessorPrompt:     "processor",
	})
	o.deps.Config.Safety.MaxTurnsPerProcessorSession = 1

	delivery := &queue.Delivery{
		Stream:  "processor-stream",
		EntryID: "4-0",
		Message: queue.Message{WorkOrderID: wo.ID, InvestigationID: wo.InvestigationID, Objective: "fetch the page"},
	}
	o.pool.handleDelivery(context.Background(), ids.NewProcessorID(), delivery)

	stored, err := store.GetWorkOrder(context.Background(), wo.ID)
	require.NoError(t, err)
	require.Equal(t, apitypes.WorkOrderCompleted, stored.Status)
	require.Equal(t, 1, stored.ClaimsProducedCount)
}
