// Package orchestrator implements the investigation state machine (spec.md
// §4.1), the Processor pool (§4.2), and the glue that wires the Agentic
// Session Runtime to both Analyst and Processor roles. Grounded on the
// teacher's pkg/architect/driver.go state-machine loop, generalized from a
// single story's WAITING→...→DONE lifecycle to many concurrently running
// investigations sharing one Processor pool.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"autosint/pkg/apitypes"
	"autosint/pkg/config"
	"autosint/pkg/dispatch"
	"autosint/pkg/ids"
	"autosint/pkg/llmprovider"
	"autosint/pkg/logx"
	"autosint/pkg/queue"
	"autosint/pkg/resilience/circuit"
	"autosint/pkg/session"
)

// relationalStore is the subset of *store.Client the orchestrator and
// Processor pool call directly, plus dispatch.RelationalClient (the shape
// guard.go's guardedStore wraps for tool handlers). Declared locally, the
// way handlers.healthChecker is, so tests can supply a fake store without a
// live Postgres connection.
type relationalStore interface {
	dispatch.RelationalClient
	CreateInvestigation(ctx context.Context, inv *apitypes.Investigation) error
	UpdateInvestigationStatus(ctx context.Context, inv *apitypes.Investigation) error
	ListNonTerminalInvestigations(ctx context.Context) ([]apitypes.Investigation, error)
	GetWorkOrder(ctx context.Context, id ids.WorkOrderID) (*apitypes.WorkOrder, error)
	UpdateWorkOrderStatus(ctx context.Context, wo *apitypes.WorkOrder) error
}

// workQueue is the subset of *queue.Client the orchestrator and Processor
// pool call directly, plus dispatch.QueueClient.
type workQueue interface {
	dispatch.QueueClient
	Dequeue(ctx context.Context, consumerName string, blockMs int64) (*queue.Delivery, error)
	Ack(ctx context.Context, stream, entryID string) error
	Heartbeat(ctx context.Context, processorID ids.ProcessorID, ttl time.Duration) error
	ReclaimPending(ctx context.Context, consumerName string, minIdle time.Duration) ([]queue.Delivery, error)
}

// Deps bundles every collaborator the orchestrator needs. One Orchestrator
// serves every investigation and the whole Processor pool, so its
// dependencies are process-wide singletons, not per-investigation. Store,
// Graph, and Queue are narrow interfaces rather than concrete *store.Client/
// *graph.Client/*queue.Client pointers so orchestrator tests can supply
// fakes, the same technique handlers.Deps uses.
type Deps struct {
	Config              *config.Config
	Store               relationalStore
	Graph               dispatch.GraphClient
	Queue               workQueue
	Breakers            *circuit.Registry
	AnalystLLM          llmprovider.Client
	ProcessorLLM        llmprovider.Client
	AnalystDispatcher   *dispatch.Dispatcher
	ProcessorDispatcher *dispatch.Dispatcher
	Embeddings          dispatch.EmbeddingClient
	Fetch               dispatch.ExternalModuleClient
	Geo                 dispatch.ExternalModuleClient
	Scribe              dispatch.ExternalModuleClient
	AnalystPrompt       string
	ProcessorPrompt     string
}

// Orchestrator owns the investigation state machine and the Processor pool.
// It never consults the LLM to decide a transition (spec.md §4.1) — every
// decision below is driven by SessionCounters, SessionResult.Outcome, and
// circuit.Registry state.
type Orchestrator struct {
	deps   Deps
	logger *logx.Logger

	mu          sync.Mutex
	completions map[ids.InvestigationID]chan struct{}

	pool *ProcessorPool
}

// New builds an Orchestrator and its Processor pool from deps. Call
// InitializeStreams/InitializeSchema on the underlying adapters separately
// (cmd/autosint-engine/main.go's startup sequence) before Run.
func New(deps Deps) *Orchestrator {
	o := &Orchestrator{
		deps:        deps,
		logger:      logx.NewLogger("orchestrator"),
		completions: make(map[ids.InvestigationID]chan struct{}),
	}
	o.pool = newProcessorPool(o, deps.Config.Concurrency.ProcessorPoolSize)
	return o
}

// hardDepKeys lists every circuit-breaker key a running investigation
// depends on. Any of these being Open means the investigation cannot make
// progress and must be SUSPENDED.
func (o *Orchestrator) hardDepKeys() []string {
	return []string{
		"graph",
		"store",
		"queue",
		fmt.Sprintf("llm:%s", o.deps.Config.LLM.Analyst.Provider),
		fmt.Sprintf("llm:%s", o.deps.Config.LLM.Processor.Provider),
	}
}

// openHardDep returns the name of the first hard dependency whose circuit is
// currently open, or "" if all are healthy.
func (o *Orchestrator) openHardDep() string {
	snapshot := o.deps.Breakers.Snapshot()
	for _, key := range o.hardDepKeys() {
		if snapshot[key] == circuit.Open {
			return key
		}
	}
	return ""
}

// Run starts the Processor pool and the reclaim scanner. It blocks until ctx
// is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		o.pool.run(ctx)
	}()
	go func() {
		defer wg.Done()
		o.runReclaimScanner(ctx)
	}()
	wg.Wait()
}

// StartInvestigation creates a new investigation in PENDING and launches its
// state-machine goroutine. It returns as soon as the record is persisted;
// the investigation runs to completion (or suspension) in the background.
func (o *Orchestrator) StartInvestigation(ctx context.Context, prompt string) (ids.InvestigationID, error) {
	inv := &apitypes.Investigation{
		ID:        ids.NewInvestigationID(),
		Prompt:    prompt,
		Status:    apitypes.StatusPending,
		CreatedAt: time.Now(),
	}
	if err := guardBreakerErr(o.deps.Breakers.Get("store"), "store", func() error {
		return o.deps.Store.CreateInvestigation(ctx, inv)
	}); err != nil {
		return "", err
	}

	go o.runInvestigation(context.WithoutCancel(ctx), inv)
	return inv.ID, nil
}

// RecoverOnStartup scans for investigations left in a non-terminal state by
// a prior crash and resumes each one, per spec.md §4.1: SUSPENDED resumes if
// its dependencies are healthy; ANALYST_RUNNING/PROCESSING are treated as
// crashed mid-operation and routed through SUSPENDED before resuming.
func (o *Orchestrator) RecoverOnStartup(ctx context.Context) error {
	nonTerminal, err := guardBreaker(o.deps.Breakers.Get("store"), "store", func() ([]apitypes.Investigation, error) {
		return o.deps.Store.ListNonTerminalInvestigations(ctx)
	})
	if err != nil {
		return fmt.Errorf("orchestrator: recovering on startup: %w", err)
	}

	for i := range nonTerminal {
		inv := nonTerminal[i]
		switch inv.Status {
		case apitypes.StatusAnalystRunning, apitypes.StatusProcessing:
			o.logger.Warn("investigation %s found in %s at startup, treating as crashed", inv.ID, inv.Status)
			inv.Status = apitypes.StatusSuspended
			inv.SuspendedReason = "recovered after crash"
			now := time.Now()
			inv.SuspendedAt = &now
			inv.ResumeFrom = apitypes.StatusAnalystRunning
			if err := guardBreakerErr(o.deps.Breakers.Get("store"), "store", func() error {
				return o.deps.Store.UpdateInvestigationStatus(ctx, &inv)
			}); err != nil {
				o.logger.Error("failed to persist crash-recovery suspension for %s: %v", inv.ID, err)
				continue
			}
		case apitypes.StatusSuspended:
			// resumed below if healthy
		default:
			continue
		}
		go o.runInvestigation(context.WithoutCancel(ctx), &inv)
	}
	return nil
}

// runInvestigation is the per-investigation state-machine loop, grounded on
// driver.go's Run: process the current state, decide the next one,
// transition, repeat until a terminal state is reached.
func (o *Orchestrator) runInvestigation(ctx context.Context, inv *apitypes.Investigation) {
	for {
		if inv.Status.IsTerminal() {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		var err error
		switch inv.Status {
		case apitypes.StatusPending:
			err = o.transition(ctx, inv, apitypes.StatusAnalystRunning, nil)
		case apitypes.StatusAnalystRunning:
			err = o.stepAnalyst(ctx, inv)
		case apitypes.StatusProcessing:
			err = o.stepProcessing(ctx, inv)
		case apitypes.StatusSuspended:
			err = o.stepSuspended(ctx, inv)
		default:
			o.logger.Error("investigation %s in unknown state %s", inv.ID, inv.Status)
			return
		}
		if err != nil {
			o.logger.Error("investigation %s: %v", inv.ID, err)
			return
		}
	}
}

// transition validates from→to against the canonical table, persists the
// new status before returning, and mutates inv in place — the "persist
// before side effect" rule from spec.md §4.1.
func (o *Orchestrator) transition(ctx context.Context, inv *apitypes.Investigation, to apitypes.InvestigationStatus, mutate func(*apitypes.Investigation)) error {
	if !IsValidTransition(inv.Status, to) {
		return fmt.Errorf("orchestrator: invalid transition %s -> %s for investigation %s", inv.Status, to, inv.ID)
	}
	from := inv.Status
	inv.Status = to
	if mutate != nil {
		mutate(inv)
	}
	if to == apitypes.StatusCompleted {
		now := time.Now()
		inv.CompletedAt = &now
	}

	if err := guardBreakerErr(o.deps.Breakers.Get("store"), "store", func() error {
		return o.deps.Store.UpdateInvestigationStatus(ctx, inv)
	}); err != nil {
		inv.Status = from
		return fmt.Errorf("orchestrator: persisting %s -> %s: %w", from, to, err)
	}
	o.logger.Info("investigation %s: %s -> %s", inv.ID, from, to)
	return nil
}

// stepAnalyst runs one Analyst session and applies spec.md §4.1's
// ANALYST_RUNNING transition rules based on what the session actually did
// (dispatch.SessionCounters), not on which SessionResult variant it
// returned — MaxTurnsReached and MalformedToolCallLimit sessions that did
// create a work order still advance to PROCESSING.
func (o *Orchestrator) stepAnalyst(ctx context.Context, inv *apitypes.Investigation) error {
	if dep := o.openHardDep(); dep != "" {
		return o.transition(ctx, inv, apitypes.StatusSuspended, func(i *apitypes.Investigation) {
			i.SuspendedReason = fmt.Sprintf("hard dependency %s unavailable", dep)
			now := time.Now()
			i.SuspendedAt = &now
			i.ResumeFrom = apitypes.StatusAnalystRunning
		})
	}

	forceFinal := inv.CycleCount >= o.deps.Config.Safety.MaxCyclesPerInvestigation ||
		inv.ConsecutiveEmptySessions >= 2

	counters := &dispatch.SessionCounters{}
	hctx := o.handlerContext(ctx, dispatch.RoleAnalyst, inv.ID, inv.CycleCount, counters)
	result := o.runSession(ctx, session.RoleAnalyst, o.deps.AnalystLLM, o.deps.AnalystDispatcher, hctx,
		o.analystSystemPrompt(inv, forceFinal), o.deps.Config.Safety.MaxTurnsPerAnalystSession)

	if result.Outcome == session.OutcomeFailed {
		if dep := o.openHardDep(); dep != "" {
			return o.transition(ctx, inv, apitypes.StatusSuspended, func(i *apitypes.Investigation) {
				i.SuspendedReason = fmt.Sprintf("analyst session failed, hard dependency %s unavailable: %v", dep, result.Err)
				now := time.Now()
				i.SuspendedAt = &now
				i.ResumeFrom = apitypes.StatusAnalystRunning
			})
		}
		o.attemptFinalAssessment(ctx, inv)
		return o.transition(ctx, inv, apitypes.StatusFailed, func(i *apitypes.Investigation) {
			i.SuspendedReason = fmt.Sprintf("analyst session fatal error: %v", result.Err)
		})
	}

	switch {
	case counters.AssessmentProduced.Load():
		return o.transition(ctx, inv, apitypes.StatusCompleted, nil)

	case counters.WorkOrdersCreated.Load() > 0:
		return o.transition(ctx, inv, apitypes.StatusProcessing, func(i *apitypes.Investigation) {
			i.CycleCount++
			i.ConsecutiveEmptySessions = 0
		})

	default:
		// Empty session: neither a work order nor an assessment. First
		// occurrence retries once; a second consecutive empty session
		// forces final-assessment mode on the next attempt, per spec §4.1.
		if forceFinal {
			return o.transition(ctx, inv, apitypes.StatusCompleted, nil)
		}
		return o.transition(ctx, inv, apitypes.StatusAnalystRunning, func(i *apitypes.Investigation) {
			i.ConsecutiveEmptySessions++
		})
	}
}

// stepProcessing waits for the current cycle's work orders to all reach a
// terminal status, then advances per spec.md §4.1's PROCESSING rules.
func (o *Orchestrator) stepProcessing(ctx context.Context, inv *apitypes.Investigation) error {
	if dep := o.openHardDep(); dep != "" {
		return o.transition(ctx, inv, apitypes.StatusSuspended, func(i *apitypes.Investigation) {
			i.SuspendedReason = fmt.Sprintf("hard dependency %s unavailable", dep)
			now := time.Now()
			i.SuspendedAt = &now
			i.ResumeFrom = apitypes.StatusProcessing
		})
	}

	done, allFailed, err := o.cycleWorkOrdersStatus(ctx, inv)
	if err != nil {
		return err
	}
	if !done {
		o.awaitWorkOrderSignal(ctx, inv.ID)
		return nil
	}

	if !allFailed {
		return o.transition(ctx, inv, apitypes.StatusAnalystRunning, func(i *apitypes.Investigation) {
			i.ConsecutiveAllFailCycles = 0
		})
	}

	if inv.ConsecutiveAllFailCycles+1 >= o.deps.Config.Safety.ConsecutiveAllFailLimit {
		o.attemptFinalAssessment(ctx, inv)
		return o.transition(ctx, inv, apitypes.StatusFailed, func(i *apitypes.Investigation) {
			i.SuspendedReason = "two consecutive cycles with every work order failed"
		})
	}

	return o.transition(ctx, inv, apitypes.StatusAnalystRunning, func(i *apitypes.Investigation) {
		i.ConsecutiveAllFailCycles++
	})
}

// cycleWorkOrdersStatus reports whether every work order in inv's current
// cycle has reached a terminal status, and whether every one of them failed.
func (o *Orchestrator) cycleWorkOrdersStatus(ctx context.Context, inv *apitypes.Investigation) (done, allFailed bool, err error) {
	result, err := guardBreaker(o.deps.Breakers.Get("store"), "store", func() (struct {
		inv *apitypes.Investigation
		wos []apitypes.WorkOrder
	}, error) {
		i, wos, e := o.deps.Store.GetInvestigationHistory(ctx, inv.ID)
		return struct {
			inv *apitypes.Investigation
			wos []apitypes.WorkOrder
		}{i, wos}, e
	})
	workOrders := result.wos
	if err != nil {
		return false, false, fmt.Errorf("orchestrator: checking cycle work orders for %s: %w", inv.ID, err)
	}

	total, terminal, failed := 0, 0, 0
	for _, wo := range workOrders {
		if wo.Cycle != inv.CycleCount {
			continue
		}
		total++
		switch wo.Status {
		case apitypes.WorkOrderCompleted:
			terminal++
		case apitypes.WorkOrderFailed:
			terminal++
			failed++
		}
	}
	if total == 0 {
		return true, false, nil
	}
	return terminal == total, failed == total, nil
}

// stepSuspended resumes the investigation once every hard dependency it
// depends on is healthy again.
func (o *Orchestrator) stepSuspended(ctx context.Context, inv *apitypes.Investigation) error {
	if dep := o.openHardDep(); dep != "" {
		time.Sleep(time.Second)
		return nil
	}
	// Whether ResumeFrom was ANALYST_RUNNING or PROCESSING, resumption is a
	// fresh Analyst cycle: the graph is the memory (spec §4.1), so there is
	// no in-flight Processor work to rejoin.
	return o.transition(ctx, inv, apitypes.StatusAnalystRunning, func(i *apitypes.Investigation) {
		i.SuspendedReason = ""
		i.SuspendedAt = nil
		i.ResumeFrom = ""
	})
}

// runSession wires an llmprovider.Client and a dispatch.Dispatcher together
// through the session runtime for one role, mirroring spec §4.3's loop.
func (o *Orchestrator) runSession(ctx context.Context, role session.Role, llm llmprovider.Client, d *dispatch.Dispatcher, hctx *dispatch.HandlerContext, systemPrompt string, maxTurns int) session.Result {
	rt := session.New(llm, logx.NewLogger(fmt.Sprintf("session-%s", role)))
	ctx = llmprovider.WithInvestigationID(ctx, string(hctx.InvestigationID))
	return rt.Run(ctx, session.Config{
		Role:                    role,
		SystemPrompt:            systemPrompt,
		Tools:                   toolDefinitions(d),
		Executor:                executorFor(d, hctx),
		MaxTurns:                maxTurns,
		MaxConsecutiveMalformed: o.deps.Config.Safety.MaxConsecutiveMalformedToolCall,
		MaxTokens:               o.roleMaxTokens(role),
		Temperature:             o.roleTemperature(role),
		Model:                   o.roleModel(role),
		MaxHistoryTokens:        o.roleMaxHistoryTokens(role),
	})
}

func (o *Orchestrator) roleMaxTokens(role session.Role) int {
	if role == session.RoleAnalyst {
		return o.deps.Config.LLM.Analyst.MaxTokens
	}
	return o.deps.Config.LLM.Processor.MaxTokens
}

func (o *Orchestrator) roleModel(role session.Role) string {
	if role == session.RoleAnalyst {
		return o.deps.Config.LLM.Analyst.Model
	}
	return o.deps.Config.LLM.Processor.Model
}

func (o *Orchestrator) roleMaxHistoryTokens(role session.Role) int {
	if role == session.RoleAnalyst {
		return o.deps.Config.LLM.Analyst.MaxHistoryTokens
	}
	return o.deps.Config.LLM.Processor.MaxHistoryTokens
}

func (o *Orchestrator) roleTemperature(role session.Role) float64 {
	if role == session.RoleAnalyst {
		return llmprovider.Temperature(o.deps.Config.LLM.Analyst)
	}
	return llmprovider.Temperature(o.deps.Config.LLM.Processor)
}

// handlerContext builds the HandlerContext one session run uses, wrapping
// every hard-dependency adapter in the breaker-recording decorators from
// guard.go so tool-call failures are visible to openHardDep.
func (o *Orchestrator) handlerContext(ctx context.Context, role dispatch.Role, invID ids.InvestigationID, cycle int, counters *dispatch.SessionCounters) *dispatch.HandlerContext {
	return &dispatch.HandlerContext{
		Context:         ctx,
		Role:            role,
		InvestigationID: invID,
		Cycle:           cycle,
		Graph:           &guardedGraph{inner: o.deps.Graph, breaker: o.deps.Breakers.Get("graph")},
		Store:           &guardedStore{inner: o.deps.Store, breaker: o.deps.Breakers.Get("store")},
		Queue:           &guardedQueue{inner: o.deps.Queue, breaker: o.deps.Breakers.Get("queue")},
		Embeddings:      o.deps.Embeddings,
		Fetch:           o.deps.Fetch,
		Geo:             o.deps.Geo,
		Scribe:          o.deps.Scribe,
		Counters:        counters,
		DedupConfig:     o.deps.Config.Dedup,
		SafetyLimits:    o.deps.Config.Safety,
	}
}

// analystSystemPrompt applies spec §4.1's force-final-assessment mode as a
// pure prompt substitution — the state machine itself never changes shape.
func (o *Orchestrator) analystSystemPrompt(inv *apitypes.Investigation, forceFinal bool) string {
	prompt := fmt.Sprintf("%s\n\nInvestigation prompt: %s\nCurrent cycle: %d\n", o.deps.AnalystPrompt, inv.Prompt, inv.CycleCount)
	if forceFinal {
		prompt += "\n" + forceFinalAssessmentAddendum
	}
	return prompt
}

const forceFinalAssessmentAddendum = `FINAL ASSESSMENT MODE: you have reached the cycle limit, or two consecutive
sessions produced neither a work order nor an assessment. Do not create any
further work orders. Call produce_assessment now with the best analysis the
current graph supports, making any evidentiary gaps explicit in the gaps
field rather than continuing to investigate.`

// attemptFinalAssessment runs spec.md §7's failed-with-partial-assessment
// session: one last forced-final-assessment Analyst session before a FAILED
// transition, whenever the investigation has accumulated at least one
// cycle's worth of graph data. produce_assessment's own handler persists the
// assessment as soon as the Analyst calls it (pkg/tools/assessments.go), so
// this call's only job is to give that one more chance to happen; its
// outcome is not retried and never reopens a terminal investigation.
func (o *Orchestrator) attemptFinalAssessment(ctx context.Context, inv *apitypes.Investigation) {
	if inv.CycleCount < 1 {
		return
	}

	counters := &dispatch.SessionCounters{}
	hctx := o.handlerContext(ctx, dispatch.RoleAnalyst, inv.ID, inv.CycleCount, counters)
	result := o.runSession(ctx, session.RoleAnalyst, o.deps.AnalystLLM, o.deps.AnalystDispatcher, hctx,
		o.analystSystemPrompt(inv, true), o.deps.Config.Safety.MaxTurnsPerAnalystSession)

	if counters.AssessmentProduced.Load() {
		o.logger.Info("forced final-assessment session wrote a partial assessment for investigation %s before FAILED", inv.ID)
		return
	}
	o.logger.Warn("forced final-assessment session produced no assessment for investigation %s (outcome=%s)", inv.ID, result.Outcome)
}

// awaitWorkOrderSignal blocks until the Processor pool reports a completion
// for invID, a short fallback interval elapses, or ctx is cancelled —
// belt-and-suspenders against a missed notification, mirroring the reclaim
// scanner's own ticker-based fallback.
func (o *Orchestrator) awaitWorkOrderSignal(ctx context.Context, invID ids.InvestigationID) {
	ch := o.completionChannel(invID)
	select {
	case <-ctx.Done():
	case <-ch:
	case <-time.After(5 * time.Second):
	}
}

func (o *Orchestrator) completionChannel(invID ids.InvestigationID) chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	ch, ok := o.completions[invID]
	if !ok {
		ch = make(chan struct{}, 1)
		o.completions[invID] = ch
	}
	return ch
}

// notifyWorkOrderDone wakes up invID's PROCESSING loop, if it is waiting.
// Called by the Processor pool after every ack/retry/permanent-fail.
func (o *Orchestrator) notifyWorkOrderDone(invID ids.InvestigationID) {
	ch := o.completionChannel(invID)
	select {
	case ch <- struct{}{}:
	default:
	}
}

// toolDefinitions adapts a Dispatcher's schemas into the LLM-facing shape.
func toolDefinitions(d *dispatch.Dispatcher) []llmprovider.ToolDefinition {
	schemas := d.Definitions()
	defs := make([]llmprovider.ToolDefinition, 0, len(schemas))
	for _, s := range schemas {
		defs = append(defs, llmprovider.ToolDefinition{
			Name:        s.Name,
			Description: s.Description,
			InputSchema: s.InputSchema,
		})
	}
	return defs
}

// executorFor binds a Dispatcher and HandlerContext into the closure shape
// session.Config.Executor expects.
func executorFor(d *dispatch.Dispatcher, hctx *dispatch.HandlerContext) session.ToolExecutor {
	return func(name string, args json.RawMessage) dispatch.Result {
		return d.Execute(hctx, name, args)
	}
}
