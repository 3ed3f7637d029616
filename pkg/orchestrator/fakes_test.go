package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"autosint/pkg/apitypes"
	"autosint/pkg/config"
	"autosint/pkg/dispatch"
	"autosint/pkg/ids"
	"autosint/pkg/llmprovider"
	"autosint/pkg/queue"
	"autosint/pkg/resilience/circuit"
)

// fakeStore is an in-memory relationalStore, mirroring the fakeHealthChecker
// pattern in handlers/health_test.go so orchestrator tests never need a live
// Postgres connection.
type fakeStore struct {
	mu sync.Mutex

	investigations map[ids.InvestigationID]*apitypes.Investigation
	workOrders     map[ids.WorkOrderID]*apitypes.WorkOrder

	historyWorkOrders []apitypes.WorkOrder
	historyErr        error

	listNonTerminal    []apitypes.Investigation
	listNonTerminalErr error

	createInvestigationErr error
	updateStatusErr        error

	updatedStatuses []apitypes.Investigation
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		investigations: make(map[ids.InvestigationID]*apitypes.Investigation),
		workOrders:     make(map[ids.WorkOrderID]*apitypes.WorkOrder),
	}
}

func (f *fakeStore) CreateWorkOrder(_ context.Context, wo *apitypes.WorkOrder) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workOrders[wo.ID] = wo
	return nil
}

func (f *fakeStore) GetInvestigationHistory(_ context.Context, id ids.InvestigationID) (*apitypes.Investigation, []apitypes.WorkOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.historyErr != nil {
		return nil, nil, f.historyErr
	}
	return f.investigations[id], f.historyWorkOrders, nil
}

func (f *fakeStore) CreateAssessment(context.Context, *apitypes.Assessment) error { return nil }

func (f *fakeStore) GetAssessment(context.Context, ids.AssessmentID) (*apitypes.Assessment, error) {
	return nil, nil
}

func (f *fakeStore) SearchAssessments(context.Context, string, int) ([]apitypes.Assessment, error) {
	return nil, nil
}

func (f *fakeStore) CreateInvestigation(_ context.Context, inv *apitypes.Investigation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createInvestigationErr != nil {
		return f.createInvestigationErr
	}
	f.investigations[inv.ID] = inv
	return nil
}

func (f *fakeStore) UpdateInvestigationStatus(_ context.Context, inv *apitypes.Investigation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateStatusErr != nil {
		return f.updateStatusErr
	}
	cp := *inv
	f.investigations[inv.ID] = &cp
	f.updatedStatuses = append(f.updatedStatuses, cp)
	return nil
}

func (f *fakeStore) ListNonTerminalInvestigations(context.Context) ([]apitypes.Investigation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listNonTerminal, f.listNonTerminalErr
}

func (f *fakeStore) GetWorkOrder(_ context.Context, id ids.WorkOrderID) (*apitypes.WorkOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wo, ok := f.workOrders[id]
	if !ok {
		return nil, fmt.Errorf("work order %s not found", id)
	}
	cp := *wo
	return &cp, nil
}

func (f *fakeStore) UpdateWorkOrderStatus(_ context.Context, wo *apitypes.WorkOrder) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *wo
	f.workOrders[wo.ID] = &cp
	return nil
}

func (f *fakeStore) lastUpdatedStatus() (apitypes.Investigation, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.updatedStatuses) == 0 {
		return apitypes.Investigation{}, false
	}
	return f.updatedStatuses[len(f.updatedStatuses)-1], true
}

// fakeQueue is an in-memory workQueue.
type fakeQueue struct {
	mu sync.Mutex

	enqueued []apitypes.WorkOrder
	acked    []string

	reclaim    []queue.Delivery
	reclaimErr error
}

func (f *fakeQueue) Enqueue(_ context.Context, wo *apitypes.WorkOrder) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, *wo)
	return nil
}

func (f *fakeQueue) Dequeue(context.Context, string, int64) (*queue.Delivery, error) {
	return nil, nil
}

func (f *fakeQueue) Ack(_ context.Context, _, entryID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, entryID)
	return nil
}

func (f *fakeQueue) Heartbeat(context.Context, ids.ProcessorID, time.Duration) error { return nil }

func (f *fakeQueue) ReclaimPending(context.Context, string, time.Duration) ([]queue.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reclaim, f.reclaimErr
}

// scriptedLLM returns one canned llmprovider.Response (or error) per call,
// replaying the last entry once the script runs out.
type scriptedLLM struct {
	mu        sync.Mutex
	calls     int
	responses []llmprovider.Response
	errs      []error
}

func (f *scriptedLLM) Complete(context.Context, llmprovider.Request) (llmprovider.Response, error) {
	f.mu.Lock()
	i := f.calls
	f.calls++
	f.mu.Unlock()

	if i < len(f.errs) && f.errs[i] != nil {
		return llmprovider.Response{}, f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	if len(f.responses) > 0 {
		return f.responses[len(f.responses)-1], nil
	}
	return llmprovider.Response{}, nil
}

func (f *scriptedLLM) ModelName() string { return "fake-model" }

// breakerTrippingLLM fails every call and, as a side effect, records enough
// failures against breaker to open it — mirroring how llmprovider's real
// guardedClient records circuit failures on the LLM API's own breaker when a
// session call errors out.
type breakerTrippingLLM struct {
	breaker circuit.Breaker
	err     error
}

func (f *breakerTrippingLLM) Complete(context.Context, llmprovider.Request) (llmprovider.Response, error) {
	for i := 0; i < circuit.DefaultConfig.FailureThreshold; i++ {
		f.breaker.Record(false)
	}
	return llmprovider.Response{}, f.err
}

func (f *breakerTrippingLLM) ModelName() string { return "fake-model" }

// textOnlyLLM always ends the session on its first turn with no tool calls.
func textOnlyLLM(text string) *scriptedLLM {
	return &scriptedLLM{responses: []llmprovider.Response{{Content: text}}}
}

// newCountingDispatcher builds a real *dispatch.Dispatcher whose single
// registered tool increments the counter the handler context carries,
// letting stepAnalyst's WorkOrdersCreated/AssessmentProduced branches be
// exercised the same way dispatcher_test.go's writeSchema+LoadSchemas does,
// without needing the full config/tools/ directory on disk.
func newCountingDispatcher(t *testing.T, role dispatch.Role, toolName string, bump func(*dispatch.SessionCounters)) *dispatch.Dispatcher {
	t.Helper()
	dir := t.TempDir()
	doc := `{"name":"` + toolName + `","description":"test tool","input_schema":{"type":"object","properties":{}}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, toolName+".json"), []byte(doc), 0o600))

	d := dispatch.New(role, testToolLimits)
	require.NoError(t, d.LoadSchemas(dir))
	d.Register(toolName, func(hctx *dispatch.HandlerContext, _ json.RawMessage) (any, error) {
		bump(hctx.Counters)
		return map[string]any{"ok": true}, nil
	})
	require.NoError(t, d.Validate())
	return d
}

// emptyDispatcher is a valid Dispatcher with no tools registered, for tests
// whose scripted LLM never emits a tool call.
func emptyDispatcher(role dispatch.Role) *dispatch.Dispatcher {
	return dispatch.New(role, testToolLimits)
}

var testToolLimits = config.ToolResultLimits{
	MaxSearchResults:     10,
	MaxEntityDetailChars: 1000,
	MaxClaimPreviewChars: 200,
}

// testConfig builds a minimal, validated Config for orchestrator tests.
func testConfig() *config.Config {
	return &config.Config{
		Safety: config.SafetyLimits{
			MaxCyclesPerInvestigation:       5,
			MaxTurnsPerAnalystSession:       10,
			MaxTurnsPerProcessorSession:     10,
			HeartbeatTTLSeconds:             30,
			ConsecutiveAllFailLimit:         2,
			MaxConsecutiveMalformedToolCall: 3,
		},
		Concurrency: config.ConcurrencyConfig{ProcessorPoolSize: 1},
		LLM: config.LLMConfig{
			Analyst:   config.LLMRoleConfig{Provider: "anthropic", MaxTokens: 4096},
			Processor: config.LLMRoleConfig{Provider: "anthropic", MaxTokens: 4096},
		},
	}
}

// toolCallResponse builds a single-turn llmprovider.Response that calls
// toolName once, for scripting an Analyst/Processor session toward a
// specific outcome.
func toolCallResponse(toolName string) llmprovider.Response {
	return llmprovider.Response{
		ToolCalls: []llmprovider.ToolCall{{ID: "call-1", Name: toolName, Parameters: json.RawMessage(`{}`)}},
	}
}
