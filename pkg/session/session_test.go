package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autosint/pkg/apitypes"
	"autosint/pkg/dispatch"
	"autosint/pkg/llmprovider"
	"autosint/pkg/logx"
	"autosint/pkg/utils"
)

// scriptedLLM replays a fixed sequence of responses, one per Complete call,
// so tests can drive the loop through specific turn sequences without a
// live provider.
type scriptedLLM struct {
	responses []llmprovider.Response
	errs      []error
	calls     int
}

func (s *scriptedLLM) ModelName() string { return "scripted" }

func (s *scriptedLLM) Complete(_ context.Context, _ llmprovider.Request) (llmprovider.Response, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return llmprovider.Response{}, s.errs[i]
	}
	if i >= len(s.responses) {
		return llmprovider.Response{}, errors.New("scriptedLLM: out of responses")
	}
	return s.responses[i], nil
}

func toolCall(id, name, paramsJSON string) llmprovider.ToolCall {
	return llmprovider.ToolCall{ID: id, Name: name, Parameters: json.RawMessage(paramsJSON)}
}

func TestRunTextOnlyResponseCompletesImmediately(t *testing.T) {
	llm := &scriptedLLM{responses: []llmprovider.Response{{Content: "final answer"}}}
	rt := New(llm, logx.NewLogger("test"))

	result := rt.Run(context.Background(), Config{
		Role:     RoleProcessor,
		Executor: func(string, json.RawMessage) dispatch.Result { t.Fatal("executor should not be called"); return dispatch.Result{} },
	})

	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Equal(t, "final answer", result.FinalText)
	assert.Equal(t, 1, result.Turns)
}

func TestAnalystSessionBimodality(t *testing.T) {
	llm := &scriptedLLM{responses: []llmprovider.Response{
		{
			Content: "creating a work order then trying an assessment too",
			ToolCalls: []llmprovider.ToolCall{
				toolCall("tc1", "create_work_order", `{"objective":"investigate"}`),
				toolCall("tc2", "produce_assessment", `{"content":{}}`),
			},
		},
	}}

	var executed []string
	executor := func(name string, _ json.RawMessage) dispatch.Result {
		executed = append(executed, name)
		return dispatch.Result{Content: `{"ok":true}`}
	}

	rt := New(llm, logx.NewLogger("test"))
	result := rt.Run(context.Background(), Config{Role: RoleAnalyst, Executor: executor})

	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Equal(t, "create_work_order", result.TerminalTool)
	assert.Equal(t, []string{"create_work_order"}, executed, "produce_assessment must be rejected without executing, since create_work_order claimed the terminal slot first")
}

func TestAnalystMultipleWorkOrdersInOneTurnAllExecute(t *testing.T) {
	llm := &scriptedLLM{responses: []llmprovider.Response{
		{
			ToolCalls: []llmprovider.ToolCall{
				toolCall("tc1", "create_work_order", `{}`),
				toolCall("tc2", "create_work_order", `{}`),
			},
		},
	}}

	var executed []string
	executor := func(name string, _ json.RawMessage) dispatch.Result {
		executed = append(executed, name)
		return dispatch.Result{Content: `{"ok":true}`}
	}

	rt := New(llm, logx.NewLogger("test"))
	result := rt.Run(context.Background(), Config{Role: RoleAnalyst, Executor: executor})

	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Equal(t, []string{"create_work_order", "create_work_order"}, executed)
}

func TestRunMaxTurnsReachedReturnsPartialText(t *testing.T) {
	resp := llmprovider.Response{
		Content:   "still working",
		ToolCalls: []llmprovider.ToolCall{toolCall("tc1", "search_entities", `{}`)},
	}
	llm := &scriptedLLM{responses: []llmprovider.Response{resp, resp}}

	rt := New(llm, logx.NewLogger("test"))
	result := rt.Run(context.Background(), Config{
		Role:     RoleProcessor,
		MaxTurns: 2,
		Executor: func(string, json.RawMessage) dispatch.Result { return dispatch.Result{Content: "{}"} },
	})

	assert.Equal(t, OutcomeMaxTurnsReached, result.Outcome)
	assert.Equal(t, "still working", result.PartialText)
	assert.Equal(t, 2, result.Turns)
}

func TestRunThreeConsecutiveMalformedToolCallsEndsSession(t *testing.T) {
	malformedCall := llmprovider.Response{
		ToolCalls: []llmprovider.ToolCall{toolCall("tc1", "create_entity", `{bad json`)},
	}
	llm := &scriptedLLM{responses: []llmprovider.Response{malformedCall, malformedCall, malformedCall}}

	rt := New(llm, logx.NewLogger("test"))
	result := rt.Run(context.Background(), Config{
		Role:     RoleProcessor,
		MaxTurns: 10,
		Executor: func(string, json.RawMessage) dispatch.Result {
			return dispatch.Result{Content: "malformed", IsError: true, IsMalformed: true, Kind: apitypes.ErrorValidation}
		},
	})

	assert.Equal(t, OutcomeMalformedToolCallLimit, result.Outcome)
	assert.Equal(t, 3, result.Turns)
}

func TestRunMalformedStreakResetsOnValidCall(t *testing.T) {
	malformed := llmprovider.Response{ToolCalls: []llmprovider.ToolCall{toolCall("tc1", "create_entity", `{bad`)}}
	valid := llmprovider.Response{ToolCalls: []llmprovider.ToolCall{toolCall("tc2", "create_entity", `{}`)}}
	final := llmprovider.Response{Content: "done"}
	llm := &scriptedLLM{responses: []llmprovider.Response{malformed, malformed, valid, malformed, malformed, final}}

	callIdx := 0
	executor := func(_ string, _ json.RawMessage) dispatch.Result {
		callIdx++
		if callIdx == 3 {
			return dispatch.Result{Content: "{}"}
		}
		return dispatch.Result{Content: "malformed", IsError: true, IsMalformed: true, Kind: apitypes.ErrorValidation}
	}

	rt := New(llm, logx.NewLogger("test"))
	result := rt.Run(context.Background(), Config{Role: RoleProcessor, MaxTurns: 10, Executor: executor})

	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Equal(t, "done", result.FinalText)
}

func TestRunLLMErrorReturnsFailed(t *testing.T) {
	llm := &scriptedLLM{errs: []error{errors.New("provider unreachable")}}
	rt := New(llm, logx.NewLogger("test"))

	result := rt.Run(context.Background(), Config{
		Role:     RoleProcessor,
		Executor: func(string, json.RawMessage) dispatch.Result { return dispatch.Result{} },
	})

	assert.Equal(t, OutcomeFailed, result.Outcome)
	require.Error(t, result.Err)
}

func TestTruncateHistoryKeepsMostRecentPairWhenOverBudget(t *testing.T) {
	counter, err := utils.NewTokenCounter("gpt-4")
	require.NoError(t, err)

	messages := []llmprovider.Message{
		{Role: llmprovider.RoleAssistant, Content: strings.Repeat("old ", 200)},
		{Role: llmprovider.RoleUser, ToolResults: []llmprovider.ToolResult{{Content: strings.Repeat("old-result ", 200)}}},
		{Role: llmprovider.RoleAssistant, Content: "recent turn"},
		{Role: llmprovider.RoleUser, ToolResults: []llmprovider.ToolResult{{Content: "recent result"}}},
	}

	truncated := truncateHistory(messages, counter, "system prompt", 20)

	require.Len(t, truncated, 2, "the oldest pair is dropped, the most recent pair survives even over budget")
	assert.Equal(t, "recent turn", truncated[0].Content)
}

func TestTruncateHistoryNoOpWhenUnderBudget(t *testing.T) {
	counter, err := utils.NewTokenCounter("gpt-4")
	require.NoError(t, err)

	messages := []llmprovider.Message{
		{Role: llmprovider.RoleAssistant, Content: "short"},
		{Role: llmprovider.RoleUser, ToolResults: []llmprovider.ToolResult{{Content: "short result"}}},
	}

	truncated := truncateHistory(messages, counter, "system prompt", 100000)

	assert.Len(t, truncated, 2)
}

func TestRunTruncatesHistoryBeforeEachTurnWhenOverBudget(t *testing.T) {
	bigResult := dispatch.Result{Content: strings.Repeat("claim data ", 500)}
	llm := &scriptedLLM{responses: []llmprovider.Response{
		{ToolCalls: []llmprovider.ToolCall{toolCall("tc1", "fetch_url", `{}`)}},
		{ToolCalls: []llmprovider.ToolCall{toolCall("tc2", "fetch_url", `{}`)}},
		{Content: "processor finished"},
	}}

	var requestSizes []int
	wrapped := &requestCapturingLLM{inner: llm, onRequest: func(req llmprovider.Request) {
		total := 0
		for _, m := range req.Messages {
			total += len(m.Content)
			for _, tr := range m.ToolResults {
				total += len(tr.Content)
			}
		}
		requestSizes = append(requestSizes, total)
	}}

	rt := New(wrapped, logx.NewLogger("test"))
	result := rt.Run(context.Background(), Config{
		Role:             RoleProcessor,
		MaxTurns:         5,
		MaxHistoryTokens: 50,
		Model:            "gpt-4",
		Executor:         func(string, json.RawMessage) dispatch.Result { return bigResult },
	})

	assert.Equal(t, OutcomeCompleted, result.Outcome)
	require.Len(t, requestSizes, 3)
	assert.Equal(t, requestSizes[1], requestSizes[2],
		"by turn 3 two tool-result blobs have accumulated, but truncation drops the oldest pair so the request stays the size of one turn instead of growing to two")
}

// requestCapturingLLM wraps an llmprovider.Client to observe the Request
// each Complete call actually receives, after truncateHistory has run.
type requestCapturingLLM struct {
	inner     llmprovider.Client
	onRequest func(llmprovider.Request)
}

func (r *requestCapturingLLM) ModelName() string { return r.inner.ModelName() }

func (r *requestCapturingLLM) Complete(ctx context.Context, req llmprovider.Request) (llmprovider.Response, error) {
	r.onRequest(req)
	return r.inner.Complete(ctx, req)
}

func TestProcessorSessionIgnoresTerminalToolNames(t *testing.T) {
	llm := &scriptedLLM{responses: []llmprovider.Response{
		{ToolCalls: []llmprovider.ToolCall{toolCall("tc1", "create_work_order", `{}`)}},
		{Content: "processor finished"},
	}}

	rt := New(llm, logx.NewLogger("test"))
	result := rt.Run(context.Background(), Config{
		Role:     RoleProcessor,
		MaxTurns: 5,
		Executor: func(string, json.RawMessage) dispatch.Result { return dispatch.Result{Content: "{}"} },
	})

	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Empty(t, result.TerminalTool, "bimodal terminal-tool bookkeeping is Analyst-only")
	assert.Equal(t, "processor finished", result.FinalText)
}
