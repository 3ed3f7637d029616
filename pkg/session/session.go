// Package session implements the Agentic Session Runtime: the LLM tool-use
// loop shared by both Analyst and Processor sessions, differing only in
// system prompt, tool set, and termination semantics. Grounded on the
// teacher's pkg/agent/toolloop package, generalized from a single
// state-transition signal to the four-variant SessionResult spec.md §4.3
// requires.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"autosint/pkg/dispatch"
	"autosint/pkg/llmprovider"
	"autosint/pkg/logx"
	"autosint/pkg/utils"
)

// Outcome is the SessionResult sum type's discriminant, matching the Rust
// prototype's engine/src/llm/session.rs enum.
type Outcome string

const (
	OutcomeCompleted              Outcome = "completed"
	OutcomeMaxTurnsReached        Outcome = "max_turns_reached"
	OutcomeMalformedToolCallLimit Outcome = "malformed_tool_call_limit"
	OutcomeFailed                 Outcome = "failed"
)

// Result is the outcome of one session run. Only the fields relevant to the
// Outcome are populated; callers switch on Outcome first.
type Result struct {
	Outcome      Outcome
	FinalText    string // Completed
	PartialText  string // MaxTurnsReached
	Err          error  // Failed
	Turns        int
	TerminalTool string // Analyst only: "create_work_order" or "produce_assessment", empty otherwise
}

// ToolExecutor resolves and runs one tool call, mirroring the Rust
// prototype's boxed ToolExecutor closure in tools/registry.rs. In this
// engine it is dispatch.Dispatcher.Execute bound to a HandlerContext.
type ToolExecutor func(toolName string, argsJSON json.RawMessage) dispatch.Result

// Config drives one Run call.
type Config struct {
	Role                    Role
	SystemPrompt            string
	Tools                   []llmprovider.ToolDefinition
	Executor                ToolExecutor
	MaxTurns                int
	MaxConsecutiveMalformed int
	MaxTokens               int
	Temperature             float64
	// Model is passed to utils.NewTokenCounter, which measures
	// MaxHistoryTokens with the GPT-4 encoding for every model (a close
	// approximation for Claude).
	Model string
	// MaxHistoryTokens bounds the tool-call/tool-result transcript carried
	// into each turn's request. Zero disables truncation. Measured, not
	// enforced exactly: the oldest turn is dropped whole so a tool_use
	// block is never separated from its tool_result.
	MaxHistoryTokens int
}

// Role distinguishes Analyst bimodal termination from Processor's plain
// text-only termination. Deliberately a separate type from dispatch.Role so
// pkg/session does not need to import dispatch for anything but ToolExecutor's
// return type.
type Role string

const (
	RoleAnalyst   Role = "analyst"
	RoleProcessor Role = "processor"
)

const (
	toolCreateWorkOrder   = "create_work_order"
	toolProduceAssessment = "produce_assessment"
)

// Runtime executes the tool-use loop against one llmprovider.Client.
type Runtime struct {
	llm    llmprovider.Client
	logger *logx.Logger
}

// New builds a Runtime bound to an LLM client for one session role.
func New(llm llmprovider.Client, logger *logx.Logger) *Runtime {
	return &Runtime{llm: llm, logger: logger}
}

// Run executes the loop described in spec §4.3: build request, call the LLM,
// execute any tool calls via cfg.Executor, append tool_results, repeat until
// the response is text-only, max_turns is hit, or three consecutive
// malformed tool calls occur.
func (r *Runtime) Run(ctx context.Context, cfg Config) Result {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 10
	}
	if cfg.MaxConsecutiveMalformed <= 0 {
		cfg.MaxConsecutiveMalformed = 3
	}

	var messages []llmprovider.Message
	var terminalTool string
	consecutiveMalformed := 0

	var counter *utils.TokenCounter
	if cfg.MaxHistoryTokens > 0 {
		if c, err := utils.NewTokenCounter(cfg.Model); err != nil {
			r.logger.Error("token counter unavailable for model %q, history truncation disabled: %v", cfg.Model, err)
		} else {
			counter = c
		}
	}

	for turn := 1; turn <= cfg.MaxTurns; turn++ {
		if counter != nil {
			messages = truncateHistory(messages, counter, cfg.SystemPrompt, cfg.MaxHistoryTokens)
		}

		req := llmprovider.Request{
			System:      cfg.SystemPrompt,
			Messages:    messages,
			Tools:       cfg.Tools,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
		}

		start := time.Now()
		resp, err := r.llm.Complete(ctx, req)
		r.logger.Info("session turn %d: llm call took %s, tool_calls=%d", turn, time.Since(start), len(resp.ToolCalls))
		if err != nil {
			return Result{Outcome: OutcomeFailed, Err: err, Turns: turn}
		}

		if len(resp.ToolCalls) == 0 {
			return Result{Outcome: OutcomeCompleted, FinalText: resp.Content, Turns: turn, TerminalTool: terminalTool}
		}

		messages = append(messages, llmprovider.Message{
			Role:      llmprovider.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		toolResults := make([]llmprovider.ToolResult, 0, len(resp.ToolCalls))
		sessionEnds := false

		for _, tc := range resp.ToolCalls {
			if cfg.Role == RoleAnalyst && terminalTool != "" && isTerminalTool(tc.Name) && tc.Name != terminalTool {
				toolResults = append(toolResults, llmprovider.ToolResult{
					ToolCallID: tc.ID,
					Content:    fmt.Sprintf("rejected: session already terminated via %s, cannot also call %s", terminalTool, tc.Name),
					IsError:    true,
				})
				continue
			}

			result := cfg.Executor(tc.Name, tc.Parameters)

			if result.IsMalformed {
				consecutiveMalformed++
			} else {
				consecutiveMalformed = 0
			}

			toolResults = append(toolResults, llmprovider.ToolResult{
				ToolCallID: tc.ID,
				Content:    result.Content,
				IsError:    result.IsError,
			})

			if cfg.Role == RoleAnalyst && terminalTool == "" && isTerminalTool(tc.Name) && !result.IsError {
				terminalTool = tc.Name
				sessionEnds = true
			}

			if consecutiveMalformed >= cfg.MaxConsecutiveMalformed {
				return Result{Outcome: OutcomeMalformedToolCallLimit, Turns: turn, TerminalTool: terminalTool}
			}
		}

		messages = append(messages, llmprovider.Message{
			Role:        llmprovider.RoleUser,
			ToolResults: toolResults,
		})

		if sessionEnds {
			return Result{Outcome: OutcomeCompleted, FinalText: resp.Content, Turns: turn, TerminalTool: terminalTool}
		}
	}

	partial := ""
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == llmprovider.RoleAssistant {
			partial = messages[i].Content
			break
		}
	}
	return Result{Outcome: OutcomeMaxTurnsReached, PartialText: partial, Turns: cfg.MaxTurns, TerminalTool: terminalTool}
}

func isTerminalTool(name string) bool {
	return name == toolCreateWorkOrder || name == toolProduceAssessment
}

// truncateHistory drops the oldest assistant/tool-result turn pairs until
// the transcript fits budget, always keeping the most recent pair even if
// that alone exceeds budget — a session must see at least its last turn.
func truncateHistory(messages []llmprovider.Message, counter *utils.TokenCounter, systemPrompt string, budget int) []llmprovider.Message {
	total := counter.CountTokens(systemPrompt)
	for _, m := range messages {
		total += messageTokens(counter, m)
	}

	for total > budget && len(messages) > 2 {
		total -= messageTokens(counter, messages[0]) + messageTokens(counter, messages[1])
		messages = messages[2:]
	}
	return messages
}

func messageTokens(counter *utils.TokenCounter, m llmprovider.Message) int {
	n := counter.CountTokens(m.Content)
	for _, tc := range m.ToolCalls {
		n += counter.CountTokens(tc.Name) + counter.CountTokens(string(tc.Parameters))
	}
	for _, tr := range m.ToolResults {
		n += counter.CountTokens(tr.Content)
	}
	return n
}
