package llmprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"autosint/pkg/apitypes"
)

// anthropicClient wraps the Anthropic Messages API.
type anthropicClient struct {
	client  anthropic.Client
	model   string
	baseURL string
}

func newAnthropicClient(apiKey, model, baseURL string) Client {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &anthropicClient{
		client: anthropic.NewClient(opts...),
		model:  model,
	}
}

func (c *anthropicClient) ModelName() string { return c.model }

// ensureAlternation extracts system-role turns into a system prompt and
// merges consecutive non-assistant turns into single user turns, since
// Anthropic requires strict user/assistant alternation starting and ending
// on a user turn.
func ensureAlternation(messages []Message) (string, []Message, error) {
	if len(messages) == 0 {
		return "", nil, fmt.Errorf("message list cannot be empty")
	}

	var systemParts []string
	var rest []Message
	for _, m := range messages {
		if m.Role == RoleSystem {
			systemParts = append(systemParts, m.Content)
			continue
		}
		rest = append(rest, m)
	}
	systemPrompt := strings.Join(systemParts, "\n\n")
	if len(rest) == 0 {
		return "", nil, fmt.Errorf("must have at least one non-system message")
	}

	var merged []Message
	var pending Message
	pendingSet := false
	flush := func() {
		if pendingSet {
			merged = append(merged, pending)
			pending = Message{}
			pendingSet = false
		}
	}

	for _, m := range rest {
		if m.Role == RoleAssistant {
			flush()
			merged = append(merged, m)
			continue
		}
		if !pendingSet {
			pending = Message{Role: RoleUser, Content: m.Content, ToolResults: m.ToolResults}
			pendingSet = true
			continue
		}
		if m.Content != "" {
			if pending.Content != "" {
				pending.Content += "\n\n"
			}
			pending.Content += m.Content
		}
		pending.ToolResults = append(pending.ToolResults, m.ToolResults...)
	}
	flush()

	for i, m := range merged {
		if i == 0 && m.Role != RoleUser {
			return "", nil, fmt.Errorf("first message must be user role, got: %s", m.Role)
		}
		if i > 0 && m.Role == merged[i-1].Role {
			return "", nil, fmt.Errorf("alternation violation at index %d: consecutive %s messages", i, m.Role)
		}
	}
	if merged[len(merged)-1].Role != RoleUser {
		return "", nil, fmt.Errorf("last message must be user role, got: %s", merged[len(merged)-1].Role)
	}

	return systemPrompt, merged, nil
}

func (c *anthropicClient) Complete(ctx context.Context, req Request) (Response, error) {
	systemPrompt, alternating, err := ensureAlternation(req.Messages)
	if err != nil {
		return Response{}, apitypes.NewTaxonomyError(apitypes.ErrorValidation, "llm:anthropic", "message alternation error", err)
	}
	if req.System != "" {
		if systemPrompt != "" {
			systemPrompt = req.System + "\n\n" + systemPrompt
		} else {
			systemPrompt = req.System
		}
	}

	messages := make([]anthropic.MessageParam, 0, len(alternating))
	for _, m := range alternating {
		blocks := []anthropic.ContentBlockParamUnion{}
		if m.Content != "" {
			blocks = append(blocks, anthropic.NewTextBlock(m.Content))
		}
		switch m.Role {
		case RoleAssistant:
			for _, tc := range m.ToolCalls {
				var params map[string]any
				_ = json.Unmarshal(tc.Parameters, &params)
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, params, tc.Name))
			}
			messages = append(messages, anthropic.NewAssistantMessage(blocks...))
		default:
			for _, tr := range m.ToolResults {
				blocks = append(blocks, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
			}
			messages = append(messages, anthropic.NewUserMessage(blocks...))
		}
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		Messages:    messages,
		MaxTokens:   int64(req.MaxTokens),
		Temperature: anthropic.Float(req.Temperature),
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt, Type: "text"}}
	}

	if len(req.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
		for _, t := range req.Tools {
			var schema map[string]any
			if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
				return Response{}, apitypes.NewTaxonomyError(apitypes.ErrorValidation, "llm:anthropic",
					fmt.Sprintf("tool %s has invalid input_schema", t.Name), err)
			}
			properties, _ := schema["properties"].(map[string]any)
			var required []string
			if r, ok := schema["required"].([]any); ok {
				for _, v := range r {
					if s, ok := v.(string); ok {
						required = append(required, s)
					}
				}
			}
			tools = append(tools, anthropic.ToolUnionParamOfTool(anthropic.ToolInputSchemaParam{
				Type:       "object",
				Properties: properties,
				Required:   required,
			}, t.Name))
		}
		params.Tools = tools
		params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return Response{}, classifyByPattern("llm:anthropic", err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return Response{}, apitypes.NewTaxonomyError(apitypes.ErrorTransient, "llm:anthropic", "received empty response", nil)
	}

	var text string
	var toolCalls []ToolCall
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text += block.AsText().Text
		case "tool_use":
			tu := block.AsToolUse()
			toolCalls = append(toolCalls, ToolCall{ID: tu.ID, Name: tu.Name, Parameters: json.RawMessage(tu.Input)})
		}
	}

	return Response{
		Content:      text,
		ToolCalls:    toolCalls,
		StopReason:   string(resp.StopReason),
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
	}, nil
}
