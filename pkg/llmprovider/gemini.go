package llmprovider

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/genai"

	"autosint/pkg/apitypes"
)

// geminiClient wraps google.golang.org/genai. Gemini has no tool-call ID of
// its own, so the tool's name doubles as the ID for matching function
// responses back to calls, exactly as the teacher's client does.
type geminiClient struct {
	client *genai.Client
	apiKey string
	model  string
}

func newGeminiClient(apiKey, model string) Client {
	return &geminiClient{apiKey: apiKey, model: model}
}

func (c *geminiClient) ModelName() string { return c.model }

func (c *geminiClient) Complete(ctx context.Context, req Request) (Response, error) {
	if c.client == nil {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: c.apiKey, Backend: genai.BackendGeminiAPI})
		if err != nil {
			return Response{}, apitypes.NewTaxonomyError(apitypes.ErrorHardDependency, "llm:gemini", "failed to create Gemini client", err)
		}
		c.client = client
	}

	contents, systemInstruction, err := convertMessagesToGemini(req.Messages)
	if err != nil {
		return Response{}, apitypes.NewTaxonomyError(apitypes.ErrorValidation, "llm:gemini", "message conversion error", err)
	}
	if req.System != "" {
		if systemInstruction != "" {
			systemInstruction = req.System + "\n\n" + systemInstruction
		} else {
			systemInstruction = req.System
		}
	}

	temp := float32(req.Temperature)
	maxTokens := int32(req.MaxTokens) //nolint:gosec // bounded by config validation
	genConfig := &genai.GenerateContentConfig{
		Temperature:     &temp,
		MaxOutputTokens: maxTokens,
	}
	if systemInstruction != "" {
		genConfig.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: systemInstruction}}}
	}

	if len(req.Tools) > 0 {
		decls, err := convertToolsToGemini(req.Tools)
		if err != nil {
			return Response{}, apitypes.NewTaxonomyError(apitypes.ErrorValidation, "llm:gemini", "tool schema conversion error", err)
		}
		genConfig.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
		genConfig.ToolConfig = &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeAuto},
		}
	}

	result, err := c.client.Models.GenerateContent(ctx, c.model, contents, genConfig)
	if err != nil {
		return Response{}, classifyByPattern("llm:gemini", err)
	}
	if result == nil {
		return Response{}, apitypes.NewTaxonomyError(apitypes.ErrorTransient, "llm:gemini", "received empty response", nil)
	}

	resp := Response{Content: result.Text(), StopReason: "end_turn"}
	if calls := result.FunctionCalls(); len(calls) > 0 {
		resp.ToolCalls = make([]ToolCall, len(calls))
		for i, call := range calls {
			id := call.ID
			if id == "" {
				id = call.Name
			}
			params, _ := json.Marshal(call.Args)
			resp.ToolCalls[i] = ToolCall{ID: id, Name: call.Name, Parameters: params}
		}
	}
	if result.UsageMetadata != nil {
		resp.InputTokens = int(result.UsageMetadata.PromptTokenCount)
		resp.OutputTokens = int(result.UsageMetadata.CandidatesTokenCount)
	}
	return resp, nil
}

func convertMessagesToGemini(messages []Message) ([]*genai.Content, string, error) {
	if len(messages) == 0 {
		return nil, "", fmt.Errorf("message list cannot be empty")
	}

	var systemInstruction string
	var contents []*genai.Content

	for _, m := range messages {
		if m.Role == RoleSystem {
			if systemInstruction != "" {
				systemInstruction += "\n\n" + m.Content
			} else {
				systemInstruction = m.Content
			}
			continue
		}

		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}

		var parts []*genai.Part
		if m.Content != "" {
			parts = append(parts, &genai.Part{Text: m.Content})
		}
		for _, tc := range m.ToolCalls {
			var args map[string]any
			_ = json.Unmarshal(tc.Parameters, &args)
			parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{Name: tc.Name, Args: args, ID: tc.ID}})
		}
		for _, tr := range m.ToolResults {
			if tr.ToolCallID == "" {
				continue
			}
			parts = append(parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
				Name: tr.ToolCallID,
				Response: map[string]any{
					"content":  tr.Content,
					"is_error": tr.IsError,
				},
			}})
		}
		if len(parts) > 0 {
			contents = append(contents, &genai.Content{Role: role, Parts: parts})
		}
	}

	return contents, systemInstruction, nil
}

func convertToolsToGemini(defs []ToolDefinition) ([]*genai.FunctionDeclaration, error) {
	decls := make([]*genai.FunctionDeclaration, len(defs))
	for i, t := range defs {
		var schema map[string]any
		if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
			return nil, fmt.Errorf("tool %s: %w", t.Name, err)
		}
		decls[i] = &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  jsonSchemaToGemini(schema),
		}
	}
	return decls, nil
}

func jsonSchemaToGemini(schema map[string]any) *genai.Schema {
	out := &genai.Schema{}
	typeStr, _ := schema["type"].(string)
	switch typeStr {
	case "string":
		out.Type = genai.TypeString
	case "number":
		out.Type = genai.TypeNumber
	case "integer":
		out.Type = genai.TypeInteger
	case "boolean":
		out.Type = genai.TypeBoolean
	case "array":
		out.Type = genai.TypeArray
		if items, ok := schema["items"].(map[string]any); ok {
			out.Items = jsonSchemaToGemini(items)
		}
	default:
		out.Type = genai.TypeObject
		if props, ok := schema["properties"].(map[string]any); ok {
			properties := make(map[string]*genai.Schema, len(props))
			for name, raw := range props {
				if childSchema, ok := raw.(map[string]any); ok {
					properties[name] = jsonSchemaToGemini(childSchema)
				}
			}
			out.Properties = properties
		}
		if required, ok := schema["required"].([]any); ok {
			for _, v := range required {
				if s, ok := v.(string); ok {
					out.Required = append(out.Required, s)
				}
			}
		}
	}
	if desc, ok := schema["description"].(string); ok {
		out.Description = desc
	}
	return out
}
