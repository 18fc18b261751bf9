package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// AnthropicAdapter speaks the Anthropic messages wire format.
type AnthropicAdapter struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	maxTokens  int
}

// NewAnthropicAdapter creates an adapter. maxTokens bounds every completion
// (Anthropic requires it on every request); 4096 if unset.
func NewAnthropicAdapter(baseURL, apiKey string, maxTokens int, httpClient *http.Client) *AnthropicAdapter {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &AnthropicAdapter{httpClient: httpClient, baseURL: baseURL, apiKey: apiKey, maxTokens: maxTokens}
}

func (a *AnthropicAdapter) Name() string { return "anthropic" }

type anthropicContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
	MaxTokens int                `json:"max_tokens"`
}

type anthropicResponse struct {
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (a *AnthropicAdapter) Invoke(ctx context.Context, model string, req Request) (Response, error) {
	wireReq := anthropicRequest{Model: model, System: req.SystemPrompt, MaxTokens: a.maxTokens}
	for _, m := range req.Messages {
		wm := anthropicMessage{Role: m.Role}
		if wm.Role == RoleTool {
			// Anthropic has no dedicated tool role: tool results travel as
			// a user message containing a tool_result block.
			wm.Role = RoleUser
			wm.Content = append(wm.Content, anthropicContentBlock{
				Type:      "tool_result",
				ToolUseID: m.ToolCallID,
				Content:   m.Content,
			})
		} else {
			if m.Content != "" {
				wm.Content = append(wm.Content, anthropicContentBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				wm.Content = append(wm.Content, anthropicContentBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: json.RawMessage(tc.Arguments),
				})
			}
		}
		wireReq.Messages = append(wireReq.Messages, wm)
	}
	for _, t := range req.Tools {
		wireReq.Tools = append(wireReq.Tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: json.RawMessage(t.ParametersSchema),
		})
	}

	body, err := json.Marshal(wireReq)
	if err != nil {
		return Response{}, &AdapterError{Provider: a.Name(), Classification: ClassificationTerminal, Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return Response{}, &AdapterError{Provider: a.Name(), Classification: ClassificationTerminal, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, &AdapterError{Provider: a.Name(), Classification: ClassificationTransient, Err: err}
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return Response{}, &AdapterError{Provider: a.Name(), Classification: ClassificationTransient, Err: err}
	}

	if httpResp.StatusCode >= 500 || httpResp.StatusCode == http.StatusTooManyRequests {
		return Response{}, &AdapterError{
			Provider:       a.Name(),
			Classification: ClassificationTransient,
			Err:            fmt.Errorf("http %d: %s", httpResp.StatusCode, string(raw)),
		}
	}
	if httpResp.StatusCode >= 400 {
		return Response{}, &AdapterError{
			Provider:       a.Name(),
			Classification: ClassificationTerminal,
			Err:            fmt.Errorf("http %d: %s", httpResp.StatusCode, string(raw)),
		}
	}

	var wireResp anthropicResponse
	if err := json.Unmarshal(raw, &wireResp); err != nil {
		return Response{}, &AdapterError{Provider: a.Name(), Classification: ClassificationTerminal, Err: err}
	}
	if wireResp.Error != nil {
		return Response{}, &AdapterError{
			Provider:       a.Name(),
			Classification: ClassificationTerminal,
			Err:            fmt.Errorf("%s: %s", wireResp.Error.Type, wireResp.Error.Message),
		}
	}

	resp := Response{Usage: Usage{InputTokens: wireResp.Usage.InputTokens, OutputTokens: wireResp.Usage.OutputTokens}}
	for _, block := range wireResp.Content {
		switch block.Type {
		case "text":
			resp.ContentBlocks = append(resp.ContentBlocks, block.Text)
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: string(block.Input),
			})
		}
	}
	resp.FinishReason = mapAnthropicStopReason(wireResp.StopReason)
	return resp, nil
}

func mapAnthropicStopReason(reason string) FinishReason {
	switch reason {
	case "tool_use":
		return FinishToolUse
	case "max_tokens":
		return FinishLength
	case "end_turn", "stop_sequence":
		return FinishEndOfTurn
	default:
		return FinishEndOfTurn
	}
}
