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

// OpenAIAdapter speaks the OpenAI chat-completions wire format. No vendor
// SDK exists anywhere in the retrieval pack, so this (like every adapter in
// this package) is a thin net/http + encoding/json client, matching the
// teacher's own preference for hand-rolled HTTP clients over generated ones
// where no SDK is available.
type OpenAIAdapter struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewOpenAIAdapter creates an adapter targeting baseURL (override for
// OpenAI-compatible gateways) with apiKey sent as a bearer token.
func NewOpenAIAdapter(baseURL, apiKey string, httpClient *http.Client) *OpenAIAdapter {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	return &OpenAIAdapter{httpClient: httpClient, baseURL: baseURL, apiKey: apiKey}
}

func (a *OpenAIAdapter) Name() string { return "openai" }

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content,omitempty"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openaiToolCallFunc `json:"function"`
}

type openaiToolCallFunc struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openaiTool struct {
	Type     string             `json:"type"`
	Function openaiToolFunction `json:"function"`
}

type openaiToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type openaiChatRequest struct {
	Model    string          `json:"model"`
	Messages []openaiMessage `json:"messages"`
	Tools    []openaiTool    `json:"tools,omitempty"`
}

type openaiChatResponse struct {
	Choices []struct {
		Message      openaiMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
	Error *openaiErrorBody `json:"error,omitempty"`
}

type openaiErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

func (a *OpenAIAdapter) Invoke(ctx context.Context, model string, req Request) (Response, error) {
	wireReq := openaiChatRequest{Model: model}
	if req.SystemPrompt != "" {
		wireReq.Messages = append(wireReq.Messages, openaiMessage{Role: RoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		wm := openaiMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, openaiToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: openaiToolCallFunc{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		wireReq.Messages = append(wireReq.Messages, wm)
	}
	for _, t := range req.Tools {
		wireReq.Tools = append(wireReq.Tools, openaiTool{
			Type: "function",
			Function: openaiToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  json.RawMessage(t.ParametersSchema),
			},
		})
	}

	body, err := json.Marshal(wireReq)
	if err != nil {
		return Response{}, &AdapterError{Provider: a.Name(), Classification: ClassificationTerminal, Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Response{}, &AdapterError{Provider: a.Name(), Classification: ClassificationTerminal, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)

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

	var wireResp openaiChatResponse
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
	if len(wireResp.Choices) == 0 {
		return Response{}, &AdapterError{Provider: a.Name(), Classification: ClassificationTransient, Err: fmt.Errorf("empty choices")}
	}

	choice := wireResp.Choices[0]
	resp := Response{
		Usage: Usage{InputTokens: wireResp.Usage.PromptTokens, OutputTokens: wireResp.Usage.CompletionTokens},
	}
	if choice.Message.Content != "" {
		resp.ContentBlocks = []string{choice.Message.Content}
	}
	for _, tc := range choice.Message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	resp.FinishReason = mapOpenAIFinishReason(choice.FinishReason, len(resp.ToolCalls) > 0)
	return resp, nil
}

func mapOpenAIFinishReason(reason string, hasToolCalls bool) FinishReason {
	switch reason {
	case "tool_calls":
		return FinishToolUse
	case "length":
		return FinishLength
	case "stop":
		if hasToolCalls {
			return FinishToolUse
		}
		return FinishEndOfTurn
	default:
		return FinishEndOfTurn
	}
}
