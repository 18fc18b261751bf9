// Package provider translates the canonical request/response schema into
// concrete LLM-vendor wire calls, per spec §4.5. Each vendor gets one
// Adapter; the Gateway wraps every call with circuit-breaker admission.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentforge/dispatchd/internal/circuitbreaker"
	"github.com/agentforge/dispatchd/internal/models"
)

// FinishReason classifies why a provider call stopped producing output.
type FinishReason string

const (
	FinishEndOfTurn FinishReason = "end_of_turn"
	FinishToolUse   FinishReason = "tool_use"
	FinishLength    FinishReason = "length"
	FinishError     FinishReason = "error"
)

// Role mirrors the teacher's ConversationMessage roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one canonical conversation turn.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall // set on assistant messages carrying tool_use
	ToolCallID string     // set on tool-result messages
	ToolName   string     // set on tool-result messages
}

// ToolCall is a provider-agnostic request to invoke a named tool.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // JSON
}

// ToolDefinition describes one tool available to the model, shared across
// every adapter per spec §4.5 ("tool schema is shared across all
// providers").
type ToolDefinition struct {
	Name             string
	Description      string
	ParametersSchema string // JSON Schema
}

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Request is the canonical shape every adapter must accept.
type Request struct {
	SystemPrompt string
	Messages     []Message
	Tools        []ToolDefinition
}

// Response is the canonical shape every adapter must produce.
type Response struct {
	ContentBlocks []string
	ToolCalls     []ToolCall
	FinishReason  FinishReason
	Usage         Usage
}

// Classification partitions adapter errors per spec §4.5: transient errors
// are retriable; terminal errors (malformed request, 4xx auth,
// model-not-found) are not. Gateway.Invoke records both kinds as breaker
// failures.
type Classification int

const (
	ClassificationTransient Classification = iota
	ClassificationTerminal
)

// AdapterError wraps a vendor-specific failure with its classification.
type AdapterError struct {
	Provider       string
	Classification Classification
	Err            error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("provider %q: %v", e.Provider, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// Retriable reports whether this failure is transient, i.e. classified as
// ProviderUnavailable and eligible for Retry Policy.
func (e *AdapterError) Retriable() bool {
	return e.Classification == ClassificationTransient
}

// Adapter maps the canonical request/response schema onto one vendor's wire
// protocol, per spec §4.5. Implementations live in per-vendor files (e.g.
// openai.go, anthropic.go) and return *AdapterError on failure so the
// Gateway can classify it without string-sniffing.
type Adapter interface {
	// Name is the provider id this adapter serves, e.g. "openai", "anthropic".
	Name() string
	Invoke(ctx context.Context, model string, req Request) (Response, error)
}

var errUnknownProvider = errors.New("provider: no adapter registered")

// Gateway dispatches to the adapter registered for a provider id, gating
// every call through a circuit breaker, per spec §4.5 contract ("must call
// CircuitBreaker.admit beforehand and record on completion").
type Gateway struct {
	breaker  *circuitbreaker.Registry
	adapters map[string]Adapter
}

// NewGateway creates a Gateway. adapters are keyed by Adapter.Name().
func NewGateway(breaker *circuitbreaker.Registry, adapters ...Adapter) *Gateway {
	g := &Gateway{breaker: breaker, adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		g.adapters[a.Name()] = a
	}
	return g
}

// Invoke admits the call through the circuit breaker, dispatches to the
// named provider's adapter, records the outcome, and returns a classified
// error on failure.
func (g *Gateway) Invoke(ctx context.Context, providerName, model string, req Request) (Response, error) {
	admission := g.breaker.Admit(providerName)
	if admission == circuitbreaker.Denied {
		return Response{}, models.Classify(models.ErrKindProviderUnavailable,
			fmt.Errorf("provider %q: circuit open", providerName))
	}

	adapter, ok := g.adapters[providerName]
	if !ok {
		// Not a provider-originated failure: no breaker recording, per
		// spec §4.7 step 6 ("record failure... for provider-originated
		// failures only").
		return Response{}, models.Classify(models.ErrKindValidation, fmt.Errorf("%w: %q", errUnknownProvider, providerName))
	}

	resp, err := adapter.Invoke(ctx, model, req)
	if err != nil {
		var aerr *AdapterError
		if errors.As(err, &aerr) && aerr.Retriable() {
			g.breaker.Record(providerName, circuitbreaker.Failure)
			return Response{}, models.Classify(models.ErrKindProviderUnavailable, err)
		}
		if errors.As(err, &aerr) {
			g.breaker.Record(providerName, circuitbreaker.Failure)
			return Response{}, models.Classify(models.ErrKindProviderRejected, err)
		}
		g.breaker.Record(providerName, circuitbreaker.Failure)
		return Response{}, models.Classify(models.ErrKindProviderUnavailable, err)
	}

	g.breaker.Record(providerName, circuitbreaker.Success)
	return resp, nil
}
