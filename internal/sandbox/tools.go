package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
)

// ToolCall is the provider-agnostic tool invocation the Agent Loop passes
// down, per spec §6.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // JSON
}

// Handler executes one named tool against the sandbox and returns its
// result. Typed helpers (take_screenshot, run_tests, build_docker_image,
// ...) are registered the same way as the four built-in primitives.
type Handler func(ctx context.Context, e *Executor, args map[string]any) (*ToolResult, error)

// Registry maps a tool name to its Handler. Unknown names fail closed, per
// spec §9 ("Dynamic tool dispatch... Unknown names fail closed").
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry returns a Registry pre-populated with the four built-in
// primitives from spec §6: read_file, write_file, list_directory,
// run_command. Callers may Register additional typed tools.
func NewRegistry() *Registry {
	r := &Registry{handlers: make(map[string]Handler)}
	r.Register("read_file", func(ctx context.Context, e *Executor, args map[string]any) (*ToolResult, error) {
		path, _ := args["path"].(string)
		return e.ReadFile(ctx, path)
	})
	r.Register("write_file", func(ctx context.Context, e *Executor, args map[string]any) (*ToolResult, error) {
		path, _ := args["path"].(string)
		content, _ := args["content"].(string)
		return e.WriteFile(ctx, path, content)
	})
	r.Register("list_directory", func(ctx context.Context, e *Executor, args map[string]any) (*ToolResult, error) {
		path, _ := args["path"].(string)
		return e.ListDirectory(ctx, path)
	})
	r.Register("run_command", func(ctx context.Context, e *Executor, args map[string]any) (*ToolResult, error) {
		cmd, _ := args["cmd"].(string)
		timeoutS := 0
		if v, ok := args["timeout_s"].(float64); ok {
			timeoutS = int(v)
		}
		return e.RunCommand(ctx, cmd, timeoutS)
	})
	return r
}

// Register adds or replaces a named tool handler. Used both for the four
// built-ins (see NewRegistry) and for agent-specific typed helpers such as
// take_screenshot, run_tests, build_docker_image.
func (r *Registry) Register(name string, h Handler) {
	r.handlers[name] = h
}

// Execute parses call.Arguments and dispatches to the registered handler. An
// unknown tool name returns a ToolExecutionFailedError rather than a Go
// error that would abort the job — the Agent Loop turns this into a
// tool-result message so the model can react, per spec §7.
func (r *Registry) Execute(ctx context.Context, e *Executor, call ToolCall) (*ToolResult, error) {
	h, ok := r.handlers[call.Name]
	if !ok {
		return nil, &ToolExecutionFailedError{Tool: call.Name, Detail: "unknown tool"}
	}

	var args map[string]any
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return nil, &ToolExecutionFailedError{Tool: call.Name, Detail: fmt.Sprintf("invalid arguments: %v", err)}
		}
	}

	return h(ctx, e, args)
}
