// Package agentloop runs the bounded reasoning cycle described in spec
// §4.6: build messages, call the Provider Gateway, execute any tool calls
// via the Sandbox Executor, repeat until end-of-turn or the iteration cap.
package agentloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/agentforge/dispatchd/internal/models"
	"github.com/agentforge/dispatchd/internal/provider"
	"github.com/agentforge/dispatchd/internal/sandbox"
)

// DefaultMaxIterations is the spec-mandated default iteration cap.
const DefaultMaxIterations = 20

// Outcome classifies how a Run call ended.
type Outcome string

const (
	OutcomeCompleted           Outcome = "completed"
	OutcomeTruncated           Outcome = "truncated"
	OutcomeMaxIterationsReached Outcome = "max_iterations_reached"
)

// Result is everything the Dispatcher needs to settle the job.
type Result struct {
	Outcome     Outcome
	Content     string
	Usage       provider.Usage
	Iterations  int
	Transcript  []provider.Message // full message history, written to Job.logs
	HasArtifact bool               // true if any write_file tool call succeeded; files changed by run_command are not detected
}

// Input bundles the per-job configuration the loop needs.
type Input struct {
	TaskDescription string
	SystemPrompt    string
	Provider        string
	Model           string
	Tools           []provider.ToolDefinition
	MaxIterations   int // 0 => DefaultMaxIterations
}

// Loop runs one bounded reasoning cycle against a Gateway and a sandbox tool
// Registry, per spec §4.6. One Loop (and the Executor it wraps) is created
// per job.
type Loop struct {
	gateway  *provider.Gateway
	tools    *sandbox.Registry
	executor *sandbox.Executor
}

// New creates a Loop bound to gateway, tools, and the already-launched
// executor for this job.
func New(gateway *provider.Gateway, tools *sandbox.Registry, executor *sandbox.Executor) *Loop {
	return &Loop{gateway: gateway, tools: tools, executor: executor}
}

// Run executes the algorithm from spec §4.6. ctx is checked before every
// provider call and before every tool call; once it is cancelled or past its
// deadline (job timeout and admin cancel alike), Run returns the usage
// accumulated so far with an error classified as models.ErrKindUserCancelled.
func (l *Loop) Run(ctx context.Context, in Input) (Result, error) {
	maxIter := in.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}

	messages := []provider.Message{
		{Role: provider.RoleUser, Content: in.TaskDescription},
	}

	var totalUsage provider.Usage
	hasArtifact := false

	for iteration := 0; iteration < maxIter; iteration++ {
		if err := ctx.Err(); err != nil {
			return Result{Usage: totalUsage, Iterations: iteration, Transcript: messages},
				models.Classify(models.ErrKindUserCancelled, err)
		}

		resp, err := l.gateway.Invoke(ctx, in.Provider, in.Model, provider.Request{
			SystemPrompt: in.SystemPrompt,
			Messages:     messages,
			Tools:        in.Tools,
		})
		if err != nil {
			return Result{Usage: totalUsage, Iterations: iteration, Transcript: messages}, err
		}

		totalUsage.InputTokens += resp.Usage.InputTokens
		totalUsage.OutputTokens += resp.Usage.OutputTokens

		assistantMsg := provider.Message{
			Role:      provider.RoleAssistant,
			Content:   joinBlocks(resp.ContentBlocks),
			ToolCalls: resp.ToolCalls,
		}
		messages = append(messages, assistantMsg)

		switch resp.FinishReason {
		case provider.FinishEndOfTurn:
			return Result{
				Outcome:     OutcomeCompleted,
				Content:     assistantMsg.Content,
				Usage:       totalUsage,
				Iterations:  iteration + 1,
				Transcript:  messages,
				HasArtifact: hasArtifact,
			}, nil

		case provider.FinishLength:
			if assistantMsg.Content == "" {
				return Result{Usage: totalUsage, Iterations: iteration + 1, Transcript: messages},
					models.Classify(models.ErrKindMaxIterations, errors.New("truncated response produced no usable output"))
			}
			return Result{
				Outcome:     OutcomeTruncated,
				Content:     assistantMsg.Content,
				Usage:       totalUsage,
				Iterations:  iteration + 1,
				Transcript:  messages,
				HasArtifact: hasArtifact,
			}, nil

		case provider.FinishToolUse:
			for _, tc := range resp.ToolCalls {
				if err := ctx.Err(); err != nil {
					return Result{Usage: totalUsage, Iterations: iteration + 1, Transcript: messages},
						models.Classify(models.ErrKindUserCancelled, err)
				}

				result, toolErr := l.tools.Execute(ctx, l.executor, sandbox.ToolCall{
					ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments,
				})

				var content string
				if toolErr != nil {
					content = fmt.Sprintf("error: %v", toolErr)
					slog.Warn("agent loop: tool execution failed", "tool", tc.Name, "error", toolErr)
				} else {
					content = result.Content
					if result.ExitStatus != 0 {
						content = fmt.Sprintf("%s\n(exit %d)\n%s", content, result.ExitStatus, result.Stderr)
					}
					if tc.Name == "write_file" {
						hasArtifact = true
					}
				}

				messages = append(messages, provider.Message{
					Role:       provider.RoleTool,
					Content:    content,
					ToolCallID: tc.ID,
					ToolName:   tc.Name,
				})
			}

		default:
			return Result{Usage: totalUsage, Iterations: iteration + 1, Transcript: messages},
				models.Classify(models.ErrKindUnknown, fmt.Errorf("provider returned unrecognized finish_reason %q", resp.FinishReason))
		}
	}

	if hasArtifact {
		return Result{
			Outcome:     OutcomeMaxIterationsReached,
			Usage:       totalUsage,
			Iterations:  maxIter,
			Transcript:  messages,
			HasArtifact: true,
		}, nil
	}
	return Result{Usage: totalUsage, Iterations: maxIter, Transcript: messages},
		models.Classify(models.ErrKindMaxIterations, fmt.Errorf("reached max_iterations (%d) without end_of_turn", maxIter))
}

func joinBlocks(blocks []string) string {
	if len(blocks) == 0 {
		return ""
	}
	if len(blocks) == 1 {
		return blocks[0]
	}
	out := blocks[0]
	for _, b := range blocks[1:] {
		out += "\n" + b
	}
	return out
}
