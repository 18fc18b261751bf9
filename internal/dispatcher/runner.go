package dispatcher

import (
	"context"
	"fmt"
	"log/slog"

	dockerclient "github.com/docker/docker/client"

	"github.com/agentforge/dispatchd/internal/agentloop"
	"github.com/agentforge/dispatchd/internal/models"
	"github.com/agentforge/dispatchd/internal/provider"
	"github.com/agentforge/dispatchd/internal/sandbox"
)

// JobRunner executes one already-claimed job to completion and returns the
// Agent Loop's result. Decoupling this from Dispatcher mirrors the
// teacher's SessionExecutor interface in pkg/queue/types.go, letting tests
// substitute a fake runner instead of a live Docker daemon and provider.
type JobRunner interface {
	Run(ctx context.Context, job *models.Job) (agentloop.Result, error)
}

// SandboxRunner is the production JobRunner: it launches a fresh sandbox
// container per job and drives the Agent Loop inside it, per spec §4.4/§4.6.
type SandboxRunner struct {
	docker        *dockerclient.Client
	gateway       *provider.Gateway
	tools         *sandbox.Registry
	image         string
	workspaceRoot string
	caps          sandbox.Caps
}

// NewSandboxRunner constructs the production JobRunner.
func NewSandboxRunner(docker *dockerclient.Client, gateway *provider.Gateway, tools *sandbox.Registry, image, workspaceRoot string, caps sandbox.Caps) *SandboxRunner {
	return &SandboxRunner{docker: docker, gateway: gateway, tools: tools, image: image, workspaceRoot: workspaceRoot, caps: caps}
}

// Run launches the sandbox, runs the Agent Loop, and always tears the
// sandbox down before returning.
func (s *SandboxRunner) Run(ctx context.Context, job *models.Job) (agentloop.Result, error) {
	workspace := fmt.Sprintf("%s/%s", s.workspaceRoot, job.ID)
	executor := sandbox.New(s.docker, s.image, job.ID, workspace, s.caps)
	if err := executor.Launch(ctx); err != nil {
		return agentloop.Result{}, models.Classify(models.ErrKindSandboxStartFailed, err)
	}
	defer func() {
		if err := executor.Teardown(context.Background()); err != nil {
			slog.Warn("sandbox runner: teardown failed", "job_id", job.ID, "error", err)
		}
	}()

	taskDescription, _ := job.Payload["task"].(string)
	loop := agentloop.New(s.gateway, s.tools, executor)
	return loop.Run(ctx, agentloop.Input{
		TaskDescription: taskDescription,
		SystemPrompt:    systemPromptFor(job.Type),
		Provider:        job.Provider,
		Model:           job.Model,
		Tools:           builtinToolDefinitions(),
	})
}

func systemPromptFor(jobType models.JobType) string {
	return fmt.Sprintf("You are an autonomous software engineering agent performing a %q task. Use the available tools to inspect and modify the workspace, then finish with a concise summary.", jobType)
}

func builtinToolDefinitions() []provider.ToolDefinition {
	return []provider.ToolDefinition{
		{Name: "read_file", Description: "Read a file from the workspace.",
			ParametersSchema: `{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`},
		{Name: "write_file", Description: "Write a file in the workspace.",
			ParametersSchema: `{"type":"object","properties":{"path":{"type":"string"},"content":{"type":"string"}},"required":["path","content"]}`},
		{Name: "list_directory", Description: "List a directory in the workspace.",
			ParametersSchema: `{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`},
		{Name: "run_command", Description: "Run a shell command in the workspace.",
			ParametersSchema: `{"type":"object","properties":{"cmd":{"type":"string"},"timeout_s":{"type":"integer"}},"required":["cmd"]}`},
	}
}
