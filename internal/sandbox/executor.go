// Package sandbox isolates agent tool side-effects inside a disposable
// per-job container, per spec §4.4. One Executor instance is created per
// job; Launch/Teardown bracket its lifetime.
package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// Sentinel errors, per spec §4.4/§7. SandboxStartFailed and SandboxTimeout
// are retriable; ToolExecutionFailed is not a job-level failure (it is
// returned to the agent as a tool result).
var (
	ErrSandboxStartFailed = errors.New("sandbox: start failed")
	ErrSandboxTimeout     = errors.New("sandbox: wall-clock timeout exceeded")
)

// ToolExecutionFailedError wraps a failed tool invocation. The Agent Loop
// converts this into a tool-result message rather than a job failure,
// unless the agent itself chooses to abort.
type ToolExecutionFailedError struct {
	Tool   string
	Detail string
}

func (e *ToolExecutionFailedError) Error() string {
	return fmt.Sprintf("tool %q execution failed: %s", e.Tool, e.Detail)
}

// Caps are the resource limits applied to every sandbox container, per
// spec §4.4 defaults.
type Caps struct {
	MemoryBytes    int64
	NanoCPUs       int64
	WallClockLimit time.Duration
	TruncateBytes  int // output truncation ceiling, default 5000
}

// DefaultCaps returns the spec-mandated defaults: 2 GiB memory, one
// core-equivalent CPU, 30-minute wall clock, 5,000-byte truncation ceiling.
func DefaultCaps() Caps {
	return Caps{
		MemoryBytes:    2 << 30,
		NanoCPUs:       1_000_000_000,
		WallClockLimit: 30 * time.Minute,
		TruncateBytes:  5000,
	}
}

// ToolResult is the uniform shape every tool primitive returns, per spec §6.
type ToolResult struct {
	Content    string // stdout / file content / directory listing, as JSON-ish text
	Stderr     string
	ExitStatus int
	Truncated  bool
}

// Executor launches one container per job, exposes tool primitives against
// it, and guarantees teardown on every exit path.
type Executor struct {
	docker      *dockerclient.Client
	image       string
	jobID       string
	workspace   string // host path
	mountPath   string // in-container path
	caps        Caps
	containerID string
	started     bool
}

const containerMountPath = "/workspace"
const containerNamePrefix = "job-sandbox-"

// New creates an Executor for jobID. docker may be a shared client; image is
// the pre-built sandbox image; workspace is the host directory to mount.
func New(docker *dockerclient.Client, image, jobID, workspace string, caps Caps) *Executor {
	return &Executor{
		docker:    docker,
		image:     image,
		jobID:     jobID,
		workspace: workspace,
		mountPath: containerMountPath,
		caps:      caps,
	}
}

// ContainerName returns the deterministic name derived from the job id, per
// spec §4.4 ("name the container deterministically from the job id") and
// used by Reaper to find orphans matching this pattern.
func ContainerName(jobID string) string {
	return containerNamePrefix + jobID
}

// Launch starts the container with the resource caps and security
// restrictions mandated by spec §4.4: memory/CPU caps, all capabilities
// dropped, no-new-privileges, read-only root with one writable workspace
// mount.
func (e *Executor) Launch(ctx context.Context) error {
	name := ContainerName(e.jobID)

	resp, err := e.docker.ContainerCreate(ctx,
		&container.Config{
			Image:      e.image,
			Tty:        false,
			WorkingDir: e.mountPath,
			Cmd:        []string{"sleep", "infinity"},
		},
		&container.HostConfig{
			Resources: container.Resources{
				Memory:   e.caps.MemoryBytes,
				NanoCPUs: e.caps.NanoCPUs,
			},
			CapDrop:        []string{"ALL"},
			SecurityOpt:    []string{"no-new-privileges"},
			ReadonlyRootfs: true,
			Mounts: []mount.Mount{
				{
					Type:   mount.TypeBind,
					Source: e.workspace,
					Target: e.mountPath,
				},
			},
		},
		nil, nil, name,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSandboxStartFailed, err)
	}
	e.containerID = resp.ID

	if err := e.docker.ContainerStart(ctx, e.containerID, container.StartOptions{}); err != nil {
		_ = e.Teardown(context.Background())
		return fmt.Errorf("%w: %v", ErrSandboxStartFailed, err)
	}

	e.started = true
	slog.Info("sandbox container started", "job_id", e.jobID, "container_id", e.containerID, "name", name)
	return nil
}

// Teardown stops and removes the container. Safe to call multiple times and
// on a never-started Executor; must be called on every exit path (normal
// completion, timeout, cancellation, panic recovery).
func (e *Executor) Teardown(ctx context.Context) error {
	if e.containerID == "" {
		return nil
	}
	timeout := 5
	_ = e.docker.ContainerStop(ctx, e.containerID, container.StopOptions{Timeout: &timeout})
	err := e.docker.ContainerRemove(ctx, e.containerID, container.RemoveOptions{Force: true})
	if err != nil {
		slog.Error("sandbox teardown failed", "job_id", e.jobID, "container_id", e.containerID, "error", err)
		return err
	}
	slog.Info("sandbox container removed", "job_id", e.jobID, "container_id", e.containerID)
	e.started = false
	return nil
}

// RunCommand executes cmd inside the container via exec, bounded by a
// per-call timeout (defaulting to the job's wall-clock cap if timeoutS<=0),
// with stdout/stderr truncated to the configured ceiling.
func (e *Executor) RunCommand(ctx context.Context, cmd string, timeoutS int) (*ToolResult, error) {
	if !e.started {
		return nil, fmt.Errorf("%w: container not started", ErrSandboxStartFailed)
	}

	timeout := e.caps.WallClockLimit
	if timeoutS > 0 {
		timeout = time.Duration(timeoutS) * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	execResp, err := e.docker.ContainerExecCreate(execCtx, e.containerID, container.ExecOptions{
		Cmd:          []string{"sh", "-c", cmd},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, &ToolExecutionFailedError{Tool: "run_command", Detail: err.Error()}
	}

	attach, err := e.docker.ContainerExecAttach(execCtx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, &ToolExecutionFailedError{Tool: "run_command", Detail: err.Error()}
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil && !errors.Is(err, io.EOF) {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w", ErrSandboxTimeout)
		}
	}

	inspect, err := e.docker.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return nil, &ToolExecutionFailedError{Tool: "run_command", Detail: err.Error()}
	}

	out, truncatedOut := truncate(stdout.String(), e.caps.TruncateBytes)
	errOut, truncatedErr := truncate(stderr.String(), e.caps.TruncateBytes)

	return &ToolResult{
		Content:    out,
		Stderr:     errOut,
		ExitStatus: inspect.ExitCode,
		Truncated:  truncatedOut || truncatedErr,
	}, nil
}

// ReadFile reads a file at path relative to the workspace mount.
func (e *Executor) ReadFile(ctx context.Context, path string) (*ToolResult, error) {
	res, err := e.RunCommand(ctx, fmt.Sprintf("cat -- %s", shellQuote(path)), 30)
	if err != nil {
		return nil, err
	}
	if res.ExitStatus != 0 {
		return nil, &ToolExecutionFailedError{Tool: "read_file", Detail: res.Stderr}
	}
	return res, nil
}

// WriteFile writes content to path relative to the workspace mount by
// streaming a tar archive into the container (avoids shell-escaping
// arbitrary content through `sh -c`).
func (e *Executor) WriteFile(ctx context.Context, path, content string) (*ToolResult, error) {
	if !e.started {
		return nil, fmt.Errorf("%w: container not started", ErrSandboxStartFailed)
	}

	buf, err := tarOf(path, content)
	if err != nil {
		return nil, &ToolExecutionFailedError{Tool: "write_file", Detail: err.Error()}
	}

	if err := e.docker.CopyToContainer(ctx, e.containerID, e.mountPath, buf, container.CopyToContainerOptions{}); err != nil {
		return nil, &ToolExecutionFailedError{Tool: "write_file", Detail: err.Error()}
	}

	return &ToolResult{Content: fmt.Sprintf("%d", len(content))}, nil
}

// ListDirectory lists entries under path relative to the workspace mount.
func (e *Executor) ListDirectory(ctx context.Context, path string) (*ToolResult, error) {
	res, err := e.RunCommand(ctx, fmt.Sprintf("ls -1a -- %s", shellQuote(path)), 30)
	if err != nil {
		return nil, err
	}
	if res.ExitStatus != 0 {
		return nil, &ToolExecutionFailedError{Tool: "list_directory", Detail: res.Stderr}
	}
	return res, nil
}

// truncate cuts s to at most n bytes at a byte boundary; truncation is
// observable via the returned bool. Per spec §9 open question, this
// implementation truncates by bytes (the safer of the two interchangeably
// used units in the source material).
func truncate(s string, n int) (string, bool) {
	if n <= 0 || len(s) <= n {
		return s, false
	}
	return s[:n], true
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func tarOf(path, content string) (*bytes.Buffer, error) {
	buf := new(bytes.Buffer)
	tw := tar.NewWriter(buf)
	hdr := &tar.Header{
		Name: strings.TrimPrefix(path, "/"),
		Mode: 0o644,
		Size: int64(len(content)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, err
	}
	if _, err := tw.Write([]byte(content)); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf, nil
}
