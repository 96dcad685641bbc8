// Package agent wraps the text-generation collaborator used by repair
// workflows. The invocation protocol is opaque: a prompt and context paths
// go in, an artifact path and a success flag come out.
package agent

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"changeline/internal/domain"
)

// Result is the outcome of one agent invocation.
type Result struct {
	ArtifactPath string
	Success      bool
}

// Agent is the collaborator interface.
type Agent interface {
	// Invoke runs the agent against a workspace directory. Implementations
	// must allow at most one concurrent invocation per workspace.
	Invoke(ctx context.Context, prompt string, contextPaths []string, workspaceDir string) (Result, error)
}

// CommandAgent invokes a configured external command. The prompt arrives on
// argv after the configured command, the workspace is the working directory,
// and the artifact is whatever the command writes to the path passed via
// CHANGELINE_ARTIFACT.
type CommandAgent struct {
	Command []string
	Logger  *log.Logger

	mu        sync.Mutex
	perWSLock map[string]*sync.Mutex
}

func (a *CommandAgent) wsLock(dir string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.perWSLock == nil {
		a.perWSLock = map[string]*sync.Mutex{}
	}
	if a.perWSLock[dir] == nil {
		a.perWSLock[dir] = &sync.Mutex{}
	}
	return a.perWSLock[dir]
}

func (a *CommandAgent) Invoke(ctx context.Context, prompt string, contextPaths []string, workspaceDir string) (Result, error) {
	if len(a.Command) == 0 {
		return Result{}, &domain.ExternalToolError{Tool: "agent", Op: "invoke", Err: fmt.Errorf("no agent command configured")}
	}
	lock := a.wsLock(workspaceDir)
	lock.Lock()
	defer lock.Unlock()

	artifact := filepath.Join(workspaceDir, ".changeline-artifact")
	args := append(append([]string{}, a.Command[1:]...), prompt)
	args = append(args, contextPaths...)
	cmd := exec.CommandContext(ctx, a.Command[0], args...)
	cmd.Dir = workspaceDir
	cmd.Env = append(os.Environ(), "CHANGELINE_ARTIFACT="+artifact)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if a.Logger != nil {
			a.Logger.Printf("agent invocation failed in %s: %v: %s", workspaceDir, err, out)
		}
		return Result{ArtifactPath: artifact, Success: false},
			&domain.ExternalToolError{Tool: "agent", Op: "invoke", Err: err}
	}
	if _, err := os.Stat(artifact); err != nil {
		return Result{Success: false},
			&domain.ExternalToolError{Tool: "agent", Op: "invoke", Err: fmt.Errorf("no artifact produced")}
	}
	return Result{ArtifactPath: artifact, Success: true}, nil
}
