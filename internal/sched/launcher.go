package sched

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"changeline/internal/agent"
	"changeline/internal/domain"
)

// ExecLauncher runs hooks as detached shell children and repair runs through
// the agent collaborator. Hook children append the completion marker
// themselves via a shell wrapper; repair runs write it when the agent
// returns. Neither path is ever awaited by the scheduler.
type ExecLauncher struct {
	Agent  agent.Agent
	Logger *log.Logger
}

func (l *ExecLauncher) logger() *log.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return log.Default()
}

func (l *ExecLauncher) Start(ctx context.Context, req RunRequest) error {
	if req.Kind == KindRepair {
		return l.startRepair(req)
	}
	return l.startHook(req)
}

// startHook launches the hook command detached. The wrapper redirects all
// output to the output file and appends the completion marker with the
// child's exit code.
func (l *ExecLauncher) startHook(req RunRequest) error {
	script := fmt.Sprintf(
		`%s >%q 2>&1; code=$?; if [ $code -eq 0 ]; then state=%s; else state=%s; fi; printf '%s %%s %%d\n' "$state" "$code" >>%q`,
		req.Hook.Command(), req.OutputPath,
		domain.HookPassed, domain.HookFailed,
		DoneMarker, req.OutputPath,
	)
	cmd := exec.Command("sh", "-c", script)
	cmd.Dir = req.WorkspaceDir
	cmd.Env = append(os.Environ(),
		"CHANGELINE_PROJECT="+req.Project,
		"CHANGELINE_SPEC="+req.Spec,
		"CHANGELINE_ENTRY="+req.EntryID,
	)
	if err := cmd.Start(); err != nil {
		return &domain.ExternalToolError{Tool: "hook", Op: "start", Err: err}
	}
	// Detach: completion is observed through the output file only.
	go cmd.Wait()
	return nil
}

// startRepair invokes the agent in a goroutine and reports through the same
// output-file convention as hook children, so poll handles both uniformly.
func (l *ExecLauncher) startRepair(req RunRequest) error {
	if l.Agent == nil {
		return &domain.ExternalToolError{Tool: "agent", Op: "start", Err: fmt.Errorf("no agent configured")}
	}
	prompt := fmt.Sprintf(
		"The command %q failed for change entry %s. Produce a minimal patch that makes it pass.\n\nFailure output:\n%s",
		req.Hook.Command(), req.EntryID, req.FailureContext,
	)
	go func() {
		// Background repair runs outlive the tick that started them; they
		// are bounded by the zombie threshold, not by the tick context.
		ctx := context.Background()
		res, err := l.Agent.Invoke(ctx, prompt, nil, req.WorkspaceDir)
		out, ferr := os.OpenFile(req.OutputPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if ferr != nil {
			l.logger().Printf("repair run %s/%s: open output: %v", req.Spec, req.EntryID, ferr)
			return
		}
		defer out.Close()
		if err != nil || !res.Success {
			fmt.Fprintf(out, "repair failed: %v\n", err)
			fmt.Fprintf(out, "%s %s 1\n", DoneMarker, domain.HookFailed)
			return
		}
		diff := filepath.Join(filepath.Dir(req.OutputPath),
			fmt.Sprintf("repair-%s-%d.diff", req.EntryID, time.Now().Unix()))
		if err := copyFile(res.ArtifactPath, diff); err != nil {
			fmt.Fprintf(out, "repair artifact copy failed: %v\n", err)
			fmt.Fprintf(out, "%s %s 1\n", DoneMarker, domain.HookFailed)
			return
		}
		fmt.Fprintf(out, "%s %s\n", DiffMarker, diff)
		fmt.Fprintf(out, "%s %s 0\n", DoneMarker, domain.HookPassed)
	}()
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
