// Package sched starts, polls, and completes background hook runs and
// repair workflows. Child processes are never awaited; the only completion
// contract is a final output-file line of the form
// "CHANGELINE_DONE <STATUS> <EXIT_CODE>". All in-flight bookkeeping lives in
// the project record (running suffixes) and the claim markers, so a daemon
// restart picks up exactly where the previous one stopped.
package sched

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"changeline/internal/claim"
	"changeline/internal/domain"
	"changeline/internal/events"
	"changeline/internal/history"
	"changeline/internal/record"
)

// Completion marker vocabulary.
const (
	DoneMarker = "CHANGELINE_DONE"
	DiffMarker = "CHANGELINE_DIFF"
)

// RunKind distinguishes a plain hook run from an auto-repair run.
type RunKind int

const (
	KindHook RunKind = iota
	KindRepair
)

// Run identifies one schedulable unit: a hook entry paired with a history
// entry id.
type Run struct {
	HookIndex int
	EntryID   string
	Kind      RunKind
}

// RunRequest is everything a Launcher needs to start a child.
type RunRequest struct {
	Project      string
	Spec         string
	Hook         domain.HookEntry
	EntryID      string
	Kind         RunKind
	WorkspaceDir string
	OutputPath   string
	// FailureContext carries the previous failing output for repair runs.
	FailureContext string
}

// Launcher starts children asynchronously. Implementations must return as
// soon as the child is running.
type Launcher interface {
	Start(ctx context.Context, req RunRequest) error
}

// Accepter drives the accept workflow for proposals produced by repair runs.
type Accepter interface {
	Accept(ctx context.Context, project, specName string, ids []string, actor string) error
}

// Scheduler coordinates background runs for every spec in a project record.
type Scheduler struct {
	Store         *record.Store
	Claims        *claim.Manager
	Launcher      Launcher
	Accepter      Accepter
	Journal       *events.Writer
	OutDir        string
	WorkspaceRoot string

	ZombieThreshold time.Duration
	Now             func() time.Time
	Logger          *log.Logger
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Scheduler) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.Default()
}

// latestAcceptedID returns the id of the highest-numbered accepted entry.
func latestAcceptedID(spec *domain.ChangeSpec) (string, bool) {
	best := 0
	for _, e := range spec.History {
		if !e.Proposed() && e.Number > best {
			best = e.Number
		}
	}
	if best == 0 {
		return "", false
	}
	return fmt.Sprintf("%d", best), true
}

// StaleEntries returns the runs that need starting: hook/entry pairs with no
// status line yet, and FAILED or ZOMBIE lines with no suffix whose modifiers
// permit auto-repair.
func (s *Scheduler) StaleEntries(spec *domain.ChangeSpec) []Run {
	if spec.Status.Terminal() {
		return nil
	}
	var runs []Run
	for hi, hook := range spec.Hooks {
		noRepair, runsProposed := hook.Modifiers()
		var targets []string
		if id, ok := latestAcceptedID(spec); ok {
			targets = append(targets, id)
		}
		if runsProposed {
			for _, e := range spec.History {
				if e.Proposed() {
					targets = append(targets, e.ID())
				}
			}
		}
		for _, target := range targets {
			li, ok := hook.Line(target)
			if !ok {
				runs = append(runs, Run{HookIndex: hi, EntryID: target, Kind: KindHook})
				continue
			}
			line := hook.Lines[li]
			failed := line.State == domain.HookFailed || line.State == domain.HookZombie
			if failed && line.SuffixType == domain.SuffixNone && !noRepair {
				runs = append(runs, Run{HookIndex: hi, EntryID: target, Kind: KindRepair})
			}
		}
	}
	return runs
}

// runTarget is the claim target string correlating a claim marker with one
// run, so completion and crash recovery can find the workspace without any
// in-memory state.
func runTarget(project, specName string, hookIndex int, entryID string) string {
	return fmt.Sprintf("%s/%s/h%d/%s", project, specName, hookIndex, entryID)
}

func (s *Scheduler) outputPath(project, specName string, hookIndex int, entryID string) string {
	name := fmt.Sprintf("h%d-%s.out", hookIndex, entryID)
	return filepath.Join(s.OutDir, project, specName, name)
}

func (s *Scheduler) workspaceDir(num int) string {
	return filepath.Join(s.WorkspaceRoot, fmt.Sprintf("ws-%d", num))
}

// Start claims a workspace, stamps the run's status line with a running
// suffix, and launches the child. No-capacity is returned unwrapped so the
// caller can retry on a later tick.
func (s *Scheduler) Start(ctx context.Context, project string, spec *domain.ChangeSpec, run Run) (*domain.WorkspaceClaim, error) {
	if run.HookIndex >= len(spec.Hooks) {
		return nil, fmt.Errorf("hook index %d out of range: %w", run.HookIndex, domain.ErrValidation)
	}
	hook := spec.Hooks[run.HookIndex]
	target := runTarget(project, spec.Name, run.HookIndex, run.EntryID)
	wc, err := s.Claims.Claim(claim.Background, "hook", target)
	if err != nil {
		return nil, err
	}
	s.Journal.Append(ctx, "claim.acquired", project, spec.Name, "daemon", events.EventPayload{
		"workspace": wc.Workspace,
		"target":    target,
	})

	startedAt := s.now().UTC().Format(time.RFC3339)
	err = s.Store.Update(ctx, project, func(p *domain.Project) error {
		sp, ok := p.Spec(spec.Name)
		if !ok {
			return fmt.Errorf("spec %s: %w", spec.Name, domain.ErrNotFound)
		}
		h := &sp.Hooks[run.HookIndex]
		li, ok := h.Line(run.EntryID)
		if !ok {
			h.Lines = append(h.Lines, domain.HookStatusLine{EntryID: run.EntryID})
			li = len(h.Lines) - 1
		}
		h.Lines[li].State = domain.HookRunning
		h.Lines[li].At = startedAt
		h.Lines[li].Duration = ""
		h.Lines[li].Suffix = startedAt
		h.Lines[li].SuffixType = domain.SuffixRunning
		return nil
	})
	if err != nil {
		s.release(ctx, project, spec.Name, wc)
		return nil, err
	}

	out := s.outputPath(project, spec.Name, run.HookIndex, run.EntryID)
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		s.release(ctx, project, spec.Name, wc)
		return nil, err
	}
	req := RunRequest{
		Project:      project,
		Spec:         spec.Name,
		Hook:         hook,
		EntryID:      run.EntryID,
		Kind:         run.Kind,
		WorkspaceDir: s.workspaceDir(wc.Workspace),
		OutputPath:   out,
	}
	if run.Kind == KindRepair {
		if li, ok := hook.Line(run.EntryID); ok {
			req.FailureContext = hook.Lines[li].Suffix
		}
		if prev, err := os.ReadFile(out); err == nil {
			req.FailureContext = string(prev)
		}
	}
	if err := s.Launcher.Start(ctx, req); err != nil {
		// Launch failures are external tool failures: record them on the
		// line and keep the daemon going.
		s.release(ctx, project, spec.Name, wc)
		s.recordLineFailure(ctx, project, spec.Name, run, err)
		return nil, nil
	}
	s.Journal.Append(ctx, "run.started", project, spec.Name, "daemon", events.EventPayload{
		"hook":      hook.RawCommand,
		"entry":     run.EntryID,
		"workspace": wc.Workspace,
		"repair":    run.Kind == KindRepair,
	})
	return wc, nil
}

// release drops a workspace claim and journals the hand-back.
func (s *Scheduler) release(ctx context.Context, project, specName string, wc *domain.WorkspaceClaim) {
	s.Claims.Release(wc.Workspace)
	s.Journal.Append(ctx, "claim.released", project, specName, "daemon", events.EventPayload{
		"workspace": wc.Workspace,
		"target":    wc.Target,
	})
}

func (s *Scheduler) recordLineFailure(ctx context.Context, project, specName string, run Run, cause error) {
	err := s.Store.Update(ctx, project, func(p *domain.Project) error {
		sp, ok := p.Spec(specName)
		if !ok {
			return fmt.Errorf("spec %s: %w", specName, domain.ErrNotFound)
		}
		h := &sp.Hooks[run.HookIndex]
		li, ok := h.Line(run.EntryID)
		if !ok {
			return nil
		}
		h.Lines[li].State = domain.HookDead
		h.Lines[li].Suffix = cause.Error()
		h.Lines[li].SuffixType = domain.SuffixError
		return nil
	})
	if err != nil {
		s.logger().Printf("record launch failure for %s/%s: %v", project, specName, err)
	}
}

// completion is a parsed output file.
type completion struct {
	done     bool
	state    domain.HookState
	exitCode int
	diffPath string
}

// readCompletion scans the output file for the completion marker. Only the
// marker convention is trusted; everything else in the file is opaque.
func readCompletion(path string) (completion, error) {
	f, err := os.Open(path)
	if err != nil {
		return completion{}, err
	}
	defer f.Close()
	var c completion
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if rest, ok := strings.CutPrefix(line, DiffMarker+" "); ok {
			c.diffPath = strings.TrimSpace(rest)
			continue
		}
		if rest, ok := strings.CutPrefix(line, DoneMarker+" "); ok {
			parts := strings.Fields(rest)
			if len(parts) != 2 {
				continue
			}
			state := domain.HookState(parts[0])
			if !state.Valid() {
				continue
			}
			c.done = true
			c.state = state
			fmt.Sscanf(parts[1], "%d", &c.exitCode)
		}
	}
	return c, sc.Err()
}

// Poll inspects output files of in-flight runs, applies completions to the
// record, releases workspaces, and drives the accept workflow for proposals
// produced by repair runs. It never blocks on a child process.
func (s *Scheduler) Poll(ctx context.Context, project string, spec *domain.ChangeSpec) error {
	type finished struct {
		run  Run
		comp completion
	}
	var done []finished
	for hi, hook := range spec.Hooks {
		noRepair, _ := hook.Modifiers()
		for _, line := range hook.Lines {
			if line.SuffixType != domain.SuffixRunning {
				continue
			}
			out := s.outputPath(project, spec.Name, hi, line.EntryID)
			comp, err := readCompletion(out)
			if err != nil || !comp.done {
				continue
			}
			// A diff in the output makes this a repair completion, but only
			// for hooks whose modifiers permit auto-repair: a ! hook that
			// happens to print a diff marker stays a plain run.
			kind := KindHook
			if comp.diffPath != "" && !noRepair {
				kind = KindRepair
			}
			done = append(done, finished{run: Run{HookIndex: hi, EntryID: line.EntryID, Kind: kind}, comp: comp})
		}
	}
	if len(done) == 0 {
		return nil
	}

	now := s.now()
	var acceptIDs []string
	err := s.Store.Update(ctx, project, func(p *domain.Project) error {
		sp, ok := p.Spec(spec.Name)
		if !ok {
			return fmt.Errorf("spec %s: %w", spec.Name, domain.ErrNotFound)
		}
		acceptIDs = acceptIDs[:0]
		for _, fin := range done {
			if fin.run.HookIndex >= len(sp.Hooks) {
				continue
			}
			h := &sp.Hooks[fin.run.HookIndex]
			li, ok := h.Line(fin.run.EntryID)
			if !ok || h.Lines[li].SuffixType != domain.SuffixRunning {
				continue
			}
			line := &h.Lines[li]
			if started, perr := time.Parse(time.RFC3339, line.Suffix); perr == nil {
				line.Duration = now.Sub(started).Round(time.Second).String()
			}
			line.State = fin.comp.state
			line.Suffix = ""
			line.SuffixType = domain.SuffixNone
			if fin.run.Kind == KindRepair && fin.comp.state == domain.HookPassed && fin.comp.diffPath != "" {
				base, _, perr := domain.ParseEntryID(fin.run.EntryID)
				if perr != nil {
					continue
				}
				note := fmt.Sprintf("auto-repair for hook %q", h.Command())
				entry, aerr := history.AddProposed(sp, base, note, "", fin.comp.diffPath)
				if aerr != nil {
					line.Suffix = aerr.Error()
					line.SuffixType = domain.SuffixError
					continue
				}
				line.Suffix = entry.ID()
				line.SuffixType = domain.SuffixOutcome
				acceptIDs = append(acceptIDs, entry.ID())
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, fin := range done {
		target := runTarget(project, spec.Name, fin.run.HookIndex, fin.run.EntryID)
		if wc, ok := s.Claims.FindByTarget("hook", target); ok {
			s.release(ctx, project, spec.Name, wc)
		}
		s.Journal.Append(ctx, "run.finished", project, spec.Name, "daemon", events.EventPayload{
			"entry": fin.run.EntryID,
			"state": string(fin.comp.state),
			"exit":  fin.comp.exitCode,
		})
	}
	// Repair proposals are accepted exactly as a non-interactive accept
	// would, one at a time.
	for _, id := range acceptIDs {
		if s.Accepter == nil {
			break
		}
		if err := s.Accepter.Accept(ctx, project, spec.Name, []string{id}, "daemon"); err != nil {
			s.logger().Printf("auto-accept %s on %s/%s: %v", id, project, spec.Name, err)
		}
	}
	return nil
}

// SweepZombies rewrites running suffixes older than the zombie threshold to
// the terminal ZOMBIE marker. The threshold bounds operator-visible
// staleness; it does not prove the child is dead. The sweep is idempotent
// and never touches terminal suffixes.
func (s *Scheduler) SweepZombies(spec *domain.ChangeSpec) int {
	now := s.now()
	swept := 0
	for hi := range spec.Hooks {
		for li := range spec.Hooks[hi].Lines {
			line := &spec.Hooks[hi].Lines[li]
			if line.SuffixType != domain.SuffixRunning {
				continue
			}
			started, err := time.Parse(time.RFC3339, line.Suffix)
			if err != nil || now.Sub(started) > s.ZombieThreshold {
				line.State = domain.HookZombie
				line.Suffix = "ZOMBIE"
				line.SuffixType = domain.SuffixZombie
				swept++
			}
		}
	}
	for ci := range spec.Comments {
		c := &spec.Comments[ci]
		if c.SuffixType != domain.SuffixRunning {
			continue
		}
		started, err := time.Parse(time.RFC3339, c.Suffix)
		if err != nil || now.Sub(started) > s.ZombieThreshold {
			c.Suffix = "ZOMBIE"
			c.SuffixType = domain.SuffixZombie
			swept++
		}
	}
	for ei := range spec.History {
		e := &spec.History[ei]
		if e.SuffixType != domain.SuffixRunning {
			continue
		}
		started, err := time.Parse(time.RFC3339, e.Suffix)
		if err != nil || now.Sub(started) > s.ZombieThreshold {
			e.Suffix = "ZOMBIE"
			e.SuffixType = domain.SuffixZombie
			swept++
		}
	}
	return swept
}
