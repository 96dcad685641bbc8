// Package accept applies one or more proposals to a claimed workspace and,
// on full success, renumbers the ChangeSpec history in a single atomic
// record rewrite. Used both interactively (cline accept) and by the
// scheduler when a repair run produces a proposal.
package accept

import (
	"context"
	"errors"
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
	"changeline/internal/status"
	"changeline/internal/vcs"
)

// Workflow wires the collaborators the accept flow needs.
type Workflow struct {
	Store         *record.Store
	Claims        *claim.Manager
	VCS           vcs.VCS
	Journal       *events.Writer
	WorkspaceRoot string

	// Class picks the workspace pool; interactive runs use the interactive
	// range, daemon-driven accepts the background range.
	Class claim.Class

	Now    func() time.Time
	Logger *log.Logger
}

func (w *Workflow) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func (w *Workflow) logger() *log.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return log.Default()
}

func (w *Workflow) workspaceDir(num int) string {
	return filepath.Join(w.WorkspaceRoot, fmt.Sprintf("ws-%d", num))
}

// Accept validates the ordered proposal ids, applies each diff to a claimed
// workspace, and renumbers on success. The first failing diff stops the
// sequence, restores the workspace, records the failure on the proposal, and
// leaves every not-yet-applied proposal untouched. Accepted content
// invalidates earlier check results, so the spec moves to Testing for the
// run; the transition log restores the original status when the run fails
// or is interrupted.
func (w *Workflow) Accept(ctx context.Context, project, specName string, ids []string, actor string) error {
	p, err := w.Store.Load(project)
	if err != nil {
		return err
	}
	spec, ok := p.Spec(specName)
	if !ok {
		return fmt.Errorf("spec %s: %w", specName, domain.ErrNotFound)
	}
	diffs := make([]string, 0, len(ids))
	for _, id := range ids {
		entry, ok := spec.Entry(id)
		if !ok {
			return fmt.Errorf("proposal %s: %w", id, domain.ErrNotFound)
		}
		if !entry.Proposed() {
			return fmt.Errorf("entry %s is not a proposal: %w", id, domain.ErrValidation)
		}
		if entry.DiffPath == "" {
			return fmt.Errorf("proposal %s has no diff artifact: %w", id, domain.ErrValidation)
		}
		if _, err := os.Stat(entry.DiffPath); err != nil {
			return fmt.Errorf("proposal %s: diff artifact %s unreadable: %w", id, entry.DiffPath, domain.ErrValidation)
		}
		diffs = append(diffs, entry.DiffPath)
	}

	// The status move happens before the workspace claim: a claim is never
	// held while waiting on the record lock.
	tlog := &status.Log{}
	if spec.Status != domain.StatusTesting && status.IsValidTransition(spec.Status, domain.StatusTesting) {
		if err := w.Store.Update(ctx, project, func(p *domain.Project) error {
			sp, ok := p.Spec(specName)
			if !ok {
				return fmt.Errorf("spec %s: %w", specName, domain.ErrNotFound)
			}
			return tlog.Transition(sp, domain.StatusTesting, "accept in progress", false, w.now())
		}); err != nil {
			return err
		}
	}

	wc, err := w.Claims.Claim(w.Class, "accept", project+"/"+specName)
	if err != nil {
		w.rollback(ctx, project, specName, tlog)
		return err
	}
	w.Journal.Append(ctx, "claim.acquired", project, specName, actor, events.EventPayload{
		"workspace": wc.Workspace,
	})
	dir := w.workspaceDir(wc.Workspace)

	ref := spec.CLRef
	if ref == "" {
		ref = specName
	}
	applyErr := w.applyAll(ctx, dir, ref, ids, diffs)

	// The claim is released before any record write so the workspace lock
	// and the record lock are never held together.
	w.Claims.Release(wc.Workspace)
	w.Journal.Append(ctx, "claim.released", project, specName, actor, events.EventPayload{
		"workspace": wc.Workspace,
	})

	if applyErr != nil {
		w.rollback(ctx, project, specName, tlog)
		payload := events.EventPayload{"ids": ids, "error": applyErr.Error()}
		var ae *appliedError
		if errors.As(applyErr, &ae) {
			// A patch failure blames the proposal that did not apply.
			failedID := ids[ae.applied]
			payload["failed"] = failedID
			uerr := w.Store.Update(ctx, project, func(p *domain.Project) error {
				sp, ok := p.Spec(specName)
				if !ok {
					return fmt.Errorf("spec %s: %w", specName, domain.ErrNotFound)
				}
				entry, ok := sp.Entry(failedID)
				if !ok {
					return nil
				}
				entry.Suffix = applyErr.Error()
				entry.SuffixType = domain.SuffixError
				return nil
			})
			if uerr != nil {
				w.logger().Printf("record apply failure for %s/%s: %v", project, specName, uerr)
			}
		}
		// Checkout, amend, and cancellation failures are workspace-level:
		// no single proposal is at fault, so none gets an error suffix.
		w.Journal.Append(ctx, "accept.failed", project, specName, actor, payload)
		return applyErr
	}

	if err := w.Store.Update(ctx, project, func(p *domain.Project) error {
		sp, ok := p.Spec(specName)
		if !ok {
			return fmt.Errorf("spec %s: %w", specName, domain.ErrNotFound)
		}
		rewritten, err := history.Renumber(sp.History, ids)
		if err != nil {
			return err
		}
		sp.History = rewritten
		return nil
	}); err != nil {
		w.rollback(ctx, project, specName, tlog)
		return err
	}
	w.Journal.Append(ctx, "accept.applied", project, specName, actor, events.EventPayload{"ids": ids})
	return nil
}

// rollback restores the spec's pre-run status from the transition log.
func (w *Workflow) rollback(ctx context.Context, project, specName string, tlog *status.Log) {
	if len(tlog.Entries()) == 0 {
		return
	}
	if err := w.Store.Update(ctx, project, func(p *domain.Project) error {
		if sp, ok := p.Spec(specName); ok {
			tlog.Rollback(sp)
		}
		return nil
	}); err != nil {
		w.logger().Printf("roll back status for %s/%s: %v", project, specName, err)
	}
}

// appliedError wraps a patch failure with how many diffs applied cleanly
// before it.
type appliedError struct {
	applied int
	err     error
}

func (e *appliedError) Error() string { return e.err.Error() }
func (e *appliedError) Unwrap() error { return e.err }

// applyAll checks out the base ref and imports each diff in order without
// committing. On the first failure the workspace is restored to clean and
// the error reports how far the sequence got. On success the combined result
// is amended into the change's commit.
func (w *Workflow) applyAll(ctx context.Context, dir, ref string, ids, diffs []string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := w.VCS.Checkout(ctx, ref, dir); err != nil {
		return err
	}
	for i, diff := range diffs {
		if err := w.VCS.ImportPatch(ctx, dir, diff); err != nil {
			if cerr := w.VCS.Clean(ctx, dir); cerr != nil {
				w.logger().Printf("restore workspace %s after failed import: %v", dir, cerr)
			}
			return &appliedError{applied: i, err: err}
		}
	}
	message := fmt.Sprintf("accept %s", strings.Join(ids, ", "))
	if err := w.VCS.Amend(ctx, dir, message); err != nil {
		if cerr := w.VCS.Clean(ctx, dir); cerr != nil {
			w.logger().Printf("restore workspace %s after failed amend: %v", dir, cerr)
		}
		return err
	}
	return nil
}
